package fanout

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when no resolver accepts a credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is a resolved realtime caller.
type Identity struct {
	OrganizationID string
	UserID         string
	Roles          []string
	// Bypass skips the participant check on JoinConversation. Only local
	// tooling identities carry it.
	Bypass bool
}

// IdentityResolver turns a connection credential into an Identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// BypassResolver accepts a fixed set of credentials for local tooling.
type BypassResolver struct {
	identities map[string]Identity
}

// NewBypassResolver maps each credential to its identity. Every returned
// identity has Bypass set.
func NewBypassResolver(identities map[string]Identity) *BypassResolver {
	m := make(map[string]Identity, len(identities))
	for cred, id := range identities {
		id.Bypass = true
		m[cred] = id
	}
	return &BypassResolver{identities: m}
}

func (r *BypassResolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	if id, ok := r.identities[credential]; ok && credential != "" {
		return id, nil
	}
	return Identity{}, ErrUnauthenticated
}

// JWTOptions configures token verification.
type JWTOptions struct {
	Secret    string
	PublicKey *rsa.PublicKey
	Issuer    string
	Audience  string
}

// JWTResolver verifies HS256/RS256 bearer tokens. The organization comes from
// the org_id claim (tenant_id as fallback) and the user from user_id (sub as
// fallback).
type JWTResolver struct {
	opts   JWTOptions
	parser *jwt.Parser
}

// NewJWTResolver creates a resolver. At least one key must be configured.
func NewJWTResolver(opts JWTOptions) (*JWTResolver, error) {
	if opts.Secret == "" && opts.PublicKey == nil {
		return nil, fmt.Errorf("jwt resolver needs a secret or a public key")
	}
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "RS256"})}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	return &JWTResolver{opts: opts, parser: jwt.NewParser(parserOpts...)}, nil
}

func (r *JWTResolver) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.Alg() {
	case "HS256":
		if r.opts.Secret == "" {
			return nil, fmt.Errorf("HMAC secret not configured")
		}
		return []byte(r.opts.Secret), nil
	case "RS256":
		if r.opts.PublicKey == nil {
			return nil, fmt.Errorf("RSA public key not configured")
		}
		return r.opts.PublicKey, nil
	}
	return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
}

func (r *JWTResolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	tokenStr := strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if tokenStr == "" {
		return Identity{}, ErrUnauthenticated
	}
	claims := jwt.MapClaims{}
	token, err := r.parser.ParseWithClaims(tokenStr, claims, r.keyFunc)
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	id := Identity{
		OrganizationID: firstClaim(claims, "org_id", "tenant_id"),
		UserID:         firstClaim(claims, "user_id", "sub"),
	}
	if rolesRaw, ok := claims["roles"].([]any); ok {
		for _, v := range rolesRaw {
			if s, ok := v.(string); ok {
				id.Roles = append(id.Roles, s)
			}
		}
	}
	if id.UserID == "" || id.OrganizationID == "" {
		return Identity{}, fmt.Errorf("%w: token lacks user or organization", ErrUnauthenticated)
	}
	return id, nil
}

func firstClaim(claims jwt.MapClaims, names ...string) string {
	for _, n := range names {
		if s, ok := claims[n].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// ChainResolver tries each resolver in order and returns the first success.
type ChainResolver []IdentityResolver

func (c ChainResolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		if id, err := r.Resolve(ctx, credential); err == nil {
			return id, nil
		}
	}
	return Identity{}, ErrUnauthenticated
}
