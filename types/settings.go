package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSettingsAbsent is returned when a conversation carries no settings blob.
var ErrSettingsAbsent = errors.New("emergent settings absent")

// EmergentSettings configures self-moderated conversations. A snapshot is
// taken when a message triggers a round loop; edits apply to later messages.
type EmergentSettings struct {
	RelevanceThreshold       int    `json:"relevanceThreshold"`
	AcknowledgmentThreshold  int    `json:"acknowledgmentThreshold"`
	ShowBriefAcknowledgments bool   `json:"showBriefAcknowledgments"`
	MaxRoundsPerMessage      int    `json:"maxRoundsPerMessage"`
	MaxResponsesPerRound     int    `json:"maxResponsesPerRound"`
	ScoringProvider          string `json:"scoringProvider,omitempty"`
	ScoringModel             string `json:"scoringModel,omitempty"`
	RequireUniqueInsight     bool   `json:"requireUniqueInsight"`
	ResponseDelayMs          int    `json:"responseDelayMs"`
	AllowMultipleResponses   bool   `json:"allowMultipleResponses"`
}

// ConservativeEmergentSettings is the stricter historical default profile.
func ConservativeEmergentSettings() EmergentSettings {
	return EmergentSettings{
		RelevanceThreshold:       70,
		AcknowledgmentThreshold:  40,
		ShowBriefAcknowledgments: true,
		MaxRoundsPerMessage:      2,
		MaxResponsesPerRound:     3,
		RequireUniqueInsight:     true,
		ResponseDelayMs:          1500,
		AllowMultipleResponses:   false,
	}
}

// ExploratoryEmergentSettings is the looser historical default profile.
func ExploratoryEmergentSettings() EmergentSettings {
	return EmergentSettings{
		RelevanceThreshold:       50,
		AcknowledgmentThreshold:  30,
		ShowBriefAcknowledgments: true,
		MaxRoundsPerMessage:      3,
		MaxResponsesPerRound:     3,
		RequireUniqueInsight:     true,
		ResponseDelayMs:          1000,
		AllowMultipleResponses:   true,
	}
}

// EmergentProfile returns a named default profile.
func EmergentProfile(name string) (EmergentSettings, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "conservative":
		return ConservativeEmergentSettings(), nil
	case "exploratory":
		return ExploratoryEmergentSettings(), nil
	default:
		return EmergentSettings{}, fmt.Errorf("unknown emergent profile %q", name)
	}
}

// Validate checks ranges and threshold ordering.
func (s EmergentSettings) Validate() error {
	var errs []string
	if s.RelevanceThreshold < 0 || s.RelevanceThreshold > 100 {
		errs = append(errs, "relevanceThreshold must be within 0..100")
	}
	if s.AcknowledgmentThreshold < 0 || s.AcknowledgmentThreshold > 100 {
		errs = append(errs, "acknowledgmentThreshold must be within 0..100")
	}
	if s.AcknowledgmentThreshold > s.RelevanceThreshold {
		errs = append(errs, "acknowledgmentThreshold must not exceed relevanceThreshold")
	}
	if s.MaxRoundsPerMessage < 0 {
		errs = append(errs, "maxRoundsPerMessage must not be negative")
	}
	if s.MaxResponsesPerRound <= 0 {
		errs = append(errs, "maxResponsesPerRound must be positive")
	}
	if s.ResponseDelayMs < 0 {
		errs = append(errs, "responseDelayMs must not be negative")
	}
	if len(errs) > 0 {
		return NewError(ErrInvalidSettings, strings.Join(errs, "; "))
	}
	return nil
}

// ResponseDelay returns the pacing interval between persisted replies.
func (s EmergentSettings) ResponseDelay() time.Duration {
	return time.Duration(s.ResponseDelayMs) * time.Millisecond
}

// Encode serializes the settings for persistence.
func (s EmergentSettings) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode emergent settings: %w", err)
	}
	return string(data), nil
}

// DecodeEmergentSettings parses a persisted blob on top of base, so fields
// missing from the blob keep the base value. An empty blob yields
// ErrSettingsAbsent; malformed or out-of-range content yields an
// ErrInvalidSettings error.
func DecodeEmergentSettings(raw string, base EmergentSettings) (EmergentSettings, error) {
	if strings.TrimSpace(raw) == "" {
		return EmergentSettings{}, ErrSettingsAbsent
	}
	out := base
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return EmergentSettings{}, NewError(ErrInvalidSettings, "malformed emergent settings").WithCause(err)
	}
	if err := out.Validate(); err != nil {
		return EmergentSettings{}, err
	}
	return out, nil
}
