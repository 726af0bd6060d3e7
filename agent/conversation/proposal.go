package conversation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/BaSui01/roundtable/types"
)

var actionBlockPattern = regexp.MustCompile("(?s)```action[ \\t]*\\r?\\n(.*?)```")

// Proposal is a mutation an agent embedded in its reply as a fenced
// ```action block.
type Proposal struct {
	Action     types.ActionType `json:"action"`
	EntityType string           `json:"entity_type"`
	EntityID   string           `json:"entity_id,omitempty"`
	Data       json.RawMessage  `json:"data"`
	Reason     string           `json:"reason,omitempty"`
}

// Validate checks the fields a gate needs.
func (p Proposal) Validate() error {
	if !p.Action.Valid() {
		return fmt.Errorf("unknown action %q", p.Action)
	}
	if strings.TrimSpace(p.EntityType) == "" {
		return fmt.Errorf("entity_type is required")
	}
	if p.Action != types.ActionCreate && p.EntityID == "" {
		return fmt.Errorf("entity_id is required for %s", p.Action)
	}
	if p.Action != types.ActionDelete && (len(p.Data) == 0 || bytes.Equal(bytes.TrimSpace(p.Data), []byte("null"))) {
		return fmt.Errorf("data is required for %s", p.Action)
	}
	return nil
}

// ExtractProposals returns the well-formed proposals in content and an error
// for each block that could not be used.
func ExtractProposals(content string) ([]Proposal, []error) {
	matches := actionBlockPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil, nil
	}
	var (
		out  []Proposal
		errs []error
	)
	for i, m := range matches {
		var p Proposal
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &p); err != nil {
			errs = append(errs, fmt.Errorf("action block %d: %w", i+1, err))
			continue
		}
		if p.Action == types.ActionCreate {
			p.EntityID = ""
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("action block %d: %w", i+1, err))
			continue
		}
		out = append(out, p)
	}
	return out, errs
}

// Draft converts the proposal into an unsaved pending action scoped to msg.
func (p Proposal) Draft(conv *types.Conversation, msg *types.Message) *types.PendingAction {
	agentID, _ := msg.Sender.AgentID()
	data := p.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return &types.PendingAction{
		OrganizationID: conv.OrganizationID,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		AgentID:        agentID,
		ActionType:     p.Action,
		EntityType:     p.EntityType,
		EntityID:       p.EntityID,
		Reason:         p.Reason,
		ProposedData:   data,
	}
}
