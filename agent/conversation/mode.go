package conversation

import (
	"github.com/BaSui01/roundtable/types"
)

// RoundState is the transient per-message state the router needs.
type RoundState struct {
	// Round is zero for the initial round.
	Round int
	// Responded counts full replies per agent for the current trigger.
	Responded map[string]int
	// PreviousReplies are the agent replies produced by the previous round.
	PreviousReplies []*types.Message
	// AllowRepeat lets agents that already replied be routed again.
	AllowRepeat bool
}

// Route returns the ordered agent ids to consider in this round. roster must
// contain active agents only, already in join order.
//
// The scheduler passes Conversation.SelectionMode, which has already resolved
// Moderated to its sub-mode. Route also accepts the raw Moderated mode for
// direct callers and routes it like OnDemand, the default sub-mode.
func Route(mode types.ConversationMode, trigger *types.Message, roster []string, state RoundState) []string {
	switch mode {
	case types.ModeOnDemand, types.ModeModerated:
		if state.Round == 0 {
			if trigger == nil {
				return nil
			}
			return mentioned(trigger.MentionedAgentIDs, roster)
		}
		var ids []string
		for _, reply := range state.PreviousReplies {
			self, _ := reply.Sender.AgentID()
			for _, id := range reply.MentionedAgentIDs {
				if id != self {
					ids = append(ids, id)
				}
			}
		}
		return mentioned(ids, roster)

	case types.ModeRoundRobin:
		if state.Round > 0 {
			return nil
		}
		return append([]string(nil), roster...)

	case types.ModeFree:
		return append([]string(nil), roster...)

	case types.ModeEmergent:
		out := make([]string, 0, len(roster))
		for _, id := range roster {
			if !state.AllowRepeat && state.Responded[id] > 0 {
				continue
			}
			out = append(out, id)
		}
		return out
	}
	return nil
}

// mentioned keeps ids that are on the roster, in mention order, once each.
func mentioned(ids, roster []string) []string {
	if len(ids) == 0 {
		return nil
	}
	active := make(map[string]bool, len(roster))
	for _, id := range roster {
		active[id] = true
	}
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if !active[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
