package relevance

import (
	"sort"

	"github.com/BaSui01/roundtable/types"
)

// Classification is the outcome of scoring one candidate.
type Classification string

const (
	ClassRespond     Classification = "respond"
	ClassAcknowledge Classification = "acknowledge"
	ClassSilent      Classification = "silent"
)

// Classify maps a score onto a classification under s.
func Classify(score int, s types.EmergentSettings) Classification {
	switch {
	case score >= s.RelevanceThreshold:
		return ClassRespond
	case s.ShowBriefAcknowledgments && score >= s.AcknowledgmentThreshold:
		return ClassAcknowledge
	default:
		return ClassSilent
	}
}

// Candidate is an agent eligible for scoring.
type Candidate struct {
	Agent types.AgentProfile
	// JoinOrder is the agent's position in participant join order.
	JoinOrder int
}

// Decision is the scored outcome for one candidate.
type Decision struct {
	Candidate      Candidate      `json:"-"`
	AgentID        string         `json:"agent_id"`
	Score          int            `json:"score"`
	Classification Classification `json:"classification"`
	Reasoning      string         `json:"reasoning,omitempty"`
	// Error is set when scoring failed and the agent was defaulted to silent.
	Error string `json:"error,omitempty"`
}

// Selection is the per-round result after applying the response cap.
type Selection struct {
	Respond     []Decision
	Acknowledge []Decision
	// Dropped holds respond-classified agents that did not win a slot.
	Dropped []Decision
}

// Select ranks respond decisions by score, then seniority, then join order,
// and keeps at most maxResponses of them. Acknowledgments keep join order.
func Select(decisions []Decision, maxResponses int) Selection {
	var sel Selection
	for _, d := range decisions {
		switch d.Classification {
		case ClassRespond:
			sel.Respond = append(sel.Respond, d)
		case ClassAcknowledge:
			sel.Acknowledge = append(sel.Acknowledge, d)
		}
	}

	sort.SliceStable(sel.Respond, func(i, j int) bool {
		a, b := sel.Respond[i], sel.Respond[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Candidate.Agent.SeniorityLevel != b.Candidate.Agent.SeniorityLevel {
			return a.Candidate.Agent.SeniorityLevel > b.Candidate.Agent.SeniorityLevel
		}
		return a.Candidate.JoinOrder < b.Candidate.JoinOrder
	})
	sort.SliceStable(sel.Acknowledge, func(i, j int) bool {
		return sel.Acknowledge[i].Candidate.JoinOrder < sel.Acknowledge[j].Candidate.JoinOrder
	})

	if maxResponses > 0 && len(sel.Respond) > maxResponses {
		sel.Dropped = append(sel.Dropped, sel.Respond[maxResponses:]...)
		sel.Respond = sel.Respond[:maxResponses]
	}
	return sel
}
