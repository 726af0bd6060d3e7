package relevance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/BaSui01/roundtable/types"
)

func TestClassify(t *testing.T) {
	s := types.ConservativeEmergentSettings() // 70 / 40, acks on

	assert.Equal(t, ClassRespond, Classify(70, s))
	assert.Equal(t, ClassRespond, Classify(100, s))
	assert.Equal(t, ClassAcknowledge, Classify(69, s))
	assert.Equal(t, ClassAcknowledge, Classify(40, s))
	assert.Equal(t, ClassSilent, Classify(39, s))

	s.ShowBriefAcknowledgments = false
	assert.Equal(t, ClassSilent, Classify(55, s))
}

func decision(id string, score, seniority, join int, class Classification) Decision {
	return Decision{
		Candidate:      Candidate{Agent: types.AgentProfile{ID: id, SeniorityLevel: seniority}, JoinOrder: join},
		AgentID:        id,
		Score:          score,
		Classification: class,
	}
}

func ids(ds []Decision) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.AgentID
	}
	return out
}

func TestSelect_CapAndTieBreaks(t *testing.T) {
	sel := Select([]Decision{
		decision("a", 80, 1, 0, ClassRespond),
		decision("b", 90, 1, 1, ClassRespond),
		decision("c", 80, 3, 2, ClassRespond),
		decision("d", 50, 0, 3, ClassAcknowledge),
		decision("e", 10, 0, 4, ClassSilent),
		decision("f", 45, 0, 5, ClassAcknowledge),
	}, 2)

	assert.Equal(t, []string{"b", "c"}, ids(sel.Respond))
	assert.Equal(t, []string{"a"}, ids(sel.Dropped))
	assert.Equal(t, []string{"d", "f"}, ids(sel.Acknowledge))
}

func TestSelect_JoinOrderBreaksFullTie(t *testing.T) {
	sel := Select([]Decision{
		decision("late", 75, 2, 4, ClassRespond),
		decision("early", 75, 2, 1, ClassRespond),
	}, 1)

	assert.Equal(t, []string{"early"}, ids(sel.Respond))
	assert.Equal(t, []string{"late"}, ids(sel.Dropped))
}

func TestSelect_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 12).Draw(t, "n")
		max := rapid.IntRange(1, 5).Draw(t, "max")
		settings := types.ConservativeEmergentSettings()

		var in []Decision
		respond := 0
		for i := 0; i < n; i++ {
			score := rapid.IntRange(0, 100).Draw(t, "score")
			d := decision(string(rune('a'+i)), score, rapid.IntRange(0, 3).Draw(t, "seniority"), i, Classify(score, settings))
			if d.Classification == ClassRespond {
				respond++
			}
			in = append(in, d)
		}

		sel := Select(in, max)

		if len(sel.Respond) > max {
			t.Fatalf("selected %d responders with cap %d", len(sel.Respond), max)
		}
		if len(sel.Respond)+len(sel.Dropped) != respond {
			t.Fatalf("lost respond decisions: %d+%d != %d", len(sel.Respond), len(sel.Dropped), respond)
		}
		for i := 1; i < len(sel.Respond); i++ {
			if sel.Respond[i-1].Score < sel.Respond[i].Score {
				t.Fatalf("respond not ordered by score")
			}
		}
		for _, kept := range sel.Respond {
			for _, dropped := range sel.Dropped {
				if dropped.Score > kept.Score {
					t.Fatalf("dropped %s (%d) outranks kept %s (%d)", dropped.AgentID, dropped.Score, kept.AgentID, kept.Score)
				}
			}
		}
		for _, a := range sel.Acknowledge {
			if a.Score < settings.AcknowledgmentThreshold || a.Score >= settings.RelevanceThreshold {
				t.Fatalf("acknowledgment score %d outside band", a.Score)
			}
		}
	})
}
