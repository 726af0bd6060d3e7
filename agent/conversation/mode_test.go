package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/BaSui01/roundtable/types"
)

func TestRoute(t *testing.T) {
	roster := []string{"a", "b", "c"}
	trigger := &types.Message{Sender: types.UserSender("u"), MentionedAgentIDs: []string{"c", "x", "a", "c"}}
	replyFromA := &types.Message{Sender: types.AISender("a"), MentionedAgentIDs: []string{"a", "b"}}

	tests := []struct {
		name  string
		mode  types.ConversationMode
		msg   *types.Message
		state RoundState
		want  []string
	}{
		{name: "on demand uses mentions in order", mode: types.ModeOnDemand, msg: trigger, want: []string{"c", "a"}},
		{name: "on demand without mentions", mode: types.ModeOnDemand, msg: &types.Message{}, want: nil},
		{name: "on demand later round without replies", mode: types.ModeOnDemand, msg: trigger, state: RoundState{Round: 1}, want: nil},
		{
			name:  "on demand follows agent mentions",
			mode:  types.ModeOnDemand,
			msg:   trigger,
			state: RoundState{Round: 1, PreviousReplies: []*types.Message{replyFromA}},
			want:  []string{"b"},
		},
		{name: "moderated routes like on demand", mode: types.ModeModerated, msg: trigger, want: []string{"c", "a"}},
		{name: "round robin first round", mode: types.ModeRoundRobin, msg: trigger, want: roster},
		{name: "round robin single round", mode: types.ModeRoundRobin, msg: trigger, state: RoundState{Round: 1}, want: nil},
		{name: "free every round", mode: types.ModeFree, msg: trigger, state: RoundState{Round: 3}, want: roster},
		{
			name:  "emergent drops responders",
			mode:  types.ModeEmergent,
			msg:   trigger,
			state: RoundState{Round: 1, Responded: map[string]int{"b": 1}},
			want:  []string{"a", "c"},
		},
		{
			name:  "emergent keeps responders when repeats allowed",
			mode:  types.ModeEmergent,
			msg:   trigger,
			state: RoundState{Round: 1, Responded: map[string]int{"b": 1}, AllowRepeat: true},
			want:  roster,
		},
		{name: "unknown mode", mode: "chaos", msg: trigger, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Route(tt.mode, tt.msg, roster, tt.state))
		})
	}
}

func TestRoute_DoesNotAliasRoster(t *testing.T) {
	roster := []string{"a", "b"}
	got := Route(types.ModeFree, nil, roster, RoundState{})
	got[0] = "z"
	assert.Equal(t, "a", roster[0])
}

func TestRoute_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		roster := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-f]{1,3}`), 0, 8, rapid.ID[string]).Draw(t, "roster")
		mentions := rapid.SliceOf(rapid.StringMatching(`[a-f]{1,3}`)).Draw(t, "mentions")
		mode := rapid.SampledFrom([]types.ConversationMode{
			types.ModeOnDemand, types.ModeRoundRobin, types.ModeFree, types.ModeEmergent, types.ModeModerated,
		}).Draw(t, "mode")
		trigger := &types.Message{MentionedAgentIDs: mentions}

		got := Route(mode, trigger, roster, RoundState{})
		again := Route(mode, trigger, roster, RoundState{})
		if len(got) != len(again) {
			t.Fatalf("route is not deterministic")
		}

		onRoster := make(map[string]bool, len(roster))
		for _, id := range roster {
			onRoster[id] = true
		}
		seen := make(map[string]bool)
		for i, id := range got {
			if !onRoster[id] {
				t.Fatalf("routed %q which is not on the roster", id)
			}
			if seen[id] {
				t.Fatalf("routed %q twice", id)
			}
			seen[id] = true
			if again[i] != id {
				t.Fatalf("route is not deterministic")
			}
		}
		if (mode == types.ModeOnDemand || mode == types.ModeModerated) && len(mentions) == 0 && len(got) != 0 {
			t.Fatalf("on demand routed %v without mentions", got)
		}
	})
}
