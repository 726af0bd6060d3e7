package relevance

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/BaSui01/roundtable/types"
)

const scoringSystemPrompt = `You decide whether a participant in a group conversation should speak next.
Rate from 0 to 100 how valuable a reply from the described participant would be to the latest message.
100 means the participant is uniquely qualified and has something essential to add.
0 means the participant has nothing relevant to contribute.
Reply with a single JSON object: {"score": <integer 0-100>, "reasoning": "<one short sentence>"}.`

const uniqueInsightRule = `Other participants have already replied in this round. If this participant would mostly repeat what has been said, the score must be low even when the topic is relevant.`

func buildScoringPrompt(agent types.AgentProfile, latest *types.Message, window, roundResponses []*types.Message, requireUnique bool) string {
	var b strings.Builder

	b.WriteString("Participant:\n")
	fmt.Fprintf(&b, "- name: %s\n", agent.Name)
	if len(agent.Expertise) > 0 {
		fmt.Fprintf(&b, "- expertise: %s\n", strings.Join(agent.Expertise, ", "))
	}
	if agent.Personality != "" {
		fmt.Fprintf(&b, "- personality: %s\n", agent.Personality)
	}
	if agent.SystemPrompt != "" {
		fmt.Fprintf(&b, "- role: %s\n", truncate(agent.SystemPrompt, 400))
	}

	if len(window) > 0 {
		b.WriteString("\nEarlier conversation:\n")
		for _, m := range window {
			fmt.Fprintf(&b, "%s: %s\n", speaker(m), m.Content)
		}
	}

	fmt.Fprintf(&b, "\nLatest message from %s:\n%s\n", speaker(latest), latest.Content)

	if len(roundResponses) > 0 {
		b.WriteString("\nReplies already given for this message:\n")
		for _, m := range roundResponses {
			fmt.Fprintf(&b, "%s: %s\n", speaker(m), m.Content)
		}
		if requireUnique {
			b.WriteString("\n")
			b.WriteString(uniqueInsightRule)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func speaker(m *types.Message) string {
	if m.SenderName != "" {
		return m.SenderName
	}
	return m.Sender.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

var (
	jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)
	scoreFieldPattern = regexp.MustCompile(`(?i)score["'\s:=]+(-?\d{1,3})`)
)

// parseScore extracts a score and optional reasoning from model output.
// JSON is preferred; a "score: N" fragment is accepted as a fallback.
func parseScore(content string) (int, string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return 0, "", fmt.Errorf("empty scoring response")
	}

	if obj := jsonObjectPattern.FindString(content); obj != "" {
		var parsed struct {
			Score     json.Number `json:"score"`
			Reasoning string      `json:"reasoning"`
		}
		if err := json.Unmarshal([]byte(obj), &parsed); err == nil && parsed.Score != "" {
			f, err := parsed.Score.Float64()
			if err != nil {
				return 0, "", fmt.Errorf("score is not a number: %w", err)
			}
			return clampScore(int(f + 0.5)), parsed.Reasoning, nil
		}
	}

	if m := scoreFieldPattern.FindStringSubmatch(content); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, "", err
		}
		return clampScore(n), "", nil
	}

	if n, err := strconv.Atoi(content); err == nil {
		return clampScore(n), "", nil
	}
	return 0, "", fmt.Errorf("no score in response %q", truncate(content, 80))
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
