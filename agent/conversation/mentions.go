package conversation

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BaSui01/roundtable/types"
)

// ExtractMentions resolves @Name tokens in content to agent ids, in order of
// first appearance. Names match case-insensitively; the longest name wins
// when several agents share a prefix.
func ExtractMentions(content string, agents []types.AgentProfile) []string {
	if !strings.Contains(content, "@") || len(agents) == 0 {
		return nil
	}

	byLength := append([]types.AgentProfile(nil), agents...)
	sort.SliceStable(byLength, func(i, j int) bool {
		return len(byLength[i].Name) > len(byLength[j].Name)
	})

	lower := strings.ToLower(content)
	seen := make(map[string]bool)
	var out []string
	for i := 0; i < len(lower); i++ {
		if lower[i] != '@' {
			continue
		}
		if i > 0 {
			prev, _ := utf8.DecodeLastRuneInString(lower[:i])
			if isNameRune(prev) {
				continue // email address
			}
		}
		rest := lower[i+1:]
		for _, a := range byLength {
			name := strings.ToLower(a.Name)
			if name == "" || !strings.HasPrefix(rest, name) {
				continue
			}
			if next, _ := utf8.DecodeRuneInString(rest[len(name):]); isNameRune(next) {
				continue
			}
			if !seen[a.ID] {
				seen[a.ID] = true
				out = append(out, a.ID)
			}
			i += len(name)
			break
		}
	}
	return out
}

func isNameRune(r rune) bool {
	return r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
