// Package mention parses @-mentions out of outgoing message text and resolves
// them against the conversation roster.
package mention

import (
	"regexp"

	"github.com/convo/internal/model"
)

var tokenRe = regexp.MustCompile(`@(\w+)`)

// Extract returns the candidate tokens of the text: every "@" followed by one
// or more word characters, without the "@". Pure string scan, no state.
func Extract(text string) []string {
	matches := tokenRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		tokens = append(tokens, m[1])
	}
	return tokens
}

// Resolve maps tokens to roster participants whose display name matches
// exactly. Matching is case-sensitive by design — "improving" it changes
// which notifications fire. Unmatched tokens are dropped silently; duplicate
// mentions of the same user collapse to one.
func Resolve(tokens []string, roster []model.Participant) []model.Participant {
	if len(tokens) == 0 || len(roster) == 0 {
		return nil
	}
	byName := make(map[string]model.Participant, len(roster))
	for _, p := range roster {
		byName[p.DisplayName] = p
	}
	seen := make(map[string]struct{}, len(tokens))
	var out []model.Participant
	for _, tok := range tokens {
		p, ok := byName[tok]
		if !ok {
			continue
		}
		if _, dup := seen[p.UserID]; dup {
			continue
		}
		seen[p.UserID] = struct{}{}
		out = append(out, p)
	}
	return out
}
