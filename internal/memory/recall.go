package memory

import "strings"

// estimateTokens implements spec.md §4.2's token estimator:
// ceil(utf8Bytes/4).
func estimateTokens(s string) int {
	n := len(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// RecallLines assembles ordered "(<type>) <content>" lines from scored
// items until the running token estimate would exceed budget,
// matching spec.md §4.2's recall-line assembly rule. Items are assumed
// to already be sorted by descending score.
func RecallLines(items []ScoredItem, budgetTokens int) []string {
	var lines []string
	used := 0
	for _, si := range items {
		line := "(" + string(si.Item.Type) + ") " + si.Item.Content
		cost := estimateTokens(line)
		if used+cost > budgetTokens {
			break
		}
		lines = append(lines, line)
		used += cost
	}
	return lines
}

// UserProfileLines selects the top-K highest-importance identity,
// preference, relationship, and project memories for a subject, for
// C3's user-profile step (built inside its recall step).
func UserProfileLines(items []ScoredItem, topK int) []string {
	var candidates []ScoredItem
	for _, si := range items {
		switch si.Item.Type {
		case TypeIdentity, TypePreference, TypeRelationship, TypeProject:
			candidates = append(candidates, si)
		}
	}
	sortByImportanceDesc(candidates)
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	lines := make([]string, 0, len(candidates))
	for _, c := range candidates {
		lines = append(lines, "(" + string(c.Item.Type) + ") " + strings.TrimSpace(c.Item.Content))
	}
	return lines
}

func sortByImportanceDesc(items []ScoredItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].Item.Importance > items[j-1].Item.Importance; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
