package cmd

import (
	"strings"
	"unicode"

	"github.com/joescharf/harness/internal/models"
)

// keywordRule assigns label when a title contains any of its words or
// phrases. Words match whole tokens, so "fix" does not match "fixtures".
type keywordRule struct {
	label   string
	words   []string
	phrases []string
}

// kindRules are tried in order; the first match wins.
var kindRules = []keywordRule{
	{
		label: "bug",
		words: []string{
			"fix", "fixed", "fixes", "fixing", "bug", "bugs", "broken",
			"crash", "crashes", "crashing", "error", "errors", "regression",
			"fail", "fails", "failing", "failure", "fault", "defect",
			"panic", "panics", "deadlock", "leak", "leaks",
		},
		phrases: []string{"issue with", "not working", "does not", "doesn't", "no longer"},
	},
	{
		label:   "test",
		words:   []string{"test", "tests", "testing", "coverage", "e2e"},
		phrases: []string{"test case"},
	},
	{
		label: "docs",
		words: []string{"docs", "doc", "documentation", "document", "readme", "changelog"},
	},
	{
		label: "chore",
		words: []string{
			"refactor", "refactoring", "cleanup", "migrate", "upgrade",
			"rename", "reorganize", "chore", "lint", "bump", "tidy",
		},
		phrases: []string{"clean up", "update dep", "update deps", "update dependencies"},
	},
}

var (
	highPriority = keywordRule{
		words: []string{
			"critical", "urgent", "blocker", "crash", "crashes", "security",
			"vulnerability", "deadlock", "outage", "p0", "p1",
		},
		phrases: []string{"data loss", "data race", "production down"},
	}
	lowPriority = keywordRule{
		words:   []string{"minor", "cosmetic", "trivial", "typo", "cleanup"},
		phrases: []string{"nice to have", "low priority", "clean up"},
	}
)

// titleTokens lowercases title and splits it into words, returned both as a
// set and as a space-padded string for phrase lookups.
func titleTokens(title string) (map[string]bool, string) {
	fields := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set, " " + strings.Join(fields, " ") + " "
}

func (r keywordRule) matches(words map[string]bool, joined string) bool {
	for _, w := range r.words {
		if words[w] {
			return true
		}
	}
	for _, p := range r.phrases {
		if strings.Contains(joined, " "+p+" ") {
			return true
		}
	}
	return false
}

// classifyItemKind infers a kind label from the title: bug, test, docs,
// chore, or feature when nothing matches.
func classifyItemKind(title string) string {
	words, joined := titleTokens(title)
	for _, r := range kindRules {
		if r.matches(words, joined) {
			return r.label
		}
	}
	return "feature"
}

// classifyItemPriority infers a priority from the title. High keywords win
// over low ones. Docs-only work defaults to low, everything else to medium.
func classifyItemPriority(title string) models.Priority {
	words, joined := titleTokens(title)
	switch {
	case highPriority.matches(words, joined):
		return models.PriorityHigh
	case lowPriority.matches(words, joined):
		return models.PriorityLow
	case classifyItemKind(title) == "docs":
		return models.PriorityLow
	}
	return models.PriorityMedium
}
