package command

import "strings"

// DefaultRules returns the built-in phrase table. Order matters: an explicit
// search prefix wins over keywords in the query ("search for help docs"),
// and help and theme phrases are checked before the navigate prefixes so
// "show help" and "switch to dark mode" are not read as pages.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "search",
			Patterns: []string{
				"search for", "search", "find me", "find", "look up", "look for",
			},
			Match:   Prefix,
			Intent:  Search,
			Extract: extractQuery,
		},
		{
			Name:     "help",
			Patterns: []string{"help", "what can i say", "show commands", "list commands"},
			Match:    Contains,
			Intent:   Help,
		},
		{
			Name: "theme",
			Patterns: []string{
				"dark mode", "light mode", "dark theme", "light theme",
				"night mode", "day mode",
			},
			Match:   Contains,
			Intent:  ThemeSwitch,
			Extract: extractTheme,
		},
		{
			Name: "analysis",
			Patterns: []string{
				"run analysis", "full analysis", "analyze", "analyse",
				"summarize", "summarise", "give me a summary",
			},
			Match:  Contains,
			Intent: AnalysisRequest,
		},
		{
			Name: "navigate",
			Patterns: []string{
				"navigate to", "take me to", "go to", "open", "show me", "show",
				"switch to",
			},
			Match:   Prefix,
			Intent:  Navigate,
			Extract: extractTarget,
		},
	}
}

func extractTheme(rest, pattern string) (map[string]string, bool) {
	switch {
	case strings.HasPrefix(pattern, "dark"), strings.HasPrefix(pattern, "night"):
		return map[string]string{"theme": "dark"}, true
	default:
		return map[string]string{"theme": "light"}, true
	}
}

func extractQuery(rest, _ string) (map[string]string, bool) {
	q := trimFillers(rest, "the", "for", "about")
	if q == "" {
		return nil, false
	}
	return map[string]string{"query": q}, true
}

func extractTarget(rest, _ string) (map[string]string, bool) {
	target := trimFillers(rest, "the", "my", "a")
	target = strings.TrimSuffix(target, " page")
	target = strings.TrimSuffix(target, " view")
	target = strings.TrimSuffix(target, " screen")
	if target == "" || target == "page" {
		return nil, false
	}
	return map[string]string{"target": target}, true
}

// trimFillers drops leading filler words.
func trimFillers(s string, words ...string) string {
	for {
		trimmed := false
		for _, w := range words {
			if s == w {
				return ""
			}
			if strings.HasPrefix(s, w+" ") {
				s = strings.TrimSpace(s[len(w)+1:])
				trimmed = true
			}
		}
		if !trimmed {
			return s
		}
	}
}

// Examples lists one sample phrase per rule for help text.
func Examples() []string {
	return []string{
		"show dashboard",
		"search for budget review",
		"dark mode",
		"analyze this meeting",
		"help",
	}
}
