// Package command turns final transcripts into typed commands using an
// ordered table of phrase rules. The first matching rule wins; anything that
// matches nothing becomes a GenericQuery.
package command

import (
	"strings"
	"unicode"
)

type Intent int

const (
	GenericQuery Intent = iota
	Navigate
	Search
	ThemeSwitch
	AnalysisRequest
	Help
)

func (i Intent) String() string {
	switch i {
	case GenericQuery:
		return "generic_query"
	case Navigate:
		return "navigate"
	case Search:
		return "search"
	case ThemeSwitch:
		return "theme_switch"
	case AnalysisRequest:
		return "analysis_request"
	case Help:
		return "help"
	default:
		return "unknown"
	}
}

// Command is one routed utterance. Params is never nil.
type Command struct {
	Raw    string
	Intent Intent
	Params map[string]string
	Rule   string // name of the matching rule, empty for GenericQuery
}

func (c Command) Param(key string) string { return c.Params[key] }

type MatchMode int

const (
	Prefix MatchMode = iota
	Contains
)

// Extractor pulls parameters out of a match. rest is the normalized text
// after the matched pattern (Prefix) or the whole normalized text (Contains);
// pattern is the pattern that matched. Returning false rejects the match and
// routing continues with the next pattern.
type Extractor func(rest, pattern string) (map[string]string, bool)

type Rule struct {
	Name     string
	Patterns []string // lowercase; tried in order
	Match    MatchMode
	Intent   Intent
	Extract  Extractor // nil yields no params
}

// Matcher routes text against an ordered rule table. It is immutable and
// safe for concurrent use.
type Matcher struct {
	rules []Rule
}

func NewMatcher(rules []Rule) *Matcher {
	return &Matcher{rules: append([]Rule(nil), rules...)}
}

var defaultMatcher = NewMatcher(DefaultRules())

// Route matches text against the default rules.
func Route(text string) Command { return defaultMatcher.Route(text) }

// Route never fails: unmatched or empty text yields GenericQuery with the
// trimmed original text.
func (m *Matcher) Route(text string) Command {
	raw := strings.TrimSpace(text)
	norm := normalize(raw)

	if norm != "" {
		for _, r := range m.rules {
			if params, ok := r.match(norm); ok {
				if params == nil {
					params = map[string]string{}
				}
				return Command{Raw: raw, Intent: r.Intent, Params: params, Rule: r.Name}
			}
		}
	}
	return Command{Raw: raw, Intent: GenericQuery, Params: map[string]string{"text": raw}}
}

// Rules returns a copy of the table, for help output.
func (m *Matcher) Rules() []Rule {
	return append([]Rule(nil), m.rules...)
}

func (r Rule) match(norm string) (map[string]string, bool) {
	for _, p := range r.Patterns {
		var rest string
		switch r.Match {
		case Prefix:
			if norm != p && !strings.HasPrefix(norm, p+" ") {
				continue
			}
			rest = strings.TrimSpace(norm[len(p):])
		case Contains:
			if !containsWords(norm, p) {
				continue
			}
			rest = norm
		}
		if r.Extract == nil {
			return nil, true
		}
		if params, ok := r.Extract(rest, p); ok {
			return params, true
		}
	}
	return nil, false
}

// containsWords reports whether phrase occurs in s on word boundaries, so
// "help" does not match "helpful".
func containsWords(s, phrase string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], phrase)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(phrase)
		if (start == 0 || s[start-1] == ' ') && (end == len(s) || s[end] == ' ') {
			return true
		}
		i = start + 1
	}
}

// normalize lowercases, turns punctuation into spaces and collapses runs of
// whitespace. Apostrophes inside words are kept.
func normalize(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
