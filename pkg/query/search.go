package query

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ryouol/agent-diagnostics/pkg/models"
)

// SearchMode selects how Search.Query is interpreted
type SearchMode string

const (
	// ModeExact is a substring match.
	ModeExact SearchMode = "exact"
	// ModeRegex compiles the query as a regular expression.
	ModeRegex SearchMode = "regex"
	// ModeFuzzy requires every query character to appear in order.
	ModeFuzzy SearchMode = "fuzzy"
)

// Default highlight markers
const (
	DefaultMarkerOpen  = "<mark>"
	DefaultMarkerClose = "</mark>"
)

// Search configures free-text matching over message, agent, tool,
// correlation id and the JSON form of details.
type Search struct {
	Query         string     `json:"query"`
	Mode          SearchMode `json:"mode,omitempty"`
	CaseSensitive bool       `json:"caseSensitive,omitempty"`
	Highlight     bool       `json:"highlight,omitempty"`
	MarkerOpen    string     `json:"markerOpen,omitempty"`
	MarkerClose   string     `json:"markerClose,omitempty"`
}

// SearchMeta describes the search applied to a Result
type SearchMeta struct {
	Query         string     `json:"query"`
	Mode          SearchMode `json:"mode"`
	CaseSensitive bool       `json:"caseSensitive"`
	Matches       int        `json:"matches"`
}

func (s Search) markers() (string, string) {
	open, closing := s.MarkerOpen, s.MarkerClose
	if open == "" {
		open = DefaultMarkerOpen
	}
	if closing == "" {
		closing = DefaultMarkerClose
	}
	return open, closing
}

type matcher struct {
	mode          SearchMode
	query         string
	caseSensitive bool
	re            *regexp.Regexp
}

func newMatcher(s Search) (*matcher, error) {
	m := &matcher{mode: s.Mode, query: s.Query, caseSensitive: s.CaseSensitive}
	switch s.Mode {
	case "", ModeExact:
		m.mode = ModeExact
	case ModeFuzzy:
	case ModeRegex:
		pattern := s.Query
		if !s.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, &models.InvalidArgumentError{Field: "search.query", Reason: err.Error()}
		}
		m.re = re
	default:
		return nil, &models.InvalidArgumentError{Field: "search.mode", Reason: "unknown mode " + string(s.Mode)}
	}
	return m, nil
}

func (m *matcher) matchEvent(e models.LogEvent) bool {
	for _, field := range []string{e.Message, e.Agent, e.Tool, e.CorrelationID, e.DetailsString()} {
		if field != "" && m.matchText(field) {
			return true
		}
	}
	return false
}

func (m *matcher) matchText(text string) bool {
	switch m.mode {
	case ModeRegex:
		return m.re.MatchString(text)
	case ModeFuzzy:
		return fuzzyPositions(text, m.query, m.caseSensitive) != nil
	default:
		if m.caseSensitive {
			return strings.Contains(text, m.query)
		}
		return strings.Contains(strings.ToLower(text), strings.ToLower(m.query))
	}
}

// highlight returns a copy of e with matches in the message wrapped in the markers.
func (m *matcher) highlight(e models.LogEvent, open, closing string) models.LogEvent {
	out := e.Clone()
	switch m.mode {
	case ModeRegex:
		out.Message = m.re.ReplaceAllStringFunc(e.Message, func(s string) string {
			if s == "" {
				return s
			}
			return open + s + closing
		})
	case ModeFuzzy:
		positions := fuzzyPositions(e.Message, m.query, m.caseSensitive)
		if positions == nil {
			return out
		}
		marked := make(map[int]bool, len(positions))
		for _, p := range positions {
			marked[p] = true
		}
		var b strings.Builder
		for i, r := range e.Message {
			if marked[i] {
				b.WriteString(open)
				b.WriteRune(r)
				b.WriteString(closing)
				continue
			}
			b.WriteRune(r)
		}
		out.Message = b.String()
	default:
		out.Message = wrapSubstrings(e.Message, m.query, m.caseSensitive, open, closing)
	}
	return out
}

// fuzzyPositions returns the byte offsets in text of the runes matching query
// as a subsequence, or nil when query is not a subsequence of text.
func fuzzyPositions(text, query string, caseSensitive bool) []int {
	if query == "" {
		return nil
	}
	q := []rune(query)
	qi := 0
	positions := make([]int, 0, len(q))
	for i, r := range text {
		if runeEqual(r, q[qi], caseSensitive) {
			positions = append(positions, i)
			qi++
			if qi == len(q) {
				return positions
			}
		}
	}
	return nil
}

func runeEqual(a, b rune, caseSensitive bool) bool {
	if caseSensitive {
		return a == b
	}
	return unicode.ToLower(a) == unicode.ToLower(b)
}

func wrapSubstrings(text, term string, caseSensitive bool, open, closing string) string {
	if term == "" {
		return text
	}
	haystack, needle := text, term
	if !caseSensitive {
		haystack, needle = strings.ToLower(text), strings.ToLower(term)
	}
	// Lowercasing can change byte lengths for some scripts; fall back to
	// leaving the text untouched rather than mis-slicing it.
	if len(haystack) != len(text) || !utf8.ValidString(text) {
		return text
	}

	var b strings.Builder
	start := 0
	for {
		idx := strings.Index(haystack[start:], needle)
		if idx < 0 {
			b.WriteString(text[start:])
			break
		}
		idx += start
		b.WriteString(text[start:idx])
		b.WriteString(open)
		b.WriteString(text[idx : idx+len(needle)])
		b.WriteString(closing)
		start = idx + len(needle)
	}
	return b.String()
}
