package console

import (
	"regexp"
)

// Pattern is one entry of an Await pattern list.
type Pattern struct {
	re *regexp.Regexp
}

// Literal matches s verbatim.
func Literal(s string) Pattern {
	return Pattern{re: regexp.MustCompile(regexp.QuoteMeta(s))}
}

// Regexp matches the regular expression expr. It panics if expr does not
// compile; use Compile for patterns that come from configuration.
func Regexp(expr string) Pattern {
	return Pattern{re: regexp.MustCompile(expr)}
}

// Compile is Regexp with an error return.
func Compile(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, err
	}
	return Pattern{re: re}, nil
}

// String returns the pattern source.
func (p Pattern) String() string {
	if p.re == nil {
		return ""
	}
	return p.re.String()
}

// Equal reports whether two patterns have the same source.
func (p Pattern) Equal(o Pattern) bool {
	return p.String() == o.String()
}

// Match is the outcome of Await.
//
// Index is the position of the matched pattern, or EOFIndex/TimeoutIndex
// for the implicit end-of-stream and timeout pseudo-patterns. Always check
// Matched (or compare Index) before reading groups: Group on a non-match
// returns "" and reading it is a caller bug.
type Match struct {
	Index  int
	Before string
	groups []string
	n      int
}

// Matched reports whether a real pattern matched.
func (m Match) Matched() bool { return m.Index >= 0 && m.Index < m.n }

// EOF reports whether the stream closed before anything matched.
func (m Match) EOF() bool { return m.Index == m.n }

// Timeout reports whether the timeout elapsed before anything matched.
func (m Match) Timeout() bool { return m.Index == m.n+1 }

// EOFIndex is the pseudo-pattern index for end of stream.
func (m Match) EOFIndex() int { return m.n }

// TimeoutIndex is the pseudo-pattern index for timeout.
func (m Match) TimeoutIndex() int { return m.n + 1 }

// Group returns capture group i (0 is the whole match).
func (m Match) Group(i int) string {
	if !m.Matched() || i < 0 || i >= len(m.groups) {
		return ""
	}
	return m.groups[i]
}

// Groups returns the capture groups, excluding the whole match.
func (m Match) Groups() []string {
	if !m.Matched() || len(m.groups) < 2 {
		return nil
	}
	return append([]string(nil), m.groups[1:]...)
}

// String describes the outcome for logs.
func (m Match) String() string {
	switch {
	case m.Matched():
		return "match"
	case m.EOF():
		return "eof"
	default:
		return "timeout"
	}
}

// find returns the earliest match of any pattern in buf. Ties go to the
// lower index.
func find(buf []byte, patterns []Pattern) (idx int, loc []int) {
	idx = -1
	for i, p := range patterns {
		if p.re == nil {
			continue
		}
		l := p.re.FindSubmatchIndex(buf)
		if l == nil {
			continue
		}
		if loc == nil || l[0] < loc[0] {
			idx, loc = i, l
		}
	}
	return idx, loc
}
