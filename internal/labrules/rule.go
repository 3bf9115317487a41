// Package labrules rewrites vendor specific quirks in inbound lab result
// messages into the shape the interpreter expects. Each Rule works on one
// segment line; a Chain runs the ordered rule list over a whole message.
package labrules

import "strings"

const (
	// EOL separates segments in the raw message text.
	EOL = "\r"

	// AuditPrefix starts every comment a rule appends to record the
	// value it replaced.
	AuditPrefix = "NTE|||PCS Value: "

	// RetaggedNote is the audit text for a textual result retagged as numeric.
	RetaggedNote = "originally ST datatype"
)

// Rule rewrites a single segment line. Matches reports whether Transform
// would act on the line; Transform returns the rewritten line and false
// when the line must be removed. Rules may append audit segments to the
// line, separated by EOL, so Transform must only inspect the first
// physical segment (see Head).
type Rule interface {
	Name() string
	Matches(line string) bool
	Transform(line string) (string, bool)
}

// HeaderScoped rules only run for messages whose MSH segment they accept.
type HeaderScoped interface {
	AppliesTo(msh string) bool
}

// Apply runs r on line when it matches and leaves other lines untouched.
func Apply(r Rule, line string) (string, bool) {
	if !r.Matches(line) {
		return line, true
	}
	return r.Transform(line)
}

// Head splits line into its first segment and whatever audit segments a
// previous rule appended after it (tail keeps its leading EOL).
func Head(line string) (head, tail string) {
	if i := strings.Index(line, EOL); i >= 0 {
		return line[:i], line[i:]
	}
	return line, ""
}

func audit(text string) string {
	return EOL + AuditPrefix + text
}

// NumericConcepts answers whether a concept id is numeric.
type NumericConcepts interface {
	IsNumeric(conceptID int) bool
}

// ConceptSet is an immutable set of concept ids.
type ConceptSet map[int]struct{}

func NewConceptSet(ids ...int) ConceptSet {
	s := make(ConceptSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s ConceptSet) IsNumeric(conceptID int) bool {
	_, ok := s[conceptID]
	return ok
}

// splitFields splits s on sep and drops trailing empty elements.
func splitFields(s, sep string) []string {
	parts := strings.Split(s, sep)
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}
