package labrules

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Concept ids and codes the default rules target.
const (
	conceptViralLoad     = "856"
	conceptDNAPCR        = "1030"
	conceptUrineProtein  = "2339^URINE Protein"
	conceptAFBMicroscopy = "2339^AFB Microscopy sputum"
	conceptConfirmation  = "2311^CONFIRMATION"
	negativeCode         = "664^NEGATIVE^99DCT"
	negativeRaw          = "^Negative^99DCT"
)

// DefaultRules returns the production rule list in evaluation order.
// Order matters: the thousands separator rule must run before the value
// modifier rule so that "<1,000" becomes "999".
func DefaultRules(numeric NumericConcepts) []Rule {
	return []Rule{
		NewNumericRetag(numeric),
		NewThousandsSeparator(),
		NewValueModifier(),
		NewNegativeResult("urine-protein-negative", conceptUrineProtein),
		NewNullResultFilter("dna-pcr-null", `^OBX\|\d+\|\w+\|`+conceptDNAPCR+`\^[^|]+\^99DCT\|\|\^\^99DCT\|.+$`),
		NewNullResultFilter("afb-confirmation-null", `^OBX\|\d*\|CWE\|`+regexp.QuoteMeta(conceptConfirmation)+`\^99DCT\|\|\^\^99DCT\|.+$`),
		NewNegativeResult("afb-negative", conceptAFBMicroscopy),
		NewVisitToProvider(),
	}
}

// NumericRetag turns "OBX|n|ST|<id>^..." into NM when <id> is a numeric concept.
type NumericRetag struct {
	numeric NumericConcepts
	pattern *regexp.Regexp
}

func NewNumericRetag(numeric NumericConcepts) *NumericRetag {
	return &NumericRetag{
		numeric: numeric,
		pattern: regexp.MustCompile(`^OBX\|\d*\|ST\|(\d+)\^.*$`),
	}
}

func (r *NumericRetag) Name() string { return "numeric-retag" }

func (r *NumericRetag) Matches(line string) bool {
	head, _ := Head(line)
	m := r.pattern.FindStringSubmatch(head)
	if m == nil || r.numeric == nil {
		return false
	}
	id, err := strconv.Atoi(m[1])
	return err == nil && r.numeric.IsNumeric(id)
}

func (r *NumericRetag) Transform(line string) (string, bool) {
	head, tail := Head(line)
	head = strings.Replace(head, "|ST|", "|NM|", 1)
	return head + tail + audit(RetaggedNote), true
}

// ThousandsSeparator strips commas from viral load results, keeping any
// leading < or > for the value modifier rule.
type ThousandsSeparator struct {
	match *regexp.Regexp
	value *regexp.Regexp
}

func NewThousandsSeparator() *ThousandsSeparator {
	return &ThousandsSeparator{
		match: regexp.MustCompile(`^OBX\|\d*\|(?:NM|ST)\|` + conceptViralLoad + `\^[^|]+\^99DCT\|[^|]*\|[^,|]*,.*$`),
		value: regexp.MustCompile(`^OBX\|\d*\|(?:NM|ST)\|` + conceptViralLoad + `\^[^|]+\^99DCT\|[^|]*\|([<>]?[0-9,]+)\|.*$`),
	}
}

func (r *ThousandsSeparator) Name() string { return "thousands-separator" }

func (r *ThousandsSeparator) Matches(line string) bool {
	head, _ := Head(line)
	return r.match.MatchString(head)
}

func (r *ThousandsSeparator) Transform(line string) (string, bool) {
	head, tail := Head(line)
	loc := r.value.FindStringSubmatchIndex(head)
	if loc == nil {
		return line, true
	}
	original := head[loc[2]:loc[3]]
	stripped := strings.ReplaceAll(original, ",", "")
	if _, err := strconv.ParseInt(strings.TrimLeft(stripped, "<>"), 10, 64); err != nil {
		return line, true
	}
	return head[:loc[2]] + stripped + head[loc[3]:] + tail + audit(original), true
}

// ValueModifier rewrites "<n" to n-1 and ">n" to n+1 for viral loads.
type ValueModifier struct {
	pattern *regexp.Regexp
}

func NewValueModifier() *ValueModifier {
	return &ValueModifier{
		pattern: regexp.MustCompile(`^OBX\|\d*\|[^|]{2}\|` + conceptViralLoad + `\^[^|]+\^99DCT\|[^|]*\|([<>]\s*\d[\d\s]*)\|`),
	}
}

func (r *ValueModifier) Name() string { return "value-modifier" }

func (r *ValueModifier) Matches(line string) bool {
	head, _ := Head(line)
	return r.pattern.MatchString(head)
}

func (r *ValueModifier) Transform(line string) (string, bool) {
	head, tail := Head(line)
	loc := r.pattern.FindStringSubmatchIndex(head)
	if loc == nil {
		return line, true
	}

	raw := head[loc[2]:loc[3]]
	modifier := raw[:1]
	digits := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw[1:])

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return line, true
	}
	if modifier == "<" {
		n--
	} else {
		n++
	}

	out := head[:loc[2]] + strconv.FormatInt(n, 10) + head[loc[3]:] + tail
	if strings.Contains(tail, AuditPrefix) {
		return out, true
	}
	return out + audit(modifier+digits), true
}

// NegativeResult maps the free "^Negative^99DCT" answer to the coded
// NEGATIVE concept for one test.
type NegativeResult struct {
	name    string
	pattern *regexp.Regexp
}

func NewNegativeResult(name, concept string) *NegativeResult {
	return &NegativeResult{
		name:    name,
		pattern: regexp.MustCompile(`^OBX\|\d*\|CWE\|` + regexp.QuoteMeta(concept) + `\^99DCT\|[^|]*\|(` + regexp.QuoteMeta(negativeRaw) + `)\|.*$`),
	}
}

func (r *NegativeResult) Name() string { return r.name }

func (r *NegativeResult) Matches(line string) bool {
	head, _ := Head(line)
	return r.pattern.MatchString(head)
}

func (r *NegativeResult) Transform(line string) (string, bool) {
	head, tail := Head(line)
	loc := r.pattern.FindStringSubmatchIndex(head)
	if loc == nil {
		return line, true
	}
	return head[:loc[2]] + negativeCode + head[loc[3]:] + tail + audit(negativeRaw), true
}

// NullResultFilter drops result lines carrying an empty coded value.
type NullResultFilter struct {
	name    string
	pattern *regexp.Regexp
}

func NewNullResultFilter(name, pattern string) *NullResultFilter {
	return &NullResultFilter{name: name, pattern: regexp.MustCompile(pattern)}
}

func (r *NullResultFilter) Name() string { return r.name }

func (r *NullResultFilter) Matches(line string) bool {
	head, _ := Head(line)
	return r.pattern.MatchString(head)
}

func (r *NullResultFilter) Transform(line string) (string, bool) {
	return "", false
}

// VisitToProvider replaces PV1 with a PD1 carrying only the assigned
// location (as the primary facility) and the attending provider. It only
// runs for headless messages, which carry no form id in MSH-21.
type VisitToProvider struct {
	pattern *regexp.Regexp
}

func NewVisitToProvider() *VisitToProvider {
	return &VisitToProvider{pattern: regexp.MustCompile(`^PV1\|.+$`)}
}

func (r *VisitToProvider) Name() string { return "visit-to-provider" }

func (r *VisitToProvider) AppliesTo(msh string) bool {
	fields := strings.Split(msh, "|")
	// fields[n] is MSH-(n+1) because MSH-1 is the separator.
	if len(fields) <= 20 {
		return true
	}
	formID, _, _ := strings.Cut(fields[20], "^")
	_, err := strconv.Atoi(formID)
	return err != nil
}

func (r *VisitToProvider) Matches(line string) bool {
	head, _ := Head(line)
	return r.pattern.MatchString(head)
}

func (r *VisitToProvider) Transform(line string) (string, bool) {
	head, tail := Head(line)
	parts := splitFields(head, "|")
	if len(parts) < 8 {
		return line, true
	}
	location := splitFields(parts[3], "^")
	if len(location) < 2 {
		return line, true
	}
	facility := location[1] + "^D^" + location[0] + "^^^AMRS^L^AMPATH"
	return strings.Join([]string{"PD1", "", "", facility, parts[7]}, "|") + tail, true
}
