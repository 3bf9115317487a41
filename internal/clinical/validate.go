package clinical

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// MaxTextLength bounds text observation values.
const MaxTextLength = 1000

// FieldError describes one failed validation check.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

// ValidateObservation checks obs against concept. grouping marks observations
// that carry members instead of a value. All failures are returned joined.
func ValidateObservation(obs *Observation, concept *Concept, grouping bool) error {
	var errs []error
	add := func(field, reason string) {
		errs = append(errs, &FieldError{Field: field, Reason: reason})
	}

	if obs.PersonID == 0 {
		add("person", "is required")
	}
	if concept == nil || obs.ConceptID == 0 {
		add("concept", "is required")
	} else if concept.ID != obs.ConceptID {
		add("concept", fmt.Sprintf("validated against concept %d, observation has %d", concept.ID, obs.ConceptID))
	}
	if obs.Datetime.IsZero() {
		add("datetime", "is required")
	}

	switch {
	case grouping:
		if obs.Value.Kind != ValueNone {
			add("value", "grouping observation must not carry a value")
		}
	case obs.Value.Kind == ValueNone:
		add("value", "is required")
	case concept != nil:
		if reason := checkValue(obs.Value, concept); reason != "" {
			add("value", reason)
		}
	}

	return errors.Join(errs...)
}

func checkValue(v Value, c *Concept) string {
	if !compatible(v.Kind, c.Datatype) {
		return fmt.Sprintf("%s value is not allowed for %s concept %d", v.Kind, c.Datatype, c.ID)
	}
	switch v.Kind {
	case ValueNumeric:
		if math.IsNaN(v.Numeric) || math.IsInf(v.Numeric, 0) {
			return "numeric value is not finite"
		}
		if c.HiAbsolute != nil && v.Numeric > *c.HiAbsolute {
			return fmt.Sprintf("%v is above the absolute high %v", v.Numeric, *c.HiAbsolute)
		}
		if c.LowAbsolute != nil && v.Numeric < *c.LowAbsolute {
			return fmt.Sprintf("%v is below the absolute low %v", v.Numeric, *c.LowAbsolute)
		}
	case ValueText:
		if utf8.RuneCountInString(v.Text) > MaxTextLength {
			return fmt.Sprintf("text exceeds %d characters", MaxTextLength)
		}
	case ValueCoded:
		if v.Coded == 0 {
			return "coded value is required"
		}
	}
	return ""
}

func compatible(k ValueKind, d Datatype) bool {
	switch k {
	case ValueNumeric:
		return d == DatatypeNumeric
	case ValueBoolean:
		return d == DatatypeBoolean
	case ValueCoded, ValueDrug:
		return d == DatatypeCoded
	case ValueDatetime:
		return d == DatatypeDate || d == DatatypeTime || d == DatatypeDatetime
	case ValueText:
		return d == DatatypeText || d == DatatypeNA
	}
	return false
}
