package clinical

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func floatPtr(f float64) *float64 { return &f }

func TestValidateObservation(t *testing.T) {
	now := time.Date(2008, 2, 6, 0, 0, 0, 0, time.UTC)
	numeric := &Concept{ID: 5497, Datatype: DatatypeNumeric, HiAbsolute: floatPtr(5000), LowAbsolute: floatPtr(0)}
	coded := &Concept{ID: 1030, Datatype: DatatypeCoded, Answers: []int{664, 703}}
	text := &Concept{ID: 19, Datatype: DatatypeText}
	date := &Concept{ID: 5096, Datatype: DatatypeDate}
	flag := &Concept{ID: 1111, Datatype: DatatypeBoolean}

	obs := func(concept int, v Value) *Observation {
		return &Observation{ConceptID: concept, PersonID: 3, Datetime: now, Value: v}
	}

	tests := []struct {
		name     string
		obs      *Observation
		concept  *Concept
		grouping bool
		fields   []string
	}{
		{"numeric in range", obs(5497, NumericValue(450)), numeric, false, nil},
		{"numeric above high", obs(5497, NumericValue(6000)), numeric, false, []string{"value"}},
		{"numeric below low", obs(5497, NumericValue(-1)), numeric, false, []string{"value"}},
		{"coded", obs(1030, CodedValue(664)), coded, false, nil},
		{"drug on coded", obs(1030, DrugValue(12)), coded, false, nil},
		{"numeric on coded", obs(1030, NumericValue(1)), coded, false, []string{"value"}},
		{"text", obs(19, TextValue("ok")), text, false, nil},
		{"text too long", obs(19, TextValue(strings.Repeat("x", MaxTextLength+1))), text, false, []string{"value"}},
		{"multibyte text at the limit", obs(19, TextValue(strings.Repeat("é", MaxTextLength))), text, false, nil},
		{"text on numeric", obs(5497, TextValue("high")), numeric, false, []string{"value"}},
		{"date", obs(5096, DatetimeValue(now)), date, false, nil},
		{"boolean", obs(1111, BooleanValue(true)), flag, false, nil},
		{"missing value", obs(5497, Value{}), numeric, false, []string{"value"}},
		{"grouping without value", obs(1238, Value{}), &Concept{ID: 1238, Datatype: DatatypeNA, IsSet: true}, true, nil},
		{"grouping with value", obs(1238, TextValue("x")), &Concept{ID: 1238, Datatype: DatatypeNA, IsSet: true}, true, []string{"value"}},
		{"missing person", &Observation{ConceptID: 19, Datetime: now, Value: TextValue("x")}, text, false, []string{"person"}},
		{"missing datetime", &Observation{ConceptID: 19, PersonID: 3, Value: TextValue("x")}, text, false, []string{"datetime"}},
		{"missing concept", &Observation{PersonID: 3, Datetime: now, Value: TextValue("x")}, nil, false, []string{"concept"}},
		{"concept mismatch", obs(19, TextValue("x")), &Concept{ID: 20, Datatype: DatatypeText}, false, []string{"concept"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateObservation(tt.obs, tt.concept, tt.grouping)
			if len(tt.fields) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected errors on %v", tt.fields)
			}
			for _, f := range tt.fields {
				if !hasFieldError(err, f) {
					t.Errorf("expected a %q error, got %v", f, err)
				}
			}
		})
	}
}

func hasFieldError(err error, field string) bool {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		var fe *FieldError
		return errors.As(err, &fe) && fe.Field == field
	}
	for _, e := range joined.Unwrap() {
		var fe *FieldError
		if errors.As(e, &fe) && fe.Field == field {
			return true
		}
	}
	return false
}

func TestEncounterValid(t *testing.T) {
	provider := 7
	now := time.Now()

	tests := []struct {
		name string
		enc  Encounter
		want bool
	}{
		{"complete", Encounter{PatientID: 3, ProviderID: &provider, Datetime: now}, true},
		{"no provider", Encounter{PatientID: 3, Datetime: now}, false},
		{"no datetime", Encounter{PatientID: 3, ProviderID: &provider}, false},
		{"no patient", Encounter{ProviderID: &provider, Datetime: now}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.enc.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConceptHasAnswer(t *testing.T) {
	c := &Concept{Answers: []int{1065, 1066}}
	if !c.HasAnswer(1066) {
		t.Error("expected 1066 to be an answer")
	}
	if c.HasAnswer(664) {
		t.Error("did not expect 664 to be an answer")
	}
}

func TestRelationshipTypeSymmetric(t *testing.T) {
	if !(&RelationshipType{AIsToB: "Sibling", BIsToA: "Sibling"}).Symmetric() {
		t.Error("sibling should be symmetric")
	}
	if (&RelationshipType{AIsToB: "Parent", BIsToA: "Child"}).Symmetric() {
		t.Error("parent/child should not be symmetric")
	}
}

func TestPersonAttribute(t *testing.T) {
	p := &Person{Attributes: []PersonAttribute{{TypeID: 7, Value: "12"}}}
	if a := p.Attribute(7); a == nil || a.Value != "12" {
		t.Errorf("Attribute(7) = %+v", a)
	}
	if p.Attribute(8) != nil {
		t.Error("expected no attribute of type 8")
	}
	p.Attribute(7).Value = "13"
	if p.Attributes[0].Value != "13" {
		t.Error("Attribute should return a pointer into the slice")
	}
}
