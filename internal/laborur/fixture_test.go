package laborur

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labinterface/internal/clinical"
	"github.com/ehr/labinterface/internal/clinical/clinicaltest"
	"github.com/ehr/labinterface/internal/platform/hl7v2"
	"github.com/ehr/labinterface/internal/resolver"
)

var fixedNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

const testMSH = `MSH|^~\&|REFPACS|Lab|HL7LISTENER|AMRS|20080226102656||ORU^R01|JqnfhKKtouEz8kzTk6Zo|P|2.5|1||||||||16^AMRS.ELD.FORMID`

func intPtr(i int) *int { return &i }

func floatPtr(f float64) *float64 { return &f }

// seg builds a segment from 1-based field values.
func seg(name string, fields map[int]string) string {
	max := 0
	for k := range fields {
		if k > max {
			max = k
		}
	}
	parts := make([]string, max+1)
	parts[0] = name
	for k, v := range fields {
		parts[k] = v
	}
	return strings.Join(parts, "|")
}

func pv1(fields map[int]string) string {
	base := map[int]string{
		2:  "O",
		3:  "1^Unknown Location",
		7:  "1^Super User (1-8)",
		44: "20080212",
	}
	for k, v := range fields {
		base[k] = v
	}
	return seg("PV1", base)
}

func orc() string {
	return seg("ORC", map[int]string{1: "RE", 9: "20080226102537", 10: "1^User^Super"})
}

func obx(setID, datatype, concept, value string, extra map[int]string) string {
	fields := map[int]string{1: setID, 2: datatype, 3: concept, 5: value, 14: "20080206"}
	for k, v := range extra {
		fields[k] = v
	}
	return seg("OBX", fields)
}

func message(t *testing.T, lines ...string) *hl7v2.Message {
	t.Helper()
	msg, err := hl7v2.Parse([]byte(strings.Join(lines, "\r")))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return msg
}

func seedRepo() *clinicaltest.Memory {
	m := clinicaltest.NewMemory()

	m.AddPatient(&clinical.Person{ID: 3, GivenName: "John", FamilyName: "Doe"}, "1234-5", "AMRS Universal ID")
	m.AddPerson(&clinical.Person{ID: 1, GivenName: "Super", FamilyName: "User"})
	m.AddProvider(&clinical.Provider{ID: 11, PersonID: intPtr(1), Identifier: "1-8"})
	m.AddUser(&clinical.User{ID: 1, SystemID: "admin", Username: "admin", PersonID: 1})
	m.Locations[1] = &clinical.Location{ID: 1, Name: "Unknown Location"}
	m.Locations[5] = &clinical.Location{ID: 5, Name: "Module 2"}
	m.Forms[16] = &clinical.Form{ID: 16, Name: "Lab Results", EncounterTypeID: intPtr(2)}
	m.AttributeTypes[7] = &clinical.PersonAttributeType{ID: 7, Name: "Health Center"}
	m.RelationshipTypes[2] = &clinical.RelationshipType{ID: 2, AIsToB: "Parent", BIsToA: "Child"}
	m.RelationshipTypes[3] = &clinical.RelationshipType{ID: 3, AIsToB: "Sibling", BIsToA: "Sibling"}

	m.AddConcept(&clinical.Concept{ID: 1238, Name: "MEDICAL RECORD OBSERVATIONS", Datatype: clinical.DatatypeNA, IsSet: true})
	m.AddConcept(&clinical.Concept{ID: 1271, Name: "TESTS ORDERED", Datatype: clinical.DatatypeNA, IsSet: true})
	m.AddConcept(&clinical.Concept{ID: 5497, Name: "CD4 COUNT", Datatype: clinical.DatatypeNumeric, HiAbsolute: floatPtr(5000), LowAbsolute: floatPtr(0)})
	m.AddConcept(&clinical.Concept{ID: 856, Name: "HIV VIRAL LOAD", Datatype: clinical.DatatypeNumeric})
	m.AddConcept(&clinical.Concept{ID: 1030, Name: "HIV DNA PCR", Datatype: clinical.DatatypeCoded, Answers: []int{664, 703}})
	m.AddConcept(&clinical.Concept{ID: 664, Name: "NEGATIVE", Datatype: clinical.DatatypeNA})
	m.AddConcept(&clinical.Concept{ID: 703, Name: "POSITIVE", Datatype: clinical.DatatypeNA})
	m.AddConcept(&clinical.Concept{ID: 1040, Name: "HIV RAPID TEST", Datatype: clinical.DatatypeCoded, Answers: []int{1065, 1066}})
	m.AddConcept(&clinical.Concept{ID: 1041, Name: "NO BOOLEAN ANSWERS", Datatype: clinical.DatatypeCoded, Answers: []int{664}})
	m.AddConcept(&clinical.Concept{ID: 1065, Name: "YES", Datatype: clinical.DatatypeNA})
	m.AddConcept(&clinical.Concept{ID: 1066, Name: "NO", Datatype: clinical.DatatypeNA})
	m.AddConcept(&clinical.Concept{ID: 1111, Name: "ON ART", Datatype: clinical.DatatypeBoolean})
	m.AddConcept(&clinical.Concept{ID: 1282, Name: "DRUG ORDERED", Datatype: clinical.DatatypeCoded})
	m.AddConcept(&clinical.Concept{ID: 5096, Name: "RETURN VISIT DATE", Datatype: clinical.DatatypeDate})
	m.AddConcept(&clinical.Concept{ID: 19, Name: "REMARKS", Datatype: clinical.DatatypeText})
	return m
}

type recordingDelegate struct {
	messages []*hl7v2.Message
}

func (d *recordingDelegate) Delegate(_ context.Context, msg *hl7v2.Message) error {
	d.messages = append(d.messages, msg)
	return nil
}

func newTestInterpreter(repo *clinicaltest.Memory) (*Interpreter, *recordingDelegate) {
	opts := DefaultOptions()
	opts.Now = func() time.Time { return fixedNow }
	delegate := &recordingDelegate{}
	res := resolver.New(resolver.FromRepository(repo), "99DCT", zerolog.Nop())
	return New(repo, res, delegate, opts, zerolog.Nop()), delegate
}

// observationsByConcept returns the saved observations for concept, by id.
func observationsByConcept(repo *clinicaltest.Memory, concept int) []*clinical.Observation {
	var out []*clinical.Observation
	for _, o := range repo.Observations {
		if o.ConceptID == concept {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
