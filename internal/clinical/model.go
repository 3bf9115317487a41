package clinical

import (
	"time"

	"github.com/google/uuid"
)

// Datatype is a concept's value type.
type Datatype string

const (
	DatatypeNumeric  Datatype = "numeric"
	DatatypeCoded    Datatype = "coded"
	DatatypeBoolean  Datatype = "boolean"
	DatatypeText     Datatype = "text"
	DatatypeDate     Datatype = "date"
	DatatypeTime     Datatype = "time"
	DatatypeDatetime Datatype = "datetime"
	DatatypeNA       Datatype = "na"
)

// Concept is a vocabulary term.
type Concept struct {
	ID          int       `db:"concept_id" json:"concept_id"`
	UUID        uuid.UUID `db:"uuid" json:"uuid"`
	Name        string    `db:"name" json:"name"`
	Datatype    Datatype  `db:"datatype" json:"datatype"`
	IsSet       bool      `db:"is_set" json:"is_set"`
	HiAbsolute  *float64  `db:"hi_absolute" json:"hi_absolute,omitempty"`
	LowAbsolute *float64  `db:"low_absolute" json:"low_absolute,omitempty"`
	Answers     []int     `json:"answers,omitempty"`
}

// HasAnswer reports whether answerID is one of the concept's allowed answers.
func (c *Concept) HasAnswer(answerID int) bool {
	for _, a := range c.Answers {
		if a == answerID {
			return true
		}
	}
	return false
}

// Person is anyone the record knows about: patients, relatives, providers.
type Person struct {
	ID         int               `db:"person_id" json:"person_id"`
	UUID       uuid.UUID         `db:"uuid" json:"uuid"`
	GivenName  string            `db:"given_name" json:"given_name"`
	MiddleName string            `db:"middle_name" json:"middle_name,omitempty"`
	FamilyName string            `db:"family_name" json:"family_name"`
	Gender     string            `db:"gender" json:"gender,omitempty"`
	Birthdate  *time.Time        `db:"birthdate" json:"birthdate,omitempty"`
	Attributes []PersonAttribute `json:"attributes,omitempty"`
	CreatedAt  time.Time         `db:"created_at" json:"created_at"`
}

// Attribute returns the person's attribute of the given type, if any.
func (p *Person) Attribute(typeID int) *PersonAttribute {
	for i := range p.Attributes {
		if p.Attributes[i].TypeID == typeID {
			return &p.Attributes[i]
		}
	}
	return nil
}

type PersonAttributeType struct {
	ID   int    `db:"person_attribute_type_id" json:"id"`
	Name string `db:"name" json:"name"`
}

type PersonAttribute struct {
	ID       int    `db:"person_attribute_id" json:"id"`
	PersonID int    `db:"person_id" json:"person_id"`
	TypeID   int    `db:"person_attribute_type_id" json:"type_id"`
	Value    string `db:"value" json:"value"`
}

// Patient is a person with identifiers. Its ID is the person id.
type Patient struct {
	Person
	Identifiers []PatientIdentifier `json:"identifiers,omitempty"`
}

type PatientIdentifier struct {
	Identifier string `db:"identifier" json:"identifier"`
	TypeName   string `db:"type_name" json:"type"`
}

type Provider struct {
	ID         int       `db:"provider_id" json:"provider_id"`
	UUID       uuid.UUID `db:"uuid" json:"uuid"`
	PersonID   *int      `db:"person_id" json:"person_id,omitempty"`
	Identifier string    `db:"identifier" json:"identifier"`
	Name       string    `db:"name" json:"name,omitempty"`
}

type User struct {
	ID       int    `db:"user_id" json:"user_id"`
	Username string `db:"username" json:"username"`
	SystemID string `db:"system_id" json:"system_id"`
	PersonID int    `db:"person_id" json:"person_id"`
}

type Location struct {
	ID   int    `db:"location_id" json:"location_id"`
	Name string `db:"name" json:"name"`
}

type Form struct {
	ID              int    `db:"form_id" json:"form_id"`
	Name            string `db:"name" json:"name"`
	EncounterTypeID *int   `db:"encounter_type_id" json:"encounter_type_id,omitempty"`
}

// Encounter groups the observations of one visit. ID is zero until saved.
type Encounter struct {
	ID              int       `db:"encounter_id" json:"encounter_id"`
	UUID            uuid.UUID `db:"uuid" json:"uuid"`
	PatientID       int       `db:"patient_id" json:"patient_id"`
	ProviderID      *int      `db:"provider_id" json:"provider_id,omitempty"`
	LocationID      *int      `db:"location_id" json:"location_id,omitempty"`
	FormID          *int      `db:"form_id" json:"form_id,omitempty"`
	EncounterTypeID *int      `db:"encounter_type_id" json:"encounter_type_id,omitempty"`
	Datetime        time.Time `db:"encounter_datetime" json:"encounter_datetime"`
	CreatorID       *int      `db:"creator" json:"creator,omitempty"`
	CreatedAt       time.Time `db:"date_created" json:"date_created"`
}

// Valid reports whether the encounter may be persisted as an encounter row.
func (e *Encounter) Valid() bool {
	return !e.Datetime.IsZero() && e.ProviderID != nil && e.PatientID != 0
}

// ValueKind tags which field of a Value is set.
type ValueKind int

const (
	ValueNone ValueKind = iota
	ValueNumeric
	ValueCoded
	ValueBoolean
	ValueDatetime
	ValueText
	ValueDrug
)

func (k ValueKind) String() string {
	switch k {
	case ValueNumeric:
		return "numeric"
	case ValueCoded:
		return "coded"
	case ValueBoolean:
		return "boolean"
	case ValueDatetime:
		return "datetime"
	case ValueText:
		return "text"
	case ValueDrug:
		return "drug"
	default:
		return "none"
	}
}

// Value is an observation result. Only the field matching Kind is meaningful,
// except CodedName which may accompany a coded value.
type Value struct {
	Kind      ValueKind
	Numeric   float64
	Coded     int
	CodedName *int
	Boolean   bool
	Datetime  time.Time
	Text      string
	Drug      int
}

func NumericValue(v float64) Value    { return Value{Kind: ValueNumeric, Numeric: v} }
func CodedValue(conceptID int) Value  { return Value{Kind: ValueCoded, Coded: conceptID} }
func BooleanValue(v bool) Value       { return Value{Kind: ValueBoolean, Boolean: v} }
func DatetimeValue(t time.Time) Value { return Value{Kind: ValueDatetime, Datetime: t} }
func TextValue(s string) Value        { return Value{Kind: ValueText, Text: s} }
func DrugValue(drugID int) Value      { return Value{Kind: ValueDrug, Drug: drugID} }

// Observation is one recorded result. GroupID points at the grouping
// observation, ValueGroupID correlates the values of one multi-valued result.
type Observation struct {
	ID           int       `db:"obs_id" json:"obs_id"`
	UUID         uuid.UUID `db:"uuid" json:"uuid"`
	ConceptID    int       `db:"concept_id" json:"concept_id"`
	PersonID     int       `db:"person_id" json:"person_id"`
	EncounterID  *int      `db:"encounter_id" json:"encounter_id,omitempty"`
	GroupID      *int      `db:"obs_group_id" json:"obs_group_id,omitempty"`
	ValueGroupID *int      `db:"value_group_id" json:"value_group_id,omitempty"`
	Datetime     time.Time `db:"obs_datetime" json:"obs_datetime"`
	LocationID   *int      `db:"location_id" json:"location_id,omitempty"`
	CreatorID    *int      `db:"creator" json:"creator,omitempty"`
	CreatedAt    time.Time `db:"date_created" json:"date_created"`
	Comment      string    `db:"comments" json:"comments,omitempty"`
	Value        Value     `json:"-"`
}

const ProposalUnmapped = "UNMAPPED"

// ConceptProposal asks a human to map free text to a concept.
type ConceptProposal struct {
	ID           int       `db:"concept_proposal_id" json:"id"`
	UUID         uuid.UUID `db:"uuid" json:"uuid"`
	OriginalText string    `db:"original_text" json:"original_text"`
	ConceptID    int       `db:"obs_concept_id" json:"obs_concept_id"`
	EncounterID  *int      `db:"encounter_id" json:"encounter_id,omitempty"`
	State        string    `db:"state" json:"state"`
	CreatorID    *int      `db:"creator" json:"creator,omitempty"`
	CreatedAt    time.Time `db:"date_created" json:"date_created"`
}

type RelationshipType struct {
	ID     int    `db:"relationship_type_id" json:"id"`
	AIsToB string `db:"a_is_to_b" json:"a_is_to_b"`
	BIsToA string `db:"b_is_to_a" json:"b_is_to_a"`
}

// Symmetric reports whether both sides of the relationship read the same.
func (t *RelationshipType) Symmetric() bool {
	return t.AIsToB == t.BIsToA
}

type Relationship struct {
	ID      int       `db:"relationship_id" json:"id"`
	UUID    uuid.UUID `db:"uuid" json:"uuid"`
	PersonA int       `db:"person_a" json:"person_a"`
	PersonB int       `db:"person_b" json:"person_b"`
	TypeID  int       `db:"relationship" json:"relationship"`
}
