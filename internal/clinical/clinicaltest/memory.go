// Package clinicaltest provides an in-memory clinical.Repository for tests.
package clinicaltest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/labinterface/internal/clinical"
)

type mapping struct{ code, source string }

type identifier struct {
	patientID  int
	identifier string
	typeName   string
}

// Memory is a map backed repository. Seed it through the exported fields
// and Add helpers, then hand it to the code under test.
type Memory struct {
	mu sync.Mutex

	Concepts          map[int]*clinical.Concept
	Mappings          map[mapping]int
	People            map[int]*clinical.Person
	Patients          map[int]bool
	Providers         map[int]*clinical.Provider
	Users             map[int]*clinical.User
	Locations         map[int]*clinical.Location
	Forms             map[int]*clinical.Form
	RelationshipTypes map[int]*clinical.RelationshipType
	AttributeTypes    map[int]*clinical.PersonAttributeType

	Encounters         []*clinical.Encounter
	Observations       []*clinical.Observation
	Proposals          []*clinical.ConceptProposal
	SavedRelationships []*clinical.Relationship
	SavedAttributes    []*clinical.PersonAttribute
	GroupUpdates       int
	FailAttributeErr   error

	identifiers []identifier
	nextID      int
}

func NewMemory() *Memory {
	return &Memory{
		Concepts:          make(map[int]*clinical.Concept),
		Mappings:          make(map[mapping]int),
		People:            make(map[int]*clinical.Person),
		Patients:          make(map[int]bool),
		Providers:         make(map[int]*clinical.Provider),
		Users:             make(map[int]*clinical.User),
		Locations:         make(map[int]*clinical.Location),
		Forms:             make(map[int]*clinical.Form),
		RelationshipTypes: make(map[int]*clinical.RelationshipType),
		AttributeTypes:    make(map[int]*clinical.PersonAttributeType),
		nextID:            10000,
	}
}

func (m *Memory) id() int {
	m.nextID++
	return m.nextID
}

// AddConcept registers c and returns it.
func (m *Memory) AddConcept(c *clinical.Concept) *clinical.Concept {
	m.Concepts[c.ID] = c
	return c
}

// AddMapping maps code in source to conceptID.
func (m *Memory) AddMapping(code, source string, conceptID int) {
	m.Mappings[mapping{code, strings.ToLower(source)}] = conceptID
}

// AddPatient registers a patient with identifiers given as identifier/type pairs.
func (m *Memory) AddPatient(p *clinical.Person, ids ...string) *clinical.Person {
	m.People[p.ID] = p
	m.Patients[p.ID] = true
	for i := 0; i+1 < len(ids); i += 2 {
		m.identifiers = append(m.identifiers, identifier{patientID: p.ID, identifier: ids[i], typeName: ids[i+1]})
	}
	return p
}

func (m *Memory) AddPerson(p *clinical.Person) *clinical.Person {
	m.People[p.ID] = p
	return p
}

func (m *Memory) AddProvider(p *clinical.Provider) *clinical.Provider {
	m.Providers[p.ID] = p
	return p
}

func (m *Memory) AddUser(u *clinical.User) *clinical.User {
	m.Users[u.ID] = u
	return u
}

func (m *Memory) ConceptByID(_ context.Context, id int) (*clinical.Concept, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.Concepts[id]; ok {
		return c, nil
	}
	return nil, clinical.ErrNotFound
}

func (m *Memory) ConceptByMapping(_ context.Context, code, source string) (*clinical.Concept, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.Mappings[mapping{code, strings.ToLower(source)}]
	if !ok {
		return nil, clinical.ErrNotFound
	}
	if c, ok := m.Concepts[id]; ok {
		return c, nil
	}
	return nil, clinical.ErrNotFound
}

func (m *Memory) NumericConceptIDs(_ context.Context) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int
	for id, c := range m.Concepts {
		if c.Datatype == clinical.DatatypeNumeric {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *Memory) patient(id int) *clinical.Patient {
	p := &clinical.Patient{Person: *m.People[id]}
	for _, ident := range m.identifiers {
		if ident.patientID == id {
			p.Identifiers = append(p.Identifiers, clinical.PatientIdentifier{Identifier: ident.identifier, TypeName: ident.typeName})
		}
	}
	return p
}

func (m *Memory) PatientByID(_ context.Context, id int) (*clinical.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Patients[id] {
		return nil, clinical.ErrNotFound
	}
	return m.patient(id), nil
}

func (m *Memory) PatientsByIdentifier(_ context.Context, ident, typeName string) ([]*clinical.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int]bool)
	var out []*clinical.Patient
	for _, i := range m.identifiers {
		if i.identifier != ident || seen[i.patientID] {
			continue
		}
		if typeName != "" && !strings.EqualFold(i.typeName, typeName) {
			continue
		}
		seen[i.patientID] = true
		out = append(out, m.patient(i.patientID))
	}
	return out, nil
}

func (m *Memory) PersonByID(_ context.Context, id int) (*clinical.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.People[id]; ok {
		return p, nil
	}
	return nil, clinical.ErrNotFound
}

func (m *Memory) CreatePerson(_ context.Context, p *clinical.Person) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.id()
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	p.CreatedAt = time.Now()
	m.People[p.ID] = p
	return nil
}

func (m *Memory) PersonAttributeTypeByName(_ context.Context, name string) (*clinical.PersonAttributeType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.AttributeTypes {
		if strings.EqualFold(t.Name, name) {
			return t, nil
		}
	}
	return nil, clinical.ErrNotFound
}

func (m *Memory) SavePersonAttribute(_ context.Context, a *clinical.PersonAttribute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAttributeErr != nil {
		return m.FailAttributeErr
	}
	p, ok := m.People[a.PersonID]
	if !ok {
		return clinical.ErrNotFound
	}
	if existing := p.Attribute(a.TypeID); existing != nil {
		existing.Value = a.Value
		a.ID = existing.ID
	} else {
		a.ID = m.id()
		p.Attributes = append(p.Attributes, *a)
	}
	m.SavedAttributes = append(m.SavedAttributes, a)
	return nil
}

func (m *Memory) ProviderByIdentifier(_ context.Context, ident string) (*clinical.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.Providers {
		if p.Identifier == ident {
			return p, nil
		}
	}
	return nil, clinical.ErrNotFound
}

func (m *Memory) ProvidersByPerson(_ context.Context, personID int) ([]*clinical.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*clinical.Provider
	for _, p := range m.Providers {
		if p.PersonID != nil && *p.PersonID == personID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) UserByID(_ context.Context, id int) (*clinical.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.Users[id]; ok {
		return u, nil
	}
	return nil, clinical.ErrNotFound
}

func (m *Memory) UserBySystemID(_ context.Context, systemID string) (*clinical.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.SystemID == systemID || u.Username == systemID {
			return u, nil
		}
	}
	return nil, clinical.ErrNotFound
}

func (m *Memory) UsersByName(_ context.Context, given, family string) ([]*clinical.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*clinical.User
	for _, u := range m.Users {
		p, ok := m.People[u.PersonID]
		if ok && strings.EqualFold(p.GivenName, given) && strings.EqualFold(p.FamilyName, family) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *Memory) LocationByID(_ context.Context, id int) (*clinical.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.Locations[id]; ok {
		return l, nil
	}
	return nil, clinical.ErrNotFound
}

func (m *Memory) LocationByName(_ context.Context, name string) (*clinical.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.Locations {
		if strings.EqualFold(l.Name, name) {
			return l, nil
		}
	}
	return nil, clinical.ErrNotFound
}

func (m *Memory) FormByID(_ context.Context, id int) (*clinical.Form, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.Forms[id]; ok {
		return f, nil
	}
	return nil, clinical.ErrNotFound
}

func (m *Memory) RelationshipTypeByID(_ context.Context, id int) (*clinical.RelationshipType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.RelationshipTypes[id]; ok {
		return t, nil
	}
	return nil, clinical.ErrNotFound
}

func (m *Memory) Relationships(_ context.Context, a, b, typeID int) ([]*clinical.Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*clinical.Relationship
	for _, r := range m.SavedRelationships {
		if r.PersonA == a && r.PersonB == b && r.TypeID == typeID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) CreateRelationship(_ context.Context, rel *clinical.Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel.ID = m.id()
	if rel.UUID == uuid.Nil {
		rel.UUID = uuid.New()
	}
	m.SavedRelationships = append(m.SavedRelationships, rel)
	return nil
}

func (m *Memory) EncounterByID(_ context.Context, id int) (*clinical.Encounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.Encounters {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, clinical.ErrNotFound
}

// AddEncounter stores an already persisted encounter.
func (m *Memory) AddEncounter(e *clinical.Encounter) *clinical.Encounter {
	m.Encounters = append(m.Encounters, e)
	return e
}

func (m *Memory) SaveEncounter(_ context.Context, e *clinical.Encounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID != 0 {
		return nil
	}
	e.ID = m.id()
	if e.UUID == uuid.Nil {
		e.UUID = uuid.New()
	}
	m.Encounters = append(m.Encounters, e)
	return nil
}

func (m *Memory) SaveObservation(_ context.Context, o *clinical.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = m.id()
	if o.UUID == uuid.Nil {
		o.UUID = uuid.New()
	}
	m.Observations = append(m.Observations, o)
	return nil
}

func (m *Memory) UpdateObservationGroups(_ context.Context, obsID int, groupID, valueGroupID *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.Observations {
		if o.ID == obsID {
			o.GroupID = groupID
			o.ValueGroupID = valueGroupID
			m.GroupUpdates++
			return nil
		}
	}
	return clinical.ErrNotFound
}

func (m *Memory) SaveConceptProposal(_ context.Context, p *clinical.ConceptProposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.id()
	if p.State == "" {
		p.State = clinical.ProposalUnmapped
	}
	m.Proposals = append(m.Proposals, p)
	return nil
}

// Observation returns the saved observation with the given id.
func (m *Memory) Observation(id int) *clinical.Observation {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.Observations {
		if o.ID == id {
			return o
		}
	}
	return nil
}

var _ clinical.Repository = (*Memory)(nil)
