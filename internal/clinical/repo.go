package clinical

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = errors.New("clinical: not found")

type ConceptStore interface {
	ConceptByID(ctx context.Context, id int) (*Concept, error)
	ConceptByMapping(ctx context.Context, code, source string) (*Concept, error)
	NumericConceptIDs(ctx context.Context) ([]int, error)
}

type PersonStore interface {
	PatientByID(ctx context.Context, id int) (*Patient, error)
	// PatientsByIdentifier matches identifier exactly. An empty typeName
	// matches every identifier type.
	PatientsByIdentifier(ctx context.Context, identifier, typeName string) ([]*Patient, error)
	PersonByID(ctx context.Context, id int) (*Person, error)
	CreatePerson(ctx context.Context, p *Person) error
	PersonAttributeTypeByName(ctx context.Context, name string) (*PersonAttributeType, error)
	SavePersonAttribute(ctx context.Context, a *PersonAttribute) error
}

type ProviderStore interface {
	ProviderByIdentifier(ctx context.Context, identifier string) (*Provider, error)
	ProvidersByPerson(ctx context.Context, personID int) ([]*Provider, error)
}

type UserStore interface {
	UserByID(ctx context.Context, id int) (*User, error)
	UserBySystemID(ctx context.Context, systemID string) (*User, error)
	UsersByName(ctx context.Context, givenName, familyName string) ([]*User, error)
}

type LocationStore interface {
	LocationByID(ctx context.Context, id int) (*Location, error)
	LocationByName(ctx context.Context, name string) (*Location, error)
}

type FormStore interface {
	FormByID(ctx context.Context, id int) (*Form, error)
}

type RelationshipStore interface {
	RelationshipTypeByID(ctx context.Context, id int) (*RelationshipType, error)
	Relationships(ctx context.Context, personA, personB, typeID int) ([]*Relationship, error)
	CreateRelationship(ctx context.Context, rel *Relationship) error
}

type EncounterStore interface {
	EncounterByID(ctx context.Context, id int) (*Encounter, error)
	// SaveEncounter inserts a new encounter or updates an existing one.
	SaveEncounter(ctx context.Context, enc *Encounter) error
	SaveObservation(ctx context.Context, obs *Observation) error
	UpdateObservationGroups(ctx context.Context, obsID int, groupID, valueGroupID *int) error
}

type ProposalStore interface {
	SaveConceptProposal(ctx context.Context, p *ConceptProposal) error
}

// Repository is every capability the lab interface needs.
type Repository interface {
	ConceptStore
	PersonStore
	ProviderStore
	UserStore
	LocationStore
	FormStore
	RelationshipStore
	EncounterStore
	ProposalStore
}
