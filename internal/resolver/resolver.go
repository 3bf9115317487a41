// Package resolver turns identifiers carried by lab messages into clinical
// records. It owns the not-found and ambiguity policy for every lookup.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/labinterface/internal/clinical"
)

var (
	ErrPatientNotFound  = errors.New("patient not found")
	ErrAmbiguousPatient = errors.New("patient identifiers match more than one patient")
	ErrPersonNotFound   = errors.New("person not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrConceptCode      = errors.New("local concept code is not numeric")
)

var providerIdentifier = regexp.MustCompile(`^\d+-\d$`)

// CX is an extended composite identifier.
type CX struct {
	ID         string
	CheckDigit string
	Authority  string
}

// XCN is an extended composite id and name for a person.
type XCN struct {
	ID         string
	FamilyName string
	GivenName  string
}

func (x XCN) Empty() bool {
	return x.ID == "" && x.FamilyName == "" && x.GivenName == ""
}

// Code is a coded element: identifier, text and coding system.
type Code struct {
	Identifier string
	Text       string
	System     string
}

// Stores are the repository capabilities the resolver reads from.
type Stores struct {
	Concepts  clinical.ConceptStore
	People    clinical.PersonStore
	Providers clinical.ProviderStore
	Users     clinical.UserStore
	Locations clinical.LocationStore
	Forms     clinical.FormStore
}

// FromRepository takes every capability from one repository.
func FromRepository(repo clinical.Repository) Stores {
	return Stores{
		Concepts:  repo,
		People:    repo,
		Providers: repo,
		Users:     repo,
		Locations: repo,
		Forms:     repo,
	}
}

type Resolver struct {
	stores      Stores
	localSource string
	logger      zerolog.Logger
}

// New returns a Resolver. Codes from localSource are concept ids.
func New(stores Stores, localSource string, logger zerolog.Logger) *Resolver {
	return &Resolver{stores: stores, localSource: localSource, logger: logger}
}

// Patient resolves the patient a message is about. An internal id (no
// assigning authority) or an identifier of the named type wins; otherwise
// every listed identifier is searched regardless of type and exactly one
// patient must match.
func (r *Resolver) Patient(ctx context.Context, ids []CX) (*clinical.Patient, error) {
	for _, cx := range ids {
		if cx.ID == "" {
			continue
		}
		if cx.Authority == "" {
			id, err := strconv.Atoi(cx.ID)
			if err != nil {
				continue
			}
			p, err := r.stores.People.PatientByID(ctx, id)
			if err == nil {
				return p, nil
			}
			if !errors.Is(err, clinical.ErrNotFound) {
				return nil, fmt.Errorf("patient %d: %w", id, err)
			}
			continue
		}
		matches, err := r.stores.People.PatientsByIdentifier(ctx, cx.ID, cx.Authority)
		if err != nil {
			return nil, fmt.Errorf("patient identifier %s: %w", cx.ID, err)
		}
		if len(matches) == 1 {
			return matches[0], nil
		}
	}
	return r.patientByAnyIdentifier(ctx, ids)
}

func (r *Resolver) patientByAnyIdentifier(ctx context.Context, ids []CX) (*clinical.Patient, error) {
	found := make(map[int]*clinical.Patient)
	var order []int
	for _, cx := range ids {
		ident := cx.ID
		if ident == "" {
			continue
		}
		if !strings.Contains(ident, "-") && cx.CheckDigit != "" {
			ident = ident + "-" + cx.CheckDigit
		}
		matches, err := r.stores.People.PatientsByIdentifier(ctx, ident, "")
		if err != nil {
			return nil, fmt.Errorf("patient identifier %s: %w", ident, err)
		}
		for _, p := range matches {
			if _, ok := found[p.ID]; !ok {
				found[p.ID] = p
				order = append(order, p.ID)
			}
		}
	}

	switch len(order) {
	case 0:
		return nil, ErrPatientNotFound
	case 1:
		return found[order[0]], nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrAmbiguousPatient, order)
	}
}

// Provider resolves a provider reference. "<digits>-<digit>" is a provider
// identifier; anything else names a person whose first provider role is
// used. It returns nil without error when no provider can be determined
// from a known person.
func (r *Resolver) Provider(ctx context.Context, x XCN) (*clinical.Provider, error) {
	if x.ID == "" {
		return nil, nil
	}
	if providerIdentifier.MatchString(x.ID) {
		p, err := r.stores.Providers.ProviderByIdentifier(ctx, x.ID)
		if errors.Is(err, clinical.ErrNotFound) {
			r.logger.Warn().Str("provider", x.ID).Msg("no provider with identifier")
			return nil, nil
		}
		return p, err
	}

	person, err := r.personByID(ctx, x.ID)
	if err != nil {
		return nil, err
	}
	providers, err := r.stores.Providers.ProvidersByPerson(ctx, person.ID)
	if err != nil {
		return nil, fmt.Errorf("providers for person %d: %w", person.ID, err)
	}
	if len(providers) == 0 {
		r.logger.Warn().Int("person_id", person.ID).Msg("person has no provider role")
		return nil, nil
	}
	return providers[0], nil
}

func (r *Resolver) personByID(ctx context.Context, raw string) (*clinical.Person, error) {
	id, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a person id", ErrPersonNotFound, raw)
	}
	p, err := r.stores.People.PersonByID(ctx, id)
	if errors.Is(err, clinical.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrPersonNotFound, id)
	}
	return p, err
}

// Enterer resolves the user who entered an order. A reference with no id
// and no name means no enterer and is not an error.
func (r *Resolver) Enterer(ctx context.Context, x XCN) (*clinical.User, error) {
	if x.Empty() {
		return nil, nil
	}

	var (
		u   *clinical.User
		err error
	)
	switch {
	case x.ID != "":
		if id, convErr := strconv.Atoi(x.ID); convErr == nil {
			u, err = r.stores.Users.UserByID(ctx, id)
		} else {
			u, err = r.stores.Users.UserBySystemID(ctx, x.ID)
		}
	default:
		var users []*clinical.User
		users, err = r.stores.Users.UsersByName(ctx, x.GivenName, x.FamilyName)
		if err == nil {
			if len(users) == 1 {
				u = users[0]
			} else {
				err = clinical.ErrNotFound
			}
		}
	}

	if errors.Is(err, clinical.ErrNotFound) {
		return nil, fmt.Errorf("%w: id=%q family=%q given=%q", ErrUserNotFound, x.ID, x.FamilyName, x.GivenName)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Concept resolves a coded element. Codes from the local source (matched
// exactly) are concept ids and must be numeric; others go through the
// concept mappings. A miss returns nil without error so callers can skip
// the field.
func (r *Resolver) Concept(ctx context.Context, code Code) (*clinical.Concept, error) {
	if code.Identifier == "" {
		return nil, nil
	}

	var (
		c   *clinical.Concept
		err error
	)
	if code.System == r.localSource {
		id, convErr := strconv.Atoi(code.Identifier)
		if convErr != nil {
			return nil, fmt.Errorf("%w: %q", ErrConceptCode, code.Identifier)
		}
		c, err = r.stores.Concepts.ConceptByID(ctx, id)
	} else {
		c, err = r.stores.Concepts.ConceptByMapping(ctx, code.Identifier, code.System)
	}

	if errors.Is(err, clinical.ErrNotFound) {
		r.logger.Error().
			Str("concept", code.Identifier).
			Str("text", code.Text).
			Str("source", code.System).
			Msg("unable to find concept")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("concept %s^%s: %w", code.Identifier, code.System, err)
	}
	return c, nil
}

// Location resolves a location by id, or by name when raw is not numeric.
// A miss returns nil.
func (r *Resolver) Location(ctx context.Context, raw string) (*clinical.Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var (
		l   *clinical.Location
		err error
	)
	if id, convErr := strconv.Atoi(raw); convErr == nil {
		l, err = r.stores.Locations.LocationByID(ctx, id)
	} else {
		l, err = r.stores.Locations.LocationByName(ctx, raw)
	}
	if errors.Is(err, clinical.ErrNotFound) {
		r.logger.Warn().Str("location", raw).Msg("unable to find location")
		return nil, nil
	}
	return l, err
}

// Form resolves a numeric form id. Anything unusable returns nil.
func (r *Resolver) Form(ctx context.Context, raw string) (*clinical.Form, error) {
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		if raw != "" {
			r.logger.Warn().Str("form", raw).Msg("form id is not numeric")
		}
		return nil, nil
	}
	f, err := r.stores.Forms.FormByID(ctx, id)
	if errors.Is(err, clinical.ErrNotFound) {
		r.logger.Warn().Int("form_id", id).Msg("unable to find form")
		return nil, nil
	}
	return f, err
}

// Person resolves the first identifier that names exactly one person:
// internal person ids when no authority is given, patient identifiers of
// the named type otherwise. It returns nil when none do.
func (r *Resolver) Person(ctx context.Context, ids []CX) (*clinical.Person, error) {
	for _, cx := range ids {
		if cx.ID == "" {
			continue
		}
		if cx.Authority == "" {
			id, err := strconv.Atoi(cx.ID)
			if err != nil {
				continue
			}
			p, err := r.stores.People.PersonByID(ctx, id)
			if err == nil {
				return p, nil
			}
			if !errors.Is(err, clinical.ErrNotFound) {
				return nil, err
			}
			continue
		}
		matches, err := r.stores.People.PatientsByIdentifier(ctx, cx.ID, cx.Authority)
		if err != nil {
			return nil, err
		}
		if len(matches) == 1 {
			return &matches[0].Person, nil
		}
	}
	return nil, nil
}
