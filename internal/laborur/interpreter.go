// Package laborur interprets normalized ORU^R01 lab result messages into an
// encounter with nested observations, concept proposals and relationships.
package laborur

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labinterface/internal/clinical"
	"github.com/ehr/labinterface/internal/platform/hl7v2"
	"github.com/ehr/labinterface/internal/resolver"
)

const relationshipSystem = "99REL"

var relationshipCode = regexp.MustCompile(`^([0-9]+)([AB])$`)

// Delegate handles messages from senders the interpreter does not serve.
type Delegate interface {
	Delegate(ctx context.Context, msg *hl7v2.Message) error
}

// DelegateFunc adapts a function to Delegate.
type DelegateFunc func(ctx context.Context, msg *hl7v2.Message) error

func (f DelegateFunc) Delegate(ctx context.Context, msg *hl7v2.Message) error { return f(ctx, msg) }

type Options struct {
	// AllowedSenders lists the sending applications (MSH-3.1) handled
	// here, compared case-insensitively.
	AllowedSenders []string
	// IgnoredOrderConcepts never produce a grouping observation.
	IgnoredOrderConcepts []int
	// HealthCenterAttribute names the person attribute type updated from
	// the discharge-to location.
	HealthCenterAttribute string
	// TrueConceptID and FalseConceptID answer coded results sent as 1/0.
	TrueConceptID  int
	FalseConceptID int
	// Location interprets timestamps that carry no offset.
	Location *time.Location
	Now      func() time.Time
}

func DefaultOptions() Options {
	return Options{
		AllowedSenders:        []string{"refpacs", "pcslabplus", "eid"},
		IgnoredOrderConcepts:  []int{1238},
		HealthCenterAttribute: "Health Center",
		TrueConceptID:         1065,
		FalseConceptID:        1066,
		Location:              time.UTC,
		Now:                   time.Now,
	}
}

// Outcome summarizes one processed message.
type Outcome struct {
	ControlID      string              `json:"control_id"`
	Delegated      bool                `json:"delegated"`
	PatientID      int                 `json:"patient_id,omitempty"`
	Encounter      *clinical.Encounter `json:"encounter,omitempty"`
	EncounterSaved bool                `json:"encounter_saved"`
	AppendMode     bool                `json:"append_mode"`
	Observations   int                 `json:"observations"`
	Proposals      int                 `json:"proposals"`
	Relationships  int                 `json:"relationships"`
	PeopleCreated  int                 `json:"people_created"`
	HealthCenter   *HealthCenterUpdate `json:"health_center,omitempty"`
}

type Interpreter struct {
	repo     clinical.Repository
	resolve  *resolver.Resolver
	delegate Delegate
	opts     Options
	allowed  map[string]bool
	ignored  map[int]bool
	logger   zerolog.Logger
}

func New(repo clinical.Repository, res *resolver.Resolver, delegate Delegate, opts Options, logger zerolog.Logger) *Interpreter {
	in := &Interpreter{
		repo:     repo,
		resolve:  res,
		delegate: delegate,
		opts:     opts,
		allowed:  make(map[string]bool, len(opts.AllowedSenders)),
		ignored:  make(map[int]bool, len(opts.IgnoredOrderConcepts)),
		logger:   logger,
	}
	for _, s := range opts.AllowedSenders {
		if s = strings.TrimSpace(s); s != "" {
			in.allowed[strings.ToLower(s)] = true
		}
	}
	for _, id := range opts.IgnoredOrderConcepts {
		in.ignored[id] = true
	}
	return in
}

func (in *Interpreter) now() time.Time {
	if in.opts.Now != nil {
		return in.opts.Now()
	}
	return time.Now()
}

func (in *Interpreter) loc() *time.Location {
	if in.opts.Location != nil {
		return in.opts.Location
	}
	return time.UTC
}

// Accepts reports whether msg comes from an allow-listed sender.
func (in *Interpreter) Accepts(msg *hl7v2.Message) bool {
	sender := strings.ToLower(msg.SendingApplication())
	return sender != "" && in.allowed[sender]
}

// Process interprets msg and persists what it describes through the
// repository. Messages from other senders go to the delegate unchanged.
// Fatal problems are returned as *ProcessingError and nothing the caller
// commits should be kept.
func (in *Interpreter) Process(ctx context.Context, msg *hl7v2.Message) (*Outcome, error) {
	out := &Outcome{ControlID: msg.ControlID}
	if !in.Accepts(msg) {
		out.Delegated = true
		if in.delegate == nil {
			in.logger.Warn().Str("control_id", msg.ControlID).Str("sender", msg.SendingApplication()).Msg("no delegate for message")
			return out, nil
		}
		if err := in.delegate.Delegate(ctx, msg); err != nil {
			return out, fmt.Errorf("delegate message %s: %w", msg.ControlID, err)
		}
		return out, nil
	}

	r := &run{in: in, msg: msg, o: extract(msg)}
	if code, trigger := msg.TypeParts(); code != "ORU" || trigger != "R01" {
		return out, r.fail(KindMessage, r.o.msh, fmt.Errorf("%w: %s", ErrNotORU, msg.Type))
	}
	if r.o.pid == nil {
		return out, r.fail(KindMessage, nil, ErrMissingPatient)
	}

	var err error
	if r.patient, err = in.resolve.Patient(ctx, cxList(r.o.pid, 3)); err != nil {
		return out, r.fail(KindResolution, r.o.pid, err)
	}
	out.PatientID = r.patient.ID

	orc := r.o.orc
	if r.enterer, err = in.resolve.Enterer(ctx, xcn(orc, 10)); err != nil {
		return out, r.fail(KindResolution, orc, err)
	}

	if err := r.buildEncounter(ctx); err != nil {
		return out, err
	}
	if err := r.planRelationships(ctx); err != nil {
		return out, err
	}
	for _, ord := range r.o.orders {
		if err := r.buildOrder(ctx, ord); err != nil {
			return out, err
		}
	}

	saved, err := r.g.persist(ctx, in.repo)
	if err != nil {
		return out, r.fail(KindPersistence, nil, err)
	}

	out.AppendMode = r.g.appendMode
	out.EncounterSaved = saved.encounterSaved
	if saved.encounterSaved {
		out.Encounter = r.g.encounter
	}
	out.Observations = saved.observations
	out.Proposals = saved.proposals
	out.Relationships = saved.relationships
	out.PeopleCreated = saved.people
	out.HealthCenter = r.healthCenter()

	in.logger.Info().
		Str("control_id", msg.ControlID).
		Str("sender", msg.SendingApplication()).
		Int("patient_id", out.PatientID).
		Bool("encounter_saved", out.EncounterSaved).
		Int("observations", out.Observations).
		Int("proposals", out.Proposals).
		Msg("lab message processed")
	return out, nil
}

// run is the state of one Process call.
type run struct {
	in      *Interpreter
	msg     *hl7v2.Message
	o       *oru
	g       *graph
	patient *clinical.Patient
	enterer *clinical.User
}

func (r *run) fail(kind Kind, seg *hl7v2.Segment, err error) error {
	return &ProcessingError{Kind: kind, ControlID: r.msg.ControlID, Segment: segmentRef(seg), Err: err}
}

func (r *run) buildEncounter(ctx context.Context) error {
	pv1, pd1 := r.o.pv1, r.o.pd1

	if pv1 != nil {
		if raw := strings.TrimSpace(pv1.GetComponent(19, 1)); raw != "" {
			if id, err := strconv.Atoi(raw); err == nil {
				enc, err := r.in.repo.EncounterByID(ctx, id)
				if errors.Is(err, clinical.ErrNotFound) {
					return r.fail(KindResolution, pv1, fmt.Errorf("%w: %d", ErrEncounterNotFound, id))
				}
				if err != nil {
					return r.fail(KindResolution, pv1, err)
				}
				r.g = newGraph(enc, true)
				return nil
			}
		}
	}

	enc := &clinical.Encounter{PatientID: r.patient.ID, CreatedAt: r.in.now()}
	if r.enterer != nil {
		enc.CreatorID = &r.enterer.ID
	}

	if pv1 != nil {
		if raw := strings.TrimSpace(pv1.GetComponent(44, 1)); raw != "" {
			t, err := hl7v2.ParseTimestamp(raw, r.in.loc())
			if err != nil {
				return r.fail(KindDecode, pv1, fmt.Errorf("admit datetime: %w", err))
			}
			enc.Datetime = t
		}
	}

	providerSeg, ref := pd1, xcn(pd1, 4)
	if ref.ID == "" {
		providerSeg, ref = pv1, xcn(pv1, 7)
	}
	provider, err := r.in.resolve.Provider(ctx, ref)
	if err != nil {
		return r.fail(KindResolution, providerSeg, err)
	}
	if provider != nil {
		enc.ProviderID = &provider.ID
	}

	location, err := r.encounterLocation(ctx)
	if err != nil {
		return err
	}
	if location != nil {
		enc.LocationID = &location.ID
	}

	if r.o.msh != nil {
		form, err := r.in.resolve.Form(ctx, r.o.msh.GetComponent(21, 1))
		if err != nil {
			return r.fail(KindResolution, r.o.msh, err)
		}
		if form != nil {
			enc.FormID = &form.ID
			enc.EncounterTypeID = form.EncounterTypeID
		}
	}

	r.g = newGraph(enc, false)
	return nil
}

// encounterLocation prefers the assigned location (PV1-3) and falls back
// to the primary facility id (PD1-3, XON.3).
func (r *run) encounterLocation(ctx context.Context) (*clinical.Location, error) {
	if pv1 := r.o.pv1; pv1 != nil {
		l, err := r.in.resolve.Location(ctx, pv1.GetComponent(3, 1))
		if err != nil {
			return nil, r.fail(KindResolution, pv1, err)
		}
		if l != nil {
			return l, nil
		}
	}
	if pd1 := r.o.pd1; pd1 != nil {
		raw := strings.TrimSpace(pd1.GetComponent(3, 3))
		if raw == "" {
			return nil, nil
		}
		if _, err := strconv.Atoi(raw); err != nil {
			r.in.logger.Warn().Str("control_id", r.msg.ControlID).Str("facility", raw).Msg("primary facility id is not numeric")
			return nil, nil
		}
		l, err := r.in.resolve.Location(ctx, raw)
		if err != nil {
			return nil, r.fail(KindResolution, pd1, err)
		}
		return l, nil
	}
	return nil, nil
}

func (r *run) planRelationships(ctx context.Context) error {
	for _, nk1 := range r.o.nk1 {
		code := strings.TrimSpace(nk1.GetComponent(3, 1))
		m := relationshipCode.FindStringSubmatch(code)
		if m == nil || strings.TrimSpace(nk1.GetComponent(3, 3)) != relationshipSystem {
			return r.fail(KindResolution, nk1, fmt.Errorf("%w: got %q", ErrRelationshipCoding, nk1.GetField(3)))
		}
		typeID, _ := strconv.Atoi(m[1])
		relType, err := r.in.repo.RelationshipTypeByID(ctx, typeID)
		if errors.Is(err, clinical.ErrNotFound) {
			return r.fail(KindResolution, nk1, fmt.Errorf("%w: %d", ErrRelationshipType, typeID))
		}
		if err != nil {
			return r.fail(KindResolution, nk1, err)
		}
		patientIsA := m[2] == "B"
		symmetric := relType.Symmetric()

		relative, err := r.in.resolve.Person(ctx, cxList(nk1, 33))
		if err != nil {
			return r.fail(KindResolution, nk1, err)
		}
		if relative != nil {
			exists, err := r.relationshipExists(ctx, relative.ID, typeID, symmetric, patientIsA)
			if err != nil {
				return r.fail(KindResolution, nk1, err)
			}
			if exists {
				continue
			}
		} else if relative = r.relativeFromNK1(nk1); relative == nil {
			return r.fail(KindResolution, nk1, ErrRelativeNotFound)
		}

		r.g.relations = append(r.g.relations, &relation{
			relative:   relative,
			patientID:  r.patient.ID,
			typeID:     typeID,
			patientIsA: symmetric || patientIsA,
		})
	}
	return nil
}

func (r *run) relationshipExists(ctx context.Context, relativeID, typeID int, symmetric, patientIsA bool) (bool, error) {
	if symmetric || patientIsA {
		rels, err := r.in.repo.Relationships(ctx, r.patient.ID, relativeID, typeID)
		if err != nil || len(rels) > 0 {
			return len(rels) > 0, err
		}
	}
	if symmetric || !patientIsA {
		rels, err := r.in.repo.Relationships(ctx, relativeID, r.patient.ID, typeID)
		if err != nil {
			return false, err
		}
		return len(rels) > 0, nil
	}
	return false, nil
}

// relativeFromNK1 builds an unsaved person from the next of kin name, sex
// and birthdate. It returns nil when the segment carries no name.
func (r *run) relativeFromNK1(nk1 *hl7v2.Segment) *clinical.Person {
	p := &clinical.Person{
		FamilyName: strings.TrimSpace(hl7v2.FirstSubcomponent(nk1.GetComponent(2, 1))),
		GivenName:  strings.TrimSpace(nk1.GetComponent(2, 2)),
		MiddleName: strings.TrimSpace(nk1.GetComponent(2, 3)),
		Gender:     strings.TrimSpace(nk1.GetField(15)),
	}
	if p.FamilyName == "" && p.GivenName == "" {
		return nil
	}
	if raw := strings.TrimSpace(nk1.GetComponent(16, 1)); raw != "" {
		if t, err := hl7v2.ParseTimestamp(raw, r.in.loc()); err == nil {
			p.Birthdate = &t
		}
	}
	return p
}

func (r *run) buildOrder(ctx context.Context, ord *order) error {
	parent := root
	if obr := ord.obr; obr != nil {
		concept, err := r.in.resolve.Concept(ctx, codeOf(obr, 4))
		if err != nil {
			return r.fail(KindResolution, obr, err)
		}
		if concept != nil && !r.in.ignored[concept.ID] {
			obs := r.newObservation(concept, r.orderTime(ord))
			obs.Comment = strings.Join(ord.comments, " ")
			if err := clinical.ValidateObservation(obs, concept, true); err != nil {
				return r.fail(KindValidation, obr, err)
			}
			parent = r.g.add(obs, root, true)
		}
	}

	for _, res := range ord.results {
		if err := r.buildResult(ctx, res, parent); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) buildResult(ctx context.Context, res *result, parent nodeID) error {
	obx := res.obx
	concept, err := r.in.resolve.Concept(ctx, codeOf(obx, 3))
	if err != nil {
		return r.fail(KindResolution, obx, err)
	}
	if concept == nil {
		r.in.logger.Warn().Str("control_id", r.msg.ControlID).Str("segment", segmentRef(obx)).Msg("result concept not resolved, skipping")
		return nil
	}

	when, err := r.resultTime(obx, parent)
	if err != nil {
		return r.fail(KindDecode, obx, err)
	}
	datatype := strings.TrimSpace(obx.GetField(2))
	comment := strings.Join(res.comments, " ")

	var siblings []nodeID
	for _, rep := range obx.Repetitions(5) {
		d, err := r.in.decode(ctx, datatype, rep, concept)
		if err != nil {
			return r.fail(KindDecode, obx, err)
		}

		switch d.result {
		case decodedSkip:
			continue
		case decodedProposal:
			if d.proposalText == "" {
				return r.fail(KindProposal, obx, &ProposalError{ConceptID: concept.ID, Segment: segmentRef(obx)})
			}
			r.g.proposals = append(r.g.proposals, &clinical.ConceptProposal{
				OriginalText: d.proposalText,
				ConceptID:    concept.ID,
				State:        clinical.ProposalUnmapped,
				CreatorID:    r.creator(),
				CreatedAt:    r.in.now(),
			})
			continue
		}

		obs := r.newObservation(concept, when)
		obs.Comment = comment
		obs.Value = d.value
		if err := clinical.ValidateObservation(obs, concept, false); err != nil {
			return r.fail(KindValidation, obx, err)
		}
		siblings = append(siblings, r.g.add(obs, parent, false))
	}

	if len(siblings) > 1 {
		r.g.valueGroups = append(r.g.valueGroups, siblings)
	}
	return nil
}

func (r *run) creator() *int {
	if r.g.appendMode && r.enterer != nil {
		id := r.enterer.ID
		return &id
	}
	return r.g.encounter.CreatorID
}

func (r *run) newObservation(concept *clinical.Concept, when time.Time) *clinical.Observation {
	enc := r.g.encounter
	return &clinical.Observation{
		ConceptID:  concept.ID,
		PersonID:   enc.PatientID,
		Datetime:   when,
		LocationID: enc.LocationID,
		CreatorID:  r.creator(),
		CreatedAt:  r.in.now(),
	}
}

// orderTime is OBR-7, then ORC-9, then MSH-7, then now.
func (r *run) orderTime(ord *order) time.Time {
	candidates := []struct {
		seg   *hl7v2.Segment
		field int
	}{{ord.obr, 7}, {ord.orc, 9}, {r.o.msh, 7}}
	for _, c := range candidates {
		if t, ok := r.timestamp(c.seg, c.field); ok {
			return t
		}
	}
	return r.in.now()
}

// resultTime is OBX-14, then the encounter datetime, then the grouping
// observation's datetime, then MSH-7, then now. A malformed OBX-14 is an error.
func (r *run) resultTime(obx *hl7v2.Segment, parent nodeID) (time.Time, error) {
	if raw := strings.TrimSpace(obx.GetComponent(14, 1)); raw != "" {
		return hl7v2.ParseTimestamp(raw, r.in.loc())
	}
	if !r.g.encounter.Datetime.IsZero() {
		return r.g.encounter.Datetime, nil
	}
	if parent != root {
		return r.g.obs(parent).Datetime, nil
	}
	if t, ok := r.timestamp(r.o.msh, 7); ok {
		return t, nil
	}
	return r.in.now(), nil
}

func (r *run) timestamp(seg *hl7v2.Segment, field int) (time.Time, bool) {
	if seg == nil {
		return time.Time{}, false
	}
	raw := strings.TrimSpace(seg.GetComponent(field, 1))
	if raw == "" {
		return time.Time{}, false
	}
	t, err := hl7v2.ParseTimestamp(raw, r.in.loc())
	if err != nil {
		r.in.logger.Warn().Str("control_id", r.msg.ControlID).Str("segment", segmentRef(seg)).Int("field", field).Err(err).Msg("ignoring malformed timestamp")
		return time.Time{}, false
	}
	return t, true
}
