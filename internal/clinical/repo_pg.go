package clinical

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labinterface/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// -- Concepts --

const conceptCols = `c.concept_id, c.uuid, c.name, c.datatype, c.is_set, c.hi_absolute, c.low_absolute`

func (r *repoPG) ConceptByID(ctx context.Context, id int) (*Concept, error) {
	c, err := scanConcept(r.conn(ctx).QueryRow(ctx, `SELECT `+conceptCols+` FROM concept c WHERE c.concept_id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, r.loadAnswers(ctx, c)
}

func (r *repoPG) ConceptByMapping(ctx context.Context, code, source string) (*Concept, error) {
	c, err := scanConcept(r.conn(ctx).QueryRow(ctx, `
		SELECT `+conceptCols+` FROM concept c
		JOIN concept_map m ON m.concept_id = c.concept_id
		WHERE m.code = $1 AND LOWER(m.source) = LOWER($2)`, code, source))
	if err != nil {
		return nil, notFound(err)
	}
	return c, r.loadAnswers(ctx, c)
}

func (r *repoPG) NumericConceptIDs(ctx context.Context) ([]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT concept_id FROM concept WHERE datatype = $1 ORDER BY concept_id`, DatatypeNumeric)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repoPG) loadAnswers(ctx context.Context, c *Concept) error {
	if c.Datatype != DatatypeCoded {
		return nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT answer_concept FROM concept_answer WHERE concept_id = $1 ORDER BY answer_concept`, c.ID)
	if err != nil {
		return fmt.Errorf("load answers for concept %d: %w", c.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var a int
		if err := rows.Scan(&a); err != nil {
			return err
		}
		c.Answers = append(c.Answers, a)
	}
	return rows.Err()
}

func scanConcept(row pgx.Row) (*Concept, error) {
	var c Concept
	var datatype string
	if err := row.Scan(&c.ID, &c.UUID, &c.Name, &datatype, &c.IsSet, &c.HiAbsolute, &c.LowAbsolute); err != nil {
		return nil, err
	}
	c.Datatype = Datatype(datatype)
	return &c, nil
}

// -- People --

const personCols = `p.person_id, p.uuid, p.given_name, p.middle_name, p.family_name, p.gender, p.birthdate, p.created_at`

func (r *repoPG) PersonByID(ctx context.Context, id int) (*Person, error) {
	p, err := scanPerson(r.conn(ctx).QueryRow(ctx, `SELECT `+personCols+` FROM person p WHERE p.person_id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return p, r.loadAttributes(ctx, p)
}

func (r *repoPG) PatientByID(ctx context.Context, id int) (*Patient, error) {
	p, err := scanPerson(r.conn(ctx).QueryRow(ctx, `
		SELECT `+personCols+` FROM person p
		JOIN patient pt ON pt.patient_id = p.person_id
		WHERE p.person_id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return r.completePatient(ctx, p)
}

func (r *repoPG) PatientsByIdentifier(ctx context.Context, identifier, typeName string) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT `+personCols+` FROM person p
		JOIN patient_identifier pi ON pi.patient_id = p.person_id
		JOIN patient_identifier_type t ON t.patient_identifier_type_id = pi.identifier_type
		WHERE pi.identifier = $1 AND ($2 = '' OR LOWER(t.name) = LOWER($2))
		ORDER BY p.person_id`, identifier, typeName)
	if err != nil {
		return nil, err
	}
	var people []*Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		people = append(people, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	patients := make([]*Patient, 0, len(people))
	for _, p := range people {
		pt, err := r.completePatient(ctx, p)
		if err != nil {
			return nil, err
		}
		patients = append(patients, pt)
	}
	return patients, nil
}

func (r *repoPG) completePatient(ctx context.Context, p *Person) (*Patient, error) {
	if err := r.loadAttributes(ctx, p); err != nil {
		return nil, err
	}
	pt := &Patient{Person: *p}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT pi.identifier, t.name FROM patient_identifier pi
		JOIN patient_identifier_type t ON t.patient_identifier_type_id = pi.identifier_type
		WHERE pi.patient_id = $1 ORDER BY pi.patient_identifier_id`, p.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id PatientIdentifier
		if err := rows.Scan(&id.Identifier, &id.TypeName); err != nil {
			return nil, err
		}
		pt.Identifiers = append(pt.Identifiers, id)
	}
	return pt, rows.Err()
}

func (r *repoPG) loadAttributes(ctx context.Context, p *Person) error {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT person_attribute_id, person_id, person_attribute_type_id, value
		FROM person_attribute WHERE person_id = $1 ORDER BY person_attribute_id`, p.ID)
	if err != nil {
		return fmt.Errorf("load attributes for person %d: %w", p.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var a PersonAttribute
		if err := rows.Scan(&a.ID, &a.PersonID, &a.TypeID, &a.Value); err != nil {
			return err
		}
		p.Attributes = append(p.Attributes, a)
	}
	return rows.Err()
}

func (r *repoPG) CreatePerson(ctx context.Context, p *Person) error {
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO person (uuid, given_name, middle_name, family_name, gender, birthdate)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING person_id, created_at`,
		p.UUID, p.GivenName, p.MiddleName, p.FamilyName, p.Gender, p.Birthdate,
	).Scan(&p.ID, &p.CreatedAt)
}

func (r *repoPG) PersonAttributeTypeByName(ctx context.Context, name string) (*PersonAttributeType, error) {
	var t PersonAttributeType
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT person_attribute_type_id, name FROM person_attribute_type WHERE LOWER(name) = LOWER($1)`, name,
	).Scan(&t.ID, &t.Name)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *repoPG) SavePersonAttribute(ctx context.Context, a *PersonAttribute) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO person_attribute (person_id, person_attribute_type_id, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (person_id, person_attribute_type_id) DO UPDATE SET value = EXCLUDED.value
		RETURNING person_attribute_id`,
		a.PersonID, a.TypeID, a.Value,
	).Scan(&a.ID)
}

func scanPerson(row pgx.Row) (*Person, error) {
	var p Person
	err := row.Scan(&p.ID, &p.UUID, &p.GivenName, &p.MiddleName, &p.FamilyName, &p.Gender, &p.Birthdate, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// -- Providers and users --

const providerCols = `provider_id, uuid, person_id, identifier, name`

func (r *repoPG) ProviderByIdentifier(ctx context.Context, identifier string) (*Provider, error) {
	p, err := scanProvider(r.conn(ctx).QueryRow(ctx, `SELECT `+providerCols+` FROM provider WHERE identifier = $1`, identifier))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (r *repoPG) ProvidersByPerson(ctx context.Context, personID int) ([]*Provider, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+providerCols+` FROM provider WHERE person_id = $1 ORDER BY provider_id`, personID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	if err := row.Scan(&p.ID, &p.UUID, &p.PersonID, &p.Identifier, &p.Name); err != nil {
		return nil, err
	}
	return &p, nil
}

const userCols = `u.user_id, u.username, u.system_id, u.person_id`

func (r *repoPG) UserByID(ctx context.Context, id int) (*User, error) {
	u, err := scanUser(r.conn(ctx).QueryRow(ctx, `SELECT `+userCols+` FROM users u WHERE u.user_id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

func (r *repoPG) UserBySystemID(ctx context.Context, systemID string) (*User, error) {
	u, err := scanUser(r.conn(ctx).QueryRow(ctx, `
		SELECT `+userCols+` FROM users u WHERE u.system_id = $1 OR u.username = $1
		ORDER BY u.user_id LIMIT 1`, systemID))
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

func (r *repoPG) UsersByName(ctx context.Context, givenName, familyName string) ([]*User, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+userCols+` FROM users u
		JOIN person p ON p.person_id = u.person_id
		WHERE LOWER(p.given_name) = LOWER($1) AND LOWER(p.family_name) = LOWER($2)
		ORDER BY u.user_id`, givenName, familyName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.SystemID, &u.PersonID); err != nil {
		return nil, err
	}
	return &u, nil
}

// -- Locations and forms --

func (r *repoPG) LocationByID(ctx context.Context, id int) (*Location, error) {
	var l Location
	err := r.conn(ctx).QueryRow(ctx, `SELECT location_id, name FROM location WHERE location_id = $1`, id).Scan(&l.ID, &l.Name)
	if err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

func (r *repoPG) LocationByName(ctx context.Context, name string) (*Location, error) {
	var l Location
	err := r.conn(ctx).QueryRow(ctx, `SELECT location_id, name FROM location WHERE LOWER(name) = LOWER($1)`, name).Scan(&l.ID, &l.Name)
	if err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

func (r *repoPG) FormByID(ctx context.Context, id int) (*Form, error) {
	var f Form
	err := r.conn(ctx).QueryRow(ctx, `SELECT form_id, name, encounter_type_id FROM form WHERE form_id = $1`, id).
		Scan(&f.ID, &f.Name, &f.EncounterTypeID)
	if err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

// -- Relationships --

func (r *repoPG) RelationshipTypeByID(ctx context.Context, id int) (*RelationshipType, error) {
	var t RelationshipType
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT relationship_type_id, a_is_to_b, b_is_to_a FROM relationship_type WHERE relationship_type_id = $1`, id,
	).Scan(&t.ID, &t.AIsToB, &t.BIsToA)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *repoPG) Relationships(ctx context.Context, personA, personB, typeID int) ([]*Relationship, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT relationship_id, uuid, person_a, person_b, relationship FROM relationship
		WHERE person_a = $1 AND person_b = $2 AND relationship = $3
		ORDER BY relationship_id`, personA, personB, typeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Relationship
	for rows.Next() {
		var rel Relationship
		if err := rows.Scan(&rel.ID, &rel.UUID, &rel.PersonA, &rel.PersonB, &rel.TypeID); err != nil {
			return nil, err
		}
		out = append(out, &rel)
	}
	return out, rows.Err()
}

func (r *repoPG) CreateRelationship(ctx context.Context, rel *Relationship) error {
	if rel.UUID == uuid.Nil {
		rel.UUID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO relationship (uuid, person_a, person_b, relationship)
		VALUES ($1, $2, $3, $4) RETURNING relationship_id`,
		rel.UUID, rel.PersonA, rel.PersonB, rel.TypeID,
	).Scan(&rel.ID)
}

// -- Encounters and observations --

const encCols = `encounter_id, uuid, patient_id, provider_id, location_id, form_id, encounter_type_id,
	encounter_datetime, creator, date_created`

func (r *repoPG) EncounterByID(ctx context.Context, id int) (*Encounter, error) {
	var e Encounter
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+encCols+` FROM encounter WHERE encounter_id = $1`, id).Scan(
		&e.ID, &e.UUID, &e.PatientID, &e.ProviderID, &e.LocationID, &e.FormID, &e.EncounterTypeID,
		&e.Datetime, &e.CreatorID, &e.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (r *repoPG) SaveEncounter(ctx context.Context, e *Encounter) error {
	if e.ID != 0 {
		_, err := r.conn(ctx).Exec(ctx, `
			UPDATE encounter SET
				provider_id=$2, location_id=$3, form_id=$4, encounter_type_id=$5, encounter_datetime=$6
			WHERE encounter_id = $1`,
			e.ID, e.ProviderID, e.LocationID, e.FormID, e.EncounterTypeID, e.Datetime,
		)
		return err
	}
	if e.UUID == uuid.Nil {
		e.UUID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO encounter (
			uuid, patient_id, provider_id, location_id, form_id, encounter_type_id,
			encounter_datetime, creator, date_created
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING encounter_id`,
		e.UUID, e.PatientID, e.ProviderID, e.LocationID, e.FormID, e.EncounterTypeID,
		e.Datetime, e.CreatorID, e.CreatedAt,
	).Scan(&e.ID)
}

func (r *repoPG) SaveObservation(ctx context.Context, o *Observation) error {
	if o.UUID == uuid.Nil {
		o.UUID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	var (
		numeric  *float64
		coded    *int
		boolean  *bool
		datetime *time.Time
		text     *string
		drug     *int
	)
	v := o.Value
	switch v.Kind {
	case ValueNumeric:
		numeric = &v.Numeric
	case ValueCoded:
		coded = &v.Coded
	case ValueBoolean:
		boolean = &v.Boolean
	case ValueDatetime:
		datetime = &v.Datetime
	case ValueText:
		text = &v.Text
	case ValueDrug:
		drug = &v.Drug
	}

	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO obs (
			uuid, concept_id, person_id, encounter_id, obs_group_id, value_group_id,
			obs_datetime, location_id, creator, date_created, comments,
			value_kind, value_numeric, value_coded, value_coded_name_id, value_boolean,
			value_datetime, value_text, value_drug
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		RETURNING obs_id`,
		o.UUID, o.ConceptID, o.PersonID, o.EncounterID, o.GroupID, o.ValueGroupID,
		o.Datetime, o.LocationID, o.CreatorID, o.CreatedAt, o.Comment,
		v.Kind.String(), numeric, coded, v.CodedName, boolean,
		datetime, text, drug,
	).Scan(&o.ID)
}

func (r *repoPG) UpdateObservationGroups(ctx context.Context, obsID int, groupID, valueGroupID *int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE obs SET obs_group_id = $2, value_group_id = $3 WHERE obs_id = $1`,
		obsID, groupID, valueGroupID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Proposals --

func (r *repoPG) SaveConceptProposal(ctx context.Context, p *ConceptProposal) error {
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	if p.State == "" {
		p.State = ProposalUnmapped
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO concept_proposal (uuid, original_text, obs_concept_id, encounter_id, state, creator, date_created)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING concept_proposal_id`,
		p.UUID, p.OriginalText, p.ConceptID, p.EncounterID, p.State, p.CreatorID, p.CreatedAt,
	).Scan(&p.ID)
}
