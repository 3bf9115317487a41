package laborur

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/labinterface/internal/clinical"
	"github.com/ehr/labinterface/internal/platform/hl7v2"
)

// HealthCenterUpdate records the discharge-to location of a processed
// message, to be copied onto the patient after commit.
type HealthCenterUpdate struct {
	PatientID  int `json:"patient_id"`
	LocationID int `json:"location_id"`
}

// HousekeepingResult reports a best effort post-commit step. Callers log it.
type HousekeepingResult struct {
	Attempted bool
	Updated   bool
	Err       error
}

func (r *run) healthCenter() *HealthCenterUpdate {
	pv1 := r.o.pv1
	if pv1 == nil {
		return nil
	}
	raw := strings.TrimSpace(hl7v2.FirstSubcomponent(pv1.GetComponent(37, 1)))
	if raw == "" {
		return nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		r.in.logger.Warn().Str("control_id", r.msg.ControlID).Str("location", raw).Msg("discharge location is not numeric")
		return nil
	}
	return &HealthCenterUpdate{PatientID: r.patient.ID, LocationID: id}
}

// Housekeep applies the post-commit updates recorded in out. It never
// fails the message; problems come back in the result.
func (in *Interpreter) Housekeep(ctx context.Context, out *Outcome) HousekeepingResult {
	if out == nil || out.HealthCenter == nil {
		return HousekeepingResult{}
	}
	upd := out.HealthCenter
	res := HousekeepingResult{Attempted: true}

	attrType, err := in.repo.PersonAttributeTypeByName(ctx, in.opts.HealthCenterAttribute)
	if err != nil {
		res.Err = fmt.Errorf("person attribute type %q: %w", in.opts.HealthCenterAttribute, err)
		return res
	}
	person, err := in.repo.PersonByID(ctx, upd.PatientID)
	if err != nil {
		res.Err = fmt.Errorf("patient %d: %w", upd.PatientID, err)
		return res
	}

	value := strconv.Itoa(upd.LocationID)
	if current := person.Attribute(attrType.ID); current != nil && current.Value == value {
		return res
	}
	attr := &clinical.PersonAttribute{PersonID: person.ID, TypeID: attrType.ID, Value: value}
	if err := in.repo.SavePersonAttribute(ctx, attr); err != nil {
		res.Err = fmt.Errorf("save health center for patient %d: %w", person.ID, err)
		return res
	}
	res.Updated = true
	return res
}
