package laborur

import (
	"errors"
	"fmt"
)

// Kind classifies why a lab message could not be processed.
type Kind int

const (
	// KindResolution: a patient, provider, user, relationship type,
	// relative or encounter could not be resolved.
	KindResolution Kind = iota + 1
	// KindDecode: a result value could not be decoded.
	KindDecode
	// KindValidation: an observation failed validation.
	KindValidation
	// KindProposal: a concept proposal carried no text. The remaining
	// results of the order were not processed.
	KindProposal
	// KindMessage: the message is not a usable ORU^R01.
	KindMessage
	// KindPersistence: the repository rejected a write.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindResolution:
		return "resolution"
	case KindDecode:
		return "decode"
	case KindValidation:
		return "validation"
	case KindProposal:
		return "proposal"
	case KindMessage:
		return "message"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// ProcessingError aborts a whole lab message.
type ProcessingError struct {
	Kind      Kind
	ControlID string
	Segment   string
	Err       error
}

func (e *ProcessingError) Error() string {
	if e.Segment != "" {
		return fmt.Sprintf("lab message %s: %s error at %s: %v", e.ControlID, e.Kind, e.Segment, e.Err)
	}
	return fmt.Sprintf("lab message %s: %s error: %v", e.ControlID, e.Kind, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or 0 when err is not a
// ProcessingError.
func KindOf(err error) Kind {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

var (
	ErrNotORU             = errors.New("message is not ORU^R01")
	ErrMissingPatient     = errors.New("message has no PID segment")
	ErrEncounterNotFound  = errors.New("encounter not found")
	ErrRelationshipCoding = errors.New("relationship must be coded as <digits><A|B>^...^99REL")
	ErrRelationshipType   = errors.New("relationship type not found")
	ErrRelativeNotFound   = errors.New("relative cannot be resolved or created")
	ErrUnsupportedType    = errors.New("unsupported datatype")
	ErrNoAnswer           = errors.New("concept does not allow the answer")
	ErrEmptyProposal      = errors.New("concept proposal has no text")
)

// ProposalError carries the context of a proposal that could not be queued.
type ProposalError struct {
	ConceptID int
	Segment   string
}

func (e *ProposalError) Error() string {
	return fmt.Sprintf("proposal for concept %d at %s: %v", e.ConceptID, e.Segment, ErrEmptyProposal)
}

func (e *ProposalError) Unwrap() error { return ErrEmptyProposal }
