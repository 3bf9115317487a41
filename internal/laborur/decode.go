package laborur

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/labinterface/internal/clinical"
	"github.com/ehr/labinterface/internal/platform/hl7v2"
	"github.com/ehr/labinterface/internal/resolver"
)

// proposedCode marks a coded value as free text that needs a new concept.
const proposedCode = "PROPOSED"

// Alternate coding systems carried in CWE.6.
const (
	drugSystem        = "99RX"
	conceptNameSystem = "99NAM"
)

type decodeResult int

const (
	decodedValue decodeResult = iota
	decodedSkip
	decodedProposal
)

// decoded is the outcome of decoding one value of a result field.
type decoded struct {
	result       decodeResult
	value        clinical.Value
	proposalText string
}

func skip() decoded { return decoded{result: decodedSkip} }

func valueOf(v clinical.Value) decoded { return decoded{result: decodedValue, value: v} }

// decode turns one repetition of OBX-5 into a value for concept. Errors
// are fatal for the message.
func (in *Interpreter) decode(ctx context.Context, datatype string, rep []string, concept *clinical.Concept) (decoded, error) {
	switch datatype {
	case "NM":
		return in.decodeNumeric(strings.TrimSpace(component(rep, 1)), concept)
	case "CWE", "CE":
		return in.decodeCoded(ctx, rep)
	case "DT":
		return decodeTimestamp(component(rep, 1), in.loc(), func(t time.Time) time.Time {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		})
	case "TS", "DTM":
		return decodeTimestamp(component(rep, 1), in.loc(), nil)
	case "TM":
		v := strings.TrimSpace(component(rep, 1))
		if v == "" || v == "0" {
			return skip(), nil
		}
		t, err := hl7v2.ParseTime(v)
		if err != nil {
			return decoded{}, err
		}
		return valueOf(clinical.DatetimeValue(t)), nil
	case "ST":
		v := strings.TrimSpace(strings.Join(rep, "^"))
		if v == "" {
			return skip(), nil
		}
		return valueOf(clinical.TextValue(v)), nil
	default:
		if strings.TrimSpace(strings.Join(rep, "")) == "" {
			return skip(), nil
		}
		return decoded{}, fmt.Errorf("%w: %q", ErrUnsupportedType, datatype)
	}
}

func (in *Interpreter) decodeNumeric(v string, concept *clinical.Concept) (decoded, error) {
	if v == "" {
		return skip(), nil
	}
	if v == "0" || v == "1" {
		truth := v == "1"
		switch concept.Datatype {
		case clinical.DatatypeBoolean:
			return valueOf(clinical.BooleanValue(truth)), nil
		case clinical.DatatypeNumeric:
			n := 0.0
			if truth {
				n = 1
			}
			return valueOf(clinical.NumericValue(n)), nil
		case clinical.DatatypeCoded:
			answer := in.opts.FalseConceptID
			if truth {
				answer = in.opts.TrueConceptID
			}
			if !concept.HasAnswer(answer) {
				return decoded{}, fmt.Errorf("%w: concept %d, answer %d for %q", ErrNoAnswer, concept.ID, answer, v)
			}
			return valueOf(clinical.CodedValue(answer)), nil
		default:
			return decoded{}, fmt.Errorf("%w: %q against %s concept %d", ErrUnsupportedType, v, concept.Datatype, concept.ID)
		}
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return decoded{}, fmt.Errorf("numeric value %q: %w", v, err)
	}
	return valueOf(clinical.NumericValue(f)), nil
}

func (in *Interpreter) decodeCoded(ctx context.Context, rep []string) (decoded, error) {
	code := resolver.Code{
		Identifier: strings.TrimSpace(component(rep, 1)),
		Text:       strings.TrimSpace(component(rep, 2)),
		System:     strings.TrimSpace(component(rep, 3)),
	}
	if code.Identifier == proposedCode {
		return decoded{result: decodedProposal, proposalText: code.Text}, nil
	}

	alternateID := strings.TrimSpace(component(rep, 4))
	switch strings.TrimSpace(component(rep, 6)) {
	case drugSystem:
		id, err := strconv.Atoi(alternateID)
		if err != nil {
			return decoded{}, fmt.Errorf("drug id %q: %w", alternateID, err)
		}
		return valueOf(clinical.DrugValue(id)), nil
	case conceptNameSystem:
		answer, err := in.resolve.Concept(ctx, code)
		if err != nil || answer == nil {
			return skip(), err
		}
		v := clinical.CodedValue(answer.ID)
		if nameID, convErr := strconv.Atoi(alternateID); convErr == nil {
			v.CodedName = &nameID
		}
		return valueOf(v), nil
	}

	answer, err := in.resolve.Concept(ctx, code)
	if err != nil || answer == nil {
		return skip(), err
	}
	return valueOf(clinical.CodedValue(answer.ID)), nil
}

func decodeTimestamp(raw string, loc *time.Location, adjust func(time.Time) time.Time) (decoded, error) {
	v := strings.TrimSpace(raw)
	if v == "" || v == "0" {
		return skip(), nil
	}
	t, err := hl7v2.ParseTimestamp(v, loc)
	if err != nil {
		return decoded{}, err
	}
	if adjust != nil {
		t = adjust(t)
	}
	return valueOf(clinical.DatetimeValue(t)), nil
}
