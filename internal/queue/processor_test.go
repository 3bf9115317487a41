package queue_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/labinterface/internal/clinical"
	"github.com/ehr/labinterface/internal/clinical/clinicaltest"
	"github.com/ehr/labinterface/internal/laborur"
	"github.com/ehr/labinterface/internal/platform/db"
	"github.com/ehr/labinterface/internal/platform/hl7v2"
	"github.com/ehr/labinterface/internal/queue"
	"github.com/ehr/labinterface/internal/queue/queuetest"
	"github.com/ehr/labinterface/internal/resolver"
)

const labMessage = "MSH|^~\\&|REFPACS|Lab|HL7LISTENER|AMRS|20080226102656||ORU^R01|JqnfhKKtouEz8kzTk6Zo|P|2.5|1||||||||16^AMRS.ELD.FORMID\n" +
	"PID|||3^^^^||John^Doe^\n" +
	"PV1||O|1^Unknown Location||||1^Super User (1-8)|||||||||||||||||||||||||||||||||||||20080212|||||||V\n" +
	"ORC|RE||||||||20080226102537|1^Super User\n" +
	"OBR|1|||1238^MEDICAL RECORD OBSERVATIONS^99DCT\n" +
	"OBX|1|ST|5497^CD4 COUNT^99DCT||450|||||||||20080206\n" +
	"OBX|2|NM|856^HIV VIRAL LOAD^99DCT||<1,000|||||||||20080206\n"

func seedClinical() *clinicaltest.Memory {
	m := clinicaltest.NewMemory()
	m.AddPatient(&clinical.Person{ID: 3, GivenName: "John", FamilyName: "Doe"})
	m.AddPerson(&clinical.Person{ID: 1, GivenName: "Super", FamilyName: "User"})
	m.AddProvider(&clinical.Provider{ID: 11, PersonID: intPtr(1), Identifier: "1-8"})
	m.AddUser(&clinical.User{ID: 1, Username: "admin", SystemID: "admin", PersonID: 1})
	m.Locations[1] = &clinical.Location{ID: 1, Name: "Unknown Location"}
	m.Forms[16] = &clinical.Form{ID: 16, Name: "Lab Results", EncounterTypeID: intPtr(2)}
	m.AddConcept(&clinical.Concept{ID: 1238, Name: "MEDICAL RECORD OBSERVATIONS", Datatype: clinical.DatatypeNA, IsSet: true})
	m.AddConcept(&clinical.Concept{ID: 5497, Name: "CD4 COUNT", Datatype: clinical.DatatypeNumeric})
	m.AddConcept(&clinical.Concept{ID: 856, Name: "HIV VIRAL LOAD", Datatype: clinical.DatatypeNumeric})
	return m
}

func intPtr(i int) *int { return &i }

func newInterpreter(repo *clinicaltest.Memory, delegate laborur.Delegate) *laborur.Interpreter {
	res := resolver.New(resolver.FromRepository(repo), "99DCT", zerolog.Nop())
	return laborur.New(repo, res, delegate, laborur.DefaultOptions(), zerolog.Nop())
}

func TestProcessor_Drain(t *testing.T) {
	ctx := context.Background()
	repo := seedClinical()
	store := queuetest.NewMemory()
	p := queue.NewProcessor(store, repo, newInterpreter(repo, nil), db.NoTx{}, zerolog.Nop())

	good, _ := store.Enqueue(ctx, labMessage, "REFPACS")
	unknown, _ := store.Enqueue(ctx, strings.Replace(labMessage, "PID|||3^^^^", "PID|||404^^^^", 1), "REFPACS")
	garbage, _ := store.Enqueue(ctx, "not a message", "REFPACS")

	stats, err := p.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if stats.Skipped || stats.Processed != 1 || stats.Failed != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	if len(store.Pending) != 0 {
		t.Errorf("expected empty queue, %d pending", len(store.Pending))
	}
	if len(store.Archived) != 1 || store.Archived[0].ID != good.ID {
		t.Errorf("archived = %+v", store.Archived)
	}
	if len(store.Failed) != 2 || store.Failed[0].ID != unknown.ID || store.Failed[1].ID != garbage.ID {
		t.Fatalf("failed = %+v", store.Failed)
	}
	if !strings.Contains(store.Failed[0].Error, resolver.ErrPatientNotFound.Error()) {
		t.Errorf("failure cause = %q", store.Failed[0].Error)
	}

	var cd4, vl *clinical.Observation
	for _, o := range repo.Observations {
		switch o.ConceptID {
		case 5497:
			cd4 = o
		case 856:
			vl = o
		}
	}
	if cd4 == nil || cd4.Value.Kind != clinical.ValueNumeric || cd4.Value.Numeric != 450 {
		t.Fatalf("CD4 = %+v", cd4)
	}
	if cd4.Comment != "PCS Value: originally ST datatype" {
		t.Errorf("CD4 comment = %q", cd4.Comment)
	}
	if vl == nil || vl.Value.Numeric != 999 || vl.Comment != "PCS Value: <1,000" {
		t.Errorf("viral load = %+v", vl)
	}
}

func TestProcessor_DrainEmpty(t *testing.T) {
	repo := seedClinical()
	p := queue.NewProcessor(queuetest.NewMemory(), repo, newInterpreter(repo, nil), nil, zerolog.Nop())

	stats, err := p.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if stats.Processed != 0 || stats.Failed != 0 || stats.Skipped {
		t.Errorf("stats = %+v", stats)
	}
}

func TestProcessor_Delegated(t *testing.T) {
	ctx := context.Background()
	repo := seedClinical()
	store := queuetest.NewMemory()

	var forwarded []string
	delegate := laborur.DelegateFunc(func(_ context.Context, msg *hl7v2.Message) error {
		forwarded = append(forwarded, msg.ControlID)
		return nil
	})
	p := queue.NewProcessor(store, repo, newInterpreter(repo, delegate), db.NoTx{}, zerolog.Nop())

	store.Enqueue(ctx, strings.Replace(labMessage, "REFPACS", "FORMENTRY", 1), "FORMENTRY")
	stats, err := p.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if stats.Processed != 1 || stats.Delegated != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(forwarded) != 1 || len(store.Archived) != 1 {
		t.Errorf("forwarded %v, archived %d", forwarded, len(store.Archived))
	}
	if len(repo.Observations) != 0 {
		t.Error("delegated message must not be interpreted")
	}
}

// blockingInterpreter parks Process until release is closed.
type blockingInterpreter struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingInterpreter) Process(ctx context.Context, msg *hl7v2.Message) (*laborur.Outcome, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return &laborur.Outcome{ControlID: msg.ControlID}, nil
}

func (b *blockingInterpreter) Housekeep(context.Context, *laborur.Outcome) laborur.HousekeepingResult {
	return laborur.HousekeepingResult{}
}

func TestProcessor_SingleDrain(t *testing.T) {
	ctx := context.Background()
	store := queuetest.NewMemory()
	store.Enqueue(ctx, labMessage, "REFPACS")

	interp := &blockingInterpreter{entered: make(chan struct{}), release: make(chan struct{})}
	p := queue.NewProcessor(store, seedClinical(), interp, db.NoTx{}, zerolog.Nop())

	done := make(chan queue.DrainStats)
	go func() {
		stats, _ := p.Drain(ctx)
		done <- stats
	}()
	<-interp.entered

	stats, err := p.Drain(ctx)
	if err != nil {
		t.Fatalf("concurrent Drain: %v", err)
	}
	if !stats.Skipped {
		t.Error("concurrent drain should be skipped")
	}

	close(interp.release)
	if first := <-done; first.Processed != 1 {
		t.Errorf("first drain = %+v", first)
	}

	if stats, _ := p.Drain(ctx); stats.Skipped {
		t.Error("drain after completion must run")
	}
}

type housekeepingInterpreter struct {
	result laborur.HousekeepingResult
	calls  int
}

func (h *housekeepingInterpreter) Process(_ context.Context, msg *hl7v2.Message) (*laborur.Outcome, error) {
	return &laborur.Outcome{ControlID: msg.ControlID, HealthCenter: &laborur.HealthCenterUpdate{PatientID: 3, LocationID: 5}}, nil
}

func (h *housekeepingInterpreter) Housekeep(context.Context, *laborur.Outcome) laborur.HousekeepingResult {
	h.calls++
	return h.result
}

func TestProcessor_HousekeepingFailureKeepsMessage(t *testing.T) {
	ctx := context.Background()
	store := queuetest.NewMemory()
	store.Enqueue(ctx, labMessage, "REFPACS")

	interp := &housekeepingInterpreter{result: laborur.HousekeepingResult{Attempted: true, Err: errors.New("attribute type missing")}}
	p := queue.NewProcessor(store, seedClinical(), interp, db.NoTx{}, zerolog.Nop())

	stats, err := p.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if stats.Processed != 1 || stats.Failed != 0 || interp.calls != 1 {
		t.Errorf("stats = %+v, housekeeping calls = %d", stats, interp.calls)
	}
	if len(store.Archived) != 1 {
		t.Error("message must be archived despite housekeeping failure")
	}
}

type failingInterpreter struct{}

func (failingInterpreter) Process(_ context.Context, msg *hl7v2.Message) (*laborur.Outcome, error) {
	return nil, &laborur.ProcessingError{Kind: laborur.KindValidation, ControlID: msg.ControlID, Err: errors.New("bad value")}
}

func (failingInterpreter) Housekeep(context.Context, *laborur.Outcome) laborur.HousekeepingResult {
	panic("housekeeping must not run for failed messages")
}

func TestProcessor_ParkFailureStopsDrain(t *testing.T) {
	ctx := context.Background()
	store := queuetest.NewMemory()
	store.Enqueue(ctx, labMessage, "REFPACS")
	store.FailErr = errors.New("connection reset")

	p := queue.NewProcessor(store, seedClinical(), failingInterpreter{}, db.NoTx{}, zerolog.Nop())
	if _, err := p.Drain(ctx); err == nil {
		t.Fatal("expected drain to stop when a message cannot be parked")
	}
	if len(store.Pending) != 1 {
		t.Error("message should remain pending")
	}
}

func TestProcessor_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := queuetest.NewMemory()
	store.Enqueue(context.Background(), labMessage, "REFPACS")

	p := queue.NewProcessor(store, seedClinical(), failingInterpreter{}, db.NoTx{}, zerolog.Nop())
	if _, err := p.Drain(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(store.Pending) != 1 {
		t.Error("nothing should be processed after cancellation")
	}
}

func TestProcessor_Chain(t *testing.T) {
	p := queue.NewProcessor(queuetest.NewMemory(), seedClinical(), failingInterpreter{}, nil, zerolog.Nop())
	chain, err := p.Chain(context.Background())
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	got := chain.Normalize("MSH|^~\\&|REFPACS\rOBX|1|ST|856^HIV VIRAL LOAD^99DCT||20")
	if !strings.Contains(got, "OBX|1|NM|856") {
		t.Errorf("numeric concepts not loaded: %q", got)
	}
}
