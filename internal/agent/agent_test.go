package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"sommelier/internal/service"
)

type fakeBackend struct {
	mu sync.Mutex

	identifyResult *service.IdentifyResult
	identifyStream *service.FieldStream
	identifyErr    error
	identifyCalls  int

	enrichStream *service.FieldStream
	enrichErr    error
	enrichCalls  int

	addResult *service.AddWineResult
	addErr    error
	addCalls  int
	lastAdd   service.AddWineRequest
}

func (f *fakeBackend) Identify(ctx context.Context, req service.IdentifyRequest) (*service.IdentifyResult, *service.FieldStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identifyCalls++
	return f.identifyResult, f.identifyStream, f.identifyErr
}

func (f *fakeBackend) Enrich(ctx context.Context, req service.EnrichRequest) (*service.FieldStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enrichCalls++
	return f.enrichStream, f.enrichErr
}

func (f *fakeBackend) AddWine(ctx context.Context, req service.AddWineRequest) (*service.AddWineResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	f.lastAdd = req
	return f.addResult, f.addErr
}

func (f *fakeBackend) setAdd(result *service.AddWineResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addResult, f.addErr = result, err
}

type fakeEscalator struct {
	mu     sync.Mutex
	result *service.IdentifyResult
	err    error
	calls  int
}

func (f *fakeEscalator) Name() string { return "fake-escalator" }

func (f *fakeEscalator) Identify(ctx context.Context, text, imageData string) (*service.IdentifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeEscalator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memStore struct {
	mu    sync.Mutex
	snap  *Snapshot
	saves int
}

func (s *memStore) Save(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.saves++
	return nil
}

func (s *memStore) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = nil
	return nil
}

func (s *memStore) waitForSave(t *testing.T, min int) *Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if s.saves >= min {
			snap := s.snap
			s.mu.Unlock()
			return snap
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("snapshot never saved")
	return nil
}

// closedStream builds an already-finished field stream.
func closedStream(confidence float64, deltas ...service.FieldDelta) *service.FieldStream {
	d := make(chan service.FieldDelta, len(deltas))
	f := make(chan service.StreamSummary, 1)
	e := make(chan error)
	for _, delta := range deltas {
		d <- delta
	}
	close(d)
	if confidence > 0 {
		f <- service.StreamSummary{Confidence: confidence}
	}
	close(f)
	close(e)
	return &service.FieldStream{Deltas: d, Final: f, Errs: e}
}

func errorStream(err error) *service.FieldStream {
	d := make(chan service.FieldDelta)
	f := make(chan service.StreamSummary)
	e := make(chan error, 1)
	e <- err
	close(d)
	close(f)
	close(e)
	return &service.FieldStream{Deltas: d, Final: f, Errs: e}
}

func margauxFields() map[service.Field]string {
	return map[service.Field]string{
		service.FieldProducer: "Château Margaux",
		service.FieldWineName: "Château Margaux",
		service.FieldVintage:  "2015",
		service.FieldRegion:   "Bordeaux",
	}
}

func newTestAgent(backend Backend, escalator Escalator, store SessionStore) *Agent {
	return New(Options{
		Backend:             backend,
		Escalator:           escalator,
		Store:               store,
		ConfidenceThreshold: 0.75,
		MaxEscalations:      1,
	})
}

func lastMessage(t *testing.T, a *Agent) Message {
	t.Helper()
	msgs := a.Messages()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func TestHappyPathToDone(t *testing.T) {
	backend := &fakeBackend{
		identifyResult: &service.IdentifyResult{Fields: margauxFields(), Confidence: 0.9},
		enrichStream: closedStream(0,
			service.FieldDelta{Field: service.FieldTastingNotes, Value: "Dark fruit"},
			service.FieldDelta{Field: service.FieldTastingNotes, Value: ", tobacco", Terminal: true},
			service.FieldDelta{Field: service.FieldDrinkWindow, Value: "2025-2045", Terminal: true},
		),
		addResult: &service.AddWineResult{WineID: 42},
	}
	a := newTestAgent(backend, nil, nil)
	ctx := context.Background()

	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionIdentify, Text: "Château Margaux 2015"}))
	require.Equal(t, PhaseAwaitingConfirmation, a.Phase())
	prompt := lastMessage(t, a)
	require.Equal(t, KindConfirmationPrompt, prompt.Kind)
	require.Equal(t, "2015", prompt.Fields[service.FieldVintage])

	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionConfirm}))
	require.Equal(t, PhaseReviewingEnrichment, a.Phase())
	card := lastMessage(t, a)
	require.Equal(t, KindEnrichmentCard, card.Kind)
	require.Equal(t, "Dark fruit, tobacco", card.Fields[service.FieldTastingNotes])
	require.Equal(t, "2025-2045", card.Fields[service.FieldDrinkWindow])

	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionAddToCellar}))
	require.Equal(t, PhaseDone, a.Phase())
	require.Equal(t, "Dark fruit, tobacco", backend.lastAdd.Fields[service.FieldTastingNotes])
	require.Equal(t, "Château Margaux", backend.lastAdd.Fields[service.FieldProducer])
}

func TestStreamedIdentify(t *testing.T) {
	backend := &fakeBackend{
		identifyStream: closedStream(0.82,
			service.FieldDelta{Field: service.FieldProducer, Value: "Château Margaux", Terminal: true},
			service.FieldDelta{Field: service.FieldVintage, Value: "2015", Terminal: true},
		),
	}
	a := newTestAgent(backend, nil, nil)

	require.NoError(t, a.Dispatch(context.Background(), Action{Type: ActionIdentify, Text: "margaux label photo"}))
	require.Equal(t, PhaseAwaitingConfirmation, a.Phase())
	prompt := lastMessage(t, a)
	require.Equal(t, "Château Margaux", prompt.Fields[service.FieldProducer])
	require.Equal(t, "2015", prompt.Fields[service.FieldVintage])
}

func TestLowConfidenceEscalatesOnce(t *testing.T) {
	backend := &fakeBackend{
		identifyResult: &service.IdentifyResult{
			Fields:     map[service.Field]string{service.FieldWineName: "some red"},
			Confidence: 0.4,
		},
	}
	escalator := &fakeEscalator{
		result: &service.IdentifyResult{Fields: margauxFields(), Confidence: 0.92},
	}
	a := newTestAgent(backend, escalator, nil)

	require.NoError(t, a.Dispatch(context.Background(), Action{Type: ActionIdentify, Text: "blurry label"}))
	require.Equal(t, 1, escalator.callCount())
	require.Equal(t, PhaseAwaitingConfirmation, a.Phase())
	require.False(t, a.LowConfidence())
	prompt := lastMessage(t, a)
	require.Equal(t, "Château Margaux", prompt.Fields[service.FieldProducer])
}

func TestEscalationCapSettlesLowConfidence(t *testing.T) {
	backend := &fakeBackend{
		identifyResult: &service.IdentifyResult{
			Fields:     map[service.Field]string{service.FieldWineName: "some red"},
			Confidence: 0.4,
		},
	}
	escalator := &fakeEscalator{
		result: &service.IdentifyResult{
			Fields:     map[service.Field]string{service.FieldWineName: "some red", service.FieldRegion: "Rhône"},
			Confidence: 0.5,
		},
	}
	a := newTestAgent(backend, escalator, nil)

	require.NoError(t, a.Dispatch(context.Background(), Action{Type: ActionIdentify, Text: "blurry label"}))
	require.Equal(t, 1, escalator.callCount(), "cap is one escalation")
	require.Equal(t, PhaseAwaitingConfirmation, a.Phase())
	require.True(t, a.LowConfidence())
}

func TestEscalationCapRearmsPerIdentifyTurn(t *testing.T) {
	backend := &fakeBackend{
		identifyResult: &service.IdentifyResult{
			Fields:     map[service.Field]string{service.FieldWineName: "some red"},
			Confidence: 0.4,
		},
	}
	escalator := &fakeEscalator{
		result: &service.IdentifyResult{
			Fields:     map[service.Field]string{service.FieldWineName: "some red"},
			Confidence: 0.5,
		},
	}
	a := newTestAgent(backend, escalator, nil)
	ctx := context.Background()

	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionIdentify, Text: "blurry label"}))
	require.Equal(t, 1, escalator.callCount())
	require.True(t, a.LowConfidence())

	// A re-identify is a fresh turn and gets its own escalation budget.
	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionFlagFields, Flagged: []service.Field{service.FieldWineName}}))
	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionSupplyFields, Reidentify: true,
		Corrections: map[service.Field]string{service.FieldRegion: "Rhône"}}))
	require.Equal(t, 2, escalator.callCount())
	require.Equal(t, PhaseAwaitingConfirmation, a.Phase())
}

func TestReidentifyClearsLowConfidenceFlag(t *testing.T) {
	backend := &fakeBackend{
		identifyResult: &service.IdentifyResult{
			Fields:     map[service.Field]string{service.FieldWineName: "some red"},
			Confidence: 0.4,
		},
	}
	a := newTestAgent(backend, nil, nil)
	ctx := context.Background()

	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionIdentify, Text: "blurry label"}))
	require.True(t, a.LowConfidence())

	backend.mu.Lock()
	backend.identifyResult = &service.IdentifyResult{Fields: margauxFields(), Confidence: 0.9}
	backend.mu.Unlock()

	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionFlagFields, Flagged: []service.Field{service.FieldWineName}}))
	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionSupplyFields, Reidentify: true,
		Corrections: map[service.Field]string{service.FieldProducer: "Château Margaux"}}))
	require.False(t, a.LowConfidence())
	require.Equal(t, PhaseAwaitingConfirmation, a.Phase())
}

func TestEscalationFailureFallsBackToPrimary(t *testing.T) {
	backend := &fakeBackend{
		identifyResult: &service.IdentifyResult{
			Fields:     map[service.Field]string{service.FieldWineName: "some red"},
			Confidence: 0.4,
		},
	}
	escalator := &fakeEscalator{err: errors.New("model overloaded")}
	a := newTestAgent(backend, escalator, nil)

	require.NoError(t, a.Dispatch(context.Background(), Action{Type: ActionIdentify, Text: "blurry label"}))
	require.Equal(t, PhaseAwaitingConfirmation, a.Phase())
	require.True(t, a.LowConfidence())
	prompt := lastMessage(t, a)
	require.Equal(t, "some red", prompt.Fields[service.FieldWineName])
}

func TestEnrichmentFailureIsDegradedNotFatal(t *testing.T) {
	backend := &fakeBackend{
		identifyResult: &service.IdentifyResult{Fields: margauxFields(), Confidence: 0.9},
		enrichErr:      errors.New("service unavailable"),
		addResult:      &service.AddWineResult{WineID: 7},
	}
	a := newTestAgent(backend, nil, nil)
	ctx := context.Background()

	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionIdentify, Text: "Margaux 2015"}))
	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionConfirm}))
	require.Equal(t, PhaseReviewingEnrichment, a.Phase())

	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionAddToCellar}))
	require.Equal(t, PhaseDone, a.Phase())
	require.Equal(t, "Château Margaux", backend.lastAdd.Fields[service.FieldProducer])
}

func TestEnrichStreamErrorKeepsPartialValues(t *testing.T) {
	backend := &fakeBackend{
		identifyResult: &service.IdentifyResult{Fields: margauxFields(), Confidence: 0.9},
		enrichStream:   errorStream(errors.New("connection reset")),
	}
	a := newTestAgent(backend, nil, nil)
	ctx := context.Background()

	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionIdentify, Text: "Margaux 2015"}))
	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionConfirm}))
	require.Equal(t, PhaseReviewingEnrichment, a.Phase())
	require.Equal(t, KindText, lastMessage(t, a).Kind)
}

func TestAddConflictRoutesToDisambiguation(t *testing.T) {
	producerID := int64(12)
	backend := &fakeBackend{
		identifyResult: &service.IdentifyResult{Fields: margauxFields(), Confidence: 0.9},
		enrichStream: closedStream(0,
			service.FieldDelta{Field: service.FieldOverview, Value: "A first growth.", Terminal: true},
		),
		addErr: &service.ConflictError{Candidates: []service.EntityMatchCandidate{
			{Kind: service.MatchProducer, CandidateID: &producerID, Confidence: 0.95, DisplayLabel: "Château Margaux"},
			{Kind: service.MatchRegion, CandidateID: nil, Confidence: 0.6, DisplayLabel: "Bordeaux (new)"},
		}},
	}
	a := newTestAgent(backend, nil, nil)
	ctx := context.Background()

	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionIdentify, Text: "Margaux 2015"}))
	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionConfirm}))
	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionAddToCellar}))

	require.Equal(t, PhaseAwaitingConfirmation, a.Phase())
	require.Len(t, a.PendingMatches(), 2)

	// Re-adding without resolving every candidate is blocked by the gate.
	require.NoError(t, a.Dispatch(ctx, Action{
		Type:     ActionAddToCellar,
		Resolved: []service.ResolvedMatch{{Kind: service.MatchProducer, CandidateID: &producerID}},
	}))
	require.Equal(t, PhaseAwaitingConfirmation, a.Phase())
	require.Equal(t, 1, backend.addCalls, "gate must not reach the backend")

	backend.setAdd(&service.AddWineResult{WineID: 9}, nil)
	require.NoError(t, a.Dispatch(ctx, Action{
		Type: ActionAddToCellar,
		Resolved: []service.ResolvedMatch{
			{Kind: service.MatchProducer, CandidateID: &producerID},
			{Kind: service.MatchRegion, CandidateID: nil},
		},
	}))
	require.Equal(t, PhaseDone, a.Phase())
	require.Empty(t, a.PendingMatches())
	require.Len(t, backend.lastAdd.ResolvedMatches, 2)
}

func TestFlagAndSupplyFields(t *testing.T) {
	backend := &fakeBackend{
		identifyResult: &service.IdentifyResult{Fields: margauxFields(), Confidence: 0.9},
	}
	a := newTestAgent(backend, nil, nil)
	ctx := context.Background()

	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionIdentify, Text: "Margaux"}))
	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionFlagFields, Flagged: []service.Field{service.FieldVintage}}))
	require.Equal(t, PhaseCollectingMissingInfo, a.Phase())

	require.NoError(t, a.Dispatch(ctx, Action{
		Type:        ActionSupplyFields,
		Corrections: map[service.Field]string{service.FieldVintage: "2016"},
	}))
	require.Equal(t, PhaseAwaitingConfirmation, a.Phase())
	require.Equal(t, "2016", lastMessage(t, a).Fields[service.FieldVintage])
}

func TestSupplyFieldsReidentify(t *testing.T) {
	backend := &fakeBackend{
		identifyResult: &service.IdentifyResult{Fields: margauxFields(), Confidence: 0.9},
	}
	a := newTestAgent(backend, nil, nil)
	ctx := context.Background()

	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionIdentify, Text: "Margaux"}))
	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionFlagFields, Flagged: []service.Field{service.FieldProducer}}))
	require.NoError(t, a.Dispatch(ctx, Action{
		Type:        ActionSupplyFields,
		Reidentify:  true,
		Corrections: map[service.Field]string{service.FieldRegion: "Bordeaux"},
	}))

	require.Equal(t, 2, backend.identifyCalls)
	require.Equal(t, PhaseAwaitingConfirmation, a.Phase())
}

func TestIllegalActionIsNoOp(t *testing.T) {
	a := newTestAgent(&fakeBackend{}, nil, nil)

	err := a.Dispatch(context.Background(), Action{Type: ActionConfirm})
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	require.Equal(t, PhaseIdle, a.Phase())

	// Only the error message is appended; phase and other state untouched.
	msgs := a.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, KindError, msgs[0].Kind)

	require.Error(t, a.Dispatch(context.Background(), Action{Type: ActionConfirm}))
	require.Equal(t, PhaseIdle, a.Phase())
	require.Len(t, a.Messages(), 2)
}

func TestIdentifyRequiresInput(t *testing.T) {
	a := newTestAgent(&fakeBackend{}, nil, nil)

	err := a.Dispatch(context.Background(), Action{Type: ActionIdentify})
	var invalid *ValidationError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, PhaseIdle, a.Phase())
}

type blockingBackend struct {
	fakeBackend
	started chan struct{}
	once    sync.Once
}

func (b *blockingBackend) Identify(ctx context.Context, req service.IdentifyRequest) (*service.IdentifyResult, *service.FieldStream, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return &service.IdentifyResult{Fields: margauxFields(), Confidence: 0.9}, nil, nil
}

func TestAbortDiscardsLateResponse(t *testing.T) {
	backend := &blockingBackend{started: make(chan struct{})}
	store := &memStore{}
	a := newTestAgent(backend, nil, store)

	done := make(chan error, 1)
	go func() {
		done <- a.Dispatch(context.Background(), Action{Type: ActionIdentify, Text: "Margaux"})
	}()

	<-backend.started
	require.NoError(t, a.Abort(context.Background()))
	require.NoError(t, <-done)

	require.Equal(t, PhaseIdle, a.Phase())
	require.Empty(t, a.Messages(), "late identify result must leave no trace")
	snap, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, snap, "abort clears the stored session")
}

func TestSnapshotRoundTrip(t *testing.T) {
	backend := &fakeBackend{
		identifyResult: &service.IdentifyResult{Fields: margauxFields(), Confidence: 0.9},
	}
	store := &memStore{}
	a := newTestAgent(backend, nil, store)

	require.NoError(t, a.Dispatch(context.Background(), Action{Type: ActionIdentify, Text: "Margaux 2015"}))
	saved := store.waitForSave(t, 1)
	require.Equal(t, PhaseAwaitingConfirmation, saved.Phase)

	restored := newTestAgent(&fakeBackend{}, nil, store)
	require.NoError(t, restored.Restore())

	require.Equal(t, a.Phase(), restored.Phase())
	if diff := cmp.Diff(a.Messages(), restored.Messages()); diff != "" {
		t.Fatalf("messages diverged after restore (-want +got):\n%s", diff)
	}
	want := a.conv.snapshot()
	got := restored.conv.snapshot()
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Snapshot{}, "LastUpdated")); diff != "" {
		t.Fatalf("snapshot diverged after restore (-want +got):\n%s", diff)
	}
}

func TestMidStreamRestoreStalls(t *testing.T) {
	store := &memStore{}
	store.snap = &Snapshot{
		Phase: PhaseIdentifying,
		StreamingFields: []FieldState{
			{Field: service.FieldProducer, Value: "Château Mar", IsTyping: true},
		},
		LastIdentify: &Action{Type: ActionIdentify, Text: "Margaux 2015"},
		LastUpdated:  time.Now(),
	}

	backend := &fakeBackend{
		identifyResult: &service.IdentifyResult{Fields: margauxFields(), Confidence: 0.9},
	}
	a := newTestAgent(backend, nil, store)
	require.NoError(t, a.Restore())
	require.True(t, a.Stalled())

	for _, f := range a.StreamingFields() {
		require.False(t, f.IsTyping, "restored fields must not show typing")
	}

	// Anything but retry or abort is rejected while stalled.
	require.Error(t, a.Dispatch(context.Background(), Action{Type: ActionConfirm}))

	require.NoError(t, a.Dispatch(context.Background(), Action{Type: ActionRetry}))
	require.False(t, a.Stalled())
	require.Equal(t, PhaseAwaitingConfirmation, a.Phase())
	require.Equal(t, 1, backend.identifyCalls)
}

func TestAbortClearsWholeSession(t *testing.T) {
	backend := &fakeBackend{
		identifyResult: &service.IdentifyResult{Fields: margauxFields(), Confidence: 0.9},
	}
	a := newTestAgent(backend, nil, nil)
	ctx := context.Background()

	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionIdentify, Text: "Margaux"}))
	require.NotEmpty(t, a.Messages())

	require.NoError(t, a.Abort(ctx))
	require.Equal(t, PhaseIdle, a.Phase())
	require.Empty(t, a.Messages())
	require.Empty(t, a.PendingMatches())
	require.False(t, a.LowConfidence())
}

func TestDoneIsTerminal(t *testing.T) {
	backend := &fakeBackend{
		identifyResult: &service.IdentifyResult{Fields: margauxFields(), Confidence: 0.9},
		enrichStream:   closedStream(0),
		addResult:      &service.AddWineResult{WineID: 1},
	}
	a := newTestAgent(backend, nil, nil)
	ctx := context.Background()

	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionIdentify, Text: "Margaux"}))
	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionConfirm}))
	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionAddToCellar}))
	require.Equal(t, PhaseDone, a.Phase())

	require.Error(t, a.Dispatch(ctx, Action{Type: ActionIdentify, Text: "another"}))

	// Abort is the way out of a terminal phase.
	require.NoError(t, a.Abort(ctx))
	require.Equal(t, PhaseIdle, a.Phase())
	require.NoError(t, a.Dispatch(ctx, Action{Type: ActionIdentify, Text: "another"}))
}
