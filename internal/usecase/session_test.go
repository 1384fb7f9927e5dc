package usecase

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/gait-access/internal/classifier"
	"github.com/example/gait-access/internal/repository"
)

type slotSource struct {
	images [][]byte
	errs   map[int]error
}

func (s *slotSource) Acquire(ctx context.Context, index int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := s.errs[index]; ok {
		return nil, err
	}
	return s.images[index], nil
}

type blockingSource struct {
	started   chan struct{}
	release   chan struct{}
	startOnce sync.Once
}

func newBlockingSource() *blockingSource {
	return &blockingSource{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *blockingSource) Acquire(ctx context.Context, index int) ([]byte, error) {
	s.startOnce.Do(func() { close(s.started) })
	select {
	case <-s.release:
		return []byte{1}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type stubDirectory struct {
	persons map[string]*repository.Person
}

func (s *stubDirectory) FindByLabel(ctx context.Context, label string) (*repository.Person, error) {
	if person, ok := s.persons[label]; ok {
		return person, nil
	}
	return nil, repository.ErrPersonNotFound
}

func (s *stubDirectory) Enroll(ctx context.Context, person *repository.Person) error {
	if s.persons == nil {
		s.persons = make(map[string]*repository.Person)
	}
	s.persons[person.IdentityLabel] = person
	return nil
}

func (s *stubDirectory) List(ctx context.Context) ([]*repository.Person, error) {
	persons := make([]*repository.Person, 0, len(s.persons))
	for _, person := range s.persons {
		persons = append(persons, person)
	}
	return persons, nil
}

type recordingSink struct {
	mu       sync.Mutex
	events   []*repository.AccessEvent
	appended chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{appended: make(chan struct{}, 16)}
}

func (s *recordingSink) Append(ctx context.Context, event *repository.AccessEvent) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	s.appended <- struct{}{}
	return nil
}

func (s *recordingSink) last(t *testing.T) *repository.AccessEvent {
	t.Helper()
	select {
	case <-s.appended:
	case <-time.After(2 * time.Second):
		t.Fatal("no access event recorded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func fixedClock(hour, minute int) func() time.Time {
	return func() time.Time { return at(hour, minute) }
}

func newTestController(t *testing.T, stub *stubClassifier, source interface {
	Acquire(context.Context, int) ([]byte, error)
}, persons PersonDirectory, sink EventSink, cfg ControllerConfig) *Controller {
	t.Helper()
	verifier := NewVerifier(stub, identityPreprocessor, 3, time.Second, zap.NewNop())
	return NewController(source, verifier, persons, sink, cfg, zap.NewNop())
}

func awaitResult(t *testing.T, results <-chan *SessionResult) *SessionResult {
	t.Helper()
	select {
	case result, ok := <-results:
		if !ok {
			t.Fatal("result channel closed without a result")
		}
		return result
	case <-time.After(2 * time.Second):
		t.Fatal("session did not complete in time")
	}
	return nil
}

func TestSessionVerifiesResidentWithinHours(t *testing.T) {
	stub := &stubClassifier{predictions: map[float32]classifier.Prediction{
		1: {Label: "ID_1", Confidence: 0.97},
		2: {Label: "ID_1", Confidence: 0.98},
		3: {Label: "ID_1", Confidence: 0.96},
	}}
	source := &slotSource{images: batch(1, 2, 3)}
	persons := &stubDirectory{persons: map[string]*repository.Person{
		"ID_1": {IdentityLabel: "ID_1", Name: "Chen Wei", Role: repository.RoleResident},
	}}
	sink := newRecordingSink()

	c := newTestController(t, stub, source, persons, sink, ControllerConfig{Now: fixedClock(10, 0)})
	requestID, results, err := c.Start()
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if requestID == "" {
		t.Fatal("expected non-empty request id")
	}

	result := awaitResult(t, results)
	if result.Status != StatusVerified {
		t.Fatalf("expected verified, got %s (%s)", result.Status, result.Reason)
	}
	if result.Outcome.IdentifiedLabel != "ID_1" {
		t.Fatalf("expected ID_1, got %s", result.Outcome.IdentifiedLabel)
	}
	if math.Abs(result.Outcome.Confidence-0.97) > 1e-9 {
		t.Fatalf("expected confidence 0.97, got %f", result.Outcome.Confidence)
	}
	if result.Decision == nil || !result.Decision.Allowed {
		t.Fatalf("expected passage allowed, got %+v", result.Decision)
	}

	event := sink.last(t)
	if !event.Success || event.IdentityLabel != "ID_1" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.AccessAllowed == nil || !*event.AccessAllowed {
		t.Fatalf("expected allowed event, got %+v", event.AccessAllowed)
	}

	phase, _, last := c.Snapshot()
	if phase != PhaseIdle {
		t.Fatalf("expected controller back to idle, got %s", phase)
	}
	if last == nil || last.RequestID != requestID {
		t.Fatal("expected last result to be retained")
	}
}

func TestSessionRejectsInconsistentBatch(t *testing.T) {
	stub := &stubClassifier{predictions: map[float32]classifier.Prediction{
		1: {Label: "ID_1", Confidence: 0.99},
		2: {Label: "ID_1", Confidence: 0.99},
		3: {Label: "ID_2", Confidence: 0.99},
	}}
	source := &slotSource{images: batch(1, 2, 3)}
	persons := &stubDirectory{persons: map[string]*repository.Person{
		"ID_1": {IdentityLabel: "ID_1", Role: repository.RoleResident},
	}}
	sink := newRecordingSink()

	c := newTestController(t, stub, source, persons, sink, ControllerConfig{Now: fixedClock(10, 0)})
	_, results, err := c.Start()
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	result := awaitResult(t, results)
	if result.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", result.Status)
	}
	if result.Outcome.IdentifiedLabel != "" {
		t.Fatalf("expected no label, got %s", result.Outcome.IdentifiedLabel)
	}
	if result.Decision != nil {
		t.Fatal("rejected attempts must not carry an access decision")
	}

	event := sink.last(t)
	if event.Success || event.AccessAllowed != nil {
		t.Fatalf("unexpected event for rejection: %+v", event)
	}
}

func TestSessionDeniesResidentAtNight(t *testing.T) {
	stub := &stubClassifier{predictions: map[float32]classifier.Prediction{
		1: {Label: "ID_1", Confidence: 0.95},
		2: {Label: "ID_1", Confidence: 0.95},
		3: {Label: "ID_1", Confidence: 0.95},
	}}
	source := &slotSource{images: batch(1, 2, 3)}
	persons := &stubDirectory{persons: map[string]*repository.Person{
		"ID_1": {IdentityLabel: "ID_1", Role: repository.RoleResident},
	}}

	c := newTestController(t, stub, source, persons, newRecordingSink(), ControllerConfig{Now: fixedClock(2, 0)})
	_, results, err := c.Start()
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	result := awaitResult(t, results)
	if result.Status != StatusVerified {
		t.Fatalf("expected verified, got %s", result.Status)
	}
	if result.Decision == nil || result.Decision.Allowed {
		t.Fatalf("expected denial at 02:00, got %+v", result.Decision)
	}
	if result.Decision.Reason != ReasonOutsideHours {
		t.Fatalf("expected %q, got %q", ReasonOutsideHours, result.Decision.Reason)
	}
}

func TestSessionAllowsStaffAtNight(t *testing.T) {
	stub := &stubClassifier{predictions: map[float32]classifier.Prediction{
		1: {Label: "ID_7", Confidence: 0.95},
		2: {Label: "ID_7", Confidence: 0.95},
		3: {Label: "ID_7", Confidence: 0.95},
	}}
	source := &slotSource{images: batch(1, 2, 3)}
	persons := &stubDirectory{persons: map[string]*repository.Person{
		"ID_7": {IdentityLabel: "ID_7", Role: repository.RoleStaff},
	}}

	c := newTestController(t, stub, source, persons, newRecordingSink(), ControllerConfig{Now: fixedClock(2, 0)})
	_, results, err := c.Start()
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	result := awaitResult(t, results)
	if result.Status != StatusVerified {
		t.Fatalf("expected verified, got %s", result.Status)
	}
	if result.Decision == nil || !result.Decision.Allowed {
		t.Fatalf("expected staff allowed at 02:00, got %+v", result.Decision)
	}
}

func TestSessionReportsUnknownPerson(t *testing.T) {
	stub := &stubClassifier{predictions: map[float32]classifier.Prediction{
		1: {Label: "ID_9", Confidence: 0.95},
		2: {Label: "ID_9", Confidence: 0.95},
		3: {Label: "ID_9", Confidence: 0.95},
	}}
	source := &slotSource{images: batch(1, 2, 3)}

	c := newTestController(t, stub, source, &stubDirectory{}, newRecordingSink(), ControllerConfig{Now: fixedClock(10, 0)})
	_, results, err := c.Start()
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	result := awaitResult(t, results)
	if result.Status != StatusUnknownPerson {
		t.Fatalf("expected unknown person, got %s", result.Status)
	}
	if result.Decision != nil {
		t.Fatal("unknown person must not carry an access decision")
	}
}

func TestStartWhileBusyReturnsSessionBusy(t *testing.T) {
	source := newBlockingSource()
	c := newTestController(t, &stubClassifier{}, source, &stubDirectory{}, newRecordingSink(), ControllerConfig{})

	_, _, err := c.Start()
	if err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	<-source.started

	if _, _, err := c.Start(); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}

	c.Reset()
}

func TestResetDiscardsInFlightSession(t *testing.T) {
	source := newBlockingSource()
	c := newTestController(t, &stubClassifier{}, source, &stubDirectory{}, newRecordingSink(), ControllerConfig{})

	_, results, err := c.Start()
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	<-source.started

	c.Reset()
	close(source.release)

	select {
	case result, ok := <-results:
		if ok {
			t.Fatalf("cancelled session must not deliver a result, got %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("result channel was not closed after reset")
	}

	phase, _, last := c.Snapshot()
	if phase != PhaseIdle {
		t.Fatalf("expected idle after reset, got %s", phase)
	}
	if last != nil {
		t.Fatal("stale result applied to controller state")
	}

	// A fresh session on the same controller must work in isolation.
	stub := &stubClassifier{predictions: map[float32]classifier.Prediction{
		1: {Label: "ID_1", Confidence: 0.9},
		2: {Label: "ID_1", Confidence: 0.9},
		3: {Label: "ID_1", Confidence: 0.9},
	}}
	c2 := newTestController(t, stub, &slotSource{images: batch(1, 2, 3)}, &stubDirectory{}, newRecordingSink(), ControllerConfig{Now: fixedClock(10, 0)})
	_, results2, err := c2.Start()
	if err != nil {
		t.Fatalf("fresh start failed: %v", err)
	}
	if result := awaitResult(t, results2); result.Status != StatusUnknownPerson {
		t.Fatalf("unexpected status: %s", result.Status)
	}
}

func TestSessionEmitsIncrementalProgress(t *testing.T) {
	stub := &stubClassifier{predictions: map[float32]classifier.Prediction{
		1: {Label: "ID_1", Confidence: 0.9},
		2: {Label: "ID_1", Confidence: 0.9},
		3: {Label: "ID_1", Confidence: 0.9},
	}}

	var mu sync.Mutex
	var updates []Progress
	cfg := ControllerConfig{
		Now: fixedClock(10, 0),
		Observer: func(p Progress) {
			mu.Lock()
			updates = append(updates, p)
			mu.Unlock()
		},
	}

	c := newTestController(t, stub, &slotSource{images: batch(1, 2, 3)}, &stubDirectory{}, newRecordingSink(), cfg)
	_, results, err := c.Start()
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	awaitResult(t, results)

	mu.Lock()
	defer mu.Unlock()

	var collecting []int
	sawIdentifying := false
	for _, p := range updates {
		if p.Phase == PhaseCollecting && p.Percent > 0 {
			collecting = append(collecting, p.Percent)
		}
		if p.Phase == PhaseIdentifying {
			sawIdentifying = true
		}
	}
	want := []int{33, 66, 100}
	if len(collecting) != len(want) {
		t.Fatalf("expected %d collection updates, got %v", len(want), collecting)
	}
	for i, p := range want {
		if collecting[i] != p {
			t.Fatalf("expected collection progress %v, got %v", want, collecting)
		}
	}
	if !sawIdentifying {
		t.Fatal("expected an identifying phase update")
	}
}

func TestSessionDegradesFailedAcquisition(t *testing.T) {
	stub := &stubClassifier{predictions: map[float32]classifier.Prediction{
		1: {Label: "ID_1", Confidence: 0.9},
		2: {Label: "ID_1", Confidence: 0.9},
	}}
	source := &slotSource{
		images: batch(1, 2, 3),
		errs:   map[int]error{2: errors.New("sensor glitch")},
	}

	c := newTestController(t, stub, source, &stubDirectory{}, newRecordingSink(), ControllerConfig{Now: fixedClock(10, 0)})
	_, results, err := c.Start()
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	result := awaitResult(t, results)
	if result.Status != StatusRejected {
		t.Fatalf("expected rejection, got %s", result.Status)
	}
	if result.Outcome.Predictions[2].Label != classifier.UnknownLabel {
		t.Fatalf("expected degraded slot, got %s", result.Outcome.Predictions[2].Label)
	}
}
