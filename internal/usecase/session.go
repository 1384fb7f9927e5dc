package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/gait-access/internal/imagesource"
	"github.com/example/gait-access/internal/logging"
)

// ErrSessionBusy is returned by Start while a session is already in flight.
var ErrSessionBusy = errors.New("verification session already in progress")

// Phase names the states of one detection cycle. Failures do not get a
// separate phase: they resolve to a failed result and the controller
// returns to PhaseIdle.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseDetecting   Phase = "detecting"
	PhaseCollecting  Phase = "collecting"
	PhaseAnalyzing   Phase = "analyzing"
	PhaseIdentifying Phase = "identifying"
)

// Progress is delivered to the observer during collection and analysis.
// Purely observational; it never affects control flow.
type Progress struct {
	Phase   Phase  `json:"phase"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// ProgressObserver receives phase and progress updates for UI feedback.
type ProgressObserver func(Progress)

// ControllerConfig carries the tunable parts of a session controller.
// A zero DetectDuration makes transitions immediate, which keeps tests
// deterministic.
type ControllerConfig struct {
	BatchSize      int
	DetectDuration time.Duration
	Observer       ProgressObserver
	Now            func() time.Time
}

// Controller drives one detection cycle at a time through
// detecting, collecting, analyzing and identifying. Exactly one session may
// be in flight per controller; parallelism happens only inside the
// verifier's per-image classification calls.
type Controller struct {
	source   imagesource.Source
	verifier *Verifier
	persons  PersonDirectory
	events   EventSink
	observer ProgressObserver

	batchSize      int
	detectDuration time.Duration
	now            func() time.Time
	logger         *zap.Logger

	mu         sync.Mutex
	phase      Phase
	percent    int
	generation uint64
	cancel     context.CancelFunc
	lastResult *SessionResult
}

// NewController wires a session controller. The classifier model is an
// injected dependency of the verifier, not global state.
func NewController(source imagesource.Source, verifier *Verifier, persons PersonDirectory, events EventSink, cfg ControllerConfig, logger *zap.Logger) *Controller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = verifier.BatchSize()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		source:         source,
		verifier:       verifier,
		persons:        persons,
		events:         events,
		observer:       cfg.Observer,
		batchSize:      cfg.BatchSize,
		detectDuration: cfg.DetectDuration,
		now:            cfg.Now,
		logger:         logger.Named("session_controller"),
	}
}

// Start begins a new detection cycle. It returns ErrSessionBusy while a
// session is in flight. The returned channel delivers the final result and
// is closed without a value when the session is cancelled.
func (c *Controller) Start() (string, <-chan *SessionResult, error) {
	c.mu.Lock()
	if c.phase != PhaseIdle && c.phase != "" {
		c.mu.Unlock()
		return "", nil, ErrSessionBusy
	}
	c.generation++
	gen := c.generation
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.phase = PhaseDetecting
	c.percent = 0
	c.mu.Unlock()

	requestID := uuid.NewString()
	results := make(chan *SessionResult, 1)
	go c.run(runCtx, gen, requestID, results)
	return requestID, results, nil
}

// Reset forces the controller back to idle, cancelling any in-flight phase.
// Results of cancelled work are discarded, never applied to a later session.
func (c *Controller) Reset() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.generation++
	c.phase = PhaseIdle
	c.percent = 0
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Snapshot reports the current phase, progress and the last completed result.
func (c *Controller) Snapshot() (Phase, int, *SessionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	phase := c.phase
	if phase == "" {
		phase = PhaseIdle
	}
	return phase, c.percent, c.lastResult
}

func (c *Controller) run(ctx context.Context, gen uint64, requestID string, results chan<- *SessionResult) {
	defer close(results)
	logger := logging.WithSession(c.logger, requestID, "")

	if !c.setPhase(gen, PhaseDetecting, 0, "waiting for subject") {
		return
	}
	if !sleepCtx(ctx, c.detectDuration) {
		logger.Info("session cancelled while detecting")
		return
	}

	if !c.setPhase(gen, PhaseCollecting, 0, "collecting step patterns") {
		return
	}
	images := make([][]byte, 0, c.batchSize)
	for i := 0; i < c.batchSize; i++ {
		img, err := c.source.Acquire(ctx, i)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("session cancelled while collecting")
				return
			}
			// The slot degrades to an automatic verification failure.
			logger.Warn("image acquisition failed", zap.Int("slot", i), zap.Error(err))
			img = nil
		}
		images = append(images, img)
		if !c.setPhase(gen, PhaseCollecting, (i+1)*100/c.batchSize,
			fmt.Sprintf("collected %d of %d step patterns", i+1, c.batchSize)) {
			return
		}
	}

	if !c.setPhase(gen, PhaseAnalyzing, 100, "checking identity consistency") {
		return
	}
	outcome, err := c.verifier.Verify(ctx, images)
	if err != nil {
		// Batch-size contract violation. Resolve to a failed outcome so
		// the controller still returns to idle.
		logger.Error("verification aborted", zap.Error(err))
		outcome = &Outcome{Success: false}
	}
	if ctx.Err() != nil {
		logger.Info("session cancelled while analyzing")
		return
	}

	if !c.setPhase(gen, PhaseIdentifying, 100, "resolving person record") {
		return
	}
	result := resolveIdentity(ctx, c.persons, requestID, outcome, c.now(), logger)
	c.recordEvent(result)

	c.mu.Lock()
	if c.generation != gen {
		// A reset raced the finish; the result belongs to a dead session.
		c.mu.Unlock()
		logger.Info("discarding result of cancelled session")
		return
	}
	c.phase = PhaseIdle
	c.percent = 0
	c.cancel = nil
	c.lastResult = result
	c.mu.Unlock()

	logger.Info("session completed",
		zap.String("status", string(result.Status)),
		zap.Float64("confidence", result.Outcome.Confidence))
	results <- result
}

// setPhase publishes a transition unless the session was reset underneath.
func (c *Controller) setPhase(gen uint64, phase Phase, percent int, message string) bool {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return false
	}
	c.phase = phase
	c.percent = percent
	observer := c.observer
	c.mu.Unlock()

	if observer != nil {
		observer(Progress{Phase: phase, Percent: percent, Message: message})
	}
	return true
}

// recordEvent appends to the activity log without blocking the session on
// log write success.
func (c *Controller) recordEvent(result *SessionResult) {
	if c.events == nil {
		return
	}
	event := accessEvent(result)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.events.Append(ctx, event); err != nil {
			c.logger.Warn("failed to record access event",
				zap.String("request_id", event.RequestID), zap.Error(err))
		}
	}()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
