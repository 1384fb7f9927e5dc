package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/gait-access/internal/logging"
	"github.com/example/gait-access/internal/repository"
)

// VerificationUseCase ties the verification pipeline to persistence and
// caching: it serves direct multi-image verification requests, exposes the
// session controller, and answers result and metrics queries.
type VerificationUseCase struct {
	controller *Controller
	verifier   *Verifier
	persons    PersonRegistry
	events     EventLog
	cache      Cache
	logger     *zap.Logger
	now        func() time.Time

	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type cachedResult struct {
	RequestID     string    `json:"request_id"`
	IdentityLabel string    `json:"identity_label,omitempty"`
	Status        string    `json:"status"`
	Success       bool      `json:"success"`
	Confidence    float64   `json:"confidence"`
	AccessAllowed *bool     `json:"access_allowed,omitempty"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewVerificationUseCase constructs a new use case instance.
func NewVerificationUseCase(controller *Controller, verifier *Verifier, persons PersonRegistry, events EventLog, cache Cache, logger *zap.Logger) *VerificationUseCase {
	uc := &VerificationUseCase{
		controller:     controller,
		verifier:       verifier,
		persons:        persons,
		events:         events,
		cache:          cache,
		logger:         logger.Named("verification_usecase"),
		now:            time.Now,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	return uc
}

// VerifyImages runs one verification attempt over caller-supplied images,
// bypassing the session controller's detection and collection phases.
func (uc *VerificationUseCase) VerifyImages(ctx context.Context, images [][]byte) (*SessionResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify_images", requestID)

	cacheKey := resultCacheKey(requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, "processing", time.Minute)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	outcome, err := uc.verifier.Verify(ctx, images)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.verify", requestID, err)
		opLogger.Error("verification rejected", zap.Error(wrapped))
		return nil, wrapped
	}

	result := resolveIdentity(ctx, uc.persons, requestID, outcome, uc.now(), opLogger)
	uc.persistResult(ctx, result, opLogger)
	return result, nil
}

// StartSession begins a background detection cycle and returns its request
// identifier. The final result is persisted and cached when the cycle ends.
func (uc *VerificationUseCase) StartSession(ctx context.Context) (string, error) {
	requestID, results, err := uc.controller.Start()
	if err != nil {
		return "", err
	}

	go func() {
		result, ok := <-results
		if !ok || result == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		opLogger := logging.WithOperation(uc.logger, "usecase.session_result", result.RequestID)
		uc.cacheResult(ctx, result, opLogger)
	}()
	return requestID, nil
}

// SessionStatus reports the controller's phase, progress and last result.
func (uc *VerificationUseCase) SessionStatus() (Phase, int, *SessionResult) {
	return uc.controller.Snapshot()
}

// ResetSession cancels any in-flight session.
func (uc *VerificationUseCase) ResetSession() {
	uc.controller.Reset()
}

// ErrInvalidPerson is returned by EnrollPerson for incomplete records.
var ErrInvalidPerson = errors.New("person record is missing required fields")

// EnrollPerson registers a person under an identity label.
func (uc *VerificationUseCase) EnrollPerson(ctx context.Context, person *repository.Person) error {
	if person == nil || person.IdentityLabel == "" || person.Name == "" {
		return ErrInvalidPerson
	}
	switch person.Role {
	case repository.RoleResident, repository.RoleStaff:
	default:
		return fmt.Errorf("%w: unsupported role %q", ErrInvalidPerson, person.Role)
	}
	return uc.persons.Enroll(ctx, person)
}

// ListPersons returns all enrolled person records.
func (uc *VerificationUseCase) ListPersons(ctx context.Context) ([]*repository.Person, error) {
	return uc.persons.List(ctx)
}

// RecentEvents returns the newest entries of the activity log.
func (uc *VerificationUseCase) RecentEvents(ctx context.Context, limit int) ([]*repository.AccessEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return uc.events.Recent(ctx, limit)
}

// GetResult retrieves a cached verification outcome or loads it from the
// persisted event log.
func (uc *VerificationUseCase) GetResult(ctx context.Context, requestID string) (*repository.AccessEvent, error) {
	cacheKey := resultCacheKey(requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey); err == nil {
		var payload cachedResult
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).
				Warn("failed to decode cached result", zap.Error(err))
		} else {
			return &repository.AccessEvent{
				RequestID:     payload.RequestID,
				IdentityLabel: payload.IdentityLabel,
				Status:        payload.Status,
				Success:       payload.Success,
				Confidence:    payload.Confidence,
				AccessAllowed: payload.AccessAllowed,
				Reason:        payload.Reason,
				CreatedAt:     payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).
			Warn("failed to read cache", zap.Error(err))
	}

	return uc.events.FindByRequestID(ctx, requestID)
}

// persistResult appends the event log entry and caches the result. Neither
// failure is surfaced to the caller: the verification outcome stands on its
// own and the log is fire-and-forget.
func (uc *VerificationUseCase) persistResult(ctx context.Context, result *SessionResult, opLogger *zap.Logger) {
	if err := uc.events.Append(ctx, accessEvent(result)); err != nil {
		opLogger.Warn("failed to persist access event", zap.Error(err))
	}
	uc.cacheResult(ctx, result, opLogger)
}

func (uc *VerificationUseCase) cacheResult(ctx context.Context, result *SessionResult, opLogger *zap.Logger) {
	payload := cachedResult{
		RequestID:  result.RequestID,
		Status:     string(result.Status),
		Success:    result.Outcome.Success,
		Confidence: result.Outcome.Confidence,
		Reason:     result.Reason,
		CreatedAt:  result.CompletedAt,
	}
	payload.IdentityLabel = result.Outcome.IdentifiedLabel
	if result.Decision != nil {
		allowed := result.Decision.Allowed
		payload.AccessAllowed = &allowed
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		opLogger.Error("failed to serialize result", zap.Error(err))
		return
	}

	if err := uc.withRedisRetry(ctx, result.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultCacheKey(result.RequestID), string(serialized), 5*time.Minute)
	}); err != nil {
		opLogger.Warn("failed to cache result", zap.Error(err))
	}
}

func resultCacheKey(requestID string) string {
	return fmt.Sprintf("access:result:%s", requestID)
}

func (uc *VerificationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *VerificationUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
