package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/gait-access/internal/repository"
)

// Status discriminates the three terminal shapes of a verification attempt,
// so callers handle each case explicitly instead of probing optional fields.
type Status string

const (
	// StatusVerified: consistent identity, enrolled person found, access
	// policy evaluated (see Decision for the pass/deny result).
	StatusVerified Status = "verified"
	// StatusRejected: the image batch did not agree on one identity.
	StatusRejected Status = "rejected"
	// StatusUnknownPerson: the identity was verified but no person record
	// is enrolled under it.
	StatusUnknownPerson Status = "unknown_person"
)

// SessionResult is the final outcome of one verification attempt.
type SessionResult struct {
	RequestID   string             `json:"request_id"`
	Status      Status             `json:"status"`
	Reason      string             `json:"reason"`
	Outcome     *Outcome           `json:"outcome"`
	Person      *repository.Person `json:"person,omitempty"`
	Decision    *AccessDecision    `json:"decision,omitempty"`
	CompletedAt time.Time          `json:"completed_at"`
}

// PersonDirectory resolves identity labels to enrolled person records.
type PersonDirectory interface {
	FindByLabel(ctx context.Context, label string) (*repository.Person, error)
}

// PersonRegistry extends PersonDirectory with enrollment management.
type PersonRegistry interface {
	PersonDirectory
	Enroll(ctx context.Context, person *repository.Person) error
	List(ctx context.Context) ([]*repository.Person, error)
}

// EventSink receives access events. Writes are fire-and-forget from the
// pipeline's perspective.
type EventSink interface {
	Append(ctx context.Context, event *repository.AccessEvent) error
}

// EventLog extends EventSink with the queries the API surface needs.
type EventLog interface {
	EventSink
	FindByRequestID(ctx context.Context, requestID string) (*repository.AccessEvent, error)
	Recent(ctx context.Context, limit int) ([]*repository.AccessEvent, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// resolveIdentity turns a verification outcome into a terminal result:
// person lookup and access-policy evaluation on success, a rejected result
// otherwise. It always produces a definite result, never an error.
func resolveIdentity(ctx context.Context, persons PersonDirectory, requestID string, outcome *Outcome, now time.Time, logger *zap.Logger) *SessionResult {
	result := &SessionResult{
		RequestID:   requestID,
		Outcome:     outcome,
		CompletedAt: now,
	}

	if !outcome.Success {
		result.Status = StatusRejected
		result.Reason = "step patterns did not agree on one identity"
		return result
	}

	person, err := persons.FindByLabel(ctx, outcome.IdentifiedLabel)
	if err != nil {
		if !errors.Is(err, repository.ErrPersonNotFound) {
			logger.Error("person lookup failed", zap.Error(err),
				zap.String("identity_label", outcome.IdentifiedLabel))
		}
		result.Status = StatusUnknownPerson
		result.Reason = fmt.Sprintf("identity %s is not enrolled", outcome.IdentifiedLabel)
		return result
	}

	decision := EvaluateAccess(person.Role, now)
	result.Status = StatusVerified
	result.Reason = decision.Reason
	result.Person = person
	result.Decision = &decision
	return result
}

// accessEvent flattens a result into the persisted activity-log shape.
func accessEvent(result *SessionResult) *repository.AccessEvent {
	event := &repository.AccessEvent{
		RequestID:  result.RequestID,
		Status:     string(result.Status),
		Success:    result.Outcome.Success,
		Confidence: result.Outcome.Confidence,
		Reason:     result.Reason,
		CreatedAt:  result.CompletedAt,
	}
	if result.Outcome.IdentifiedLabel != "" {
		event.IdentityLabel = result.Outcome.IdentifiedLabel
	}
	if result.Decision != nil {
		allowed := result.Decision.Allowed
		event.AccessAllowed = &allowed
	}
	return event
}
