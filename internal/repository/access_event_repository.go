package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AccessEvent is one persisted record of a verification attempt and, when
// verification succeeded, the access decision applied to it.
type AccessEvent struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	RequestID     string    `gorm:"column:request_id;uniqueIndex;size:64" json:"request_id"`
	IdentityLabel string    `gorm:"column:identity_label;size:64;index" json:"identity_label,omitempty"`
	Status        string    `gorm:"column:status;size:32" json:"status"`
	Success       bool      `gorm:"column:success" json:"success"`
	Confidence    float64   `gorm:"column:confidence" json:"confidence"`
	AccessAllowed *bool     `gorm:"column:access_allowed" json:"access_allowed,omitempty"`
	Reason        string    `gorm:"column:reason;type:text" json:"reason"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (AccessEvent) TableName() string {
	return "access_events"
}

// MetricsAggregation holds raw aggregates computed over the event log.
type MetricsAggregation struct {
	TotalCount        int64   `gorm:"column:total_count"`
	SuccessCount      int64   `gorm:"column:success_count"`
	AllowedCount      int64   `gorm:"column:allowed_count"`
	AverageConfidence float64 `gorm:"column:average_confidence"`
}

// AccessEventRepository provides persistence APIs for the activity log.
type AccessEventRepository struct {
	db *gorm.DB
	retryPolicy
}

// NewAccessEventRepository creates a new repository instance.
func NewAccessEventRepository(db *gorm.DB, logger *zap.Logger) *AccessEventRepository {
	return &AccessEventRepository{
		db:          db,
		retryPolicy: defaultRetryPolicy(logger.Named("access_event_repository")),
	}
}

// AutoMigrate ensures the schema is available.
func (r *AccessEventRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&AccessEvent{})
}

// Append persists one access event.
func (r *AccessEventRepository) Append(ctx context.Context, event *AccessEvent) error {
	return r.executeWithRetry(ctx, "access_event.append", event.RequestID, func() error {
		return r.db.WithContext(ctx).Create(event).Error
	})
}

// FindByRequestID retrieves the event recorded for a verification request.
func (r *AccessEventRepository) FindByRequestID(ctx context.Context, requestID string) (*AccessEvent, error) {
	var event AccessEvent
	err := r.executeWithRetry(ctx, "access_event.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&event, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// Recent returns the newest events up to limit, newest first.
func (r *AccessEventRepository) Recent(ctx context.Context, limit int) ([]*AccessEvent, error) {
	var events []*AccessEvent
	err := r.executeWithRetry(ctx, "access_event.recent", "", func() error {
		return r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&events).Error
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// AggregateMetrics computes summary statistics over the whole event log.
func (r *AccessEventRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var aggregation MetricsAggregation
	err := r.executeWithRetry(ctx, "access_event.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&AccessEvent{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count,
				COALESCE(SUM(CASE WHEN access_allowed THEN 1 ELSE 0 END), 0) AS allowed_count,
				COALESCE(AVG(confidence), 0) AS average_confidence`).
			Scan(&aggregation).Error
	})
	if err != nil {
		return nil, err
	}
	return &aggregation, nil
}
