package usecase

import "context"

// MetricsSummary represents aggregated access-control insights.
type MetricsSummary struct {
	TotalAttempts           int64   `json:"total_attempts"`
	SuccessfulVerifications int64   `json:"successful_verifications"`
	AllowedPassages         int64   `json:"allowed_passages"`
	SuccessRate             float64 `json:"success_rate"`
	AverageConfidence       float64 `json:"average_confidence"`
}

// GetMetricsSummary aggregates verification metrics from the event log.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.events.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalAttempts:           aggregation.TotalCount,
		SuccessfulVerifications: aggregation.SuccessCount,
		AllowedPassages:         aggregation.AllowedCount,
		AverageConfidence:       aggregation.AverageConfidence,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
