package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/gait-access/internal/classifier"
)

// ErrInvalidBatchSize signals a verification attempt with the wrong number of
// images. This is a programming-contract violation, never coerced silently.
var ErrInvalidBatchSize = errors.New("invalid verification batch size")

// DefaultBatchSize is the number of independent observations required per
// verification attempt.
const DefaultBatchSize = 3

// Preprocessor converts raw image bytes into the classifier input tensor.
type Preprocessor interface {
	Process(raw []byte) ([]float32, error)
}

// PreprocessFunc adapts a plain function to the Preprocessor interface.
type PreprocessFunc func(raw []byte) ([]float32, error)

// Process implements Preprocessor.
func (f PreprocessFunc) Process(raw []byte) ([]float32, error) {
	return f(raw)
}

// Outcome is the immutable result of one multi-image verification attempt.
// Success is true only when every prediction in the batch carries the same
// identity label; IdentifiedLabel is empty otherwise. Confidence is always
// the mean of the per-image confidences so failed attempts still report a
// meaningful value for logging and analytics.
type Outcome struct {
	Success         bool                    `json:"success"`
	IdentifiedLabel string                  `json:"identified_label,omitempty"`
	Confidence      float64                 `json:"confidence"`
	Predictions     []classifier.Prediction `json:"predictions"`
}

// Verifier decides whether a fixed-size batch of step-pattern images
// represents one consistent identity. A single dissenting image invalidates
// the whole attempt: an attacker would need every sample misclassified
// identically to pass.
type Verifier struct {
	classifier     classifier.Classifier
	preprocessor   Preprocessor
	batchSize      int
	predictTimeout time.Duration
	logger         *zap.Logger
}

// NewVerifier constructs a verifier. batchSize defaults to DefaultBatchSize
// and predictTimeout to 5s when zero.
func NewVerifier(c classifier.Classifier, p Preprocessor, batchSize int, predictTimeout time.Duration, logger *zap.Logger) *Verifier {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if predictTimeout <= 0 {
		predictTimeout = 5 * time.Second
	}
	return &Verifier{
		classifier:     c,
		preprocessor:   p,
		batchSize:      batchSize,
		predictTimeout: predictTimeout,
		logger:         logger.Named("verifier"),
	}
}

// BatchSize returns the number of images one attempt requires.
func (v *Verifier) BatchSize() int {
	return v.batchSize
}

// Verify classifies every image of the batch independently and in parallel,
// then applies the strict unanimity rule. Per-image classification failures
// never abort the attempt: the affected slot is recorded with confidence 0
// and the unknown-label sentinel, which guarantees the unanimity check fails.
func (v *Verifier) Verify(ctx context.Context, images [][]byte) (*Outcome, error) {
	if len(images) != v.batchSize {
		return nil, fmt.Errorf("%w: expected %d images, got %d", ErrInvalidBatchSize, v.batchSize, len(images))
	}

	predictions := make([]classifier.Prediction, len(images))
	var wg sync.WaitGroup
	for i := range images {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			predictions[i] = v.classifyImage(ctx, i, images[i])
		}(i)
	}
	wg.Wait()

	unanimous := true
	label := predictions[0].Label
	var sum float64
	for _, p := range predictions {
		sum += p.Confidence
		if p.Label != label {
			unanimous = false
		}
	}
	if label == classifier.UnknownLabel {
		// All slots failing identically must not count as agreement.
		unanimous = false
	}

	outcome := &Outcome{
		Success:     unanimous,
		Confidence:  clamp01(sum / float64(len(predictions))),
		Predictions: predictions,
	}
	if unanimous {
		outcome.IdentifiedLabel = label
	}
	return outcome, nil
}

func (v *Verifier) classifyImage(ctx context.Context, index int, raw []byte) classifier.Prediction {
	degraded := classifier.Prediction{
		ImageIndex: index,
		Label:      classifier.UnknownLabel,
		Confidence: 0,
	}

	input, err := v.preprocessor.Process(raw)
	if err != nil {
		v.logger.Warn("preprocessing failed, degrading slot",
			zap.Int("image_index", index), zap.Error(err))
		return degraded
	}

	predictCtx, cancel := context.WithTimeout(ctx, v.predictTimeout)
	defer cancel()

	prediction, err := v.classifier.Predict(predictCtx, input)
	if err != nil {
		v.logger.Warn("classification failed, degrading slot",
			zap.Int("image_index", index), zap.Error(err))
		return degraded
	}

	prediction.ImageIndex = index
	return prediction
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
