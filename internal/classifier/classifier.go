package classifier

import (
	"context"
	"errors"
)

// UnknownLabel is the sentinel label recorded for an image slot whose
// classification could not produce a usable result. It never matches an
// enrolled identity, so any batch containing it fails the unanimity check.
const UnknownLabel = "unknown"

var (
	// ErrModelNotLoaded is returned when the classifier is invoked before
	// the underlying model finished loading.
	ErrModelNotLoaded = errors.New("classifier model not loaded")

	// ErrInference wraps runtime failures of the underlying model. Callers
	// treat it as "no usable confidence" for the affected image.
	ErrInference = errors.New("inference failed")
)

// Prediction is the result of classifying a single preprocessed image.
type Prediction struct {
	ImageIndex int     `json:"image_index"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Classifier predicts an identity label for one preprocessed image tensor.
// Implementations must not mutate shared model state across calls.
type Classifier interface {
	Predict(ctx context.Context, input []float32) (Prediction, error)
}
