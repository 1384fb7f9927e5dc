package onnx

import (
	"context"
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/gait-access/internal/classifier"
	"github.com/example/gait-access/internal/preprocess"
)

// Model wraps an ONNX identity-classification network behind the
// classifier.Classifier contract. The model file is loaded lazily on first
// use; concurrent first callers share a single in-flight load instead of
// triggering duplicate loads, and a failed load can be retried.
type Model struct {
	modelPath string
	labels    []string
	logger    *zap.Logger

	mu      sync.Mutex
	loaded  bool
	loading chan struct{}

	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]

	// loadFn is swapped out in tests to avoid requiring a real model file.
	loadFn func() error
}

// NewModel constructs an unloaded model. labels maps output indexes to
// identity labels in model output order.
func NewModel(modelPath string, labels []string, logger *zap.Logger) *Model {
	m := &Model{
		modelPath: modelPath,
		labels:    labels,
		logger:    logger.Named("onnx_model"),
	}
	m.loadFn = m.load
	return m
}

// WarmUp loads the model eagerly. Safe to call concurrently with Predict.
func (m *Model) WarmUp(ctx context.Context) error {
	return m.ensureLoaded(ctx)
}

// Loaded reports whether the model is ready for inference.
func (m *Model) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

func (m *Model) ensureLoaded(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.loaded {
			m.mu.Unlock()
			return nil
		}
		if m.loading == nil {
			done := make(chan struct{})
			m.loading = done
			m.mu.Unlock()

			err := m.loadFn()

			m.mu.Lock()
			m.loaded = err == nil
			m.loading = nil
			m.mu.Unlock()
			close(done)

			if err != nil {
				return fmt.Errorf("%w: %v", classifier.ErrModelNotLoaded, err)
			}
			return nil
		}

		waiting := m.loading
		m.mu.Unlock()

		select {
		case <-waiting:
			// Re-check: the load we waited on may have failed.
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", classifier.ErrModelNotLoaded, ctx.Err())
		}
	}
}

func (m *Model) load() error {
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	inputShape := ort.NewShape(1, 3, preprocess.InputSize, preprocess.InputSize)
	outputShape := ort.NewShape(1, int64(len(m.labels)))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(m.modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}

	m.session = session
	m.inputTensor = inputTensor
	m.outputTensor = outputTensor
	m.logger.Info("identity model loaded",
		zap.String("model_path", m.modelPath),
		zap.Int("classes", len(m.labels)))
	return nil
}

// Predict runs one inference over a preprocessed tensor and returns the
// highest-probability identity label with its softmax confidence.
func (m *Model) Predict(ctx context.Context, input []float32) (classifier.Prediction, error) {
	if err := m.ensureLoaded(ctx); err != nil {
		return classifier.Prediction{}, err
	}
	if len(input) != preprocess.TensorLen {
		return classifier.Prediction{}, fmt.Errorf("%w: expected %d input values, got %d",
			classifier.ErrInference, preprocess.TensorLen, len(input))
	}

	// The ORT session owns fixed input/output tensors, so inference calls
	// are serialized here even when callers fan out.
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return classifier.Prediction{}, fmt.Errorf("%w: %v", classifier.ErrInference, err)
	}

	copy(m.inputTensor.GetData(), input)
	if err := m.session.Run(); err != nil {
		return classifier.Prediction{}, fmt.Errorf("%w: %v", classifier.ErrInference, err)
	}

	scores := m.outputTensor.GetData()
	if len(scores) == 0 || len(m.labels) == 0 {
		return classifier.Prediction{}, fmt.Errorf("%w: empty model output", classifier.ErrInference)
	}

	label, confidence := argmaxSoftmax(scores, m.labels)
	return classifier.Prediction{Label: label, Confidence: confidence}, nil
}

// Close releases the ORT session and tensors.
func (m *Model) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return
	}
	if m.inputTensor != nil {
		m.inputTensor.Destroy()
	}
	if m.outputTensor != nil {
		m.outputTensor.Destroy()
	}
	if m.session != nil {
		m.session.Destroy()
	}
	m.loaded = false
	ort.DestroyEnvironment()
}

// argmaxSoftmax converts raw logits into a softmax distribution and returns
// the winning label with its probability.
func argmaxSoftmax(scores []float32, labels []string) (string, float64) {
	n := len(scores)
	if n > len(labels) {
		n = len(labels)
	}

	maxIdx := 0
	maxVal := float64(scores[0])
	for i := 1; i < n; i++ {
		if float64(scores[i]) > maxVal {
			maxVal = float64(scores[i])
			maxIdx = i
		}
	}

	var sum float64
	for i := 0; i < n; i++ {
		sum += math.Exp(float64(scores[i]) - maxVal)
	}

	confidence := 1.0 / sum
	return labels[maxIdx], confidence
}
