package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	ort "github.com/yalue/onnxruntime_go"
)

// RuntimeOptions configures the process-wide ONNX Runtime environment.
type RuntimeOptions struct {
	// LibraryPath points at libonnxruntime. Empty uses the library's default lookup.
	LibraryPath string
}

// InitRuntime initialises ONNX Runtime. It must run before any session is created.
func InitRuntime(opts RuntimeOptions) error {
	if ort.IsInitialized() {
		return nil
	}
	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// DestroyRuntime tears down the environment after every session is closed.
func DestroyRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// SessionOptions tunes how a model is executed.
type SessionOptions struct {
	// CPUOnly disables the CUDA execution provider.
	CPUOnly bool
	// IntraOpThreads bounds per-operator parallelism; zero keeps the runtime default.
	IntraOpThreads int
}

// Session is a single-output binary classifier backed by ONNX Runtime.
// Each Predict call binds its own tensors, so a Session may be shared by
// concurrent requests.
type Session struct {
	session     *ort.DynamicAdvancedSession
	inputShape  ort.Shape
	outputShape ort.Shape
	inputName   string
	outputName  string
}

var _ Model = (*Session)(nil)

// NewSession opens the ONNX model at path.
func NewSession(ctx context.Context, path string, opts SessionOptions) (*Session, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("path", path)

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect model: %w", err)
	}
	if len(inputs) != 1 || len(outputs) == 0 {
		return nil, fmt.Errorf("expected 1 input and at least 1 output, got %d and %d", len(inputs), len(outputs))
	}

	inputShape := concreteShape(inputs[0].Dimensions)
	outputShape := concreteShape(outputs[0].Dimensions)
	if outputShape.FlattenedSize() != 1 {
		return nil, fmt.Errorf("expected a single sigmoid output, got shape %v", outputShape)
	}

	options, err := newSessionOptions(opts, !opts.CPUOnly)
	if err != nil && !opts.CPUOnly {
		log.Info("CUDA execution provider unavailable, falling back to CPU", "reason", err.Error())
		options, err = newSessionOptions(opts, false)
	}
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	log.V(1).Info("session created",
		"input", inputs[0].Name, "inputShape", inputShape.String(),
		"output", outputs[0].Name, "outputShape", outputShape.String())

	return &Session{
		session:     session,
		inputShape:  inputShape,
		outputShape: outputShape,
		inputName:   inputs[0].Name,
		outputName:  outputs[0].Name,
	}, nil
}

func newSessionOptions(opts SessionOptions, cuda bool) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}
	if cuda {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			options.Destroy()
			return nil, err
		}
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			options.Destroy()
			return nil, err
		}
	}
	return options, nil
}

// concreteShape pins dynamic dimensions (batch) to 1.
func concreteShape(dims ort.Shape) ort.Shape {
	shape := make(ort.Shape, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		shape[i] = d
	}
	return shape
}

// Predict runs one forward pass.
func (s *Session) Predict(_ context.Context, input []float32) (float32, error) {
	if want := s.inputShape.FlattenedSize(); int64(len(input)) != want {
		return 0, fmt.Errorf("%w: expected %d input values, got %d", ErrInference, want, len(input))
	}

	inputTensor, err := ort.NewTensor(s.inputShape, input)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create input tensor: %w", ErrInference, err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](s.outputShape)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create output tensor: %w", ErrInference, err)
	}
	defer outputTensor.Destroy()

	if err := s.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInference, err)
	}
	return outputTensor.GetData()[0], nil
}

func (s *Session) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}

// NewLoader returns a Loader that fetches artifacts through f and opens them
// as ONNX sessions.
func NewLoader(f Fetcher, opts SessionOptions) Loader {
	return func(ctx context.Context, h Handle) (Model, error) {
		artifact, err := f.Fetch(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrModelLoad, h, err)
		}
		if artifact.Path == "" {
			return nil, fmt.Errorf("%w: %s: %w", ErrModelLoad, h, errors.New("registry returned no path"))
		}
		logr.FromContextOrDiscard(ctx).Info("opening model", "model", h.String(), "digest", artifact.Digest.String())

		session, err := NewSession(ctx, artifact.Path, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrModelLoad, h, err)
		}
		return session, nil
	}
}
