// Package classifier runs the per-task prediction pipeline: validate the
// upload, preprocess it, gate it through an optional pre-filter, run the
// task's model and map the sigmoid output to a label.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/medscan-api/internal/imaging"
	"github.com/Brownie44l1/medscan-api/internal/metrics"
	"github.com/Brownie44l1/medscan-api/internal/model"
)

// Models hands out loaded models. *model.Cache satisfies it.
type Models interface {
	Get(ctx context.Context, h model.Handle) (model.Model, error)
	Loaded(h model.Handle) bool
}

// Upload is one uploaded file.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Result is a successful prediction.
type Result struct {
	Success    bool    `json:"success"`
	Filename   string  `json:"filename"`
	Prediction string  `json:"prediction"`
	Confidence float32 `json:"confidence"`
}

// InputError rejects an upload with a fixed client-facing message.
type InputError struct {
	Message string
	Err     error
}

func (e *InputError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *InputError) Unwrap() error { return e.Err }

func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }

// Classifier serves predictions for a single task.
type Classifier struct {
	task    Task
	models  Models
	metrics *metrics.Manager
}

type Option func(*Classifier)

// WithMetrics records prediction metrics on m instead of the process-wide manager.
func WithMetrics(m *metrics.Manager) Option {
	return func(c *Classifier) {
		if m != nil {
			c.metrics = m
		}
	}
}

func New(task Task, models Models, opts ...Option) *Classifier {
	c := &Classifier{task: task, models: models, metrics: metrics.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Classifier) Task() Task { return c.task }

func (c *Classifier) handles() []model.Handle {
	hs := []model.Handle{c.task.Model}
	if c.task.Filter != nil {
		hs = append(hs, c.task.Filter.Model)
	}
	return hs
}

// Initialize loads every model the task needs.
func (c *Classifier) Initialize(ctx context.Context) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("task", c.task.Name)
	log.Info("initializing models")

	eg, ctx := errgroup.WithContext(ctx)
	for _, h := range c.handles() {
		eg.Go(func() error {
			_, err := c.models.Get(ctx, h)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("initialize %s: %w", c.task.Name, err)
	}
	log.Info("models initialized")
	return nil
}

// Ready reports whether every model of the task is resident.
func (c *Classifier) Ready() bool {
	for _, h := range c.handles() {
		if !c.models.Loaded(h) {
			return false
		}
	}
	return true
}

// Predict classifies one upload.
func (c *Classifier) Predict(ctx context.Context, up Upload) (*Result, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("task", c.task.Name, "filename", up.Filename)
	log.Info("receiving prediction request")

	result, err := c.predict(ctx, log, up)
	if err != nil {
		c.metrics.RecordPredictionError(c.task.Name, errorKind(err))
		if errors.Is(err, ErrInvalidInput) {
			log.Info("upload rejected", "reason", err.Error())
		} else {
			log.Error(err, "error during prediction")
		}
		return nil, err
	}
	return result, nil
}

func (c *Classifier) predict(ctx context.Context, log logr.Logger, up Upload) (*Result, error) {
	if !strings.HasPrefix(up.ContentType, "image/") {
		return nil, &InputError{Message: MsgNotAnImage}
	}

	input, err := imaging.Load(up.Data)
	if err != nil {
		return nil, &InputError{Message: MsgInvalidImageData, Err: err}
	}

	if f := c.task.Filter; f != nil {
		score, err := c.forward(ctx, f.Model, input)
		if err != nil {
			return nil, err
		}
		label := f.Labels.For(score)
		log.V(1).Info("pre-filter result", "label", label, "score", score)
		if label == f.Reject {
			c.metrics.RecordPrefilterRejection(c.task.Name)
			return nil, &InputError{Message: MsgNotMedicalImage}
		}
	}

	start := time.Now()
	score, err := c.forward(ctx, c.task.Model, input)
	if err != nil {
		return nil, err
	}
	label := c.task.Labels.For(score)
	c.metrics.RecordPrediction(c.task.Name, label, time.Since(start))
	log.Info("prediction complete", "prediction", label, "confidence", score)

	return &Result{
		Success:    true,
		Filename:   up.Filename,
		Prediction: label,
		Confidence: score,
	}, nil
}

func (c *Classifier) forward(ctx context.Context, h model.Handle, input []float32) (float32, error) {
	m, err := c.models.Get(ctx, h)
	if err != nil {
		return 0, err
	}
	score, err := m.Predict(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPrediction, err)
	}
	return score, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, imaging.ErrDecode):
		return "decode"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, model.ErrModelLoad):
		return "model_load"
	default:
		return "inference"
	}
}
