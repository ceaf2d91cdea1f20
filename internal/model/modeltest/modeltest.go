// Package modeltest provides in-memory models for tests that must not depend
// on a native inference runtime.
package modeltest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Brownie44l1/medscan-api/internal/model"
)

// Model returns a fixed score and counts forward passes.
type Model struct {
	Score float32
	Err   error

	calls   atomic.Int64
	mu      sync.Mutex
	lastLen int
	closed  bool
}

var _ model.Model = (*Model)(nil)

func (m *Model) Predict(_ context.Context, input []float32) (float32, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.lastLen = len(input)
	m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return m.Score, nil
}

func (m *Model) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Calls returns the number of forward passes.
func (m *Model) Calls() int { return int(m.calls.Load()) }

// LastInputLen returns the tensor length of the most recent forward pass.
func (m *Model) LastInputLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLen
}

func (m *Model) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Registry serves Models by handle and records which were requested.
type Registry struct {
	mu      sync.Mutex
	models  map[model.Handle]*Model
	loaded  map[model.Handle]bool
	gets    map[model.Handle]int
	LoadErr map[model.Handle]error
}

func NewRegistry() *Registry {
	return &Registry{
		models:  map[model.Handle]*Model{},
		loaded:  map[model.Handle]bool{},
		gets:    map[model.Handle]int{},
		LoadErr: map[model.Handle]error{},
	}
}

// Add registers m under h.
func (r *Registry) Add(h model.Handle, m *Model) *Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[h] = m
	return m
}

func (r *Registry) Get(_ context.Context, h model.Handle) (model.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets[h]++
	if err := r.LoadErr[h]; err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrModelLoad, h, err)
	}
	m, ok := r.models[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s: not registered", model.ErrModelLoad, h)
	}
	r.loaded[h] = true
	return m, nil
}

func (r *Registry) Loaded(h model.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded[h]
}

// Gets returns how often h was requested.
func (r *Registry) Gets(h model.Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gets[h]
}

// Loader adapts the registry to model.Loader for use with model.Cache.
func (r *Registry) Loader() model.Loader {
	return func(ctx context.Context, h model.Handle) (model.Model, error) {
		return r.Get(ctx, h)
	}
}
