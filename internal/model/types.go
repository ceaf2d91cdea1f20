package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Handle identifies a pretrained artifact in the model registry. It is
// comparable and used as the cache key.
type Handle struct {
	Owner   string `koanf:"owner" json:"owner"`
	Family  string `koanf:"family" json:"family"`
	Version string `koanf:"version" json:"version"`
	File    string `koanf:"file" json:"file"`
}

func (h Handle) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", h.Owner, h.Family, h.Version, h.File)
}

// Validate reports a missing component.
func (h Handle) Validate() error {
	switch {
	case h.Owner == "":
		return fmt.Errorf("model handle %q: missing owner", h)
	case h.Family == "":
		return fmt.Errorf("model handle %q: missing family", h)
	case h.Version == "":
		return fmt.Errorf("model handle %q: missing version", h)
	case h.File == "":
		return fmt.Errorf("model handle %q: missing file", h)
	}
	for _, part := range []string{h.Owner, h.Family, h.Version, h.File} {
		if part == "." || part == ".." || strings.ContainsAny(part, "/\\\x00") {
			return fmt.Errorf("model handle %q: invalid component %q", h, part)
		}
	}
	return nil
}

// key renders h for singleflight. Validate rejects NUL in every component.
func (h Handle) key() string {
	return strings.Join([]string{h.Owner, h.Family, h.Version, h.File}, "\x00")
}

// Model is a loaded binary classifier.
type Model interface {
	// Predict runs one forward pass over a preprocessed input tensor and
	// returns the sigmoid output.
	Predict(ctx context.Context, input []float32) (float32, error)
	Close() error
}

// Loader produces a ready-to-invoke model for a handle.
type Loader func(ctx context.Context, h Handle) (Model, error)

// Artifact is a model file materialised on local disk.
type Artifact struct {
	Path   string
	Digest digest.Digest
}

// Fetcher downloads artifacts from a remote registry.
type Fetcher interface {
	Fetch(ctx context.Context, h Handle) (Artifact, error)
}
