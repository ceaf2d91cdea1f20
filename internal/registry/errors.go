package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the expected model file is absent after download.
	ErrNotFound = errors.New("model file not found")

	// ErrDigestMismatch is returned when a pinned digest does not match the artifact.
	ErrDigestMismatch = errors.New("digest mismatch")

	// ErrUnknownKind is returned for an unsupported registry backend.
	ErrUnknownKind = errors.New("unknown registry kind")
)

// StatusError carries a non-2xx response from the remote registry.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("registry responded %d: %s", e.StatusCode, e.Message)
}
