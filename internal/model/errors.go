package model

import "errors"

var (
	// ErrModelLoad wraps any failure to fetch or open a model artifact.
	ErrModelLoad = errors.New("model load failed")

	// ErrInference wraps forward pass failures.
	ErrInference = errors.New("inference failed")
)
