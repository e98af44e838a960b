package embeddings

import "errors"

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrBackendUnavailable is returned when no encoder backend could be
	// constructed. It wraps the last construction error.
	ErrBackendUnavailable = errors.New("embedding backend unavailable")
)
