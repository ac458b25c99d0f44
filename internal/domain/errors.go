package domain

import "errors"

var (
	// ErrNotFound signals a missing resource.
	ErrNotFound = errors.New("not found")
	// ErrProfileNotFound signals that no interest profile exists for the user yet.
	ErrProfileNotFound = errors.New("interest profile not found")
	// ErrNoVector signals that no user vector could be built (no clicks, or no
	// clicked item has an embedding). Callers fall back to popularity retrieval.
	ErrNoVector = errors.New("no user vector")
	// ErrInvalidEvent signals an interaction event that failed validation.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrInvalidItem signals a catalog item that failed validation.
	ErrInvalidItem = errors.New("invalid item")
	// ErrEmbeddingProviderError signals an embedding provider failure.
	ErrEmbeddingProviderError = errors.New("embedding provider error")
	// ErrEmbeddingQuotaExceeded signals that the token budget is spent.
	ErrEmbeddingQuotaExceeded = errors.New("embedding token budget exceeded")
)
