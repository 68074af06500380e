package models

import "errors"

// Errors shared across the ingestion and retrieval layers. Callers match them with errors.Is.
var (
	// ErrNotFound indicates an unknown session or a missing raw upload.
	ErrNotFound = errors.New("not found")

	// ErrSessionNotFound indicates a session that was never successfully ingested.
	ErrSessionNotFound = errors.New("session not found")

	// ErrEmbedding indicates the embedding backend failed or could not tokenize the input.
	ErrEmbedding = errors.New("embedding failed")

	// ErrDimensionMismatch indicates vectors of different dimensionality were mixed,
	// usually because the embedding model changed between ingest and query.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrPersistence indicates session artifacts could not be read or written.
	ErrPersistence = errors.New("persistence error")

	// ErrInvalidInput indicates a malformed request (empty question, bad chunk policy, ...).
	ErrInvalidInput = errors.New("invalid input")

	// ErrGeneration indicates the answer generator failed.
	ErrGeneration = errors.New("answer generation failed")

	// ErrInvalidSessionID indicates a session id that is not a safe opaque token.
	ErrInvalidSessionID = errors.New("invalid session id")
)
