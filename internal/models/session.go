// Package models defines core data structures for sessions, chunks, and query results.
package models

import (
	"fmt"
	"regexp"
	"time"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateSessionID rejects ids that could escape a session-scoped storage location.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// Session is the metadata view of one document's processing lifecycle.
type Session struct {
	ID          string     `json:"session_id"`
	Filename    string     `json:"filename,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Chunks      int        `json:"chunks"`
	Dimensions  int        `json:"dimensions,omitempty"`
}

// Processed reports whether an index has been published for the session.
func (s *Session) Processed() bool {
	return s.ProcessedAt != nil
}

// Chunk is a contiguous substring of a session's extracted text. Index is the
// sole key mapping a vector row back to its text.
type Chunk struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// RawDocument is the original upload of a session.
type RawDocument struct {
	Filename string
	Data     []byte
}

// RetrievedChunk is one ranked retrieval hit.
type RetrievedChunk struct {
	Rank     int     `json:"rank"`
	Index    int     `json:"index"`
	Text     string  `json:"text"`
	Distance float64 `json:"distance"`
}

// SessionStatus is returned by status polling.
type SessionStatus struct {
	SessionID  string `json:"session_id"`
	Processed  bool   `json:"processed"`
	Filename   string `json:"filename,omitempty"`
	Chunks     int    `json:"chunks"`
	Dimensions int    `json:"dimensions,omitempty"`
	DiskBytes  int64  `json:"disk_usage_bytes,omitempty"`
}

// QueryRequest is the body of a question against a session.
type QueryRequest struct {
	Question string `json:"question"`
	K        int    `json:"k,omitempty"`
}

// Validate ensures the query has a question and a non-negative k.
func (q *QueryRequest) Validate() error {
	if q.Question == "" {
		return fmt.Errorf("%w: question cannot be empty", ErrInvalidInput)
	}
	if q.K < 0 {
		return fmt.Errorf("%w: k must not be negative", ErrInvalidInput)
	}
	return nil
}

// QueryResponse carries the generated answer and the ranked chunks it was built from.
type QueryResponse struct {
	SessionID string           `json:"session_id"`
	Question  string           `json:"question"`
	Answer    string           `json:"answer"`
	Chunks    []RetrievedChunk `json:"chunks"`
	QueryTime int64            `json:"query_time_ms"`
}
