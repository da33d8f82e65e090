// Package xmlfetch defines domain types and errors for the XML feed fetcher.
// This package has no project imports -- it is the dependency root.
package xmlfetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// --- Feeds ---

// Document is the XML body of one feed fetch.
type Document struct {
	Feed      string    `json:"feed"`
	Body      string    `json:"-"`
	Hash      string    `json:"hash"`
	FetchedAt time.Time `json:"fetched_at"`
	Cached    bool      `json:"cached"`
}

// Snapshot status values.
const (
	SnapshotOK    = "ok"
	SnapshotError = "error"
)

// Snapshot records the outcome of one fetch attempt. The body is not stored,
// only its size and content hash.
type Snapshot struct {
	ID        string    `json:"id"`
	Feed      string    `json:"feed"`
	Status    string    `json:"status"`
	Size      int       `json:"size"`
	Hash      string    `json:"hash,omitempty"`
	Error     string    `json:"error,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	RequestID string    `json:"request_id,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ContentHash returns the hex SHA-256 of a document body.
func ContentHash(body string) string {
	h := sha256.Sum256([]byte(body))
	return hex.EncodeToString(h[:])
}

// --- Context ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}
