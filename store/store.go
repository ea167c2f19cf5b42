// Package store defines the contract the embedding pipeline consumes from a
// vector database, plus local and remote implementations.
package store

import (
	"context"
	"time"
)

// Metadata is the filterable record attached to every stored entry.
type Metadata struct {
	Source    string    `json:"source"` // absolute path of the originating file
	UserID    string    `json:"user_id"`
	Language  string    `json:"language"`
	Timestamp time.Time `json:"timestamp"`
}

// Entry is one embedded chunk keyed by its positional id.
type Entry struct {
	ID       string    `json:"id"`
	Document string    `json:"document"`
	Vector   []float32 `json:"vector"`
	Metadata Metadata  `json:"metadata"`
}

// Filter is a conjunction of equality clauses over metadata. Empty fields
// match anything.
type Filter struct {
	UserID string
	Source string
}

// Matches reports whether m satisfies every set clause.
func (f Filter) Matches(m Metadata) bool {
	if f.UserID != "" && m.UserID != f.UserID {
		return false
	}
	if f.Source != "" && m.Source != f.Source {
		return false
	}
	return true
}

// QueryRequest describes either a semantic search (Vector set) or a pure
// metadata existence/listing check (Vector nil).
type QueryRequest struct {
	Vector []float32
	Limit  int // <= 0 means no limit for metadata listings, 10 for searches
	Filter Filter
}

// Match is one query result. Score is 0 for metadata-only queries.
type Match struct {
	Entry Entry   `json:"entry"`
	Score float32 `json:"score"`
}

// Stats summarizes the store contents.
type Stats struct {
	TotalFiles  int       `json:"total_files"`
	TotalChunks int       `json:"total_chunks"`
	LastUpdated time.Time `json:"last_updated"`
}

// VectorStore is the adapter over an external content-addressable vector
// database. Ids must be unique within the store; duplicate-insert safety is
// NOT guaranteed, so callers replacing an entry delete then add.
type VectorStore interface {
	// Add appends entries.
	Add(ctx context.Context, entries []Entry) error

	// Query returns matches ordered by similarity when a vector is given,
	// or an unordered metadata listing when it is nil.
	Query(ctx context.Context, req QueryRequest) ([]Match, error)

	// Delete removes entries by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// Load reads persistent state, if the backend has any.
	Load(ctx context.Context) error

	// Persist writes persistent state, if the backend has any.
	Persist(ctx context.Context) error

	// GetStats returns store statistics.
	GetStats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the store.
	Close() error
}

// HasFile reports whether any entry exists for the given filter. This is the
// canonical existence check: a metadata-only query bounded to one result.
func HasFile(ctx context.Context, s VectorStore, filter Filter) (bool, error) {
	matches, err := s.Query(ctx, QueryRequest{Limit: 1, Filter: filter})
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

// EntriesForFile lists every entry matching the filter, ordered by id
// position where the backend preserves it.
func EntriesForFile(ctx context.Context, s VectorStore, filter Filter) ([]Entry, error) {
	matches, err := s.Query(ctx, QueryRequest{Filter: filter})
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(matches))
	for i, m := range matches {
		entries[i] = m.Entry
	}
	return entries, nil
}
