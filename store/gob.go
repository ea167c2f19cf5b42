package store

import (
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
)

// GOBStore is an in-memory vector store persisted as a gob file, suitable
// for local single-user projects.
type GOBStore struct {
	indexPath string
	lockPath  string
	entries   map[string]Entry // id -> entry
	mu        sync.RWMutex
}

type gobData struct {
	Entries map[string]Entry
}

func NewGOBStore(indexPath string) *GOBStore {
	return &GOBStore{
		indexPath: indexPath,
		lockPath:  indexPath + ".lock",
		entries:   make(map[string]Entry),
	}
}

func (s *GOBStore) Add(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		s.entries[entry.ID] = entry
	}
	return nil
}

func (s *GOBStore) Query(ctx context.Context, req QueryRequest) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if req.Vector == nil {
		return s.queryMetadata(req), nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	results := make([]Match, 0, len(s.entries))
	for _, entry := range s.entries {
		if !req.Filter.Matches(entry.Metadata) {
			continue
		}
		results = append(results, Match{
			Entry: entry,
			Score: cosineSimilarity(req.Vector, entry.Vector),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// queryMetadata lists entries matching the filter without scoring, ordered
// by id for stable output.
func (s *GOBStore) queryMetadata(req QueryRequest) []Match {
	results := make([]Match, 0)
	for _, entry := range s.entries {
		if !req.Filter.Matches(entry.Metadata) {
			continue
		}
		results = append(results, Match{Entry: entry})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Entry.ID < results[j].Entry.ID
	})

	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results
}

func (s *GOBStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.entries, id)
	}
	return nil
}

func (s *GOBStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Acquire shared (read) file lock for cross-process safety
	lockFile, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return s.loadUnlocked()
	}
	defer lockFile.Close()

	if err := flockShared(lockFile); err != nil {
		return s.loadUnlocked()
	}
	defer func() {
		_ = funlock(lockFile)
	}()

	return s.loadUnlocked()
}

func (s *GOBStore) loadUnlocked() error {
	file, err := os.Open(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No existing index, start fresh
		}
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	var data gobData
	if err := gob.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode index: %w", err)
	}

	s.entries = data.Entries
	if s.entries == nil {
		s.entries = make(map[string]Entry)
	}
	return nil
}

func (s *GOBStore) Persist(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Acquire exclusive (write) file lock for cross-process safety
	lockFile, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return s.persistUnlocked()
	}
	defer lockFile.Close()

	if err := flockExclusive(lockFile); err != nil {
		return s.persistUnlocked()
	}
	defer func() {
		_ = funlock(lockFile)
	}()

	return s.persistUnlocked()
}

func (s *GOBStore) persistUnlocked() error {
	file, err := os.Create(s.indexPath)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(gobData{Entries: s.entries}); err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	return nil
}

func (s *GOBStore) GetStats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{TotalChunks: len(s.entries)}

	files := make(map[string]bool)
	for _, entry := range s.entries {
		files[entry.Metadata.Source] = true
		if entry.Metadata.Timestamp.After(stats.LastUpdated) {
			stats.LastUpdated = entry.Metadata.Timestamp
		}
	}
	stats.TotalFiles = len(files)
	return stats, nil
}

func (s *GOBStore) Close() error {
	return s.Persist(context.Background())
}

// cosineSimilarity calculates the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dotProduct / (math.Sqrt(normA) * math.Sqrt(normB)))
}
