package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// metadataScrollLimit bounds metadata-only listings; a single file never
// produces anywhere near this many chunks.
const metadataScrollLimit = 10000

// QdrantStore implements VectorStore against a Qdrant server. Qdrant point
// ids must be UUIDs, so the positional chunk id is mapped to a deterministic
// UUID and kept verbatim in the payload.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dimensions int
}

// NewQdrantStore connects to Qdrant and ensures the collection exists.
func NewQdrantStore(ctx context.Context, host string, port int, apiKey string, useTLS bool, collection string, dimensions int) (*QdrantStore, error) {
	if port == 0 {
		port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	s := &QdrantStore{
		client:     client,
		collection: collection,
		dimensions: dimensions,
	}

	exists, err := client.CollectionExists(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection: %w", err)
	}
	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimensions),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create collection: %w", err)
		}
	}

	return s, nil
}

// pointID maps a chunk id to the deterministic UUID qdrant requires.
func pointID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("loom:"+id)).String()
}

func (s *QdrantStore) Add(ctx context.Context, entries []Entry) error {
	points := make([]*qdrant.PointStruct, len(entries))
	for i, entry := range entries {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID(entry.ID)),
			Vectors: qdrant.NewVectors(entry.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"id":        entry.ID,
				"document":  entry.Document,
				"source":    entry.Metadata.Source,
				"user_id":   entry.Metadata.UserID,
				"language":  entry.Metadata.Language,
				"timestamp": entry.Metadata.Timestamp.Format(time.RFC3339Nano),
			}),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

func (s *QdrantStore) filterConditions(f Filter) *qdrant.Filter {
	var must []*qdrant.Condition
	if f.UserID != "" {
		must = append(must, qdrant.NewMatch("user_id", f.UserID))
	}
	if f.Source != "" {
		must = append(must, qdrant.NewMatch("source", f.Source))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func (s *QdrantStore) Query(ctx context.Context, req QueryRequest) ([]Match, error) {
	filter := s.filterConditions(req.Filter)

	if req.Vector == nil {
		limit := req.Limit
		if limit <= 0 {
			limit = metadataScrollLimit
		}
		points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.collection,
			Filter:         filter,
			Limit:          qdrant.PtrOf(uint32(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll failed: %w", err)
		}

		matches := make([]Match, 0, len(points))
		for _, p := range points {
			matches = append(matches, Match{Entry: entryFromPayload(p.GetPayload())})
		}
		return matches, nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(req.Vector...),
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	matches := make([]Match, 0, len(points))
	for _, p := range points {
		matches = append(matches, Match{
			Entry: entryFromPayload(p.GetPayload()),
			Score: p.GetScore(),
		})
	}
	return matches, nil
}

func entryFromPayload(payload map[string]*qdrant.Value) Entry {
	entry := Entry{
		ID:       payload["id"].GetStringValue(),
		Document: payload["document"].GetStringValue(),
		Metadata: Metadata{
			Source:   payload["source"].GetStringValue(),
			UserID:   payload["user_id"].GetStringValue(),
			Language: payload["language"].GetStringValue(),
		},
	}
	if ts, err := time.Parse(time.RFC3339Nano, payload["timestamp"].GetStringValue()); err == nil {
		entry.Metadata.Timestamp = ts
	}
	return entry
}

func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(pointID(id))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

// Load is a no-op; qdrant is the source of truth.
func (s *QdrantStore) Load(ctx context.Context) error { return nil }

// Persist is a no-op; every write is already durable.
func (s *QdrantStore) Persist(ctx context.Context) error { return nil }

func (s *QdrantStore) GetStats(ctx context.Context) (*Stats, error) {
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
	})
	if err != nil {
		return nil, fmt.Errorf("count failed: %w", err)
	}

	stats := &Stats{TotalChunks: int(count)}

	// Distinct sources require a payload scan; bounded, best-effort.
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Limit:          qdrant.PtrOf(uint32(metadataScrollLimit)),
		WithPayload:    qdrant.NewWithPayloadInclude("source", "timestamp"),
	})
	if err != nil {
		return stats, nil
	}

	files := make(map[string]bool)
	for _, p := range points {
		payload := p.GetPayload()
		files[payload["source"].GetStringValue()] = true
		if ts, err := time.Parse(time.RFC3339Nano, payload["timestamp"].GetStringValue()); err == nil && ts.After(stats.LastUpdated) {
			stats.LastUpdated = ts
		}
	}
	stats.TotalFiles = len(files)
	return stats, nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}
