package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomlabs/loom/store"
)

// ScanStats summarizes a bulk project scan.
type ScanStats struct {
	FilesIndexed  int
	FilesSkipped  int
	ChunksCreated int
	Duration      time.Duration
}

// ScanProject walks root and indexes every eligible file that the store does
// not already hold. Files already present are reconciled against their current
// content, so edits made while the app was closed are repaired and reopening a
// project only pays for what changed. Individual file failures are logged and
// skipped.
func (p *Pipeline) ScanProject(ctx context.Context, root string) (*ScanStats, error) {
	start := time.Now()

	var candidates []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && p.policy.SkipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if p.policy.Allows(path) {
			candidates = append(candidates, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	var indexed, skipped, chunks int64
	g, gCtx := errgroup.WithContext(ctx)

	for _, path := range candidates {
		path := path
		if err := p.sem.Acquire(gCtx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer p.sem.Release(1)

			has, err := store.HasFile(gCtx, p.store, p.fileFilter(path))
			if err != nil {
				return fmt.Errorf("failed to check %s: %w", path, err)
			}
			if has {
				n, mutated, err := p.reconcile(gCtx, path)
				if err != nil {
					log.Printf("Warning: failed to reconcile %s: %v", path, err)
					return nil
				}
				if !mutated {
					atomic.AddInt64(&skipped, 1)
					return nil
				}
				atomic.AddInt64(&indexed, 1)
				atomic.AddInt64(&chunks, int64(n))
				return nil
			}

			n, err := p.IndexFile(gCtx, path)
			if err != nil {
				log.Printf("Warning: failed to index %s: %v", path, err)
				return nil
			}
			atomic.AddInt64(&indexed, 1)
			atomic.AddInt64(&chunks, int64(n))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := p.store.Persist(ctx); err != nil {
		log.Printf("Warning: failed to persist index after scan: %v", err)
	}

	return &ScanStats{
		FilesIndexed:  int(indexed),
		FilesSkipped:  int(skipped),
		ChunksCreated: int(chunks),
		Duration:      time.Since(start),
	}, nil
}
