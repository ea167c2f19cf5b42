// Package chunk splits file content into bounded, embeddable pieces with
// deterministic positional identities.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultChunkSize = 1000 // characters
	DefaultOverlap   = 100  // characters
)

// Metadata is attached to every chunk stored alongside its embedding.
type Metadata struct {
	Source    string    // absolute path of the originating file
	UserID    string    // owner of the index
	Language  string    // detected language name
	Timestamp time.Time // when the chunk was produced
}

// Chunk is a bounded slice of a file's content. Identity is positional:
// for a fixed file and splitter configuration the ordered chunk sequence
// is deterministic, and the id encodes the file and position.
type Chunk struct {
	ID          string
	Index       int
	Content     string
	ContentHash string // SHA256 of Content, used for positional diffing
	Metadata    Metadata
}

// ChunkID builds the deterministic positional id for a file's chunk. A short
// hash of the full path keeps ids unique across same-named files in different
// directories, since the stores key entries by id.
func ChunkID(filePath string, index int) string {
	return fmt.Sprintf("%s-%s-chunk-%d", filepath.Base(filePath), shortPathHash(filePath), index)
}

func shortPathHash(filePath string) string {
	sum := sha256.Sum256([]byte(filePath))
	return hex.EncodeToString(sum[:4])
}

// Splitter produces chunks using language-aware boundaries where a parser is
// available and line-based splitting otherwise.
type Splitter struct {
	chunkSize int
	overlap   int
	userID    string
	languages *languageSet
}

// NewSplitter creates a splitter. Invalid sizes fall back to defaults and an
// overlap at or above the chunk size is reduced.
func NewSplitter(chunkSize, overlap int, userID string) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 10
	}
	return &Splitter{
		chunkSize: chunkSize,
		overlap:   overlap,
		userID:    userID,
		languages: newLanguageSet(),
	}
}

func (s *Splitter) ChunkSize() int { return s.chunkSize }
func (s *Splitter) Overlap() int   { return s.overlap }

// Split chunks content from filePath. Empty or whitespace-only content
// produces no chunks.
func (s *Splitter) Split(filePath, content string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	language := s.languages.detect(filePath)
	cuts := s.languages.cutPoints(filePath, content)
	if len(cuts) == 0 {
		cuts = newlineCutPoints(content)
	}

	now := time.Now()
	var chunks []Chunk

	start := 0
	for start < len(content) {
		end := start + s.chunkSize
		if end >= len(content) {
			end = len(content)
		} else {
			end = bestCut(cuts, start, end)
			end = alignRuneBoundary(content, end)
		}

		piece := content[start:end]
		if strings.TrimSpace(piece) != "" {
			index := len(chunks)
			chunks = append(chunks, Chunk{
				ID:          ChunkID(filePath, index),
				Index:       index,
				Content:     piece,
				ContentHash: HashContent(piece),
				Metadata: Metadata{
					Source:    filePath,
					UserID:    s.userID,
					Language:  language,
					Timestamp: now,
				},
			})
		}

		if end >= len(content) {
			break
		}

		next := end - s.overlap
		if next <= start {
			next = end
		}
		start = alignRuneBoundary(content, next)
	}

	return chunks
}

// bestCut picks the largest preferred cut point in (start, limit], falling
// back to the hard limit when no boundary lands in the window.
func bestCut(cuts []int, start, limit int) int {
	best := -1
	for _, c := range cuts {
		if c <= start {
			continue
		}
		if c > limit {
			break
		}
		best = c
	}
	if best == -1 {
		return limit
	}
	return best
}

// newlineCutPoints returns the byte offsets just past each newline.
func newlineCutPoints(content string) []int {
	var cuts []int
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			cuts = append(cuts, i+1)
		}
	}
	return cuts
}

// alignRuneBoundary moves pos forward past any UTF-8 continuation bytes so a
// chunk never splits a rune.
func alignRuneBoundary(content string, pos int) int {
	for pos < len(content) && !utf8.RuneStart(content[pos]) {
		pos++
	}
	return pos
}

// HashContent returns the hex SHA256 of content. Chunk.ContentHash is
// produced with this, so callers can hash stored text to diff against it.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
