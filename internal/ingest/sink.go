package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"trendwatch/internal/domain"
)

// Sink writes one durable record per flushed event.
type Sink interface {
	Persist(event domain.TransactionEvent) error
}

// FileSink persists events as JSON files under a directory per category,
// with filenames that sort chronologically:
//
//	<baseDir>/<category>/<timestamp>-<digest>.json
type FileSink struct {
	baseDir string
	log     zerolog.Logger
}

// NewFileSink creates a sink rooted at baseDir.
func NewFileSink(baseDir string, log zerolog.Logger) *FileSink {
	return &FileSink{
		baseDir: baseDir,
		log:     log.With().Str("component", "file_sink").Logger(),
	}
}

// Persist writes a single event record.
func (s *FileSink) Persist(event domain.TransactionEvent) error {
	dir := filepath.Join(s.baseDir, string(event.Category))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create category directory: %w", err)
	}

	// RFC3339 with colons and dots replaced keeps names sortable and
	// filesystem-safe.
	timestamp := strings.NewReplacer(":", "-", ".", "-").
		Replace(event.ObservedAt.UTC().Format("2006-01-02T15:04:05.000Z"))
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.json", timestamp, event.Digest))

	data, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.Digest, err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write event file: %w", err)
	}

	s.log.Debug().
		Str("category", string(event.Category)).
		Str("digest", event.Digest).
		Msg("Persisted event")

	return nil
}

// Census counts persisted event files per category. Used for observability
// only; an unreadable directory counts as empty.
func (s *FileSink) Census() map[domain.Category]int {
	counts := make(map[domain.Category]int)

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return counts
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			continue
		}
		n := 0
		for _, f := range files {
			if !f.IsDir() && strings.HasSuffix(f.Name(), ".json") {
				n++
			}
		}
		counts[domain.Category(entry.Name())] = n
	}

	return counts
}
