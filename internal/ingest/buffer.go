package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trendwatch/internal/chain"
	"trendwatch/internal/domain"
)

// maxPullPages bounds an on-demand pull even when the stream never yields
// enough matching events and the adapter keeps returning cursors.
const maxPullPages = 50

// CursorStore persists the poll cursor across restarts.
type CursorStore interface {
	LoadCursor() (*string, error)
	SaveCursor(cursor *string) error
}

// Config holds ingestion buffer configuration.
type Config struct {
	Capacity      int
	PollLimit     int
	PullPageLimit int
	PullTarget    int
	PullPageDelay time.Duration
	FlushInterval time.Duration
	DedupCeiling  int
	Categories    []domain.Category
}

// Buffer accumulates deduplicated, category-filtered transaction events and
// flushes them durably through the sink. It exclusively owns the dedup
// window, the pending event sequence and the poll cursor; all access goes
// through its methods.
type Buffer struct {
	source  chain.Source
	sink    Sink
	cursors CursorStore
	cfg     Config
	log     zerolog.Logger

	mu         sync.Mutex
	pending    []domain.TransactionEvent
	dedup      *DedupWindow
	cursor     *string
	lastFlush  time.Time
	categories map[domain.Category]struct{}

	// Single-flight guards: a poll or flush already in progress turns the
	// new call into a no-op instead of queueing it.
	isPolling  bool
	isFlushing bool
}

// Status is a read-only snapshot of buffer state.
type Status struct {
	PendingSize     int       `json:"pending_size"`
	Capacity        int       `json:"capacity"`
	LastFlushTime   time.Time `json:"last_flush_time"`
	FlushInProgress bool      `json:"flush_in_progress"`
	DedupSetSize    int       `json:"dedup_set_size"`
}

// PullResult is the outcome of an on-demand pull.
type PullResult struct {
	ProcessedTransactions int                       `json:"processed_transactions"`
	NewEvents             []domain.TransactionEvent `json:"new_events"`
	TotalBufferSize       int                       `json:"total_buffer_size"`
	HasMore               bool                      `json:"has_more"`
	DurationMs            int64                     `json:"duration"`
}

// NewBuffer creates an ingestion buffer. The stored cursor is restored from
// the cursor store so polling resumes where the previous process stopped.
func NewBuffer(source chain.Source, sink Sink, cursors CursorStore, cfg Config, log zerolog.Logger) *Buffer {
	b := &Buffer{
		source:     source,
		sink:       sink,
		cursors:    cursors,
		cfg:        cfg,
		log:        log.With().Str("component", "ingestion_buffer").Logger(),
		dedup:      NewDedupWindow(cfg.DedupCeiling),
		lastFlush:  time.Now(),
		categories: make(map[domain.Category]struct{}, len(cfg.Categories)),
	}
	for _, c := range cfg.Categories {
		b.categories[c] = struct{}{}
	}

	if cursors != nil {
		cursor, err := cursors.LoadCursor()
		if err != nil {
			b.log.Warn().Err(err).Msg("Failed to restore poll cursor, starting from stream head")
		} else {
			b.cursor = cursor
		}
	}

	return b
}

// PollOnce queries one page of transactions and admits matching events into
// the pending buffer. Re-entrant calls while a poll is in flight are no-ops.
// Query failures leave the cursor unchanged; the next cycle retries the same
// page and deduplication absorbs any resulting duplicates.
func (b *Buffer) PollOnce(ctx context.Context) {
	b.mu.Lock()
	if b.isPolling {
		b.mu.Unlock()
		return
	}
	b.isPolling = true
	cursor := b.cursor
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.isPolling = false
		b.mu.Unlock()
	}()

	page, err := b.source.QueryTransactions(ctx, cursor, b.cfg.PollLimit)
	if err != nil {
		b.log.Error().Err(err).Msg("Polling error")
		return
	}
	if len(page.Records) == 0 {
		return
	}

	b.mu.Lock()
	b.cursor = page.NextCursor
	admitted := 0
	for _, record := range page.Records {
		if event, ok := b.admitLocked(record); ok {
			b.pending = append(b.pending, event)
			admitted++
		}
	}
	pendingSize := len(b.pending)
	full := pendingSize >= b.cfg.Capacity
	b.mu.Unlock()

	b.saveCursor(page.NextCursor)

	b.log.Debug().
		Int("polled", len(page.Records)).
		Int("admitted", admitted).
		Int("pending", pendingSize).
		Int("capacity", b.cfg.Capacity).
		Msg("Poll cycle completed")

	if full {
		b.Flush()
	}
}

// admitLocked runs a record through dedup and category filtering.
// Caller holds b.mu.
func (b *Buffer) admitLocked(record chain.TransactionRecord) (domain.TransactionEvent, bool) {
	if b.dedup.Seen(record.Digest) {
		return domain.TransactionEvent{}, false
	}
	b.dedup.Add(record.Digest)

	category := Classify(record.Raw)
	if _, ok := b.categories[category]; !ok {
		return domain.TransactionEvent{}, false
	}

	observedAt := time.Now()
	if record.TimestampMs > 0 {
		observedAt = time.UnixMilli(record.TimestampMs)
	}

	sender := record.Sender
	if sender == "" {
		sender = "unknown"
	}

	return domain.TransactionEvent{
		Digest:     record.Digest,
		Category:   category,
		Sender:     sender,
		ObservedAt: observedAt,
		Raw:        record.Raw,
	}, true
}

// Flush durably persists the pending batch. Single-flight: a flush already
// running makes this call a no-op. The pending buffer is swapped out before
// writing; if any write fails the whole batch is prepended back onto the
// current pending buffer so no event is lost.
func (b *Buffer) Flush() {
	b.mu.Lock()
	if b.isFlushing || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	b.isFlushing = true
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.isFlushing = false
		b.lastFlush = time.Now()
		b.mu.Unlock()
	}()

	b.log.Info().Int("count", len(batch)).Msg("Flushing transactions")

	for _, event := range batch {
		if err := b.sink.Persist(event); err != nil {
			b.log.Error().Err(err).Str("digest", event.Digest).Msg("Flush error, returning batch to buffer")
			b.mu.Lock()
			b.pending = append(append([]domain.TransactionEvent(nil), batch...), b.pending...)
			b.mu.Unlock()
			return
		}
	}

	b.log.Info().Int("count", len(batch)).Msg("Flush completed")
}

// FlushIfStale flushes when the buffer has been accumulating longer than the
// configured interval. Used by the interval flush job.
func (b *Buffer) FlushIfStale() {
	b.mu.Lock()
	stale := len(b.pending) > 0 && time.Since(b.lastFlush) >= b.cfg.FlushInterval
	b.mu.Unlock()

	if stale {
		b.log.Info().Msg("Interval flush triggered")
		b.Flush()
	}
}

// Status returns a read-only snapshot of the buffer.
func (b *Buffer) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Status{
		PendingSize:     len(b.pending),
		Capacity:        b.cfg.Capacity,
		LastFlushTime:   b.lastFlush,
		FlushInProgress: b.isFlushing,
		DedupSetSize:    b.dedup.Size(),
	}
}

// PullRecentMatching polls pages synchronously until `target` matching
// events are accumulated or the stream is exhausted. Matching events enter
// the dedup window, the pending buffer and the returned list. A short delay
// separates page fetches to avoid overloading the adapter.
func (b *Buffer) PullRecentMatching(ctx context.Context, target int) (*PullResult, error) {
	start := time.Now()
	if target <= 0 {
		target = b.cfg.PullTarget
	}

	newEvents := make([]domain.TransactionEvent, 0, target)
	processed := 0

	b.mu.Lock()
	cursor := b.cursor
	b.mu.Unlock()

	for pages := 0; pages < maxPullPages && len(newEvents) < target; pages++ {
		page, err := b.source.QueryTransactions(ctx, cursor, b.cfg.PullPageLimit)
		if err != nil {
			// Partial progress is still returned; the cursor keeps
			// whatever ground was covered.
			b.log.Error().Err(err).Msg("Pull page fetch failed")
			break
		}
		if len(page.Records) == 0 {
			cursor = page.NextCursor
			break
		}

		processed += len(page.Records)

		b.mu.Lock()
		for _, record := range page.Records {
			event, ok := b.admitLocked(record)
			if !ok {
				continue
			}
			b.pending = append(b.pending, event)
			newEvents = append(newEvents, event)
			if len(newEvents) >= target {
				break
			}
		}
		b.mu.Unlock()

		cursor = page.NextCursor
		if cursor == nil {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.cfg.PullPageDelay):
		}
	}

	b.mu.Lock()
	b.cursor = cursor
	totalBufferSize := len(b.pending)
	b.mu.Unlock()

	b.saveCursor(cursor)

	result := &PullResult{
		ProcessedTransactions: processed,
		NewEvents:             newEvents,
		TotalBufferSize:       totalBufferSize,
		HasMore:               cursor != nil,
		DurationMs:            time.Since(start).Milliseconds(),
	}

	b.log.Info().
		Int("processed", processed).
		Int("matched", len(newEvents)).
		Int64("duration_ms", result.DurationMs).
		Msg("On-demand pull completed")

	return result, nil
}

// Close flushes any remaining buffered events before shutdown.
func (b *Buffer) Close() {
	b.mu.Lock()
	remaining := len(b.pending)
	b.mu.Unlock()

	if remaining > 0 {
		b.log.Info().Int("count", remaining).Msg("Flushing remaining buffer before shutdown")
		b.Flush()
	}
}

func (b *Buffer) saveCursor(cursor *string) {
	if b.cursors == nil {
		return
	}
	if err := b.cursors.SaveCursor(cursor); err != nil {
		b.log.Warn().Err(err).Msg("Failed to persist poll cursor")
	}
}
