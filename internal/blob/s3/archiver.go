package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantegy/tokensentry/internal/domain"
)

// batchSize caps how many rows one archive pass moves per table.
const batchSize = 500

// Archiver moves closed positions and old exit events past the retention
// window into object storage as JSON Lines, then prunes them from PostgreSQL.
// Each run is incremental; rerunning is safe.
type Archiver struct {
	blob      *Client
	positions domain.PositionStore
	events    domain.ExitEventStore
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewArchiver creates an Archiver. retention is how long closed rows stay in
// PostgreSQL; interval is how often a pass runs.
func NewArchiver(blob *Client, positions domain.PositionStore, events domain.ExitEventStore, retention, interval time.Duration, logger *slog.Logger) *Archiver {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Archiver{
		blob:      blob,
		positions: positions,
		events:    events,
		retention: retention,
		interval:  interval,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Run executes archive passes on the interval until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "archiver: stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := a.RunOnce(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archiver: pass failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce performs a single archive pass.
func (a *Archiver) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-a.retention)

	archivedPositions, err := a.archivePositions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("s3blob: archive positions before %v: %w", cutoff, err)
	}
	archivedEvents, err := a.archiveEvents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("s3blob: archive exit events before %v: %w", cutoff, err)
	}

	if archivedPositions > 0 || archivedEvents > 0 {
		a.logger.InfoContext(ctx, "archiver: pass complete",
			slog.Time("cutoff", cutoff),
			slog.Int("positions", archivedPositions),
			slog.Int("exit_events", archivedEvents),
		)
	}
	return nil
}

func (a *Archiver) archivePositions(ctx context.Context, cutoff time.Time) (int, error) {
	positions, err := a.positions.ListClosedBefore(ctx, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	if len(positions) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]string, 0, len(positions))
	for _, pos := range positions {
		if err := enc.Encode(pos); err != nil {
			return 0, fmt.Errorf("encode position %s: %w", pos.ID, err)
		}
		ids = append(ids, pos.ID)
	}

	key := archiveKey("positions")
	if err := a.blob.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return 0, err
	}
	// Prune only after the upload landed.
	if err := a.positions.DeleteBatch(ctx, ids); err != nil {
		return 0, err
	}
	return len(positions), nil
}

func (a *Archiver) archiveEvents(ctx context.Context, cutoff time.Time) (int, error) {
	events, err := a.events.ListBefore(ctx, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]string, 0, len(events))
	for _, evt := range events {
		if err := enc.Encode(evt); err != nil {
			return 0, fmt.Errorf("encode exit event %s: %w", evt.ID, err)
		}
		ids = append(ids, evt.ID)
	}

	key := archiveKey("exit_events")
	if err := a.blob.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return 0, err
	}
	if err := a.events.DeleteBatch(ctx, ids); err != nil {
		return 0, err
	}
	return len(events), nil
}

// archiveKey names objects by table and pass timestamp, one object per pass.
func archiveKey(table string) string {
	now := time.Now().UTC()
	return fmt.Sprintf("archive/%s/%s/%s.jsonl",
		table, now.Format("2006/01/02"), now.Format("150405.000000000"))
}
