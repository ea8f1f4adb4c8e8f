package chat

import (
	"context"
	"log/slog"
	"time"

	"parley/internal/metrics"
)

// Flusher drains dirty cached messages to the durable store.
//
// Failure semantics: store unavailability defers dirty messages to the next
// periodic tick; it is never fatal to a session. Messages that stay dirty
// across ticks are bounded only by process lifetime — accepted
// data-loss-on-crash risk, called out in the design, not remediated here.
type Flusher struct {
	log      *slog.Logger
	cache    *Cache
	store    Store
	interval time.Duration

	// flushTimeout bounds the final best-effort FlushAll during shutdown.
	flushTimeout time.Duration
}

// NewFlusher constructs a Flusher with the given periodic interval.
func NewFlusher(log *slog.Logger, cache *Cache, store Store, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Flusher{
		log:          log,
		cache:        cache,
		store:        store,
		interval:     interval,
		flushTimeout: 10 * time.Second,
	}
}

// Run drives the periodic flush until ctx is done, then performs a final
// best-effort FlushAll with a detached timeout context.
func (f *Flusher) Run(ctx context.Context) {
	t := time.NewTicker(f.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), f.flushTimeout)
			f.FlushAll(finalCtx)
			cancel()
			f.log.Info("flush.stopped")
			return
		case <-t.C:
			f.FlushAll(ctx)
		}
	}
}

// FlushAll flushes every cached room. Per-room failures are logged and
// retried on the next cycle; they never abort the sweep.
func (f *Flusher) FlushAll(ctx context.Context) {
	for _, roomID := range f.cache.RoomIDs() {
		if err := f.FlushRoom(ctx, roomID); err != nil {
			f.log.Warn("flush.room.fail", "room_id", roomID, "err", err)
		}
	}
}

// FlushRoom persists the room's dirty snapshot and appends the persisted ids
// to the chat's message-id list with set semantics.
//
// Partial success is supported: only the persisted subset leaves the dirty
// set; the rest stays dirty for the next cycle. A message already durably
// recorded counts as persisted (idempotent-insert contract), so concurrent or
// retried flushes converge without duplicates.
func (f *Flusher) FlushRoom(ctx context.Context, roomID string) error {
	snap := f.cache.DirtySnapshot(roomID)
	if len(snap) == 0 {
		return nil
	}
	metrics.FlushBatches.Inc()

	batch := make([]StoredMessage, 0, len(snap))
	for _, m := range snap {
		batch = append(batch, m.Stored())
	}

	persisted, insErr := f.store.InsertMessages(ctx, batch)
	if insErr != nil {
		metrics.FlushFailures.Inc()
		metrics.StoreErrors.WithLabelValues("insert_messages").Inc()
	}
	if len(persisted) == 0 {
		return insErr
	}

	if err := f.store.AddMessageIDsToChat(ctx, roomID, persisted); err != nil {
		// Messages are durable but the chat's id list is not: keep them dirty
		// so the next cycle retries both steps (both are idempotent).
		metrics.FlushFailures.Inc()
		metrics.StoreErrors.WithLabelValues("add_message_ids").Inc()
		return err
	}

	f.cache.ClearDirty(roomID, persisted)
	metrics.FlushedMessages.Add(float64(len(persisted)))
	f.log.Debug("flush.room", "room_id", roomID, "persisted", len(persisted), "dirty", len(snap)-len(persisted))
	return insErr
}
