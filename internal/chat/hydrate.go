package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"parley/internal/metrics"
)

// Hydrator loads persisted history into the room cache: the newest page on
// first activation, older pages on demand for backward pagination.
type Hydrator struct {
	log      *slog.Logger
	store    Store
	cache    *Cache
	flusher  *Flusher
	pageSize int
}

// NewHydrator constructs a Hydrator with the given page size.
func NewHydrator(log *slog.Logger, store Store, cache *Cache, flusher *Flusher, pageSize int) *Hydrator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Hydrator{
		log:      log,
		store:    store,
		cache:    cache,
		flusher:  flusher,
		pageSize: pageSize,
	}
}

// Hydrate seeds the room cache with the most recent persisted page. It is
// invoked exactly once per room activation (first transition from "no cache
// entry" to "has members"); the caller guarantees that sequencing.
//
// Store unavailability degrades to an empty seed: the room starts live-only
// and history becomes reachable again via pagination once the store recovers.
func (h *Hydrator) Hydrate(ctx context.Context, roomID string) error {
	rows, err := h.store.FindMessages(ctx, roomID, MessageQuery{Limit: h.pageSize})
	if err != nil {
		if !transientStoreErr(err) {
			// Unknown room: nothing persisted yet, start empty.
			return nil
		}
		h.log.Warn("hydrate.load.fail", "room_id", roomID, "err", err)
		metrics.StoreErrors.WithLabelValues("find_messages").Inc()
		return err
	}

	page := h.resolve(ctx, roomID, rows)
	merged := h.cache.MergeOlderPage(roomID, page)
	metrics.Hydrations.Inc()
	h.log.Info("hydrate.room", "room_id", roomID, "loaded", len(page), "merged", merged)
	return nil
}

// Paginate loads the next older page strictly before the given instant and
// merges it into the cache.
//
// It flushes the room first so not-yet-persisted cached messages are visible
// to the store query: an in-memory page and a store page must never both be
// silently missing overlapping messages.
//
// endOfHistory is true only for a genuine empty page; a transient store
// outage returns an empty page with endOfHistory false.
func (h *Hydrator) Paginate(ctx context.Context, roomID string, before time.Time) (page []Message, endOfHistory bool, err error) {
	if ferr := h.flusher.FlushRoom(ctx, roomID); ferr != nil {
		h.log.Warn("paginate.preflush.fail", "room_id", roomID, "err", ferr)
	}

	rows, err := h.store.FindMessages(ctx, roomID, MessageQuery{Before: &before, Limit: h.pageSize})
	if err != nil {
		if !transientStoreErr(err) {
			return nil, true, nil
		}
		h.log.Warn("paginate.load.fail", "room_id", roomID, "err", err)
		metrics.StoreErrors.WithLabelValues("find_messages").Inc()
		return nil, false, nil
	}
	if len(rows) == 0 {
		return nil, true, nil
	}

	page = h.resolve(ctx, roomID, rows)
	h.cache.MergeOlderPage(roomID, page)
	metrics.HistoryPages.Inc()
	return page, false, nil
}

// resolve denormalizes stored rows into canonical messages. Sender display
// names and file metadata are memoized per call-batch, not globally.
func (h *Hydrator) resolve(ctx context.Context, roomID string, rows []StoredMessage) []Message {
	names := make(map[string]string)
	files := make(map[string]FileMeta)

	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		m := Message{
			ID:         r.ID,
			RoomID:     roomID,
			SenderID:   r.SenderID,
			SenderName: h.displayName(ctx, names, r.SenderID),
			Kind:       r.Kind,
			CreatedAt:  r.CreatedAt,
			UpdatedAt:  r.UpdatedAt,
		}
		switch r.Kind {
		case KindFile:
			m.File = h.fileMeta(ctx, files, r.Body)
		default:
			m.Kind = KindText
			m.Text = r.Body
		}
		out = append(out, m)
	}
	return out
}

func (h *Hydrator) displayName(ctx context.Context, memo map[string]string, userID string) string {
	if name, ok := memo[userID]; ok {
		return name
	}

	name := ""
	u, err := h.store.FindUser(ctx, userID)
	switch {
	case err == nil:
		name = strings.TrimSpace(u.Name + " " + u.Surname)
	case errors.Is(err, ErrNotFound):
		// Missing reference degrades to an empty display name.
	default:
		h.log.Warn("resolve.user.fail", "user_id", userID, "err", err)
		metrics.StoreErrors.WithLabelValues("find_user").Inc()
	}

	memo[userID] = name
	return name
}

func (h *Hydrator) fileMeta(ctx context.Context, memo map[string]FileMeta, fileID string) FileMeta {
	if meta, ok := memo[fileID]; ok {
		return meta
	}

	meta := FileMeta{FileID: fileID, Name: "Unknown file"}
	f, err := h.store.FindFile(ctx, fileID)
	switch {
	case err == nil:
		meta = FileMeta{
			FileID:    f.ID,
			Name:      f.Name,
			Size:      f.Size,
			MediaType: f.MediaType,
			URL:       f.URL,
			Note:      f.Note,
		}
	case errors.Is(err, ErrNotFound):
		// Missing reference degrades to the placeholder.
	default:
		h.log.Warn("resolve.file.fail", "file_id", fileID, "err", err)
		metrics.StoreErrors.WithLabelValues("find_file").Inc()
	}

	memo[fileID] = meta
	return meta
}
