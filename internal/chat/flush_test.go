package chat

import (
	"context"
	"errors"
	"testing"
	"time"
)

// faultStore wraps a MemoryStore and fails selected operations on demand.
type faultStore struct {
	*MemoryStore
	failInsert bool
	failAttach bool
	failFind   bool
}

var errStoreDown = errors.New("store down")

func (s *faultStore) InsertMessages(ctx context.Context, msgs []StoredMessage) ([]string, error) {
	if s.failInsert {
		return nil, errStoreDown
	}
	return s.MemoryStore.InsertMessages(ctx, msgs)
}

func (s *faultStore) AddMessageIDsToChat(ctx context.Context, chatID string, ids []string) error {
	if s.failAttach {
		return errStoreDown
	}
	return s.MemoryStore.AddMessageIDsToChat(ctx, chatID, ids)
}

func (s *faultStore) FindMessages(ctx context.Context, chatID string, q MessageQuery) ([]StoredMessage, error) {
	if s.failFind {
		return nil, errStoreDown
	}
	return s.MemoryStore.FindMessages(ctx, chatID, q)
}

func TestFlushRoomPersistsAndClearsDirty(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	cache := NewCache(testLogger())
	f := NewFlusher(testLogger(), cache, store, time.Minute)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cache.Append("r1", testMessage("m1", "r1", base))
	cache.Append("r1", testMessage("m2", "r1", base.Add(time.Second)))

	if err := f.FlushRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if got := cache.DirtySnapshot("r1"); len(got) != 0 {
		t.Fatalf("dirty after flush=%d want=0", len(got))
	}
	if ids := store.MessageIDs("r1"); len(ids) != 2 {
		t.Fatalf("chat id list has %d ids, want 2", len(ids))
	}

	rows, err := store.FindMessages(context.Background(), "r1", MessageQuery{Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != "m1" || rows[1].ID != "m2" {
		t.Fatalf("stored rows=%v", rows)
	}
}

func TestFlushRoomNoDirtyIsNoop(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	cache := NewCache(testLogger())
	f := NewFlusher(testLogger(), cache, store, time.Minute)

	cache.GetOrCreate("r1")
	if err := f.FlushRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("flush of clean room: %v", err)
	}
}

func TestFlushRoomDoubleFlushNoDuplicates(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	cache := NewCache(testLogger())
	f := NewFlusher(testLogger(), cache, store, time.Minute)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cache.Append("r1", testMessage("m1", "r1", base))

	if err := f.FlushRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("first flush: %v", err)
	}

	// Same message marked dirty again (e.g. a race with ClearDirty); the
	// idempotent-insert contract makes the retry converge.
	cache.Append("r1", testMessage("m2", "r1", base.Add(time.Second)))
	if err := f.FlushRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("second flush: %v", err)
	}

	rows, err := store.FindMessages(context.Background(), "r1", MessageQuery{Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("stored %d rows, want 2", len(rows))
	}
}

func TestFlushRoomInsertFailureKeepsDirty(t *testing.T) {
	t.Parallel()

	store := &faultStore{MemoryStore: NewMemoryStore(), failInsert: true}
	cache := NewCache(testLogger())
	f := NewFlusher(testLogger(), cache, store, time.Minute)

	cache.Append("r1", testMessage("m1", "r1", time.Now().UTC()))

	if err := f.FlushRoom(context.Background(), "r1"); err == nil {
		t.Fatal("flush succeeded against a failing store")
	}
	if got := cache.DirtySnapshot("r1"); len(got) != 1 {
		t.Fatalf("dirty after failed flush=%d want=1", len(got))
	}

	// Store recovers: the next cycle drains the backlog.
	store.failInsert = false
	if err := f.FlushRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("flush after recovery: %v", err)
	}
	if got := cache.DirtySnapshot("r1"); len(got) != 0 {
		t.Fatalf("dirty after recovery flush=%d want=0", len(got))
	}
}

func TestFlushRoomAttachFailureKeepsDirty(t *testing.T) {
	t.Parallel()

	store := &faultStore{MemoryStore: NewMemoryStore(), failAttach: true}
	cache := NewCache(testLogger())
	f := NewFlusher(testLogger(), cache, store, time.Minute)

	cache.Append("r1", testMessage("m1", "r1", time.Now().UTC()))

	if err := f.FlushRoom(context.Background(), "r1"); err == nil {
		t.Fatal("flush succeeded despite attach failure")
	}
	// Message row is durable but the id list is not: the message stays dirty
	// so both idempotent steps are retried.
	if got := cache.DirtySnapshot("r1"); len(got) != 1 {
		t.Fatalf("dirty after attach failure=%d want=1", len(got))
	}

	store.failAttach = false
	if err := f.FlushRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("flush after recovery: %v", err)
	}
	if ids := store.MessageIDs("r1"); len(ids) != 1 {
		t.Fatalf("chat id list has %d ids, want 1", len(ids))
	}
}

func TestFlushAllSweepsEveryRoom(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	cache := NewCache(testLogger())
	f := NewFlusher(testLogger(), cache, store, time.Minute)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cache.Append("r1", testMessage("a1", "r1", base))
	cache.Append("r2", testMessage("b1", "r2", base))

	f.FlushAll(context.Background())

	for _, roomID := range []string{"r1", "r2"} {
		if got := cache.DirtySnapshot(roomID); len(got) != 0 {
			t.Fatalf("room %s still dirty after sweep", roomID)
		}
	}
}

func TestFlusherRunFinalFlushOnShutdown(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	cache := NewCache(testLogger())
	f := NewFlusher(testLogger(), cache, store, time.Hour)

	cache.Append("r1", testMessage("m1", "r1", time.Now().UTC()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("flusher did not stop")
	}

	if got := cache.DirtySnapshot("r1"); len(got) != 0 {
		t.Fatalf("dirty after shutdown flush=%d want=0", len(got))
	}
}
