package chat

import (
	"fmt"
	"testing"
	"time"
)

func testMessage(id, roomID string, at time.Time) Message {
	return Message{
		ID:        id,
		RoomID:    roomID,
		SenderID:  "u1",
		Kind:      KindText,
		Text:      "body-" + id,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestCacheAppendTailOrder(t *testing.T) {
	t.Parallel()

	c := NewCache(testLogger())
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	var want []string
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("m%02d", i)
		c.Append("r1", testMessage(id, "r1", base.Add(time.Duration(i)*time.Second)))
		want = append(want, id)
	}

	got := c.Tail("r1", 4)
	if len(got) != 4 {
		t.Fatalf("tail(4) returned %d messages", len(got))
	}
	for i, m := range got {
		if m.ID != want[6+i] {
			t.Fatalf("tail(4)[%d]=%s want=%s", i, m.ID, want[6+i])
		}
	}

	all := c.Tail("r1", 0)
	if len(all) != 10 {
		t.Fatalf("tail(0) returned %d messages, want 10", len(all))
	}
	seen := make(map[string]struct{})
	for i, m := range all {
		if m.ID != want[i] {
			t.Fatalf("tail(0)[%d]=%s want=%s (call order must be cache order)", i, m.ID, want[i])
		}
		if _, dup := seen[m.ID]; dup {
			t.Fatalf("duplicate id %s in cache", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
}

func TestCacheAppendDropsDuplicateID(t *testing.T) {
	t.Parallel()

	c := NewCache(testLogger())
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	c.Append("r1", testMessage("m1", "r1", at))
	c.Append("r1", testMessage("m1", "r1", at.Add(time.Second)))

	if got := len(c.Tail("r1", 0)); got != 1 {
		t.Fatalf("cache holds %d messages, want 1", got)
	}
}

func TestCacheMergeOlderPageIdempotent(t *testing.T) {
	t.Parallel()

	c := NewCache(testLogger())
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	c.GetOrCreate("r1")
	c.Append("r1", testMessage("live1", "r1", base.Add(time.Hour)))

	page := []Message{
		testMessage("old1", "r1", base),
		testMessage("old2", "r1", base.Add(time.Minute)),
		testMessage("old3", "r1", base.Add(2*time.Minute)),
	}

	if merged := c.MergeOlderPage("r1", page); merged != 3 {
		t.Fatalf("first merge=%d want=3", merged)
	}
	first := c.Tail("r1", 0)

	if merged := c.MergeOlderPage("r1", page); merged != 0 {
		t.Fatalf("second merge=%d want=0 (idempotent)", merged)
	}
	second := c.Tail("r1", 0)

	if len(first) != len(second) {
		t.Fatalf("merge not idempotent: %d vs %d messages", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("merge not idempotent at %d: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}

	wantOrder := []string{"old1", "old2", "old3", "live1"}
	for i, m := range second {
		if m.ID != wantOrder[i] {
			t.Fatalf("order[%d]=%s want=%s", i, m.ID, wantOrder[i])
		}
	}
}

func TestCacheMergeOlderPageSortsAndSkipsCached(t *testing.T) {
	t.Parallel()

	c := NewCache(testLogger())
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	c.GetOrCreate("r1")
	c.Append("r1", testMessage("live1", "r1", base.Add(time.Hour)))

	// Unsorted page including an id that is already cached.
	page := []Message{
		testMessage("old2", "r1", base.Add(time.Minute)),
		testMessage("live1", "r1", base.Add(time.Hour)),
		testMessage("old1", "r1", base),
	}
	if merged := c.MergeOlderPage("r1", page); merged != 2 {
		t.Fatalf("merged=%d want=2", merged)
	}

	wantOrder := []string{"old1", "old2", "live1"}
	for i, m := range c.Tail("r1", 0) {
		if m.ID != wantOrder[i] {
			t.Fatalf("order[%d]=%s want=%s", i, m.ID, wantOrder[i])
		}
	}
}

func TestCacheMergeOlderPageEmptyNoop(t *testing.T) {
	t.Parallel()

	c := NewCache(testLogger())
	c.GetOrCreate("r1")
	c.Append("r1", testMessage("m1", "r1", time.Now().UTC()))

	if merged := c.MergeOlderPage("r1", nil); merged != 0 {
		t.Fatalf("merged=%d want=0", merged)
	}
	if got := len(c.Tail("r1", 0)); got != 1 {
		t.Fatalf("cache holds %d messages, want 1", got)
	}
}

func TestCacheEvictRefusesOccupiedRoom(t *testing.T) {
	t.Parallel()

	c := NewCache(testLogger())
	c.GetOrCreate("r1")
	c.AddMember("r1")

	if c.Evict("r1") {
		t.Fatal("evict succeeded on a room with members")
	}
	if !c.Has("r1") {
		t.Fatal("entry gone after refused evict")
	}

	if n := c.RemoveMember("r1"); n != 0 {
		t.Fatalf("members=%d want=0", n)
	}
	if !c.Evict("r1") {
		t.Fatal("evict failed on an empty room")
	}
	if c.Has("r1") {
		t.Fatal("entry survived evict")
	}
}

func TestCacheDirtyTracking(t *testing.T) {
	t.Parallel()

	c := NewCache(testLogger())
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	c.Append("r1", testMessage("m1", "r1", base))
	c.Append("r1", testMessage("m2", "r1", base.Add(time.Second)))

	snap := c.DirtySnapshot("r1")
	if len(snap) != 2 {
		t.Fatalf("dirty snapshot=%d want=2", len(snap))
	}
	if snap[0].ID != "m1" || snap[1].ID != "m2" {
		t.Fatalf("dirty snapshot out of cache order: %s,%s", snap[0].ID, snap[1].ID)
	}

	// A message appended after the snapshot keeps its dirty mark.
	c.Append("r1", testMessage("m3", "r1", base.Add(2*time.Second)))
	c.ClearDirty("r1", []string{"m1", "m2"})

	snap = c.DirtySnapshot("r1")
	if len(snap) != 1 || snap[0].ID != "m3" {
		t.Fatalf("dirty after clear=%v want=[m3]", snap)
	}

	// Hydrated messages are never dirty.
	c.MergeOlderPage("r1", []Message{testMessage("old1", "r1", base.Add(-time.Hour))})
	snap = c.DirtySnapshot("r1")
	if len(snap) != 1 || snap[0].ID != "m3" {
		t.Fatalf("merge polluted dirty set: %v", snap)
	}
}
