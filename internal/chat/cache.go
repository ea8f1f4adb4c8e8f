package chat

import (
	"log/slog"
	"sort"
	"sync"

	"parley/internal/metrics"
)

// Cache is the process-wide room message cache.
//
// An entry exists iff the room has been joined since its last eviction and
// has not since returned to zero members with a completed flush. Entries hold
// an ordered message sequence (non-decreasing created-at), a dirty set of
// not-yet-flushed ids, and the live member count.
//
// Concurrency: the outer map is guarded by mu; each entry carries its own
// mutex so all mutations for a given room are serialized while unrelated
// rooms proceed independently.
type Cache struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*cacheEntry
}

type cacheEntry struct {
	mu       sync.Mutex
	messages []Message
	ids      map[string]struct{}
	dirty    map[string]struct{}
	members  int
}

// NewCache constructs an empty Cache.
func NewCache(log *slog.Logger) *Cache {
	return &Cache{
		log:   log,
		rooms: make(map[string]*cacheEntry),
	}
}

// entry returns the cache entry for roomID, or nil when the room is inactive.
func (c *Cache) entry(roomID string) *cacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[roomID]
}

// GetOrCreate ensures an empty entry exists for roomID and reports whether it
// was created by this call. Hydration is a separate explicit step.
func (c *Cache) GetOrCreate(roomID string) (created bool) {
	_, created = c.getOrCreate(roomID)
	return created
}

func (c *Cache) getOrCreate(roomID string) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.rooms[roomID]; ok {
		return e, false
	}

	e := &cacheEntry{
		ids:   make(map[string]struct{}),
		dirty: make(map[string]struct{}),
	}
	c.rooms[roomID] = e
	metrics.RoomsCached.Set(float64(len(c.rooms)))
	return e, true
}

// Has reports whether roomID currently has a cache entry.
func (c *Cache) Has(roomID string) bool {
	return c.entry(roomID) != nil
}

// RoomIDs returns the ids of all cached rooms.
func (c *Cache) RoomIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// Append appends a message at the tail and marks it dirty. Arrival order is
// cache order. Messages with an id already cached are dropped.
func (c *Cache) Append(roomID string, m Message) {
	e, _ := c.getOrCreate(roomID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.ids[m.ID]; dup {
		c.log.Warn("cache.append.duplicate", "room_id", roomID, "message_id", m.ID)
		return
	}
	e.messages = append(e.messages, m)
	e.ids[m.ID] = struct{}{}
	e.dirty[m.ID] = struct{}{}
}

// MergeOlderPage prepends a page of older messages, dropping any id already
// present. The page is sorted chronologically before the merge and never
// reorders messages already cached, so the merge is idempotent.
// Returns the number of messages actually merged.
func (c *Cache) MergeOlderPage(roomID string, page []Message) int {
	e := c.entry(roomID)
	if e == nil || len(page) == 0 {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	fresh := make([]Message, 0, len(page))
	for _, m := range page {
		if _, dup := e.ids[m.ID]; dup {
			continue
		}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return 0
	}

	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].CreatedAt.Before(fresh[j].CreatedAt) })

	merged := make([]Message, 0, len(fresh)+len(e.messages))
	merged = append(merged, fresh...)
	merged = append(merged, e.messages...)
	e.messages = merged

	for _, m := range fresh {
		e.ids[m.ID] = struct{}{}
	}
	return len(fresh)
}

// Tail returns a copy of the most recent n messages without mutation.
// n <= 0 returns the whole cached sequence.
func (c *Cache) Tail(roomID string, n int) []Message {
	e := c.entry(roomID)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := 0
	if n > 0 && len(e.messages) > n {
		start = len(e.messages) - n
	}
	return append([]Message(nil), e.messages[start:]...)
}

// DirtySnapshot returns the dirty messages of a room in cache order.
func (c *Cache) DirtySnapshot(roomID string) []Message {
	e := c.entry(roomID)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.dirty) == 0 {
		return nil
	}
	out := make([]Message, 0, len(e.dirty))
	for _, m := range e.messages {
		if _, ok := e.dirty[m.ID]; ok {
			out = append(out, m)
		}
	}
	return out
}

// ClearDirty removes the given ids from the dirty set. Messages appended
// after a flush snapshot keep their dirty mark.
func (c *Cache) ClearDirty(roomID string, ids []string) {
	e := c.entry(roomID)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range ids {
		delete(e.dirty, id)
	}
}

// AddMember increments the room's member count and returns the new count.
func (c *Cache) AddMember(roomID string) int {
	e := c.entry(roomID)
	if e == nil {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.members++
	return e.members
}

// RemoveMember decrements the room's member count and returns the new count.
func (c *Cache) RemoveMember(roomID string) int {
	e := c.entry(roomID)
	if e == nil {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.members > 0 {
		e.members--
	}
	return e.members
}

// Members returns the room's current member count.
func (c *Cache) Members(roomID string) int {
	e := c.entry(roomID)
	if e == nil {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.members
}

// Evict removes the room's entry. Eviction is occupancy-driven only: it is a
// logged no-op while the room still has members.
func (c *Cache) Evict(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.rooms[roomID]
	if !ok {
		return false
	}

	e.mu.Lock()
	members := e.members
	e.mu.Unlock()

	if members > 0 {
		c.log.Warn("cache.evict.skip", "room_id", roomID, "members", members)
		return false
	}

	delete(c.rooms, roomID)
	metrics.RoomsCached.Set(float64(len(c.rooms)))
	c.log.Info("cache.evict", "room_id", roomID)
	return true
}
