package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	v1 "parley/contracts/chat/v1"
	"parley/internal/metrics"
)

// Manager is the room session manager: it tracks socket membership per room,
// triggers hydration on first join, flush+eviction on last leave, and fans
// accepted messages out to all current room members.
//
// Per-room state machine: Inactive (no cache entry) -> first join hydrates
// and activates -> further joins/leaves adjust the member count -> last leave
// awaits a final flush, evicts the cache entry, and returns to Inactive.
type Manager struct {
	log      *slog.Logger
	cache    *Cache
	flusher  *Flusher
	hydrator *Hydrator
	builder  *Builder

	mu    sync.Mutex
	rooms map[string]*roomState
}

// roomState serializes one room's membership transitions and holds its
// broadcast fan-out set. Cross-room operations never contend on it.
type roomState struct {
	mu      sync.Mutex
	members map[string]*Client
}

// NewManager constructs a Manager.
func NewManager(log *slog.Logger, cache *Cache, flusher *Flusher, hydrator *Hydrator, builder *Builder) *Manager {
	return &Manager{
		log:      log,
		cache:    cache,
		flusher:  flusher,
		hydrator: hydrator,
		builder:  builder,
		rooms:    make(map[string]*roomState),
	}
}

// lockRoom returns the room's state with its mutex held, creating it when
// absent. The retry loop covers the window where a concurrent last-leave
// evicted the state between lookup and lock.
func (m *Manager) lockRoom(roomID string) *roomState {
	for {
		m.mu.Lock()
		rs, ok := m.rooms[roomID]
		if !ok {
			rs = &roomState{members: make(map[string]*Client)}
			m.rooms[roomID] = rs
		}
		m.mu.Unlock()

		rs.mu.Lock()

		m.mu.Lock()
		current := m.rooms[roomID]
		m.mu.Unlock()
		if current == rs {
			return rs
		}
		rs.mu.Unlock()
	}
}

// currentRoom returns the room's state without creating it.
func (m *Manager) currentRoom(roomID string) *roomState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[roomID]
}

// Join subscribes the client to the room and returns the cached history for
// the room_messages reply. The first join since eviction hydrates the cache;
// re-joins never re-hydrate.
func (m *Manager) Join(ctx context.Context, roomID string, c *Client) []Message {
	rs := m.lockRoom(roomID)
	defer rs.mu.Unlock()

	if m.cache.GetOrCreate(roomID) {
		// Hydration failure degrades to an empty seed; history stays
		// reachable via pagination once the store recovers.
		_ = m.hydrator.Hydrate(ctx, roomID)
	}

	if _, ok := rs.members[c.SessionID]; !ok {
		rs.members[c.SessionID] = c
		m.cache.AddMember(roomID)
	}

	m.log.Info("room.member.join", "room_id", roomID, "session_id", c.SessionID, "members", len(rs.members))
	return m.cache.Tail(roomID, 0)
}

// Leave unsubscribes the session from the room. When the member count drops
// to zero it awaits a final flush — success or failure — and then evicts the
// cache entry.
func (m *Manager) Leave(ctx context.Context, roomID, sessionID string) {
	rs := m.lockRoom(roomID)
	defer rs.mu.Unlock()

	if _, ok := rs.members[sessionID]; !ok {
		return
	}
	delete(rs.members, sessionID)
	remaining := m.cache.RemoveMember(roomID)
	m.log.Info("room.member.leave", "room_id", roomID, "session_id", sessionID, "members", remaining)

	if remaining > 0 {
		return
	}

	if err := m.flusher.FlushRoom(ctx, roomID); err != nil {
		// Awaited and failed: the entry is evicted regardless, which is the
		// accepted data-loss trade-off for messages the store kept refusing.
		m.log.Error("room.final_flush.fail", "room_id", roomID, "err", err)
	}
	m.cache.Evict(roomID)

	m.mu.Lock()
	if m.rooms[roomID] == rs {
		delete(m.rooms, roomID)
	}
	m.mu.Unlock()
}

// SendInput is the raw inbound message payload: exactly one of Text or File.
type SendInput struct {
	Text string
	File *FileDescriptor
}

// SendMessage builds the canonical message, appends it to the room cache, and
// broadcasts it to every current member — sender included, so all observers
// share a single ordering. File payloads additionally trigger the
// folder_updated side-channel broadcast.
func (m *Manager) SendMessage(ctx context.Context, roomID string, from *Client, in SendInput, now time.Time) (Message, error) {
	if (in.Text == "") == (in.File == nil) {
		return Message{}, fmt.Errorf("%w: exactly one of text or file required", ErrMalformedPayload)
	}

	rs := m.currentRoom(roomID)
	if rs == nil {
		return Message{}, ErrNotJoined
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if _, ok := rs.members[from.SessionID]; !ok {
		return Message{}, ErrNotJoined
	}

	var (
		msg      Message
		folderID string
		err      error
	)
	if in.File != nil {
		msg, folderID, err = m.builder.File(ctx, roomID, from.Sender(), *in.File, now)
	} else {
		msg, err = m.builder.Text(roomID, from.Sender(), in.Text, now)
	}
	if err != nil {
		return Message{}, err
	}

	m.cache.Append(roomID, msg)

	m.broadcastLocked(rs, newEnvelope(v1.TypeReceiveMessage, v1.ReceiveMessagePayload{Message: msg.Wire()}, now))
	metrics.MessagesBroadcast.WithLabelValues(msg.Kind).Inc()

	if folderID != "" {
		m.broadcastLocked(rs, newEnvelope(v1.TypeFolderUpdated, v1.FolderUpdatedPayload{RoomID: roomID, FolderID: folderID}, now))
	}

	return msg, nil
}

// RequestHistory loads the next older page for the requesting session only.
// The cache merge is handled by the hydrator; the caller replies to the
// requester and never broadcasts.
func (m *Manager) RequestHistory(ctx context.Context, roomID, sessionID string, before time.Time) ([]Message, bool, error) {
	rs := m.currentRoom(roomID)
	if rs == nil {
		return nil, false, ErrNotJoined
	}

	rs.mu.Lock()
	_, joined := rs.members[sessionID]
	rs.mu.Unlock()
	if !joined {
		return nil, false, ErrNotJoined
	}

	return m.hydrator.Paginate(ctx, roomID, before)
}

// Members returns the current member count of a room.
func (m *Manager) Members(roomID string) int {
	return m.cache.Members(roomID)
}

// broadcastLocked fans an envelope out to all members of rs; rs.mu must be held.
// Non-blocking: a member with a full queue or one that is shutting down is skipped.
func (m *Manager) broadcastLocked(rs *roomState, env v1.Envelope) {
	for _, member := range rs.members {
		select {
		case <-member.Done():
			continue
		default:
		}

		select {
		case member.Send <- env:
		default:
			// Drop rather than block the whole room.
			metrics.BroadcastDrops.Inc()
		}
	}
}
