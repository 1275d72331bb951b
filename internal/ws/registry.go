package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Sender is the transport-facing half of a connection record. *Client
// implements it over a gorilla socket; tests use an in-memory fake.
type Sender interface {
	// Enqueue pushes a text frame onto the send queue. Best-effort:
	// reports false when the connection is closed or the queue is full.
	Enqueue(b []byte) bool
	// Ping issues a transport-level ping control frame.
	Ping() error
	// Terminate closes the transport with a close code and reason.
	Terminate(code int, reason string)
	// Open reports whether the transport can still accept frames.
	Open() bool
}

type record struct {
	sender        Sender
	room          string
	peer          string
	connID        string
	joinedAt      time.Time
	lastHeartbeat time.Time
	alive         bool
}

// Removed describes a record evicted by the stale sweep, so the caller can
// tell the owning session manager about the disconnect.
type Removed struct {
	Room string
	Peer string
}

// Registry tracks every live peer socket, indexed by (room, peer). It is
// the only state shared across rooms; each operation is atomic under one
// lock. It implements game.Emitter.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*record

	now        func() time.Time
	StaleAfter time.Duration
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:      make(map[string]map[string]*record),
		now:        time.Now,
		StaleAfter: 60 * time.Second,
	}
}

// SetClock replaces the time source. Test hook.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Add installs a record for (room, peer), returning the sender it replaced
// so the caller can close the incumbent. At most one live connection per
// pair exists at any time.
func (r *Registry) Add(room, peer, connID string, s Sender) Sender {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers, ok := r.rooms[room]
	if !ok {
		peers = make(map[string]*record)
		r.rooms[room] = peers
	}
	var replaced Sender
	if old, ok := peers[peer]; ok {
		replaced = old.sender
	}
	now := r.now()
	peers[peer] = &record{
		sender:        s,
		room:          room,
		peer:          peer,
		connID:        connID,
		joinedAt:      now,
		lastHeartbeat: now,
		alive:         true,
	}
	return replaced
}

// Remove deletes the record for (room, peer) only if it still belongs to
// owner; a record already replaced or swept is left alone. Reports whether
// a removal happened, so disconnect handling runs exactly once per record.
func (r *Registry) Remove(room, peer string, owner Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers, ok := r.rooms[room]
	if !ok {
		return false
	}
	rec, ok := peers[peer]
	if !ok || (owner != nil && rec.sender != owner) {
		return false
	}
	delete(peers, peer)
	if len(peers) == 0 {
		delete(r.rooms, room)
	}
	return true
}

// Touch refreshes liveness for (room, peer): heartbeat envelope or pong.
func (r *Registry) Touch(room, peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.rooms[room][peer]; ok {
		rec.lastHeartbeat = r.now()
		rec.alive = true
	}
}

// SendTo marshals and enqueues to a single peer. Silently drops when there
// is no open record.
func (r *Registry) SendTo(room, peer string, msg map[string]any) bool {
	b, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("marshal outbound")
		return false
	}
	r.mu.RLock()
	rec, ok := r.rooms[room][peer]
	r.mu.RUnlock()
	if !ok || !rec.sender.Open() {
		return false
	}
	return rec.sender.Enqueue(b)
}

// Broadcast fans out to every open peer in room except exclude. Frames for
// any single receiver keep the caller's submission order.
func (r *Registry) Broadcast(room string, msg map[string]any, exclude string) int {
	b, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("marshal outbound")
		return 0
	}
	r.mu.RLock()
	targets := make([]Sender, 0, len(r.rooms[room]))
	for peer, rec := range r.rooms[room] {
		if peer == exclude || !rec.sender.Open() {
			continue
		}
		targets = append(targets, rec.sender)
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if s.Enqueue(b) {
			sent++
		}
	}
	return sent
}

// Peers snapshots the connected peer ids of room.
func (r *Registry) Peers(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms[room]))
	for peer := range r.rooms[room] {
		out = append(out, peer)
	}
	return out
}

// Kick closes a peer's transport. The record is reaped by the read pump's
// exit path (or the sweep, for senders with no pump).
func (r *Registry) Kick(room, peer string, code int, reason string) {
	r.mu.RLock()
	rec, ok := r.rooms[room][peer]
	r.mu.RUnlock()
	if ok {
		rec.sender.Terminate(code, reason)
	}
}

// Count returns the number of live records.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, peers := range r.rooms {
		n += len(peers)
	}
	return n
}

// SweepStale evicts every record that missed the last ping round or whose
// lastHeartbeat is older than StaleAfter. Evicted transports are closed;
// the caller notifies the session managers.
func (r *Registry) SweepStale(now time.Time) []Removed {
	r.mu.Lock()
	evicted := make([]*record, 0)
	for room, peers := range r.rooms {
		for peer, rec := range peers {
			if !rec.alive || now.Sub(rec.lastHeartbeat) > r.StaleAfter {
				evicted = append(evicted, rec)
				delete(peers, peer)
			}
		}
		if len(peers) == 0 {
			delete(r.rooms, room)
		}
	}
	r.mu.Unlock()

	out := make([]Removed, 0, len(evicted))
	for _, rec := range evicted {
		log.Info().Str("room", rec.room).Str("player", rec.peer).
			Str("conn", rec.connID).Msg("evicting stale connection")
		rec.sender.Terminate(websocket.CloseGoingAway, "heartbeat timeout")
		out = append(out, Removed{Room: rec.room, Peer: rec.peer})
	}
	return out
}

// PingAll issues a transport ping to every record and arms the dead-man
// flag; a pong (or heartbeat envelope) must set it back before the next
// sweep.
func (r *Registry) PingAll() {
	r.mu.Lock()
	targets := make([]*record, 0)
	for _, peers := range r.rooms {
		for _, rec := range peers {
			rec.alive = false
			targets = append(targets, rec)
		}
	}
	r.mu.Unlock()

	for _, rec := range targets {
		if err := rec.sender.Ping(); err != nil {
			log.Debug().Err(err).Str("room", rec.room).Str("player", rec.peer).
				Msg("ping failed")
		}
	}
}

// CloseAll terminates every transport. Shutdown path.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	targets := make([]Sender, 0)
	for room, peers := range r.rooms {
		for _, rec := range peers {
			targets = append(targets, rec.sender)
		}
		delete(r.rooms, room)
	}
	r.mu.Unlock()

	for _, s := range targets {
		s.Terminate(code, reason)
	}
}
