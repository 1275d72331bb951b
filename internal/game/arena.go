package game

import (
	"errors"
	"sync"
	"time"

	"github.com/qtrix/purge-server/internal/timer"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNoneReady    = errors.New("No players ready")
	ErrInvalidPhase = errors.New("invalid phase for action")
)

const (
	timerAutoStart = "autostart"
	timerCountdown = "countdown"
	timerDeadline  = "deadline"
)

// ArenaRoom is a free-for-all session. The phase only ever moves forward:
// waiting -> countdown -> active -> ended.
type ArenaRoom struct {
	ID int64

	Phase             Phase
	CountdownStart    time.Time
	CountdownDuration time.Duration
	StartedAt         time.Time
	Winner            string

	Players map[string]PlayerState
	ready   map[string]struct{}

	mu sync.Mutex
}

// ArenaManager owns every arena room and drives their state machines. All
// mutation happens under the room mutex; timer callbacks re-enter through
// the same methods the router calls.
type ArenaManager struct {
	mu    sync.RWMutex
	rooms map[int64]*ArenaRoom

	emitter Emitter
	timers  *timer.Service
	now     func() time.Time

	AutoStartDelay    time.Duration
	CountdownDuration time.Duration
}

func NewArenaManager(e Emitter, t *timer.Service) *ArenaManager {
	return &ArenaManager{
		rooms:             make(map[int64]*ArenaRoom),
		emitter:           e,
		timers:            t,
		now:               time.Now,
		AutoStartDelay:    time.Second,
		CountdownDuration: 15 * time.Second,
	}
}

// SetClock replaces the time source. Test hook.
func (m *ArenaManager) SetClock(now func() time.Time) { m.now = now }

func (m *ArenaManager) getOrCreate(id int64) *ArenaRoom {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		r = &ArenaRoom{
			ID:                id,
			Phase:             PhaseWaiting,
			CountdownDuration: m.CountdownDuration,
			Players:           make(map[string]PlayerState),
			ready:             make(map[string]struct{}),
		}
		m.rooms[id] = r
	}
	return r
}

func (m *ArenaManager) get(id int64) *ArenaRoom {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[id]
}

// RoomCount is read by the health endpoint and the stats log.
func (m *ArenaManager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Connect registers a peer's arrival: the joiner gets a full sync, everyone
// else learns about the new peer, and the room state is rebroadcast.
func (m *ArenaManager) Connect(roomID int64, peer string) {
	r := m.getOrCreate(roomID)
	key := ArenaKey(roomID)

	r.mu.Lock()
	roster := make([]map[string]any, 0, len(r.Players))
	for id, st := range r.Players {
		if id == peer {
			continue
		}
		roster = append(roster, map[string]any{"playerId": id, "data": st})
	}
	state := r.stateLocked(len(m.emitter.Peers(key)))
	r.mu.Unlock()

	m.emitter.SendTo(key, peer, m.envelope("sync", map[string]any{
		"players":   roster,
		"gameState": state,
	}))
	m.emitter.Broadcast(key, m.envelope("player_connected", map[string]any{
		"playerId": peer,
	}), peer)
	m.broadcastState(r)
}

// Disconnect drops a peer from the roster and ready set. The last peer out
// deletes the room and every timer keyed to it.
func (m *ArenaManager) Disconnect(roomID int64, peer string) {
	r := m.get(roomID)
	if r == nil {
		return
	}
	key := ArenaKey(roomID)

	r.mu.Lock()
	delete(r.Players, peer)
	delete(r.ready, peer)
	r.mu.Unlock()

	if len(m.emitter.Peers(key)) == 0 {
		m.deleteRoom(roomID)
		return
	}

	m.emitter.Broadcast(key, m.envelope("player_disconnected", map[string]any{
		"playerId": peer,
	}), peer)
	m.broadcastState(r)
}

func (m *ArenaManager) deleteRoom(id int64) {
	m.timers.CancelRoom(ArenaKey(id))
	m.mu.Lock()
	delete(m.rooms, id)
	m.mu.Unlock()
}

// MarkReady adds the peer to the ready set. Two or more ready peers arm the
// auto-start fuse; repeats from the same peer are no-ops beyond rearming it.
func (m *ArenaManager) MarkReady(roomID int64, peer string) {
	r := m.getOrCreate(roomID)

	r.mu.Lock()
	if r.Phase != PhaseWaiting {
		r.mu.Unlock()
		return
	}
	r.ready[peer] = struct{}{}
	n := len(r.ready)
	r.mu.Unlock()

	if n >= 2 {
		m.timers.Arm(timer.Key{Room: ArenaKey(roomID), Kind: timerAutoStart},
			m.AutoStartDelay, func() { m.tryStart(roomID) })
	}
	m.broadcastState(r)
}

// StartGame is the explicit start request. With nobody ready it reports
// ErrNoneReady so the router can answer the requester alone.
func (m *ArenaManager) StartGame(roomID int64, peer string) error {
	r := m.get(roomID)
	if r == nil {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	if r.Phase != PhaseWaiting {
		r.mu.Unlock()
		return ErrInvalidPhase
	}
	if len(r.ready) == 0 {
		r.mu.Unlock()
		return ErrNoneReady
	}
	r.mu.Unlock()

	m.tryStart(roomID)
	return nil
}

// SetDeadline arms (or replaces) the room's start deadline. A deadline in
// the past triggers the start check immediately.
func (m *ArenaManager) SetDeadline(roomID int64, deadlineMs int64) {
	m.getOrCreate(roomID)

	delay := time.UnixMilli(deadlineMs).Sub(m.now())
	if delay <= 0 {
		m.timers.Cancel(timer.Key{Room: ArenaKey(roomID), Kind: timerDeadline})
		m.tryStart(roomID)
		return
	}
	m.timers.Arm(timer.Key{Room: ArenaKey(roomID), Kind: timerDeadline},
		delay, func() { m.tryStart(roomID) })
}

// tryStart is the shared auto-start trigger: one ready peer wins outright,
// two or more begin the countdown, zero is a no-op.
func (m *ArenaManager) tryStart(roomID int64) {
	r := m.get(roomID)
	if r == nil {
		return
	}

	r.mu.Lock()
	if r.Phase != PhaseWaiting || len(r.ready) == 0 {
		r.mu.Unlock()
		return
	}
	if len(r.ready) == 1 {
		var winner string
		for p := range r.ready {
			winner = p
		}
		m.endLocked(r, winner)
		r.mu.Unlock()
		m.broadcastEnd(r)
		return
	}
	r.Phase = PhaseCountdown
	r.CountdownStart = m.now()
	dur := r.CountdownDuration
	r.mu.Unlock()

	m.timers.Arm(timer.Key{Room: ArenaKey(roomID), Kind: timerCountdown},
		dur, func() { m.finishCountdown(roomID) })
	m.broadcastState(r)
}

func (m *ArenaManager) finishCountdown(roomID int64) {
	r := m.get(roomID)
	if r == nil {
		return
	}

	r.mu.Lock()
	if r.Phase != PhaseCountdown {
		r.mu.Unlock()
		return
	}
	r.Phase = PhaseActive
	r.StartedAt = m.now()
	r.mu.Unlock()

	m.broadcastState(r)
}

// Update stores the peer's state blob and forwards it to everyone else.
// Phase and ready set are untouched; the server is neutral on physics.
func (m *ArenaManager) Update(roomID int64, peer string, data PlayerState) {
	r := m.getOrCreate(roomID)

	r.mu.Lock()
	r.Players[peer] = data
	r.mu.Unlock()

	m.emitter.Broadcast(ArenaKey(roomID), m.envelope("update", map[string]any{
		"playerId": peer,
		"data":     data,
	}), peer)
}

// Eliminated marks the peer dead and, during the active phase, checks for a
// last player standing. Only peers that have reported state are counted.
func (m *ArenaManager) Eliminated(roomID int64, peer string) {
	r := m.get(roomID)
	if r == nil {
		return
	}
	key := ArenaKey(roomID)

	r.mu.Lock()
	if st, ok := r.Players[peer]; ok {
		st["alive"] = false
	}
	var survivor string
	alive := 0
	if r.Phase == PhaseActive {
		for id, st := range r.Players {
			if st.Alive() {
				alive++
				survivor = id
			}
		}
	}
	ended := r.Phase == PhaseActive && alive == 1
	if ended {
		m.endLocked(r, survivor)
	}
	r.mu.Unlock()

	m.emitter.Broadcast(key, m.envelope("eliminated", map[string]any{
		"playerId": peer,
	}), peer)
	if ended {
		m.broadcastEnd(r)
	}
}

// ForceWinner ends the room unconditionally with the named winner. The
// sender is trusted; see the hardening note in DESIGN.md.
func (m *ArenaManager) ForceWinner(roomID int64, winnerID string) {
	r := m.get(roomID)
	if r == nil {
		return
	}

	r.mu.Lock()
	if r.Phase == PhaseEnded {
		r.mu.Unlock()
		return
	}
	m.endLocked(r, winnerID)
	r.mu.Unlock()

	m.broadcastEnd(r)
}

// endLocked performs the transition to ended. Caller holds r.mu.
func (m *ArenaManager) endLocked(r *ArenaRoom, winner string) {
	r.Phase = PhaseEnded
	r.Winner = winner
	key := ArenaKey(r.ID)
	m.timers.Cancel(timer.Key{Room: key, Kind: timerCountdown})
	m.timers.Cancel(timer.Key{Room: key, Kind: timerAutoStart})
	m.timers.Cancel(timer.Key{Room: key, Kind: timerDeadline})
}

func (m *ArenaManager) broadcastEnd(r *ArenaRoom) {
	r.mu.Lock()
	winner := r.Winner
	r.mu.Unlock()
	m.broadcastState(r)
	m.emitter.Broadcast(ArenaKey(r.ID), m.envelope("winner", map[string]any{
		"winnerId": winner,
	}), "")
}

func (m *ArenaManager) broadcastState(r *ArenaRoom) {
	key := ArenaKey(r.ID)
	r.mu.Lock()
	state := r.stateLocked(len(m.emitter.Peers(key)))
	r.mu.Unlock()
	m.emitter.Broadcast(key, m.envelope("game_state_update", map[string]any{
		"gameState": state,
	}), "")
}

// stateLocked builds the gameState payload. Caller holds r.mu.
func (r *ArenaRoom) stateLocked(totalPlayers int) map[string]any {
	var countdownStart any
	if !r.CountdownStart.IsZero() {
		countdownStart = r.CountdownStart.UnixMilli()
	}
	var startTime any
	if !r.StartedAt.IsZero() {
		startTime = r.StartedAt.UnixMilli()
	}
	return map[string]any{
		"phase":              string(r.Phase),
		"countdownStartTime": countdownStart,
		"countdownDuration":  r.CountdownDuration.Milliseconds(),
		"startTime":          startTime,
		"readyPlayers":       len(r.ready),
		"totalPlayers":       totalPlayers,
	}
}

func (m *ArenaManager) envelope(typ string, fields map[string]any) map[string]any {
	msg := map[string]any{"type": typ, "timestamp": m.now().UnixMilli()}
	for k, v := range fields {
		msg[k] = v
	}
	return msg
}
