package game

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/qtrix/purge-server/internal/timer"
)

var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeFull     = errors.New("challenge is full")
	ErrDuplicateMove     = errors.New("move already submitted for round")
	ErrNotInProgress     = errors.New("battle not in progress")
)

const (
	timerBattleStart   = "start"
	timerBattleCleanup = "cleanup"
)

// BattleRoom is a two-party challenge keyed by an opaque challenge id.
type BattleRoom struct {
	ID        string
	Status    BattleStatus
	Winner    string
	CreatedAt time.Time

	players map[string]struct{}
	moves   map[int][]MoveRecord

	mu sync.Mutex
}

// BattleManager owns the challenge table. Same discipline as the arena
// manager: per-room mutex, timers re-entering through manager methods.
type BattleManager struct {
	mu    sync.RWMutex
	rooms map[string]*BattleRoom

	emitter Emitter
	timers  *timer.Service
	now     func() time.Time

	ReadyDelay   time.Duration
	CleanupDelay time.Duration
	MaxAge       time.Duration
}

func NewBattleManager(e Emitter, t *timer.Service) *BattleManager {
	return &BattleManager{
		rooms:        make(map[string]*BattleRoom),
		emitter:      e,
		timers:       t,
		now:          time.Now,
		ReadyDelay:   time.Second,
		CleanupDelay: 30 * time.Second,
		MaxAge:       30 * time.Minute,
	}
}

// SetClock replaces the time source. Test hook.
func (m *BattleManager) SetClock(now func() time.Time) { m.now = now }

func (m *BattleManager) get(id string) *BattleRoom {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[id]
}

// RoomCount is read by the health endpoint and the stats log.
func (m *BattleManager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Connect admits a peer into the challenge, creating it on first arrival.
// A full battle refuses strangers; a known peer reconnecting is fine (the
// registry already replaced its transport).
func (m *BattleManager) Connect(challengeID, peer string) error {
	m.mu.Lock()
	r, ok := m.rooms[challengeID]
	if !ok {
		r = &BattleRoom{
			ID:        challengeID,
			Status:    StatusWaiting,
			CreatedAt: m.now(),
			players:   make(map[string]struct{}),
			moves:     make(map[int][]MoveRecord),
		}
		m.rooms[challengeID] = r
	}
	m.mu.Unlock()

	key := BattleKey(challengeID)

	r.mu.Lock()
	if _, known := r.players[peer]; !known {
		if len(r.players) >= 2 {
			r.mu.Unlock()
			return ErrChallengeFull
		}
		r.players[peer] = struct{}{}
	}
	n := len(r.players)
	becameReady := n == 2 && r.Status == StatusWaiting
	if becameReady {
		r.Status = StatusReady
	}
	r.mu.Unlock()

	m.emitter.Broadcast(key, m.envelope("player_joined", map[string]any{
		"playerId":    peer,
		"playerCount": n,
	}), "")

	if becameReady {
		m.emitter.Broadcast(key, m.envelope("game_ready", map[string]any{
			"challengeId": challengeID,
		}), "")
		m.timers.Arm(timer.Key{Room: key, Kind: timerBattleStart},
			m.ReadyDelay, func() { m.beginPlay(challengeID) })
	}
	return nil
}

func (m *BattleManager) beginPlay(challengeID string) {
	r := m.get(challengeID)
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.Status == StatusReady {
		r.Status = StatusInProgress
	}
	r.mu.Unlock()
}

// SubmitMove appends to the round ledger: at most one move per peer per
// round. The opponent hears about progress immediately; a completed round
// is echoed to both sides in submission order.
func (m *BattleManager) SubmitMove(challengeID, peer string, round int, move string) error {
	r := m.get(challengeID)
	if r == nil {
		return ErrChallengeNotFound
	}
	key := BattleKey(challengeID)

	r.mu.Lock()
	if r.Status != StatusInProgress {
		r.mu.Unlock()
		return ErrNotInProgress
	}
	for _, rec := range r.moves[round] {
		if rec.Player == peer {
			r.mu.Unlock()
			return ErrDuplicateMove
		}
	}
	r.moves[round] = append(r.moves[round], MoveRecord{
		Player:      peer,
		Move:        move,
		Round:       round,
		SubmittedAt: m.now(),
	})
	complete := len(r.moves[round]) == 2
	var moves []map[string]any
	if complete {
		moves = make([]map[string]any, 0, 2)
		for _, rec := range r.moves[round] {
			moves = append(moves, map[string]any{
				"playerAddress": rec.Player,
				"move":          rec.Move,
			})
		}
	}
	r.mu.Unlock()

	m.emitter.Broadcast(key, m.envelope("opponent_moved", map[string]any{
		"playerId": peer,
		"round":    round,
	}), peer)

	if complete {
		m.emitter.Broadcast(key, m.envelope("round_complete", map[string]any{
			"round": round,
			"moves": moves,
		}), "")
	}
	return nil
}

// End finalizes the battle with the given winner and schedules the room
// for cleanup. Used both for client-reported endings and forfeits.
func (m *BattleManager) End(challengeID, winner string) {
	r := m.get(challengeID)
	if r == nil {
		return
	}
	key := BattleKey(challengeID)

	r.mu.Lock()
	if r.Status == StatusEnded {
		r.mu.Unlock()
		return
	}
	r.Status = StatusEnded
	r.Winner = winner
	r.mu.Unlock()

	m.emitter.Broadcast(key, m.envelope("game_ended", map[string]any{
		"winner":      winner,
		"challengeId": challengeID,
	}), "")
	m.timers.Arm(timer.Key{Room: key, Kind: timerBattleCleanup},
		m.CleanupDelay, func() { m.deleteRoom(challengeID) })
}

// Disconnect handles a peer dropping out. Mid-game it is a forfeit: the
// remaining peer wins. Before the game starts the peer is simply removed.
func (m *BattleManager) Disconnect(challengeID, peer string) {
	r := m.get(challengeID)
	if r == nil {
		return
	}
	key := BattleKey(challengeID)

	r.mu.Lock()
	delete(r.players, peer)
	inProgress := r.Status == StatusInProgress
	var remaining string
	for p := range r.players {
		remaining = p
	}
	r.mu.Unlock()

	if remaining != "" {
		m.emitter.Broadcast(key, m.envelope("opponent_left", map[string]any{
			"playerId": peer,
		}), peer)
	}

	if inProgress && remaining != "" {
		m.End(challengeID, remaining)
		return
	}
	if remaining == "" {
		m.deleteRoom(challengeID)
	}
}

func (m *BattleManager) deleteRoom(id string) {
	key := BattleKey(id)
	m.timers.CancelRoom(key)
	for _, p := range m.emitter.Peers(key) {
		m.emitter.Kick(key, p, websocket.CloseNormalClosure, "challenge closed")
	}
	m.mu.Lock()
	delete(m.rooms, id)
	m.mu.Unlock()
}

// SweepExpired deletes battles past MaxAge that never got going or already
// finished. In-progress games are left alone. Runs from the 60 s scan.
func (m *BattleManager) SweepExpired() int {
	cutoff := m.now().Add(-m.MaxAge)

	m.mu.RLock()
	expired := make([]string, 0)
	for id, r := range m.rooms {
		r.mu.Lock()
		if r.Status != StatusInProgress && r.CreatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
		r.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.deleteRoom(id)
	}
	return len(expired)
}

func (m *BattleManager) envelope(typ string, fields map[string]any) map[string]any {
	msg := map[string]any{"type": typ, "timestamp": m.now().UnixMilli()}
	for k, v := range fields {
		msg[k] = v
	}
	return msg
}
