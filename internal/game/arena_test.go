package game

import (
	"errors"
	"testing"
	"time"

	"github.com/qtrix/purge-server/internal/timer"
)

func newArenaFixture() (*ArenaManager, *fakeEmitter, *timer.Service) {
	e := newFakeEmitter()
	ts := timer.New()
	m := NewArenaManager(e, ts)
	m.AutoStartDelay = 10 * time.Millisecond
	m.CountdownDuration = 20 * time.Millisecond
	return m, e, ts
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestConnectEmitsSyncAndState(t *testing.T) {
	m, e, ts := newArenaFixture()
	defer ts.Stop()

	e.join(ArenaKey(7), "alice")
	m.Connect(7, "alice")

	sync, ok := e.lastOfType("sync")
	if !ok {
		t.Fatal("joiner should receive sync")
	}
	if sync.peer != "alice" {
		t.Fatalf("sync must be unicast to the joiner, went to %q", sync.peer)
	}
	if len(sync.msg["players"].([]map[string]any)) != 0 {
		t.Fatal("first joiner should see an empty roster")
	}

	state, ok := e.lastOfType("game_state_update")
	if !ok {
		t.Fatal("connect should broadcast game_state_update")
	}
	gs := state.msg["gameState"].(map[string]any)
	if gs["phase"] != string(PhaseWaiting) {
		t.Fatalf("expected waiting phase, got %v", gs["phase"])
	}
	if gs["totalPlayers"] != 1 {
		t.Fatalf("expected totalPlayers 1, got %v", gs["totalPlayers"])
	}

	pc, ok := e.lastOfType("player_connected")
	if !ok {
		t.Fatal("connect should broadcast player_connected")
	}
	if pc.exclude != "alice" {
		t.Fatal("the joiner should not hear its own player_connected")
	}
}

func TestMarkReadyIdempotent(t *testing.T) {
	m, e, ts := newArenaFixture()
	defer ts.Stop()

	e.join(ArenaKey(1), "alice")
	m.Connect(1, "alice")
	m.MarkReady(1, "alice")
	m.MarkReady(1, "alice")

	state, _ := e.lastOfType("game_state_update")
	gs := state.msg["gameState"].(map[string]any)
	if gs["readyPlayers"] != 1 {
		t.Fatalf("repeated mark_ready must not grow the ready set, got %v", gs["readyPlayers"])
	}
}

func TestStartGameNoneReady(t *testing.T) {
	m, _, ts := newArenaFixture()
	defer ts.Stop()

	m.Connect(1, "alice")
	if err := m.StartGame(1, "alice"); !errors.Is(err, ErrNoneReady) {
		t.Fatalf("expected ErrNoneReady, got %v", err)
	}
	if m.get(1).Phase != PhaseWaiting {
		t.Fatal("failed start must not change phase")
	}
}

func TestStartGameSingleReadyWinsOutright(t *testing.T) {
	m, e, ts := newArenaFixture()
	defer ts.Stop()

	e.join(ArenaKey(1), "alice")
	m.Connect(1, "alice")
	m.MarkReady(1, "alice")
	if err := m.StartGame(1, "alice"); err != nil {
		t.Fatalf("start with one ready peer should succeed: %v", err)
	}

	r := m.get(1)
	if r.Phase != PhaseEnded {
		t.Fatalf("expected ended, got %v", r.Phase)
	}
	if r.Winner != "alice" {
		t.Fatalf("the single ready peer wins, got %q", r.Winner)
	}
	if !r.CountdownStart.IsZero() {
		t.Fatal("countdown never ran, countdownStart must stay unset")
	}
	win, ok := e.lastOfType("winner")
	if !ok {
		t.Fatal("expected winner broadcast")
	}
	if win.msg["winnerId"] != "alice" {
		t.Fatalf("expected winnerId alice, got %v", win.msg["winnerId"])
	}
}

func TestAutoStartRunsCountdownThenActive(t *testing.T) {
	m, e, ts := newArenaFixture()
	defer ts.Stop()

	e.join(ArenaKey(7), "alice")
	e.join(ArenaKey(7), "bob")
	m.Connect(7, "alice")
	m.Connect(7, "bob")
	m.MarkReady(7, "alice")
	m.MarkReady(7, "bob")

	waitFor(t, func() bool { return m.get(7) != nil && phaseOf(m, 7) == PhaseActive })

	r := m.get(7)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CountdownStart.IsZero() {
		t.Fatal("countdown must have run")
	}
	if r.StartedAt.IsZero() {
		t.Fatal("startTs must be set once active")
	}
	if _, ok := e.lastOfType("game_state_update"); !ok {
		t.Fatal("transitions must broadcast state")
	}
}

func phaseOf(m *ArenaManager, id int64) Phase {
	r := m.get(id)
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Phase
}

func TestSetDeadlineInPastStartsImmediately(t *testing.T) {
	m, e, ts := newArenaFixture()
	defer ts.Stop()

	e.join(ArenaKey(2), "alice")
	e.join(ArenaKey(2), "bob")
	m.Connect(2, "alice")
	m.Connect(2, "bob")
	m.MarkReady(2, "alice")
	m.MarkReady(2, "bob")
	// past deadline: the start check runs inline, no timer involved
	m.SetDeadline(2, time.Now().Add(-time.Minute).UnixMilli())

	if p := phaseOf(m, 2); p != PhaseCountdown && p != PhaseActive {
		t.Fatalf("past deadline must trigger the start check, phase %v", p)
	}
}

func TestDeadlineWithNobodyReadyIsNoop(t *testing.T) {
	m, _, ts := newArenaFixture()
	defer ts.Stop()

	m.Connect(3, "alice")
	m.SetDeadline(3, time.Now().Add(-time.Minute).UnixMilli())
	if p := phaseOf(m, 3); p != PhaseWaiting {
		t.Fatalf("deadline with empty ready set must not start, phase %v", p)
	}
}

func TestUpdateStoresAndForwards(t *testing.T) {
	m, e, ts := newArenaFixture()
	defer ts.Stop()

	e.join(ArenaKey(4), "alice")
	e.join(ArenaKey(4), "bob")
	m.Connect(4, "alice")
	m.Connect(4, "bob")

	m.Update(4, "alice", PlayerState{"x": 1.0, "alive": true})

	upd, ok := e.lastOfType("update")
	if !ok {
		t.Fatal("update must be rebroadcast")
	}
	if upd.exclude != "alice" {
		t.Fatal("the sender must not receive its own update")
	}
	if upd.msg["playerId"] != "alice" {
		t.Fatalf("expected playerId alice, got %v", upd.msg["playerId"])
	}
	if p := phaseOf(m, 4); p != PhaseWaiting {
		t.Fatal("update must not affect phase")
	}
}

func TestEliminationEndgame(t *testing.T) {
	m, e, ts := newArenaFixture()
	defer ts.Stop()

	key := ArenaKey(5)
	for _, p := range []string{"p1", "p2", "p3"} {
		e.join(key, p)
		m.Connect(5, p)
		m.Update(5, p, PlayerState{"alive": true})
	}
	r := m.get(5)
	r.mu.Lock()
	r.Phase = PhaseActive
	r.mu.Unlock()

	m.Update(5, "p1", PlayerState{"alive": false})
	m.Eliminated(5, "p1")
	if p := phaseOf(m, 5); p != PhaseActive {
		t.Fatalf("two peers still alive, got phase %v", p)
	}

	m.Update(5, "p2", PlayerState{"alive": false})
	m.Eliminated(5, "p2")

	if p := phaseOf(m, 5); p != PhaseEnded {
		t.Fatalf("one peer alive means endgame, got phase %v", p)
	}
	win, ok := e.lastOfType("winner")
	if !ok {
		t.Fatal("expected winner broadcast")
	}
	if win.msg["winnerId"] != "p3" {
		t.Fatalf("the last alive peer wins, got %v", win.msg["winnerId"])
	}
}

func TestEliminatedPeerWithoutUpdateNotCounted(t *testing.T) {
	m, e, ts := newArenaFixture()
	defer ts.Stop()

	key := ArenaKey(6)
	e.join(key, "p1")
	e.join(key, "p2")
	m.Connect(6, "p1")
	m.Connect(6, "p2")
	// only p1 ever reports state
	m.Update(6, "p1", PlayerState{"alive": true})
	r := m.get(6)
	r.mu.Lock()
	r.Phase = PhaseActive
	r.mu.Unlock()

	m.Eliminated(6, "p2")

	if p := phaseOf(m, 6); p != PhaseEnded {
		t.Fatalf("p1 is the only counted-alive peer, got phase %v", p)
	}
	win, _ := e.lastOfType("winner")
	if win.msg["winnerId"] != "p1" {
		t.Fatalf("expected p1 to win, got %v", win.msg["winnerId"])
	}
}

func TestForceWinnerEndsAnyPhase(t *testing.T) {
	m, e, ts := newArenaFixture()
	defer ts.Stop()

	e.join(ArenaKey(8), "alice")
	e.join(ArenaKey(8), "bob")
	m.Connect(8, "alice")
	m.Connect(8, "bob")

	m.ForceWinner(8, "bob")

	if p := phaseOf(m, 8); p != PhaseEnded {
		t.Fatalf("winner message ends the room, got phase %v", p)
	}
	win, _ := e.lastOfType("winner")
	if win.msg["winnerId"] != "bob" {
		t.Fatalf("expected bob, got %v", win.msg["winnerId"])
	}
	state, _ := e.lastOfType("game_state_update")
	if state.msg["gameState"].(map[string]any)["phase"] != string(PhaseEnded) {
		t.Fatal("ended state must be broadcast")
	}
}

func TestLastDisconnectDeletesRoom(t *testing.T) {
	m, e, ts := newArenaFixture()
	defer ts.Stop()

	e.join(ArenaKey(9), "alice")
	m.Connect(9, "alice")
	if m.RoomCount() != 1 {
		t.Fatal("room should exist")
	}

	e.leave(ArenaKey(9), "alice")
	m.Disconnect(9, "alice")

	if m.RoomCount() != 0 {
		t.Fatal("empty room must be deleted")
	}
	if ts.Armed(timer.Key{Room: ArenaKey(9), Kind: timerCountdown}) {
		t.Fatal("room deletion cancels its timers")
	}
}

func TestDisconnectBroadcastsAndShrinksState(t *testing.T) {
	m, e, ts := newArenaFixture()
	defer ts.Stop()

	e.join(ArenaKey(10), "alice")
	e.join(ArenaKey(10), "bob")
	m.Connect(10, "alice")
	m.Connect(10, "bob")
	m.MarkReady(10, "bob")

	e.leave(ArenaKey(10), "bob")
	m.Disconnect(10, "bob")

	pd, ok := e.lastOfType("player_disconnected")
	if !ok {
		t.Fatal("expected player_disconnected broadcast")
	}
	if pd.msg["playerId"] != "bob" {
		t.Fatalf("expected bob, got %v", pd.msg["playerId"])
	}
	state, _ := e.lastOfType("game_state_update")
	gs := state.msg["gameState"].(map[string]any)
	if gs["readyPlayers"] != 0 {
		t.Fatal("disconnect must drop the peer from the ready set")
	}
	if gs["totalPlayers"] != 1 {
		t.Fatalf("expected totalPlayers 1, got %v", gs["totalPlayers"])
	}
}
