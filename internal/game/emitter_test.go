package game

import "sync"

// fakeEmitter captures outbound traffic so the state machines can be
// driven without sockets.
type fakeEmitter struct {
	mu     sync.Mutex
	peers  map[string][]string
	sent   []captured
	kicked []kick
}

type captured struct {
	room    string
	peer    string // unicast target, "" for broadcast
	exclude string
	msg     map[string]any
}

type kick struct {
	room, peer, reason string
	code               int
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{peers: make(map[string][]string)}
}

func (f *fakeEmitter) join(room, peer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers[room] = append(f.peers[room], peer)
}

func (f *fakeEmitter) leave(room, peer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.peers[room][:0]
	for _, p := range f.peers[room] {
		if p != peer {
			out = append(out, p)
		}
	}
	f.peers[room] = out
}

func (f *fakeEmitter) SendTo(room, peer string, msg map[string]any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, captured{room: room, peer: peer, msg: msg})
	return true
}

func (f *fakeEmitter) Broadcast(room string, msg map[string]any, exclude string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, captured{room: room, exclude: exclude, msg: msg})
	return len(f.peers[room])
}

func (f *fakeEmitter) Peers(room string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.peers[room]...)
}

func (f *fakeEmitter) Kick(room, peer string, code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicked = append(f.kicked, kick{room: room, peer: peer, code: code, reason: reason})
}

// lastOfType returns the most recent captured message of the given type.
func (f *fakeEmitter) lastOfType(typ string) (captured, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].msg["type"] == typ {
			return f.sent[i], true
		}
	}
	return captured{}, false
}

// typeSequence lists captured message types in emission order.
func (f *fakeEmitter) typeSequence() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, c := range f.sent {
		out = append(out, c.msg["type"].(string))
	}
	return out
}
