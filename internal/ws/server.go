package ws

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/qtrix/purge-server/internal/config"
	"github.com/qtrix/purge-server/internal/game"
	"github.com/qtrix/purge-server/internal/timer"
)

const (
	sweepInterval       = 30 * time.Second
	statsInterval       = 60 * time.Second
	battleScanInterval  = 60 * time.Second
	closeInvalidParams  = websocket.ClosePolicyViolation
	reasonInvalidParams = "Invalid parameters"
)

// Server is the acceptor/demultiplexer: it upgrades connections, routes by
// path to the arena or battle flavor, validates query parameters, and runs
// the background liveness and cleanup loops.
type Server struct {
	cfg      config.Config
	registry *Registry
	timers   *timer.Service
	arena    *game.ArenaManager
	battle   *game.BattleManager
	router   *Router
	upgrader websocket.Upgrader

	instance string
	started  time.Time
	done     chan struct{}
}

func New(cfg config.Config) *Server {
	reg := NewRegistry()
	timers := timer.New()
	arena := game.NewArenaManager(reg, timers)
	battle := game.NewBattleManager(reg, timers)

	s := &Server{
		cfg:      cfg,
		registry: reg,
		timers:   timers,
		arena:    arena,
		battle:   battle,
		router:   NewRouter(arena, battle, reg),
		instance: uuid.NewString(),
		started:  time.Now(),
		done:     make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return cfg.OriginAllowed(r.Header.Get("Origin"))
		},
	}
	return s
}

// Start launches the liveness sweep, stats log, and battle expiry scan.
func (s *Server) Start() {
	go s.sweepLoop()
	go s.statsLoop()
	go s.battleScanLoop()
}

// Stop halts the loops, cancels every timer, and closes all sockets.
func (s *Server) Stop() {
	close(s.done)
	s.timers.Stop()
	s.registry.CloseAll(websocket.CloseGoingAway, "server shutting down")
}

// IsWebSocket reports whether the request asks for an upgrade; the root
// path serves health to plain GETs and the arena socket to upgrades.
func IsWebSocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// HandleArena accepts ws://host/?gameId=<int>&playerId=<str>.
func (s *Server) HandleArena(c *gin.Context) {
	q := c.Request.URL.Query()
	gameID, err := strconv.ParseInt(q.Get("gameId"), 10, 64)
	playerID := q.Get("playerId")
	valid := err == nil && playerID != ""

	conn, upErr := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if upErr != nil {
		log.Warn().Err(upErr).Msg("arena upgrade failed")
		return
	}
	client := newClient(uuid.NewString(), conn)
	go client.writePump()

	if !valid {
		client.Terminate(closeInvalidParams, reasonInvalidParams)
		return
	}

	room := game.ArenaKey(gameID)
	s.attach(client, room, playerID)
	log.Info().Str("conn", client.id).Str("room", room).Str("player", playerID).
		Msg("arena peer connected")
	s.arena.Connect(gameID, playerID)

	go s.readPump(client, room, playerID, func(raw []byte) {
		s.router.HandleArena(gameID, playerID, raw)
	}, func() {
		s.arena.Disconnect(gameID, playerID)
	})
}

// HandleBattle accepts ws://host/battle?challengeId=<str>&playerId=<str>.
func (s *Server) HandleBattle(c *gin.Context) {
	q := c.Request.URL.Query()
	challengeID := q.Get("challengeId")
	playerID := q.Get("playerId")
	valid := challengeID != "" && playerID != ""

	conn, upErr := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if upErr != nil {
		log.Warn().Err(upErr).Msg("battle upgrade failed")
		return
	}
	client := newClient(uuid.NewString(), conn)
	go client.writePump()

	if !valid {
		client.Terminate(closeInvalidParams, reasonInvalidParams)
		return
	}

	room := game.BattleKey(challengeID)
	s.attach(client, room, playerID)
	if err := s.battle.Connect(challengeID, playerID); err != nil {
		s.registry.Remove(room, playerID, client)
		client.Terminate(websocket.ClosePolicyViolation, "Challenge is full")
		log.Info().Str("challenge", challengeID).Str("player", playerID).
			Msg("refused third peer on full challenge")
		return
	}
	log.Info().Str("conn", client.id).Str("challenge", challengeID).Str("player", playerID).
		Msg("battle peer connected")

	go s.readPump(client, room, playerID, func(raw []byte) {
		s.router.HandleBattle(challengeID, playerID, raw)
	}, func() {
		s.battle.Disconnect(challengeID, playerID)
	})
}

// attach installs the registry record, closing any incumbent connection
// for the same (room, peer) pair first.
func (s *Server) attach(client *Client, room, peer string) {
	if replaced := s.registry.Add(room, peer, client.id, client); replaced != nil {
		replaced.Terminate(websocket.CloseNormalClosure, "replaced by newer connection")
		log.Info().Str("room", room).Str("player", peer).Msg("replaced existing connection")
	}
}

// readPump consumes frames until the socket dies, then runs the disconnect
// path exactly once if this client still owns its registry record.
func (s *Server) readPump(client *Client, room, peer string, handle func([]byte), disconnected func()) {
	defer func() {
		client.Terminate(websocket.CloseNormalClosure, "")
		if s.registry.Remove(room, peer, client) {
			log.Info().Str("conn", client.id).Str("room", room).Str("player", peer).
				Msg("peer disconnected")
			disconnected()
		}
	}()

	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		s.registry.Touch(room, peer)
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(raw)
	}
}

// Health writes the status document served on /health and plain GET /.
func (s *Server) Health(c *gin.Context, service, version string) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   service,
		"instance":  s.instance,
		"games":     s.arena.RoomCount(),
		"battles":   s.battle.RoomCount(),
		"players":   s.registry.Count(),
		"uptime":    int64(time.Since(s.started).Seconds()),
		"timestamp": time.Now().UnixMilli(),
		"version":   version,
	})
}

// sweepLoop runs the liveness discipline: evict whoever missed the last
// ping round or went 60 s without a heartbeat, then ping the survivors.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			for _, rm := range s.registry.SweepStale(now) {
				s.notifyDisconnect(rm)
			}
			s.registry.PingAll()
		}
	}
}

// notifyDisconnect routes a swept record to the owning session manager.
func (s *Server) notifyDisconnect(rm Removed) {
	flavor, id, ok := strings.Cut(rm.Room, ":")
	if !ok {
		return
	}
	switch flavor {
	case "arena":
		gameID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return
		}
		s.arena.Disconnect(gameID, rm.Peer)
	case "battle":
		s.battle.Disconnect(id, rm.Peer)
	}
}

func (s *Server) statsLoop() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			log.Info().
				Int("games", s.arena.RoomCount()).
				Int("battles", s.battle.RoomCount()).
				Int("players", s.registry.Count()).
				Int64("uptime", int64(time.Since(s.started).Seconds())).
				Msg("stats")
		}
	}
}

func (s *Server) battleScanLoop() {
	ticker := time.NewTicker(battleScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if n := s.battle.SweepExpired(); n > 0 {
				log.Info().Int("expired", n).Msg("reaped expired battles")
			}
		}
	}
}
