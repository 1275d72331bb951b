package ws

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qtrix/purge-server/internal/game"
)

// inbound is the union of every client envelope. Fields irrelevant to a
// given type are simply left zero by the decoder.
type inbound struct {
	Type     string           `json:"type"`
	Deadline int64            `json:"deadline"`
	Data     game.PlayerState `json:"data"`
	WinnerID string           `json:"winnerId"`
	Winner   string           `json:"winner"`
	Round    *int             `json:"round"`
	Move     string           `json:"move"`
}

// Router is the single entry point for inbound frames. It is not the only
// caller into session mutation: the acceptor passes arrivals and departures
// to the managers directly, and timer callbacks re-enter manager methods;
// all of them serialize on the per-room mutex. Envelope policy is
// tolerant: frames that fail to
// parse, and types nobody knows, are logged and dropped without touching
// the connection.
type Router struct {
	arena    *game.ArenaManager
	battle   *game.BattleManager
	registry *Registry
}

func NewRouter(arena *game.ArenaManager, battle *game.BattleManager, reg *Registry) *Router {
	return &Router{arena: arena, battle: battle, registry: reg}
}

func (rt *Router) parse(room, peer string, raw []byte) (inbound, bool) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warn().Err(err).Str("room", room).Str("player", peer).Msg("unparseable frame dropped")
		return msg, false
	}
	if msg.Type == "" {
		log.Warn().Str("room", room).Str("player", peer).Msg("frame without type dropped")
		return msg, false
	}
	return msg, true
}

// HandleArena dispatches one frame from an arena peer.
func (rt *Router) HandleArena(roomID int64, peer string, raw []byte) {
	room := game.ArenaKey(roomID)
	msg, ok := rt.parse(room, peer, raw)
	if !ok {
		return
	}

	switch msg.Type {
	case "heartbeat":
		rt.registry.Touch(room, peer)
		rt.registry.SendTo(room, peer, map[string]any{
			"type":      "heartbeat_ack",
			"timestamp": time.Now().UnixMilli(),
		})
	case "mark_ready":
		rt.arena.MarkReady(roomID, peer)
	case "start_game":
		if err := rt.arena.StartGame(roomID, peer); err != nil {
			rt.replyError(room, peer, err)
		}
	case "set_deadline":
		if msg.Deadline <= 0 {
			log.Warn().Str("room", room).Str("player", peer).Msg("set_deadline without deadline")
			return
		}
		rt.arena.SetDeadline(roomID, msg.Deadline)
	case "update":
		if msg.Data == nil {
			log.Warn().Str("room", room).Str("player", peer).Msg("update without data")
			return
		}
		rt.arena.Update(roomID, peer, msg.Data)
	case "eliminated":
		rt.arena.Eliminated(roomID, peer)
	case "winner":
		if msg.WinnerID == "" {
			log.Warn().Str("room", room).Str("player", peer).Msg("winner without winnerId")
			return
		}
		rt.arena.ForceWinner(roomID, msg.WinnerID)
	default:
		log.Debug().Str("room", room).Str("player", peer).Str("type", msg.Type).
			Msg("unknown message type ignored")
	}
}

// HandleBattle dispatches one frame from a battle peer.
func (rt *Router) HandleBattle(challengeID, peer string, raw []byte) {
	room := game.BattleKey(challengeID)
	msg, ok := rt.parse(room, peer, raw)
	if !ok {
		return
	}

	switch msg.Type {
	case "heartbeat":
		rt.registry.Touch(room, peer)
		rt.registry.SendTo(room, peer, map[string]any{
			"type":      "heartbeat_ack",
			"timestamp": time.Now().UnixMilli(),
		})
	case "submit_move":
		if msg.Round == nil || *msg.Round < 0 || msg.Move == "" {
			log.Warn().Str("challenge", challengeID).Str("player", peer).
				Msg("submit_move missing round or move")
			return
		}
		if err := rt.battle.SubmitMove(challengeID, peer, *msg.Round, msg.Move); err != nil {
			rt.replyError(room, peer, err)
		}
	case "game_ended":
		if msg.Winner == "" {
			log.Warn().Str("challenge", challengeID).Str("player", peer).
				Msg("game_ended without winner")
			return
		}
		rt.battle.End(challengeID, msg.Winner)
	default:
		log.Debug().Str("challenge", challengeID).Str("player", peer).Str("type", msg.Type).
			Msg("unknown message type ignored")
	}
}

// replyError reports a logic violation to the requester only; the room at
// large never hears about it.
func (rt *Router) replyError(room, peer string, err error) {
	if errors.Is(err, game.ErrRoomNotFound) || errors.Is(err, game.ErrChallengeNotFound) {
		log.Warn().Err(err).Str("room", room).Str("player", peer).Msg("request for missing room")
		return
	}
	rt.registry.SendTo(room, peer, map[string]any{
		"type":      "error",
		"message":   err.Error(),
		"timestamp": time.Now().UnixMilli(),
	})
}
