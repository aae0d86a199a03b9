package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/domain"
)

const (
	typeJoin       = "join"
	typeOffer      = "offer"
	typeAnswer     = "answer"
	typeCandidate  = "candidate"
	typePeerJoined = "peer-joined"
	typePeerLeft   = "peer-left"
	typeSpeaking   = "speaking"
	typeMuted      = "muted"
	typePing       = "ping"
	typePong       = "pong"
)

var errBackpressure = errors.New("backpressure")

// envelope is the wire format shared with the rtc adapter's client end.
type envelope struct {
	Type          string `json:"type"`
	SDP           string `json:"sdp,omitempty"`
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
	Token         string `json:"token,omitempty"`
	SID           string `json:"sid,omitempty"`
	To            string `json:"to,omitempty"`
	Identity      string `json:"identity,omitempty"`
	Role          string `json:"role,omitempty"`
	Speaking      bool   `json:"speaking,omitempty"`
	Muted         bool   `json:"muted,omitempty"`
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	sid      string
	identity string
	role     domain.Role

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) trySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errBackpressure
	}
}

func (c *wsConn) sendEnvelope(env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.trySend(data)
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "presence").Str("sid", c.sid).Msg("set write deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "presence").Str("sid", c.sid).Msg("write")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, roomID domain.RoomID, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug().Err(err).Str("module", "presence").Str("sid", c.sid).Msg("read")
				}
				return
			}
			ctl.handleEnvelope(roomID, c, data)
		}
	}
}

func (ctl *Controller) handleEnvelope(roomID domain.RoomID, c *wsConn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "presence").Str("sid", c.sid).Msg("bad json")
		return
	}

	switch env.Type {
	case typeJoin:
		// Already admitted during the upgrade.
	case typePing:
		_ = c.sendEnvelope(envelope{Type: typePong})
	case typeSpeaking:
		env.SID = c.sid
		ctl.broadcast(roomID, c.sid, env)
	case typeMuted:
		env.SID = c.sid
		ctl.broadcast(roomID, c.sid, env)
	case typeOffer, typeAnswer, typeCandidate:
		// Signaling is relayed, never interpreted.
		to := env.To
		env.To = ""
		env.SID = c.sid
		if to != "" {
			ctl.relay(roomID, to, env)
		} else {
			ctl.broadcast(roomID, c.sid, env)
		}
	default:
		log.Warn().Str("module", "presence").Str("type", env.Type).Msg("unknown envelope")
	}
}
