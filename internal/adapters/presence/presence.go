// Package presence is the server end of the room WebSocket: it gates entry
// with a verified token, feeds live occupancy into the lifecycle manager,
// and fans presence and signaling envelopes out to room peers.
package presence

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/app"
	"github.com/voxhall/voxhall/internal/auth"
	"github.com/voxhall/voxhall/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	lifecycle *app.Manager
	issuer    *auth.Issuer

	mu    sync.RWMutex
	rooms map[domain.RoomID]map[string]*wsConn
}

func NewController(lifecycle *app.Manager, issuer *auth.Issuer) *Controller {
	return &Controller{
		lifecycle: lifecycle,
		issuer:    issuer,
		rooms:     make(map[domain.RoomID]map[string]*wsConn),
	}
}

// HandleRoom upgrades an authenticated join attempt. Admission runs before
// the upgrade so a closed or full room never costs a socket.
func (ctl *Controller) HandleRoom(ctx context.Context, c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	token := c.Query("token")
	if token == "" {
		if t, err := auth.ExtractBearer(c.Request); err == nil {
			token = t
		}
	}
	claims, err := ctl.issuer.VerifyForRoom(token, roomID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	sid := uuid.NewString()
	if _, err := ctl.lifecycle.AdmitSession(ctx, roomID, sid); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, app.ErrRoomFull) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ctl.lifecycle.Leave(roomID, sid)
		log.Error().Err(err).Str("module", "presence").Msg("ws upgrade")
		return
	}

	conn := &wsConn{
		conn:     ws,
		send:     make(chan []byte, 32),
		sid:      sid,
		identity: claims.Identity,
		role:     claims.Role,
	}
	log.Info().Str("module", "presence").Str("room", string(roomID)).Str("sid", sid).Str("identity", claims.Identity).Msg("peer connected")

	peers := ctl.register(roomID, conn)

	// Newcomer learns its own session id and the current roster; the room
	// learns the newcomer.
	conn.sendEnvelope(envelope{Type: typeJoin, SID: sid})
	for _, p := range peers {
		conn.sendEnvelope(envelope{Type: typePeerJoined, SID: p.sid, Identity: p.identity, Role: string(p.role)})
	}
	ctl.broadcast(roomID, sid, envelope{Type: typePeerJoined, SID: sid, Identity: claims.Identity, Role: string(claims.Role)})

	connCtx, cancel := context.WithCancel(ctx)
	go ctl.writePump(connCtx, conn)
	go func() {
		defer cancel()
		ctl.readPump(connCtx, roomID, conn)
		ctl.drop(roomID, conn)
	}()
}

func (ctl *Controller) register(roomID domain.RoomID, conn *wsConn) []*wsConn {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	set, ok := ctl.rooms[roomID]
	if !ok {
		set = make(map[string]*wsConn)
		ctl.rooms[roomID] = set
	}
	peers := make([]*wsConn, 0, len(set))
	for _, p := range set {
		peers = append(peers, p)
	}
	set[conn.sid] = conn
	return peers
}

// drop unregisters the connection and tells the room. Dropping twice is
// harmless.
func (ctl *Controller) drop(roomID domain.RoomID, conn *wsConn) {
	ctl.mu.Lock()
	set, ok := ctl.rooms[roomID]
	if ok {
		if _, present := set[conn.sid]; !present {
			ok = false
		}
		delete(set, conn.sid)
		if len(set) == 0 {
			delete(ctl.rooms, roomID)
		}
	}
	ctl.mu.Unlock()

	conn.Close()
	if !ok {
		return
	}
	ctl.lifecycle.Leave(roomID, conn.sid)
	ctl.broadcast(roomID, conn.sid, envelope{Type: typePeerLeft, SID: conn.sid})
	log.Info().Str("module", "presence").Str("room", string(roomID)).Str("sid", conn.sid).Msg("peer disconnected")
}

// broadcast sends to every room peer except `from`. Slow consumers are
// dropped rather than allowed to stall the room.
func (ctl *Controller) broadcast(roomID domain.RoomID, from string, env envelope) {
	ctl.mu.RLock()
	set := ctl.rooms[roomID]
	peers := make([]*wsConn, 0, len(set))
	for sid, p := range set {
		if sid == from {
			continue
		}
		peers = append(peers, p)
	}
	ctl.mu.RUnlock()

	for _, p := range peers {
		if err := p.sendEnvelope(env); err != nil {
			log.Warn().Err(err).Str("module", "presence").Str("sid", p.sid).Msg("dropping slow peer")
			ctl.drop(roomID, p)
		}
	}
}

// relay forwards a signaling envelope to one peer.
func (ctl *Controller) relay(roomID domain.RoomID, to string, env envelope) {
	ctl.mu.RLock()
	var target *wsConn
	if set, ok := ctl.rooms[roomID]; ok {
		target = set[to]
	}
	ctl.mu.RUnlock()
	if target == nil {
		log.Warn().Str("module", "presence").Str("to", to).Msg("relay target gone")
		return
	}
	if err := target.sendEnvelope(env); err != nil {
		ctl.drop(roomID, target)
	}
}

// RoomPeers is a read-only snapshot for the HTTP layer.
func (ctl *Controller) RoomPeers(roomID domain.RoomID) []PeerInfo {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	set := ctl.rooms[roomID]
	out := make([]PeerInfo, 0, len(set))
	for _, p := range set {
		out = append(out, PeerInfo{SID: p.sid, Identity: p.identity, Role: p.role})
	}
	return out
}

type PeerInfo struct {
	SID      string      `json:"sid"`
	Identity string      `json:"identity"`
	Role     domain.Role `json:"role"`
}
