package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/core"
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
)

// envelope is the wire format shared with the presence adapter.
type envelope struct {
	Type          string `json:"type"`
	SDP           string `json:"sdp,omitempty"`
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
	Token         string `json:"token,omitempty"`
	SID           string `json:"sid,omitempty"`
	Identity      string `json:"identity,omitempty"`
	Role          string `json:"role,omitempty"`
	Speaking      bool   `json:"speaking,omitempty"`
	Muted         bool   `json:"muted,omitempty"`
	AutoSubscribe bool   `json:"autoSubscribe,omitempty"`
	Adaptive      bool   `json:"adaptive,omitempty"`
}

// sigClient is the client end of the signaling WebSocket.
type sigClient struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool

	onEnvelope func(envelope)
}

func dialSignal(ctx context.Context, url, token string) (*sigClient, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	c := &sigClient{conn: conn, send: make(chan []byte, 32)}
	c.sendEnvelope(envelope{Type: typeJoin, Token: token})
	return c, nil
}

func (c *sigClient) run(ctx context.Context) {
	go c.writePump(ctx)
	go c.readPump(ctx)
}

func (c *sigClient) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "rtc.signal").Msg("set write deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "rtc.signal").Msg("write")
				return
			}
		}
	}
}

func (c *sigClient) readPump(ctx context.Context) {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error().Err(err).Str("module", "rtc.signal").Msg("read")
				}
				return
			}
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				log.Error().Err(err).Str("module", "rtc.signal").Msg("bad json")
				continue
			}
			if c.onEnvelope != nil {
				c.onEnvelope(env)
			}
		}
	}
}

func (c *sigClient) trySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("signaling closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("signaling backpressure")
	}
}

func (c *sigClient) sendEnvelope(env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc.signal").Msg("marshal envelope")
		return
	}
	if err := c.trySend(data); err != nil {
		log.Warn().Err(err).Str("module", "rtc.signal").Str("type", env.Type).Msg("drop envelope")
	}
}

func (c *sigClient) sendOffer(sdp string, opts core.ConnectOptions) {
	c.sendEnvelope(envelope{
		Type:          typeOffer,
		SDP:           sdp,
		AutoSubscribe: opts.AutoSubscribe,
		Adaptive:      opts.AdaptiveStream,
	})
}

func (c *sigClient) sendCandidate(ci webrtc.ICECandidateInit) {
	env := envelope{Type: typeCandidate, Candidate: ci.Candidate}
	if ci.SDPMid != nil {
		env.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		env.SDPMLineIndex = *ci.SDPMLineIndex
	}
	c.sendEnvelope(env)
}

func (c *sigClient) sendMuted(muted bool) {
	c.sendEnvelope(envelope{Type: typeMuted, Muted: muted})
}

func (c *sigClient) Close() {
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
