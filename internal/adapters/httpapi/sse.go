package httpapi

import (
	"encoding/json"

	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/notify"
)

const roomsStream = "rooms"

// EventStream bridges the notification bus onto an SSE endpoint so a room
// directory can update live without polling.
type EventStream struct {
	server *sse.Server
	unsub  func()
}

func NewEventStream(bus *notify.Bus) *EventStream {
	server := sse.New()
	server.AutoReplay = false
	server.CreateStream(roomsStream)

	es := &EventStream{server: server}
	es.unsub = bus.Subscribe(func(ev notify.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Str("module", "httpapi.sse").Msg("marshal event")
			return
		}
		server.Publish(roomsStream, &sse.Event{
			Event: []byte(ev.Kind),
			Data:  data,
		})
	})
	return es
}

func (es *EventStream) Server() *sse.Server { return es.server }

func (es *EventStream) Close() {
	es.unsub()
	es.server.Close()
}
