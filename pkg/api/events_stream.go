package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sandboxrunner/resource-slot/pkg/sandbox"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxClientFrame = 512
	streamBacklog  = 256
)

// eventStream forwards bus events to one websocket client
type eventStream struct {
	id     string
	send   chan []byte
	closed chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func newEventStream(logger zerolog.Logger) *eventStream {
	return &eventStream{
		send:   make(chan []byte, streamBacklog),
		closed: make(chan struct{}),
		logger: logger,
	}
}

// enqueue is the bus handler. It never blocks a bus worker: a client that
// falls behind loses events.
func (s *eventStream) enqueue(event sandbox.Event) error {
	message, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	select {
	case <-s.closed:
		return nil
	case s.send <- message:
		return nil
	default:
		return fmt.Errorf("event stream backlog full, dropped %s", event.ID)
	}
}

func (s *eventStream) close() {
	s.once.Do(func() { close(s.closed) })
}

// handleEventStream upgrades to a websocket and streams lifecycle events.
// ?sandbox= and ?type= narrow the stream like the history endpoint.
func (api *RESTAPI) handleEventStream(w http.ResponseWriter, r *http.Request) {
	bus := api.registry.Events()
	if bus == nil {
		api.writeErrorResponse(w, r, http.StatusServiceUnavailable, "Lifecycle events are disabled", nil)
		return
	}

	query := r.URL.Query()
	stream := newEventStream(api.logger)

	// Subscribe before the handshake completes so the client sees every
	// event published after its dial returns.
	stream.id = bus.Subscribe(stream.enqueue, eventFilter(query.Get("sandbox"), nil), parseEventTypes(query.Get("type"))...)
	defer bus.Unsubscribe(stream.id)

	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		api.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	api.logger.Info().
		Str("subscription_id", stream.id).
		Str("remote_addr", r.RemoteAddr).
		Msg("Event stream connected")

	go api.readPump(conn, stream)
	api.writePump(conn, stream)

	api.logger.Info().Str("subscription_id", stream.id).Msg("Event stream disconnected")
}

// readPump discards client frames and closes the stream once the client
// goes away or stops answering pings
func (api *RESTAPI) readPump(conn *websocket.Conn, stream *eventStream) {
	defer stream.close()

	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				api.logger.Error().Err(err).Str("subscription_id", stream.id).Msg("WebSocket error")
			}
			return
		}
	}
}

func (api *RESTAPI) writePump(conn *websocket.Conn, stream *eventStream) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-stream.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				api.logger.Error().Err(err).Str("subscription_id", stream.id).Msg("WebSocket write error")
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-api.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return

		case <-stream.closed:
			return
		}
	}
}
