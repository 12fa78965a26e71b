package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/wolfeidau/tts-bridge/events"
	"github.com/wolfeidau/tts-bridge/telemetry"
)

const (
	heartbeatInterval = 30 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

// handleEvents streams bus events as server-sent events until the client
// goes away or the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sse")

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(ev events.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
			return err
		}
		return rc.Flush()
	}

	if err := send(events.Event{Name: events.Connected, Time: time.Now()}); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := send(ev); err != nil {
				s.logger.Debug("event stream closed", "error", err)
				return
			}
		}
	}
}

// handleEventsWS streams bus events over a WebSocket as JSON text messages.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "websocket")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// Nothing is read from clients; this also handles their close frames.
	ctx := conn.CloseRead(r.Context())

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	send := func(ev events.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		return conn.Write(wctx, websocket.MessageText, data)
	}

	if err := send(events.Event{Name: events.Connected, Time: time.Now()}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := send(ev); err != nil {
				s.logger.Debug("websocket closed", "error", err)
				return
			}
		}
	}
}
