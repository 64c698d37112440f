package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/homerhq/homer/pkg/bus"
)

var wsUpgrader = &websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWS upgrades the connection and relays the event bus to it. The
// subscription is taken before the initial state snapshot so no event
// falls between the two; every connection starts with a `state` event.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.bus.Subscribe()
	defer cancel()

	initial := bus.Event{
		Type:     bus.EventState,
		Ts:       time.Now().UTC(),
		Snapshot: s.control.Snapshot(),
	}
	if err := conn.WriteJSON(initial); err != nil {
		return
	}

	// Drain client frames so pings and closes are processed; the
	// reader's exit means the peer went away.
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Bus closed, or this subscriber stopped keeping up
				// and was disconnected.
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("ws write failed", "error", err)
				return
			}
		case <-peerGone:
			return
		}
	}
}
