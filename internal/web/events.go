package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"storyboard-studio/internal/pipeline"
)

const (
	eventsWriteWait = 10 * time.Second
	eventsPongWait  = 60 * time.Second
	eventsPingEvery = (eventsPongWait * 9) / 10
	eventsBuffer    = 64
)

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// handleEvents streams the workspace's pipeline events. The first message
// is a "state" event carrying the current state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(w, r)

	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(eventsPongWait)); err != nil {
		s.logger.Warn("events set read deadline failed", "err", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	})

	writeCh := make(chan pipeline.Event, eventsBuffer)
	unsubscribe := ws.Orchestrator.Subscribe(func(ev pipeline.Event) {
		pushEvent(writeCh, ev)
	})
	defer unsubscribe()

	pushEvent(writeCh, pipeline.Event{Kind: pipeline.EventState, State: ws.Orchestrator.State()})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		ticker := time.NewTicker(eventsPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(eventsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(eventsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// The reader only drains control frames and notices the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	cancel()
	<-writerDone
}

// pushEvent never blocks the pipeline; a slow client loses events and can
// resync from GET /api/run.
func pushEvent(ch chan<- pipeline.Event, ev pipeline.Event) {
	select {
	case ch <- ev:
	default:
	}
}
