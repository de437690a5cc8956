package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/softboxd/softboxd/internal/eventbus"
)

const sseHeartbeatInterval = 15 * time.Second

// sseMsg is one rendered server-sent event.
type sseMsg struct {
	event string
	data  []byte
}

// sseHub fans bus events out to connected SSE clients. The bus has no
// unsubscribe, so the hub registers once and tracks clients itself.
type sseHub struct {
	mu      sync.Mutex
	clients map[chan sseMsg]struct{}
}

func newSSEHub() *sseHub {
	return &sseHub{clients: make(map[chan sseMsg]struct{})}
}

func (h *sseHub) subscribe(bus *eventbus.Bus) {
	for _, t := range []eventbus.EventType{
		eventbus.EventTypeSession,
		eventbus.EventTypeReadiness,
		eventbus.EventTypeCapture,
		eventbus.EventTypeOverlay,
		eventbus.EventTypePreset,
		eventbus.EventTypeEffect,
		eventbus.EventTypeTimelapse,
	} {
		bus.Subscribe(t, h.broadcast)
	}
}

func (h *sseHub) broadcast(event eventbus.Event) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		log.Warn().Err(err).Str("type", string(event.Type)).Msg("Failed to encode event for stream")
		return
	}
	msg := sseMsg{event: string(event.Type), data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
			// slow client, drop the event rather than block the bus
		}
	}
}

func (h *sseHub) add() chan sseMsg {
	ch := make(chan sseMsg, 16)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *sseHub) remove(ch chan sseMsg) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// handleEvents streams bus events to the client as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ch := s.hub.add()
	defer s.hub.remove(ch)

	log.Debug().Str("remote", r.RemoteAddr).Msg("Event stream client connected")

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug().Str("remote", r.RemoteAddr).Msg("Event stream client disconnected")
			return
		case msg := <-ch:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.event, msg.data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}
