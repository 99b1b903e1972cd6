package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/ghost-minutes/internal/storage"
)

// Hub fans out JSON events to every websocket subscriber. Slow subscribers
// drop messages instead of blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	now     func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[chan []byte]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) BroadcastSessionStarted(sess storage.Session) {
	h.broadcastEvent(SessionStartedEvent{
		Event:   newEvent("session_started", h.now()),
		Session: sess,
	})
}

func (h *Hub) BroadcastSessionStatus(sessionID, status string, recordedSeconds float64) {
	h.broadcastEvent(SessionStatusEvent{
		Event:           newEvent("session_status", h.now()),
		SessionID:       sessionID,
		Status:          status,
		RecordedSeconds: recordedSeconds,
	})
}

func (h *Hub) BroadcastChunkUpdated(chunk storage.Chunk) {
	h.broadcastEvent(ChunkUpdatedEvent{
		Event: newEvent("chunk_updated", h.now()),
		Chunk: chunk,
	})
}

// BroadcastTimelineEvent forwards a persisted session event. Warnings get
// their own type so clients can surface them without filtering.
func (h *Hub) BroadcastTimelineEvent(ev storage.Event) {
	eventType := "timeline_event"
	if ev.Type == storage.EventWarning {
		eventType = "warning"
	}
	h.broadcastEvent(TimelineEvent{
		Event:         newEvent(eventType, h.now()),
		TimelineEntry: ev,
	})
}

func (h *Hub) BroadcastSummaryReady(sessionID, summary, status, model string) {
	h.broadcastEvent(SummaryReadyEvent{
		Event:     newEvent("summary_ready", h.now()),
		SessionID: sessionID,
		Summary:   summary,
		Status:    status,
		Model:     model,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("event marshal", "error", err)
		return
	}
	h.Broadcast(payload)
}
