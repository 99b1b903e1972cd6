package server

import (
	"time"

	"github.com/sjawhar/ghost-minutes/internal/storage"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type SessionStartedEvent struct {
	Event
	Session storage.Session `json:"session"`
}

type SessionStatusEvent struct {
	Event
	SessionID       string  `json:"session_id"`
	Status          string  `json:"status"`
	RecordedSeconds float64 `json:"recorded_seconds"`
}

type ChunkUpdatedEvent struct {
	Event
	Chunk storage.Chunk `json:"chunk"`
}

type TimelineEvent struct {
	Event
	TimelineEntry storage.Event `json:"event"`
}

type SummaryReadyEvent struct {
	Event
	SessionID string `json:"session_id"`
	Summary   string `json:"summary"`
	Status    string `json:"status"`
	Model     string `json:"model,omitempty"`
}

type ConnectionEvent struct {
	Event
	Connected       bool   `json:"connected"`
	ActiveSessionID string `json:"active_session_id,omitempty"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
