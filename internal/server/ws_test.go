package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sjawhar/ghost-minutes/internal/storage"
)

func receive(t *testing.T, ch chan []byte) map[string]any {
	t.Helper()
	select {
	case msg := <-ch:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		return payload
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for broadcast")
		return nil
	}
}

func TestWSBroadcastEventShape(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	text := "[0.00-1.00] Speaker 0: hi"
	hub.BroadcastChunkUpdated(storage.Chunk{SessionID: "s1", Index: 4, Status: storage.ChunkDone, Text: &text})

	payload := receive(t, ch)
	if payload["type"] != "chunk_updated" {
		t.Fatalf("expected event type chunk_updated, got %#v", payload["type"])
	}
	if payload["version"] == nil || payload["timestamp"] == nil {
		t.Fatalf("expected version and timestamp in payload: %#v", payload)
	}
	chunk, ok := payload["chunk"].(map[string]any)
	if !ok || chunk["chunk_index"] != float64(4) || chunk["text"] != text {
		t.Fatalf("unexpected chunk payload %#v", payload["chunk"])
	}
}

func TestTimelineEventTypes(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	hub.BroadcastTimelineEvent(storage.Event{SessionID: "s1", Type: storage.EventWarning, Payload: json.RawMessage(`{"kind":"no_speech_detected"}`)})
	if got := receive(t, ch)["type"]; got != "warning" {
		t.Fatalf("expected warning, got %#v", got)
	}

	hub.BroadcastTimelineEvent(storage.Event{SessionID: "s1", Type: storage.EventPause})
	if got := receive(t, ch)["type"]; got != "timeline_event" {
		t.Fatalf("expected timeline_event, got %#v", got)
	}
}

func TestBroadcastDropsForFullSubscriber(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			hub.BroadcastSessionStatus("s1", storage.StatusRecording, float64(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full subscriber")
	}
	if len(ch) != cap(ch) {
		t.Fatalf("expected buffer full at %d, got %d", cap(ch), len(ch))
	}
}

func TestWSConnectionForwardsBroadcasts(t *testing.T) {
	sessions := newSessionsStub(storage.Session{ID: "s1", Status: storage.StatusRecording})
	sessions.active = "s1"
	hub := NewHub()
	h, err := Handler(nil, hub, Deps{Sessions: sessions, Folders: &foldersStub{}})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var connected ConnectionEvent
	if err := conn.ReadJSON(&connected); err != nil {
		t.Fatalf("read connection event: %v", err)
	}
	if connected.Type != "connection" || !connected.Connected || connected.ActiveSessionID != "s1" {
		t.Fatalf("unexpected connection event %#v", connected)
	}

	// The server subscribes right after the connection event.
	deadline := time.Now().Add(time.Second)
	for {
		hub.mu.RLock()
		n := len(hub.clients)
		hub.mu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("websocket never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.BroadcastSummaryReady("s1", "## Overview", storage.SummaryCompleted, "openai/gpt-4o-mini")
	var summary SummaryReadyEvent
	if err := conn.ReadJSON(&summary); err != nil {
		t.Fatalf("read summary event: %v", err)
	}
	if summary.Type != "summary_ready" || summary.SessionID != "s1" || summary.Model != "openai/gpt-4o-mini" {
		t.Fatalf("unexpected summary event %#v", summary)
	}
}
