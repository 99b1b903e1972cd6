package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AppendEvent adds an entry to the session's append-only timeline. payload may be nil.
func (s *SQLiteStore) AppendEvent(sessionID, eventType string, atSec float64, payload any) (Event, error) {
	ev := Event{SessionID: sessionID, Type: eventType, AtSec: atSec, CreatedAt: s.now().UTC()}

	var encoded sql.NullString
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s event payload: %w", eventType, err)
		}
		ev.Payload = b
		encoded = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.Exec(
		`INSERT INTO events(session_id, event_type, at_sec, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		sessionID, eventType, atSec, encoded, formatTime(ev.CreatedAt),
	)
	if err != nil {
		return Event{}, fmt.Errorf("append %s event for session %s: %w", eventType, sessionID, err)
	}
	if ev.ID, err = res.LastInsertId(); err != nil {
		return Event{}, fmt.Errorf("append event id: %w", err)
	}
	return ev, nil
}

// GetEvents returns the session timeline in insertion order.
func (s *SQLiteStore) GetEvents(sessionID string) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, event_type, at_sec, payload, created_at FROM events WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]Event, 0, 16)
	for rows.Next() {
		var ev Event
		var payload sql.NullString
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Type, &ev.AtSec, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event for session %s: %w", sessionID, err)
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse event created_at: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows for session %s: %w", sessionID, err)
	}
	return events, nil
}

func (s *SQLiteStore) AppendChatMessage(msg ChatMessage) (ChatMessage, error) {
	if msg.Role != RoleUser && msg.Role != RoleAssistant {
		return ChatMessage{}, fmt.Errorf("append chat message: invalid role %q", msg.Role)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	if msg.Citations == nil {
		msg.Citations = []Citation{}
	}

	citations, err := json.Marshal(msg.Citations)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("encode citations: %w", err)
	}
	metadata := []byte("{}")
	if msg.Metadata != nil {
		if metadata, err = json.Marshal(msg.Metadata); err != nil {
			return ChatMessage{}, fmt.Errorf("encode chat metadata: %w", err)
		}
	}

	if _, err := s.db.Exec(
		`INSERT INTO chat_messages(id, session_id, role, content, citations, metadata, created_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, strings.TrimSpace(msg.Content), string(citations), string(metadata), formatTime(msg.CreatedAt),
	); err != nil {
		return ChatMessage{}, fmt.Errorf("append chat message for session %s: %w", msg.SessionID, err)
	}
	return msg, nil
}

func (s *SQLiteStore) GetChatMessages(sessionID string) ([]ChatMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, citations, metadata, created_at
		 FROM chat_messages WHERE session_id = ? ORDER BY created_at ASC, rowid ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query chat for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]ChatMessage, 0, 8)
	for rows.Next() {
		var msg ChatMessage
		var citations, metadata, createdAt string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &citations, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		if err := json.Unmarshal([]byte(citations), &msg.Citations); err != nil {
			return nil, fmt.Errorf("decode citations: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode chat metadata: %w", err)
		}
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse chat created_at: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows for session %s: %w", sessionID, err)
	}
	return messages, nil
}
