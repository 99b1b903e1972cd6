package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const chunkColumns = `id, session_id, chunk_index, start_sec, end_sec, status, text, meta, retry_count,
	file_path, created_at, updated_at`

// UpsertChunk inserts a queued chunk keyed on (session_id, chunk_index). A repeated
// call for the same key leaves the existing row untouched and reports created=false.
func (s *SQLiteStore) UpsertChunk(c Chunk) (bool, error) {
	if c.Status == "" {
		c.Status = ChunkQueued
	}
	if c.EndSec < c.StartSec {
		return false, fmt.Errorf("chunk %d of session %s: end %.3f before start %.3f", c.Index, c.SessionID, c.EndSec, c.StartSec)
	}

	meta, err := json.Marshal(c.Meta)
	if err != nil {
		return false, fmt.Errorf("encode chunk meta: %w", err)
	}

	now := formatTime(s.now())
	res, err := s.db.Exec(
		`INSERT INTO chunks(session_id, chunk_index, start_sec, end_sec, status, meta, file_path, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, chunk_index) DO NOTHING`,
		c.SessionID, c.Index, c.StartSec, c.EndSec, c.Status, string(meta), c.FilePath, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("upsert chunk %d of session %s: %w", c.Index, c.SessionID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert chunk rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *SQLiteStore) GetChunk(id int64) (Chunk, error) {
	row := s.db.QueryRow(`SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	c, err := scanChunk(row)
	if err != nil {
		return Chunk{}, fmt.Errorf("query chunk %d: %w", id, err)
	}
	return c, nil
}

// GetChunks returns the session's chunks ordered by chunk_index.
func (s *SQLiteStore) GetChunks(sessionID string) ([]Chunk, error) {
	rows, err := s.db.Query(
		`SELECT `+chunkColumns+` FROM chunks WHERE session_id = ? ORDER BY chunk_index ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query chunks for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	chunks := make([]Chunk, 0, 32)
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk for session %s: %w", sessionID, err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk rows for session %s: %w", sessionID, err)
	}
	return chunks, nil
}

// LastChunk returns the highest-indexed chunk of the session, if any.
func (s *SQLiteStore) LastChunk(sessionID string) (Chunk, bool, error) {
	row := s.db.QueryRow(
		`SELECT `+chunkColumns+` FROM chunks WHERE session_id = ? ORDER BY chunk_index DESC LIMIT 1`,
		sessionID,
	)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Chunk{}, false, nil
	}
	if err != nil {
		return Chunk{}, false, fmt.Errorf("query last chunk for session %s: %w", sessionID, err)
	}
	return c, true, nil
}

func (s *SQLiteStore) UpdateChunkTiming(id int64, startSec, endSec float64) error {
	return s.execOne(
		`UPDATE chunks SET start_sec = ?, end_sec = ?, updated_at = ? WHERE id = ?`,
		fmt.Sprintf("update timing of chunk %d", id),
		startSec, endSec, formatTime(s.now()), id,
	)
}

// NextQueuedChunk returns the oldest queued chunk across all sessions.
func (s *SQLiteStore) NextQueuedChunk() (Chunk, bool, error) {
	row := s.db.QueryRow(
		`SELECT `+chunkColumns+` FROM chunks WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		ChunkQueued,
	)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Chunk{}, false, nil
	}
	if err != nil {
		return Chunk{}, false, fmt.Errorf("query next queued chunk: %w", err)
	}
	return c, true, nil
}

func (s *SQLiteStore) MarkChunkProcessing(id int64) error {
	return s.execOne(
		`UPDATE chunks SET status = ?, updated_at = ? WHERE id = ?`,
		fmt.Sprintf("mark chunk %d processing", id),
		ChunkProcessing, formatTime(s.now()), id,
	)
}

func (s *SQLiteStore) CompleteChunk(id int64, text string, meta ChunkMeta) error {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode chunk meta: %w", err)
	}
	return s.execOne(
		`UPDATE chunks SET status = ?, text = ?, meta = ?, updated_at = ? WHERE id = ?`,
		fmt.Sprintf("complete chunk %d", id),
		ChunkDone, text, string(encoded), formatTime(s.now()), id,
	)
}

// RecordChunkFailure stores the retry count and moves the chunk to status
// (queued for another attempt, failed when retries are exhausted).
func (s *SQLiteStore) RecordChunkFailure(id int64, status string, retryCount int, meta ChunkMeta) error {
	if status != ChunkQueued && status != ChunkFailed {
		return fmt.Errorf("record chunk failure: invalid status %q", status)
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode chunk meta: %w", err)
	}
	return s.execOne(
		`UPDATE chunks SET status = ?, retry_count = ?, meta = ?, updated_at = ? WHERE id = ?`,
		fmt.Sprintf("record failure of chunk %d", id),
		status, retryCount, string(encoded), formatTime(s.now()), id,
	)
}

func scanChunk(row rowScanner) (Chunk, error) {
	var c Chunk
	var text sql.NullString
	var meta, createdAt, updatedAt string
	if err := row.Scan(
		&c.ID, &c.SessionID, &c.Index, &c.StartSec, &c.EndSec, &c.Status, &text, &meta, &c.RetryCount,
		&c.FilePath, &createdAt, &updatedAt,
	); err != nil {
		return Chunk{}, err
	}

	if text.Valid {
		t := text.String
		c.Text = &t
	}
	if err := json.Unmarshal([]byte(meta), &c.Meta); err != nil {
		return Chunk{}, fmt.Errorf("decode chunk meta: %w", err)
	}

	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Chunk{}, fmt.Errorf("parse chunk created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Chunk{}, fmt.Errorf("parse chunk updated_at: %w", err)
	}
	return c, nil
}
