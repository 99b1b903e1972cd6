package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrActiveSessionExists is returned when a second session would take the recording slot.
var ErrActiveSessionExists = errors.New("another session is already active")

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "ghost-minutes.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

var schema = []struct {
	name string
	stmt string
}{
	{"folders table", `
		CREATE TABLE IF NOT EXISTS folders (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`},
	{"sessions table", `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			folder_id TEXT NOT NULL REFERENCES folders(id),
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			chunk_seconds INTEGER NOT NULL,
			selected_sources TEXT NOT NULL DEFAULT '[]',
			session_dir TEXT NOT NULL,
			recorded_seconds REAL NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			audio_master_path TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			summary_brief TEXT NOT NULL DEFAULT '',
			summary_model TEXT NOT NULL DEFAULT '',
			summary_status TEXT NOT NULL DEFAULT 'pending',
			summary_at TEXT
		);`},
	{"chunks table", `
		CREATE TABLE IF NOT EXISTS chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			start_sec REAL NOT NULL,
			end_sec REAL NOT NULL,
			status TEXT NOT NULL,
			text TEXT,
			meta TEXT NOT NULL DEFAULT '{}',
			retry_count INTEGER NOT NULL DEFAULT 0,
			file_path TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(session_id, chunk_index),
			CHECK(start_sec <= end_sec),
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`},
	{"events table", `
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			at_sec REAL NOT NULL,
			payload TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`},
	{"chat_messages table", `
		CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			citations TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`},
	{"summary_requests table", `
		CREATE TABLE IF NOT EXISTS summary_requests (
			session_id TEXT NOT NULL,
			prompt_hash TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(session_id, prompt_hash)
		);`},
	{"single active session index", `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_single_active
		ON sessions((status IN ('recording', 'paused')))
		WHERE status IN ('recording', 'paused')`},
	{"sessions folder index", "CREATE INDEX IF NOT EXISTS idx_sessions_folder ON sessions(folder_id, started_at)"},
	{"chunks queue index", "CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks(status, created_at)"},
	{"events session index", "CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id)"},
	{"chat session index", "CREATE INDEX IF NOT EXISTS idx_chat_session ON chat_messages(session_id, created_at)"},
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	for _, item := range schema {
		if _, err := s.db.Exec(item.stmt); err != nil {
			return fmt.Errorf("create %s: %w", item.name, err)
		}
	}

	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO folders(id, name, created_at) VALUES(?, ?, ?)`,
		DefaultFolderID, "Inbox", formatTime(s.now()),
	); err != nil {
		return fmt.Errorf("create default folder: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateFolder(name string) (Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Folder{}, errors.New("folder name is required")
	}

	folder := Folder{ID: uuid.NewString(), Name: name, CreatedAt: s.now().UTC()}
	if _, err := s.db.Exec(
		`INSERT INTO folders(id, name, created_at) VALUES(?, ?, ?)`,
		folder.ID, folder.Name, formatTime(folder.CreatedAt),
	); err != nil {
		return Folder{}, fmt.Errorf("create folder %q: %w", name, err)
	}
	return folder, nil
}

func (s *SQLiteStore) GetFolder(id string) (Folder, error) {
	var f Folder
	var createdAt string
	err := s.db.QueryRow(`SELECT id, name, created_at FROM folders WHERE id = ?`, id).
		Scan(&f.ID, &f.Name, &createdAt)
	if err != nil {
		return Folder{}, fmt.Errorf("query folder %s: %w", id, err)
	}
	f.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return Folder{}, fmt.Errorf("parse folder %s created_at: %w", id, err)
	}
	return f, nil
}

func (s *SQLiteStore) ListFolders() ([]Folder, error) {
	rows, err := s.db.Query(`SELECT id, name, created_at FROM folders ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query folders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	folders := make([]Folder, 0, 8)
	for rows.Next() {
		var f Folder
		var createdAt string
		if err := rows.Scan(&f.ID, &f.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		if f.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse folder created_at: %w", err)
		}
		folders = append(folders, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folder rows: %w", err)
	}
	return folders, nil
}

const sessionColumns = `id, folder_id, title, status, chunk_seconds, selected_sources, session_dir,
	recorded_seconds, started_at, ended_at, audio_master_path, summary, summary_brief,
	summary_model, summary_status, summary_at`

func (s *SQLiteStore) CreateSession(sess Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return errors.New("session id is required")
	}
	if sess.FolderID == "" {
		sess.FolderID = DefaultFolderID
	}
	if sess.SummaryStatus == "" {
		sess.SummaryStatus = SummaryPending
	}

	sources, err := json.Marshal(sess.Sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions(id, folder_id, title, status, chunk_seconds, selected_sources, session_dir,
			recorded_seconds, started_at, summary_status)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.FolderID,
		sess.Title,
		sess.Status,
		sess.ChunkSeconds,
		string(sources),
		sess.SessionDir,
		sess.RecordedSeconds,
		formatTime(sess.StartedAt),
		sess.SummaryStatus,
	)
	if err != nil {
		if strings.Contains(err.Error(), "idx_sessions_single_active") || strings.Contains(err.Error(), "UNIQUE constraint failed: index") {
			return fmt.Errorf("create session %s: %w", sess.ID, ErrActiveSessionExists)
		}
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(id string) (Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("query session %s: %w", id, err)
	}
	return sess, nil
}

// ActiveSessions returns sessions still marked recording or paused.
func (s *SQLiteStore) ActiveSessions() ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT ` + sessionColumns + ` FROM sessions WHERE status IN ('recording', 'paused') ORDER BY started_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

// ListSessions returns sessions newest first; an empty folderID lists every folder.
func (s *SQLiteStore) ListSessions(folderID string) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if folderID != "" {
		query += ` WHERE folder_id = ?`
		args = append(args, folderID)
	}
	query += ` ORDER BY started_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

func (s *SQLiteStore) UpdateSessionStatus(id, status string) error {
	return s.execOne(`UPDATE sessions SET status = ? WHERE id = ?`, "update status of session "+id, status, id)
}

// UpdateRecordedSeconds never lowers the stored duration.
func (s *SQLiteStore) UpdateRecordedSeconds(id string, seconds float64) error {
	return s.execOne(
		`UPDATE sessions SET recorded_seconds = MAX(recorded_seconds, ?) WHERE id = ?`,
		"update recorded seconds of session "+id, seconds, id,
	)
}

func (s *SQLiteStore) UpdateSessionSources(id string, sources []Source) error {
	encoded, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	return s.execOne(`UPDATE sessions SET selected_sources = ? WHERE id = ?`, "update sources of session "+id, string(encoded), id)
}

func (s *SQLiteStore) RenameSession(id, title string) error {
	return s.execOne(`UPDATE sessions SET title = ? WHERE id = ?`, "rename session "+id, strings.TrimSpace(title), id)
}

func (s *SQLiteStore) MoveSession(id, folderID string) error {
	return s.execOne(`UPDATE sessions SET folder_id = ? WHERE id = ?`, "move session "+id, folderID, id)
}

func (s *SQLiteStore) DeleteSession(id string) error {
	return s.execOne(`DELETE FROM sessions WHERE id = ?`, "delete session "+id, id)
}

// EndSession marks the session stopped and stores its final artifacts.
func (s *SQLiteStore) EndSession(id string, endedAt time.Time, audioPath string, recordedSeconds float64) error {
	return s.execOne(
		`UPDATE sessions
		 SET ended_at = ?, status = ?, audio_master_path = ?, recorded_seconds = MAX(recorded_seconds, ?)
		 WHERE id = ?`,
		"end session "+id,
		formatTime(endedAt), StatusStopped, audioPath, recordedSeconds, id,
	)
}

func (s *SQLiteStore) UpdateSummary(sessionID, summary, brief, model, status string) error {
	var summaryAt any
	if status == SummaryCompleted {
		summaryAt = formatTime(s.now())
	}
	return s.execOne(
		`UPDATE sessions
		 SET summary = ?, summary_brief = ?, summary_model = ?, summary_status = ?, summary_at = COALESCE(?, summary_at)
		 WHERE id = ?`,
		"update summary for session "+sessionID,
		summary, brief, model, status, summaryAt, sessionID,
	)
}

func (s *SQLiteStore) ClaimSummaryRequest(sessionID, promptHash string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO summary_requests(session_id, prompt_hash) VALUES(?, ?)`,
		sessionID,
		promptHash,
	)
	if err != nil {
		return false, fmt.Errorf("claim summary request for session %s: %w", sessionID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim summary rows affected: %w", err)
	}

	return rows > 0, nil
}

func (s *SQLiteStore) execOne(query, what string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", what, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", what, sql.ErrNoRows)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var sources, startedAt string
	var endedAt, summaryAt sql.NullString
	if err := row.Scan(
		&sess.ID, &sess.FolderID, &sess.Title, &sess.Status, &sess.ChunkSeconds, &sources, &sess.SessionDir,
		&sess.RecordedSeconds, &startedAt, &endedAt, &sess.AudioMasterPath, &sess.Summary, &sess.SummaryBrief,
		&sess.SummaryModel, &sess.SummaryStatus, &summaryAt,
	); err != nil {
		return Session{}, err
	}

	if err := json.Unmarshal([]byte(sources), &sess.Sources); err != nil {
		return Session{}, fmt.Errorf("decode sources: %w", err)
	}

	var err error
	if sess.StartedAt, err = parseTime(startedAt); err != nil {
		return Session{}, fmt.Errorf("parse started_at: %w", err)
	}
	if sess.EndedAt, err = parseNullTime(endedAt); err != nil {
		return Session{}, fmt.Errorf("parse ended_at: %w", err)
	}
	if sess.SummaryAt, err = parseNullTime(summaryAt); err != nil {
		return Session{}, fmt.Errorf("parse summary_at: %w", err)
	}
	return sess, nil
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	sessions := make([]Session, 0, 16)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions rows: %w", err)
	}

	return sessions, nil
}

// timeLayout is fixed width so stored timestamps sort correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime also accepts the variable-width RFC 3339 values written before
// timeLayout was fixed.
func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

func parseNullTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
