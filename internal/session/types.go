package session

import (
	"context"
	"time"

	"github.com/sjawhar/ghost-minutes/internal/storage"
	"github.com/sjawhar/ghost-minutes/internal/summary"
)

type Store interface {
	CreateSession(sess storage.Session) error
	GetSession(id string) (storage.Session, error)
	ActiveSessions() ([]storage.Session, error)
	ListSessions(folderID string) ([]storage.Session, error)
	GetFolder(id string) (storage.Folder, error)
	UpdateSessionStatus(id, status string) error
	UpdateRecordedSeconds(id string, seconds float64) error
	UpdateSessionSources(id string, sources []storage.Source) error
	RenameSession(id, title string) error
	MoveSession(id, folderID string) error
	DeleteSession(id string) error
	EndSession(id string, endedAt time.Time, audioPath string, recordedSeconds float64) error
	UpdateSummary(sessionID, summary, brief, model, status string) error

	UpsertChunk(c storage.Chunk) (bool, error)
	GetChunks(sessionID string) ([]storage.Chunk, error)
	LastChunk(sessionID string) (storage.Chunk, bool, error)
	UpdateChunkTiming(id int64, startSec, endSec float64) error

	AppendEvent(sessionID, eventType string, atSec float64, payload any) (storage.Event, error)
	GetEvents(sessionID string) ([]storage.Event, error)
	GetChatMessages(sessionID string) ([]storage.ChatMessage, error)
}

// Assembler builds and measures the master audio artifact.
type Assembler interface {
	Concat(ctx context.Context, segments []string, outPath string) (string, error)
	Duration(ctx context.Context, path string) (float64, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, sessionID, transcript string) (summary.Result, error)
	SummarizeOnce(ctx context.Context, sessionID, transcript string) (summary.Result, bool, error)
	SummarizeWithPreset(ctx context.Context, sessionID, transcript, preset string) (summary.Result, error)
}

// Archiver receives finished sessions once their chunks are transcribed.
type Archiver interface {
	Archive(ctx context.Context, sess storage.Session, chunks []storage.Chunk) error
}

// Waker nudges the transcription worker when new chunks are queued.
type Waker interface {
	Wake()
}

type EventBroadcaster interface {
	BroadcastSessionStarted(sess storage.Session)
	BroadcastSessionStatus(sessionID, status string, recordedSeconds float64)
	BroadcastTimelineEvent(ev storage.Event)
	BroadcastSummaryReady(sessionID, summary, status, model string)
}

// Detail is everything a client needs to render one session.
type Detail struct {
	Session        storage.Session       `json:"session"`
	Chunks         []storage.Chunk       `json:"chunks"`
	Events         []storage.Event       `json:"events"`
	Messages       []storage.ChatMessage `json:"messages"`
	Aliases        map[int]string        `json:"speaker_aliases"`
	ElapsedSeconds float64               `json:"elapsed_seconds"`
}

type StartRequest struct {
	FolderID     string           `json:"folder_id"`
	Title        string           `json:"title"`
	ChunkSeconds int              `json:"chunk_seconds"`
	Sources      []storage.Source `json:"sources"`
}
