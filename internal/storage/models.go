package storage

import (
	"encoding/json"
	"time"
)

const (
	StatusRecording = "recording"
	StatusPaused    = "paused"
	StatusStopped   = "stopped"
)

const (
	ChunkQueued     = "queued"
	ChunkProcessing = "processing"
	ChunkDone       = "done"
	ChunkFailed     = "failed"
)

const (
	SummaryPending   = "pending"
	SummaryRunning   = "running"
	SummaryCompleted = "completed"
	SummaryFailed    = "failed"
)

const (
	EventPause             = "pause"
	EventResume            = "resume"
	EventStop              = "stop"
	EventSourceChange      = "source_change"
	EventSpeakerAlias      = "speaker_alias"
	EventWarning           = "warning"
	EventInterrupted       = "interrupted"
	EventSummaryGenerated  = "summary_generated"
	EventAutoSummaryFailed = "auto_summary_failed"
	EventSegmentIgnored    = "segment_ignored"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultFolderID is created on init so sessions always have a parent.
const DefaultFolderID = "inbox"

// Source identifies one capture input: an ffmpeg input format plus device.
type Source struct {
	Format string `json:"format"`
	Device string `json:"device"`
	Label  string `json:"label,omitempty"`
}

type Folder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Session struct {
	ID              string     `json:"id"`
	FolderID        string     `json:"folder_id"`
	Title           string     `json:"title"`
	Status          string     `json:"status"`
	ChunkSeconds    int        `json:"chunk_seconds"`
	Sources         []Source   `json:"selected_sources"`
	SessionDir      string     `json:"session_dir"`
	RecordedSeconds float64    `json:"recorded_seconds"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	AudioMasterPath string     `json:"audio_master_path,omitempty"`
	Summary         string     `json:"summary"`
	SummaryBrief    string     `json:"summary_brief"`
	SummaryModel    string     `json:"summary_model"`
	SummaryStatus   string     `json:"summary_status"`
	SummaryAt       *time.Time `json:"summary_at,omitempty"`
}

// Active reports whether the session still owns the single recording slot.
func (s Session) Active() bool {
	return s.Status == StatusRecording || s.Status == StatusPaused
}

type ChunkMeta struct {
	Confidence  float64 `json:"confidence,omitempty"`
	Words       int     `json:"words,omitempty"`
	Utterances  int     `json:"utterances,omitempty"`
	Model       string  `json:"model,omitempty"`
	RequestID   string  `json:"request_id,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
	Enhancement string  `json:"enhancement,omitempty"`
	Error       string  `json:"error,omitempty"`
}

type Chunk struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Index      int       `json:"chunk_index"`
	StartSec   float64   `json:"start_sec"`
	EndSec     float64   `json:"end_sec"`
	Status     string    `json:"status"`
	Text       *string   `json:"text"`
	Meta       ChunkMeta `json:"meta"`
	RetryCount int       `json:"retry_count"`
	FilePath   string    `json:"file_path"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TextOrEmpty returns the transcript text, or "" while the chunk is not done.
func (c Chunk) TextOrEmpty() string {
	if c.Text == nil {
		return ""
	}
	return *c.Text
}

type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"event_type"`
	AtSec     float64         `json:"at_sec"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Citation references one transcript line an answer was grounded on.
type Citation struct {
	LineID     string  `json:"line_id"`
	ChunkIndex int     `json:"chunk_index"`
	StartSec   float64 `json:"start_sec"`
	EndSec     float64 `json:"end_sec"`
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
}

type ChatMessage struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Citations []Citation     `json:"citations,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
