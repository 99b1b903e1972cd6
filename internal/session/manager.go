package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sjawhar/ghost-minutes/internal/capture"
	"github.com/sjawhar/ghost-minutes/internal/retrieval"
	"github.com/sjawhar/ghost-minutes/internal/storage"
)

const (
	// A master smaller or shorter than this carries no usable audio.
	minMasterBytes   = 1024
	minMasterSeconds = 0.5

	defaultStopTimeout = 5 * time.Second
)

type Options struct {
	SessionsDir  string
	ChunkSeconds int
	StopTimeout  time.Duration
	// MasterFormat is "wav" or "mp3".
	MasterFormat string
	PollInterval time.Duration

	// AutoSummary summarizes stopped sessions when LLMConfigured reports a key.
	AutoSummary   bool
	LLMConfigured func() bool
	// DrainInterval and DrainTimeout bound the wait for queued chunks to be
	// transcribed before a stopped session is summarized and archived.
	DrainInterval time.Duration
	DrainTimeout  time.Duration
}

// Manager owns the lifecycle of recording sessions. At most one session is
// active at a time; every command and ingestion pass runs under mu.
type Manager struct {
	store      Store
	capturer   capture.Capturer
	assembler  Assembler
	summarizer Summarizer
	hub        EventBroadcaster
	waker      Waker
	archivers  []Archiver
	opts       Options

	mu       sync.Mutex
	runtimes map[string]*runtime

	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc

	now   func() time.Time
	newID func() string
}

func NewManager(store Store, capturer capture.Capturer, assembler Assembler, opts Options) *Manager {
	if opts.ChunkSeconds <= 0 {
		opts.ChunkSeconds = 30
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MasterFormat == "" {
		opts.MasterFormat = "wav"
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = 2 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     store,
		capturer:  capturer,
		assembler: assembler,
		opts:      opts,
		runtimes:  make(map[string]*runtime),
		bgCtx:     ctx,
		bgCancel:  cancel,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

func (m *Manager) SetSummarizer(s Summarizer)       { m.summarizer = s }
func (m *Manager) SetBroadcaster(h EventBroadcaster) { m.hub = h }
func (m *Manager) SetWaker(w Waker)                 { m.waker = w }
func (m *Manager) AddArchiver(a Archiver)           { m.archivers = append(m.archivers, a) }

// Close stops polling and waits for background summaries to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, rt := range m.runtimes {
		if rt.stopPoll != nil {
			rt.stopPoll()
		}
	}
	m.mu.Unlock()
	m.bgCancel()
	m.bg.Wait()
}

func segmentsDir(sessionDir string) string {
	return filepath.Join(sessionDir, "segments")
}

// Start creates a session and begins capture at chunk index 0.
func (m *Manager) Start(ctx context.Context, req StartRequest) (storage.Session, error) {
	if len(req.Sources) == 0 {
		return storage.Session{}, precondition("start", ErrNoSources)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.runtimes) > 0 {
		return storage.Session{}, precondition("start", ErrActiveSession)
	}
	active, err := m.store.ActiveSessions()
	if err != nil {
		return storage.Session{}, fmt.Errorf("check active sessions: %w", err)
	}
	if len(active) > 0 {
		return storage.Session{}, precondition("start", ErrActiveSession)
	}

	folderID := strings.TrimSpace(req.FolderID)
	if folderID == "" {
		folderID = storage.DefaultFolderID
	}
	if _, err := m.store.GetFolder(folderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, &PreconditionError{Op: "start", Reason: fmt.Sprintf("folder %s does not exist", folderID)}
		}
		return storage.Session{}, fmt.Errorf("lookup folder: %w", err)
	}

	chunkSeconds := req.ChunkSeconds
	if chunkSeconds <= 0 {
		chunkSeconds = m.opts.ChunkSeconds
	}

	now := m.now()
	id := m.newID()
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Meeting " + now.Local().Format("2006-01-02 15:04")
	}
	sess := storage.Session{
		ID:           id,
		FolderID:     folderID,
		Title:        title,
		Status:       storage.StatusRecording,
		ChunkSeconds: chunkSeconds,
		Sources:      req.Sources,
		SessionDir:   filepath.Join(m.opts.SessionsDir, id),
		StartedAt:    now,
	}
	if err := m.store.CreateSession(sess); err != nil {
		if errors.Is(err, storage.ErrActiveSessionExists) {
			return storage.Session{}, precondition("start", ErrActiveSession)
		}
		return storage.Session{}, fmt.Errorf("create session: %w", err)
	}

	rt := &runtime{
		sessionID:    id,
		segmentsDir:  segmentsDir(sess.SessionDir),
		chunkSeconds: chunkSeconds,
		ignored:      map[int]bool{},
	}
	if err := m.startCaptureLocked(ctx, rt, sess.Sources); err != nil {
		if endErr := m.store.EndSession(id, m.now(), "", 0); endErr != nil {
			slog.Error("roll back session after capture failure", "session_id", id, "error", endErr)
		}
		return storage.Session{}, fmt.Errorf("start capture: %w", err)
	}
	m.runtimes[id] = rt

	slog.Info("session started", "session_id", id, "sources", len(sess.Sources), "chunk_seconds", chunkSeconds)
	if m.hub != nil {
		m.hub.BroadcastSessionStarted(sess)
	}
	return sess, nil
}

// startCaptureLocked launches the encoder at rt.nextIndex and starts the
// ingestion poller.
func (m *Manager) startCaptureLocked(ctx context.Context, rt *runtime, sources []storage.Source) error {
	handle, err := m.capturer.Start(ctx, capture.StartRequest{
		Sources:      sources,
		ChunkSeconds: rt.chunkSeconds,
		StartIndex:   rt.nextIndex,
		SegmentsDir:  rt.segmentsDir,
	})
	if err != nil {
		return err
	}
	select {
	case <-handle.Done():
		return fmt.Errorf("%w: capture exited right after starting", capture.ErrUnavailable)
	default:
	}
	rt.handle = handle
	rt.recordingSince = m.now()

	pollCtx, cancel := context.WithCancel(m.bgCtx)
	rt.stopPoll = cancel
	go m.poll(pollCtx, rt, handle)
	return nil
}

// stopCaptureLocked freezes the clock, stops the encoder and ingests every
// segment including the last one.
func (m *Manager) stopCaptureLocked(rt *runtime) {
	if rt.stopPoll != nil {
		rt.stopPoll()
		rt.stopPoll = nil
	}
	rt.freeze(m.now())
	if rt.handle != nil {
		if err := rt.handle.Stop(m.opts.StopTimeout); err != nil {
			slog.Warn("capture stop", "session_id", rt.sessionID, "error", err)
		}
		rt.handle = nil
	}
	if _, err := m.ingestLocked(rt, true); err != nil {
		slog.Warn("final ingestion failed", "session_id", rt.sessionID, "error", err)
	}
}

// runtimeLocked returns the session's runtime, rebuilding it from the store
// for active sessions that have none.
func (m *Manager) runtimeLocked(sess storage.Session) (*runtime, error) {
	if rt, ok := m.runtimes[sess.ID]; ok {
		return rt, nil
	}
	if !sess.Active() {
		return nil, precondition("runtime", ErrNoRuntime)
	}
	return m.rebuildRuntime(sess)
}

func (m *Manager) Pause(ctx context.Context, sessionID string) (storage.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.getSession(sessionID)
	if err != nil {
		return storage.Session{}, err
	}
	if sess.Status != storage.StatusRecording {
		return storage.Session{}, wrongState("pause", sessionID, sess.Status)
	}
	rt, err := m.runtimeLocked(sess)
	if err != nil {
		return storage.Session{}, err
	}

	if err := m.pauseLocked(rt); err != nil {
		return storage.Session{}, err
	}
	m.appendEvent(sessionID, storage.EventPause, rt.accumulated, nil)
	return m.afterTransition(sessionID)
}

// pauseLocked stops capture and persists the paused state without logging an event.
func (m *Manager) pauseLocked(rt *runtime) error {
	m.stopCaptureLocked(rt)
	if err := m.reconcileLocked(rt, rt.accumulated); err != nil {
		slog.Warn("reconcile timing on pause", "session_id", rt.sessionID, "error", err)
	}
	if err := m.store.UpdateRecordedSeconds(rt.sessionID, rt.accumulated); err != nil {
		return fmt.Errorf("persist recorded seconds: %w", err)
	}
	if err := m.store.UpdateSessionStatus(rt.sessionID, storage.StatusPaused); err != nil {
		return fmt.Errorf("persist paused status: %w", err)
	}
	return nil
}

func (m *Manager) Resume(ctx context.Context, sessionID string) (storage.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.getSession(sessionID)
	if err != nil {
		return storage.Session{}, err
	}
	if sess.Status != storage.StatusPaused {
		return storage.Session{}, wrongState("resume", sessionID, sess.Status)
	}
	rt, err := m.runtimeLocked(sess)
	if err != nil {
		return storage.Session{}, err
	}

	if err := m.resumeLocked(ctx, rt, sess.Sources); err != nil {
		return storage.Session{}, err
	}
	m.appendEvent(sessionID, storage.EventResume, rt.accumulated, nil)
	return m.afterTransition(sessionID)
}

// resumeLocked restarts capture after the highest segment already on disk.
func (m *Manager) resumeLocked(ctx context.Context, rt *runtime, sources []storage.Source) error {
	next, err := capture.NextIndex(rt.segmentsDir, rt.nextIndex)
	if err != nil {
		return fmt.Errorf("scan segments: %w", err)
	}
	rt.nextIndex = next

	if err := m.startCaptureLocked(ctx, rt, sources); err != nil {
		return fmt.Errorf("restart capture: %w", err)
	}
	if err := m.store.UpdateSessionStatus(rt.sessionID, storage.StatusRecording); err != nil {
		return fmt.Errorf("persist recording status: %w", err)
	}
	return nil
}

// ChangeSources swaps capture inputs. A recording session is paused and
// resumed around the change so elapsed time carries over.
func (m *Manager) ChangeSources(ctx context.Context, sessionID string, sources []storage.Source) (storage.Session, error) {
	if len(sources) == 0 {
		return storage.Session{}, precondition("change sources", ErrNoSources)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.getSession(sessionID)
	if err != nil {
		return storage.Session{}, err
	}
	if !sess.Active() {
		return storage.Session{}, wrongState("change sources", sessionID, sess.Status)
	}
	rt, err := m.runtimeLocked(sess)
	if err != nil {
		return storage.Session{}, err
	}

	wasRecording := sess.Status == storage.StatusRecording
	if wasRecording {
		if err := m.pauseLocked(rt); err != nil {
			return storage.Session{}, err
		}
	}
	if err := m.store.UpdateSessionSources(sessionID, sources); err != nil {
		return storage.Session{}, fmt.Errorf("persist sources: %w", err)
	}
	m.appendEvent(sessionID, storage.EventSourceChange, rt.elapsed(m.now()), map[string]any{
		"from": sess.Sources,
		"to":   sources,
	})
	if wasRecording {
		if err := m.resumeLocked(ctx, rt, sources); err != nil {
			return storage.Session{}, err
		}
	}
	return m.afterTransition(sessionID)
}

// Stop finalizes the session. It is not cancellable once started.
func (m *Manager) Stop(ctx context.Context, sessionID string) (storage.Session, error) {
	ctx = context.WithoutCancel(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.getSession(sessionID)
	if err != nil {
		return storage.Session{}, err
	}
	rt, ok := m.runtimes[sessionID]
	if !ok {
		if !sess.Active() {
			return storage.Session{}, precondition("stop", ErrNoRuntime)
		}
		if rt, err = m.rebuildRuntime(sess); err != nil {
			return storage.Session{}, err
		}
	}

	m.stopCaptureLocked(rt)
	live := rt.accumulated

	chunks, err := m.store.GetChunks(sessionID)
	if err != nil {
		return storage.Session{}, fmt.Errorf("load chunks: %w", err)
	}
	paths := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.FilePath != "" {
			paths = append(paths, c.FilePath)
		}
	}

	var masterPath string
	var measured float64
	if len(paths) > 0 && m.assembler != nil {
		out := filepath.Join(sess.SessionDir, "master."+m.opts.MasterFormat)
		written, err := m.assembler.Concat(ctx, paths, out)
		if err != nil {
			slog.Warn("master concat failed", "session_id", sessionID, "error", err)
			m.appendEvent(sessionID, storage.EventWarning, live, map[string]any{
				"kind":    "master_concat_failed",
				"message": err.Error(),
			})
		} else {
			masterPath = written
			if measured, err = m.assembler.Duration(ctx, written); err != nil {
				slog.Warn("master duration probe failed, using live clock", "session_id", sessionID, "error", err)
				measured = 0
			}
		}
	}

	final := math.Max(math.Max(measured, live), sess.RecordedSeconds)
	if err := m.reconcileLocked(rt, final); err != nil {
		slog.Warn("reconcile timing on stop", "session_id", sessionID, "error", err)
	}

	if masterPath != "" && masterTooSmall(masterPath, measured) {
		m.appendEvent(sessionID, storage.EventWarning, final, map[string]any{
			"kind":    "no_audio_payload",
			"message": "The recording contains no usable audio. Check the selected sources.",
			"path":    masterPath,
		})
	}

	if err := m.store.EndSession(sessionID, m.now(), masterPath, final); err != nil {
		return storage.Session{}, fmt.Errorf("end session: %w", err)
	}
	m.appendEvent(sessionID, storage.EventStop, final, nil)
	delete(m.runtimes, sessionID)

	slog.Info("session stopped", "session_id", sessionID, "recorded_seconds", final, "chunks", len(chunks), "master", masterPath)

	stopped, err := m.afterTransition(sessionID)
	if err != nil {
		return storage.Session{}, err
	}

	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		m.finalize(m.bgCtx, sessionID)
	}()
	return stopped, nil
}

func masterTooSmall(path string, seconds float64) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return info.Size() < minMasterBytes || seconds < minMasterSeconds
}

// RecoverInterrupted force-stops sessions left active by a previous process.
func (m *Manager) RecoverInterrupted() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.store.ActiveSessions()
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	recovered := 0
	for _, sess := range active {
		if _, ok := m.runtimes[sess.ID]; ok {
			continue
		}
		if err := m.store.EndSession(sess.ID, m.now(), "", sess.RecordedSeconds); err != nil {
			return recovered, fmt.Errorf("stop interrupted session %s: %w", sess.ID, err)
		}
		m.appendEvent(sess.ID, storage.EventInterrupted, sess.RecordedSeconds, map[string]any{
			"previous_status": sess.Status,
		})
		slog.Warn("recovered interrupted session", "session_id", sess.ID, "status", sess.Status)
		recovered++
	}
	return recovered, nil
}

func (m *Manager) Rename(sessionID, title string) (storage.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return storage.Session{}, &PreconditionError{Op: "rename", Reason: "title is required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.getSession(sessionID); err != nil {
		return storage.Session{}, err
	}
	if err := m.store.RenameSession(sessionID, title); err != nil {
		return storage.Session{}, err
	}
	return m.getSession(sessionID)
}

func (m *Manager) Move(sessionID, folderID string) (storage.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.getSession(sessionID); err != nil {
		return storage.Session{}, err
	}
	if _, err := m.store.GetFolder(folderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, &PreconditionError{Op: "move", Reason: fmt.Sprintf("folder %s does not exist", folderID)}
		}
		return storage.Session{}, err
	}
	if err := m.store.MoveSession(sessionID, folderID); err != nil {
		return storage.Session{}, err
	}
	return m.getSession(sessionID)
}

// Delete removes a stopped session and its directory.
func (m *Manager) Delete(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.getSession(sessionID)
	if err != nil {
		return err
	}
	if _, running := m.runtimes[sessionID]; running || sess.Active() {
		return wrongState("delete", sessionID, sess.Status)
	}
	if err := m.store.DeleteSession(sessionID); err != nil {
		return err
	}
	if sess.SessionDir != "" {
		if err := os.RemoveAll(sess.SessionDir); err != nil {
			slog.Warn("remove session directory", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

func (m *Manager) Get(sessionID string) (storage.Session, error) {
	return m.getSession(sessionID)
}

func (m *Manager) List(folderID string) ([]storage.Session, error) {
	return m.store.ListSessions(folderID)
}

// Detail loads the session with its chunks, timeline and chat history.
func (m *Manager) Detail(sessionID string) (Detail, error) {
	sess, err := m.getSession(sessionID)
	if err != nil {
		return Detail{}, err
	}
	chunks, err := m.store.GetChunks(sessionID)
	if err != nil {
		return Detail{}, err
	}
	events, err := m.store.GetEvents(sessionID)
	if err != nil {
		return Detail{}, err
	}
	messages, err := m.store.GetChatMessages(sessionID)
	if err != nil {
		return Detail{}, err
	}
	return Detail{
		Session:        sess,
		Chunks:         chunks,
		Events:         events,
		Messages:       messages,
		Aliases:        retrieval.AliasMap(events),
		ElapsedSeconds: m.Elapsed(sess),
	}, nil
}

// Elapsed is the live recorded duration. It reads the runtime clock without
// writing to the store.
func (m *Manager) Elapsed(sess storage.Session) float64 {
	m.mu.Lock()
	rt, ok := m.runtimes[sess.ID]
	var live float64
	if ok {
		live = rt.elapsed(m.now())
	}
	m.mu.Unlock()
	return math.Max(live, sess.RecordedSeconds)
}

// ActiveSessionID returns the session currently recording or paused, if any.
func (m *Manager) ActiveSessionID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.runtimes {
		return id, true
	}
	return "", false
}

// SetSpeakerAlias records a display name for a diarized speaker. An empty
// alias clears it.
func (m *Manager) SetSpeakerAlias(sessionID string, speakerID int, alias string) (storage.Event, error) {
	if speakerID < 0 {
		return storage.Event{}, &PreconditionError{Op: "set speaker alias", Reason: "speaker id must be non-negative"}
	}
	sess, err := m.getSession(sessionID)
	if err != nil {
		return storage.Event{}, err
	}
	ev, err := m.store.AppendEvent(sessionID, storage.EventSpeakerAlias, m.Elapsed(sess), map[string]any{
		"speaker_id": speakerID,
		"alias":      strings.TrimSpace(alias),
	})
	if err != nil {
		return storage.Event{}, fmt.Errorf("append alias event: %w", err)
	}
	if m.hub != nil {
		m.hub.BroadcastTimelineEvent(ev)
	}
	return ev, nil
}

func (m *Manager) getSession(sessionID string) (storage.Session, error) {
	sess, err := m.store.GetSession(sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Session{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return storage.Session{}, err
	}
	return sess, nil
}

func (m *Manager) afterTransition(sessionID string) (storage.Session, error) {
	sess, err := m.getSession(sessionID)
	if err != nil {
		return storage.Session{}, err
	}
	if m.hub != nil {
		m.hub.BroadcastSessionStatus(sess.ID, sess.Status, sess.RecordedSeconds)
	}
	return sess, nil
}

// appendEvent logs a timeline event. Event failures never abort a command.
func (m *Manager) appendEvent(sessionID, eventType string, atSec float64, payload any) {
	ev, err := m.store.AppendEvent(sessionID, eventType, atSec, payload)
	if err != nil {
		slog.Error("append event", "session_id", sessionID, "type", eventType, "error", err)
		return
	}
	if m.hub != nil {
		m.hub.BroadcastTimelineEvent(ev)
	}
}
