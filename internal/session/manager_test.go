package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sjawhar/ghost-minutes/internal/capture"
	"github.com/sjawhar/ghost-minutes/internal/storage"
	"github.com/sjawhar/ghost-minutes/internal/summary"
)

type fakeHandle struct {
	mu      sync.Mutex
	done    chan struct{}
	stopped bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan struct{})}
}

func (h *fakeHandle) Stop(time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stopped {
		h.stopped = true
		close(h.done)
	}
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} {
	return h.done
}

type fakeCapturer struct {
	mu       sync.Mutex
	err      error
	exited   bool // hand out handles whose process already ended
	requests []capture.StartRequest
	handles  []*fakeHandle
}

func (c *fakeCapturer) Start(_ context.Context, req capture.StartRequest) (capture.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.requests = append(c.requests, req)
	h := newFakeHandle()
	if c.exited {
		_ = h.Stop(0)
	}
	c.handles = append(c.handles, h)
	return h, nil
}

func (c *fakeCapturer) startRequests() []capture.StartRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capture.StartRequest(nil), c.requests...)
}

type fakeAssembler struct {
	mu          sync.Mutex
	concatCalls int
	segments    []string
	duration    float64
	outputBytes int
}

func (a *fakeAssembler) Concat(_ context.Context, segments []string, outPath string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.concatCalls++
	a.segments = append([]string(nil), segments...)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(outPath, make([]byte, a.outputBytes), 0o644); err != nil {
		return "", err
	}
	return outPath, nil
}

func (a *fakeAssembler) Duration(context.Context, string) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.duration, nil
}

type fakeSummarizer struct {
	mu     sync.Mutex
	calls  int
	result summary.Result
	err    error
}

func (s *fakeSummarizer) Summarize(_ context.Context, _, _ string) (summary.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.result, s.err
}

func (s *fakeSummarizer) SummarizeWithPreset(ctx context.Context, sessionID, transcript, _ string) (summary.Result, error) {
	return s.Summarize(ctx, sessionID, transcript)
}

func (s *fakeSummarizer) SummarizeOnce(ctx context.Context, sessionID, transcript string) (summary.Result, bool, error) {
	res, err := s.Summarize(ctx, sessionID, transcript)
	return res, true, err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type managerFixture struct {
	manager   *Manager
	store     *storage.SQLiteStore
	capturer  *fakeCapturer
	assembler *fakeAssembler
	clock     *fakeClock
}

func newFixture(t *testing.T, opts Options) *managerFixture {
	t.Helper()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if opts.SessionsDir == "" {
		opts.SessionsDir = t.TempDir()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Hour
	}
	if opts.DrainInterval == 0 {
		opts.DrainInterval = 10 * time.Millisecond
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 50 * time.Millisecond
	}

	f := &managerFixture{
		store:     store,
		capturer:  &fakeCapturer{},
		assembler: &fakeAssembler{outputBytes: 64 * 1024},
		clock:     &fakeClock{now: time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)},
	}
	f.manager = NewManager(store, f.capturer, f.assembler, opts)
	f.manager.now = f.clock.Now
	t.Cleanup(f.manager.Close)
	return f
}

func (f *managerFixture) start(t *testing.T) storage.Session {
	t.Helper()
	sess, err := f.manager.Start(context.Background(), StartRequest{
		Title:   "Planning",
		Sources: []storage.Source{{Format: "pulse", Device: "default"}},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return sess
}

func writeSegment(t *testing.T, sess storage.Session, index, size int) {
	t.Helper()
	dir := segmentsDir(sess.SessionDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir segments: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, capture.SegmentName(index)), make([]byte, size), 0o644); err != nil {
		t.Fatalf("write segment %d: %v", index, err)
	}
}

func (f *managerFixture) chunks(t *testing.T, sessionID string) []storage.Chunk {
	t.Helper()
	chunks, err := f.store.GetChunks(sessionID)
	if err != nil {
		t.Fatalf("GetChunks failed: %v", err)
	}
	return chunks
}

func (f *managerFixture) eventTypes(t *testing.T, sessionID string) []string {
	t.Helper()
	events, err := f.store.GetEvents(sessionID)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

func assertContiguous(t *testing.T, chunks []storage.Chunk) {
	t.Helper()
	for i, c := range chunks {
		if c.EndSec < c.StartSec {
			t.Fatalf("chunk %d ends before it starts: %.2f < %.2f", c.Index, c.EndSec, c.StartSec)
		}
		if i == 0 {
			continue
		}
		prev := chunks[i-1]
		if c.Index <= prev.Index {
			t.Fatalf("chunk indexes out of order: %d after %d", c.Index, prev.Index)
		}
		if c.StartSec != prev.EndSec {
			t.Fatalf("gap between chunk %d (end %.2f) and chunk %d (start %.2f)", prev.Index, prev.EndSec, c.Index, c.StartSec)
		}
	}
}

func TestPauseResumeStopKeepsTimingContiguous(t *testing.T) {
	f := newFixture(t, Options{ChunkSeconds: 30})
	sess := f.start(t)
	ctx := context.Background()

	f.clock.Advance(45 * time.Second)
	writeSegment(t, sess, 0, 8192)
	writeSegment(t, sess, 1, 8192)

	paused, err := f.manager.Pause(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if paused.Status != storage.StatusPaused {
		t.Fatalf("expected paused, got %q", paused.Status)
	}
	if paused.RecordedSeconds != 45 {
		t.Fatalf("expected 45 recorded seconds after pause, got %.2f", paused.RecordedSeconds)
	}
	chunks := f.chunks(t, sess.ID)
	if len(chunks) != 2 || chunks[1].EndSec != 45 {
		t.Fatalf("expected last chunk reconciled to 45s, got %#v", chunks)
	}
	assertContiguous(t, chunks)

	// Paused time does not count.
	f.clock.Advance(10 * time.Minute)
	resumed, err := f.manager.Resume(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if resumed.RecordedSeconds < paused.RecordedSeconds {
		t.Fatalf("recorded seconds decreased on resume: %.2f -> %.2f", paused.RecordedSeconds, resumed.RecordedSeconds)
	}
	reqs := f.capturer.startRequests()
	if len(reqs) != 2 || reqs[1].StartIndex != 2 {
		t.Fatalf("expected capture to resume at index 2, got %#v", reqs)
	}

	f.clock.Advance(20 * time.Second)
	writeSegment(t, sess, 2, 8192)
	f.assembler.duration = 65.3

	stopped, err := f.manager.Stop(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stopped.Status != storage.StatusStopped {
		t.Fatalf("expected stopped, got %q", stopped.Status)
	}
	if stopped.RecordedSeconds != 65.3 || stopped.RecordedSeconds < resumed.RecordedSeconds {
		t.Fatalf("expected measured duration 65.3, got %.2f", stopped.RecordedSeconds)
	}
	if stopped.AudioMasterPath != filepath.Join(sess.SessionDir, "master.wav") {
		t.Fatalf("unexpected master path %q", stopped.AudioMasterPath)
	}

	chunks = f.chunks(t, sess.ID)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	assertContiguous(t, chunks)
	if chunks[0].StartSec != 0 || chunks[2].StartSec != 45 || chunks[2].EndSec != 65.3 {
		t.Fatalf("unexpected chunk timing %#v", chunks)
	}
	if len(f.assembler.segments) != 3 {
		t.Fatalf("expected 3 segments concatenated, got %v", f.assembler.segments)
	}

	types := f.eventTypes(t, sess.ID)
	for _, want := range []string{storage.EventPause, storage.EventResume, storage.EventStop} {
		if !contains(types, want) {
			t.Fatalf("expected %s event, got %v", want, types)
		}
	}
	if contains(types, storage.EventWarning) {
		t.Fatalf("expected no warnings, got %v", types)
	}
	if _, ok := f.manager.ActiveSessionID(); ok {
		t.Fatal("expected no active session after stop")
	}
}

func TestDegenerateSegmentIsNeverIngested(t *testing.T) {
	f := newFixture(t, Options{ChunkSeconds: 30})
	sess := f.start(t)
	ctx := context.Background()

	writeSegment(t, sess, 0, MinSegmentBytes)
	writeSegment(t, sess, 1, 8192)
	writeSegment(t, sess, 2, 8192)

	f.manager.mu.Lock()
	rt := f.manager.runtimes[sess.ID]
	for i := 0; i < 2; i++ {
		if _, err := f.manager.ingestLocked(rt, false); err != nil {
			f.manager.mu.Unlock()
			t.Fatalf("ingest failed: %v", err)
		}
	}
	f.manager.mu.Unlock()

	chunks := f.chunks(t, sess.ID)
	if len(chunks) != 1 || chunks[0].Index != 1 {
		t.Fatalf("expected only chunk 1 while segment 2 is open, got %#v", chunks)
	}
	if chunks[0].StartSec != 0 {
		t.Fatalf("expected chunk 1 to start at 0 after an ignored segment, got %.2f", chunks[0].StartSec)
	}

	f.clock.Advance(60 * time.Second)
	if _, err := f.manager.Stop(ctx, sess.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	chunks = f.chunks(t, sess.ID)
	if len(chunks) != 2 || chunks[0].Index != 1 || chunks[1].Index != 2 {
		t.Fatalf("expected chunks 1 and 2 only, got %#v", chunks)
	}
	assertContiguous(t, chunks)

	ignored := 0
	for _, typ := range f.eventTypes(t, sess.ID) {
		if typ == storage.EventSegmentIgnored {
			ignored++
		}
	}
	if ignored != 1 {
		t.Fatalf("expected one segment_ignored event, got %d", ignored)
	}
	for _, seg := range f.assembler.segments {
		if filepath.Base(seg) == capture.SegmentName(0) {
			t.Fatalf("degenerate segment must not reach the master: %v", f.assembler.segments)
		}
	}
}

func TestRebuiltRuntimeKeepsIgnoredSegments(t *testing.T) {
	f := newFixture(t, Options{ChunkSeconds: 30})
	sess := f.start(t)

	writeSegment(t, sess, 0, 8192)
	writeSegment(t, sess, 1, MinSegmentBytes)
	writeSegment(t, sess, 2, 8192)

	f.manager.mu.Lock()
	_, err := f.manager.ingestLocked(f.manager.runtimes[sess.ID], false)
	f.manager.mu.Unlock()
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	// A second manager over the same store has no runtime for the session.
	restarted := NewManager(f.store, &fakeCapturer{}, f.assembler, Options{PollInterval: time.Hour})
	restarted.now = f.clock.Now
	t.Cleanup(restarted.Close)

	f.clock.Advance(90 * time.Second)
	if _, err := restarted.Pause(context.Background(), sess.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	chunks := f.chunks(t, sess.ID)
	if len(chunks) != 2 || chunks[0].Index != 0 || chunks[1].Index != 2 {
		t.Fatalf("expected chunks 0 and 2, got %#v", chunks)
	}
	ignored := 0
	for _, typ := range f.eventTypes(t, sess.ID) {
		if typ == storage.EventSegmentIgnored {
			ignored++
		}
	}
	if ignored != 1 {
		t.Fatalf("expected one segment_ignored event, got %d", ignored)
	}
}

func TestDuplicateIngestionCreatesOneChunk(t *testing.T) {
	f := newFixture(t, Options{ChunkSeconds: 30})
	sess := f.start(t)

	writeSegment(t, sess, 0, 8192)
	writeSegment(t, sess, 1, 8192)

	f.manager.mu.Lock()
	rt := f.manager.runtimes[sess.ID]
	first, err := f.manager.ingestLocked(rt, false)
	if err == nil {
		// Simulate a second poller that has not seen the cursor advance.
		rt.nextIndex = 0
		rt.nextStartSec = 0
		_, err = f.manager.ingestLocked(rt, false)
	}
	f.manager.mu.Unlock()
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if first != 1 {
		t.Fatalf("expected first pass to create one chunk, got %d", first)
	}
	if chunks := f.chunks(t, sess.ID); len(chunks) != 1 {
		t.Fatalf("expected exactly one chunk row, got %d", len(chunks))
	}
}

func TestStartWhileActiveFails(t *testing.T) {
	f := newFixture(t, Options{})
	first := f.start(t)

	_, err := f.manager.Start(context.Background(), StartRequest{
		Sources: []storage.Source{{Format: "pulse", Device: "default"}},
	})
	if !errors.Is(err, ErrPrecondition) || !errors.Is(err, ErrActiveSession) {
		t.Fatalf("expected active-session precondition error, got %v", err)
	}

	sessions, err := f.store.ListSessions("")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != first.ID {
		t.Fatalf("expected only the first session, got %#v", sessions)
	}

	// A fresh manager over the same store still sees the active row.
	other := NewManager(f.store, &fakeCapturer{}, nil, Options{SessionsDir: t.TempDir()})
	defer other.Close()
	if _, err := other.Start(context.Background(), StartRequest{
		Sources: []storage.Source{{Format: "pulse", Device: "default"}},
	}); !errors.Is(err, ErrActiveSession) {
		t.Fatalf("expected active-session error from second manager, got %v", err)
	}
}

func TestStartRequiresSources(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.manager.Start(context.Background(), StartRequest{}); !errors.Is(err, ErrNoSources) {
		t.Fatalf("expected ErrNoSources, got %v", err)
	}
	if _, err := f.manager.Start(context.Background(), StartRequest{
		FolderID: "missing",
		Sources:  []storage.Source{{Format: "pulse", Device: "default"}},
	}); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error for missing folder, got %v", err)
	}
}

func TestStopWithoutSegmentsSkipsConcat(t *testing.T) {
	f := newFixture(t, Options{})
	sess := f.start(t)
	f.clock.Advance(2 * time.Second)

	stopped, err := f.manager.Stop(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if f.assembler.concatCalls != 0 {
		t.Fatalf("expected no concatenation, got %d calls", f.assembler.concatCalls)
	}
	if stopped.AudioMasterPath != "" {
		t.Fatalf("expected no master path, got %q", stopped.AudioMasterPath)
	}
	if stopped.Status != storage.StatusStopped || stopped.EndedAt == nil {
		t.Fatalf("expected stopped session with end time, got %#v", stopped)
	}
}

func TestStopWarnsOnTinyMaster(t *testing.T) {
	f := newFixture(t, Options{})
	f.assembler.outputBytes = 100
	sess := f.start(t)
	writeSegment(t, sess, 0, 4096)
	f.clock.Advance(5 * time.Second)

	if _, err := f.manager.Stop(context.Background(), sess.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !contains(f.eventTypes(t, sess.ID), storage.EventWarning) {
		t.Fatal("expected a no_audio_payload warning")
	}
}

func TestStartRollsBackWhenCaptureFails(t *testing.T) {
	f := newFixture(t, Options{})
	f.capturer.err = fmt.Errorf("%w: ffmpeg not found", capture.ErrUnavailable)

	_, err := f.manager.Start(context.Background(), StartRequest{
		Sources: []storage.Source{{Format: "pulse", Device: "default"}},
	})
	if !errors.Is(err, capture.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	active, err := f.store.ActiveSessions()
	if err != nil {
		t.Fatalf("ActiveSessions failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active sessions after rollback, got %d", len(active))
	}

	f.capturer.mu.Lock()
	f.capturer.err = nil
	f.capturer.mu.Unlock()
	f.start(t)
}

func TestStartRollsBackWhenCaptureExitsImmediately(t *testing.T) {
	f := newFixture(t, Options{})
	f.capturer.exited = true

	_, err := f.manager.Start(context.Background(), StartRequest{
		Sources: []storage.Source{{Format: "pulse", Device: "bogus"}},
	})
	if !errors.Is(err, capture.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	active, err := f.store.ActiveSessions()
	if err != nil {
		t.Fatalf("ActiveSessions failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no recording session, got %#v", active)
	}
	if id, ok := f.manager.ActiveSessionID(); ok {
		t.Fatalf("expected no active session, got %s", id)
	}
}

func TestResumeStaysPausedWhenCaptureExitsImmediately(t *testing.T) {
	f := newFixture(t, Options{})
	sess := f.start(t)
	ctx := context.Background()
	if _, err := f.manager.Pause(ctx, sess.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	f.capturer.mu.Lock()
	f.capturer.exited = true
	f.capturer.mu.Unlock()

	if _, err := f.manager.Resume(ctx, sess.ID); !errors.Is(err, capture.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	got, err := f.manager.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != storage.StatusPaused {
		t.Fatalf("expected session to stay paused, got %q", got.Status)
	}
}

func TestStateTransitionPreconditions(t *testing.T) {
	f := newFixture(t, Options{})
	sess := f.start(t)
	ctx := context.Background()

	if _, err := f.manager.Resume(ctx, sess.ID); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error resuming a recording session, got %v", err)
	}
	if _, err := f.manager.Pause(ctx, sess.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if _, err := f.manager.Pause(ctx, sess.ID); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error pausing twice, got %v", err)
	}
	if _, err := f.manager.Stop(ctx, sess.ID); err != nil {
		t.Fatalf("Stop from paused failed: %v", err)
	}
	if _, err := f.manager.Stop(ctx, sess.ID); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error stopping twice, got %v", err)
	}
	if _, err := f.manager.Pause(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChangeSourcesRestartsCapture(t *testing.T) {
	f := newFixture(t, Options{})
	sess := f.start(t)
	f.clock.Advance(12 * time.Second)

	next := []storage.Source{{Format: "pulse", Device: "headset"}, {Format: "pulse", Device: "monitor"}}
	updated, err := f.manager.ChangeSources(context.Background(), sess.ID, next)
	if err != nil {
		t.Fatalf("ChangeSources failed: %v", err)
	}
	if updated.Status != storage.StatusRecording {
		t.Fatalf("expected recording after source change, got %q", updated.Status)
	}
	if len(updated.Sources) != 2 || updated.Sources[0].Device != "headset" {
		t.Fatalf("expected sources persisted, got %#v", updated.Sources)
	}

	reqs := f.capturer.startRequests()
	if len(reqs) != 2 || len(reqs[1].Sources) != 2 {
		t.Fatalf("expected capture restarted with new sources, got %#v", reqs)
	}

	types := f.eventTypes(t, sess.ID)
	if !contains(types, storage.EventSourceChange) {
		t.Fatalf("expected source_change event, got %v", types)
	}
	if contains(types, storage.EventPause) || contains(types, storage.EventResume) {
		t.Fatalf("expected no pause/resume events for a source change, got %v", types)
	}
	if got := f.manager.Elapsed(updated); got != 12 {
		t.Fatalf("expected elapsed 12s to carry over, got %.2f", got)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.store.CreateSession(storage.Session{
		ID:              "orphan",
		Title:           "Crashed",
		Status:          storage.StatusPaused,
		ChunkSeconds:    30,
		RecordedSeconds: 42,
		StartedAt:       time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	n, err := f.manager.RecoverInterrupted()
	if err != nil {
		t.Fatalf("RecoverInterrupted failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered session, got %d", n)
	}
	sess, err := f.manager.Get("orphan")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sess.Status != storage.StatusStopped || sess.RecordedSeconds != 42 {
		t.Fatalf("expected stopped with recorded time kept, got %#v", sess)
	}
	if !contains(f.eventTypes(t, "orphan"), storage.EventInterrupted) {
		t.Fatal("expected interrupted event")
	}
}

func TestDeleteRefusesActiveSession(t *testing.T) {
	f := newFixture(t, Options{})
	sess := f.start(t)
	writeSegment(t, sess, 0, 4096)

	if err := f.manager.Delete(sess.ID); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if _, err := f.manager.Stop(context.Background(), sess.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := f.manager.Delete(sess.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := f.manager.Get(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := os.Stat(sess.SessionDir); !os.IsNotExist(err) {
		t.Fatalf("expected session directory removed, got %v", err)
	}
}

func TestRenameAndMove(t *testing.T) {
	f := newFixture(t, Options{})
	sess := f.start(t)

	if _, err := f.manager.Rename(sess.ID, "  "); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error for empty title, got %v", err)
	}
	renamed, err := f.manager.Rename(sess.ID, "Quarterly review")
	if err != nil || renamed.Title != "Quarterly review" {
		t.Fatalf("Rename failed: %v %#v", err, renamed)
	}

	folder, err := f.store.CreateFolder("Clients")
	if err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}
	moved, err := f.manager.Move(sess.ID, folder.ID)
	if err != nil || moved.FolderID != folder.ID {
		t.Fatalf("Move failed: %v %#v", err, moved)
	}
	if _, err := f.manager.Move(sess.ID, "missing"); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error for unknown folder, got %v", err)
	}
}

func TestSpeakerAliasFoldsIntoDetail(t *testing.T) {
	f := newFixture(t, Options{})
	sess := f.start(t)

	if _, err := f.manager.SetSpeakerAlias(sess.ID, 0, "Alice"); err != nil {
		t.Fatalf("SetSpeakerAlias failed: %v", err)
	}
	detail, err := f.manager.Detail(sess.ID)
	if err != nil {
		t.Fatalf("Detail failed: %v", err)
	}
	if detail.Aliases[0] != "Alice" {
		t.Fatalf("expected alias Alice, got %v", detail.Aliases)
	}

	if _, err := f.manager.SetSpeakerAlias(sess.ID, 0, ""); err != nil {
		t.Fatalf("clear alias failed: %v", err)
	}
	detail, err = f.manager.Detail(sess.ID)
	if err != nil {
		t.Fatalf("Detail failed: %v", err)
	}
	if len(detail.Aliases) != 0 {
		t.Fatalf("expected alias cleared, got %v", detail.Aliases)
	}
	if _, err := f.manager.SetSpeakerAlias(sess.ID, -1, "x"); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error for negative speaker id, got %v", err)
	}
}

func TestAutoSummaryRunsAfterTranscriptsDrain(t *testing.T) {
	f := newFixture(t, Options{AutoSummary: true, DrainTimeout: 5 * time.Second})
	summarizer := &fakeSummarizer{result: summary.Result{
		Summary: "## Summary\n- Hello",
		Brief:   "Hello",
		Preset:  "meeting",
		Model:   "openai/gpt-4o-mini",
	}}
	f.manager.SetSummarizer(summarizer)

	sess := f.start(t)
	writeSegment(t, sess, 0, 8192)
	f.clock.Advance(20 * time.Second)
	if _, err := f.manager.Stop(context.Background(), sess.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	chunks := f.chunks(t, sess.ID)
	if len(chunks) != 1 {
		t.Fatalf("expected one chunk, got %d", len(chunks))
	}
	if err := f.store.MarkChunkProcessing(chunks[0].ID); err != nil {
		t.Fatalf("MarkChunkProcessing failed: %v", err)
	}
	if err := f.store.CompleteChunk(chunks[0].ID, "[0.0-2.0] Speaker 0: hello there", storage.ChunkMeta{}); err != nil {
		t.Fatalf("CompleteChunk failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := f.manager.Get(sess.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.SummaryStatus == storage.SummaryCompleted {
			if got.Summary != "## Summary\n- Hello" || got.SummaryBrief != "Hello" {
				t.Fatalf("unexpected stored summary %#v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("summary not completed, status %q", got.SummaryStatus)
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.manager.Close()
	if !contains(f.eventTypes(t, sess.ID), storage.EventSummaryGenerated) {
		t.Fatal("expected summary_generated event")
	}
}

func TestAutoSummaryFailureIsLoggedNotFatal(t *testing.T) {
	f := newFixture(t, Options{AutoSummary: true, DrainTimeout: 5 * time.Second})
	f.manager.SetSummarizer(&fakeSummarizer{err: errors.New("provider down")})

	sess := f.start(t)
	writeSegment(t, sess, 0, 8192)
	f.clock.Advance(20 * time.Second)
	if _, err := f.manager.Stop(context.Background(), sess.ID); err != nil {
		t.Fatalf("Stop should not fail on summary errors: %v", err)
	}

	chunks := f.chunks(t, sess.ID)
	if err := f.store.MarkChunkProcessing(chunks[0].ID); err != nil {
		t.Fatalf("MarkChunkProcessing failed: %v", err)
	}
	if err := f.store.CompleteChunk(chunks[0].ID, "[0.0-2.0] Speaker 0: hello there", storage.ChunkMeta{}); err != nil {
		t.Fatalf("CompleteChunk failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for !contains(f.eventTypes(t, sess.ID), storage.EventAutoSummaryFailed) {
		if time.Now().After(deadline) {
			t.Fatalf("expected auto_summary_failed event, got %v", f.eventTypes(t, sess.ID))
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.manager.Close()

	got, err := f.manager.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != storage.StatusStopped {
		t.Fatalf("expected stopped session, got %q", got.Status)
	}
	if got.SummaryStatus != storage.SummaryFailed || got.Summary != "" {
		t.Fatalf("expected failed summary, got %q %q", got.SummaryStatus, got.Summary)
	}
}

func TestAutoSummarySkippedWithoutLLMKey(t *testing.T) {
	f := newFixture(t, Options{AutoSummary: true, LLMConfigured: func() bool { return false }})
	summarizer := &fakeSummarizer{}
	f.manager.SetSummarizer(summarizer)

	sess := f.start(t)
	if _, err := f.manager.Stop(context.Background(), sess.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	f.manager.Close()

	if summarizer.calls != 0 {
		t.Fatalf("expected no summarizer calls, got %d", summarizer.calls)
	}
}

func TestGenerateSummaryRequiresTranscript(t *testing.T) {
	f := newFixture(t, Options{})
	f.manager.SetSummarizer(&fakeSummarizer{})
	sess := f.start(t)

	if _, err := f.manager.GenerateSummary(context.Background(), sess.ID, ""); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error without transcript, got %v", err)
	}
}
