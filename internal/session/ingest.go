package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sjawhar/ghost-minutes/internal/capture"
	"github.com/sjawhar/ghost-minutes/internal/storage"
)

const (
	// MinSegmentBytes is the smallest segment worth transcribing. Anything at
	// or below this is a WAV header plus a handful of samples.
	MinSegmentBytes = 2048

	defaultPollInterval = time.Second
	timingEpsilon       = 0.05
)

// runtime is the in-memory state of the active session. It is rebuilt from
// chunk rows and segment files when missing.
type runtime struct {
	sessionID    string
	segmentsDir  string
	chunkSeconds int

	handle       capture.Handle
	nextIndex    int
	nextStartSec float64
	ignored      map[int]bool

	accumulated    float64
	recordingSince time.Time

	stopPoll context.CancelFunc
}

func (rt *runtime) recording() bool {
	return !rt.recordingSince.IsZero()
}

func (rt *runtime) elapsed(now time.Time) float64 {
	if !rt.recording() {
		return rt.accumulated
	}
	return rt.accumulated + now.Sub(rt.recordingSince).Seconds()
}

// freeze folds the running clock into the accumulator.
func (rt *runtime) freeze(now time.Time) {
	rt.accumulated = rt.elapsed(now)
	rt.recordingSince = time.Time{}
}

// ingestLocked turns closed segment files into queued chunk rows. The newest
// segment is presumed still open unless includeLast is set. Callers hold m.mu.
func (m *Manager) ingestLocked(rt *runtime, includeLast bool) (int, error) {
	segments, err := capture.ListSegments(rt.segmentsDir)
	if err != nil {
		return 0, fmt.Errorf("list segments: %w", err)
	}

	cutoff := len(segments)
	if !includeLast && cutoff > 0 {
		cutoff--
	}

	created := 0
	for _, seg := range segments[:cutoff] {
		if seg.Index < rt.nextIndex || rt.ignored[seg.Index] {
			continue
		}

		if seg.Size <= MinSegmentBytes {
			rt.ignored[seg.Index] = true
			rt.nextIndex = seg.Index + 1
			slog.Warn("ignoring degenerate segment", "session_id", rt.sessionID, "index", seg.Index, "bytes", seg.Size)
			m.appendEvent(rt.sessionID, storage.EventSegmentIgnored, rt.nextStartSec, map[string]any{
				"chunk_index": seg.Index,
				"bytes":       seg.Size,
			})
			continue
		}

		start := rt.nextStartSec
		end := start + float64(rt.chunkSeconds)
		isNew, err := m.store.UpsertChunk(storage.Chunk{
			SessionID: rt.sessionID,
			Index:     seg.Index,
			StartSec:  start,
			EndSec:    end,
			Status:    storage.ChunkQueued,
			FilePath:  seg.Path,
		})
		if err != nil {
			return created, fmt.Errorf("ingest segment %d: %w", seg.Index, err)
		}
		rt.nextIndex = seg.Index + 1
		rt.nextStartSec = end
		if isNew {
			created++
		}
	}

	if created > 0 {
		if err := m.store.UpdateRecordedSeconds(rt.sessionID, rt.elapsed(m.now())); err != nil {
			slog.Warn("update recorded seconds", "session_id", rt.sessionID, "error", err)
		}
		if m.waker != nil {
			m.waker.Wake()
		}
	}
	return created, nil
}

// reconcileLocked moves the last chunk's end to the authoritative end time.
// Callers hold m.mu.
func (m *Manager) reconcileLocked(rt *runtime, end float64) error {
	last, ok, err := m.store.LastChunk(rt.sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	end = math.Max(end, last.StartSec)
	if math.Abs(end-last.EndSec) > timingEpsilon {
		if err := m.store.UpdateChunkTiming(last.ID, last.StartSec, end); err != nil {
			return fmt.Errorf("reconcile chunk %d: %w", last.Index, err)
		}
	}
	rt.nextStartSec = end
	return nil
}

// rebuildRuntime restores cursors for an active session that has no runtime,
// e.g. after the process restarted between pause and resume.
func (m *Manager) rebuildRuntime(sess storage.Session) (*runtime, error) {
	rt := &runtime{
		sessionID:    sess.ID,
		segmentsDir:  segmentsDir(sess.SessionDir),
		chunkSeconds: sess.ChunkSeconds,
		ignored:      map[int]bool{},
		accumulated:  sess.RecordedSeconds,
	}
	if rt.chunkSeconds <= 0 {
		rt.chunkSeconds = m.opts.ChunkSeconds
	}

	last, ok, err := m.store.LastChunk(sess.ID)
	if err != nil {
		return nil, err
	}
	if ok {
		rt.nextIndex = last.Index + 1
		rt.nextStartSec = last.EndSec
	}

	// Segments already reported as degenerate stay ignored and keep the
	// index cursor past them.
	events, err := m.store.GetEvents(sess.ID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	for _, ev := range events {
		if ev.Type != storage.EventSegmentIgnored {
			continue
		}
		var payload struct {
			ChunkIndex *int `json:"chunk_index"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload.ChunkIndex == nil {
			continue
		}
		rt.ignored[*payload.ChunkIndex] = true
		if *payload.ChunkIndex >= rt.nextIndex {
			rt.nextIndex = *payload.ChunkIndex + 1
		}
	}

	m.runtimes[sess.ID] = rt
	return rt, nil
}

// poll ingests on a ticker until ctx is cancelled. It also notices when the
// encoder exits on its own.
func (m *Manager) poll(ctx context.Context, rt *runtime, handle capture.Handle) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	var exited <-chan struct{}
	if handle != nil {
		exited = handle.Done()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-exited:
			exited = nil
			m.mu.Lock()
			if m.runtimes[rt.sessionID] == rt && rt.handle == handle && rt.recording() {
				slog.Warn("capture exited unexpectedly", "session_id", rt.sessionID)
				m.appendEvent(rt.sessionID, storage.EventWarning, rt.elapsed(m.now()), map[string]any{
					"kind":    "capture_exited",
					"message": "The audio encoder stopped unexpectedly. Pause and resume to restart capture.",
				})
			}
			m.mu.Unlock()
		case <-ticker.C:
			m.mu.Lock()
			if m.runtimes[rt.sessionID] == rt && rt.recording() {
				if _, err := m.ingestLocked(rt, false); err != nil {
					slog.Warn("ingestion poll failed", "session_id", rt.sessionID, "error", err)
				}
			}
			m.mu.Unlock()
		}
	}
}
