package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sjawhar/ghost-minutes/internal/retrieval"
	"github.com/sjawhar/ghost-minutes/internal/storage"
	"github.com/sjawhar/ghost-minutes/internal/summary"
)

// finalize runs after Stop: it waits for the worker to drain the session's
// chunks, then auto-summarizes and archives. Failures are logged as events.
func (m *Manager) finalize(ctx context.Context, sessionID string) {
	chunks, err := m.waitForTranscripts(ctx, sessionID)
	if err != nil {
		slog.Warn("finalize: transcripts not drained", "session_id", sessionID, "error", err)
		if ctx.Err() != nil {
			return
		}
	}

	if m.autoSummaryEnabled() {
		if err := m.autoSummary(ctx, sessionID, chunks); err != nil {
			slog.Warn("auto summary failed", "session_id", sessionID, "error", err)
			m.appendEvent(sessionID, storage.EventAutoSummaryFailed, 0, map[string]any{"error": err.Error()})
		}
	}

	if len(m.archivers) == 0 {
		return
	}
	sess, err := m.getSession(sessionID)
	if err != nil {
		slog.Warn("finalize: reload session", "session_id", sessionID, "error", err)
		return
	}
	for _, a := range m.archivers {
		if err := a.Archive(ctx, sess, chunks); err != nil {
			slog.Warn("archive session", "session_id", sessionID, "error", err)
		}
	}
}

func (m *Manager) autoSummaryEnabled() bool {
	if !m.opts.AutoSummary || m.summarizer == nil {
		return false
	}
	return m.opts.LLMConfigured == nil || m.opts.LLMConfigured()
}

// waitForTranscripts polls until no chunk of the session is queued or
// processing, or until DrainTimeout.
func (m *Manager) waitForTranscripts(ctx context.Context, sessionID string) ([]storage.Chunk, error) {
	deadline := time.NewTimer(m.opts.DrainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.opts.DrainInterval)
	defer ticker.Stop()

	for {
		chunks, err := m.store.GetChunks(sessionID)
		if err != nil {
			return nil, err
		}
		if drained(chunks) {
			return chunks, nil
		}
		select {
		case <-ctx.Done():
			return chunks, ctx.Err()
		case <-deadline.C:
			return chunks, fmt.Errorf("chunks still pending after %s", m.opts.DrainTimeout)
		case <-ticker.C:
		}
	}
}

func drained(chunks []storage.Chunk) bool {
	for _, c := range chunks {
		if c.Status == storage.ChunkQueued || c.Status == storage.ChunkProcessing {
			return false
		}
	}
	return true
}

func (m *Manager) autoSummary(ctx context.Context, sessionID string, chunks []storage.Chunk) error {
	sess, err := m.getSession(sessionID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(sess.Summary) != "" {
		return nil
	}
	events, err := m.store.GetEvents(sessionID)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	transcript := retrieval.TranscriptText(chunks, retrieval.AliasMap(events))
	if strings.TrimSpace(transcript) == "" {
		return nil
	}

	if err := m.store.UpdateSummary(sessionID, "", "", "", storage.SummaryRunning); err != nil {
		return err
	}
	res, claimed, err := m.summarizer.SummarizeOnce(ctx, sessionID, transcript)
	if !claimed && err == nil {
		return m.store.UpdateSummary(sessionID, "", "", "", storage.SummaryPending)
	}
	if saveErr := m.saveSummary(sessionID, res, err); saveErr != nil {
		return saveErr
	}
	if err != nil {
		return fmt.Errorf("llm summary failed, stored local fallback: %w", err)
	}
	return nil
}

// GenerateSummary summarizes the transcript on demand, replacing any
// previous summary. An empty preset lets the router choose. LLM failures fall
// back to a local extractive summary.
func (m *Manager) GenerateSummary(ctx context.Context, sessionID, preset string) (storage.Session, error) {
	if m.summarizer == nil {
		return storage.Session{}, &PreconditionError{Op: "summarize", Reason: "summarization is not configured"}
	}
	if _, err := m.getSession(sessionID); err != nil {
		return storage.Session{}, err
	}
	chunks, err := m.store.GetChunks(sessionID)
	if err != nil {
		return storage.Session{}, err
	}
	events, err := m.store.GetEvents(sessionID)
	if err != nil {
		return storage.Session{}, err
	}
	transcript := retrieval.TranscriptText(chunks, retrieval.AliasMap(events))
	if strings.TrimSpace(transcript) == "" {
		return storage.Session{}, &PreconditionError{Op: "summarize", Reason: "no transcript text yet"}
	}

	if err := m.store.UpdateSummary(sessionID, "", "", "", storage.SummaryRunning); err != nil {
		return storage.Session{}, err
	}
	var res summary.Result
	if preset = strings.TrimSpace(preset); preset != "" {
		res, err = m.summarizer.SummarizeWithPreset(ctx, sessionID, transcript, preset)
		if errors.Is(err, summary.ErrUnknownPreset) {
			_ = m.store.UpdateSummary(sessionID, "", "", "", storage.SummaryPending)
			return storage.Session{}, &PreconditionError{Op: "summarize", Reason: err.Error(), Err: err}
		}
	} else {
		res, err = m.summarizer.Summarize(ctx, sessionID, transcript)
	}
	if err := m.saveSummary(sessionID, res, err); err != nil {
		return storage.Session{}, err
	}
	return m.getSession(sessionID)
}

// saveSummary persists a summary result. A local fallback is stored as
// completed; only an empty result marks the summary failed.
func (m *Manager) saveSummary(sessionID string, res summary.Result, llmErr error) error {
	if llmErr != nil {
		slog.Warn("summary llm failed", "session_id", sessionID, "error", llmErr)
	}
	if strings.TrimSpace(res.Summary) == "" {
		_ = m.store.UpdateSummary(sessionID, "", "", res.Model, storage.SummaryFailed)
		m.broadcastSummary(sessionID, "", storage.SummaryFailed, res.Model)
		if llmErr != nil {
			return llmErr
		}
		return fmt.Errorf("summary for session %s is empty", sessionID)
	}

	if err := m.store.UpdateSummary(sessionID, res.Summary, res.Brief, res.Model, storage.SummaryCompleted); err != nil {
		_ = m.store.UpdateSummary(sessionID, "", "", res.Model, storage.SummaryFailed)
		m.broadcastSummary(sessionID, "", storage.SummaryFailed, res.Model)
		return fmt.Errorf("store summary: %w", err)
	}
	var at float64
	if sess, err := m.getSession(sessionID); err == nil {
		at = sess.RecordedSeconds
	}
	m.appendEvent(sessionID, storage.EventSummaryGenerated, at, map[string]any{
		"model":  res.Model,
		"preset": res.Preset,
		"local":  res.Local,
	})
	m.broadcastSummary(sessionID, res.Summary, storage.SummaryCompleted, res.Model)
	return nil
}

func (m *Manager) broadcastSummary(sessionID, text, status, model string) {
	if m.hub != nil {
		m.hub.BroadcastSummaryReady(sessionID, text, status, model)
	}
}
