// Package worker drains queued chunks through the transcription provider,
// one chunk at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sjawhar/ghost-minutes/internal/storage"
	"github.com/sjawhar/ghost-minutes/internal/transcribe"
)

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultProviderTimeout = 120 * time.Second
	DefaultRetryBackoff    = 750 * time.Millisecond
	DefaultMaxRetries      = 3
)

type Store interface {
	NextQueuedChunk() (storage.Chunk, bool, error)
	MarkChunkProcessing(id int64) error
	CompleteChunk(id int64, text string, meta storage.ChunkMeta) error
	RecordChunkFailure(id int64, status string, retryCount int, meta storage.ChunkMeta) error
	AppendEvent(sessionID, eventType string, atSec float64, payload any) (storage.Event, error)
}

// Enhancer writes a filtered copy of a segment for a named profile.
type Enhancer interface {
	Enhance(ctx context.Context, profile, inPath string) (string, error)
}

type Broadcaster interface {
	BroadcastChunkUpdated(chunk storage.Chunk)
	BroadcastTimelineEvent(ev storage.Event)
}

type Options struct {
	PollInterval    time.Duration
	ProviderTimeout time.Duration
	RetryBackoff    time.Duration
	MaxRetries      int
	// EnhanceProfile is passed to the Enhancer; "off" or empty skips it.
	EnhanceProfile string
}

type Worker struct {
	store    Store
	provider transcribe.Provider
	enhancer Enhancer
	hub      Broadcaster
	opts     Options

	wake  chan struct{}
	sleep func(ctx context.Context, d time.Duration)
}

func New(store Store, provider transcribe.Provider, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = DefaultProviderTimeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Worker{
		store:    store,
		provider: provider,
		opts:     opts,
		wake:     make(chan struct{}, 1),
		sleep:    sleepContext,
	}
}

func (w *Worker) SetEnhancer(e Enhancer)       { w.enhancer = e }
func (w *Worker) SetBroadcaster(b Broadcaster) { w.hub = b }

// Wake asks the worker to poll now. It never blocks.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run processes chunks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	slog.Info("transcription worker started", "provider", w.provider.Name(), "poll", w.opts.PollInterval)
	for {
		for {
			processed, err := w.ProcessNext(ctx)
			if err != nil && ctx.Err() == nil {
				slog.Error("transcription worker", "error", err)
			}
			if !processed || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			slog.Info("transcription worker stopped")
			return
		case <-w.wake:
		case <-ticker.C:
		}
	}
}

// ProcessNext transcribes the oldest queued chunk. It reports whether a chunk
// was taken off the queue.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	chunk, ok, err := w.store.NextQueuedChunk()
	if err != nil || !ok {
		return false, err
	}

	if err := w.store.MarkChunkProcessing(chunk.ID); err != nil {
		return false, err
	}
	chunk.Status = storage.ChunkProcessing
	w.broadcastChunk(chunk)

	result, profile, err := w.transcribe(ctx, chunk)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown is not the chunk's fault; put it back untouched.
			_ = w.store.RecordChunkFailure(chunk.ID, storage.ChunkQueued, chunk.RetryCount, chunk.Meta)
			return true, ctx.Err()
		}
		return true, w.fail(ctx, chunk, err)
	}

	text, lines := transcribe.RenderText(result, chunk.StartSec)
	meta := storage.ChunkMeta{
		Confidence:  result.Confidence,
		Words:       result.WordCount(),
		Utterances:  lines,
		Model:       result.Model,
		RequestID:   result.RequestID,
		Duration:    result.Duration,
		Enhancement: profile,
	}
	if err := w.store.CompleteChunk(chunk.ID, text, meta); err != nil {
		return true, fmt.Errorf("complete chunk %d: %w", chunk.ID, err)
	}
	chunk.Status = storage.ChunkDone
	chunk.Text = &text
	chunk.Meta = meta
	w.broadcastChunk(chunk)

	slog.Info("chunk transcribed", "session_id", chunk.SessionID, "chunk_index", chunk.Index, "lines", lines, "words", meta.Words)
	if strings.TrimSpace(text) == "" {
		w.warn(chunk, "no_speech_detected", "No speech was detected in this part of the recording.")
	}
	return true, nil
}

// transcribe runs the optional enhancement pass and the provider call. An
// enhancement failure falls back to the original segment.
func (w *Worker) transcribe(ctx context.Context, chunk storage.Chunk) (transcribe.Result, string, error) {
	path := chunk.FilePath
	profile := ""
	if w.enhancer != nil && w.opts.EnhanceProfile != "" && w.opts.EnhanceProfile != "off" {
		enhanced, err := w.enhancer.Enhance(ctx, w.opts.EnhanceProfile, chunk.FilePath)
		switch {
		case err != nil:
			slog.Warn("enhancement failed, using original audio", "chunk_index", chunk.Index, "profile", w.opts.EnhanceProfile, "error", err)
		case enhanced != chunk.FilePath:
			path = enhanced
			profile = w.opts.EnhanceProfile
			defer func() { _ = os.Remove(enhanced) }()
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, w.opts.ProviderTimeout)
	defer cancel()
	result, err := w.provider.Transcribe(callCtx, path)
	return result, profile, err
}

// fail records one failed attempt. Below the retry ceiling the chunk is
// requeued and the worker backs off; at the ceiling it fails for good.
func (w *Worker) fail(ctx context.Context, chunk storage.Chunk, cause error) error {
	retries := chunk.RetryCount + 1
	meta := chunk.Meta
	meta.Error = cause.Error()

	status := storage.ChunkQueued
	if retries >= w.opts.MaxRetries {
		status = storage.ChunkFailed
	}
	if err := w.store.RecordChunkFailure(chunk.ID, status, retries, meta); err != nil {
		return errors.Join(cause, err)
	}
	chunk.Status = status
	chunk.RetryCount = retries
	chunk.Meta = meta
	w.broadcastChunk(chunk)

	if status == storage.ChunkFailed {
		slog.Error("chunk transcription failed permanently", "session_id", chunk.SessionID, "chunk_index", chunk.Index, "retries", retries, "error", cause)
		w.warn(chunk, "transcription_failed", fmt.Sprintf("Chunk %d could not be transcribed: %v", chunk.Index, cause))
		return nil
	}

	backoff := w.opts.RetryBackoff * time.Duration(retries)
	slog.Warn("chunk transcription failed, retrying", "session_id", chunk.SessionID, "chunk_index", chunk.Index, "retry", retries, "backoff", backoff, "error", cause)
	w.sleep(ctx, backoff)
	return nil
}

func (w *Worker) warn(chunk storage.Chunk, kind, message string) {
	ev, err := w.store.AppendEvent(chunk.SessionID, storage.EventWarning, chunk.StartSec, map[string]any{
		"kind":        kind,
		"message":     message,
		"chunk_index": chunk.Index,
	})
	if err != nil {
		slog.Error("append warning event", "session_id", chunk.SessionID, "kind", kind, "error", err)
		return
	}
	if w.hub != nil {
		w.hub.BroadcastTimelineEvent(ev)
	}
}

func (w *Worker) broadcastChunk(chunk storage.Chunk) {
	if w.hub != nil {
		w.hub.BroadcastChunkUpdated(chunk)
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
