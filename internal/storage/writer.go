package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Writer exports finished session transcripts as markdown files.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// WriteTranscript renders every done chunk of the session into <dir>/<session id>.md,
// replacing any previous export.
func (w *Writer) WriteTranscript(sess Session, chunks []Chunk) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	path := w.PathFor(sess.ID)
	if err := os.WriteFile(path, []byte(FormatMarkdown(sess, chunks)), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

func (w *Writer) PathFor(sessionID string) string {
	return filepath.Join(w.dir, sessionID+".md")
}

func FormatMarkdown(sess Session, chunks []Chunk) string {
	var b strings.Builder
	title := sess.Title
	if strings.TrimSpace(title) == "" {
		title = "Session " + sess.ID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "_Started %s, recorded %.0fs_\n\n", sess.StartedAt.Local().Format("2006-01-02 15:04"), sess.RecordedSeconds)

	if strings.TrimSpace(sess.Summary) != "" {
		b.WriteString("## Summary\n\n")
		b.WriteString(strings.TrimSpace(sess.Summary))
		b.WriteString("\n\n")
	}

	b.WriteString("## Transcript\n\n")
	for _, c := range chunks {
		text := strings.TrimSpace(c.TextOrEmpty())
		if c.Status != ChunkDone || text == "" {
			continue
		}
		for _, line := range strings.Split(text, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				fmt.Fprintf(&b, "- %s\n", line)
			}
		}
	}
	return b.String()
}

// Archive exports the finished session. It lets the writer run as a
// post-stop archiver.
func (w *Writer) Archive(_ context.Context, sess Session, chunks []Chunk) error {
	_, err := w.WriteTranscript(sess, chunks)
	return err
}
