package storage

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func TestWriterExportsDoneChunks(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	sess := Session{
		ID:        "s1",
		Title:     "Weekly sync",
		StartedAt: time.Date(2026, 2, 26, 10, 30, 0, 0, time.UTC),
		Summary:   "- shipped",
	}
	chunks := []Chunk{
		{Index: 0, Status: ChunkDone, Text: strPtr("[0.00-2.00] Speaker 0: Hello world.")},
		{Index: 1, Status: ChunkQueued},
		{Index: 2, Status: ChunkDone, Text: strPtr("[60.00-61.00] Speaker 1: Bye.\n")},
	}

	path, err := w.WriteTranscript(sess, chunks)
	if err != nil {
		t.Fatalf("WriteTranscript failed: %v", err)
	}
	if path != w.PathFor("s1") {
		t.Fatalf("unexpected path %q", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "# Weekly sync") {
		t.Errorf("expected title heading, got: %s", content)
	}
	if !strings.Contains(content, "Speaker 0: Hello world.") || !strings.Contains(content, "Speaker 1: Bye.") {
		t.Errorf("expected both transcript lines, got: %s", content)
	}
	if !strings.Contains(content, "## Summary") {
		t.Errorf("expected summary section, got: %s", content)
	}
}

func TestWriterOverwritesPreviousExport(t *testing.T) {
	w := NewWriter(t.TempDir())
	sess := Session{ID: "s2"}

	_, _ = w.WriteTranscript(sess, []Chunk{{Status: ChunkDone, Text: strPtr("first")}})
	path, err := w.WriteTranscript(sess, []Chunk{{Status: ChunkDone, Text: strPtr("second")}})
	if err != nil {
		t.Fatalf("WriteTranscript failed: %v", err)
	}

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "first") {
		t.Fatalf("expected export to be replaced, got: %s", data)
	}
}

func TestArchiveWritesTranscript(t *testing.T) {
	w := NewWriter(t.TempDir())
	sess := Session{ID: "s3", Title: "Archived"}

	if err := w.Archive(context.Background(), sess, []Chunk{{Status: ChunkDone, Text: strPtr("[0.00-1.00] Speaker 0: Done.")}}); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	data, err := os.ReadFile(w.PathFor("s3"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), "Speaker 0: Done.") {
		t.Fatalf("expected transcript line, got: %s", data)
	}
}
