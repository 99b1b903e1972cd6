// Package mcptools exposes recorded sessions to MCP clients over stdio.
package mcptools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sjawhar/ghost-minutes/internal/retrieval"
	"github.com/sjawhar/ghost-minutes/internal/session"
	"github.com/sjawhar/ghost-minutes/internal/storage"
)

type Sessions interface {
	List(folderID string) ([]storage.Session, error)
	Detail(sessionID string) (session.Detail, error)
}

type Asker interface {
	Ask(ctx context.Context, sessionID, question string) (retrieval.Answer, error)
}

type Tools struct {
	sessions Sessions
	asker    Asker
}

func New(sessions Sessions, asker Asker) *Tools {
	return &Tools{sessions: sessions, asker: asker}
}

// NewServer registers the session tools on a fresh MCP server.
func NewServer(version string, tools *Tools) *server.MCPServer {
	s := server.NewMCPServer("ghost-minutes", version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List recorded sessions, newest first, with their status and one-line summary."),
		mcp.WithString("folder_id", mcp.Description("Only list sessions in this folder")),
	), tools.ListSessions)

	s.AddTool(mcp.NewTool("get_session",
		mcp.WithDescription("Get a session's summary and full diarized transcript, with speaker names applied."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id from list_sessions")),
	), tools.GetSession)

	s.AddTool(mcp.NewTool("ask_question",
		mcp.WithDescription("Answer a question using only the session transcript. Answers cite transcript lines."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id from list_sessions")),
		mcp.WithString("question", mcp.Required(), mcp.Description("The question to answer")),
	), tools.AskQuestion)

	return s
}

// Serve runs the MCP server on stdin/stdout until the client disconnects.
func Serve(version string, tools *Tools) error {
	return server.ServeStdio(NewServer(version, tools))
}

type sessionSummary struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	FolderID        string  `json:"folder_id"`
	Status          string  `json:"status"`
	StartedAt       string  `json:"started_at"`
	RecordedSeconds float64 `json:"recorded_seconds"`
	Brief           string  `json:"summary_brief,omitempty"`
}

func (t *Tools) ListSessions(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := t.sessions.List(req.GetString("folder_id", ""))
	if err != nil {
		return mcp.NewToolResultErrorFromErr("list sessions", err), nil
	}
	out := make([]sessionSummary, 0, len(list))
	for _, sess := range list {
		out = append(out, sessionSummary{
			ID:              sess.ID,
			Title:           sess.Title,
			FolderID:        sess.FolderID,
			Status:          sess.Status,
			StartedAt:       sess.StartedAt.UTC().Format(time.RFC3339),
			RecordedSeconds: sess.RecordedSeconds,
			Brief:           sess.SummaryBrief,
		})
	}
	return mcp.NewToolResultJSON(map[string]any{"sessions": out})
}

func (t *Tools) GetSession(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	detail, err := t.sessions.Detail(id)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("get session", err), nil
	}

	sess := detail.Session
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", sess.Title)
	fmt.Fprintf(&b, "Status: %s, recorded %.0fs, started %s\n", sess.Status, sess.RecordedSeconds, sess.StartedAt.UTC().Format(time.RFC3339))
	if strings.TrimSpace(sess.Summary) != "" {
		fmt.Fprintf(&b, "\n## Summary\n%s\n", strings.TrimSpace(sess.Summary))
	}
	b.WriteString("\n## Transcript\n")
	if transcript := retrieval.TranscriptText(detail.Chunks, detail.Aliases); transcript != "" {
		b.WriteString(transcript)
	} else {
		b.WriteString("(no transcript yet)")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (t *Tools) AskQuestion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	question, err := req.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	answer, err := t.asker.Ask(ctx, id, question)
	if errors.Is(err, retrieval.ErrEmptyQuestion) {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err != nil {
		return mcp.NewToolResultErrorFromErr("ask question", err), nil
	}

	var b strings.Builder
	b.WriteString(answer.Reply.Content)
	if len(answer.Reply.Citations) > 0 {
		b.WriteString("\n\nSources:")
		for _, c := range answer.Reply.Citations {
			fmt.Fprintf(&b, "\n[%s] %.2f-%.2f %s: %s", c.LineID, c.StartSec, c.EndSec, c.Speaker, c.Text)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}
