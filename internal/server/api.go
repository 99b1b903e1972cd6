package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sjawhar/ghost-minutes/internal/capture"
	"github.com/sjawhar/ghost-minutes/internal/config"
	"github.com/sjawhar/ghost-minutes/internal/retrieval"
	"github.com/sjawhar/ghost-minutes/internal/session"
	"github.com/sjawhar/ghost-minutes/internal/storage"
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Sessions is the command surface of the session manager.
type Sessions interface {
	Start(ctx context.Context, req session.StartRequest) (storage.Session, error)
	Pause(ctx context.Context, sessionID string) (storage.Session, error)
	Resume(ctx context.Context, sessionID string) (storage.Session, error)
	Stop(ctx context.Context, sessionID string) (storage.Session, error)
	ChangeSources(ctx context.Context, sessionID string, sources []storage.Source) (storage.Session, error)
	Rename(sessionID, title string) (storage.Session, error)
	Move(sessionID, folderID string) (storage.Session, error)
	Delete(sessionID string) error
	Get(sessionID string) (storage.Session, error)
	List(folderID string) ([]storage.Session, error)
	Detail(sessionID string) (session.Detail, error)
	GenerateSummary(ctx context.Context, sessionID, preset string) (storage.Session, error)
	SetSpeakerAlias(sessionID string, speakerID int, alias string) (storage.Event, error)
	Elapsed(sess storage.Session) float64
	ActiveSessionID() (string, bool)
}

type Asker interface {
	Ask(ctx context.Context, sessionID, question string) (retrieval.Answer, error)
}

type Folders interface {
	CreateFolder(name string) (storage.Folder, error)
	ListFolders() ([]storage.Folder, error)
}

type SourceLister interface {
	ListSources(ctx context.Context, format string) ([]storage.Source, error)
}

// Deps wires the API to the rest of the application. Asker and Sources may
// be nil; their routes then answer 503.
type Deps struct {
	Sessions Sessions
	Asker    Asker
	Folders  Folders
	Sources  SourceLister
	Controls ControlHooks
}

type sourcesRequest struct {
	Sources []storage.Source `json:"sources"`
}

type patchRequest struct {
	Title    *string `json:"title"`
	FolderID *string `json:"folder_id"`
}

type askRequest struct {
	Question string `json:"question"`
}

type summaryRequest struct {
	Preset string `json:"preset"`
}

type aliasRequest struct {
	SpeakerID *int   `json:"speaker_id"`
	Alias     string `json:"alias"`
}

type folderRequest struct {
	Name string `json:"name"`
}

func registerAPIRoutes(mux *http.ServeMux, deps Deps) {
	sessions := deps.Sessions

	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req session.StartRequest
		if !decodeBody(w, r, &req) {
			return
		}
		sess, err := sessions.Start(r.Context(), req)
		if err != nil {
			writeError(w, "start session", err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	})

	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		list, err := sessions.List(r.URL.Query().Get("folder"))
		if err != nil {
			writeError(w, "list sessions", err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	})

	mux.HandleFunc("GET /api/sessions/{id}", withSessionID(func(w http.ResponseWriter, r *http.Request, id string) {
		detail, err := sessions.Detail(id)
		if err != nil {
			writeError(w, "get session", err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	}))

	transitions := map[string]func(context.Context, string) (storage.Session, error){
		"pause":  sessions.Pause,
		"resume": sessions.Resume,
		"stop":   sessions.Stop,
	}
	for name, transition := range transitions {
		mux.HandleFunc("POST /api/sessions/{id}/"+name, withSessionID(func(w http.ResponseWriter, r *http.Request, id string) {
			sess, err := transition(r.Context(), id)
			if err != nil {
				writeError(w, name+" session", err)
				return
			}
			writeJSON(w, http.StatusOK, sess)
		}))
	}

	mux.HandleFunc("PUT /api/sessions/{id}/sources", withSessionID(func(w http.ResponseWriter, r *http.Request, id string) {
		var req sourcesRequest
		if !decodeBody(w, r, &req) {
			return
		}
		sess, err := sessions.ChangeSources(r.Context(), id, req.Sources)
		if err != nil {
			writeError(w, "change sources", err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}))

	mux.HandleFunc("PATCH /api/sessions/{id}", withSessionID(func(w http.ResponseWriter, r *http.Request, id string) {
		var req patchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Title == nil && req.FolderID == nil {
			writeJSONError(w, http.StatusBadRequest, "title or folder_id is required")
			return
		}
		sess, err := sessions.Get(id)
		if req.Title != nil && err == nil {
			sess, err = sessions.Rename(id, *req.Title)
		}
		if req.FolderID != nil && err == nil {
			sess, err = sessions.Move(id, *req.FolderID)
		}
		if err != nil {
			writeError(w, "update session", err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}))

	mux.HandleFunc("DELETE /api/sessions/{id}", withSessionID(func(w http.ResponseWriter, r *http.Request, id string) {
		if err := sessions.Delete(id); err != nil {
			writeError(w, "delete session", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("POST /api/sessions/{id}/summary", withSessionID(func(w http.ResponseWriter, r *http.Request, id string) {
		var req summaryRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		sess, err := sessions.GenerateSummary(r.Context(), id, req.Preset)
		if err != nil {
			writeError(w, "summarize", err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}))

	mux.HandleFunc("POST /api/sessions/{id}/ask", withSessionID(func(w http.ResponseWriter, r *http.Request, id string) {
		if deps.Asker == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "question answering is not configured")
			return
		}
		var req askRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if _, err := sessions.Get(id); err != nil {
			writeError(w, "ask", err)
			return
		}
		answer, err := deps.Asker.Ask(r.Context(), id, req.Question)
		if err != nil {
			writeError(w, "ask", err)
			return
		}
		writeJSON(w, http.StatusOK, answer)
	}))

	mux.HandleFunc("POST /api/sessions/{id}/aliases", withSessionID(func(w http.ResponseWriter, r *http.Request, id string) {
		var req aliasRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.SpeakerID == nil {
			writeJSONError(w, http.StatusBadRequest, "speaker_id is required")
			return
		}
		ev, err := sessions.SetSpeakerAlias(id, *req.SpeakerID, req.Alias)
		if err != nil {
			writeError(w, "set speaker alias", err)
			return
		}
		writeJSON(w, http.StatusCreated, ev)
	}))

	mux.HandleFunc("GET /api/sessions/{id}/audio", withSessionID(func(w http.ResponseWriter, r *http.Request, id string) {
		sess, err := sessions.Get(id)
		if err != nil {
			writeError(w, "get session", err)
			return
		}
		if sess.AudioMasterPath == "" {
			writeJSONError(w, http.StatusNotFound, "audio not available")
			return
		}

		cleanPath := filepath.Clean(sess.AudioMasterPath)
		if !withinDir(sess.SessionDir, cleanPath) {
			writeJSONError(w, http.StatusForbidden, "invalid audio path")
			return
		}

		f, err := os.Open(cleanPath)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "audio file not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat audio: %v", err))
			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Cache-Control", "private, max-age=3600")
		w.Header().Set("Content-Type", contentTypeForAudio(cleanPath))
		http.ServeContent(w, r, filepath.Base(cleanPath), info.ModTime(), f)
	}))

	mux.HandleFunc("GET /api/folders", func(w http.ResponseWriter, r *http.Request) {
		folders, err := deps.Folders.ListFolders()
		if err != nil {
			writeError(w, "list folders", err)
			return
		}
		writeJSON(w, http.StatusOK, folders)
	})

	mux.HandleFunc("POST /api/folders", func(w http.ResponseWriter, r *http.Request) {
		var req folderRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			writeJSONError(w, http.StatusBadRequest, "folder name is required")
			return
		}
		folder, err := deps.Folders.CreateFolder(req.Name)
		if err != nil {
			writeError(w, "create folder", err)
			return
		}
		writeJSON(w, http.StatusCreated, folder)
	})

	mux.HandleFunc("GET /api/sources", func(w http.ResponseWriter, r *http.Request) {
		if deps.Sources == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "source listing is not available")
			return
		}
		sources, err := deps.Sources.ListSources(r.Context(), r.URL.Query().Get("format"))
		if err != nil {
			writeError(w, "list sources", err)
			return
		}
		writeJSON(w, http.StatusOK, sources)
	})

	mux.HandleFunc("GET /api/presets", func(w http.ResponseWriter, r *http.Request) {
		var presets map[string]config.Preset
		if deps.Controls.Presets != nil {
			presets = deps.Controls.Presets()
		}
		out := make(map[string]string, len(presets))
		for name, p := range presets {
			out[name] = p.Description
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		var warnings []string
		if deps.Controls.Warnings != nil {
			warnings = deps.Controls.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}
		status := map[string]any{"warnings": warnings, "active_session": nil}

		if id, ok := sessions.ActiveSessionID(); ok {
			if sess, err := sessions.Get(id); err == nil {
				status["active_session"] = map[string]any{
					"id":              sess.ID,
					"title":           sess.Title,
					"status":          sess.Status,
					"elapsed_seconds": sessions.Elapsed(sess),
				}
			}
		}
		writeJSON(w, http.StatusOK, status)
	})
}

func withSessionID(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !validSessionID(id) {
			writeJSONError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		next(w, r, id)
	}
}

func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// withinDir reports whether path lies inside dir.
func withinDir(dir, path string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(dir), path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func contentTypeForAudio(path string) string {
	ext := filepath.Ext(path)
	switch ext {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, sql.ErrNoRows), errors.Is(err, os.ErrNotExist):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrPrecondition):
		status = http.StatusConflict
	case errors.Is(err, retrieval.ErrEmptyQuestion):
		status = http.StatusBadRequest
	case errors.Is(err, capture.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("api request failed", "op", op, "error", err)
	}
	writeJSONError(w, status, fmt.Sprintf("%s: %v", op, err))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
