package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sjawhar/ghost-minutes/internal/llm"
	"github.com/sjawhar/ghost-minutes/internal/storage"
)

// NotFound is the exact answer given when the transcript has no evidence.
const NotFound = "Not found in the transcript."

const (
	historyMessages = 6
	historyChars    = 400
	evidenceLines   = 3
	answerTimeout   = 90 * time.Second
)

var ErrEmptyQuestion = errors.New("question is required")

type Store interface {
	GetChunks(sessionID string) ([]storage.Chunk, error)
	GetEvents(sessionID string) ([]storage.Event, error)
	GetChatMessages(sessionID string) ([]storage.ChatMessage, error)
	AppendChatMessage(msg storage.ChatMessage) (storage.ChatMessage, error)
}

type answerPayload struct {
	Answer    string   `json:"answer" jsonschema:"description=The answer grounded only in the supplied lines"`
	Citations []string `json:"citations" jsonschema:"description=Ids of the lines the answer is based on"`
}

var answerSchema = llm.SchemaFor[answerPayload]("grounded_answer", "Answer with the transcript line ids it relies on")

const answerSystemPrompt = `You answer questions about a meeting transcript.
Use only the transcript lines provided. Each line starts with its id in square brackets.
Cite the ids of every line your answer relies on. Never cite ids that are not listed.
If the lines do not answer the question, set answer to exactly "` + NotFound + `" and citations to [].`

// Engine answers questions grounded in a session transcript.
type Engine struct {
	store   Store
	client  llm.Client
	model   string
	planner *Planner
	now     func() time.Time
}

// NewEngine builds an engine. A nil client answers from local evidence only.
func NewEngine(store Store, client llm.Client, model string) *Engine {
	return &Engine{
		store:   store,
		client:  client,
		model:   model,
		planner: NewPlanner(client),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Answer is the persisted exchange for one question.
type Answer struct {
	Question storage.ChatMessage `json:"question"`
	Reply    storage.ChatMessage `json:"reply"`
}

// Ask answers question from the session's transcript and stores both the
// question and the answer in the chat history.
func (e *Engine) Ask(ctx context.Context, sessionID, question string) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, ErrEmptyQuestion
	}

	history, err := e.store.GetChatMessages(sessionID)
	if err != nil {
		return Answer{}, fmt.Errorf("load chat history: %w", err)
	}
	chunks, err := e.store.GetChunks(sessionID)
	if err != nil {
		return Answer{}, fmt.Errorf("load chunks: %w", err)
	}
	events, err := e.store.GetEvents(sessionID)
	if err != nil {
		return Answer{}, fmt.Errorf("load events: %w", err)
	}

	userMsg, err := e.store.AppendChatMessage(storage.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      storage.RoleUser,
		Content:   question,
		CreatedAt: e.now(),
	})
	if err != nil {
		return Answer{}, fmt.Errorf("store question: %w", err)
	}

	lines := ParseLines(chunks, AliasMap(events))
	text, cited, meta := e.answer(ctx, question, lines, CompactHistory(history))

	citations := make([]storage.Citation, 0, len(cited))
	for _, l := range cited {
		citations = append(citations, l.Citation())
	}
	reply, err := e.store.AppendChatMessage(storage.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      storage.RoleAssistant,
		Content:   text,
		Citations: citations,
		Metadata:  meta,
		CreatedAt: e.now(),
	})
	if err != nil {
		return Answer{}, fmt.Errorf("store answer: %w", err)
	}
	return Answer{Question: userMsg, Reply: reply}, nil
}

func (e *Engine) answer(ctx context.Context, question string, lines []Line, history []llm.Message) (string, []Line, map[string]any) {
	meta := map[string]any{"model": e.modelName()}
	if len(lines) == 0 {
		meta["fallback"] = "no_transcript"
		return NotFound, nil, meta
	}

	plan := e.planner.Plan(ctx, question, Speakers(lines))
	sel := Select(lines, plan, question)
	meta["plan"] = plan
	meta["retrieval"] = sel.Diagnostics

	var answer string
	var cited []Line
	if e.client != nil {
		var err error
		answer, cited, err = e.grounded(ctx, question, sel.Lines, history)
		if err != nil {
			slog.Warn("answer: llm failed, using local evidence", "error", err)
			meta["llm_error"] = err.Error()
			answer = ""
		}
	}

	if len(cited) > 0 {
		return answer, cited, meta
	}

	evidence := Evidence(lines, plan, question, evidenceLines)
	switch {
	case len(evidence) > 0:
		meta["fallback"] = "local_evidence"
		return LocalAnswer(evidence), evidence, meta
	case isNotFound(answer):
		return NotFound, nil, meta
	default:
		meta["fallback"] = "not_found"
		return NotFound, nil, meta
	}
}

// grounded asks the model for an answer over the selected lines and keeps
// only citations that reference those lines.
func (e *Engine) grounded(ctx context.Context, question string, selected []Line, history []llm.Message) (string, []Line, error) {
	ctx, cancel := context.WithTimeout(ctx, answerTimeout)
	defer cancel()

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: answerSystemPrompt})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{
		Role:    "user",
		Content: fmt.Sprintf("Transcript lines:\n%s\nQuestion: %s", render(selected), question),
	})

	raw, err := e.client.CompleteJSON(ctx, messages, answerSchema)
	if err != nil {
		return "", nil, err
	}
	var payload answerPayload
	if err := llm.DecodeJSON(raw, &payload); err != nil {
		return "", nil, err
	}

	return strings.TrimSpace(payload.Answer), FilterCitations(payload.Citations, selected), nil
}

// FilterCitations resolves cited ids against the supplied lines, dropping
// unknown ids and duplicates.
func FilterCitations(ids []string, supplied []Line) []Line {
	byID := make(map[string]Line, len(supplied))
	for _, l := range supplied {
		byID[l.ID] = l
	}
	seen := make(map[string]bool)
	var out []Line
	for _, id := range ids {
		id = strings.Trim(strings.TrimSpace(id), "[]")
		l, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, l)
	}
	return out
}

// LocalAnswer quotes the evidence lines.
func LocalAnswer(evidence []Line) string {
	var b strings.Builder
	b.WriteString("From the transcript:")
	for _, l := range evidence {
		speaker := l.Speaker
		if speaker == "" {
			speaker = "Unknown"
		}
		fmt.Fprintf(&b, "\n- [%s] %s: %s", formatClock(l.StartSec), speaker, l.Text)
	}
	return b.String()
}

func isNotFound(answer string) bool {
	return strings.EqualFold(strings.TrimRight(strings.TrimSpace(answer), "."), strings.TrimRight(NotFound, "."))
}

// CompactHistory keeps the last few chat messages, each truncated.
func CompactHistory(messages []storage.ChatMessage) []llm.Message {
	if len(messages) > historyMessages {
		messages = messages[len(messages)-historyMessages:]
	}
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == storage.RoleAssistant {
			role = "assistant"
		}
		content := strings.TrimSpace(m.Content)
		if r := []rune(content); len(r) > historyChars {
			content = string(r[:historyChars]) + "..."
		}
		out = append(out, llm.Message{Role: role, Content: content})
	}
	return out
}

func (e *Engine) modelName() string {
	if e.client == nil {
		return "local"
	}
	return e.model
}
