package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/firebase/genkit/go/ai"

	"github.com/wakeside/skipper/internal/command"
	"github.com/wakeside/skipper/internal/conversation"
	"github.com/wakeside/skipper/internal/log"
	"github.com/wakeside/skipper/internal/prompt"
)

// TurnRunner runs one conversation turn. Implemented by conversation.Engine.
type TurnRunner interface {
	Run(ctx context.Context, req conversation.TurnRequest, onDisplay func(text string) error) (*conversation.TurnResult, error)
}

// ChatHandler serves the turn endpoints.
type ChatHandler struct {
	engine TurnRunner
	logger log.Logger
}

// NewChatHandler creates a chat handler over a turn runner.
func NewChatHandler(engine TurnRunner, logger log.Logger) *ChatHandler {
	return &ChatHandler{engine: engine, logger: logger}
}

// RegisterRoutes registers the chat routes on mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat", h.handleTurn)
	mux.HandleFunc("POST /api/chat/stream", h.handleStream)
}

// TurnInput is the inbound turn request.
type TurnInput struct {
	Message string         `json:"message"`
	History []HistoryEntry `json:"conversationHistory"`
	Context TurnContext    `json:"context"`
}

// HistoryEntry is one prior message in the rolling window.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnContext is the page snapshot sent with the message.
type TurnContext struct {
	Page     string        `json:"page"`
	Progress string        `json:"progress,omitempty"`
	Subject  *SubjectInput `json:"subject,omitempty"`
}

// SubjectInput is the product in view, if any.
type SubjectInput struct {
	Model string  `json:"model"`
	HP    int     `json:"hp,omitempty"`
	Price float64 `json:"price,omitempty"`
}

// TurnOutput is the synchronous turn response.
type TurnOutput struct {
	Text     string        `json:"text"`
	Category string        `json:"category"`
	Commands []CommandView `json:"commands,omitempty"`
	Fallback bool          `json:"fallback,omitempty"`
}

// CommandView is one extracted payload on the wire.
type CommandView struct {
	Tag     string          `json:"tag"`
	Payload command.Command `json:"payload"`
}

func (in TurnInput) toRequest() conversation.TurnRequest {
	history := make([]*ai.Message, 0, len(in.History))
	for _, entry := range in.History {
		if entry.Content == "" {
			continue
		}
		if entry.Role == conversation.RoleUser {
			history = append(history, ai.NewUserMessage(ai.NewTextPart(entry.Content)))
		} else {
			history = append(history, ai.NewModelMessage(ai.NewTextPart(entry.Content)))
		}
	}

	var subject *prompt.Subject
	if in.Context.Subject != nil {
		subject = &prompt.Subject{
			Model: in.Context.Subject.Model,
			HP:    in.Context.Subject.HP,
			Price: in.Context.Subject.Price,
		}
	}

	return conversation.TurnRequest{
		Message: in.Message,
		History: history,
		Context: conversation.Context{
			Page:     in.Context.Page,
			Progress: in.Context.Progress,
			Subject:  subject,
		},
	}
}

func commandViews(cmds []command.Command) []CommandView {
	if len(cmds) == 0 {
		return nil
	}
	views := make([]CommandView, len(cmds))
	for i, c := range cmds {
		views[i] = CommandView{Tag: string(c.Tag()), Payload: c}
	}
	return views
}

// handleTurn runs a turn without streaming.
func (h *ChatHandler) handleTurn(w http.ResponseWriter, r *http.Request) {
	var input TurnInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if input.Message == "" {
		writeError(w, http.StatusBadRequest, "MISSING_MESSAGE", "message is required")
		return
	}

	result, err := h.engine.Run(r.Context(), input.toRequest(), nil)
	if err != nil {
		h.logger.Error("turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, "TURN_FAILED", "could not complete the turn")
		return
	}

	writeJSON(w, http.StatusOK, TurnOutput{
		Text:     result.DisplayText,
		Category: result.Category.String(),
		Commands: commandViews(result.Commands),
		Fallback: result.Failed,
	})
}

// handleStream runs a turn over Server-Sent Events.
//
// Event types:
//   - chunk:   {"text": "..."} display-safe text suffix
//   - command: {"tag": "...", "payload": {...}}
//   - done:    {"text": "...", "category": "...", "fallback": bool}
//   - error:   {"code": "...", "message": "..."}
func (h *ChatHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("streaming not supported")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var input TurnInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeEvent(w, flusher, "error", ErrorResponse{Error: "INVALID_REQUEST", Message: err.Error()})
		return
	}
	if input.Message == "" {
		h.writeEvent(w, flusher, "error", ErrorResponse{Error: "MISSING_MESSAGE", Message: "message is required"})
		return
	}

	ctx := r.Context()

	onDisplay := func(text string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		h.writeEvent(w, flusher, "chunk", map[string]string{"text": text})
		return nil
	}

	result, err := h.engine.Run(ctx, input.toRequest(), onDisplay)
	if err != nil {
		if ctx.Err() != nil {
			h.logger.Info("client disconnected mid-stream")
			return
		}
		h.logger.Error("stream turn failed", "error", err)
		h.writeEvent(w, flusher, "error", ErrorResponse{Error: "TURN_FAILED", Message: "could not complete the turn"})
		return
	}

	for _, view := range commandViews(result.Commands) {
		h.writeEvent(w, flusher, "command", view)
	}

	h.writeEvent(w, flusher, "done", TurnOutput{
		Text:     result.DisplayText,
		Category: result.Category.String(),
		Fallback: result.Failed,
	})
}

func (h *ChatHandler) writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("marshal SSE event", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
