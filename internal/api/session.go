package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wakeside/skipper/internal/command"
	"github.com/wakeside/skipper/internal/conversation"
	"github.com/wakeside/skipper/internal/log"
	"github.com/wakeside/skipper/internal/prompt"
)

// SessionDeps are the collaborators shared by all session controllers.
type SessionDeps struct {
	Engine     *conversation.Engine
	Store      conversation.Persistence
	Dispatcher conversation.Dispatcher
	Knowledge  *prompt.Knowledge
	ArchiveDir string
}

// SessionHandler manages stateful chat sessions over HTTP. Each session is
// one conversation.Controller; the handler bridges its callbacks onto the
// in-flight request's SSE stream.
type SessionHandler struct {
	deps   SessionDeps
	logger log.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

type session struct {
	ctl *conversation.Controller

	mu   sync.Mutex
	sink chan sessionEvent // nil when no turn is being streamed
}

type sessionEvent struct {
	name string
	data any
}

// forward delivers an event to the in-flight stream, if any. Events raised
// outside a streamed turn are dropped; the next snapshot carries the state.
//
// The send blocks when the sink is full: events only fire inside a turn,
// the turn completes before the drain loop stops reading, so a slow SSE
// writer applies backpressure instead of losing a chunk.
func (s *session) forward(ev sessionEvent) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return
	}
	sink <- ev
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(deps SessionDeps, logger log.Logger) *SessionHandler {
	return &SessionHandler{
		deps:     deps,
		logger:   logger,
		sessions: make(map[uuid.UUID]*session),
	}
}

// RegisterRoutes registers the session routes on mux.
func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/session/open", h.handleOpen)
	mux.HandleFunc("GET /api/session/{id}/messages", h.handleMessages)
	mux.HandleFunc("POST /api/session/{id}/send", h.handleSend)
	mux.HandleFunc("POST /api/session/{id}/subject", h.handleSubject)
	mux.HandleFunc("POST /api/session/{id}/react", h.handleReact)
	mux.HandleFunc("POST /api/session/{id}/close", h.handleClose)
}

// MessageView is one session message on the wire.
type MessageView struct {
	ID        uuid.UUID `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Reaction  string    `json:"reaction"`
	Streaming bool      `json:"streaming,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func messageViews(msgs []conversation.Message) []MessageView {
	views := make([]MessageView, len(msgs))
	for i, m := range msgs {
		views[i] = MessageView{
			ID:        m.ID,
			Role:      m.Role,
			Text:      m.Text,
			Reaction:  string(m.Reaction),
			Streaming: m.Streaming,
			CreatedAt: m.CreatedAt,
		}
	}
	return views
}

type openInput struct {
	ConversationID string        `json:"conversationId,omitempty"`
	Page           string        `json:"page"`
	Subject        *SubjectInput `json:"subject,omitempty"`
}

type openOutput struct {
	ConversationID uuid.UUID     `json:"conversationId"`
	Messages       []MessageView `json:"messages"`
}

// handleOpen creates (or replaces) a session and runs the open decision:
// resume stored history, archive it for a fresh start, or seed a welcome.
func (h *SessionHandler) handleOpen(w http.ResponseWriter, r *http.Request) {
	var input openInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if input.Page == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PAGE", "page is required")
		return
	}

	conversationID := uuid.New()
	if input.ConversationID != "" {
		parsed, err := uuid.Parse(input.ConversationID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "conversationId must be a UUID")
			return
		}
		conversationID = parsed
	}

	sess := &session{}
	ctl, err := conversation.New(conversation.Config{
		ConversationID: conversationID,
		Engine:         h.deps.Engine,
		Store:          h.deps.Store,
		Dispatcher:     h.deps.Dispatcher,
		Knowledge:      h.deps.Knowledge,
		Logger:         h.logger,
		ArchiveDir:     h.deps.ArchiveDir,
		OnDisplay: func(localID uuid.UUID, suffix string) {
			sess.forward(sessionEvent{name: "chunk", data: map[string]string{
				"messageId": localID.String(),
				"text":      suffix,
			}})
		},
		OnCommand: func(cmd command.Command) {
			sess.forward(sessionEvent{name: "command", data: CommandView{
				Tag:     string(cmd.Tag()),
				Payload: cmd,
			}})
		},
	})
	if err != nil {
		h.logger.Error("creating session controller", "error", err)
		writeError(w, http.StatusInternalServerError, "SESSION_FAILED", "could not open the session")
		return
	}
	sess.ctl = ctl

	if err := ctl.Open(r.Context(), input.Page, toSubject(input.Subject)); err != nil {
		h.logger.Error("opening session", "error", err)
		writeError(w, http.StatusInternalServerError, "SESSION_FAILED", "could not open the session")
		return
	}

	h.mu.Lock()
	if old, ok := h.sessions[conversationID]; ok {
		old.ctl.Close()
	}
	h.sessions[conversationID] = sess
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, openOutput{
		ConversationID: conversationID,
		Messages:       messageViews(ctl.Messages()),
	})
}

func (h *SessionHandler) lookup(w http.ResponseWriter, r *http.Request) *session {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "session id must be a UUID")
		return nil
	}
	h.mu.Lock()
	sess := h.sessions[id]
	h.mu.Unlock()
	if sess == nil {
		writeError(w, http.StatusNotFound, "UNKNOWN_SESSION", "no open session with that id")
		return nil
	}
	return sess
}

func (h *SessionHandler) handleMessages(w http.ResponseWriter, r *http.Request) {
	sess := h.lookup(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, messageViews(sess.ctl.Messages()))
}

type sendInput struct {
	Message string      `json:"message"`
	Auto    bool        `json:"auto,omitempty"`
	Context TurnContext `json:"context"`
}

// handleSend runs one turn on the session and streams display deltas over
// SSE. A send while a turn is already streaming completes immediately with
// the current snapshot; the controller treats it as a no-op.
func (h *SessionHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	sess := h.lookup(w, r)
	if sess == nil {
		return
	}

	var input sendInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if input.Message == "" {
		writeError(w, http.StatusBadRequest, "MISSING_MESSAGE", "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "NO_STREAMING", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events := make(chan sessionEvent, 64)
	sess.mu.Lock()
	streaming := sess.sink != nil
	if !streaming {
		sess.sink = events
	}
	sess.mu.Unlock()

	tctx := conversation.Context{
		Page:     input.Context.Page,
		Progress: input.Context.Progress,
		Subject:  toSubject(input.Context.Subject),
	}

	done := make(chan error, 1)
	go func() {
		var err error
		if input.Auto {
			err = sess.ctl.AutoSend(r.Context(), input.Message, tctx)
		} else {
			err = sess.ctl.Send(r.Context(), input.Message, tctx)
		}
		done <- err
	}()

	write := func(name string, data any) {
		payload, err := json.Marshal(data)
		if err != nil {
			h.logger.Error("marshal session event", "event", name, "error", err)
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
		flusher.Flush()
	}

	if streaming {
		// Another request owns the stream; the controller treats this
		// send as a no-op. Report the current snapshot and finish.
		<-done
		write("done", messageViews(sess.ctl.Messages()))
		return
	}

	var turnErr error
drain:
	for {
		select {
		case ev := <-events:
			write(ev.name, ev.data)
		case turnErr = <-done:
			break drain
		}
	}

	sess.mu.Lock()
	sess.sink = nil
	sess.mu.Unlock()

	// Flush anything raised between the last read and sink removal.
	for {
		select {
		case ev := <-events:
			write(ev.name, ev.data)
			continue
		default:
		}
		break
	}

	if turnErr != nil {
		h.logger.Info("session turn ended with error", "error", turnErr)
	}
	write("done", messageViews(sess.ctl.Messages()))
}

type subjectInputBody struct {
	Subject *SubjectInput `json:"subject"`
}

func (h *SessionHandler) handleSubject(w http.ResponseWriter, r *http.Request) {
	sess := h.lookup(w, r)
	if sess == nil {
		return
	}
	var input subjectInputBody
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	sess.ctl.UpdateSubject(toSubject(input.Subject))
	writeJSON(w, http.StatusOK, messageViews(sess.ctl.Messages()))
}

type reactInput struct {
	MessageID uuid.UUID `json:"messageId"`
	Reaction  string    `json:"reaction"`
}

func (h *SessionHandler) handleReact(w http.ResponseWriter, r *http.Request) {
	sess := h.lookup(w, r)
	if sess == nil {
		return
	}
	var input reactInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	reaction := conversation.Reaction(input.Reaction)
	switch reaction {
	case conversation.ReactionNone, conversation.ReactionUp, conversation.ReactionDown:
	default:
		writeError(w, http.StatusBadRequest, "INVALID_REACTION", "reaction must be none, up or down")
		return
	}
	if err := sess.ctl.React(input.MessageID, reaction); err != nil {
		writeError(w, http.StatusNotFound, "UNKNOWN_MESSAGE", "no message with that id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *SessionHandler) handleClose(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "session id must be a UUID")
		return
	}
	h.mu.Lock()
	sess := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if sess == nil {
		writeError(w, http.StatusNotFound, "UNKNOWN_SESSION", "no open session with that id")
		return
	}
	sess.ctl.Close()
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// CloseAll closes every open session. Called on server shutdown.
func (h *SessionHandler) CloseAll() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[uuid.UUID]*session)
	h.mu.Unlock()
	for _, sess := range sessions {
		sess.ctl.Close()
	}
}

func toSubject(in *SubjectInput) *prompt.Subject {
	if in == nil {
		return nil
	}
	return &prompt.Subject{Model: in.Model, HP: in.HP, Price: in.Price}
}
