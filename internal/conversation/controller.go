package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/wakeside/skipper/internal/command"
	"github.com/wakeside/skipper/internal/log"
	"github.com/wakeside/skipper/internal/prompt"
)

var (
	// ErrNotActive is returned when a send arrives outside the Active state.
	ErrNotActive = errors.New("conversation is not active")

	// ErrUnknownMessage is returned for a reaction on an unknown local id.
	ErrUnknownMessage = errors.New("unknown message id")
)

// State is the lifecycle state of a chat session.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateResuming
	StateFresh
	StateActive
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateResuming:
		return "resuming"
	case StateFresh:
		return "fresh"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// persistTimeout bounds background persistence writes. Writes are detached
// from the turn context so closing the panel never loses a completed save.
const persistTimeout = 10 * time.Second

// Config contains the required parameters for a Controller.
type Config struct {
	ConversationID uuid.UUID
	Engine         *Engine
	Store          Persistence
	Dispatcher     Dispatcher // optional
	Knowledge      *prompt.Knowledge
	Logger         log.Logger

	// ArchiveDir receives cross-context history on a fresh start.
	ArchiveDir string

	// OnDisplay receives each new user-visible text suffix of the
	// streaming assistant message. Optional.
	OnDisplay func(localID uuid.UUID, suffix string)

	// OnCommand receives extracted payloads for UI rendering (cards).
	// Side-effect dispatch happens independently via Dispatcher. Optional.
	OnCommand func(cmd command.Command)
}

func (cfg Config) validate() error {
	if cfg.ConversationID == uuid.Nil {
		return errors.New("conversation id is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Knowledge == nil {
		return errors.New("knowledge document is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Controller owns one chat session. All methods are safe for concurrent
// use, but turns are strictly sequential: a send while a stream is open is
// a silent no-op. No state is shared across controllers; each session owns
// its history buffer and id map.
type Controller struct {
	conversationID uuid.UUID
	engine         *Engine
	store          Persistence
	dispatcher     Dispatcher
	kn             *prompt.Knowledge
	logger         log.Logger
	archiveDir     string
	onDisplay      func(uuid.UUID, string)
	onCommand      func(command.Command)

	mu         sync.Mutex
	state      State
	messages   []*Message
	ids        *idMap
	inFlight   bool
	turnCancel context.CancelFunc
	autoSent   map[string]struct{}
	welcomeID  uuid.UUID
	page       string
	subject    *prompt.Subject

	wg sync.WaitGroup // outstanding background writes
}

// New creates a Controller in the Closed state.
func New(cfg Config) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Controller{
		conversationID: cfg.ConversationID,
		engine:         cfg.Engine,
		store:          cfg.Store,
		dispatcher:     cfg.Dispatcher,
		kn:             cfg.Knowledge,
		logger:         cfg.Logger,
		archiveDir:     cfg.ArchiveDir,
		onDisplay:      cfg.OnDisplay,
		onCommand:      cfg.OnCommand,
		state:          StateClosed,
		ids:            newIDMap(),
		autoSent:       make(map[string]struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns a snapshot of the session's messages.
func (c *Controller) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = *m
	}
	return out
}

// Open loads persisted history and decides between resuming it, archiving
// it for a fresh start, or showing a first-time welcome.
//
// The fresh-start rule: when the stored subject category differs from the
// current page's and history exists, cross-context history would confuse
// more than help, so it is archived and cleared rather than shown.
func (c *Controller) Open(ctx context.Context, page string, subject *prompt.Subject) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateClosed {
		return fmt.Errorf("open from state %s: %w", c.state, ErrNotActive)
	}
	c.state = StateOpening
	c.page = page
	c.subject = subject

	records, err := c.store.LoadMessages(ctx, c.conversationID)
	if err != nil {
		// A failed load degrades to a fresh session; the UI stays usable.
		c.logger.Warn("loading history failed, starting fresh", "error", err)
		records = nil
	}

	stored, err := c.store.Subject(ctx, c.conversationID)
	if err != nil {
		c.logger.Debug("no stored subject category", "error", err)
		stored = ""
	}

	switch {
	case len(records) > 0 && stored != "" && stored != page:
		c.state = StateFresh
		c.logger.Info("subject context changed, archiving history",
			"stored", stored,
			"current", page,
			"messages", len(records))
		if err := archiveMessages(c.archiveDir, c.conversationID, records); err != nil {
			c.logger.Warn("archiving history failed", "error", err)
		}
		if err := c.store.ClearConversation(ctx, c.conversationID); err != nil {
			c.logger.Warn("clearing conversation failed", "error", err)
		}
		c.seedWelcomeLocked()

	case len(records) > 0:
		c.state = StateResuming
		for _, rec := range records {
			m := &Message{
				ID:        uuid.New(),
				Text:      rec.Text,
				Role:      rec.Role,
				CreatedAt: rec.CreatedAt,
				Reaction:  Reaction(rec.Reaction),
			}
			if m.Reaction == "" {
				m.Reaction = ReactionNone
			}
			c.messages = append(c.messages, m)
			c.ids.bind(m.ID, rec.ID)
		}

	default:
		c.state = StateFresh
		c.seedWelcomeLocked()
	}

	if err := c.store.SetSubject(ctx, c.conversationID, page); err != nil {
		c.logger.Debug("storing subject category failed", "error", err)
	}

	c.state = StateActive
	return nil
}

// seedWelcomeLocked appends the assistant-authored welcome. Caller holds mu.
func (c *Controller) seedWelcomeLocked() {
	m := &Message{
		ID:        uuid.New(),
		Text:      welcomeFor(c.kn, c.page, c.subject),
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
		Reaction:  ReactionNone,
	}
	c.welcomeID = m.ID
	c.messages = append(c.messages, m)
}

// UpdateSubject re-derives the welcome when the in-view product changes
// while the panel is open. Only the assistant-authored welcome is ever
// rewritten; a user message is never overwritten.
func (c *Controller) UpdateSubject(subject *prompt.Subject) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subject = subject
	if c.state != StateActive || len(c.messages) == 0 {
		return
	}
	first := c.messages[0]
	if first.ID != c.welcomeID || first.Role != RoleAssistant {
		return
	}
	first.Text = welcomeFor(c.kn, c.page, subject)
}

// AutoSend sends an externally supplied initial message exactly once. The
// literal message string is the idempotency token: re-renders replaying the
// same prompt are silently ignored.
func (c *Controller) AutoSend(ctx context.Context, text string, tctx Context) error {
	c.mu.Lock()
	if _, seen := c.autoSent[text]; seen {
		c.mu.Unlock()
		c.logger.Debug("duplicate auto-send ignored")
		return nil
	}
	c.autoSent[text] = struct{}{}
	c.mu.Unlock()

	return c.Send(ctx, text, tctx)
}

// Send runs one conversation turn. While a prior turn's stream is open the
// call is a no-op, not an error: there is no pipelining of turns.
func (c *Controller) Send(ctx context.Context, text string, tctx Context) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	if c.inFlight {
		c.mu.Unlock()
		c.logger.Debug("send ignored, stream in flight")
		return nil
	}
	c.inFlight = true

	turnCtx, cancel := context.WithCancel(ctx)
	c.turnCancel = cancel

	history := c.historyLocked()

	userMsg := &Message{
		ID:        uuid.New(),
		Text:      text,
		Role:      RoleUser,
		CreatedAt: time.Now(),
		Reaction:  ReactionNone,
	}
	c.messages = append(c.messages, userMsg)

	assistant := &Message{
		ID:        uuid.New(),
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
		Streaming: true,
		Reaction:  ReactionNone,
	}
	c.messages = append(c.messages, assistant)
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.inFlight = false
		c.turnCancel = nil
		c.mu.Unlock()
	}()

	c.persistAsync(userMsg.ID, RoleUser, text)

	onDisplay := func(suffix string) error {
		c.mu.Lock()
		assistant.Text += suffix
		c.mu.Unlock()
		if c.onDisplay != nil {
			c.onDisplay(assistant.ID, suffix)
		}
		return nil
	}

	result, err := c.engine.Run(turnCtx, TurnRequest{
		Message: text,
		History: history,
		Context: tctx,
	}, onDisplay)
	if err != nil {
		// Torn-off turn: keep what was displayed, persist nothing, and
		// discard any partial command payloads.
		c.mu.Lock()
		assistant.Streaming = false
		c.mu.Unlock()
		c.logger.Info("turn aborted", "error", err)
		return err
	}

	c.mu.Lock()
	assistant.Text = result.DisplayText
	assistant.Streaming = false
	c.mu.Unlock()

	c.persistAsync(assistant.ID, RoleAssistant, result.DisplayText)

	for _, cmd := range result.Commands {
		if c.dispatcher != nil {
			c.dispatcher.Dispatch(cmd)
		}
		if c.onCommand != nil {
			c.onCommand(cmd)
		}
	}

	return nil
}

// React flips a message's reaction optimistically and persists it in the
// background. A failed write never rolls back the UI; a not-yet-persisted
// message simply skips the write.
func (c *Controller) React(localID uuid.UUID, reaction Reaction) error {
	c.mu.Lock()
	var target *Message
	for _, m := range c.messages {
		if m.ID == localID {
			target = m
			break
		}
	}
	if target == nil {
		c.mu.Unlock()
		return ErrUnknownMessage
	}
	target.Reaction = reaction
	c.mu.Unlock()

	persistedID, ok := c.ids.persisted(localID)
	if !ok {
		c.logger.Debug("reaction not persisted, record id not yet known",
			"local_id", localID)
		return nil
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := c.store.UpdateReaction(ctx, persistedID, string(reaction)); err != nil {
			c.logger.Warn("persisting reaction failed", "error", err)
		}
	}()
	return nil
}

// Close cancels any in-flight stream and waits for background writes.
// The controller cannot be reopened.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.turnCancel != nil {
		c.turnCancel()
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.wg.Wait()
}

// historyLocked converts completed messages to the provider's message type.
// Caller holds mu.
func (c *Controller) historyLocked() []*ai.Message {
	out := make([]*ai.Message, 0, len(c.messages))
	for _, m := range c.messages {
		if m.Streaming || m.Text == "" {
			continue
		}
		if m.Role == RoleUser {
			out = append(out, ai.NewUserMessage(ai.NewTextPart(m.Text)))
		} else {
			out = append(out, ai.NewModelMessage(ai.NewTextPart(m.Text)))
		}
	}
	return out
}

// persistAsync saves a message in the background and binds the persisted id
// into the id map when it arrives. The turn's visible progress never blocks
// on write acknowledgment.
func (c *Controller) persistAsync(localID uuid.UUID, role, text string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		persistedID, err := c.store.SaveMessage(ctx, c.conversationID, role, text)
		if err != nil {
			c.logger.Warn("persisting message failed",
				"role", role,
				"error", err)
			return
		}
		c.ids.bind(localID, persistedID)
	}()
}
