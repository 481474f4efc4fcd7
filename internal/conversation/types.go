// Package conversation owns the chat session lifecycle: resuming or
// archiving persisted history on open, running strictly sequential turns
// through the classify → augment → assemble → stream → parse pipeline, and
// reconciling local message identities with persisted record identities.
package conversation

import (
	"context"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/wakeside/skipper/internal/classify"
	"github.com/wakeside/skipper/internal/command"
	"github.com/wakeside/skipper/internal/prompt"
)

// Reaction is a customer's thumbs rating on an assistant message.
type Reaction string

const (
	ReactionNone Reaction = "none"
	ReactionUp   Reaction = "up"
	ReactionDown Reaction = "down"
)

// Role of a message author.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message as the UI sees it. ID is the client-local
// identifier assigned at creation; the persisted id arrives asynchronously
// and lives in the controller's id map.
type Message struct {
	ID        uuid.UUID
	Text      string
	Role      string
	CreatedAt time.Time
	Streaming bool
	Reaction  Reaction
}

// Context is the page snapshot taken when a message is sent. It is copied
// into the turn and never mutated afterwards, keeping augmentation and the
// final answer consistent with what the user saw.
type Context struct {
	Page     string
	Progress string
	Subject  *prompt.Subject
}

// Record is a durably stored message, as returned by the persistence
// collaborator.
type Record struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           string
	Text           string
	Reaction       string
	CreatedAt      time.Time
}

// Persistence is the durable-store collaborator. Write failures are
// non-fatal everywhere: the in-memory view stays the source of truth for
// the rest of the session.
type Persistence interface {
	LoadMessages(ctx context.Context, conversationID uuid.UUID) ([]Record, error)
	SaveMessage(ctx context.Context, conversationID uuid.UUID, role, text string) (uuid.UUID, error)
	UpdateReaction(ctx context.Context, messageID uuid.UUID, reaction string) error
	ClearConversation(ctx context.Context, conversationID uuid.UUID) error
	Subject(ctx context.Context, conversationID uuid.UUID) (string, error)
	SetSubject(ctx context.Context, conversationID uuid.UUID, subject string) error
}

// Streamer relays one completion stream. Implemented by stream.Proxy.
type Streamer interface {
	Stream(ctx context.Context, messages []*ai.Message, onDelta func(text string) error) (string, error)
}

// Augmenter performs the optional pre-stream knowledge lookup.
type Augmenter interface {
	Lookup(ctx context.Context, message string, cat classify.Category, subject *prompt.Subject) string
}

// Dispatcher forwards extracted command payloads to the side-effect
// collaborators. Calls are fire-and-forget; failures are logged downstream
// and never surface mid-stream.
type Dispatcher interface {
	Dispatch(cmd command.Command)
}
