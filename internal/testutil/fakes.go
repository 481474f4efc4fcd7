package testutil

import (
	"context"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/wakeside/skipper/internal/conversation"
)

// MemStore is an in-memory conversation.Persistence for tests. Safe for
// concurrent use.
type MemStore struct {
	mu        sync.Mutex
	records   map[uuid.UUID][]conversation.Record
	reactions map[uuid.UUID]string
	subjects  map[uuid.UUID]string

	// SaveErr, when set, is returned from SaveMessage.
	SaveErr error
	// LoadErr, when set, is returned from LoadMessages.
	LoadErr error
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		records:   make(map[uuid.UUID][]conversation.Record),
		reactions: make(map[uuid.UUID]string),
		subjects:  make(map[uuid.UUID]string),
	}
}

// Seed pre-populates stored messages for a conversation and returns the
// assigned record ids.
func (s *MemStore) Seed(conversationID uuid.UUID, msgs ...conversation.Record) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, len(msgs))
	for i, m := range msgs {
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		m.ConversationID = conversationID
		s.records[conversationID] = append(s.records[conversationID], m)
		ids[i] = m.ID
	}
	return ids
}

func (s *MemStore) LoadMessages(_ context.Context, conversationID uuid.UUID) ([]conversation.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	out := make([]conversation.Record, len(s.records[conversationID]))
	copy(out, s.records[conversationID])
	return out, nil
}

func (s *MemStore) SaveMessage(_ context.Context, conversationID uuid.UUID, role, text string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return uuid.Nil, s.SaveErr
	}
	rec := conversation.Record{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Text:           text,
		Reaction:       "none",
	}
	s.records[conversationID] = append(s.records[conversationID], rec)
	return rec.ID, nil
}

func (s *MemStore) UpdateReaction(_ context.Context, messageID uuid.UUID, reaction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions[messageID] = reaction
	return nil
}

func (s *MemStore) ClearConversation(_ context.Context, conversationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, conversationID)
	return nil
}

func (s *MemStore) Subject(_ context.Context, conversationID uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subjects[conversationID], nil
}

func (s *MemStore) SetSubject(_ context.Context, conversationID uuid.UUID, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[conversationID] = subject
	return nil
}

// Reaction returns the last reaction recorded for a message id.
func (s *MemStore) Reaction(messageID uuid.UUID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reactions[messageID]
	return r, ok
}

// MessageCount returns the number of stored messages for a conversation.
func (s *MemStore) MessageCount(conversationID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[conversationID])
}

// ScriptedStreamer is a conversation.Streamer that replays fixed chunks.
type ScriptedStreamer struct {
	mu sync.Mutex

	// Chunks are the deltas relayed through onDelta, in order.
	Chunks []string
	// Err is returned after the chunks are relayed. The accumulated text
	// is still returned alongside it, matching the proxy's fallback
	// contract.
	Err error

	calls    int
	lastMsgs []*ai.Message
}

func (s *ScriptedStreamer) Stream(_ context.Context, messages []*ai.Message, onDelta func(text string) error) (string, error) {
	s.mu.Lock()
	s.calls++
	s.lastMsgs = messages
	chunks := s.Chunks
	errOut := s.Err
	s.mu.Unlock()

	var full string
	for _, chunk := range chunks {
		full += chunk
		if onDelta != nil {
			if err := onDelta(chunk); err != nil {
				return "", err
			}
		}
	}
	return full, errOut
}

// Calls returns the number of Stream invocations.
func (s *ScriptedStreamer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// LastMessages returns the message slice from the most recent call.
func (s *ScriptedStreamer) LastMessages() []*ai.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMsgs
}
