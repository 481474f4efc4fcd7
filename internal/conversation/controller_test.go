package conversation_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/wakeside/skipper/internal/conversation"
	"github.com/wakeside/skipper/internal/log"
	"github.com/wakeside/skipper/internal/prompt"
	"github.com/wakeside/skipper/internal/testutil"
)

type controllerEnv struct {
	id    uuid.UUID
	store *testutil.MemStore
	ctl   *conversation.Controller

	displayMu sync.Mutex
	displayed strings.Builder
}

func newControllerEnv(t *testing.T, streamer conversation.Streamer) *controllerEnv {
	t.Helper()

	env := &controllerEnv{
		id:    uuid.New(),
		store: testutil.NewMemStore(),
	}

	ctl, err := conversation.New(conversation.Config{
		ConversationID: env.id,
		Engine:         newTestEngine(t, streamer, nil),
		Store:          env.store,
		Knowledge:      testKnowledge(t),
		Logger:         log.NewNop(),
		ArchiveDir:     t.TempDir(),
		OnDisplay: func(_ uuid.UUID, suffix string) {
			env.displayMu.Lock()
			env.displayed.WriteString(suffix)
			env.displayMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("conversation.New() error = %v", err)
	}
	env.ctl = ctl
	return env
}

func TestControllerOpenFirstTime(t *testing.T) {
	t.Parallel()

	env := newControllerEnv(t, &testutil.ScriptedStreamer{Chunks: []string{"hi"}})
	defer env.ctl.Close()

	if err := env.ctl.Open(context.Background(), "repower", nil); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if env.ctl.State() != conversation.StateActive {
		t.Fatalf("state = %v, want active", env.ctl.State())
	}

	msgs := env.ctl.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want welcome only", len(msgs))
	}
	if msgs[0].Role != conversation.RoleAssistant || !strings.Contains(msgs[0].Text, "repower") {
		t.Errorf("welcome = %+v", msgs[0])
	}

	// The welcome is derived, not persisted.
	if n := env.store.MessageCount(env.id); n != 0 {
		t.Errorf("store has %d messages, want 0", n)
	}
}

func TestControllerOpenResuming(t *testing.T) {
	t.Parallel()

	env := newControllerEnv(t, &testutil.ScriptedStreamer{Chunks: []string{"hi"}})
	defer env.ctl.Close()

	ctx := context.Background()
	ids := env.store.Seed(env.id,
		conversation.Record{Role: conversation.RoleUser, Text: "how much is the F150"},
		conversation.Record{Role: conversation.RoleAssistant, Text: "It lists at $13161.", Reaction: "up"},
	)
	if err := env.store.SetSubject(ctx, env.id, "motors"); err != nil {
		t.Fatal(err)
	}

	if err := env.ctl.Open(ctx, "motors", nil); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	msgs := env.ctl.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want the 2 stored ones", len(msgs))
	}
	if msgs[1].Reaction != conversation.ReactionUp {
		t.Errorf("restored reaction = %v, want up", msgs[1].Reaction)
	}

	// Identities were bound on load: a reaction reaches the right record.
	if err := env.ctl.React(msgs[0].ID, conversation.ReactionDown); err != nil {
		t.Fatalf("React() error = %v", err)
	}
	env.ctl.Close()
	if got, ok := env.store.Reaction(ids[0]); !ok || got != "down" {
		t.Errorf("stored reaction = %q, %v", got, ok)
	}
}

func TestControllerOpenFreshOnSubjectChange(t *testing.T) {
	t.Parallel()

	streamer := &testutil.ScriptedStreamer{Chunks: []string{"hi"}}
	env := newControllerEnv(t, streamer)
	defer env.ctl.Close()

	ctx := context.Background()
	env.store.Seed(env.id,
		conversation.Record{Role: conversation.RoleUser, Text: "financing question"},
		conversation.Record{Role: conversation.RoleAssistant, Text: "financing answer"},
	)
	if err := env.store.SetSubject(ctx, env.id, "financing"); err != nil {
		t.Fatal(err)
	}

	archiveDir := t.TempDir()
	ctl, err := conversation.New(conversation.Config{
		ConversationID: env.id,
		Engine:         newTestEngine(t, streamer, nil),
		Store:          env.store,
		Knowledge:      testKnowledge(t),
		Logger:         log.NewNop(),
		ArchiveDir:     archiveDir,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer ctl.Close()

	if err := ctl.Open(ctx, "repower", nil); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	// Cross-context history is archived and cleared, not shown.
	msgs := ctl.Messages()
	if len(msgs) != 1 || msgs[0].Role != conversation.RoleAssistant {
		t.Fatalf("messages = %+v, want welcome only", msgs)
	}
	if n := env.store.MessageCount(env.id); n != 0 {
		t.Errorf("store kept %d messages after fresh start", n)
	}
	archive := filepath.Join(archiveDir, env.id.String()+".jsonl")
	data, err := os.ReadFile(archive)
	if err != nil {
		t.Fatalf("archive not written: %v", err)
	}
	if !strings.Contains(string(data), "financing question") {
		t.Errorf("archive missing history: %s", data)
	}
}

func TestControllerSend(t *testing.T) {
	t.Parallel()

	streamer := &testutil.ScriptedStreamer{Chunks: []string{
		"It lists at $13161, ",
		"want me to run the numbers?",
	}}
	env := newControllerEnv(t, streamer)

	ctx := context.Background()
	if err := env.ctl.Open(ctx, "motors", nil); err != nil {
		t.Fatal(err)
	}
	if err := env.ctl.Send(ctx, "how much is the F150", conversation.Context{Page: "motors"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	env.ctl.Close()

	msgs := env.ctl.Messages()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want welcome + user + assistant", len(msgs))
	}
	assistant := msgs[2]
	if assistant.Streaming {
		t.Error("assistant message still marked streaming")
	}
	if assistant.Text != "It lists at $13161, want me to run the numbers?" {
		t.Errorf("assistant text = %q", assistant.Text)
	}

	env.displayMu.Lock()
	shown := env.displayed.String()
	env.displayMu.Unlock()
	if shown != assistant.Text {
		t.Errorf("displayed %q, want %q", shown, assistant.Text)
	}

	// Both turn messages were persisted; the welcome was not.
	if n := env.store.MessageCount(env.id); n != 2 {
		t.Errorf("store has %d messages, want 2", n)
	}
}

func TestControllerSendWhileStreaming(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	streamer := &gatedStreamer{started: started, release: release, text: "All set."}
	env := newControllerEnv(t, streamer)

	ctx := context.Background()
	if err := env.ctl.Open(ctx, "motors", nil); err != nil {
		t.Fatal(err)
	}

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- env.ctl.Send(ctx, "first", conversation.Context{})
	}()

	<-started
	// Second send while the stream is open: silent no-op.
	if err := env.ctl.Send(ctx, "second", conversation.Context{}); err != nil {
		t.Errorf("second Send() error = %v, want nil no-op", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	env.ctl.Close()

	// welcome + exactly one user/assistant pair
	if msgs := env.ctl.Messages(); len(msgs) != 3 {
		t.Errorf("got %d messages, want 3", len(msgs))
	}
	if streamer.calls() != 1 {
		t.Errorf("streamer called %d times, want 1", streamer.calls())
	}
}

func TestControllerAutoSendIdempotent(t *testing.T) {
	t.Parallel()

	streamer := &testutil.ScriptedStreamer{Chunks: []string{"Here's the rundown."}}
	env := newControllerEnv(t, streamer)

	ctx := context.Background()
	if err := env.ctl.Open(ctx, "motors", nil); err != nil {
		t.Fatal(err)
	}

	autoPrompt := "Tell me about the F150"
	if err := env.ctl.AutoSend(ctx, autoPrompt, conversation.Context{}); err != nil {
		t.Fatalf("AutoSend() error = %v", err)
	}
	if err := env.ctl.AutoSend(ctx, autoPrompt, conversation.Context{}); err != nil {
		t.Fatalf("second AutoSend() error = %v", err)
	}
	env.ctl.Close()

	if got := streamer.Calls(); got != 1 {
		t.Errorf("streamer called %d times, want 1 (replay ignored)", got)
	}
	if msgs := env.ctl.Messages(); len(msgs) != 3 {
		t.Errorf("got %d messages, want 3", len(msgs))
	}
}

func TestControllerReactUnpersisted(t *testing.T) {
	t.Parallel()

	env := newControllerEnv(t, &testutil.ScriptedStreamer{Chunks: []string{"hi"}})
	defer env.ctl.Close()

	if err := env.ctl.Open(context.Background(), "motors", nil); err != nil {
		t.Fatal(err)
	}

	// The welcome is never persisted, but the optimistic flip still lands.
	welcome := env.ctl.Messages()[0]
	if err := env.ctl.React(welcome.ID, conversation.ReactionUp); err != nil {
		t.Fatalf("React() error = %v", err)
	}
	if got := env.ctl.Messages()[0].Reaction; got != conversation.ReactionUp {
		t.Errorf("reaction = %v, want up", got)
	}

	if err := env.ctl.React(uuid.New(), conversation.ReactionUp); !errors.Is(err, conversation.ErrUnknownMessage) {
		t.Errorf("React(unknown) error = %v, want ErrUnknownMessage", err)
	}
}

func TestControllerUpdateSubject(t *testing.T) {
	t.Parallel()

	env := newControllerEnv(t, &testutil.ScriptedStreamer{Chunks: []string{"hi"}})
	defer env.ctl.Close()

	ctx := context.Background()
	if err := env.ctl.Open(ctx, "motors", nil); err != nil {
		t.Fatal(err)
	}

	env.ctl.UpdateSubject(&prompt.Subject{Model: "F150"})
	if got := env.ctl.Messages()[0].Text; !strings.Contains(got, "F150") {
		t.Errorf("welcome not re-derived: %q", got)
	}

	// Once a user message leads the transcript the welcome is left alone.
	if err := env.ctl.Send(ctx, "hello", conversation.Context{}); err != nil {
		t.Fatal(err)
	}
	userText := env.ctl.Messages()[1].Text
	env.ctl.UpdateSubject(&prompt.Subject{Model: "F90"})
	if env.ctl.Messages()[1].Text != userText {
		t.Error("user message was rewritten")
	}
}

func TestControllerSendBeforeOpen(t *testing.T) {
	t.Parallel()

	env := newControllerEnv(t, &testutil.ScriptedStreamer{Chunks: []string{"hi"}})
	err := env.ctl.Send(context.Background(), "hello", conversation.Context{})
	if !errors.Is(err, conversation.ErrNotActive) {
		t.Errorf("Send() before Open error = %v, want ErrNotActive", err)
	}
}

// gatedStreamer signals when a stream starts and blocks until released.
type gatedStreamer struct {
	started chan struct{}
	release chan struct{}
	text    string

	mu sync.Mutex
	n  int
}

func (g *gatedStreamer) Stream(ctx context.Context, _ []*ai.Message, onDelta func(string) error) (string, error) {
	g.mu.Lock()
	g.n++
	first := g.n == 1
	g.mu.Unlock()

	if first {
		close(g.started)
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if onDelta != nil {
		if err := onDelta(g.text); err != nil {
			return "", err
		}
	}
	return g.text, nil
}

func (g *gatedStreamer) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}
