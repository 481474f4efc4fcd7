package conversation_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"go.uber.org/goleak"

	"github.com/wakeside/skipper/internal/classify"
	"github.com/wakeside/skipper/internal/command"
	"github.com/wakeside/skipper/internal/conversation"
	"github.com/wakeside/skipper/internal/log"
	"github.com/wakeside/skipper/internal/prompt"
	"github.com/wakeside/skipper/internal/stream"
	"github.com/wakeside/skipper/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const engineTestDoc = `
version: "2026-08"
persona: You are Skipper, the sales assistant for Wakeside Marine.
dealer:
  name: Wakeside Marine
  phone: "555-0142"
  hours: Mon-Sat 9-6
  location: Traverse City, MI
inventory:
  - model: F150
    hp: 150
    list_price: 13161
    stock: 2
financing:
  rate_percent: 7.99
  term_months: [36, 48, 60]
  min_price: 5000
`

func testKnowledge(t *testing.T) *prompt.Knowledge {
	t.Helper()
	kn, err := prompt.ParseKnowledge([]byte(engineTestDoc))
	if err != nil {
		t.Fatalf("ParseKnowledge() error = %v", err)
	}
	return kn
}

type recordingAugmenter struct {
	calls atomic.Int32
	text  string
}

func (a *recordingAugmenter) Lookup(_ context.Context, _ string, cat classify.Category, _ *prompt.Subject) string {
	a.calls.Add(1)
	if !cat.Searchable() {
		return ""
	}
	return a.text
}

func newTestEngine(t *testing.T, streamer conversation.Streamer, aug conversation.Augmenter) *conversation.Engine {
	t.Helper()
	return conversation.NewEngine(
		aug,
		prompt.NewAssembler(testKnowledge(t), 8),
		streamer,
		command.NewParser(5000, log.NewNop()),
		log.NewNop(),
	)
}

func historyPairs(n int) []*ai.Message {
	var out []*ai.Message
	for i := 0; i < n; i++ {
		out = append(out,
			ai.NewUserMessage(ai.NewTextPart(fmt.Sprintf("q%d", i))),
			ai.NewModelMessage(ai.NewTextPart(fmt.Sprintf("a%d", i))),
		)
	}
	return out
}

func TestEngineRun(t *testing.T) {
	t.Parallel()

	// The marker is split across chunk boundaries; no fragment may reach
	// onDisplay.
	streamer := &testutil.ScriptedStreamer{
		Chunks: []string{
			"Sounds good! ",
			"[FINANCING_CTA: {\"price\":12161,",
			"\"monthly\":280,\"term\":60,\"rate\":7.99}]",
		},
	}
	engine := newTestEngine(t, streamer, nil)

	var shown strings.Builder
	result, err := engine.Run(context.Background(), conversation.TurnRequest{
		Message: "let's do it",
	}, func(text string) error {
		shown.WriteString(text)
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.DisplayText != "Sounds good!" {
		t.Errorf("DisplayText = %q", result.DisplayText)
	}
	if shown.String() != "Sounds good!" {
		t.Errorf("displayed = %q, want %q", shown.String(), "Sounds good!")
	}
	if len(result.Commands) != 1 || result.Commands[0].Tag() != command.TagFinancing {
		t.Fatalf("commands = %v, want one financing offer", result.Commands)
	}
	offer := result.Commands[0].(command.FinancingOffer)
	if offer.Price != 12161 || offer.TermMonths != 60 {
		t.Errorf("offer = %+v", offer)
	}
	if result.Failed {
		t.Error("Failed = true on a successful turn")
	}
}

func TestEngineRunSkipsAugmenterForRedirects(t *testing.T) {
	t.Parallel()

	aug := &recordingAugmenter{text: "background"}
	streamer := &testutil.ScriptedStreamer{Chunks: []string{"Use our trade-in tool!"}}
	engine := newTestEngine(t, streamer, aug)

	result, err := engine.Run(context.Background(), conversation.TurnRequest{
		Message: "what's my old outboard worth",
	}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Category != classify.TradeInRedirect {
		t.Errorf("Category = %v, want TradeInRedirect", result.Category)
	}
	if n := aug.calls.Load(); n != 0 {
		t.Errorf("augmenter called %d times for a redirect", n)
	}
}

func TestEngineRunAugmentsSearchable(t *testing.T) {
	t.Parallel()

	aug := &recordingAugmenter{text: "The F150 weighs 487 lbs."}
	streamer := &testutil.ScriptedStreamer{Chunks: []string{"It runs about 487 lbs."}}
	engine := newTestEngine(t, streamer, aug)

	_, err := engine.Run(context.Background(), conversation.TurnRequest{
		Message: "how heavy is it",
		Context: conversation.Context{Subject: &prompt.Subject{Model: "F150"}},
	}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := aug.calls.Load(); n != 1 {
		t.Fatalf("augmenter called %d times, want 1", n)
	}

	// The augmentation text must land in the assembled system message.
	sys := streamer.LastMessages()[0].Text()
	if !strings.Contains(sys, "487 lbs") {
		t.Errorf("system message missing augmentation:\n%s", sys)
	}
}

func TestEngineRunFallback(t *testing.T) {
	t.Parallel()

	fallback := "Sorry, give us a call at 555-0142."
	streamer := &testutil.ScriptedStreamer{
		Chunks: []string{fallback},
		Err:    fmt.Errorf("%w: provider down", stream.ErrStreamFailed),
	}
	engine := newTestEngine(t, streamer, nil)

	result, err := engine.Run(context.Background(), conversation.TurnRequest{Message: "hi"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v, transport failure should complete the turn", err)
	}
	if !result.Failed {
		t.Error("Failed = false, want true")
	}
	if result.DisplayText != fallback {
		t.Errorf("DisplayText = %q, want the fallback", result.DisplayText)
	}
	if len(result.Commands) != 0 {
		t.Errorf("commands = %v, want none on a failed turn", result.Commands)
	}
}

func TestEngineRunFallbackAfterPartialStream(t *testing.T) {
	t.Parallel()

	// The transport dies after real prose already streamed; the relay then
	// emits the fallback. The persisted reply must carry both, exactly as
	// the user watched them.
	fallback := "Sorry, give us a call at 555-0142."
	streamer := &testutil.ScriptedStreamer{
		Chunks: []string{"The F150 weighs about 487 lbs and ", fallback},
		Err:    fmt.Errorf("%w: connection reset", stream.ErrStreamFailed),
	}
	engine := newTestEngine(t, streamer, nil)

	var shown strings.Builder
	result, err := engine.Run(context.Background(), conversation.TurnRequest{
		Message: "how heavy is it",
	}, func(text string) error {
		shown.WriteString(text)
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := "The F150 weighs about 487 lbs and " + fallback
	if result.DisplayText != want {
		t.Errorf("DisplayText = %q, want %q", result.DisplayText, want)
	}
	if shown.String() != result.DisplayText {
		t.Errorf("displayed %q but persisting %q", shown.String(), result.DisplayText)
	}
	if !result.Failed {
		t.Error("Failed = false, want true")
	}
	if len(result.Commands) != 0 {
		t.Errorf("commands = %v, want none on a failed turn", result.Commands)
	}
}

func TestEngineRunCancellation(t *testing.T) {
	t.Parallel()

	streamer := &testutil.ScriptedStreamer{
		Chunks: []string{"partial "},
		Err:    context.Canceled,
	}
	engine := newTestEngine(t, streamer, nil)

	result, err := engine.Run(context.Background(), conversation.TurnRequest{Message: "hi"}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if result != nil {
		t.Errorf("result = %+v, want nil on cancellation", result)
	}
}

func TestEngineRunHistoryWindow(t *testing.T) {
	t.Parallel()

	streamer := &testutil.ScriptedStreamer{Chunks: []string{"ok"}}
	engine := newTestEngine(t, streamer, nil)

	history := historyPairs(12)
	if _, err := engine.Run(context.Background(), conversation.TurnRequest{
		Message: "latest question",
		History: history,
	}, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// system + 8 windowed pairs + current user message
	msgs := streamer.LastMessages()
	if len(msgs) != 1+16+1 {
		t.Errorf("assembled %d messages, want 18", len(msgs))
	}
}
