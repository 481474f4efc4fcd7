package conversation

import (
	"context"
	"errors"

	"github.com/firebase/genkit/go/ai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wakeside/skipper/internal/classify"
	"github.com/wakeside/skipper/internal/command"
	"github.com/wakeside/skipper/internal/log"
	"github.com/wakeside/skipper/internal/prompt"
	"github.com/wakeside/skipper/internal/stream"
)

// tracerName identifies engine spans in the trace backend.
const tracerName = "skipper/conversation"

// TurnRequest is one stateless conversation turn: the new user message,
// the rolling history, and the page context snapshot.
type TurnRequest struct {
	Message string
	History []*ai.Message
	Context Context
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	Category classify.Category

	// DisplayText is the final user-visible text with all command
	// markers removed.
	DisplayText string

	// Commands are the extracted side-effect payloads, possibly empty.
	Commands []command.Command

	// Failed reports that the transport failed and DisplayText is the
	// fixed fallback message.
	Failed bool
}

// Engine runs the turn pipeline. Stateless and safe for concurrent turns
// from different sessions; per-session sequencing is the Controller's job.
type Engine struct {
	augmenter Augmenter
	assembler *prompt.Assembler
	streamer  Streamer
	parser    *command.Parser
	logger    log.Logger
}

// NewEngine wires the pipeline stages together.
func NewEngine(augmenter Augmenter, assembler *prompt.Assembler, streamer Streamer, parser *command.Parser, logger log.Logger) *Engine {
	return &Engine{
		augmenter: augmenter,
		assembler: assembler,
		streamer:  streamer,
		parser:    parser,
		logger:    logger,
	}
}

// Run executes one turn. onDisplay, if non-nil, receives each new
// user-visible suffix as it becomes safe to show; the concatenation of all
// suffixes is always a prefix of the final display text.
//
// The augmentation lookup runs before streaming starts, as a bounded
// blocking step: consistent facts matter more than overlapping the wait.
func (e *Engine) Run(ctx context.Context, req TurnRequest, onDisplay func(text string) error) (*TurnResult, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "turn")
	defer span.End()

	cat := classify.Classify(req.Message, req.Context.Subject != nil)
	span.SetAttributes(attribute.String("turn.category", cat.String()))

	augmentation := ""
	if cat.Searchable() && e.augmenter != nil {
		augmentation = e.lookup(ctx, tracer, req, cat)
	}

	messages := e.assembler.Assemble(req.Context.Subject, augmentation, req.History, req.Message)

	var buf string
	emitted := 0
	onDelta := func(delta string) error {
		buf += delta
		display := e.parser.DisplayText(buf)
		// Display text grows monotonically, so the new portion is
		// always a clean suffix.
		if len(display) > emitted && onDisplay != nil {
			suffix := display[emitted:]
			emitted = len(display)
			return onDisplay(suffix)
		}
		return nil
	}

	streamCtx, streamSpan := tracer.Start(ctx, "stream")
	full, err := e.streamer.Stream(streamCtx, messages, onDelta)
	streamSpan.End()

	if err != nil {
		if errors.Is(err, stream.ErrStreamFailed) {
			// The fallback already went out through onDelta, so buf holds
			// the relayed prose plus the fallback. The turn completes with
			// exactly the text the user watched and no commands.
			return &TurnResult{
				Category:    cat,
				DisplayText: e.parser.DisplayText(buf),
				Failed:      true,
			}, nil
		}
		// Cancellation or caller abort: partial payloads are discarded.
		return nil, err
	}

	clean, cmds := e.parser.Extract(full)
	span.SetAttributes(attribute.Int("turn.commands", len(cmds)))

	return &TurnResult{
		Category:    cat,
		DisplayText: clean,
		Commands:    cmds,
	}, nil
}

func (e *Engine) lookup(ctx context.Context, tracer trace.Tracer, req TurnRequest, cat classify.Category) string {
	ctx, span := tracer.Start(ctx, "augment")
	defer span.End()
	return e.augmenter.Lookup(ctx, req.Message, cat, req.Context.Subject)
}
