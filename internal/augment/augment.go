// Package augment performs the optional external knowledge lookup that runs
// before prompt assembly.
//
// The lookup is best-effort enrichment, not a correctness dependency: every
// failure (network, timeout, empty result) degrades to no augmentation and
// the turn proceeds on first-party context alone. Categories backed by
// authoritative local data are never searched; verifying first-party
// pricing against the open web risks contradicting it.
package augment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wakeside/skipper/internal/classify"
	"github.com/wakeside/skipper/internal/log"
	"github.com/wakeside/skipper/internal/prompt"
)

// DefaultTimeout bounds a single lookup. The call sits on the turn's
// critical path, so a slow search must not stall the answer.
const DefaultTimeout = 5 * time.Second

// Searcher runs one search-grounded query and returns plain text.
type Searcher interface {
	Search(ctx context.Context, instruction, query string) (string, error)
}

// instruction templates per searchable category. Each constrains the lookup
// to manufacturer-grade sources and the shape of answer we can merge.
var instructions = map[classify.Category]string{
	classify.Specs:      "Find the published specifications requested below. Prefer manufacturer sites (yamahaoutboards.com, mercurymarine.com, suzukimarine.com, honda.com). Answer in at most four short factual sentences. Do not mention prices.",
	classify.Comparison: "Compare the motors or brands in the question using published specifications and reputable marine press (boatingmag.com, boattest.com). Answer in at most five short factual sentences. Do not mention prices.",
	classify.Rigging:    "Answer the rigging/controls compatibility question using manufacturer rigging guides. Answer in at most four short sentences.",
	classify.Maintenance: "Answer the maintenance question using manufacturer service schedules. Answer in at most four short sentences.",
	classify.Warranty:   "Answer using the manufacturer's published warranty terms. Answer in at most three short sentences.",
	classify.General:    "Answer the boating question factually in at most four short sentences. Prefer manufacturer and marine press sources. Do not mention prices or dealers.",
}

// Augmenter wraps a Searcher with category policy and a soft timeout.
type Augmenter struct {
	searcher Searcher
	timeout  time.Duration
	logger   log.Logger
}

// New creates an Augmenter. timeout <= 0 selects DefaultTimeout.
func New(searcher Searcher, timeout time.Duration, logger log.Logger) *Augmenter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Augmenter{searcher: searcher, timeout: timeout, logger: logger}
}

// Lookup returns an annotated background block for the message, or "" when
// the category is not searchable, the subject adds nothing to search on, or
// the lookup fails. Never returns an error: augmentation is optional.
func (a *Augmenter) Lookup(ctx context.Context, message string, cat classify.Category, subject *prompt.Subject) string {
	if a == nil || a.searcher == nil {
		return ""
	}
	instruction, ok := instructions[cat]
	if !ok || !cat.Searchable() {
		return ""
	}

	query := message
	if subject != nil && subject.Model != "" {
		query = fmt.Sprintf("%s (regarding the %s outboard)", message, subject.Model)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	text, err := a.searcher.Search(lookupCtx, instruction, query)
	if err != nil {
		// Timeouts and cancellations are expected; anything else is
		// still non-fatal but worth surfacing to ops.
		if lookupCtx.Err() != nil || ctx.Err() != nil {
			a.logger.Debug("augmentation lookup timed out (continuing without it)",
				"category", cat.String(),
				"error", err)
		} else {
			a.logger.Warn("augmentation lookup failed (continuing without it)",
				"category", cat.String(),
				"error", err)
		}
		return ""
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	a.logger.Debug("augmentation lookup succeeded",
		"category", cat.String(),
		"length", len(text))

	return "Context from manufacturer documentation (do not quote prices from it):\n" + text
}
