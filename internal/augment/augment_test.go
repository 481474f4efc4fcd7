package augment

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wakeside/skipper/internal/classify"
	"github.com/wakeside/skipper/internal/log"
	"github.com/wakeside/skipper/internal/prompt"
)

type stubSearcher struct {
	calls       atomic.Int32
	text        string
	err         error
	delay       time.Duration
	lastQuery   string
	lastInstruc string
}

func (s *stubSearcher) Search(ctx context.Context, instruction, query string) (string, error) {
	s.calls.Add(1)
	s.lastInstruc = instruction
	s.lastQuery = query
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.text, s.err
}

func TestLookupSearchable(t *testing.T) {
	t.Parallel()

	s := &stubSearcher{text: "The F150 weighs 487 lbs."}
	a := New(s, 0, log.NewNop())

	got := a.Lookup(context.Background(), "how heavy is it", classify.Specs, &prompt.Subject{Model: "F150"})

	if !strings.HasPrefix(got, "Context from manufacturer documentation") {
		t.Errorf("result missing annotation prefix: %q", got)
	}
	if !strings.Contains(got, "487 lbs") {
		t.Errorf("result missing search text: %q", got)
	}
	if !strings.Contains(s.lastQuery, "regarding the F150 outboard") {
		t.Errorf("query missing subject context: %q", s.lastQuery)
	}
}

// Categories backed by authoritative first-party data must never reach the
// searcher.
func TestLookupAuthoritativeCategoriesNeverSearched(t *testing.T) {
	t.Parallel()

	s := &stubSearcher{text: "should never be seen"}
	a := New(s, 0, log.NewNop())

	for _, cat := range []classify.Category{
		classify.None,
		classify.TradeInRedirect,
		classify.QuoteRedirect,
		classify.Financing,
		classify.Promotions,
		classify.Pricing,
		classify.Inventory,
		classify.Shipping,
		classify.Dealer,
		classify.Service,
	} {
		if got := a.Lookup(context.Background(), "how much is it", cat, nil); got != "" {
			t.Errorf("category %v returned %q, want empty", cat, got)
		}
	}
	if n := s.calls.Load(); n != 0 {
		t.Errorf("searcher called %d times for authoritative categories", n)
	}
}

func TestLookupFailureDegrades(t *testing.T) {
	t.Parallel()

	s := &stubSearcher{err: errors.New("upstream 503")}
	a := New(s, 0, log.NewNop())

	if got := a.Lookup(context.Background(), "service interval?", classify.Maintenance, nil); got != "" {
		t.Errorf("failed lookup returned %q, want empty", got)
	}
}

func TestLookupTimeoutDegrades(t *testing.T) {
	t.Parallel()

	s := &stubSearcher{text: "late answer", delay: time.Second}
	a := New(s, 10*time.Millisecond, log.NewNop())

	start := time.Now()
	got := a.Lookup(context.Background(), "what's the warranty", classify.Warranty, nil)
	if got != "" {
		t.Errorf("timed-out lookup returned %q, want empty", got)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("lookup did not respect timeout, took %v", elapsed)
	}
}

func TestLookupEmptyResult(t *testing.T) {
	t.Parallel()

	s := &stubSearcher{text: "   \n"}
	a := New(s, 0, log.NewNop())

	if got := a.Lookup(context.Background(), "F150 vs F200?", classify.Comparison, nil); got != "" {
		t.Errorf("blank search result returned %q, want empty", got)
	}
}

func TestLookupNilSearcher(t *testing.T) {
	t.Parallel()

	a := New(nil, 0, log.NewNop())
	if got := a.Lookup(context.Background(), "anything?", classify.General, nil); got != "" {
		t.Errorf("nil searcher returned %q, want empty", got)
	}
}
