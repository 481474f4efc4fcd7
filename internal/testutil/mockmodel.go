// Package testutil provides shared test infrastructure: a deterministic
// streaming model, an in-memory persistence store, and a PostgreSQL
// container helper for integration tests.
package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// MockModel is a deterministic Genkit model for testing. It matches the
// last user message against registered substrings and streams the matching
// response in the configured chunk sizes.
//
// Safe for concurrent use.
type MockModel struct {
	mu       sync.Mutex
	rules    []mockRule
	fallback string
	chunks    []int // chunk byte sizes, cycled; nil streams one chunk
	fail      error // when set, calls fail with this error
	failTimes int   // 0 with fail set means fail forever
	failAfter int   // with midErr set, chunks streamed before failing
	midErr    error
	calls     int
}

type mockRule struct {
	pattern  string
	response string
}

// NewMockModel creates a mock with the given fallback response.
func NewMockModel(fallback string) *MockModel {
	return &MockModel{fallback: fallback}
}

// AddResponse registers a substring-response pair. First match wins.
func (m *MockModel) AddResponse(pattern, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{pattern: pattern, response: response})
}

// SetChunkSizes controls how the response is split into stream deltas.
func (m *MockModel) SetChunkSizes(sizes ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = sizes
}

// FailWith makes every subsequent call return err.
func (m *MockModel) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
	m.failTimes = 0
}

// FailNTimes makes the next n calls return err, then recover.
func (m *MockModel) FailNTimes(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
	m.failTimes = n
}

// FailMidStream makes every call stream the first n chunks of the matched
// response and then return err, like a provider dying mid-response.
func (m *MockModel) FailMidStream(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	m.midErr = err
}

// Calls returns the number of generate calls so far.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Register registers the mock as "mock/test-model" on g.
func (m *MockModel) Register(g *genkit.Genkit) ai.Model {
	return genkit.DefineModel(g, "mock/test-model", &ai.ModelOptions{
		Label: "Mock Test Model",
		Supports: &ai.ModelSupports{
			Multiturn:  true,
			SystemRole: true,
		},
	}, m.generate)
}

func (m *MockModel) generate(ctx context.Context, req *ai.ModelRequest, cb ai.ModelStreamCallback) (*ai.ModelResponse, error) {
	var userText string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == ai.RoleUser {
			userText = req.Messages[i].Text()
			break
		}
	}

	m.mu.Lock()
	m.calls++
	if m.fail != nil {
		err := m.fail
		if m.failTimes > 0 {
			m.failTimes--
			if m.failTimes == 0 {
				m.fail = nil
			}
		}
		m.mu.Unlock()
		return nil, err
	}
	response := m.fallback
	for _, r := range m.rules {
		if r.pattern != "" && strings.Contains(userText, r.pattern) {
			response = r.response
			break
		}
	}
	chunks := m.chunks
	midErr := m.midErr
	failAfter := m.failAfter
	m.mu.Unlock()

	parts := split(response, chunks)
	if midErr != nil && failAfter < len(parts) {
		parts = parts[:failAfter]
	}
	if cb != nil {
		for _, part := range parts {
			if err := cb(ctx, &ai.ModelResponseChunk{
				Content: []*ai.Part{ai.NewTextPart(part)},
			}); err != nil {
				return nil, err
			}
		}
	}
	if midErr != nil {
		return nil, midErr
	}

	return &ai.ModelResponse{
		Request: req,
		Message: &ai.Message{
			Role:    ai.RoleModel,
			Content: []*ai.Part{ai.NewTextPart(response)},
		},
	}, nil
}

// split cuts s into pieces of the given byte sizes, cycling through sizes
// and emitting the remainder as a final piece.
func split(s string, sizes []int) []string {
	if len(sizes) == 0 {
		return []string{s}
	}
	var out []string
	i, n := 0, 0
	for i < len(s) {
		size := sizes[n%len(sizes)]
		if size <= 0 {
			size = 1
		}
		end := i + size
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[i:end])
		i = end
		n++
	}
	return out
}
