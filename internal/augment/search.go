package augment

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GoogleSearcher runs search-grounded lookups through the Gemini API with
// the Google Search tool enabled.
type GoogleSearcher struct {
	client *genai.Client
	model  string
}

// NewGoogleSearcher creates a searcher using the given API key and model.
func NewGoogleSearcher(ctx context.Context, apiKey, model string) (*GoogleSearcher, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GoogleSearcher{client: client, model: model}, nil
}

// Search implements Searcher.
func (s *GoogleSearcher) Search(ctx context.Context, instruction, query string) (string, error) {
	resp, err := s.client.Models.GenerateContent(ctx, s.model,
		genai.Text(query),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
			Tools: []*genai.Tool{
				{GoogleSearch: &genai.GoogleSearch{}},
			},
		})
	if err != nil {
		return "", fmt.Errorf("search-grounded generate: %w", err)
	}
	return resp.Text(), nil
}
