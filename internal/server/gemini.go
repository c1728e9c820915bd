package server

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/ricochet1k/inlinecomplete/pkg/protocol"
)

const defaultGeminiModel = "gemini-2.5-flash"

type GeminiConfig struct {
	APIKey    string
	Model     string
	MaxTokens int32
}

// GeminiCompleter streams completions from the Gemini API.
type GeminiCompleter struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

var _ Completer = (*GeminiCompleter)(nil)

func NewGeminiCompleter(ctx context.Context, config GeminiConfig) (*GeminiCompleter, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	model := config.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiCompleter{client: gc, model: model, maxTokens: config.MaxTokens}, nil
}

func (g *GeminiCompleter) Complete(ctx context.Context, req protocol.Request, emit func(string) error) error {
	system, prompt := BuildPrompt(req)
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
	}
	if g.maxTokens > 0 {
		config.MaxOutputTokens = g.maxTokens
	}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: prompt}}}}

	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, config) {
		if err != nil {
			return fmt.Errorf("gemini stream: %w", err)
		}
		text := resp.Text()
		if text == "" {
			continue
		}
		if err := emit(text); err != nil {
			return err
		}
	}
	return nil
}
