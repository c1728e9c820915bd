package server

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/responses"

	"github.com/ricochet1k/inlinecomplete/pkg/protocol"
)

const defaultOpenAIModel = string(openai.ChatModelGPT5_2)

type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
}

// OpenAICompleter streams completions from the OpenAI Responses API.
type OpenAICompleter struct {
	client    openai.Client
	model     string
	maxTokens int64
}

var _ Completer = (*OpenAICompleter)(nil)

func NewOpenAICompleter(config OpenAIConfig) *OpenAICompleter {
	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	model := config.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAICompleter{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: config.MaxTokens,
	}
}

func (o *OpenAICompleter) Complete(ctx context.Context, req protocol.Request, emit func(string) error) error {
	system, prompt := BuildPrompt(req)
	params := responses.ResponseNewParams{
		Instructions: param.NewOpt(system),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: param.NewOpt(prompt),
		},
		Model: o.model,
	}
	if o.maxTokens > 0 {
		params.MaxOutputTokens = param.NewOpt(o.maxTokens)
	}

	stream := o.client.Responses.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		data := stream.Current()
		switch event := data.AsAny().(type) {
		case responses.ResponseTextDeltaEvent:
			if event.Delta == "" {
				continue
			}
			if err := emit(event.Delta); err != nil {
				return err
			}
		case responses.ResponseErrorEvent:
			return fmt.Errorf("openai stream error %s: %s", event.Code, event.Message)
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	return nil
}
