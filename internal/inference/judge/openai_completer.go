package judge

import (
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// openAICompleter adapts an OpenAI-compatible chat completions endpoint
// (the commentary proxy in front of the judge models) to Completer.
type openAICompleter struct {
	client oai.Client
}

// NewOpenAICompleter builds a Completer backed by an OpenAI-compatible
// endpoint, used for both the judge's tier-1 large-model and tier-2
// small-model calls through the commentary proxy.
func NewOpenAICompleter(apiKey, baseURL string) Completer {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openAICompleter{client: oai.NewClient(opts...)}
}

func (c *openAICompleter) Complete(ctx context.Context, model, prompt string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: []oai.ChatCompletionMessageParamUnion{oai.UserMessage(prompt)},
	})
	if err != nil {
		return "", fmt.Errorf("judge: openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("judge: openai completion: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}
