// Package openai adapts the OpenAI chat completions API to the model
// boundary the orchestrator consumes.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/opsmesh/conductor/core"
)

// Config for the adapter.
type Config struct {
	APIKey string
	// BaseURL overrides the API host, for proxies and compatible backends.
	BaseURL string
	// Model is the default model for all calls.
	Model string
	// Temperature is the default sampling temperature.
	Temperature float32
	// MaxTokens is the default completion cap. Zero leaves it to the API.
	MaxTokens int
	Logger    core.Logger
}

// Client implements core.LLMClient.
type Client struct {
	api    openai.Client
	config Config
	logger core.Logger
}

// New creates the adapter.
func New(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai.New: api key is required: %w", core.ErrMissingConfiguration)
	}
	if config.Model == "" {
		config.Model = "gpt-4o"
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &Client{
		api:    openai.NewClient(opts...),
		config: config,
		logger: config.Logger,
	}, nil
}

func (c *Client) params(prompt string, opts *core.LLMOptions) openai.ChatCompletionNewParams {
	if opts == nil {
		opts = &core.LLMOptions{}
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if opts.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(opts.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(prompt))

	model := opts.Model
	if model == "" {
		model = c.config.Model
	}
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = c.config.Temperature
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.config.MaxTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(float64(temperature)),
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	return params
}

// Generate runs a free-form completion.
func (c *Client) Generate(ctx context.Context, prompt string, opts *core.LLMOptions) (*core.LLMResponse, error) {
	params := c.params(prompt, opts)

	start := time.Now()
	completion, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai.Generate: %w: %v", core.ErrRequestFailed, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai.Generate: empty completion: %w", core.ErrProtocol)
	}

	c.logger.Debug("Completion finished", map[string]interface{}{
		"operation":     "llm_generate",
		"model":         completion.Model,
		"total_tokens":  completion.Usage.TotalTokens,
		"elapsed_ms":    time.Since(start).Milliseconds(),
	})

	return &core.LLMResponse{
		Content: completion.Choices[0].Message.Content,
		Model:   completion.Model,
		Usage: core.TokenUsage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}, nil
}

// GenerateStructured constrains the completion to the given JSON schema and
// returns the raw document.
func (c *Client) GenerateStructured(ctx context.Context, prompt string, schemaName string, schema []byte, opts *core.LLMOptions) ([]byte, error) {
	var schemaDoc map[string]interface{}
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return nil, fmt.Errorf("openai.GenerateStructured: bad schema %s: %w", schemaName, err)
	}

	params := c.params(prompt, opts)
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
			JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   schemaName,
				Schema: schemaDoc,
				Strict: openai.Bool(true),
			},
		},
	}

	start := time.Now()
	completion, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai.GenerateStructured: %w: %v", core.ErrRequestFailed, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai.GenerateStructured: empty completion: %w", core.ErrProtocol)
	}

	c.logger.Debug("Structured completion finished", map[string]interface{}{
		"operation":    "llm_generate_structured",
		"schema":       schemaName,
		"model":        completion.Model,
		"total_tokens": completion.Usage.TotalTokens,
		"elapsed_ms":   time.Since(start).Milliseconds(),
	})

	return []byte(completion.Choices[0].Message.Content), nil
}
