// Package genai wraps the OpenAI API for text, structured-JSON, vision,
// and transcription calls. Structured calls defensively re-parse model
// output and retry once with a stricter instruction before giving up.
package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultModel   = openai.ChatModelGPT4oMini
	defaultTimeout = 45 * time.Second
)

// strictRetrySuffix is appended to the user prompt when the first
// structured response fails to parse.
const strictRetrySuffix = "\n\nReturn ONLY valid JSON. No prose, no markdown fences."

// chatService is the minimal chat-completions surface, satisfied by the
// OpenAI SDK and by test mocks.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// transcriptionService is the minimal transcription surface.
type transcriptionService interface {
	New(ctx context.Context, body openai.AudioTranscriptionNewParams, opts ...option.RequestOption) (*openai.Transcription, error)
}

// Opts holds configuration options for the client.
type Opts struct {
	APIKey  string
	Model   string
	Timeout time.Duration

	chat  chatService
	audio transcriptionService
}

// Option configures client options.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the default chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithChatService injects a chat backend (used by tests).
func WithChatService(s chatService) Option {
	return func(o *Opts) { o.chat = s }
}

// WithTranscriptionService injects a transcription backend (used by tests).
func WithTranscriptionService(s transcriptionService) Option {
	return func(o *Opts) { o.audio = s }
}

// Client is the generative oracle used by the flow and plan modules.
type Client struct {
	chat    chatService
	audio   transcriptionService
	model   string
	timeout time.Duration
}

// NewClient creates a GenAI client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: defaultModel, Timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.chat == nil {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("genai: API key not set")
		}
		cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
		cfg.chat = &cli.Chat.Completions
		cfg.audio = &cli.Audio.Transcriptions
	}
	return &Client{chat: cfg.chat, audio: cfg.audio, model: cfg.Model, timeout: cfg.Timeout}, nil
}

// Model returns the client's default chat model.
func (c *Client) Model() string { return c.model }

// GeneratePrompt generates free text with the default model.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.GenerateWithModel(ctx, c.model, systemPrompt, userPrompt)
}

// GenerateWithModel generates free text with an explicit model.
func (c *Client) GenerateWithModel(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	}
	return c.complete(ctx, model, messages, c.timeout)
}

// GenerateJSON generates a structured response and decodes it into out.
// Malformed output gets one stricter retry before the call fails.
func (c *Client) GenerateJSON(ctx context.Context, model, systemPrompt, userPrompt string, out any) error {
	text, err := c.GenerateWithModel(ctx, model, systemPrompt, userPrompt)
	if err != nil {
		return err
	}
	if err := DecodeJSONBlock(text, out); err == nil {
		return nil
	}
	slog.Debug("GenAI GenerateJSON retrying with strict instruction", "model", model)
	text, err = c.GenerateWithModel(ctx, model, systemPrompt, userPrompt+strictRetrySuffix)
	if err != nil {
		return err
	}
	if err := DecodeJSONBlock(text, out); err != nil {
		return fmt.Errorf("failed to parse structured response after retry: %w", err)
	}
	return nil
}

// GenerateVisionJSON sends a prompt plus an inline image and decodes
// the structured response, with the same one-shot strict retry.
func (c *Client) GenerateVisionJSON(ctx context.Context, model, systemPrompt, userPrompt string, image []byte, mimeType string, out any) error {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))

	run := func(prompt string) (string, error) {
		parts := []openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(prompt),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
		}
		messages := []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(parts),
		}
		return c.complete(ctx, model, messages, c.timeout)
	}

	text, err := run(userPrompt)
	if err != nil {
		return err
	}
	if err := DecodeJSONBlock(text, out); err == nil {
		return nil
	}
	slog.Debug("GenAI GenerateVisionJSON retrying with strict instruction", "model", model)
	text, err = run(userPrompt + strictRetrySuffix)
	if err != nil {
		return err
	}
	if err := DecodeJSONBlock(text, out); err != nil {
		return fmt.Errorf("failed to parse vision response after retry: %w", err)
	}
	return nil
}

// CompleteWithTimeout generates free text under a caller-chosen timeout,
// used by latency-sensitive callers like plan generation.
func (c *Client) CompleteWithTimeout(ctx context.Context, model, systemPrompt, userPrompt string, timeout time.Duration) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	}
	return c.complete(ctx, model, messages, timeout)
}

// Transcribe converts a voice recording to text.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if c.audio == nil {
		return "", fmt.Errorf("genai: transcription backend not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.audio.New(ctx, openai.AudioTranscriptionNewParams{
		File:  bytes.NewReader(audio),
		Model: openai.AudioModelWhisper1,
	})
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (c *Client) complete(ctx context.Context, model string, messages []openai.ChatCompletionMessageParamUnion, timeout time.Duration) (string, error) {
	if model == "" {
		model = c.model
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	slog.Debug("GenAI complete done", "model", model, "duration", time.Since(start))
	return resp.Choices[0].Message.Content, nil
}

// DecodeJSONBlock parses text as JSON, falling back to the substring
// between the first '{' and the last '}' when the model wrapped the
// object in prose or fences.
func DecodeJSONBlock(text string, out any) error {
	trimmed := strings.TrimSpace(text)
	if err := json.Unmarshal([]byte(trimmed), out); err == nil {
		return nil
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object found in response")
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), out); err != nil {
		return fmt.Errorf("failed to decode JSON block: %w", err)
	}
	return nil
}
