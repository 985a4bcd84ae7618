package core

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"gwi.com/inference-gateway/internal/store"
)

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
}

type OpenAIProvider struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger zerolog.Logger
}

func NewOpenAIProvider(cfg OpenAIConfig, logger zerolog.Logger) *OpenAIProvider {
	return &OpenAIProvider{
		client: newOpenAIClient(cfg.APIKey, cfg.BaseURL),
		cfg:    cfg,
		logger: logger.With().Str("component", "openai").Logger(),
	}
}

func newOpenAIClient(apiKey, baseURL string) *openai.Client {
	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(clientCfg)
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Stream(ctx context.Context, req ProviderRequest) (Stream, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    openAIMessages(req),
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat completion stream failed: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

func openAIMessages(req ProviderRequest) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range replayableTurns(req.History) {
		role := openai.ChatMessageRoleUser
		if m.Role == store.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	if len(req.Attachments) == 0 {
		return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})
	}

	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: req.Prompt}}
	for _, a := range req.Attachments {
		switch {
		case a.IsImage():
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    "data:" + a.ContentType + ";base64," + base64.StdEncoding.EncodeToString(a.Data),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		case a.IsText():
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: fmt.Sprintf("Attached file %s:\n%s", a.Filename, a.Data),
			})
		default:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: fmt.Sprintf("Attached file %s (%s, %d bytes) cannot be shown inline.", a.Filename, a.ContentType, len(a.Data)),
			})
		}
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts})
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("openai stream failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}
