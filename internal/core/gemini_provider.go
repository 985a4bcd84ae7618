package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"gwi.com/inference-gateway/internal/store"
)

const defaultGeminiModel = "gemini-1.5-flash-latest"

type GeminiProvider struct {
	client *genai.Client
	model  string
	logger zerolog.Logger
}

func NewGeminiProvider(ctx context.Context, apiKey, model string, logger zerolog.Logger) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiProvider{
		client: client,
		model:  model,
		logger: logger.With().Str("component", "gemini").Logger(),
	}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Close() {
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			p.logger.Warn().Err(err).Msg("error closing GenAI client")
		} else {
			p.logger.Debug().Msg("GenAI client closed")
		}
	}
}

func (p *GeminiProvider) Stream(ctx context.Context, req ProviderRequest) (Stream, error) {
	if strings.TrimSpace(req.Prompt) == "" && len(req.Attachments) == 0 {
		return nil, errors.New("gemini request has no content")
	}

	model := p.client.GenerativeModel(p.model)
	if req.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.SystemPrompt)},
		}
	}

	chatSession := model.StartChat()
	chatSession.History = geminiHistory(req.History)

	parts := make([]genai.Part, 0, len(req.Attachments)+1)
	for _, a := range req.Attachments {
		parts = append(parts, genai.Blob{MIMEType: a.ContentType, Data: a.Data})
	}
	parts = append(parts, genai.Text(req.Prompt))

	return &geminiStream{it: chatSession.SendMessageStream(ctx, parts...), logger: p.logger}, nil
}

// geminiHistory maps stored messages onto the user/model roles Gemini expects.
func geminiHistory(msgs []store.Message) []*genai.Content {
	turns := replayableTurns(msgs)
	history := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		role := "user"
		if m.Role == store.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	return history
}

type geminiStream struct {
	it     *genai.GenerateContentResponseIterator
	logger zerolog.Logger
	done   bool
}

func (s *geminiStream) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		resp, err := s.it.Next()
		if errors.Is(err, iterator.Done) {
			s.done = true
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("gemini stream failed: %w", err)
		}
		if text := geminiText(resp); text != "" {
			return text, nil
		}
		s.logger.Debug().Msg("gemini response had no text parts")
	}
}

func (s *geminiStream) Close() error {
	s.done = true
	return nil
}

func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String()
}
