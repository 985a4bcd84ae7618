package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	titleSystemInstruction = "You are a helpful assistant that generates concise titles for chat conversations. " +
		"The title should be 3-5 words maximum. Just return the title itself, nothing else."

	titleTimeout  = 30 * time.Second
	maxTitleRunes = 80
)

type TitleStore interface {
	UpdateThreadTitle(ctx context.Context, threadID, title string) error
}

// TitleGenerator names new threads in the background from their first prompt.
type TitleGenerator struct {
	provider Provider
	store    TitleStore
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

func NewTitleGenerator(provider Provider, store TitleStore, logger zerolog.Logger) *TitleGenerator {
	return &TitleGenerator{
		provider: provider,
		store:    store,
		logger:   logger.With().Str("component", "titles").Logger(),
	}
}

func (g *TitleGenerator) Generate(ctx context.Context, basis string) (string, error) {
	prompt := fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a conversation that starts with or is about: \"%s\".", basis)
	raw, err := Collect(ctx, g.provider, ProviderRequest{SystemPrompt: titleSystemInstruction, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("title generation request failed: %w", err)
	}

	title := strings.Trim(raw, "\"'\n\r\t .")
	if title == "" {
		return "", errors.New("provider generated an empty title")
	}
	if r := []rune(title); len(r) > maxTitleRunes {
		title = strings.TrimSpace(string(r[:maxTitleRunes]))
	}
	return title, nil
}

// GenerateAsync generates and stores a title without blocking the caller.
// Failures are logged only.
func (g *TitleGenerator) GenerateAsync(threadID, basis string) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
		defer cancel()

		title, err := g.Generate(ctx, basis)
		if err != nil {
			g.logger.Warn().Err(err).Str("thread_id", threadID).Msg("failed to generate title")
			return
		}
		if err := g.store.UpdateThreadTitle(ctx, threadID, title); err != nil {
			g.logger.Warn().Err(err).Str("thread_id", threadID).Str("title", title).Msg("failed to save generated title")
			return
		}
		g.logger.Debug().Str("thread_id", threadID).Str("title", title).Msg("saved generated title")
	}()
}

// Wait blocks until all pending background generations have finished.
func (g *TitleGenerator) Wait() {
	g.wg.Wait()
}
