package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"gwi.com/inference-gateway/internal/store"
)

// ThreadStore is the read and annotate side of the thread store.
type ThreadStore interface {
	ListThreadsByUser(ctx context.Context, userID string) ([]store.Thread, error)
	ListMessages(ctx context.Context, threadID string) ([]store.Message, error)
	UpdateThreadTitle(ctx context.Context, threadID, title string) error
	UpdateMessageFeedback(ctx context.Context, messageID, feedback string) error
}

// ThreadService serves thread listings, renames and message feedback.
type ThreadService struct {
	store  ThreadStore
	logger zerolog.Logger
}

func NewThreadService(s ThreadStore, logger zerolog.Logger) *ThreadService {
	return &ThreadService{
		store:  s,
		logger: logger.With().Str("component", "threads").Logger(),
	}
}

// ListThreads returns the user's threads, newest first.
func (s *ThreadService) ListThreads(ctx context.Context, userID string) ([]store.Thread, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &ValidationError{Msg: "Missing required parameter: user id"}
	}
	threads, err := s.store.ListThreadsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	return threads, nil
}

// ListMessages returns the thread's messages in arrival order.
func (s *ThreadService) ListMessages(ctx context.Context, threadID string) ([]store.Message, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, &ValidationError{Msg: "Missing required parameter: thread id"}
	}
	msgs, err := s.store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

func (s *ThreadService) RenameThread(ctx context.Context, threadID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return &ValidationError{Msg: "Missing required parameter: title"}
	}
	if err := s.store.UpdateThreadTitle(ctx, threadID, title); err != nil {
		return fmt.Errorf("failed to rename thread: %w", err)
	}
	s.logger.Debug().Str("thread_id", threadID).Str("title", title).Msg("thread renamed")
	return nil
}

func (s *ThreadService) SetFeedback(ctx context.Context, messageID, feedback string) error {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return &ValidationError{Msg: "Missing required parameter: feedback"}
	}
	if err := s.store.UpdateMessageFeedback(ctx, messageID, feedback); err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}
	return nil
}
