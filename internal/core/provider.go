package core

import (
	"context"
	"errors"
	"io"
	"strings"

	"gwi.com/inference-gateway/internal/store"
)

// Part is an attachment whose content has been loaded for a provider call.
type Part struct {
	Filename    string
	ContentType string
	Data        []byte
}

func (p Part) IsImage() bool { return strings.HasPrefix(p.ContentType, "image/") }

func (p Part) IsText() bool {
	switch {
	case strings.HasPrefix(p.ContentType, "text/"),
		p.ContentType == "application/json",
		p.ContentType == "application/xml",
		p.ContentType == "application/csv":
		return true
	}
	return false
}

// ProviderRequest is everything a provider needs for one completion.
type ProviderRequest struct {
	SystemPrompt string
	History      []store.Message
	Prompt       string
	Attachments  []Part
}

// replayableTurns drops stored turns an upstream would reject: an assistant reply with
// no text together with the user turn it answered, and any reply not preceded by a user turn.
func replayableTurns(msgs []store.Message) []store.Message {
	turns := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == store.RoleAssistant {
			if len(turns) == 0 || turns[len(turns)-1].Role != store.RoleUser {
				continue
			}
			if strings.TrimSpace(m.Content) == "" {
				turns = turns[:len(turns)-1]
				continue
			}
		}
		turns = append(turns, m)
	}
	return turns
}

// Stream is a finite, forward-only sequence of text fragments.
// Recv returns io.EOF after the last fragment. It must not be consumed twice.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Provider opens a streaming completion against one upstream service.
// Implementations must stop work promptly once ctx is cancelled.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req ProviderRequest) (Stream, error)
}

// Collect drains a provider stream into a single string.
func Collect(ctx context.Context, p Provider, req ProviderRequest) (string, error) {
	stream, err := p.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(fragment)
	}
}
