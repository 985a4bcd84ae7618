package core

import (
	"context"
	"io"
	"strings"
	"time"
)

// EchoProvider streams the prompt back one word at a time. It needs no credentials
// and is meant for local development.
type EchoProvider struct {
	Delay time.Duration
}

func (p *EchoProvider) Name() string { return "echo" }

func (p *EchoProvider) Stream(ctx context.Context, req ProviderRequest) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var words []string
	for _, w := range strings.SplitAfter(req.Prompt, " ") {
		if w != "" {
			words = append(words, w)
		}
	}
	return &echoStream{ctx: ctx, words: words, delay: p.Delay}, nil
}

type echoStream struct {
	ctx   context.Context
	words []string
	delay time.Duration
}

func (s *echoStream) Recv() (string, error) {
	if len(s.words) == 0 {
		return "", io.EOF
	}
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		case <-t.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		return "", err
	}
	w := s.words[0]
	s.words = s.words[1:]
	return w, nil
}

func (s *echoStream) Close() error {
	s.words = nil
	return nil
}
