package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

type breakerMember struct {
	provider Provider
	cb       *gobreaker.CircuitBreaker
}

// FallbackProvider tries its members in order. A member counts as open once it has
// produced its first fragment or finished cleanly; only failures before that point
// move on to the next member. Each member sits behind its own circuit breaker.
type FallbackProvider struct {
	members []breakerMember
	logger  zerolog.Logger
}

func NewFallbackProvider(providers []Provider, failures uint32, cooldown time.Duration, logger zerolog.Logger) *FallbackProvider {
	if failures == 0 {
		failures = 1
	}
	logger = logger.With().Str("component", "fallback").Logger()

	members := make([]breakerMember, 0, len(providers))
	for _, p := range providers {
		members = append(members, breakerMember{
			provider: p,
			cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        p.Name(),
				MaxRequests: 1,
				Timeout:     cooldown,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= failures
				},
				IsSuccessful: func(err error) bool {
					return err == nil || errors.Is(err, context.Canceled)
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					logger.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
				},
			}),
		})
	}
	return &FallbackProvider{members: members, logger: logger}
}

func (f *FallbackProvider) Name() string { return "fallback" }

func (f *FallbackProvider) Stream(ctx context.Context, req ProviderRequest) (Stream, error) {
	if len(f.members) == 0 {
		return nil, errors.New("fallback chain is empty")
	}

	var errs []error
	for _, m := range f.members {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := m.cb.Execute(func() (interface{}, error) {
			return openPrimed(ctx, m.provider, req)
		})
		if err == nil {
			return res.(Stream), nil
		}
		f.logger.Warn().Err(err).Str("provider", m.provider.Name()).Msg("provider unavailable, trying next")
		errs = append(errs, fmt.Errorf("%s: %w", m.provider.Name(), err))
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

// State exposes the breaker state of the named member, for diagnostics and tests.
func (f *FallbackProvider) State(name string) (gobreaker.State, bool) {
	for _, m := range f.members {
		if m.provider.Name() == name {
			return m.cb.State(), true
		}
	}
	return gobreaker.StateClosed, false
}

func openPrimed(ctx context.Context, p Provider, req ProviderRequest) (Stream, error) {
	s, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	first, err := s.Recv()
	if err != nil && !errors.Is(err, io.EOF) {
		s.Close()
		return nil, err
	}
	return &primedStream{Stream: s, first: first, firstErr: err, pending: true}, nil
}

// primedStream replays the fragment read while opening the stream.
type primedStream struct {
	Stream
	first    string
	firstErr error
	pending  bool
}

func (s *primedStream) Recv() (string, error) {
	if s.pending {
		s.pending = false
		if s.firstErr != nil {
			return "", s.firstErr
		}
		return s.first, nil
	}
	return s.Stream.Recv()
}
