package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gwi.com/inference-gateway/internal/metrics"
	"gwi.com/inference-gateway/internal/store"
)

var (
	errThreadNotOwned  = errors.New("thread belongs to another user")
	errClientGone      = errors.New("event consumer stopped")
	errExchangeUsed    = errors.New("exchange already consumed")
	errStreamAbandoned = errors.New("provider stream ended without completing")
	errPersistence     = errors.New("failed to persist exchange")
)

// ThreadRepository is the part of the thread store the orchestrator needs.
type ThreadRepository interface {
	GetThread(ctx context.Context, threadID string) (*store.Thread, error)
	CreateThread(ctx context.Context, user store.User) (*store.Thread, error)
	AppendMessages(ctx context.Context, threadID string, msgs []store.Message) ([]store.Message, error)
}

type OrchestratorConfig struct {
	SystemPrompt         string
	FirstFragmentTimeout time.Duration
	RetryDelay           time.Duration
	HistoryLimit         int
}

// InferenceRequest is a decoded /inference call. A nil User means none was supplied.
type InferenceRequest struct {
	Prompt   string
	User     *store.User
	ThreadID string
	Files    []Upload
}

type Orchestrator struct {
	threads  ThreadRepository
	provider Provider
	intake   *Intake
	titles   *TitleGenerator
	locks    *threadLocks
	metrics  *metrics.StreamingMetrics
	cfg      OrchestratorConfig
	logger   zerolog.Logger
}

// NewOrchestrator wires the inference pipeline. titles and m may be nil.
func NewOrchestrator(threads ThreadRepository, provider Provider, intake *Intake, titles *TitleGenerator,
	cfg OrchestratorConfig, m *metrics.StreamingMetrics, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		threads:  threads,
		provider: provider,
		intake:   intake,
		titles:   titles,
		locks:    newThreadLocks(),
		metrics:  m,
		cfg:      cfg,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Exchange is a validated request with its thread resolved and attachments staged.
// Its event sequence can be consumed once.
type Exchange struct {
	o           *Orchestrator
	prompt      string
	user        store.User
	thread      *store.Thread
	created     bool
	attachments []store.Attachment
	parts       []Part
	history     []store.Message
	used        atomic.Bool
	logger      zerolog.Logger
}

func (x *Exchange) ThreadID() string { return x.thread.ID }

// Abort releases the staged attachments of an exchange whose events will never be consumed.
func (x *Exchange) Abort() {
	if x.used.CompareAndSwap(false, true) {
		x.o.intake.Release(context.Background(), x.attachments)
	}
}

// Handle runs the whole pipeline. A request that fails before streaming yields a single error event.
func (o *Orchestrator) Handle(ctx context.Context, req InferenceRequest) iter.Seq[StreamEvent] {
	return func(yield func(StreamEvent) bool) {
		x, err := o.Prepare(ctx, req)
		if err != nil {
			yield(ErrorEvent(PublicMessage(err)))
			return
		}
		for ev := range x.Events(ctx) {
			if !yield(ev) {
				return
			}
		}
	}
}

// Prepare validates the request, stages its attachments and resolves the thread.
// Nothing has been sent upstream when it returns.
func (o *Orchestrator) Prepare(ctx context.Context, req InferenceRequest) (*Exchange, error) {
	if strings.TrimSpace(req.Prompt) == "" || req.User == nil || strings.TrimSpace(req.User.ID) == "" {
		o.metrics.RecordError(metrics.ErrorCodeValidation)
		return nil, &ValidationError{Msg: MsgMissingParameters}
	}
	user := *req.User
	logger := o.logger.With().Str("user_id", user.ID).Logger()

	attachments, err := o.intake.Accept(ctx, req.Files)
	if err != nil {
		err = o.prepareFailed(ctx, err, errorCode(err))
		logger.Info().Err(err).Msg("rejected attachments")
		return nil, err
	}

	thread, created, err := o.resolveThread(ctx, user, req.ThreadID, logger)
	if err != nil {
		o.intake.Release(context.WithoutCancel(ctx), attachments)
		return nil, o.prepareFailed(ctx, err, metrics.ErrorCodePersistence)
	}

	parts, err := o.intake.Load(ctx, attachments)
	if err != nil {
		o.intake.Release(context.WithoutCancel(ctx), attachments)
		return nil, o.prepareFailed(ctx, err, metrics.ErrorCodeAttachment)
	}

	history := thread.Messages
	if o.cfg.HistoryLimit > 0 && len(history) > o.cfg.HistoryLimit {
		history = history[len(history)-o.cfg.HistoryLimit:]
		// The window must open on a user turn.
		for len(history) > 0 && history[0].Role != store.RoleUser {
			history = history[1:]
		}
	}

	return &Exchange{
		o:           o,
		prompt:      req.Prompt,
		user:        user,
		thread:      thread,
		created:     created,
		attachments: attachments,
		parts:       parts,
		history:     history,
		logger:      logger.With().Str("thread_id", thread.ID).Logger(),
	}, nil
}

// prepareFailed records a Prepare failure under code. A failure caused by the client
// going away becomes a TransportError.
func (o *Orchestrator) prepareFailed(ctx context.Context, err error, code metrics.ErrorCode) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		o.metrics.RecordError(metrics.ErrorCodeClientDisconnect)
		return &TransportError{Err: context.Cause(ctx)}
	}
	o.metrics.RecordError(code)
	return err
}

func (o *Orchestrator) resolveThread(ctx context.Context, user store.User, threadID string, logger zerolog.Logger) (*store.Thread, bool, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID != "" && threadID != "null" {
		thread, err := o.threads.GetThread(ctx, threadID)
		if err == nil && thread.UserID != user.ID {
			err = errThreadNotOwned
		}
		if err == nil {
			return thread, false, nil
		}
		logger.Warn().Err(&ThreadResolutionError{ThreadID: threadID, Err: err}).Msg("falling back to a new thread")
	}

	thread, err := o.threads.CreateThread(ctx, user)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create thread: %w", err)
	}
	return thread, true, nil
}

// Events streams the exchange. Breaking out of the range cancels the upstream call
// and nothing is persisted.
func (x *Exchange) Events(ctx context.Context) iter.Seq[StreamEvent] {
	return func(yield func(StreamEvent) bool) {
		if !x.used.CompareAndSwap(false, true) {
			yield(ErrorEvent(errExchangeUsed.Error()))
			return
		}
		x.o.run(ctx, x, &eventGuard{yield: yield})
	}
}

func (o *Orchestrator) run(ctx context.Context, x *Exchange, g *eventGuard) {
	start := time.Now()
	o.metrics.StreamStarted()
	success := false
	defer func() { o.metrics.StreamEnded(time.Since(start).Seconds(), success) }()

	text, err := o.relay(ctx, x, g, start)
	var done DoneContent
	if err == nil {
		done, err = o.persist(ctx, x, text)
	}

	if err != nil {
		o.intake.Release(context.WithoutCancel(ctx), x.attachments)
		o.metrics.RecordError(errorCode(err))

		var te *TransportError
		if errors.As(err, &te) {
			x.logger.Info().Err(err).Msg("client went away, stream abandoned")
			return
		}
		x.logger.Error().Err(err).Msg("inference stream failed")
		g.terminal(ErrorEvent(PublicMessage(err)))
		return
	}

	success = true
	g.terminal(DoneEvent(done))
	x.logger.Info().Dur("duration", time.Since(start)).Int("chars", len(text)).Msg("inference stream completed")

	if x.created && o.titles != nil {
		o.titles.GenerateAsync(x.thread.ID, x.prompt)
	}
}

type relayState struct {
	start   time.Time
	ttff    *time.Timer
	emitted int
	text    strings.Builder
}

func (o *Orchestrator) relay(parent context.Context, x *Exchange, g *eventGuard, start time.Time) (string, error) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	st := &relayState{start: start}
	if o.cfg.FirstFragmentTimeout > 0 {
		st.ttff = time.AfterFunc(o.cfg.FirstFragmentTimeout, func() { cancel(ErrFirstFragmentTimeout) })
		defer st.ttff.Stop()
	}

	req := ProviderRequest{
		SystemPrompt: o.cfg.SystemPrompt,
		History:      x.history,
		Prompt:       x.prompt,
		Attachments:  x.parts,
	}
	name := o.provider.Name()

	for attempt := 1; ; attempt++ {
		err := o.attempt(ctx, req, st, g)
		if err == nil {
			return st.text.String(), nil
		}
		if ctx.Err() != nil {
			return "", o.interrupted(ctx, st)
		}
		var te *TransportError
		if errors.As(err, &te) {
			return "", err
		}
		if st.emitted > 0 || attempt > 1 {
			return "", &ProviderError{Provider: name, Started: st.emitted > 0, Err: err}
		}

		o.metrics.RecordRetry(name)
		x.logger.Warn().Err(err).Str("provider", name).Msg("provider failed before first fragment, retrying")
		if o.cfg.RetryDelay > 0 {
			t := time.NewTimer(o.cfg.RetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return "", o.interrupted(ctx, st)
			case <-t.C:
			}
		}
	}
}

// interrupted maps a cancelled relay context onto the error taxonomy.
func (o *Orchestrator) interrupted(ctx context.Context, st *relayState) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrFirstFragmentTimeout):
		return &ProviderError{Provider: o.provider.Name(), Err: ErrFirstFragmentTimeout}
	case errors.Is(cause, context.DeadlineExceeded):
		return &ProviderError{Provider: o.provider.Name(), Started: st.emitted > 0, Err: cause}
	default:
		return &TransportError{Err: cause}
	}
}

type recvResult struct {
	text string
	err  error
}

// attempt opens one provider stream and relays it. Recv runs on its own goroutine so
// cancellation is observed even while a provider call is blocked.
func (o *Orchestrator) attempt(ctx context.Context, req ProviderRequest, st *relayState, g *eventGuard) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan recvResult)
	go func() {
		defer close(results)
		stream, err := o.provider.Stream(attemptCtx, req)
		if err != nil {
			select {
			case results <- recvResult{err: err}:
			case <-attemptCtx.Done():
			}
			return
		}
		defer stream.Close()
		for {
			text, err := stream.Recv()
			select {
			case results <- recvResult{text: text, err: err}:
			case <-attemptCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	name := o.provider.Name()
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case r, ok := <-results:
			if !ok {
				return errStreamAbandoned
			}
			if errors.Is(r.err, io.EOF) {
				return nil
			}
			if r.err != nil {
				return r.err
			}
			if r.text == "" {
				continue
			}
			if st.emitted == 0 {
				if st.ttff != nil && !st.ttff.Stop() {
					<-ctx.Done()
					return context.Cause(ctx)
				}
				o.metrics.RecordTimeToFirstFragment(time.Since(st.start).Seconds())
			}
			if !g.chunk(r.text) {
				return &TransportError{Err: errClientGone}
			}
			st.emitted++
			st.text.WriteString(r.text)
			o.metrics.RecordFragment(name)
		}
	}
}

func (o *Orchestrator) persist(ctx context.Context, x *Exchange, text string) (DoneContent, error) {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return DoneContent{}, &ProviderError{Provider: o.provider.Name(), Started: true, Err: err}
		}
		return DoneContent{}, &TransportError{Err: context.Cause(ctx)}
	}

	unlock := o.locks.Lock(x.thread.ID)
	defer unlock()

	msgs, err := o.threads.AppendMessages(ctx, x.thread.ID, []store.Message{
		{Role: store.RoleUser, Content: x.prompt, Attachments: x.attachments},
		{Role: store.RoleAssistant, Content: text},
	})
	if err != nil {
		if ctx.Err() != nil {
			return DoneContent{}, &TransportError{Err: context.Cause(ctx)}
		}
		return DoneContent{}, fmt.Errorf("%w: %w", errPersistence, err)
	}
	if len(msgs) != 2 {
		return DoneContent{}, fmt.Errorf("%w: store returned %d messages", errPersistence, len(msgs))
	}

	return DoneContent{
		ThreadID:      x.thread.ID,
		UserMessageID: msgs[0].ID,
		MessageID:     msgs[1].ID,
	}, nil
}

// PublicMessage is the text placed in an error event for err.
func PublicMessage(err error) string {
	var ve *ValidationError
	var ae *AttachmentError
	var pe *ProviderError
	switch {
	case errors.As(err, &ve):
		return ve.Msg
	case errors.As(err, &ae):
		return ae.Error()
	case errors.Is(err, ErrFirstFragmentTimeout):
		return "The AI provider did not respond in time"
	case errors.Is(err, context.DeadlineExceeded):
		return "The response took too long and was stopped"
	case errors.As(err, &pe):
		return fmt.Sprintf("AI provider error: %v", pe.Err)
	default:
		return "Internal server error"
	}
}

func errorCode(err error) metrics.ErrorCode {
	var ve *ValidationError
	var ae *AttachmentError
	var pe *ProviderError
	var te *TransportError
	switch {
	case errors.As(err, &te):
		return metrics.ErrorCodeClientDisconnect
	case errors.As(err, &ve):
		return metrics.ErrorCodeValidation
	case errors.As(err, &ae):
		return metrics.ErrorCodeAttachment
	case errors.Is(err, ErrFirstFragmentTimeout), errors.Is(err, context.DeadlineExceeded):
		return metrics.ErrorCodeTimeout
	case errors.As(err, &pe):
		return metrics.ErrorCodeProvider
	case errors.Is(err, errPersistence), errors.Is(err, store.ErrThreadNotFound):
		return metrics.ErrorCodePersistence
	default:
		return metrics.ErrorCodeInternal
	}
}
