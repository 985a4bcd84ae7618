package core

import (
	"context"
	"errors"
	"io"
	"iter"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/inference-gateway/internal/staging"
	"gwi.com/inference-gateway/internal/store"
)

// scriptedAttempt describes how one provider call behaves.
type scriptedAttempt struct {
	openErr   error
	fragments []string
	failErr   error
	block     bool
}

type scriptedProvider struct {
	mu        sync.Mutex
	attempts  []scriptedAttempt
	calls     int
	requests  []ProviderRequest
	cancelled atomic.Bool
	closed    atomic.Int32
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req ProviderRequest) (Stream, error) {
	p.mu.Lock()
	idx := min(p.calls, len(p.attempts)-1)
	p.calls++
	p.requests = append(p.requests, req)
	a := p.attempts[idx]
	p.mu.Unlock()

	if a.openErr != nil {
		return nil, a.openErr
	}
	return &scriptedStream{ctx: ctx, attempt: a, p: p}, nil
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) LastRequest() ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

type scriptedStream struct {
	ctx     context.Context
	attempt scriptedAttempt
	pos     int
	p       *scriptedProvider
}

func (s *scriptedStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.pos < len(s.attempt.fragments) {
		s.pos++
		return s.attempt.fragments[s.pos-1], nil
	}
	if s.attempt.failErr != nil {
		return "", s.attempt.failErr
	}
	if s.attempt.block {
		<-s.ctx.Done()
		s.p.cancelled.Store(true)
		return "", s.ctx.Err()
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error {
	s.p.closed.Add(1)
	return nil
}

type testRig struct {
	orch   *Orchestrator
	store  *store.SQLStore
	stager *staging.MemoryStager
}

func newRig(t *testing.T, p Provider, cfg OrchestratorConfig) *testRig {
	t.Helper()
	st, err := store.NewSQLStore("sqlite3", filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	stager := staging.NewMemoryStager()
	intake := NewIntake(stager, IntakeConfig{
		MaxFiles:     3,
		MaxBytes:     1 << 20,
		AllowedTypes: []string{"text/plain", "image/png"},
	}, zerolog.Nop())

	return &testRig{
		orch:   NewOrchestrator(st, p, intake, nil, cfg, nil, zerolog.Nop()),
		store:  st,
		stager: stager,
	}
}

func collect(seq iter.Seq[StreamEvent]) []StreamEvent {
	var events []StreamEvent
	for ev := range seq {
		events = append(events, ev)
	}
	return events
}

func requireWellFormed(t *testing.T, events []StreamEvent) StreamEvent {
	t.Helper()
	require.NotEmpty(t, events)
	for _, ev := range events[:len(events)-1] {
		require.Equal(t, EventChunk, ev.Type, "only the last event may be terminal")
	}
	last := events[len(events)-1]
	require.True(t, last.Terminal())
	return last
}

func chunks(events []StreamEvent) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == EventChunk {
			out = append(out, ev.Content.(string))
		}
	}
	return out
}

var teamUser = &store.User{ID: "u1", Username: "team"}

func TestHandleNewThread(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{fragments: []string{"Here is ", "a summary."}}}}
	rig := newRig(t, p, OrchestratorConfig{})
	ctx := context.Background()

	events := collect(rig.orch.Handle(ctx, InferenceRequest{Prompt: "Summarize this", User: teamUser, ThreadID: "null"}))

	last := requireWellFormed(t, events)
	require.Equal(t, EventDone, last.Type)
	assert.Equal(t, []string{"Here is ", "a summary."}, chunks(events))

	done := last.Content.(DoneContent)
	require.NotEmpty(t, done.ThreadID)
	assert.NotEmpty(t, done.MessageID)
	assert.NotEmpty(t, done.UserMessageID)

	thread, err := rig.store.GetThread(ctx, done.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "u1", thread.UserID)
	require.Len(t, thread.Messages, 2)
	assert.Equal(t, store.RoleUser, thread.Messages[0].Role)
	assert.Equal(t, "Summarize this", thread.Messages[0].Content)
	assert.Equal(t, store.RoleAssistant, thread.Messages[1].Role)
	assert.Equal(t, "Here is a summary.", thread.Messages[1].Content)
}

func TestHandleMissingParameters(t *testing.T) {
	cases := map[string]InferenceRequest{
		"no prompt":    {User: teamUser},
		"blank prompt": {Prompt: "   ", User: teamUser},
		"no user":      {Prompt: "hello"},
		"no user id":   {Prompt: "hello", User: &store.User{Username: "team"}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			p := &scriptedProvider{attempts: []scriptedAttempt{{fragments: []string{"x"}}}}
			rig := newRig(t, p, OrchestratorConfig{})

			events := collect(rig.orch.Handle(context.Background(), req))

			require.Len(t, events, 1)
			assert.Equal(t, ErrorEvent(MsgMissingParameters), events[0])
			assert.Zero(t, p.Calls())
		})
	}
}

func TestHandleOversizedAttachmentNeverCallsProvider(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{fragments: []string{"x"}}}}
	rig := newRig(t, p, OrchestratorConfig{})

	big := Upload{
		Filename:    "huge.txt",
		ContentType: "text/plain",
		Size:        50 << 20,
		Open:        func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader("x")), nil },
	}
	events := collect(rig.orch.Handle(context.Background(), InferenceRequest{Prompt: "read", User: teamUser, Files: []Upload{big}}))

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Contains(t, events[0].Content, "huge.txt")
	assert.Zero(t, p.Calls())
	assert.Zero(t, rig.stager.Len())

	threads, err := rig.store.ListThreadsByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestClientDisconnectCancelsProvider(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{fragments: []string{"one ", "two "}, block: true}}}
	rig := newRig(t, p, OrchestratorConfig{})
	ctx := context.Background()

	x, err := rig.orch.Prepare(ctx, InferenceRequest{
		Prompt: "stream",
		User:   teamUser,
		Files: []Upload{{
			Filename:    "notes.txt",
			ContentType: "text/plain",
			Size:        5,
			Open:        func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader("notes")), nil },
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rig.stager.Len())

	var got []StreamEvent
	for ev := range x.Events(ctx) {
		got = append(got, ev)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"one ", "two "}, chunks(got))

	assert.Eventually(t, p.cancelled.Load, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return p.closed.Load() == 1 }, time.Second, 5*time.Millisecond)

	thread, err := rig.store.GetThread(ctx, x.ThreadID())
	require.NoError(t, err)
	assert.Empty(t, thread.Messages)
	assert.Zero(t, rig.stager.Len())
}

func TestPrepareWithGoneClientIsTransportError(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{fragments: []string{"never"}}}}
	rig := newRig(t, p, OrchestratorConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rig.orch.Prepare(ctx, InferenceRequest{
		Prompt: "hi",
		User:   teamUser,
		Files: []Upload{{
			Filename:    "notes.txt",
			ContentType: "text/plain",
			Size:        5,
			Open:        func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader("notes")), nil },
		}},
	})

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.False(t, IsClientError(err))
	assert.Zero(t, rig.stager.Len())
	assert.Zero(t, p.Calls())
}

func TestContextCancelledMidStream(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{fragments: []string{"partial"}, block: true}}}
	rig := newRig(t, p, OrchestratorConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var events []StreamEvent
	for ev := range rig.orch.Handle(ctx, InferenceRequest{Prompt: "go", User: teamUser}) {
		events = append(events, ev)
		if ev.Type == EventChunk {
			cancel()
		}
	}

	assert.Equal(t, []StreamEvent{ChunkEvent("partial")}, events)
	assert.Eventually(t, p.cancelled.Load, time.Second, 5*time.Millisecond)

	threads, err := rig.store.ListThreadsByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, threads, "a thread without messages is not listed")
}

func TestExistingThreadSendsHistory(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{fragments: []string{"answer"}}}}
	rig := newRig(t, p, OrchestratorConfig{})
	ctx := context.Background()

	first := requireWellFormed(t, collect(rig.orch.Handle(ctx, InferenceRequest{Prompt: "question one", User: teamUser})))
	threadID := first.Content.(DoneContent).ThreadID

	second := requireWellFormed(t, collect(rig.orch.Handle(ctx, InferenceRequest{Prompt: "question two", User: teamUser, ThreadID: threadID})))
	require.Equal(t, EventDone, second.Type)
	assert.Equal(t, threadID, second.Content.(DoneContent).ThreadID)

	req := p.LastRequest()
	require.Len(t, req.History, 2)
	assert.Equal(t, "question one", req.History[0].Content)
	assert.Equal(t, store.RoleAssistant, req.History[1].Role)
	assert.Equal(t, "question two", req.Prompt)

	msgs, err := rig.store.ListMessages(ctx, threadID)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestHistoryLimit(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{fragments: []string{"ok"}}}}
	rig := newRig(t, p, OrchestratorConfig{HistoryLimit: 2})
	ctx := context.Background()

	done := requireWellFormed(t, collect(rig.orch.Handle(ctx, InferenceRequest{Prompt: "first", User: teamUser})))
	threadID := done.Content.(DoneContent).ThreadID
	requireWellFormed(t, collect(rig.orch.Handle(ctx, InferenceRequest{Prompt: "second", User: teamUser, ThreadID: threadID})))
	requireWellFormed(t, collect(rig.orch.Handle(ctx, InferenceRequest{Prompt: "third", User: teamUser, ThreadID: threadID})))

	req := p.LastRequest()
	require.Len(t, req.History, 2)
	assert.Equal(t, "second", req.History[0].Content)
}

func TestHistoryLimitStartsOnUserTurn(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{fragments: []string{"ok"}}}}
	rig := newRig(t, p, OrchestratorConfig{HistoryLimit: 3})
	ctx := context.Background()

	done := requireWellFormed(t, collect(rig.orch.Handle(ctx, InferenceRequest{Prompt: "first", User: teamUser})))
	threadID := done.Content.(DoneContent).ThreadID
	requireWellFormed(t, collect(rig.orch.Handle(ctx, InferenceRequest{Prompt: "second", User: teamUser, ThreadID: threadID})))
	requireWellFormed(t, collect(rig.orch.Handle(ctx, InferenceRequest{Prompt: "third", User: teamUser, ThreadID: threadID})))

	req := p.LastRequest()
	require.Len(t, req.History, 2)
	assert.Equal(t, store.RoleUser, req.History[0].Role)
	assert.Equal(t, "second", req.History[0].Content)
}

func TestFollowUpAfterEmptyReply(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{}, {fragments: []string{"real answer"}}}}
	rig := newRig(t, p, OrchestratorConfig{})
	ctx := context.Background()

	first := requireWellFormed(t, collect(rig.orch.Handle(ctx, InferenceRequest{Prompt: "hello?", User: teamUser})))
	require.Equal(t, EventDone, first.Type)
	threadID := first.Content.(DoneContent).ThreadID

	second := requireWellFormed(t, collect(rig.orch.Handle(ctx, InferenceRequest{Prompt: "still there?", User: teamUser, ThreadID: threadID})))
	require.Equal(t, EventDone, second.Type)

	req := p.LastRequest()
	require.Len(t, req.History, 2)
	assert.Empty(t, geminiHistory(req.History))
	msgs := openAIMessages(req)
	require.Len(t, msgs, 1)
	assert.Equal(t, "still there?", msgs[0].Content)

	stored, err := rig.store.ListMessages(ctx, threadID)
	require.NoError(t, err)
	assert.Len(t, stored, 4)
}

func TestUnusableThreadIDFallsBackToNewThread(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{fragments: []string{"ok"}}}}
	rig := newRig(t, p, OrchestratorConfig{})
	ctx := context.Background()

	foreign, err := rig.store.CreateThread(ctx, store.User{ID: "u2", Username: "other"})
	require.NoError(t, err)

	for _, threadID := range []string{"does-not-exist", foreign.ID, "", "null"} {
		last := requireWellFormed(t, collect(rig.orch.Handle(ctx, InferenceRequest{Prompt: "hi", User: teamUser, ThreadID: threadID})))
		require.Equal(t, EventDone, last.Type)
		got := last.Content.(DoneContent).ThreadID
		assert.NotEqual(t, threadID, got)
		assert.Empty(t, p.LastRequest().History)
	}

	foreignMsgs, err := rig.store.ListMessages(ctx, foreign.ID)
	require.NoError(t, err)
	assert.Empty(t, foreignMsgs)

	threads, err := rig.store.ListThreadsByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, threads, 4)
}

func TestRetriesOnceBeforeFirstFragment(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{
		{openErr: errors.New("connection reset")},
		{fragments: []string{"recovered"}},
	}}
	rig := newRig(t, p, OrchestratorConfig{RetryDelay: time.Millisecond})

	events := collect(rig.orch.Handle(context.Background(), InferenceRequest{Prompt: "hi", User: teamUser}))

	last := requireWellFormed(t, events)
	assert.Equal(t, EventDone, last.Type)
	assert.Equal(t, []string{"recovered"}, chunks(events))
	assert.Equal(t, 2, p.Calls())
}

func TestRetriesWhenStreamFailsBeforeFirstFragment(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{
		{failErr: errors.New("upstream 503")},
		{fragments: []string{"fine"}},
	}}
	rig := newRig(t, p, OrchestratorConfig{})

	last := requireWellFormed(t, collect(rig.orch.Handle(context.Background(), InferenceRequest{Prompt: "hi", User: teamUser})))
	assert.Equal(t, EventDone, last.Type)
	assert.Equal(t, 2, p.Calls())
}

func TestGivesUpAfterSecondFailure(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{openErr: errors.New("upstream down")}}}
	rig := newRig(t, p, OrchestratorConfig{})

	events := collect(rig.orch.Handle(context.Background(), InferenceRequest{Prompt: "hi", User: teamUser}))

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Contains(t, events[0].Content, "upstream down")
	assert.Equal(t, 2, p.Calls())
}

func TestNoRetryAfterFirstFragment(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{
		{fragments: []string{"half an "}, failErr: errors.New("stream reset")},
		{fragments: []string{"should not be used"}},
	}}
	rig := newRig(t, p, OrchestratorConfig{})
	ctx := context.Background()

	events := collect(rig.orch.Handle(ctx, InferenceRequest{Prompt: "hi", User: teamUser}))

	last := requireWellFormed(t, events)
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, []string{"half an "}, chunks(events))
	assert.Equal(t, 1, p.Calls())

	threads, err := rig.store.ListThreadsByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, threads, "a thread without messages is not listed")
}

func TestFirstFragmentTimeout(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{block: true}}}
	rig := newRig(t, p, OrchestratorConfig{FirstFragmentTimeout: 50 * time.Millisecond, RetryDelay: time.Millisecond})

	start := time.Now()
	events := collect(rig.orch.Handle(context.Background(), InferenceRequest{Prompt: "hi", User: teamUser}))

	require.Len(t, events, 1)
	assert.Equal(t, ErrorEvent("The AI provider did not respond in time"), events[0])
	assert.Equal(t, 1, p.Calls())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFirstFragmentTimeoutDoesNotCutLongStreams(t *testing.T) {
	p := &slowProvider{fragments: []string{"a", "b", "c"}, gap: 30 * time.Millisecond}
	rig := newRig(t, p, OrchestratorConfig{FirstFragmentTimeout: 50 * time.Millisecond})

	events := collect(rig.orch.Handle(context.Background(), InferenceRequest{Prompt: "hi", User: teamUser}))

	last := requireWellFormed(t, events)
	assert.Equal(t, EventDone, last.Type)
	assert.Equal(t, []string{"a", "b", "c"}, chunks(events))
}

func TestEmptyResponseCompletes(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{}}}
	rig := newRig(t, p, OrchestratorConfig{})
	ctx := context.Background()

	events := collect(rig.orch.Handle(ctx, InferenceRequest{Prompt: "hi", User: teamUser}))

	require.Len(t, events, 1)
	require.Equal(t, EventDone, events[0].Type)
	msgs, err := rig.store.ListMessages(ctx, events[0].Content.(DoneContent).ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "", msgs[1].Content)
}

func TestAttachmentsReachProviderAndArePersisted(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{fragments: []string{"read it"}}}}
	rig := newRig(t, p, OrchestratorConfig{})
	ctx := context.Background()

	upload := Upload{
		Filename:    "brief.txt",
		ContentType: "text/plain; charset=utf-8",
		Size:        11,
		Open:        func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader("brief notes")), nil },
	}
	last := requireWellFormed(t, collect(rig.orch.Handle(ctx, InferenceRequest{Prompt: "read", User: teamUser, Files: []Upload{upload}})))
	require.Equal(t, EventDone, last.Type)

	req := p.LastRequest()
	require.Len(t, req.Attachments, 1)
	assert.Equal(t, "brief.txt", req.Attachments[0].Filename)
	assert.Equal(t, "text/plain", req.Attachments[0].ContentType)
	assert.Equal(t, "brief notes", string(req.Attachments[0].Data))

	msgs, err := rig.store.ListMessages(ctx, last.Content.(DoneContent).ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs[0].Attachments, 1)
	assert.Equal(t, int64(11), msgs[0].Attachments[0].Size)
	assert.Equal(t, 1, rig.stager.Len())
}

func TestFailedStreamReleasesAttachments(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{openErr: errors.New("down")}}}
	rig := newRig(t, p, OrchestratorConfig{})

	upload := Upload{
		Filename:    "brief.txt",
		ContentType: "text/plain",
		Size:        5,
		Open:        func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader("brief")), nil },
	}
	last := requireWellFormed(t, collect(rig.orch.Handle(context.Background(), InferenceRequest{Prompt: "read", User: teamUser, Files: []Upload{upload}})))

	assert.Equal(t, EventError, last.Type)
	assert.Zero(t, rig.stager.Len())
}

func TestAbortReleasesAttachments(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{}}}
	rig := newRig(t, p, OrchestratorConfig{})

	x, err := rig.orch.Prepare(context.Background(), InferenceRequest{Prompt: "read", User: teamUser, Files: []Upload{{
		Filename:    "a.txt",
		ContentType: "text/plain",
		Size:        1,
		Open:        func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader("a")), nil },
	}}})
	require.NoError(t, err)
	require.Equal(t, 1, rig.stager.Len())

	x.Abort()
	assert.Zero(t, rig.stager.Len())
	assert.Zero(t, p.Calls())

	events := collect(x.Events(context.Background()))
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
}

func TestExchangeIsSingleUse(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{fragments: []string{"once"}}}}
	rig := newRig(t, p, OrchestratorConfig{})
	ctx := context.Background()

	x, err := rig.orch.Prepare(ctx, InferenceRequest{Prompt: "hi", User: teamUser})
	require.NoError(t, err)

	first := collect(x.Events(ctx))
	assert.Equal(t, EventDone, requireWellFormed(t, first).Type)

	second := collect(x.Events(ctx))
	require.Len(t, second, 1)
	assert.Equal(t, ErrorEvent(errExchangeUsed.Error()), second[0])
	assert.Equal(t, 1, p.Calls())
}

func TestConcurrentRequestsOnOneThreadStayPaired(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{fragments: []string{"a", "b"}}}}
	rig := newRig(t, p, OrchestratorConfig{})
	ctx := context.Background()

	first := requireWellFormed(t, collect(rig.orch.Handle(ctx, InferenceRequest{Prompt: "start", User: teamUser})))
	threadID := first.Content.(DoneContent).ThreadID

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events := collect(rig.orch.Handle(ctx, InferenceRequest{Prompt: "again", User: teamUser, ThreadID: threadID}))
			assert.Equal(t, EventDone, events[len(events)-1].Type)
		}()
	}
	wg.Wait()

	msgs, err := rig.store.ListMessages(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, msgs, 14)
	for i := 0; i < len(msgs); i += 2 {
		assert.Equal(t, store.RoleUser, msgs[i].Role)
		assert.Equal(t, store.RoleAssistant, msgs[i+1].Role)
		assert.Equal(t, "ab", msgs[i+1].Content)
	}
	assert.Zero(t, rig.orch.locks.size())
}

func TestTerminalEventIsAlwaysLast(t *testing.T) {
	scripts := [][]scriptedAttempt{
		{{fragments: []string{"a", "b", "c"}}},
		{{fragments: []string{"a"}, failErr: errors.New("boom")}},
		{{openErr: errors.New("x")}, {fragments: []string{"y"}}},
		{{openErr: errors.New("x")}},
		{{}},
	}
	for i, script := range scripts {
		p := &scriptedProvider{attempts: script}
		rig := newRig(t, p, OrchestratorConfig{})
		events := collect(rig.orch.Handle(context.Background(), InferenceRequest{Prompt: "hi", User: teamUser}))

		terminals := 0
		for _, ev := range events {
			if ev.Terminal() {
				terminals++
			}
		}
		assert.Equal(t, 1, terminals, "script %d", i)
		assert.True(t, events[len(events)-1].Terminal(), "script %d", i)
	}
}

func TestTitleGeneratedForNewThread(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{fragments: []string{"ok"}}}}
	rig := newRig(t, p, OrchestratorConfig{})
	titles := NewTitleGenerator(&EchoProvider{}, rig.store, zerolog.Nop())
	rig.orch.titles = titles
	ctx := context.Background()

	last := requireWellFormed(t, collect(rig.orch.Handle(ctx, InferenceRequest{Prompt: "Market trends", User: teamUser})))
	titles.Wait()

	thread, err := rig.store.GetThread(ctx, last.Content.(DoneContent).ThreadID)
	require.NoError(t, err)
	require.NotNil(t, thread.Title)
	assert.NotEmpty(t, *thread.Title)
}

type slowProvider struct {
	fragments []string
	gap       time.Duration
}

func (p *slowProvider) Name() string { return "slow" }

func (p *slowProvider) Stream(ctx context.Context, _ ProviderRequest) (Stream, error) {
	return &echoStream{ctx: ctx, words: append([]string(nil), p.fragments...), delay: p.gap}, nil
}
