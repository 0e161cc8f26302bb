package queue

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cheatcode/arbiter/internal/arbiter"
	"github.com/cheatcode/arbiter/internal/dispatch/dispatchtest"
	"github.com/cheatcode/arbiter/internal/domain"
	"github.com/cheatcode/arbiter/internal/metrics"
	"github.com/cheatcode/arbiter/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	repo    *store.SQLiteStore
	engine  *arbiter.Engine
	trigger *dispatchtest.Recorder
	clock   *clock
}

func newFixture(t *testing.T, opts ...arbiter.Option) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "arbiter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	f := &fixture{
		repo:    repo,
		trigger: &dispatchtest.Recorder{},
		clock:   &clock{t: time.Date(2026, 4, 6, 8, 0, 0, 0, time.UTC)},
	}
	opts = append([]arbiter.Option{arbiter.WithClock(f.clock.Now)}, opts...)
	f.engine = arbiter.New(repo, nil, f.trigger, opts...)
	return f
}

func (f *fixture) processor() *Processor {
	return NewProcessor(f.repo, f.engine, Config{}, metrics.New(), nil)
}

func (f *fixture) seed(t *testing.T, contactID string, types ...domain.AgentTypeID) []*domain.ProductAgent {
	t.Helper()
	ctx := context.Background()
	_, err := f.engine.UpsertContact(ctx, &domain.Contact{ContactID: contactID})
	require.NoError(t, err)

	agents := make([]*domain.ProductAgent, 0, len(types))
	for _, typ := range types {
		res, err := f.engine.AssignAgent(ctx, arbiter.AssignRequest{ContactID: contactID, ProductType: typ})
		require.NoError(t, err)
		agents = append(agents, res.Agent)
		f.clock.Advance(time.Minute)
	}
	return agents
}

func TestSweep_PromotesStaleHeadOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	agents := f.seed(t, "c1", domain.AgentTypeSales, domain.AgentTypeWebinar, domain.AgentTypeLeadNurture)
	f.clock.Advance(49 * time.Hour)
	p := f.processor()

	res, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Dequeued: 1}, res)

	st, err := f.repo.GetConversationState(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, agents[1].ID, *st.ActiveAgentID)
	assert.Equal(t, []domain.QueueEntry{{AgentID: agents[2].ID, MessageType: domain.MessageTypeIntroduction}}, st.AgentQueue)

	calls := f.trigger.CallsFor("c1")
	last := calls[len(calls)-1]
	assert.Equal(t, agents[1].ID, last.AgentID)
	assert.Equal(t, true, last.TriggerContext["dequeued"])

	res, err = p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, res)

	again, err := f.repo.GetConversationState(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, st.Version, again.Version)
	assert.Len(t, f.trigger.CallsFor("c1"), len(calls))
}

func TestSweep_SkipsContactsWithEmptyQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "idle", domain.AgentTypeSales)
	f.clock.Advance(200 * time.Hour)
	before := len(f.trigger.Calls())

	res, err := f.processor().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Len(t, f.trigger.Calls(), before)
}

func TestSweep_DispatchFailureDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, id := range []string{"c1", "c2", "c3"} {
		f.seed(t, id, domain.AgentTypeSales, domain.AgentTypeWebinar)
	}
	f.clock.Advance(49 * time.Hour)
	f.trigger.FailFor = map[string]error{"c2": errors.New("carrier rejected")}

	res, err := f.processor().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 3, Dequeued: 3, Failed: 1}, res)

	// The failed contact's promotion still stands.
	st, err := f.repo.GetConversationState(ctx, "c2")
	require.NoError(t, err)
	assert.Empty(t, st.AgentQueue)
}

func TestSweep_DispatchTimeoutCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, arbiter.WithDispatchTimeout(50*time.Millisecond))
	f.seed(t, "c1", domain.AgentTypeSales, domain.AgentTypeWebinar)
	f.clock.Advance(49 * time.Hour)

	f.trigger.Block = make(chan struct{})
	defer close(f.trigger.Block)

	start := time.Now()
	res, err := f.processor().Sweep(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, Result{Processed: 1, Dequeued: 1, Failed: 1}, res)
}

type stubLister struct {
	states []*domain.ConversationState
	calls  atomic.Int32
	err    error
}

func (s *stubLister) ListQueuedConversationStates(context.Context) ([]*domain.ConversationState, error) {
	s.calls.Add(1)
	return s.states, s.err
}

type stubPromoter struct {
	fail    map[string]error
	block   chan struct{}
	started chan struct{}
}

func (s *stubPromoter) PromoteQueueHead(ctx context.Context, contactID string, _ time.Duration) (*arbiter.Promotion, error) {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	if err := s.fail[contactID]; err != nil {
		return nil, err
	}
	return &arbiter.Promotion{Stale: true, Agent: &domain.ProductAgent{ID: "a-" + contactID}}, nil
}

func queued(ids ...string) []*domain.ConversationState {
	out := make([]*domain.ConversationState, 0, len(ids))
	for _, id := range ids {
		st := domain.NewConversationState(id, time.Now())
		st.AgentQueue = []domain.QueueEntry{{AgentID: "q-" + id, MessageType: domain.MessageTypeQueued}}
		out = append(out, st)
	}
	return out
}

func TestSweep_ErrorForOneContactIsIsolated(t *testing.T) {
	lister := &stubLister{states: queued("a", "b", "c", "d")}
	promoter := &stubPromoter{fail: map[string]error{"b": errors.New("database is locked")}}
	p := NewProcessor(lister, promoter, Config{Concurrency: 2}, nil, nil)

	res, err := p.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 4, Dequeued: 3, Failed: 1}, res)
}

func TestSweep_ListFailure(t *testing.T) {
	p := NewProcessor(&stubLister{err: errors.New("connection refused")}, &stubPromoter{}, Config{}, nil, nil)
	_, err := p.Sweep(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestSweep_RejectsOverlappingRuns(t *testing.T) {
	promoter := &stubPromoter{block: make(chan struct{}), started: make(chan struct{}, 1)}
	p := NewProcessor(&stubLister{states: queued("a")}, promoter, Config{}, nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Sweep(context.Background())
	}()
	<-promoter.started

	_, err := p.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrSweepInProgress)

	close(promoter.block)
	<-done
}

func TestStartWorker_SweepsUntilCancelled(t *testing.T) {
	lister := &stubLister{}
	p := NewProcessor(lister, &stubPromoter{}, Config{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	StartWorker(ctx, p, 10*time.Millisecond)

	require.Eventually(t, func() bool { return lister.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	time.Sleep(50 * time.Millisecond)
	settled := lister.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, lister.calls.Load())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStartWorker_SkippedTickUsesProcessorLogger(t *testing.T) {
	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	promoter := &stubPromoter{block: make(chan struct{}), started: make(chan struct{}, 1)}
	p := NewProcessor(&stubLister{states: queued("a")}, promoter, Config{}, nil, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Sweep(context.Background())
	}()
	<-promoter.started

	ctx, cancel := context.WithCancel(context.Background())
	StartWorker(ctx, p, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "skipped tick")
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	close(promoter.block)
	<-done
}
