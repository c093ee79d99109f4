package queue

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"contact-center/internal/agents"
	"contact-center/internal/audit"
	"contact-center/internal/routing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *Service
	repo   *MemoryRepo
	dir    *agents.MemoryDirectory
	audits *audit.MemoryRepo
	now    *time.Time
}

func newFixture(t *testing.T, agentList ...agents.Agent) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := agents.NewMemoryDirectory(nil)
	for _, a := range agentList {
		require.NoError(t, dir.Upsert(ctx, a))
	}
	rules := routing.NewMemoryStore(routing.Rule{
		ID:       "sales-least-busy",
		TeamID:   "sales",
		Priority: 1,
		Strategy: routing.StrategyLeastBusy,
		Targets:  []routing.Target{{ID: "team", Type: routing.TargetTeam, Ref: "sales"}},
	})
	now := t0
	engine := routing.NewEngine(rules, dir, routing.NewMemoryCursor(), rand.New(rand.NewSource(7)))
	engine.Now = func() time.Time { return now }

	repo := NewMemoryRepo()
	audits := audit.NewMemoryRepo()
	svc := NewService(repo, engine, dir, audit.NewService(audits), Options{})
	svc.clock = func() time.Time { return now }
	return &fixture{svc: svc, repo: repo, dir: dir, audits: audits, now: &now}
}

func (f *fixture) advance(d time.Duration) { *f.now = f.now.Add(d) }

func agent(id string, limit int) agents.Agent {
	return agents.Agent{ID: id, TeamID: "sales", Skills: []string{"billing"}, Languages: []string{"en"}, MaxConcurrentCalls: limit, Available: true}
}

func TestEnqueueValidatesAndRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, EnqueueRequest{TeamID: "sales"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	e, err := f.svc.Enqueue(ctx, EnqueueRequest{CallID: "c1", TeamID: "sales"})
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, e.Status)
	assert.Equal(t, "inbound", e.Direction)

	_, err = f.svc.Enqueue(ctx, EnqueueRequest{CallID: "c1", TeamID: "sales"})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestUpdateQueuePositionsOrdersAndIsIdempotent(t *testing.T) {
	f := newFixture(t, agent("a1", 1))
	ctx := context.Background()

	low, _ := f.svc.Enqueue(ctx, EnqueueRequest{CallID: "low", TeamID: "sales", Priority: 0})
	f.advance(time.Second)
	high, _ := f.svc.Enqueue(ctx, EnqueueRequest{CallID: "high", TeamID: "sales", Priority: 5})
	f.advance(time.Second)
	low2, _ := f.svc.Enqueue(ctx, EnqueueRequest{CallID: "low2", TeamID: "sales", Priority: 0})
	other, _ := f.svc.Enqueue(ctx, EnqueueRequest{CallID: "other", TeamID: "support"})

	first, err := f.svc.UpdateQueuePositions(ctx, "")
	require.NoError(t, err)
	second, err := f.svc.UpdateQueuePositions(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	pos := func(id string) int {
		e, err := f.repo.Get(ctx, id)
		require.NoError(t, err)
		return e.Position
	}
	assert.Equal(t, 1, pos(high.ID))
	assert.Equal(t, 2, pos(low.ID))
	assert.Equal(t, 3, pos(low2.ID))
	assert.Equal(t, 1, pos(other.ID))

	// Default handle time 3m, one agent: third in line waits two handle times.
	e, _ := f.repo.Get(ctx, low2.ID)
	assert.Equal(t, 360, e.EstimatedWaitSeconds)
}

func TestRouteCallAssignsAgentAndLogs(t *testing.T) {
	f := newFixture(t, agent("a1", 1))
	ctx := context.Background()

	e, err := f.svc.Enqueue(ctx, EnqueueRequest{CallID: "c1", TeamID: "sales"})
	require.NoError(t, err)

	var hooked atomic.Int32
	f.svc.SetOnAssigned(func(_ context.Context, got Entry, res RouteResult) {
		hooked.Add(1)
		assert.Equal(t, "a1", got.AgentID)
	})

	res, err := f.svc.RouteCall(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "sales-least-busy", res.RuleUsed)
	assert.Equal(t, routing.StrategyLeastBusy, res.Strategy)
	assert.Equal(t, "a1", res.AgentID)
	assert.Equal(t, int32(1), hooked.Load())

	active, _ := f.dir.Slots().Active(ctx, "a1")
	assert.Equal(t, 1, active)

	logs, _ := f.audits.List(ctx, audit.LogFilter{CallID: "c1"})
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
	assert.Equal(t, "agent", logs[0].TargetType)
	assert.Equal(t, 1, logs[0].Attempt)

	_, err = f.svc.RouteCall(ctx, e.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	f.advance(10 * time.Second)
	_, err = f.svc.MarkAnswered(ctx, e.ID)
	require.NoError(t, err)
	f.advance(2 * time.Minute)
	done, err := f.svc.MarkCompleted(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, done.HandleTime())

	active, _ = f.dir.Slots().Active(ctx, "a1")
	assert.Zero(t, active)
	a, _ := f.dir.Get(ctx, "a1")
	assert.Equal(t, *f.now, a.LastCallEndedAt)
}

func TestRouteCallNoMatchKeepsEntryWaiting(t *testing.T) {
	f := newFixture(t) // no agents
	ctx := context.Background()

	e, _ := f.svc.Enqueue(ctx, EnqueueRequest{CallID: "c1", TeamID: "sales"})
	res, err := f.svc.RouteCall(ctx, e.ID)
	require.ErrorIs(t, err, routing.ErrNoMatch)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)

	got, _ := f.repo.Get(ctx, e.ID)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.False(t, got.Retry.Allowed(*f.now))

	logs, _ := f.audits.List(ctx, audit.LogFilter{CallID: "c1"})
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.NotEmpty(t, logs[0].Error)
}

func TestConcurrentRoutingNeverOverfillsAgents(t *testing.T) {
	f := newFixture(t, agent("a1", 1), agent("a2", 1))
	ctx := context.Background()

	var ids []string
	for _, c := range []string{"c1", "c2", "c3", "c4", "c5", "c6"} {
		e, err := f.svc.Enqueue(ctx, EnqueueRequest{CallID: c, TeamID: "sales"})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		by = map[string]int{}
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := f.svc.RouteCall(ctx, id)
			if err != nil {
				return
			}
			mu.Lock()
			by[res.AgentID]++
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	assert.Equal(t, map[string]int{"a1": 1, "a2": 1}, by)
	logs, _ := f.audits.List(ctx, audit.LogFilter{})
	assert.Len(t, logs, 6, "one routing log per attempt")
}

func TestAbandonReleasesSlotAndRequeue(t *testing.T) {
	f := newFixture(t, agent("a1", 1))
	ctx := context.Background()

	e, _ := f.svc.Enqueue(ctx, EnqueueRequest{CallID: "c1", TeamID: "sales"})
	_, err := f.svc.RouteCall(ctx, e.ID)
	require.NoError(t, err)

	back, err := f.svc.Requeue(ctx, e.ID, "transfer failed")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, back.Status)
	assert.Empty(t, back.AgentID)
	active, _ := f.dir.Slots().Active(ctx, "a1")
	assert.Zero(t, active)

	logs, _ := f.audits.List(ctx, audit.LogFilter{CallID: "c1"})
	require.Len(t, logs, 2)
	assert.True(t, logs[0].Success)
	assert.False(t, logs[1].Success)
	assert.Equal(t, "a1", logs[1].TargetRef)
	assert.Equal(t, "transfer failed", logs[1].Error)

	f.advance(time.Minute)
	_, err = f.svc.RouteCall(ctx, e.ID)
	require.NoError(t, err)
	ab, err := f.svc.MarkAbandoned(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, ab.Status)
	active, _ = f.dir.Slots().Active(ctx, "a1")
	assert.Zero(t, active)

	_, err = f.svc.MarkAnswered(ctx, e.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestEstimatedWaitUsesHandleTimeHistory(t *testing.T) {
	f := newFixture(t, agent("a1", 1), agent("a2", 1))
	ctx := context.Background()

	// One finished call with a 4 minute handle time inside the window.
	past := Entry{ID: "old", CallID: "old", TeamID: "sales", Status: StatusCompleted,
		EnqueuedAt: t0.Add(-30 * time.Minute), AnsweredAt: t0.Add(-29 * time.Minute), CompletedAt: t0.Add(-25 * time.Minute)}
	require.NoError(t, f.repo.Create(ctx, past))

	var last Entry
	for _, c := range []string{"c1", "c2", "c3"} {
		f.advance(time.Second)
		last, _ = f.svc.Enqueue(ctx, EnqueueRequest{CallID: c, TeamID: "sales", Skills: []string{"billing"}})
	}
	est, err := f.svc.EstimatedWait(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, est.Position)
	assert.Equal(t, 2, est.AvailableAgents)
	assert.Equal(t, 240, est.AverageHandleSeconds)
	assert.Equal(t, 240, est.EstimatedWaitSeconds) // (3-1) * 4m / 2
}

func TestEstimateWaitFormula(t *testing.T) {
	assert.Zero(t, EstimateWait(1, time.Minute, 0))
	assert.Equal(t, 2*time.Minute, EstimateWait(3, time.Minute, 0))
	assert.Equal(t, time.Minute, EstimateWait(3, time.Minute, 2))
	assert.Zero(t, EstimateWait(5, -time.Minute, 1))
}

func TestRunPassHonorsBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, _ := f.svc.Enqueue(ctx, EnqueueRequest{CallID: "c1", TeamID: "sales"})
	n, err := f.svc.RunPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Inside the backoff window the entry is skipped entirely.
	require.NoError(t, f.dir.Upsert(ctx, agent("a1", 1)))
	n, err = f.svc.RunPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, _ := f.repo.Get(ctx, e.ID)
	assert.Equal(t, 1, got.Attempts)

	f.advance(time.Minute)
	n, err = f.svc.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ = f.repo.Get(ctx, e.ID)
	assert.Equal(t, StatusAssigned, got.Status)
}

func TestReassignMovesEntryToOtherTeam(t *testing.T) {
	f := newFixture(t, agent("a1", 1))
	ctx := context.Background()

	e, _ := f.svc.Enqueue(ctx, EnqueueRequest{CallID: "c1", TeamID: "sales"})
	_, err := f.svc.RouteCall(ctx, e.ID)
	require.NoError(t, err)

	f.advance(10 * time.Second)
	moved, err := f.svc.Reassign(ctx, e.ID, "billing")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, moved.Status)
	assert.Equal(t, "billing", moved.TeamID)
	assert.Equal(t, e.EnqueuedAt, moved.EnqueuedAt)
	assert.Empty(t, moved.AgentID)
	active, _ := f.dir.Slots().Active(ctx, "a1")
	assert.Zero(t, active)

	_, err = f.svc.Reassign(ctx, e.ID, "billing")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.Reassign(ctx, e.ID, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
