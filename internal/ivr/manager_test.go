package ivr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contact-center/internal/routing"
	"contact-center/internal/telephony"
)

type fixture struct {
	now      time.Time
	flows    *MemoryFlowStore
	sessions *MemorySessionRepo
	engine   *Engine
	mgr      *Manager
}

func newFixture(t *testing.T, opts ManagerOptions, flows ...Flow) *fixture {
	t.Helper()
	f := &fixture{
		now:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		flows:    NewMemoryFlowStore(),
		sessions: NewMemorySessionRepo(),
	}
	f.flows.clock = func() time.Time { return f.now }
	f.engine = NewEngine(nil)
	f.engine.Now = func() time.Time { return f.now }
	f.mgr = NewManager(f.flows, f.sessions, f.engine, opts)
	for _, fl := range flows {
		_, err := f.flows.Publish(context.Background(), fl)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) tick(d time.Duration) { f.now = f.now.Add(d) }

// input answers whatever prompt the call is currently on.
func (f *fixture) input(ctx context.Context, callID string, in Input) (Result, error) {
	if s, err := f.mgr.Get(ctx, callID); err == nil {
		in.Seq = s.Seq
	}
	return f.mgr.HandleInput(ctx, callID, in)
}

func TestStartSessionReturnsFirstPrompt(t *testing.T) {
	f := newFixture(t, ManagerOptions{}, abcFlow(0))
	ctx := context.Background()

	s, res, err := f.mgr.StartSession(ctx, "main", "call-1", "+15550001", "en")
	require.NoError(t, err)
	assert.Equal(t, "A", s.CurrentNode)
	assert.Equal(t, 1, s.FlowVersion)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, KindStart, res.Kind)
	require.Len(t, res.Actions, 1)

	gather := res.Actions[0]
	assert.Equal(t, telephony.ActionGather, gather.Type)
	assert.Equal(t, "Press 1 for sales", gather.Text)
	assert.Equal(t, 1, gather.MaxDigits)
	assert.Equal(t, 5*time.Second, gather.Timeout)
	assert.Equal(t, "1", gather.Params["seq"])
	assert.Equal(t, 1, f.mgr.Active())

	_, _, err = f.mgr.StartSession(ctx, "main", "call-1", "", "")
	assert.ErrorIs(t, err, ErrExecution)

	_, _, err = f.mgr.StartSession(ctx, "missing", "call-2", "", "")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestMatchingDigitTransitions(t *testing.T) {
	f := newFixture(t, ManagerOptions{}, abcFlow(0))
	ctx := context.Background()
	_, _, err := f.mgr.StartSession(ctx, "main", "call-1", "", "en")
	require.NoError(t, err)

	f.tick(4 * time.Second)
	res, err := f.input(ctx, "call-1", Input{Raw: "1", Type: InputDTMF})
	require.NoError(t, err)
	assert.Equal(t, "B", res.NodeID)
	assert.Equal(t, KindMatch, res.Kind)
	assert.True(t, res.Ended)
	assert.Equal(t, ExitCompleted, res.ExitReason)
	require.Len(t, res.Actions, 2)
	assert.Equal(t, telephony.ActionPlay, res.Actions[0].Type)
	assert.Equal(t, "Goodbye from B", res.Actions[0].Text)
	assert.Equal(t, telephony.ActionHangup, res.Actions[1].Type)

	s, err := f.sessions.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, "B", s.ExitNode)
	assert.Equal(t, f.now, s.EndedAt)
	require.Len(t, s.History, 1)
	assert.True(t, s.History[0].Matched)
	assert.Equal(t, 0, f.mgr.Active())
}

func TestUnmatchedDigitWithNoRetriesFollowsDefault(t *testing.T) {
	f := newFixture(t, ManagerOptions{}, abcFlow(0))
	ctx := context.Background()
	_, _, err := f.mgr.StartSession(ctx, "main", "call-1", "", "en")
	require.NoError(t, err)

	res, err := f.input(ctx, "call-1", Input{Raw: "9", Type: InputDTMF})
	require.NoError(t, err)
	assert.Equal(t, "C", res.NodeID)
	assert.Equal(t, KindDefault, res.Kind)
	assert.True(t, res.Ended)
}

func TestInputAfterHangupIsExecutionError(t *testing.T) {
	f := newFixture(t, ManagerOptions{}, abcFlow(0))
	ctx := context.Background()
	_, _, err := f.mgr.StartSession(ctx, "main", "call-1", "", "en")
	require.NoError(t, err)
	_, err = f.input(ctx, "call-1", Input{Raw: "1"})
	require.NoError(t, err)

	_, err = f.input(ctx, "call-1", Input{Raw: "1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecution)
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "call-1", execErr.CallID)

	_, err = f.input(ctx, "never-started", Input{Raw: "1"})
	assert.ErrorIs(t, err, ErrExecution)
}

func TestRetriesRepromptThenDefault(t *testing.T) {
	f := newFixture(t, ManagerOptions{}, abcFlow(2))
	ctx := context.Background()
	_, _, err := f.mgr.StartSession(ctx, "main", "call-1", "", "en")
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		res, err := f.input(ctx, "call-1", Input{Raw: "7"})
		require.NoError(t, err)
		assert.Equal(t, KindRetry, res.Kind)
		assert.Equal(t, "A", res.NodeID)
		require.Len(t, res.Actions, 1)
		assert.Equal(t, "Sorry, press 1", res.Actions[0].Text)

		s, err := f.mgr.Get(ctx, "call-1")
		require.NoError(t, err)
		assert.Equal(t, i, s.Retries["A"])
	}

	res, err := f.input(ctx, "call-1", Input{Raw: "7"})
	require.NoError(t, err)
	assert.Equal(t, "C", res.NodeID)
	assert.True(t, res.Ended)
}

func TestMatchResetsRetryCounter(t *testing.T) {
	flow := Flow{
		ID: "two-step",
		Nodes: []Node{
			{ID: "A", Type: NodeMenu, Start: true, MaxRetries: 3},
			{ID: "B", Type: NodeMenu, MaxRetries: 3},
			{ID: "H", Type: NodeHangup},
		},
		Edges: []Edge{
			{From: "A", On: "1", To: "B"},
			{From: "A", On: EdgeDefault, To: "H"},
			{From: "B", On: "0", To: "A"},
			{From: "B", On: EdgeDefault, To: "H"},
		},
	}
	f := newFixture(t, ManagerOptions{}, flow)
	ctx := context.Background()
	_, _, err := f.mgr.StartSession(ctx, "two-step", "call-1", "", "")
	require.NoError(t, err)

	_, err = f.input(ctx, "call-1", Input{Raw: "5"})
	require.NoError(t, err)
	_, err = f.input(ctx, "call-1", Input{Raw: "1"})
	require.NoError(t, err)
	_, err = f.input(ctx, "call-1", Input{Raw: "0"})
	require.NoError(t, err)

	s, err := f.mgr.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, "A", s.CurrentNode)
	assert.Zero(t, s.Retries["A"])
}

func TestTimeoutPrefersTimeoutEdge(t *testing.T) {
	flow := abcFlow(0)
	flow.Nodes = append(flow.Nodes, Node{ID: "T", Type: NodeVoicemail, Mailbox: "general"})
	flow.Edges = append(flow.Edges, Edge{From: "A", On: EdgeTimeout, To: "T"})
	f := newFixture(t, ManagerOptions{}, flow)
	ctx := context.Background()

	_, start, err := f.mgr.StartSession(ctx, "main", "call-1", "", "")
	require.NoError(t, err)
	res, err := f.mgr.HandleTimeout(ctx, "call-1", start.Seq)
	require.NoError(t, err)
	assert.Equal(t, "T", res.NodeID)
	assert.True(t, res.Ended)
	assert.Equal(t, "voicemail:general", res.TransferTo)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, telephony.ActionRecord, res.Actions[0].Type)

	_, err = f.mgr.HandleTimeout(ctx, "call-1", start.Seq)
	assert.ErrorIs(t, err, ErrStale)
}

func TestStaleInputLeavesSessionUntouched(t *testing.T) {
	f := newFixture(t, ManagerOptions{}, abcFlow(1))
	ctx := context.Background()
	_, start, err := f.mgr.StartSession(ctx, "main", "call-1", "", "")
	require.NoError(t, err)

	_, err = f.mgr.HandleInput(ctx, "call-1", Input{Raw: "1", Seq: start.Seq + 5})
	assert.ErrorIs(t, err, ErrStale)
	assert.ErrorIs(t, err, ErrExecution)

	s, err := f.mgr.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, start.Seq, s.Seq)
	assert.Empty(t, s.History)
}

func TestConcurrentInputAndTimeoutApplyOnce(t *testing.T) {
	flow := Flow{
		ID: "race",
		Nodes: []Node{
			{ID: "A", Type: NodeMenu, Start: true},
			{ID: "B", Type: NodeMenu},
			{ID: "H", Type: NodeHangup},
		},
		Edges: []Edge{
			{From: "A", On: "1", To: "B"},
			{From: "A", On: EdgeDefault, To: "B"},
			{From: "B", On: EdgeDefault, To: "H"},
		},
	}
	f := newFixture(t, ManagerOptions{}, flow)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		callID := "call-" + string(rune('a'+i))
		_, start, err := f.mgr.StartSession(ctx, "race", callID, "", "")
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = f.mgr.HandleInput(ctx, callID, Input{Raw: "1", Seq: start.Seq})
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = f.mgr.HandleTimeout(ctx, callID, start.Seq)
		}()
		wg.Wait()

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			assert.ErrorIs(t, err, ErrStale)
		}
		assert.Equal(t, 1, ok, "exactly one event applies for %s", callID)

		s, err := f.mgr.Get(ctx, callID)
		require.NoError(t, err)
		assert.Equal(t, "B", s.CurrentNode)
		assert.Len(t, s.History, 1)
	}
}

func TestUnsequencedEventsNeverApply(t *testing.T) {
	flow := Flow{
		ID: "race",
		Nodes: []Node{
			{ID: "A", Type: NodeMenu, Start: true},
			{ID: "B", Type: NodeMenu},
			{ID: "H", Type: NodeHangup},
		},
		Edges: []Edge{
			{From: "A", On: "1", To: "B"},
			{From: "A", On: EdgeDefault, To: "B"},
			{From: "B", On: EdgeDefault, To: "H"},
		},
	}
	f := newFixture(t, ManagerOptions{}, flow)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		callID := "call-" + string(rune('a'+i))
		_, start, err := f.mgr.StartSession(ctx, "race", callID, "", "")
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = f.mgr.HandleInput(ctx, callID, Input{Raw: "1"})
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = f.mgr.HandleTimeout(ctx, callID, 0)
		}()
		wg.Wait()

		for _, err := range errs {
			assert.ErrorIs(t, err, ErrStale)
		}
		s, err := f.mgr.Get(ctx, callID)
		require.NoError(t, err)
		assert.Equal(t, "A", s.CurrentNode)
		assert.Equal(t, start.Seq, s.Seq)
		assert.Empty(t, s.History)
	}
}

func TestEndSessionIsIdempotent(t *testing.T) {
	f := newFixture(t, ManagerOptions{}, abcFlow(0))
	ctx := context.Background()
	_, _, err := f.mgr.StartSession(ctx, "main", "call-1", "", "")
	require.NoError(t, err)

	f.tick(30 * time.Second)
	first, err := f.mgr.EndSession(ctx, "call-1", ExitAbandoned, "")
	require.NoError(t, err)
	assert.Equal(t, ExitAbandoned, first.ExitReason)
	assert.Equal(t, "A", first.ExitNode)
	assert.Equal(t, 0, f.mgr.Active())

	f.tick(time.Minute)
	second, err := f.mgr.EndSession(ctx, "call-1", ExitCompleted, "agent:7")
	require.NoError(t, err)
	assert.Equal(t, first.ExitReason, second.ExitReason)
	assert.Equal(t, first.EndedAt, second.EndedAt)
	assert.Empty(t, second.TransferredTo)

	_, err = f.mgr.EndSession(ctx, "call-1", ExitReason("exploded"), "")
	assert.ErrorIs(t, err, ErrExecution)
	_, err = f.mgr.EndSession(ctx, "unknown", ExitCompleted, "")
	assert.ErrorIs(t, err, ErrExecution)

	again, _, err := f.mgr.StartSession(ctx, "main", "call-1", "", "")
	require.NoError(t, err, "an ended call may enter a new flow")
	assert.NotEqual(t, first.ID, again.ID)
}

func TestTransferEndsSessionWithTarget(t *testing.T) {
	flow := Flow{
		ID: "sales",
		Nodes: []Node{
			{ID: "menu", Type: NodeMenu, Start: true, Speech: true},
			{ID: "billing", Type: NodeTransfer, Target: "queue:billing", Text: "Connecting you"},
			{ID: "bye", Type: NodeHangup},
		},
		Edges: []Edge{
			{From: "menu", On: "billing", To: "billing"},
			{From: "menu", On: EdgeDefault, To: "bye"},
		},
	}
	f := newFixture(t, ManagerOptions{}, flow)
	ctx := context.Background()
	_, _, err := f.mgr.StartSession(ctx, "sales", "call-1", "", "")
	require.NoError(t, err)

	res, err := f.input(ctx, "call-1", Input{Raw: "Billing", Type: InputSpeech})
	require.NoError(t, err)
	assert.True(t, res.Ended)
	assert.Equal(t, "queue:billing", res.TransferTo)
	require.Len(t, res.Actions, 2)
	assert.Equal(t, telephony.ActionTransfer, res.Actions[1].Type)
	assert.Equal(t, "queue:billing", res.Actions[1].Target)

	s, err := f.sessions.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, "queue:billing", s.TransferredTo)
	assert.Equal(t, ExitCompleted, s.ExitReason)
}

func TestGatherStoresVariable(t *testing.T) {
	flow := Flow{
		ID: "account",
		Nodes: []Node{
			{ID: "ask", Type: NodeGatherInput, Start: true, Variable: "account", MaxDigits: 4, FinishOnKey: "#"},
			{ID: "confirm", Type: NodePlayPrompt, Text: "You entered {{account}}"},
			{ID: "bye", Type: NodeHangup},
		},
		Edges: []Edge{
			{From: "ask", On: EdgeDefault, To: "confirm"},
			{From: "confirm", On: EdgeDefault, To: "bye"},
		},
	}
	f := newFixture(t, ManagerOptions{}, flow)
	ctx := context.Background()
	_, _, err := f.mgr.StartSession(ctx, "account", "call-1", "", "")
	require.NoError(t, err)

	res, err := f.input(ctx, "call-1", Input{Raw: "1234#"})
	require.NoError(t, err)
	require.Len(t, res.Actions, 2)
	assert.Equal(t, "You entered 1234", res.Actions[0].Text)

	s, err := f.sessions.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, "1234", s.Vars["account"])
}

func TestConditionBranchesOnCallerLanguage(t *testing.T) {
	flow := Flow{
		ID: "lang",
		Nodes: []Node{
			{ID: "check", Type: NodeCondition, Start: true, Conditions: []routing.Condition{
				{Field: "language", Operator: routing.OpEquals, Value: "es"},
			}},
			{ID: "es", Type: NodeHangup, Text: "Hola"},
			{ID: "en", Type: NodeHangup, Text: "Hello"},
		},
		Edges: []Edge{
			{From: "check", On: "true", To: "es"},
			{From: "check", On: EdgeDefault, To: "en"},
		},
	}
	f := newFixture(t, ManagerOptions{}, flow)
	ctx := context.Background()

	_, res, err := f.mgr.StartSession(ctx, "lang", "call-es", "", "es")
	require.NoError(t, err)
	assert.Equal(t, "es", res.NodeID)
	assert.True(t, res.Ended)

	_, res, err = f.mgr.StartSession(ctx, "lang", "call-en", "", "en")
	require.NoError(t, err)
	assert.Equal(t, "en", res.NodeID)
}

type stubExternal struct {
	out string
	err error
}

func (s stubExternal) Call(context.Context, string, Session) (string, error) { return s.out, s.err }

func TestExternalCallSelectsEdge(t *testing.T) {
	flow := Flow{
		ID: "lookup",
		Nodes: []Node{
			{ID: "crm", Type: NodeExternalCall, Start: true, URL: "https://crm.example/tier", Variable: "tier"},
			{ID: "vip", Type: NodeTransfer, Target: "queue:vip"},
			{ID: "std", Type: NodeTransfer, Target: "queue:standard"},
		},
		Edges: []Edge{
			{From: "crm", On: "vip", To: "vip"},
			{From: "crm", On: EdgeDefault, To: "std"},
		},
	}
	f := newFixture(t, ManagerOptions{}, flow)
	ctx := context.Background()

	f.engine.External = stubExternal{out: "vip"}
	s, res, err := f.mgr.StartSession(ctx, "lookup", "call-1", "", "")
	require.NoError(t, err)
	assert.Equal(t, "queue:vip", res.TransferTo)
	assert.Equal(t, "vip", s.Vars["tier"])

	f.engine.External = stubExternal{err: errors.New("crm down")}
	_, res, err = f.mgr.StartSession(ctx, "lookup", "call-2", "", "")
	require.NoError(t, err)
	assert.Equal(t, "queue:standard", res.TransferTo)
}

func TestWatchdogFiresWithPromptSeq(t *testing.T) {
	flow := abcFlow(0)
	flow.Nodes[0].TimeoutSeconds = 1

	type fired struct {
		callID string
		seq    uint64
	}
	ch := make(chan fired, 1)
	f := newFixture(t, ManagerOptions{
		TimeoutGrace: 10 * time.Millisecond,
		OnTimeout:    func(callID string, seq uint64) { ch <- fired{callID, seq} },
	}, flow)
	ctx := context.Background()

	_, start, err := f.mgr.StartSession(ctx, "main", "call-1", "", "")
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, "call-1", got.callID)
		assert.Equal(t, start.Seq, got.seq)
		res, err := f.mgr.HandleTimeout(ctx, got.callID, got.seq)
		require.NoError(t, err)
		assert.Equal(t, "C", res.NodeID)
	case <-time.After(3 * time.Second):
		t.Fatal("watchdog did not fire")
	}
}

func TestEndSessionStopsWatchdog(t *testing.T) {
	flow := abcFlow(0)
	flow.Nodes[0].TimeoutSeconds = 1
	ch := make(chan string, 1)
	f := newFixture(t, ManagerOptions{
		TimeoutGrace: 10 * time.Millisecond,
		OnTimeout:    func(callID string, _ uint64) { ch <- callID },
	}, flow)
	ctx := context.Background()

	_, _, err := f.mgr.StartSession(ctx, "main", "call-1", "", "")
	require.NoError(t, err)
	_, err = f.mgr.EndSession(ctx, "call-1", ExitAbandoned, "")
	require.NoError(t, err)

	select {
	case id := <-ch:
		t.Fatalf("watchdog fired for ended call %s", id)
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestPublishAssignsVersions(t *testing.T) {
	f := newFixture(t, ManagerOptions{})
	ctx := context.Background()

	v1, err := f.mgr.Publish(ctx, abcFlow(0))
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, f.now, v1.PublishedAt)

	v2, err := f.mgr.Publish(ctx, abcFlow(2))
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	old, err := f.flows.Version(ctx, "main", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, old.Nodes[0].MaxRetries)

	s, _, err := f.mgr.StartSession(ctx, "main", "call-1", "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, s.FlowVersion)

	bad := abcFlow(0)
	bad.Edges = nil
	_, err = f.mgr.Publish(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidFlow)
	latest, err := f.flows.Latest(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
}

func TestAnalyticsReplaysFinalizedSessions(t *testing.T) {
	flow := abcFlow(0)
	flow.Nodes = append(flow.Nodes, Node{ID: "X", Type: NodeTransfer, Target: "queue:sales"})
	flow.Edges = append(flow.Edges, Edge{From: "A", On: "2", To: "X"})
	f := newFixture(t, ManagerOptions{}, flow)
	ctx := context.Background()
	from := f.now

	run := func(callID, digit string, wait time.Duration) {
		_, _, err := f.mgr.StartSession(ctx, "main", callID, "", "")
		require.NoError(t, err)
		f.tick(wait)
		_, err = f.input(ctx, callID, Input{Raw: digit})
		require.NoError(t, err)
	}
	run("c1", "1", 4*time.Second)
	run("c2", "9", 6*time.Second)
	run("c3", "2", 2*time.Second)
	run("c4", "1", 8*time.Second)

	_, _, err := f.mgr.StartSession(ctx, "main", "c5", "", "")
	require.NoError(t, err)
	f.tick(time.Second)
	_, err = f.mgr.EndSession(ctx, "c5", ExitAbandoned, "")
	require.NoError(t, err)

	_, _, err = f.mgr.StartSession(ctx, "main", "live", "", "")
	require.NoError(t, err)

	a, err := f.mgr.Analytics(ctx, from, f.now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5, a.Started)
	assert.Equal(t, 4, a.Completed)
	assert.Equal(t, 1, a.Abandoned)
	assert.Equal(t, 1, a.Transferred)
	assert.Equal(t, "B", a.CommonExitNode)
	assert.Equal(t, 2, a.ExitNodes["B"])
	assert.InDelta(t, 4.2, a.AverageDwellSeconds["A"], 1e-9)
}

func TestAnalyzeIgnoresOpenSessions(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	open := Session{CallID: "open", StartedAt: t0}
	done := Session{
		CallID: "done", StartedAt: t0, EndedAt: t0.Add(time.Minute),
		ExitReason: ExitError, ExitNode: "A",
		Visits: []Visit{{NodeID: "A", EnteredAt: t0, LeftAt: t0.Add(10 * time.Second)}},
	}
	a := Analyze([]Session{open, done})
	assert.Equal(t, 1, a.Started)
	assert.Equal(t, 1, a.Errored)
	assert.Equal(t, "A", a.CommonExitNode)
	assert.InDelta(t, 10.0, a.AverageDwellSeconds["A"], 1e-9)
}
