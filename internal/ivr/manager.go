package ivr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"contact-center/internal/metrics"
	"contact-center/pkg/logger"
	"contact-center/pkg/utils"
)

type Input struct {
	Raw  string    `json:"input"`
	Type InputType `json:"type"`
	// Seq is the prompt sequence the input answers. Input without one is
	// rejected as stale.
	Seq uint64 `json:"seq,omitempty"`
}

type ManagerOptions struct {
	Metrics *metrics.Metrics
	Log     *slog.Logger
	// TimeoutGrace is added to a prompt's own timeout before the watchdog fires.
	TimeoutGrace time.Duration
	// OnTimeout is called by the watchdog. Without it no watchdog is armed and
	// timeouts arrive only from vendor events.
	OnTimeout func(callID string, seq uint64)
}

// Manager owns active sessions. Every transition for one call runs under that
// call's lock; sessions are persisted once, when they end.
type Manager struct {
	flows    FlowStore
	sessions SessionRepository
	engine   *Engine
	metrics  *metrics.Metrics
	log      *slog.Logger
	grace    time.Duration

	locks *utils.KeyMutex

	mu        sync.Mutex
	active    map[string]*activeSession
	graphs    map[string]*Graph
	onTimeout func(callID string, seq uint64)
}

type activeSession struct {
	session Session
	graph   *Graph
	timer   *time.Timer
}

func NewManager(flows FlowStore, sessions SessionRepository, engine *Engine, opts ManagerOptions) *Manager {
	if engine == nil {
		engine = NewEngine(nil)
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	grace := opts.TimeoutGrace
	if grace <= 0 {
		grace = 3 * time.Second
	}
	return &Manager{
		flows:     flows,
		sessions:  sessions,
		engine:    engine,
		metrics:   opts.Metrics,
		log:       log,
		grace:     grace,
		locks:     utils.NewKeyMutex(),
		active:    make(map[string]*activeSession),
		graphs:    make(map[string]*Graph),
		onTimeout: opts.OnTimeout,
	}
}

func (m *Manager) SetOnTimeout(fn func(callID string, seq uint64)) {
	m.mu.Lock()
	m.onTimeout = fn
	m.mu.Unlock()
}

// Publish validates and stores a new flow version.
func (m *Manager) Publish(ctx context.Context, f Flow) (Flow, error) {
	return m.flows.Publish(ctx, f)
}

// Latest returns the newest published version of a flow.
func (m *Manager) Latest(ctx context.Context, flowID string) (Flow, error) {
	return m.flows.Latest(ctx, flowID)
}

func (m *Manager) StartSession(ctx context.Context, flowID, callID, callerPhone, language string) (Session, Result, error) {
	if callID == "" {
		return Session{}, Result{}, execErr(callID, "call id is required")
	}
	unlock := m.locks.Lock(callID)
	defer unlock()

	if m.lookup(callID) != nil {
		return Session{}, Result{}, execErr(callID, "session already active")
	}

	g, err := m.graph(ctx, flowID)
	if err != nil {
		return Session{}, Result{}, err
	}

	s := Session{
		ID:          uuid.NewString(),
		CallID:      callID,
		FlowID:      g.Flow.ID,
		FlowVersion: g.Flow.Version,
		CallerPhone: callerPhone,
		Language:    language,
		StartedAt:   m.engine.Now().UTC(),
	}
	res := m.engine.Start(ctx, g, &s)

	ctx, log := logger.WithCall(ctx, "", callID)
	log.Info("ivr session started", "flow_id", s.FlowID, "flow_version", s.FlowVersion, "node", res.NodeID)
	m.metrics.IVRStarted()

	a := &activeSession{session: s, graph: g}
	m.mu.Lock()
	m.active[callID] = a
	m.mu.Unlock()

	if err := m.commit(ctx, a, res); err != nil {
		return Session{}, Result{}, err
	}
	return a.session.clone(), res, nil
}

// HandleInput applies caller input answering the current prompt. A failed
// transition leaves the session as it was.
func (m *Manager) HandleInput(ctx context.Context, callID string, in Input) (Result, error) {
	unlock := m.locks.Lock(callID)
	defer unlock()

	a := m.lookup(callID)
	if a == nil {
		return Result{}, execErr(callID, "no active session")
	}
	if in.Seq == 0 {
		return Result{}, fmt.Errorf("%w: call %s input carries no prompt sequence", ErrStale, callID)
	}
	if in.Seq != a.session.Seq {
		return Result{}, fmt.Errorf("%w: call %s answers prompt %d, current is %d", ErrStale, callID, in.Seq, a.session.Seq)
	}
	typ := in.Type
	if typ == "" {
		typ = InputDTMF
	}

	work := a.session.clone()
	res, err := m.engine.Input(ctx, a.graph, &work, in.Raw, typ)
	if err != nil {
		return Result{}, err
	}
	a.session = work
	ctx, _ = logger.WithCall(ctx, "", callID)
	if err := m.commit(ctx, a, res); err != nil {
		return Result{}, err
	}
	return res, nil
}

// HandleTimeout is accounted like unmatched input. A timeout for a prompt the
// session already left, or for an ended session, returns ErrStale.
func (m *Manager) HandleTimeout(ctx context.Context, callID string, seq uint64) (Result, error) {
	unlock := m.locks.Lock(callID)
	defer unlock()

	a := m.lookup(callID)
	if a == nil {
		if _, err := m.sessions.Get(ctx, callID); err == nil {
			return Result{}, fmt.Errorf("%w: call %s already ended", ErrStale, callID)
		}
		return Result{}, execErr(callID, "no active session")
	}
	if seq == 0 {
		return Result{}, fmt.Errorf("%w: call %s timeout carries no prompt sequence", ErrStale, callID)
	}
	if seq != a.session.Seq {
		return Result{}, fmt.Errorf("%w: call %s timeout for prompt %d, current is %d", ErrStale, callID, seq, a.session.Seq)
	}

	work := a.session.clone()
	res, err := m.engine.Timeout(ctx, a.graph, &work)
	if err != nil {
		return Result{}, err
	}
	a.session = work
	ctx, _ = logger.WithCall(ctx, "", callID)
	if err := m.commit(ctx, a, res); err != nil {
		return Result{}, err
	}
	return res, nil
}

// EndSession finalizes the call's session. Ending an already ended session
// returns the stored one unchanged.
func (m *Manager) EndSession(ctx context.Context, callID string, reason ExitReason, transferredTo string) (Session, error) {
	if !reason.valid() {
		return Session{}, execErr(callID, "invalid exit reason %q", reason)
	}
	unlock := m.locks.Lock(callID)
	defer unlock()

	a := m.lookup(callID)
	if a == nil {
		s, err := m.sessions.Get(ctx, callID)
		if errors.Is(err, ErrSessionNotFound) {
			return Session{}, execErr(callID, "no active session")
		}
		return s, err
	}

	a.session.finalize(reason, transferredTo, m.engine.Now().UTC())
	ctx, _ = logger.WithCall(ctx, "", callID)
	if err := m.end(ctx, a); err != nil {
		return Session{}, err
	}
	return a.session.clone(), nil
}

// Get returns the active session, or the finalized one.
func (m *Manager) Get(ctx context.Context, callID string) (Session, error) {
	unlock := m.locks.Lock(callID)
	defer unlock()
	if a := m.lookup(callID); a != nil {
		return a.session.clone(), nil
	}
	s, err := m.sessions.Get(ctx, callID)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, execErr(callID, "no session")
	}
	return s, err
}

func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Analytics replays finalized sessions that started in [from, to).
func (m *Manager) Analytics(ctx context.Context, from, to time.Time) (Analytics, error) {
	sessions, err := m.sessions.List(ctx, from, to)
	if err != nil {
		return Analytics{}, err
	}
	out := Analyze(sessions)
	out.From, out.To = from, to
	return out, nil
}

// commit records a transition and either ends the session or re-arms the
// watchdog for the new prompt. Caller holds the call lock.
func (m *Manager) commit(ctx context.Context, a *activeSession, res Result) error {
	log := logger.From(ctx)
	m.metrics.IVRTransition(a.session.FlowID, res.Kind)
	log.Debug("ivr transition", "kind", res.Kind, "node", res.NodeID, "seq", res.Seq)
	if res.Ended {
		return m.end(ctx, a)
	}
	m.arm(a)
	return nil
}

func (m *Manager) end(ctx context.Context, a *activeSession) error {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if err := m.sessions.Save(ctx, a.session); err != nil {
		return fmt.Errorf("ivr: persist session: %w", err)
	}
	m.mu.Lock()
	delete(m.active, a.session.CallID)
	m.mu.Unlock()

	m.metrics.IVREnded(a.session.FlowID, string(a.session.ExitReason))
	logger.From(ctx).Info("ivr session ended",
		"exit_reason", a.session.ExitReason,
		"exit_node", a.session.ExitNode,
		"transferred_to", a.session.TransferredTo,
	)
	return nil
}

func (m *Manager) arm(a *activeSession) {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	m.mu.Lock()
	fn := m.onTimeout
	m.mu.Unlock()
	if fn == nil {
		return
	}
	n, ok := a.graph.Node(a.session.CurrentNode)
	if !ok || !n.Type.Interactive() {
		return
	}
	callID, seq := a.session.CallID, a.session.Seq
	a.timer = time.AfterFunc(n.timeout()+m.grace, func() { fn(callID, seq) })
}

func (m *Manager) lookup(callID string) *activeSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[callID]
}

// graph compiles the latest version of a flow once and caches it.
func (m *Manager) graph(ctx context.Context, flowID string) (*Graph, error) {
	f, err := m.flows.Latest(ctx, flowID)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s@%d", f.ID, f.Version)

	m.mu.Lock()
	g, ok := m.graphs[key]
	m.mu.Unlock()
	if ok {
		return g, nil
	}
	g, err = Compile(f)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.graphs[key] = g
	m.mu.Unlock()
	return g, nil
}
