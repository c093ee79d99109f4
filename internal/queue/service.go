// Package queue owns the waiting queue: entries are created, routed and
// closed only through Service.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"contact-center/internal/agents"
	"contact-center/internal/audit"
	"contact-center/internal/metrics"
	"contact-center/internal/retry"
	"contact-center/internal/routing"
	"contact-center/pkg/logger"
	"contact-center/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Repository is the persistence contract for queue entries. Update must apply
// fn atomically with respect to other Updates of the same id.
type Repository interface {
	Create(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	GetByCallID(ctx context.Context, callID string) (Entry, error)
	Update(ctx context.Context, id string, fn func(*Entry) error) (Entry, error)
	List(ctx context.Context, f Filter) ([]Entry, error)
	SetPositions(ctx context.Context, updates []PositionUpdate) error
}

// HandleTimeSource supplies the historical average handle time used by wait
// estimates. n is the number of samples behind the average.
type HandleTimeSource interface {
	AverageHandleTime(ctx context.Context, teamID string, since time.Time) (avg time.Duration, n int, err error)
}

// Options tune a Service. Zero values pick defaults.
type Options struct {
	Metrics *metrics.Metrics
	// Redis, when set, adds a cross-process per-call lock around transitions.
	Redis   *redis.Client
	LockTTL time.Duration

	// Backoff between routing attempts for entries that found no target.
	Backoff retry.Policy

	HandleTimes       HandleTimeSource
	HandleTimeWindow  time.Duration
	DefaultHandleTime time.Duration

	// OnAssigned is called after an entry was assigned, outside the call lock.
	OnAssigned func(ctx context.Context, e Entry, res RouteResult)

	Log *slog.Logger
}

type Service struct {
	repo    Repository
	engine  *routing.Engine
	agents  agents.Directory
	audit   *audit.Service
	metrics *metrics.Metrics

	locks   *utils.KeyMutex
	rdb     *redis.Client
	lockTTL time.Duration

	backoff     retry.Policy
	handleTimes HandleTimeSource
	window      time.Duration
	defaultAHT  time.Duration
	onAssigned  func(ctx context.Context, e Entry, res RouteResult)

	clock func() time.Time
	log   *slog.Logger
}

// maxClaimAttempts bounds how many targets one routing attempt tries to claim
// when agents fill up between selection and slot acquisition.
const maxClaimAttempts = 5

func NewService(repo Repository, engine *routing.Engine, dir agents.Directory, auditSvc *audit.Service, opts Options) *Service {
	s := &Service{
		repo:        repo,
		engine:      engine,
		agents:      dir,
		audit:       auditSvc,
		metrics:     opts.Metrics,
		locks:       utils.NewKeyMutex(),
		rdb:         opts.Redis,
		lockTTL:     opts.LockTTL,
		backoff:     opts.Backoff,
		handleTimes: opts.HandleTimes,
		window:      opts.HandleTimeWindow,
		defaultAHT:  opts.DefaultHandleTime,
		onAssigned:  opts.OnAssigned,
		clock:       time.Now,
		log:         opts.Log,
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 10 * time.Second
	}
	if s.backoff.BaseDelay <= 0 {
		s.backoff = retry.Policy{BaseDelay: 5 * time.Second, MaxDelay: time.Minute}
	}
	if s.handleTimes == nil {
		if hts, ok := repo.(HandleTimeSource); ok {
			s.handleTimes = hts
		}
	}
	if s.window <= 0 {
		s.window = time.Hour
	}
	if s.defaultAHT <= 0 {
		s.defaultAHT = 3 * time.Minute
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// SetOnAssigned replaces the assignment hook. It must be set before the periodic pass starts.
func (s *Service) SetOnAssigned(fn func(ctx context.Context, e Entry, res RouteResult)) {
	s.onAssigned = fn
}

func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (Entry, error) {
	if req.CallID == "" || req.TeamID == "" {
		return Entry{}, fmt.Errorf("%w: call_id and team_id required", ErrInvalidArgument)
	}
	if req.Priority < 0 {
		return Entry{}, fmt.Errorf("%w: priority must be >= 0", ErrInvalidArgument)
	}
	unlock, err := s.lockCall(ctx, req.CallID)
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	e := Entry{
		ID:          uuid.NewString(),
		CallID:      req.CallID,
		TeamID:      req.TeamID,
		CallerPhone: req.CallerPhone,
		Direction:   req.Direction,
		Priority:    req.Priority,
		Status:      StatusWaiting,
		Skills:      req.Skills,
		Language:    req.Language,
		Attributes:  req.Attributes,
		EnqueuedAt:  s.clock().UTC(),
	}
	if e.Direction == "" {
		e.Direction = "inbound"
	}
	if err := s.repo.Create(ctx, e); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return Entry{}, fmt.Errorf("%w: call %s already queued", ErrInvalidState, req.CallID)
		}
		return Entry{}, err
	}
	s.metrics.QueueTransition(e.TeamID, string(StatusWaiting))
	logger.From(ctx).Info("call enqueued", "entry_id", e.ID, "team_id", e.TeamID, "priority", e.Priority)
	return e, nil
}

func (s *Service) Get(ctx context.Context, id string) (Entry, error) { return s.repo.Get(ctx, id) }

func (s *Service) GetByCallID(ctx context.Context, callID string) (Entry, error) {
	return s.repo.GetByCallID(ctx, callID)
}

func (s *Service) List(ctx context.Context, f Filter) ([]Entry, error) { return s.repo.List(ctx, f) }

// RouteCall runs one routing attempt for a waiting entry. Every attempt writes
// one routing log. On ErrNoMatch the entry stays waiting with its backoff
// advanced; the returned result still carries the timing.
func (s *Service) RouteCall(ctx context.Context, entryID string) (RouteResult, error) {
	if s.engine == nil {
		return RouteResult{}, errors.New("queue: routing engine not configured")
	}
	e, err := s.repo.Get(ctx, entryID)
	if err != nil {
		return RouteResult{}, err
	}
	ctx, log := logger.WithCall(ctx, "", e.CallID)

	unlock, err := s.lockCall(ctx, e.CallID)
	if err != nil {
		return RouteResult{}, err
	}
	res, assigned, err := s.routeLocked(ctx, log, entryID)
	unlock()

	if err == nil && s.onAssigned != nil {
		s.onAssigned(ctx, assigned, res)
	}
	return res, err
}

func (s *Service) routeLocked(ctx context.Context, log *slog.Logger, entryID string) (RouteResult, Entry, error) {
	e, err := s.repo.Get(ctx, entryID)
	if err != nil {
		return RouteResult{}, Entry{}, err
	}
	if e.Status != StatusWaiting {
		return RouteResult{EntryID: e.ID}, Entry{}, fmt.Errorf("%w: entry is %s", ErrInvalidState, e.Status)
	}

	start := s.clock()
	attempt := e.Attempts + 1
	e.Attempts = attempt
	sel, selErr := s.selectAndClaim(ctx, e)
	now := s.clock()
	elapsed := now.Sub(start)

	res := RouteResult{EntryID: e.ID, RouteTimeMs: elapsed.Milliseconds()}
	entry := audit.RoutingLog{
		CallID:              e.CallID,
		EntryID:             e.ID,
		TeamID:              e.TeamID,
		RuleID:              sel.RuleID,
		Strategy:            string(sel.Strategy),
		ConditionsEvaluated: sel.Evaluated,
		FallbackUsed:        sel.FallbackUsed,
		Attempt:             attempt,
		DurationMs:          res.RouteTimeMs,
	}

	if selErr == nil {
		var assigned Entry
		assigned, selErr = s.repo.Update(ctx, e.ID, func(x *Entry) error {
			if x.Status != StatusWaiting {
				return fmt.Errorf("%w: entry is %s", ErrInvalidState, x.Status)
			}
			x.Status = StatusAssigned
			x.Attempts = attempt
			x.AssignedAt = now.UTC()
			x.Position = 0
			x.EstimatedWaitSeconds = 0
			x.RuleID = sel.RuleID
			x.TargetType = sel.Target.Type
			x.TargetRef = sel.Target.Ref
			x.AgentID = ""
			if sel.Agent != nil {
				x.AgentID = sel.Agent.ID
			}
			x.Retry = retry.State{}
			return nil
		})
		if selErr != nil && sel.Agent != nil {
			s.releaseSlot(ctx, sel.Agent.ID)
		}
		if selErr == nil {
			t := sel.Target
			res.Success = true
			res.RuleUsed = sel.RuleID
			res.Strategy = sel.Strategy
			res.Target = &t
			res.AgentID = assigned.AgentID
			res.FallbackUsed = sel.FallbackUsed

			entry.Success = true
			entry.TargetType = string(t.Type)
			entry.TargetRef = t.Ref
			s.record(ctx, log, entry)
			s.metrics.RoutingAttempt(e.TeamID, string(sel.Strategy), true, sel.FallbackUsed, elapsed)
			s.metrics.QueueTransition(e.TeamID, string(StatusAssigned))
			log.Info("call routed", "entry_id", e.ID, "rule_id", sel.RuleID, "strategy", sel.Strategy,
				"target", t.Key(), "fallback", sel.FallbackUsed, "route_ms", res.RouteTimeMs)
			return res, assigned, nil
		}
	}

	// The entry stays waiting; the next pass retries once its backoff allows.
	if _, err := s.repo.Update(ctx, e.ID, func(x *Entry) error {
		if x.Status != StatusWaiting {
			return nil
		}
		x.Attempts = attempt
		x.Retry = s.backoff.Failed(x.Retry, now, selErr)
		return nil
	}); err != nil {
		log.Warn("queue entry backoff not saved", "entry_id", e.ID, "err", err)
	}

	res.Error = selErr.Error()
	entry.Error = selErr.Error()
	s.record(ctx, log, entry)
	s.metrics.RoutingAttempt(e.TeamID, string(sel.Strategy), false, false, elapsed)
	if errors.Is(selErr, routing.ErrNoMatch) {
		log.Info("no routing target", "entry_id", e.ID, "attempt", attempt)
	} else {
		log.Warn("routing attempt failed", "entry_id", e.ID, "attempt", attempt, "err", selErr)
	}
	return res, Entry{}, selErr
}

// selectAndClaim asks the engine for a target and claims an agent slot when
// the target is an agent. A target filled by a concurrent decision is
// excluded and selection runs again.
func (s *Service) selectAndClaim(ctx context.Context, e Entry) (routing.Selection, error) {
	exclude := make(map[string]bool)
	var trace []string
	for i := 0; i < maxClaimAttempts; i++ {
		sel, err := s.engine.SelectTarget(ctx, e.routingCall(), exclude)
		trace = append(trace, sel.Evaluated...)
		sel.Evaluated = trace
		if err != nil {
			return sel, err
		}
		if sel.Agent == nil || s.agents == nil {
			return sel, nil
		}
		ok, err := s.agents.Slots().Acquire(ctx, sel.Agent.ID, sel.Agent.Limit())
		if err != nil {
			return sel, err
		}
		if ok {
			return sel, nil
		}
		exclude[sel.Target.Key()] = true
	}
	return routing.Selection{Evaluated: trace}, routing.ErrNoMatch
}

// MarkAnswered records that the assigned target picked up.
func (s *Service) MarkAnswered(ctx context.Context, entryID string) (Entry, error) {
	return s.transition(ctx, entryID, func(e *Entry, now time.Time) error {
		if e.Status != StatusAssigned {
			return fmt.Errorf("%w: answer from %s", ErrInvalidState, e.Status)
		}
		e.Status = StatusAnswered
		e.AnsweredAt = now
		return nil
	})
}

// MarkAbandoned closes an entry whose caller hung up before being answered.
// A claimed agent slot is released.
func (s *Service) MarkAbandoned(ctx context.Context, entryID string) (Entry, error) {
	var agentID string
	e, err := s.transition(ctx, entryID, func(e *Entry, now time.Time) error {
		if e.Status != StatusWaiting && e.Status != StatusAssigned {
			return fmt.Errorf("%w: abandon from %s", ErrInvalidState, e.Status)
		}
		agentID = e.AgentID
		e.Status = StatusAbandoned
		e.EndedAt = now
		e.Position = 0
		return nil
	})
	if err == nil && agentID != "" {
		s.releaseSlot(ctx, agentID)
	}
	return e, err
}

// MarkCompleted stamps the end of an answered call, frees the agent and
// feeds handle-time history.
func (s *Service) MarkCompleted(ctx context.Context, entryID string) (Entry, error) {
	e, err := s.transition(ctx, entryID, func(e *Entry, now time.Time) error {
		if e.Status != StatusAnswered {
			return fmt.Errorf("%w: complete from %s", ErrInvalidState, e.Status)
		}
		e.Status = StatusCompleted
		e.CompletedAt = now
		e.EndedAt = now
		return nil
	})
	if err == nil && e.AgentID != "" {
		s.releaseSlot(ctx, e.AgentID)
		if s.agents != nil {
			if err := s.agents.MarkCallEnded(ctx, e.AgentID, e.CompletedAt); err != nil && !errors.Is(err, agents.ErrNotFound) {
				logger.From(ctx).Warn("agent idle time not updated", "agent_id", e.AgentID, "err", err)
			}
		}
	}
	return e, err
}

// Requeue returns an assigned entry to waiting, e.g. when the transfer to the
// selected agent failed. The agent slot is released and the failed
// assignment is recorded as an unsuccessful routing log.
func (s *Service) Requeue(ctx context.Context, entryID, reason string) (Entry, error) {
	var (
		agentID string
		failed  audit.RoutingLog
	)
	e, err := s.transition(ctx, entryID, func(e *Entry, now time.Time) error {
		if e.Status != StatusAssigned {
			return fmt.Errorf("%w: requeue from %s", ErrInvalidState, e.Status)
		}
		agentID = e.AgentID
		failed = audit.RoutingLog{
			CallID:     e.CallID,
			EntryID:    e.ID,
			TeamID:     e.TeamID,
			RuleID:     e.RuleID,
			TargetType: string(e.TargetType),
			TargetRef:  e.TargetRef,
			Attempt:    e.Attempts,
			Error:      reason,
		}
		e.Status = StatusWaiting
		e.AssignedAt = time.Time{}
		e.RuleID, e.TargetType, e.TargetRef, e.AgentID = "", "", "", ""
		e.Retry = s.backoff.Failed(e.Retry, now, errors.New(reason))
		return nil
	})
	if err != nil {
		return e, err
	}
	if agentID != "" {
		s.releaseSlot(ctx, agentID)
	}
	s.record(ctx, logger.From(ctx), failed)
	return e, nil
}

// Reassign moves an assigned entry whose target was another queue to waiting
// on teamID. EnqueuedAt is kept, so the caller's wait keeps counting.
func (s *Service) Reassign(ctx context.Context, entryID, teamID string) (Entry, error) {
	if teamID == "" {
		return Entry{}, fmt.Errorf("%w: team_id required", ErrInvalidArgument)
	}
	var agentID string
	e, err := s.transition(ctx, entryID, func(e *Entry, now time.Time) error {
		if e.Status != StatusAssigned {
			return fmt.Errorf("%w: reassign from %s", ErrInvalidState, e.Status)
		}
		agentID = e.AgentID
		e.Status = StatusWaiting
		e.TeamID = teamID
		e.AssignedAt = time.Time{}
		e.RuleID, e.TargetType, e.TargetRef, e.AgentID = "", "", "", ""
		e.Retry = retry.State{}
		return nil
	})
	if err == nil && agentID != "" {
		s.releaseSlot(ctx, agentID)
	}
	return e, err
}

func (s *Service) transition(ctx context.Context, entryID string, fn func(e *Entry, now time.Time) error) (Entry, error) {
	cur, err := s.repo.Get(ctx, entryID)
	if err != nil {
		return Entry{}, err
	}
	unlock, err := s.lockCall(ctx, cur.CallID)
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	out, err := s.repo.Update(ctx, entryID, func(e *Entry) error {
		return fn(e, s.clock().UTC())
	})
	if err != nil {
		return Entry{}, err
	}
	s.metrics.QueueTransition(out.TeamID, string(out.Status))
	logger.From(ctx).Info("queue entry updated", "entry_id", out.ID, "call_id", out.CallID, "status", out.Status)
	return out, nil
}

// UpdateQueuePositions recomputes 1-based positions and wait estimates for
// every waiting entry of teamID (all teams when empty). The pass works on one
// snapshot; arrivals after the snapshot surface in the next pass.
func (s *Service) UpdateQueuePositions(ctx context.Context, teamID string) ([]PositionUpdate, error) {
	snapshot, err := s.repo.List(ctx, Filter{TeamID: teamID, Statuses: []Status{StatusWaiting}})
	if err != nil {
		return nil, err
	}
	now := s.clock()

	byTeam := make(map[string][]Entry)
	for _, e := range snapshot {
		byTeam[e.TeamID] = append(byTeam[e.TeamID], e)
	}
	teams := make([]string, 0, len(byTeam))
	for t := range byTeam {
		teams = append(teams, t)
	}
	sort.Strings(teams)

	var updates []PositionUpdate
	for _, team := range teams {
		entries := byTeam[team]
		SortWaiting(entries)
		aht, err := s.averageHandleTime(ctx, team, now)
		if err != nil {
			return nil, err
		}
		pools := make(map[string]int)
		for i, e := range entries {
			avail, err := s.availableAgents(ctx, e, pools)
			if err != nil {
				return nil, err
			}
			updates = append(updates, PositionUpdate{
				ID:                   e.ID,
				Position:             i + 1,
				EstimatedWaitSeconds: int(EstimateWait(i+1, aht, avail) / time.Second),
			})
		}
		s.metrics.SetWaiting(team, len(entries))
	}
	if err := s.repo.SetPositions(ctx, updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// WaitEstimate is the answer to getEstimatedWait.
type WaitEstimate struct {
	EntryID              string `json:"entry_id"`
	Status               Status `json:"status"`
	Position             int    `json:"position"`
	EstimatedWaitSeconds int    `json:"estimated_wait_seconds"`
	AvailableAgents      int    `json:"available_agents"`
	AverageHandleSeconds int    `json:"average_handle_seconds"`
}

// EstimatedWait computes a fresh estimate for one entry from the current queue.
func (s *Service) EstimatedWait(ctx context.Context, entryID string) (WaitEstimate, error) {
	e, err := s.repo.Get(ctx, entryID)
	if err != nil {
		return WaitEstimate{}, err
	}
	out := WaitEstimate{EntryID: e.ID, Status: e.Status}
	if e.Status != StatusWaiting {
		return out, nil
	}
	waiting, err := s.repo.List(ctx, Filter{TeamID: e.TeamID, Statuses: []Status{StatusWaiting}})
	if err != nil {
		return WaitEstimate{}, err
	}
	SortWaiting(waiting)
	for i := range waiting {
		if waiting[i].ID == e.ID {
			out.Position = i + 1
			break
		}
	}
	if out.Position == 0 {
		return out, nil
	}
	aht, err := s.averageHandleTime(ctx, e.TeamID, s.clock())
	if err != nil {
		return WaitEstimate{}, err
	}
	avail, err := s.availableAgents(ctx, e, nil)
	if err != nil {
		return WaitEstimate{}, err
	}
	out.AvailableAgents = avail
	out.AverageHandleSeconds = int(aht / time.Second)
	out.EstimatedWaitSeconds = int(EstimateWait(out.Position, aht, avail) / time.Second)
	return out, nil
}

// EstimateWait is (position-1) * avgHandle / max(1, available), never negative.
func EstimateWait(position int, avgHandle time.Duration, available int) time.Duration {
	if position <= 1 || avgHandle <= 0 {
		return 0
	}
	if available < 1 {
		available = 1
	}
	return time.Duration(position-1) * avgHandle / time.Duration(available)
}

// SortWaiting orders entries by priority desc, then enqueue time asc, then id.
func SortWaiting(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.ID < b.ID
	})
}

func (s *Service) averageHandleTime(ctx context.Context, team string, now time.Time) (time.Duration, error) {
	if s.handleTimes == nil {
		return s.defaultAHT, nil
	}
	avg, n, err := s.handleTimes.AverageHandleTime(ctx, team, now.Add(-s.window))
	if err != nil {
		return 0, err
	}
	if n == 0 || avg <= 0 {
		return s.defaultAHT, nil
	}
	return avg, nil
}

// availableAgents counts eligible agents with capacity for the entry's pool,
// memoized per pool within one pass.
func (s *Service) availableAgents(ctx context.Context, e Entry, memo map[string]int) (int, error) {
	if s.agents == nil {
		return 0, nil
	}
	key := e.TeamID + "|" + strings.Join(e.Skills, ",") + "|" + e.Language
	if n, ok := memo[key]; ok {
		return n, nil
	}
	list, err := s.agents.Eligible(ctx, agents.Query{TeamID: e.TeamID, Skills: e.Skills, Language: e.Language})
	if err != nil {
		return 0, err
	}
	if memo != nil {
		memo[key] = len(list)
	}
	return len(list), nil
}

// RunPass updates positions for all teams and retries routing for waiting
// entries whose backoff has elapsed. It returns how many entries were assigned.
func (s *Service) RunPass(ctx context.Context) (int, error) {
	if _, err := s.UpdateQueuePositions(ctx, ""); err != nil {
		return 0, err
	}
	waiting, err := s.repo.List(ctx, Filter{Statuses: []Status{StatusWaiting}})
	if err != nil {
		return 0, err
	}
	SortWaiting(waiting)
	now := s.clock()
	routed := 0
	for _, e := range waiting {
		if ctx.Err() != nil {
			return routed, ctx.Err()
		}
		if !e.Retry.Allowed(now) {
			continue
		}
		if _, err := s.RouteCall(ctx, e.ID); err == nil {
			routed++
		}
	}
	return routed, nil
}

// Run repeats RunPass every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.RunPass(ctx)
			if err != nil && ctx.Err() == nil {
				s.log.Warn("queue pass failed", "err", err)
				continue
			}
			if n > 0 {
				s.log.Debug("queue pass routed entries", "count", n)
			}
		}
	}
}

func (s *Service) record(ctx context.Context, log *slog.Logger, l audit.RoutingLog) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Record(ctx, l); err != nil {
		log.Warn("routing log not recorded", "entry_id", l.EntryID, "err", err)
	}
}

func (s *Service) releaseSlot(ctx context.Context, agentID string) {
	if s.agents == nil {
		return
	}
	if err := s.agents.Slots().Release(ctx, agentID); err != nil {
		logger.From(ctx).Warn("agent slot not released", "agent_id", agentID, "err", err)
	}
}

// lockCall serializes work on one call id in this process and, with Redis
// configured, across processes. The lock is never held across vendor calls.
func (s *Service) lockCall(ctx context.Context, callID string) (func(), error) {
	unlock := s.locks.Lock(callID)
	if s.rdb == nil {
		return unlock, nil
	}

	key := "cc:call_lock:" + callID
	token := uuid.NewString()
	deadline := time.Now().Add(s.lockTTL)
	for {
		err := utils.AcquireLock(ctx, s.rdb, key, token, s.lockTTL)
		if err == nil {
			break
		}
		if !errors.Is(err, utils.ErrLockHeld) || time.Now().After(deadline) {
			unlock()
			return nil, fmt.Errorf("queue: lock call %s: %w", callID, err)
		}
		select {
		case <-ctx.Done():
			unlock()
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
	return func() {
		if err := utils.ReleaseLock(context.WithoutCancel(ctx), s.rdb, key, token); err != nil {
			s.log.Warn("call lock not released", "call_id", callID, "err", err)
		}
		unlock()
	}, nil
}
