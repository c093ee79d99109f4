// Package dispatch connects vendor events to the IVR manager and the queue
// and delivers the resulting call-control actions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"contact-center/internal/agents"
	"contact-center/internal/audio"
	"contact-center/internal/ivr"
	"contact-center/internal/metrics"
	"contact-center/internal/queue"
	"contact-center/internal/retry"
	"contact-center/internal/routing"
	"contact-center/internal/telephony"
	"contact-center/pkg/logger"
)

// Reply holds the actions produced for one event. When Sync is set they must
// be written as the webhook response; otherwise they were already pushed to
// the vendor with Execute.
type Reply struct {
	Actions []telephony.Action
	Sync    bool
}

type Options struct {
	Retry      retry.Policy
	Metrics    *metrics.Metrics
	Log        *slog.Logger
	Classifier Classifier

	// DefaultTeam receives inbound calls no flow is configured for.
	DefaultTeam     string
	DefaultLanguage string

	// HoldPrompt (audio URL) or HoldText is played while a call waits in queue.
	HoldPrompt string
	HoldText   string

	AudioErrorThreshold int
	AudioErrorWindow    time.Duration
	// Audio receives converted inbound media.
	Audio func(ctx context.Context, vendor, callID string, c audio.Chunk)

	Now func() time.Time
}

type Dispatcher struct {
	adapters map[string]telephony.Adapter
	ivr      *ivr.Manager
	queue    *queue.Service
	agents   agents.Directory
	flows    FlowResolver

	classifier  Classifier
	retry       retry.Policy
	metrics     *metrics.Metrics
	log         *slog.Logger
	defaultTeam string
	language    string
	holdPrompt  string
	holdText    string
	threshold   int
	window      time.Duration
	audio       func(ctx context.Context, vendor, callID string, c audio.Chunk)
	clock       func() time.Time

	mu    sync.Mutex
	calls map[string]*callState
}

type callState struct {
	vendor string
	from   string
	to     string

	// handling > 0 while an event for the call is being processed; actions
	// from assignments made meanwhile join that event's reply.
	handling int
	pending  []telephony.Action

	audioErrors []time.Time
	escalated   bool
	closed      bool
}

// New wires the dispatcher as the queue's assignment hook and the IVR
// manager's watchdog target.
func New(adapters []telephony.Adapter, mgr *ivr.Manager, q *queue.Service, dir agents.Directory, flows FlowResolver, opts Options) *Dispatcher {
	d := &Dispatcher{
		adapters:    make(map[string]telephony.Adapter, len(adapters)),
		ivr:         mgr,
		queue:       q,
		agents:      dir,
		flows:       flows,
		classifier:  opts.Classifier,
		retry:       opts.Retry,
		metrics:     opts.Metrics,
		log:         opts.Log,
		defaultTeam: opts.DefaultTeam,
		language:    opts.DefaultLanguage,
		holdPrompt:  opts.HoldPrompt,
		holdText:    opts.HoldText,
		threshold:   opts.AudioErrorThreshold,
		window:      opts.AudioErrorWindow,
		audio:       opts.Audio,
		clock:       opts.Now,
		calls:       make(map[string]*callState),
	}
	for _, a := range adapters {
		d.adapters[a.Name()] = a
	}
	if d.retry.MaxAttempts <= 0 {
		d.retry = retry.DefaultPolicy()
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.language == "" {
		d.language = "en-US"
	}
	if d.holdPrompt == "" && d.holdText == "" {
		d.holdText = "Please hold while we connect you."
	}
	if d.threshold <= 0 {
		d.threshold = 10
	}
	if d.window <= 0 {
		d.window = 5 * time.Second
	}
	if d.clock == nil {
		d.clock = time.Now
	}
	if q != nil {
		q.SetOnAssigned(d.onAssigned)
	}
	if mgr != nil {
		mgr.SetOnTimeout(d.onWatchdog)
	}
	return d
}

func (d *Dispatcher) Adapter(vendor string) (telephony.Adapter, bool) {
	a, ok := d.adapters[vendor]
	return a, ok
}

// Handle processes one verified event. IVR and queue transitions run under
// their own per-call locks; delivery to the vendor happens after they are
// released.
func (d *Dispatcher) Handle(ctx context.Context, ev telephony.Event) (Reply, error) {
	a, ok := d.adapters[ev.Vendor]
	if !ok {
		return Reply{}, fmt.Errorf("dispatch: unknown vendor %q", ev.Vendor)
	}
	ctx, log := logger.WithCall(ctx, ev.Vendor, ev.CallID)
	d.track(ev)

	d.begin(ev.CallID)
	actions, err := d.handle(ctx, a, ev)
	actions = append(actions, d.finish(ev.CallID)...)
	if err != nil && len(actions) == 0 {
		return Reply{}, err
	}
	if err != nil {
		log.Warn("event failed after assignment", "event", ev.Type, "err", err)
	}

	if a.Capabilities().SynchronousReplies {
		return Reply{Actions: actions, Sync: true}, nil
	}
	if err := d.deliver(ctx, a, ev.CallID, actions); err != nil {
		d.requeueAssigned(ctx, ev.CallID, err)
		return Reply{}, err
	}
	return Reply{Actions: actions}, nil
}

// Dispatch handles an event that did not arrive as a webhook (media stream
// frames, watchdog timeouts) and always pushes the actions with Execute.
func (d *Dispatcher) Dispatch(ctx context.Context, ev telephony.Event) error {
	reply, err := d.Handle(ctx, ev)
	if err != nil || !reply.Sync {
		return err
	}
	a := d.adapters[ev.Vendor]
	if err := d.deliver(ctx, a, ev.CallID, reply.Actions); err != nil {
		d.requeueAssigned(ctx, ev.CallID, err)
		return err
	}
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, a telephony.Adapter, ev telephony.Event) ([]telephony.Action, error) {
	log := logger.From(ctx)
	syncReply := a.Capabilities().SynchronousReplies

	switch ev.Type {
	case telephony.EventCallInitiated:
		if outbound(ev.Direction) {
			return nil, nil
		}
		if syncReply {
			return d.start(ctx, ev)
		}
		_, err := d.retry.Do(ctx, log, func(ctx context.Context) error {
			err := a.AnswerCall(ctx, ev.CallID)
			d.metrics.VendorRequest(a.Name(), err)
			return err
		})
		return nil, err

	case telephony.EventCallAnswered:
		if syncReply || outbound(ev.Direction) {
			return nil, nil
		}
		return d.start(ctx, ev)

	case telephony.EventDTMF:
		if ev.Seq == 0 {
			log.Debug("unsequenced key press ignored", "digits", ev.Digits)
			return nil, nil
		}
		res, err := d.ivr.HandleInput(ctx, ev.CallID, ivr.Input{Raw: ev.Digits, Type: ivr.InputDTMF, Seq: ev.Seq})
		return d.outcome(ctx, ev.CallID, res, err)

	case telephony.EventSpeech:
		intent := ev.Speech
		if d.classifier != nil {
			var err error
			if intent, err = d.classifier.Classify(ctx, ev.CallID, ev.Speech); err != nil {
				log.Warn("speech classification failed", "err", err)
				intent = ""
			}
		}
		res, err := d.ivr.HandleInput(ctx, ev.CallID, ivr.Input{Raw: intent, Type: ivr.InputSpeech, Seq: ev.Seq})
		return d.outcome(ctx, ev.CallID, res, err)

	case telephony.EventInputTimeout:
		res, err := d.ivr.HandleTimeout(ctx, ev.CallID, ev.Seq)
		return d.outcome(ctx, ev.CallID, res, err)

	case telephony.EventBridged:
		e, err := d.queue.GetByCallID(ctx, ev.CallID)
		if err != nil || e.Status != queue.StatusAssigned {
			return nil, nil
		}
		_, err = d.queue.MarkAnswered(ctx, e.ID)
		return nil, err

	case telephony.EventCallEnded:
		switch {
		case strings.HasPrefix(ev.HangupCause, "dial_"):
			return d.transferFailed(ctx, ev)
		case ev.HangupCause == "voicemail":
			if syncReply {
				return []telephony.Action{{Type: telephony.ActionHangup, Reason: "voicemail saved"}}, nil
			}
			return nil, nil
		}
		d.close(ctx, a, ev.CallID, ivr.ExitAbandoned)
		return nil, nil
	}
	return nil, nil
}

// start runs the number's flow, or queues the call when no flow applies.
func (d *Dispatcher) start(ctx context.Context, ev telephony.Event) ([]telephony.Action, error) {
	flowID, err := d.flows.Resolve(ctx, ev)
	if errors.Is(err, ErrNoFlow) {
		if d.defaultTeam == "" {
			logger.From(ctx).Warn("no flow or default team for call", "to", ev.To)
			return []telephony.Action{{Type: telephony.ActionHangup, Reason: "no route"}}, nil
		}
		return d.enqueue(ctx, queue.EnqueueRequest{
			CallID:      ev.CallID,
			TeamID:      d.defaultTeam,
			CallerPhone: ev.From,
			Direction:   "inbound",
			Language:    d.language,
		})
	}
	if err != nil {
		return nil, err
	}
	_, res, err := d.ivr.StartSession(ctx, flowID, ev.CallID, ev.From, d.language)
	if err != nil {
		return nil, err
	}
	return d.afterIVR(ctx, ev.CallID, res)
}

func (d *Dispatcher) outcome(ctx context.Context, callID string, res ivr.Result, err error) ([]telephony.Action, error) {
	if errors.Is(err, ivr.ErrStale) {
		logger.From(ctx).Debug("stale ivr event ignored", "err", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d.afterIVR(ctx, callID, res)
}

// afterIVR resolves internal transfer targets: queue:<team> enqueues the call
// and agent:<id> dials the agent's endpoint.
func (d *Dispatcher) afterIVR(ctx context.Context, callID string, res ivr.Result) ([]telephony.Action, error) {
	out := make([]telephony.Action, 0, len(res.Actions))
	for _, act := range res.Actions {
		if act.Type != telephony.ActionTransfer {
			out = append(out, act)
			continue
		}
		kind, ref, _ := strings.Cut(act.Target, ":")
		switch kind {
		case "queue":
			s, err := d.ivr.Get(ctx, callID)
			if err != nil {
				return out, err
			}
			more, err := d.enqueue(ctx, enqueueRequest(s, ref))
			if err != nil {
				return out, err
			}
			out = append(out, more...)
		case "agent":
			ag, err := d.agents.Get(ctx, ref)
			if err != nil {
				return out, fmt.Errorf("dispatch: transfer to agent %s: %w", ref, err)
			}
			act.Target = ag.Endpoint
			out = append(out, act)
		default:
			out = append(out, act)
		}
	}
	return out, nil
}

// enqueueRequest carries IVR-collected data into the queue entry. The
// "priority" and "skills" variables, when set, steer routing.
func enqueueRequest(s ivr.Session, team string) queue.EnqueueRequest {
	req := queue.EnqueueRequest{
		CallID:      s.CallID,
		TeamID:      team,
		CallerPhone: s.CallerPhone,
		Direction:   "inbound",
		Language:    s.Language,
		Attributes:  s.Vars,
	}
	if p, err := strconv.Atoi(s.Vars["priority"]); err == nil && p > 0 {
		req.Priority = p
	}
	if skills := s.Vars["skills"]; skills != "" {
		for _, sk := range strings.Split(skills, ",") {
			if sk = strings.TrimSpace(sk); sk != "" {
				req.Skills = append(req.Skills, sk)
			}
		}
	}
	return req
}

// enqueue queues the call and tries to route it at once. Without an
// immediate assignment the caller hears the hold prompt; the periodic pass
// keeps retrying.
func (d *Dispatcher) enqueue(ctx context.Context, req queue.EnqueueRequest) ([]telephony.Action, error) {
	e, err := d.queue.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := d.queue.RouteCall(ctx, e.ID); err != nil && !errors.Is(err, routing.ErrNoMatch) {
		logger.From(ctx).Warn("immediate routing failed", "entry_id", e.ID, "err", err)
	}
	if d.hasPending(req.CallID) {
		return nil, nil
	}
	return []telephony.Action{d.hold()}, nil
}

func (d *Dispatcher) hold() telephony.Action {
	return telephony.Action{Type: telephony.ActionPlay, Prompt: d.holdPrompt, Text: d.holdText, Language: d.language}
}

// onAssigned turns a routing decision into vendor actions.
func (d *Dispatcher) onAssigned(ctx context.Context, e queue.Entry, res queue.RouteResult) {
	log := logger.From(ctx)
	actions, answered, err := d.assignment(ctx, e, res)
	if err != nil {
		log.Warn("assignment not deliverable", "entry_id", e.ID, "err", err)
		if _, rerr := d.queue.Requeue(ctx, e.ID, err.Error()); rerr != nil {
			log.Warn("requeue failed", "entry_id", e.ID, "err", rerr)
		}
		return
	}
	if answered {
		if _, err := d.queue.MarkAnswered(ctx, e.ID); err != nil {
			log.Warn("entry not marked answered", "entry_id", e.ID, "err", err)
		}
	}
	if len(actions) == 0 || d.stash(e.CallID, actions) {
		return
	}

	a, ok := d.adapters[d.vendorOf(e.CallID)]
	if !ok {
		log.Info("assignment for call without a vendor leg", "entry_id", e.ID)
		return
	}
	if err := d.deliver(ctx, a, e.CallID, actions); err != nil {
		d.requeueAssigned(ctx, e.CallID, err)
	}
}

// assignment builds the actions for a routed entry. answered is set for
// targets that take the call without an agent leg.
func (d *Dispatcher) assignment(ctx context.Context, e queue.Entry, res queue.RouteResult) ([]telephony.Action, bool, error) {
	if res.Target == nil {
		return nil, false, errors.New("dispatch: route result without target")
	}
	t := res.Target
	switch t.Type {
	case routing.TargetAgent, routing.TargetTeam:
		ag, err := d.agents.Get(ctx, res.AgentID)
		if err != nil {
			return nil, false, err
		}
		if ag.Endpoint == "" {
			return nil, false, fmt.Errorf("dispatch: agent %s has no endpoint", ag.ID)
		}
		return []telephony.Action{{Type: telephony.ActionTransfer, Target: ag.Endpoint}}, false, nil
	case routing.TargetExternal:
		return []telephony.Action{{Type: telephony.ActionTransfer, Target: t.Ref}}, false, nil
	case routing.TargetVoicemail:
		return []telephony.Action{{
			Type:      telephony.ActionRecord,
			MaxLength: 2 * time.Minute,
			Params:    map[string]string{"mailbox": t.Ref},
		}}, true, nil
	case routing.TargetIVR:
		_, r, err := d.ivr.StartSession(ctx, t.Ref, e.CallID, e.CallerPhone, e.Language)
		if err != nil {
			return nil, false, err
		}
		acts, err := d.afterIVR(ctx, e.CallID, r)
		return acts, true, err
	case routing.TargetQueue:
		if _, err := d.queue.Reassign(ctx, e.ID, t.Ref); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("dispatch: unsupported target type %q", t.Type)
}

// transferFailed puts the caller back in queue after the agent leg failed.
func (d *Dispatcher) transferFailed(ctx context.Context, ev telephony.Event) ([]telephony.Action, error) {
	e, err := d.queue.GetByCallID(ctx, ev.CallID)
	if err != nil || e.Status != queue.StatusAssigned {
		return []telephony.Action{{Type: telephony.ActionHangup, Reason: "transfer failed"}}, nil
	}
	if _, err := d.queue.Requeue(ctx, e.ID, "transfer "+ev.HangupCause); err != nil {
		return nil, err
	}
	return []telephony.Action{d.hold()}, nil
}

// close finalizes everything the call owns once the vendor reports it gone.
func (d *Dispatcher) close(ctx context.Context, a telephony.Adapter, callID string, reason ivr.ExitReason) {
	log := logger.From(ctx)
	if _, err := d.ivr.EndSession(ctx, callID, reason, ""); err != nil && !errors.Is(err, ivr.ErrExecution) {
		log.Warn("ivr session not ended", "err", err)
	}
	if e, err := d.queue.GetByCallID(ctx, callID); err == nil {
		var qerr error
		switch e.Status {
		case queue.StatusWaiting, queue.StatusAssigned:
			_, qerr = d.queue.MarkAbandoned(ctx, e.ID)
		case queue.StatusAnswered:
			_, qerr = d.queue.MarkCompleted(ctx, e.ID)
		}
		if qerr != nil {
			log.Warn("queue entry not closed", "entry_id", e.ID, "err", qerr)
		}
	}
	a.ReleaseCall(callID)
	d.forget(callID)
}

func (d *Dispatcher) requeueAssigned(ctx context.Context, callID string, cause error) {
	e, err := d.queue.GetByCallID(ctx, callID)
	if err != nil || e.Status != queue.StatusAssigned {
		return
	}
	if _, err := d.queue.Requeue(ctx, e.ID, cause.Error()); err != nil {
		logger.From(ctx).Warn("requeue failed", "entry_id", e.ID, "err", err)
	}
}

// deliver pushes actions with the caller-owned retry policy.
func (d *Dispatcher) deliver(ctx context.Context, a telephony.Adapter, callID string, actions []telephony.Action) error {
	if len(actions) == 0 {
		return nil
	}
	_, err := d.retry.Do(ctx, logger.From(ctx), func(ctx context.Context) error {
		err := a.Execute(ctx, callID, actions)
		d.metrics.VendorRequest(a.Name(), err)
		return err
	})
	if err != nil {
		logger.From(ctx).Error("vendor actions not delivered", "err", err)
	}
	return err
}

// onWatchdog runs when a prompt outlived its timeout with no vendor event.
func (d *Dispatcher) onWatchdog(callID string, seq uint64) {
	ctx := context.Background()
	vendor := d.vendorOf(callID)
	if _, ok := d.adapters[vendor]; !ok {
		if _, err := d.ivr.HandleTimeout(ctx, callID, seq); err != nil && !errors.Is(err, ivr.ErrStale) {
			d.log.Warn("watchdog timeout failed", "call_id", callID, "err", err)
		}
		return
	}
	ev := telephony.Event{Vendor: vendor, Type: telephony.EventInputTimeout, CallID: callID, Seq: seq, OccurredAt: d.clock().UTC()}
	if err := d.Dispatch(ctx, ev); err != nil {
		d.log.Warn("watchdog timeout failed", "call_id", callID, "err", err)
	}
}

func (d *Dispatcher) track(ev telephony.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.calls[ev.CallID]
	if !ok {
		st = &callState{vendor: ev.Vendor}
		d.calls[ev.CallID] = st
	}
	if ev.From != "" {
		st.from = ev.From
	}
	if ev.To != "" {
		st.to = ev.To
	}
}

func (d *Dispatcher) begin(callID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.calls[callID]; ok {
		st.handling++
	}
}

func (d *Dispatcher) finish(callID string) []telephony.Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.calls[callID]
	if !ok {
		return nil
	}
	st.handling--
	if st.handling > 0 {
		return nil
	}
	out := st.pending
	st.pending = nil
	if st.closed {
		delete(d.calls, callID)
	}
	return out
}

// stash parks actions on an event currently being handled for the call.
func (d *Dispatcher) stash(callID string, actions []telephony.Action) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.calls[callID]
	if !ok || st.handling == 0 {
		return false
	}
	st.pending = append(st.pending, actions...)
	return true
}

func (d *Dispatcher) hasPending(callID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.calls[callID]
	return ok && len(st.pending) > 0
}

func (d *Dispatcher) vendorOf(callID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.calls[callID]; ok {
		return st.vendor
	}
	return ""
}

func (d *Dispatcher) forget(callID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.calls[callID]
	if !ok {
		return
	}
	if st.handling > 0 {
		st.closed = true
		return
	}
	delete(d.calls, callID)
}

// Calls is the number of calls the dispatcher currently tracks.
func (d *Dispatcher) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func outbound(direction string) bool {
	return strings.HasPrefix(direction, "outbound") || direction == "outgoing"
}
