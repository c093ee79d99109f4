package ivr

import (
	"context"
	"strconv"
	"strings"
	"time"

	"contact-center/internal/routing"
	"contact-center/internal/telephony"
)

// ExternalCaller runs external_call nodes. The returned string selects the
// outgoing edge; errors follow the default edge.
type ExternalCaller interface {
	Call(ctx context.Context, url string, s Session) (string, error)
}

// Engine executes one session's node graph. It holds no per-call state;
// serialization per call is the manager's job.
type Engine struct {
	External ExternalCaller
	Now      func() time.Time
	// MaxAutoSteps bounds consecutive non-interactive nodes in one transition.
	MaxAutoSteps int
}

func NewEngine(ext ExternalCaller) *Engine {
	return &Engine{External: ext, Now: time.Now, MaxAutoSteps: 64}
}

// Transition kinds reported in Result.Kind.
const (
	KindStart   = "start"
	KindMatch   = "match"
	KindRetry   = "retry"
	KindDefault = "default"
)

// Result tells the caller what to send to the vendor after a transition.
type Result struct {
	CallID  string             `json:"call_id"`
	Seq     uint64             `json:"seq"`
	NodeID  string             `json:"node_id"`
	Kind    string             `json:"kind"`
	Actions []telephony.Action `json:"actions"`

	Ended      bool       `json:"ended"`
	ExitReason ExitReason `json:"exit_reason,omitempty"`
	TransferTo string     `json:"transfer_to,omitempty"`
}

// Start places s on the flow's start node and runs until the first prompt.
func (e *Engine) Start(ctx context.Context, g *Graph, s *Session) Result {
	now := e.Now()
	s.Seq++
	s.enter(g.Start(), now)
	return e.run(ctx, g, s, KindStart, now)
}

// Input applies caller input to the current node.
func (e *Engine) Input(ctx context.Context, g *Graph, s *Session, raw string, typ InputType) (Result, error) {
	n, err := e.interactive(g, s)
	if err != nil {
		return Result{}, err
	}
	now := e.Now()
	raw = strings.TrimSpace(raw)
	if typ == InputDTMF && n.FinishOnKey != "" {
		raw = strings.TrimSuffix(raw, n.FinishOnKey)
	}

	to, matched := g.match(n.ID, raw, typ == InputSpeech)
	accepted := !matched && n.Type == NodeGatherInput && n.Variable != "" && acceptable(n, raw, typ)
	s.Seq++
	s.History = append(s.History, InputRecord{NodeID: n.ID, Input: raw, Type: typ, Matched: matched || accepted, At: now})

	switch {
	case matched:
	case accepted:
		var ok bool
		if to, ok = g.next(n.ID, EdgeDefault); !ok {
			to, _ = g.next(n.ID, EdgeTimeout)
		}
	default:
		return e.noMatch(ctx, g, s, n, false, now), nil
	}

	if n.Variable != "" {
		if s.Vars == nil {
			s.Vars = make(map[string]string)
		}
		s.Vars[n.Variable] = raw
	}
	delete(s.Retries, n.ID)
	s.enter(to, now)
	return e.run(ctx, g, s, KindMatch, now), nil
}

// Timeout is accounted exactly like input that matched nothing.
func (e *Engine) Timeout(ctx context.Context, g *Graph, s *Session) (Result, error) {
	n, err := e.interactive(g, s)
	if err != nil {
		return Result{}, err
	}
	now := e.Now()
	s.Seq++
	s.History = append(s.History, InputRecord{NodeID: n.ID, Timeout: true, At: now})
	return e.noMatch(ctx, g, s, n, true, now), nil
}

func (e *Engine) interactive(g *Graph, s *Session) (*Node, error) {
	if s.Ended() {
		return nil, execErr(s.CallID, "session already ended")
	}
	n, ok := g.Node(s.CurrentNode)
	if !ok {
		return nil, execErr(s.CallID, "node %q not in flow %s v%d", s.CurrentNode, g.Flow.ID, g.Flow.Version)
	}
	if !n.Type.Interactive() {
		return nil, execErr(s.CallID, "node %q does not take input", n.ID)
	}
	return n, nil
}

// noMatch counts a retry on n. With retries left the caller is re-prompted;
// otherwise the node's default (or timeout) edge is followed.
func (e *Engine) noMatch(ctx context.Context, g *Graph, s *Session, n *Node, timeout bool, now time.Time) Result {
	if s.Retries == nil {
		s.Retries = make(map[string]int)
	}
	s.Retries[n.ID]++
	if s.Retries[n.ID] <= n.MaxRetries {
		return Result{
			CallID:  s.CallID,
			Seq:     s.Seq,
			NodeID:  n.ID,
			Kind:    KindRetry,
			Actions: []telephony.Action{gatherAction(n, s, true)},
		}
	}
	delete(s.Retries, n.ID)

	first, second := EdgeDefault, EdgeTimeout
	if timeout {
		first, second = EdgeTimeout, EdgeDefault
	}
	to, ok := g.next(n.ID, first)
	if !ok {
		to, _ = g.next(n.ID, second)
	}
	s.enter(to, now)
	return e.run(ctx, g, s, KindDefault, now)
}

// run advances through non-interactive nodes, collecting actions, until it
// reaches a prompt or a terminal node.
func (e *Engine) run(ctx context.Context, g *Graph, s *Session, kind string, now time.Time) Result {
	res := Result{CallID: s.CallID, Kind: kind}
	limit := e.MaxAutoSteps
	if limit <= 0 {
		limit = 64
	}

	for step := 0; ; step++ {
		n, ok := g.Node(s.CurrentNode)
		if !ok || step > limit {
			s.finalize(ExitError, "", now)
			res.Actions = append(res.Actions, telephony.Action{Type: telephony.ActionHangup, Reason: "ivr error"})
			return e.finish(res, s)
		}

		switch n.Type {
		case NodeMenu, NodeGatherInput:
			res.Actions = append(res.Actions, gatherAction(n, s, false))
			return e.finish(res, s)

		case NodePlayPrompt:
			if a, ok := playAction(n, s); ok {
				res.Actions = append(res.Actions, a)
			}
			to, _ := g.next(n.ID, EdgeDefault)
			s.enter(to, now)

		case NodeCondition:
			key := strconv.FormatBool(e.condition(n, s, now))
			to, ok := g.next(n.ID, key)
			if !ok {
				to, _ = g.next(n.ID, EdgeDefault)
			}
			s.enter(to, now)

		case NodeExternalCall:
			to := e.external(ctx, g, n, s)
			s.enter(to, now)

		case NodeTransfer:
			if a, ok := playAction(n, s); ok {
				res.Actions = append(res.Actions, a)
			}
			res.Actions = append(res.Actions, telephony.Action{Type: telephony.ActionTransfer, Target: n.Target})
			s.finalize(ExitCompleted, n.Target, now)
			return e.finish(res, s)

		case NodeVoicemail:
			if a, ok := playAction(n, s); ok {
				res.Actions = append(res.Actions, a)
			}
			maxLen := time.Duration(n.MaxLengthSeconds) * time.Second
			if maxLen <= 0 {
				maxLen = 2 * time.Minute
			}
			res.Actions = append(res.Actions, telephony.Action{
				Type:      telephony.ActionRecord,
				MaxLength: maxLen,
				Params:    map[string]string{"mailbox": n.Mailbox},
			})
			s.finalize(ExitCompleted, "voicemail:"+n.Mailbox, now)
			return e.finish(res, s)

		case NodeHangup:
			if a, ok := playAction(n, s); ok {
				res.Actions = append(res.Actions, a)
			}
			res.Actions = append(res.Actions, telephony.Action{Type: telephony.ActionHangup, Reason: "ivr completed"})
			s.finalize(ExitCompleted, "", now)
			return e.finish(res, s)
		}
	}
}

func (e *Engine) finish(res Result, s *Session) Result {
	res.Seq = s.Seq
	res.NodeID = s.CurrentNode
	if s.Ended() {
		res.Ended = true
		res.ExitReason = s.ExitReason
		res.TransferTo = s.TransferredTo
	}
	return res
}

func (e *Engine) condition(n *Node, s *Session, now time.Time) bool {
	if n.BusinessHours != nil {
		open, err := n.BusinessHours.Contains(now)
		if err != nil || !open {
			return false
		}
	}
	call := routing.Call{CallID: s.CallID, CallerPhone: s.CallerPhone, Language: s.Language, Attributes: s.Vars}
	return routing.Match(call, n.Conditions, n.Logic, now)
}

func (e *Engine) external(ctx context.Context, g *Graph, n *Node, s *Session) string {
	def, _ := g.next(n.ID, EdgeDefault)
	if e.External == nil {
		return def
	}
	out, err := e.External.Call(ctx, n.URL, s.clone())
	if err != nil {
		return def
	}
	out = strings.TrimSpace(out)
	if n.Variable != "" {
		if s.Vars == nil {
			s.Vars = make(map[string]string)
		}
		s.Vars[n.Variable] = out
	}
	if to, ok := g.next(n.ID, out); ok && out != EdgeDefault && out != EdgeTimeout {
		return to
	}
	return def
}

func acceptable(n *Node, raw string, typ InputType) bool {
	if raw == "" {
		return false
	}
	if typ == InputDTMF && n.MaxDigits > 0 && len(raw) > n.MaxDigits {
		return false
	}
	return true
}

func language(n *Node, s *Session) string {
	if n.Language != "" {
		return n.Language
	}
	return s.Language
}

func playAction(n *Node, s *Session) (telephony.Action, bool) {
	if n.Prompt == "" && n.Text == "" {
		return telephony.Action{}, false
	}
	return telephony.Action{
		Type:     telephony.ActionPlay,
		Prompt:   n.Prompt,
		Text:     expand(n.Text, s.Vars),
		Language: language(n, s),
	}, true
}

func gatherAction(n *Node, s *Session, retry bool) telephony.Action {
	prompt, text := n.Prompt, n.Text
	if retry && (n.RetryPrompt != "" || n.RetryText != "") {
		prompt, text = n.RetryPrompt, n.RetryText
	}
	maxDigits := n.MaxDigits
	if maxDigits <= 0 && n.Type == NodeMenu {
		maxDigits = 1
	}
	return telephony.Action{
		Type:        telephony.ActionGather,
		Prompt:      prompt,
		Text:        expand(text, s.Vars),
		Language:    language(n, s),
		MaxDigits:   maxDigits,
		Timeout:     n.timeout(),
		FinishOnKey: n.FinishOnKey,
		Speech:      n.Speech,
		Params: map[string]string{
			"node": n.ID,
			"seq":  strconv.FormatUint(s.Seq, 10),
		},
	}
}

// expand replaces {{name}} with session variables.
func expand(text string, vars map[string]string) string {
	if text == "" || len(vars) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
