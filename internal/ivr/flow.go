// Package ivr executes published IVR flows for live calls.
//
// A flow is an arena of nodes keyed by id plus an edge table
// (from, on) -> to. Flows are validated once at publish time so the per-call
// path never has to detect dead ends or missing defaults.
package ivr

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"contact-center/internal/routing"

	"gopkg.in/yaml.v3"
)

var ErrInvalidFlow = errors.New("ivr: invalid flow")

type NodeType string

const (
	NodeMenu         NodeType = "menu"
	NodePlayPrompt   NodeType = "play_prompt"
	NodeGatherInput  NodeType = "gather_input"
	NodeTransfer     NodeType = "transfer"
	NodeVoicemail    NodeType = "voicemail"
	NodeHangup       NodeType = "hangup"
	NodeCondition    NodeType = "condition"
	NodeExternalCall NodeType = "external_call"
)

// Reserved edge keys.
const (
	EdgeDefault = "__default__"
	EdgeTimeout = "__timeout__"
)

// Terminal nodes end the session when entered.
func (t NodeType) Terminal() bool {
	return t == NodeTransfer || t == NodeVoicemail || t == NodeHangup
}

// Interactive nodes wait for caller input.
func (t NodeType) Interactive() bool {
	return t == NodeMenu || t == NodeGatherInput
}

func (t NodeType) known() bool {
	switch t {
	case NodeMenu, NodePlayPrompt, NodeGatherInput, NodeTransfer, NodeVoicemail, NodeHangup, NodeCondition, NodeExternalCall:
		return true
	}
	return false
}

type Node struct {
	ID    string   `json:"id" yaml:"id"`
	Type  NodeType `json:"type" yaml:"type"`
	Name  string   `json:"name,omitempty" yaml:"name,omitempty"`
	Start bool     `json:"start,omitempty" yaml:"start,omitempty"`

	// Prompt is an audio URL; Text is spoken with TTS when Prompt is empty.
	Prompt      string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Text        string `json:"text,omitempty" yaml:"text,omitempty"`
	Language    string `json:"language,omitempty" yaml:"language,omitempty"`
	RetryPrompt string `json:"retry_prompt,omitempty" yaml:"retry_prompt,omitempty"`
	RetryText   string `json:"retry_text,omitempty" yaml:"retry_text,omitempty"`

	// Input collection (menu, gather_input).
	MaxDigits      int    `json:"max_digits,omitempty" yaml:"max_digits,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	FinishOnKey    string `json:"finish_on_key,omitempty" yaml:"finish_on_key,omitempty"`
	Speech         bool   `json:"speech,omitempty" yaml:"speech,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	// Variable makes gather_input accept free input, stored under this name.
	Variable string `json:"variable,omitempty" yaml:"variable,omitempty"`

	// Target for transfer nodes: queue:<team>, agent:<id>, an E.164 number or a sip: URI.
	Target           string `json:"target,omitempty" yaml:"target,omitempty"`
	Mailbox          string `json:"mailbox,omitempty" yaml:"mailbox,omitempty"`
	MaxLengthSeconds int    `json:"max_length_seconds,omitempty" yaml:"max_length_seconds,omitempty"`

	// Condition nodes branch "true"/"false".
	Logic         routing.Logic          `json:"logic,omitempty" yaml:"logic,omitempty"`
	Conditions    []routing.Condition    `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	BusinessHours *routing.BusinessHours `json:"business_hours,omitempty" yaml:"business_hours,omitempty"`

	// URL for external_call nodes; the result string selects the edge.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
}

func (n Node) timeout() time.Duration {
	if n.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(n.TimeoutSeconds) * time.Second
}

type Edge struct {
	From string `json:"from" yaml:"from"`
	On   string `json:"on" yaml:"on"`
	To   string `json:"to" yaml:"to"`
}

// Flow is a versioned graph. Version is assigned on publish.
type Flow struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name,omitempty" yaml:"name,omitempty"`
	Version     int       `json:"version" yaml:"version,omitempty"`
	Nodes       []Node    `json:"nodes" yaml:"nodes"`
	Edges       []Edge    `json:"edges" yaml:"edges"`
	PublishedAt time.Time `json:"published_at,omitempty" yaml:"-"`
}

// Graph is the compiled arena for one flow version.
type Graph struct {
	Flow  Flow
	start string
	nodes map[string]*Node
	edges map[string]map[string]string
}

func (g *Graph) Start() string { return g.start }

func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// next returns the target for key on node from.
func (g *Graph) next(from, key string) (string, bool) {
	to, ok := g.edges[from][key]
	return to, ok
}

// match looks up raw input on from's edges: exact for digits, case-insensitive
// for speech intents. Reserved keys never match caller input.
func (g *Graph) match(from, raw string, speech bool) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == EdgeDefault || raw == EdgeTimeout {
		return "", false
	}
	if to, ok := g.edges[from][raw]; ok {
		return to, true
	}
	if !speech {
		return "", false
	}
	for on, to := range g.edges[from] {
		if strings.EqualFold(on, raw) {
			return to, true
		}
	}
	return "", false
}

// Compile validates f and builds its arena.
func Compile(f Flow) (*Graph, error) {
	if err := Validate(f); err != nil {
		return nil, err
	}
	f.Nodes = append([]Node(nil), f.Nodes...)
	f.Edges = append([]Edge(nil), f.Edges...)
	g := &Graph{
		Flow:  f,
		nodes: make(map[string]*Node, len(f.Nodes)),
		edges: make(map[string]map[string]string),
	}
	for i := range f.Nodes {
		n := &f.Nodes[i]
		g.nodes[n.ID] = n
		if n.Start {
			g.start = n.ID
		}
	}
	for _, e := range f.Edges {
		if g.edges[e.From] == nil {
			g.edges[e.From] = make(map[string]string)
		}
		g.edges[e.From][e.On] = e.To
	}
	return g, nil
}

// Validate runs every publish-time check and reports all problems at once.
func Validate(f Flow) error {
	var errs []error
	fail := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if f.ID == "" {
		fail("flow id required")
	}
	if len(f.Nodes) == 0 {
		fail("flow has no nodes")
	}

	nodes := make(map[string]Node, len(f.Nodes))
	var starts []string
	for _, n := range f.Nodes {
		if n.ID == "" {
			fail("node id required")
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			fail("duplicate node %q", n.ID)
		}
		nodes[n.ID] = n
		if n.Start {
			starts = append(starts, n.ID)
		}
		if !n.Type.known() {
			fail("node %q: unknown type %q", n.ID, n.Type)
		}
		switch n.Type {
		case NodeTransfer:
			if n.Target == "" {
				fail("node %q: transfer needs a target", n.ID)
			}
		case NodeCondition:
			if err := routing.ValidateConditions(n.Conditions); err != nil {
				fail("node %q: %v", n.ID, err)
			}
			if n.BusinessHours != nil {
				if err := n.BusinessHours.Validate(); err != nil {
					fail("node %q: %v", n.ID, err)
				}
			}
		case NodeExternalCall:
			if n.URL == "" {
				fail("node %q: external_call needs a url", n.ID)
			}
		}
		if n.MaxRetries < 0 {
			fail("node %q: max_retries must be >= 0", n.ID)
		}
	}
	if len(starts) != 1 {
		fail("flow must have exactly one start node, found %d", len(starts))
	}

	out := make(map[string]map[string]string)
	for _, e := range f.Edges {
		if _, ok := nodes[e.From]; !ok {
			fail("edge %s -[%s]-> %s: unknown source", e.From, e.On, e.To)
			continue
		}
		if _, ok := nodes[e.To]; !ok {
			fail("edge %s -[%s]-> %s: unknown target", e.From, e.On, e.To)
		}
		if e.On == "" {
			fail("edge %s -> %s: empty match key", e.From, e.To)
		}
		if out[e.From] == nil {
			out[e.From] = make(map[string]string)
		}
		if prev, dup := out[e.From][e.On]; dup && prev != e.To {
			fail("node %q: conflicting edges on %q", e.From, e.On)
		}
		out[e.From][e.On] = e.To
	}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := nodes[id]
		edges := out[id]
		if n.Type.Terminal() {
			if len(edges) > 0 {
				fail("node %q: terminal node has outgoing edges", id)
			}
			continue
		}
		if len(edges) == 0 {
			fail("node %q: non-terminal node has no outgoing edges", id)
			continue
		}
		_, hasDefault := edges[EdgeDefault]
		_, hasTimeout := edges[EdgeTimeout]
		if n.Type.Interactive() {
			if !hasDefault && !hasTimeout {
				fail("node %q: missing %s or %s edge", id, EdgeDefault, EdgeTimeout)
			}
		} else if !hasDefault {
			fail("node %q: missing %s edge", id, EdgeDefault)
		}
	}

	if len(starts) == 1 {
		seen := reachable(starts[0], out)
		for _, id := range ids {
			if !seen[id] {
				fail("node %q: unreachable from start", id)
			}
		}
		if cycle := autoCycle(nodes, out); cycle != "" {
			fail("node %q: cycle without caller input", cycle)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w %q: %w", ErrInvalidFlow, f.ID, errors.Join(errs...))
	}
	return nil
}

func reachable(start string, out map[string]map[string]string) map[string]bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, to := range out[id] {
			if !seen[to] {
				seen[to] = true
				stack = append(stack, to)
			}
		}
	}
	return seen
}

// autoCycle finds a cycle made only of nodes that advance without input,
// which would spin forever at runtime. It returns a node on the cycle.
func autoCycle(nodes map[string]Node, out map[string]map[string]string) string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int)
	auto := func(id string) bool {
		n, ok := nodes[id]
		return ok && !n.Type.Interactive() && !n.Type.Terminal()
	}
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = grey
		targets := make([]string, 0, len(out[id]))
		for _, to := range out[id] {
			targets = append(targets, to)
		}
		sort.Strings(targets)
		for _, to := range targets {
			if !auto(to) {
				continue
			}
			switch color[to] {
			case grey:
				return to
			case white:
				if c := visit(to); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		if auto(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if c := visit(id); c != "" {
				return c
			}
		}
	}
	return ""
}

// LoadFlowFile reads and validates a YAML flow definition.
func LoadFlowFile(path string) (Flow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Flow{}, err
	}
	return ParseFlow(raw)
}

func ParseFlow(raw []byte) (Flow, error) {
	var f Flow
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Flow{}, fmt.Errorf("%w: parse: %v", ErrInvalidFlow, err)
	}
	if err := Validate(f); err != nil {
		return Flow{}, err
	}
	return f, nil
}
