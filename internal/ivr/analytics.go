package ivr

import (
	"sort"
	"strings"
	"time"
)

// Analytics is derived from finalized sessions only.
type Analytics struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`

	Started       int `json:"started"`
	Completed     int `json:"completed"`
	Abandoned     int `json:"abandoned"`
	Errored       int `json:"errored"`
	TestCompleted int `json:"test_completed"`
	Transferred   int `json:"transferred"`
	Voicemail     int `json:"voicemail"`

	AverageDwellSeconds map[string]float64 `json:"average_dwell_seconds"`
	ExitNodes           map[string]int     `json:"exit_nodes"`
	CommonExitNode      string             `json:"common_exit_node,omitempty"`
}

func Analyze(sessions []Session) Analytics {
	out := Analytics{
		AverageDwellSeconds: make(map[string]float64),
		ExitNodes:           make(map[string]int),
	}
	dwell := make(map[string]time.Duration)
	visits := make(map[string]int)

	for _, s := range sessions {
		if !s.Ended() {
			continue
		}
		out.Started++
		switch s.ExitReason {
		case ExitCompleted:
			out.Completed++
		case ExitAbandoned:
			out.Abandoned++
		case ExitError:
			out.Errored++
		case ExitTestCompleted:
			out.TestCompleted++
		}
		switch {
		case strings.HasPrefix(s.TransferredTo, "voicemail:"):
			out.Voicemail++
		case s.TransferredTo != "":
			out.Transferred++
		}
		if s.ExitNode != "" {
			out.ExitNodes[s.ExitNode]++
		}
		for _, v := range s.Visits {
			if v.LeftAt.IsZero() {
				continue
			}
			dwell[v.NodeID] += v.LeftAt.Sub(v.EnteredAt)
			visits[v.NodeID]++
		}
	}

	for id, total := range dwell {
		out.AverageDwellSeconds[id] = total.Seconds() / float64(visits[id])
	}

	nodes := make([]string, 0, len(out.ExitNodes))
	for id := range out.ExitNodes {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	best := 0
	for _, id := range nodes {
		if out.ExitNodes[id] > best {
			best = out.ExitNodes[id]
			out.CommonExitNode = id
		}
	}
	return out
}
