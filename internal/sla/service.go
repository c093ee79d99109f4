// Package sla derives service-level windows from finished queue entries.
package sla

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"contact-center/internal/metrics"
	"contact-center/internal/queue"
)

var ErrInvalidRequest = errors.New("sla: invalid request")

// Source lists queue entries; the queue service and its repositories satisfy it.
type Source interface {
	List(ctx context.Context, f queue.Filter) ([]queue.Entry, error)
}

type Service struct {
	src     Source
	metrics *metrics.Metrics
	clock   func() time.Time
	log     *slog.Logger
}

func NewService(src Source, m *metrics.Metrics, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{src: src, metrics: m, clock: time.Now, log: log}
}

var finished = []queue.Status{queue.StatusAnswered, queue.StatusCompleted, queue.StatusAbandoned}

func (s *Service) Snapshot(ctx context.Context, req Request) (Snapshot, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return Snapshot{}, ErrInvalidRequest
	}
	if req.Target <= 0 {
		return Snapshot{}, ErrInvalidRequest
	}
	if s.src == nil {
		return Snapshot{}, errors.New("sla: source not configured")
	}

	samples, err := s.samples(ctx, req.TeamID, req.Range)
	if err != nil {
		return Snapshot{}, err
	}
	out := Snapshot{
		TeamID:        req.TeamID,
		Range:         req.Range,
		TargetSeconds: req.Target.Seconds(),
		Overall:       Compute(samples, req.Target),
	}
	out.Overall.TeamID = req.TeamID
	out.Overall.From, out.Overall.To = req.Range.From, req.Range.To
	if req.Bucket > 0 {
		out.Buckets = Bucketize(samples, req.Range.From, req.Range.To, req.Bucket, req.Target)
		for i := range out.Buckets {
			out.Buckets[i].TeamID = req.TeamID
		}
	}
	return out, nil
}

func (s *Service) samples(ctx context.Context, teamID string, r TimeRange) ([]Sample, error) {
	rows, err := s.src.List(ctx, queue.Filter{TeamID: teamID, Statuses: finished, From: r.From, To: r.To})
	if err != nil {
		return nil, err
	}
	out := make([]Sample, 0, len(rows))
	for _, e := range rows {
		out = append(out, sampleOf(e))
	}
	return out, nil
}

func sampleOf(e queue.Entry) Sample {
	answered := !e.AnsweredAt.IsZero()
	return Sample{
		TeamID:     e.TeamID,
		EnqueuedAt: e.EnqueuedAt,
		Wait:       e.WaitTime(e.EnqueuedAt),
		Answered:   answered,
		Abandoned:  e.Status == queue.StatusAbandoned && !answered,
	}
}

// Publish recomputes the trailing bucket for every team seen in it and sets
// the SLA gauges. It returns the per-team windows.
func (s *Service) Publish(ctx context.Context, bucket, target time.Duration) ([]Window, error) {
	if bucket <= 0 || target <= 0 {
		return nil, ErrInvalidRequest
	}
	now := s.clock()
	samples, err := s.samples(ctx, "", TimeRange{From: now.Add(-bucket), To: now})
	if err != nil {
		return nil, err
	}
	byTeam := make(map[string][]Sample)
	for _, smp := range samples {
		byTeam[smp.TeamID] = append(byTeam[smp.TeamID], smp)
	}
	teams := make([]string, 0, len(byTeam))
	for t := range byTeam {
		teams = append(teams, t)
	}
	sort.Strings(teams)

	out := make([]Window, 0, len(teams))
	for _, team := range teams {
		w := Compute(byTeam[team], target)
		w.TeamID, w.From, w.To = team, now.Add(-bucket), now
		s.metrics.SetSLA(team, w.CompliancePercent, w.AbandonPercent, time.Duration(w.AverageWaitSeconds*float64(time.Second)))
		out = append(out, w)
	}
	return out, nil
}

// Run publishes every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval, bucket, target time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Publish(ctx, bucket, target); err != nil && ctx.Err() == nil {
				s.log.Warn("sla pass failed", "err", err)
			}
		}
	}
}
