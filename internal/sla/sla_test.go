package sla

import (
	"context"
	"math"
	"testing"
	"time"

	"contact-center/internal/queue"
)

func TestCompute_ComplianceAndAbandonAreIndependent(t *testing.T) {
	var samples []Sample
	for _, s := range []int{5, 10, 15, 20, 25, 30, 35, 40, 45, 50} {
		samples = append(samples, Sample{Wait: time.Duration(s) * time.Second, Answered: true})
	}
	w := Compute(samples, 20*time.Second)
	if w.AnsweredWithinTarget != 3 || w.CompliancePercent != 30 {
		t.Fatalf("expected 3/10 = 30%%, got %d and %v", w.AnsweredWithinTarget, w.CompliancePercent)
	}

	samples = append(samples, Sample{Abandoned: true}, Sample{Abandoned: true})
	w = Compute(samples, 20*time.Second)
	if w.Total != 12 || w.Abandoned != 2 {
		t.Fatalf("unexpected counts: %+v", w)
	}
	if math.Abs(w.AbandonPercent-100.0*2/12) > 1e-9 {
		t.Fatalf("unexpected abandon rate %v", w.AbandonPercent)
	}
	if w.CompliancePercent != 30 {
		t.Fatalf("abandoned calls must not change compliance, got %v", w.CompliancePercent)
	}
	if w.AverageWaitSeconds != 27.5 {
		t.Fatalf("expected average wait 27.5s, got %v", w.AverageWaitSeconds)
	}
}

func TestCompute_EmptyWindow(t *testing.T) {
	w := Compute(nil, time.Second)
	if w.CompliancePercent != 0 || w.AbandonPercent != 0 || w.Total != 0 {
		t.Fatalf("expected zero window, got %+v", w)
	}
}

func TestBucketize_SplitsByEnqueueTime(t *testing.T) {
	from := time.Unix(1700000000, 0).UTC()
	samples := []Sample{
		{EnqueuedAt: from, Answered: true, Wait: time.Second},
		{EnqueuedAt: from.Add(14 * time.Minute), Abandoned: true},
		{EnqueuedAt: from.Add(15 * time.Minute), Answered: true, Wait: time.Minute},
	}
	ws := Bucketize(samples, from, from.Add(20*time.Minute), 15*time.Minute, 20*time.Second)
	if len(ws) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(ws))
	}
	if ws[0].Total != 2 || ws[0].CompliancePercent != 100 || ws[0].AbandonPercent != 50 {
		t.Fatalf("unexpected first bucket %+v", ws[0])
	}
	if ws[1].Total != 1 || ws[1].CompliancePercent != 0 || !ws[1].To.Equal(from.Add(20*time.Minute)) {
		t.Fatalf("unexpected second bucket %+v", ws[1])
	}
}

func TestService_SnapshotIsRederivable(t *testing.T) {
	repo := queue.NewMemoryRepo()
	base := time.Unix(1700000000, 0).UTC()
	ctx := context.Background()
	for i, e := range []queue.Entry{
		{Status: queue.StatusCompleted, AnsweredAt: base.Add(10 * time.Second)},
		{Status: queue.StatusAnswered, AnsweredAt: base.Add(40 * time.Second)},
		{Status: queue.StatusAbandoned, EndedAt: base.Add(90 * time.Second)},
		{Status: queue.StatusWaiting},
	} {
		e.ID = string(rune('a' + i))
		e.CallID = e.ID
		e.TeamID = "sales"
		e.EnqueuedAt = base
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	svc := NewService(repo, nil, nil)
	req := Request{TeamID: "sales", Range: TimeRange{From: base.Add(-time.Hour), To: base.Add(time.Hour)}, Target: 20 * time.Second}

	a, err := svc.Snapshot(ctx, req)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	b, _ := svc.Snapshot(ctx, req)
	if a.Overall != b.Overall {
		t.Fatalf("expected identical snapshots")
	}
	if a.Overall.Total != 3 || a.Overall.Answered != 2 || a.Overall.Abandoned != 1 {
		t.Fatalf("unexpected overall %+v", a.Overall)
	}
	if a.Overall.CompliancePercent != 50 {
		t.Fatalf("expected 50%% compliance, got %v", a.Overall.CompliancePercent)
	}

	if _, err := svc.Snapshot(ctx, Request{Range: req.Range}); err == nil {
		t.Fatalf("expected error for missing target")
	}
}

func TestService_PublishGroupsByTeam(t *testing.T) {
	repo := queue.NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	ctx := context.Background()
	for i, team := range []string{"sales", "support", "sales"} {
		e := queue.Entry{ID: string(rune('a' + i)), CallID: string(rune('a' + i)), TeamID: team,
			Status: queue.StatusCompleted, EnqueuedAt: now.Add(-time.Minute), AnsweredAt: now.Add(-50 * time.Second)}
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	svc := NewService(repo, nil, nil)
	svc.clock = func() time.Time { return now }

	ws, err := svc.Publish(ctx, 15*time.Minute, 20*time.Second)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(ws) != 2 || ws[0].TeamID != "sales" || ws[0].Total != 2 || ws[1].TeamID != "support" {
		t.Fatalf("unexpected windows %+v", ws)
	}
}
