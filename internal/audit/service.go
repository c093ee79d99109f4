package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for routing logs.
//
// It MUST be append-only.
// No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, l RoutingLog) error
	List(ctx context.Context, f LogFilter) ([]RoutingLog, error)
}

// Service records routing decisions. Callers treat recording as best-effort:
// a failed append is logged, never allowed to fail the routing attempt.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidLog = errors.New("audit: invalid routing log")

func (s *Service) Record(ctx context.Context, l RoutingLog) (RoutingLog, error) {
	if s.repo == nil {
		return RoutingLog{}, errors.New("audit: repository not configured")
	}
	if l.CallID == "" {
		return RoutingLog{}, ErrInvalidLog
	}
	if l.DurationMs < 0 {
		return RoutingLog{}, ErrInvalidLog
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.clock().UTC()
	}
	if err := s.repo.Append(ctx, l); err != nil {
		return RoutingLog{}, err
	}
	return l, nil
}

func (s *Service) List(ctx context.Context, f LogFilter) ([]RoutingLog, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.List(ctx, f)
}
