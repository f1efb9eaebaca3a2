package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kirychukyurii/aks-pool-scaler/internal/config"
	"github.com/kirychukyurii/aks-pool-scaler/internal/lifecycle"
	"github.com/kirychukyurii/aks-pool-scaler/internal/model"
	"github.com/kirychukyurii/aks-pool-scaler/internal/repository"
)

// Pool status served over HTTP is cached briefly so the API cannot hammer ARM
const (
	cacheKeyPool = "pool:status"
	poolCacheTTL = 10 * time.Second
)

var (
	// ErrNodeNotFound is returned for operations on untracked nodes
	ErrNodeNotFound = errors.New("node not found")

	// ErrNotAwaitingPreparation is returned when a preparation signal
	// arrives for a node that is not waiting for one
	ErrNotAwaitingPreparation = errors.New("node is not awaiting preparation")
)

// LoopSnapshotter exposes the control loop's view of its last iteration
type LoopSnapshotter interface {
	Snapshot() model.LoopSnapshot
}

// PoolService defines the operations exposed through the HTTP API
type PoolService interface {
	Status(ctx context.Context) *model.ServiceStatus
	Pool(ctx context.Context) (*model.PoolStatus, error)
	Nodes(ctx context.Context) []model.NodeRecord
	Node(ctx context.Context, name string) (model.NodeRecord, bool)
	MarkPrepared(ctx context.Context, name string) error
	ForgetNode(ctx context.Context, name string) error
}

// poolService implements PoolService
type poolService struct {
	cfg    *config.Config
	pool   repository.AgentPoolRepository
	ctrl   *lifecycle.Controller
	loop   LoopSnapshotter
	cache  *gocache.Cache
	logger *slog.Logger
}

// NewPoolService creates a new pool service
func NewPoolService(
	cfg *config.Config,
	pool repository.AgentPoolRepository,
	ctrl *lifecycle.Controller,
	loop LoopSnapshotter,
	logger *slog.Logger,
) PoolService {
	return &poolService{
		cfg:    cfg,
		pool:   pool,
		ctrl:   ctrl,
		loop:   loop,
		cache:  gocache.New(poolCacheTTL, 2*poolCacheTTL),
		logger: logger,
	}
}

// Status assembles the aggregate view served by the status endpoint
func (s *poolService) Status(ctx context.Context) *model.ServiceStatus {
	status := &model.ServiceStatus{
		Cluster:       s.cfg.Azure.Cluster,
		AgentPool:     s.cfg.Azure.AgentPool,
		NodesByState:  s.ctrl.Summary(),
		FailedNodes:   s.ctrl.FailedRecords(),
		Loop:          s.loop.Snapshot(),
		LeaseEnabled:  s.cfg.Lease.Enabled,
		MetricsSource: s.cfg.Metrics.Source,
	}

	pool, err := s.Pool(ctx)
	if err != nil {
		// The status endpoint stays available when ARM is not
		s.logger.Warn("failed to read agent pool for status",
			slog.String("error", err.Error()),
		)
	} else {
		status.Pool = pool
	}

	return status
}

// Pool returns the agent pool snapshot, cached briefly
func (s *poolService) Pool(ctx context.Context) (*model.PoolStatus, error) {
	if cached, ok := s.cache.Get(cacheKeyPool); ok {
		if pool, ok := cached.(*model.PoolStatus); ok {
			return pool, nil
		}
	}

	pool, err := s.pool.GetPool(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent pool: %w", err)
	}

	s.cache.Set(cacheKeyPool, pool, gocache.DefaultExpiration)

	return pool, nil
}

// Nodes returns all tracked node records
func (s *poolService) Nodes(_ context.Context) []model.NodeRecord {
	return s.ctrl.Records()
}

// Node returns a single tracked node record
func (s *poolService) Node(_ context.Context, name string) (model.NodeRecord, bool) {
	return s.ctrl.Record(name)
}

// MarkPrepared applies the external preparation-complete signal to a node
func (s *poolService) MarkPrepared(_ context.Context, name string) error {
	if _, ok := s.ctrl.Record(name); !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}

	if !s.ctrl.MarkPrepared(name) {
		return fmt.Errorf("%w: %s", ErrNotAwaitingPreparation, name)
	}

	return nil
}

// ForgetNode drops a tracked record, typically a failed one, from tracking
func (s *poolService) ForgetNode(_ context.Context, name string) error {
	if !s.ctrl.Forget(name) {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}

	return nil
}
