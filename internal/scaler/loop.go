package scaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kirychukyurii/aks-pool-scaler/internal/config"
	"github.com/kirychukyurii/aks-pool-scaler/internal/lifecycle"
	"github.com/kirychukyurii/aks-pool-scaler/internal/metrics"
	"github.com/kirychukyurii/aks-pool-scaler/internal/model"
	"github.com/kirychukyurii/aks-pool-scaler/internal/policy"
	"github.com/kirychukyurii/aks-pool-scaler/internal/repository"
)

// Scaler runs the periodic control loop for a single agent pool: observe
// load and pool state, reconcile tracked nodes, advance in-flight
// lifecycle work and apply at most one scaling decision per iteration.
type Scaler struct {
	cfg     *config.Config
	pool    repository.AgentPoolRepository
	cluster repository.ClusterRepository
	source  metrics.Source
	policy  *policy.Policy
	ctrl    *lifecycle.Controller
	lease   repository.LeaseRepository // nil when coordination is disabled
	logger  *slog.Logger

	holderID string
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu            sync.RWMutex
	snap          model.LoopSnapshot
	leaseFailures int  // consecutive lease backend errors
	lastHeld      bool // lease outcome of the previous iteration

	now func() time.Time
}

// NewScaler creates a control loop. Pass a nil lease repository to run
// without cross-instance coordination.
func NewScaler(
	cfg *config.Config,
	pool repository.AgentPoolRepository,
	cluster repository.ClusterRepository,
	source metrics.Source,
	pol *policy.Policy,
	ctrl *lifecycle.Controller,
	lease repository.LeaseRepository,
	logger *slog.Logger,
) *Scaler {
	hostname, _ := os.Hostname()

	return &Scaler{
		cfg:      cfg,
		pool:     pool,
		cluster:  cluster,
		source:   source,
		policy:   pol,
		ctrl:     ctrl,
		lease:    lease,
		logger:   logger,
		holderID: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the control loop in a background goroutine
func (s *Scaler) Start(ctx context.Context) {
	if s.lease != nil {
		s.recoverScalingEvent(ctx)
	}

	bounds := s.policy.Bounds()
	s.logger.Info("starting pool scaler",
		slog.String("pool", s.cfg.Azure.AgentPool),
		slog.Duration("interval", s.cfg.Pool.Interval),
		slog.Int("min_count", bounds.MinCount),
		slog.Int("max_count", bounds.MaxCount),
	)

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop gracefully stops the control loop. An in-flight iteration finishes,
// no new one begins.
func (s *Scaler) Stop() {
	s.logger.Info("stopping pool scaler")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("pool scaler stopped")
}

// Snapshot returns a copy of the loop's view of its last iteration
func (s *Scaler) Snapshot() model.LoopSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snap
}

// run is the main control loop
func (s *Scaler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Pool.Interval)
	defer ticker.Stop()

	s.iterate(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.iterate(ctx)
		}
	}
}

// iterate executes a single control loop pass. Lifecycle reconciliation
// and advancement run before the scaling decision, so in-flight node work
// still progresses when metrics or the pool are unreadable.
func (s *Scaler) iterate(ctx context.Context) {
	s.mu.Lock()
	s.snap.Iterations++
	iteration := s.snap.Iterations
	s.mu.Unlock()

	logger := s.logger.With(slog.Uint64("iteration", iteration))

	if s.lease != nil {
		held := s.holdLease(ctx, logger)
		s.mu.Lock()
		s.snap.LeaseHeld = held
		s.mu.Unlock()
		if !held {
			logger.Debug("not holding the pool lease, skipping iteration")
			return
		}
	}

	nodes, err := s.cluster.ListPoolNodes(ctx, s.cfg.Azure.AgentPool)
	if err != nil {
		logger.Warn("failed to list pool nodes", slog.String("error", err.Error()))
		return
	}

	s.ctrl.Reconcile(ctx, nodes)

	observed := make(map[string]model.ClusterNode, len(nodes))
	for _, node := range nodes {
		observed[node.Name] = node
	}
	s.ctrl.Advance(ctx, observed)

	pool, err := s.pool.GetPool(ctx)
	if err != nil {
		logger.Warn("failed to read agent pool", slog.String("error", err.Error()))
		return
	}

	if !pool.Scalable() {
		logger.Info("agent pool not scalable, skipping decision",
			slog.String("provisioning_state", pool.ProvisioningState),
			slog.Bool("autoscaling_enabled", pool.AutoscalingEnabled),
		)
		return
	}

	load, err := s.source.CurrentLoad(ctx)
	if err != nil {
		logger.Warn("metrics unavailable, skipping decision",
			slog.String("error", err.Error()),
		)
		return
	}

	decision := s.policy.Decide(load, pool.Count)

	s.mu.Lock()
	s.snap.LastLoad = load
	s.snap.LastLoadAt = s.now()
	s.snap.LastDecision = &decision
	s.snap.LastDecisionAt = s.now()
	lastEvent := s.snap.LastScalingEvent
	s.mu.Unlock()

	logger.Info("scaling decision",
		slog.Float64("load", load),
		slog.Int("count", pool.Count),
		slog.String("action", string(decision.Action)),
		slog.String("reason", decision.Reason),
	)

	if decision.Action == model.ActionNone {
		return
	}

	if remaining := s.cooldownRemaining(decision.Action, lastEvent); remaining > 0 {
		logger.Info("scaling suppressed by cooldown",
			slog.String("action", string(decision.Action)),
			slog.Duration("remaining", remaining),
		)
		return
	}

	switch decision.Action {
	case model.ActionScaleUp:
		s.scaleUp(ctx, logger)
	case model.ActionScaleDown:
		s.scaleDown(ctx, logger)
	}
}

// scaleUp requests one new node and records the scaling event
func (s *Scaler) scaleUp(ctx context.Context, logger *slog.Logger) {
	name, err := s.ctrl.RequestScaleUp(ctx)
	if err != nil {
		logger.Error("scale-up failed", slog.String("error", err.Error()))
		return
	}

	s.recordScalingEvent(ctx, logger, model.ActionScaleUp, name)
}

// scaleDown begins the removal of the configured candidate node
func (s *Scaler) scaleDown(ctx context.Context, logger *slog.Logger) {
	name, ok := s.ctrl.RemovalCandidate()
	if !ok {
		logger.Info("no removable node for scale-down")
		return
	}

	if err := s.ctrl.StartRemoval(ctx, name); err != nil {
		logger.Error("scale-down failed",
			slog.String("node", name),
			slog.String("error", err.Error()),
		)
		return
	}

	s.recordScalingEvent(ctx, logger, model.ActionScaleDown, name)
}

// recordScalingEvent updates the cooldown clock and persists the event
// when coordination is enabled
func (s *Scaler) recordScalingEvent(ctx context.Context, logger *slog.Logger, action model.ScalingAction, node string) {
	occurredAt := s.now()

	s.mu.Lock()
	s.snap.LastScalingEvent = occurredAt
	s.mu.Unlock()

	if s.lease == nil {
		return
	}

	event := &model.ScalingEvent{
		Pool:       s.cfg.Azure.AgentPool,
		Action:     action,
		Node:       node,
		OccurredAt: occurredAt,
	}
	if err := s.lease.WriteScalingEvent(ctx, event); err != nil {
		logger.Warn("failed to persist scaling event", slog.String("error", err.Error()))
	}
}

// cooldownRemaining returns how long the action must still wait after the
// last scaling event. Both directions measure from the same event.
func (s *Scaler) cooldownRemaining(action model.ScalingAction, last time.Time) time.Duration {
	if last.IsZero() {
		return 0
	}

	var window time.Duration
	switch action {
	case model.ActionScaleUp:
		window = s.cfg.Pool.ScaleUpCooldown
	case model.ActionScaleDown:
		window = s.cfg.Pool.ScaleDownCooldown
	default:
		return 0
	}

	elapsed := s.now().Sub(last)
	if elapsed >= window {
		return 0
	}

	return window - elapsed
}

// holdLease acquires or refreshes the pool lease. A holder rides out lease
// backend errors for up to max_failures iterations; the stale threshold
// keeps other instances from taking over during that window.
func (s *Scaler) holdLease(ctx context.Context, logger *slog.Logger) bool {
	held, err := s.tryLease(ctx, logger)
	if err == nil {
		s.mu.Lock()
		s.leaseFailures = 0
		s.lastHeld = held
		s.mu.Unlock()
		return held
	}

	s.mu.Lock()
	s.leaseFailures++
	failures := s.leaseFailures
	wasHolding := s.lastHeld
	s.mu.Unlock()

	logger.Warn("lease operation failed",
		slog.String("error", err.Error()),
		slog.Int("consecutive_failures", failures),
		slog.Int("max_failures", s.cfg.Lease.MaxFailures),
	)

	if wasHolding && failures < s.cfg.Lease.MaxFailures {
		return true
	}

	if wasHolding {
		logger.Error("lease backend unreachable, pausing pool mutations",
			slog.Int("consecutive_failures", failures),
		)
		s.mu.Lock()
		s.lastHeld = false
		s.mu.Unlock()
	}

	return false
}

// tryLease reads the current lease and writes our heartbeat unless a
// fresh lease held by someone else is found
func (s *Scaler) tryLease(ctx context.Context, logger *slog.Logger) (bool, error) {
	pool := s.cfg.Azure.AgentPool

	current, err := s.lease.ReadLease(ctx, pool)
	if err != nil && !errors.Is(err, repository.ErrKeyNotFound) {
		return false, err
	}

	now := s.now()
	lease := &model.PoolLease{
		Pool:          pool,
		HolderID:      s.holderID,
		AcquiredAt:    now,
		LastHeartbeat: now,
	}

	if current != nil {
		switch {
		case current.HolderID == s.holderID:
			lease.AcquiredAt = current.AcquiredAt
		case !current.IsStale(s.cfg.Lease.StaleThreshold):
			logger.Debug("pool lease held elsewhere",
				slog.String("holder", current.HolderID),
				slog.Duration("heartbeat_age", current.HeartbeatAge()),
			)
			return false, nil
		default:
			logger.Info("taking over stale pool lease",
				slog.String("previous_holder", current.HolderID),
				slog.Duration("heartbeat_age", current.HeartbeatAge()),
			)
		}
	}

	if err := s.lease.WriteLease(ctx, lease); err != nil {
		return false, err
	}

	return true, nil
}

// recoverScalingEvent seeds the cooldown clock from the persisted event so
// a restart does not reopen a closed cooldown window
func (s *Scaler) recoverScalingEvent(ctx context.Context) {
	event, err := s.lease.ReadScalingEvent(ctx, s.cfg.Azure.AgentPool)
	if err != nil {
		if !errors.Is(err, repository.ErrKeyNotFound) {
			s.logger.Warn("failed to read last scaling event",
				slog.String("error", err.Error()),
			)
		}
		return
	}

	s.mu.Lock()
	s.snap.LastScalingEvent = event.OccurredAt
	s.mu.Unlock()

	s.logger.Info("recovered last scaling event",
		slog.String("action", string(event.Action)),
		slog.Time("occurred_at", event.OccurredAt),
	)
}
