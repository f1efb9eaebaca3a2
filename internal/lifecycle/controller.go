package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kirychukyurii/aks-pool-scaler/internal/concurrent"
	"github.com/kirychukyurii/aks-pool-scaler/internal/config"
	"github.com/kirychukyurii/aks-pool-scaler/internal/model"
	"github.com/kirychukyurii/aks-pool-scaler/internal/repository"
)

// Controller owns the lifecycle state of every node in the pool. New nodes
// are kept tainted until an external preparation signal arrives; removed
// nodes are cordoned, drained under a single deadline and then deleted.
// The node map is the only shared mutable state and every access is
// serialized through the controller's mutex.
type Controller struct {
	pool    repository.AgentPoolRepository
	cluster repository.ClusterRepository
	logger  *slog.Logger

	drainTimeout     time.Duration
	strategy         string
	evictConcurrency int

	mu    sync.RWMutex
	nodes map[string]*model.NodeRecord

	now func() time.Time
}

// NewController creates a lifecycle controller for one agent pool
func NewController(pool repository.AgentPoolRepository, cluster repository.ClusterRepository, cfg config.PoolConfig, logger *slog.Logger) *Controller {
	return &Controller{
		pool:             pool,
		cluster:          cluster,
		logger:           logger,
		drainTimeout:     cfg.DrainTimeout,
		strategy:         cfg.RemovalStrategy,
		evictConcurrency: cfg.EvictionConcurrency,
		nodes:            make(map[string]*model.NodeRecord),
		now:              time.Now,
	}
}

// Reconcile aligns the node map with the cluster's view of the pool.
// Untracked nodes are adopted in a state inferred from their taint and
// cordon flags, so a restarted process resumes interrupted workflows
// instead of repeating them. Tracked nodes the cluster no longer reports
// are removed from the map.
func (c *Controller) Reconcile(ctx context.Context, nodes []model.ClusterNode) {
	observed := make(map[string]model.ClusterNode, len(nodes))
	for _, node := range nodes {
		observed[node.Name] = node
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for name, node := range observed {
		if _, ok := c.nodes[name]; ok {
			continue
		}
		state := adoptionState(node)
		c.nodes[name] = &model.NodeRecord{
			Name:           name,
			State:          state,
			CreatedAt:      node.CreatedAt,
			TransitionedAt: c.now(),
		}
		c.logger.Info("adopted untracked node",
			slog.String("node", name),
			slog.String("state", string(state)),
		)
	}

	for name, rec := range c.nodes {
		if _, ok := observed[name]; ok {
			continue
		}
		switch rec.State {
		case model.NodeStateRequested, model.NodeStateProvisioning:
			// The machine may not have registered with the cluster yet
			continue
		case model.NodeStateFailed:
			// Failed records are kept until an operator forgets them
			continue
		case model.NodeStateTerminating:
			c.logger.Info("node removed from pool", slog.String("node", name))
		default:
			c.logger.Warn("node disappeared from pool",
				slog.String("node", name),
				slog.String("state", string(rec.State)),
			)
		}
		rec.State = model.NodeStateRemoved
		delete(c.nodes, name)
	}
}

// Advance moves every in-flight record forward by the steps whose
// preconditions currently hold. Each iteration advances a node by at most
// one state, which keeps the workflow resumable after a restart.
func (c *Controller) Advance(ctx context.Context, observed map[string]model.ClusterNode) {
	for _, rec := range c.Records() {
		switch rec.State {
		case model.NodeStateProvisioning:
			c.advanceProvisioning(ctx, rec, observed)
		case model.NodeStatePrepared:
			c.advancePrepared(ctx, rec)
		case model.NodeStateCordoned:
			c.advanceCordoned(rec)
		case model.NodeStateDraining:
			c.advanceDraining(ctx, rec)
		}
	}
}

// RequestScaleUp grows the pool by one node and begins tracking it. The
// record exists from the moment the request is made so observers see the
// scale-up before the provider has assigned a name.
func (c *Controller) RequestScaleUp(ctx context.Context) (string, error) {
	now := c.now()
	placeholder := fmt.Sprintf("pending-%d", now.UnixNano())

	c.mu.Lock()
	c.nodes[placeholder] = &model.NodeRecord{
		Name:           placeholder,
		State:          model.NodeStateRequested,
		CreatedAt:      now,
		TransitionedAt: now,
	}
	c.mu.Unlock()

	c.logger.Info("scale-up requested", slog.String("record", placeholder))

	var name string
	err := repository.Retry(ctx, repository.DefaultBackoff, func(ctx context.Context) error {
		var createErr error
		name, createErr = c.pool.CreateNode(ctx)
		return createErr
	})
	if err != nil {
		c.fail(placeholder, "create node", err)
		return "", fmt.Errorf("failed to create node: %w", err)
	}

	c.mu.Lock()
	rec, ok := c.nodes[placeholder]
	if !ok {
		rec = &model.NodeRecord{CreatedAt: now}
	}
	delete(c.nodes, placeholder)
	rec.Name = name
	rec.State = model.NodeStateProvisioning
	rec.TransitionedAt = c.now()
	c.nodes[name] = rec
	c.mu.Unlock()

	c.logger.Info("node provisioning", slog.String("node", name))

	return name, nil
}

// StartRemoval cordons an InService node, beginning the removal workflow
func (c *Controller) StartRemoval(ctx context.Context, name string) error {
	c.mu.RLock()
	rec, ok := c.nodes[name]
	removable := ok && rec.Removable()
	c.mu.RUnlock()
	if !removable {
		return fmt.Errorf("node %s is not a removal candidate", name)
	}

	err := repository.Retry(ctx, repository.DefaultBackoff, func(ctx context.Context) error {
		return c.cluster.CordonNode(ctx, name)
	})
	if err != nil {
		c.fail(name, "cordon node", err)
		return fmt.Errorf("failed to cordon node %s: %w", name, err)
	}

	if c.transition(name, model.NodeStateInService, model.NodeStateCordoned) {
		c.logger.Info("node cordoned for removal", slog.String("node", name))
	}

	return nil
}

// RemovalCandidate picks the node to remove on scale-down. The latest
// strategy prefers the most recently added InService node so long-resident
// workloads keep their hosts; oldest inverts that. Name order breaks ties.
func (c *Controller) RemovalCandidate() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	candidates := make([]*model.NodeRecord, 0, len(c.nodes))
	for _, rec := range c.nodes {
		if rec.Removable() {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].Name < candidates[j].Name
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	if c.strategy == config.RemovalStrategyOldest {
		return candidates[0].Name, true
	}

	return candidates[len(candidates)-1].Name, true
}

// MarkPrepared records the external preparation-complete signal. Signals
// for unknown nodes or nodes not awaiting preparation are ignored.
func (c *Controller) MarkPrepared(name string) bool {
	if c.transition(name, model.NodeStateTaintedReady, model.NodeStatePrepared) {
		c.logger.Info("node prepared", slog.String("node", name))
		return true
	}

	c.logger.Debug("ignored preparation signal", slog.String("node", name))

	return false
}

// Forget drops a record from tracking without touching the node. Intended
// for operator cleanup of Failed records.
func (c *Controller) Forget(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.nodes[name]
	if !ok {
		return false
	}
	delete(c.nodes, name)

	c.logger.Info("forgot node record",
		slog.String("node", name),
		slog.String("state", string(rec.State)),
	)

	return true
}

// Records returns a copy of every tracked record sorted by name
func (c *Controller) Records() []model.NodeRecord {
	c.mu.RLock()
	records := make([]model.NodeRecord, 0, len(c.nodes))
	for _, rec := range c.nodes {
		records = append(records, *rec)
	}
	c.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })

	return records
}

// Record returns a copy of a single tracked record
func (c *Controller) Record(name string) (model.NodeRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.nodes[name]
	if !ok {
		return model.NodeRecord{}, false
	}

	return *rec, true
}

// Summary counts tracked records per lifecycle state
func (c *Controller) Summary() map[model.NodeState]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := make(map[model.NodeState]int, len(c.nodes))
	for _, rec := range c.nodes {
		summary[rec.State]++
	}

	return summary
}

// FailedRecords returns the records stuck in Failed for the status surface
func (c *Controller) FailedRecords() []model.NodeRecord {
	var failed []model.NodeRecord
	for _, rec := range c.Records() {
		if rec.State == model.NodeStateFailed {
			failed = append(failed, rec)
		}
	}

	return failed
}

// advanceProvisioning taints a node once it reports ready, so it can never
// be schedulable before preparation completes
func (c *Controller) advanceProvisioning(ctx context.Context, rec model.NodeRecord, observed map[string]model.ClusterNode) {
	node, ok := observed[rec.Name]
	if !ok || !node.Ready {
		return
	}

	err := repository.Retry(ctx, repository.DefaultBackoff, func(ctx context.Context) error {
		return c.cluster.TaintNode(ctx, rec.Name)
	})
	if err != nil {
		c.fail(rec.Name, "taint node", err)
		return
	}

	if c.transition(rec.Name, model.NodeStateProvisioning, model.NodeStateTaintedReady) {
		c.logger.Info("node ready and tainted, awaiting preparation",
			slog.String("node", rec.Name),
		)
	}
}

// advancePrepared untaints a prepared node, exposing it to the scheduler
func (c *Controller) advancePrepared(ctx context.Context, rec model.NodeRecord) {
	err := repository.Retry(ctx, repository.DefaultBackoff, func(ctx context.Context) error {
		return c.cluster.UntaintNode(ctx, rec.Name)
	})
	if err != nil {
		c.fail(rec.Name, "untaint node", err)
		return
	}

	if c.transition(rec.Name, model.NodeStatePrepared, model.NodeStateInService) {
		c.logger.Info("node in service", slog.String("node", rec.Name))
	}
}

// advanceCordoned starts the drain and arms the force-termination deadline
func (c *Controller) advanceCordoned(rec model.NodeRecord) {
	if deadline, ok := c.beginDraining(rec.Name); ok {
		c.logger.Info("node draining",
			slog.String("node", rec.Name),
			slog.Time("deadline", deadline),
		)
	}
}

// advanceDraining evicts remaining pods and deletes the node once they are
// gone or the deadline has passed, whichever comes first
func (c *Controller) advanceDraining(ctx context.Context, rec model.NodeRecord) {
	deadlinePassed := func() bool {
		return rec.DrainDeadline != nil && !c.now().Before(*rec.DrainDeadline)
	}

	pods, err := c.cluster.PodsOnNode(ctx, rec.Name)
	if err != nil {
		c.logger.Warn("failed to list pods on draining node",
			slog.String("node", rec.Name),
			slog.String("error", err.Error()),
		)
		// Unknown pod state never blocks the deadline
		if deadlinePassed() {
			c.terminate(ctx, rec.Name, "drain deadline expired")
		}
		return
	}

	if len(pods) == 0 {
		c.terminate(ctx, rec.Name, "all pods evicted")
		return
	}

	if deadlinePassed() {
		c.logger.Warn("drain deadline expired, deleting node with pods remaining",
			slog.String("node", rec.Name),
			slog.Int("pods_remaining", len(pods)),
		)
		c.terminate(ctx, rec.Name, "drain deadline expired")
		return
	}

	// Request evictions; failures are retried on the next iteration
	results := concurrent.ParallelMapWithLimit(ctx, pods, func(ctx context.Context, pod model.PodRef) (model.PodRef, error) {
		return pod, c.cluster.EvictPod(ctx, pod)
	}, c.evictConcurrency)

	requested := 0
	for _, result := range results {
		if result.Error != nil {
			c.logger.Warn("pod eviction failed",
				slog.String("node", rec.Name),
				slog.String("pod", result.Value.String()),
				slog.String("error", result.Error.Error()),
			)
			continue
		}
		requested++
	}

	c.logger.Info("draining node",
		slog.String("node", rec.Name),
		slog.Int("pods_remaining", len(pods)),
		slog.Int("evictions_requested", requested),
	)
}

// terminate issues the machine deletion and marks the record Terminating.
// Removal completes when the node leaves the cluster listing.
func (c *Controller) terminate(ctx context.Context, name, reason string) {
	err := repository.Retry(ctx, repository.DefaultBackoff, func(ctx context.Context) error {
		return c.pool.DeleteNode(ctx, name)
	})
	if err != nil {
		c.fail(name, "delete node", err)
		return
	}

	if c.transition(name, model.NodeStateDraining, model.NodeStateTerminating) {
		c.logger.Info("node terminating",
			slog.String("node", name),
			slog.String("reason", reason),
		)
	}
}

// beginDraining moves a cordoned node to Draining and sets its deadline
func (c *Controller) beginDraining(name string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.nodes[name]
	if !ok || rec.State != model.NodeStateCordoned {
		return time.Time{}, false
	}

	deadline := c.now().Add(c.drainTimeout)
	rec.State = model.NodeStateDraining
	rec.TransitionedAt = c.now()
	rec.DrainDeadline = &deadline

	return deadline, true
}

// transition applies a state change only if the record is still in the
// expected state, so concurrent signals cannot double-apply a step
func (c *Controller) transition(name string, from, to model.NodeState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.nodes[name]
	if !ok || rec.State != from {
		return false
	}
	rec.State = to
	rec.TransitionedAt = c.now()

	return true
}

// fail moves a record to Failed, keeping the operation and cause inspectable
func (c *Controller) fail(name, operation string, err error) {
	c.mu.Lock()
	rec, ok := c.nodes[name]
	if ok && rec.State != model.NodeStateFailed {
		rec.State = model.NodeStateFailed
		rec.TransitionedAt = c.now()
		rec.LastOperation = operation
		rec.LastError = err.Error()
	}
	c.mu.Unlock()

	if ok {
		c.logger.Error("node lifecycle operation failed",
			slog.String("node", name),
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
	}
}

// adoptionState infers how far a node progressed from its cluster flags,
// so that restart recovery resumes interrupted workflows
func adoptionState(node model.ClusterNode) model.NodeState {
	switch {
	case node.Tainted:
		return model.NodeStateTaintedReady
	case node.Unschedulable:
		return model.NodeStateCordoned
	case node.Ready:
		return model.NodeStateInService
	default:
		return model.NodeStateProvisioning
	}
}
