package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirychukyurii/aks-pool-scaler/internal/config"
	"github.com/kirychukyurii/aks-pool-scaler/internal/model"
)

type fakePool struct {
	mu sync.Mutex

	nextName  string
	createErr error
	deleteErr error

	created  int
	deleted  []string
	onCreate func()
}

func (f *fakePool) GetPool(_ context.Context) (*model.PoolStatus, error) {
	return &model.PoolStatus{}, nil
}

func (f *fakePool) CreateNode(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onCreate != nil {
		f.onCreate()
	}
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created++
	return f.nextName, nil
}

func (f *fakePool) DeleteNode(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakePool) ListMachines(_ context.Context) ([]string, error) {
	return nil, nil
}

type fakeCluster struct {
	mu sync.Mutex

	pods map[string][]model.PodRef

	taintErrs  map[string]error
	untaintErr error
	cordonErr  error
	podsErr    error
	evictErrs  map[string]error

	taintCalls   map[string]int
	untaintCalls map[string]int
	cordonCalls  map[string]int
	evictions    []string
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		pods:         make(map[string][]model.PodRef),
		taintErrs:    make(map[string]error),
		evictErrs:    make(map[string]error),
		taintCalls:   make(map[string]int),
		untaintCalls: make(map[string]int),
		cordonCalls:  make(map[string]int),
	}
}

func (f *fakeCluster) ListPoolNodes(_ context.Context, _ string) ([]model.ClusterNode, error) {
	return nil, nil
}

func (f *fakeCluster) TaintNode(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taintCalls[name]++
	return f.taintErrs[name]
}

func (f *fakeCluster) UntaintNode(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.untaintCalls[name]++
	return f.untaintErr
}

func (f *fakeCluster) CordonNode(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cordonCalls[name]++
	return f.cordonErr
}

func (f *fakeCluster) PodsOnNode(_ context.Context, name string) ([]model.PodRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.podsErr != nil {
		return nil, f.podsErr
	}
	return append([]model.PodRef(nil), f.pods[name]...), nil
}

func (f *fakeCluster) EvictPod(_ context.Context, pod model.PodRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.evictErrs[pod.String()]; err != nil {
		return err
	}
	f.evictions = append(f.evictions, pod.String())
	return nil
}

func (f *fakeCluster) CountPodsInPhase(_ context.Context, _, _ string) (int, error) {
	return 0, nil
}

type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{at: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

func newTestController(pool *fakePool, cluster *fakeCluster, clock *fakeClock) *Controller {
	cfg := config.PoolConfig{
		DrainTimeout:        60 * time.Second,
		RemovalStrategy:     config.RemovalStrategyLatest,
		EvictionConcurrency: 2,
	}
	ctrl := NewController(pool, cluster, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctrl.now = clock.Now
	return ctrl
}

func seed(ctrl *Controller, name string, state model.NodeState) {
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	ctrl.nodes[name] = &model.NodeRecord{
		Name:           name,
		State:          state,
		CreatedAt:      ctrl.now(),
		TransitionedAt: ctrl.now(),
	}
}

func observe(nodes ...model.ClusterNode) map[string]model.ClusterNode {
	observed := make(map[string]model.ClusterNode, len(nodes))
	for _, node := range nodes {
		observed[node.Name] = node
	}
	return observed
}

func TestRequestScaleUp(t *testing.T) {
	pool := &fakePool{nextName: "aks-workers-1000-vmss000003"}
	ctrl := newTestController(pool, newFakeCluster(), newFakeClock())

	var duringCreate []model.NodeRecord
	pool.onCreate = func() {
		duringCreate = ctrl.Records()
	}

	name, err := ctrl.RequestScaleUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "aks-workers-1000-vmss000003", name)

	// The record must exist before the provider call returns a name
	require.Len(t, duringCreate, 1)
	assert.Equal(t, model.NodeStateRequested, duringCreate[0].State)

	rec, ok := ctrl.Record(name)
	require.True(t, ok)
	assert.Equal(t, model.NodeStateProvisioning, rec.State)
	assert.Len(t, ctrl.Records(), 1)
}

func TestRequestScaleUpFailure(t *testing.T) {
	pool := &fakePool{createErr: errors.New("quota exceeded")}
	ctrl := newTestController(pool, newFakeCluster(), newFakeClock())

	_, err := ctrl.RequestScaleUp(context.Background())
	require.Error(t, err)

	records := ctrl.Records()
	require.Len(t, records, 1)
	assert.Equal(t, model.NodeStateFailed, records[0].State)
	assert.Equal(t, "create node", records[0].LastOperation)
	assert.Contains(t, records[0].LastError, "quota exceeded")
}

func TestAdvanceProvisioning(t *testing.T) {
	tests := []struct {
		name       string
		observed   map[string]model.ClusterNode
		taintErr   error
		wantState  model.NodeState
		wantTaints int
	}{
		{
			name:      "node not registered yet",
			observed:  observe(),
			wantState: model.NodeStateProvisioning,
		},
		{
			name:      "node registered but not ready",
			observed:  observe(model.ClusterNode{Name: "node-a", Ready: false}),
			wantState: model.NodeStateProvisioning,
		},
		{
			name:       "node ready",
			observed:   observe(model.ClusterNode{Name: "node-a", Ready: true}),
			wantState:  model.NodeStateTaintedReady,
			wantTaints: 1,
		},
		{
			name:       "taint fails",
			observed:   observe(model.ClusterNode{Name: "node-a", Ready: true}),
			taintErr:   errors.New("patch rejected"),
			wantState:  model.NodeStateFailed,
			wantTaints: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cluster := newFakeCluster()
			if tc.taintErr != nil {
				cluster.taintErrs["node-a"] = tc.taintErr
			}
			ctrl := newTestController(&fakePool{}, cluster, newFakeClock())
			seed(ctrl, "node-a", model.NodeStateProvisioning)

			ctrl.Advance(context.Background(), tc.observed)

			rec, ok := ctrl.Record("node-a")
			require.True(t, ok)
			assert.Equal(t, tc.wantState, rec.State)
			assert.Equal(t, tc.wantTaints, cluster.taintCalls["node-a"])
		})
	}
}

func TestPreparationGate(t *testing.T) {
	cluster := newFakeCluster()
	ctrl := newTestController(&fakePool{}, cluster, newFakeClock())
	seed(ctrl, "node-a", model.NodeStateTaintedReady)

	observed := observe(model.ClusterNode{Name: "node-a", Ready: true, Tainted: true})

	// Without the preparation signal the node never reaches InService
	for i := 0; i < 5; i++ {
		ctrl.Advance(context.Background(), observed)
	}
	rec, _ := ctrl.Record("node-a")
	assert.Equal(t, model.NodeStateTaintedReady, rec.State)
	assert.Zero(t, cluster.untaintCalls["node-a"])

	require.True(t, ctrl.MarkPrepared("node-a"))
	ctrl.Advance(context.Background(), observed)

	rec, _ = ctrl.Record("node-a")
	assert.Equal(t, model.NodeStateInService, rec.State)
	assert.Equal(t, 1, cluster.untaintCalls["node-a"])
}

func TestMarkPrepared(t *testing.T) {
	tests := []struct {
		name  string
		state model.NodeState
		seed  bool
		want  bool
	}{
		{name: "awaiting preparation", state: model.NodeStateTaintedReady, seed: true, want: true},
		{name: "already in service", state: model.NodeStateInService, seed: true, want: false},
		{name: "still provisioning", state: model.NodeStateProvisioning, seed: true, want: false},
		{name: "unknown node", seed: false, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := newTestController(&fakePool{}, newFakeCluster(), newFakeClock())
			if tc.seed {
				seed(ctrl, "node-a", tc.state)
			}

			assert.Equal(t, tc.want, ctrl.MarkPrepared("node-a"))

			if tc.seed && !tc.want {
				rec, _ := ctrl.Record("node-a")
				assert.Equal(t, tc.state, rec.State, "rejected signal must not change state")
			}
		})
	}
}

func TestAdvancePreparedUntaintFailure(t *testing.T) {
	cluster := newFakeCluster()
	cluster.untaintErr = errors.New("patch rejected")
	ctrl := newTestController(&fakePool{}, cluster, newFakeClock())
	seed(ctrl, "node-a", model.NodeStatePrepared)

	ctrl.Advance(context.Background(), observe())

	rec, _ := ctrl.Record("node-a")
	assert.Equal(t, model.NodeStateFailed, rec.State)
	assert.Equal(t, "untaint node", rec.LastOperation)
}

func TestStartRemoval(t *testing.T) {
	tests := []struct {
		name      string
		state     model.NodeState
		seed      bool
		cordonErr error
		wantErr   bool
		wantState model.NodeState
	}{
		{
			name:      "in service node is cordoned",
			state:     model.NodeStateInService,
			seed:      true,
			wantState: model.NodeStateCordoned,
		},
		{
			name:    "unknown node",
			seed:    false,
			wantErr: true,
		},
		{
			name:      "draining node is not a candidate",
			state:     model.NodeStateDraining,
			seed:      true,
			wantErr:   true,
			wantState: model.NodeStateDraining,
		},
		{
			name:      "cordon failure marks the record failed",
			state:     model.NodeStateInService,
			seed:      true,
			cordonErr: errors.New("patch rejected"),
			wantErr:   true,
			wantState: model.NodeStateFailed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cluster := newFakeCluster()
			cluster.cordonErr = tc.cordonErr
			ctrl := newTestController(&fakePool{}, cluster, newFakeClock())
			if tc.seed {
				seed(ctrl, "node-a", tc.state)
			}

			err := ctrl.StartRemoval(context.Background(), "node-a")

			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			if tc.seed {
				rec, _ := ctrl.Record("node-a")
				assert.Equal(t, tc.wantState, rec.State)
			}
		})
	}
}

func TestAdvanceCordonedArmsDeadline(t *testing.T) {
	clock := newFakeClock()
	ctrl := newTestController(&fakePool{}, newFakeCluster(), clock)
	seed(ctrl, "node-a", model.NodeStateCordoned)

	start := clock.Now()
	ctrl.Advance(context.Background(), observe())

	rec, _ := ctrl.Record("node-a")
	assert.Equal(t, model.NodeStateDraining, rec.State)
	require.NotNil(t, rec.DrainDeadline)
	assert.Equal(t, start.Add(60*time.Second), *rec.DrainDeadline)
}

func TestDrainDeadlineExactness(t *testing.T) {
	tests := []struct {
		name      string
		elapsed   time.Duration
		wantState model.NodeState
		wantDel   int
	}{
		{name: "just before the deadline", elapsed: 59 * time.Second, wantState: model.NodeStateDraining},
		{name: "exactly at the deadline", elapsed: 60 * time.Second, wantState: model.NodeStateTerminating, wantDel: 1},
		{name: "past the deadline", elapsed: 61 * time.Second, wantState: model.NodeStateTerminating, wantDel: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock()
			pool := &fakePool{}
			cluster := newFakeCluster()
			// A pod that refuses to leave
			cluster.pods["node-a"] = []model.PodRef{{Namespace: "default", Name: "stubborn"}}
			cluster.evictErrs["default/stubborn"] = errors.New("pdb violation")

			ctrl := newTestController(pool, cluster, clock)
			seed(ctrl, "node-a", model.NodeStateCordoned)
			ctrl.Advance(context.Background(), observe()) // Cordoned -> Draining, arms deadline

			clock.Advance(tc.elapsed)
			ctrl.Advance(context.Background(), observe())

			rec, _ := ctrl.Record("node-a")
			assert.Equal(t, tc.wantState, rec.State)
			assert.Len(t, pool.deleted, tc.wantDel)
		})
	}
}

func TestAdvanceDrainingCompletesEarly(t *testing.T) {
	clock := newFakeClock()
	pool := &fakePool{}
	cluster := newFakeCluster()
	ctrl := newTestController(pool, cluster, clock)
	seed(ctrl, "node-a", model.NodeStateCordoned)
	ctrl.Advance(context.Background(), observe())

	// All pods already gone well before the deadline
	clock.Advance(5 * time.Second)
	ctrl.Advance(context.Background(), observe())

	rec, _ := ctrl.Record("node-a")
	assert.Equal(t, model.NodeStateTerminating, rec.State)
	assert.Equal(t, []string{"node-a"}, pool.deleted)
}

func TestAdvanceDrainingEvictsRemainingPods(t *testing.T) {
	clock := newFakeClock()
	cluster := newFakeCluster()
	cluster.pods["node-a"] = []model.PodRef{
		{Namespace: "default", Name: "web-1"},
		{Namespace: "jobs", Name: "batch-7"},
		{Namespace: "default", Name: "web-2"},
	}
	cluster.evictErrs["jobs/batch-7"] = errors.New("pdb violation")

	pool := &fakePool{}
	ctrl := newTestController(pool, cluster, clock)
	seed(ctrl, "node-a", model.NodeStateCordoned)
	ctrl.Advance(context.Background(), observe())
	ctrl.Advance(context.Background(), observe())

	// One eviction failing must not fail the node or stop the others
	assert.ElementsMatch(t, []string{"default/web-1", "default/web-2"}, cluster.evictions)
	rec, _ := ctrl.Record("node-a")
	assert.Equal(t, model.NodeStateDraining, rec.State)
	assert.Empty(t, pool.deleted)
}

func TestAdvanceDrainingListFailure(t *testing.T) {
	clock := newFakeClock()
	pool := &fakePool{}
	cluster := newFakeCluster()
	cluster.podsErr = errors.New("apiserver unavailable")

	ctrl := newTestController(pool, cluster, clock)
	seed(ctrl, "node-a", model.NodeStateCordoned)
	ctrl.Advance(context.Background(), observe())

	// Before the deadline a listing failure leaves the node draining
	ctrl.Advance(context.Background(), observe())
	rec, _ := ctrl.Record("node-a")
	assert.Equal(t, model.NodeStateDraining, rec.State)

	// At the deadline the node is deleted even with pod state unknown
	clock.Advance(60 * time.Second)
	ctrl.Advance(context.Background(), observe())
	rec, _ = ctrl.Record("node-a")
	assert.Equal(t, model.NodeStateTerminating, rec.State)
	assert.Equal(t, []string{"node-a"}, pool.deleted)
}

func TestTerminateFailure(t *testing.T) {
	clock := newFakeClock()
	pool := &fakePool{deleteErr: errors.New("machine not found")}
	ctrl := newTestController(pool, newFakeCluster(), clock)
	seed(ctrl, "node-a", model.NodeStateCordoned)
	ctrl.Advance(context.Background(), observe())
	ctrl.Advance(context.Background(), observe())

	rec, _ := ctrl.Record("node-a")
	assert.Equal(t, model.NodeStateFailed, rec.State)
	assert.Equal(t, "delete node", rec.LastOperation)
	assert.Contains(t, rec.LastError, "machine not found")
}

func TestFailureIsolation(t *testing.T) {
	cluster := newFakeCluster()
	cluster.taintErrs["node-a"] = errors.New("patch rejected")
	ctrl := newTestController(&fakePool{}, cluster, newFakeClock())
	seed(ctrl, "node-a", model.NodeStateProvisioning)
	seed(ctrl, "node-b", model.NodeStateProvisioning)

	observed := observe(
		model.ClusterNode{Name: "node-a", Ready: true},
		model.ClusterNode{Name: "node-b", Ready: true},
	)
	ctrl.Advance(context.Background(), observed)

	recA, _ := ctrl.Record("node-a")
	recB, _ := ctrl.Record("node-b")
	assert.Equal(t, model.NodeStateFailed, recA.State)
	assert.Equal(t, model.NodeStateTaintedReady, recB.State)

	// Failed records are absorbing: no further operations are attempted
	ctrl.Advance(context.Background(), observed)
	assert.Equal(t, 1, cluster.taintCalls["node-a"])
}

func TestReconcileAdoption(t *testing.T) {
	tests := []struct {
		name string
		node model.ClusterNode
		want model.NodeState
	}{
		{
			name: "tainted node resumes awaiting preparation",
			node: model.ClusterNode{Name: "node-a", Ready: true, Tainted: true},
			want: model.NodeStateTaintedReady,
		},
		{
			name: "taint takes precedence over cordon",
			node: model.ClusterNode{Name: "node-a", Ready: true, Tainted: true, Unschedulable: true},
			want: model.NodeStateTaintedReady,
		},
		{
			name: "cordoned node resumes removal",
			node: model.ClusterNode{Name: "node-a", Ready: true, Unschedulable: true},
			want: model.NodeStateCordoned,
		},
		{
			name: "ready node joins as in service",
			node: model.ClusterNode{Name: "node-a", Ready: true},
			want: model.NodeStateInService,
		},
		{
			name: "unready node is still provisioning",
			node: model.ClusterNode{Name: "node-a"},
			want: model.NodeStateProvisioning,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := newTestController(&fakePool{}, newFakeCluster(), newFakeClock())
			ctrl.Reconcile(context.Background(), []model.ClusterNode{tc.node})

			rec, ok := ctrl.Record("node-a")
			require.True(t, ok)
			assert.Equal(t, tc.want, rec.State)
		})
	}
}

func TestReconcileIdempotent(t *testing.T) {
	ctrl := newTestController(&fakePool{}, newFakeCluster(), newFakeClock())
	seed(ctrl, "node-a", model.NodeStateInService)
	seed(ctrl, "node-d", model.NodeStateProvisioning)

	listing := []model.ClusterNode{
		{Name: "node-a", Ready: true},
		{Name: "node-b", Ready: true},
		{Name: "node-c", Ready: true, Unschedulable: true},
	}

	ctrl.Reconcile(context.Background(), listing)
	first := ctrl.Records()

	ctrl.Reconcile(context.Background(), listing)
	second := ctrl.Records()

	assert.Equal(t, first, second)
}

func TestReconcileDropsAbsentNodes(t *testing.T) {
	tests := []struct {
		name  string
		state model.NodeState
		kept  bool
	}{
		{name: "terminating record completes removal", state: model.NodeStateTerminating, kept: false},
		{name: "in service record dropped when node disappears", state: model.NodeStateInService, kept: false},
		{name: "requested record survives registration lag", state: model.NodeStateRequested, kept: true},
		{name: "provisioning record survives registration lag", state: model.NodeStateProvisioning, kept: true},
		{name: "failed record kept for inspection", state: model.NodeStateFailed, kept: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := newTestController(&fakePool{}, newFakeCluster(), newFakeClock())
			seed(ctrl, "node-a", tc.state)

			ctrl.Reconcile(context.Background(), nil)

			_, ok := ctrl.Record("node-a")
			assert.Equal(t, tc.kept, ok)
		})
	}
}

func TestRemovalCandidate(t *testing.T) {
	type rec struct {
		name  string
		state model.NodeState
		age   time.Duration
	}
	tests := []struct {
		name     string
		strategy string
		records  []rec
		want     string
		wantOK   bool
	}{
		{
			name:     "latest picks the newest in-service node",
			strategy: config.RemovalStrategyLatest,
			records: []rec{
				{name: "node-old", state: model.NodeStateInService, age: 3 * time.Hour},
				{name: "node-new", state: model.NodeStateInService, age: time.Hour},
			},
			want:   "node-new",
			wantOK: true,
		},
		{
			name:     "oldest picks the oldest in-service node",
			strategy: config.RemovalStrategyOldest,
			records: []rec{
				{name: "node-old", state: model.NodeStateInService, age: 3 * time.Hour},
				{name: "node-new", state: model.NodeStateInService, age: time.Hour},
			},
			want:   "node-old",
			wantOK: true,
		},
		{
			name:     "only in-service nodes are candidates",
			strategy: config.RemovalStrategyLatest,
			records: []rec{
				{name: "node-a", state: model.NodeStateTaintedReady, age: time.Minute},
				{name: "node-b", state: model.NodeStateInService, age: 2 * time.Hour},
				{name: "node-c", state: model.NodeStateDraining, age: time.Minute},
				{name: "node-d", state: model.NodeStateFailed, age: time.Minute},
			},
			want:   "node-b",
			wantOK: true,
		},
		{
			name:     "no candidates",
			strategy: config.RemovalStrategyLatest,
			records: []rec{
				{name: "node-a", state: model.NodeStateDraining, age: time.Minute},
			},
			wantOK: false,
		},
		{
			name:     "equal ages break ties by name",
			strategy: config.RemovalStrategyLatest,
			records: []rec{
				{name: "node-a", state: model.NodeStateInService, age: time.Hour},
				{name: "node-b", state: model.NodeStateInService, age: time.Hour},
			},
			want:   "node-b",
			wantOK: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock()
			ctrl := newTestController(&fakePool{}, newFakeCluster(), clock)
			ctrl.strategy = tc.strategy
			for _, r := range tc.records {
				ctrl.mu.Lock()
				ctrl.nodes[r.name] = &model.NodeRecord{
					Name:      r.name,
					State:     r.state,
					CreatedAt: clock.Now().Add(-r.age),
				}
				ctrl.mu.Unlock()
			}

			got, ok := ctrl.RemovalCandidate()
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestForget(t *testing.T) {
	ctrl := newTestController(&fakePool{}, newFakeCluster(), newFakeClock())
	seed(ctrl, "node-a", model.NodeStateFailed)

	assert.False(t, ctrl.Forget("node-b"))
	assert.True(t, ctrl.Forget("node-a"))
	assert.False(t, ctrl.Forget("node-a"))
	assert.Empty(t, ctrl.Records())
}

func TestScaleUpLifecycle(t *testing.T) {
	pool := &fakePool{nextName: "node-new"}
	cluster := newFakeCluster()
	ctrl := newTestController(pool, cluster, newFakeClock())

	name, err := ctrl.RequestScaleUp(context.Background())
	require.NoError(t, err)

	// The machine exists but has not registered with the cluster yet
	ctrl.Reconcile(context.Background(), nil)
	ctrl.Advance(context.Background(), observe())
	rec, ok := ctrl.Record(name)
	require.True(t, ok)
	assert.Equal(t, model.NodeStateProvisioning, rec.State)

	// Registered but unready
	listing := []model.ClusterNode{{Name: name, Ready: false}}
	ctrl.Reconcile(context.Background(), listing)
	ctrl.Advance(context.Background(), observe(listing...))
	rec, _ = ctrl.Record(name)
	assert.Equal(t, model.NodeStateProvisioning, rec.State)

	// Ready: tainted before the scheduler can use it
	listing[0].Ready = true
	ctrl.Reconcile(context.Background(), listing)
	ctrl.Advance(context.Background(), observe(listing...))
	rec, _ = ctrl.Record(name)
	assert.Equal(t, model.NodeStateTaintedReady, rec.State)

	// Preparation completes out of band, next pass exposes the node
	require.True(t, ctrl.MarkPrepared(name))
	ctrl.Advance(context.Background(), observe(listing...))
	rec, _ = ctrl.Record(name)
	assert.Equal(t, model.NodeStateInService, rec.State)

	assert.Equal(t, 1, cluster.taintCalls[name])
	assert.Equal(t, 1, cluster.untaintCalls[name])
	assert.Len(t, ctrl.Records(), 1)
}

func TestScaleDownLifecycle(t *testing.T) {
	clock := newFakeClock()
	pool := &fakePool{}
	cluster := newFakeCluster()
	cluster.pods["node-b"] = []model.PodRef{{Namespace: "default", Name: "web-1"}}
	cluster.evictErrs["default/web-1"] = errors.New("pdb violation")

	ctrl := newTestController(pool, cluster, clock)
	listing := []model.ClusterNode{
		{Name: "node-a", Ready: true, CreatedAt: clock.Now().Add(-2 * time.Hour)},
		{Name: "node-b", Ready: true, CreatedAt: clock.Now().Add(-time.Hour)},
	}
	ctrl.Reconcile(context.Background(), listing)

	candidate, ok := ctrl.RemovalCandidate()
	require.True(t, ok)
	assert.Equal(t, "node-b", candidate)

	require.NoError(t, ctrl.StartRemoval(context.Background(), candidate))
	ctrl.Advance(context.Background(), observe(listing...)) // Cordoned -> Draining

	// The stubborn pod holds the node until the deadline forces deletion
	clock.Advance(60 * time.Second)
	ctrl.Advance(context.Background(), observe(listing...))

	rec, _ := ctrl.Record("node-b")
	assert.Equal(t, model.NodeStateTerminating, rec.State)
	assert.Equal(t, []string{"node-b"}, pool.deleted)

	// Node leaves the cluster: the record completes and is dropped
	ctrl.Reconcile(context.Background(), listing[:1])
	_, ok = ctrl.Record("node-b")
	assert.False(t, ok)

	// The survivor was never touched
	recA, _ := ctrl.Record("node-a")
	assert.Equal(t, model.NodeStateInService, recA.State)
	assert.Zero(t, cluster.cordonCalls["node-a"])
}

func TestSummary(t *testing.T) {
	ctrl := newTestController(&fakePool{}, newFakeCluster(), newFakeClock())
	seed(ctrl, "node-a", model.NodeStateInService)
	seed(ctrl, "node-b", model.NodeStateInService)
	seed(ctrl, "node-c", model.NodeStateDraining)
	seed(ctrl, "node-d", model.NodeStateFailed)

	assert.Equal(t, map[model.NodeState]int{
		model.NodeStateInService: 2,
		model.NodeStateDraining:  1,
		model.NodeStateFailed:    1,
	}, ctrl.Summary())

	failed := ctrl.FailedRecords()
	require.Len(t, failed, 1)
	assert.Equal(t, "node-d", failed[0].Name)
}
