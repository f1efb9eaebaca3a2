package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	armcontainerservice "github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/containerservice/armcontainerservice/v6"

	"github.com/kirychukyurii/aks-pool-scaler/internal/config"
	"github.com/kirychukyurii/aks-pool-scaler/internal/model"
)

// AgentPoolRepository defines the interface for ARM agent pool operations
type AgentPoolRepository interface {
	// GetPool returns the current agent pool snapshot
	GetPool(ctx context.Context) (*model.PoolStatus, error)

	// CreateNode grows the pool by one machine and returns the new machine
	// name, which on AKS equals the Kubernetes node name
	CreateNode(ctx context.Context) (string, error)

	// DeleteNode removes a single machine from the pool; completion is
	// observed through the cluster node listing, not awaited here
	DeleteNode(ctx context.Context, name string) error

	// ListMachines returns the names of all machines in the pool
	ListMachines(ctx context.Context) ([]string, error)
}

// armAgentPoolRepository implements AgentPoolRepository
type armAgentPoolRepository struct {
	pools    *armcontainerservice.AgentPoolsClient
	machines *armcontainerservice.MachinesClient

	resourceGroup string
	cluster       string
	pool          string

	resolveTimeout time.Duration // budget for a new machine to show up in listings
	resolvePoll    time.Duration

	logger *slog.Logger
}

// NewAgentPoolRepository creates an ARM-backed agent pool repository using
// the default Azure credential chain
func NewAgentPoolRepository(cfg config.AzureConfig, resolveTimeout time.Duration, logger *slog.Logger) (AgentPoolRepository, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain azure credential: %w", err)
	}

	factory, err := armcontainerservice.NewClientFactory(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create container service clients: %w", err)
	}

	return &armAgentPoolRepository{
		pools:          factory.NewAgentPoolsClient(),
		machines:       factory.NewMachinesClient(),
		resourceGroup:  cfg.ResourceGroup,
		cluster:        cfg.Cluster,
		pool:           cfg.AgentPool,
		resolveTimeout: resolveTimeout,
		resolvePoll:    5 * time.Second,
		logger:         logger,
	}, nil
}

// GetPool returns the current agent pool snapshot
func (r *armAgentPoolRepository) GetPool(ctx context.Context) (*model.PoolStatus, error) {
	resp, err := r.pools.Get(ctx, r.resourceGroup, r.cluster, r.pool, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent pool %s: %w", r.pool, err)
	}

	return poolStatus(r.pool, resp.AgentPool), nil
}

// CreateNode grows the pool by one machine and returns the new machine name
func (r *armAgentPoolRepository) CreateNode(ctx context.Context) (string, error) {
	before, err := r.ListMachines(ctx)
	if err != nil {
		return "", err
	}

	resp, err := r.pools.Get(ctx, r.resourceGroup, r.cluster, r.pool, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get agent pool %s: %w", r.pool, err)
	}

	pool := resp.AgentPool
	if pool.Properties == nil || pool.Properties.Count == nil {
		return "", fmt.Errorf("agent pool %s reports no count", r.pool)
	}
	target := *pool.Properties.Count + 1
	pool.Properties.Count = to.Ptr(target)

	r.logger.Info("growing agent pool",
		slog.String("pool", r.pool),
		slog.Int("target_count", int(target)),
	)

	if _, err := r.pools.BeginCreateOrUpdate(ctx, r.resourceGroup, r.cluster, r.pool, pool, nil); err != nil {
		return "", fmt.Errorf("failed to grow agent pool %s: %w", r.pool, err)
	}

	return r.resolveNewMachine(ctx, before)
}

// DeleteNode removes a single machine from the pool. The agent pool count is
// adjusted by the platform as part of the operation.
func (r *armAgentPoolRepository) DeleteNode(ctx context.Context, name string) error {
	params := armcontainerservice.AgentPoolDeleteMachinesParameter{
		MachineNames: []*string{to.Ptr(name)},
	}
	if _, err := r.pools.BeginDeleteMachines(ctx, r.resourceGroup, r.cluster, r.pool, params, nil); err != nil {
		return fmt.Errorf("failed to delete machine %s from pool %s: %w", name, r.pool, err)
	}

	r.logger.Info("machine deletion initiated",
		slog.String("pool", r.pool),
		slog.String("machine", name),
	)

	return nil
}

// ListMachines returns the names of all machines in the pool
func (r *armAgentPoolRepository) ListMachines(ctx context.Context) ([]string, error) {
	var names []string
	pager := r.machines.NewListPager(r.resourceGroup, r.cluster, r.pool, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list machines in pool %s: %w", r.pool, err)
		}
		for _, machine := range page.Value {
			if machine.Name != nil {
				names = append(names, *machine.Name)
			}
		}
	}

	return names, nil
}

// resolveNewMachine polls the machine list until a machine absent from the
// pre-scale listing shows up, then returns its name
func (r *armAgentPoolRepository) resolveNewMachine(ctx context.Context, before []string) (string, error) {
	deadline := time.Now().Add(r.resolveTimeout)
	for {
		names, err := r.ListMachines(ctx)
		if err != nil {
			r.logger.Warn("machine listing failed while resolving new node",
				slog.String("pool", r.pool),
				slog.String("error", err.Error()),
			)
		} else if name, ok := newMachine(before, names); ok {
			return name, nil
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("no new machine appeared in pool %s within %s", r.pool, r.resolveTimeout)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.resolvePoll):
		}
	}
}

// newMachine returns the first name in after that is absent from before
func newMachine(before, after []string) (string, bool) {
	known := make(map[string]struct{}, len(before))
	for _, name := range before {
		known[name] = struct{}{}
	}
	for _, name := range after {
		if _, ok := known[name]; !ok {
			return name, true
		}
	}
	return "", false
}

// poolStatus converts the ARM agent pool resource to the domain snapshot
func poolStatus(name string, pool armcontainerservice.AgentPool) *model.PoolStatus {
	status := &model.PoolStatus{Name: name}
	props := pool.Properties
	if props == nil {
		return status
	}
	if props.Count != nil {
		status.Count = int(*props.Count)
	}
	if props.ProvisioningState != nil {
		status.ProvisioningState = *props.ProvisioningState
	}
	if props.EnableAutoScaling != nil {
		status.AutoscalingEnabled = *props.EnableAutoScaling
	}

	return status
}
