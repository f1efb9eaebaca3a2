package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/kirychukyurii/aks-pool-scaler/internal/config"
	"github.com/kirychukyurii/aks-pool-scaler/internal/model"
	"github.com/kirychukyurii/aks-pool-scaler/internal/util"
)

const (
	// etcd key prefixes
	keyLeasePrefix        = "pool-scaler/leases/"
	keyScalingEventPrefix = "pool-scaler/scaling-events/"
)

// ErrKeyNotFound is returned when a lease or scaling event has never been written
var ErrKeyNotFound = errors.New("key not found")

// LeaseRepository defines the interface for etcd-backed pool coordination
type LeaseRepository interface {
	// WriteLease writes the pool ownership lease to etcd
	WriteLease(ctx context.Context, lease *model.PoolLease) error

	// ReadLease reads the pool ownership lease from etcd
	ReadLease(ctx context.Context, pool string) (*model.PoolLease, error)

	// WriteScalingEvent records the last scaling initiation for a pool
	WriteScalingEvent(ctx context.Context, event *model.ScalingEvent) error

	// ReadScalingEvent reads the last scaling initiation for a pool
	ReadScalingEvent(ctx context.Context, pool string) (*model.ScalingEvent, error)

	// Close closes the etcd client connection
	Close() error
}

// etcdClient implements LeaseRepository
type etcdClient struct {
	client *clientv3.Client
	logger *slog.Logger
}

// NewLeaseRepository creates a new etcd-backed lease repository
func NewLeaseRepository(cfg config.LeaseConfig, logger *slog.Logger) (LeaseRepository, error) {
	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	}

	// Configure TLS if provided
	if cfg.TLS != nil {
		tlsConfig, err := util.LoadTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		etcdCfg.TLS = tlsConfig
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = client.Status(ctx, cfg.Endpoints[0])
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logger.Info("Connected to etcd cluster", "endpoints", cfg.Endpoints)

	return &etcdClient{
		client: client,
		logger: logger,
	}, nil
}

// WriteLease writes the pool ownership lease to etcd
func (e *etcdClient) WriteLease(ctx context.Context, lease *model.PoolLease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("failed to marshal pool lease: %w", err)
	}

	key := keyLeasePrefix + lease.Pool
	_, err = e.client.Put(ctx, key, string(data))
	if err != nil {
		return fmt.Errorf("failed to write pool lease to etcd: %w", err)
	}

	e.logger.Debug("Wrote pool lease to etcd",
		"pool", lease.Pool,
		"holder", lease.HolderID,
		"last_heartbeat", lease.LastHeartbeat)

	return nil
}

// ReadLease reads the pool ownership lease from etcd
func (e *etcdClient) ReadLease(ctx context.Context, pool string) (*model.PoolLease, error) {
	resp, err := e.client.Get(ctx, keyLeasePrefix+pool)
	if err != nil {
		return nil, fmt.Errorf("failed to read pool lease from etcd: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("lease for pool %s: %w", pool, ErrKeyNotFound)
	}

	var lease model.PoolLease
	if err := json.Unmarshal(resp.Kvs[0].Value, &lease); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pool lease: %w", err)
	}

	return &lease, nil
}

// WriteScalingEvent records the last scaling initiation for a pool
func (e *etcdClient) WriteScalingEvent(ctx context.Context, event *model.ScalingEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal scaling event: %w", err)
	}

	key := keyScalingEventPrefix + event.Pool
	_, err = e.client.Put(ctx, key, string(data))
	if err != nil {
		return fmt.Errorf("failed to write scaling event to etcd: %w", err)
	}

	e.logger.Debug("Wrote scaling event to etcd",
		"pool", event.Pool,
		"action", event.Action)

	return nil
}

// ReadScalingEvent reads the last scaling initiation for a pool
func (e *etcdClient) ReadScalingEvent(ctx context.Context, pool string) (*model.ScalingEvent, error) {
	resp, err := e.client.Get(ctx, keyScalingEventPrefix+pool)
	if err != nil {
		return nil, fmt.Errorf("failed to read scaling event from etcd: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("scaling event for pool %s: %w", pool, ErrKeyNotFound)
	}

	var event model.ScalingEvent
	if err := json.Unmarshal(resp.Kvs[0].Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scaling event: %w", err)
	}

	return &event, nil
}

// Close closes the etcd client connection
func (e *etcdClient) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}
