package model

import "time"

// PoolLease records which scaler instance currently owns a pool. Stored in
// etcd so that two instances never drive the same agent pool.
type PoolLease struct {
	Pool          string    `json:"pool"`
	HolderID      string    `json:"holder_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// IsStale checks if the lease heartbeat is older than the given threshold
func (l *PoolLease) IsStale(threshold time.Duration) bool {
	return time.Since(l.LastHeartbeat) > threshold
}

// HeartbeatAge returns the age of the lease heartbeat
func (l *PoolLease) HeartbeatAge() time.Duration {
	return time.Since(l.LastHeartbeat)
}

// ScalingEvent records the last scaling initiation for a pool. Cooldown
// windows are measured from it, also across process restarts when lease
// coordination is enabled.
type ScalingEvent struct {
	Pool       string        `json:"pool"`
	Action     ScalingAction `json:"action"`
	Node       string        `json:"node,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}
