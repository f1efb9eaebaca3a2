package model

// PoolProvisioningSucceeded is the only agent pool provisioning state in
// which scaling operations are accepted by the platform.
const PoolProvisioningSucceeded = "Succeeded"

// PoolStatus is a point-in-time snapshot of the managed agent pool
type PoolStatus struct {
	Name               string `json:"name"`
	Count              int    `json:"count"`
	ProvisioningState  string `json:"provisioning_state"`
	AutoscalingEnabled bool   `json:"autoscaling_enabled"`
}

// Scalable reports whether this controller may scale the pool. Pools with
// the platform autoscaler enabled or with an operation in flight are left
// alone.
func (p *PoolStatus) Scalable() bool {
	return !p.AutoscalingEnabled && p.ProvisioningState == PoolProvisioningSucceeded
}
