package model

import "time"

// LoopSnapshot is the control loop's own view of its last iteration
type LoopSnapshot struct {
	LastLoad         float64          `json:"last_load"`          // most recent load sample
	LastLoadAt       time.Time        `json:"last_load_at"`       // when it was taken
	LastDecision     *ScalingDecision `json:"last_decision,omitempty"`
	LastDecisionAt   time.Time        `json:"last_decision_at"`
	LastScalingEvent time.Time        `json:"last_scaling_event"` // last initiated scale up or down
	LeaseHeld        bool             `json:"lease_held"`
	Iterations       uint64           `json:"iterations"`
}

// ServiceStatus is the aggregate view served by the status endpoint
type ServiceStatus struct {
	Cluster       string            `json:"cluster"`        // managed AKS cluster name
	AgentPool     string            `json:"agent_pool"`     // managed agent pool name
	Pool          *PoolStatus       `json:"pool,omitempty"` // nil when the pool could not be read
	NodesByState  map[NodeState]int `json:"nodes_by_state"`
	FailedNodes   []NodeRecord      `json:"failed_nodes,omitempty"`
	Loop          LoopSnapshot      `json:"loop"`
	LeaseEnabled  bool              `json:"lease_enabled"`
	MetricsSource string            `json:"metrics_source"`
}
