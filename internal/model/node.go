package model

import "time"

// NodeState represents a lifecycle phase of a pool node
type NodeState string

// Node lifecycle states. A node moves Requested -> Provisioning ->
// TaintedReady -> Prepared -> InService on scale-up and InService ->
// Cordoned -> Draining -> Terminating -> Removed on scale-down. Failed is
// absorbing and reachable from any non-terminal state.
const (
	NodeStateRequested    NodeState = "requested"
	NodeStateProvisioning NodeState = "provisioning"
	NodeStateTaintedReady NodeState = "tainted_ready"
	NodeStatePrepared     NodeState = "prepared"
	NodeStateInService    NodeState = "in_service"
	NodeStateCordoned     NodeState = "cordoned"
	NodeStateDraining     NodeState = "draining"
	NodeStateTerminating  NodeState = "terminating"
	NodeStateRemoved      NodeState = "removed"
	NodeStateFailed       NodeState = "failed"
)

// NodeRecord tracks a single pool node under lifecycle control
type NodeRecord struct {
	Name           string     `json:"name"`
	State          NodeState  `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`               // when the node joined the pool (or the record was minted)
	TransitionedAt time.Time  `json:"transitioned_at"`          // last state change
	DrainDeadline  *time.Time `json:"drain_deadline,omitempty"` // set only while draining
	LastOperation  string     `json:"last_operation,omitempty"` // last gateway operation attempted
	LastError      string     `json:"last_error,omitempty"`     // cause of the Failed state
}

// Terminal returns true if the record has reached an end state
func (r *NodeRecord) Terminal() bool {
	return r.State == NodeStateRemoved || r.State == NodeStateFailed
}

// Removable returns true if the node can be selected as a scale-down candidate
func (r *NodeRecord) Removable() bool {
	return r.State == NodeStateInService
}

// ClusterNode is a pool member as observed through the Kubernetes API
type ClusterNode struct {
	Name          string    `json:"name"`
	Ready         bool      `json:"ready"`         // NodeReady condition is True
	Unschedulable bool      `json:"unschedulable"` // cordoned
	Tainted       bool      `json:"tainted"`       // carries the preparation taint
	CreatedAt     time.Time `json:"created_at"`
}

// PodRef identifies a pod running on a node
type PodRef struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

func (p PodRef) String() string {
	return p.Namespace + "/" + p.Name
}
