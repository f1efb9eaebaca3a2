package model

import "fmt"

// ScalingAction is the kind of change a scaling decision requests
type ScalingAction string

const (
	ActionScaleUp   ScalingAction = "scale_up"
	ActionScaleDown ScalingAction = "scale_down"
	ActionNone      ScalingAction = "none"
)

// ScalingDecision is the outcome of one policy evaluation. It lives for a
// single control-loop iteration and is never persisted.
type ScalingDecision struct {
	Action ScalingAction `json:"action"`
	Delta  int           `json:"delta"`
	Reason string        `json:"reason,omitempty"`
}

// PoolBounds limits how far the pool may be scaled in either direction
type PoolBounds struct {
	MinCount int `json:"min_count"`
	MaxCount int `json:"max_count"`
}

// Validate checks bounds consistency
func (b PoolBounds) Validate() error {
	if b.MinCount < 0 {
		return fmt.Errorf("min_count must be non-negative, got %d", b.MinCount)
	}
	if b.MinCount > b.MaxCount {
		return fmt.Errorf("min_count %d exceeds max_count %d", b.MinCount, b.MaxCount)
	}
	return nil
}

// ScalingThresholds are the load ratios that trigger scaling. The gap
// between them is the dead zone that prevents oscillation.
type ScalingThresholds struct {
	ScaleUp   float64 `json:"scale_up"`
	ScaleDown float64 `json:"scale_down"`
}

// Validate checks that the thresholds leave a dead zone
func (t ScalingThresholds) Validate() error {
	if t.ScaleUp <= 0 {
		return fmt.Errorf("scale_up threshold must be positive, got %v", t.ScaleUp)
	}
	if t.ScaleDown < 0 {
		return fmt.Errorf("scale_down threshold must be non-negative, got %v", t.ScaleDown)
	}
	if t.ScaleDown >= t.ScaleUp {
		return fmt.Errorf("scale_down threshold %v must be below scale_up threshold %v", t.ScaleDown, t.ScaleUp)
	}
	return nil
}
