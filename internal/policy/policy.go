package policy

import (
	"fmt"

	"github.com/kirychukyurii/aks-pool-scaler/internal/model"
)

// Policy makes threshold-based scaling decisions within pool bounds. It is
// a pure function of its inputs and holds no mutable state.
type Policy struct {
	bounds     model.PoolBounds
	thresholds model.ScalingThresholds
}

// New validates the bounds and thresholds and returns a policy. Validation
// failures are fatal configuration errors, not per-iteration conditions.
func New(bounds model.PoolBounds, thresholds model.ScalingThresholds) (*Policy, error) {
	if err := bounds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool bounds: %w", err)
	}
	if err := thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scaling thresholds: %w", err)
	}

	return &Policy{
		bounds:     bounds,
		thresholds: thresholds,
	}, nil
}

// Decide maps the observed load and node count to a scaling decision. One
// node per decision: the loop re-observes load after every change instead
// of over-correcting on stale data. Load between the thresholds is the dead
// zone and always yields no action.
func (p *Policy) Decide(load float64, count int) model.ScalingDecision {
	switch {
	case load >= p.thresholds.ScaleUp && count < p.bounds.MaxCount:
		return model.ScalingDecision{
			Action: model.ActionScaleUp,
			Delta:  1,
			Reason: fmt.Sprintf("load %.3f at or above %.3f and count %d below max %d",
				load, p.thresholds.ScaleUp, count, p.bounds.MaxCount),
		}
	case load <= p.thresholds.ScaleDown && count > p.bounds.MinCount:
		return model.ScalingDecision{
			Action: model.ActionScaleDown,
			Delta:  -1,
			Reason: fmt.Sprintf("load %.3f at or below %.3f and count %d above min %d",
				load, p.thresholds.ScaleDown, count, p.bounds.MinCount),
		}
	default:
		return model.ScalingDecision{
			Action: model.ActionNone,
			Reason: fmt.Sprintf("load %.3f with count %d requires no change", load, count),
		}
	}
}

// Bounds returns the configured pool bounds
func (p *Policy) Bounds() model.PoolBounds {
	return p.bounds
}
