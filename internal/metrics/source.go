package metrics

import (
	"context"
	"errors"
)

// ErrUnavailable marks a load sample that could not be taken. The control
// loop skips the iteration's decision and retries on the next cadence.
var ErrUnavailable = errors.New("metrics unavailable")

// Source supplies the pool's current load as a ratio, where 1.0 means the
// configured capacity target is fully consumed
type Source interface {
	CurrentLoad(ctx context.Context) (float64, error)
}
