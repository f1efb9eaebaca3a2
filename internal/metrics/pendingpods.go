package metrics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirychukyurii/aks-pool-scaler/internal/config"
	"github.com/kirychukyurii/aks-pool-scaler/internal/repository"
)

// PendingPodsSource derives load from the queue of pods waiting in a
// namespace: load = queued pods / max queue length
type PendingPodsSource struct {
	cluster   repository.ClusterRepository
	namespace string
	phase     string
	maxQueue  int
	logger    *slog.Logger
}

// NewPendingPodsSource creates a queue-based load source
func NewPendingPodsSource(cluster repository.ClusterRepository, cfg config.MetricsConfig, logger *slog.Logger) *PendingPodsSource {
	return &PendingPodsSource{
		cluster:   cluster,
		namespace: cfg.Namespace,
		phase:     cfg.PodPhase,
		maxQueue:  cfg.MaxPodQueue,
		logger:    logger,
	}
}

// CurrentLoad returns the pod queue length normalized by the configured maximum
func (s *PendingPodsSource) CurrentLoad(ctx context.Context) (float64, error) {
	queued, err := s.cluster.CountPodsInPhase(ctx, s.namespace, s.phase)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	load := float64(queued) / float64(s.maxQueue)

	s.logger.Debug("sampled pod queue",
		slog.Int("queued", queued),
		slog.String("phase", s.phase),
		slog.Float64("load", load),
	)

	return load, nil
}
