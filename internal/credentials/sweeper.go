package credentials

import (
	"context"
	"time"

	"whatsbot/internal/metrics"

	"github.com/sirupsen/logrus"
)

// Sweep enforces the memory budget for every in-memory record.
func (s *Store) Sweep(ctx context.Context) {
	summaries := s.List()
	total := 0
	for _, sum := range summaries {
		if ctx.Err() != nil {
			return
		}
		if err := s.EnforceLimit(ctx, sum.UserID); err != nil {
			s.logger.WithError(err).WithFields(s.fields(sum.UserID)).Warn("Failed to enforce credential memory budget")
		}
		if n, ok := s.MemoryUsage(sum.UserID); ok {
			total += n
		}
	}
	metrics.SetGauge("credentials_memory_bytes", float64(total), nil, "Serialized size of in-memory credentials")
	metrics.SetGauge("credentials_in_memory", float64(len(s.List())), nil, "Users with credentials held in memory")
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.WithFields(logrus.Fields{"interval": interval}).Info("Starting credential sweeper")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
