package session

import (
	"context"
	"log/slog"
	"time"
)

// Archiver retires inactive sessions on a fixed interval. Expired
// sessions keep their event logs; only the state changes, so history
// remains available for audit and export.
type Archiver struct {
	store    *Store
	maxIdle  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewArchiver creates an archiver. interval controls how often the scan
// runs; maxIdle is how long a session may sit idle before expiring.
func NewArchiver(store *Store, maxIdle, interval time.Duration, logger *slog.Logger) *Archiver {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Archiver{store: store, maxIdle: maxIdle, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, expiring idle sessions each tick.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.store.ExpireIdle(ctx, a.maxIdle)
			if err != nil {
				a.logger.Error("session expiry scan failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("expired idle sessions", "count", n)
			}
		}
	}
}
