package vault

import (
	"context"
	"time"

	"github.com/mbd888/vigilant/internal/logging"
)

// Syncer periodically pulls new hashes into a HashSet.
type Syncer struct {
	client   *Client
	set      *HashSet
	interval time.Duration
}

// NewSyncer creates a syncer. interval below one minute is raised to it.
func NewSyncer(client *Client, set *HashSet, interval time.Duration) *Syncer {
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Syncer{client: client, set: set, interval: interval}
}

// SyncOnce fetches hashes newer than the set's cursor and merges them.
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	resp, err := s.client.Sync(ctx, s.set.LastSync())
	if err != nil {
		syncTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	added := s.set.Merge(resp.Hashes, resp.Timestamp)
	syncTotal.WithLabelValues("ok").Inc()
	localHashes.Set(float64(s.set.Len()))
	return added, nil
}

// Run syncs immediately and then every interval until ctx is done. Failures
// are logged and retried on the next tick.
func (s *Syncer) Run(ctx context.Context) {
	logger := logging.L(ctx).With("component", "vault_sync")
	logger.Info("vault sync started", "interval", s.interval.String())

	tick := func() {
		added, err := s.SyncOnce(ctx)
		if err != nil {
			logger.Warn("vault sync failed", "error", err)
			return
		}
		if added > 0 {
			logger.Info("vault hashes merged", "added", added, "total", s.set.Len())
		}
	}

	tick()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("vault sync stopped")
			return
		case <-ticker.C:
			tick()
		}
	}
}
