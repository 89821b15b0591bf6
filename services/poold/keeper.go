package poold

import (
	"context"
	"log/slog"
	"time"

	"tidepool/native/burn"
	"tidepool/observability"
)

// Keeper periodically checkpoints every burn stream. It is an ordinary
// permissionless caller and holds no privileges over the ledger.
type Keeper struct {
	ledger   *Ledger
	interval time.Duration
	metrics  *observability.PooldMetrics
	logger   *slog.Logger
}

// NewKeeper constructs a keeper that ticks every interval.
func NewKeeper(ledger *Ledger, interval time.Duration, metrics *observability.PooldMetrics, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{ledger: ledger, interval: interval, metrics: metrics, logger: logger}
}

// Run ticks until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) {
	if k.interval <= 0 {
		return
	}
	ticker := k.ledger.Clock().Source().NewTicker(k.interval)
	defer ticker.Stop()
	k.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			k.RunOnce(ctx)
		}
	}
}

// RunOnce checkpoints each stream and returns the per-asset results.
func (k *Keeper) RunOnce(ctx context.Context) map[string]*burn.CheckpointResult {
	clock := k.ledger.Clock()
	if k.metrics != nil {
		k.metrics.SetEpoch(clock.Current())
	}
	results := make(map[string]*burn.CheckpointResult)
	for _, asset := range k.ledger.Assets() {
		result, err := k.ledger.CheckpointStream(ctx, asset)
		if k.metrics != nil {
			k.metrics.RecordKeeperRun(asset, err)
		}
		if err != nil {
			k.logger.Warn("keeper checkpoint failed", "asset", asset, "error", err)
			continue
		}
		results[asset] = result
		if result.Started || result.Destroyed.Sign() > 0 || result.Synced.Sign() > 0 {
			k.logger.Info("keeper checkpoint",
				"asset", asset,
				"synced", result.Synced.String(),
				"started", result.Started,
				"destroyed", result.Destroyed.String())
		}
	}
	return results
}
