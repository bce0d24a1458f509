package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/turnbot/internal/store"
)

// Sweeper prunes expired dedup entries, stale processing locks and aged rate
// events on a cron schedule. Every backend also reclaims lazily on access;
// the sweep just keeps unvisited keys from pooling up.
type Sweeper struct {
	stores         *store.Stores
	schedule       string
	dedupRetention time.Duration
	rateRetention  time.Duration
	gron           *gronx.Gronx
}

// New creates a sweeper. schedule is a cron expression evaluated once per
// minute; rate events older than rateRetention (normally the daily window)
// and dedup entries older than dedupRetention are dropped.
func New(stores *store.Stores, schedule string, dedupRetention, rateRetention time.Duration) *Sweeper {
	return &Sweeper{
		stores:         stores,
		schedule:       schedule,
		dedupRetention: dedupRetention,
		rateRetention:  rateRetention,
		gron:           gronx.New(),
	}
}

// Run blocks until ctx is cancelled, firing a sweep whenever the schedule
// is due.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.gron.IsValid(s.schedule) {
		slog.Error("invalid sweep schedule, sweeper disabled", "schedule", s.schedule)
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	slog.Info("maintenance sweeper started", "schedule", s.schedule)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := s.gron.IsDue(s.schedule, now)
			if err != nil {
				slog.Error("sweep schedule check failed", "error", err)
				continue
			}
			if due {
				s.Sweep(ctx, now)
			}
		}
	}
}

// Sweep runs one pruning pass.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	start := time.Now()

	dedup, err := s.stores.Dedup.PruneDedup(ctx, now.Add(-s.dedupRetention))
	if err != nil {
		slog.Error("dedup prune failed", "error", err)
	}
	locks, err := s.stores.Locks.PruneLocks(ctx, now)
	if err != nil {
		slog.Error("lock prune failed", "error", err)
	}
	rates, err := s.stores.Rates.PruneRates(ctx, now.Add(-s.rateRetention))
	if err != nil {
		slog.Error("rate prune failed", "error", err)
	}

	slog.Info("maintenance sweep done",
		"dedup_pruned", dedup,
		"locks_pruned", locks,
		"rates_pruned", rates,
		"duration_ms", time.Since(start).Milliseconds())
}
