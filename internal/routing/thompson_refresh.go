package routing

import (
	"log/slog"
	"time"
)

// RewardSummaryRow holds aggregated reward data for one (model, bucket) arm.
type RewardSummaryRow struct {
	ModelID     string
	TokenBucket string
	Count       int
	Successes   int
	SumReward   float64
}

// RefreshConfig configures the Thompson Sampling parameter refresh loop.
type RefreshConfig struct {
	Interval time.Duration
}

// DefaultRefreshConfig returns sensible defaults (refresh every 5 minutes).
func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{Interval: 5 * time.Minute}
}

// FetchRewardSummaryFunc fetches aggregated reward data. The server wiring
// provides this as a closure over the store.
type FetchRewardSummaryFunc func() ([]RewardSummaryRow, error)

// Seed overwrites an arm's Beta parameters directly, used to warm-start the
// sampler from historical reward summaries at startup or on a refresh tick.
func (ts *ThompsonSampler) Seed(modelID, tokenBucket string, alpha, beta float64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.arms[armKey{modelID, tokenBucket}] = armParams{Alpha: alpha, Beta: beta}
}

// Bandit exposes the router's Thompson Sampler for warm-starting from
// persisted reward data, e.g. via StartBanditRefreshLoop.
func (r *Router) Bandit() *ThompsonSampler {
	return r.bandit
}

// StartBanditRefreshLoop periodically loads reward stats and updates the
// router's bandit Beta distribution parameters. Returns a stop function.
func StartBanditRefreshLoop(cfg RefreshConfig, ts *ThompsonSampler, fetch FetchRewardSummaryFunc, logger *slog.Logger) func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)

		refreshBanditParams(ts, fetch, logger)

		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				refreshBanditParams(ts, fetch, logger)
			case <-stop:
				return
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}

func refreshBanditParams(ts *ThompsonSampler, fetch FetchRewardSummaryFunc, logger *slog.Logger) {
	rows, err := fetch()
	if err != nil {
		if logger != nil {
			logger.Warn("thompson sampling: failed to refresh params", slog.String("error", err.Error()))
		}
		return
	}

	for _, r := range rows {
		// Beta distribution: alpha = sum(rewards) + 1, beta = (count - sum(rewards)) + 1
		alpha := r.SumReward + 1.0
		beta := max(float64(r.Count)-r.SumReward+1.0, 1.0)
		ts.Seed(r.ModelID, r.TokenBucket, alpha, beta)
	}

	if len(rows) > 0 && logger != nil {
		logger.Debug("thompson sampling: refreshed params", slog.Int("arms", len(rows)))
	}
}
