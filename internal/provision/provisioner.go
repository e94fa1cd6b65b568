package provision

import (
	"context"
	"log/slog"
	"time"
)

// Polling defaults for losers of the claim race.
const (
	DefaultPollAttempts = 2
	DefaultPollInterval = 250 * time.Millisecond
)

// DefaultStaleClaimAge is how long a pending claim may exist before the
// cleanup job reclaims its slot. Long enough to cover any external create
// the winner could still be running.
const DefaultStaleClaimAge = 5 * time.Minute

// CreateFunc performs the external side effect and returns the result to
// store in the claim. Invoked at most once per key across all concurrent
// callers.
type CreateFunc func(ctx context.Context) (string, error)

// EnrichFunc runs after a successful create. Failures are logged and
// swallowed: enrichment never fails the provisioning itself.
type EnrichFunc func(ctx context.Context, result string)

// Provisioner coordinates idempotent creation through claim rows.
type Provisioner struct {
	repo         Repository
	pollAttempts int
	pollInterval time.Duration
}

// NewProvisioner creates a Provisioner with default polling behavior.
func NewProvisioner(repo Repository) *Provisioner {
	return &Provisioner{
		repo:         repo,
		pollAttempts: DefaultPollAttempts,
		pollInterval: DefaultPollInterval,
	}
}

// NewProvisionerWithPolling creates a Provisioner with custom loser polling.
func NewProvisionerWithPolling(repo Repository, attempts int, interval time.Duration) *Provisioner {
	return &Provisioner{repo: repo, pollAttempts: attempts, pollInterval: interval}
}

// Provision returns the result for key, creating it if needed.
//
// The winner of the claim race calls create exactly once. On success the
// claim is finalized with the result and enrich (if non-nil) runs; on
// failure the claim is released so a later request can retry, and the
// error propagates. Losers whose claim is already ready return its result
// immediately; otherwise they poll and finally return ErrStillPreparing.
func (p *Provisioner) Provision(ctx context.Context, key string, create CreateFunc, enrich EnrichFunc) (string, error) {
	err := p.repo.TryClaim(ctx, key)
	if err == nil {
		return p.runWinner(ctx, key, create, enrich)
	}
	if err != ErrClaimExists {
		return "", err
	}
	return p.awaitResult(ctx, key)
}

func (p *Provisioner) runWinner(ctx context.Context, key string, create CreateFunc, enrich EnrichFunc) (string, error) {
	result, err := create(ctx)
	if err != nil {
		if relErr := p.repo.Release(ctx, key); relErr != nil {
			slog.ErrorContext(ctx, "failed to release claim after create failure",
				"key", key, "error", relErr)
		}
		return "", err
	}

	if err := p.repo.Finalize(ctx, key, result); err != nil {
		// The external resource exists but the claim row could not record
		// it. Surface the error; the pending claim blocks duplicates until
		// the stale-claim cleanup reclaims it.
		slog.ErrorContext(ctx, "failed to finalize claim", "key", key, "error", err)
		return "", err
	}

	if enrich != nil {
		enrich(ctx, result)
	}
	return result, nil
}

func (p *Provisioner) awaitResult(ctx context.Context, key string) (string, error) {
	for attempt := 0; ; attempt++ {
		claim, err := p.repo.Get(ctx, key)
		switch {
		case err == ErrClaimNotFound:
			// The winner failed and released the claim between our
			// TryClaim and this poll. Tell the caller to retry.
			return "", ErrStillPreparing
		case err != nil:
			return "", err
		case claim.Status == StatusReady:
			return claim.Result, nil
		}

		if attempt >= p.pollAttempts {
			return "", ErrStillPreparing
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

// RunPeriodicCleanup reclaims stale pending claims at the given interval.
// Blocks until the stop channel is closed; run it in a goroutine.
func RunPeriodicCleanup(repo Repository, interval, staleAge time.Duration, stopChan <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deleted, err := repo.DeleteStalePending(context.Background(), staleAge)
			if err != nil {
				slog.Error("stale claim cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				slog.Info("reclaimed stale provisioning claims", "deleted", deleted, "older_than", staleAge)
			}
		case <-stopChan:
			slog.Info("stopping claim cleanup")
			return
		}
	}
}
