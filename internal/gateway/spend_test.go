package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/auth"
)

func TestAuthorizeOffspringOnly(t *testing.T) {
	policy := NewSpendPolicy(10_000, 50_000, NewInMemorySpendLedger())
	ctx := context.Background()

	// Unconstrained roles pass any amount without touching the ledger.
	for _, role := range []string{auth.RoleAdult, auth.RoleSteward, auth.RoleGuardian, auth.RoleAdmin} {
		if err := policy.Authorize(ctx, "user-1", role, 1_000_000); err != nil {
			t.Errorf("Authorize(%s, 1M sats) = %v, want nil", role, err)
		}
	}

	if err := policy.Authorize(ctx, "user-1", auth.RoleOffspring, 1_000_000); !errors.Is(err, ErrDailyLimitExceeded) {
		t.Errorf("offspring over ceiling = %v, want ErrDailyLimitExceeded", err)
	}
}

func TestAuthorizeBands(t *testing.T) {
	policy := NewSpendPolicy(10_000, 50_000, NewInMemorySpendLedger())
	ctx := context.Background()

	cases := []struct {
		name   string
		amount int64
		want   error
	}{
		{"below threshold", 9_999, nil},
		{"above threshold below ceiling", 20_000, ErrApprovalRequired},
		{"above ceiling", 60_000, ErrDailyLimitExceeded},
		{"far above ceiling", 1_000_000, ErrDailyLimitExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := policy.Authorize(ctx, "user-1", auth.RoleOffspring, tc.amount)
			if !errors.Is(err, tc.want) {
				t.Errorf("Authorize(%d) = %v, want %v", tc.amount, err, tc.want)
			}
		})
	}
}

func TestAuthorizeThresholdBoundary(t *testing.T) {
	policy := NewSpendPolicy(10_000, 50_000, NewInMemorySpendLedger())
	ctx := context.Background()

	if err := policy.Authorize(ctx, "user-1", auth.RoleOffspring, 10_000); err != nil {
		t.Errorf("exactly at threshold = %v, want nil", err)
	}
	if err := policy.Authorize(ctx, "user-1", auth.RoleOffspring, 10_001); !errors.Is(err, ErrApprovalRequired) {
		t.Errorf("one over threshold = %v, want ErrApprovalRequired", err)
	}
}

func TestAuthorizeDailyCeiling(t *testing.T) {
	ledger := NewInMemorySpendLedger()
	policy := NewSpendPolicy(10_000, 50_000, ledger)
	ctx := context.Background()

	// Five settled 10k payments exhaust the ceiling.
	for i := 0; i < 5; i++ {
		if err := policy.Authorize(ctx, "user-1", auth.RoleOffspring, 10_000); err != nil {
			t.Fatalf("payment %d refused: %v", i+1, err)
		}
		if err := policy.Record(ctx, "user-1", 10_000); err != nil {
			t.Fatal(err)
		}
	}

	if err := policy.Authorize(ctx, "user-1", auth.RoleOffspring, 1); !errors.Is(err, ErrDailyLimitExceeded) {
		t.Errorf("over ceiling = %v, want ErrDailyLimitExceeded", err)
	}

	// Another user's budget is untouched.
	if err := policy.Authorize(ctx, "user-2", auth.RoleOffspring, 10_000); err != nil {
		t.Errorf("second user = %v, want nil", err)
	}
}

func TestLedgerDayRollover(t *testing.T) {
	ledger := NewInMemorySpendLedger()
	now := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	ledger.now = func() time.Time { return now }
	ctx := context.Background()

	if err := ledger.Add(ctx, "user-1", 45_000); err != nil {
		t.Fatal(err)
	}
	spent, err := ledger.SpentToday(ctx, "user-1")
	if err != nil || spent != 45_000 {
		t.Fatalf("before midnight: %d (%v)", spent, err)
	}

	// Totals reset at the UTC day boundary.
	now = now.Add(20 * time.Minute)
	spent, err = ledger.SpentToday(ctx, "user-1")
	if err != nil || spent != 0 {
		t.Errorf("after midnight: %d (%v), want 0", spent, err)
	}
}

type brokenLedger struct{}

func (brokenLedger) SpentToday(ctx context.Context, userHash string) (int64, error) {
	return 0, errors.New("ledger down")
}

func (brokenLedger) Add(ctx context.Context, userHash string, amountSats int64) error {
	return errors.New("ledger down")
}

func TestLedgerOutageFailsClosed(t *testing.T) {
	policy := NewSpendPolicy(10_000, 50_000, brokenLedger{})
	ctx := context.Background()

	err := policy.Authorize(ctx, "user-1", auth.RoleOffspring, 100)
	if err == nil || errors.Is(err, ErrApprovalRequired) || errors.Is(err, ErrDailyLimitExceeded) {
		t.Errorf("Authorize with broken ledger = %v, want opaque error", err)
	}

	// Unconstrained roles never consult the ledger, so they still pass.
	if err := policy.Authorize(ctx, "user-1", auth.RoleAdult, 100); err != nil {
		t.Errorf("adult with broken ledger = %v, want nil", err)
	}
}
