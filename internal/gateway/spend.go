package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/auth"
)

// Spend policy errors.
var (
	// ErrApprovalRequired is returned when a constrained-role payment
	// exceeds the single-payment approval threshold.
	ErrApprovalRequired = errors.New("payment requires guardian approval")

	// ErrDailyLimitExceeded is returned when a payment would push the
	// caller past the daily ceiling. The ceiling is hard: no role below
	// guardian can override it.
	ErrDailyLimitExceeded = errors.New("daily spend limit exceeded")
)

// SpendPolicy enforces per-role payment limits against declared invoice
// amounts. Amounts come from the invoice HRP before any key is decrypted,
// so a rejected payment never touches credentials.
type SpendPolicy struct {
	ApprovalThresholdSats int64
	DailyCeilingSats      int64
	ledger                SpendLedger
}

// NewSpendPolicy creates a policy with the given limits.
func NewSpendPolicy(approvalThresholdSats, dailyCeilingSats int64, ledger SpendLedger) *SpendPolicy {
	return &SpendPolicy{
		ApprovalThresholdSats: approvalThresholdSats,
		DailyCeilingSats:      dailyCeilingSats,
		ledger:                ledger,
	}
}

// Authorize checks whether a payment of amountSats is allowed for the
// caller. Only RoleOffspring is constrained; other roles pass.
func (p *SpendPolicy) Authorize(ctx context.Context, userHash, role string, amountSats int64) error {
	if role != auth.RoleOffspring {
		return nil
	}

	// The hard ceiling wins over the approval band: an amount no approval
	// could make spendable is refused as a ceiling breach, not queued for
	// approval. The declared amount alone can settle that without the
	// ledger.
	if amountSats > p.DailyCeilingSats {
		return ErrDailyLimitExceeded
	}

	if amountSats > p.ApprovalThresholdSats {
		return ErrApprovalRequired
	}

	spent, err := p.ledger.SpentToday(ctx, userHash)
	if err != nil {
		// A ledger outage must not open an unlimited spend window.
		return fmt.Errorf("spend ledger unavailable: %w", err)
	}
	if spent+amountSats > p.DailyCeilingSats {
		return ErrDailyLimitExceeded
	}
	return nil
}

// Record adds a settled payment to the caller's daily total.
func (p *SpendPolicy) Record(ctx context.Context, userHash string, amountSats int64) error {
	return p.ledger.Add(ctx, userHash, amountSats)
}

// SpendLedger tracks per-user spend totals over the current UTC day.
type SpendLedger interface {
	SpentToday(ctx context.Context, userHash string) (int64, error)
	Add(ctx context.Context, userHash string, amountSats int64) error
}

// InMemorySpendLedger implements SpendLedger for tests and single-replica
// deployments. Totals reset at UTC midnight.
type InMemorySpendLedger struct {
	mu     sync.Mutex
	day    string
	totals map[string]int64
	now    func() time.Time
}

// NewInMemorySpendLedger creates an in-memory spend ledger.
func NewInMemorySpendLedger() *InMemorySpendLedger {
	return &InMemorySpendLedger{totals: make(map[string]int64), now: time.Now}
}

func (l *InMemorySpendLedger) rollover() {
	today := l.now().UTC().Format("2006-01-02")
	if l.day != today {
		l.day = today
		l.totals = make(map[string]int64)
	}
}

// SpentToday returns the user's total for the current UTC day.
func (l *InMemorySpendLedger) SpentToday(ctx context.Context, userHash string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.totals[userHash], nil
}

// Add records a settled payment.
func (l *InMemorySpendLedger) Add(ctx context.Context, userHash string, amountSats int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	l.totals[userHash] += amountSats
	return nil
}

// RedisSpendLedger implements SpendLedger on Redis so the daily total is
// shared across replicas. Keys expire two days out; the day boundary in
// the key does the actual reset.
type RedisSpendLedger struct {
	client *redis.Client
}

// NewRedisSpendLedger creates a Redis-backed spend ledger.
func NewRedisSpendLedger(client *redis.Client) *RedisSpendLedger {
	return &RedisSpendLedger{client: client}
}

func spendKey(userHash string) string {
	return "spend:" + time.Now().UTC().Format("2006-01-02") + ":" + userHash
}

// SpentToday returns the user's total for the current UTC day.
func (l *RedisSpendLedger) SpentToday(ctx context.Context, userHash string) (int64, error) {
	val, err := l.client.Get(ctx, spendKey(userHash)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// Add records a settled payment.
func (l *RedisSpendLedger) Add(ctx context.Context, userHash string, amountSats int64) error {
	key := spendKey(userHash)
	pipe := l.client.TxPipeline()
	pipe.IncrBy(ctx, key, amountSats)
	pipe.Expire(ctx, key, 48*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}
