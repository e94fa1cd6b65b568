package provision

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"
)

// Repository defines claim-row persistence. The uniqueness of the key
// column is the concurrency control: no locks are taken above it.
type Repository interface {
	// TryClaim inserts a pending claim for key. Returns ErrClaimExists
	// if a claim (pending or ready) already holds the key.
	TryClaim(ctx context.Context, key string) error

	// Get retrieves the claim for a key.
	Get(ctx context.Context, key string) (*Claim, error)

	// Finalize marks the claim ready and stores the result.
	Finalize(ctx context.Context, key, result string) error

	// Release deletes the claim so a later request can retry. Only called
	// by the winner after a failed external create.
	Release(ctx context.Context, key string) error

	// DeleteStalePending removes pending claims older than age, returning
	// the number deleted. Recovers slots orphaned by a crashed winner.
	DeleteStalePending(ctx context.Context, age time.Duration) (int64, error)
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu     sync.Mutex
	claims map[string]*Claim
}

// NewInMemoryRepository creates a new in-memory claim repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{claims: make(map[string]*Claim)}
}

// TryClaim inserts a pending claim for key.
func (r *InMemoryRepository) TryClaim(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.claims[key]; ok {
		return ErrClaimExists
	}
	now := time.Now()
	r.claims[key] = &Claim{Key: key, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	return nil
}

// Get retrieves the claim for a key.
func (r *InMemoryRepository) Get(ctx context.Context, key string) (*Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	claim, ok := r.claims[key]
	if !ok {
		return nil, ErrClaimNotFound
	}
	copied := *claim
	return &copied, nil
}

// Finalize marks the claim ready and stores the result.
func (r *InMemoryRepository) Finalize(ctx context.Context, key, result string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	claim, ok := r.claims[key]
	if !ok {
		return ErrClaimNotFound
	}
	claim.Status = StatusReady
	claim.Result = result
	claim.UpdatedAt = time.Now()
	return nil
}

// Release deletes the claim.
func (r *InMemoryRepository) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.claims[key]; !ok {
		return ErrClaimNotFound
	}
	delete(r.claims, key)
	return nil
}

// DeleteStalePending removes pending claims older than age.
func (r *InMemoryRepository) DeleteStalePending(ctx context.Context, age time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-age)
	var deleted int64
	for key, claim := range r.claims {
		if claim.Status == StatusPending && claim.CreatedAt.Before(cutoff) {
			delete(r.claims, key)
			deleted++
		}
	}
	return deleted, nil
}

// PostgresRepository implements Repository backed by Postgres. The unique
// primary key on provision_claims.key arbitrates the race.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a Postgres-backed claim repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const pqUniqueViolation = "23505"

// TryClaim inserts a pending claim for key.
func (r *PostgresRepository) TryClaim(ctx context.Context, key string) error {
	query := `
		INSERT INTO provision_claims (key, status, result, created_at, updated_at)
		VALUES ($1, $2, '', NOW(), NOW())`

	_, err := r.db.ExecContext(ctx, query, key, StatusPending)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return ErrClaimExists
	}
	return err
}

// Get retrieves the claim for a key.
func (r *PostgresRepository) Get(ctx context.Context, key string) (*Claim, error) {
	query := `
		SELECT key, status, result, created_at, updated_at
		FROM provision_claims
		WHERE key = $1`

	claim := &Claim{}
	err := r.db.QueryRowContext(ctx, query, key).Scan(
		&claim.Key, &claim.Status, &claim.Result, &claim.CreatedAt, &claim.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClaimNotFound
	}
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// Finalize marks the claim ready and stores the result.
func (r *PostgresRepository) Finalize(ctx context.Context, key, result string) error {
	query := `
		UPDATE provision_claims
		SET status = $2, result = $3, updated_at = NOW()
		WHERE key = $1`

	res, err := r.db.ExecContext(ctx, query, key, StatusReady, result)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrClaimNotFound
	}
	return nil
}

// Release deletes the claim.
func (r *PostgresRepository) Release(ctx context.Context, key string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM provision_claims WHERE key = $1`, key)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrClaimNotFound
	}
	return nil
}

// DeleteStalePending removes pending claims older than age.
func (r *PostgresRepository) DeleteStalePending(ctx context.Context, age time.Duration) (int64, error) {
	query := `
		DELETE FROM provision_claims
		WHERE status = $1 AND created_at < NOW() - ($2 * INTERVAL '1 second')`

	res, err := r.db.ExecContext(ctx, query, StatusPending, int64(age.Seconds()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
