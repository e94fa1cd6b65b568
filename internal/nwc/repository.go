package nwc

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Repository defines persistence for connection grants. Revocation is a
// soft delete: revoked rows stay for audit trails and secret-reuse
// prevention, they just stop resolving.
type Repository interface {
	Insert(ctx context.Context, g *Grant) error
	// GetByID retrieves a grant scoped to its owner, revoked or not.
	GetByID(ctx context.Context, userHash, id string) (*Grant, error)
	// ListActive retrieves a user's non-revoked grants, oldest first.
	ListActive(ctx context.Context, userHash string) ([]*Grant, error)
	// Revoke marks a grant revoked. Idempotent: revoking twice is not an error.
	Revoke(ctx context.Context, userHash, id string) error
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu     sync.RWMutex
	grants map[string]*Grant
	order  []string
}

// NewInMemoryRepository creates a new in-memory grant repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{grants: make(map[string]*Grant)}
}

func copyGrant(g *Grant) *Grant {
	copied := *g
	copied.Capabilities = append([]string(nil), g.Capabilities...)
	copied.Salt = append([]byte(nil), g.Salt...)
	if g.RevokedAt != nil {
		t := *g.RevokedAt
		copied.RevokedAt = &t
	}
	return &copied
}

// Insert adds a new grant.
func (r *InMemoryRepository) Insert(ctx context.Context, g *Grant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	now := time.Now()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now

	r.grants[g.ID] = copyGrant(g)
	r.order = append(r.order, g.ID)
	return nil
}

// GetByID retrieves a grant scoped to its owner.
func (r *InMemoryRepository) GetByID(ctx context.Context, userHash, id string) (*Grant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.grants[id]
	if !ok || g.UserHash != userHash {
		return nil, ErrGrantNotFound
	}
	return copyGrant(g), nil
}

// ListActive retrieves a user's non-revoked grants, oldest first.
func (r *InMemoryRepository) ListActive(ctx context.Context, userHash string) ([]*Grant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Grant
	for _, id := range r.order {
		g := r.grants[id]
		if g.UserHash == userHash && !g.Revoked() {
			results = append(results, copyGrant(g))
		}
	}
	return results, nil
}

// Revoke marks a grant revoked.
func (r *InMemoryRepository) Revoke(ctx context.Context, userHash, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.grants[id]
	if !ok || g.UserHash != userHash {
		return ErrGrantNotFound
	}
	if g.RevokedAt == nil {
		now := time.Now()
		g.RevokedAt = &now
		g.UpdatedAt = now
	}
	return nil
}

// PostgresRepository implements Repository backed by Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a Postgres-backed grant repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const grantColumns = `id, user_hash, federation_id, wallet_id, label, capabilities, salt, sealed_secret, preview, revoked_at, created_at, updated_at`

func scanGrant(row interface{ Scan(...any) error }) (*Grant, error) {
	g := &Grant{}
	var revokedAt sql.NullTime
	err := row.Scan(
		&g.ID, &g.UserHash, &g.FederationID, &g.WalletID, &g.Label,
		pq.Array(&g.Capabilities), &g.Salt, &g.SealedSecret, &g.Preview,
		&revokedAt, &g.CreatedAt, &g.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGrantNotFound
	}
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		g.RevokedAt = &revokedAt.Time
	}
	return g, nil
}

// Insert adds a new grant row.
func (r *PostgresRepository) Insert(ctx context.Context, g *Grant) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	query := `
		INSERT INTO connection_grants (id, user_hash, federation_id, wallet_id, label, capabilities, salt, sealed_secret, preview, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING created_at, updated_at`

	return r.db.QueryRowContext(ctx, query,
		g.ID, g.UserHash, g.FederationID, g.WalletID, g.Label,
		pq.Array(g.Capabilities), g.Salt, g.SealedSecret, g.Preview,
	).Scan(&g.CreatedAt, &g.UpdatedAt)
}

// GetByID retrieves a grant scoped to its owner.
func (r *PostgresRepository) GetByID(ctx context.Context, userHash, id string) (*Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM connection_grants WHERE id = $1 AND user_hash = $2`
	return scanGrant(r.db.QueryRowContext(ctx, query, id, userHash))
}

// ListActive retrieves a user's non-revoked grants, oldest first.
func (r *PostgresRepository) ListActive(ctx context.Context, userHash string) ([]*Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM connection_grants WHERE user_hash = $1 AND revoked_at IS NULL ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, userHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, g)
	}
	return results, rows.Err()
}

// Revoke marks a grant revoked.
func (r *PostgresRepository) Revoke(ctx context.Context, userHash, id string) error {
	query := `
		UPDATE connection_grants
		SET revoked_at = COALESCE(revoked_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND user_hash = $2`

	res, err := r.db.ExecContext(ctx, query, id, userHash)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrGrantNotFound
	}
	return nil
}
