package card

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Repository defines persistence for card registrations.
type Repository interface {
	Insert(ctx context.Context, c *Card) error
	GetByID(ctx context.Context, userHash, id string) (*Card, error)
	GetByUserAndLabel(ctx context.Context, userHash, label string) (*Card, error)
	GetByHashedUID(ctx context.Context, hashedUID string) (*Card, error)
	ListByUser(ctx context.Context, userHash string) ([]*Card, error)
	Update(ctx context.Context, c *Card) error
	Delete(ctx context.Context, userHash, id string) error
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu    sync.RWMutex
	cards map[string]*Card
}

// NewInMemoryRepository creates a new in-memory card repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{cards: make(map[string]*Card)}
}

// Insert adds a new card. Enforces the per-user label uniqueness the
// Postgres schema guarantees with a constraint.
func (r *InMemoryRepository) Insert(ctx context.Context, c *Card) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.cards {
		if existing.UserHash == c.UserHash && existing.Label == c.Label {
			return ErrDuplicateLabel
		}
	}

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	copied := *c
	r.cards[c.ID] = &copied
	return nil
}

// GetByID retrieves a card scoped to its owner.
func (r *InMemoryRepository) GetByID(ctx context.Context, userHash, id string) (*Card, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.cards[id]
	if !ok || c.UserHash != userHash {
		return nil, ErrCardNotFound
	}
	copied := *c
	return &copied, nil
}

// GetByUserAndLabel retrieves a card by its owner and label.
func (r *InMemoryRepository) GetByUserAndLabel(ctx context.Context, userHash, label string) (*Card, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.cards {
		if c.UserHash == userHash && c.Label == label {
			copied := *c
			return &copied, nil
		}
	}
	return nil, ErrCardNotFound
}

// GetByHashedUID retrieves a card by its bound tag UID hash.
func (r *InMemoryRepository) GetByHashedUID(ctx context.Context, hashedUID string) (*Card, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.cards {
		if c.HashedUID != "" && c.HashedUID == hashedUID {
			copied := *c
			return &copied, nil
		}
	}
	return nil, ErrCardNotFound
}

// ListByUser retrieves all cards owned by a user.
func (r *InMemoryRepository) ListByUser(ctx context.Context, userHash string) ([]*Card, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Card
	for _, c := range r.cards {
		if c.UserHash == userHash {
			copied := *c
			results = append(results, &copied)
		}
	}
	return results, nil
}

// Update replaces a card's mutable fields.
func (r *InMemoryRepository) Update(ctx context.Context, c *Card) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.cards[c.ID]
	if !ok || existing.UserHash != c.UserHash {
		return ErrCardNotFound
	}
	c.UpdatedAt = time.Now()
	copied := *c
	r.cards[c.ID] = &copied
	return nil
}

// Delete removes a card scoped to its owner.
func (r *InMemoryRepository) Delete(ctx context.Context, userHash, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.cards[id]
	if !ok || c.UserHash != userHash {
		return ErrCardNotFound
	}
	delete(r.cards, id)
	return nil
}

// PostgresRepository implements Repository backed by Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a Postgres-backed card repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const pqUniqueViolation = "23505"

const cardColumns = `id, user_hash, federation_id, label, upstream_id, sealed_auth, sealed_pin, hashed_uid, enabled, created_at, updated_at`

func scanCard(row interface{ Scan(...any) error }) (*Card, error) {
	c := &Card{}
	err := row.Scan(
		&c.ID, &c.UserHash, &c.FederationID, &c.Label, &c.UpstreamID,
		&c.SealedAuth, &c.SealedPIN, &c.HashedUID, &c.Enabled,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCardNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Insert adds a new card row.
func (r *PostgresRepository) Insert(ctx context.Context, c *Card) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	query := `
		INSERT INTO cards (id, user_hash, federation_id, label, upstream_id, sealed_auth, sealed_pin, hashed_uid, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		c.ID, c.UserHash, c.FederationID, c.Label, c.UpstreamID,
		c.SealedAuth, c.SealedPIN, c.HashedUID, c.Enabled,
	).Scan(&c.CreatedAt, &c.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return ErrDuplicateLabel
	}
	return err
}

// GetByID retrieves a card scoped to its owner.
func (r *PostgresRepository) GetByID(ctx context.Context, userHash, id string) (*Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE id = $1 AND user_hash = $2`
	return scanCard(r.db.QueryRowContext(ctx, query, id, userHash))
}

// GetByUserAndLabel retrieves a card by its owner and label.
func (r *PostgresRepository) GetByUserAndLabel(ctx context.Context, userHash, label string) (*Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE user_hash = $1 AND label = $2`
	return scanCard(r.db.QueryRowContext(ctx, query, userHash, label))
}

// GetByHashedUID retrieves a card by its bound tag UID hash.
func (r *PostgresRepository) GetByHashedUID(ctx context.Context, hashedUID string) (*Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE hashed_uid = $1 AND hashed_uid <> ''`
	return scanCard(r.db.QueryRowContext(ctx, query, hashedUID))
}

// ListByUser retrieves all cards owned by a user, oldest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userHash string) ([]*Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE user_hash = $1 ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, userHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// Update replaces a card's mutable fields.
func (r *PostgresRepository) Update(ctx context.Context, c *Card) error {
	query := `
		UPDATE cards
		SET sealed_auth = $3, sealed_pin = $4, hashed_uid = $5, enabled = $6, updated_at = NOW()
		WHERE id = $1 AND user_hash = $2`

	res, err := r.db.ExecContext(ctx, query,
		c.ID, c.UserHash, c.SealedAuth, c.SealedPIN, c.HashedUID, c.Enabled,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCardNotFound
	}
	return nil
}

// Delete removes a card scoped to its owner.
func (r *PostgresRepository) Delete(ctx context.Context, userHash, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cards WHERE id = $1 AND user_hash = $2`, id, userHash)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCardNotFound
	}
	return nil
}
