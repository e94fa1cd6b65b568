package wallet

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// ErrCredentialNotFound is returned when no credential exists for a user.
var ErrCredentialNotFound = errors.New("wallet credential not found")

// Repository defines persistence for wallet credentials.
type Repository interface {
	Insert(ctx context.Context, cred *Credential) error
	GetByUserHash(ctx context.Context, userHash string) (*Credential, error)
	// ReplaceKeys overwrites both sealed keys in one write. Key rotation
	// is full-replacement only; there is no per-key update.
	ReplaceKeys(ctx context.Context, userHash, sealedAdminKey, sealedInvoiceKey string) error
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu    sync.RWMutex
	creds map[string]*Credential
}

// NewInMemoryRepository creates a new in-memory credential repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{creds: make(map[string]*Credential)}
}

// Insert adds a new credential.
func (r *InMemoryRepository) Insert(ctx context.Context, cred *Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	copied := *cred
	r.creds[cred.UserHash] = &copied
	return nil
}

// GetByUserHash retrieves the credential for a user.
func (r *InMemoryRepository) GetByUserHash(ctx context.Context, userHash string) (*Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cred, ok := r.creds[userHash]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	copied := *cred
	return &copied, nil
}

// ReplaceKeys overwrites both sealed keys for a user.
func (r *InMemoryRepository) ReplaceKeys(ctx context.Context, userHash, sealedAdminKey, sealedInvoiceKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cred, ok := r.creds[userHash]
	if !ok {
		return ErrCredentialNotFound
	}
	cred.SealedAdminKey = sealedAdminKey
	cred.SealedInvoiceKey = sealedInvoiceKey
	cred.UpdatedAt = time.Now()
	return nil
}

// PostgresRepository implements Repository backed by Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a Postgres-backed credential repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert adds a new credential row.
func (r *PostgresRepository) Insert(ctx context.Context, cred *Credential) error {
	query := `
		INSERT INTO wallet_credentials (user_hash, federation_id, wallet_id, sealed_admin_key, sealed_invoice_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING created_at, updated_at`

	return r.db.QueryRowContext(ctx, query,
		cred.UserHash, cred.FederationID, cred.WalletID,
		cred.SealedAdminKey, cred.SealedInvoiceKey,
	).Scan(&cred.CreatedAt, &cred.UpdatedAt)
}

// GetByUserHash retrieves the credential for a user.
func (r *PostgresRepository) GetByUserHash(ctx context.Context, userHash string) (*Credential, error) {
	query := `
		SELECT user_hash, federation_id, wallet_id, sealed_admin_key, sealed_invoice_key, created_at, updated_at
		FROM wallet_credentials
		WHERE user_hash = $1`

	cred := &Credential{}
	err := r.db.QueryRowContext(ctx, query, userHash).Scan(
		&cred.UserHash, &cred.FederationID, &cred.WalletID,
		&cred.SealedAdminKey, &cred.SealedInvoiceKey,
		&cred.CreatedAt, &cred.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// ReplaceKeys overwrites both sealed keys for a user in one statement.
func (r *PostgresRepository) ReplaceKeys(ctx context.Context, userHash, sealedAdminKey, sealedInvoiceKey string) error {
	query := `
		UPDATE wallet_credentials
		SET sealed_admin_key = $2, sealed_invoice_key = $3, updated_at = NOW()
		WHERE user_hash = $1`

	result, err := r.db.ExecContext(ctx, query, userHash, sealedAdminKey, sealedInvoiceKey)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
