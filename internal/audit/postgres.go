package audit

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// PostgresRepository is a Postgres-backed implementation of Repository.
// The audit_records table has no UPDATE or DELETE path in the application;
// retention is handled by the archiver, never by row deletion.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a Postgres-backed audit repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Append records an audit event.
func (r *PostgresRepository) Append(entry Entry) (*Record, error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}

	rec := &Record{
		ID:           uuid.New().String(),
		RequestID:    entry.RequestID,
		UserHash:     entry.UserHash,
		FederationID: entry.FederationID,
		ResourceID:   entry.ResourceID,
		Component:    entry.Component,
		Operation:    entry.Operation,
		Outcome:      entry.Outcome,
		Error:        entry.Error,
		SourceIP:     entry.SourceIP,
		CreatedAt:    time.Now().UTC(),
	}

	query := `
		INSERT INTO audit_records (id, request_id, user_hash, federation_id, resource_id, component, operation, outcome, error, source_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.Exec(query,
		rec.ID, rec.RequestID, rec.UserHash, rec.FederationID, rec.ResourceID,
		rec.Component, rec.Operation, rec.Outcome, rec.Error, rec.SourceIP, rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// QueryByUser retrieves records for a user hash, newest first.
func (r *PostgresRepository) QueryByUser(userHash string, limit int) ([]*Record, error) {
	return r.query(`user_hash = $1`, userHash, limit)
}

// QueryByResource retrieves records for a resource, newest first.
func (r *PostgresRepository) QueryByResource(resourceID string, limit int) ([]*Record, error) {
	return r.query(`resource_id = $1`, resourceID, limit)
}

// QueryByOperation retrieves records of a given operation kind, newest first.
func (r *PostgresRepository) QueryByOperation(operation string, limit int) ([]*Record, error) {
	return r.query(`operation = $1`, operation, limit)
}

func (r *PostgresRepository) query(where, arg string, limit int) ([]*Record, error) {
	query := `
		SELECT id, request_id, user_hash, federation_id, resource_id, component, operation, outcome, error, source_ip, created_at
		FROM audit_records
		WHERE ` + where + `
		ORDER BY created_at DESC`
	args := []any{arg}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*Record
	for rows.Next() {
		rec := &Record{}
		if err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.UserHash, &rec.FederationID, &rec.ResourceID,
			&rec.Component, &rec.Operation, &rec.Outcome, &rec.Error, &rec.SourceIP, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}
