package audit

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidOperation is returned for an operation kind outside the allowed set.
	ErrInvalidOperation = errors.New("audit: invalid operation kind")
	// ErrInvalidOutcome is returned for an empty outcome.
	ErrInvalidOutcome = errors.New("audit: outcome cannot be empty")
)

// Repository defines the interface for audit record storage.
// Implementations must be append-only: no update or delete operations exist.
type Repository interface {
	// Append records an audit event and returns the stored record.
	Append(entry Entry) (*Record, error)

	// QueryByUser retrieves records for a user hash, newest first.
	// limit of 0 means no limit.
	QueryByUser(userHash string, limit int) ([]*Record, error)

	// QueryByResource retrieves records for a resource, newest first.
	// limit of 0 means no limit.
	QueryByResource(resourceID string, limit int) ([]*Record, error)

	// QueryByOperation retrieves records of a given operation kind, newest first.
	// limit of 0 means no limit.
	QueryByOperation(operation string, limit int) ([]*Record, error)
}

func validateEntry(entry Entry) error {
	if !ValidOperations[entry.Operation] {
		return ErrInvalidOperation
	}
	if entry.Outcome == "" {
		return ErrInvalidOutcome
	}
	return nil
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Record
	// Maintain insertion order for newest-first queries
	order []string
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		records: make(map[string]*Record),
		order:   make([]string, 0),
	}
}

// Append records an audit event.
func (r *InMemoryRepository) Append(entry Entry) (*Record, error) {
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

	r.mu.Lock()
	r.records[rec.ID] = rec
	r.order = append(r.order, rec.ID)
	r.mu.Unlock()

	// Return a copy to prevent external modification
	recCopy := *rec
	return &recCopy, nil
}

// QueryByUser retrieves records for a user hash, newest first.
func (r *InMemoryRepository) QueryByUser(userHash string, limit int) ([]*Record, error) {
	return r.query(func(rec *Record) bool { return rec.UserHash == userHash }, limit)
}

// QueryByResource retrieves records for a resource, newest first.
func (r *InMemoryRepository) QueryByResource(resourceID string, limit int) ([]*Record, error) {
	return r.query(func(rec *Record) bool { return rec.ResourceID == resourceID }, limit)
}

// QueryByOperation retrieves records of a given operation kind, newest first.
func (r *InMemoryRepository) QueryByOperation(operation string, limit int) ([]*Record, error) {
	return r.query(func(rec *Record) bool { return rec.Operation == operation }, limit)
}

func (r *InMemoryRepository) query(match func(*Record) bool, limit int) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Record
	for i := len(r.order) - 1; i >= 0; i-- {
		rec := r.records[r.order[i]]
		if match(rec) {
			recCopy := *rec
			results = append(results, &recCopy)
			if limit > 0 && len(results) >= limit {
				break
			}
		}
	}
	return results, nil
}
