package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultReleaseTimeout is the window a caller has to release a decrypted
// secret before a memory_violation record is written.
const DefaultReleaseTimeout = time.Second

// MetricsObserver receives decrypt and violation counts. The audit trail
// is the system of record; metrics are a convenience view on top of it.
type MetricsObserver interface {
	ObserveKeyDecrypt(operation, outcome string)
	ObserveMemoryViolation()
}

var metricsObserver MetricsObserver

// SetMetricsObserver installs a process-wide metrics observer. Call once
// at startup, before any checkout.
func SetMetricsObserver(m MetricsObserver) {
	metricsObserver = m
}

func observeDecrypt(operation, outcome string) {
	if metricsObserver != nil {
		metricsObserver.ObserveKeyDecrypt(operation, outcome)
	}
}

// ReleaseFunc marks a checked-out secret as released. It is idempotent and
// must be called on every exit path (success, error, early return) so the
// watchdog is satisfied even when the request deadline expires.
type ReleaseFunc func()

// WithAudited wraps a secret retrieval with an audit record and a
// bounded-lifetime watchdog.
//
// The fetch function is invoked with the caller's context. On success, one
// audit record is appended with the entry's identifiers and a fresh request
// id (unless the entry already carries one), and a watchdog timer is
// scheduled. If the returned release function has not been called when the
// timer fires, a memory_violation record is appended. This is a detective
// control: the runtime cannot force deallocation, so the auditor's job is
// to make unreleased secrets observable for incident response.
//
// On fetch failure, a failure record is appended, no watchdog is scheduled,
// and the error propagates. The returned release function is always
// non-nil so callers can defer it unconditionally.
func WithAudited(ctx context.Context, repo Repository, entry Entry, timeout time.Duration, fetch func(context.Context) (string, error)) (string, ReleaseFunc, error) {
	if timeout <= 0 {
		timeout = DefaultReleaseTimeout
	}
	if entry.RequestID == "" {
		entry.RequestID = uuid.New().String()
	}

	secret, err := fetch(ctx)
	if err != nil {
		entry.Outcome = OutcomeFailure
		entry.Error = err.Error()
		if _, aerr := repo.Append(entry); aerr != nil {
			slog.ErrorContext(ctx, "failed to append audit record",
				"request_id", entry.RequestID, "operation", entry.Operation, "error", aerr)
		}
		observeDecrypt(entry.Operation, OutcomeFailure)
		return "", func() {}, err
	}

	entry.Outcome = OutcomeSuccess
	entry.Error = ""
	if _, aerr := repo.Append(entry); aerr != nil {
		slog.ErrorContext(ctx, "failed to append audit record",
			"request_id", entry.RequestID, "operation", entry.Operation, "error", aerr)
	}
	observeDecrypt(entry.Operation, OutcomeSuccess)

	// The watchdog runs on the timer's scheduling path, never on the
	// request's critical path.
	var once sync.Once
	watchdog := time.AfterFunc(timeout, func() {
		violation := Entry{
			RequestID:    entry.RequestID,
			UserHash:     entry.UserHash,
			FederationID: entry.FederationID,
			ResourceID:   entry.ResourceID,
			Component:    entry.Component,
			Operation:    OpMemoryViolation,
			Outcome:      OutcomeViolation,
			Error:        "secret not released within " + timeout.String(),
			SourceIP:     entry.SourceIP,
		}
		if _, aerr := repo.Append(violation); aerr != nil {
			slog.Error("failed to append memory violation record",
				"request_id", entry.RequestID, "error", aerr)
		}
		if metricsObserver != nil {
			metricsObserver.ObserveMemoryViolation()
		}
		slog.Warn("decrypted secret held past release window",
			"request_id", entry.RequestID,
			"operation", entry.Operation,
			"resource_id", entry.ResourceID,
			"timeout", timeout.String())
	})

	release := func() {
		once.Do(func() {
			watchdog.Stop()
		})
	}
	return secret, release, nil
}
