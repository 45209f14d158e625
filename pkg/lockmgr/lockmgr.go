// Package lockmgr implements the Advisory Lock Manager (§4.1): a small,
// closed set of named PostgreSQL advisory locks used to coordinate the
// Matcher, the Manual Match Service, and the Matching Service scheduler.
// Locks taken through Manager are transaction-scoped (pg_advisory_xact_lock
// family) and are released automatically when the enclosing transaction
// ends, with no explicit unlock call. SessionManager is the one exception:
// it holds a session-scoped lock on a *sql.Conn and releases it with an
// explicit Release.
package lockmgr

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/empicore/empi/pkg/apperrors"
)

// Lock is a name drawn from the closed enumeration in §4.1.
type Lock string

// The three named locks.
const (
	LockMatchingService Lock = "MATCHING_SERVICE"
	LockMatchingJob     Lock = "MATCHING_JOB"
	LockMatchUpdate     Lock = "MATCH_UPDATE"
)

// key maps each named lock to a stable 64-bit advisory lock key. Values are
// arbitrary but fixed: changing one changes which processes can coordinate
// with each other across a deploy, so they must never be reassigned.
var key = map[Lock]int64{
	LockMatchingService: 0x454d5049_4d535643, // "EMPI" "MSVC" (MATCHING_SERVICE)
	LockMatchingJob:     0x454d5049_4a4f4221, // "EMPI" "JOB!" (MATCHING_JOB)
	LockMatchUpdate:     0x454d5049_4d555044, // "EMPI" "MUPD" (MATCH_UPDATE)
}

// Manager acquires advisory locks against a single transaction.
type Manager struct {
	tx *sql.Tx
}

// New returns a Manager scoped to tx. All locks acquired through it are
// released when tx commits or rolls back.
func New(tx *sql.Tx) *Manager {
	return &Manager{tx: tx}
}

// AcquireExclusive acquires lock exclusively. If blocking is true it waits
// until the lock is available (pg_advisory_xact_lock); otherwise it attempts
// a non-blocking acquisition and returns apperrors.ErrConcurrentMatchUpdates
// if it cannot be obtained immediately.
func (m *Manager) AcquireExclusive(ctx context.Context, lock Lock, blocking bool) error {
	k, ok := key[lock]
	if !ok {
		return fmt.Errorf("lockmgr: unknown lock %q", lock)
	}

	if blocking {
		if _, err := m.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, k); err != nil {
			return fmt.Errorf("lockmgr: acquire exclusive %s: %w", lock, err)
		}
		return nil
	}

	var acquired bool
	if err := m.tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, k).Scan(&acquired); err != nil {
		return fmt.Errorf("lockmgr: try exclusive %s: %w", lock, err)
	}
	if !acquired {
		return apperrors.ErrConcurrentMatchUpdates
	}
	return nil
}

// TryShared attempts a non-blocking shared (reader) acquisition of lock.
// Per §4.1, the Manual Match Service uses this against MATCH_UPDATE and
// fails fast with ErrConcurrentMatchUpdates if the Matcher holds it
// exclusively.
func (m *Manager) TryShared(ctx context.Context, lock Lock) error {
	k, ok := key[lock]
	if !ok {
		return fmt.Errorf("lockmgr: unknown lock %q", lock)
	}

	var acquired bool
	if err := m.tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock_shared($1)`, k).Scan(&acquired); err != nil {
		return fmt.Errorf("lockmgr: try shared %s: %w", lock, err)
	}
	if !acquired {
		return apperrors.ErrConcurrentMatchUpdates
	}
	return nil
}

// SessionManager acquires a session-scoped advisory lock against a single
// held *sql.Conn, for MATCHING_SERVICE: unlike MATCHING_JOB and MATCH_UPDATE,
// it is not held for a single transaction but for the process's entire
// lifetime, so it uses the pg_advisory_lock family and an explicit unlock
// rather than the pg_advisory_xact_lock family.
type SessionManager struct {
	conn *sql.Conn
}

// NewSession returns a SessionManager scoped to conn. The caller owns conn's
// lifetime: closing it also releases any lock acquired through here.
func NewSession(conn *sql.Conn) *SessionManager {
	return &SessionManager{conn: conn}
}

// TryAcquireExclusive attempts a non-blocking exclusive session-level
// acquisition of lock, returning apperrors.ErrConcurrentMatchUpdates if
// another session already holds it.
func (m *SessionManager) TryAcquireExclusive(ctx context.Context, lock Lock) error {
	k, ok := key[lock]
	if !ok {
		return fmt.Errorf("lockmgr: unknown lock %q", lock)
	}

	var acquired bool
	if err := m.conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, k).Scan(&acquired); err != nil {
		return fmt.Errorf("lockmgr: try session exclusive %s: %w", lock, err)
	}
	if !acquired {
		return apperrors.ErrConcurrentMatchUpdates
	}
	return nil
}

// Release releases a session-level lock previously acquired through
// TryAcquireExclusive.
func (m *SessionManager) Release(ctx context.Context, lock Lock) error {
	k, ok := key[lock]
	if !ok {
		return fmt.Errorf("lockmgr: unknown lock %q", lock)
	}
	if _, err := m.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, k); err != nil {
		return fmt.Errorf("lockmgr: release session %s: %w", lock, err)
	}
	return nil
}
