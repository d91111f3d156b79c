package sso

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionManager manages SSO session lifecycle: open, active lookup, logout.
// Sessions are soft-deleted on logout so Single Logout stays auditable.
type SessionManager struct {
	db *sql.DB
}

// NewSessionManager creates a new session manager backed by db.
func NewSessionManager(db *sql.DB) *SessionManager {
	return &SessionManager{db: db}
}

// Open inserts a new session with a future expiry. Duplicate logins create
// separate rows; a user may hold sessions from multiple devices.
func (sm *SessionManager) Open(ctx context.Context, s *Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if !s.ExpiresAt.After(s.CreatedAt) {
		return fmt.Errorf("session expiry %v is not in the future", s.ExpiresAt)
	}

	_, err := sm.db.ExecContext(ctx, `
		INSERT INTO sso_sessions (id, organization_id, provider_id, user_id, session_index, name_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.ID, s.OrganizationID, s.ProviderID, s.UserID, s.SessionIndex, s.NameID, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID regardless of its state.
func (sm *SessionManager) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT id, organization_id, provider_id, user_id, session_index, name_id, created_at, expires_at, logged_out_at
		FROM sso_sessions
		WHERE id = $1
	`, sessionID)
	return scanSession(row)
}

// ActiveFor returns the active sessions of a user, most recent first.
// A session is active while it has not been logged out and has not expired.
func (sm *SessionManager) ActiveFor(ctx context.Context, userID int64) ([]*Session, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT id, organization_id, provider_id, user_id, session_index, name_id, created_at, expires_at, logged_out_at
		FROM sso_sessions
		WHERE user_id = $1 AND logged_out_at IS NULL AND expires_at > NOW()
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Logout soft-deletes a session. The guard on logged_out_at makes the call
// idempotent: a second logout leaves the original timestamp untouched.
// Races are safe because the field only ever moves from null to a timestamp.
func (sm *SessionManager) Logout(ctx context.Context, sessionID string) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE sso_sessions
		SET logged_out_at = NOW()
		WHERE id = $1 AND logged_out_at IS NULL
	`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to log out session: %w", err)
	}
	return nil
}

// CleanupExpired removes sessions that expired more than retain ago.
// Recent rows stay queryable for Single Logout bookkeeping.
func (sm *SessionManager) CleanupExpired(ctx context.Context, retain time.Duration) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		DELETE FROM sso_sessions
		WHERE expires_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int64(retain.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sessions: %w", err)
	}
	return res.RowsAffected()
}

func scanSession(row rowScanner) (*Session, error) {
	s := &Session{}
	var loggedOut sql.NullTime
	err := row.Scan(&s.ID, &s.OrganizationID, &s.ProviderID, &s.UserID,
		&s.SessionIndex, &s.NameID, &s.CreatedAt, &s.ExpiresAt, &loggedOut)
	if err != nil {
		return nil, err
	}
	if loggedOut.Valid {
		s.LoggedOutAt = &loggedOut.Time
	}
	return s, nil
}
