package sso

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionOpen(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO sso_sessions").
		WillReturnResult(sqlmock.NewResult(1, 1))

	sm := NewSessionManager(db)
	s := &Session{
		OrganizationID: 42,
		ProviderID:     1,
		UserID:         7,
		ExpiresAt:      time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, sm.Open(context.Background(), s))

	assert.NotEmpty(t, s.ID)
	assert.False(t, s.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionOpen_KeepsCallerID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO sso_sessions").
		WillReturnResult(sqlmock.NewResult(1, 1))

	sm := NewSessionManager(db)
	s := &Session{
		ID:        "explicit-id",
		UserID:    7,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, sm.Open(context.Background(), s))
	assert.Equal(t, "explicit-id", s.ID)
}

func TestSessionOpen_ExpiryInPast(t *testing.T) {
	sm := NewSessionManager(nil)
	err := sm.Open(context.Background(), &Session{
		UserID:    7,
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in the future")
}

func TestSessionGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	loggedOut := now.Add(time.Minute)
	rows := sqlmock.NewRows([]string{
		"id", "organization_id", "provider_id", "user_id",
		"session_index", "name_id", "created_at", "expires_at", "logged_out_at",
	}).AddRow("sess-1", int64(42), int64(1), int64(7), "idx-1", "user@example.com", now, now.Add(time.Hour), loggedOut)

	mock.ExpectQuery("SELECT (.+) FROM sso_sessions").
		WithArgs("sess-1").
		WillReturnRows(rows)

	sm := NewSessionManager(db)
	s, err := sm.Get(context.Background(), "sess-1")
	require.NoError(t, err)

	assert.Equal(t, "sess-1", s.ID)
	assert.Equal(t, int64(7), s.UserID)
	assert.Equal(t, "idx-1", s.SessionIndex)
	require.NotNil(t, s.LoggedOutAt)
	assert.WithinDuration(t, loggedOut, *s.LoggedOutAt, time.Second)
}

func TestSessionActiveFor(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "organization_id", "provider_id", "user_id",
		"session_index", "name_id", "created_at", "expires_at", "logged_out_at",
	}).
		AddRow("sess-2", int64(42), int64(1), int64(7), "", "", now, now.Add(time.Hour), nil).
		AddRow("sess-1", int64(42), int64(1), int64(7), "", "", now.Add(-time.Hour), now.Add(time.Hour), nil)

	mock.ExpectQuery("SELECT (.+) FROM sso_sessions").
		WithArgs(int64(7)).
		WillReturnRows(rows)

	sm := NewSessionManager(db)
	sessions, err := sm.ActiveFor(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "sess-2", sessions[0].ID)
	assert.Nil(t, sessions[0].LoggedOutAt)
}

func TestSessionLogout_Idempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// First logout flips the row, second matches nothing; both succeed.
	mock.ExpectExec("UPDATE sso_sessions").
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sso_sessions").
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	sm := NewSessionManager(db)
	assert.NoError(t, sm.Logout(context.Background(), "sess-1"))
	assert.NoError(t, sm.Logout(context.Background(), "sess-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionCleanupExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DELETE FROM sso_sessions").
		WithArgs("2592000 seconds").
		WillReturnResult(sqlmock.NewResult(0, 3))

	sm := NewSessionManager(db)
	deleted, err := sm.CleanupExpired(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
}
