package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Log is the append-only authentication attempt trail, backed by Postgres.
type Log struct {
	db     *sql.DB
	logger *logrus.Entry
}

// NewLog creates an attempt log backed by db.
func NewLog(db *sql.DB, logger *logrus.Logger) *Log {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Log{
		db:     db,
		logger: logger.WithField("component", "audit"),
	}
}

// Record appends an attempt. Write failures are logged and swallowed:
// auditing must never abort the authentication response already computed,
// so Record deliberately has no error to return.
func (l *Log) Record(ctx context.Context, a *Attempt) {
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}

	err := l.db.QueryRowContext(ctx, `
		INSERT INTO sso_auth_attempts (
			organization_id, provider_id, user_id, email, status,
			error_code, error_message, ip_address, user_agent, evidence,
			started_at, duration_ms, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		RETURNING id
	`, a.OrganizationID, a.ProviderID, a.UserID, a.Email, a.Status,
		a.ErrorCode, a.ErrorMessage, a.IPAddress, a.UserAgent, a.Evidence,
		a.StartedAt, a.DurationMS).Scan(&a.ID)
	if err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"organization_id": a.OrganizationID,
			"status":          a.Status,
			"error_code":      a.ErrorCode,
		}).Error("failed to record auth attempt")
	}
}

// Query returns an organization's attempts, newest first, filtered and
// paginated.
func (l *Log) Query(ctx context.Context, orgID int64, f Filter) ([]*Attempt, error) {
	query := `
		SELECT id, organization_id, provider_id, user_id, email, status,
			error_code, error_message, ip_address, user_agent, evidence,
			started_at, duration_ms, created_at
		FROM sso_auth_attempts
		WHERE organization_id = $1
	`
	args := []interface{}{orgID}
	argCount := 2

	if len(f.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", argCount)
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		argCount++
	}

	if f.Since != nil {
		query += fmt.Sprintf(" AND started_at >= $%d", argCount)
		args = append(args, *f.Since)
		argCount++
	}

	if f.Until != nil {
		query += fmt.Sprintf(" AND started_at <= $%d", argCount)
		args = append(args, *f.Until)
		argCount++
	}

	query += " ORDER BY started_at DESC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, f.Limit)
		argCount++
	}

	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, f.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query auth attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]*Attempt, 0)
	for rows.Next() {
		a := &Attempt{}
		err := rows.Scan(
			&a.ID, &a.OrganizationID, &a.ProviderID, &a.UserID, &a.Email, &a.Status,
			&a.ErrorCode, &a.ErrorMessage, &a.IPAddress, &a.UserAgent, &a.Evidence,
			&a.StartedAt, &a.DurationMS, &a.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan auth attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
