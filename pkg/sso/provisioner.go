package sso

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresProvisioner is the default implementation of the provisioning
// collaborator. It atomically creates or returns an internal account for a
// federated identity, keyed by (provider, IdP user id).
type PostgresProvisioner struct {
	db *sql.DB
}

// NewPostgresProvisioner creates a provisioner backed by db.
func NewPostgresProvisioner(db *sql.DB) *PostgresProvisioner {
	return &PostgresProvisioner{db: db}
}

// Provision returns the internal user id for an identity, creating the user,
// the user mapping, and the organization membership in one transaction on
// first login. Subsequent logins update profile fields and touch the mapping.
func (p *PostgresProvisioner) Provision(ctx context.Context, orgID int64, provider *Provider, identity *Identity) (int64, error) {
	var userID int64
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id FROM sso_user_mappings
		WHERE provider_id = $1 AND idp_user_id = $2
	`, provider.ID, identity.IDPUserID).Scan(&userID)

	if err == sql.ErrNoRows {
		return p.createUser(ctx, orgID, provider, identity)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check user mapping: %w", err)
	}

	return p.updateUser(ctx, userID, provider, identity)
}

func (p *PostgresProvisioner) createUser(ctx context.Context, orgID int64, provider *Provider, identity *Identity) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var userID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (email, first_name, last_name, is_active, created_at, updated_at, last_login_at)
		VALUES ($1, $2, $3, true, NOW(), NOW(), NOW())
		RETURNING id
	`, identity.Email, identity.FirstName, identity.LastName).Scan(&userID)
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sso_user_mappings (provider_id, idp_user_id, user_id, last_login_at, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW(), NOW())
	`, provider.ID, identity.IDPUserID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to create user mapping: %w", err)
	}

	role := provider.DefaultRole
	if role == "" {
		role = "member"
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO organization_members (organization_id, user_id, role, joined_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (organization_id, user_id) DO NOTHING
	`, orgID, userID, role)
	if err != nil {
		return 0, fmt.Errorf("failed to create organization membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return userID, nil
}

func (p *PostgresProvisioner) updateUser(ctx context.Context, userID int64, provider *Provider, identity *Identity) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET email = $1, first_name = $2, last_name = $3, updated_at = NOW(), last_login_at = NOW()
		WHERE id = $4
	`, identity.Email, identity.FirstName, identity.LastName, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to update user: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sso_user_mappings
		SET last_login_at = NOW(), updated_at = NOW()
		WHERE provider_id = $1 AND idp_user_id = $2
	`, provider.ID, identity.IDPUserID)
	if err != nil {
		return 0, fmt.Errorf("failed to update user mapping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return userID, nil
}

// PostgresMappingStore implements MappingStore over the sso_user_mappings
// table.
type PostgresMappingStore struct {
	db *sql.DB
}

// NewPostgresMappingStore creates a mapping store backed by db.
func NewPostgresMappingStore(db *sql.DB) *PostgresMappingStore {
	return &PostgresMappingStore{db: db}
}

// Mapping retrieves the mapping for an IdP-issued identifier.
func (s *PostgresMappingStore) Mapping(ctx context.Context, providerID int64, idpUserID string) (*UserMapping, error) {
	m := &UserMapping{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider_id, idp_user_id, user_id, last_login_at, created_at, updated_at
		FROM sso_user_mappings
		WHERE provider_id = $1 AND idp_user_id = $2
	`, providerID, idpUserID).Scan(
		&m.ID, &m.ProviderID, &m.IDPUserID, &m.UserID,
		&m.LastLoginAt, &m.CreatedAt, &m.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrMappingNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// TouchLogin updates the last-login timestamp on an existing mapping.
func (s *PostgresMappingStore) TouchLogin(ctx context.Context, providerID int64, idpUserID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sso_user_mappings
		SET last_login_at = NOW(), updated_at = NOW()
		WHERE provider_id = $1 AND idp_user_id = $2
	`, providerID, idpUserID)
	return err
}
