package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Registry handles SSO provider configuration storage. All reads and writes
// go straight to the database; provider config is never cached in process
// because it can change between requests.
type Registry struct {
	db *sql.DB
}

// NewRegistry creates a new provider registry backed by db.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

const providerColumns = `id, organization_id, provider_type, is_active, enforce_sso,
		auto_provision_users, default_role, domains, attribute_mapping,
		saml_config, oauth_config, created_at, updated_at`

// Active returns the single active provider for an organization.
// Inactive providers are never returned.
func (r *Registry) Active(ctx context.Context, orgID int64) (*Provider, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+providerColumns+`
		FROM sso_providers
		WHERE organization_id = $1 AND is_active = true
		ORDER BY updated_at DESC
		LIMIT 1
	`, orgID)

	p, err := scanProvider(row)
	if err == sql.ErrNoRows {
		return nil, ErrProviderNotFound
	}
	return p, err
}

// Get retrieves a provider by ID regardless of its active state.
func (r *Registry) Get(ctx context.Context, providerID int64) (*Provider, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+providerColumns+`
		FROM sso_providers
		WHERE id = $1
	`, providerID)

	p, err := scanProvider(row)
	if err == sql.ErrNoRows {
		return nil, ErrProviderNotFound
	}
	return p, err
}

// Create stores a new provider configuration for an organization and returns
// it with IsActive set. The registry performs no validation here; callers
// run Test separately.
func (r *Registry) Create(ctx context.Context, orgID int64, p *Provider) (*Provider, error) {
	if p.AttributeMapping == (AttributeMap{}) {
		p.AttributeMapping = DefaultAttributeMap()
	}

	attrJSON, samlJSON, oauthJSON, err := marshalConfigs(p)
	if err != nil {
		return nil, err
	}

	p.OrganizationID = orgID
	p.IsActive = true

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO sso_providers (
			organization_id, provider_type, is_active, enforce_sso,
			auto_provision_users, default_role, domains, attribute_mapping,
			saml_config, oauth_config, created_at, updated_at
		)
		VALUES ($1, $2, true, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`, orgID, p.ProviderType, p.EnforceSSO, p.AutoProvisionUsers, p.DefaultRole,
		pq.Array(p.Domains), attrJSON, samlJSON, oauthJSON).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	return p, nil
}

// Update overwrites the mutable configuration of an existing provider.
// Activation state is managed separately via Activate and Deactivate.
func (r *Registry) Update(ctx context.Context, providerID int64, p *Provider) error {
	attrJSON, samlJSON, oauthJSON, err := marshalConfigs(p)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE sso_providers
		SET provider_type = $1, enforce_sso = $2, auto_provision_users = $3,
			default_role = $4, domains = $5, attribute_mapping = $6,
			saml_config = $7, oauth_config = $8, updated_at = NOW()
		WHERE id = $9
	`, p.ProviderType, p.EnforceSSO, p.AutoProvisionUsers, p.DefaultRole,
		pq.Array(p.Domains), attrJSON, samlJSON, oauthJSON, providerID)
	if err != nil {
		return fmt.Errorf("failed to update provider: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrProviderNotFound
	}
	return nil
}

// Activate marks a provider active and deactivates any other provider of the
// same organization, preserving the one-active-provider invariant. A provider
// without domains cannot be activated.
func (r *Registry) Activate(ctx context.Context, providerID int64) error {
	p, err := r.Get(ctx, providerID)
	if err != nil {
		return err
	}
	if len(p.Domains) == 0 {
		return failf(CodeInvalidConfiguration, "provider %d has no domains configured", providerID)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE sso_providers SET is_active = false, updated_at = NOW()
		WHERE organization_id = $1 AND is_active = true AND id <> $2
	`, p.OrganizationID, providerID)
	if err != nil {
		return fmt.Errorf("failed to deactivate siblings: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sso_providers SET is_active = true, updated_at = NOW()
		WHERE id = $1
	`, providerID)
	if err != nil {
		return fmt.Errorf("failed to activate provider: %w", err)
	}

	return tx.Commit()
}

// Deactivate soft-deletes a provider. Rows are never physically removed so
// historical auth attempts keep a valid provider reference.
func (r *Registry) Deactivate(ctx context.Context, providerID int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sso_providers SET is_active = false, updated_at = NOW()
		WHERE id = $1
	`, providerID)
	if err != nil {
		return fmt.Errorf("failed to deactivate provider: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrProviderNotFound
	}
	return nil
}

// Test validates a stored configuration. It is a pure function of the
// config: it never mutates state and never contacts the IdP.
func (r *Registry) Test(p *Provider) TestResult {
	if len(p.Domains) == 0 {
		return TestResult{Reason: "at least one email domain is required"}
	}

	switch p.ProviderType {
	case ProviderTypeSAML:
		cfg := p.SAMLConfig
		if cfg == nil {
			return TestResult{Reason: "saml_config is required"}
		}
		if cfg.EntityID == "" {
			return TestResult{Reason: "entity_id is required"}
		}
		if cfg.SSOURL == "" {
			return TestResult{Reason: "sso_url is required"}
		}
		if !strings.Contains(cfg.Certificate, "BEGIN CERTIFICATE") {
			return TestResult{Reason: "certificate must be a PEM encoded X.509 certificate"}
		}
	case ProviderTypeOAuth, ProviderTypeOIDC:
		cfg := p.OAuthConfig
		if cfg == nil {
			return TestResult{Reason: "oauth_config is required"}
		}
		if cfg.ClientID == "" {
			return TestResult{Reason: "client_id is required"}
		}
		if cfg.AuthorizeURL == "" {
			return TestResult{Reason: "authorize_url is required"}
		}
		if cfg.TokenURL == "" {
			return TestResult{Reason: "token_url is required"}
		}
	default:
		return TestResult{Reason: fmt.Sprintf("unsupported provider type: %s", p.ProviderType)}
	}

	return TestResult{OK: true}
}

func marshalConfigs(p *Provider) (attrJSON, samlJSON, oauthJSON []byte, err error) {
	attrJSON, err = json.Marshal(p.AttributeMapping)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal attribute mapping: %w", err)
	}
	if p.SAMLConfig != nil {
		samlJSON, err = json.Marshal(p.SAMLConfig)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal SAML config: %w", err)
		}
	}
	if p.OAuthConfig != nil {
		oauthJSON, err = p.OAuthConfig.marshalForStorage()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal OAuth config: %w", err)
		}
	}
	return attrJSON, samlJSON, oauthJSON, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProvider(row rowScanner) (*Provider, error) {
	var (
		attrJSON  []byte
		samlJSON  []byte
		oauthJSON []byte
		domains   pq.StringArray
	)

	p := &Provider{}
	err := row.Scan(
		&p.ID, &p.OrganizationID, &p.ProviderType, &p.IsActive, &p.EnforceSSO,
		&p.AutoProvisionUsers, &p.DefaultRole, &domains, &attrJSON,
		&samlJSON, &oauthJSON, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.Domains = []string(domains)

	if len(attrJSON) > 0 {
		if err := json.Unmarshal(attrJSON, &p.AttributeMapping); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attribute mapping: %w", err)
		}
	}
	p.AttributeMapping = p.AttributeMapping.withDefaults()

	if len(samlJSON) > 0 {
		p.SAMLConfig = &SAMLConfig{}
		if err := json.Unmarshal(samlJSON, p.SAMLConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal SAML config: %w", err)
		}
	}

	if len(oauthJSON) > 0 {
		p.OAuthConfig = &OAuthConfig{}
		if err := json.Unmarshal(oauthJSON, p.OAuthConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal OAuth config: %w", err)
		}
	}

	return p, nil
}
