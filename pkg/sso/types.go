package sso

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProviderType represents the SSO protocol a provider speaks
type ProviderType string

const (
	ProviderTypeSAML  ProviderType = "saml"
	ProviderTypeOAuth ProviderType = "oauth"
	ProviderTypeOIDC  ProviderType = "oidc"
)

// Error codes returned in AuthResult.ErrorCode. Grouped by the phase that
// detects them: configuration, protocol, policy, infrastructure.
const (
	CodeProviderNotFound     = "provider_not_found"
	CodeInvalidProviderType  = "invalid_provider_type"
	CodeInvalidConfiguration = "invalid_configuration"
	CodeInvalidSignature     = "invalid_signature"
	CodeInvalidAssertion     = "invalid_assertion"
	CodeInvalidState         = "invalid_state"
	CodeInvalidToken         = "invalid_token"
	CodeMissingEmail         = "missing_email"
	CodeDomainMismatch       = "domain_mismatch"
	CodeUserNotFound         = "user_not_found"
	CodeProvisioningFailed   = "provisioning_failed"
	CodeProcessingError      = "processing_error"
)

// ErrProviderNotFound is returned when an organization has no active provider.
var ErrProviderNotFound = errors.New("sso: no active provider")

// ErrMappingNotFound is returned when no identity mapping exists for an
// IdP-issued user identifier.
var ErrMappingNotFound = errors.New("sso: user mapping not found")

// FlowError carries a machine-readable error code through a flow pipeline.
type FlowError struct {
	Code    string
	Message string
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func failf(code, format string, args ...interface{}) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Provider represents a stored SSO provider configuration. An organization
// may hold multiple rows but at most one is active at a time.
type Provider struct {
	ID                 int64        `json:"id"`
	OrganizationID     int64        `json:"organization_id"`
	ProviderType       ProviderType `json:"provider_type"`
	IsActive           bool         `json:"is_active"`
	EnforceSSO         bool         `json:"enforce_sso"`
	AutoProvisionUsers bool         `json:"auto_provision_users"`
	DefaultRole        string       `json:"default_role"`
	Domains            []string     `json:"domains"`
	AttributeMapping   AttributeMap `json:"attribute_mapping"`
	SAMLConfig         *SAMLConfig  `json:"saml_config,omitempty"`
	OAuthConfig        *OAuthConfig `json:"oauth_config,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// SAMLConfig holds SAML 2.0 configuration
type SAMLConfig struct {
	EntityID     string `json:"entity_id"`
	SSOURL       string `json:"sso_url"`
	SLOURL       string `json:"slo_url,omitempty"`
	Certificate  string `json:"certificate"` // PEM encoded IdP signing certificate
	SignRequests bool   `json:"sign_requests"`
}

// OAuthConfig holds OAuth2 and OIDC configuration. OIDC providers may set
// IssuerURL for discovery-based ID token verification, or JWKSURL when the
// IdP publishes keys without a discovery document.
type OAuthConfig struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"-"` // Never expose secret in JSON
	AuthorizeURL string   `json:"authorize_url"`
	TokenURL     string   `json:"token_url"`
	UserinfoURL  string   `json:"userinfo_url,omitempty"`
	IssuerURL    string   `json:"issuer_url,omitempty"`
	JWKSURL      string   `json:"jwks_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// UnmarshalJSON accepts both the OAuth-named and the OIDC-named keys for the
// endpoint and secret fields, so configs written by either provider family
// load unchanged.
func (c *OAuthConfig) UnmarshalJSON(data []byte) error {
	type alias OAuthConfig
	aux := struct {
		*alias
		ClientSecret string `json:"client_secret"`
		AuthURL      string `json:"auth_url"`
		UserInfoURL  string `json:"user_info_url"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if c.ClientSecret == "" {
		c.ClientSecret = aux.ClientSecret
	}
	if c.AuthorizeURL == "" {
		c.AuthorizeURL = aux.AuthURL
	}
	if c.UserinfoURL == "" {
		c.UserinfoURL = aux.UserInfoURL
	}
	return nil
}

// marshalSecret is used when persisting the config so the client secret
// round-trips through storage without appearing on API responses.
func (c *OAuthConfig) marshalForStorage() ([]byte, error) {
	type alias OAuthConfig
	return json.Marshal(struct {
		*alias
		ClientSecret string `json:"client_secret,omitempty"`
	}{alias: (*alias)(c), ClientSecret: c.ClientSecret})
}

// AttributeMap defines how IdP attributes and claims map to canonical
// identity fields.
type AttributeMap struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	UserID    string `json:"user_id"`
}

// DefaultAttributeMap returns the mapping applied when a provider does not
// override individual fields.
func DefaultAttributeMap() AttributeMap {
	return AttributeMap{
		Email:     "email",
		FirstName: "first_name",
		LastName:  "last_name",
		UserID:    "user_id",
	}
}

// withDefaults fills unset mapping fields from the default map.
func (m AttributeMap) withDefaults() AttributeMap {
	d := DefaultAttributeMap()
	if m.Email == "" {
		m.Email = d.Email
	}
	if m.FirstName == "" {
		m.FirstName = d.FirstName
	}
	if m.LastName == "" {
		m.LastName = d.LastName
	}
	if m.UserID == "" {
		m.UserID = d.UserID
	}
	return m
}

// Identity is the canonical form of a federated user after attribute mapping.
type Identity struct {
	Email      string            `json:"email"`
	FirstName  string            `json:"first_name,omitempty"`
	LastName   string            `json:"last_name,omitempty"`
	IDPUserID  string            `json:"idp_user_id"`
	Attributes map[string]string `json:"attributes,omitempty"` // Raw attributes as received
}

// UserMapping links an internal user to an IdP-issued identifier.
type UserMapping struct {
	ID          int64     `json:"id"`
	ProviderID  int64     `json:"provider_id"`
	IDPUserID   string    `json:"idp_user_id"`
	UserID      int64     `json:"user_id"`
	LastLoginAt time.Time `json:"last_login_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Session represents an active federated session. A session is active while
// LoggedOutAt is unset and ExpiresAt lies in the future.
type Session struct {
	ID             string     `json:"id"`
	OrganizationID int64      `json:"organization_id"`
	ProviderID     int64      `json:"provider_id"`
	UserID         int64      `json:"user_id"`
	SessionIndex   string     `json:"session_index,omitempty"` // For SAML Single Logout
	NameID         string     `json:"name_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	LoggedOutAt    *time.Time `json:"logged_out_at,omitempty"`
}

// RequestContext carries request metadata into the audit trail.
type RequestContext struct {
	IPAddress  string
	UserAgent  string
	RelayState string
}

// AuthResult is the structured outcome of a flow invocation. Flow handlers
// never return raw errors to the web layer.
type AuthResult struct {
	Success      bool   `json:"success"`
	UserID       int64  `json:"user_id,omitempty"`
	Email        string `json:"email,omitempty"`
	IDPUserID    string `json:"idp_user_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func failureResult(err error) *AuthResult {
	var fe *FlowError
	if errors.As(err, &fe) {
		return &AuthResult{Success: false, ErrorCode: fe.Code, ErrorMessage: fe.Message}
	}
	return &AuthResult{Success: false, ErrorCode: CodeProcessingError, ErrorMessage: err.Error()}
}

// TestResult reports the outcome of a stored-configuration check.
type TestResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}
