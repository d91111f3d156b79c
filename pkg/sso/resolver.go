package sso

import (
	"context"
	"errors"
	"strings"
)

// Provisioner is the external auto-provisioning collaborator. Provision is
// idempotent per (provider, IdP user id): it returns the existing user when
// one is already mapped, otherwise it atomically creates the account and the
// organization membership.
type Provisioner interface {
	Provision(ctx context.Context, orgID int64, provider *Provider, identity *Identity) (int64, error)
}

// MappingStore resolves IdP-issued user identifiers to internal users.
type MappingStore interface {
	Mapping(ctx context.Context, providerID int64, idpUserID string) (*UserMapping, error)
	TouchLogin(ctx context.Context, providerID int64, idpUserID string) error
}

// Resolver maps raw IdP attributes to canonical identity fields and enforces
// domain policy before any provisioning side effect. It performs no network
// calls of its own.
type Resolver struct {
	provisioner Provisioner
	mappings    MappingStore
}

// NewResolver creates a resolver with the given collaborators.
func NewResolver(provisioner Provisioner, mappings MappingStore) *Resolver {
	return &Resolver{provisioner: provisioner, mappings: mappings}
}

// ResolveAttributes applies the provider's attribute mapping to the raw
// attribute set. Fields absent under their mapped names fall back to the
// OIDC standard claims (sub, given_name, family_name, email), which also
// covers IdPs that emit the standard names regardless of mapping.
func (r *Resolver) ResolveAttributes(provider *Provider, raw map[string]string) *Identity {
	m := provider.AttributeMapping.withDefaults()

	id := &Identity{
		Email:      raw[m.Email],
		FirstName:  raw[m.FirstName],
		LastName:   raw[m.LastName],
		IDPUserID:  raw[m.UserID],
		Attributes: raw,
	}

	if id.Email == "" {
		id.Email = raw["email"]
	}
	if id.FirstName == "" {
		id.FirstName = raw["given_name"]
	}
	if id.LastName == "" {
		id.LastName = raw["family_name"]
	}
	if id.IDPUserID == "" {
		id.IDPUserID = raw["sub"]
	}

	return id
}

// CheckDomain fails with domain_mismatch unless the email's domain (the
// substring after the last '@') is one of the provider's authoritative
// domains. This check must run before provisioning.
func (r *Resolver) CheckDomain(provider *Provider, email string) error {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return failf(CodeDomainMismatch, "email %q has no domain", email)
	}
	domain := strings.ToLower(email[at+1:])

	for _, d := range provider.Domains {
		if strings.EqualFold(d, domain) {
			return nil
		}
	}
	return failf(CodeDomainMismatch, "domain %q is not allowed for this provider", domain)
}

// Authorize turns a resolved identity into an internal user id. With
// auto-provisioning enabled it delegates to the provisioning collaborator;
// otherwise a pre-existing user mapping is required and provisioning is
// never attempted.
func (r *Resolver) Authorize(ctx context.Context, orgID int64, provider *Provider, identity *Identity) (int64, error) {
	if !provider.AutoProvisionUsers {
		m, err := r.mappings.Mapping(ctx, provider.ID, identity.IDPUserID)
		if errors.Is(err, ErrMappingNotFound) {
			return 0, failf(CodeUserNotFound, "no account mapped to IdP user %q", identity.IDPUserID)
		}
		if err != nil {
			return 0, failf(CodeProcessingError, "mapping lookup failed: %v", err)
		}
		if err := r.mappings.TouchLogin(ctx, provider.ID, identity.IDPUserID); err != nil {
			return 0, failf(CodeProcessingError, "failed to record login: %v", err)
		}
		return m.UserID, nil
	}

	userID, err := r.provisioner.Provision(ctx, orgID, provider, identity)
	if err != nil {
		return 0, failf(CodeProvisioningFailed, "provisioning failed: %v", err)
	}
	return userID, nil
}

// Complete runs the policy-and-authorization tail of the pipeline on an
// already resolved identity: email presence, domain policy, authorization.
// Any failure short-circuits with its error code; policy failures are raised
// before provisioning can have side effects.
func (r *Resolver) Complete(ctx context.Context, orgID int64, provider *Provider, identity *Identity) (int64, error) {
	if identity.Email == "" {
		return 0, failf(CodeMissingEmail, "no email attribute in IdP response")
	}
	if err := r.CheckDomain(provider, identity.Email); err != nil {
		return 0, err
	}
	return r.Authorize(ctx, orgID, provider, identity)
}

// Login runs the full resolution pipeline: mapping, then Complete.
func (r *Resolver) Login(ctx context.Context, orgID int64, provider *Provider, raw map[string]string) (int64, *Identity, error) {
	identity := r.ResolveAttributes(provider, raw)
	userID, err := r.Complete(ctx, orgID, provider, identity)
	if err != nil {
		return 0, identity, err
	}
	return userID, identity, nil
}
