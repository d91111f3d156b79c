package sso

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvisioner struct {
	userID int64
	err    error
	calls  int
	last   *Identity
}

func (s *stubProvisioner) Provision(ctx context.Context, orgID int64, provider *Provider, identity *Identity) (int64, error) {
	s.calls++
	s.last = identity
	return s.userID, s.err
}

type stubMappingStore struct {
	mapping    *UserMapping
	err        error
	touchCalls int
}

func (s *stubMappingStore) Mapping(ctx context.Context, providerID int64, idpUserID string) (*UserMapping, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.mapping, nil
}

func (s *stubMappingStore) TouchLogin(ctx context.Context, providerID int64, idpUserID string) error {
	s.touchCalls++
	return nil
}

func testProvider(autoProvision bool) *Provider {
	return &Provider{
		ID:                 1,
		OrganizationID:     42,
		ProviderType:       ProviderTypeSAML,
		AutoProvisionUsers: autoProvision,
		Domains:            []string{"example.com"},
		AttributeMapping:   DefaultAttributeMap(),
	}
}

func TestResolveAttributes(t *testing.T) {
	p := testProvider(true)
	p.AttributeMapping = AttributeMap{
		Email:     "mail",
		FirstName: "givenName",
		LastName:  "surname",
		UserID:    "uid",
	}

	r := NewResolver(nil, nil)
	id := r.ResolveAttributes(p, map[string]string{
		"mail":      "ada@example.com",
		"givenName": "Ada",
		"surname":   "Lovelace",
		"uid":       "ada-1",
		"extra":     "kept",
	})

	assert.Equal(t, "ada@example.com", id.Email)
	assert.Equal(t, "Ada", id.FirstName)
	assert.Equal(t, "Lovelace", id.LastName)
	assert.Equal(t, "ada-1", id.IDPUserID)
	assert.Equal(t, "kept", id.Attributes["extra"])
}

func TestResolveAttributes_StandardClaimFallback(t *testing.T) {
	p := testProvider(true)
	p.AttributeMapping = AttributeMap{Email: "mail", UserID: "uid"}

	r := NewResolver(nil, nil)
	id := r.ResolveAttributes(p, map[string]string{
		"email":       "grace@example.com",
		"given_name":  "Grace",
		"family_name": "Hopper",
		"sub":         "grace-9",
	})

	assert.Equal(t, "grace@example.com", id.Email)
	assert.Equal(t, "Grace", id.FirstName)
	assert.Equal(t, "Hopper", id.LastName)
	assert.Equal(t, "grace-9", id.IDPUserID)
}

func TestCheckDomain(t *testing.T) {
	p := testProvider(true)
	p.Domains = []string{"Example.com", "corp.example.com"}
	r := NewResolver(nil, nil)

	tests := []struct {
		email string
		ok    bool
	}{
		{"user@example.com", true},
		{"user@EXAMPLE.COM", true},
		{"user@corp.example.com", true},
		{"user@evil.com", false},
		{"user@sub.example.com", false},
		{"no-at-sign", false},
		{"trailing@", false},
		// only the last @ determines the domain
		{"user@evil.com@example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			err := r.CheckDomain(p, tt.email)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var fe *FlowError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, CodeDomainMismatch, fe.Code)
		})
	}
}

func TestAuthorize_AutoProvision(t *testing.T) {
	prov := &stubProvisioner{userID: 7}
	r := NewResolver(prov, &stubMappingStore{})

	userID, err := r.Authorize(context.Background(), 42, testProvider(true), &Identity{
		Email:     "new@example.com",
		IDPUserID: "new-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), userID)
	assert.Equal(t, 1, prov.calls)
}

func TestAuthorize_ProvisioningFailed(t *testing.T) {
	prov := &stubProvisioner{err: errors.New("db down")}
	r := NewResolver(prov, &stubMappingStore{})

	_, err := r.Authorize(context.Background(), 42, testProvider(true), &Identity{
		Email:     "new@example.com",
		IDPUserID: "new-1",
	})

	var fe *FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, CodeProvisioningFailed, fe.Code)
}

func TestAuthorize_MappingRequired(t *testing.T) {
	prov := &stubProvisioner{userID: 7}
	mappings := &stubMappingStore{mapping: &UserMapping{UserID: 5}}
	r := NewResolver(prov, mappings)

	userID, err := r.Authorize(context.Background(), 42, testProvider(false), &Identity{
		Email:     "known@example.com",
		IDPUserID: "known-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), userID)
	assert.Equal(t, 1, mappings.touchCalls)
	// provisioning must never run when auto-provisioning is off
	assert.Equal(t, 0, prov.calls)
}

func TestAuthorize_UserNotFound(t *testing.T) {
	prov := &stubProvisioner{userID: 7}
	r := NewResolver(prov, &stubMappingStore{err: ErrMappingNotFound})

	_, err := r.Authorize(context.Background(), 42, testProvider(false), &Identity{
		Email:     "stranger@example.com",
		IDPUserID: "stranger-1",
	})

	var fe *FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, CodeUserNotFound, fe.Code)
	assert.Equal(t, 0, prov.calls)
}

func TestComplete_MissingEmail(t *testing.T) {
	prov := &stubProvisioner{}
	r := NewResolver(prov, &stubMappingStore{})

	_, err := r.Complete(context.Background(), 42, testProvider(true), &Identity{IDPUserID: "x"})

	var fe *FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, CodeMissingEmail, fe.Code)
	assert.Equal(t, 0, prov.calls)
}

func TestComplete_DomainCheckedBeforeProvisioning(t *testing.T) {
	prov := &stubProvisioner{userID: 7}
	r := NewResolver(prov, &stubMappingStore{})

	_, err := r.Complete(context.Background(), 42, testProvider(true), &Identity{
		Email:     "user@evil.com",
		IDPUserID: "u-1",
	})

	var fe *FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, CodeDomainMismatch, fe.Code)
	assert.Equal(t, 0, prov.calls)
}

func TestLogin(t *testing.T) {
	prov := &stubProvisioner{userID: 9}
	r := NewResolver(prov, &stubMappingStore{})

	userID, identity, err := r.Login(context.Background(), 42, testProvider(true), map[string]string{
		"email":   "ada@example.com",
		"user_id": "ada-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9), userID)
	assert.Equal(t, "ada@example.com", identity.Email)
	assert.Equal(t, "ada-1", identity.IDPUserID)
}
