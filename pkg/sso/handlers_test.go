package sso

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlms/federate/pkg/audit"
)

func newHandlersHarness(t *testing.T) (*mux.Router, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry := NewRegistry(db)
	sessions := NewSessionManager(db)
	attempts := audit.NewLog(db, nil)
	resolver := NewResolver(&stubProvisioner{userID: 7}, &stubMappingStore{})
	states := NewMemoryStateStore(64, time.Minute)

	samlFlow := NewSAMLFlow(registry, resolver, sessions, attempts, states, time.Hour, nil)
	oauthFlow := NewOAuthFlow(registry, resolver, attempts, states, nil, nil)

	h := NewHandlers(registry, samlFlow, oauthFlow, sessions, attempts, "https://sp.example.com", nil)
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return router, mock
}

func TestHandlersTestProvider(t *testing.T) {
	router, _ := newHandlersHarness(t)

	body := `{
		"provider_type": "oidc",
		"domains": ["example.com"],
		"oauth_config": {
			"client_id": "cid",
			"authorize_url": "https://idp/auth",
			"token_url": "https://idp/token"
		}
	}`
	req := httptest.NewRequest("POST", "/sso/providers/test", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var res TestResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.True(t, res.OK)
}

func TestHandlersTestProvider_Invalid(t *testing.T) {
	router, _ := newHandlersHarness(t)

	body := `{"provider_type": "saml", "domains": ["example.com"]}`
	req := httptest.NewRequest("POST", "/sso/providers/test", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var res TestResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.False(t, res.OK)
	assert.Equal(t, "saml_config is required", res.Reason)
}

func TestHandlersCreateProvider(t *testing.T) {
	router, mock := newHandlersHarness(t)

	now := time.Now().UTC()
	mock.ExpectQuery("INSERT INTO sso_providers").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(int64(11), now, now))

	body := `{
		"provider_type": "oauth",
		"domains": ["example.com"],
		"oauth_config": {
			"client_id": "cid",
			"client_secret": "super-secret",
			"authorize_url": "https://idp/auth",
			"token_url": "https://idp/token",
			"user_info_url": "https://idp/userinfo"
		}
	}`
	req := httptest.NewRequest("POST", "/orgs/42/sso/providers", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var p Provider
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	assert.Equal(t, int64(11), p.ID)
	assert.Equal(t, int64(42), p.OrganizationID)
	require.NotNil(t, p.OAuthConfig)
	// credentials never come back out
	assert.Empty(t, p.OAuthConfig.ClientSecret)
	// the user_info_url alias is accepted on the way in
	assert.Equal(t, "https://idp/userinfo", p.OAuthConfig.UserinfoURL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlersCreateProvider_UnknownType(t *testing.T) {
	router, _ := newHandlersHarness(t)

	req := httptest.NewRequest("POST", "/orgs/42/sso/providers",
		strings.NewReader(`{"provider_type":"kerberos"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlersActiveProvider_NotFound(t *testing.T) {
	router, mock := newHandlersHarness(t)

	mock.ExpectQuery("SELECT (.+) FROM sso_providers").
		WillReturnRows(sqlmock.NewRows(providerTestColumns))

	req := httptest.NewRequest("GET", "/orgs/42/sso/provider", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlersGetProvider_InvalidID(t *testing.T) {
	router, _ := newHandlersHarness(t)

	req := httptest.NewRequest("GET", "/sso/providers/abc", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlersInitiateLogin_SAML(t *testing.T) {
	router, mock := newHandlersHarness(t)

	mock.ExpectQuery("SELECT (.+) FROM sso_providers").
		WillReturnRows(samlProviderRow(t))

	req := httptest.NewRequest("GET", "/orgs/42/sso/login?return_url=/dashboard", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", loc.Host)
	assert.NotEmpty(t, loc.Query().Get("SAMLRequest"))
	assert.Equal(t, "/dashboard", loc.Query().Get("RelayState"))

	// the provider fetched for dispatch is reused to build the request,
	// so exactly one lookup hits the store
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlersSAMLCallback_MissingResponse(t *testing.T) {
	router, _ := newHandlersHarness(t)

	req := httptest.NewRequest("POST", "/orgs/42/sso/saml/acs", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlersSAMLCallback_FailureHidesDetail(t *testing.T) {
	router, mock := newHandlersHarness(t)

	// no active provider; the attempt is still recorded
	mock.ExpectQuery("SELECT (.+) FROM sso_providers").
		WillReturnRows(sqlmock.NewRows(providerTestColumns))
	mock.ExpectQuery("INSERT INTO sso_auth_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	form := url.Values{"SAMLResponse": {encodePost([]byte("<x></x>"))}}
	req := httptest.NewRequest("POST", "/orgs/42/sso/saml/acs", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)

	var res AuthResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.False(t, res.Success)
	assert.Equal(t, CodeProviderNotFound, res.ErrorCode)
	// protocol detail stays in the audit log
	assert.Empty(t, res.ErrorMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlersLogout(t *testing.T) {
	router, mock := newHandlersHarness(t)

	mock.ExpectExec("UPDATE sso_sessions").
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body, _ := json.Marshal(map[string]string{"session_id": "sess-1"})
	req := httptest.NewRequest("POST", "/sso/logout", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlersLogout_MissingSessionID(t *testing.T) {
	router, _ := newHandlersHarness(t)

	req := httptest.NewRequest("POST", "/sso/logout", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlersMetadata(t *testing.T) {
	router, _ := newHandlersHarness(t)

	req := httptest.NewRequest("GET", "/orgs/42/sso/metadata", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/samlmetadata+xml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `entityID="https://sp.example.com/orgs/42/sso/metadata"`)
	assert.Contains(t, w.Body.String(), `Location="https://sp.example.com/orgs/42/sso/saml/acs"`)
}

func TestHandlersListAttempts(t *testing.T) {
	router, mock := newHandlersHarness(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "organization_id", "provider_id", "user_id", "email", "status",
		"error_code", "error_message", "ip_address", "user_agent", "evidence",
		"started_at", "duration_ms", "created_at",
	}).AddRow(int64(1), int64(42), nil, nil, "a@example.com", "failed",
		"invalid_signature", "bad sig", "192.0.2.1", "curl", "", now, int64(3), now)

	mock.ExpectQuery("SELECT (.+) FROM sso_auth_attempts").
		WillReturnRows(rows)

	req := httptest.NewRequest("GET", "/orgs/42/sso/attempts?status=failed&limit=10", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var attempts []*audit.Attempt
	require.NoError(t, json.NewDecoder(w.Body).Decode(&attempts))
	require.Len(t, attempts, 1)
	assert.Equal(t, "invalid_signature", attempts[0].ErrorCode)
}

func TestHandlersListAttempts_BadLimit(t *testing.T) {
	router, _ := newHandlersHarness(t)

	req := httptest.NewRequest("GET", "/orgs/42/sso/attempts?limit=9999", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestContextExtraction(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.7:4444"
	req.Header.Set("User-Agent", "test-agent")

	rc := requestContext(req)
	assert.Equal(t, "198.51.100.7", rc.IPAddress)
	assert.Equal(t, "test-agent", rc.UserAgent)

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rc = requestContext(req)
	assert.Equal(t, "203.0.113.9", rc.IPAddress)
}
