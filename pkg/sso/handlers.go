package sso

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/lumenlms/federate/pkg/audit"
)

// Handlers exposes the SSO subsystem over HTTP: provider administration,
// login initiation, protocol callbacks, logout, metadata, and the audit
// trail. Protocol failures surface to the browser as generic error codes;
// the details live in the audit log only.
type Handlers struct {
	registry  *Registry
	samlFlow  *SAMLFlow
	oauthFlow *OAuthFlow
	sessions  *SessionManager
	attempts  *audit.Log
	baseURL   string
	logger    *logrus.Entry
}

// NewHandlers creates the SSO HTTP handler set.
func NewHandlers(registry *Registry, samlFlow *SAMLFlow, oauthFlow *OAuthFlow,
	sessions *SessionManager, attempts *audit.Log, baseURL string, logger *logrus.Logger) *Handlers {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handlers{
		registry:  registry,
		samlFlow:  samlFlow,
		oauthFlow: oauthFlow,
		sessions:  sessions,
		attempts:  attempts,
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    logger.WithField("component", "sso_http"),
	}
}

// RegisterRoutes registers SSO routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Provider administration routes
	router.HandleFunc("/orgs/{org}/sso/provider", h.activeProvider).Methods("GET")
	router.HandleFunc("/orgs/{org}/sso/providers", h.createProvider).Methods("POST")
	router.HandleFunc("/sso/providers/{id}", h.getProvider).Methods("GET")
	router.HandleFunc("/sso/providers/{id}", h.updateProvider).Methods("PUT")
	router.HandleFunc("/sso/providers/{id}/activate", h.activateProvider).Methods("POST")
	router.HandleFunc("/sso/providers/{id}/deactivate", h.deactivateProvider).Methods("POST")
	router.HandleFunc("/sso/providers/test", h.testProvider).Methods("POST")

	// SSO authentication routes
	router.HandleFunc("/orgs/{org}/sso/login", h.initiateLogin).Methods("GET")
	router.HandleFunc("/orgs/{org}/sso/saml/acs", h.handleSAMLCallback).Methods("POST")
	router.HandleFunc("/orgs/{org}/sso/oauth/callback", h.handleOAuthCallback).Methods("GET")
	router.HandleFunc("/sso/logout", h.logout).Methods("POST")

	// SAML metadata endpoint
	router.HandleFunc("/orgs/{org}/sso/metadata", h.samlMetadata).Methods("GET")

	// Audit trail
	router.HandleFunc("/orgs/{org}/sso/attempts", h.listAttempts).Methods("GET")
}

// activeProvider handles GET /orgs/{org}/sso/provider
func (h *Handlers) activeProvider(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgParam(w, r)
	if !ok {
		return
	}

	provider, err := h.registry.Active(r.Context(), orgID)
	if errors.Is(err, ErrProviderNotFound) {
		http.Error(w, "no active provider for organization", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, sanitizeProvider(provider))
}

// createProvider handles POST /orgs/{org}/sso/providers
func (h *Handlers) createProvider(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgParam(w, r)
	if !ok {
		return
	}

	var p Provider
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	switch p.ProviderType {
	case ProviderTypeSAML, ProviderTypeOAuth, ProviderTypeOIDC:
	case "":
		http.Error(w, "provider_type is required", http.StatusBadRequest)
		return
	default:
		http.Error(w, fmt.Sprintf("unsupported provider_type %q", p.ProviderType), http.StatusBadRequest)
		return
	}

	created, err := h.registry.Create(r.Context(), orgID, &p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, sanitizeProvider(created))
}

// getProvider handles GET /sso/providers/{id}
func (h *Handlers) getProvider(w http.ResponseWriter, r *http.Request) {
	providerID, ok := idParam(w, r)
	if !ok {
		return
	}

	provider, err := h.registry.Get(r.Context(), providerID)
	if errors.Is(err, ErrProviderNotFound) {
		http.Error(w, "provider not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, sanitizeProvider(provider))
}

// updateProvider handles PUT /sso/providers/{id}
func (h *Handlers) updateProvider(w http.ResponseWriter, r *http.Request) {
	providerID, ok := idParam(w, r)
	if !ok {
		return
	}

	var p Provider
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	err := h.registry.Update(r.Context(), providerID, &p)
	if errors.Is(err, ErrProviderNotFound) {
		http.Error(w, "provider not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	updated, err := h.registry.Get(r.Context(), providerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, sanitizeProvider(updated))
}

// activateProvider handles POST /sso/providers/{id}/activate
func (h *Handlers) activateProvider(w http.ResponseWriter, r *http.Request) {
	providerID, ok := idParam(w, r)
	if !ok {
		return
	}

	err := h.registry.Activate(r.Context(), providerID)
	if errors.Is(err, ErrProviderNotFound) {
		http.Error(w, "provider not found", http.StatusNotFound)
		return
	}
	if err != nil {
		var fe *FlowError
		if errors.As(err, &fe) {
			http.Error(w, fe.Message, http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// deactivateProvider handles POST /sso/providers/{id}/deactivate
func (h *Handlers) deactivateProvider(w http.ResponseWriter, r *http.Request) {
	providerID, ok := idParam(w, r)
	if !ok {
		return
	}

	err := h.registry.Deactivate(r.Context(), providerID)
	if errors.Is(err, ErrProviderNotFound) {
		http.Error(w, "provider not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// testProvider handles POST /sso/providers/test. It validates the submitted
// configuration without persisting anything or contacting the IdP.
func (h *Handlers) testProvider(w http.ResponseWriter, r *http.Request) {
	var p Provider
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, h.registry.Test(&p))
}

// initiateLogin handles GET /orgs/{org}/sso/login and dispatches on the
// active provider's type.
func (h *Handlers) initiateLogin(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgParam(w, r)
	if !ok {
		return
	}

	provider, err := h.registry.Active(r.Context(), orgID)
	if errors.Is(err, ErrProviderNotFound) {
		http.Error(w, "no active provider for organization", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	relayState := r.URL.Query().Get("return_url")

	switch provider.ProviderType {
	case ProviderTypeSAML:
		acsURL := fmt.Sprintf("%s/orgs/%d/sso/saml/acs", h.baseURL, orgID)
		entityID := h.entityID(orgID)
		authn, err := h.samlFlow.BuildAuthnRequest(r.Context(), provider, acsURL, entityID, relayState)
		if err != nil {
			h.logger.WithError(err).Error("failed to build authn request")
			http.Error(w, "failed to initiate login", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, authn.RedirectURL, http.StatusFound)

	case ProviderTypeOAuth, ProviderTypeOIDC:
		redirectURI := fmt.Sprintf("%s/orgs/%d/sso/oauth/callback", h.baseURL, orgID)
		authz, err := h.oauthFlow.BuildAuthorizationURL(r.Context(), provider, redirectURI, "")
		if err != nil {
			h.logger.WithError(err).Error("failed to build authorization url")
			http.Error(w, "failed to initiate login", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, authz.URL, http.StatusFound)

	default:
		http.Error(w, "unsupported provider type", http.StatusInternalServerError)
	}
}

// handleSAMLCallback handles POST /orgs/{org}/sso/saml/acs
func (h *Handlers) handleSAMLCallback(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgParam(w, r)
	if !ok {
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}
	encoded := r.PostFormValue("SAMLResponse")
	if encoded == "" {
		http.Error(w, "missing SAMLResponse", http.StatusBadRequest)
		return
	}

	reqCtx := requestContext(r)
	reqCtx.RelayState = r.PostFormValue("RelayState")

	res := h.samlFlow.Process(r.Context(), encoded, orgID, reqCtx)
	h.writeAuthResult(w, res)
}

// handleOAuthCallback handles GET /orgs/{org}/sso/oauth/callback. On success
// it opens a local session; the flow itself only resolves the identity.
func (h *Handlers) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgParam(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	if errParam := q.Get("error"); errParam != "" {
		http.Error(w, "authorization was denied", http.StatusUnauthorized)
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing code parameter", http.StatusBadRequest)
		return
	}

	redirectURI := fmt.Sprintf("%s/orgs/%d/sso/oauth/callback", h.baseURL, orgID)
	res := h.oauthFlow.Process(r.Context(), code, q.Get("state"), orgID, redirectURI, requestContext(r))

	if res.Success {
		provider, err := h.registry.Active(r.Context(), orgID)
		if err == nil {
			session := &Session{
				OrganizationID: orgID,
				ProviderID:     provider.ID,
				UserID:         res.UserID,
				ExpiresAt:      time.Now().UTC().Add(defaultSessionTTL),
			}
			if err := h.sessions.Open(r.Context(), session); err != nil {
				h.logger.WithError(err).Error("failed to open session after oauth login")
			} else {
				res.SessionID = session.ID
			}
		}
	}

	h.writeAuthResult(w, res)
}

// logout handles POST /sso/logout
func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	if err := h.sessions.Logout(r.Context(), body.SessionID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// samlMetadata handles GET /orgs/{org}/sso/metadata
func (h *Handlers) samlMetadata(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgParam(w, r)
	if !ok {
		return
	}

	acsURL := fmt.Sprintf("%s/orgs/%d/sso/saml/acs", h.baseURL, orgID)
	md, err := h.samlFlow.Metadata(h.entityID(orgID), acsURL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(md)
}

// listAttempts handles GET /orgs/{org}/sso/attempts
func (h *Handlers) listAttempts(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgParam(w, r)
	if !ok {
		return
	}

	f := audit.Filter{Limit: 50}
	q := r.URL.Query()
	for _, s := range q["status"] {
		f.Statuses = append(f.Statuses, audit.Status(s))
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "offset must be non-negative", http.StatusBadRequest)
			return
		}
		f.Offset = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		f.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "until must be RFC3339", http.StatusBadRequest)
			return
		}
		f.Until = &t
	}

	attempts, err := h.attempts.Query(r.Context(), orgID, f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, attempts)
}

// entityID is the SP entity identifier advertised for an organization.
func (h *Handlers) entityID(orgID int64) string {
	return fmt.Sprintf("%s/orgs/%d/sso/metadata", h.baseURL, orgID)
}

// writeAuthResult renders a flow outcome. Failure responses carry the
// machine-readable code only; messages with protocol detail stay in the
// audit trail.
func (h *Handlers) writeAuthResult(w http.ResponseWriter, res *AuthResult) {
	if res.Success {
		writeJSON(w, http.StatusOK, res)
		return
	}

	writeJSON(w, http.StatusUnauthorized, &AuthResult{
		Success:   false,
		ErrorCode: res.ErrorCode,
	})
}

// sanitizeProvider returns a copy safe to return to clients: credentials
// never leave the server.
func sanitizeProvider(p *Provider) *Provider {
	out := *p
	if p.OAuthConfig != nil {
		cfg := *p.OAuthConfig
		cfg.ClientSecret = ""
		out.OAuthConfig = &cfg
	}
	return &out
}

func orgParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["org"], 10, 64)
	if err != nil || id < 1 {
		http.Error(w, "invalid organization id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id < 1 {
		http.Error(w, "invalid provider id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// requestContext extracts audit metadata from the request. The first
// X-Forwarded-For hop wins when present.
func requestContext(r *http.Request) RequestContext {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		if i := strings.IndexByte(ip, ','); i >= 0 {
			ip = ip[:i]
		}
		ip = strings.TrimSpace(ip)
	} else {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err == nil {
			ip = host
		} else {
			ip = r.RemoteAddr
		}
	}
	return RequestContext{
		IPAddress: ip,
		UserAgent: r.UserAgent(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
