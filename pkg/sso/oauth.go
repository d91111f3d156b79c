package sso

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/lumenlms/federate/pkg/audit"
)

const oauthStateTimeout = 10 * time.Minute

// OAuthFlow drives OAuth2 and OIDC authentication: authorization URL
// construction, code exchange, claim retrieval, identity resolution,
// auditing. Unlike SAML it opens no session itself; callers decide whether
// a local session should back the federated login.
type OAuthFlow struct {
	providers  ProviderSource
	resolver   *Resolver
	attempts   Recorder
	states     StateStore
	httpClient *http.Client
	logger     *logrus.Entry
}

// NewOAuthFlow creates an OAuth flow handler. The client bounds all IdP
// calls; it must carry an explicit timeout.
func NewOAuthFlow(providers ProviderSource, resolver *Resolver, attempts Recorder,
	states StateStore, client *http.Client, logger *logrus.Logger) *OAuthFlow {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &OAuthFlow{
		providers:  providers,
		resolver:   resolver,
		attempts:   attempts,
		states:     states,
		httpClient: client,
		logger:     logger.WithField("component", "oauth"),
	}
}

// Authorization is a built authorization redirect. The caller must round-trip
// State through the IdP; it is single-use and expires.
type Authorization struct {
	URL   string
	State string
	Nonce string
}

// BuildAuthorizationURL constructs the IdP authorization URL. A caller that
// does not supply a state gets a fresh 32-byte random one (256 bits of
// entropy, hex encoded); either way the state is registered single-use for
// callback verification.
func (f *OAuthFlow) BuildAuthorizationURL(ctx context.Context, provider *Provider, redirectURI, state string) (*Authorization, error) {
	cfg := provider.OAuthConfig
	if cfg == nil || cfg.ClientID == "" || cfg.AuthorizeURL == "" {
		return nil, failf(CodeInvalidConfiguration, "provider has no usable OAuth configuration")
	}

	if state == "" {
		var err error
		state, err = randomToken(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate state: %w", err)
		}
	}
	nonce, err := randomToken(16)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	if err := f.states.Issue(ctx, state, oauthStateTimeout); err != nil {
		return nil, fmt.Errorf("failed to track state: %w", err)
	}

	oc := f.oauth2Config(cfg, redirectURI)
	authURL := oc.AuthCodeURL(state, oauth2.SetAuthURLParam("nonce", nonce))

	return &Authorization{URL: authURL, State: state, Nonce: nonce}, nil
}

// Process handles the authorization-code callback: state verification, code
// exchange, claim retrieval (verified ID token preferred, userinfo
// otherwise), then the same resolution pipeline as SAML. Exactly one audit
// attempt is recorded on every exit path; no error escapes.
func (f *OAuthFlow) Process(ctx context.Context, code, state string, orgID int64, redirectURI string, reqCtx RequestContext) (res *AuthResult) {
	attempt := &audit.Attempt{
		OrganizationID: orgID,
		IPAddress:      reqCtx.IPAddress,
		UserAgent:      reqCtx.UserAgent,
		Evidence:       state,
		StartedAt:      time.Now().UTC(),
	}
	var provider *Provider
	var identity *Identity
	defer func() {
		if r := recover(); r != nil {
			f.logger.WithField("panic", r).Error("oauth processing panicked")
			res = failureResult(failf(CodeProcessingError, "internal error"))
		}
		finishAttempt(ctx, f.attempts, attempt, provider, identity, res)
	}()

	provider, err := lookupProvider(ctx, f.providers, orgID, ProviderTypeOAuth, ProviderTypeOIDC)
	if err != nil {
		return failureResult(err)
	}

	cfg := provider.OAuthConfig
	if cfg == nil || cfg.ClientID == "" || cfg.AuthorizeURL == "" || cfg.TokenURL == "" {
		return failureResult(failf(CodeInvalidConfiguration, "provider OAuth configuration is incomplete"))
	}
	// A plain OAuth provider has no ID token to fall back on, so userinfo
	// is mandatory for it.
	if provider.ProviderType == ProviderTypeOAuth && cfg.UserinfoURL == "" {
		return failureResult(failf(CodeInvalidConfiguration, "userinfo_url is required for oauth providers"))
	}

	if state == "" {
		return failureResult(failf(CodeInvalidState, "missing state parameter"))
	}
	ok, err := f.states.Consume(ctx, state)
	if err != nil {
		return failureResult(failf(CodeProcessingError, "state tracking failed: %v", err))
	}
	if !ok {
		return failureResult(failf(CodeInvalidState, "state is unknown or already consumed"))
	}

	hctx := context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	token, err := f.exchange(hctx, cfg, redirectURI, code)
	if err != nil {
		return failureResult(failf(CodeProcessingError, "token exchange failed: %v", err))
	}

	var claims map[string]interface{}
	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken != "" && provider.ProviderType == ProviderTypeOIDC {
		claims, err = f.verifyIDToken(hctx, cfg, rawIDToken)
		if err != nil {
			return failureResult(failf(CodeInvalidToken, "ID token verification failed: %v", err))
		}
	} else {
		claims, err = f.fetchUserinfo(ctx, cfg, token.AccessToken)
		if err != nil {
			return failureResult(failf(CodeProcessingError, "userinfo request failed: %v", err))
		}
	}

	userID, id, err := f.resolver.Login(ctx, orgID, provider, stringifyClaims(claims))
	identity = id
	if err != nil {
		return failureResult(err)
	}

	f.logger.WithFields(logrus.Fields{
		"organization_id": orgID,
		"provider_id":     provider.ID,
		"user_id":         userID,
	}).Info("oauth login succeeded")

	return &AuthResult{
		Success:   true,
		UserID:    userID,
		Email:     identity.Email,
		IDPUserID: identity.IDPUserID,
	}
}

func (f *OAuthFlow) oauth2Config(cfg *OAuthConfig, redirectURI string) *oauth2.Config {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthorizeURL,
			TokenURL: cfg.TokenURL,
		},
		RedirectURL: redirectURI,
		Scopes:      scopes,
	}
}

// exchange swaps the authorization code for tokens, retrying once on a
// transient network error. HTTP-level failures (non-2xx) are never retried.
func (f *OAuthFlow) exchange(ctx context.Context, cfg *OAuthConfig, redirectURI, code string) (*oauth2.Token, error) {
	oc := f.oauth2Config(cfg, redirectURI)
	token, err := oc.Exchange(ctx, code)
	if err != nil && isTransient(err) {
		f.logger.WithError(err).Warn("token exchange hit transient error, retrying once")
		token, err = oc.Exchange(ctx, code)
	}
	return token, err
}

// verifyIDToken validates the ID token's signature, audience, and expiry
// before trusting any claim. Issuer discovery is used when configured,
// otherwise the provider's JWKS endpoint.
func (f *OAuthFlow) verifyIDToken(ctx context.Context, cfg *OAuthConfig, rawIDToken string) (map[string]interface{}, error) {
	var verifier *oidc.IDTokenVerifier
	switch {
	case cfg.IssuerURL != "":
		p, err := oidc.NewProvider(ctx, cfg.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("issuer discovery failed: %w", err)
		}
		verifier = p.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	case cfg.JWKSURL != "":
		keySet := oidc.NewRemoteKeySet(ctx, cfg.JWKSURL)
		verifier = oidc.NewVerifier("", keySet, &oidc.Config{
			ClientID:        cfg.ClientID,
			SkipIssuerCheck: true,
		})
	default:
		return nil, fmt.Errorf("no issuer_url or jwks_url configured to verify against")
	}

	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	return claims, nil
}

// fetchUserinfo calls the userinfo endpoint with the access token as a
// Bearer credential, retrying once on a transient network error.
func (f *OAuthFlow) fetchUserinfo(ctx context.Context, cfg *OAuthConfig, accessToken string) (map[string]interface{}, error) {
	if cfg.UserinfoURL == "" {
		return nil, fmt.Errorf("no id_token in response and no userinfo_url configured")
	}

	do := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.UserinfoURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		return f.httpClient.Do(req)
	}

	resp, err := do()
	if err != nil && isTransient(err) {
		f.logger.WithError(err).Warn("userinfo request hit transient error, retrying once")
		resp, err = do()
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("userinfo returned status %d: %s", resp.StatusCode, body)
	}

	var claims map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	return claims, nil
}

// stringifyClaims flattens a claim set to strings; complex values are kept
// as JSON so nothing is lost from the audit trail.
func stringifyClaims(claims map[string]interface{}) map[string]string {
	out := make(map[string]string, len(claims))
	for k, v := range claims {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = fmt.Sprintf("%v", val)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

// randomToken returns n bytes of crypto-random data, hex encoded.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
