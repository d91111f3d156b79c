package sso

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
	xrv "github.com/mattermost/xml-roundtrip-validator"
	samltypes "github.com/russellhaering/gosaml2/types"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/sirupsen/logrus"

	"github.com/lumenlms/federate/pkg/audit"
)

const (
	samlProtocolNS  = "urn:oasis:names:tc:SAML:2.0:protocol"
	samlAssertionNS = "urn:oasis:names:tc:SAML:2.0:assertion"
	samlMetadataNS  = "urn:oasis:names:tc:SAML:2.0:metadata"

	nameIDFormatEmail  = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
	bindingHTTPPost    = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	samlRequestTimeout = 10 * time.Minute

	defaultSessionTTL = 8 * time.Hour
)

// SAMLFlow drives SAML 2.0 authentication: AuthnRequest construction,
// response validation, identity resolution, session creation, auditing.
type SAMLFlow struct {
	providers  ProviderSource
	resolver   *Resolver
	sessions   SessionStore
	attempts   Recorder
	states     StateStore
	sessionTTL time.Duration
	logger     *logrus.Entry
}

// NewSAMLFlow creates a SAML flow handler.
func NewSAMLFlow(providers ProviderSource, resolver *Resolver, sessions SessionStore,
	attempts Recorder, states StateStore, sessionTTL time.Duration, logger *logrus.Logger) *SAMLFlow {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	return &SAMLFlow{
		providers:  providers,
		resolver:   resolver,
		sessions:   sessions,
		attempts:   attempts,
		states:     states,
		sessionTTL: sessionTTL,
		logger:     logger.WithField("component", "saml"),
	}
}

// AuthnRequest is a built SAML authentication request in both binding
// encodings.
type AuthnRequest struct {
	ID          string
	XML         []byte
	RedirectURL string // HTTP-Redirect binding: deflate+base64 in the query string
	PostValue   string // HTTP-POST binding: base64 only
	RelayState  string
}

// BuildAuthnRequest constructs an AuthnRequest for the given SAML provider
// and registers its ID for InResponseTo validation. The request names the
// Assertion Consumer Service URL and asks for an emailAddress NameID. The
// caller supplies the provider it already holds; no lookup happens here.
func (f *SAMLFlow) BuildAuthnRequest(ctx context.Context, provider *Provider, acsURL, issuer, relayState string) (*AuthnRequest, error) {
	if provider.ProviderType != ProviderTypeSAML {
		return nil, failf(CodeInvalidProviderType, "provider has type %s", provider.ProviderType)
	}
	cfg := provider.SAMLConfig
	if cfg == nil || cfg.SSOURL == "" {
		return nil, failf(CodeInvalidConfiguration, "provider has no SAML configuration")
	}

	id, err := requestID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate request ID: %w", err)
	}

	doc := etree.NewDocument()
	root := doc.CreateElement("samlp:AuthnRequest")
	root.CreateAttr("xmlns:samlp", samlProtocolNS)
	root.CreateAttr("xmlns:saml", samlAssertionNS)
	root.CreateAttr("ID", id)
	root.CreateAttr("Version", "2.0")
	root.CreateAttr("IssueInstant", time.Now().UTC().Format(time.RFC3339))
	root.CreateAttr("Destination", cfg.SSOURL)
	root.CreateAttr("ProtocolBinding", bindingHTTPPost)
	root.CreateAttr("AssertionConsumerServiceURL", acsURL)

	issuerEl := root.CreateElement("saml:Issuer")
	issuerEl.SetText(issuer)

	policy := root.CreateElement("samlp:NameIDPolicy")
	policy.CreateAttr("Format", nameIDFormatEmail)
	policy.CreateAttr("AllowCreate", "true")

	xmlBytes, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize AuthnRequest: %w", err)
	}

	redirectParam, err := encodeRedirect(xmlBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode AuthnRequest: %w", err)
	}

	dest, err := url.Parse(cfg.SSOURL)
	if err != nil {
		return nil, failf(CodeInvalidConfiguration, "invalid SSO URL: %v", err)
	}
	q := dest.Query()
	q.Set("SAMLRequest", redirectParam)
	if relayState != "" {
		q.Set("RelayState", relayState)
	}
	dest.RawQuery = q.Encode()

	if err := f.states.Issue(ctx, id, samlRequestTimeout); err != nil {
		return nil, fmt.Errorf("failed to track request ID: %w", err)
	}

	return &AuthnRequest{
		ID:          id,
		XML:         xmlBytes,
		RedirectURL: dest.String(),
		PostValue:   encodePost(xmlBytes),
		RelayState:  relayState,
	}, nil
}

// Process validates an encoded SAML response (POST binding) and drives the
// resolution pipeline, returning a structured result. Exactly one audit
// attempt is recorded on every exit path; no error escapes.
func (f *SAMLFlow) Process(ctx context.Context, encodedResponse string, orgID int64, reqCtx RequestContext) (res *AuthResult) {
	attempt := &audit.Attempt{
		OrganizationID: orgID,
		IPAddress:      reqCtx.IPAddress,
		UserAgent:      reqCtx.UserAgent,
		Evidence:       encodedResponse,
		StartedAt:      time.Now().UTC(),
	}
	var provider *Provider
	var identity *Identity
	defer func() {
		if r := recover(); r != nil {
			f.logger.WithField("panic", r).Error("saml processing panicked")
			res = failureResult(failf(CodeProcessingError, "internal error"))
		}
		finishAttempt(ctx, f.attempts, attempt, provider, identity, res)
	}()

	raw, err := decodePost(encodedResponse)
	if err != nil {
		return failureResult(failf(CodeProcessingError, "malformed SAMLResponse: %v", err))
	}

	provider, err = lookupProvider(ctx, f.providers, orgID, ProviderTypeSAML)
	if err != nil {
		return failureResult(err)
	}
	cfg := provider.SAMLConfig
	if cfg == nil {
		return failureResult(failf(CodeInvalidConfiguration, "provider has no SAML configuration"))
	}

	// Round-trip validation rejects XML whose parse mutates on re-encode,
	// the vector behind most assertion-smuggling attacks. Go's parser does
	// not resolve external entities, which closes off XXE.
	if err := xrv.Validate(bytes.NewReader(raw)); err != nil {
		return failureResult(failf(CodeInvalidAssertion, "response failed XML validation: %v", err))
	}

	if cfg.Certificate != "" {
		verified, err := verifyResponseSignature(raw, cfg.Certificate)
		if err != nil {
			return failureResult(err)
		}
		raw = verified
	}

	resp := &samltypes.Response{}
	if err := xml.Unmarshal(raw, resp); err != nil {
		return failureResult(failf(CodeInvalidAssertion, "failed to parse response: %v", err))
	}
	if len(resp.Assertions) == 0 {
		return failureResult(failf(CodeInvalidAssertion, "response carries no assertion"))
	}
	assertion := resp.Assertions[0]

	issuer := issuerValue(resp, &assertion)
	if issuer == "" {
		return failureResult(failf(CodeInvalidAssertion, "missing Issuer"))
	}

	nameID := ""
	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		nameID = strings.TrimSpace(assertion.Subject.NameID.Value)
	}
	if nameID == "" {
		return failureResult(failf(CodeInvalidAssertion, "missing NameID"))
	}

	// SP-initiated responses must answer an outstanding request; responses
	// without InResponseTo are IdP-initiated and pass through.
	if resp.InResponseTo != "" {
		ok, err := f.states.Consume(ctx, resp.InResponseTo)
		if err != nil {
			return failureResult(failf(CodeProcessingError, "request tracking failed: %v", err))
		}
		if !ok {
			return failureResult(failf(CodeInvalidState, "response answers an unknown or already-consumed request"))
		}
	}

	attrs := assertionAttributes(&assertion)
	identity = f.resolver.ResolveAttributes(provider, attrs)
	if identity.Email == "" && strings.Contains(nameID, "@") {
		identity.Email = nameID
	}
	if identity.IDPUserID == "" {
		identity.IDPUserID = nameID
	}

	userID, err := f.resolver.Complete(ctx, orgID, provider, identity)
	if err != nil {
		return failureResult(err)
	}

	session := &Session{
		OrganizationID: orgID,
		ProviderID:     provider.ID,
		UserID:         userID,
		SessionIndex:   sessionIndex(&assertion),
		NameID:         nameID,
		ExpiresAt:      time.Now().UTC().Add(f.sessionTTL),
	}
	if err := f.sessions.Open(ctx, session); err != nil {
		return failureResult(failf(CodeProcessingError, "failed to open session: %v", err))
	}

	f.logger.WithFields(logrus.Fields{
		"organization_id": orgID,
		"provider_id":     provider.ID,
		"user_id":         userID,
	}).Info("saml login succeeded")

	return &AuthResult{
		Success:   true,
		UserID:    userID,
		Email:     identity.Email,
		IDPUserID: identity.IDPUserID,
		SessionID: session.ID,
	}
}

// Metadata emits a minimal SP metadata document advertising the entity ID,
// the supported NameID format, and the ACS endpoint. Pure, no side effects.
func (f *SAMLFlow) Metadata(entityID, acsURL string) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("md:EntityDescriptor")
	root.CreateAttr("xmlns:md", samlMetadataNS)
	root.CreateAttr("entityID", entityID)

	sp := root.CreateElement("md:SPSSODescriptor")
	sp.CreateAttr("protocolSupportEnumeration", samlProtocolNS)

	nameID := sp.CreateElement("md:NameIDFormat")
	nameID.SetText(nameIDFormatEmail)

	acs := sp.CreateElement("md:AssertionConsumerService")
	acs.CreateAttr("Binding", bindingHTTPPost)
	acs.CreateAttr("Location", acsURL)
	acs.CreateAttr("index", "0")
	acs.CreateAttr("isDefault", "true")

	doc.Indent(2)
	return doc.WriteToBytes()
}

// verifyResponseSignature checks the XML digital signature of the response
// (or, failing that, of its assertion) against the provider's certificate.
// On success it returns the serialized validated subtree; callers must
// extract identity data from that, never from the submitted bytes, so
// content outside the signed subtree cannot be smuggled past verification.
// Any failure, including an unparseable or out-of-validity certificate,
// fails closed as invalid_signature.
func verifyResponseSignature(raw []byte, certPEM string) ([]byte, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, failf(CodeInvalidSignature, "provider certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, failf(CodeInvalidSignature, "provider certificate is not a valid X.509 certificate: %v", err)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, failf(CodeInvalidSignature, "provider certificate is outside its validity window")
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, failf(CodeInvalidSignature, "failed to parse response document: %v", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, failf(CodeInvalidSignature, "empty response document")
	}

	certStore := &dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{cert}}
	vc := dsig.NewDefaultValidationContext(certStore)

	if validated, err := vc.Validate(root); err == nil {
		vdoc := etree.NewDocument()
		vdoc.SetRoot(validated)
		return vdoc.WriteToBytes()
	}
	if assertionEl := root.FindElement("//Assertion"); assertionEl != nil {
		if validated, err := vc.Validate(assertionEl); err == nil {
			// splice the validated assertion back into the envelope so
			// response-level attributes like InResponseTo survive while
			// the unsigned assertion content is discarded
			parent := assertionEl.Parent()
			parent.RemoveChild(assertionEl)
			parent.AddChild(validated)
			return doc.WriteToBytes()
		}
	}
	return nil, failf(CodeInvalidSignature, "response signature verification failed")
}

func issuerValue(resp *samltypes.Response, assertion *samltypes.Assertion) string {
	if assertion.Issuer != nil && strings.TrimSpace(assertion.Issuer.Value) != "" {
		return strings.TrimSpace(assertion.Issuer.Value)
	}
	if resp.Issuer != nil {
		return strings.TrimSpace(resp.Issuer.Value)
	}
	return ""
}

func sessionIndex(assertion *samltypes.Assertion) string {
	if assertion.AuthnStatement == nil {
		return ""
	}
	return assertion.AuthnStatement.SessionIndex
}

func assertionAttributes(assertion *samltypes.Assertion) map[string]string {
	attrs := make(map[string]string)
	if assertion.AttributeStatement == nil {
		return attrs
	}
	for _, attr := range assertion.AttributeStatement.Attributes {
		if len(attr.Values) == 0 {
			continue
		}
		attrs[attr.Name] = attr.Values[0].Value
	}
	return attrs
}

// requestID generates a cryptographically random SAML message ID. SAML IDs
// must be valid XML NCNames, hence the underscore prefix.
func requestID() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "_" + hex.EncodeToString(b), nil
}

// encodeRedirect produces the HTTP-Redirect binding encoding:
// DEFLATE-compress, then base64.
func encodeRedirect(xmlBytes []byte) (string, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(xmlBytes); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// decodeRedirect is the exact inverse of encodeRedirect.
func decodeRedirect(s string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	return io.ReadAll(r)
}

// encodePost produces the HTTP-POST binding encoding: base64 only.
func encodePost(xmlBytes []byte) string {
	return base64.StdEncoding.EncodeToString(xmlBytes)
}

// decodePost is the exact inverse of encodePost.
func decodePost(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
