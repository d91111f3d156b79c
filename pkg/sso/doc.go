// Package sso implements federated single sign-on for organizations.
//
// # Overview
//
// Each organization configures one or more identity providers (SAML 2.0,
// OAuth2, or OpenID Connect) of which at most one is active at a time.
// The package covers the full lifecycle: provider administration, login
// initiation, response and token validation, identity resolution with
// optional just-in-time provisioning, local session management, and an
// append-only audit trail of every authentication attempt.
//
// # Supported Protocols
//
// SAML 2.0: HTTP-Redirect initiation, HTTP-POST assertion consumption,
// XML signature verification against the configured IdP certificate.
// OAuth2: authorization-code flow with a userinfo claim source.
// OpenID Connect: authorization-code flow with verified ID tokens.
//
// # Flow Structure
//
// Protocol handling is split between a Registry (persistence and
// validation of provider configuration), flow types (SAMLFlow, OAuthFlow)
// that run the protocol exchange, and a Resolver that turns IdP claims
// into a local user id. Flows never return errors to the caller; every
// invocation yields an AuthResult and records exactly one audit attempt,
// failures included.
//
// # Identity Resolution
//
// Claims pass through the provider's attribute mapping, then the email
// domain is checked against the provider's allow-list. When
// auto-provisioning is on, unknown users are created and enrolled in the
// organization with the provider's default role; otherwise an existing
// identity mapping is required.
//
// # Related Packages
//
//   - pkg/audit: attempt recording and querying
//   - pkg/config: process configuration
package sso
