package sso

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	"github.com/lumenlms/federate/pkg/audit"
)

// ProviderSource yields the active provider of an organization. Implemented
// by Registry; flows depend on the interface so tests can inject doubles.
type ProviderSource interface {
	Active(ctx context.Context, orgID int64) (*Provider, error)
}

// SessionStore opens sessions. Implemented by SessionManager.
type SessionStore interface {
	Open(ctx context.Context, s *Session) error
}

// Recorder appends authentication attempts. Implemented by audit.Log.
type Recorder interface {
	Record(ctx context.Context, a *audit.Attempt)
}

// lookupProvider fetches the active provider and checks its protocol,
// translating storage errors into flow error codes.
func lookupProvider(ctx context.Context, src ProviderSource, orgID int64, want ...ProviderType) (*Provider, error) {
	provider, err := src.Active(ctx, orgID)
	if errors.Is(err, ErrProviderNotFound) {
		return nil, failf(CodeProviderNotFound, "organization %d has no active SSO provider", orgID)
	}
	if err != nil {
		return nil, failf(CodeProcessingError, "provider lookup failed: %v", err)
	}

	for _, t := range want {
		if provider.ProviderType == t {
			return provider, nil
		}
	}
	return nil, failf(CodeInvalidProviderType, "active provider has type %s", provider.ProviderType)
}

// finishAttempt fills an attempt from the flow outcome and records it.
// Every flow invocation funnels through here exactly once, via defer.
func finishAttempt(ctx context.Context, rec Recorder, attempt *audit.Attempt, provider *Provider, identity *Identity, res *AuthResult) {
	attempt.DurationMS = time.Since(attempt.StartedAt).Milliseconds()

	if provider != nil {
		pid := provider.ID
		attempt.ProviderID = &pid
	}
	if identity != nil && attempt.Email == "" {
		attempt.Email = identity.Email
	}
	if res == nil {
		attempt.Status = audit.StatusError
		attempt.ErrorCode = CodeProcessingError
		rec.Record(ctx, attempt)
		return
	}
	if res.Email != "" {
		attempt.Email = res.Email
	}

	switch {
	case res.Success:
		attempt.Status = audit.StatusSuccess
		uid := res.UserID
		attempt.UserID = &uid
	case res.ErrorCode == CodeProcessingError || res.ErrorCode == CodeProvisioningFailed:
		attempt.Status = audit.StatusError
	default:
		attempt.Status = audit.StatusFailed
	}
	attempt.ErrorCode = res.ErrorCode
	attempt.ErrorMessage = res.ErrorMessage

	rec.Record(ctx, attempt)
}

// isTransient reports whether a network error is worth a single retry:
// timeouts and temporary transport failures, never HTTP-level responses.
func isTransient(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Temporary() || ue.Timeout()
	}
	return false
}
