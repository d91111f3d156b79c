// Package audit records single sign-on authentication attempts for
// security review and compliance.
//
// # Overview
//
// Every SSO flow invocation produces exactly one attempt record, whether
// the login succeeded, was rejected by policy, or blew up mid-processing.
// Records are append-only; nothing in this package updates or deletes
// them.
//
// # Statuses
//
// success: the user was resolved and logged in.
// failed: the attempt was rejected (bad signature, unknown user, domain
// mismatch, replayed state).
// error: the system itself failed (provisioning error, IdP unreachable,
// panic during processing).
//
// # Usage Example
//
// Record an attempt:
//
//	log.Record(ctx, &audit.Attempt{
//		OrganizationID: orgID,
//		Email:          "user@example.com",
//		Status:         audit.StatusSuccess,
//		IPAddress:      reqCtx.IPAddress,
//		StartedAt:      started,
//	})
//
// Record never returns an error; a storage failure is logged and the
// authentication outcome is unaffected.
//
// Query the trail:
//
//	attempts, err := log.Query(ctx, orgID, audit.Filter{
//		Statuses: []audit.Status{audit.StatusFailed},
//		Limit:    50,
//	})
package audit
