package audit

import "time"

// Status represents the outcome of an authentication attempt
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
)

// Attempt is an immutable record of one authentication flow invocation.
// Every invocation of a flow handler produces exactly one attempt, on every
// exit path including infrastructure failures.
type Attempt struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	ProviderID     *int64    `json:"provider_id,omitempty"`
	UserID         *int64    `json:"user_id,omitempty"`
	Email          string    `json:"email,omitempty"`
	Status         Status    `json:"status"`
	ErrorCode      string    `json:"error_code,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	IPAddress      string    `json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	Evidence       string    `json:"evidence,omitempty"` // Raw assertion or OAuth state, kept for forensic replay
	StartedAt      time.Time `json:"started_at"`
	DurationMS     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// Filter narrows an attempt query.
type Filter struct {
	Statuses []Status
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}
