// Package flow manages OAuth authorization flows: their lifecycle records,
// the state parameter that links callbacks to them, and the completion
// protocol that turns an authorization code into stored tokens.
package flow

import (
	"strings"
	"time"
)

// Status is the lifecycle state of an authorization flow. Transitions are
// monotonic: a flow leaves StatusPending exactly once and never returns.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// FailureReason records why a flow ended in StatusFailed. Cancellation is
// deliberately distinct from real failures so status resolution can ignore
// it.
const (
	ReasonCanceled   = "canceled"
	ReasonSuperseded = "superseded"
	ReasonDenied     = "access_denied"
)

// Flow is one authorization attempt for a (user, server) pair. The record
// outlives completion: it stays retrievable until its TTL so callers can
// observe the outcome.
type Flow struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	ServerID string `json:"server_id"`

	// CSRFToken is bound into the state parameter and verified on callback.
	CSRFToken string `json:"csrf_token"`

	// CodeVerifier is the PKCE verifier, sealed by the configured encryptor
	// before the record is persisted.
	CodeVerifier string `json:"code_verifier"`

	// ClientID and ClientSecret are the credentials used for this flow.
	// They may come from dynamic registration, so they are captured per
	// flow; the secret is sealed like the verifier.
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`

	Status Status `json:"status"`

	// FailureReason is set when Status is StatusFailed.
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// stateSeparator joins the flow id and CSRF token in the state parameter.
// Flow ids contain only hex digits and dashes, so the separator cannot
// appear inside one.
const stateSeparator = "::"

// EncodeState builds the OAuth state parameter for a flow.
func EncodeState(flowID, csrfToken string) string {
	return flowID + stateSeparator + csrfToken
}

// DecodeState splits a state parameter back into flow id and CSRF token.
// Only the first separator is significant.
func DecodeState(state string) (flowID, csrfToken string, err error) {
	flowID, csrfToken, ok := strings.Cut(state, stateSeparator)
	if !ok || flowID == "" || csrfToken == "" {
		return "", "", NewError(CodeInvalidStateFormat, "state parameter %q is not flow_id%scsrf_token", state, stateSeparator)
	}
	return flowID, csrfToken, nil
}
