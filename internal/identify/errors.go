package identify

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why an identification failed
type Kind int

const (
	KindCredential Kind = iota + 1
	KindTransport
	KindStatus
	KindPayload
	KindIncomplete
)

func (k Kind) String() string {
	switch k {
	case KindCredential:
		return "credential"
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	case KindPayload:
		return "payload"
	case KindIncomplete:
		return "incomplete"
	default:
		return "unknown"
	}
}

// RetryMessage is shown when the server gave no specific detail
const RetryMessage = "Failed to identify plant. Please try again with a clear photo of a single plant."

// CredentialMessage is shown when no API key was configured
const CredentialMessage = "API key not found. Please enter your API key."

// ErrMissingCredential is returned when the client has no API key configured
var ErrMissingCredential = errors.New("API key not found")

// Error is an identification failure
type Error struct {
	Kind   Kind
	Status int
	// Detail is the message the relay sent back, if any
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "identify: %s", e.Kind)
	if e.Status != 0 {
		fmt.Fprintf(&sb, " (status %d)", e.Status)
	}
	if e.Detail != "" {
		fmt.Fprintf(&sb, ": %s", e.Detail)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %s", e.Err)
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or 0 when it is not an identification error
func KindOf(err error) Kind {
	var identifyErr *Error
	if errors.As(err, &identifyErr) {
		return identifyErr.Kind
	}
	return 0
}

// UserMessage collapses err into the text shown to the user: the server
// detail when there is one, the generic retry prompt otherwise
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrMissingCredential) {
		return CredentialMessage
	}
	var identifyErr *Error
	if errors.As(err, &identifyErr) && strings.TrimSpace(identifyErr.Detail) != "" {
		return identifyErr.Detail
	}
	return RetryMessage
}
