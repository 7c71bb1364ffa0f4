package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job id is unknown or not owned by
	// the caller. Ownership mismatches are reported identically so job
	// existence is never leaked.
	ErrJobNotFound = errors.New("job not found")

	// ErrQuotaExceeded is a terminal pipeline failure: the provider account
	// is out of quota.
	ErrQuotaExceeded = errors.New("provider quota exceeded")

	// ErrInvalidCredentials is a terminal pipeline failure: the provider
	// rejected the API key.
	ErrInvalidCredentials = errors.New("provider credentials invalid")

	// ErrRateLimited is a terminal pipeline failure: too many requests.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrNetwork is a terminal pipeline failure: the provider was
	// unreachable.
	ErrNetwork = errors.New("provider unreachable")
)

// Stable user-facing messages for the failure taxonomy. Internal error
// detail is logged, never returned to clients verbatim.
const (
	MsgQuotaExceeded      = "Your provider API quota has been exceeded. Please check your plan and billing details."
	MsgInvalidCredentials = "The provider API key is invalid or expired. Please check your API key in settings."
	MsgRateLimited        = "Provider rate limit exceeded. Please try again in a few minutes."
	MsgNetwork            = "Network connection error. Please check your connection and try again."
	MsgTimeout            = "Journey generation timed out after 15 minutes. Please try again with simpler inputs."
	MsgCancelled          = "Job cancelled by user"
	MsgGenericFailure     = "Journey generation failed. Please try again."
)

// FailureMessage maps a workflow error onto its stable user-facing message.
func FailureMessage(err error) string {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return MsgQuotaExceeded
	case errors.Is(err, ErrInvalidCredentials):
		return MsgInvalidCredentials
	case errors.Is(err, ErrRateLimited):
		return MsgRateLimited
	case errors.Is(err, ErrNetwork):
		return MsgNetwork
	default:
		return MsgGenericFailure
	}
}
