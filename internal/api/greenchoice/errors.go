package greenchoice

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationFailed is returned when any step of the login handshake fails.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrInvalidCredentials is returned, together with ErrAuthenticationFailed,
	// when the portal rejected the credentials rather than being unreachable.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrDataFetchFailed is returned when consumption data could not be fetched or decoded.
	ErrDataFetchFailed = errors.New("data fetch failed")
)

// Handshake steps, in execution order.
const (
	StepAntiforgery = "antiforgery"
	StepEntryPage   = "entry-page"
	StepCredentials = "credentials"
	StepRedirect    = "redirect"
	StepOIDCForm    = "oidc-form"
	StepSignIn      = "signin-oidc"
)

// AuthError describes a failed handshake step.
type AuthError struct {
	Step string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed at %s: %v", e.Step, e.Err)
}

// Unwrap exposes both the cause and the ErrAuthenticationFailed class.
func (e *AuthError) Unwrap() []error {
	return []error{ErrAuthenticationFailed, e.Err}
}

func authError(step string, err error) error {
	return &AuthError{Step: step, Err: err}
}

func credentialsError(step, msg string) error {
	return &AuthError{Step: step, Err: fmt.Errorf("%w: %s", ErrInvalidCredentials, msg)}
}
