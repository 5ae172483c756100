package roomlink

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrRedirectRequired signals that the caller must abandon connection
	// setup and navigate to an external authentication page. Match it with
	// errors.Is; the target URL is on *RedirectRequiredError.
	ErrRedirectRequired = errors.New("redirect required")

	// ErrStateMismatch means the returned state does not match the one
	// generated before the redirect, or none was generated.
	ErrStateMismatch = errors.New("could not validate state")

	// ErrMissingCode means the authorization code of the round trip is absent.
	ErrMissingCode = errors.New("no auth code provided")

	// ErrInvalidTarget means no room could be resolved for this load.
	ErrInvalidTarget = errors.New("invalid room target")

	// ErrUnloading is returned once the process started tearing down.
	ErrUnloading = errors.New("process is unloading")
)

// RedirectRequiredError carries the page the caller must navigate to.
type RedirectRequiredError struct {
	URL string
}

func (e *RedirectRequiredError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRedirectRequired, e.URL)
}

func (e *RedirectRequiredError) Unwrap() error {
	return ErrRedirectRequired
}
