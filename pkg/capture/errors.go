package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrLoginFailed means the credentials were submitted but the browser did not land on the projects page
	ErrLoginFailed = errors.New("login failed")

	// ErrRenderTimeout means the chart loading indicator never disappeared
	ErrRenderTimeout = errors.New("render timeout")

	// ErrFilterNotApplied means the filter value never showed up in the chart titles.
	// Capture records it as a skipped page instead of returning it.
	ErrFilterNotApplied = errors.New("filter not applied")

	// ErrCloseFailed means the work inside WithSession succeeded but the
	// browser could not be shut down. Results produced by the session are valid.
	ErrCloseFailed = errors.New("failed to close session")
)

// renderTimeoutMessage is appended to render timeout errors
const renderTimeoutMessage = "Timed out waiting for charts to load."

// AutomationFault wraps an error raised by the browser backend
type AutomationFault struct {
	Op  string
	Err error
}

func (e *AutomationFault) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AutomationFault) Unwrap() error {
	return e.Err
}

func fault(op string, err error) error {
	if err == nil {
		return nil
	}
	return &AutomationFault{Op: op, Err: err}
}
