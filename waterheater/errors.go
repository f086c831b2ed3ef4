package waterheater

import (
	"errors"
	"fmt"

	"github.com/andig/aquanta/aquanta"
)

// RemoteRejected indicates the portal refused the final settings update
type RemoteRejected struct {
	StatusCode int
	Body       string
}

func (e *RemoteRejected) Error() string {
	return fmt.Sprintf("rejected with status %d: %s", e.StatusCode, e.Body)
}

// CommandFailed wraps network, parsing and any other unexpected failures
type CommandFailed struct {
	Err error
}

func (e *CommandFailed) Error() string {
	return fmt.Sprintf("command failed: %v", e.Err)
}

func (e *CommandFailed) Unwrap() error {
	return e.Err
}

// commandError keeps authentication errors and wraps everything else
func commandError(err error) error {
	var authErr *aquanta.AuthError
	if errors.As(err, &authErr) {
		return err
	}
	return &CommandFailed{Err: err}
}
