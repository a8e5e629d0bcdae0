package external

import "fmt"

// ToolkitUnavailableError means the toolkit process could not be started,
// exited with an error, or printed nothing.
type ToolkitUnavailableError struct {
	Script string
	Stderr string
	Err    error
}

func (e *ToolkitUnavailableError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("toolkit %s unavailable: %v", e.Script, e.Err)
	}
	return fmt.Sprintf("toolkit %s unavailable: %v: %s", e.Script, e.Err, e.Stderr)
}

func (e *ToolkitUnavailableError) Unwrap() error {
	return e.Err
}

func (e *ToolkitUnavailableError) Is(err error) bool {
	_, ok := err.(*ToolkitUnavailableError)
	return ok
}

// ToolkitProtocolError means the toolkit answered, but not with the expected JSON.
type ToolkitProtocolError struct {
	Script string
	Msg    string
}

func (e *ToolkitProtocolError) Error() string {
	return fmt.Sprintf("toolkit %s protocol error: %s", e.Script, e.Msg)
}

func (e *ToolkitProtocolError) Is(err error) bool {
	_, ok := err.(*ToolkitProtocolError)
	return ok
}
