package core

import "fmt"

// BootError is a failed boot attempt. It is reported and the menu resumes;
// only when no interaction is possible does it end the pipeline.
type BootError struct {
	Entry string
	Err   error
}

func (e *BootError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("boot failed: %v", e.Err)
	}
	return fmt.Sprintf("booting %q failed: %v", e.Entry, e.Err)
}

func (e *BootError) Unwrap() error { return e.Err }

// InternalError is a violated invariant of the loader itself. It halts the
// pipeline; there is no state left worth resuming to.
type InternalError struct {
	Msg string
	Err error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return "internal error: " + e.Msg
	}
	return fmt.Sprintf("internal error: %s: %v", e.Msg, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }
