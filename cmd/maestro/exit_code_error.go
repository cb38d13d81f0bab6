package main

// ExitCodeError carries the exit code for outcomes scripts need to tell
// apart: a task that ran but did not succeed exits 1, one interrupted by a
// signal exits 130.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
