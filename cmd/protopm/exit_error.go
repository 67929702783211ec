// SPDX-License-Identifier: MPL-2.0

package cmd

import "strconv"

// ExitError carries the process exit code of a command whose error has
// already been shown to the user.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return "exit status " + strconv.Itoa(e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }
