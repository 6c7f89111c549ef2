// Command voicectl is a terminal client for the voice console: place a call
// through the room bridge, browse archived sessions, probe the agent worker.
package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes for different failure modes
const (
	ExitSuccess       = 0 // Session completed
	ExitSessionFailed = 1 // The agent never became available, or is unhealthy
	ExitError         = 2 // Configuration or runtime error
)

// SessionFailureError reports a session that ran but did not succeed.
type SessionFailureError struct {
	Message string
}

func (e *SessionFailureError) Error() string {
	return e.Message
}

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		var failure *SessionFailureError
		if errors.As(err, &failure) {
			os.Exit(ExitSessionFailed)
		}
		os.Exit(ExitError)
	}
}
