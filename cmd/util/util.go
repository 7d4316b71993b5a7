package util

import (
	"fmt"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/tandem-dev/tandem/pkg/errors"
)

// HandleFatalError prints the friendliest available form of the error and
// exits. Commands call it instead of returning errors up through cobra so
// that usage text isn't printed for runtime failures.
func HandleFatalError(err error) {
	fmt.Fprintln(os.Stderr, errors.GetPrintableMessage(err))
	os.Exit(1)
}

// HandlePanic recovers from a panic, logs the stack, and exits non-zero. It
// should be deferred at the top of main.
func HandlePanic() {
	r := recover()
	if r == nil {
		return
	}

	log.WithField("stack", string(debug.Stack())).
		Errorf("Unexpected fatal error: %v", r)
	os.Exit(1)
}
