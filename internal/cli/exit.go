package cli

import (
	"errors"

	"github.com/example/pipectl/internal/app"
	"github.com/example/pipectl/internal/core/phase"
	"github.com/example/pipectl/internal/ports/secondary"
)

// Process exit codes. Callers scripting against pipectl branch on these.
const (
	ExitError           = 1
	ExitNotFound        = 2
	ExitIllegal         = 3
	ExitVersionConflict = 4
)

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, secondary.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, phase.ErrIllegalTransition),
		errors.Is(err, phase.ErrTerminalPhase),
		errors.Is(err, phase.ErrUnknownPhase):
		return ExitIllegal
	case errors.Is(err, app.ErrTooManyConflicts):
		return ExitVersionConflict
	default:
		return ExitError
	}
}
