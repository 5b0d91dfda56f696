// Package phase contains the pure workflow-graph logic: the finite phase
// set, the directed edge graph of allowed transitions, and the per-edge
// computation of external tag effects. No I/O happens here.
package phase

import (
	"errors"
	"fmt"
)

// Phase is a named state in the finite workflow graph.
type Phase string

// The declared phase set. No entity is ever persisted outside it.
const (
	Queued          Phase = "queued"
	Intake          Phase = "intake"
	NeedsSupplement Phase = "needs_supplement"
	SpecCreated     Phase = "spec_created"
	Planning        Phase = "planning"
	PlanReview      Phase = "plan_review"
	PlanApproved    Phase = "plan_approved"
	TasksApproved   Phase = "tasks_approved"
	Implementing    Phase = "implementing"
	QA              Phase = "qa"
	PR              Phase = "pr"
	Complete        Phase = "complete"
	Failed          Phase = "failed"
)

// Initial is the phase every entity is created in.
const Initial = Queued

var (
	// ErrUnknownPhase is returned when a requested phase is not a member
	// of the declared phase set.
	ErrUnknownPhase = errors.New("unknown phase")

	// ErrIllegalTransition is returned when no edge exists between two
	// declared phases.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrTerminalPhase is returned for any transition attempted out of a
	// terminal phase.
	ErrTerminalPhase = errors.New("terminal phase")
)

// Parse validates a phase name against the declared set.
func Parse(s string) (Phase, error) {
	p := Phase(s)
	if !Default.Declared(p) {
		return "", fmt.Errorf("%w: %q (valid: %v)", ErrUnknownPhase, s, Default.Phases())
	}
	return p, nil
}
