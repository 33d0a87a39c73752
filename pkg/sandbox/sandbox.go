// Package sandbox implements the sandbox lifecycle state machine: a pure,
// storage-independent transition validator shared by the control plane's
// API handlers, scheduler tasks, and the inbound status callback.
package sandbox

import (
	"fmt"
	"time"

	"github.com/cuemby/sandboxd/pkg/types"
)

// allowedSuccessors is the sandbox lifecycle transition table: a transition
// is accepted only if the target appears in the source's successor list.
var allowedSuccessors = map[types.SandboxStatus][]types.SandboxStatus{
	types.SandboxRequested:  {types.SandboxCreating, types.SandboxUnhealthy},
	types.SandboxCreating:   {types.SandboxCloning, types.SandboxUnhealthy},
	types.SandboxCloning:    {types.SandboxInstalling, types.SandboxCreating, types.SandboxUnhealthy},
	types.SandboxInstalling: {types.SandboxStarting, types.SandboxUnhealthy},
	types.SandboxStarting:   {types.SandboxReady, types.SandboxUnhealthy},
	types.SandboxReady:      {types.SandboxActive, types.SandboxStopping, types.SandboxUnhealthy},
	types.SandboxActive:     {types.SandboxReady, types.SandboxStopping, types.SandboxUnhealthy},
	types.SandboxStopping:   {types.SandboxDestroying},
	types.SandboxDestroying: {types.SandboxDestroyed, types.SandboxUnhealthy},
	types.SandboxUnhealthy:  {types.SandboxDestroying},
	types.SandboxDestroyed:  {},
}

// phaseOrder defines the monotone ordering of host-originated setup
// callbacks. Callbacks must not regress: an "installing" event received
// after "starting" is a stale, out-of-order event and is rejected.
var phaseOrder = map[types.SandboxStatus]int{
	types.SandboxCreating:   0,
	types.SandboxCloning:    1,
	types.SandboxInstalling: 2,
	types.SandboxStarting:   3,
	types.SandboxReady:      4,
}

// terminalForCallbacks are states in which inbound host callbacks are
// silently ignored rather than evaluated.
var terminalForCallbacks = map[types.SandboxStatus]bool{
	types.SandboxStopping:   true,
	types.SandboxDestroying: true,
	types.SandboxDestroyed:  true,
}

// ErrInvalidTransition is returned when a transition is not in the
// allowed-successor table and is not a recognized no-op.
type ErrInvalidTransition struct {
	From types.SandboxStatus
	To   types.SandboxStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid sandbox transition: %s -> %s", e.From, e.To)
}

// Result describes the outcome of evaluating a requested transition.
type Result struct {
	// Accepted is true when the transition should be applied to the record.
	Accepted bool
	// Ignored is true when the transition is a no-op that must still report
	// success to the caller (duplicate callback, or a callback arriving
	// after the sandbox entered a terminal-for-callbacks state).
	Ignored bool
	// Event is the audit history entry to append when Accepted is true.
	Event types.StatusEvent
}

// Transition evaluates moving a sandbox from current to target. hostOriginated
// distinguishes an inbound status callback, which is subject to the monotone
// phase check, from an internally-driven transition (scheduler, API, pool
// manager), which is checked only against allowedSuccessors.
//
// now is injected so callers can test boundary timing deterministically.
func Transition(current, target types.SandboxStatus, reason string, hostOriginated bool, now time.Time) (Result, error) {
	if terminalForCallbacks[current] && hostOriginated {
		return Result{Ignored: true}, nil
	}

	if target == current {
		// Duplicate callback at the current state: idempotent no-op.
		return Result{Ignored: true}, nil
	}

	if current == types.SandboxDestroyed {
		return Result{}, &ErrInvalidTransition{From: current, To: target}
	}

	if hostOriginated {
		curOrder, curHasOrder := phaseOrder[current]
		tgtOrder, tgtHasOrder := phaseOrder[target]
		if curHasOrder && tgtHasOrder {
			if tgtOrder <= curOrder {
				// Stale event: an earlier setup phase arriving late.
				return Result{Ignored: true}, nil
			}
			return Result{
				Accepted: true,
				Event:    types.StatusEvent{Status: target, Timestamp: now, Reason: reason},
			}, nil
		}
		// A host callback reporting failure (target == unhealthy) is
		// always allowed regardless of phase position.
		if target == types.SandboxUnhealthy {
			if !successorAllowed(current, target) {
				return Result{}, &ErrInvalidTransition{From: current, To: target}
			}
			return Result{
				Accepted: true,
				Event:    types.StatusEvent{Status: target, Timestamp: now, Reason: reason},
			}, nil
		}
	}

	if !successorAllowed(current, target) {
		return Result{}, &ErrInvalidTransition{From: current, To: target}
	}

	return Result{
		Accepted: true,
		Event:    types.StatusEvent{Status: target, Timestamp: now, Reason: reason},
	}, nil
}

func successorAllowed(current, target types.SandboxStatus) bool {
	for _, s := range allowedSuccessors[current] {
		if s == target {
			return true
		}
	}
	return false
}

// Apply mutates sandbox in place according to result, appending the audit
// history entry and updating StatusChangedAt. It is the caller's
// responsibility to have obtained result from Transition first and to
// persist the mutated record transactionally.
func Apply(s *types.Sandbox, result Result) {
	if !result.Accepted {
		return
	}
	s.Status = result.Event.Status
	s.StatusChangedAt = result.Event.Timestamp
	s.History = append(s.History, result.Event)
	if s.Status == types.SandboxDestroyed {
		s.DestroyedAt = result.Event.Timestamp
	}
}
