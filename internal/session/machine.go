// Package session drives the one-button recovery control flow as an
// explicit finite-state machine: states times events yield the next
// state plus a list of effects for the caller to carry out. The
// session value has exactly one owner, the control loop; only the
// cancellation flag is shared with an executing action, so it alone
// is atomic.
package session

import (
	"errors"
	"fmt"
	"sync/atomic"
)

type State int

const (
	Idle State = iota
	MainMenu
	ConfirmAction
	ExecutingAction
	StatusView
	ErrorView
	Exiting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case MainMenu:
		return "main-menu"
	case ConfirmAction:
		return "confirm-action"
	case ExecutingAction:
		return "executing-action"
	case StatusView:
		return "status-view"
	case ErrorView:
		return "error"
	case Exiting:
		return "exiting"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	// PressShort advances the selection.
	PressShort EventKind = iota
	// PressLong activates the selection or confirms a pending action.
	PressLong
	// PressHold cancels a confirmation, or force-exits from any other
	// state. It is the only gesture that leaves the session.
	PressHold
	// Command carries one serial console command. Headless operation
	// drives the same transition table as the button.
	Command
)

type Action int

const (
	ActionNone Action = iota
	ActionCheck
	ActionRestore
	ActionBackup
	ActionWebRecovery
	ActionStatus
	ActionClearFlags
	ActionFactoryReset
	ActionEmergency
	ActionReboot
)

func (a Action) String() string {
	switch a {
	case ActionCheck:
		return "filesystem check"
	case ActionRestore:
		return "restore system"
	case ActionBackup:
		return "backup system"
	case ActionWebRecovery:
		return "web recovery"
	case ActionStatus:
		return "system status"
	case ActionClearFlags:
		return "clear flags"
	case ActionFactoryReset:
		return "factory reset"
	case ActionEmergency:
		return "emergency repair"
	case ActionReboot:
		return "reboot"
	default:
		return "none"
	}
}

// Destructive actions may only run after an observed confirming
// long-press in ConfirmAction. A single button affords no safe
// direct-activation gesture for them.
func (a Action) Destructive() bool {
	switch a {
	case ActionRestore, ActionWebRecovery, ActionClearFlags, ActionFactoryReset, ActionEmergency:
		return true
	}
	return false
}

// confirmsFor returns how many confirming inputs an action needs.
// Factory reset erases everything, so it is confirmed twice, matching
// the two-step warning on the device display.
func confirmsFor(a Action) int {
	if a == ActionFactoryReset {
		return 2
	}
	return 1
}

type Event struct {
	Kind   EventKind
	Action Action // set for Command events
	Arg    string // webrecovery URL override
}

type MenuItem struct {
	Label  string
	Action Action
}

// Menu is the fixed recovery menu, in display order.
var Menu = []MenuItem{
	{"File System Check", ActionCheck},
	{"Restore System", ActionRestore},
	{"Backup System", ActionBackup},
	{"Web Recovery", ActionWebRecovery},
	{"System Status", ActionStatus},
	{"Clear All Flags", ActionClearFlags},
	{"Factory Reset", ActionFactoryReset},
	{"Emergency Repair", ActionEmergency},
	{"Reboot Normal", ActionReboot},
}

type EffectKind int

const (
	// RenderMenu redraws the menu with the current selection.
	RenderMenu EffectKind = iota
	// RenderConfirm shows the confirmation prompt for PendingAction.
	RenderConfirm
	// RenderStatus shows the session's status lines.
	RenderStatus
	// Execute runs PendingAction; the loop reports back via Finish or
	// Fail before processing the next input event.
	Execute
	// Exit ends the session.
	Exit
)

type Effect struct {
	Kind   EffectKind
	Action Action
	Arg    string
	Lines  []string
}

// ErrInvalidTransition reports an event that has no meaning in the
// current state.
var ErrInvalidTransition = errors.New("invalid state transition")

type InputSource int

const (
	SourceButton InputSource = iota
	SourceSerial
)

// Session is the mutable recovery-mode state. Created on entering
// recovery mode, destroyed on reboot or exit.
type Session struct {
	State         State
	Selected      int
	PendingAction Action
	PendingArg    string
	Confirmed     bool
	Source        InputSource

	statusLines  []string
	confirmsLeft int
	cancel       atomic.Bool
}

func New(source InputSource) *Session {
	return &Session{State: Idle, Source: source}
}

// RequestCancel flags a running action for cooperative cancellation.
// Long I/O polls Cancelled between chunks, possibly from the goroutine
// the loop runs the action on.
func (s *Session) RequestCancel() { s.cancel.Store(true) }

func (s *Session) Cancelled() bool { return s.cancel.Load() }

// Finish records a successful action result and moves to StatusView.
func (s *Session) Finish(lines []string) []Effect {
	s.statusLines = lines
	s.PendingAction = ActionNone
	s.Confirmed = false
	s.cancel.Store(false)
	s.State = StatusView
	return []Effect{{Kind: RenderStatus, Lines: lines}}
}

// Fail records a failed action result and moves to ErrorView.
func (s *Session) Fail(lines []string) []Effect {
	s.statusLines = lines
	s.PendingAction = ActionNone
	s.Confirmed = false
	s.cancel.Store(false)
	s.State = ErrorView
	return []Effect{{Kind: RenderStatus, Lines: lines}}
}

// Step applies one input event and returns the effects the control
// loop must carry out before the next event is processed.
func (s *Session) Step(ev Event) ([]Effect, error) {
	switch s.State {
	case Idle:
		return s.stepIdle(ev)
	case MainMenu:
		return s.stepMainMenu(ev)
	case ConfirmAction:
		return s.stepConfirm(ev)
	case ExecutingAction:
		return s.stepExecuting(ev)
	case StatusView, ErrorView:
		return s.stepStatus(ev)
	case Exiting:
		return nil, fmt.Errorf("%w: session already exiting", ErrInvalidTransition)
	default:
		return nil, fmt.Errorf("%w: unknown state %d", ErrInvalidTransition, s.State)
	}
}

func (s *Session) stepIdle(ev Event) ([]Effect, error) {
	if ev.Kind == PressHold {
		s.State = Exiting
		return []Effect{{Kind: Exit}}, nil
	}
	s.State = MainMenu
	if ev.Kind == Command {
		return s.command(ev)
	}
	return []Effect{s.renderMenu()}, nil
}

func (s *Session) stepMainMenu(ev Event) ([]Effect, error) {
	switch ev.Kind {
	case PressShort:
		s.Selected = (s.Selected + 1) % len(Menu)
		return []Effect{s.renderMenu()}, nil
	case PressLong:
		return s.activate(Menu[s.Selected].Action, "")
	case PressHold:
		s.State = Exiting
		return []Effect{{Kind: Exit}}, nil
	case Command:
		return s.command(ev)
	}
	return nil, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, "event", s.State)
}

func (s *Session) stepConfirm(ev Event) ([]Effect, error) {
	switch ev.Kind {
	case PressLong:
		// The confirming press: the only path into a destructive
		// execution. Factory reset asks a second time.
		s.confirmsLeft--
		if s.confirmsLeft > 0 {
			return []Effect{{Kind: RenderConfirm, Action: s.PendingAction, Lines: s.confirmPrompt(s.PendingAction)}}, nil
		}
		s.Confirmed = true
		s.State = ExecutingAction
		return []Effect{{Kind: Execute, Action: s.PendingAction, Arg: s.PendingArg}}, nil
	case PressShort, PressHold:
		s.PendingAction = ActionNone
		s.PendingArg = ""
		s.confirmsLeft = 0
		s.State = MainMenu
		return []Effect{s.renderMenu()}, nil
	case Command:
		return nil, fmt.Errorf("%w: command while awaiting confirmation", ErrInvalidTransition)
	}
	return nil, fmt.Errorf("%w: event in %s", ErrInvalidTransition, s.State)
}

func (s *Session) stepExecuting(ev Event) ([]Effect, error) {
	// Any input during an execution only requests cancellation; the
	// running action observes it at its next poll.
	s.RequestCancel()
	return nil, nil
}

func (s *Session) stepStatus(ev Event) ([]Effect, error) {
	if ev.Kind == PressHold {
		s.State = Exiting
		return []Effect{{Kind: Exit}}, nil
	}
	s.State = MainMenu
	if ev.Kind == Command {
		return s.command(ev)
	}
	return []Effect{s.renderMenu()}, nil
}

func (s *Session) activate(a Action, arg string) ([]Effect, error) {
	s.PendingAction = a
	s.PendingArg = arg
	if a.Destructive() {
		s.Confirmed = false
		s.confirmsLeft = confirmsFor(a)
		s.State = ConfirmAction
		return []Effect{{Kind: RenderConfirm, Action: a, Lines: s.confirmPrompt(a)}}, nil
	}
	s.State = ExecutingAction
	return []Effect{{Kind: Execute, Action: a, Arg: arg}}, nil
}

func (s *Session) command(ev Event) ([]Effect, error) {
	if ev.Action == ActionNone {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidTransition)
	}
	// Align the visible selection with the commanded action so the
	// display mirrors serial operation. A typed destructive command
	// still waits in ConfirmAction for an explicit yes, so serial and
	// button operation need the same number of inputs.
	for i, item := range Menu {
		if item.Action == ev.Action {
			s.Selected = i
			break
		}
	}
	return s.activate(ev.Action, ev.Arg)
}

func (s *Session) renderMenu() Effect {
	lines := make([]string, 0, len(Menu)+1)
	lines = append(lines, "RECOVERY MODE")
	for i, item := range Menu {
		prefix := "  "
		if i == s.Selected {
			prefix = "> "
		}
		lines = append(lines, prefix+item.Label)
	}
	return Effect{Kind: RenderMenu, Lines: lines}
}

func (s *Session) confirmPrompt(a Action) []string {
	lines := []string{fmt.Sprintf("Confirm: %s?", a)}
	switch a {
	case ActionFactoryReset:
		if s.confirmsLeft < confirmsFor(a) {
			lines = append(lines, "LAST WARNING: this cannot be undone")
		} else {
			lines = append(lines, "WARNING: erases all user data and settings")
		}
	case ActionRestore, ActionWebRecovery:
		lines = append(lines, "WARNING: overwrites system files")
	case ActionClearFlags:
		lines = append(lines, "WARNING: resets all persistent flags")
	case ActionEmergency:
		lines = append(lines, "WARNING: writes placeholder boot files")
	}
	if s.Source == SourceSerial {
		lines = append(lines, "Type yes to confirm, no to cancel")
	} else {
		lines = append(lines, "Long: confirm   Short: cancel")
	}
	return lines
}
