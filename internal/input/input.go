// Package input turns raw button timing and serial console text into
// recovery session events. Serial commands map onto the same events as
// button gestures, so headless operation is fully equivalent.
package input

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"obr/internal/session"
)

// Classify maps a press duration onto the three gestures. Durations
// below the debounce floor are noise and yield ok=false.
func Classify(press, longPress, hold time.Duration) (session.EventKind, bool) {
	const debounce = 50 * time.Millisecond
	switch {
	case press >= hold:
		return session.PressHold, true
	case press >= longPress:
		return session.PressLong, true
	case press >= debounce:
		return session.PressShort, true
	default:
		return 0, false
	}
}

// ParseCommand maps one serial console line onto a session event.
// Gesture words (short, long, hold) are accepted alongside the command
// set so a serial operator can drive the menu exactly like the button.
// Destructive commands wait for a typed "yes"; the confirmation words
// map onto the same press events the button produces, so confirmation
// takes one deliberate input on either surface.
func ParseCommand(line string) (session.Event, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(line)))
	if len(fields) == 0 {
		return session.Event{}, fmt.Errorf("empty command")
	}

	switch fields[0] {
	case "short", "next", "no":
		return session.Event{Kind: session.PressShort}, nil
	case "long", "select", "yes", "confirm":
		return session.Event{Kind: session.PressLong}, nil
	case "hold", "cancel":
		return session.Event{Kind: session.PressHold}, nil
	case "status":
		return session.Event{Kind: session.Command, Action: session.ActionStatus}, nil
	case "check":
		return session.Event{Kind: session.Command, Action: session.ActionCheck}, nil
	case "backup":
		return session.Event{Kind: session.Command, Action: session.ActionBackup}, nil
	case "restore":
		return session.Event{Kind: session.Command, Action: session.ActionRestore}, nil
	case "webrecovery":
		ev := session.Event{Kind: session.Command, Action: session.ActionWebRecovery}
		if len(fields) > 1 {
			ev.Arg = fields[1]
		}
		return ev, nil
	case "clearflags":
		return session.Event{Kind: session.Command, Action: session.ActionClearFlags}, nil
	case "emergency":
		return session.Event{Kind: session.Command, Action: session.ActionEmergency}, nil
	case "reboot":
		return session.Event{Kind: session.Command, Action: session.ActionReboot}, nil
	case "exit":
		return session.Event{Kind: session.PressHold}, nil
	default:
		return session.Event{}, fmt.Errorf("unknown command: %s", fields[0])
	}
}

// SerialSource reads console commands line by line.
type SerialSource struct {
	lines chan string
	errs  chan error
	out   io.Writer
}

// NewSerialSource starts reading r. Parse errors are reported on out
// (when non-nil) rather than ending the session.
func NewSerialSource(r io.Reader, out io.Writer) *SerialSource {
	s := &SerialSource{
		lines: make(chan string),
		errs:  make(chan error, 1),
		out:   out,
	}
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			s.lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			s.errs <- err
		} else {
			s.errs <- io.EOF
		}
		close(s.lines)
	}()
	return s
}

func (s *SerialSource) Next(ctx context.Context) (session.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return session.Event{}, ctx.Err()
		case line, ok := <-s.lines:
			if !ok {
				return session.Event{}, <-s.errs
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			ev, err := ParseCommand(line)
			if err != nil {
				if s.out != nil {
					fmt.Fprintf(s.out, "? %v\n", err)
				}
				continue
			}
			return ev, nil
		}
	}
}

// Button is the hardware sampling surface: true while pressed.
type Button interface {
	Pressed() bool
}

// ButtonSource polls a button and classifies press durations.
type ButtonSource struct {
	button    Button
	poll      time.Duration
	longPress time.Duration
	hold      time.Duration
}

func NewButtonSource(b Button, poll, longPress, hold time.Duration) *ButtonSource {
	return &ButtonSource{button: b, poll: poll, longPress: longPress, hold: hold}
}

// Next blocks until a complete press-release cycle classifies as a
// gesture. The wait is cooperative: it sleeps one poll interval per
// iteration and honors context cancellation.
func (b *ButtonSource) Next(ctx context.Context) (session.Event, error) {
	for {
		// Wait for press.
		for !b.button.Pressed() {
			select {
			case <-ctx.Done():
				return session.Event{}, ctx.Err()
			case <-time.After(b.poll):
			}
		}

		start := time.Now()
		for b.button.Pressed() {
			select {
			case <-ctx.Done():
				return session.Event{}, ctx.Err()
			case <-time.After(b.poll):
			}
		}

		kind, ok := Classify(time.Since(start), b.longPress, b.hold)
		if !ok {
			continue
		}
		return session.Event{Kind: kind}, nil
	}
}
