package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// Executor carries out one recovery action and returns the status
// lines to display. cancelled is the cooperative cancellation check
// long-running actions poll between I/O chunks.
type Executor interface {
	Execute(ctx context.Context, a Action, arg string, cancelled func() bool) ([]string, error)
}

// Surface receives rendered output. Implementations duplicate it to
// the display and the serial channel; serial is the guaranteed
// fallback, never display-only.
type Surface interface {
	Render(lines []string)
}

// EventSource yields input events. Next blocks until an event is
// available or the context is done; io.EOF ends the session.
type EventSource interface {
	Next(ctx context.Context) (Event, error)
}

type loop struct {
	sess    *Session
	exec    Executor
	surface Surface
	events  chan Event
	srcErr  chan error
}

type execResult struct {
	lines []string
	err   error
}

// Run owns the session and drives the control loop: one event in, all
// resulting effects carried out, before the next event is read. The
// source is pumped on its own goroutine so input still reaches the
// machine while an action executes; such input requests cooperative
// cancellation, which the running action observes at its next poll.
func Run(ctx context.Context, sess *Session, src EventSource, exec Executor, surface Surface) error {
	l := &loop{
		sess:    sess,
		exec:    exec,
		surface: surface,
		events:  make(chan Event),
		srcErr:  make(chan error, 1),
	}

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go func() {
		for {
			ev, err := src.Next(pumpCtx)
			if err != nil {
				l.srcErr <- err
				return
			}
			select {
			case l.events <- ev:
			case <-pumpCtx.Done():
				return
			}
		}
	}()

	for {
		if sess.State == Exiting {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-l.srcErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		case ev := <-l.events:
			if done, err := l.apply(ctx, ev); err != nil {
				return err
			} else if done {
				return nil
			}
		}
	}
}

func (l *loop) apply(ctx context.Context, ev Event) (done bool, err error) {
	effects, err := l.sess.Step(ev)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			slog.Warn("Ignoring input", "state", l.sess.State.String(), "error", err)
			return false, nil
		}
		return false, err
	}
	return l.runEffects(ctx, effects)
}

func (l *loop) runEffects(ctx context.Context, effects []Effect) (bool, error) {
	for _, fx := range effects {
		switch fx.Kind {
		case RenderMenu, RenderConfirm, RenderStatus:
			l.surface.Render(fx.Lines)

		case Execute:
			slog.Info("Executing action", "action", fx.Action.String())
			res := l.executeWatching(ctx, fx)
			var after []Effect
			if res.err != nil {
				slog.Error("Action failed", "action", fx.Action.String(), "error", res.err)
				after = l.sess.Fail(append([]string{fx.Action.String() + " failed"}, res.err.Error()))
			} else {
				after = l.sess.Finish(res.lines)
			}
			if done, err := l.runEffects(ctx, after); done || err != nil {
				return done, err
			}
			if fx.Action == ActionReboot && res.err == nil {
				l.sess.State = Exiting
				return true, nil
			}

		case Exit:
			l.sess.State = Exiting
			return true, nil
		}
	}
	return false, nil
}

// executeWatching runs the action on a worker goroutine and keeps
// consuming input meanwhile. An event arriving mid-execution goes
// through Step, which in ExecutingAction only sets the cancel flag
// the action polls. The session stays owned by this goroutine.
func (l *loop) executeWatching(ctx context.Context, fx Effect) execResult {
	res := make(chan execResult, 1)
	go func() {
		lines, err := l.exec.Execute(ctx, fx.Action, fx.Arg, l.sess.Cancelled)
		res <- execResult{lines: lines, err: err}
	}()

	for {
		select {
		case r := <-res:
			return r
		case ev := <-l.events:
			if _, err := l.sess.Step(ev); err != nil {
				slog.Warn("Ignoring input", "state", l.sess.State.String(), "error", err)
			}
		case <-ctx.Done():
			l.sess.RequestCancel()
			return <-res
		}
	}
}
