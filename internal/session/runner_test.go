package session

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedSource delivers events as the test hands them over, so each
// event arrives exactly when the test means it to. Closing the channel
// ends the session like a serial EOF.
type feedSource struct {
	ch chan Event
}

func newFeedSource() *feedSource {
	return &feedSource{ch: make(chan Event)}
}

func (f *feedSource) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-f.ch:
		if !ok {
			return Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

type recordingExecutor struct {
	executed []Action
	lines    []string
	err      error
}

func (e *recordingExecutor) Execute(ctx context.Context, a Action, arg string, cancelled func() bool) ([]string, error) {
	e.executed = append(e.executed, a)
	if e.err != nil {
		return nil, e.err
	}
	return e.lines, nil
}

// frameSurface exposes rendered frames on a channel so tests can wait
// for the loop to catch up before feeding the next event.
type frameSurface struct {
	frames chan []string
}

func newFrameSurface() *frameSurface {
	return &frameSurface{frames: make(chan []string, 64)}
}

func (s *frameSurface) Render(lines []string) {
	s.frames <- lines
}

func awaitFrame(t *testing.T, s *frameSurface) []string {
	t.Helper()
	select {
	case frame := <-s.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame rendered")
		return nil
	}
}

func startRun(sess *Session, src EventSource, exec Executor, surface Surface) chan error {
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), sess, src, exec, surface)
	}()
	return done
}

func awaitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func TestRunExecutesSelectedAction(t *testing.T) {
	src := newFeedSource()
	exec := &recordingExecutor{lines: []string{"all good"}}
	surface := newFrameSurface()

	sess := New(SourceButton)
	done := startRun(sess, src, exec, surface)

	src.ch <- Event{Kind: PressShort} // wake
	awaitFrame(t, surface)            // menu

	src.ch <- Event{Kind: PressLong} // activate filesystem check
	assert.Contains(t, awaitFrame(t, surface), "all good")

	src.ch <- Event{Kind: PressHold} // exit from status view
	require.NoError(t, awaitDone(t, done))

	assert.Equal(t, []Action{ActionCheck}, exec.executed)
	assert.Equal(t, Exiting, sess.State)
}

func TestRunEndsOnEOF(t *testing.T) {
	src := newFeedSource()
	close(src.ch)

	sess := New(SourceSerial)
	err := Run(context.Background(), sess, src, &recordingExecutor{}, newFrameSurface())
	assert.NoError(t, err)
}

func TestRunDestructiveCommandWaitsForConfirmation(t *testing.T) {
	src := newFeedSource()
	exec := &recordingExecutor{lines: []string{"flags cleared"}}
	surface := newFrameSurface()

	sess := New(SourceSerial)
	done := startRun(sess, src, exec, surface)

	src.ch <- Event{Kind: Command, Action: ActionClearFlags}
	frame := awaitFrame(t, surface)
	assert.Contains(t, frame[0], "clear flags")
	assert.Empty(t, exec.executed)

	src.ch <- Event{Kind: PressLong} // the typed yes
	assert.Contains(t, awaitFrame(t, surface), "flags cleared")

	close(src.ch)
	require.NoError(t, awaitDone(t, done))
	assert.Equal(t, []Action{ActionClearFlags}, exec.executed)
}

func TestRunDeclinedConfirmationExecutesNothing(t *testing.T) {
	src := newFeedSource()
	exec := &recordingExecutor{}
	surface := newFrameSurface()

	sess := New(SourceSerial)
	done := startRun(sess, src, exec, surface)

	src.ch <- Event{Kind: Command, Action: ActionRestore}
	awaitFrame(t, surface) // confirm prompt

	src.ch <- Event{Kind: PressShort} // the typed no
	awaitFrame(t, surface)            // back to the menu

	close(src.ch)
	require.NoError(t, awaitDone(t, done))
	assert.Empty(t, exec.executed)
}

// pollingExecutor spins on the cancellation flag the way a chunked
// copy does, failing if it never flips.
type pollingExecutor struct{}

func (pollingExecutor) Execute(ctx context.Context, a Action, arg string, cancelled func() bool) ([]string, error) {
	deadline := time.After(2 * time.Second)
	for {
		if cancelled() {
			return []string{"stopped by operator"}, nil
		}
		select {
		case <-deadline:
			return nil, errors.New("cancellation never observed")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestRunInputCancelsExecutingAction(t *testing.T) {
	src := newFeedSource()
	surface := newFrameSurface()

	sess := New(SourceButton)
	done := startRun(sess, src, pollingExecutor{}, surface)

	src.ch <- Event{Kind: Command, Action: ActionCheck}
	src.ch <- Event{Kind: PressShort} // arrives mid-execution

	assert.Contains(t, awaitFrame(t, surface), "stopped by operator")
	close(src.ch)
	require.NoError(t, awaitDone(t, done))
	assert.Equal(t, StatusView, sess.State)
}

func TestRunFailureRendersErrorAndContinues(t *testing.T) {
	src := newFeedSource()
	exec := &recordingExecutor{err: errors.New("disk full")}
	surface := newFrameSurface()

	sess := New(SourceSerial)
	done := startRun(sess, src, exec, surface)

	src.ch <- Event{Kind: Command, Action: ActionBackup}
	assert.Contains(t, awaitFrame(t, surface), "disk full")

	src.ch <- Event{Kind: PressShort} // back to menu from error view
	awaitFrame(t, surface)

	src.ch <- Event{Kind: PressHold} // exit
	require.NoError(t, awaitDone(t, done))
	assert.Equal(t, Exiting, sess.State)
}

func TestRunRebootEndsSession(t *testing.T) {
	src := newFeedSource()
	exec := &recordingExecutor{lines: []string{"rebooting"}}
	surface := newFrameSurface()

	sess := New(SourceSerial)
	done := startRun(sess, src, exec, surface)

	src.ch <- Event{Kind: Command, Action: ActionReboot}
	require.NoError(t, awaitDone(t, done))

	assert.Equal(t, []Action{ActionReboot}, exec.executed)
	assert.Equal(t, Exiting, sess.State)
}

func TestRunIgnoresInvalidTransitions(t *testing.T) {
	src := newFeedSource()
	surface := newFrameSurface()

	sess := New(SourceSerial)
	done := startRun(sess, src, &recordingExecutor{}, surface)

	src.ch <- Event{Kind: Command, Action: ActionNone} // invalid: empty command
	src.ch <- Event{Kind: PressShort}
	awaitFrame(t, surface) // menu

	src.ch <- Event{Kind: PressHold}
	require.NoError(t, awaitDone(t, done))
	assert.Equal(t, Exiting, sess.State)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blocked := &blockingSource{}
	sess := New(SourceButton)
	err := Run(ctx, sess, blocked, &recordingExecutor{}, newFrameSurface())
	assert.ErrorIs(t, err, context.Canceled)
}

type blockingSource struct{}

func (b *blockingSource) Next(ctx context.Context) (Event, error) {
	<-ctx.Done()
	return Event{}, ctx.Err()
}
