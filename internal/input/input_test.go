package input

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obr/internal/session"
)

func TestClassify(t *testing.T) {
	longPress := time.Second
	hold := 2 * time.Second

	tests := []struct {
		name  string
		press time.Duration
		want  session.EventKind
		ok    bool
	}{
		{"bounce", 10 * time.Millisecond, 0, false},
		{"just above debounce", 60 * time.Millisecond, session.PressShort, true},
		{"short", 500 * time.Millisecond, session.PressShort, true},
		{"long boundary", time.Second, session.PressLong, true},
		{"long", 1500 * time.Millisecond, session.PressLong, true},
		{"hold boundary", 2 * time.Second, session.PressHold, true},
		{"very long hold", 10 * time.Second, session.PressHold, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := Classify(tt.press, longPress, hold)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, kind)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want session.Event
	}{
		{"short", session.Event{Kind: session.PressShort}},
		{"next", session.Event{Kind: session.PressShort}},
		{"long", session.Event{Kind: session.PressLong}},
		{"select", session.Event{Kind: session.PressLong}},
		{"hold", session.Event{Kind: session.PressHold}},
		{"cancel", session.Event{Kind: session.PressHold}},
		{"exit", session.Event{Kind: session.PressHold}},
		{"yes", session.Event{Kind: session.PressLong}},
		{"confirm", session.Event{Kind: session.PressLong}},
		{"no", session.Event{Kind: session.PressShort}},
		{"status", session.Event{Kind: session.Command, Action: session.ActionStatus}},
		{"check", session.Event{Kind: session.Command, Action: session.ActionCheck}},
		{"backup", session.Event{Kind: session.Command, Action: session.ActionBackup}},
		{"restore", session.Event{Kind: session.Command, Action: session.ActionRestore}},
		{"clearflags", session.Event{Kind: session.Command, Action: session.ActionClearFlags}},
		{"emergency", session.Event{Kind: session.Command, Action: session.ActionEmergency}},
		{"reboot", session.Event{Kind: session.Command, Action: session.ActionReboot}},
		{"  STATUS  ", session.Event{Kind: session.Command, Action: session.ActionStatus}},
		{"webrecovery https://example.net/f.zip", session.Event{
			Kind: session.Command, Action: session.ActionWebRecovery, Arg: "https://example.net/f.zip"}},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.line), func(t *testing.T) {
			ev, err := ParseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
		})
	}
}

func TestParseCommandRejectsUnknown(t *testing.T) {
	_, err := ParseCommand("frobnicate")
	assert.Error(t, err)
	_, err = ParseCommand("   ")
	assert.Error(t, err)
}

func TestSerialSourceYieldsEvents(t *testing.T) {
	src := NewSerialSource(strings.NewReader("status\ncheck\n"), nil)
	ctx := context.Background()

	ev, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.ActionStatus, ev.Action)

	ev, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.ActionCheck, ev.Action)

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSerialSourceReportsParseErrorsAndContinues(t *testing.T) {
	var out bytes.Buffer
	src := NewSerialSource(strings.NewReader("bogus\n\nstatus\n"), &out)

	ev, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.ActionStatus, ev.Action)
	assert.Contains(t, out.String(), "unknown command")
}

func TestSerialSourceHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := NewSerialSource(blockedReader{}, nil)
	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type blockedReader struct{}

func (blockedReader) Read(p []byte) (int, error) {
	select {}
}

// fakeButton replays a press of fixed duration starting at the first
// sample.
type fakeButton struct {
	mu       sync.Mutex
	pressAt  time.Time
	duration time.Duration
}

func (b *fakeButton) Pressed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pressAt.IsZero() {
		b.pressAt = time.Now()
		return true
	}
	return time.Since(b.pressAt) < b.duration
}

func TestButtonSourceClassifiesPress(t *testing.T) {
	btn := &fakeButton{duration: 80 * time.Millisecond}
	src := NewButtonSource(btn, time.Millisecond, 200*time.Millisecond, 400*time.Millisecond)

	ev, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.PressShort, ev.Kind)
}

func TestButtonSourceHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	btn := &fakeButton{duration: 0} // never pressed after the first sample
	btn.pressAt = time.Now().Add(-time.Hour)
	src := NewButtonSource(btn, time.Millisecond, 200*time.Millisecond, 400*time.Millisecond)

	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
