// Package status fans result reporting out to the display surface and
// the serial channel. Serial is the guaranteed fallback: a device with
// a dead display must still report every outcome.
package status

import (
	"fmt"
	"io"
	"strings"
)

// Display is the graphical surface. The boot menu owns its styling;
// recovery only hands over plain lines.
type Display interface {
	Show(lines []string)
}

// NopDisplay satisfies Display on headless devices.
type NopDisplay struct{}

func (NopDisplay) Show([]string) {}

// Reporter duplicates rendered output to the display and serial.
type Reporter struct {
	display Display
	serial  io.Writer
}

func NewReporter(display Display, serial io.Writer) *Reporter {
	if display == nil {
		display = NopDisplay{}
	}
	return &Reporter{display: display, serial: serial}
}

// Render satisfies the session surface contract.
func (r *Reporter) Render(lines []string) {
	r.display.Show(lines)
	if r.serial != nil {
		fmt.Fprintln(r.serial, strings.Join(lines, "\n"))
		fmt.Fprintln(r.serial)
	}
}
