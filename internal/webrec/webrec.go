// Package webrec fetches a recovery container over HTTP. The network
// is treated purely as a byte-stream provider: every fetch carries an
// explicit timeout and a cooperative cancellation check so a stuck
// transfer can never hang the control loop indefinitely.
package webrec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"log/slog"
	"time"

	"obr/internal/archive"
)

var (
	ErrTimeout     = errors.New("web recovery timeout")
	ErrUnreachable = errors.New("web recovery unreachable")
	ErrCancelled   = errors.New("web recovery cancelled")
)

// DefaultURL points at the maintained factory package.
const DefaultURL = "https://releases.obr-devices.net/recovery/factory.zip"

const chunkSize = 32 * 1024

// Fetch downloads the container at url into dest. cancelled is polled
// between chunks; a button event during a slow transfer aborts it at
// loop granularity. The payload is verified to be a readable container
// before Fetch returns.
func Fetch(ctx context.Context, url, dest string, timeout time.Duration, cancelled func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	slog.Info("Web recovery fetch started", "url", url, "timeout", timeout)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %s", ErrUnreachable, resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, chunkSize)
	var total int64
	for {
		if cancelled != nil && cancelled() {
			os.Remove(dest)
			return ErrCancelled
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				os.Remove(dest)
				return werr
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			os.Remove(dest)
			if errors.Is(rerr, context.DeadlineExceeded) {
				return fmt.Errorf("%w: after %d bytes", ErrTimeout, total)
			}
			return fmt.Errorf("%w: %v", ErrUnreachable, rerr)
		}
	}

	if err := out.Sync(); err != nil {
		return err
	}

	// The payload must be a readable container before anyone extracts it.
	if _, err := archive.ReadMeta(dest); err != nil {
		os.Remove(dest)
		return fmt.Errorf("payload is not a recovery container: %w", err)
	}

	slog.Info("Web recovery fetch complete", "bytes", total, "dest", dest)
	return nil
}
