// Package lock guards against concurrent recovery sessions: flag-store
// and slot writes assume a single owner.
package lock

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

type Entry struct {
	Pid       int    `yaml:"pid"`
	Source    string `yaml:"source"`
	StartedAt string `yaml:"started_at"`
}

func readLock(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entry Entry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func writeLock(path string, entry *Entry) error {
	data, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	return true
}

// Acquire takes the session lock, reclaiming locks left behind by a
// crashed or power-cycled session. The returned release function is
// deferred by the caller.
func Acquire(lockPath, source string) (func() error, error) {
	existing, err := readLock(lockPath)
	if err != nil {
		return nil, err
	}

	if existing != nil && existing.Pid > 0 && isProcessAlive(existing.Pid) {
		return nil, fmt.Errorf("recovery session already active: pid %d via %s (started %s)",
			existing.Pid, existing.Source, existing.StartedAt)
	}

	entry := &Entry{
		Pid:       os.Getpid(),
		Source:    source,
		StartedAt: time.Now().Format(time.RFC3339),
	}
	if err := writeLock(lockPath, entry); err != nil {
		return nil, err
	}

	release := func() error {
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	return release, nil
}
