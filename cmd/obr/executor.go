package main

import (
	"context"
	"errors"
	"fmt"

	"obr/internal/backup"
	"obr/internal/config"
	"obr/internal/manifest"
	"obr/internal/nvm"
	"obr/internal/restore"
	"obr/internal/session"
	"obr/internal/slot"
)

// executor carries out session actions against the real subsystems.
// It owns nothing: the flag store belongs to the control loop and is
// borrowed for the duration of one action.
type executor struct {
	cfg   *config.Config
	store *nvm.Store
	// reboot performs the platform reset; nil on hosts where the
	// supervisor handles it after the session exits.
	reboot func() error
}

func (e *executor) Execute(ctx context.Context, a session.Action, arg string, cancelled func() bool) ([]string, error) {
	switch a {
	case session.ActionCheck:
		return e.check()
	case session.ActionRestore:
		return e.restore(ctx, cancelled)
	case session.ActionBackup:
		return e.backup(ctx)
	case session.ActionWebRecovery:
		return e.webRecovery(ctx, arg, cancelled)
	case session.ActionStatus:
		return e.status()
	case session.ActionClearFlags:
		return e.clearFlags()
	case session.ActionFactoryReset:
		return e.factoryReset(ctx)
	case session.ActionEmergency:
		return e.emergency()
	case session.ActionReboot:
		return e.doReboot()
	default:
		return nil, fmt.Errorf("no executor for action %q", a)
	}
}

func (e *executor) check() ([]string, error) {
	m, err := manifest.Load(e.cfg.ManifestPath())
	if err != nil {
		return nil, err
	}
	violations, err := m.Validate(e.cfg.Root)
	if err != nil {
		return nil, err
	}

	bad := manifest.RequiredViolations(violations)
	lines := []string{"Filesystem Check"}
	if len(bad) == 0 {
		lines = append(lines, "All required entries present and verified")
	}
	for _, v := range bad {
		lines = append(lines, fmt.Sprintf("%s: %s %s", v.Path, v.Kind, v.Detail))
	}
	for _, v := range violations {
		if !v.Corruption() {
			lines = append(lines, fmt.Sprintf("notice: %s is a %s", v.Path, v.Detail))
		}
	}
	return lines, nil
}

func (e *executor) restore(ctx context.Context, cancelled func() bool) ([]string, error) {
	outcome, err := restore.Run(ctx, e.cfg, e.store, cancelled)
	if errors.Is(err, restore.ErrUnrecoverable) {
		return nil, fmt.Errorf("%w; emergency repair can recreate missing boot files", err)
	}
	if err != nil {
		return nil, err
	}
	return outcomeLines(outcome), nil
}

func (e *executor) webRecovery(ctx context.Context, url string, cancelled func() bool) ([]string, error) {
	if !e.cfg.WebRecovery.Enabled && url == "" {
		return nil, fmt.Errorf("web recovery is not enabled in config")
	}
	outcome, err := restore.Web(ctx, e.cfg, e.store, url, cancelled)
	if err != nil {
		return nil, err
	}
	return outcomeLines(outcome), nil
}

func outcomeLines(o *restore.Outcome) []string {
	lines := []string{
		"Restore complete",
		fmt.Sprintf("Source: %s", o.Source),
		fmt.Sprintf("Status: %s", o.Result.Status),
		fmt.Sprintf("Restored %d entries", len(o.Result.Restored)),
	}
	if n := len(o.Result.Skipped); n > 0 {
		lines = append(lines, fmt.Sprintf("Skipped %d non-file entries", n))
	}
	for _, f := range o.Result.Failed {
		lines = append(lines, "failed: "+f.Error())
	}
	return lines
}

func (e *executor) backup(ctx context.Context) ([]string, error) {
	s, err := backup.Run(ctx, e.cfg, e.store, slot.System)
	if err != nil {
		return nil, err
	}
	return []string{
		"Backup complete",
		fmt.Sprintf("Slot: %s (%s)", s.Kind, s.Location),
		fmt.Sprintf("Container: %s", s.Path),
	}, nil
}

func (e *executor) status() ([]string, error) {
	lines := []string{"System Status"}

	lines = append(lines,
		fmt.Sprintf("last boot: %s", e.store.GetString(nvm.KeyLastBootStatus)),
		fmt.Sprintf("recovery requested: %t", e.store.GetBool(nvm.KeyRecoveryRequested)),
		fmt.Sprintf("developer mode: %t", e.store.GetBool(nvm.KeyDeveloperMode)),
		fmt.Sprintf("boot failures: %d", e.store.GetCounter(nvm.KeyBootFailCount)),
		fmt.Sprintf("device id: %s", e.store.GetString(nvm.KeyDeviceID)),
	)

	slots := slot.List(e.cfg.SystemDir, e.cfg.RemovableDir)
	if len(slots) == 0 {
		lines = append(lines, "slots: none provisioned")
	}
	for _, s := range slots {
		lines = append(lines, fmt.Sprintf("slot %s (%s): %s",
			s.Kind, s.Location, s.CreatedAt().Format("2006-01-02 15:04")))
	}
	return lines, nil
}

func (e *executor) clearFlags() ([]string, error) {
	// The device identifier is identity, not a mode flag; clearing it
	// would orphan the device's mirrored containers.
	deviceID := e.store.GetString(nvm.KeyDeviceID)
	e.store.ClearAll()
	if deviceID != "" {
		e.store.Set(nvm.KeyDeviceID, nvm.String(deviceID))
	}
	if err := e.store.Flush(); err != nil {
		return nil, err
	}
	return []string{"All flags cleared", "System will boot normally on next restart"}, nil
}

func (e *executor) factoryReset(ctx context.Context) ([]string, error) {
	factory, ok := slot.At(slot.Factory, slot.Internal, e.cfg.SystemDir, e.cfg.RemovableDir)
	if !ok || !factory.Exists() {
		return nil, fmt.Errorf("no factory container provisioned")
	}

	outcome, err := restore.FromSlot(ctx, e.cfg, e.store, factory)
	if err != nil {
		return nil, err
	}
	if _, err := e.clearFlags(); err != nil {
		return nil, err
	}

	lines := []string{"Factory reset complete"}
	lines = append(lines, outcomeLines(outcome)[1:]...)
	return lines, nil
}

func (e *executor) emergency() ([]string, error) {
	created, err := restore.Emergency(e.cfg)
	if err != nil {
		return nil, err
	}
	if created == 0 {
		return []string{"Emergency repair: nothing missing"}, nil
	}
	return []string{
		"Emergency repair complete",
		fmt.Sprintf("Created %d placeholder entries", created),
		"Restore a backup to replace them",
	}, nil
}

func (e *executor) doReboot() ([]string, error) {
	e.store.Set(nvm.KeyRecoveryRequested, nvm.Bool(false))
	if err := e.store.Flush(); err != nil {
		return nil, err
	}
	if e.reboot != nil {
		if err := e.reboot(); err != nil {
			return nil, err
		}
	}
	return []string{"Exiting recovery, rebooting to normal mode"}, nil
}
