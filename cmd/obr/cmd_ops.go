package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v3"

	"obr/internal/backup"
	"obr/internal/boot"
	"obr/internal/config"
	"obr/internal/mirror"
	"obr/internal/nvm"
	"obr/internal/restore"
	"obr/internal/slot"
)

func runProvision(ctx context.Context, configPath, seedPath string) error {
	e, err := openEnv(configPath, "provision")
	if err != nil {
		return err
	}
	defer e.Close()

	if err := backup.Provision(ctx, e.cfg, e.store, seedPath); err != nil {
		return err
	}
	fmt.Printf("provisioned, device id %s\n", e.store.GetString(nvm.KeyDeviceID))
	return nil
}

func runBackup(ctx context.Context, configPath, slotName string) error {
	kind, err := slot.ParseKind(slotName)
	if err != nil {
		return err
	}
	if kind == slot.Factory {
		return fmt.Errorf("the factory slot is captured once, at provisioning")
	}

	e, err := openEnv(configPath, "backup")
	if err != nil {
		return err
	}
	defer e.Close()

	s, err := backup.Run(ctx, e.cfg, e.store, kind)
	if err != nil {
		return err
	}
	fmt.Printf("backup complete: %s\n", s.Path)
	return nil
}

func runRestore(ctx context.Context, configPath string) error {
	e, err := openEnv(configPath, "restore")
	if err != nil {
		return err
	}
	defer e.Close()

	outcome, err := restore.Run(ctx, e.cfg, e.store, func() bool { return false })
	if err != nil {
		return err
	}
	printOutcome(outcome)
	return nil
}

func runWebRecovery(ctx context.Context, configPath, url string) error {
	e, err := openEnv(configPath, "webrecovery")
	if err != nil {
		return err
	}
	defer e.Close()

	outcome, err := restore.Web(ctx, e.cfg, e.store, url, func() bool { return false })
	if err != nil {
		return err
	}
	printOutcome(outcome)
	return nil
}

func printOutcome(o *restore.Outcome) {
	fmt.Printf("restored from %s: %s, %d entries\n",
		o.Source, o.Result.Status, len(o.Result.Restored))
	for _, f := range o.Result.Failed {
		fmt.Printf("  failed: %v\n", f)
	}
	for _, n := range o.Notices {
		fmt.Printf("  notice: %s is a %s\n", n.Path, n.Detail)
	}
}

func runEmergency(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	created, err := restore.Emergency(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("created %d placeholder entries\n", created)
	return nil
}

func runFlagsList(configPath string) error {
	e, err := openEnv(configPath, "flags")
	if err != nil {
		return err
	}
	defer e.Close()

	keys := e.store.Keys()
	if len(keys) == 0 {
		fmt.Println("no flags set")
		return nil
	}
	for _, k := range keys {
		v, _ := e.store.Get(k)
		fmt.Printf("%s = %s\n", k, v)
	}
	return nil
}

func runFlagsSet(configPath, key, value string) error {
	e, err := openEnv(configPath, "flags")
	if err != nil {
		return err
	}
	defer e.Close()

	switch value {
	case "true", "false":
		e.store.Set(key, nvm.Bool(value == "true"))
	default:
		if n, convErr := strconv.ParseUint(value, 10, 8); convErr == nil {
			e.store.Set(key, nvm.Counter(uint8(n)))
		} else {
			e.store.Set(key, nvm.String(value))
		}
	}
	return e.store.Flush()
}

func runFlagsClear(configPath string) error {
	e, err := openEnv(configPath, "flags")
	if err != nil {
		return err
	}
	defer e.Close()

	deviceID := e.store.GetString(nvm.KeyDeviceID)
	e.store.ClearAll()
	if deviceID != "" {
		e.store.Set(nvm.KeyDeviceID, nvm.String(deviceID))
	}
	return e.store.Flush()
}

func runBootAttempt(configPath string) error {
	e, err := openEnv(configPath, "boot")
	if err != nil {
		return err
	}
	defer e.Close()

	requested, err := boot.MarkAttempt(e.store)
	if err != nil {
		return err
	}
	if requested {
		// Exit code 3 tells the init script to enter recovery mode.
		return cli.Exit("recovery requested", 3)
	}
	return nil
}

func runBootOK(ctx context.Context, configPath string) error {
	e, err := openEnv(configPath, "boot")
	if err != nil {
		return err
	}
	defer e.Close()

	return boot.MarkValidated(ctx, e.cfg, e.store)
}

func runMirrorPush(ctx context.Context, configPath, slotName string) error {
	kind, err := slot.ParseKind(slotName)
	if err != nil {
		return err
	}

	e, err := openEnv(configPath, "mirror")
	if err != nil {
		return err
	}
	defer e.Close()

	return mirror.Push(ctx, e.cfg, e.store, kind)
}

func runMirrorPull(ctx context.Context, configPath, slotName, privateKeyPath string) error {
	kind, err := slot.ParseKind(slotName)
	if err != nil {
		return err
	}

	e, err := openEnv(configPath, "mirror")
	if err != nil {
		return err
	}
	defer e.Close()

	return mirror.Pull(ctx, e.cfg, e.store, kind, privateKeyPath)
}
