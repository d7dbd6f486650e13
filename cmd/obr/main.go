package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"obr/internal/check"
	"obr/internal/keys"
	"obr/internal/slot"
)

func main() {
	cmd := &cli.Command{
		Name:    "obr",
		Usage:   "On-device Backup and Recovery",
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Enter interactive recovery mode",
				Flags: []cli.Flag{
					configFlag(),
					&cli.BoolFlag{
						Name:  "serial",
						Usage: "Drive the session from the serial console instead of the button",
					},
					&cli.StringFlag{
						Name:  "button-gpio",
						Usage: "GPIO value file for the recovery button",
						Value: "/sys/class/gpio/recovery_button/value",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runSession(ctx, cmd.String("config"), cmd.Bool("serial"), cmd.String("button-gpio"))
				},
			},
			{
				Name:  "check",
				Usage: "Verify configuration, manifest, slots, and flag store",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return check.Run(ctx, cmd.String("config"))
				},
			},
			{
				Name:  "provision",
				Usage: "Write the tracked manifest and capture the factory container",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:     "seed",
						Usage:    "Path to the seed manifest listing tracked paths",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runProvision(ctx, cmd.String("config"), cmd.String("seed"))
				},
			},
			{
				Name:  "backup",
				Usage: "Capture a slot container from the live filesystem",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:  "slot",
						Usage: "Slot to capture: system or lkg",
						Value: slot.System.String(),
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runBackup(ctx, cmd.String("config"), cmd.String("slot"))
				},
			},
			{
				Name:  "restore",
				Usage: "Restore the filesystem from the best available source",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runRestore(ctx, cmd.String("config"))
				},
			},
			{
				Name:  "webrecovery",
				Usage: "Restore the filesystem from the web recovery endpoint",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:  "url",
						Usage: "Override the configured recovery archive URL",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runWebRecovery(ctx, cmd.String("config"), cmd.String("url"))
				},
			},
			{
				Name:  "emergency",
				Usage: "Create placeholders for missing required entries",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runEmergency(cmd.String("config"))
				},
			},
			{
				Name:  "flags",
				Usage: "Inspect and modify the persistent flag store",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "Print all flags and their values",
						Flags: []cli.Flag{configFlag()},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runFlagsList(cmd.String("config"))
						},
					},
					{
						Name:  "set",
						Usage: "Set one flag (bool values: true/false)",
						Flags: []cli.Flag{
							configFlag(),
							&cli.StringFlag{Name: "key", Required: true},
							&cli.StringFlag{Name: "value", Required: true},
						},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runFlagsSet(cmd.String("config"), cmd.String("key"), cmd.String("value"))
						},
					},
					{
						Name:  "clear",
						Usage: "Clear all flags, preserving the device identifier",
						Flags: []cli.Flag{configFlag()},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runFlagsClear(cmd.String("config"))
						},
					},
				},
			},
			{
				Name:  "boot",
				Usage: "Boot accounting hooks for the init system",
				Commands: []*cli.Command{
					{
						Name:  "attempt",
						Usage: "Record a boot attempt; exits 3 when recovery is requested",
						Flags: []cli.Flag{configFlag()},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runBootAttempt(cmd.String("config"))
						},
					},
					{
						Name:  "ok",
						Usage: "Record a validated boot and refresh the last-known-good slot",
						Flags: []cli.Flag{configFlag()},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runBootOK(ctx, cmd.String("config"))
						},
					},
				},
			},
			{
				Name:  "mirror",
				Usage: "Mirror slot containers to remote object storage",
				Commands: []*cli.Command{
					{
						Name:  "push",
						Usage: "Seal and upload an internal slot container",
						Flags: []cli.Flag{
							configFlag(),
							&cli.StringFlag{
								Name:  "slot",
								Usage: "Slot to push: factory, lkg, or system",
								Value: slot.LastKnownGood.String(),
							},
						},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runMirrorPush(ctx, cmd.String("config"), cmd.String("slot"))
						},
					},
					{
						Name:  "pull",
						Usage: "Download, verify, and install a mirrored slot container",
						Flags: []cli.Flag{
							configFlag(),
							&cli.StringFlag{
								Name:  "slot",
								Usage: "Slot to pull: factory, lkg, or system",
								Value: slot.LastKnownGood.String(),
							},
							&cli.StringFlag{
								Name:     "private-key",
								Usage:    "Path to age private key file",
								Required: true,
							},
						},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runMirrorPull(ctx, cmd.String("config"), cmd.String("slot"), cmd.String("private-key"))
						},
					},
				},
			},
			{
				Name:  "genkey",
				Usage: "Generate public and private key pair",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return keys.Generate(ctx)
				},
			},
			{
				Name:  "test-keys",
				Usage: "Test if public and private key pair match",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:     "private-key",
						Usage:    "Path to age private key file",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return keys.Test(ctx, cmd.String("config"), cmd.String("private-key"))
				},
			},
		},
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		if ctx.Err() == context.Canceled {
			fmt.Fprintln(os.Stderr, "\ninterrupted")
			os.Exit(130)
		}
		slog.Error("CLI error", "error", err)
		os.Exit(1)
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "config",
		Usage: "path to configuration yaml file",
		Value: "obr_config.yaml",
	}
}
