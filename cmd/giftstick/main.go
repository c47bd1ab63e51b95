package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	simple "github.com/cochaviz/giftstick/config"
	"github.com/cochaviz/giftstick/internal/artifacts"
	"github.com/cochaviz/giftstick/internal/builderr"
	"github.com/cochaviz/giftstick/internal/e2e"
	"github.com/cochaviz/giftstick/internal/logging"
	"github.com/cochaviz/giftstick/internal/preflight"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "cli"
)

// cli carries the logger the root command configures before any subcommand
// runs.
type cli struct {
	level  slog.LevelVar
	logger *slog.Logger
	stdout io.Writer
}

func main() {
	app := &cli{stdout: os.Stdout}
	app.level.Set(slog.LevelInfo)
	app.logger = logging.NewCLI(os.Stderr, &app.level)
	slog.SetDefault(app.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(app)
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		fatal(app.logger, err)
	}
}

// fatal reports err once and exits. Every failure class exits 1; the class
// is part of the diagnostic.
func fatal(logger *slog.Logger, err error) {
	kind := builderr.KindOf(err)
	switch kind {
	case builderr.KindInterrupted:
		logger.Warn("run interrupted, resources released", "error", err)
	case builderr.KindPrecondition:
		logger.Error("precondition not met", "error", err)
	default:
		logger.Error("command failed", "kind", kind.String(), "error", err)
	}
	os.Exit(1)
}

func newRootCommand(app *cli) *cobra.Command {
	logLevel := defaultLogLevel
	logFormat := defaultLogFormat

	root := &cobra.Command{
		Use:           "giftstick",
		Short:         "Build bootable USB images that acquire a disk and upload it to Cloud Storage",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", defaultLogFormat, "Set log format (cli, json)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return builderr.Precondition("--log-level: %v", err)
		}
		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return builderr.Precondition("--log-format: %v", err)
		}
		app.level.Set(level)
		app.logger = logging.New(mode, os.Stderr, &app.level)
		slog.SetDefault(app.logger)
		preflight.SetLogger(app.logger)
		return nil
	}

	root.AddCommand(
		newBuildCommand(app),
		newUpdateCommand(app),
		newE2ECommand(app),
	)
	return root
}

func newBuildCommand(app *cli) *cobra.Command {
	opts := preflight.NewOptions()
	var configPath string

	cmd := &cobra.Command{
		Use:   "build",
		Args:  cobra.NoArgs,
		Short: "Provision the upload destination, remaster the ISO and build the USB image",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cmdLogger := app.logger.With("command", "build")

			if configPath != "" {
				merged, err := preflight.MergeFile(configPath, cmd.Flags())
				if err != nil {
					return builderr.Precondition("--config: %v", err)
				}
				opts = merged
			}

			runner := simple.NewRunner(cmdLogger)
			env := preflight.Env{Runner: runner}
			if opts.AssumeYes {
				env.Confirm = preflight.AssumeYes{}
			}
			cfg, err := preflight.Validate(ctx, opts, env)
			if err != nil {
				return err
			}

			g := simple.NewGuard(runner, cmdLogger)
			defer func() {
				if err := g.ReleaseAll(); err != nil {
					cmdLogger.Error("failed to release resources", "error", err)
				}
			}()

			result, err := simple.Build(ctx, cfg, g, runner, cmdLogger)
			if err != nil {
				return err
			}

			for _, artifact := range result.Artifacts() {
				path, err := artifacts.PathFromURI(artifact.URI)
				if err != nil {
					path = artifact.URI
				}
				cmdLogger.Info("artifact ready",
					"kind", artifact.Kind,
					"path", path,
					"size", humanize.IBytes(uint64(artifact.Size)),
					"md5", artifact.Checksum,
				)
			}
			if result.ManifestPath != "" {
				cmdLogger.Info("build completed", "run_id", result.RunID, "manifest", result.ManifestPath)
			} else {
				cmdLogger.Info("build completed", "run_id", result.RunID)
			}
			return nil
		},
	}

	preflight.BindFlags(cmd.Flags(), &opts)
	cmd.Flags().StringVar(&configPath, "config", "", "YAML or TOML file with build options; flags override it")

	return cmd
}

func newUpdateCommand(app *cli) *cobra.Command {
	var req simple.UpdateRequest

	cmd := &cobra.Command{
		Use:   "update <image>",
		Args:  cobra.ExactArgs(1),
		Short: "Replace the service account key or destination URL of a built image",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Image = strings.TrimSpace(args[0])
			cmdLogger := app.logger.With("command", "update", "image", req.Image)

			runner := simple.NewRunner(cmdLogger)
			g := simple.NewGuard(runner, cmdLogger)
			defer func() {
				if err := g.ReleaseAll(); err != nil {
					cmdLogger.Error("failed to release resources", "error", err)
				}
			}()

			bootConfig, err := simple.Update(cmd.Context(), req, g, cmdLogger)
			if err != nil {
				return err
			}
			cmdLogger.Info("image updated", "remote_url", bootConfig.RemoteURL, "key", bootConfig.KeyFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.KeyFile, "sa_json_file", "", "new service account key to stage")
	cmd.Flags().StringVar(&req.RemoteURL, "remote_url", "", "new upload destination (gs://bucket/path/)")
	cmd.Flags().StringVar(&req.WorkDir, "work_dir", ".", "directory holding scratch mount points")

	return cmd
}

func newE2ECommand(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "e2e",
		Short: "End-to-end test helpers",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "normalize-url <url>",
			Args:  cobra.ExactArgs(1),
			Short: "Collapse doubled slashes in a storage URL",
			RunE: func(cmd *cobra.Command, args []string) error {
				normalized, err := e2e.NormalizeURL(args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(app.stdout, normalized)
				return err
			},
		},
		&cobra.Command{
			Use:   "check-stamp <stamp.json>",
			Args:  cobra.ExactArgs(1),
			Short: "Check the stamp uploaded by an acquisition",
			RunE: func(cmd *cobra.Command, args []string) error {
				stamp, err := e2e.CheckStamp(args[0])
				if err != nil {
					return err
				}
				app.logger.Info("stamp ok", "identifier", stamp.Identifier, "start_time", stamp.StartTime)
				return nil
			},
		},
		&cobra.Command{
			Use:   "check-system-info <system_info.txt>",
			Args:  cobra.ExactArgs(1),
			Short: "Check that system information was collected in the test VM",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := e2e.CheckSystemInfo(args[0]); err != nil {
					return err
				}
				app.logger.Info("system information ok")
				return nil
			},
		},
		newE2EBootCommand(app),
	)
	return cmd
}

func newE2EBootCommand(app *cli) *cobra.Command {
	var (
		opts    simple.BootOptions
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "boot <image>",
		Args:  cobra.ExactArgs(1),
		Short: "Boot an image in a transient VM and wait for it to power off",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Timeout = timeout
			return simple.Boot(cmd.Context(), args[0], opts, app.logger.With("command", "e2e.boot"))
		},
	}

	cmd.Flags().StringVar(&opts.ConnectionURI, "connect-uri", simple.DefaultConnectionURI, "Libvirt connection URI")
	cmd.Flags().StringVar(&opts.Arch, "arch", "", "VM architecture (default x86_64)")
	cmd.Flags().StringVar(&opts.Firmware, "firmware", "", "UEFI firmware image (default: first installed OVMF)")
	cmd.Flags().StringVar(&opts.EvidenceDisk, "evidence-disk", "", "disk image attached as sdb for the acquisition")
	cmd.Flags().StringVar(&opts.Network, "network", "default", "Libvirt network")
	cmd.Flags().IntVar(&opts.MemoryMB, "memory", 4096, "VM memory in MiB")
	cmd.Flags().DurationVar(&timeout, "timeout", simple.DefaultBootTimeout, "destroy the VM if it is still running after this long")

	return cmd
}
