package simple

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cochaviz/giftstick/arch"
	"github.com/cochaviz/giftstick/internal/build"
	"github.com/cochaviz/giftstick/internal/builderr"
	"github.com/cochaviz/giftstick/internal/cloud"
	"github.com/cochaviz/giftstick/internal/command"
	"github.com/cochaviz/giftstick/internal/config"
	"github.com/cochaviz/giftstick/internal/e2e"
	"github.com/cochaviz/giftstick/internal/guard"
	"github.com/cochaviz/giftstick/internal/iso"
	"github.com/cochaviz/giftstick/internal/logging"
	"github.com/cochaviz/giftstick/internal/media"
	"github.com/cochaviz/giftstick/internal/system"
)

var DefaultConnectionURI = "qemu:///system"
var DefaultBootTimeout = 45 * time.Minute

// NewRunner returns the runner every host tool goes through.
func NewRunner(logger *slog.Logger) command.Runner {
	return &command.ExecRunner{Logger: logging.Ensure(logger).With("component", "command")}
}

// NewGuard returns a guard acting on the running kernel.
func NewGuard(runner command.Runner, logger *slog.Logger) *guard.Guard {
	logger = logging.Ensure(logger)
	return guard.New(system.NewHost(runner, logger), logger.With("component", "guard"))
}

// Build runs the enabled stages for cfg. Resources are tracked by g; the
// caller is expected to release g on exit as well.
func Build(ctx context.Context, cfg *config.BuildConfig, g *guard.Guard, runner command.Runner, logger *slog.Logger) (*build.Result, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")

	orchestrator := &build.Orchestrator{
		Config:    cfg,
		Guard:     g,
		Logger:    logger.With("service", "build"),
		NewStages: build.NewHostStages(g, runner, logger, iso.VolumeLabel(config.Product+"-"+cfg.DateStamp())),
	}

	if !cfg.SkipCloud {
		// Credentials come first: without them the clients cannot be built.
		if err := cloud.CheckCredentials(ctx); err != nil {
			return nil, err
		}
		gcp, err := cloud.NewGCP(ctx)
		if err != nil {
			return nil, fmt.Errorf("create cloud clients: %w", err)
		}
		orchestrator.Cloud = &cloud.Provisioner{
			API:          gcp,
			Project:      cfg.Project,
			GrantLogging: cfg.GrantLogging,
			Logger:       logger.With("component", "cloud"),
		}
	}

	return orchestrator.Run(ctx)
}

// UpdateRequest names what to rewrite on an existing image.
type UpdateRequest struct {
	Image     string
	KeyFile   string
	RemoteURL string
	WorkDir   string
}

// Update rewrites the key and destination of a built image in place.
func Update(ctx context.Context, req UpdateRequest, g *guard.Guard, logger *slog.Logger) (media.BootConfig, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")

	var remote string
	if req.RemoteURL != "" {
		u, err := config.ParseStorageURL(req.RemoteURL)
		if err != nil {
			return media.BootConfig{}, builderr.Precondition("--remote_url: %v", err)
		}
		remote = u.String()
	}

	scratch, err := g.Acquire(ctx, guard.TempDir{Parent: req.WorkDir, Pattern: config.Product + "-update-"})
	if err != nil {
		return media.BootConfig{}, err
	}
	defer g.Release(scratch)

	updater := media.NewUpdater(g, logger.With("service", "update"), scratch.Path())
	bootConfig, err := updater.Update(ctx, req.Image, media.UpdateRequest{KeyFile: req.KeyFile, RemoteURL: remote})
	if err != nil {
		return media.BootConfig{}, err
	}
	if err := g.Release(scratch); err != nil {
		return media.BootConfig{}, err
	}
	return bootConfig, nil
}

// BootOptions configures the end-to-end boot of an image.
type BootOptions struct {
	ConnectionURI string
	Arch          string
	Firmware      string
	EvidenceDisk  string
	Network       string
	MemoryMB      int
	Timeout       time.Duration
}

// Boot starts image in a transient VM and waits for the acquisition to
// power it off.
func Boot(ctx context.Context, image string, opts BootOptions, logger *slog.Logger) error {
	logger = logging.Ensure(logger).With("component", "config.simple")

	platform := arch.Default
	if opts.Arch != "" {
		parsed, err := arch.Parse(opts.Arch)
		if err != nil {
			return builderr.Precondition("--arch: %v", err)
		}
		platform = parsed
	}
	uri := opts.ConnectionURI
	if uri == "" {
		uri = DefaultConnectionURI
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultBootTimeout
	}

	booter := &e2e.Booter{
		ConnectionURI: uri,
		Arch:          platform,
		Firmware:      opts.Firmware,
		MemoryMB:      opts.MemoryMB,
		Network:       opts.Network,
		EvidenceDisk:  opts.EvidenceDisk,
		Logger:        logger,
	}
	logger.Info("booting image", "image", image, "connect_uri", uri, "arch", platform, "timeout", timeout)
	return booter.Boot(ctx, image, timeout)
}
