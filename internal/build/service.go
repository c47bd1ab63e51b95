// Package build runs the pipeline: cloud provisioning, ISO remastering and
// the removable-media image, each gated by its skip flag.
package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/cochaviz/giftstick/internal/artifacts"
	"github.com/cochaviz/giftstick/internal/builderr"
	"github.com/cochaviz/giftstick/internal/cloud"
	"github.com/cochaviz/giftstick/internal/config"
	"github.com/cochaviz/giftstick/internal/guard"
	"github.com/cochaviz/giftstick/internal/iso"
	"github.com/cochaviz/giftstick/internal/logging"
	"github.com/cochaviz/giftstick/internal/media"
	"github.com/cochaviz/giftstick/internal/rootfs"
)

// ManifestSuffix is appended to the image (or ISO) path for the run manifest.
const ManifestSuffix = ".manifest.yaml"

// Orchestrator sequences the stages of one run and owns every resource the
// run acquires.
type Orchestrator struct {
	Config *config.BuildConfig
	Guard  *guard.Guard
	Logger *slog.Logger

	// NewStages returns the stage implementations for a scratch mount dir.
	NewStages func(mountDir string) Stages
	Cloud     CloudProvisioner
	// CheckCredentials runs before any cloud call.
	CheckCredentials func(ctx context.Context) error
	// InspectISO reads the release of the ISO that goes into the image.
	InspectISO func(path string) (*iso.Image, error)
	Identity   rootfs.Identity
	NewRunID   func() string
}

func (o *Orchestrator) logger() *slog.Logger {
	return logging.Ensure(o.Logger)
}

// Run executes the enabled stages in order. Every guard resource is released
// before Run returns, on success, failure and cancellation alike.
func (o *Orchestrator) Run(ctx context.Context) (res *Result, err error) {
	if o.Config == nil || o.Guard == nil || o.NewStages == nil {
		return nil, &builderr.Error{Kind: builderr.KindInternal, Op: "build", Message: "orchestrator is not fully configured"}
	}
	cfg := o.Config

	runID := uuid.NewString()
	if o.NewRunID != nil {
		runID = o.NewRunID()
	}
	logger := o.logger().With("run_id", runID)
	res = &Result{RunID: runID, Status: BuildStatusRunning}

	defer func() {
		if releaseErr := o.Guard.ReleaseAll(); releaseErr != nil {
			logger.Error("failed to release build resources", "error", releaseErr)
			if err == nil {
				err = releaseErr
			}
		}
		switch {
		case err == nil:
			res.Status = BuildStatusSucceeded
		case builderr.Is(err, builderr.KindInterrupted):
			res.Status = BuildStatusCancelled
		default:
			res.Status = BuildStatusFailed
		}
	}()

	logger.Info("starting build",
		"skip_gcs", cfg.SkipCloud,
		"skip_iso", cfg.SkipISO,
		"skip_image", cfg.SkipImage,
	)

	var mintedKey string
	if !cfg.SkipCloud {
		stageLogger := logger.With(logging.StageKey, StageCloud)
		id, minted, err := o.runCloud(ctx, stageLogger)
		if err != nil {
			return res, err
		}
		res.Identity = id
		if minted && id != nil {
			mintedKey = id.KeyPath
		}
		res.Stages = append(res.Stages, StageCloud)
	}

	if !cfg.SkipISO {
		stageLogger := logger.With(logging.StageKey, StageISO)
		artifact, err := o.runISO(ctx, stageLogger, runID)
		if err != nil {
			return res, err
		}
		res.ISO = &artifact
		res.Stages = append(res.Stages, StageISO)
	}

	if !cfg.SkipImage {
		stageLogger := logger.With(logging.StageKey, StageImage)
		artifact, err := o.runImage(ctx, stageLogger)
		if err != nil {
			return res, err
		}
		res.Image = &artifact
		res.Stages = append(res.Stages, StageImage)

		if mintedKey != "" {
			if err := os.Remove(mintedKey); err != nil && !os.IsNotExist(err) {
				return res, fmt.Errorf("remove staged key %s: %w", mintedKey, err)
			}
			stageLogger.Info("removed local copy of the staged key", "key", mintedKey)
		}
	}

	if path := manifestPath(cfg, res); path != "" {
		manifest := artifacts.Manifest{
			RunID:     runID,
			BuildDate: cfg.BuildDate,
			Artifacts: res.Artifacts(),
			Metadata:  map[string]any{"stages": res.Stages},
		}
		if !cfg.SkipImage {
			manifest.RemoteURL = cfg.RemoteURL().String()
		}
		if err := artifacts.WriteManifest(path, manifest); err != nil {
			return res, err
		}
		res.ManifestPath = path
	}

	logger.Info("build finished", "stages", stagesString(res.Stages), "manifest", res.ManifestPath)
	return res, nil
}

func (o *Orchestrator) runCloud(ctx context.Context, logger *slog.Logger) (*cloud.Identity, bool, error) {
	cfg := o.Config
	if o.Cloud == nil {
		return nil, false, &builderr.Error{Kind: builderr.KindInternal, Op: string(StageCloud), Message: "no cloud provisioner configured"}
	}
	if o.CheckCredentials != nil {
		if err := o.CheckCredentials(ctx); err != nil {
			return nil, false, err
		}
	}

	logger.Info("provisioning upload destination", "project", cfg.Project, "bucket", cfg.Bucket)
	if _, err := o.Cloud.EnsureBucket(ctx, cfg.Bucket); err != nil {
		return nil, false, err
	}
	if cfg.SAKeyFile != "" {
		logger.Info("using supplied service account key", "key", cfg.SAKeyFile)
		return nil, false, nil
	}

	id, err := o.Cloud.EnsureServiceIdentity(ctx, cfg.SAName, cfg.Bucket)
	if err != nil {
		return nil, false, err
	}
	minted, err := o.Cloud.EnsureKey(ctx, &id, cfg.SAKeyPath)
	if err != nil {
		return nil, false, err
	}
	return &id, minted, nil
}

func (o *Orchestrator) runISO(ctx context.Context, logger *slog.Logger, runID string) (artifacts.Artifact, error) {
	cfg := o.Config

	tree, err := PrepareWorkTree(ctx, o.Guard, cfg.WorkDir, runID)
	if err != nil {
		return artifacts.Artifact{}, err
	}
	stages := o.NewStages(tree.Mnt)
	logger.Info("work tree prepared", "root", tree.Root)

	logger.Info("unpacking source ISO", "source_iso", cfg.SourceISO)
	if err := stages.Unpacker.Unpack(ctx, cfg.SourceISO, tree.ISO); err != nil {
		return artifacts.Artifact{}, err
	}
	logger.Info("unpacking root filesystem")
	if err := stages.Rootfs.UnpackRoot(ctx, tree.ISO, tree.Rootfs); err != nil {
		return artifacts.Artifact{}, err
	}

	script := cfg.CustomizeScript
	if script == "" {
		if script, err = writeDefaultCustomizeScript(tree.Root); err != nil {
			return artifacts.Artifact{}, err
		}
	}
	if err := stages.Customizer.Run(ctx, tree.Rootfs, script); err != nil {
		return artifacts.Artifact{}, err
	}

	format, err := stages.Rootfs.UnpackInitramfs(ctx, tree.ISO, tree.Initramfs)
	if err != nil {
		return artifacts.Artifact{}, err
	}
	changed, err := rootfs.SetIdentity(tree.Initramfs, o.identity())
	if err != nil {
		return artifacts.Artifact{}, err
	}
	if changed {
		if err := stages.Rootfs.PackInitramfs(ctx, format, tree.Initramfs, tree.ISO); err != nil {
			return artifacts.Artifact{}, err
		}
	} else {
		logger.Info("live identity already set, keeping initramfs")
	}

	logger.Info("packing root filesystem")
	if err := stages.Rootfs.PackRoot(ctx, tree.Rootfs, tree.ISO); err != nil {
		return artifacts.Artifact{}, err
	}
	artifact, err := stages.Repacker.Repack(ctx, tree.ISO, cfg.RemasteredISO)
	if err != nil {
		return artifacts.Artifact{}, err
	}

	// The unpacked trees are large; drop them before the image stage.
	if err := tree.Release(o.Guard); err != nil {
		return artifacts.Artifact{}, err
	}
	logger.Info("remastered ISO ready", "iso", cfg.RemasteredISO, "md5", artifact.Checksum)
	return artifact, nil
}

func (o *Orchestrator) runImage(ctx context.Context, logger *slog.Logger) (artifacts.Artifact, error) {
	cfg := o.Config

	inspect := o.InspectISO
	if inspect == nil {
		inspect = iso.Inspect
	}
	image, err := inspect(cfg.RemasteredISO)
	if err != nil {
		return artifacts.Artifact{}, fmt.Errorf("inspect %s: %w", cfg.RemasteredISO, err)
	}
	release, err := image.Release()
	if err != nil {
		return artifacts.Artifact{}, err
	}
	logger.Info("detected release", "version", release.Version, "codename", release.Codename)

	scratch, err := o.Guard.Acquire(ctx, guard.TempDir{Parent: cfg.WorkDir, Pattern: "giftstick-media-"})
	if err != nil {
		return artifacts.Artifact{}, err
	}
	stages := o.NewStages(scratch.Path())

	result, err := stages.Media.Build(ctx, media.Request{
		ISOPath:   cfg.RemasteredISO,
		ImagePath: cfg.ImagePath,
		ImageSize: cfg.ImageSize,
		ESPSize:   cfg.ESPSize,
		Release:   release,
		Payload: media.Payload{
			KeyFile:   cfg.KeyFile(),
			RemoteURL: cfg.RemoteURL().String(),
			E2E:       cfg.E2ETest,
		},
	})
	if err != nil {
		return artifacts.Artifact{}, err
	}
	if err := o.Guard.Release(scratch); err != nil {
		return artifacts.Artifact{}, err
	}
	return result.Artifact, nil
}

func (o *Orchestrator) identity() rootfs.Identity {
	if o.Identity == (rootfs.Identity{}) {
		return rootfs.DefaultIdentity
	}
	return o.Identity
}

func manifestPath(cfg *config.BuildConfig, res *Result) string {
	switch {
	case res.Image != nil:
		return cfg.ImagePath + ManifestSuffix
	case res.ISO != nil:
		return cfg.RemasteredISO + ManifestSuffix
	default:
		return ""
	}
}

func stagesString(stages []Stage) string {
	names := make([]string, 0, len(stages))
	for _, s := range stages {
		names = append(names, string(s))
	}
	return strings.Join(names, ",")
}
