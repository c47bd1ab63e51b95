package build

import (
	"context"
	_ "embed"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cochaviz/giftstick/internal/artifacts"
	"github.com/cochaviz/giftstick/internal/chroot"
	"github.com/cochaviz/giftstick/internal/cloud"
	"github.com/cochaviz/giftstick/internal/command"
	"github.com/cochaviz/giftstick/internal/guard"
	"github.com/cochaviz/giftstick/internal/iso"
	"github.com/cochaviz/giftstick/internal/media"
	"github.com/cochaviz/giftstick/internal/rootfs"
)

//go:embed assets/customize.sh
var embeddedCustomizeScript []byte

// DefaultCustomizeScriptName is used when no customization script is given.
const DefaultCustomizeScriptName = "giftstick-customize.sh"

func writeDefaultCustomizeScript(dir string) (string, error) {
	path := filepath.Join(dir, DefaultCustomizeScriptName)
	if err := os.WriteFile(path, embeddedCustomizeScript, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// ISOUnpacker copies a live-CD image into a directory.
type ISOUnpacker interface {
	Unpack(ctx context.Context, sourceISO, destDir string) error
}

// ISORepacker masters a bootable ISO from a directory.
type ISORepacker interface {
	Repack(ctx context.Context, treeDir, destISO string) (artifacts.Artifact, error)
}

// RootfsTransformer moves the root filesystem and the initramfs in and out
// of the live-CD tree.
type RootfsTransformer interface {
	UnpackRoot(ctx context.Context, isoTree, destDir string) error
	PackRoot(ctx context.Context, rootDir, isoTree string) error
	UnpackInitramfs(ctx context.Context, isoTree, destDir string) (rootfs.InitramfsFormat, error)
	PackInitramfs(ctx context.Context, format rootfs.InitramfsFormat, srcDir, isoTree string) error
}

// Customizer runs the customization program inside the root filesystem.
type Customizer interface {
	Run(ctx context.Context, rootDir, scriptPath string) error
}

// MediaBuilder lays out the removable-media image.
type MediaBuilder interface {
	Build(ctx context.Context, req media.Request) (*media.Result, error)
}

// CloudProvisioner sets up the upload destination.
type CloudProvisioner interface {
	EnsureBucket(ctx context.Context, name string) (bool, error)
	EnsureServiceIdentity(ctx context.Context, name, bucket string) (cloud.Identity, error)
	EnsureKey(ctx context.Context, id *cloud.Identity, destPath string) (bool, error)
}

// Stages bundles the stage implementations working below one scratch mount
// directory.
type Stages struct {
	Unpacker   ISOUnpacker
	Repacker   ISORepacker
	Rootfs     RootfsTransformer
	Customizer Customizer
	Media      MediaBuilder
}

// NewHostStages returns the stage implementations backed by host tools.
func NewHostStages(g *guard.Guard, runner command.Runner, logger *slog.Logger, volumeLabel string) func(mountDir string) Stages {
	return func(mountDir string) Stages {
		return Stages{
			Unpacker: &iso.Unpacker{Guard: g, Logger: logger, MountDir: filepath.Join(mountDir, "iso")},
			Repacker: &iso.Repacker{Runner: runner, Logger: logger, VolumeLabel: volumeLabel},
			Rootfs: &rootfs.Transformer{
				Guard:    g,
				Runner:   runner,
				Logger:   logger,
				MountDir: filepath.Join(mountDir, "squashfs"),
			},
			Customizer: &chroot.Executor{
				Guard:  g,
				Runner: runner,
				Logger: logger,
				Env:    map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
			},
			Media: media.NewBuilder(g, runner, logger, mountDir),
		}
	}
}
