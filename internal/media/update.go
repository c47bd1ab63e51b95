package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/cochaviz/giftstick/internal/artifacts"
	"github.com/cochaviz/giftstick/internal/builderr"
	"github.com/cochaviz/giftstick/internal/guard"
)

// UpdateRequest names the fields to rewrite on an existing image. Empty
// fields are left alone.
type UpdateRequest struct {
	// KeyFile is the host path of a new service account key.
	KeyFile   string
	RemoteURL string
}

// Updater rewrites the staged configuration of an already built image.
type Updater struct {
	Devices
}

// NewUpdater returns an updater that mounts partitions below mountDir.
func NewUpdater(g *guard.Guard, logger *slog.Logger, mountDir string) *Updater {
	return &Updater{Devices: Devices{Guard: g, Logger: logger, MountDir: mountDir}}
}

// Update mounts the persistence partition of image and rewrites the key
// file and destination URL in the boot configuration.
func (u *Updater) Update(ctx context.Context, image string, req UpdateRequest) (BootConfig, error) {
	if req.KeyFile == "" && req.RemoteURL == "" {
		return BootConfig{}, builderr.Precondition("nothing to update: pass a key file or a destination URL")
	}
	if _, err := os.Stat(image); err != nil {
		return BootConfig{}, builderr.Precondition("image %s: %v", image, err)
	}
	if req.KeyFile != "" {
		if _, err := u.source().Stat(req.KeyFile); err != nil {
			return BootConfig{}, builderr.Precondition("service account key %s: %v", req.KeyFile, err)
		}
	}

	layout, err := ReadPartitionTable(image)
	if err != nil {
		return BootConfig{}, err
	}
	if len(layout) < 2 || layout[1].Type != TypeLinux {
		return BootConfig{}, fmt.Errorf("%s has no persistence partition", image)
	}

	loop, err := u.attach(ctx, image, 2)
	if err != nil {
		return BootConfig{}, err
	}
	defer u.Guard.Release(loop)

	mnt, err := u.Guard.Acquire(ctx, guard.Mount{Source: loop.Partition(2), Target: filepath.Join(u.MountDir, "persistence"), FSType: "ext3"})
	if err != nil {
		return BootConfig{}, err
	}
	defer u.Guard.Release(mnt)

	cfg, err := u.rewrite(u.target(mnt.Path()), req)
	if err != nil {
		return BootConfig{}, err
	}

	if err := u.Guard.Release(mnt); err != nil {
		return BootConfig{}, err
	}
	if err := u.Guard.Release(loop); err != nil {
		return BootConfig{}, err
	}

	if _, err := os.Stat(artifacts.ChecksumPath(image)); err == nil {
		if _, err := artifacts.WriteChecksum(image, artifacts.ImageArtifact); err != nil {
			return BootConfig{}, err
		}
	}
	return cfg, nil
}

func (u *Updater) rewrite(target afero.Fs, req UpdateRequest) (BootConfig, error) {
	logger := u.logger()
	home := HomeDir()
	configPath := path.Join(home, BootConfigName)

	cfg, err := ReadBootConfig(target, configPath)
	if errors.Is(err, os.ErrNotExist) {
		return BootConfig{}, fmt.Errorf("image carries no boot configuration at %s", configPath)
	}
	if err != nil {
		return BootConfig{}, err
	}

	if req.KeyFile != "" {
		key, err := afero.ReadFile(u.source(), req.KeyFile)
		if err != nil {
			return BootConfig{}, fmt.Errorf("read service account key: %w", err)
		}
		name := filepath.Base(req.KeyFile)
		staged := path.Join(home, name)
		if err := afero.WriteFile(target, staged, key, 0o600); err != nil {
			return BootConfig{}, fmt.Errorf("stage service account key: %w", err)
		}
		if err := target.Chown(staged, LiveUID, LiveGID); err != nil {
			return BootConfig{}, err
		}
		logger.Info("replaced service account key", "previous", cfg.KeyFile, "key", path.Join(LiveHome, name))
		cfg.KeyFile = path.Join(LiveHome, name)
	}
	if req.RemoteURL != "" {
		logger.Info("replaced destination", "previous", cfg.RemoteURL, "remote_url", req.RemoteURL)
		cfg.RemoteURL = req.RemoteURL
	}

	if err := WriteBootConfig(target, configPath, cfg); err != nil {
		return BootConfig{}, err
	}
	if err := target.Chown(configPath, LiveUID, LiveGID); err != nil {
		return BootConfig{}, err
	}
	return cfg, nil
}
