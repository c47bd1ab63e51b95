// Package rootfs unpacks and regenerates the SquashFS root filesystem and the
// initramfs of a live-CD tree.
package rootfs

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/cochaviz/giftstick/internal/command"
	"github.com/cochaviz/giftstick/internal/guard"
	"github.com/cochaviz/giftstick/internal/logging"
)

// Paths inside the live-CD tree.
const (
	SquashFSPath        = "casper/filesystem.squashfs"
	ManifestPath        = "casper/filesystem.manifest"
	ManifestDesktopPath = "casper/filesystem.manifest-desktop"
	SizePath            = "casper/filesystem.size"
)

// Transformer moves the root filesystem between the live-CD tree and a
// writable directory.
type Transformer struct {
	Guard  *guard.Guard
	Runner command.Runner
	Logger *slog.Logger
	// MountDir is the scratch mount point for the SquashFS image.
	MountDir string
}

func (t *Transformer) logger() *slog.Logger {
	return logging.Ensure(t.Logger)
}

// UnpackRoot copies the root filesystem embedded in isoTree into destDir.
func (t *Transformer) UnpackRoot(ctx context.Context, isoTree, destDir string) error {
	squash := filepath.Join(isoTree, SquashFSPath)
	if _, err := os.Stat(squash); err != nil {
		return fmt.Errorf("root filesystem image not found at %s: %w", squash, err)
	}
	if t.MountDir == "" {
		return fmt.Errorf("rootfs: transformer has no mount directory")
	}

	if _, err := t.Runner.Run(ctx, command.New("modprobe", "squashfs")); err != nil {
		return fmt.Errorf("load squashfs module: %w", err)
	}

	loop, err := t.Guard.Acquire(ctx, guard.Loop{File: squash, ReadOnly: true})
	if err != nil {
		return err
	}
	defer t.Guard.Release(loop)

	mnt, err := t.Guard.Acquire(ctx, guard.Mount{Source: loop.Path(), Target: t.MountDir, FSType: "squashfs", ReadOnly: true})
	if err != nil {
		return err
	}
	defer t.Guard.Release(mnt)

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	t.logger().Info("copying root filesystem", "dest", destDir)
	if _, err := t.Runner.Run(ctx, command.New("cp", "-a", mnt.Path()+"/.", destDir)); err != nil {
		return fmt.Errorf("copy root filesystem: %w", err)
	}

	if err := t.Guard.Release(mnt); err != nil {
		return err
	}
	return t.Guard.Release(loop)
}

// PackRoot regenerates the package manifests, the size file and the SquashFS
// image of isoTree from rootDir.
func (t *Transformer) PackRoot(ctx context.Context, rootDir, isoTree string) error {
	logger := t.logger()
	casper := filepath.Join(isoTree, "casper")
	if info, err := os.Stat(casper); err != nil || !info.IsDir() {
		return fmt.Errorf("live-CD tree %s has no casper directory", isoTree)
	}

	manifest, err := command.Output(ctx, t.Runner, command.New("chroot", rootDir,
		"dpkg-query", "-W", "--showformat=${Package} ${Version}\n"))
	if err != nil {
		return fmt.Errorf("query installed packages: %w", err)
	}
	manifest += "\n"
	for _, rel := range []string{ManifestPath, ManifestDesktopPath} {
		if err := os.WriteFile(filepath.Join(isoTree, rel), []byte(manifest), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	logger.Info("wrote package manifests", "packages", strings.Count(manifest, "\n"))

	usage, err := command.Output(ctx, t.Runner, command.New("du", "-sx", "--block-size=1", rootDir))
	if err != nil {
		return fmt.Errorf("measure root filesystem: %w", err)
	}
	size, err := parseDiskUsage(usage)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(isoTree, SizePath), []byte(strconv.FormatUint(size, 10)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", SizePath, err)
	}

	squash := filepath.Join(isoTree, SquashFSPath)
	if err := os.Remove(squash); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale root filesystem image: %w", err)
	}

	logger.Info("compressing root filesystem", "size", humanize.IBytes(size))
	if _, err := t.Runner.Run(ctx, command.New("mksquashfs", rootDir, squash, "-comp", "xz", "-noappend")); err != nil {
		return fmt.Errorf("build root filesystem image: %w", err)
	}
	return nil
}

func parseDiskUsage(out string) (uint64, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty output from du")
	}
	size, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse du output %q: %w", strings.TrimSpace(out), err)
	}
	return size, nil
}

// fileList renders the relative paths below dir, one per line, in the order
// cpio expects them.
func fileList(dir string) ([]byte, error) {
	var b bytes.Buffer
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		b.WriteString(rel)
		b.WriteByte('\n')
		return nil
	})
	return b.Bytes(), err
}
