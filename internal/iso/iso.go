// Package iso unpacks a live-CD image into a directory tree and masters a
// hybrid ISO from such a tree again.
package iso

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/giftstick/internal/artifacts"
	"github.com/cochaviz/giftstick/internal/builderr"
	"github.com/cochaviz/giftstick/internal/command"
	"github.com/cochaviz/giftstick/internal/guard"
	"github.com/cochaviz/giftstick/internal/logging"
)

// ManifestRemove is the live-system manifest diff left out of the
// remastered ISO; the rootfs step regenerates the manifests separately.
const ManifestRemove = "casper/filesystem.manifest-remove"

// GrubHybridMBR is the host GRUB image written as the hybrid MBR of
// GRUB-booted ISOs (package grub-pc-bin).
const GrubHybridMBR = "/usr/lib/grub/i386-pc/boot_hybrid.img"

// BootLayout is the El Torito BIOS boot setup of a live tree.
type BootLayout struct {
	Name      string
	BootImage string
	Catalog   string
}

var (
	// ISOLinuxLayout is used by desktop images up to 20.04.
	ISOLinuxLayout = BootLayout{Name: "isolinux", BootImage: "isolinux/isolinux.bin", Catalog: "isolinux/boot.cat"}
	// GrubLayout is used by desktop images from 20.10 on.
	GrubLayout = BootLayout{Name: "grub", BootImage: "boot/grub/i386-pc/eltorito.img", Catalog: "boot.catalog"}
)

// DetectBootLayout reports which boot layout treeDir carries.
func DetectBootLayout(treeDir string) (BootLayout, error) {
	for _, layout := range []BootLayout{ISOLinuxLayout, GrubLayout} {
		info, err := os.Stat(filepath.Join(treeDir, layout.BootImage))
		if err == nil && info.Mode().IsRegular() {
			return layout, nil
		}
	}
	return BootLayout{}, fmt.Errorf("tree %s has neither %s nor %s", treeDir, ISOLinuxLayout.BootImage, GrubLayout.BootImage)
}

// Unpacker copies the content of an ISO image out through a read-only loop
// mount.
type Unpacker struct {
	Guard  *guard.Guard
	Logger *slog.Logger
	// MountDir is the scratch mount point.
	MountDir string
}

// Unpack mounts sourceISO read-only and copies its tree into destDir.
func (u *Unpacker) Unpack(ctx context.Context, sourceISO, destDir string) error {
	logger := logging.Ensure(u.Logger).With("source_iso", sourceISO)
	if u.MountDir == "" {
		return errors.New("iso: unpacker has no mount directory")
	}

	loop, err := u.Guard.Acquire(ctx, guard.Loop{File: sourceISO, ReadOnly: true})
	if err != nil {
		return err
	}
	defer u.Guard.Release(loop)

	mnt, err := u.Guard.Acquire(ctx, guard.Mount{
		Source:   loop.Path(),
		Target:   u.MountDir,
		FSType:   "iso9660",
		ReadOnly: true,
	})
	if err != nil {
		return err
	}
	defer u.Guard.Release(mnt)

	logger.Info("copying ISO contents", "dest", destDir)
	if err := CopyTree(mnt.Path(), destDir); err != nil {
		return fmt.Errorf("copy ISO tree: %w", err)
	}

	if err := u.Guard.Release(mnt); err != nil {
		return err
	}
	return u.Guard.Release(loop)
}

// Repacker masters an El Torito bootable hybrid ISO.
type Repacker struct {
	Runner command.Runner
	Logger *slog.Logger
	// VolumeLabel is embedded as the ISO volume identifier.
	VolumeLabel string
	// HybridMBR overrides GrubHybridMBR.
	HybridMBR string
}

func (r *Repacker) hybridMBR() string {
	if r.HybridMBR != "" {
		return r.HybridMBR
	}
	return GrubHybridMBR
}

// MasterCommand returns the mastering invocation for a tree with the given
// layout. ISOLINUX trees go through genisoimage and are made hybrid by
// isohybrid afterwards; GRUB trees are mastered hybrid by xorriso directly.
func MasterCommand(layout BootLayout, treeDir, destISO, label, hybridMBR string) command.Cmd {
	if layout.Name == GrubLayout.Name {
		return command.New("xorriso",
			"-as", "mkisofs",
			"-o", destISO,
			"-r", "-J", "-joliet-long", "-l",
			"-iso-level", "3",
			"-V", label,
			"--grub2-mbr", hybridMBR,
			"-partition_offset", "16",
			"-b", layout.BootImage,
			"-c", layout.Catalog,
			"-no-emul-boot",
			"-boot-load-size", "4",
			"-boot-info-table",
			"--grub2-boot-info",
			treeDir,
		)
	}
	return command.New("genisoimage",
		"-o", destISO,
		"-b", layout.BootImage,
		"-c", layout.Catalog,
		"-no-emul-boot",
		"-boot-load-size", "4",
		"-boot-info-table",
		"-J", "-R", "-l",
		"-cache-inodes",
		"-V", label,
		treeDir,
	)
}

// Repack builds destISO from treeDir, makes it hybrid and writes its
// checksum file. ManifestRemove is deleted from treeDir first.
func (r *Repacker) Repack(ctx context.Context, treeDir, destISO string) (artifacts.Artifact, error) {
	logger := logging.Ensure(r.Logger).With("dest", destISO)

	layout, err := DetectBootLayout(treeDir)
	if err != nil {
		return artifacts.Artifact{}, err
	}
	if layout.Name == GrubLayout.Name {
		if _, err := os.Stat(r.hybridMBR()); err != nil {
			return artifacts.Artifact{}, builderr.Precondition("GRUB hybrid MBR %s is missing (apt install grub-pc-bin): %v", r.hybridMBR(), err)
		}
	}
	// The boot info table is rewritten in place.
	if err := os.Chmod(filepath.Join(treeDir, layout.BootImage), 0o644); err != nil {
		return artifacts.Artifact{}, err
	}
	if err := os.Remove(filepath.Join(treeDir, ManifestRemove)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return artifacts.Artifact{}, fmt.Errorf("drop %s: %w", ManifestRemove, err)
	}
	if err := os.MkdirAll(filepath.Dir(destISO), 0o755); err != nil {
		return artifacts.Artifact{}, err
	}

	label := VolumeLabel(r.VolumeLabel)
	master := MasterCommand(layout, treeDir, destISO, label, r.hybridMBR())
	logger.Info("mastering ISO", "label", label, "boot", layout.Name, "tool", master.Name)
	if _, err := r.Runner.Run(ctx, master); err != nil {
		return artifacts.Artifact{}, fmt.Errorf("master ISO: %w", err)
	}

	if layout.Name == ISOLinuxLayout.Name {
		logger.Info("converting ISO to hybrid image")
		if _, err := r.Runner.Run(ctx, command.New("isohybrid", destISO)); err != nil {
			return artifacts.Artifact{}, fmt.Errorf("make ISO hybrid: %w", err)
		}
	}

	artifact, err := artifacts.WriteChecksum(destISO, artifacts.ISOArtifact)
	if err != nil {
		return artifacts.Artifact{}, err
	}
	artifact.Metadata = map[string]any{"volume_label": label, "boot_layout": layout.Name}
	logger.Info("remastered ISO ready", "md5", artifact.Checksum)
	return artifact, nil
}

// VolumeLabel sanitizes label into a valid 32-character volume identifier.
func VolumeLabel(label string) string {
	const maxLen = 32

	var b strings.Builder
	for _, r := range label {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "GIFTSTICK"
	}
	return b.String()
}
