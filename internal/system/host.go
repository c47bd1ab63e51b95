// Package system implements the privileged host operations the build relies on.
package system

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/giftstick/internal/command"
	"github.com/cochaviz/giftstick/internal/guard"
	"github.com/cochaviz/giftstick/internal/logging"
)

var _ guard.Host = (*Host)(nil)

// Host talks to the running kernel: mount(2)/umount2(2) directly, loop
// devices through losetup.
type Host struct {
	Runner command.Runner
	Logger *slog.Logger
	// MountTable defaults to /proc/self/mounts.
	MountTable string
}

// NewHost returns a Host that runs losetup through runner.
func NewHost(runner command.Runner, logger *slog.Logger) *Host {
	return &Host{Runner: runner, Logger: logger}
}

func (h *Host) logger() *slog.Logger {
	return logging.Ensure(h.Logger).With("component", "host")
}

// Mount mounts source on target. Image files are expected to be attached to
// a loop device first.
func (h *Host) Mount(source, target, fsType string, readOnly bool) error {
	var flags uintptr
	if readOnly {
		flags |= unix.MS_RDONLY
	}
	h.logger().Debug("mount", "source", source, "target", target, "fstype", fsType, "read_only", readOnly)
	if err := unix.Mount(source, target, fsType, flags, ""); err != nil {
		return fmt.Errorf("mount %s on %s: %w", source, target, err)
	}
	return nil
}

// BindMount bind-mounts source on target.
func (h *Host) BindMount(source, target string) error {
	h.logger().Debug("bind mount", "source", source, "target", target)
	if err := unix.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind %s on %s: %w", source, target, err)
	}
	return nil
}

// Unmount unmounts target, lazily when requested.
func (h *Host) Unmount(target string, lazy bool) error {
	flags := 0
	if lazy {
		flags = unix.MNT_DETACH
	}
	h.logger().Debug("unmount", "target", target, "lazy", lazy)
	if err := unix.Unmount(target, flags); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	return nil
}

// AttachLoop attaches file to the first free loop device and returns its path.
func (h *Host) AttachLoop(ctx context.Context, file string, readOnly, partScan bool) (string, error) {
	args := []string{"--find", "--show"}
	if readOnly {
		args = append(args, "--read-only")
	}
	if partScan {
		args = append(args, "--partscan")
	}
	args = append(args, file)

	device, err := command.Output(ctx, h.Runner, command.New("losetup", args...))
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(device, "/dev/loop") {
		return "", fmt.Errorf("losetup returned unexpected device %q", device)
	}
	return device, nil
}

// DetachLoop releases a loop device.
func (h *Host) DetachLoop(ctx context.Context, device string) error {
	_, err := h.Runner.Run(ctx, command.New("losetup", "-d", device))
	return err
}

// MountsUnder lists the mount points at or below dir, deepest first.
func (h *Host) MountsUnder(dir string) ([]string, error) {
	table, err := ReadMountTable(h.mountTable())
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return table.Under(abs), nil
}

func (h *Host) mountTable() string {
	if h.MountTable != "" {
		return h.MountTable
	}
	return "/proc/self/mounts"
}

// FreeSpace reports the bytes available to unprivileged users on the
// filesystem holding dir.
func FreeSpace(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// WaitForDevice polls until path exists. Partition nodes of a freshly
// attached loop device show up asynchronously.
func WaitForDevice(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("device %s did not appear within %s", path, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
