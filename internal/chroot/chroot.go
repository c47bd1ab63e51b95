// Package chroot runs a customization program inside an unpacked root
// filesystem with the host's pseudo-filesystems bound in.
package chroot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cochaviz/giftstick/internal/command"
	"github.com/cochaviz/giftstick/internal/guard"
	"github.com/cochaviz/giftstick/internal/logging"
)

// BindPaths are bound from the host into the root, in this order.
var BindPaths = []string{"/proc", "/sys", "/dev/pts", "/tmp"}

// FallbackNameserver is written when the root has no usable resolver
// configuration.
const FallbackNameserver = "8.8.8.8"

const resolvConf = "etc/resolv.conf"

// Executor runs programs inside a root filesystem.
type Executor struct {
	Guard  *guard.Guard
	Runner command.Runner
	Logger *slog.Logger
	// Env is passed to the program in addition to the host environment.
	Env map[string]string
}

func (e *Executor) logger() *slog.Logger {
	return logging.Ensure(e.Logger)
}

// Run copies scriptPath into rootDir and executes it there. The binds and
// the DNS patch are undone on every exit path. Failures while undoing them
// are only returned when the program itself succeeded.
func (e *Executor) Run(ctx context.Context, rootDir, scriptPath string) (err error) {
	logger := e.logger()

	if info, statErr := os.Stat(rootDir); statErr != nil || !info.IsDir() {
		return fmt.Errorf("root filesystem %s is not a directory", rootDir)
	}
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("read customization script: %w", err)
	}

	var undo []func() error
	defer func() {
		var errs []error
		for i := len(undo) - 1; i >= 0; i-- {
			if uerr := undo[i](); uerr != nil {
				logger.Error("failed to undo chroot setup", "error", uerr)
				errs = append(errs, uerr)
			}
		}
		if err == nil {
			err = errors.Join(errs...)
		}
	}()

	for _, p := range BindPaths {
		res, bindErr := e.Guard.Acquire(ctx, guard.Bind{Source: p, Target: filepath.Join(rootDir, p)})
		if bindErr != nil {
			return bindErr
		}
		undo = append(undo, func() error { return e.Guard.Release(res) })
	}

	restore, err := patchDNS(rootDir)
	if err != nil {
		return fmt.Errorf("prepare resolver configuration: %w", err)
	}
	if restore != nil {
		logger.Info("patched resolver configuration", "nameserver", FallbackNameserver)
		undo = append(undo, restore)
	}

	name := filepath.Base(scriptPath)
	inRoot := filepath.Join(rootDir, name)
	if err := os.WriteFile(inRoot, script, 0o755); err != nil {
		return fmt.Errorf("copy customization script: %w", err)
	}
	undo = append(undo, func() error { return os.Remove(inRoot) })

	logger.Info("running customization script", "script", name)
	cmd := command.New("chroot", rootDir, "/"+name)
	cmd.Env = e.Env
	if _, err := e.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("customization script: %w", err)
	}
	return nil
}

// patchDNS writes a fallback resolv.conf when the root's resolv.conf does not
// resolve to a regular file, typically a dangling systemd-resolved link. The
// returned func puts the original entry back; it is nil when nothing changed.
func patchDNS(rootDir string) (func() error, error) {
	path := filepath.Join(rootDir, resolvConf)
	if resolvesToRegularFile(rootDir, path) {
		return nil, nil
	}

	info, err := os.Lstat(path)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := writeResolvConf(path); err != nil {
			return nil, err
		}
		return func() error { return os.Remove(path) }, nil
	case err != nil:
		return nil, err
	case info.Mode()&os.ModeSymlink == 0:
		return nil, fmt.Errorf("%s is neither a file nor a link", path)
	}

	link, err := os.Readlink(path)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		return nil, err
	}
	if err := writeResolvConf(path); err != nil {
		return nil, errors.Join(err, os.Symlink(link, path))
	}
	return func() error {
		if err := os.Remove(path); err != nil {
			return err
		}
		return os.Symlink(link, path)
	}, nil
}

func writeResolvConf(path string) error {
	return os.WriteFile(path, []byte("nameserver "+FallbackNameserver+"\n"), 0o644)
}

// resolvesToRegularFile follows symlinks at path as the chrooted program
// would see them, so absolute targets are taken relative to rootDir.
func resolvesToRegularFile(rootDir, path string) bool {
	for range 16 {
		info, err := os.Lstat(path)
		if err != nil {
			return false
		}
		if info.Mode().IsRegular() {
			return true
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return false
		}
		link, err := os.Readlink(path)
		if err != nil {
			return false
		}
		if filepath.IsAbs(link) {
			path = filepath.Join(rootDir, link)
		} else {
			path = filepath.Join(filepath.Dir(path), link)
		}
	}
	return false
}
