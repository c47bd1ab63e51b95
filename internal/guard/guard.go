// Package guard tracks every kernel-level resource a build acquires (mounts,
// loop devices, scratch directories) and releases them in reverse order on
// every exit path.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/giftstick/internal/builderr"
	"github.com/cochaviz/giftstick/internal/logging"
)

// Kind names the resource variants the guard knows how to release.
type Kind string

const (
	KindMount   Kind = "mounted-filesystem"
	KindBind    Kind = "bind-mount"
	KindLoop    Kind = "loop-device"
	KindTempDir Kind = "temporary-directory"
)

// Host performs the privileged operations behind each resource kind.
type Host interface {
	Mount(source, target, fsType string, readOnly bool) error
	BindMount(source, target string) error
	// Unmount detaches target. When lazy is set the kernel detaches the mount
	// point immediately and cleans up once the last reference is gone.
	Unmount(target string, lazy bool) error
	AttachLoop(ctx context.Context, file string, readOnly, partScan bool) (string, error)
	DetachLoop(ctx context.Context, device string) error
	// MountsUnder lists active mount points at or below dir.
	MountsUnder(dir string) ([]string, error)
}

// Descriptor describes a resource to acquire.
type Descriptor interface {
	Kind() Kind
	String() string
}

// Mount mounts a filesystem (usually a loop device or image file) at Target.
type Mount struct {
	Source   string
	Target   string
	FSType   string
	ReadOnly bool
}

func (Mount) Kind() Kind { return KindMount }
func (m Mount) String() string {
	return fmt.Sprintf("mount %s on %s (%s)", m.Source, m.Target, m.FSType)
}

// Bind bind-mounts a host path into Target.
type Bind struct {
	Source string
	Target string
}

func (Bind) Kind() Kind { return KindBind }
func (b Bind) String() string {
	return fmt.Sprintf("bind %s on %s", b.Source, b.Target)
}

// Loop attaches File to the next free loop device. With PartScan the kernel
// exposes partition nodes as <device>p<N>.
type Loop struct {
	File     string
	ReadOnly bool
	PartScan bool
}

func (Loop) Kind() Kind { return KindLoop }
func (l Loop) String() string {
	return fmt.Sprintf("loop %s", l.File)
}

// TempDir creates a scratch directory below Parent.
type TempDir struct {
	Parent  string
	Pattern string
}

func (TempDir) Kind() Kind { return KindTempDir }
func (t TempDir) String() string {
	return fmt.Sprintf("tempdir %s/%s", t.Parent, t.Pattern)
}

// Resource is a handle to an acquired descriptor.
type Resource struct {
	Kind       Kind
	Descriptor Descriptor
	// Seq is the acquisition order within the owning guard, starting at 1.
	Seq uint64

	path     string
	released bool
}

// Path returns the mount point, loop device or directory backing the resource.
func (r *Resource) Path() string {
	return r.path
}

// Partition returns the device node of partition n on a partition-scanned
// loop device.
func (r *Resource) Partition(n int) string {
	if r.Kind != KindLoop {
		return ""
	}
	return fmt.Sprintf("%sp%d", r.path, n)
}

// Released reports whether the guard has already released the resource.
func (r *Resource) Released() bool {
	return r.released
}

// Guard owns all resources acquired during a run. It is safe for concurrent use.
type Guard struct {
	Logger *slog.Logger

	host   Host
	mu     sync.Mutex
	seq    uint64
	active []*Resource
}

// New returns a guard backed by host.
func New(host Host, logger *slog.Logger) *Guard {
	return &Guard{host: host, Logger: logger}
}

func (g *Guard) logger() *slog.Logger {
	return logging.Ensure(g.Logger).With("component", "guard")
}

// Acquire acquires the described resource and records it for release.
func (g *Guard) Acquire(ctx context.Context, desc Descriptor) (*Resource, error) {
	if desc == nil {
		return nil, errors.New("guard: nil descriptor")
	}
	if err := ctx.Err(); err != nil {
		return nil, builderr.Interrupted("acquire "+desc.String(), err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	path, err := g.acquire(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", desc, err)
	}

	g.seq++
	res := &Resource{Kind: desc.Kind(), Descriptor: desc, Seq: g.seq, path: path}
	g.active = append(g.active, res)
	g.logger().Debug("acquired resource", "kind", res.Kind, "path", path, "seq", res.Seq)
	return res, nil
}

func (g *Guard) acquire(ctx context.Context, desc Descriptor) (string, error) {
	switch d := desc.(type) {
	case Mount:
		if err := os.MkdirAll(d.Target, 0o755); err != nil {
			return "", err
		}
		if err := g.host.Mount(d.Source, d.Target, d.FSType, d.ReadOnly); err != nil {
			return "", err
		}
		return d.Target, nil
	case Bind:
		if err := os.MkdirAll(d.Target, 0o755); err != nil {
			return "", err
		}
		if err := g.host.BindMount(d.Source, d.Target); err != nil {
			return "", err
		}
		return d.Target, nil
	case Loop:
		return g.host.AttachLoop(ctx, d.File, d.ReadOnly, d.PartScan)
	case TempDir:
		parent := d.Parent
		if parent == "" {
			parent = os.TempDir()
		}
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return "", err
		}
		dir, err := os.MkdirTemp(parent, d.Pattern)
		if err != nil {
			return "", err
		}
		return filepath.Abs(dir)
	default:
		return "", fmt.Errorf("unsupported descriptor %T", desc)
	}
}

// Release releases a single resource. Releasing an already released resource
// is a no-op.
func (g *Guard) Release(res *Resource) error {
	if res == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.releaseLocked(res)
}

// ReleaseAll releases every active resource in reverse acquisition order. It
// keeps going past failures and returns them joined. Calling it again after a
// successful run, or with nothing acquired, does nothing.
func (g *Guard) ReleaseAll() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for i := len(g.active) - 1; i >= 0; i-- {
		if err := g.releaseLocked(g.active[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Active returns a snapshot of the unreleased resources in acquisition order.
func (g *Guard) Active() []*Resource {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Resource(nil), g.active...)
}

func (g *Guard) releaseLocked(res *Resource) error {
	if res.released {
		return nil
	}

	logger := g.logger().With("kind", res.Kind, "path", res.path, "seq", res.Seq)
	var err error
	switch res.Kind {
	case KindMount, KindBind:
		err = g.unmount(logger, res.path)
	case KindLoop:
		err = g.host.DetachLoop(context.Background(), res.path)
	case KindTempDir:
		err = g.removeTempDir(res.path)
	default:
		err = fmt.Errorf("unknown resource kind %q", res.Kind)
	}
	if err != nil {
		logger.Error("failed to release resource", "error", err)
		return fmt.Errorf("release %s: %w", res.Descriptor, err)
	}

	res.released = true
	g.forget(res)
	logger.Debug("released resource")
	return nil
}

func (g *Guard) unmount(logger *slog.Logger, target string) error {
	err := g.host.Unmount(target, false)
	if err == nil || !errors.Is(err, unix.EBUSY) {
		return err
	}
	logger.Warn("mount point busy, falling back to lazy unmount", "target", target)
	return g.host.Unmount(target, true)
}

func (g *Guard) removeTempDir(dir string) error {
	mounts, err := g.host.MountsUnder(dir)
	if err != nil {
		return fmt.Errorf("inspect mounts under %s: %w", dir, err)
	}
	if len(mounts) > 0 {
		return fmt.Errorf("refusing to remove %s: %d mount(s) still active beneath it (first: %s)", dir, len(mounts), mounts[0])
	}
	return os.RemoveAll(dir)
}

func (g *Guard) forget(res *Resource) {
	for i, candidate := range g.active {
		if candidate == res {
			g.active = append(g.active[:i], g.active[i+1:]...)
			return
		}
	}
}
