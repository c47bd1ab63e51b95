// Package guardtest provides an in-memory guard.Host for tests.
package guardtest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Host records mounts and loop attachments without touching the kernel.
type Host struct {
	mu sync.Mutex

	mounts map[string]string // target -> source
	loops  map[string]string // device -> file
	next   int

	// Ops lists every call in order, e.g. "mount /dev/loop0p1 /mnt".
	Ops []string
	// BusyOnce makes the first non-lazy unmount of a target fail with EBUSY.
	BusyOnce map[string]bool
	// FailUnmount makes every unmount of a target fail.
	FailUnmount map[string]error
	// FailAttach makes AttachLoop fail for the given file.
	FailAttach map[string]error
	// OnMount is invoked after a successful mount, e.g. to populate the
	// mount point with fixture files.
	OnMount func(source, target string)
}

// NewHost returns an empty fake host.
func NewHost() *Host {
	return &Host{
		mounts:      map[string]string{},
		loops:       map[string]string{},
		BusyOnce:    map[string]bool{},
		FailUnmount: map[string]error{},
		FailAttach:  map[string]error{},
	}
}

func (h *Host) record(format string, args ...any) {
	h.Ops = append(h.Ops, fmt.Sprintf(format, args...))
}

func (h *Host) Mount(source, target, fsType string, readOnly bool) error {
	h.mu.Lock()
	if _, ok := h.mounts[target]; ok {
		h.mu.Unlock()
		return unix.EBUSY
	}
	h.mounts[target] = source
	mode := "rw"
	if readOnly {
		mode = "ro"
	}
	h.record("mount %s %s %s %s", source, target, fsType, mode)
	hook := h.OnMount
	h.mu.Unlock()

	if hook != nil {
		hook(source, target)
	}
	return nil
}

func (h *Host) BindMount(source, target string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.mounts[target]; ok {
		return unix.EBUSY
	}
	h.mounts[target] = source
	h.record("bind %s %s", source, target)
	return nil
}

func (h *Host) Unmount(target string, lazy bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.FailUnmount[target]; err != nil {
		h.record("umount-failed %s", target)
		return err
	}
	if _, ok := h.mounts[target]; !ok {
		return unix.EINVAL
	}
	if !lazy && h.BusyOnce[target] {
		delete(h.BusyOnce, target)
		h.record("umount-busy %s", target)
		return unix.EBUSY
	}
	delete(h.mounts, target)
	if lazy {
		h.record("umount-lazy %s", target)
	} else {
		h.record("umount %s", target)
	}
	return nil
}

func (h *Host) AttachLoop(ctx context.Context, file string, readOnly, partScan bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.FailAttach[file]; err != nil {
		return "", err
	}
	device := fmt.Sprintf("/dev/loop%d", h.next)
	h.next++
	h.loops[device] = file
	h.record("attach %s %s", device, file)
	return device, nil
}

func (h *Host) DetachLoop(_ context.Context, device string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.loops[device]; !ok {
		return errors.New("no such loop device " + device)
	}
	delete(h.loops, device)
	h.record("detach %s", device)
	return nil
}

func (h *Host) MountsUnder(dir string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dir = filepath.Clean(dir)
	var out []string
	for target := range h.mounts {
		if target == dir || strings.HasPrefix(target, dir+string(filepath.Separator)) {
			out = append(out, target)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ActiveMounts returns every mount point currently mounted.
func (h *Host) ActiveMounts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.mounts))
	for target := range h.mounts {
		out = append(out, target)
	}
	sort.Strings(out)
	return out
}

// ActiveLoops returns every attached loop device.
func (h *Host) ActiveLoops() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.loops))
	for device := range h.loops {
		out = append(out, device)
	}
	sort.Strings(out)
	return out
}

// SourceOf returns what is mounted on target.
func (h *Host) SourceOf(target string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	source, ok := h.mounts[target]
	return source, ok
}
