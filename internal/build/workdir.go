package build

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cochaviz/giftstick/internal/guard"
)

// WorkTree is the scratch space of one ISO stage. It is a single guard
// resource, so it is removed as a unit.
type WorkTree struct {
	Root      string
	ISO       string
	Rootfs    string
	Initramfs string
	Mnt       string

	resource *guard.Resource
}

// PrepareWorkTree creates a work tree below baseDir.
func PrepareWorkTree(ctx context.Context, g *guard.Guard, baseDir, runID string) (*WorkTree, error) {
	info, err := os.Stat(baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("work dir %q does not exist", baseDir)
		}
		return nil, fmt.Errorf("stat work dir %q: %w", baseDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("work dir %q is not a directory", baseDir)
	}

	pattern := "giftstick-"
	if len(runID) >= 8 {
		pattern += runID[:8] + "-"
	}
	res, err := g.Acquire(ctx, guard.TempDir{Parent: baseDir, Pattern: pattern})
	if err != nil {
		return nil, fmt.Errorf("create work tree: %w", err)
	}

	root := res.Path()
	tree := &WorkTree{
		Root:      root,
		ISO:       filepath.Join(root, "iso"),
		Rootfs:    filepath.Join(root, "rootfs"),
		Initramfs: filepath.Join(root, "initramfs"),
		Mnt:       filepath.Join(root, "mnt"),
		resource:  res,
	}
	// The chrooted program must be able to traverse into the root.
	if err := os.Chmod(root, 0o755); err != nil {
		return nil, errors.Join(fmt.Errorf("chmod work tree: %w", err), g.Release(res))
	}
	for _, dir := range []string{tree.ISO, tree.Rootfs, tree.Initramfs, tree.Mnt} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Join(fmt.Errorf("create %s: %w", dir, err), g.Release(res))
		}
	}
	return tree, nil
}

// Release removes the tree through the guard.
func (t *WorkTree) Release(g *guard.Guard) error {
	return g.Release(t.resource)
}
