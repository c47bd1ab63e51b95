package iso

import (
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/kdomanski/iso9660"
)

// Image summarizes an ISO image without mounting it.
type Image struct {
	Label    string
	DiskInfo string
	// Files holds every path in the image, lowercased and without leading slash.
	Files []string

	index map[string]struct{}
}

// Has reports whether the image contains name. Matching ignores case since
// plain ISO9660 names are upper case.
func (img *Image) Has(name string) bool {
	_, ok := img.index[normalizeISOPath(name)]
	return ok
}

// HasBootCatalog reports whether the ISOLINUX boot catalog is present.
func (img *Image) HasBootCatalog() bool {
	return img.Has("isolinux/boot.cat")
}

// Release resolves the base-distribution release from .disk/info.
func (img *Image) Release() (Release, error) {
	if img.DiskInfo == "" {
		return Release{}, fmt.Errorf("image has no .disk/info")
	}
	return ReleaseFor(img.DiskInfo)
}

// Inspect reads the volume label, .disk/info and the file list of the ISO
// at isoPath.
func Inspect(isoPath string) (*Image, error) {
	f, err := os.Open(isoPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	image, err := iso9660.OpenImage(f)
	if err != nil {
		return nil, fmt.Errorf("open iso image %s: %w", isoPath, err)
	}

	label, err := image.Label()
	if err != nil {
		return nil, fmt.Errorf("read volume label: %w", err)
	}

	root, err := image.RootDir()
	if err != nil {
		return nil, fmt.Errorf("read root directory: %w", err)
	}

	img := &Image{Label: strings.TrimSpace(label), index: map[string]struct{}{}}
	var walk func(*iso9660.File, string) error
	walk = func(file *iso9660.File, current string) error {
		if current != "" {
			img.index[current] = struct{}{}
			img.Files = append(img.Files, current)
		}
		if !file.IsDir() {
			if current == ".disk/info" || current == "_disk/info" {
				data, err := io.ReadAll(io.LimitReader(file.Reader(), 4096))
				if err != nil {
					return fmt.Errorf("read %s: %w", current, err)
				}
				img.DiskInfo = strings.TrimSpace(string(data))
			}
			return nil
		}

		children, err := file.GetChildren()
		if err != nil {
			return err
		}
		for _, child := range children {
			name := child.Name()
			if name == "" || name == "." || name == ".." {
				continue
			}
			if err := walk(child, normalizeISOPath(path.Join(current, name))); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, ""); err != nil {
		return nil, fmt.Errorf("walk %s: %w", isoPath, err)
	}
	sort.Strings(img.Files)
	return img, nil
}

func normalizeISOPath(p string) string {
	p = strings.ToLower(strings.Trim(path.Clean("/"+p), "/"))
	p = strings.TrimSuffix(p, ";1")
	if p != "." {
		p = strings.TrimSuffix(p, ".")
	}
	return p
}
