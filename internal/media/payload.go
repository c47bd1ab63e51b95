package media

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
)

// Paths on the persistence partition. casper overlays upper/ onto the live
// root filesystem, so upper/home/gift shows up as /home/gift.
const (
	UpperDir       = "upper"
	OverlayWorkDir = "work"
	LiveHome       = "/home/gift"
	BootConfigName = "config.sh"
	LauncherName   = "call_auto_forensicate.sh"
	E2EScriptName  = "e2e.sh"
	e2eAutostart   = ".config/autostart/giftstick-e2e.desktop"
)

// LiveUID and LiveGID own the live session user's files.
const (
	LiveUID = 999
	LiveGID = 999
)

// E2EExtraOptions restricts the unattended test acquisition to the scratch
// disk of the test VM.
const E2EExtraOptions = "--disk sdb"

// HomeDir returns the staged home directory relative to the partition root.
func HomeDir() string {
	return path.Join(UpperDir, LiveHome)
}

// Payload is what gets staged on the persistence partition.
type Payload struct {
	// KeyFile is the host path of the service account key. Empty skips it.
	KeyFile   string
	RemoteURL string
	E2E       bool
}

// Stager writes the payload onto a mounted persistence partition.
type Stager struct {
	// Target is rooted at the partition's mount point.
	Target afero.Fs
	// Source is where KeyFile is read from.
	Source afero.Fs
}

// Stage populates the live user's home directory and returns the boot
// configuration written there.
func (s *Stager) Stage(p Payload) (BootConfig, error) {
	home := HomeDir()
	for _, dir := range []string{home, OverlayWorkDir} {
		if err := s.Target.MkdirAll(dir, 0o755); err != nil {
			return BootConfig{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	cfg := BootConfig{ScriptName: DefaultScriptName, RemoteURL: p.RemoteURL}
	if p.KeyFile != "" {
		key, err := afero.ReadFile(s.Source, p.KeyFile)
		if err != nil {
			return BootConfig{}, fmt.Errorf("read service account key: %w", err)
		}
		name := filepath.Base(p.KeyFile)
		if err := afero.WriteFile(s.Target, path.Join(home, name), key, 0o600); err != nil {
			return BootConfig{}, fmt.Errorf("stage service account key: %w", err)
		}
		cfg.KeyFile = path.Join(LiveHome, name)
	}
	if p.E2E {
		cfg.ExtraOptions = E2EExtraOptions
	}

	if err := WriteBootConfig(s.Target, path.Join(home, BootConfigName), cfg); err != nil {
		return BootConfig{}, fmt.Errorf("stage boot config: %w", err)
	}

	files := []stagedFile{{LauncherName, embeddedLauncher, 0o755}}
	if p.E2E {
		files = append(files,
			stagedFile{E2EScriptName, embeddedE2EScript, 0o755},
			stagedFile{e2eAutostart, embeddedE2EAutostart, 0o644},
		)
	}
	for _, f := range files {
		target := path.Join(home, f.name)
		if err := s.Target.MkdirAll(path.Dir(target), 0o755); err != nil {
			return BootConfig{}, err
		}
		if err := afero.WriteFile(s.Target, target, f.data, f.perm); err != nil {
			return BootConfig{}, fmt.Errorf("stage %s: %w", f.name, err)
		}
	}

	if err := chownTree(s.Target, home, LiveUID, LiveGID); err != nil {
		return BootConfig{}, fmt.Errorf("set ownership of %s: %w", home, err)
	}
	return cfg, nil
}

type stagedFile struct {
	name string
	data []byte
	perm os.FileMode
}

func chownTree(fsys afero.Fs, root string, uid, gid int) error {
	return afero.Walk(fsys, root, func(p string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return fsys.Chown(p, uid, gid)
	})
}
