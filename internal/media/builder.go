package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/cochaviz/giftstick/arch"
	"github.com/cochaviz/giftstick/internal/artifacts"
	"github.com/cochaviz/giftstick/internal/builderr"
	"github.com/cochaviz/giftstick/internal/command"
	"github.com/cochaviz/giftstick/internal/guard"
	"github.com/cochaviz/giftstick/internal/iso"
	"github.com/cochaviz/giftstick/internal/logging"
	"github.com/cochaviz/giftstick/internal/system"
)

const mib = 1 << 20

// espHeadroom is kept free on the ESP next to the ISO for the boot loader.
const espHeadroom = 64 * mib

// fatMaxFile is the largest file FAT32 can store.
const fatMaxFile = 1<<32 - 1

// ESPSizeFor returns the ESP size for an ISO of isoSize bytes: requested,
// grown to a whole MiB when the ISO and the boot loader would not fit.
func ESPSizeFor(isoSize, requested uint64) (uint64, error) {
	if isoSize > fatMaxFile {
		return 0, fmt.Errorf("ISO of %s exceeds the 4 GiB file limit of the FAT32 EFI partition", humanize.IBytes(isoSize))
	}
	need := isoSize + espHeadroom
	if need <= requested {
		return requested, nil
	}
	return (need + mib - 1) / mib * mib, nil
}

const deviceTimeout = 10 * time.Second

// Request describes one image to build.
type Request struct {
	ISOPath   string
	ImagePath string
	ImageSize uint64
	ESPSize   uint64
	Release   iso.Release
	Payload   Payload
	// Arch selects the boot loader platform; empty means arch.Default.
	Arch arch.Architecture
}

// Result is a finished image.
type Result struct {
	ImagePath  string
	Layout     Layout
	BootConfig BootConfig
	Artifact   artifacts.Artifact
}

// Devices groups what both the builder and the updater need to reach the
// partitions of an image.
type Devices struct {
	Guard  *guard.Guard
	Logger *slog.Logger
	// MountDir holds the scratch mount points of the partitions.
	MountDir string
	// Source is the host filesystem the ISO and the key are read from.
	Source afero.Fs
	// NewTarget returns a filesystem rooted at a mounted partition.
	NewTarget func(mountPoint string) afero.Fs
	// WaitForDevice blocks until a partition node shows up.
	WaitForDevice func(ctx context.Context, path string) error
}

func (d *Devices) logger() *slog.Logger {
	return logging.Ensure(d.Logger)
}

func (d *Devices) source() afero.Fs {
	if d.Source != nil {
		return d.Source
	}
	return afero.NewOsFs()
}

func (d *Devices) target(mountPoint string) afero.Fs {
	if d.NewTarget != nil {
		return d.NewTarget(mountPoint)
	}
	return afero.NewBasePathFs(afero.NewOsFs(), mountPoint)
}

func (d *Devices) waitFor(ctx context.Context, device string) error {
	if d.WaitForDevice != nil {
		return d.WaitForDevice(ctx, device)
	}
	return system.WaitForDevice(ctx, device, deviceTimeout)
}

// attach loops image with partition scanning and waits for the nodes of the
// given partitions.
func (d *Devices) attach(ctx context.Context, image string, partitions ...int) (*guard.Resource, error) {
	loop, err := d.Guard.Acquire(ctx, guard.Loop{File: image, PartScan: true})
	if err != nil {
		return nil, err
	}
	for _, n := range partitions {
		if err := d.waitFor(ctx, loop.Partition(n)); err != nil {
			_ = d.Guard.Release(loop)
			return nil, fmt.Errorf("partition %d of %s: %w", n, image, err)
		}
	}
	return loop, nil
}

// Builder creates removable-media images.
type Builder struct {
	Devices
	Runner command.Runner
}

// NewBuilder returns a builder that mounts partitions below mountDir.
func NewBuilder(g *guard.Guard, runner command.Runner, logger *slog.Logger, mountDir string) *Builder {
	return &Builder{
		Devices: Devices{Guard: g, Logger: logger, MountDir: mountDir},
		Runner:  runner,
	}
}

// Build lays out, formats and populates the image described by req.
func (b *Builder) Build(ctx context.Context, req Request) (*Result, error) {
	logger := b.logger().With("image", req.ImagePath)

	isoInfo, err := b.source().Stat(req.ISOPath)
	if err != nil {
		return nil, builderr.Precondition("remastered ISO %s: %v", req.ISOPath, err)
	}
	espSize, err := ESPSizeFor(uint64(isoInfo.Size()), req.ESPSize)
	if err != nil {
		return nil, builderr.Precondition("%s: %v", req.ISOPath, err)
	}
	if espSize != req.ESPSize {
		logger.Info("growing EFI partition to fit the ISO",
			"requested", humanize.IBytes(req.ESPSize), "esp_size", humanize.IBytes(espSize))
	}
	layout := NewLayout(espSize)
	if err := layout.Validate(req.ImageSize); err != nil {
		return nil, builderr.Precondition("ISO %s (%s): %v", req.ISOPath, humanize.IBytes(uint64(isoInfo.Size())), err)
	}

	logger.Info("creating image", "size", humanize.IBytes(req.ImageSize))
	if err := CreateSparse(req.ImagePath, req.ImageSize); err != nil {
		return nil, fmt.Errorf("create image: %w", err)
	}
	if err := Zap(req.ImagePath); err != nil {
		return nil, err
	}
	if err := WritePartitionTable(req.ImagePath, layout); err != nil {
		return nil, err
	}
	written, err := ReadPartitionTable(req.ImagePath)
	if err != nil {
		return nil, err
	}
	if len(written) != len(layout) {
		return nil, fmt.Errorf("image has %d partitions after partitioning, want %d", len(written), len(layout))
	}

	loop, err := b.attach(ctx, req.ImagePath, 1, 2)
	if err != nil {
		return nil, err
	}
	defer b.Guard.Release(loop)

	if err := b.format(ctx, loop, layout); err != nil {
		return nil, err
	}
	if err := b.installBootLoader(ctx, loop, req); err != nil {
		return nil, err
	}
	cfg, err := b.stagePayload(ctx, loop, req.Payload)
	if err != nil {
		return nil, err
	}

	if err := b.Guard.Release(loop); err != nil {
		return nil, err
	}

	artifact, err := artifacts.WriteChecksum(req.ImagePath, artifacts.ImageArtifact)
	if err != nil {
		return nil, err
	}
	logger.Info("image ready", "md5", artifact.Checksum)
	return &Result{ImagePath: req.ImagePath, Layout: written, BootConfig: cfg, Artifact: artifact}, nil
}

func (b *Builder) format(ctx context.Context, loop *guard.Resource, layout Layout) error {
	for _, p := range layout {
		var cmd command.Cmd
		switch p.Filesystem {
		case "vfat":
			cmd = command.New("mkfs.vfat", "-F", "32", "-n", p.Label, loop.Partition(p.Number))
		case "ext3":
			cmd = command.New("mkfs.ext3", "-F", "-L", p.Label, loop.Partition(p.Number))
		default:
			return fmt.Errorf("no formatter for filesystem %q", p.Filesystem)
		}
		b.logger().Info("formatting partition", "partition", p.Number, "filesystem", p.Filesystem, "label", p.Label)
		if _, err := b.Runner.Run(ctx, cmd); err != nil {
			return fmt.Errorf("format partition %d: %w", p.Number, err)
		}
	}
	return nil
}

func (b *Builder) installBootLoader(ctx context.Context, loop *guard.Resource, req Request) error {
	mnt, err := b.Guard.Acquire(ctx, guard.Mount{Source: loop.Partition(1), Target: filepath.Join(b.MountDir, "esp"), FSType: "vfat"})
	if err != nil {
		return err
	}
	defer b.Guard.Release(mnt)

	platform := req.Arch
	if platform == "" {
		platform = arch.Default
	}
	if !platform.IsValid() {
		return builderr.Precondition("unsupported boot architecture %q", platform)
	}

	esp := mnt.Path()
	b.logger().Info("installing boot loader", "platform", platform.GrubTarget())
	if _, err := b.Runner.Run(ctx, command.New("grub-install",
		"--target="+platform.GrubTarget(),
		"--removable",
		"--no-nvram",
		"--efi-directory="+esp,
		"--boot-directory="+filepath.Join(esp, "boot"),
		loop.Path(),
	)); err != nil {
		return fmt.Errorf("install boot loader: %w", err)
	}

	target := b.target(esp)
	loader := path.Join("EFI", "BOOT", platform.RemovableLoader())
	if _, err := target.Stat(loader); err != nil {
		return builderr.Tool("grub-install", fmt.Errorf("no removable loader %s on the EFI partition: %w", loader, err))
	}
	isoName := filepath.Base(req.ISOPath)
	b.logger().Info("copying ISO to EFI partition", "iso", isoName)
	if err := copyAcross(b.source(), req.ISOPath, target, isoName); err != nil {
		return fmt.Errorf("copy ISO: %w", err)
	}

	menu, err := BootMenu{
		ISOFile: "/" + isoName,
		Kernel:  req.Release.Kernel,
		Initrd:  req.Release.Initrd,
	}.Render()
	if err != nil {
		return err
	}
	if err := target.MkdirAll("boot/grub", 0o755); err != nil {
		return err
	}
	if err := afero.WriteFile(target, "boot/grub/grub.cfg", menu, 0o644); err != nil {
		return fmt.Errorf("write boot menu: %w", err)
	}

	return b.Guard.Release(mnt)
}

func (b *Builder) stagePayload(ctx context.Context, loop *guard.Resource, p Payload) (BootConfig, error) {
	mnt, err := b.Guard.Acquire(ctx, guard.Mount{Source: loop.Partition(2), Target: filepath.Join(b.MountDir, "persistence"), FSType: "ext3"})
	if err != nil {
		return BootConfig{}, err
	}
	defer b.Guard.Release(mnt)

	b.logger().Info("staging payload", "home", LiveHome, "remote_url", p.RemoteURL, "e2e", p.E2E)
	stager := &Stager{Target: b.target(mnt.Path()), Source: b.source()}
	cfg, err := stager.Stage(p)
	if err != nil {
		return BootConfig{}, err
	}
	return cfg, b.Guard.Release(mnt)
}

func copyAcross(src afero.Fs, srcPath string, dst afero.Fs, dstPath string) error {
	in, err := src.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()

	if dir := path.Dir(dstPath); dir != "." {
		if err := dst.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	out, err := dst.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
