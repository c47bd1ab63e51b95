// Package preflight turns raw options into a validated BuildConfig, refusing
// to start a run whose preconditions do not hold.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cochaviz/giftstick/internal/builderr"
	"github.com/cochaviz/giftstick/internal/command"
	"github.com/cochaviz/giftstick/internal/config"
	"github.com/cochaviz/giftstick/internal/media"
	"github.com/cochaviz/giftstick/internal/system"
)

// expectedISOPattern is what an official Ubuntu desktop image is called.
const expectedISOPattern = "ubuntu-*-desktop-amd64.iso"

// Host packages each stage shells out to.
var (
	isoPackages = []string{
		"genisoimage",
		"syslinux-utils",
		"squashfs-tools",
		"cpio",
		"lz4",
		"zstd",
		"xorriso",
		"grub-pc-bin",
		"xz-utils",
	}
	imagePackages = []string{
		"dosfstools",
		"e2fsprogs",
		"grub-efi-amd64-bin",
		"grub2-common",
	}
)

// Env holds the host facilities preflight checks.
type Env struct {
	Runner    command.Runner
	FreeSpace func(dir string) (uint64, error)
	Confirm   Confirmer
	Now       func() time.Time
}

func (e Env) withDefaults() Env {
	if e.FreeSpace == nil {
		e.FreeSpace = system.FreeSpace
	}
	if e.Confirm == nil {
		e.Confirm = NewTerminalConfirmer()
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	return e
}

// RequiredPackages lists the host packages needed for the enabled stages.
func RequiredPackages(opts Options) []string {
	var pkgs []string
	if !opts.SkipISO {
		pkgs = append(pkgs, isoPackages...)
	}
	if !opts.SkipImage {
		pkgs = append(pkgs, imagePackages...)
	}
	return pkgs
}

// Validate runs every precondition check in order and returns the resolved
// configuration. Any failure is a precondition error; nothing on the host has
// been modified at that point.
func Validate(ctx context.Context, opts Options, env Env) (*config.BuildConfig, error) {
	env = env.withDefaults()
	logger := getLogger()

	imageSize, espSize, err := parseSizes(opts)
	if err != nil {
		return nil, err
	}

	if err := checkPackages(ctx, env.Runner, RequiredPackages(opts)); err != nil {
		return nil, err
	}

	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return nil, builderr.Precondition("resolve work directory %q: %v", opts.WorkDir, err)
	}
	if info, err := os.Stat(workDir); err != nil || !info.IsDir() {
		return nil, builderr.Precondition("work directory %s does not exist", workDir)
	}
	if !opts.SkipImage {
		if err := checkFreeSpace(env.FreeSpace, workDir, imageSize); err != nil {
			return nil, err
		}
	}

	now := env.Now()
	remastered := opts.RemasteredISO
	if remastered == "" {
		remastered = config.DefaultISOName(".", now)
	}
	image := opts.Image
	if image == "" {
		image = config.DefaultImageName(".", now)
	}

	if !opts.SkipISO {
		if err := checkSourceISO(opts.SourceISO, opts.AssumeYes, env.Confirm); err != nil {
			return nil, err
		}
	} else if !opts.SkipImage {
		if err := checkReadable(remastered, "--remastered_iso"); err != nil {
			return nil, err
		}
	}

	if !opts.SkipImage {
		// The remastered ISO stays close to the source in size.
		isoPath := opts.SourceISO
		if opts.SkipISO {
			isoPath = remastered
		}
		if err := checkISOFitsImage(isoPath, imageSize, espSize); err != nil {
			return nil, err
		}
	}

	if err := checkFlags(opts); err != nil {
		return nil, err
	}

	cfg := &config.BuildConfig{
		SourceISO:       absOrEmpty(opts.SourceISO),
		RemasteredISO:   absOrEmpty(remastered),
		ImagePath:       absOrEmpty(image),
		ImageSize:       imageSize,
		ESPSize:         espSize,
		WorkDir:         workDir,
		Project:         opts.Project,
		Bucket:          opts.Bucket,
		ExtraGCSPath:    strings.Trim(opts.ExtraGCSPath, "/"),
		SAKeyFile:       absOrEmpty(opts.SAJSONFile),
		SAKeyPath:       absOrEmpty(opts.SAKeyPath),
		SAName:          opts.SAName,
		GrantLogging:    opts.GrantLogging,
		CustomizeScript: absOrEmpty(opts.CustomizeScript),
		SkipCloud:       opts.SkipGCS,
		SkipISO:         opts.SkipISO,
		SkipImage:       opts.SkipImage,
		E2ETest:         opts.E2ETest,
		BuildDate:       now,
	}
	if cfg.SAKeyPath == "" {
		cfg.SAKeyPath = filepath.Join(workDir, opts.SAName+"_key.json")
	}
	if err := cfg.Validate(); err != nil {
		return nil, builderr.Precondition("%v", err)
	}

	logger.Info("preconditions satisfied",
		"image", cfg.ImagePath,
		"image_size", humanize.IBytes(cfg.ImageSize),
		"remastered_iso", cfg.RemasteredISO,
		"skip_gcs", cfg.SkipCloud,
		"skip_iso", cfg.SkipISO,
		"skip_image", cfg.SkipImage,
	)
	return cfg, nil
}

func parseSizes(opts Options) (uint64, uint64, error) {
	imageSize, err := humanize.ParseBytes(opts.ImageSize)
	if err != nil {
		return 0, 0, builderr.Precondition("--image_size %q: %v", opts.ImageSize, err)
	}
	espSize, err := humanize.ParseBytes(opts.ESPSize)
	if err != nil {
		return 0, 0, builderr.Precondition("--esp_size %q: %v", opts.ESPSize, err)
	}
	if !opts.SkipImage && espSize >= imageSize {
		return 0, 0, builderr.Precondition("--esp_size %s leaves no room for the persistence partition in a %s image",
			humanize.IBytes(espSize), humanize.IBytes(imageSize))
	}
	return imageSize, espSize, nil
}

func checkPackages(ctx context.Context, runner command.Runner, pkgs []string) error {
	for _, pkg := range pkgs {
		status, err := command.Output(ctx, runner, command.New("dpkg-query", "-W", "-f=${Status}", pkg))
		if err != nil {
			if builderr.Is(err, builderr.KindInterrupted) {
				return err
			}
			return builderr.Precondition("required package %s is not installed (apt install %s)", pkg, pkg)
		}
		if !strings.HasSuffix(status, " installed") {
			return builderr.Precondition("required package %s is not installed (status %q; apt install %s)", pkg, status, pkg)
		}
		getLogger().Debug("package present", "package", pkg)
	}
	return nil
}

// requiredFreeSpace is the image file plus room for the remastered ISO
// staged next to it.
func requiredFreeSpace(imageSize uint64) uint64 {
	return imageSize + imageSize/2
}

func checkFreeSpace(freeSpace func(string) (uint64, error), dir string, imageSize uint64) error {
	free, err := freeSpace(dir)
	if err != nil {
		return builderr.Precondition("determine free space in %s: %v", dir, err)
	}
	need := requiredFreeSpace(imageSize)
	if free < need {
		return builderr.Precondition("not enough free space in %s: need %s (image size plus half), have %s",
			dir, humanize.IBytes(need), humanize.IBytes(free))
	}
	return nil
}

// checkISOFitsImage rejects ISOs that cannot be copied onto the EFI
// partition of an image of imageSize bytes.
func checkISOFitsImage(isoPath string, imageSize, espSize uint64) error {
	info, err := os.Stat(isoPath)
	if err != nil {
		return builderr.Precondition("stat %s: %v", isoPath, err)
	}
	esp, err := media.ESPSizeFor(uint64(info.Size()), espSize)
	if err != nil {
		return builderr.Precondition("%s: %v", isoPath, err)
	}
	if err := media.NewLayout(esp).Validate(imageSize); err != nil {
		return builderr.Precondition("%s needs an EFI partition of %s: %v (raise --image_size)", isoPath, humanize.IBytes(esp), err)
	}
	return nil
}

func checkSourceISO(path string, assumeYes bool, confirm Confirmer) error {
	if path == "" {
		return builderr.Precondition("--source_iso is required unless --skip_iso is set")
	}
	if err := checkReadable(path, "--source_iso"); err != nil {
		return err
	}

	if ok, _ := filepath.Match(expectedISOPattern, filepath.Base(path)); ok {
		return nil
	}
	getLogger().Warn("source ISO name does not look like an Ubuntu desktop image",
		"source_iso", path, "expected", expectedISOPattern)
	if assumeYes {
		return nil
	}
	yes, err := confirm.Confirm(fmt.Sprintf("%s does not match %s. Continue anyway?", filepath.Base(path), expectedISOPattern))
	if err != nil {
		return builderr.Precondition("%v", err)
	}
	if !yes {
		return builderr.Precondition("aborted by operator")
	}
	return nil
}

func checkReadable(path, flag string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return builderr.Precondition("%s %s does not exist", flag, path)
		}
		return builderr.Precondition("%s %s is not readable: %v", flag, path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return builderr.Precondition("%s %s: %v", flag, path, err)
	}
	if info.IsDir() {
		return builderr.Precondition("%s %s is a directory", flag, path)
	}
	return nil
}

func checkFlags(opts Options) error {
	if !opts.SkipGCS {
		if opts.Project == "" {
			return builderr.Precondition("--project is required unless --skip_gcs is set")
		}
		if opts.Bucket == "" {
			return builderr.Precondition("--bucket is required unless --skip_gcs is set")
		}
	}
	if !opts.SkipImage {
		if opts.Bucket == "" {
			return builderr.Precondition("--bucket is required to build an image (it names the upload destination)")
		}
		if opts.SkipGCS && opts.SAJSONFile == "" {
			return builderr.Precondition("--sa_json_file is required when --skip_gcs is set and an image is built")
		}
	}
	if opts.Bucket != "" {
		if err := config.ValidateBucketName(opts.Bucket); err != nil {
			return builderr.Precondition("--bucket: %v", err)
		}
		if err := config.NewStorageURL(opts.Bucket, opts.ExtraGCSPath).Validate(); err != nil {
			return builderr.Precondition("--extra_gcs_path: %v", err)
		}
	}
	if opts.SAJSONFile != "" {
		if err := checkReadable(opts.SAJSONFile, "--sa_json_file"); err != nil {
			return err
		}
	}
	if opts.CustomizeScript != "" {
		if err := checkReadable(opts.CustomizeScript, "--customize_script"); err != nil {
			return err
		}
	}
	if !opts.SkipGCS && opts.SAJSONFile == "" && opts.SAName == "" {
		return builderr.Precondition("--sa_name must not be empty")
	}
	return nil
}

func absOrEmpty(path string) string {
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
