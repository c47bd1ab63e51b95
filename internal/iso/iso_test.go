package iso

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/kdomanski/iso9660"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/giftstick/internal/artifacts"
	"github.com/cochaviz/giftstick/internal/command"
	"github.com/cochaviz/giftstick/internal/command/commandtest"
	"github.com/cochaviz/giftstick/internal/guard"
	"github.com/cochaviz/giftstick/internal/guard/guardtest"
	"github.com/cochaviz/giftstick/internal/logging"
)

func writeLiveTree(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		"isolinux/isolinux.bin":      "bootloader",
		"isolinux/boot.cat":          "catalog",
		"casper/vmlinuz":             "kernel",
		"casper/initrd":              "initramfs",
		"casper/filesystem.squashfs": "rootfs",
		"md5sum.txt":                 "sums",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o444))
	}
}

func writeISO(t *testing.T, treeDir, isoPath, label string) {
	t.Helper()
	writer, err := iso9660.NewWriter()
	require.NoError(t, err)
	defer writer.Cleanup()

	require.NoError(t, writer.AddLocalDirectory(treeDir, "/"))
	out, err := os.Create(isoPath)
	require.NoError(t, err)
	require.NoError(t, writer.WriteTo(out, label))
	require.NoError(t, out.Close())
}

// fakeMastering stands in for genisoimage by writing a plain ISO of the tree.
func fakeMastering(t *testing.T) *commandtest.Fake {
	return commandtest.NewFake().On("genisoimage", func(cmd command.Cmd) (*command.Result, error) {
		var out, label string
		for i := 0; i < len(cmd.Args)-1; i++ {
			switch cmd.Args[i] {
			case "-o":
				out = cmd.Args[i+1]
			case "-V":
				label = cmd.Args[i+1]
			}
		}
		if out == "" {
			return nil, fmt.Errorf("no -o in %v", cmd.Args)
		}
		writeISO(t, cmd.Args[len(cmd.Args)-1], out, label)
		return &command.Result{}, nil
	})
}

func TestUnpackRepackPreservesBootLayout(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fixture := filepath.Join(root, "fixture")
	writeLiveTree(t, fixture)
	sourceISO := filepath.Join(root, "ubuntu-22.04-desktop-amd64.iso")
	writeISO(t, fixture, sourceISO, "UBUNTU_22_04")

	host := guardtest.NewHost()
	mountDir := filepath.Join(root, "mnt")
	host.OnMount = func(source, target string) {
		if target == mountDir {
			require.NoError(t, CopyTree(fixture, target))
		}
	}
	g := guard.New(host, logging.Discard())

	tree := filepath.Join(root, "tree")
	unpacker := &Unpacker{Guard: g, Logger: logging.Discard(), MountDir: mountDir}
	require.NoError(t, unpacker.Unpack(context.Background(), sourceISO, tree))
	assert.Empty(t, g.Active())
	assert.Empty(t, host.ActiveLoops())
	assert.Contains(t, host.Ops, "attach /dev/loop0 "+sourceISO)
	assert.Contains(t, host.Ops, "mount /dev/loop0 "+mountDir+" iso9660 ro")

	runner := fakeMastering(t)
	repacker := &Repacker{Runner: runner, Logger: logging.Discard(), VolumeLabel: "giftstick-20240101"}
	destISO := filepath.Join(root, "out", "giftstick.iso")
	artifact, err := repacker.Repack(context.Background(), tree, destISO)
	require.NoError(t, err)
	assert.Equal(t, artifacts.ISOArtifact, artifact.Kind)
	require.NoError(t, artifacts.VerifyChecksum(destISO))
	assert.True(t, runner.Ran("isohybrid "+destISO))

	before, err := Inspect(sourceISO)
	require.NoError(t, err)
	after, err := Inspect(destISO)
	require.NoError(t, err)

	assert.Equal(t, before.Files, after.Files)
	assert.True(t, before.HasBootCatalog())
	assert.True(t, after.HasBootCatalog())
	assert.True(t, after.Has("casper/vmlinuz"))
	assert.Equal(t, "GIFTSTICK-20240101", after.Label)
}

func TestMasterCommandISOLinux(t *testing.T) {
	t.Parallel()

	cmd := MasterCommand(ISOLinuxLayout, "/work/iso", "/out/a.iso", "GIFTSTICK-20240101", GrubHybridMBR)
	assert.Equal(t, "genisoimage", cmd.Name)
	assert.Equal(t, []string{
		"-o", "/out/a.iso",
		"-b", "isolinux/isolinux.bin",
		"-c", "isolinux/boot.cat",
		"-no-emul-boot", "-boot-load-size", "4", "-boot-info-table",
		"-J", "-R", "-l", "-cache-inodes",
		"-V", "GIFTSTICK-20240101",
		"/work/iso",
	}, cmd.Args)
}

func TestMasterCommandGrub(t *testing.T) {
	t.Parallel()

	cmd := MasterCommand(GrubLayout, "/work/iso", "/out/a.iso", "GIFTSTICK-20240101", "/mbr.img")
	assert.Equal(t, "xorriso", cmd.Name)
	assert.Equal(t, []string{"-as", "mkisofs"}, cmd.Args[:2])
	assert.Contains(t, cmd.Args, "--grub2-boot-info")
	assert.Subset(t, cmd.Args, []string{"--grub2-mbr", "/mbr.img", "-b", "boot/grub/i386-pc/eltorito.img", "-c", "boot.catalog"})
	assert.Equal(t, "/work/iso", cmd.Args[len(cmd.Args)-1])
}

func TestDetectBootLayout(t *testing.T) {
	t.Parallel()

	focal := t.TempDir()
	writeLiveTree(t, focal)
	layout, err := DetectBootLayout(focal)
	require.NoError(t, err)
	assert.Equal(t, ISOLinuxLayout, layout)

	jammy := t.TempDir()
	writeGrubTree(t, jammy)
	layout, err = DetectBootLayout(jammy)
	require.NoError(t, err)
	assert.Equal(t, GrubLayout, layout)

	_, err = DetectBootLayout(t.TempDir())
	assert.Error(t, err)
}

func writeGrubTree(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		"boot/grub/i386-pc/eltorito.img": "eltorito",
		"boot/grub/grub.cfg":             "menuentry",
		"EFI/boot/bootx64.efi":           "shim",
		"casper/vmlinuz":                 "kernel",
		"casper/initrd":                  "initramfs",
		"casper/filesystem.squashfs":     "rootfs",
		ManifestRemove:                   "ubiquity\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o444))
	}
}

func TestRepackGrubTree(t *testing.T) {
	t.Parallel()

	tree := t.TempDir()
	writeGrubTree(t, tree)
	mbr := filepath.Join(t.TempDir(), "boot_hybrid.img")
	require.NoError(t, os.WriteFile(mbr, []byte("mbr"), 0o644))

	var mastered []string
	runner := commandtest.NewFake().On("xorriso", func(cmd command.Cmd) (*command.Result, error) {
		entries, err := os.ReadDir(filepath.Join(tree, "casper"))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			mastered = append(mastered, e.Name())
		}
		return &command.Result{}, os.WriteFile(cmd.Args[3], []byte("iso"), 0o644)
	})
	repacker := &Repacker{Runner: runner, Logger: logging.Discard(), VolumeLabel: "giftstick-20240101", HybridMBR: mbr}

	destISO := filepath.Join(t.TempDir(), "giftstick.iso")
	artifact, err := repacker.Repack(context.Background(), tree, destISO)
	require.NoError(t, err)
	assert.Equal(t, "grub", artifact.Metadata["boot_layout"])
	assert.False(t, runner.Ran("isohybrid"), "xorriso writes the hybrid MBR itself")
	assert.False(t, runner.Ran("genisoimage"))
	assert.ElementsMatch(t, []string{"vmlinuz", "initrd", "filesystem.squashfs"}, mastered, "manifest diff is dropped before mastering")
}

func TestRepackGrubTreeNeedsHybridMBR(t *testing.T) {
	t.Parallel()

	tree := t.TempDir()
	writeGrubTree(t, tree)
	runner := commandtest.NewFake()
	repacker := &Repacker{Runner: runner, Logger: logging.Discard(), HybridMBR: filepath.Join(t.TempDir(), "missing.img")}

	_, err := repacker.Repack(context.Background(), tree, filepath.Join(t.TempDir(), "a.iso"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grub-pc-bin")
	assert.Empty(t, runner.Calls)
}

func TestRepackFailsWithoutBootImage(t *testing.T) {
	t.Parallel()

	runner := commandtest.NewFake()
	repacker := &Repacker{Runner: runner, Logger: logging.Discard()}
	_, err := repacker.Repack(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "a.iso"))
	require.Error(t, err)
	assert.Empty(t, runner.Calls)
}

func TestRepackToolFailureIsFatal(t *testing.T) {
	t.Parallel()

	tree := t.TempDir()
	writeLiveTree(t, tree)
	runner := commandtest.NewFake().Fail("genisoimage", 1, "genisoimage: Permission denied")
	repacker := &Repacker{Runner: runner, Logger: logging.Discard()}

	_, err := repacker.Repack(context.Background(), tree, filepath.Join(t.TempDir(), "a.iso"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Permission denied")
	assert.False(t, runner.Ran("isohybrid"))
}

func TestUnpackReleasesOnCopyFailure(t *testing.T) {
	t.Parallel()

	host := guardtest.NewHost()
	g := guard.New(host, logging.Discard())
	// Nothing populates the mount point and the destination is a file, so
	// the copy fails after both resources were acquired.
	dest := filepath.Join(t.TempDir(), "dest")
	require.NoError(t, os.WriteFile(dest, nil, 0o644))

	unpacker := &Unpacker{Guard: g, Logger: logging.Discard(), MountDir: filepath.Join(t.TempDir(), "mnt")}
	err := unpacker.Unpack(context.Background(), "src.iso", dest)
	require.Error(t, err)
	assert.Empty(t, g.Active())
	assert.Empty(t, host.ActiveMounts())
	assert.Empty(t, host.ActiveLoops())
}

func TestCopyTreeSymlinksAndPermissions(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	casper := filepath.Join(src, "casper")
	require.NoError(t, os.MkdirAll(casper, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(casper, "initrd"), []byte("x"), 0o444))
	require.NoError(t, os.Chmod(casper, 0o555))
	t.Cleanup(func() { _ = os.Chmod(casper, 0o755) })
	require.NoError(t, os.Symlink(".", filepath.Join(src, "ubuntu")))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, CopyTree(src, dst))

	info, err := os.Stat(filepath.Join(dst, "casper", "initrd"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o200, "copied files must be owner-writable")

	link, err := os.Readlink(filepath.Join(dst, "ubuntu"))
	require.NoError(t, err)
	assert.Equal(t, ".", link)
}

func TestReleaseFor(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		info    string
		kernel  string
		initrd  string
		wantErr bool
	}{
		{info: `Ubuntu 16.04.6 LTS "Xenial Xerus" - Release amd64 (20190227.1)`, kernel: "vmlinuz.efi", initrd: "initrd.lz"},
		{info: `Ubuntu 18.04.6 LTS "Bionic Beaver" - Release amd64 (20210915)`, kernel: "vmlinuz", initrd: "initrd"},
		{info: `Ubuntu 22.04.4 LTS "Jammy Jellyfish" - Release amd64 (20240220)`, kernel: "vmlinuz", initrd: "initrd"},
		{info: `Ubuntu "Noble Numbat" daily`, kernel: "vmlinuz", initrd: "initrd"},
		{info: `Ubuntu 23.10 "Mantic Minotaur" - Release amd64`, wantErr: true},
		{info: "", wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.info, func(t *testing.T) {
			t.Parallel()
			r, err := ReleaseFor(tc.info)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.kernel, r.Kernel)
			assert.Equal(t, tc.initrd, r.Initrd)
		})
	}
}

func TestVolumeLabel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "GIFTSTICK-20240101", VolumeLabel("giftstick-20240101"))
	assert.Equal(t, "A_B", VolumeLabel("a b"))
	assert.Equal(t, "GIFTSTICK", VolumeLabel(""))
	assert.Len(t, VolumeLabel("x123456789012345678901234567890123456789"), 32)
}
