package rootfs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cochaviz/giftstick/internal/command"
)

// InitramfsPaths are the historically used locations of the live initramfs,
// tried in order; the first path present in the tree wins.
var InitramfsPaths = []string{
	"casper/initrd.lz",
	"casper/initrd.gz",
	"casper/initrd",
}

// Compression is a compressor the main initramfs archive may be packed with,
// recognised by its leading magic bytes.
type Compression struct {
	Name       string
	Magic      []byte
	Decompress []string
	Compress   []string
}

// Compressions lists the compressors initramfs-tools and casper have used.
var Compressions = []Compression{
	{Name: "gzip", Magic: []byte{0x1f, 0x8b}, Decompress: []string{"gzip", "-dc"}, Compress: []string{"gzip", "-9", "-c"}},
	{Name: "lz4", Magic: []byte{0x02, 0x21, 0x4c, 0x18}, Decompress: []string{"lz4", "-dc"}, Compress: []string{"lz4", "-l", "-9", "-c"}},
	{Name: "lz4-frame", Magic: []byte{0x04, 0x22, 0x4d, 0x18}, Decompress: []string{"lz4", "-dc"}, Compress: []string{"lz4", "-9", "-c"}},
	{Name: "zstd", Magic: []byte{0x28, 0xb5, 0x2f, 0xfd}, Decompress: []string{"zstd", "-dcq"}, Compress: []string{"zstd", "-q", "-19", "-T0", "-c"}},
	{Name: "xz", Magic: []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, Decompress: []string{"xz", "-dc"}, Compress: []string{"xz", "--check=crc32", "-c"}},
	{Name: "lzma", Magic: []byte{0x5d, 0x00, 0x00}, Decompress: []string{"lzma", "-dc"}, Compress: []string{"lzma", "-7", "-c"}},
}

// InitramfsFormat is the layout of one initramfs file: where it lives, how
// many leading bytes are uncompressed early cpio archives (CPU microcode on
// 18.04 and later), and the compression of the main archive after them.
type InitramfsFormat struct {
	Path string
	Compression
	EarlyLength int64
}

// FindInitramfs locates the initramfs under isoTree and detects its layout.
func FindInitramfs(isoTree string) (InitramfsFormat, error) {
	for _, path := range InitramfsPaths {
		info, err := os.Stat(filepath.Join(isoTree, path))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		return DetectInitramfs(isoTree, path)
	}
	return InitramfsFormat{}, fmt.Errorf("no initramfs found in %s (looked for %v)", isoTree, InitramfsPaths)
}

// DetectInitramfs reads the initramfs at isoTree/path, skips any early cpio
// archives and matches the compression of what follows.
func DetectInitramfs(isoTree, path string) (InitramfsFormat, error) {
	f, err := os.Open(filepath.Join(isoTree, path))
	if err != nil {
		return InitramfsFormat{}, err
	}
	defer f.Close()

	early, err := earlyLength(f)
	if err != nil {
		return InitramfsFormat{}, fmt.Errorf("read early archive of %s: %w", path, err)
	}
	if _, err := f.Seek(early, io.SeekStart); err != nil {
		return InitramfsFormat{}, err
	}
	head := make([]byte, 8)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return InitramfsFormat{}, err
	}
	head = head[:n]
	if len(head) == 0 {
		return InitramfsFormat{}, fmt.Errorf("%s has no compressed archive after %d bytes of early cpio", path, early)
	}
	for _, c := range Compressions {
		if bytes.HasPrefix(head, c.Magic) {
			return InitramfsFormat{Path: path, Compression: c, EarlyLength: early}, nil
		}
	}
	return InitramfsFormat{}, fmt.Errorf("unknown compression in %s at offset %d (magic % x)", path, early, head)
}

const (
	newcHeaderLen = 110
	newcTrailer   = "TRAILER!!!"
)

// earlyLength returns how many leading bytes of r are uncompressed newc cpio
// archives, including the zero padding after each.
func earlyLength(r io.Reader) (int64, error) {
	br := bufio.NewReader(r)
	var off int64
	for {
		for {
			b, err := br.Peek(1)
			if errors.Is(err, io.EOF) {
				return off, nil
			}
			if err != nil {
				return 0, err
			}
			if b[0] != 0 {
				break
			}
			if _, err := br.Discard(1); err != nil {
				return 0, err
			}
			off++
		}
		magic, _ := br.Peek(6)
		if !isNewcMagic(magic) {
			return off, nil
		}
		n, err := skipCpio(br)
		if err != nil {
			return 0, err
		}
		off += n
	}
}

func isNewcMagic(b []byte) bool {
	return len(b) == 6 && (string(b) == "070701" || string(b) == "070702")
}

// skipCpio consumes one newc archive up to and including its trailer entry.
func skipCpio(br *bufio.Reader) (int64, error) {
	var off int64
	header := make([]byte, newcHeaderLen)
	for {
		if _, err := io.ReadFull(br, header); err != nil {
			return 0, fmt.Errorf("cpio header at +%d: %w", off, err)
		}
		if !isNewcMagic(header[:6]) {
			return 0, fmt.Errorf("cpio header at +%d: bad magic %q", off, header[:6])
		}
		fileSize, err := strconv.ParseUint(string(header[54:62]), 16, 32)
		if err != nil {
			return 0, fmt.Errorf("cpio file size at +%d: %w", off, err)
		}
		nameSize, err := strconv.ParseUint(string(header[94:102]), 16, 32)
		if err != nil {
			return 0, fmt.Errorf("cpio name size at +%d: %w", off, err)
		}
		name := make([]byte, nameSize)
		if _, err := io.ReadFull(br, name); err != nil {
			return 0, fmt.Errorf("cpio name at +%d: %w", off, err)
		}
		off += newcHeaderLen + int64(nameSize)
		skip := pad4(off) + int64(fileSize)
		skip += pad4(off + skip)
		if _, err := br.Discard(int(skip)); err != nil {
			return 0, fmt.Errorf("cpio data at +%d: %w", off, err)
		}
		off += skip
		if string(bytes.TrimRight(name, "\x00")) == newcTrailer {
			return off, nil
		}
	}
}

func pad4(n int64) int64 {
	return (4 - n%4) % 4
}

// UnpackInitramfs decompresses and extracts the main archive of the
// initramfs in isoTree into destDir and reports the layout it found. Early
// archives are left untouched in the file.
func (t *Transformer) UnpackInitramfs(ctx context.Context, isoTree, destDir string) (InitramfsFormat, error) {
	format, err := FindInitramfs(isoTree)
	if err != nil {
		return InitramfsFormat{}, err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return InitramfsFormat{}, err
	}

	archive, err := os.CreateTemp(filepath.Dir(destDir), "initramfs-*.cpio")
	if err != nil {
		return InitramfsFormat{}, err
	}
	defer os.Remove(archive.Name())
	defer archive.Close()

	compressed, err := os.Open(filepath.Join(isoTree, format.Path))
	if err != nil {
		return InitramfsFormat{}, err
	}
	defer compressed.Close()
	if _, err := compressed.Seek(format.EarlyLength, io.SeekStart); err != nil {
		return InitramfsFormat{}, err
	}

	t.logger().Info("unpacking initramfs", "path", format.Path, "format", format.Name, "early_bytes", format.EarlyLength)
	decompress := command.Cmd{Name: format.Decompress[0], Args: format.Decompress[1:], Stdin: compressed, Stdout: archive}
	if _, err := t.Runner.Run(ctx, decompress); err != nil {
		return InitramfsFormat{}, fmt.Errorf("decompress %s: %w", format.Path, err)
	}
	if _, err := archive.Seek(0, io.SeekStart); err != nil {
		return InitramfsFormat{}, err
	}

	extract := command.Cmd{Name: "cpio", Args: []string{"-idm", "--quiet"}, Dir: destDir, Stdin: archive}
	if _, err := t.Runner.Run(ctx, extract); err != nil {
		return InitramfsFormat{}, fmt.Errorf("extract initramfs: %w", err)
	}
	return format, nil
}

// PackInitramfs archives srcDir with the compression of format and
// atomically replaces the initramfs in isoTree, keeping its early archives.
func (t *Transformer) PackInitramfs(ctx context.Context, format InitramfsFormat, srcDir, isoTree string) error {
	target := filepath.Join(isoTree, format.Path)
	original, err := os.Open(target)
	if err != nil {
		return fmt.Errorf("initramfs %s to replace is missing: %w", target, err)
	}
	defer original.Close()

	list, err := fileList(srcDir)
	if err != nil {
		return fmt.Errorf("list initramfs tree: %w", err)
	}

	archive, err := os.CreateTemp(filepath.Dir(srcDir), "initramfs-*.cpio")
	if err != nil {
		return err
	}
	defer os.Remove(archive.Name())
	defer archive.Close()

	t.logger().Info("packing initramfs", "path", format.Path, "format", format.Name, "early_bytes", format.EarlyLength)
	create := command.Cmd{Name: "cpio", Args: []string{"-o", "-H", "newc", "--quiet"}, Dir: srcDir, Stdin: bytes.NewReader(list), Stdout: archive}
	if _, err := t.Runner.Run(ctx, create); err != nil {
		return fmt.Errorf("archive initramfs: %w", err)
	}
	if _, err := archive.Seek(0, io.SeekStart); err != nil {
		return err
	}

	staged, err := os.CreateTemp(filepath.Dir(target), ".initrd-*")
	if err != nil {
		return err
	}
	defer os.Remove(staged.Name())

	if format.EarlyLength > 0 {
		if _, err := io.CopyN(staged, original, format.EarlyLength); err != nil {
			staged.Close()
			return fmt.Errorf("copy early archive of %s: %w", target, err)
		}
	}
	compress := command.Cmd{Name: format.Compress[0], Args: format.Compress[1:], Stdin: archive, Stdout: staged}
	if _, err := t.Runner.Run(ctx, compress); err != nil {
		staged.Close()
		return fmt.Errorf("compress initramfs: %w", err)
	}
	if err := staged.Close(); err != nil {
		return err
	}
	if err := os.Chmod(staged.Name(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(staged.Name(), target); err != nil {
		return fmt.Errorf("replace %s: %w", target, err)
	}
	return nil
}
