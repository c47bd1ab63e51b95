// Package media lays out and populates the removable-media image: a GPT disk
// with an EFI System Partition that boots the remastered ISO and a casper
// persistence partition carrying the acquisition payload.
package media

import (
	"errors"
	"fmt"
	"os"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/dustin/go-humanize"
)

const (
	sectorSize = 512
	// alignment is the partition boundary in sectors (1MiB).
	alignment = 2048
	// gptReserved covers the backup GPT header and entry array at the end of
	// the disk.
	gptReserved = 34
	zapSize     = 1 << 20
)

// TypeCode is the sgdisk-style short code of a GPT partition type.
type TypeCode string

const (
	TypeEFISystem TypeCode = "EF00"
	TypeLinux     TypeCode = "8300"
)

var typeGUIDs = map[TypeCode]gpt.Type{
	TypeEFISystem: gpt.EFISystemPartition,
	TypeLinux:     gpt.LinuxFilesystem,
}

// PartitionSpec describes one partition of the image.
type PartitionSpec struct {
	Number     int
	Name       string
	Type       TypeCode
	Filesystem string
	Label      string
	// Size in bytes. Zero on the last partition means the rest of the disk.
	Size uint64
}

// Layout is the ordered partition list of an image.
type Layout []PartitionSpec

// Labels of the partitions, as seen by the live system.
const (
	ESPLabel         = "GIFTSTICK"
	PersistenceLabel = "casper-rw"
)

// NewLayout returns the two-partition layout: the ESP of espSize followed by
// the persistence partition spanning the rest.
func NewLayout(espSize uint64) Layout {
	return Layout{
		{Number: 1, Name: "EFI System", Type: TypeEFISystem, Filesystem: "vfat", Label: ESPLabel, Size: espSize},
		{Number: 2, Name: PersistenceLabel, Type: TypeLinux, Filesystem: "ext3", Label: PersistenceLabel},
	}
}

// Validate checks that the layout fits an image of imageSize bytes.
func (l Layout) Validate(imageSize uint64) error {
	if len(l) == 0 {
		return errors.New("layout has no partitions")
	}
	overhead := uint64(alignment+gptReserved+alignment) * sectorSize
	if imageSize <= overhead {
		return fmt.Errorf("image size %s is too small for a partition table", humanize.IBytes(imageSize))
	}
	var fixed uint64
	for i, p := range l {
		if p.Number != i+1 {
			return fmt.Errorf("partition %q has number %d, want %d", p.Name, p.Number, i+1)
		}
		if _, ok := typeGUIDs[p.Type]; !ok {
			return fmt.Errorf("partition %d has unknown type %q", p.Number, p.Type)
		}
		if p.Size == 0 && i != len(l)-1 {
			return fmt.Errorf("partition %d has no size and is not the last partition", p.Number)
		}
		fixed += alignUp(p.Size/sectorSize, alignment) * sectorSize
	}
	if fixed+overhead > imageSize {
		return fmt.Errorf("partitions need %s but the image is only %s",
			humanize.IBytes(fixed+overhead), humanize.IBytes(imageSize))
	}
	if l[len(l)-1].Size == 0 && fixed+overhead+alignment*sectorSize > imageSize {
		return fmt.Errorf("no space left for partition %d in a %s image", len(l), humanize.IBytes(imageSize))
	}
	return nil
}

func alignUp(sectors, to uint64) uint64 {
	return (sectors + to - 1) / to * to
}

func alignDown(sectors, to uint64) uint64 {
	return sectors / to * to
}

// CreateSparse creates (or truncates) path as a sparse file of size bytes.
func CreateSparse(path string, size uint64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return fmt.Errorf("size %s: %w", path, err)
	}
	return f.Close()
}

// Zap zeroes the first and last MiB of path, wiping both the primary and the
// backup partition tables along with any filesystem signatures there.
func Zap(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	zeros := make([]byte, min(int64(zapSize), size))
	if _, err := f.WriteAt(zeros, 0); err != nil {
		return fmt.Errorf("zap head of %s: %w", path, err)
	}
	if _, err := f.WriteAt(zeros, size-int64(len(zeros))); err != nil {
		return fmt.Errorf("zap tail of %s: %w", path, err)
	}
	return f.Sync()
}

// WritePartitionTable writes layout as a GPT with a protective MBR to the
// image at path, whose size must already be final.
func WritePartitionTable(path string, layout Layout) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	imageSize := uint64(info.Size())
	if err := layout.Validate(imageSize); err != nil {
		return err
	}

	lastUsable := imageSize/sectorSize - gptReserved
	partitions := make([]*gpt.Partition, 0, len(layout))
	start := uint64(alignment)
	for i, p := range layout {
		end := start + alignUp(p.Size/sectorSize, alignment) - 1
		if i == len(layout)-1 && p.Size == 0 {
			end = alignDown(lastUsable+1, alignment) - 1
		}
		partitions = append(partitions, &gpt.Partition{
			Start: start,
			End:   end,
			Size:  (end - start + 1) * sectorSize,
			Type:  typeGUIDs[p.Type],
			Name:  p.Name,
		})
		start = end + 1
	}

	d, err := diskfs.Open(path)
	if err != nil {
		return fmt.Errorf("open image %s: %w", path, err)
	}
	table := &gpt.Table{
		LogicalSectorSize:  sectorSize,
		PhysicalSectorSize: sectorSize,
		ProtectiveMBR:      true,
		Partitions:         partitions,
	}
	if err := d.Partition(table); err != nil {
		return fmt.Errorf("write partition table: %w", err)
	}
	return nil
}

// ReadPartitionTable reads back the GPT of the image at path. Filesystems
// and labels are not part of the table and are left empty.
func ReadPartitionTable(path string) (Layout, error) {
	d, err := diskfs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}
	pt, err := d.GetPartitionTable()
	if err != nil {
		return nil, fmt.Errorf("read partition table: %w", err)
	}
	table, ok := pt.(*gpt.Table)
	if !ok {
		return nil, fmt.Errorf("%s does not carry a GPT", path)
	}

	var layout Layout
	for i, p := range table.Partitions {
		if p == nil || p.Type == gpt.Unused {
			continue
		}
		layout = append(layout, PartitionSpec{
			Number: i + 1,
			Name:   p.Name,
			Type:   typeCodeOf(p.Type),
			Size:   (p.End - p.Start + 1) * sectorSize,
		})
	}
	return layout, nil
}

func typeCodeOf(t gpt.Type) TypeCode {
	for code, guid := range typeGUIDs {
		if guid == t {
			return code
		}
	}
	return TypeCode(t)
}
