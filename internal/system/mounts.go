package system

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// MountEntry is one line of the kernel mount table.
type MountEntry struct {
	Device     string
	MountPoint string
	Type       string
	Options    string
}

// MountTable is a snapshot of the kernel mount table.
type MountTable struct {
	Entries []MountEntry
}

// ReadMountTable parses the mount table at path.
func ReadMountTable(path string) (*MountTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ParseMountTable(file)
}

// ParseMountTable parses the /proc/mounts format, decoding the octal escapes
// the kernel uses for whitespace in paths.
func ParseMountTable(r io.Reader) (*MountTable, error) {
	table := &MountTable{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, fmt.Errorf("only read %d values from %q", len(fields), line)
		}
		table.Entries = append(table.Entries, MountEntry{
			Device:     unescapeMountField(fields[0]),
			MountPoint: unescapeMountField(fields[1]),
			Type:       fields[2],
			Options:    fields[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return table, nil
}

// Under returns mount points at or below dir, deepest first so callers can
// unmount in order.
func (mt *MountTable) Under(dir string) []string {
	dir = filepath.Clean(dir)
	var out []string
	for _, entry := range mt.Entries {
		mp := entry.MountPoint
		if mp == dir || (dir == "/" && strings.HasPrefix(mp, "/")) || strings.HasPrefix(mp, dir+"/") {
			out = append(out, mp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.Count(out[i], "/") > strings.Count(out[j], "/")
	})
	return out
}

// IsMounted reports whether path is a mount point.
func (mt *MountTable) IsMounted(path string) bool {
	path = filepath.Clean(path)
	for _, entry := range mt.Entries {
		if entry.MountPoint == path {
			return true
		}
	}
	return false
}

func unescapeMountField(field string) string {
	if !strings.Contains(field, `\`) {
		return field
	}
	var b strings.Builder
	for i := 0; i < len(field); i++ {
		if field[i] == '\\' && i+3 < len(field) {
			if v, err := strconv.ParseUint(field[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(field[i])
	}
	return b.String()
}
