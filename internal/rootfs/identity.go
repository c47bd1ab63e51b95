package rootfs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// CasperConfPath is where casper reads its boot-time identity inside the
// initramfs.
const CasperConfPath = "etc/casper.conf"

// Identity is the live session identity written to casper.conf.
type Identity struct {
	Username     string
	UserFullname string
	Host         string
	BuildSystem  string
}

// DefaultIdentity is what the booted stick presents itself as.
var DefaultIdentity = Identity{
	Username:     "gift",
	UserFullname: "GiftStick",
	Host:         "giftstick",
	BuildSystem:  "Ubuntu",
}

func (id Identity) pairs() [][2]string {
	return [][2]string{
		{"USERNAME", id.Username},
		{"USERFULLNAME", id.UserFullname},
		{"HOST", id.Host},
		{"BUILD_SYSTEM", id.BuildSystem},
	}
}

// SetIdentity rewrites casper.conf under initramfsDir and reports whether its
// content changed. Comments and unrelated lines are kept.
func SetIdentity(initramfsDir string, id Identity) (bool, error) {
	path := filepath.Join(initramfsDir, CasperConfPath)
	original, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", CasperConfPath, err)
	}

	current, err := godotenv.Unmarshal(string(original))
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", CasperConfPath, err)
	}
	dirty := false
	for _, kv := range id.pairs() {
		if current[kv[0]] != kv[1] {
			dirty = true
		}
	}
	if !dirty {
		return false, nil
	}

	updated := rewriteExports(original, id.pairs())
	if bytes.Equal(updated, original) {
		return false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, updated, info.Mode().Perm()); err != nil {
		return false, fmt.Errorf("write %s: %w", CasperConfPath, err)
	}
	return true, nil
}

func rewriteExports(content []byte, pairs [][2]string) []byte {
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	seen := map[string]bool{}
	for i, line := range lines {
		key, ok := exportKey(line)
		if !ok {
			continue
		}
		for _, kv := range pairs {
			if kv[0] == key {
				lines[i] = fmt.Sprintf("export %s=%s", key, strconv.Quote(kv[1]))
				seen[key] = true
			}
		}
	}
	for _, kv := range pairs {
		if !seen[kv[0]] {
			lines = append(lines, fmt.Sprintf("export %s=%s", kv[0], strconv.Quote(kv[1])))
		}
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

func exportKey(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "#") {
		return "", false
	}
	trimmed = strings.TrimPrefix(trimmed, "export ")
	key, _, ok := strings.Cut(trimmed, "=")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(key), true
}
