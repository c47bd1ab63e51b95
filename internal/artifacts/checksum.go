package artifacts

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ChecksumPath returns the checksum file that accompanies path.
func ChecksumPath(path string) string {
	return path + ".md5"
}

// MD5File hashes the file at path.
func MD5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteChecksum writes an md5sum-compatible "<digest>  <basename>" line next
// to path and returns the artifact describing path.
func WriteChecksum(path string, kind ArtifactKind) (Artifact, error) {
	sum, err := MD5File(path)
	if err != nil {
		return Artifact{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}

	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(path))
	if err := os.WriteFile(ChecksumPath(path), []byte(line), 0o644); err != nil {
		return Artifact{}, fmt.Errorf("write checksum for %s: %w", path, err)
	}

	return Artifact{
		Kind:        kind,
		URI:         FileURI(path),
		Checksum:    sum,
		Size:        info.Size(),
		ContentType: detectContentType(path),
	}, nil
}

// VerifyChecksum recomputes the digest of path and compares it against the
// checksum file next to it.
func VerifyChecksum(path string) error {
	f, err := os.Open(ChecksumPath(path))
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return fmt.Errorf("checksum file for %s is empty", path)
	}
	want, _, _ := strings.Cut(strings.TrimSpace(scanner.Text()), " ")

	got, err := MD5File(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("checksum mismatch for %s: have %s, want %s", path, got, want)
	}
	return nil
}
