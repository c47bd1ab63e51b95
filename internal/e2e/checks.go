// Package e2e holds the helpers of the end-to-end smoke test: booting a built
// image in a VM and checking what the acquisition uploaded.
package e2e

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	identifierPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	startTimePattern  = regexp.MustCompile(`^[0-9]{8}-[0-9]{6}$`)
	systemInfoPattern = regexp.MustCompile(`System Information\n\W+Manufacturer: QEMU`)
)

// NormalizeURL collapses doubled slashes in the path of a storage URL, e.g.
// gs://bucket/forensic_evidence//case/ becomes gs://bucket/forensic_evidence/case/.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, err)
	}
	for strings.Contains(u.Path, "//") {
		u.Path = strings.ReplaceAll(u.Path, "//", "/")
	}
	u.RawPath = ""
	return u.String(), nil
}

// Stamp is the stamp.json the acquisition uploads next to the evidence.
type Stamp struct {
	Identifier string `json:"identifier"`
	StartTime  string `json:"start_time"`
}

// CheckStamp verifies the stamp file at path.
func CheckStamp(path string) (Stamp, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Stamp{}, fmt.Errorf("read stamp: %w", err)
	}
	var stamp Stamp
	if err := json.Unmarshal(data, &stamp); err != nil {
		return Stamp{}, fmt.Errorf("decode stamp %s: %w", path, err)
	}
	if !identifierPattern.MatchString(stamp.Identifier) {
		return stamp, fmt.Errorf("stamp identifier %q is not a lowercase UUID", stamp.Identifier)
	}
	if _, err := uuid.Parse(stamp.Identifier); err != nil {
		return stamp, fmt.Errorf("stamp identifier %q: %w", stamp.Identifier, err)
	}
	if !startTimePattern.MatchString(stamp.StartTime) {
		return stamp, fmt.Errorf("stamp start_time %q is not YYYYMMDD-HHMMSS", stamp.StartTime)
	}
	return stamp, nil
}

// CheckSystemInfo verifies that system_info.txt was collected inside the
// test VM.
func CheckSystemInfo(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read system info: %w", err)
	}
	if !systemInfoPattern.Match(data) {
		return fmt.Errorf("%s has no System Information block reporting a QEMU manufacturer", path)
	}
	return nil
}
