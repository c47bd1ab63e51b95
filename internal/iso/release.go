package iso

import (
	"fmt"
	"regexp"
	"strings"
)

// Release describes where a base-distribution release keeps its boot files
// inside casper/.
type Release struct {
	Version  string
	Codename string
	Kernel   string
	Initrd   string
}

// releases is the fixed compatibility table of supported desktop releases.
var releases = []Release{
	{Version: "16.04", Codename: "xenial", Kernel: "vmlinuz.efi", Initrd: "initrd.lz"},
	{Version: "18.04", Codename: "bionic", Kernel: "vmlinuz", Initrd: "initrd"},
	{Version: "20.04", Codename: "focal", Kernel: "vmlinuz", Initrd: "initrd"},
	{Version: "22.04", Codename: "jammy", Kernel: "vmlinuz", Initrd: "initrd"},
	{Version: "24.04", Codename: "noble", Kernel: "vmlinuz", Initrd: "initrd"},
}

var versionPattern = regexp.MustCompile(`\b(\d{2}\.\d{2})(\.\d+)?\b`)

// ReleaseFor resolves the .disk/info line of an Ubuntu ISO, e.g.
// `Ubuntu 22.04.4 LTS "Jammy Jellyfish" - Release amd64 (20240220)`.
func ReleaseFor(diskInfo string) (Release, error) {
	if m := versionPattern.FindStringSubmatch(diskInfo); m != nil {
		for _, r := range releases {
			if r.Version == m[1] {
				return r, nil
			}
		}
	}

	lower := strings.ToLower(diskInfo)
	for _, r := range releases {
		if strings.Contains(lower, `"`+r.Codename) || strings.Contains(lower, " "+r.Codename+" ") {
			return r, nil
		}
	}
	return Release{}, fmt.Errorf("unsupported release %q (supported: %s)", strings.TrimSpace(diskInfo), supportedVersions())
}

func supportedVersions() string {
	out := make([]string, 0, len(releases))
	for _, r := range releases {
		out = append(out, r.Version+" "+r.Codename)
	}
	return strings.Join(out, ", ")
}
