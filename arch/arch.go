package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture is a UEFI target the stick can boot on. Values follow the
// names qemu and libvirt use.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	I686    Architecture = "i686"
	AArch64 Architecture = "aarch64"
)

// Default is the architecture of the desktop live CDs the stick is built from.
const Default = X86_64

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{
		X86_64,
		I686,
		AArch64,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, I686, AArch64:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// GrubTarget is the grub-install --target platform for a.
func (a Architecture) GrubTarget() string {
	switch a {
	case I686:
		return "i386-efi"
	case AArch64:
		return "arm64-efi"
	default:
		return "x86_64-efi"
	}
}

// RemovableLoader is the file name firmware looks for under EFI/BOOT on
// removable media.
func (a Architecture) RemovableLoader() string {
	switch a {
	case I686:
		return "BOOTIA32.EFI"
	case AArch64:
		return "BOOTAA64.EFI"
	default:
		return "BOOTX64.EFI"
	}
}

// Machine is the libvirt machine type used to boot a test VM.
func (a Architecture) Machine() string {
	if a == AArch64 {
		return "virt"
	}
	return "q35"
}

// Firmware lists candidate UEFI firmware images for a, most common first.
func (a Architecture) Firmware() []string {
	switch a {
	case I686:
		return []string{"/usr/share/OVMF/OVMF32_CODE_4M.fd", "/usr/share/edk2/ia32/OVMF_CODE.fd"}
	case AArch64:
		return []string{"/usr/share/AAVMF/AAVMF_CODE.fd", "/usr/share/edk2/aarch64/QEMU_EFI.fd"}
	default:
		return []string{"/usr/share/OVMF/OVMF_CODE_4M.fd", "/usr/share/OVMF/OVMF_CODE.fd", "/usr/share/edk2/ovmf/OVMF_CODE.fd"}
	}
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps a possibly ambiguous string into a canonical Architecture. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(X86_64), "x86-64", "amd64", "x64":
		return X86_64
	case "x86", "i386", "i486", "i586", string(I686), "386", "ia32":
		return I686
	case string(AArch64), "arm64":
		return AArch64
	default:
		return ""
	}
}

// Host returns the architecture of the running process, or Default when the
// host is not a supported target.
func Host() Architecture {
	if a := Normalize(runtime.GOARCH); a != "" {
		return a
	}
	return Default
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
