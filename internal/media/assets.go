package media

import (
	"bytes"
	_ "embed"
	"fmt"
	"path"
	"strings"
	"text/template"
)

//go:embed templates/grub.cfg.tmpl
var embeddedGrubConfig string

//go:embed templates/call_auto_forensicate.sh
var embeddedLauncher []byte

//go:embed templates/e2e.sh
var embeddedE2EScript []byte

//go:embed templates/e2e.desktop
var embeddedE2EAutostart []byte

var grubTemplate = template.Must(template.New("grub.cfg").Parse(embeddedGrubConfig))

// DefaultKernelArgs are appended to the casper boot parameters.
var DefaultKernelArgs = []string{"quiet", "splash", "persistent"}

// BootMenu is the data rendered into boot/grub/grub.cfg on the ESP.
type BootMenu struct {
	Title string
	// ISOFile is the absolute path of the ISO on the ESP.
	ISOFile    string
	Kernel     string
	Initrd     string
	KernelArgs []string
}

// Render produces the grub configuration.
func (m BootMenu) Render() ([]byte, error) {
	if m.Kernel == "" || m.Initrd == "" {
		return nil, fmt.Errorf("boot menu needs a kernel and an initrd")
	}
	if !path.IsAbs(m.ISOFile) {
		return nil, fmt.Errorf("boot menu ISO path %q must be absolute", m.ISOFile)
	}
	args := m.KernelArgs
	if args == nil {
		args = DefaultKernelArgs
	}
	title := m.Title
	if title == "" {
		title = "GiftStick"
	}

	var buf bytes.Buffer
	err := grubTemplate.Execute(&buf, struct {
		Title, ISOFile, Kernel, Initrd, KernelArgs string
	}{
		Title:      title,
		ISOFile:    m.ISOFile,
		Kernel:     m.Kernel,
		Initrd:     m.Initrd,
		KernelArgs: strings.Join(args, " "),
	})
	if err != nil {
		return nil, fmt.Errorf("render boot menu: %w", err)
	}
	return buf.Bytes(), nil
}
