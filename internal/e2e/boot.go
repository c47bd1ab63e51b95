package e2e

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/giftstick/arch"
	"github.com/cochaviz/giftstick/internal/builderr"
	"github.com/cochaviz/giftstick/internal/logging"
)

//go:embed templates/domain.xml.tmpl
var domainTemplate string

// ErrBootTimeout is returned when the VM was still running at the deadline.
var ErrBootTimeout = errors.New("test VM did not power off before the timeout")

// Domain is the part of a libvirt domain the booter drives.
type Domain interface {
	State() (libvirt.DomainState, error)
	Destroy() error
	Free() error
}

// Hypervisor starts transient domains.
type Hypervisor interface {
	CreateTransient(domainXML string) (Domain, error)
	Close() error
}

// Booter boots a built image in a throwaway VM. The image's acquisition
// script powers the VM off when the upload is done.
type Booter struct {
	ConnectionURI string
	Arch          arch.Architecture
	// Firmware overrides the UEFI code image; by default the first installed
	// candidate of Arch is used.
	Firmware string
	// DomainType is "kvm" unless set.
	DomainType string
	MemoryMB   int
	VCPUs      int
	Network    string
	// EvidenceDisk is attached read-only as the second disk (sdb), the
	// device the test build acquires.
	EvidenceDisk string

	PollInterval time.Duration
	Logger       *slog.Logger

	// Connect opens the hypervisor; defaults to a libvirt connection.
	Connect func(uri string) (Hypervisor, error)
}

func (b *Booter) logger() *slog.Logger {
	return logging.Ensure(b.Logger).With("component", "e2e")
}

type domainTemplateData struct {
	Type           string
	Name           string
	MemoryMB       int
	VCPUs          int
	Arch           string
	Machine        string
	Firmware       string
	Image          string
	Bus            string
	EvidenceDisk   string
	EvidenceFormat string
	Network        string
}

// DomainXML renders the transient domain definition for image.
func (b *Booter) DomainXML(name, image string) ([]byte, error) {
	platform := b.Arch
	if platform == "" {
		platform = arch.Default
	}
	if !platform.IsValid() {
		return nil, builderr.Precondition("unsupported VM architecture %q", platform)
	}
	firmware, err := b.firmware(platform)
	if err != nil {
		return nil, err
	}
	imageAbs, err := filepath.Abs(image)
	if err != nil {
		return nil, fmt.Errorf("resolve image path %q: %w", image, err)
	}

	data := domainTemplateData{
		Type:     valueOr(b.DomainType, "kvm"),
		Name:     name,
		MemoryMB: b.MemoryMB,
		VCPUs:    b.VCPUs,
		Arch:     platform.String(),
		Machine:  platform.Machine(),
		Firmware: firmware,
		Image:    imageAbs,
		Bus:      "sata",
		Network:  valueOr(b.Network, "default"),
	}
	if data.MemoryMB == 0 {
		data.MemoryMB = 4096
	}
	if data.VCPUs == 0 {
		data.VCPUs = 2
	}
	if platform == arch.AArch64 {
		data.Bus = "scsi"
	}
	if b.EvidenceDisk != "" {
		evidenceAbs, err := filepath.Abs(b.EvidenceDisk)
		if err != nil {
			return nil, fmt.Errorf("resolve evidence disk %q: %w", b.EvidenceDisk, err)
		}
		data.EvidenceDisk = evidenceAbs
		data.EvidenceFormat = "raw"
		if strings.HasSuffix(evidenceAbs, ".qcow2") {
			data.EvidenceFormat = "qcow2"
		}
	}

	tmpl, err := template.New("domain").Funcs(template.FuncMap{"attr": escapeXML}).Parse(domainTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse domain template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute domain template: %w", err)
	}
	return buf.Bytes(), nil
}

func (b *Booter) firmware(platform arch.Architecture) (string, error) {
	if b.Firmware != "" {
		return b.Firmware, nil
	}
	candidates := platform.Firmware()
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", builderr.Precondition("no UEFI firmware for %s found (looked for %s); install ovmf", platform, strings.Join(candidates, ", "))
}

// Boot starts image in a transient VM and waits for it to power off. When
// timeout elapses or ctx is cancelled first the VM is destroyed.
func (b *Booter) Boot(ctx context.Context, image string, timeout time.Duration) error {
	if _, err := os.Stat(image); err != nil {
		return builderr.Precondition("image %s: %v", image, err)
	}

	name := "giftstick-e2e-" + uuid.NewString()[:8]
	domainXML, err := b.DomainXML(name, image)
	if err != nil {
		return err
	}
	logger := b.logger().With("domain", name, "image", image)

	connect := b.Connect
	if connect == nil {
		connect = connectLibvirt
	}
	hv, err := connect(valueOr(b.ConnectionURI, "qemu:///system"))
	if err != nil {
		return fmt.Errorf("open libvirt connection: %w", err)
	}
	defer hv.Close()

	domain, err := hv.CreateTransient(string(domainXML))
	if err != nil {
		return fmt.Errorf("start test VM: %w", err)
	}
	defer domain.Free()
	logger.Info("test VM started", "timeout", timeout)

	interval := b.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := poweredOff(domain)
		if err != nil {
			return errors.Join(fmt.Errorf("query test VM state: %w", err), destroy(domain))
		}
		if done {
			logger.Info("test VM powered off")
			return nil
		}

		select {
		case <-ctx.Done():
			logger.Warn("destroying test VM after interrupt")
			return errors.Join(builderr.Interrupted("boot "+name, ctx.Err()), destroy(domain))
		case <-deadline:
			logger.Error("test VM still running at deadline, destroying it", "timeout", timeout)
			return errors.Join(ErrBootTimeout, destroy(domain))
		case <-ticker.C:
		}
	}
}

func poweredOff(domain Domain) (bool, error) {
	state, err := domain.State()
	if err != nil {
		// A transient domain disappears once it shuts off.
		if isInLibvirtErrors(err, libvirt.ERR_NO_DOMAIN) {
			return true, nil
		}
		return false, err
	}
	return state == libvirt.DOMAIN_SHUTOFF || state == libvirt.DOMAIN_CRASHED, nil
}

func destroy(domain Domain) error {
	if err := domain.Destroy(); err != nil && !isInLibvirtErrors(err, libvirt.ERR_NO_DOMAIN, libvirt.ERR_OPERATION_INVALID) {
		return fmt.Errorf("destroy test VM: %w", err)
	}
	return nil
}

func isInLibvirtErrors(err error, codes ...libvirt.ErrorNumber) bool {
	if err == nil {
		return false
	}
	var libErr libvirt.Error
	if !errors.As(err, &libErr) {
		return false
	}
	return slices.Contains(codes, libErr.Code)
}

func escapeXML(s string) (string, error) {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

type libvirtHypervisor struct {
	conn *libvirt.Connect
}

func connectLibvirt(uri string) (Hypervisor, error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, err
	}
	return &libvirtHypervisor{conn: conn}, nil
}

func (h *libvirtHypervisor) CreateTransient(domainXML string) (Domain, error) {
	domain, err := h.conn.DomainCreateXML(domainXML, libvirt.DOMAIN_NONE)
	if err != nil {
		return nil, err
	}
	return &libvirtDomain{domain: domain}, nil
}

func (h *libvirtHypervisor) Close() error {
	_, err := h.conn.Close()
	return err
}

type libvirtDomain struct {
	domain *libvirt.Domain
}

func (d *libvirtDomain) State() (libvirt.DomainState, error) {
	state, _, err := d.domain.GetState()
	return state, err
}

func (d *libvirtDomain) Destroy() error { return d.domain.Destroy() }
func (d *libvirtDomain) Free() error    { return d.domain.Free() }
