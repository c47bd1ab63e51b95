package simple

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cochaviz/giftstick/internal/builderr"
	"github.com/cochaviz/giftstick/internal/guard"
	"github.com/cochaviz/giftstick/internal/guard/guardtest"
	"github.com/cochaviz/giftstick/internal/logging"
)

func TestUpdateRejectsBadURLBeforeTouchingHost(t *testing.T) {
	host := guardtest.NewHost()
	g := guard.New(host, logging.Discard())

	_, err := Update(context.Background(), UpdateRequest{
		Image:     filepath.Join(t.TempDir(), "giftstick.img"),
		RemoteURL: "https://example.com/bucket",
		WorkDir:   t.TempDir(),
	}, g, logging.Discard())
	if builderr.KindOf(err) != builderr.KindPrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if len(host.Ops) != 0 || len(g.Active()) != 0 {
		t.Fatalf("host was touched: ops=%v active=%d", host.Ops, len(g.Active()))
	}
}

func TestUpdateMissingImageReleasesScratch(t *testing.T) {
	g := guard.New(guardtest.NewHost(), logging.Discard())

	_, err := Update(context.Background(), UpdateRequest{
		Image:     filepath.Join(t.TempDir(), "giftstick.img"),
		RemoteURL: "gs://evidence-bucket/forensic_evidence/",
		WorkDir:   t.TempDir(),
	}, g, logging.Discard())
	if builderr.KindOf(err) != builderr.KindPrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if len(g.Active()) != 0 {
		t.Fatalf("scratch dir still tracked")
	}
}

func TestBootRejectsUnknownArch(t *testing.T) {
	err := Boot(context.Background(), "giftstick.img", BootOptions{Arch: "s390x"}, logging.Discard())
	if builderr.KindOf(err) != builderr.KindPrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}
}
