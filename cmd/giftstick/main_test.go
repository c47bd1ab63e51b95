package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/giftstick/internal/builderr"
	"github.com/cochaviz/giftstick/internal/logging"
)

func newTestApp(out *bytes.Buffer) *cli {
	app := &cli{stdout: out, logger: logging.Discard()}
	app.level.Set(slog.LevelInfo)
	return app
}

func TestNormalizeURLCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCommand(newTestApp(&out))
	root.SetArgs([]string{"e2e", "normalize-url", "gs://evidence-bucket/forensic_evidence//case-42/"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Equal(t, "gs://evidence-bucket/forensic_evidence/case-42/\n", out.String())
}

func TestUnknownLogLevelIsPrecondition(t *testing.T) {
	var out bytes.Buffer
	root := newRootCommand(newTestApp(&out))
	root.SetArgs([]string{"--log-level", "loud", "e2e", "normalize-url", "gs://b/"})

	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Equal(t, builderr.KindPrecondition, builderr.KindOf(err))
}

func TestUpdateRequiresImageArgument(t *testing.T) {
	var out bytes.Buffer
	root := newRootCommand(newTestApp(&out))
	root.SetArgs([]string{"update"})

	assert.Error(t, root.ExecuteContext(context.Background()))
}
