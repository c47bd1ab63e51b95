package rootfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stockCasperConf = `# This file should go in /etc/casper.conf
# Supported variables are:
# USERNAME, USERFULLNAME, HOST, BUILD_SYSTEM, FLAVOUR

export USERNAME="ubuntu"
export USERFULLNAME="Live session user"
export HOST="ubuntu"
export BUILD_SYSTEM="Ubuntu"

# USERNAME and HOSTNAME as specified above won't be honoured and will be set to
# flavour string acquired at boot time, unless you set FLAVOUR to any
# non-empty string.

# export FLAVOUR="Ubuntu"
`

func TestSetIdentityRewritesStockConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, CasperConfPath), stockCasperConf)

	changed, err := SetIdentity(dir, DefaultIdentity)
	require.NoError(t, err)
	assert.True(t, changed)

	data, err := os.ReadFile(filepath.Join(dir, CasperConfPath))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, `export USERNAME="gift"`)
	assert.Contains(t, content, `export USERFULLNAME="GiftStick"`)
	assert.Contains(t, content, `export HOST="giftstick"`)
	assert.Contains(t, content, `# export FLAVOUR="Ubuntu"`)
	assert.NotContains(t, content, `"ubuntu"`)

	changed, err = SetIdentity(dir, DefaultIdentity)
	require.NoError(t, err)
	assert.False(t, changed, "second run must be a no-op")
}

func TestSetIdentityAppendsMissingKeys(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, CasperConfPath), "export USERNAME=\"gift\"\n")

	changed, err := SetIdentity(dir, DefaultIdentity)
	require.NoError(t, err)
	assert.True(t, changed)

	data, err := os.ReadFile(filepath.Join(dir, CasperConfPath))
	require.NoError(t, err)
	assert.Equal(t, "export USERNAME=\"gift\"\n"+
		"export USERFULLNAME=\"GiftStick\"\n"+
		"export HOST=\"giftstick\"\n"+
		"export BUILD_SYSTEM=\"Ubuntu\"\n", string(data))
}

func TestSetIdentityMissingConfig(t *testing.T) {
	t.Parallel()

	_, err := SetIdentity(t.TempDir(), DefaultIdentity)
	require.Error(t, err)
}
