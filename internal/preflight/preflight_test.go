package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/giftstick/internal/builderr"
	"github.com/cochaviz/giftstick/internal/command"
	"github.com/cochaviz/giftstick/internal/command/commandtest"
)

const gib = uint64(1) << 30

type scriptedConfirmer struct {
	answer bool
	err    error
	asked  []string
}

func (c *scriptedConfirmer) Confirm(q string) (bool, error) {
	c.asked = append(c.asked, q)
	return c.answer, c.err
}

func installedRunner(missing ...string) *commandtest.Fake {
	absent := map[string]bool{}
	for _, pkg := range missing {
		absent[pkg] = true
	}
	return commandtest.NewFake().On("dpkg-query", func(cmd command.Cmd) (*command.Result, error) {
		pkg := cmd.Args[len(cmd.Args)-1]
		if absent[pkg] {
			return &command.Result{ExitCode: 1}, &builderr.Error{Kind: builderr.KindTool, Op: "dpkg-query", Message: "no packages found"}
		}
		return &command.Result{Stdout: "install ok installed"}, nil
	})
}

type fixture struct {
	dir     string
	opts    Options
	env     Env
	confirm *scriptedConfirmer
	runner  *commandtest.Fake
}

func newFixture(t *testing.T, free uint64) *fixture {
	t.Helper()
	dir := t.TempDir()
	iso := filepath.Join(dir, "ubuntu-22.04.4-desktop-amd64.iso")
	require.NoError(t, os.WriteFile(iso, []byte("iso"), 0o644))

	opts := NewOptions()
	opts.SourceISO = iso
	opts.Project = "forensics"
	opts.Bucket = "evidence-bucket"
	opts.WorkDir = dir
	opts.ImageSize = "4GiB"

	confirm := &scriptedConfirmer{}
	runner := installedRunner()
	return &fixture{
		dir:     dir,
		opts:    opts,
		confirm: confirm,
		runner:  runner,
		env: Env{
			Runner:    runner,
			FreeSpace: func(string) (uint64, error) { return free, nil },
			Confirm:   confirm,
			Now:       func() time.Time { return time.Date(2024, 5, 17, 10, 0, 0, 0, time.UTC) },
		},
	}
}

func TestValidateResolvesConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10*gib)
	cfg, err := Validate(context.Background(), f.opts, f.env)
	require.NoError(t, err)

	assert.Equal(t, 4*gib, cfg.ImageSize)
	assert.Equal(t, 2*gib, cfg.ESPSize)
	assert.Equal(t, "giftstick-20240517.img", filepath.Base(cfg.ImagePath))
	assert.Equal(t, "giftstick-20240517.iso", filepath.Base(cfg.RemasteredISO))
	assert.Equal(t, filepath.Join(f.dir, "giftstick_key.json"), cfg.SAKeyPath)
	assert.Equal(t, "gs://evidence-bucket/forensic_evidence/", cfg.RemoteURL().String())
	assert.Empty(t, f.confirm.asked)
	assert.Len(t, f.runner.Called("dpkg-query"), len(isoPackages)+len(imagePackages))
}

func TestValidateRejectsInsufficientSpace(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3*gib)
	_, err := Validate(context.Background(), f.opts, f.env)
	require.Error(t, err)
	assert.True(t, builderr.Is(err, builderr.KindPrecondition))
	assert.Contains(t, err.Error(), "not enough free space")

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no image file may be created")
}

func TestValidateFreeSpaceThreshold(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		free    uint64
		wantErr bool
	}{
		{name: "six GiB free for four GiB image", free: 6 * gib},
		{name: "just short", free: 6*gib - 1, wantErr: true},
		{name: "three GiB free", free: 3 * gib, wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tc.free)
			f.opts.ImageSize = "4GiB"
			_, err := Validate(context.Background(), f.opts, f.env)
			if !tc.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "need 6.0 GiB")
		})
	}
}

func TestValidateRejectsISOTooLargeForESP(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		isoSize int64
		want    string
	}{
		{name: "beyond fat32", isoSize: 5 << 30, want: "FAT32"},
		{name: "grown esp fills image", isoSize: 4<<30 - 1<<20, want: "--image_size"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, 10*gib)
			require.NoError(t, os.Truncate(f.opts.SourceISO, tc.isoSize))

			_, err := Validate(context.Background(), f.opts, f.env)
			require.Error(t, err)
			assert.True(t, builderr.Is(err, builderr.KindPrecondition))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateSkipsSpaceCheckWithoutImage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	f.opts.SkipImage = true
	_, err := Validate(context.Background(), f.opts, f.env)
	require.NoError(t, err)
	assert.Len(t, f.runner.Called("dpkg-query"), len(isoPackages))
}

func TestValidateNamesMissingPackage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10*gib)
	f.env.Runner = installedRunner("grub-efi-amd64-bin")
	_, err := Validate(context.Background(), f.opts, f.env)
	require.Error(t, err)
	assert.True(t, builderr.Is(err, builderr.KindPrecondition))
	assert.Contains(t, err.Error(), "grub-efi-amd64-bin")
}

func TestValidateRequiredFlags(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{"project", func(o *Options) { o.Project = "" }, "--project"},
		{"bucket", func(o *Options) { o.Bucket = "" }, "--bucket"},
		{"bad bucket", func(o *Options) { o.Bucket = "mygoogbucket" }, "goog"},
		{"source", func(o *Options) { o.SourceISO = "" }, "--source_iso"},
		{"missing source", func(o *Options) { o.SourceISO = "/nonexistent/ubuntu-22.04-desktop-amd64.iso" }, "does not exist"},
		{"key without cloud", func(o *Options) { o.SkipGCS = true }, "--sa_json_file"},
		{"esp too large", func(o *Options) { o.ESPSize = "4GiB" }, "--esp_size"},
		{"bad size", func(o *Options) { o.ImageSize = "huge" }, "--image_size"},
		{"remastered missing", func(o *Options) { o.SkipISO = true; o.RemasteredISO = "/nonexistent.iso" }, "--remastered_iso"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, 10*gib)
			tc.mutate(&f.opts)
			_, err := Validate(context.Background(), f.opts, f.env)
			require.Error(t, err)
			assert.True(t, builderr.Is(err, builderr.KindPrecondition), "got %v", err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateConfirmsUnexpectedISOName(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10*gib)
	odd := filepath.Join(f.dir, "custom.iso")
	require.NoError(t, os.WriteFile(odd, []byte("iso"), 0o644))
	f.opts.SourceISO = odd

	_, err := Validate(context.Background(), f.opts, f.env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aborted")
	require.Len(t, f.confirm.asked, 1)

	f.confirm.answer = true
	_, err = Validate(context.Background(), f.opts, f.env)
	require.NoError(t, err)

	f.confirm.err = errors.New("no tty")
	f.opts.AssumeYes = true
	_, err = Validate(context.Background(), f.opts, f.env)
	require.NoError(t, err, "--yes skips the prompt")
}

func TestLoadFileFormats(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "build.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("project: p1\nbucket: b-one\nskip_iso: true\nimage_size: 16GiB\n"), 0o644))
	tomlPath := filepath.Join(dir, "build.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("project = \"p2\"\ngrant_logging = false\n"), 0o644))

	opts := NewOptions()
	require.NoError(t, LoadFile(yamlPath, &opts))
	assert.Equal(t, "p1", opts.Project)
	assert.True(t, opts.SkipISO)
	assert.Equal(t, "16GiB", opts.ImageSize)
	assert.Equal(t, "2GiB", opts.ESPSize, "defaults survive")

	opts = NewOptions()
	require.NoError(t, LoadFile(tomlPath, &opts))
	assert.Equal(t, "p2", opts.Project)
	assert.False(t, opts.GrantLogging)

	assert.Error(t, LoadFile(filepath.Join(dir, "build.ini"), &opts))
}

func TestMergeFileCommandLineWins(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "build.yaml")
	require.NoError(t, os.WriteFile(path, []byte("project: from-file\nbucket: file-bucket\n"), 0o644))

	cli := NewOptions()
	fs := pflag.NewFlagSet("build", pflag.ContinueOnError)
	BindFlags(fs, &cli)
	require.NoError(t, fs.Parse([]string{"--project", "from-flag", "--skip_image"}))

	merged, err := MergeFile(path, fs)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", merged.Project)
	assert.Equal(t, "file-bucket", merged.Bucket)
	assert.True(t, merged.SkipImage)
	assert.True(t, merged.GrantLogging)
}
