package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/creasty/defaults"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Options are the raw, unvalidated build parameters as given on the command
// line or in a config file.
type Options struct {
	SourceISO     string `yaml:"source_iso" toml:"source_iso"`
	Project       string `yaml:"project" toml:"project"`
	Bucket        string `yaml:"bucket" toml:"bucket"`
	Image         string `yaml:"image" toml:"image"`
	RemasteredISO string `yaml:"remastered_iso" toml:"remastered_iso"`
	ExtraGCSPath  string `yaml:"extra_gcs_path" toml:"extra_gcs_path"`
	SAJSONFile    string `yaml:"sa_json_file" toml:"sa_json_file"`

	SkipGCS   bool `yaml:"skip_gcs" toml:"skip_gcs"`
	SkipImage bool `yaml:"skip_image" toml:"skip_image"`
	SkipISO   bool `yaml:"skip_iso" toml:"skip_iso"`
	E2ETest   bool `yaml:"e2e_test" toml:"e2e_test"`

	ImageSize       string `yaml:"image_size" toml:"image_size" default:"8GiB"`
	ESPSize         string `yaml:"esp_size" toml:"esp_size" default:"2GiB"`
	WorkDir         string `yaml:"work_dir" toml:"work_dir" default:"."`
	CustomizeScript string `yaml:"customize_script" toml:"customize_script"`
	SAName          string `yaml:"sa_name" toml:"sa_name" default:"giftstick"`
	SAKeyPath       string `yaml:"sa_key_path" toml:"sa_key_path"`
	GrantLogging    bool   `yaml:"grant_logging" toml:"grant_logging" default:"true"`
	AssumeYes       bool   `yaml:"yes" toml:"yes"`
}

// NewOptions returns Options with every default applied.
func NewOptions() Options {
	var opts Options
	if err := defaults.Set(&opts); err != nil {
		panic(fmt.Sprintf("preflight: apply defaults: %v", err))
	}
	return opts
}

// BindFlags registers one flag per option on fs, using the current values as
// defaults.
func BindFlags(fs *pflag.FlagSet, o *Options) {
	fs.StringVar(&o.SourceISO, "source_iso", o.SourceISO, "Ubuntu desktop ISO to remaster")
	fs.StringVar(&o.Project, "project", o.Project, "Google Cloud project hosting the evidence bucket")
	fs.StringVar(&o.Bucket, "bucket", o.Bucket, "Cloud Storage bucket evidence is uploaded to")
	fs.StringVar(&o.Image, "image", o.Image, "output disk image (default giftstick-<yyyymmdd>.img)")
	fs.StringVar(&o.RemasteredISO, "remastered_iso", o.RemasteredISO, "remastered ISO to write or reuse (default giftstick-<yyyymmdd>.iso)")
	fs.StringVar(&o.ExtraGCSPath, "extra_gcs_path", o.ExtraGCSPath, "extra path appended below forensic_evidence/ in the bucket")
	fs.StringVar(&o.SAJSONFile, "sa_json_file", o.SAJSONFile, "existing service account key to stage instead of minting one")
	fs.BoolVar(&o.SkipGCS, "skip_gcs", o.SkipGCS, "skip Cloud Storage and service account setup")
	fs.BoolVar(&o.SkipImage, "skip_image", o.SkipImage, "skip building the disk image")
	fs.BoolVar(&o.SkipISO, "skip_iso", o.SkipISO, "skip remastering the ISO and reuse --remastered_iso")
	fs.BoolVar(&o.E2ETest, "e2e_test", o.E2ETest, "build the end-to-end test variant")
	fs.StringVar(&o.ImageSize, "image_size", o.ImageSize, "size of the disk image")
	fs.StringVar(&o.ESPSize, "esp_size", o.ESPSize, "size of the EFI system partition")
	fs.StringVar(&o.WorkDir, "work_dir", o.WorkDir, "directory holding scratch space for the build")
	fs.StringVar(&o.CustomizeScript, "customize_script", o.CustomizeScript, "script run inside the live root filesystem")
	fs.StringVar(&o.SAName, "sa_name", o.SAName, "service account name")
	fs.StringVar(&o.SAKeyPath, "sa_key_path", o.SAKeyPath, "where a minted service account key is written (default <work_dir>/<sa_name>_key.json)")
	fs.BoolVar(&o.GrantLogging, "grant_logging", o.GrantLogging, "grant the service account permission to write logs")
	fs.BoolVar(&o.AssumeYes, "yes", o.AssumeYes, "answer yes to confirmation prompts")
}

// LoadFile decodes a YAML or TOML config file on top of o.
func LoadFile(path string, o *Options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, o); err != nil {
			return fmt.Errorf("decode yaml %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), o); err != nil {
			return fmt.Errorf("decode toml %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config file %s: unsupported extension (want .yaml, .yml or .toml)", path)
	}
	return nil
}

// MergeFile loads path over the defaults and then re-applies every flag the
// operator set explicitly on flags, so the command line wins over the file.
func MergeFile(path string, flags *pflag.FlagSet) (Options, error) {
	merged := NewOptions()
	if err := LoadFile(path, &merged); err != nil {
		return Options{}, err
	}

	overlay := pflag.NewFlagSet("merged", pflag.ContinueOnError)
	BindFlags(overlay, &merged)

	var errs []string
	flags.Visit(func(f *pflag.Flag) {
		if overlay.Lookup(f.Name) == nil {
			return
		}
		if err := overlay.Set(f.Name, f.Value.String()); err != nil {
			errs = append(errs, fmt.Sprintf("--%s: %v", f.Name, err))
		}
	})
	if len(errs) > 0 {
		return Options{}, fmt.Errorf("apply flags over config file: %s", strings.Join(errs, "; "))
	}
	return merged, nil
}
