// Package config holds the resolved, immutable parameters of a build run.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
)

// Product prefixes default output names and the ISO volume label.
const Product = "giftstick"

// BuildConfig is the fully resolved set of run parameters. Preflight builds it
// once and every component receives it by pointer; nobody mutates it after.
type BuildConfig struct {
	SourceISO     string `validate:"required_unless=SkipISO true"`
	RemasteredISO string `validate:"required"`
	ImagePath     string `validate:"required_unless=SkipImage true"`
	ImageSize     uint64 `validate:"required_unless=SkipImage true"`
	ESPSize       uint64 `validate:"required_unless=SkipImage true"`
	WorkDir       string `validate:"required"`

	Project      string `validate:"required_unless=SkipCloud true"`
	Bucket       string `validate:"omitempty,gcs_bucket"`
	ExtraGCSPath string
	// SAKeyFile is an operator-supplied key. When empty the run mints one
	// at SAKeyPath for the service account SAName.
	SAKeyFile    string
	SAKeyPath    string
	SAName       string `validate:"required_unless=SkipCloud true"`
	GrantLogging bool

	CustomizeScript string

	SkipCloud bool
	SkipISO   bool
	SkipImage bool
	// E2ETest selects the test-build variant of the payload.
	E2ETest bool

	BuildDate time.Time
}

// Validate checks the struct-level invariants.
func (c *BuildConfig) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		return fmt.Errorf("invalid build configuration: %w", err)
	}
	// The image bakes the upload destination in, so only a run that skips
	// both cloud setup and the image can do without a bucket.
	if c.Bucket == "" && !(c.SkipCloud && c.SkipImage) {
		return fmt.Errorf("invalid build configuration: bucket is required")
	}
	if !c.SkipImage && c.ESPSize >= c.ImageSize {
		return fmt.Errorf("invalid build configuration: EFI partition (%d bytes) does not fit in image (%d bytes)", c.ESPSize, c.ImageSize)
	}
	return nil
}

// RemoteURL is where the booted stick uploads evidence.
func (c *BuildConfig) RemoteURL() StorageURL {
	return NewStorageURL(c.Bucket, c.ExtraGCSPath)
}

// KeyFile returns the credential file staged into the image: the operator's
// own key if given, the minted one otherwise. Empty when cloud setup is
// skipped and no key was supplied.
func (c *BuildConfig) KeyFile() string {
	if c.SAKeyFile != "" {
		return c.SAKeyFile
	}
	if c.SkipCloud {
		return ""
	}
	return c.SAKeyPath
}

// DateStamp renders BuildDate as yyyymmdd.
func (c *BuildConfig) DateStamp() string {
	return c.BuildDate.Format("20060102")
}

// DefaultImageName returns giftstick-<yyyymmdd>.img inside dir.
func DefaultImageName(dir string, date time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.img", Product, date.Format("20060102")))
}

// DefaultISOName returns giftstick-<yyyymmdd>.iso inside dir.
func DefaultISOName(dir string, date time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.iso", Product, date.Format("20060102")))
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("gcs_bucket", func(fl validator.FieldLevel) bool {
		return ValidateBucketName(fl.Field().String()) == nil
	})
	return v
}
