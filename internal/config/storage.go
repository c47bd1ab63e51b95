package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// EvidencePrefix is the fixed top-level folder evidence lands under.
const EvidencePrefix = "forensic_evidence"

var bucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]+[a-z0-9]$`)

// ValidateBucketName enforces the Cloud Storage bucket naming rules.
func ValidateBucketName(name string) error {
	switch {
	case len(name) < 3 || len(name) > 63:
		return fmt.Errorf("bucket name %q must be between 3 and 63 characters", name)
	case !bucketPattern.MatchString(name):
		return fmt.Errorf("bucket name %q may only contain lowercase letters, digits, '-' and '_' and must start and end with a letter or digit", name)
	case strings.Contains(name, "goog"):
		return fmt.Errorf("bucket name %q must not contain \"goog\"", name)
	}
	return nil
}

// ValidateObjectName enforces the Cloud Storage object naming rules on an
// object name or prefix.
func ValidateObjectName(name string) error {
	switch {
	case name == "":
		return errors.New("object name is empty")
	case len(name) > 1024:
		return fmt.Errorf("object name is %d bytes, limit is 1024", len(name))
	case !utf8.ValidString(name):
		return errors.New("object name is not valid UTF-8")
	case strings.ContainsAny(name, "\r\n"):
		return errors.New("object name contains a carriage return or line feed")
	case strings.HasPrefix(name, ".well-known/acme-challenge/"):
		return errors.New("object name must not start with .well-known/acme-challenge/")
	}
	for _, segment := range strings.Split(strings.Trim(name, "/"), "/") {
		if segment == "." || segment == ".." {
			return fmt.Errorf("object name %q contains a %q segment", name, segment)
		}
	}
	return nil
}

// StorageURL addresses the evidence destination, a prefix inside a bucket.
type StorageURL struct {
	Bucket string
	// Path is the object prefix without leading or trailing slashes.
	Path string
}

// NewStorageURL builds the canonical destination for bucket, nesting extra
// below the evidence prefix.
func NewStorageURL(bucket, extra string) StorageURL {
	path := EvidencePrefix
	if extra = strings.Trim(extra, "/"); extra != "" {
		path += "/" + extra
	}
	return StorageURL{Bucket: bucket, Path: path}
}

// ParseStorageURL parses gs://bucket/path/ (storage:// is accepted as an
// alias) and validates both parts.
func ParseStorageURL(raw string) (StorageURL, error) {
	var rest string
	switch {
	case strings.HasPrefix(raw, "gs://"):
		rest = strings.TrimPrefix(raw, "gs://")
	case strings.HasPrefix(raw, "storage://"):
		rest = strings.TrimPrefix(raw, "storage://")
	default:
		return StorageURL{}, fmt.Errorf("storage URL %q must start with gs://", raw)
	}

	bucket, path, _ := strings.Cut(rest, "/")
	u := StorageURL{Bucket: bucket, Path: strings.Trim(path, "/")}
	if err := u.Validate(); err != nil {
		return StorageURL{}, err
	}
	return u, nil
}

// Validate checks the bucket and object prefix grammar.
func (u StorageURL) Validate() error {
	if err := ValidateBucketName(u.Bucket); err != nil {
		return err
	}
	if u.Path == "" {
		return nil
	}
	if strings.Contains(u.Path, "//") {
		return fmt.Errorf("storage path %q contains an empty segment", u.Path)
	}
	return ValidateObjectName(u.Path + "/")
}

// String renders the canonical gs:// form with a trailing slash.
func (u StorageURL) String() string {
	if u.Path == "" {
		return "gs://" + u.Bucket + "/"
	}
	return "gs://" + u.Bucket + "/" + u.Path + "/"
}
