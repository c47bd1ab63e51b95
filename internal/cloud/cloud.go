// Package cloud provisions the Google Cloud Storage destination the booted
// stick uploads evidence to: the bucket, a service account allowed to write
// into it, and a key for that account. Every step can be re-run safely.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/cochaviz/giftstick/internal/builderr"
	"github.com/cochaviz/giftstick/internal/logging"
)

// Roles granted to the acquisition service account.
const (
	RoleObjectCreator = "roles/storage.objectCreator"
	RoleLogWriter     = "roles/logging.logWriter"
)

var (
	// ErrNotFound is returned by API lookups for missing resources.
	ErrNotFound = errors.New("cloud: resource not found")
	// ErrConflict is returned when creating a resource that already exists.
	ErrConflict = errors.New("cloud: resource already exists")
)

// PolicyVersion is requested on every policy read so conditional bindings
// are returned intact.
const PolicyVersion = 3

// Condition restricts a binding, e.g. to a time window.
type Condition struct {
	Title       string
	Description string
	Expression  string
	Location    string
}

// Binding grants Role to Members, under Condition when set.
type Binding struct {
	Role      string
	Members   []string
	Condition *Condition
}

// Policy is an IAM policy as returned by a getIamPolicy call. Etag must be
// sent back unchanged on update.
type Policy struct {
	Bindings []Binding
	Etag     string
	Version  int64
}

// Grant adds member to role and reports whether the policy changed.
// Conditional bindings are left alone; the grant is always unconditional.
func (p *Policy) Grant(role, member string) bool {
	for i := range p.Bindings {
		if p.Bindings[i].Role != role || p.Bindings[i].Condition != nil {
			continue
		}
		if slices.Contains(p.Bindings[i].Members, member) {
			return false
		}
		p.Bindings[i].Members = append(p.Bindings[i].Members, member)
		return true
	}
	p.Bindings = append(p.Bindings, Binding{Role: role, Members: []string{member}})
	return true
}

// Has reports whether member holds role unconditionally.
func (p *Policy) Has(role, member string) bool {
	for _, b := range p.Bindings {
		if b.Role == role && b.Condition == nil && slices.Contains(b.Members, member) {
			return true
		}
	}
	return false
}

// WriteVersion is the version to send on update: policies holding a
// conditional binding must be written as version 3.
func (p *Policy) WriteVersion() int64 {
	for _, b := range p.Bindings {
		if b.Condition != nil {
			return max(p.Version, PolicyVersion)
		}
	}
	return p.Version
}

// API is the subset of the Storage, IAM and Resource Manager APIs the
// provisioner needs. Lookups of missing resources return ErrNotFound;
// creating an existing resource returns ErrConflict.
type API interface {
	ListBuckets(ctx context.Context, project, prefix string) ([]string, error)
	CreateBucket(ctx context.Context, project, name string) error
	GetBucketPolicy(ctx context.Context, bucket string) (*Policy, error)
	SetBucketPolicy(ctx context.Context, bucket string, policy *Policy) error

	GetServiceAccount(ctx context.Context, project, email string) error
	CreateServiceAccount(ctx context.Context, project, name, displayName string) error
	CreateKey(ctx context.Context, project, email string) ([]byte, error)

	GetProjectPolicy(ctx context.Context, project string) (*Policy, error)
	SetProjectPolicy(ctx context.Context, project string, policy *Policy) error
}

// Identity is the provisioned service account.
type Identity struct {
	Bucket  string
	Email   string
	KeyPath string
}

// Member returns the IAM member string of the account.
func (id Identity) Member() string {
	return "serviceAccount:" + id.Email
}

// ServiceAccountEmail derives the email of a user-managed service account.
func ServiceAccountEmail(name, project string) string {
	return fmt.Sprintf("%s@%s.iam.gserviceaccount.com", name, project)
}

// Provisioner creates the cloud resources of one project.
type Provisioner struct {
	API     API
	Project string
	// GrantLogging also lets the account write to Cloud Logging.
	GrantLogging bool
	Logger       *slog.Logger
}

func (p *Provisioner) logger() *slog.Logger {
	return logging.Ensure(p.Logger).With("project", p.Project)
}

// EnsureBucket creates the bucket unless the project already has it and
// reports whether it had to be created. A bucket of that name owned by
// another project is a precondition error.
func (p *Provisioner) EnsureBucket(ctx context.Context, name string) (bool, error) {
	logger := p.logger().With("bucket", name)

	exists, err := p.hasBucket(ctx, name)
	if err != nil {
		return false, err
	}
	if exists {
		logger.Info("bucket already exists")
		return false, nil
	}

	err = p.API.CreateBucket(ctx, p.Project, name)
	switch {
	case err == nil:
		logger.Info("created bucket")
		return true, nil
	case !errors.Is(err, ErrConflict):
		return false, fmt.Errorf("create bucket %s: %w", name, err)
	}

	exists, err = p.hasBucket(ctx, name)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, builderr.Precondition("bucket %s exists but does not belong to project %s; pick another --bucket", name, p.Project)
	}
	logger.Info("bucket appeared concurrently")
	return false, nil
}

func (p *Provisioner) hasBucket(ctx context.Context, name string) (bool, error) {
	names, err := p.API.ListBuckets(ctx, p.Project, name)
	if err != nil {
		return false, fmt.Errorf("list buckets of %s: %w", p.Project, err)
	}
	return slices.Contains(names, name), nil
}

// EnsureServiceIdentity creates the service account unless it exists and
// grants it the roles it needs. Bindings are only added when missing.
func (p *Provisioner) EnsureServiceIdentity(ctx context.Context, name, bucket string) (Identity, error) {
	id := Identity{Bucket: bucket, Email: ServiceAccountEmail(name, p.Project)}
	logger := p.logger().With("service_account", id.Email)

	err := p.API.GetServiceAccount(ctx, p.Project, id.Email)
	switch {
	case err == nil:
		logger.Info("service account already exists")
	case errors.Is(err, ErrNotFound):
		err = p.API.CreateServiceAccount(ctx, p.Project, name, "GiftStick evidence uploader")
		if err != nil && !errors.Is(err, ErrConflict) {
			return Identity{}, fmt.Errorf("create service account %s: %w", id.Email, err)
		}
		logger.Info("created service account")
	default:
		return Identity{}, fmt.Errorf("look up service account %s: %w", id.Email, err)
	}

	bucketPolicy, err := p.API.GetBucketPolicy(ctx, bucket)
	if err != nil {
		return Identity{}, fmt.Errorf("read IAM policy of bucket %s: %w", bucket, err)
	}
	if bucketPolicy.Grant(RoleObjectCreator, id.Member()) {
		if err := p.API.SetBucketPolicy(ctx, bucket, bucketPolicy); err != nil {
			return Identity{}, fmt.Errorf("grant %s on bucket %s: %w", RoleObjectCreator, bucket, err)
		}
		logger.Info("granted role", "role", RoleObjectCreator, "bucket", bucket)
	}

	if p.GrantLogging {
		projectPolicy, err := p.API.GetProjectPolicy(ctx, p.Project)
		if err != nil {
			return Identity{}, fmt.Errorf("read IAM policy of project %s: %w", p.Project, err)
		}
		if projectPolicy.Grant(RoleLogWriter, id.Member()) {
			if err := p.API.SetProjectPolicy(ctx, p.Project, projectPolicy); err != nil {
				return Identity{}, fmt.Errorf("grant %s on project %s: %w", RoleLogWriter, p.Project, err)
			}
			logger.Info("granted role", "role", RoleLogWriter)
		}
	}
	return id, nil
}

// EnsureKey mints a key for id into destPath unless that file already
// exists, and reports whether a key was minted.
func (p *Provisioner) EnsureKey(ctx context.Context, id *Identity, destPath string) (bool, error) {
	logger := p.logger().With("service_account", id.Email, "key", destPath)

	if _, err := os.Stat(destPath); err == nil {
		logger.Info("reusing existing key file")
		id.KeyPath = destPath
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	key, err := p.API.CreateKey(ctx, p.Project, id.Email)
	if err != nil {
		return false, fmt.Errorf("create key for %s: %w", id.Email, err)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return false, err
	}
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return false, fmt.Errorf("write key: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		os.Remove(destPath)
		return false, fmt.Errorf("write key: %w", err)
	}
	if err := f.Close(); err != nil {
		return false, err
	}

	logger.Info("minted service account key")
	id.KeyPath = destPath
	return true, nil
}
