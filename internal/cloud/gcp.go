package cloud

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2/google"
	crm "google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/googleapi"
	iam "google.golang.org/api/iam/v1"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"

	"github.com/cochaviz/giftstick/internal/builderr"
)

const userAgent = "giftstick"

var scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
}

// CheckCredentials verifies that application default credentials are
// available and can mint a token. Failing here is a precondition error.
func CheckCredentials(ctx context.Context) error {
	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return builderr.Precondition("no application default credentials (run `gcloud auth application-default login`): %v", err)
	}
	if _, err := creds.TokenSource.Token(); err != nil {
		return builderr.Precondition("application default credentials cannot mint a token (run `gcloud auth application-default login`): %v", err)
	}
	return nil
}

// GCP implements API on top of the Google API client libraries.
type GCP struct {
	storage *storage.Service
	iam     *iam.Service
	crm     *crm.Service
}

var _ API = (*GCP)(nil)

// NewGCP connects to the Storage, IAM and Resource Manager APIs using
// application default credentials unless opts say otherwise.
func NewGCP(ctx context.Context, opts ...option.ClientOption) (*GCP, error) {
	opts = append([]option.ClientOption{option.WithUserAgent(userAgent), option.WithScopes(scopes...)}, opts...)

	storageSvc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	iamSvc, err := iam.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("iam client: %w", err)
	}
	crmSvc, err := crm.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("resource manager client: %w", err)
	}
	return &GCP{storage: storageSvc, iam: iamSvc, crm: crmSvc}, nil
}

// classify maps HTTP status codes onto ErrNotFound and ErrConflict.
func classify(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, apiErr.Message)
	}
	return err
}

func (g *GCP) ListBuckets(ctx context.Context, project, prefix string) ([]string, error) {
	var names []string
	err := g.storage.Buckets.List(project).Prefix(prefix).Fields("nextPageToken", "items/name").Pages(ctx, func(page *storage.Buckets) error {
		for _, b := range page.Items {
			names = append(names, b.Name)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return names, nil
}

func (g *GCP) CreateBucket(ctx context.Context, project, name string) error {
	bucket := &storage.Bucket{
		Name: name,
		IamConfiguration: &storage.BucketIamConfiguration{
			UniformBucketLevelAccess: &storage.BucketIamConfigurationUniformBucketLevelAccess{Enabled: true},
		},
	}
	_, err := g.storage.Buckets.Insert(project, bucket).Context(ctx).Do()
	return classify(err)
}

func (g *GCP) GetBucketPolicy(ctx context.Context, bucket string) (*Policy, error) {
	p, err := g.storage.Buckets.GetIamPolicy(bucket).OptionsRequestedPolicyVersion(PolicyVersion).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	policy := &Policy{Etag: p.Etag, Version: p.Version}
	for _, b := range p.Bindings {
		policy.Bindings = append(policy.Bindings, Binding{Role: b.Role, Members: b.Members, Condition: conditionFromStorage(b.Condition)})
	}
	return policy, nil
}

func (g *GCP) SetBucketPolicy(ctx context.Context, bucket string, policy *Policy) error {
	p := &storage.Policy{Etag: policy.Etag, Version: policy.WriteVersion()}
	for _, b := range policy.Bindings {
		binding := &storage.PolicyBindings{Role: b.Role, Members: b.Members}
		if c := b.Condition; c != nil {
			binding.Condition = &storage.Expr{Title: c.Title, Description: c.Description, Expression: c.Expression, Location: c.Location}
		}
		p.Bindings = append(p.Bindings, binding)
	}
	_, err := g.storage.Buckets.SetIamPolicy(bucket, p).Context(ctx).Do()
	return classify(err)
}

func conditionFromStorage(e *storage.Expr) *Condition {
	if e == nil {
		return nil
	}
	return &Condition{Title: e.Title, Description: e.Description, Expression: e.Expression, Location: e.Location}
}

func serviceAccountName(project, email string) string {
	return fmt.Sprintf("projects/%s/serviceAccounts/%s", project, email)
}

func (g *GCP) GetServiceAccount(ctx context.Context, project, email string) error {
	_, err := g.iam.Projects.ServiceAccounts.Get(serviceAccountName(project, email)).Context(ctx).Do()
	return classify(err)
}

func (g *GCP) CreateServiceAccount(ctx context.Context, project, name, displayName string) error {
	req := &iam.CreateServiceAccountRequest{
		AccountId:      name,
		ServiceAccount: &iam.ServiceAccount{DisplayName: displayName},
	}
	_, err := g.iam.Projects.ServiceAccounts.Create("projects/"+project, req).Context(ctx).Do()
	return classify(err)
}

func (g *GCP) CreateKey(ctx context.Context, project, email string) ([]byte, error) {
	key, err := g.iam.Projects.ServiceAccounts.Keys.Create(serviceAccountName(project, email), &iam.CreateServiceAccountKeyRequest{}).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	data, err := base64.StdEncoding.DecodeString(key.PrivateKeyData)
	if err != nil {
		return nil, fmt.Errorf("decode key material: %w", err)
	}
	return data, nil
}

func (g *GCP) GetProjectPolicy(ctx context.Context, project string) (*Policy, error) {
	req := &crm.GetIamPolicyRequest{Options: &crm.GetPolicyOptions{RequestedPolicyVersion: PolicyVersion}}
	p, err := g.crm.Projects.GetIamPolicy(project, req).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	policy := &Policy{Etag: p.Etag, Version: p.Version}
	for _, b := range p.Bindings {
		policy.Bindings = append(policy.Bindings, Binding{Role: b.Role, Members: b.Members, Condition: conditionFromCRM(b.Condition)})
	}
	return policy, nil
}

func (g *GCP) SetProjectPolicy(ctx context.Context, project string, policy *Policy) error {
	p := &crm.Policy{Etag: policy.Etag, Version: policy.WriteVersion()}
	for _, b := range policy.Bindings {
		binding := &crm.Binding{Role: b.Role, Members: b.Members}
		if c := b.Condition; c != nil {
			binding.Condition = &crm.Expr{Title: c.Title, Description: c.Description, Expression: c.Expression, Location: c.Location}
		}
		p.Bindings = append(p.Bindings, binding)
	}
	_, err := g.crm.Projects.SetIamPolicy(project, &crm.SetIamPolicyRequest{Policy: p}).Context(ctx).Do()
	return classify(err)
}

func conditionFromCRM(e *crm.Expr) *Condition {
	if e == nil {
		return nil
	}
	return &Condition{Title: e.Title, Description: e.Description, Expression: e.Expression, Location: e.Location}
}
