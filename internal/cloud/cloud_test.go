package cloud_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/giftstick/internal/builderr"
	"github.com/cochaviz/giftstick/internal/cloud"
	"github.com/cochaviz/giftstick/internal/cloud/cloudtest"
	"github.com/cochaviz/giftstick/internal/logging"
)

func provision(t *testing.T, p *cloud.Provisioner, keyPath string) (cloud.Identity, bool, bool) {
	t.Helper()
	ctx := context.Background()
	createdBucket, err := p.EnsureBucket(ctx, "evidence-bucket")
	require.NoError(t, err)
	id, err := p.EnsureServiceIdentity(ctx, "giftstick", "evidence-bucket")
	require.NoError(t, err)
	minted, err := p.EnsureKey(ctx, &id, keyPath)
	require.NoError(t, err)
	return id, createdBucket, minted
}

func TestProvisioningIsIdempotent(t *testing.T) {
	t.Parallel()

	api := cloudtest.New()
	p := &cloud.Provisioner{API: api, Project: "forensics-prod", GrantLogging: true, Logger: logging.Discard()}
	keyPath := filepath.Join(t.TempDir(), "giftstick_key.json")

	id, createdBucket, minted := provision(t, p, keyPath)
	assert.True(t, createdBucket)
	assert.True(t, minted)
	assert.Equal(t, "giftstick@forensics-prod.iam.gserviceaccount.com", id.Email)
	assert.Equal(t, keyPath, id.KeyPath)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	firstRun := append([]string(nil), api.Calls...)
	assert.Equal(t, []string{
		"create-bucket evidence-bucket",
		"create-service-account giftstick@forensics-prod.iam.gserviceaccount.com",
		"set-bucket-policy evidence-bucket",
		"set-project-policy forensics-prod",
		"create-key giftstick@forensics-prod.iam.gserviceaccount.com",
	}, firstRun)

	id, createdBucket, minted = provision(t, p, keyPath)
	assert.False(t, createdBucket)
	assert.False(t, minted)
	assert.Equal(t, keyPath, id.KeyPath)
	assert.Equal(t, firstRun, api.Calls, "a second run must not mutate anything")
	assert.Equal(t, 1, api.Keys[id.Email])

	policy := api.BucketPolicies["evidence-bucket"]
	require.Len(t, policy.Bindings, 1)
	assert.Equal(t, []string{id.Member()}, policy.Bindings[0].Members)
}

func TestExistingResourcesAreAdopted(t *testing.T) {
	t.Parallel()

	api := cloudtest.New()
	api.Buckets["evidence-bucket"] = "forensics-prod"
	email := cloud.ServiceAccountEmail("giftstick", "forensics-prod")
	api.ServiceAccounts[email] = true
	api.BucketPolicies["evidence-bucket"] = &cloud.Policy{
		Etag: "etag-7",
		Bindings: []cloud.Binding{
			{Role: "roles/storage.admin", Members: []string{"user:admin@example.com"}},
			{Role: cloud.RoleObjectCreator, Members: []string{"serviceAccount:" + email}},
		},
	}
	p := &cloud.Provisioner{API: api, Project: "forensics-prod", Logger: logging.Discard()}

	_, createdBucket, minted := provision(t, p, filepath.Join(t.TempDir(), "key.json"))
	assert.False(t, createdBucket)
	assert.True(t, minted)
	assert.Equal(t, []string{"create-key " + email}, api.Calls)
	assert.NotContains(t, api.ProjectPolicies, "forensics-prod", "logging grant is opt-in")
}

func TestConcurrentCreationIsNotAnError(t *testing.T) {
	t.Parallel()

	api := &racingAPI{API: cloudtest.New()}
	p := &cloud.Provisioner{API: api, Project: "p", Logger: logging.Discard()}

	created, err := p.EnsureBucket(context.Background(), "evidence-bucket")
	require.NoError(t, err)
	assert.False(t, created)
}

// racingAPI reports the bucket missing, then loses the creation race.
type racingAPI struct {
	*cloudtest.API
}

func (r *racingAPI) CreateBucket(ctx context.Context, project, name string) error {
	r.API.Buckets[name] = project
	return cloud.ErrConflict
}

func TestBucketOfAnotherProjectIsRejected(t *testing.T) {
	t.Parallel()

	api := cloudtest.New()
	api.Buckets["evidence-bucket"] = "someone-else"
	p := &cloud.Provisioner{API: api, Project: "forensics-prod", Logger: logging.Discard()}

	created, err := p.EnsureBucket(context.Background(), "evidence-bucket")
	require.Error(t, err)
	assert.False(t, created)
	assert.True(t, builderr.Is(err, builderr.KindPrecondition))
	assert.Contains(t, err.Error(), "does not belong to project forensics-prod")
	assert.Empty(t, api.Calls)
}

func TestAPIErrorsPropagate(t *testing.T) {
	t.Parallel()

	api := cloudtest.New()
	api.Err = errors.New("googleapi: Error 403: caller does not have storage.buckets.get access")
	p := &cloud.Provisioner{API: api, Project: "p", Logger: logging.Discard()}

	_, err := p.EnsureBucket(context.Background(), "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	_, err = p.EnsureServiceIdentity(context.Background(), "giftstick", "b")
	require.Error(t, err)
}

func TestEnsureKeyDoesNotOverwrite(t *testing.T) {
	t.Parallel()

	api := cloudtest.New()
	api.ServiceAccounts["sa@p.iam.gserviceaccount.com"] = true
	p := &cloud.Provisioner{API: api, Project: "p", Logger: logging.Discard()}
	keyPath := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(keyPath, []byte("existing"), 0o600))

	id := cloud.Identity{Email: "sa@p.iam.gserviceaccount.com"}
	minted, err := p.EnsureKey(context.Background(), &id, keyPath)
	require.NoError(t, err)
	assert.False(t, minted)
	data, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	assert.Equal(t, "existing", string(data))
	assert.Empty(t, api.Calls)
}

func TestPolicyGrant(t *testing.T) {
	t.Parallel()

	var p cloud.Policy
	assert.True(t, p.Grant(cloud.RoleLogWriter, "serviceAccount:a"))
	assert.False(t, p.Grant(cloud.RoleLogWriter, "serviceAccount:a"))
	assert.True(t, p.Grant(cloud.RoleLogWriter, "serviceAccount:b"))
	assert.True(t, p.Has(cloud.RoleLogWriter, "serviceAccount:b"))
	assert.False(t, p.Has(cloud.RoleObjectCreator, "serviceAccount:b"))
	assert.Len(t, p.Bindings, 1)
	assert.EqualValues(t, 0, p.WriteVersion())
}

func TestGrantLeavesConditionalBindingsAlone(t *testing.T) {
	t.Parallel()

	until := &cloud.Condition{Title: "until-june", Expression: `request.time < timestamp("2025-06-01T00:00:00Z")`}
	p := cloud.Policy{
		Version: 1,
		Bindings: []cloud.Binding{
			{Role: cloud.RoleObjectCreator, Members: []string{"serviceAccount:a"}, Condition: until},
		},
	}

	assert.False(t, p.Has(cloud.RoleObjectCreator, "serviceAccount:a"), "conditional access does not count")
	assert.True(t, p.Grant(cloud.RoleObjectCreator, "serviceAccount:a"))
	require.Len(t, p.Bindings, 2)
	assert.Equal(t, until, p.Bindings[0].Condition)
	assert.Equal(t, []string{"serviceAccount:a"}, p.Bindings[0].Members)
	assert.Nil(t, p.Bindings[1].Condition)
	assert.True(t, p.Has(cloud.RoleObjectCreator, "serviceAccount:a"))
	assert.False(t, p.Grant(cloud.RoleObjectCreator, "serviceAccount:a"))
	assert.EqualValues(t, cloud.PolicyVersion, p.WriteVersion())
}
