package cloud_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	crm "google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"

	"github.com/cochaviz/giftstick/internal/cloud"
	"github.com/cochaviz/giftstick/internal/logging"
)

const untilJune = `request.time < timestamp("2025-06-01T00:00:00Z")`

// iamServer answers the policy calls of one project and one bucket, each
// holding a conditional binding, and records what gets written back.
type iamServer struct {
	mu sync.Mutex

	projectRequestedVersion int64
	bucketRequestedVersion  string
	projectWritten          *crm.Policy
	bucketWritten           *storage.Policy
}

func (s *iamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/v1/projects/forensics/serviceAccounts/giftstick@forensics.iam.gserviceaccount.com":
		_ = json.NewEncoder(w).Encode(map[string]string{"email": "giftstick@forensics.iam.gserviceaccount.com"})

	case r.Method == http.MethodGet && r.URL.Path == "/b/evidence-bucket/iam":
		s.bucketRequestedVersion = r.URL.Query().Get("optionsRequestedPolicyVersion")
		_ = json.NewEncoder(w).Encode(&storage.Policy{
			Etag:    "CAE=",
			Version: 3,
			Bindings: []*storage.PolicyBindings{{
				Role:      cloud.RoleObjectCreator,
				Members:   []string{"user:a@x.com"},
				Condition: &storage.Expr{Title: "until-june", Expression: untilJune},
			}},
		})

	case r.Method == http.MethodPut && r.URL.Path == "/b/evidence-bucket/iam":
		var policy storage.Policy
		if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.bucketWritten = &policy
		_ = json.NewEncoder(w).Encode(&policy)

	case r.Method == http.MethodPost && r.URL.Path == "/v1/projects/forensics:getIamPolicy":
		var req crm.GetIamPolicyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Options != nil {
			s.projectRequestedVersion = req.Options.RequestedPolicyVersion
		}
		_ = json.NewEncoder(w).Encode(&crm.Policy{
			Etag:    "BwX=",
			Version: 3,
			Bindings: []*crm.Binding{{
				Role:      "roles/viewer",
				Members:   []string{"user:a@x.com"},
				Condition: &crm.Expr{Title: "until-june", Expression: untilJune},
			}},
		})

	case r.Method == http.MethodPost && r.URL.Path == "/v1/projects/forensics:setIamPolicy":
		var req crm.SetIamPolicyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.projectWritten = req.Policy
		_ = json.NewEncoder(w).Encode(req.Policy)

	default:
		http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
	}
}

func TestGCPKeepsConditionalBindings(t *testing.T) {
	t.Parallel()

	server := &iamServer{}
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	api, err := cloud.NewGCP(ctx,
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	p := &cloud.Provisioner{API: api, Project: "forensics", GrantLogging: true, Logger: logging.Discard()}
	id, err := p.EnsureServiceIdentity(ctx, "giftstick", "evidence-bucket")
	require.NoError(t, err)

	server.mu.Lock()
	defer server.mu.Unlock()

	assert.Equal(t, "3", server.bucketRequestedVersion)
	assert.EqualValues(t, 3, server.projectRequestedVersion)

	require.NotNil(t, server.bucketWritten)
	assert.EqualValues(t, 3, server.bucketWritten.Version)
	assert.Equal(t, "CAE=", server.bucketWritten.Etag)
	require.Len(t, server.bucketWritten.Bindings, 2)
	kept := server.bucketWritten.Bindings[0]
	require.NotNil(t, kept.Condition)
	assert.Equal(t, untilJune, kept.Condition.Expression)
	assert.Equal(t, []string{"user:a@x.com"}, kept.Members)
	added := server.bucketWritten.Bindings[1]
	assert.Nil(t, added.Condition)
	assert.Equal(t, []string{id.Member()}, added.Members)

	require.NotNil(t, server.projectWritten)
	assert.EqualValues(t, 3, server.projectWritten.Version)
	assert.Equal(t, "BwX=", server.projectWritten.Etag)
	require.Len(t, server.projectWritten.Bindings, 2)
	require.NotNil(t, server.projectWritten.Bindings[0].Condition)
	assert.Equal(t, "until-june", server.projectWritten.Bindings[0].Condition.Title)
	assert.Equal(t, untilJune, server.projectWritten.Bindings[0].Condition.Expression)
	assert.Equal(t, cloud.RoleLogWriter, server.projectWritten.Bindings[1].Role)
	assert.Nil(t, server.projectWritten.Bindings[1].Condition)
}

func TestGCPListBucketsScopesToProject(t *testing.T) {
	t.Parallel()

	var (
		mu              sync.Mutex
		project, prefix string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method != http.MethodGet || r.URL.Path != "/b" {
			http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
			return
		}
		project = r.URL.Query().Get("project")
		prefix = r.URL.Query().Get("prefix")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(&storage.Buckets{Items: []*storage.Bucket{{Name: "evidence-bucket"}, {Name: "evidence-bucket-old"}}})
	}))
	t.Cleanup(srv.Close)

	api, err := cloud.NewGCP(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	names, err := api.ListBuckets(context.Background(), "forensics", "evidence-bucket")
	require.NoError(t, err)
	assert.Equal(t, []string{"evidence-bucket", "evidence-bucket-old"}, names)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "forensics", project)
	assert.Equal(t, "evidence-bucket", prefix)
}
