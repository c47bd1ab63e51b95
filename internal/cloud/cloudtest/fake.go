// Package cloudtest provides an in-memory cloud.API.
package cloudtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cochaviz/giftstick/internal/cloud"
)

// API keeps buckets, service accounts and policies in memory and counts
// mutating calls.
type API struct {
	mu sync.Mutex

	// Buckets maps bucket names to the project owning them.
	Buckets         map[string]string
	ServiceAccounts map[string]bool
	BucketPolicies  map[string]*cloud.Policy
	ProjectPolicies map[string]*cloud.Policy

	// Calls lists mutating calls, e.g. "create-bucket b".
	Calls []string
	// Keys counts minted keys per account.
	Keys map[string]int
	// Err, when set, is returned by every call.
	Err error
}

var _ cloud.API = (*API)(nil)

// New returns an empty project.
func New() *API {
	return &API{
		Buckets:         map[string]string{},
		ServiceAccounts: map[string]bool{},
		BucketPolicies:  map[string]*cloud.Policy{},
		ProjectPolicies: map[string]*cloud.Policy{},
		Keys:            map[string]int{},
	}
}

func (a *API) record(format string, args ...any) {
	a.Calls = append(a.Calls, fmt.Sprintf(format, args...))
}

func clonePolicy(p *cloud.Policy) *cloud.Policy {
	if p == nil {
		return &cloud.Policy{Etag: "etag-0"}
	}
	out := &cloud.Policy{Etag: p.Etag, Version: p.Version}
	for _, b := range p.Bindings {
		binding := cloud.Binding{Role: b.Role, Members: append([]string(nil), b.Members...)}
		if b.Condition != nil {
			c := *b.Condition
			binding.Condition = &c
		}
		out.Bindings = append(out.Bindings, binding)
	}
	return out
}

func (a *API) ListBuckets(_ context.Context, project, prefix string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return nil, a.Err
	}
	var names []string
	for name, owner := range a.Buckets {
		if owner == project && strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (a *API) CreateBucket(_ context.Context, project, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	if _, ok := a.Buckets[name]; ok {
		return cloud.ErrConflict
	}
	a.Buckets[name] = project
	a.record("create-bucket %s", name)
	return nil
}

func (a *API) GetBucketPolicy(_ context.Context, bucket string) (*cloud.Policy, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return nil, a.Err
	}
	if _, ok := a.Buckets[bucket]; !ok {
		return nil, cloud.ErrNotFound
	}
	return clonePolicy(a.BucketPolicies[bucket]), nil
}

func (a *API) SetBucketPolicy(_ context.Context, bucket string, policy *cloud.Policy) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	a.BucketPolicies[bucket] = clonePolicy(policy)
	a.record("set-bucket-policy %s", bucket)
	return nil
}

func (a *API) GetServiceAccount(_ context.Context, _, email string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	if !a.ServiceAccounts[email] {
		return cloud.ErrNotFound
	}
	return nil
}

func (a *API) CreateServiceAccount(_ context.Context, project, name, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	email := cloud.ServiceAccountEmail(name, project)
	if a.ServiceAccounts[email] {
		return cloud.ErrConflict
	}
	a.ServiceAccounts[email] = true
	a.record("create-service-account %s", email)
	return nil
}

func (a *API) CreateKey(_ context.Context, _, email string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return nil, a.Err
	}
	if !a.ServiceAccounts[email] {
		return nil, cloud.ErrNotFound
	}
	a.Keys[email]++
	a.record("create-key %s", email)
	return []byte(fmt.Sprintf(`{"type":"service_account","client_email":%q,"private_key_id":"%d"}`, email, a.Keys[email])), nil
}

func (a *API) GetProjectPolicy(_ context.Context, project string) (*cloud.Policy, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return nil, a.Err
	}
	return clonePolicy(a.ProjectPolicies[project]), nil
}

func (a *API) SetProjectPolicy(_ context.Context, project string, policy *cloud.Policy) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	a.ProjectPolicies[project] = clonePolicy(policy)
	a.record("set-project-policy %s", project)
	return nil
}
