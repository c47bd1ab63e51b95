package build

import (
	"github.com/cochaviz/giftstick/internal/artifacts"
	"github.com/cochaviz/giftstick/internal/cloud"
)

// BuildStatus captures overall lifecycle states for a build run.
type BuildStatus string

// Supported build statuses.
const (
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// Stage names a pipeline stage.
type Stage string

// Stages in execution order.
const (
	StageCloud Stage = "cloud"
	StageISO   Stage = "iso"
	StageImage Stage = "image"
)

// Result captures what a run produced.
type Result struct {
	RunID  string
	Status BuildStatus
	// Stages lists the stages that ran to completion, in order.
	Stages []Stage

	Identity     *cloud.Identity
	ISO          *artifacts.Artifact
	Image        *artifacts.Artifact
	ManifestPath string
}

// Artifacts returns the produced artifacts.
func (r *Result) Artifacts() []artifacts.Artifact {
	var out []artifacts.Artifact
	for _, a := range []*artifacts.Artifact{r.ISO, r.Image} {
		if a != nil {
			out = append(out, *a)
		}
	}
	return out
}
