// Package pipeline implements the pipeline hook: it filters GitLab
// "Pipeline Hook" events by pipeline status and job name, binds the
// pipeline-specific CI_* environment, and delegates to hook.Execute
// (§4.6 of the specification).
package pipeline

import (
	"fmt"

	"github.com/tjfontaine/gitlab-hookshot/internal/hook"
	"github.com/tjfontaine/gitlab-hookshot/internal/httpd"
)

// Hook is the pipeline hook kind.
type Hook struct {
	Cfg hook.Base

	// Status, when non-empty, filters on object_attributes.status. An
	// empty set matches any status.
	Status map[string]struct{}

	// JobNames selects which builds[] entries count toward job
	// selection.
	JobNames map[string]struct{}

	Enqueue hook.Enqueue
}

var _ hook.Handler = (*Hook)(nil)

// Base implements hook.Handler.
func (h *Hook) Base() *hook.Base { return &h.Cfg }

// Process implements §4.6.
func (h *Hook) Process(req *httpd.Request, event string, payload map[string]any) (hook.Outcome, error) {
	if event != "Pipeline Hook" {
		return hook.OutcomeIgnored, nil
	}

	attrs, _ := payload["object_attributes"].(map[string]any)
	if attrs == nil {
		return hook.OutcomeIgnored, nil
	}

	if len(h.Status) > 0 {
		status, _ := attrs["status"].(string)
		if _, ok := h.Status[status]; !ok {
			return hook.OutcomeIgnored, nil
		}
	}

	buildsRaw, _ := payload["builds"].([]any)

	var jobIDs, jobNames []string
	for _, raw := range buildsRaw {
		build, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := build["name"].(string)
		status, _ := build["status"].(string)
		if _, wanted := h.JobNames[name]; !wanted {
			continue
		}
		if status != "success" {
			continue
		}
		jobNames = append(jobNames, name)
		if id, ok := build["id"]; ok {
			jobIDs = append(jobIDs, fmt.Sprintf("%v", id))
		}
	}

	if len(jobNames) == 0 {
		return hook.OutcomeIgnored, nil
	}

	var extra hook.Overlay
	extra = extra.SetList("CI_JOB_IDS", jobIDs)
	extra = extra.SetList("CI_JOB_NAMES", jobNames)
	if ref, ok := attrs["ref"].(string); ok {
		extra = extra.Set("CI_COMMIT_REF_NAME", ref)
	}
	if sha, ok := attrs["sha"].(string); ok {
		extra = extra.Set("CI_COMMIT_SHA", sha)
	}
	if id, ok := attrs["id"]; ok {
		extra = extra.Set("CI_PIPELINE_ID", fmt.Sprintf("%v", id))
	}
	if tag, _ := attrs["tag"].(bool); tag {
		if ref, ok := attrs["ref"].(string); ok {
			extra = extra.Set("CI_COMMIT_TAG", ref)
		}
	}

	return hook.Execute(&h.Cfg, payload, extra, h.Enqueue)
}
