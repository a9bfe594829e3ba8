// Package web provides HTTP request and response types for the workflow API.
package web

import "github.com/dukex/autoflow/pkg/models"

// WorkflowRequest is the body of workflow creation and replacement.
type WorkflowRequest struct {
	ScopeID       string               `json:"scope_id"`
	Name          string               `json:"name"           validate:"required,min=3"`
	Description   string               `json:"description"`
	TriggerType   models.TriggerType   `json:"trigger_type"   validate:"required"`
	TriggerConfig models.TriggerConfig `json:"trigger_config"`
	Definition    models.Definition    `json:"definition"`
}

func (r WorkflowRequest) toModel() *models.Workflow {
	return &models.Workflow{
		ScopeID:       r.ScopeID,
		Name:          r.Name,
		Description:   r.Description,
		TriggerType:   r.TriggerType,
		TriggerConfig: r.TriggerConfig,
		Definition:    r.Definition,
	}
}

// SetEnabledRequest flips the kill switch of a workflow.
type SetEnabledRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// TestWorkflowRequest asks for a dry run against a sample entity.
type TestWorkflowRequest struct {
	SampleEntityID string         `json:"sample_entity_id"`
	Overrides      map[string]any `json:"overrides"`
}

// RunWorkflowRequest starts a live manual run.
type RunWorkflowRequest struct {
	TriggerData map[string]any `json:"trigger_data"`
}
