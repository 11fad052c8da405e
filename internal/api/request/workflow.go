package request

import "github.com/edvin/autoflow/internal/model"

type CreateWorkflow struct {
	Name  string      `json:"name" validate:"required,max=200"`
	Graph model.Graph `json:"graph"`
}

type UpdateWorkflow struct {
	Graph model.Graph `json:"graph"`
}

// RunWorkflow starts a manual execution. Input becomes the trigger payload.
type RunWorkflow struct {
	Input    map[string]any `json:"input"`
	TestMode bool           `json:"test_mode"`
}
