package core

import (
	"github.com/edvin/autoflow/internal/db"
	"github.com/edvin/autoflow/internal/integration"
	"github.com/edvin/autoflow/internal/nodes"
)

type Services struct {
	User           *UserService
	APIKey         *APIKeyService
	Workflow       *WorkflowService
	Execution      *ExecutionService
	PollingTrigger *PollingTriggerService
	ScanState      *ScanStateService
}

func NewServices(db db.DB, registry *nodes.Registry, pollers integration.Pollers, limits LimitSource) *Services {
	triggers := NewPollingTriggerService(db)
	return &Services{
		User:           NewUserService(db),
		APIKey:         NewAPIKeyService(db),
		Workflow:       NewWorkflowService(db, registry, pollers, limits, triggers),
		Execution:      NewExecutionService(db),
		PollingTrigger: triggers,
		ScanState:      NewScanStateService(db),
	}
}
