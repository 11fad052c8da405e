package ledger

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/edvin/autoflow/internal/apperr"
	"github.com/edvin/autoflow/internal/model"
)

// DefaultPlanID is assumed for users without a user_plans row.
const DefaultPlanID = "free"

//go:embed plans.yaml
var builtinPlans []byte

// Catalog maps plan ids to their limits.
type Catalog struct {
	plans map[string]model.PlanLimits
}

type catalogFile struct {
	Plans map[string]model.PlanLimits `yaml:"plans"`
}

// LoadCatalog reads the plan catalog from path, or the built-in catalog when
// path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data := builtinPlans
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read plans file: %w", err)
		}
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse plan catalog: %w", err)
	}
	if len(f.Plans) == 0 {
		return nil, fmt.Errorf("plan catalog defines no plans")
	}
	if _, ok := f.Plans[DefaultPlanID]; !ok {
		return nil, fmt.Errorf("plan catalog is missing the %q plan", DefaultPlanID)
	}
	for id, limits := range f.Plans {
		limits.PlanID = id
		f.Plans[id] = limits
	}
	return &Catalog{plans: f.Plans}, nil
}

// GetPlanLimits returns the limits of planID.
func (c *Catalog) GetPlanLimits(planID string) (model.PlanLimits, error) {
	limits, ok := c.plans[planID]
	if !ok {
		return model.PlanLimits{}, apperr.NotFound("plan %q not found", planID)
	}
	return limits, nil
}

// PlanIDs returns the catalog's plan ids, sorted.
func (c *Catalog) PlanIDs() []string {
	ids := make([]string, 0, len(c.plans))
	for id := range c.plans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
