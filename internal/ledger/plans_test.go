package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/autoflow/internal/apperr"
	"github.com/edvin/autoflow/internal/model"
)

func TestLoadCatalog_Builtin(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)
	assert.Equal(t, []string{"enterprise", "free", "personal", "pro"}, c.PlanIDs())

	personal, err := c.GetPlanLimits("personal")
	require.NoError(t, err)
	assert.Equal(t, "personal", personal.PlanID)
	require.NotNil(t, personal.ExecutionsPerMonth)
	assert.Equal(t, int64(100), *personal.ExecutionsPerMonth)

	enterprise, err := c.GetPlanLimits("enterprise")
	require.NoError(t, err)
	assert.Nil(t, enterprise.Limit(model.MetricExecutions))
	assert.Nil(t, enterprise.Limit(model.MetricCredits))
	assert.Nil(t, enterprise.MaxStepsPerWorkflow)
}

func TestLoadCatalog_OverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
plans:
  free:
    executions_per_month: 5
  custom:
    ai_credits_per_month: 9000
`), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)

	free, err := c.GetPlanLimits("free")
	require.NoError(t, err)
	assert.Equal(t, int64(5), *free.ExecutionsPerMonth)
	assert.Nil(t, free.AICreditsPerMonth)

	custom, err := c.GetPlanLimits("custom")
	require.NoError(t, err)
	assert.Nil(t, custom.ExecutionsPerMonth)
	assert.Equal(t, int64(9000), *custom.Limit(model.MetricCredits))
}

func TestParseCatalog_Errors(t *testing.T) {
	_, err := ParseCatalog([]byte("plans: {}"))
	assert.Error(t, err)

	_, err = ParseCatalog([]byte("plans:\n  pro:\n    executions_per_month: 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "free")

	_, err = ParseCatalog([]byte("plans: [not, a, map]"))
	assert.Error(t, err)

	_, err = LoadCatalog("/nonexistent/plans.yaml")
	assert.Error(t, err)
}

func TestGetPlanLimits_Unknown(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)

	_, err = c.GetPlanLimits("platinum")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
