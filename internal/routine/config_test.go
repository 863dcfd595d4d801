package routine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/agentcore/pkg/models"
)

func TestLoadPlanSpecBuildsRunnablePlan(t *testing.T) {
	yamlDoc := []byte(`
goal: summarize then notify
concurrency:
  max_parallel_tasks: 2
  strategy: priority
  failure_mode: continue
tasks:
  - name: fetch
    description: fetch the document
  - name: summarize
    description: summarize the document
    depends_on: [fetch]
    validation:
      completion_criteria:
        - "mentions the key finding"
      min_completion_score: 70
  - name: notify
    description: send the summary
    depends_on: [summarize]
    execution:
      priority: 5
`)

	spec, err := LoadPlanSpec(yamlDoc)
	require.NoError(t, err)

	plan, err := spec.ToPlan()
	require.NoError(t, err)

	assert.Equal(t, "summarize then notify", plan.Goal)
	assert.Equal(t, 2, plan.Concurrency.MaxParallelTasks)
	assert.Equal(t, models.StrategyPriority, plan.Concurrency.Strategy)
	assert.Equal(t, models.Continue, plan.Concurrency.FailureMode)
	require.Len(t, plan.Tasks, 3)

	summarize := plan.TaskByName("summarize")
	require.NotNil(t, summarize)
	assert.Equal(t, []string{"fetch"}, summarize.DependsOn)
	require.NotNil(t, summarize.Validation)
	assert.Equal(t, 70, summarize.Validation.MinCompletionScore)
}

func TestLoadPlanSpecCarriesParamsOntoPlan(t *testing.T) {
	yamlDoc := []byte(`
goal: greet a user
params:
  username: ada
  retries: 3
tasks:
  - name: greet
    description: "say hello to {{param.username}}"
`)

	spec, err := LoadPlanSpec(yamlDoc)
	require.NoError(t, err)

	plan, err := spec.ToPlan()
	require.NoError(t, err)

	assert.Equal(t, "ada", plan.Params["username"])
	assert.EqualValues(t, 3, plan.Params["retries"])
}

func TestLoadPlanSpecRejectsMissingGoal(t *testing.T) {
	_, err := LoadPlanSpec([]byte(`tasks: [{name: a, description: d}]`))
	require.Error(t, err)
}

func TestLoadPlanSpecRejectsCyclicTasks(t *testing.T) {
	yamlDoc := []byte(`
goal: cyclic
tasks:
  - name: a
    description: A
    depends_on: [b]
  - name: b
    description: B
    depends_on: [a]
`)
	spec, err := LoadPlanSpec(yamlDoc)
	require.NoError(t, err)

	_, err = spec.ToPlan()
	require.Error(t, err)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrorDependencyCycle, kind)
}

func TestPlanSpecJSONSchemaProducesValidJSON(t *testing.T) {
	data, err := PlanSpecJSONSchema()
	require.NoError(t, err)
	assert.Contains(t, string(data), "\"goal\"")
}
