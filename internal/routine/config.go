package routine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// PlanSpec is a YAML-authorable routine definition, generalizing plan.go's
// NewPlan/UpdatePlan to a file format a human (or another agent) can hand
// write. Ground: the teacher's internal/config package (yaml.v3-tagged
// structs loaded via LoadRaw, a JSONSchema() sibling for editor tooling).
type PlanSpec struct {
	ID                string              `yaml:"id,omitempty" json:"id,omitempty"`
	Goal              string              `yaml:"goal" json:"goal"`
	AllowDynamicTasks bool                `yaml:"allow_dynamic_tasks,omitempty" json:"allow_dynamic_tasks,omitempty"`
	Concurrency       *ConcurrencySpec    `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	// Params seeds the "param" namespace of every task's {{param.X}}
	// placeholders, per spec.md §4.6 step 3.
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Tasks  []TaskSpec      `yaml:"tasks" json:"tasks"`
}

// ConcurrencySpec mirrors models.Concurrency for YAML authoring.
type ConcurrencySpec struct {
	MaxParallelTasks int    `yaml:"max_parallel_tasks,omitempty" json:"max_parallel_tasks,omitempty"`
	Strategy         string `yaml:"strategy,omitempty" json:"strategy,omitempty" jsonschema:"enum=fifo,enum=priority,enum=shortest-first"`
	FailureMode      string `yaml:"failure_mode,omitempty" json:"failure_mode,omitempty" jsonschema:"enum=fail-fast,enum=continue,enum=fail-all"`
}

// ConditionSpec mirrors models.Condition.
type ConditionSpec struct {
	Key      string `yaml:"key" json:"key"`
	Operator string `yaml:"operator" json:"operator" jsonschema:"enum=exists,enum=not_exists,enum=equals,enum=contains,enum=truthy,enum=greater_than,enum=less_than"`
	Value    any    `yaml:"value,omitempty" json:"value,omitempty"`
	OnFalse  string `yaml:"on_false,omitempty" json:"on_false,omitempty" jsonschema:"enum=skip,enum=fail,enum=wait"`
}

// ControlFlowSpec mirrors models.ControlFlow.
type ControlFlowSpec struct {
	Kind               string          `yaml:"kind" json:"kind" jsonschema:"enum=map,enum=fold,enum=until"`
	Source             string          `yaml:"source,omitempty" json:"source,omitempty"`
	Tasks              []TaskSpec      `yaml:"tasks" json:"tasks"`
	ResultKey          string          `yaml:"result_key,omitempty" json:"result_key,omitempty"`
	InitialValue       any             `yaml:"initial_value,omitempty" json:"initial_value,omitempty"`
	Condition          *ConditionSpec  `yaml:"condition,omitempty" json:"condition,omitempty"`
	IterationKey       string          `yaml:"iteration_key,omitempty" json:"iteration_key,omitempty"`
	MaxIterations      int             `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	IterationTimeoutMs int             `yaml:"iteration_timeout_ms,omitempty" json:"iteration_timeout_ms,omitempty"`
}

// ValidationSpec mirrors models.ValidationConfig.
type ValidationSpec struct {
	SkipReflection     bool     `yaml:"skip_reflection,omitempty" json:"skip_reflection,omitempty"`
	CompletionCriteria []string `yaml:"completion_criteria,omitempty" json:"completion_criteria,omitempty"`
	MinCompletionScore int      `yaml:"min_completion_score,omitempty" json:"min_completion_score,omitempty"`
}

// ExecutionSpec mirrors models.ExecutionConfig.
type ExecutionSpec struct {
	Parallel      bool `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	Priority      int  `yaml:"priority,omitempty" json:"priority,omitempty"`
	MaxIterations int  `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
}

// ExternalDependencySpec mirrors models.ExternalDependency.
type ExternalDependencySpec struct {
	Type           string `yaml:"type" json:"type" jsonschema:"enum=webhook,enum=poll,enum=scheduled,enum=manual"`
	WebhookID      string `yaml:"webhook_id,omitempty" json:"webhook_id,omitempty"`
	PollTool       string `yaml:"poll_tool,omitempty" json:"poll_tool,omitempty"`
	PollIntervalMs int    `yaml:"poll_interval_ms,omitempty" json:"poll_interval_ms,omitempty"`
	ScheduledAt    string `yaml:"scheduled_at,omitempty" json:"scheduled_at,omitempty"`
	TimeoutMs      int    `yaml:"timeout_ms" json:"timeout_ms"`
}

// TaskSpec mirrors models.Task for YAML authoring. ID defaults to Name
// when omitted, matching the teacher's convention of deriving stable
// identifiers from human-given names rather than requiring both.
type TaskSpec struct {
	ID                 string                   `yaml:"id,omitempty" json:"id,omitempty"`
	Name               string                   `yaml:"name" json:"name"`
	Description        string                   `yaml:"description" json:"description"`
	DependsOn          []string                 `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Condition          *ConditionSpec           `yaml:"condition,omitempty" json:"condition,omitempty"`
	ControlFlow        *ControlFlowSpec         `yaml:"control_flow,omitempty" json:"control_flow,omitempty"`
	Validation         *ValidationSpec          `yaml:"validation,omitempty" json:"validation,omitempty"`
	Execution          *ExecutionSpec           `yaml:"execution,omitempty" json:"execution,omitempty"`
	ExternalDependency *ExternalDependencySpec  `yaml:"external_dependency,omitempty" json:"external_dependency,omitempty"`
	SuggestedTools     []string                 `yaml:"suggested_tools,omitempty" json:"suggested_tools,omitempty"`
	ExpectedOutput     string                   `yaml:"expected_output,omitempty" json:"expected_output,omitempty"`
	MaxAttempts        int                      `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
}

// LoadPlanSpec parses a YAML document into a PlanSpec.
func LoadPlanSpec(data []byte) (*PlanSpec, error) {
	var spec PlanSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing plan spec: %w", err)
	}
	if spec.Goal == "" {
		return nil, fmt.Errorf("plan spec: goal is required")
	}
	if len(spec.Tasks) == 0 {
		return nil, fmt.Errorf("plan spec: at least one task is required")
	}
	return &spec, nil
}

// ToPlan converts spec into a runnable, dependency-validated Plan via
// NewPlan (so cycle/missing-dependency checks run identically to a
// programmatically built plan).
func (s *PlanSpec) ToPlan() (*models.Plan, error) {
	tasks := make([]*models.Task, 0, len(s.Tasks))
	for _, ts := range s.Tasks {
		t, err := ts.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	concurrency := models.DefaultConcurrency()
	if s.Concurrency != nil {
		concurrency = s.Concurrency.toConcurrency()
	}

	id := s.ID
	if id == "" {
		id = s.Goal
	}
	plan, err := NewPlan(id, s.Goal, tasks, concurrency)
	if err != nil {
		return nil, err
	}
	plan.AllowDynamicTasks = s.AllowDynamicTasks
	plan.Params = s.Params
	return plan, nil
}

func (c *ConcurrencySpec) toConcurrency() models.Concurrency {
	out := models.DefaultConcurrency()
	if c.MaxParallelTasks > 0 {
		out.MaxParallelTasks = c.MaxParallelTasks
	}
	if c.Strategy != "" {
		out.Strategy = models.ConcurrencyStrategy(c.Strategy)
	}
	if c.FailureMode != "" {
		out.FailureMode = models.FailureMode(c.FailureMode)
	}
	return out
}

func (ts *TaskSpec) toTask() (*models.Task, error) {
	if ts.Name == "" {
		return nil, fmt.Errorf("plan spec: task name is required")
	}
	id := ts.ID
	if id == "" {
		id = ts.Name
	}

	t := models.NewTask(id, ts.Name)
	t.Description = ts.Description
	t.DependsOn = ts.DependsOn
	t.SuggestedTools = ts.SuggestedTools
	t.ExpectedOutput = ts.ExpectedOutput
	if ts.MaxAttempts > 0 {
		t.MaxAttempts = ts.MaxAttempts
	}

	if ts.Condition != nil {
		t.Condition = &models.Condition{
			Key:      ts.Condition.Key,
			Operator: models.ConditionOperator(ts.Condition.Operator),
			Value:    ts.Condition.Value,
			OnFalse:  models.OnFalseAction(ts.Condition.OnFalse),
		}
	}
	if ts.Validation != nil {
		t.Validation = &models.ValidationConfig{
			SkipReflection:     ts.Validation.SkipReflection,
			CompletionCriteria: ts.Validation.CompletionCriteria,
			MinCompletionScore: ts.Validation.MinCompletionScore,
		}
	}
	if ts.Execution != nil {
		t.Execution = &models.ExecutionConfig{
			Parallel:      ts.Execution.Parallel,
			Priority:      ts.Execution.Priority,
			MaxIterations: ts.Execution.MaxIterations,
		}
	}
	if ts.ExternalDependency != nil {
		t.ExternalDependency = &models.ExternalDependency{
			Type:           models.ExternalWaitKind(ts.ExternalDependency.Type),
			WebhookID:      ts.ExternalDependency.WebhookID,
			PollTool:       ts.ExternalDependency.PollTool,
			PollIntervalMs: ts.ExternalDependency.PollIntervalMs,
			ScheduledAt:    ts.ExternalDependency.ScheduledAt,
			TimeoutMs:      ts.ExternalDependency.TimeoutMs,
		}
	}
	if ts.ControlFlow != nil {
		subTasks := make([]*models.Task, 0, len(ts.ControlFlow.Tasks))
		for _, sub := range ts.ControlFlow.Tasks {
			subTask, err := sub.toTask()
			if err != nil {
				return nil, err
			}
			subTasks = append(subTasks, subTask)
		}
		cf := &models.ControlFlow{
			Kind:               models.ControlFlowKind(ts.ControlFlow.Kind),
			Source:             ts.ControlFlow.Source,
			Tasks:              subTasks,
			ResultKey:          ts.ControlFlow.ResultKey,
			InitialValue:       ts.ControlFlow.InitialValue,
			IterationKey:       ts.ControlFlow.IterationKey,
			MaxIterations:      ts.ControlFlow.MaxIterations,
			IterationTimeoutMs: ts.ControlFlow.IterationTimeoutMs,
		}
		if ts.ControlFlow.Condition != nil {
			cf.Condition = &models.Condition{
				Key:      ts.ControlFlow.Condition.Key,
				Operator: models.ConditionOperator(ts.ControlFlow.Condition.Operator),
				Value:    ts.ControlFlow.Condition.Value,
				OnFalse:  models.OnFalseAction(ts.ControlFlow.Condition.OnFalse),
			}
		}
		t.ControlFlow = cf
	}

	return t, nil
}

var (
	planSpecSchemaOnce sync.Once
	planSpecSchemaJSON []byte
	planSpecSchemaErr  error
)

// PlanSpecJSONSchema returns the JSON Schema for PlanSpec, for editor
// tooling and validation of hand-authored plan files. Ground: the
// teacher's internal/config/schema.go JSONSchema().
func PlanSpecJSONSchema() ([]byte, error) {
	planSpecSchemaOnce.Do(func() {
		r := &jsonschema.Reflector{FieldNameTag: "yaml"}
		schema := r.Reflect(&PlanSpec{})
		planSpecSchemaJSON, planSpecSchemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return planSpecSchemaJSON, planSpecSchemaErr
}
