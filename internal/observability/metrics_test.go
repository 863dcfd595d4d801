package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordLLMRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordLLMRequest("success", 250*time.Millisecond, 100, 40)
	m.RecordLLMRequest("error", 10*time.Millisecond, 0, 0)

	if count := testutil.CollectAndCount(m.LLMRequestCounter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}

	expected := `
		# HELP agentcore_llm_tokens_total Total number of tokens used by type
		# TYPE agentcore_llm_tokens_total counter
		agentcore_llm_tokens_total{type="completion"} 40
		agentcore_llm_tokens_total{type="prompt"} 100
	`
	if err := testutil.CollectAndCompare(m.LLMTokensUsed, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordToolExecution(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordToolExecution("web_search", "success", 50*time.Millisecond)
	m.RecordToolExecution("web_search", "error", 5*time.Millisecond)

	expected := `
		# HELP agentcore_tool_executions_total Total number of tool executions by tool name and outcome
		# TYPE agentcore_tool_executions_total counter
		agentcore_tool_executions_total{status="error",tool_name="web_search"} 1
		agentcore_tool_executions_total{status="success",tool_name="web_search"} 1
	`
	if err := testutil.CollectAndCompare(m.ToolExecutionCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordRoutineTaskAndPlan(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordRoutineTask("completed", 2*time.Second)
	m.RecordRoutineTask("failed", 0)
	m.RecordRoutinePlan("completed")

	if count := testutil.CollectAndCount(m.RoutineTaskCounter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}

	expected := `
		# HELP agentcore_routine_plans_total Total number of routine plan completions by terminal status
		# TYPE agentcore_routine_plans_total counter
		agentcore_routine_plans_total{status="completed"} 1
	`
	if err := testutil.CollectAndCompare(m.RoutinePlanCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordExternalWait(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordExternalWait("webhook", "resolved")
	m.RecordExternalWait("poll", "timeout")

	if count := testutil.CollectAndCount(m.ExternalWaitCounter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}
