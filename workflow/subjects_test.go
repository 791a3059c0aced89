package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventSubject(t *testing.T) {
	tests := []struct {
		planID string
		typ    EventType
		want   string
	}{
		{"plan-1", EventTodoStatus, "semplan.events.plan-1.todo.status"},
		{"q3.report", EventPlanStatus, "semplan.events.q3_report.plan.status"},
		{"a b>*", EventHITLRequested, "semplan.events.a_b__.hitl.requested"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, EventSubject(tt.planID, tt.typ))
		})
	}
}

func TestExecuteSubject(t *testing.T) {
	assert.Equal(t, "semplan.execute.ml_execution", ExecuteSubject(LayerMLExecution))
	assert.Equal(t, "semplan.execute.response", ExecuteSubject(LayerResponse))
}

func TestStreamSubjects_CoverCommands(t *testing.T) {
	subjects := StreamSubjects()
	for _, cmd := range CommandSubjects() {
		covered := false
		for _, s := range subjects {
			if s == cmd || (strings.HasSuffix(s, ">") && strings.HasPrefix(cmd, strings.TrimSuffix(s, ">"))) {
				covered = true
			}
		}
		assert.True(t, covered, "%s not captured by stream", cmd)
	}
}
