package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	submission, err := Decode([]byte(`{
		"name": "etl",
		"tasks": [
			{"slug": "extract", "trigger": "all_successful"},
			{"slug": "load", "trigger": {"fn": "manual_only"}}
		],
		"edges": [
			{"upstream_task": "extract", "downstream_task": {"slug": "load"}, "key": "rows"}
		],
		"parameters": [{"slug": "region", "required": true, "default": "us"}],
		"environment": {"__version__": "0.7.1"},
		"reference_tasks": [{"slug": "load"}]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "etl", submission.Name)
	require.Len(t, submission.Tasks, 2)

	// Both trigger forms normalize to the function name.
	assert.Equal(t, TriggerRef("all_successful"), submission.Tasks[0].Trigger)
	assert.Equal(t, TriggerRef("manual_only"), submission.Tasks[1].Trigger)

	// Both task reference forms normalize to the slug.
	require.Len(t, submission.Edges, 1)
	assert.Equal(t, TaskRef("extract"), submission.Edges[0].UpstreamTask)
	assert.Equal(t, TaskRef("load"), submission.Edges[0].DownstreamTask)
	assert.Equal(t, "rows", submission.Edges[0].Key)

	assert.Equal(t, "0.7.1", submission.CoreVersion())
	assert.Equal(t, []string{"load"}, submission.ReferenceTaskSlugs())
	assert.JSONEq(t, string(submission.Raw), string(submission.Raw))
}

func TestDecode_UnknownFieldsIgnored(t *testing.T) {
	submission, err := Decode([]byte(`{
		"tasks": [{"slug": "a", "future_field": 42}],
		"another_future_field": {"nested": true}
	}`))
	require.NoError(t, err)
	require.Len(t, submission.Tasks, 1)
}

func TestDecode_ScheduleKeepsRaw(t *testing.T) {
	submission, err := Decode([]byte(`{
		"tasks": [{"slug": "a"}],
		"schedule": {"clocks": [{"interval_seconds": 60, "parameter_defaults": {"x": 1}}]}
	}`))
	require.NoError(t, err)
	require.NotNil(t, submission.Schedule)

	require.Len(t, submission.Schedule.Clocks, 1)
	assert.EqualValues(t, 1, submission.Schedule.Clocks[0].ParameterDefaults["x"])
	assert.JSONEq(t,
		`{"clocks": [{"interval_seconds": 60, "parameter_defaults": {"x": 1}}]}`,
		string(submission.Schedule.Raw))
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"not json", `{"tasks": [`, ""},
		{"tasks not array", `{"tasks": {}}`, "tasks"},
		{"edge missing downstream", `{"tasks": [{"slug": "a"}], "edges": [{"upstream_task": "a"}]}`, "edges"},
		{"task missing slug", `{"tasks": [{"name": "unnamed"}]}`, "Slug"},
		{"duplicate slug", `{"tasks": [{"slug": "a"}, {"slug": "a"}]}`, "tasks[1].slug"},
		{
			"edge references unknown task",
			`{"tasks": [{"slug": "a"}], "edges": [{"upstream_task": "a", "downstream_task": "b"}]}`,
			"edges[0].downstream_task",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			require.Error(t, err)

			var validationErr *ValidationError

			require.ErrorAs(t, err, &validationErr)

			if tt.field != "" {
				assert.Contains(t, validationErr.Field, tt.field)
			}
		})
	}
}

func TestValidationError_Error(t *testing.T) {
	withField := &ValidationError{Field: "tasks[0].slug", Message: "duplicate"}
	assert.Equal(t, "tasks[0].slug: duplicate", withField.Error())

	withoutField := &ValidationError{Message: "broken"}
	assert.Equal(t, "broken", withoutField.Error())
}
