// Package schema decodes untrusted flow submissions into a normalized typed
// representation. Unknown fields are ignored for forward compatibility;
// required shape is enforced.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

// ValidationError names the field of a malformed submission. It is returned
// to the caller for correction and is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}

	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// TaskRef accepts either a bare slug string or an abbreviated object with a
// slug field, and normalizes both to the slug.
type TaskRef string

func (r *TaskRef) UnmarshalJSON(data []byte) error {
	var slug string
	if err := json.Unmarshal(data, &slug); err == nil {
		*r = TaskRef(slug)

		return nil
	}

	var ref struct {
		Slug string `json:"slug"`
	}

	if err := json.Unmarshal(data, &ref); err != nil {
		return fmt.Errorf("task reference must be a slug or an object with a slug: %w", err)
	}

	*r = TaskRef(ref.Slug)

	return nil
}

// TriggerRef accepts either a function-name string or a descriptor object and
// reduces the descriptor to its fn tag.
type TriggerRef string

func (r *TriggerRef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*r = TriggerRef(name)

		return nil
	}

	var ref struct {
		Fn string `json:"fn"`
	}

	if err := json.Unmarshal(data, &ref); err != nil {
		return fmt.Errorf("trigger must be a name or a descriptor with fn: %w", err)
	}

	*r = TriggerRef(ref.Fn)

	return nil
}

// TaskSpec is one task of a submission.
type TaskSpec struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Slug              string     `json:"slug" validate:"required"`
	Type              string     `json:"type"`
	AutoGenerated     bool       `json:"auto_generated"`
	Tags              []string   `json:"tags"`
	MaxRetries        int        `json:"max_retries"`
	RetryDelaySeconds int64      `json:"retry_delay_seconds"`
	CacheKey          string     `json:"cache_key"`
	Trigger           TriggerRef `json:"trigger"`
}

// EdgeSpec is one dependency edge of a submission.
type EdgeSpec struct {
	UpstreamTask   TaskRef `json:"upstream_task"   validate:"required"`
	DownstreamTask TaskRef `json:"downstream_task" validate:"required"`
	Mapped         bool    `json:"mapped"`
	Key            string  `json:"key"`
}

// ParameterSpec is one declared flow parameter.
type ParameterSpec struct {
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	Required bool   `json:"required"`
	Default  any    `json:"default"`
}

// ClockSpec is the lenient submission view of a schedule clock: only the
// parameter defaults matter at submission time. Full clock validity is
// checked when the materializer parses the stored schedule.
type ClockSpec struct {
	ParameterDefaults map[string]any `json:"parameter_defaults"`
}

// ScheduleSpec keeps the raw schedule for storage alongside the decoded
// clocks needed by the required-parameter check.
type ScheduleSpec struct {
	Clocks []ClockSpec `json:"clocks"`

	Raw json.RawMessage `json:"-"`
}

func (s *ScheduleSpec) UnmarshalJSON(data []byte) error {
	var decoded struct {
		Clocks []ClockSpec `json:"clocks"`
	}

	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	s.Clocks = decoded.Clocks
	s.Raw = append(json.RawMessage(nil), data...)

	return nil
}

// FlowSubmission is the normalized form of an untrusted submission.
type FlowSubmission struct {
	Name           string          `json:"name"`
	Tasks          []TaskSpec      `json:"tasks" validate:"dive"`
	Edges          []EdgeSpec      `json:"edges" validate:"dive"`
	Parameters     []ParameterSpec `json:"parameters"`
	Environment    map[string]any  `json:"environment"`
	Storage        map[string]any  `json:"storage"`
	Schedule       *ScheduleSpec   `json:"schedule"`
	ReferenceTasks []TaskRef       `json:"reference_tasks"`

	Raw json.RawMessage `json:"-"`
}

// CoreVersion reads the producer version tag out of the environment, if any.
func (s *FlowSubmission) CoreVersion() string {
	if s.Environment == nil {
		return ""
	}

	version, _ := s.Environment["__version__"].(string)

	return version
}

// submissionSchema is the structural first pass. It only pins down the shape
// that later decoding relies on; everything else is open so newer producers
// keep working.
const submissionSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": ["string", "null"]},
		"tasks": {"type": "array"},
		"edges": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["upstream_task", "downstream_task"]
			}
		},
		"parameters": {"type": "array"},
		"reference_tasks": {"type": "array"},
		"schedule": {"type": ["object", "null"]}
	}
}`

var (
	compiledSchema *gojsonschema.Schema
	validate       = validator.New(validator.WithRequiredStructEnabled())
)

func init() {
	var err error

	compiledSchema, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(submissionSchema))
	if err != nil {
		panic("invalid embedded submission schema: " + err.Error())
	}
}

// Decode validates and normalizes a raw submission. Nested abbreviated
// task/edge references become bare slugs, trigger descriptors become their
// function name, and cross-references (edges, reference tasks) are checked
// against the task set. Reference-task membership errors are left to the
// graph analyzer.
func Decode(data []byte) (*FlowSubmission, error) {
	result, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, &ValidationError{Message: "submission is not valid JSON: " + err.Error()}
	}

	if !result.Valid() {
		first := result.Errors()[0]

		return nil, &ValidationError{Field: first.Field(), Message: first.Description()}
	}

	var submission FlowSubmission

	if err := json.Unmarshal(data, &submission); err != nil {
		return nil, &ValidationError{Message: "failed to decode submission: " + err.Error()}
	}

	submission.Raw = append(json.RawMessage(nil), data...)

	if err := validate.Struct(&submission); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return nil, &ValidationError{
				Field:   fieldErrs[0].Namespace(),
				Message: "failed validation on tag " + fieldErrs[0].Tag(),
			}
		}

		return nil, &ValidationError{Message: err.Error()}
	}

	if err := checkReferences(&submission); err != nil {
		return nil, err
	}

	return &submission, nil
}

func checkReferences(submission *FlowSubmission) error {
	slugs := make(map[string]struct{}, len(submission.Tasks))

	for i, task := range submission.Tasks {
		if _, dup := slugs[task.Slug]; dup {
			return &ValidationError{
				Field:   fmt.Sprintf("tasks[%d].slug", i),
				Message: fmt.Sprintf("duplicate task slug %q", task.Slug),
			}
		}

		slugs[task.Slug] = struct{}{}
	}

	for i, edge := range submission.Edges {
		if _, ok := slugs[string(edge.UpstreamTask)]; !ok {
			return &ValidationError{
				Field:   fmt.Sprintf("edges[%d].upstream_task", i),
				Message: fmt.Sprintf("unknown task %q", edge.UpstreamTask),
			}
		}

		if _, ok := slugs[string(edge.DownstreamTask)]; !ok {
			return &ValidationError{
				Field:   fmt.Sprintf("edges[%d].downstream_task", i),
				Message: fmt.Sprintf("unknown task %q", edge.DownstreamTask),
			}
		}
	}

	return nil
}

// ReferenceTaskSlugs returns the declared reference tasks as plain slugs.
func (s *FlowSubmission) ReferenceTaskSlugs() []string {
	if len(s.ReferenceTasks) == 0 {
		return nil
	}

	slugs := make([]string, 0, len(s.ReferenceTasks))
	for _, ref := range s.ReferenceTasks {
		slugs = append(slugs, string(ref))
	}

	return slugs
}
