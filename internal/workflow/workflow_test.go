package workflow

import (
	"testing"

	"github.com/google/uuid"

	"github.com/terralith/geoetl-backend/internal/domain"
)

func TestTasks_SingleDefaultFactory(t *testing.T) {
	wf := twoStageWorkflow("wf")
	stage, _ := wf.Stage(1)

	descriptors, err := wf.Tasks(stage, map[string]any{"k": "v"}, nil)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(descriptors) != 1 {
		t.Fatalf("descriptors = %d, want 1", len(descriptors))
	}
	d := descriptors[0]
	if d.TaskType != "t_a" || d.TaskIndex != 0 {
		t.Fatalf("descriptor = %+v", d)
	}
	if d.Parameters["k"] != "v" {
		t.Fatalf("job params not carried")
	}

	// descriptor params must not alias the job params
	d.Parameters["k"] = "mutated"
	again, _ := wf.Tasks(stage, map[string]any{"k": "v"}, nil)
	if again[0].Parameters["k"] != "v" {
		t.Fatalf("parameter map aliased across builds")
	}
}

func TestTasks_FanInCarriesPreviousResults(t *testing.T) {
	wf := &WorkflowDefinition{
		JobType: "wf",
		Stages: []StageDefinition{
			{Number: 1, TaskType: "merge", Parallelism: FanIn},
		},
	}
	stage, _ := wf.Stage(1)

	previous := []domain.TaskResult{
		{TaskID: uuid.New(), TaskType: "work", TaskIndex: 0, Status: domain.TaskCompleted, Result: map[string]any{"n": 1}},
		{TaskID: uuid.New(), TaskType: "work", TaskIndex: 1, Status: domain.TaskCompleted, Result: map[string]any{"n": 2}},
	}
	descriptors, err := wf.Tasks(stage, map[string]any{}, previous)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(descriptors) != 1 {
		t.Fatalf("fan-in descriptors = %d", len(descriptors))
	}
	carried, ok := descriptors[0].Parameters[PreviousResultsKey].([]any)
	if !ok || len(carried) != 2 {
		t.Fatalf("previous results not carried: %+v", descriptors[0].Parameters)
	}
}

func TestTasks_FanOutRequiresFactory(t *testing.T) {
	wf := &WorkflowDefinition{
		JobType: "wf",
		Stages: []StageDefinition{
			{Number: 1, TaskType: "work", Parallelism: FanOut},
		},
	}
	stage, _ := wf.Stage(1)
	if _, err := wf.Tasks(stage, map[string]any{}, nil); err == nil {
		t.Fatalf("fan_out without factory accepted")
	}
}

func TestRasterIngest_FanOutPerItem(t *testing.T) {
	wf := RasterIngest()
	stage, err := wf.Stage(2)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}

	jobParams := map[string]any{
		"collection": "c",
		"items": []any{
			map[string]any{"href": "a.tif"},
			map[string]any{"href": "b.tif"},
			map[string]any{"href": "c.tif"},
		},
	}
	descriptors, err := wf.Tasks(stage, jobParams, nil)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(descriptors) != 3 {
		t.Fatalf("descriptors = %d, want 3", len(descriptors))
	}
	for i, d := range descriptors {
		if d.TaskIndex != i {
			t.Fatalf("descriptor %d has index %d", i, d.TaskIndex)
		}
		if _, carried := d.Parameters["items"]; carried {
			t.Fatalf("full items list leaked into fan-out task params")
		}
		if d.Parameters["item"] == nil {
			t.Fatalf("descriptor %d missing item", i)
		}
	}
}

func TestRasterIngest_ValidateRejectsBadSubmissions(t *testing.T) {
	wf := RasterIngest()
	cases := []map[string]any{
		nil,
		{"items": []any{map[string]any{"href": "a.tif"}}},
		{"collection": "c"},
		{"collection": "c", "items": []any{}},
	}
	for i, params := range cases {
		if _, err := wf.Validate(params); err == nil {
			t.Fatalf("case %d accepted", i)
		}
	}
	ok := map[string]any{"collection": "c", "items": []any{map[string]any{"href": "a.tif"}}}
	if _, err := wf.Validate(ok); err != nil {
		t.Fatalf("valid submission rejected: %v", err)
	}
}

func TestVectorIngest_Definition(t *testing.T) {
	wf := VectorIngest()
	if wf.ContinueOnError {
		t.Fatalf("vector_ingest must stop on error")
	}
	if wf.TotalStages() != 2 {
		t.Fatalf("stages = %d", wf.TotalStages())
	}
	if _, err := wf.Validate(map[string]any{}); err == nil {
		t.Fatalf("missing source_url accepted")
	}
}
