package workflow

import (
	"context"
	"fmt"

	"github.com/terralith/geoetl-backend/internal/domain"
)

// Task types of the built-in geospatial workflows. Their handlers are
// external collaborators registered at process start; the definitions
// here own only stage structure and task construction.
const (
	TaskRasterValidate  = "raster_validate"
	TaskRasterReproject = "raster_reproject"
	TaskSTACRegister    = "stac_register"
	TaskVectorValidate  = "vector_validate"
	TaskVectorLoad      = "vector_load"
)

// RegisterBuiltin installs the platform's workflow definitions.
func RegisterBuiltin(reg *Registry) error {
	for _, w := range []*WorkflowDefinition{
		RasterIngest(),
		VectorIngest(),
	} {
		if err := reg.Register(w); err != nil {
			return err
		}
	}
	return nil
}

// RasterIngest: validate the source set, reproject each raster in
// parallel, then register the outputs as one STAC collection update.
func RasterIngest() *WorkflowDefinition {
	return &WorkflowDefinition{
		JobType:         "raster_ingest",
		ContinueOnError: true,
		Validate:        validateItemsJob,
		Stages: []StageDefinition{
			{
				Number:      1,
				Name:        "validate",
				TaskType:    TaskRasterValidate,
				Parallelism: Single,
			},
			{
				Number:      2,
				Name:        "reproject",
				TaskType:    TaskRasterReproject,
				Parallelism: FanOut,
				BuildTasks:  fanOutPerItem,
			},
			{
				Number:      3,
				Name:        "register",
				TaskType:    TaskSTACRegister,
				Parallelism: FanIn,
			},
		},
		Finalize: func(ctx context.Context, fc *FinalizeContext) (map[string]any, error) {
			out := map[string]any{}
			if len(fc.FinalResults) > 0 && fc.FinalResults[0].Result != nil {
				out = fc.FinalResults[0].Result
			}
			if sr, ok := fc.StageResults[2]; ok {
				out["items_succeeded"] = sr.Succeeded
				out["items_failed"] = sr.Failed
			}
			return out, nil
		},
	}
}

// VectorIngest: validate then load. Any failed task fails the job; a
// partially loaded vector layer is worse than none.
func VectorIngest() *WorkflowDefinition {
	return &WorkflowDefinition{
		JobType:         "vector_ingest",
		ContinueOnError: false,
		Validate:        validateSourceJob,
		Stages: []StageDefinition{
			{
				Number:      1,
				Name:        "validate",
				TaskType:    TaskVectorValidate,
				Parallelism: Single,
			},
			{
				Number:      2,
				Name:        "load",
				TaskType:    TaskVectorLoad,
				Parallelism: Single,
			},
		},
	}
}

// fanOutPerItem creates one task per entry in the job's "items" list,
// carrying the item and shared job parameters.
func fanOutPerItem(stage *StageDefinition, jobParams map[string]any, _ []domain.TaskResult) ([]TaskDescriptor, error) {
	items, ok := jobParams["items"].([]any)
	if !ok {
		return nil, fmt.Errorf("stage %d: job parameter 'items' must be a list", stage.Number)
	}
	descriptors := make([]TaskDescriptor, 0, len(items))
	for i, item := range items {
		params := CopyParams(jobParams)
		delete(params, "items")
		params["item"] = item
		params["item_index"] = i
		descriptors = append(descriptors, TaskDescriptor{
			TaskType:   stage.TaskType,
			TaskIndex:  i,
			Parameters: params,
		})
	}
	return descriptors, nil
}

func validateItemsJob(params map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, domain.NewValidationError("parameters", "required")
	}
	collection, _ := params["collection"].(string)
	if collection == "" {
		return nil, domain.NewValidationError("collection", "required")
	}
	items, ok := params["items"].([]any)
	if !ok {
		return nil, domain.NewValidationError("items", "must be a list")
	}
	if len(items) == 0 {
		return nil, domain.NewValidationError("items", "must not be empty")
	}
	return params, nil
}

func validateSourceJob(params map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, domain.NewValidationError("parameters", "required")
	}
	source, _ := params["source_url"].(string)
	if source == "" {
		return nil, domain.NewValidationError("source_url", "required")
	}
	return params, nil
}
