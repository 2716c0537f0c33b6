package tasks

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/terralith/geoetl-backend/internal/checkpoint"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
	"github.com/terralith/geoetl-backend/internal/workflow"
)

type stubContext struct {
	taskID   uuid.UUID
	jobID    uuid.UUID
	cp       workflow.Checkpoint
	shutdown bool
}

func (s *stubContext) TaskID() uuid.UUID              { return s.taskID }
func (s *stubContext) JobID() uuid.UUID               { return s.jobID }
func (s *stubContext) CorrelationID() string          { return "" }
func (s *stubContext) Checkpoint() workflow.Checkpoint {
	if s.cp == nil {
		return checkpoint.Noop{}
	}
	return s.cp
}
func (s *stubContext) ShutdownRequested() bool { return s.shutdown }
func (s *stubContext) ReportProgress(ctx context.Context, percent int, message string) {}

func newStubContext() *stubContext {
	return &stubContext{taskID: uuid.New(), jobID: uuid.New()}
}

func testHandlers(t *testing.T) (*Handlers, *MemoryStore, *MemoryCatalog) {
	t.Helper()
	store := NewMemoryStore()
	catalog := NewMemoryCatalog()
	return NewHandlers(logger.NewNop(), store, catalog), store, catalog
}

func TestRasterValidate_CollectsInvalidItems(t *testing.T) {
	ctx := context.Background()
	h, _, _ := testHandlers(t)

	result, err := h.RasterValidate(ctx, map[string]any{
		"items": []any{
			map[string]any{"href": "fine.tif"},
			map[string]any{"href": "nope.docx"},
			map[string]any{},
			"not an object",
		},
	}, newStubContext())
	if err != nil {
		t.Fatalf("RasterValidate: %v", err)
	}
	if result.Success || result.Retryable {
		t.Fatalf("result = %+v, want permanent failure", result)
	}
	if result.ErrorCode != "invalid_items" {
		t.Fatalf("error_code = %s", result.ErrorCode)
	}
	for _, fragment := range []string{"item 1", "item 2", "item 3"} {
		if !strings.Contains(result.Error, fragment) {
			t.Fatalf("error %q missing %q", result.Error, fragment)
		}
	}
}

func TestRasterValidate_AcceptsCleanSet(t *testing.T) {
	ctx := context.Background()
	h, _, _ := testHandlers(t)

	result, err := h.RasterValidate(ctx, map[string]any{
		"items": []any{
			map[string]any{"href": "a.TIF"},
			map[string]any{"href": "b.jp2"},
		},
	}, newStubContext())
	if err != nil {
		t.Fatalf("RasterValidate: %v", err)
	}
	if !result.Success || result.Result["validated_items"] != 2 {
		t.Fatalf("result = %+v", result)
	}
}

func TestRasterReproject_RunsAllPhases(t *testing.T) {
	ctx := context.Background()
	h, store, _ := testHandlers(t)
	tc := newStubContext()

	result, err := h.RasterReproject(ctx, map[string]any{
		"item": map[string]any{"href": "scenes/granule.tif"},
	}, tc)
	if err != nil {
		t.Fatalf("RasterReproject: %v", err)
	}
	if !result.Success || result.Interrupted {
		t.Fatalf("result = %+v", result)
	}
	if result.Result["crs"] != "EPSG:3857" {
		t.Fatalf("default crs = %v", result.Result["crs"])
	}
	outputHref, _ := result.Result["output_href"].(string)
	if !strings.HasPrefix(outputHref, "outputs/") {
		t.Fatalf("output_href = %q", outputHref)
	}
	if ok, _ := store.Exists(ctx, outputHref); !ok {
		t.Fatalf("output artifact not stored")
	}
}

func TestRasterReproject_MissingItemIsPermanent(t *testing.T) {
	ctx := context.Background()
	h, _, _ := testHandlers(t)

	result, err := h.RasterReproject(ctx, map[string]any{}, newStubContext())
	if err != nil {
		t.Fatalf("RasterReproject: %v", err)
	}
	if result.Success || result.Retryable {
		t.Fatalf("result = %+v, want permanent failure", result)
	}
	if result.ErrorCode != "invalid_parameters" {
		t.Fatalf("error_code = %s", result.ErrorCode)
	}
}

func TestRasterReproject_YieldsToShutdown(t *testing.T) {
	ctx := context.Background()
	h, _, _ := testHandlers(t)
	tc := newStubContext()
	tc.shutdown = true

	result, err := h.RasterReproject(ctx, map[string]any{
		"item": map[string]any{"href": "scenes/granule.tif"},
	}, tc)
	if err != nil {
		t.Fatalf("RasterReproject: %v", err)
	}
	if !result.Success || !result.Interrupted || !result.Resumable {
		t.Fatalf("result = %+v, want interrupted", result)
	}
	if result.Result != nil {
		t.Fatalf("interrupted execution produced a final result")
	}
}

func TestSTACRegister_FoldsPreviousOutputs(t *testing.T) {
	ctx := context.Background()
	h, _, catalog := testHandlers(t)

	result, err := h.STACRegister(ctx, map[string]any{
		"collection": "sentinel-2",
		workflow.PreviousResultsKey: []any{
			map[string]any{"result": map[string]any{"output_href": "outputs/a.tif", "crs": "EPSG:3857"}},
			map[string]any{"result": map[string]any{"output_href": "outputs/b.tif", "crs": "EPSG:3857"}},
			// failed reprojects carry no result and must be skipped
			map[string]any{"result": map[string]any{}},
			map[string]any{},
		},
	}, newStubContext())
	if err != nil {
		t.Fatalf("STACRegister: %v", err)
	}
	if !result.Success || result.Result["items_registered"] != 2 {
		t.Fatalf("result = %+v", result)
	}
	if catalog.Count("sentinel-2") != 2 {
		t.Fatalf("catalog count = %d", catalog.Count("sentinel-2"))
	}
}

type downCatalog struct{}

func (downCatalog) UpsertItems(ctx context.Context, collection string, items []map[string]any) (int, error) {
	return 0, errors.New("connection refused")
}

func TestSTACRegister_CatalogOutageIsRetryable(t *testing.T) {
	ctx := context.Background()
	h := NewHandlers(logger.NewNop(), NewMemoryStore(), downCatalog{})

	result, err := h.STACRegister(ctx, map[string]any{"collection": "c"}, newStubContext())
	if err != nil {
		t.Fatalf("STACRegister: %v", err)
	}
	if result.Success || !result.Retryable {
		t.Fatalf("result = %+v, want retryable failure", result)
	}
	if result.ErrorCode != "catalog_unavailable" {
		t.Fatalf("error_code = %s", result.ErrorCode)
	}
}

func TestVectorLoad_DerivesLayerFromSource(t *testing.T) {
	ctx := context.Background()
	h, store, _ := testHandlers(t)

	result, err := h.VectorLoad(ctx, map[string]any{"source_url": "s3://bucket/roads.gpkg"}, newStubContext())
	if err != nil {
		t.Fatalf("VectorLoad: %v", err)
	}
	if result.Result["layer"] != "roads" {
		t.Fatalf("layer = %v", result.Result["layer"])
	}
	if ok, _ := store.Exists(ctx, "layers/roads"); !ok {
		t.Fatalf("layer ref not stored")
	}
}

func TestValidateReprojectOutput_ChecksMostRecentArtifact(t *testing.T) {
	ctx := context.Background()
	h, store, _ := testHandlers(t)

	if h.validateReprojectOutput(ctx, map[string]any{}) {
		t.Fatalf("empty payload validated")
	}
	if h.validateReprojectOutput(ctx, map[string]any{"local_ref": "staging/x"}) {
		t.Fatalf("missing artifact validated")
	}

	_ = store.Put(ctx, "staging/x", nil)
	if !h.validateReprojectOutput(ctx, map[string]any{"local_ref": "staging/x"}) {
		t.Fatalf("existing artifact rejected")
	}

	// output_href takes precedence over earlier-phase refs
	if h.validateReprojectOutput(ctx, map[string]any{"output_href": "outputs/y", "local_ref": "staging/x"}) {
		t.Fatalf("missing output validated because an older ref exists")
	}
}
