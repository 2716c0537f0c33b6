package domain

import (
	"testing"

	"github.com/google/uuid"
)

func TestJobID_DeterministicAcrossCalls(t *testing.T) {
	params := map[string]any{
		"collection": "sentinel-2",
		"items":      []any{map[string]any{"href": "a.tif"}},
		"target_crs": "EPSG:3857",
	}
	a, err := JobID("raster_ingest", params)
	if err != nil {
		t.Fatalf("JobID: %v", err)
	}
	b, err := JobID("raster_ingest", params)
	if err != nil {
		t.Fatalf("JobID: %v", err)
	}
	if a != b {
		t.Fatalf("same inputs produced different ids: %s vs %s", a, b)
	}
}

func TestJobID_KeyOrderIrrelevant(t *testing.T) {
	a, _ := JobID("raster_ingest", map[string]any{"x": 1.0, "y": "z"})
	b, _ := JobID("raster_ingest", map[string]any{"y": "z", "x": 1.0})
	if a != b {
		t.Fatalf("map key order changed the id: %s vs %s", a, b)
	}
}

func TestJobID_DiffersByTypeAndParams(t *testing.T) {
	params := map[string]any{"source_url": "roads.gpkg"}
	a, _ := JobID("vector_ingest", params)
	b, _ := JobID("raster_ingest", params)
	if a == b {
		t.Fatalf("different job types hashed to the same id")
	}
	c, _ := JobID("vector_ingest", map[string]any{"source_url": "rivers.gpkg"})
	if a == c {
		t.Fatalf("different parameters hashed to the same id")
	}
}

func TestTaskID_StableAndDistinct(t *testing.T) {
	jobID := uuid.New()
	a := TaskID(jobID, 2, "raster_reproject", 0)
	b := TaskID(jobID, 2, "raster_reproject", 0)
	if a != b {
		t.Fatalf("same inputs produced different task ids")
	}
	if a == TaskID(jobID, 2, "raster_reproject", 1) {
		t.Fatalf("different index hashed to the same task id")
	}
	if a == TaskID(jobID, 3, "raster_reproject", 0) {
		t.Fatalf("different stage hashed to the same task id")
	}
	if a == TaskID(uuid.New(), 2, "raster_reproject", 0) {
		t.Fatalf("different job hashed to the same task id")
	}
}
