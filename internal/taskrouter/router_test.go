package taskrouter

import (
	"strings"
	"testing"
)

func testRouter() *Router {
	return New(Config{
		DefaultQueue:       "tasks-short",
		LongQueue:          "tasks-long",
		LongTaskTypes:      map[string]bool{"raster_reproject": true},
		SizeThresholdBytes: 64,
		DefaultByJobType:   map[string]string{"vector_ingest": "tasks-vector"},
	})
}

func TestRoute_DefaultQueue(t *testing.T) {
	q := testRouter().Route("raster_ingest", "raster_validate", map[string]any{}, map[string]any{})
	if q != "tasks-short" {
		t.Fatalf("expected tasks-short, got %s", q)
	}
}

func TestRoute_ProcessingModeOverridesEverything(t *testing.T) {
	q := testRouter().Route("vector_ingest", "vector_validate",
		map[string]any{}, map[string]any{"processing_mode": "long"})
	if q != "tasks-long" {
		t.Fatalf("expected tasks-long, got %s", q)
	}
}

func TestRoute_TaskTypeAllowlist(t *testing.T) {
	q := testRouter().Route("raster_ingest", "raster_reproject", map[string]any{}, map[string]any{})
	if q != "tasks-long" {
		t.Fatalf("expected tasks-long, got %s", q)
	}
}

func TestRoute_LargePayloadGoesLong(t *testing.T) {
	big := map[string]any{"blob": strings.Repeat("x", 200)}
	q := testRouter().Route("raster_ingest", "raster_validate", big, map[string]any{})
	if q != "tasks-long" {
		t.Fatalf("expected tasks-long for oversized parameters, got %s", q)
	}
}

func TestRoute_PerJobTypeDefault(t *testing.T) {
	q := testRouter().Route("vector_ingest", "vector_load", map[string]any{}, map[string]any{})
	if q != "tasks-vector" {
		t.Fatalf("expected tasks-vector, got %s", q)
	}
}

func TestRoute_ZeroThresholdDisablesSizeRouting(t *testing.T) {
	r := New(Config{DefaultQueue: "tasks-short", LongQueue: "tasks-long"})
	big := map[string]any{"blob": strings.Repeat("x", 100000)}
	if q := r.Route("raster_ingest", "raster_validate", big, nil); q != "tasks-short" {
		t.Fatalf("expected tasks-short with size routing disabled, got %s", q)
	}
}
