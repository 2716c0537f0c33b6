package tasks

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/terralith/geoetl-backend/internal/checkpoint"
	"github.com/terralith/geoetl-backend/internal/domain"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
	"github.com/terralith/geoetl-backend/internal/workflow"
)

// Reproject phases. Each phase checkpoints its output reference so a
// resumed execution picks up where the last one stopped.
const (
	phaseFetch  = 1
	phaseWarp   = 2
	phaseUpload = 3
)

// ReprojectOutputValidator is the artifact validator name saved with
// reproject checkpoints.
const ReprojectOutputValidator = "reproject_output"

// ArtifactStore is the external storage collaborator. Handlers stage
// intermediate and final outputs through it; the checkpoint validator
// re-queries it on resume.
type ArtifactStore interface {
	Exists(ctx context.Context, href string) (bool, error)
	Put(ctx context.Context, href string, meta map[string]any) error
}

// CatalogClient registers outputs with the STAC catalog.
type CatalogClient interface {
	UpsertItems(ctx context.Context, collection string, items []map[string]any) (int, error)
}

type Handlers struct {
	log     *logger.Logger
	store   ArtifactStore
	catalog CatalogClient
}

func NewHandlers(baseLog *logger.Logger, store ArtifactStore, catalog CatalogClient) *Handlers {
	return &Handlers{
		log:     baseLog.With("component", "TaskHandlers"),
		store:   store,
		catalog: catalog,
	}
}

// Register installs the built-in handlers and the artifact validators
// their checkpoints reference.
func (h *Handlers) Register(reg *workflow.HandlerRegistry, checkpoints *checkpoint.Manager) error {
	entries := map[string]workflow.Handler{
		workflow.TaskRasterValidate:  h.RasterValidate,
		workflow.TaskRasterReproject: h.RasterReproject,
		workflow.TaskSTACRegister:    h.STACRegister,
		workflow.TaskVectorValidate:  h.VectorValidate,
		workflow.TaskVectorLoad:      h.VectorLoad,
	}
	for taskType, handler := range entries {
		if err := reg.Register(taskType, handler); err != nil {
			return err
		}
	}
	checkpoints.RegisterValidator(ReprojectOutputValidator, h.validateReprojectOutput)
	return nil
}

// RasterValidate checks that every item in the set is addressable and
// carries a raster extension. Invalid items are a permanent failure;
// there is no point redelivering a malformed submission.
func (h *Handlers) RasterValidate(ctx context.Context, params map[string]any, tc workflow.TaskContext) (*domain.HandlerResult, error) {
	items, _ := params["items"].([]any)
	invalid := make([]string, 0)
	for i, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			invalid = append(invalid, fmt.Sprintf("item %d: not an object", i))
			continue
		}
		href, _ := item["href"].(string)
		if href == "" {
			invalid = append(invalid, fmt.Sprintf("item %d: missing href", i))
			continue
		}
		if !rasterExtension(href) {
			invalid = append(invalid, fmt.Sprintf("item %d: unsupported extension %s", i, path.Ext(href)))
		}
	}
	if len(invalid) > 0 {
		return &domain.HandlerResult{
			Success:   false,
			Retryable: false,
			Error:     strings.Join(invalid, "; "),
			ErrorCode: "invalid_items",
		}, nil
	}
	return &domain.HandlerResult{
		Success: true,
		Result:  map[string]any{"validated_items": len(items)},
	}, nil
}

// RasterReproject runs the three-phase warp for one item. Long workers
// resume from the checkpoint; between phases the handler yields to a
// pending shutdown by checkpointing and returning interrupted.
func (h *Handlers) RasterReproject(ctx context.Context, params map[string]any, tc workflow.TaskContext) (*domain.HandlerResult, error) {
	item, ok := params["item"].(map[string]any)
	if !ok {
		return &domain.HandlerResult{
			Success: false, Retryable: false,
			Error: "missing item parameter", ErrorCode: "invalid_parameters",
		}, nil
	}
	href, _ := item["href"].(string)
	targetCRS, _ := params["target_crs"].(string)
	if targetCRS == "" {
		targetCRS = "EPSG:3857"
	}
	cp := tc.Checkpoint()

	if !cp.ShouldSkip(ctx, phaseFetch) {
		tc.ReportProgress(ctx, 10, "fetching source")
		localRef := stagedRef(tc, href, "source")
		if err := h.store.Put(ctx, localRef, map[string]any{"source": href}); err != nil {
			return nil, fmt.Errorf("stage source: %w", err)
		}
		if err := cp.Save(ctx, phaseFetch, map[string]any{"local_ref": localRef}, ReprojectOutputValidator); err != nil {
			return nil, err
		}
	}
	if tc.ShutdownRequested() {
		return &domain.HandlerResult{Success: true, Interrupted: true, Resumable: true, PhaseCompleted: cp.Phase()}, nil
	}

	if !cp.ShouldSkip(ctx, phaseWarp) {
		tc.ReportProgress(ctx, 50, "reprojecting")
		warpedRef := stagedRef(tc, href, "warped")
		if err := h.store.Put(ctx, warpedRef, map[string]any{
			"source":     cp.GetData("local_ref", ""),
			"target_crs": targetCRS,
		}); err != nil {
			return nil, fmt.Errorf("warp: %w", err)
		}
		if err := cp.Save(ctx, phaseWarp, map[string]any{
			"local_ref":  cp.GetData("local_ref", ""),
			"warped_ref": warpedRef,
		}, ReprojectOutputValidator); err != nil {
			return nil, err
		}
	}
	if tc.ShutdownRequested() {
		return &domain.HandlerResult{Success: true, Interrupted: true, Resumable: true, PhaseCompleted: cp.Phase()}, nil
	}

	if !cp.ShouldSkip(ctx, phaseUpload) {
		tc.ReportProgress(ctx, 90, "uploading output")
		outputHref := outputRef(href, targetCRS)
		if err := h.store.Put(ctx, outputHref, map[string]any{
			"warped_ref": cp.GetData("warped_ref", ""),
			"crs":        targetCRS,
		}); err != nil {
			return nil, fmt.Errorf("upload output: %w", err)
		}
		if err := cp.Save(ctx, phaseUpload, map[string]any{
			"output_href": outputHref,
		}, ReprojectOutputValidator); err != nil {
			return nil, err
		}
	}

	tc.ReportProgress(ctx, 100, "done")
	return &domain.HandlerResult{
		Success: true,
		Result: map[string]any{
			"output_href": cp.GetData("output_href", ""),
			"crs":         targetCRS,
			"source_href": href,
		},
	}, nil
}

// STACRegister folds the reprojected outputs of the previous stage into
// one catalog update.
func (h *Handlers) STACRegister(ctx context.Context, params map[string]any, tc workflow.TaskContext) (*domain.HandlerResult, error) {
	collection, _ := params["collection"].(string)
	previous, _ := params[workflow.PreviousResultsKey].([]any)

	items := make([]map[string]any, 0, len(previous))
	for _, raw := range previous {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		result, ok := entry["result"].(map[string]any)
		if !ok {
			continue
		}
		if href, _ := result["output_href"].(string); href != "" {
			items = append(items, map[string]any{
				"href": href,
				"crs":  result["crs"],
			})
		}
	}

	registered, err := h.catalog.UpsertItems(ctx, collection, items)
	if err != nil {
		// catalog hiccups are transient; let the delivery retry
		return &domain.HandlerResult{
			Success: false, Retryable: true,
			Error: err.Error(), ErrorCode: "catalog_unavailable",
		}, nil
	}
	return &domain.HandlerResult{
		Success: true,
		Result: map[string]any{
			"collection":       collection,
			"items_registered": registered,
		},
	}, nil
}

func (h *Handlers) VectorValidate(ctx context.Context, params map[string]any, tc workflow.TaskContext) (*domain.HandlerResult, error) {
	source, _ := params["source_url"].(string)
	if !vectorExtension(source) {
		return &domain.HandlerResult{
			Success: false, Retryable: false,
			Error:     fmt.Sprintf("unsupported vector format %s", path.Ext(source)),
			ErrorCode: "invalid_source",
		}, nil
	}
	return &domain.HandlerResult{
		Success: true,
		Result:  map[string]any{"source_url": source},
	}, nil
}

func (h *Handlers) VectorLoad(ctx context.Context, params map[string]any, tc workflow.TaskContext) (*domain.HandlerResult, error) {
	source, _ := params["source_url"].(string)
	layer, _ := params["layer"].(string)
	if layer == "" {
		layer = strings.TrimSuffix(path.Base(source), path.Ext(source))
	}
	ref := fmt.Sprintf("layers/%s", layer)
	if err := h.store.Put(ctx, ref, map[string]any{"source_url": source}); err != nil {
		return nil, fmt.Errorf("load layer: %w", err)
	}
	return &domain.HandlerResult{
		Success: true,
		Result:  map[string]any{"layer": layer, "layer_ref": ref},
	}, nil
}

// validateReprojectOutput re-queries the store for the checkpoint's most
// recent artifact. A missing artifact forces the phase to re-run.
func (h *Handlers) validateReprojectOutput(ctx context.Context, payload map[string]any) bool {
	for _, key := range []string{"output_href", "warped_ref", "local_ref"} {
		if href, _ := payload[key].(string); href != "" {
			exists, err := h.store.Exists(ctx, href)
			if err != nil {
				h.log.Warn("Artifact existence check failed", "href", href, "error", err)
				return false
			}
			return exists
		}
	}
	return false
}

func stagedRef(tc workflow.TaskContext, href, kind string) string {
	return fmt.Sprintf("staging/%s/%s-%s", tc.TaskID(), kind, path.Base(href))
}

func outputRef(href, crs string) string {
	base := strings.TrimSuffix(path.Base(href), path.Ext(href))
	crsSlug := strings.ToLower(strings.ReplaceAll(crs, ":", ""))
	return fmt.Sprintf("outputs/%s-%s.tif", base, crsSlug)
}

func rasterExtension(href string) bool {
	switch strings.ToLower(path.Ext(href)) {
	case ".tif", ".tiff", ".jp2", ".img", ".vrt":
		return true
	}
	return false
}

func vectorExtension(href string) bool {
	switch strings.ToLower(path.Ext(href)) {
	case ".gpkg", ".geojson", ".json", ".shp", ".fgb", ".parquet":
		return true
	}
	return false
}
