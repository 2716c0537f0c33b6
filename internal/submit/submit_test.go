package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/terralith/geoetl-backend/internal/broker"
	"github.com/terralith/geoetl-backend/internal/data/repos"
	"github.com/terralith/geoetl-backend/internal/domain"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
	"github.com/terralith/geoetl-backend/internal/workflow"
)

func testService(t *testing.T) (*Service, repos.JobRepo, *broker.Memory) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&domain.Job{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	jobs := repos.NewJobRepo(func() *gorm.DB { return db }, logger.NewNop())
	workflows := workflow.NewRegistry()
	if err := workflow.RegisterBuiltin(workflows); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}
	brk := broker.NewMemory(logger.NewNop(), nil, broker.QueueConfig{
		LockDuration: time.Minute, MaxDeliveryCount: 3,
	})
	return NewService(logger.NewNop(), jobs, workflows, brk, "jobs"), jobs, brk
}

func rasterParams() map[string]any {
	return map[string]any{
		"collection": "sentinel-2",
		"items":      []any{map[string]any{"href": "a.tif"}},
	}
}

func TestSubmit_CreatesJobAndEnqueuesStage1(t *testing.T) {
	ctx := context.Background()
	svc, jobs, brk := testService(t)

	result, err := svc.Submit(ctx, "raster_ingest", rasterParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Disposition != Created || result.Status != domain.JobQueued || result.Idempotent {
		t.Fatalf("result = %+v", result)
	}
	if result.QueueInfo == nil || result.QueueInfo.QueueName != "jobs" || result.QueueInfo.MessageID == "" {
		t.Fatalf("queue_info = %+v", result.QueueInfo)
	}

	job, err := jobs.GetByID(ctx, nil, result.JobID)
	if err != nil {
		t.Fatalf("job row missing: %v", err)
	}
	if job.TotalStages != 3 || job.Stage != 1 {
		t.Fatalf("job = stage %d of %d", job.Stage, job.TotalStages)
	}

	deliveries, _ := brk.Receive(ctx, "jobs", 1, 100*time.Millisecond)
	if len(deliveries) != 1 {
		t.Fatalf("stage 1 not enqueued")
	}
	var msg domain.JobMessage
	if err := json.Unmarshal(deliveries[0].Body, &msg); err != nil {
		t.Fatalf("decode job message: %v", err)
	}
	if msg.JobID != result.JobID || msg.Stage != 1 {
		t.Fatalf("job message = %+v", msg)
	}
}

func TestSubmit_DuplicateWhileInProgress(t *testing.T) {
	ctx := context.Background()
	svc, jobs, _ := testService(t)

	first, _ := svc.Submit(ctx, "raster_ingest", rasterParams())
	_ = jobs.UpdateStatus(ctx, nil, first.JobID, domain.JobProcessing)

	second, err := svc.Submit(ctx, "raster_ingest", rasterParams())
	if err != nil {
		t.Fatalf("duplicate Submit: %v", err)
	}
	if second.Disposition != InProgress || !second.Idempotent {
		t.Fatalf("result = %+v, want in_progress idempotent", second)
	}
	if second.JobID != first.JobID {
		t.Fatalf("duplicate submission minted a new job id")
	}
}

func TestSubmit_DuplicateAfterCompletion(t *testing.T) {
	ctx := context.Background()
	svc, jobs, _ := testService(t)

	first, _ := svc.Submit(ctx, "raster_ingest", rasterParams())
	_ = jobs.UpdateStatus(ctx, nil, first.JobID, domain.JobProcessing)
	if err := jobs.Finalize(ctx, nil, first.JobID, domain.JobCompleted, map[string]any{"ok": true}, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	second, err := svc.Submit(ctx, "raster_ingest", rasterParams())
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.Disposition != AlreadyCompleted || second.Status != domain.JobCompleted {
		t.Fatalf("result = %+v", second)
	}
	if !second.Idempotent || second.ResultData["ok"] != true {
		t.Fatalf("cached result missing: %+v", second)
	}
}

func TestSubmit_DifferentParamsDifferentJob(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := testService(t)

	a, _ := svc.Submit(ctx, "raster_ingest", rasterParams())
	other := rasterParams()
	other["collection"] = "landsat-8"
	b, err := svc.Submit(ctx, "raster_ingest", other)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if a.JobID == b.JobID {
		t.Fatalf("different parameters converged on one job")
	}
	if b.Disposition != Created {
		t.Fatalf("disposition = %s", b.Disposition)
	}
}

func TestSubmit_ValidationFailures(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := testService(t)

	var unknownErr *domain.UnknownJobTypeError
	if _, err := svc.Submit(ctx, "no_such_type", nil); !errors.As(err, &unknownErr) {
		t.Fatalf("unknown type: %v", err)
	}

	var valErr *domain.ValidationError
	if _, err := svc.Submit(ctx, "raster_ingest", map[string]any{"collection": "c"}); !errors.As(err, &valErr) {
		t.Fatalf("missing items: %v", err)
	}
}

func TestSubmit_QueuedDuplicateReenqueues(t *testing.T) {
	ctx := context.Background()
	svc, _, brk := testService(t)

	first, _ := svc.Submit(ctx, "raster_ingest", rasterParams())

	// drain the first stage-1 message, simulating a consumed-but-row-queued state
	ds, _ := brk.Receive(ctx, "jobs", 1, 100*time.Millisecond)
	_ = brk.Complete(ctx, ds[0])

	second, err := svc.Submit(ctx, "raster_ingest", rasterParams())
	if err != nil {
		t.Fatalf("duplicate Submit: %v", err)
	}
	if second.Disposition != InProgress || second.JobID != first.JobID {
		t.Fatalf("result = %+v", second)
	}
	redelivered, _ := brk.Receive(ctx, "jobs", 1, 100*time.Millisecond)
	if len(redelivered) != 1 {
		t.Fatalf("queued duplicate did not re-enqueue stage 1")
	}
}
