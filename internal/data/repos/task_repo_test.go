package repos

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/terralith/geoetl-backend/internal/domain"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
)

func seedTask(t *testing.T, repo TaskRepo, jobID uuid.UUID, stage, index int) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID:          domain.TaskID(jobID, stage, "raster_reproject", index),
		ParentJobID: jobID,
		JobType:     "raster_ingest",
		TaskType:    "raster_reproject",
		Stage:       stage,
		TaskIndex:   index,
		Status:      domain.TaskPending,
		Parameters:  datatypes.JSON(`{}`),
	}
	if err := repo.UpsertPending(context.Background(), nil, task); err != nil {
		t.Fatalf("UpsertPending: %v", err)
	}
	return task
}

func TestTaskRepo_UpsertPendingIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepo(testDB(t), logger.NewNop())
	jobID := uuid.New()

	task := seedTask(t, repo, jobID, 1, 0)
	if err := repo.MarkProcessing(ctx, nil, task.ID, "worker-a", 1); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	// redelivered job message re-upserts; the processing row must survive
	dup := *task
	dup.Status = domain.TaskPending
	if err := repo.UpsertPending(ctx, nil, &dup); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, _ := repo.GetByID(ctx, nil, task.ID)
	if got.Status != domain.TaskProcessing {
		t.Fatalf("status reset by re-upsert: %s", got.Status)
	}
}

func TestTaskRepo_MarkProcessingKeepsFirstStart(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepo(testDB(t), logger.NewNop())
	task := seedTask(t, repo, uuid.New(), 1, 0)

	if err := repo.MarkProcessing(ctx, nil, task.ID, "worker-a", 1); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	first, _ := repo.GetByID(ctx, nil, task.ID)
	if first.ExecutionStartedAt == nil {
		t.Fatalf("execution_started_at not set")
	}

	// redelivery on another worker re-enters processing
	if err := repo.MarkProcessing(ctx, nil, task.ID, "worker-b", 2); err != nil {
		t.Fatalf("redelivery MarkProcessing: %v", err)
	}
	second, _ := repo.GetByID(ctx, nil, task.ID)
	if !second.ExecutionStartedAt.Equal(*first.ExecutionStartedAt) {
		t.Fatalf("execution_started_at changed on redelivery")
	}
	if second.ExecutedByApp != "worker-b" {
		t.Fatalf("executed_by_app = %s", second.ExecutedByApp)
	}
	if second.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", second.RetryCount)
	}
}

func TestTaskRepo_MarkProcessingRejectsTerminal(t *testing.T) {
	ctx := context.Background()
	dbFn := testDB(t)
	repo := NewTaskRepo(dbFn, logger.NewNop())
	jobID := uuid.New()
	task := seedTask(t, repo, jobID, 1, 0)

	_ = repo.MarkProcessing(ctx, nil, task.ID, "w", 1)
	if _, err := repo.CompleteAndCheckStage(ctx, task.ID, jobID, 1, domain.TaskCompleted, nil, ""); err != nil {
		t.Fatalf("CompleteAndCheckStage: %v", err)
	}

	var itErr *domain.InvalidTransitionError
	if err := repo.MarkProcessing(ctx, nil, task.ID, "w", 2); !errors.As(err, &itErr) {
		t.Fatalf("MarkProcessing on completed task: %v, want InvalidTransitionError", err)
	}
}

func TestTaskRepo_UpdateCheckpointMonotonic(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepo(testDB(t), logger.NewNop())
	task := seedTask(t, repo, uuid.New(), 1, 0)
	_ = repo.MarkProcessing(ctx, nil, task.ID, "w", 1)

	if err := repo.UpdateCheckpoint(ctx, nil, task.ID, 2, map[string]any{"ref": "b"}); err != nil {
		t.Fatalf("UpdateCheckpoint: %v", err)
	}
	// stale write from a slower concurrent execution is dropped
	if err := repo.UpdateCheckpoint(ctx, nil, task.ID, 1, map[string]any{"ref": "a"}); err != nil {
		t.Fatalf("stale UpdateCheckpoint: %v", err)
	}

	got, _ := repo.GetByID(ctx, nil, task.ID)
	if got.CheckpointPhase != 2 {
		t.Fatalf("checkpoint_phase = %d, want 2", got.CheckpointPhase)
	}
	if string(got.CheckpointData) == `{"ref":"a"}` {
		t.Fatalf("stale checkpoint payload overwrote newer one")
	}
}

func TestTaskRepo_UpdateProgressOnlyWhileProcessing(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepo(testDB(t), logger.NewNop())
	task := seedTask(t, repo, uuid.New(), 1, 0)

	// pending task ignores progress
	if err := repo.UpdateProgress(ctx, nil, task.ID, 50, "half"); err != nil {
		t.Fatalf("UpdateProgress pending: %v", err)
	}
	got, _ := repo.GetByID(ctx, nil, task.ID)
	if got.ProgressPercent != 0 {
		t.Fatalf("progress applied to pending task")
	}

	_ = repo.MarkProcessing(ctx, nil, task.ID, "w", 1)
	if err := repo.UpdateProgress(ctx, nil, task.ID, 50, "half"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	got, _ = repo.GetByID(ctx, nil, task.ID)
	if got.ProgressPercent != 50 || got.ProgressMessage != "half" {
		t.Fatalf("progress = %d %q", got.ProgressPercent, got.ProgressMessage)
	}
}

func TestTaskRepo_CompleteAndCheckStageCounts(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepo(testDB(t), logger.NewNop())
	jobID := uuid.New()

	a := seedTask(t, repo, jobID, 2, 0)
	b := seedTask(t, repo, jobID, 2, 1)
	c := seedTask(t, repo, jobID, 2, 2)

	comp, err := repo.CompleteAndCheckStage(ctx, a.ID, jobID, 2, domain.TaskCompleted,
		map[string]any{"output_href": "x"}, "")
	if err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if comp.StageComplete {
		t.Fatalf("stage reported complete with 2 tasks open")
	}
	if comp.Total != 3 || comp.Succeeded != 1 {
		t.Fatalf("counts after a: %+v", comp)
	}

	comp, err = repo.CompleteAndCheckStage(ctx, b.ID, jobID, 2, domain.TaskFailed, nil, "warp error")
	if err != nil {
		t.Fatalf("fail b: %v", err)
	}
	if comp.StageComplete {
		t.Fatalf("stage reported complete with 1 task open")
	}

	comp, err = repo.CompleteAndCheckStage(ctx, c.ID, jobID, 2, domain.TaskCompleted, nil, "")
	if err != nil {
		t.Fatalf("complete c: %v", err)
	}
	if !comp.StageComplete {
		t.Fatalf("last completer did not observe StageComplete")
	}
	if comp.Total != 3 || comp.Succeeded != 2 || comp.Failed != 1 {
		t.Fatalf("final counts: %+v", comp)
	}

	// redelivered completion of an already-terminal task never advances
	comp, err = repo.CompleteAndCheckStage(ctx, c.ID, jobID, 2, domain.TaskCompleted, nil, "")
	if err != nil {
		t.Fatalf("redelivered completion: %v", err)
	}
	if comp.StageComplete {
		t.Fatalf("redelivery observed StageComplete")
	}
}

func TestTaskRepo_CompleteAndCheckStageRejectsNonTerminal(t *testing.T) {
	repo := NewTaskRepo(testDB(t), logger.NewNop())
	jobID := uuid.New()
	task := seedTask(t, repo, jobID, 1, 0)

	var itErr *domain.InvalidTransitionError
	_, err := repo.CompleteAndCheckStage(context.Background(), task.ID, jobID, 1, domain.TaskProcessing, nil, "")
	if !errors.As(err, &itErr) {
		t.Fatalf("non-terminal status: %v, want InvalidTransitionError", err)
	}
}

// Concurrent completers of the same stage: exactly one observes
// StageComplete regardless of interleaving.
func TestTaskRepo_ConcurrentCompletionExactlyOneAdvances(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepo(testDB(t), logger.NewNop())
	jobID := uuid.New()

	const n = 8
	tasksByIdx := make([]*domain.Task, n)
	for i := 0; i < n; i++ {
		tasksByIdx[i] = seedTask(t, repo, jobID, 1, i)
	}

	var wg sync.WaitGroup
	completions := make(chan *domain.StageCompletion, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(task *domain.Task) {
			defer wg.Done()
			comp, err := repo.CompleteAndCheckStage(ctx, task.ID, jobID, 1, domain.TaskCompleted, nil, "")
			if err != nil {
				t.Errorf("CompleteAndCheckStage: %v", err)
				return
			}
			completions <- comp
		}(tasksByIdx[i])
	}
	wg.Wait()
	close(completions)

	advanced := 0
	for comp := range completions {
		if comp.StageComplete {
			advanced++
			if comp.Succeeded != n || comp.Total != n {
				t.Fatalf("winner counts: %+v", comp)
			}
		}
	}
	if advanced != 1 {
		t.Fatalf("StageComplete observed %d times, want exactly 1", advanced)
	}
}

func TestTaskRepo_ListAndFilterQueries(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepo(testDB(t), logger.NewNop())
	jobID := uuid.New()

	a := seedTask(t, repo, jobID, 1, 0)
	b := seedTask(t, repo, jobID, 1, 1)
	_, _ = repo.CompleteAndCheckStage(ctx, a.ID, jobID, 1, domain.TaskCompleted, map[string]any{"v": 1.0}, "")
	_, _ = repo.CompleteAndCheckStage(ctx, b.ID, jobID, 1, domain.TaskFailed, nil, "bad item")

	completed, err := repo.CompletedForStage(ctx, nil, jobID, 1)
	if err != nil {
		t.Fatalf("CompletedForStage: %v", err)
	}
	if len(completed) != 1 || completed[0].TaskIndex != 0 {
		t.Fatalf("completed = %+v", completed)
	}
	if completed[0].Result["v"] != 1.0 {
		t.Fatalf("result not decoded: %+v", completed[0].Result)
	}

	failed, err := repo.FailedForJob(ctx, nil, jobID)
	if err != nil {
		t.Fatalf("FailedForJob: %v", err)
	}
	if len(failed) != 1 || failed[0].Error != "bad item" {
		t.Fatalf("failed = %+v", failed)
	}

	all, err := repo.ListForJob(ctx, nil, jobID)
	if err != nil {
		t.Fatalf("ListForJob: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListForJob = %d rows", len(all))
	}
}
