package progress

import (
	"context"
	"fmt"
	"strings"
)

// Controller issues task commands and applies their confirmed effect.
type Controller struct {
	store   *Store
	backend Commander
	logger  Logger
}

func NewController(store *Store, backend Commander, logger Logger) *Controller {
	return &Controller{store: store, backend: backend, logger: logger}
}

// StartProcessing submits the files and inserts the new task at the front
// of the list, selected.
func (c *Controller) StartProcessing(ctx context.Context, projectID int64, filePaths []string) (Task, error) {
	paths := make([]string, 0, len(filePaths))
	for _, p := range filePaths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return Task{}, fmt.Errorf("%w: at least one file path is required", ErrInvalidInput)
	}
	resp, err := c.backend.StartProcessing(ctx, projectID, paths)
	if err != nil {
		c.store.setErr(err.Error())
		return Task{}, fmt.Errorf("start processing: %w", err)
	}
	if strings.TrimSpace(resp.TaskID) == "" {
		err := fmt.Errorf("%w: start response without task id", ErrInvalidInput)
		c.store.setErr(err.Error())
		return Task{}, err
	}

	sourceFiles := resp.SourceFiles
	if len(sourceFiles) == 0 {
		sourceFiles = make([]string, len(paths))
		for i, p := range paths {
			sourceFiles[i] = fileNameFromPath(p)
		}
	}
	t := Task{
		ID:          resp.TaskID,
		ProjectID:   projectID,
		Phase:       TaskProcessing,
		SourceFiles: append([]string(nil), sourceFiles...),
		Files:       make([]File, 0, len(sourceFiles)),
		StartedAt:   c.store.now(),
	}
	if resp.BatchNumber != "" {
		batch := resp.BatchNumber
		t.BatchNumber = &batch
	}
	for _, name := range sourceFiles {
		t.Files = append(t.Files, File{Name: name, Phase: FileWaiting, Sheets: []Sheet{}})
	}

	c.store.mu.Lock()
	c.store.insertTaskLocked(t)
	c.store.selected = t.ID
	c.store.saveLocked()
	c.store.mu.Unlock()
	return t.Clone(), nil
}

func (c *Controller) Pause(ctx context.Context, taskID string) error {
	return c.transition(ctx, taskID, "pause", c.backend.Pause, TaskPaused)
}

func (c *Controller) Resume(ctx context.Context, taskID string) error {
	return c.transition(ctx, taskID, "resume", c.backend.Resume, TaskProcessing)
}

func (c *Controller) Cancel(ctx context.Context, taskID string) error {
	return c.transition(ctx, taskID, "cancel", c.backend.Cancel, TaskCancelled)
}

func (c *Controller) transition(ctx context.Context, taskID, verb string, call func(context.Context, string) error, phase TaskPhase) error {
	if strings.TrimSpace(taskID) == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidInput)
	}
	if err := call(ctx, taskID); err != nil {
		c.store.setErr(err.Error())
		return fmt.Errorf("%s task %s: %w", verb, taskID, err)
	}
	c.store.mutate(taskID, func(t *Task) bool {
		// A task that finished while the command was in flight stays put.
		if t.Phase.Terminal() {
			return false
		}
		t.Phase = phase
		if phase.Terminal() {
			t.settle(c.store.now())
		}
		return true
	})
	c.logf("task %s %s confirmed", taskID, verb)
	return nil
}

// Reset returns the task to starting with empty progress once storage has
// confirmed the reset.
func (c *Controller) Reset(ctx context.Context, taskID string, deleteRecords bool) (TaskRecord, error) {
	if strings.TrimSpace(taskID) == "" {
		return TaskRecord{}, fmt.Errorf("%w: task id is required", ErrInvalidInput)
	}
	record, err := c.backend.Reset(ctx, taskID, deleteRecords)
	if err != nil {
		c.store.setErr(err.Error())
		return TaskRecord{}, fmt.Errorf("reset task %s: %w", taskID, err)
	}
	c.store.mu.Lock()
	c.store.baselines.purge(taskID)
	c.store.locations.purge(taskID)
	c.store.mutateLocked(taskID, func(t *Task) bool {
		t.Phase = TaskStarting
		for i := range t.Files {
			t.Files[i] = File{Name: t.Files[i].Name, Phase: FileWaiting, Sheets: []Sheet{}}
		}
		t.TotalRows = 0
		t.ProcessedRows = 0
		t.SuccessCount = 0
		t.ErrorCount = 0
		t.CompletedAt = nil
		return true
	})
	c.store.mu.Unlock()
	return record, nil
}

func (c *Controller) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
