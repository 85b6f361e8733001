package progress

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

type RehydratorOptions struct {
	Concurrency int
	Logger      Logger
}

// Rehydrator rebuilds a project's task list from storage.
type Rehydrator struct {
	store       *Store
	fetcher     SnapshotFetcher
	concurrency int
	logger      Logger
}

func NewRehydrator(store *Store, fetcher SnapshotFetcher, opts RehydratorOptions) *Rehydrator {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Rehydrator{
		store:       store,
		fetcher:     fetcher,
		concurrency: concurrency,
		logger:      opts.Logger,
	}
}

// LoadProject fetches the task list for projectID, rehydrates the nested
// progress of every task that has left pending, and publishes the result.
// Only a failure to list tasks is returned; snapshot failures keep the
// placeholder built from the flat record. When a newer load or a project
// reset starts before this one finishes, its result is discarded.
func (r *Rehydrator) LoadProject(ctx context.Context, projectID int64) error {
	gen := r.store.beginLoad(projectID)
	records, err := r.fetcher.ListTasks(ctx, projectID)
	if err != nil {
		if r.store.loadCurrent(gen) {
			r.store.setErr(err.Error())
		}
		return fmt.Errorf("list tasks for project %d: %w", projectID, err)
	}

	now := r.store.now()
	tasks := make([]Task, len(records))
	for i, record := range records {
		tasks[i] = placeholderTask(record, now)
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i := range records {
		if records[i].Status == "pending" {
			continue
		}
		idx := i
		g.Go(func() error {
			snapshot, err := r.fetcher.GetFullProgress(ctx, tasks[idx].ID)
			if err != nil {
				r.logf("rehydrate task %s failed: %v", tasks[idx].ID, err)
				return nil
			}
			if files := snapshot.ToFiles(); len(files) > 0 {
				tasks[idx].Files = files
			}
			return nil
		})
	}
	_ = g.Wait()

	if !r.store.replaceProjectTasks(gen, projectID, tasks) {
		r.logf("discarded superseded task list for project %d", projectID)
	}
	return nil
}

func (r *Rehydrator) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
