package progress

import (
	"context"
	"errors"
	"sync"
)

var errBackendDown = errors.New("backend down")

type fakeBackend struct {
	mu        sync.Mutex
	statuses  map[string]StatusSummary
	statusErr map[string]error
	records   []TaskRecord
	byProject map[int64][]TaskRecord
	listGate  map[int64]chan struct{}
	listed    chan int64
	listErr   error
	snapshots map[string]FullProgress
	snapErr   map[string]error
	start     StartResponse
	startErr  error
	cmdErr    error
	resetErr  error
	calls     []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		statuses:  map[string]StatusSummary{},
		statusErr: map[string]error{},
		snapshots: map[string]FullProgress{},
		snapErr:   map[string]error{},
	}
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeBackend) GetStatus(_ context.Context, taskID string) (StatusSummary, error) {
	f.record("status:" + taskID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.statusErr[taskID]; err != nil {
		return StatusSummary{}, err
	}
	st, ok := f.statuses[taskID]
	if !ok {
		return StatusSummary{}, ErrNotFound
	}
	return st, nil
}

func (f *fakeBackend) ListTasks(_ context.Context, projectID int64) ([]TaskRecord, error) {
	f.record("list")
	f.mu.Lock()
	gate := f.listGate[projectID]
	records, scoped := f.byProject[projectID]
	listed := f.listed
	f.mu.Unlock()
	if listed != nil {
		listed <- projectID
	}
	if gate != nil {
		<-gate
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	if !scoped {
		records = f.records
	}
	return append([]TaskRecord(nil), records...), nil
}

func (f *fakeBackend) GetFullProgress(_ context.Context, taskID string) (FullProgress, error) {
	f.record("progress:" + taskID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.snapErr[taskID]; err != nil {
		return FullProgress{}, err
	}
	return f.snapshots[taskID], nil
}

func (f *fakeBackend) StartProcessing(_ context.Context, projectID int64, filePaths []string) (StartResponse, error) {
	f.record("start")
	return f.start, f.startErr
}

func (f *fakeBackend) Pause(_ context.Context, taskID string) error {
	f.record("pause:" + taskID)
	return f.cmdErr
}

func (f *fakeBackend) Resume(_ context.Context, taskID string) error {
	f.record("resume:" + taskID)
	return f.cmdErr
}

func (f *fakeBackend) Cancel(_ context.Context, taskID string) error {
	f.record("cancel:" + taskID)
	return f.cmdErr
}

func (f *fakeBackend) Reset(_ context.Context, taskID string, deleteRecords bool) (TaskRecord, error) {
	f.record("reset:" + taskID)
	if f.resetErr != nil {
		return TaskRecord{}, f.resetErr
	}
	return TaskRecord{TaskID: taskID, Status: "pending"}, nil
}

func (f *fakeBackend) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}
