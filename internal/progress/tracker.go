package progress

import "sort"

type baselineKey struct {
	taskID   string
	fileName string
}

// baselineTracker remembers the task counters observed when each file
// started. It is owned by Store and guarded by Store.mu.
type baselineTracker struct {
	entries map[baselineKey]Counters
}

func newBaselineTracker() *baselineTracker {
	return &baselineTracker{entries: map[baselineKey]Counters{}}
}

func (b *baselineTracker) capture(taskID, fileName string, c Counters) {
	b.entries[baselineKey{taskID: taskID, fileName: fileName}] = c
}

func (b *baselineTracker) read(taskID, fileName string) (Counters, bool) {
	c, ok := b.entries[baselineKey{taskID: taskID, fileName: fileName}]
	return c, ok
}

func (b *baselineTracker) purge(taskID string) {
	for key := range b.entries {
		if key.taskID == taskID {
			delete(b.entries, key)
		}
	}
}

func (b *baselineTracker) reset() {
	b.entries = map[baselineKey]Counters{}
}

type persistedBaseline struct {
	TaskID   string   `json:"taskId"`
	FileName string   `json:"fileName"`
	Baseline Counters `json:"baseline"`
}

func (b *baselineTracker) snapshot() []persistedBaseline {
	out := make([]persistedBaseline, 0, len(b.entries))
	for key, c := range b.entries {
		out = append(out, persistedBaseline{TaskID: key.taskID, FileName: key.fileName, Baseline: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].FileName < out[j].FileName
	})
	return out
}

func (b *baselineTracker) restore(items []persistedBaseline) {
	b.reset()
	for _, item := range items {
		b.capture(item.TaskID, item.FileName, item.Baseline)
	}
}

// Location is the file and sheet most recently started for a task.
type Location struct {
	File  string `json:"file"`
	Sheet string `json:"sheet"`
}

// locationTracker holds a single slot per task. Guarded by Store.mu.
type locationTracker struct {
	entries map[string]Location
}

func newLocationTracker() *locationTracker {
	return &locationTracker{entries: map[string]Location{}}
}

func (l *locationTracker) set(taskID string, loc Location) {
	l.entries[taskID] = loc
}

func (l *locationTracker) get(taskID string) (Location, bool) {
	loc, ok := l.entries[taskID]
	return loc, ok
}

func (l *locationTracker) purge(taskID string) {
	delete(l.entries, taskID)
}

func (l *locationTracker) reset() {
	l.entries = map[string]Location{}
}

func (l *locationTracker) snapshot() map[string]Location {
	out := make(map[string]Location, len(l.entries))
	for k, v := range l.entries {
		out[k] = v
	}
	return out
}

func (l *locationTracker) restore(items map[string]Location) {
	l.reset()
	for k, v := range items {
		l.entries[k] = v
	}
}
