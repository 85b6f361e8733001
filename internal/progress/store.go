package progress

import (
	"strings"
	"sync"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

type StoreOptions struct {
	StateFile       string
	StateBackend    StateBackend
	TranscriptLimit int
	Logger          Logger
	Now             func() time.Time
}

// Store holds every task aggregate for the open project. Published tasks
// are never mutated in place: writers clone, modify, and swap the pointer
// under mu, so readers always see whole aggregates.
type Store struct {
	mu              sync.RWMutex
	tasks           map[string]*Task
	order           []string
	projectID       int64
	hasProject      bool
	selected        string
	loadGen         uint64
	lastErr         string
	baselines       *baselineTracker
	locations       *locationTracker
	transcripts     map[string][]TranscriptEntry
	transcriptLimit int
	stateBackend    StateBackend
	logger          Logger
	now             func() time.Time
}

type persistedState struct {
	ProjectID      *int64              `json:"projectId,omitempty"`
	TaskOrder      []string            `json:"taskOrder"`
	Tasks          map[string]Task     `json:"tasks"`
	SelectedTaskID string              `json:"selectedTaskId,omitempty"`
	Baselines      []persistedBaseline `json:"baselines,omitempty"`
	Locations      map[string]Location `json:"locations,omitempty"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	limit := opts.TranscriptLimit
	if limit <= 0 {
		limit = defaultTranscriptLimit
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Store{
		tasks:           map[string]*Task{},
		order:           []string{},
		baselines:       newBaselineTracker(),
		locations:       newLocationTracker(),
		transcripts:     map[string][]TranscriptEntry{},
		transcriptLimit: limit,
		stateBackend:    stateBackend,
		logger:          opts.Logger,
		now:             now,
	}
	if err := s.loadState(); err != nil {
		s.logf("progress state load failed: %v", err)
	}
	return s
}

func (s *Store) Close() error {
	if closer, ok := s.stateBackend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

// Tasks returns every task, newest first.
func (s *Store) Tasks() []Task {
	return s.filter(func(Task) bool { return true })
}

// ActiveTasks returns tasks that are processing or paused.
func (s *Store) ActiveTasks() []Task {
	return s.filter(func(t Task) bool {
		return t.Phase == TaskProcessing || t.Phase == TaskPaused
	})
}

func (s *Store) CompletedTasks() []Task {
	return s.filter(func(t Task) bool { return t.Phase.Terminal() })
}

func (s *Store) PendingTasks() []Task {
	return s.filter(func(t Task) bool { return t.Phase == TaskStarting })
}

func (s *Store) HasActiveTasks() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if t := s.tasks[id]; t != nil && (t.Phase == TaskProcessing || t.Phase == TaskPaused) {
			return true
		}
	}
	return false
}

func (s *Store) Task(taskID string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

func (s *Store) SelectedTaskID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

func (s *Store) SelectedTask() (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[s.selected]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

// SelectTask selects a task for detail display. An empty id clears the
// selection.
func (s *Store) SelectTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if taskID != "" {
		if _, ok := s.tasks[taskID]; !ok {
			return ErrNotFound
		}
	}
	s.selected = taskID
	s.saveLocked()
	return nil
}

func (s *Store) ProjectID() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.projectID, s.hasProject
}

// Err returns the user-visible error slot.
func (s *Store) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Store) ClearErr() {
	s.setErr("")
}

func (s *Store) setErr(message string) {
	s.mu.Lock()
	s.lastErr = message
	s.mu.Unlock()
}

// Location returns the active file/sheet recorded for a task.
func (s *Store) Location(taskID string) (Location, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locations.get(taskID)
}

// Baseline returns the counters captured when fileName started.
func (s *Store) Baseline(taskID, fileName string) (Counters, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baselines.read(taskID, fileName)
}

// ResetProject drops every task and all per-task tracking state and makes
// projectID the open project. Events still in flight for the old tasks are
// dropped as unknown.
func (s *Store) ResetProject(projectID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadGen++
	s.resetLocked()
	s.projectID = projectID
	s.hasProject = true
	s.saveLocked()
}

// beginLoad opens projectID, resetting the store when another project was
// open, and returns the generation a later publish must still match.
func (s *Store) beginLoad(projectID int64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadGen++
	if !s.hasProject || s.projectID != projectID {
		s.resetLocked()
		s.projectID = projectID
		s.hasProject = true
		s.saveLocked()
	}
	return s.loadGen
}

// loadCurrent reports whether no load or reset has started since gen.
func (s *Store) loadCurrent(gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadGen == gen
}

func (s *Store) resetLocked() {
	s.tasks = map[string]*Task{}
	s.order = []string{}
	s.selected = ""
	s.baselines.reset()
	s.locations.reset()
	s.transcripts = map[string][]TranscriptEntry{}
}

// RemoveTask clears one task from the store.
func (s *Store) RemoveTask(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return false
	}
	delete(s.tasks, taskID)
	s.order = removeID(s.order, taskID)
	s.purgeTrackingLocked(taskID)
	if s.selected == taskID {
		s.selected = ""
	}
	s.saveLocked()
	return true
}

func (s *Store) purgeTrackingLocked(taskID string) {
	s.baselines.purge(taskID)
	s.locations.purge(taskID)
	delete(s.transcripts, taskID)
}

func (s *Store) filter(keep func(Task) bool) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.order))
	for _, id := range s.order {
		t := s.tasks[id]
		if t == nil || !keep(*t) {
			continue
		}
		out = append(out, t.Clone())
	}
	return out
}

// insertTaskLocked publishes a new task ahead of the existing ones.
func (s *Store) insertTaskLocked(t Task) {
	if _, exists := s.tasks[t.ID]; exists {
		s.order = removeID(s.order, t.ID)
	}
	clone := t.Clone()
	s.tasks[t.ID] = &clone
	s.order = append([]string{t.ID}, s.order...)
}

// mutate applies fn to a private copy of the task and publishes the copy
// when fn reports a change.
func (s *Store) mutate(taskID string, fn func(t *Task) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateLocked(taskID, fn)
}

func (s *Store) mutateLocked(taskID string, fn func(t *Task) bool) bool {
	current, ok := s.tasks[taskID]
	if !ok {
		return false
	}
	next := current.Clone()
	if !fn(&next) {
		return false
	}
	s.tasks[taskID] = &next
	s.saveLocked()
	return true
}

func (s *Store) nonTerminalTaskIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.order))
	for _, id := range s.order {
		if t := s.tasks[id]; t != nil && !t.Phase.Terminal() {
			out = append(out, id)
		}
	}
	return out
}

func (s *Store) loadState() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil || snapshot == nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	if snapshot.ProjectID != nil {
		s.projectID = *snapshot.ProjectID
		s.hasProject = true
	}
	for _, id := range snapshot.TaskOrder {
		t, ok := snapshot.Tasks[id]
		if !ok {
			continue
		}
		if _, dup := s.tasks[id]; dup {
			continue
		}
		clone := t.Clone()
		s.tasks[id] = &clone
		s.order = append(s.order, id)
	}
	if _, ok := s.tasks[snapshot.SelectedTaskID]; ok {
		s.selected = snapshot.SelectedTaskID
	}
	s.baselines.restore(snapshot.Baselines)
	s.locations.restore(snapshot.Locations)
	return nil
}

func (s *Store) saveLocked() {
	if s.stateBackend == nil {
		return
	}
	snapshot := persistedState{
		TaskOrder:      append([]string(nil), s.order...),
		Tasks:          make(map[string]Task, len(s.tasks)),
		SelectedTaskID: s.selected,
		Baselines:      s.baselines.snapshot(),
		Locations:      s.locations.snapshot(),
	}
	if s.hasProject {
		pid := s.projectID
		snapshot.ProjectID = &pid
	}
	for id, t := range s.tasks {
		snapshot.Tasks[id] = t.Clone()
	}
	if err := s.stateBackend.Save(&snapshot); err != nil {
		s.logf("progress state save failed: %v", err)
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func removeID(ids []string, id string) []string {
	out := ids[:0:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
