package progress

// MergeStatus folds a polled status into the task. The merge only moves a
// task from a non-terminal phase into a terminal one; every other
// combination leaves the task untouched.
func (s *Store) MergeStatus(taskID string, st StatusSummary) bool {
	fetched := PhaseFromStatus(st.Status)
	if !fetched.Terminal() {
		return false
	}
	return s.mutate(taskID, func(t *Task) bool {
		if t.Phase.Terminal() {
			return false
		}
		t.Phase = fetched
		t.TotalRows = st.TotalRows
		t.ProcessedRows = st.ProcessedRows
		t.SuccessCount = st.SuccessCount
		t.ErrorCount = st.ErrorCount
		if fetched == TaskCompleted {
			t.forceDone()
		}
		t.settle(s.now())
		return true
	})
}

// replaceProjectTasks publishes a freshly loaded task list for projectID.
// A task already terminal in memory is kept over a non-terminal copy from
// the list, as polling would. While the same project stays open, tasks the
// list does not mention stay in the store with their tracking intact.
// A list from a load that has since been superseded is discarded.
func (s *Store) replaceProjectTasks(gen uint64, projectID int64, tasks []Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.loadGen || !s.hasProject || s.projectID != projectID {
		return false
	}

	next := make(map[string]*Task, len(tasks)+len(s.tasks))
	listed := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			continue
		}
		if _, dup := next[t.ID]; dup {
			continue
		}
		clone := t.Clone()
		if current, ok := s.tasks[t.ID]; ok && current.Phase.Terminal() && !clone.Phase.Terminal() {
			clone = current.Clone()
		}
		next[t.ID] = &clone
		listed = append(listed, t.ID)
	}

	// Unlisted tasks are typically ones started after the list was read.
	// They keep their place ahead of the listed ones.
	order := make([]string, 0, len(listed)+len(s.order))
	for _, id := range s.order {
		if _, ok := next[id]; ok {
			continue
		}
		if current := s.tasks[id]; current != nil {
			next[id] = current
			order = append(order, id)
		}
	}
	s.tasks = next
	s.order = append(order, listed...)
	if _, ok := s.tasks[s.selected]; !ok {
		s.selected = ""
	}
	s.saveLocked()
	return true
}
