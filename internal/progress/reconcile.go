package progress

// Apply reconciles one live event into the store. Events naming an unknown
// task, or lacking the location they depend on, are dropped.
func (s *Store) Apply(ev Event) {
	if ev == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	taskID := ev.Task()
	if _, ok := s.tasks[taskID]; !ok {
		return
	}

	switch e := ev.(type) {
	case FileStart:
		s.mutateLocked(taskID, func(t *Task) bool {
			s.baselines.capture(taskID, e.FileName, t.counters())
			idx := t.ensureFile(e.FileName, FileProcessing)
			t.Files[idx].Phase = FileProcessing
			if t.Phase == TaskStarting {
				t.Phase = TaskProcessing
			}
			return true
		})
	case SheetStart:
		s.locations.set(taskID, Location{File: e.FileName, Sheet: e.SheetName})
		s.mutateLocked(taskID, func(t *Task) bool {
			f := &t.Files[t.ensureFile(e.FileName, FileProcessing)]
			if idx := f.sheetIndex(e.SheetName); idx >= 0 {
				f.Sheets[idx].Phase = SheetAIAnalyzing
			} else {
				f.Sheets = append(f.Sheets, Sheet{Name: e.SheetName, Phase: SheetAIAnalyzing})
			}
			return true
		})
	case ColumnMapping:
		s.mutateSheetLocked(taskID, e.SheetName, func(sh *Sheet) bool {
			if sh.Phase.Settled() {
				return false
			}
			sh.Phase = SheetImporting
			sh.AIConfidence = cloneFloat(e.Confidence)
			sh.MappingCount = cloneInt(e.MappingCount)
			return true
		})
	case RowProcessed:
		var base Counters
		if loc, ok := s.locations.get(taskID); ok {
			base, _ = s.baselines.read(taskID, loc.File)
		}
		s.mutateLocked(taskID, func(t *Task) bool {
			if t.Phase.Terminal() {
				return false
			}
			t.ProcessedRows = base.Processed + e.Processed
			t.SuccessCount = base.Success + e.Success
			t.ErrorCount = base.Error + e.Error
			return true
		})
	case SheetComplete:
		s.mutateSheetLocked(taskID, e.SheetName, func(sh *Sheet) bool {
			if sh.Phase == SheetError {
				return false
			}
			sh.Phase = SheetDone
			sh.SuccessCount = intOr(e.Success, sh.SuccessCount)
			sh.ErrorCount = intOr(e.Error, sh.ErrorCount)
			sh.TotalRows = intOr(e.Total, sh.TotalRows)
			return true
		})
	case FileComplete:
		base, _ := s.baselines.read(taskID, e.FileName)
		s.mutateLocked(taskID, func(t *Task) bool {
			processed := intOr(e.Processed, t.ProcessedRows)
			success := intOr(e.Success, t.SuccessCount)
			failed := intOr(e.Error, t.ErrorCount)
			fileSuccess := nonNegative(success - base.Success)
			fileError := nonNegative(failed - base.Error)

			f := &t.Files[t.ensureFile(e.FileName, FileDone)]
			f.Phase = FileDone
			f.SuccessCount = fileSuccess
			f.ErrorCount = fileError
			f.TotalRows = fileSuccess + fileError

			// Task counters are frozen once the task is terminal.
			if t.Phase.Terminal() {
				return true
			}
			t.ProcessedRows = processed
			t.SuccessCount = success
			t.ErrorCount = failed
			return true
		})
	case Completed:
		s.mutateLocked(taskID, func(t *Task) bool {
			t.Phase = TaskCompleted
			t.ProcessedRows = intOr(e.Processed, t.ProcessedRows)
			t.SuccessCount = intOr(e.Success, t.SuccessCount)
			t.ErrorCount = intOr(e.Error, t.ErrorCount)
			t.forceDone()
			t.settle(s.now())
			return true
		})
	case Failure:
		s.applyFailureLocked(e)
	case AIAnalyzing:
		s.appendTranscriptLocked(taskID, TranscriptEntry{Kind: KindAIAnalyzing, SheetName: e.SheetName, Message: e.Message, At: s.now()})
	case AIRequest:
		s.appendTranscriptLocked(taskID, TranscriptEntry{Kind: KindAIRequest, SheetName: e.SheetName, Message: e.Message, At: s.now()})
	case AIResponse:
		s.appendTranscriptLocked(taskID, TranscriptEntry{Kind: KindAIResponse, SheetName: e.SheetName, Message: e.Message, Confidence: cloneFloat(e.Confidence), At: s.now()})
	case Unknown:
		// Forward-compatible kinds carry no progress. Event is sealed, so
		// the cases above are exhaustive.
	}
}

func (s *Store) applyFailureLocked(e Failure) {
	taskID := e.TaskID
	if e.FileName != "" {
		s.mutateLocked(taskID, func(t *Task) bool {
			t.Files[t.ensureFile(e.FileName, FileError)].Phase = FileError
			return true
		})
		return
	}
	if loc, ok := s.locations.get(taskID); ok {
		if t := s.tasks[taskID]; t != nil && t.Phase.Terminal() {
			return
		}
		s.mutateSheetLocked(taskID, loc.Sheet, func(sh *Sheet) bool {
			if sh.Phase.Settled() {
				return false
			}
			sh.Phase = SheetError
			if e.Message != "" {
				msg := e.Message
				sh.ErrorMessage = &msg
			}
			return true
		})
		return
	}
	s.mutateLocked(taskID, func(t *Task) bool {
		if t.Phase.Terminal() {
			return false
		}
		t.Phase = TaskError
		t.settle(s.now())
		return true
	})
}

// mutateSheetLocked edits the named sheet inside the task's active file.
// Nothing happens without an active location or when the sheet is absent.
func (s *Store) mutateSheetLocked(taskID, sheetName string, fn func(sh *Sheet) bool) bool {
	loc, ok := s.locations.get(taskID)
	if !ok {
		return false
	}
	return s.mutateLocked(taskID, func(t *Task) bool {
		fileIdx := t.fileIndex(loc.File)
		if fileIdx < 0 {
			return false
		}
		f := &t.Files[fileIdx]
		sheetIdx := f.sheetIndex(sheetName)
		if sheetIdx < 0 {
			return false
		}
		return fn(&f.Sheets[sheetIdx])
	})
}

func nonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
