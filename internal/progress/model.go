package progress

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrMalformedEvent = errors.New("malformed event")
	ErrNotImplemented = errors.New("not implemented")
)

type TaskPhase string

const (
	TaskStarting    TaskPhase = "starting"
	TaskProcessing  TaskPhase = "processing"
	TaskPaused      TaskPhase = "paused"
	TaskCompleted   TaskPhase = "completed"
	TaskCancelled   TaskPhase = "cancelled"
	TaskError       TaskPhase = "error"
	TaskInterrupted TaskPhase = "interrupted"
)

// Terminal reports whether no further live progress is expected.
func (p TaskPhase) Terminal() bool {
	switch p {
	case TaskCompleted, TaskCancelled, TaskError, TaskInterrupted:
		return true
	default:
		return false
	}
}

type FilePhase string

const (
	FileWaiting    FilePhase = "waiting"
	FileProcessing FilePhase = "processing"
	FileDone       FilePhase = "done"
	FileError      FilePhase = "error"
)

type SheetPhase string

const (
	SheetWaiting     SheetPhase = "waiting"
	SheetAIAnalyzing SheetPhase = "ai_analyzing"
	SheetImporting   SheetPhase = "importing"
	SheetDone        SheetPhase = "done"
	SheetError       SheetPhase = "error"
)

// Settled reports whether the sheet has finished. Only a task reset moves
// a settled sheet again.
func (p SheetPhase) Settled() bool {
	return p == SheetDone || p == SheetError
}

// PhaseFromStatus maps a storage status string to a task phase. Unknown
// statuses map to processing so a task never disappears from the active view.
func PhaseFromStatus(status string) TaskPhase {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "pending", "starting":
		return TaskStarting
	case "processing":
		return TaskProcessing
	case "paused":
		return TaskPaused
	case "completed":
		return TaskCompleted
	case "cancelled", "canceled":
		return TaskCancelled
	case "error", "failed":
		return TaskError
	case "interrupted":
		return TaskInterrupted
	default:
		return TaskProcessing
	}
}

func parseFilePhase(raw string) FilePhase {
	switch FilePhase(strings.ToLower(strings.TrimSpace(raw))) {
	case FileProcessing:
		return FileProcessing
	case FileDone:
		return FileDone
	case FileError:
		return FileError
	default:
		return FileWaiting
	}
}

func parseSheetPhase(raw string) SheetPhase {
	switch SheetPhase(strings.ToLower(strings.TrimSpace(raw))) {
	case SheetAIAnalyzing:
		return SheetAIAnalyzing
	case SheetImporting:
		return SheetImporting
	case SheetDone:
		return SheetDone
	case SheetError:
		return SheetError
	default:
		return SheetWaiting
	}
}

type Sheet struct {
	Name         string     `json:"sheetName"`
	Phase        SheetPhase `json:"phase"`
	AIConfidence *float64   `json:"aiConfidence,omitempty"`
	MappingCount *int       `json:"mappingCount,omitempty"`
	SuccessCount int        `json:"successCount"`
	ErrorCount   int        `json:"errorCount"`
	TotalRows    int        `json:"totalRows"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
}

type File struct {
	Name         string    `json:"fileName"`
	Phase        FilePhase `json:"phase"`
	Sheets       []Sheet   `json:"sheets"`
	TotalRows    int       `json:"totalRows"`
	SuccessCount int       `json:"successCount"`
	ErrorCount   int       `json:"errorCount"`
}

type Task struct {
	ID            string     `json:"taskId"`
	ProjectID     int64      `json:"projectId"`
	BatchNumber   *string    `json:"batchNumber,omitempty"`
	Phase         TaskPhase  `json:"phase"`
	SourceFiles   []string   `json:"sourceFiles"`
	Files         []File     `json:"files"`
	TotalRows     int        `json:"totalRows"`
	ProcessedRows int        `json:"processedRows"`
	SuccessCount  int        `json:"successCount"`
	ErrorCount    int        `json:"errorCount"`
	StartedAt     time.Time  `json:"startedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// Counters is the task-wide counter triple captured as a file baseline.
type Counters struct {
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Error     int `json:"error"`
}

func (t Task) counters() Counters {
	return Counters{Processed: t.ProcessedRows, Success: t.SuccessCount, Error: t.ErrorCount}
}

// Clone returns a deep copy that shares no slices or pointers with t.
func (t Task) Clone() Task {
	out := t
	out.BatchNumber = cloneString(t.BatchNumber)
	out.CompletedAt = cloneTime(t.CompletedAt)
	out.SourceFiles = append([]string(nil), t.SourceFiles...)
	if t.Files != nil {
		out.Files = make([]File, len(t.Files))
		for i, file := range t.Files {
			out.Files[i] = file.Clone()
		}
	}
	return out
}

func (f File) Clone() File {
	out := f
	if f.Sheets != nil {
		out.Sheets = make([]Sheet, len(f.Sheets))
		for i, sheet := range f.Sheets {
			out.Sheets[i] = sheet.Clone()
		}
	}
	return out
}

func (s Sheet) Clone() Sheet {
	out := s
	if s.AIConfidence != nil {
		v := *s.AIConfidence
		out.AIConfidence = &v
	}
	if s.MappingCount != nil {
		v := *s.MappingCount
		out.MappingCount = &v
	}
	out.ErrorMessage = cloneString(s.ErrorMessage)
	return out
}

func (t *Task) fileIndex(name string) int {
	for i := range t.Files {
		if t.Files[i].Name == name {
			return i
		}
	}
	return -1
}

// ensureFile returns the index of the named file, appending it with the
// given phase on first reference.
func (t *Task) ensureFile(name string, phase FilePhase) int {
	if idx := t.fileIndex(name); idx >= 0 {
		return idx
	}
	t.Files = append(t.Files, File{Name: name, Phase: phase, Sheets: []Sheet{}})
	return len(t.Files) - 1
}

func (f *File) sheetIndex(name string) int {
	for i := range f.Sheets {
		if f.Sheets[i].Name == name {
			return i
		}
	}
	return -1
}

// forceDone marks every file and sheet done, used when the task is known
// to have completed even if some completion events were lost.
func (t *Task) forceDone() {
	for i := range t.Files {
		t.Files[i].Phase = FileDone
		for j := range t.Files[i].Sheets {
			t.Files[i].Sheets[j].Phase = SheetDone
		}
	}
}

// settle closes out a task entering a terminal phase.
func (t *Task) settle(now time.Time) {
	if t.CompletedAt == nil {
		ts := now
		t.CompletedAt = &ts
	}
	t.ProcessedRows = t.SuccessCount + t.ErrorCount
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
