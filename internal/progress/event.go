package progress

import (
	"fmt"
	"strings"
)

type Kind string

const (
	KindFileStart     Kind = "file_start"
	KindSheetStart    Kind = "sheet_start"
	KindAIAnalyzing   Kind = "ai_analyzing"
	KindAIRequest     Kind = "ai_request"
	KindAIResponse    Kind = "ai_response"
	KindColumnMapping Kind = "column_mapping"
	KindRowProcessed  Kind = "row_processed"
	KindSheetComplete Kind = "sheet_complete"
	KindFileComplete  Kind = "file_complete"
	KindCompleted     Kind = "completed"
	KindError         Kind = "error"
)

// Message is a progress frame as emitted by the import engine.
type Message struct {
	Event             string            `json:"event"`
	TaskID            string            `json:"task_id"`
	CurrentFile       string            `json:"current_file,omitempty"`
	CurrentSheet      string            `json:"current_sheet,omitempty"`
	CurrentRow        *int              `json:"current_row,omitempty"`
	TotalRows         *int              `json:"total_rows,omitempty"`
	ProcessedRows     *int              `json:"processed_rows,omitempty"`
	SuccessCount      *int              `json:"success_count,omitempty"`
	ErrorCount        *int              `json:"error_count,omitempty"`
	Message           string            `json:"message,omitempty"`
	Confidence        *float64          `json:"confidence,omitempty"`
	Mappings          map[string]string `json:"mappings,omitempty"`
	SheetSuccessCount *int              `json:"sheet_success_count,omitempty"`
	SheetErrorCount   *int              `json:"sheet_error_count,omitempty"`
	SheetTotalRows    *int              `json:"sheet_total_rows,omitempty"`
}

// Event is a decoded progress event. The set of implementations is closed;
// Store.Apply switches over all of them.
type Event interface {
	Task() string
	Kind() Kind
	isEvent()
}

type FileStart struct {
	TaskID   string
	FileName string
}

type SheetStart struct {
	TaskID    string
	FileName  string
	SheetName string
}

type AIAnalyzing struct {
	TaskID    string
	SheetName string
	Message   string
}

type AIRequest struct {
	TaskID    string
	SheetName string
	Message   string
}

type AIResponse struct {
	TaskID     string
	SheetName  string
	Message    string
	Confidence *float64
}

type ColumnMapping struct {
	TaskID       string
	SheetName    string
	Confidence   *float64
	MappingCount *int
}

// RowProcessed carries counters local to the current file.
type RowProcessed struct {
	TaskID    string
	Processed int
	Success   int
	Error     int
}

type SheetComplete struct {
	TaskID    string
	SheetName string
	Success   *int
	Error     *int
	Total     *int
}

// FileComplete carries cumulative task-wide counters.
type FileComplete struct {
	TaskID    string
	FileName  string
	Processed *int
	Success   *int
	Error     *int
}

type Completed struct {
	TaskID    string
	Processed *int
	Success   *int
	Error     *int
}

type Failure struct {
	TaskID   string
	FileName string
	Message  string
}

// Unknown is an event kind this package does not interpret.
type Unknown struct {
	TaskID string
	Name   string
}

func (e FileStart) Task() string     { return e.TaskID }
func (e SheetStart) Task() string    { return e.TaskID }
func (e AIAnalyzing) Task() string   { return e.TaskID }
func (e AIRequest) Task() string     { return e.TaskID }
func (e AIResponse) Task() string    { return e.TaskID }
func (e ColumnMapping) Task() string { return e.TaskID }
func (e RowProcessed) Task() string  { return e.TaskID }
func (e SheetComplete) Task() string { return e.TaskID }
func (e FileComplete) Task() string  { return e.TaskID }
func (e Completed) Task() string     { return e.TaskID }
func (e Failure) Task() string       { return e.TaskID }
func (e Unknown) Task() string       { return e.TaskID }

func (FileStart) Kind() Kind     { return KindFileStart }
func (SheetStart) Kind() Kind    { return KindSheetStart }
func (AIAnalyzing) Kind() Kind   { return KindAIAnalyzing }
func (AIRequest) Kind() Kind     { return KindAIRequest }
func (AIResponse) Kind() Kind    { return KindAIResponse }
func (ColumnMapping) Kind() Kind { return KindColumnMapping }
func (RowProcessed) Kind() Kind  { return KindRowProcessed }
func (SheetComplete) Kind() Kind { return KindSheetComplete }
func (FileComplete) Kind() Kind  { return KindFileComplete }
func (Completed) Kind() Kind     { return KindCompleted }
func (Failure) Kind() Kind       { return KindError }
func (e Unknown) Kind() Kind     { return Kind(e.Name) }

func (FileStart) isEvent()     {}
func (SheetStart) isEvent()    {}
func (AIAnalyzing) isEvent()   {}
func (AIRequest) isEvent()     {}
func (AIResponse) isEvent()    {}
func (ColumnMapping) isEvent() {}
func (RowProcessed) isEvent()  {}
func (SheetComplete) isEvent() {}
func (FileComplete) isEvent()  {}
func (Completed) isEvent()     {}
func (Failure) isEvent()       {}
func (Unknown) isEvent()       {}

// Decode validates the fields each kind requires and returns the typed
// event. The returned error wraps ErrMalformedEvent.
func Decode(m Message) (Event, error) {
	taskID := strings.TrimSpace(m.TaskID)
	kind := Kind(strings.TrimSpace(m.Event))
	if taskID == "" {
		return nil, fmt.Errorf("%w: %s without task_id", ErrMalformedEvent, kind)
	}
	if kind == "" {
		return nil, fmt.Errorf("%w: missing event kind", ErrMalformedEvent)
	}
	requireFile := func() error {
		if m.CurrentFile == "" {
			return fmt.Errorf("%w: %s without current_file", ErrMalformedEvent, kind)
		}
		return nil
	}
	requireSheet := func() error {
		if m.CurrentSheet == "" {
			return fmt.Errorf("%w: %s without current_sheet", ErrMalformedEvent, kind)
		}
		return nil
	}

	switch kind {
	case KindFileStart:
		if err := requireFile(); err != nil {
			return nil, err
		}
		return FileStart{TaskID: taskID, FileName: m.CurrentFile}, nil
	case KindSheetStart:
		if err := requireFile(); err != nil {
			return nil, err
		}
		if err := requireSheet(); err != nil {
			return nil, err
		}
		return SheetStart{TaskID: taskID, FileName: m.CurrentFile, SheetName: m.CurrentSheet}, nil
	case KindAIAnalyzing:
		return AIAnalyzing{TaskID: taskID, SheetName: m.CurrentSheet, Message: m.Message}, nil
	case KindAIRequest:
		return AIRequest{TaskID: taskID, SheetName: m.CurrentSheet, Message: m.Message}, nil
	case KindAIResponse:
		return AIResponse{TaskID: taskID, SheetName: m.CurrentSheet, Message: m.Message, Confidence: cloneFloat(m.Confidence)}, nil
	case KindColumnMapping:
		if err := requireSheet(); err != nil {
			return nil, err
		}
		ev := ColumnMapping{TaskID: taskID, SheetName: m.CurrentSheet, Confidence: cloneFloat(m.Confidence)}
		if m.Mappings != nil {
			count := len(m.Mappings)
			ev.MappingCount = &count
		}
		return ev, nil
	case KindRowProcessed:
		return RowProcessed{
			TaskID:    taskID,
			Processed: intOrZero(m.ProcessedRows),
			Success:   intOrZero(m.SuccessCount),
			Error:     intOrZero(m.ErrorCount),
		}, nil
	case KindSheetComplete:
		if err := requireSheet(); err != nil {
			return nil, err
		}
		return SheetComplete{
			TaskID:    taskID,
			SheetName: m.CurrentSheet,
			Success:   cloneInt(m.SheetSuccessCount),
			Error:     cloneInt(m.SheetErrorCount),
			Total:     cloneInt(m.SheetTotalRows),
		}, nil
	case KindFileComplete:
		if err := requireFile(); err != nil {
			return nil, err
		}
		return FileComplete{
			TaskID:    taskID,
			FileName:  m.CurrentFile,
			Processed: cloneInt(m.ProcessedRows),
			Success:   cloneInt(m.SuccessCount),
			Error:     cloneInt(m.ErrorCount),
		}, nil
	case KindCompleted:
		return Completed{
			TaskID:    taskID,
			Processed: cloneInt(m.ProcessedRows),
			Success:   cloneInt(m.SuccessCount),
			Error:     cloneInt(m.ErrorCount),
		}, nil
	case KindError:
		return Failure{TaskID: taskID, FileName: m.CurrentFile, Message: m.Message}, nil
	default:
		return Unknown{TaskID: taskID, Name: string(kind)}, nil
	}
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
