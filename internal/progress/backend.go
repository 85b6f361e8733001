package progress

import (
	"context"
	"strings"
	"time"
)

// StatusSummary is the flat, authoritative task status used by polling.
type StatusSummary struct {
	Status        string `json:"status"`
	TotalRows     int    `json:"total_rows"`
	ProcessedRows int    `json:"processed_rows"`
	SuccessCount  int    `json:"success_count"`
	ErrorCount    int    `json:"error_count"`
}

type TaskRecord struct {
	TaskID         string   `json:"task_id"`
	ProjectID      int64    `json:"project_id"`
	Status         string   `json:"status"`
	TotalFiles     int      `json:"total_files"`
	ProcessedFiles int      `json:"processed_files"`
	TotalRows      int      `json:"total_rows"`
	ProcessedRows  int      `json:"processed_rows"`
	SuccessCount   int      `json:"success_count"`
	ErrorCount     int      `json:"error_count"`
	BatchNumber    *string  `json:"batch_number"`
	SourceFiles    []string `json:"source_files"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      *string  `json:"updated_at"`
}

func (r TaskRecord) Summary() StatusSummary {
	return StatusSummary{
		Status:        r.Status,
		TotalRows:     r.TotalRows,
		ProcessedRows: r.ProcessedRows,
		SuccessCount:  r.SuccessCount,
		ErrorCount:    r.ErrorCount,
	}
}

type StartResponse struct {
	TaskID      string   `json:"task_id"`
	ProjectID   int64    `json:"project_id"`
	Status      string   `json:"status"`
	BatchNumber string   `json:"batch_number"`
	SourceFiles []string `json:"source_files"`
}

type FullProgress struct {
	TaskID string         `json:"task_id"`
	Files  []FileProgress `json:"files"`
}

type FileProgress struct {
	FileName     string          `json:"file_name"`
	FilePhase    string          `json:"file_phase"`
	TotalRows    int             `json:"total_rows"`
	SuccessCount int             `json:"success_count"`
	ErrorCount   int             `json:"error_count"`
	Sheets       []SheetProgress `json:"sheets"`
}

type SheetProgress struct {
	SheetName    string   `json:"sheet_name"`
	SheetPhase   string   `json:"sheet_phase"`
	AIConfidence *float64 `json:"ai_confidence"`
	MappingCount *int     `json:"mapping_count"`
	SuccessCount int      `json:"success_count"`
	ErrorCount   int      `json:"error_count"`
	TotalRows    int      `json:"total_rows"`
	ErrorMessage *string  `json:"error_message"`
}

// ToFiles converts a snapshot into the in-memory file list.
func (p FullProgress) ToFiles() []File {
	files := make([]File, 0, len(p.Files))
	for _, fp := range p.Files {
		file := File{
			Name:         fp.FileName,
			Phase:        parseFilePhase(fp.FilePhase),
			Sheets:       make([]Sheet, 0, len(fp.Sheets)),
			TotalRows:    fp.TotalRows,
			SuccessCount: fp.SuccessCount,
			ErrorCount:   fp.ErrorCount,
		}
		for _, sp := range fp.Sheets {
			file.Sheets = append(file.Sheets, Sheet{
				Name:         sp.SheetName,
				Phase:        parseSheetPhase(sp.SheetPhase),
				AIConfidence: cloneFloat(sp.AIConfidence),
				MappingCount: cloneInt(sp.MappingCount),
				SuccessCount: sp.SuccessCount,
				ErrorCount:   sp.ErrorCount,
				TotalRows:    sp.TotalRows,
				ErrorMessage: cloneString(sp.ErrorMessage),
			})
		}
		files = append(files, file)
	}
	return files
}

type StatusFetcher interface {
	GetStatus(ctx context.Context, taskID string) (StatusSummary, error)
}

type SnapshotFetcher interface {
	ListTasks(ctx context.Context, projectID int64) ([]TaskRecord, error)
	GetFullProgress(ctx context.Context, taskID string) (FullProgress, error)
}

type Commander interface {
	StartProcessing(ctx context.Context, projectID int64, filePaths []string) (StartResponse, error)
	Pause(ctx context.Context, taskID string) error
	Resume(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) error
	Reset(ctx context.Context, taskID string, deleteRecords bool) (TaskRecord, error)
}

// Backend is the external persistence collaborator.
type Backend interface {
	StatusFetcher
	SnapshotFetcher
	Commander
}

// placeholderTask builds a task from a flat record before any snapshot is
// known. File phases are inferred from the task status.
func placeholderTask(r TaskRecord, now time.Time) Task {
	phase := PhaseFromStatus(r.Status)
	filePhase := FileWaiting
	switch phase {
	case TaskCompleted:
		filePhase = FileDone
	case TaskError:
		filePhase = FileError
	}
	t := Task{
		ID:            r.TaskID,
		ProjectID:     r.ProjectID,
		BatchNumber:   cloneString(r.BatchNumber),
		Phase:         phase,
		SourceFiles:   append([]string{}, r.SourceFiles...),
		Files:         make([]File, 0, len(r.SourceFiles)),
		TotalRows:     r.TotalRows,
		ProcessedRows: r.ProcessedRows,
		SuccessCount:  r.SuccessCount,
		ErrorCount:    r.ErrorCount,
		StartedAt:     parseTimestamp(r.CreatedAt, now),
	}
	for _, name := range r.SourceFiles {
		t.Files = append(t.Files, File{Name: name, Phase: filePhase, Sheets: []Sheet{}})
	}
	if phase == TaskCompleted {
		completedAt := now
		if r.UpdatedAt != nil {
			completedAt = parseTimestamp(*r.UpdatedAt, now)
		}
		t.CompletedAt = &completedAt
	}
	return t
}

func parseTimestamp(raw string, fallback time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return fallback
}

func fileNameFromPath(p string) string {
	p = strings.TrimRight(p, `/\`)
	if idx := strings.LastIndexAny(p, `/\`); idx >= 0 && idx < len(p)-1 {
		return p[idx+1:]
	}
	return p
}
