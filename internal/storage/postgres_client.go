package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/redata/internal/progress"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresClientOptions struct {
	Logger progress.Logger
	Now    func() time.Time
}

// PostgresClient reads and writes the processing tables directly, for
// deployments where the daemon shares the import database.
type PostgresClient struct {
	dsn    string
	openDB sqlOpenFunc
	logger progress.Logger
	now    func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

var _ progress.Backend = (*PostgresClient)(nil)

func NewPostgresClient(dsn string, opts PostgresClientOptions) (*PostgresClient, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, progress.ErrInvalidInput
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &PostgresClient{
		dsn:    dsn,
		openDB: sql.Open,
		logger: opts.Logger,
		now:    now,
	}, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS processing_tasks (
		id TEXT PRIMARY KEY,
		project_id BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		total_files INTEGER NOT NULL DEFAULT 0,
		processed_files INTEGER NOT NULL DEFAULT 0,
		total_rows INTEGER NOT NULL DEFAULT 0,
		processed_rows INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		batch_number TEXT,
		source_files TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS processing_tasks_project_idx ON processing_tasks (project_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS task_file_progress (
		id BIGSERIAL PRIMARY KEY,
		task_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		file_phase TEXT NOT NULL DEFAULT 'waiting',
		sheet_name TEXT,
		sheet_phase TEXT,
		ai_confidence REAL,
		mapping_count INTEGER,
		success_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		total_rows INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS task_file_progress_task_idx ON task_file_progress (task_id, id)`,
	`CREATE TABLE IF NOT EXISTS project_records (
		id BIGSERIAL PRIMARY KEY,
		project_id BIGINT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		source_file TEXT,
		source_sheet TEXT,
		row_number INTEGER,
		batch_number TEXT,
		status TEXT NOT NULL DEFAULT 'success',
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS project_records_batch_idx ON project_records (batch_number)`,
}

func (c *PostgresClient) ensureReady() error {
	if c == nil {
		return progress.ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range postgresSchema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				c.initErr = fmt.Errorf("prepare processing schema: %w", err)
				return
			}
		}
		c.db = db
	})
	return c.initErr
}

func (c *PostgresClient) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

const taskColumns = `id, project_id, status, total_files, processed_files, total_rows, processed_rows,
	success_count, error_count, batch_number, source_files, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRecord(row rowScanner) (progress.TaskRecord, error) {
	var (
		record      progress.TaskRecord
		batch       sql.NullString
		sourceFiles sql.NullString
		createdAt   time.Time
		updatedAt   sql.NullTime
	)
	err := row.Scan(
		&record.TaskID, &record.ProjectID, &record.Status,
		&record.TotalFiles, &record.ProcessedFiles, &record.TotalRows, &record.ProcessedRows,
		&record.SuccessCount, &record.ErrorCount,
		&batch, &sourceFiles, &createdAt, &updatedAt,
	)
	if err != nil {
		return progress.TaskRecord{}, err
	}
	if batch.Valid {
		v := batch.String
		record.BatchNumber = &v
	}
	if sourceFiles.Valid && sourceFiles.String != "" {
		// Unparseable lists are treated as absent.
		_ = json.Unmarshal([]byte(sourceFiles.String), &record.SourceFiles)
	}
	record.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	if updatedAt.Valid {
		v := updatedAt.Time.UTC().Format(time.RFC3339)
		record.UpdatedAt = &v
	}
	return record, nil
}

func (c *PostgresClient) getTask(ctx context.Context, taskID string) (progress.TaskRecord, error) {
	if err := c.ensureReady(); err != nil {
		return progress.TaskRecord{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	row := c.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM processing_tasks WHERE id = $1", taskID)
	record, err := scanTaskRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return progress.TaskRecord{}, fmt.Errorf("%w: task %s", progress.ErrNotFound, taskID)
	}
	return record, err
}

func (c *PostgresClient) GetStatus(ctx context.Context, taskID string) (progress.StatusSummary, error) {
	record, err := c.getTask(ctx, taskID)
	if err != nil {
		return progress.StatusSummary{}, err
	}
	return record.Summary(), nil
}

func (c *PostgresClient) ListTasks(ctx context.Context, projectID int64) ([]progress.TaskRecord, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := c.db.QueryContext(ctx, "SELECT "+taskColumns+" FROM processing_tasks WHERE project_id = $1 ORDER BY created_at DESC", projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]progress.TaskRecord, 0)
	for rows.Next() {
		record, err := scanTaskRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// progressRow is one task_file_progress row. SheetName is nil on the
// file-level row.
type progressRow struct {
	FileName     string
	FilePhase    string
	SheetName    *string
	SheetPhase   *string
	AIConfidence *float64
	MappingCount *int
	SuccessCount int
	ErrorCount   int
	TotalRows    int
	ErrorMessage *string
}

func (c *PostgresClient) GetFullProgress(ctx context.Context, taskID string) (progress.FullProgress, error) {
	if err := c.ensureReady(); err != nil {
		return progress.FullProgress{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := c.db.QueryContext(ctx, `
		SELECT file_name, file_phase, sheet_name, sheet_phase, ai_confidence, mapping_count,
			success_count, error_count, total_rows, error_message
		FROM task_file_progress
		WHERE task_id = $1
		ORDER BY id ASC`, taskID)
	if err != nil {
		return progress.FullProgress{}, err
	}
	defer rows.Close()

	var records []progressRow
	for rows.Next() {
		var (
			r            progressRow
			sheetName    sql.NullString
			sheetPhase   sql.NullString
			confidence   sql.NullFloat64
			mappingCount sql.NullInt64
			errorMessage sql.NullString
		)
		if err := rows.Scan(&r.FileName, &r.FilePhase, &sheetName, &sheetPhase, &confidence, &mappingCount,
			&r.SuccessCount, &r.ErrorCount, &r.TotalRows, &errorMessage); err != nil {
			return progress.FullProgress{}, err
		}
		if sheetName.Valid {
			r.SheetName = &sheetName.String
		}
		if sheetPhase.Valid {
			r.SheetPhase = &sheetPhase.String
		}
		if confidence.Valid {
			r.AIConfidence = &confidence.Float64
		}
		if mappingCount.Valid {
			n := int(mappingCount.Int64)
			r.MappingCount = &n
		}
		if errorMessage.Valid {
			r.ErrorMessage = &errorMessage.String
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return progress.FullProgress{}, err
	}
	return groupProgressRows(taskID, records), nil
}

// groupProgressRows folds rows into files in first-seen order. When a file
// has sheet rows its totals are the sum of its sheets, since the file row
// repeats the same counts. Sheets still mid-flight under a done file are
// reported done.
func groupProgressRows(taskID string, rows []progressRow) progress.FullProgress {
	out := progress.FullProgress{TaskID: taskID, Files: []progress.FileProgress{}}
	index := map[string]int{}
	for _, r := range rows {
		idx, ok := index[r.FileName]
		if !ok {
			idx = len(out.Files)
			index[r.FileName] = idx
			out.Files = append(out.Files, progress.FileProgress{
				FileName:  r.FileName,
				FilePhase: string(progress.FileWaiting),
				Sheets:    []progress.SheetProgress{},
			})
		}
		file := &out.Files[idx]
		if r.SheetName == nil {
			file.FilePhase = r.FilePhase
			file.TotalRows = r.TotalRows
			file.SuccessCount = r.SuccessCount
			file.ErrorCount = r.ErrorCount
			continue
		}
		phase := string(progress.SheetWaiting)
		if r.SheetPhase != nil {
			phase = *r.SheetPhase
		}
		file.Sheets = append(file.Sheets, progress.SheetProgress{
			SheetName:    *r.SheetName,
			SheetPhase:   phase,
			AIConfidence: r.AIConfidence,
			MappingCount: r.MappingCount,
			SuccessCount: r.SuccessCount,
			ErrorCount:   r.ErrorCount,
			TotalRows:    r.TotalRows,
			ErrorMessage: r.ErrorMessage,
		})
	}
	for i := range out.Files {
		file := &out.Files[i]
		if len(file.Sheets) > 0 {
			file.TotalRows, file.SuccessCount, file.ErrorCount = 0, 0, 0
			for _, sheet := range file.Sheets {
				file.TotalRows += sheet.TotalRows
				file.SuccessCount += sheet.SuccessCount
				file.ErrorCount += sheet.ErrorCount
			}
		}
		if file.FilePhase == string(progress.FileDone) {
			for j := range file.Sheets {
				switch file.Sheets[j].SheetPhase {
				case string(progress.SheetAIAnalyzing), string(progress.SheetImporting):
					file.Sheets[j].SheetPhase = string(progress.SheetDone)
				}
			}
		}
	}
	return out
}

// StartProcessing registers a pending task. The import engine picks it up
// and reports progress on the event stream.
func (c *PostgresClient) StartProcessing(ctx context.Context, projectID int64, filePaths []string) (progress.StartResponse, error) {
	if len(filePaths) == 0 {
		return progress.StartResponse{}, fmt.Errorf("%w: at least one file path is required", progress.ErrInvalidInput)
	}
	if err := c.ensureReady(); err != nil {
		return progress.StartResponse{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	sourceFiles := make([]string, len(filePaths))
	for i, p := range filePaths {
		sourceFiles[i] = baseName(p)
	}
	sourceJSON, err := json.Marshal(sourceFiles)
	if err != nil {
		return progress.StartResponse{}, err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return progress.StartResponse{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// Batch numbers are allocated per project and day.
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", batchLockKey(projectID)); err != nil {
		return progress.StartResponse{}, err
	}
	now := c.now().UTC()
	prefix := batchPrefix(now)
	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM processing_tasks WHERE project_id = $1 AND batch_number LIKE $2",
		projectID, prefix+"%").Scan(&count); err != nil {
		return progress.StartResponse{}, err
	}
	taskID := uuid.NewString()
	batch := batchNumber(now, count+1)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO processing_tasks (id, project_id, status, total_files, batch_number, source_files, created_at)
		VALUES ($1, $2, 'pending', $3, $4, $5, $6)`,
		taskID, projectID, len(filePaths), batch, string(sourceJSON), now); err != nil {
		return progress.StartResponse{}, err
	}
	if err := tx.Commit(); err != nil {
		return progress.StartResponse{}, err
	}
	committed = true
	c.logf("registered task %s for project %d as %s", taskID, projectID, batch)
	return progress.StartResponse{
		TaskID:      taskID,
		ProjectID:   projectID,
		Status:      "pending",
		BatchNumber: batch,
		SourceFiles: sourceFiles,
	}, nil
}

// baseName strips both slash styles since paths come from desktop clients.
func baseName(p string) string {
	p = strings.TrimRight(p, `/\`)
	if idx := strings.LastIndexAny(p, `/\`); idx >= 0 {
		return p[idx+1:]
	}
	return p
}

func batchPrefix(now time.Time) string {
	return "BATCH_" + now.Format("20060102")
}

func batchNumber(now time.Time, seq int) string {
	return fmt.Sprintf("%s_%03d", batchPrefix(now), seq)
}

func batchLockKey(projectID int64) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte("processing_tasks.batch_number"))
	_, _ = hasher.Write([]byte{0})
	_, _ = fmt.Fprintf(hasher, "%d", projectID)
	return int64(hasher.Sum64())
}

func (c *PostgresClient) Pause(ctx context.Context, taskID string) error {
	return c.setStatus(ctx, taskID, "paused")
}

func (c *PostgresClient) Resume(ctx context.Context, taskID string) error {
	return c.setStatus(ctx, taskID, "processing")
}

func (c *PostgresClient) Cancel(ctx context.Context, taskID string) error {
	return c.setStatus(ctx, taskID, "cancelled")
}

func (c *PostgresClient) setStatus(ctx context.Context, taskID, status string) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	res, err := c.db.ExecContext(ctx, "UPDATE processing_tasks SET status = $2, updated_at = $3 WHERE id = $1", taskID, status, c.now().UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: task %s", progress.ErrNotFound, taskID)
	}
	return nil
}

// Reset clears the task's progress rows and counters and returns it to
// pending. With deleteRecords the rows imported under its batch number are
// removed too.
func (c *PostgresClient) Reset(ctx context.Context, taskID string, deleteRecords bool) (progress.TaskRecord, error) {
	if err := c.ensureReady(); err != nil {
		return progress.TaskRecord{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return progress.TaskRecord{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var batch sql.NullString
	err = tx.QueryRowContext(ctx, "SELECT batch_number FROM processing_tasks WHERE id = $1 FOR UPDATE", taskID).Scan(&batch)
	if errors.Is(err, sql.ErrNoRows) {
		return progress.TaskRecord{}, fmt.Errorf("%w: task %s", progress.ErrNotFound, taskID)
	}
	if err != nil {
		return progress.TaskRecord{}, err
	}
	if deleteRecords && batch.Valid && batch.String != "" {
		res, err := tx.ExecContext(ctx, "DELETE FROM project_records WHERE batch_number = $1", batch.String)
		if err != nil {
			return progress.TaskRecord{}, fmt.Errorf("delete records of batch %s: %w", batch.String, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			c.logf("deleted %d records for batch %s", n, batch.String)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM task_file_progress WHERE task_id = $1", taskID); err != nil {
		return progress.TaskRecord{}, fmt.Errorf("delete progress of task %s: %w", taskID, err)
	}
	row := tx.QueryRowContext(ctx, `
		UPDATE processing_tasks
		SET status = 'pending', processed_files = 0, total_rows = 0, processed_rows = 0,
			success_count = 0, error_count = 0, updated_at = $2
		WHERE id = $1
		RETURNING `+taskColumns, taskID, c.now().UTC())
	record, err := scanTaskRecord(row)
	if err != nil {
		return progress.TaskRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return progress.TaskRecord{}, err
	}
	committed = true
	return record, nil
}

func (c *PostgresClient) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
