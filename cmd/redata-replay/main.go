// Command redata-replay feeds a captured JSON Lines progress log through a
// fresh store and prints the resulting task aggregates.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/agentworkforce/redata/internal/eventstream"
	"github.com/agentworkforce/redata/internal/progress"
)

const maxFrameBytes = 1 << 20

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		log.Fatalf("replay failed: %v", err)
	}
}

type replayOptions struct {
	projectID   int64
	seedStatus  string
	seedFile    string
	transcripts bool
	strict      bool
	input       string
}

type replayReport struct {
	ProjectID   int64                                 `json:"projectId"`
	Frames      int                                   `json:"frames"`
	Invalid     int                                   `json:"invalid"`
	Tasks       []progress.Task                       `json:"tasks"`
	Transcripts map[string][]progress.TranscriptEntry `json:"transcripts,omitempty"`
	Locations   map[string]progress.Location          `json:"locations,omitempty"`
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("redata-replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := replayOptions{}
	fs.Int64Var(&opts.projectID, "project", 1, "project the replayed tasks belong to")
	fs.StringVar(&opts.seedStatus, "status", "processing", "status given to tasks seeded from the log")
	fs.StringVar(&opts.seedFile, "seed", "", "task list JSON ({\"tasks\":[...]}) used instead of seeding from the log")
	fs.BoolVar(&opts.transcripts, "transcripts", false, "include per-task transcripts")
	fs.BoolVar(&opts.strict, "strict", false, "fail on the first invalid frame")
	if err := fs.Parse(args); err != nil {
		return err
	}
	switch fs.NArg() {
	case 0:
	case 1:
		opts.input = fs.Arg(0)
	default:
		return errors.New("at most one input file may be given")
	}

	in := stdin
	if opts.input != "" && opts.input != "-" {
		f, err := os.Open(opts.input)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	logger := log.New(stderr, "", 0)
	report, err := replay(context.Background(), in, opts, logger)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func replay(ctx context.Context, in io.Reader, opts replayOptions, logger progress.Logger) (replayReport, error) {
	validator, err := eventstream.NewValidator()
	if err != nil {
		return replayReport{}, err
	}

	report := replayReport{ProjectID: opts.projectID}
	var events []progress.Event
	var seen []string
	seenSet := map[string]struct{}{}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		report.Frames++
		ev, err := validator.Decode([]byte(raw))
		if err != nil {
			if opts.strict {
				return replayReport{}, fmt.Errorf("line %d: %w", line, err)
			}
			report.Invalid++
			logger.Printf("skip line %d: %v", line, err)
			continue
		}
		events = append(events, ev)
		if _, ok := seenSet[ev.Task()]; !ok {
			seenSet[ev.Task()] = struct{}{}
			seen = append(seen, ev.Task())
		}
	}
	if err := scanner.Err(); err != nil {
		return replayReport{}, err
	}

	var records []progress.TaskRecord
	if opts.seedFile != "" {
		records, err = readSeedFile(opts.seedFile)
		if err != nil {
			return replayReport{}, err
		}
	} else {
		records = seedRecords(opts.projectID, opts.seedStatus, seen)
	}

	store := progress.NewStoreWithOptions(progress.StoreOptions{Logger: logger})
	defer store.Close()
	rehydrator := progress.NewRehydrator(store, seedFetcher{records: records}, progress.RehydratorOptions{Logger: logger})
	if err := rehydrator.LoadProject(ctx, opts.projectID); err != nil {
		return replayReport{}, err
	}
	for _, ev := range events {
		store.Apply(ev)
	}

	report.Tasks = store.Tasks()
	report.Locations = map[string]progress.Location{}
	for _, task := range report.Tasks {
		if loc, ok := store.Location(task.ID); ok {
			report.Locations[task.ID] = loc
		}
	}
	if opts.transcripts {
		report.Transcripts = map[string][]progress.TranscriptEntry{}
		for _, task := range report.Tasks {
			if entries := store.Transcript(task.ID); len(entries) > 0 {
				report.Transcripts[task.ID] = entries
			}
		}
	}
	return report, nil
}

// seedRecords makes one record per task named in the log.
func seedRecords(projectID int64, status string, taskIDs []string) []progress.TaskRecord {
	status = strings.TrimSpace(status)
	if status == "" {
		status = "processing"
	}
	records := make([]progress.TaskRecord, 0, len(taskIDs))
	for _, id := range taskIDs {
		records = append(records, progress.TaskRecord{
			TaskID:    id,
			ProjectID: projectID,
			Status:    status,
		})
	}
	return records
}

func readSeedFile(path string) ([]progress.TaskRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tasks []progress.TaskRecord `json:"tasks"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return payload.Tasks, nil
}

// seedFetcher serves fixed records to the rehydrator. Nested progress is
// built only from the replayed events.
type seedFetcher struct {
	records []progress.TaskRecord
}

func (f seedFetcher) ListTasks(_ context.Context, _ int64) ([]progress.TaskRecord, error) {
	return append([]progress.TaskRecord(nil), f.records...), nil
}

func (f seedFetcher) GetFullProgress(_ context.Context, taskID string) (progress.FullProgress, error) {
	return progress.FullProgress{TaskID: taskID}, nil
}
