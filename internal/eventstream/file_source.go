package eventstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentworkforce/redata/internal/progress"
	"github.com/fsnotify/fsnotify"
)

type FileSourceOptions struct {
	Path string
	// OffsetFile records how far Path has been consumed. Empty means the
	// log is read from the start on every run.
	OffsetFile   string
	PollInterval time.Duration
	Logger       progress.Logger
}

// FileSource follows an append-only JSON Lines progress log. Only complete
// lines are consumed; a partial trailing line waits for its newline.
type FileSource struct {
	path         string
	offsetFile   string
	pollInterval time.Duration
	logger       progress.Logger
	offset       int64
}

type fileSourceOffset struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
}

func NewFileSource(opts FileSourceOptions) (*FileSource, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("%w: event log path is required", progress.ErrInvalidInput)
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	s := &FileSource{
		path:         path,
		offsetFile:   strings.TrimSpace(opts.OffsetFile),
		pollInterval: pollInterval,
		logger:       opts.Logger,
	}
	if err := s.loadOffset(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSource) Name() string {
	return "file"
}

func (s *FileSource) Offset() int64 {
	return s.offset
}

func (s *FileSource) Run(ctx context.Context, ingest IngestFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}

	if err := s.drain(ctx, ingest); err != nil {
		s.logf("read event log %s failed: %v", s.path, err)
	}
	// Polling covers filesystems that do not deliver notifications.
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logf("event log watcher error: %v", err)
			continue
		case <-ticker.C:
		}
		if err := s.drain(ctx, ingest); err != nil {
			s.logf("read event log %s failed: %v", s.path, err)
		}
	}
}

// drain ingests every complete line after the current offset.
func (s *FileSource) drain(ctx context.Context, ingest IngestFunc) error {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < s.offset {
		s.logf("event log %s truncated, restarting at offset 0", s.path)
		s.offset = 0
	}
	if info.Size() == s.offset {
		return nil
	}
	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		return err
	}

	start := s.offset
	reader := bufio.NewReader(f)
	for ctx.Err() == nil {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		size := int64(len(line))
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			if err := ingest(ctx, line); err != nil {
				if errors.Is(err, ErrChannelClosed) {
					// The rejected line is read again on the next start.
					if s.offset != start {
						if saveErr := s.saveOffset(); saveErr != nil {
							s.logf("save event log offset failed: %v", saveErr)
						}
					}
					return err
				}
				s.logf("event log line rejected: %v", err)
			}
		}
		s.offset += size
	}
	if s.offset != start {
		return s.saveOffset()
	}
	return nil
}

func (s *FileSource) loadOffset() error {
	if s.offsetFile == "" {
		return nil
	}
	data, err := os.ReadFile(s.offsetFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var saved fileSourceOffset
	if err := json.Unmarshal(data, &saved); err != nil {
		return err
	}
	// An offset recorded for another log does not apply.
	if saved.Path == s.path && saved.Offset > 0 {
		s.offset = saved.Offset
	}
	return nil
}

func (s *FileSource) saveOffset() error {
	if s.offsetFile == "" {
		return nil
	}
	data, err := json.Marshal(fileSourceOffset{Path: s.path, Offset: s.offset})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.offsetFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.offsetFile, data, 0o644)
}

func (s *FileSource) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
