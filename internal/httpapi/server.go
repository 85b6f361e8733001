package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/redata/internal/eventstream"
	"github.com/agentworkforce/redata/internal/progress"
	"github.com/google/uuid"
)

const (
	scopeTasksRead   = "tasks:read"
	scopeTasksWrite  = "tasks:write"
	scopeChannelRead = "channel:read"
)

type ServerConfig struct {
	// JWTSecret enables bearer auth on every /v1 route except push ingress.
	// Empty leaves the API open.
	JWTSecret string
	// InternalHMACSecret enables signed push ingress.
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	Logger             progress.Logger
}

// Components are the collaborators the API projects and drives. Only Store
// is required; routes whose component is missing answer 503.
type Components struct {
	Store      *progress.Store
	Controller *progress.Controller
	Rehydrator *progress.Rehydrator
	Channel    *eventstream.Channel
}

type Server struct {
	store              *progress.Store
	controller         *progress.Controller
	rehydrator         *progress.Rehydrator
	channel            *eventstream.Channel
	cfg                ServerConfig
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(components Components) *Server {
	return NewServerWithConfig(components, ServerConfig{})
}

func NewServerWithConfig(components Components, cfg ServerConfig) *Server {
	if components.Store == nil {
		components.Store = progress.NewStore()
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:              components.Store,
		controller:         components.Controller,
		rehydrator:         components.Rehydrator,
		channel:            components.Channel,
		cfg:                cfg,
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/internal/progress-events" && r.Method == http.MethodPost {
		s.handleProgressEvents(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[1] == "channel" && parts[2] == "stats" && r.Method == http.MethodGet:
		requiredScope = scopeChannelRead
		route = "channel_stats"
	case len(parts) == 4 && parts[1] == "projects" && parts[3] == "tasks" && r.Method == http.MethodGet:
		requiredScope = scopeTasksRead
		route = "list_tasks"
	case len(parts) == 4 && parts[1] == "projects" && parts[3] == "tasks" && r.Method == http.MethodPost:
		requiredScope = scopeTasksWrite
		route = "start_task"
	case len(parts) == 5 && parts[1] == "projects" && parts[3] == "tasks" && parts[4] == "reload" && r.Method == http.MethodPost:
		requiredScope = scopeTasksWrite
		route = "reload_tasks"
	case len(parts) == 3 && parts[1] == "tasks" && r.Method == http.MethodGet:
		requiredScope = scopeTasksRead
		route = "task"
	case len(parts) == 3 && parts[1] == "tasks" && r.Method == http.MethodDelete:
		requiredScope = scopeTasksWrite
		route = "remove_task"
	case len(parts) == 4 && parts[1] == "tasks" && parts[3] == "transcript" && r.Method == http.MethodGet:
		requiredScope = scopeTasksRead
		route = "transcript"
	case len(parts) == 4 && parts[1] == "tasks" && r.Method == http.MethodPost:
		switch parts[3] {
		case "pause", "resume", "cancel", "reset", "select":
			requiredScope = scopeTasksWrite
			route = parts[3]
		}
	}
	if route == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims := tokenClaims{}
	if s.cfg.JWTSecret != "" {
		var authErr *authError
		claims, authErr = authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
	}
	if s.rateLimiter != nil && requiredScope == scopeTasksWrite {
		key := claims.Subject
		if key == "" {
			key = remoteHost(r)
		}
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch parts[1] {
	case "projects":
		projectID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid project id", correlationID)
			return
		}
		if !claims.allowsProject(projectID) {
			writeError(w, http.StatusForbidden, "forbidden", "project mismatch", correlationID)
			return
		}
		switch route {
		case "list_tasks":
			s.handleListTasks(w, r, projectID, correlationID)
		case "start_task":
			s.handleStartTask(w, r, projectID, correlationID)
		case "reload_tasks":
			s.handleReloadTasks(w, r, projectID, correlationID)
		}
		return
	case "tasks":
		taskID := parts[2]
		if t, ok := s.store.Task(taskID); ok && !claims.allowsProject(t.ProjectID) {
			writeError(w, http.StatusForbidden, "forbidden", "project mismatch", correlationID)
			return
		}
		switch route {
		case "task":
			s.handleTask(w, r, taskID, correlationID)
		case "remove_task":
			s.handleRemoveTask(w, r, taskID, correlationID)
		case "transcript":
			s.handleTranscript(w, r, taskID, correlationID)
		case "pause", "resume", "cancel":
			s.handleCommand(w, r, taskID, route, correlationID)
		case "reset":
			s.handleReset(w, r, taskID, correlationID)
		case "select":
			s.handleSelect(w, r, taskID, correlationID)
		}
		return
	default:
		s.handleChannelStats(w, r, correlationID)
	}
}

type taskListResponse struct {
	ProjectID      int64           `json:"projectId"`
	Bucket         string          `json:"bucket"`
	Tasks          []progress.Task `json:"tasks"`
	SelectedTaskID string          `json:"selectedTaskId,omitempty"`
	HasActiveTasks bool            `json:"hasActiveTasks"`
	Error          string          `json:"error,omitempty"`
}

func (s *Server) listTasks(projectID int64, bucket string) (taskListResponse, bool) {
	var tasks []progress.Task
	switch bucket {
	case "", "all":
		bucket = "all"
		tasks = s.store.Tasks()
	case "active":
		tasks = s.store.ActiveTasks()
	case "completed":
		tasks = s.store.CompletedTasks()
	case "pending":
		tasks = s.store.PendingTasks()
	default:
		return taskListResponse{}, false
	}
	filtered := make([]progress.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ProjectID == projectID {
			filtered = append(filtered, t)
		}
	}
	resp := taskListResponse{
		ProjectID:      projectID,
		Bucket:         bucket,
		Tasks:          filtered,
		HasActiveTasks: s.store.HasActiveTasks(),
		Error:          s.store.Err(),
	}
	if selected, ok := s.store.SelectedTask(); ok && selected.ProjectID == projectID {
		resp.SelectedTaskID = selected.ID
	}
	return resp, true
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, projectID int64, correlationID string) {
	bucket := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("bucket")))
	resp, ok := s.listTasks(projectID, bucket)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid bucket: "+bucket, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReloadTasks(w http.ResponseWriter, r *http.Request, projectID int64, correlationID string) {
	if s.rehydrator == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "snapshot source not configured", correlationID)
		return
	}
	if err := s.rehydrator.LoadProject(r.Context(), projectID); err != nil {
		s.writeBackendError(w, err, correlationID)
		return
	}
	resp, _ := s.listTasks(projectID, "all")
	writeJSON(w, http.StatusOK, resp)
}

type startTaskRequest struct {
	FilePaths []string `json:"filePaths"`
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request, projectID int64, correlationID string) {
	if s.controller == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "task commands not configured", correlationID)
		return
	}
	var req startTaskRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	task, err := s.controller.StartProcessing(r.Context(), projectID, req.FilePaths)
	if err != nil {
		s.writeBackendError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

type taskDetailResponse struct {
	Task     progress.Task      `json:"task"`
	Location *progress.Location `json:"location,omitempty"`
	Selected bool               `json:"selected"`
}

func (s *Server) handleTask(w http.ResponseWriter, _ *http.Request, taskID, correlationID string) {
	t, ok := s.store.Task(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found", correlationID)
		return
	}
	resp := taskDetailResponse{Task: t, Selected: s.store.SelectedTaskID() == taskID}
	if loc, ok := s.store.Location(taskID); ok {
		resp.Location = &loc
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRemoveTask(w http.ResponseWriter, _ *http.Request, taskID, correlationID string) {
	if !s.store.RemoveTask(taskID) {
		writeError(w, http.StatusNotFound, "not_found", "task not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"taskId": taskID, "removed": true})
}

type transcriptResponse struct {
	TaskID  string                     `json:"taskId"`
	Entries []progress.TranscriptEntry `json:"entries"`
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request, taskID, correlationID string) {
	if _, ok := s.store.Task(taskID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found", correlationID)
		return
	}
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), 0, 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	entries := s.store.Transcript(taskID)
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	writeJSON(w, http.StatusOK, transcriptResponse{TaskID: taskID, Entries: entries})
}

type commandResponse struct {
	TaskID string               `json:"taskId"`
	Task   *progress.Task       `json:"task,omitempty"`
	Record *progress.TaskRecord `json:"record,omitempty"`
}

func (s *Server) commandResult(taskID string) commandResponse {
	resp := commandResponse{TaskID: taskID}
	if t, ok := s.store.Task(taskID); ok {
		resp.Task = &t
	}
	return resp
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, taskID, verb, correlationID string) {
	if s.controller == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "task commands not configured", correlationID)
		return
	}
	var err error
	switch verb {
	case "pause":
		err = s.controller.Pause(r.Context(), taskID)
	case "resume":
		err = s.controller.Resume(r.Context(), taskID)
	default:
		err = s.controller.Cancel(r.Context(), taskID)
	}
	if err != nil {
		s.writeBackendError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.commandResult(taskID))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, taskID, correlationID string) {
	if s.controller == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "task commands not configured", correlationID)
		return
	}
	deleteRecords, err := parseOptionalBool(r.URL.Query().Get("deleteRecords"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid deleteRecords", correlationID)
		return
	}
	record, err := s.controller.Reset(r.Context(), taskID, deleteRecords)
	if err != nil {
		s.writeBackendError(w, err, correlationID)
		return
	}
	resp := s.commandResult(taskID)
	resp.Record = &record
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSelect(w http.ResponseWriter, _ *http.Request, taskID, correlationID string) {
	if err := s.store.SelectTask(taskID); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "task not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.commandResult(taskID))
}

func (s *Server) handleChannelStats(w http.ResponseWriter, _ *http.Request, correlationID string) {
	if s.channel == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event channel not configured", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.channel.Stats())
}

type pushResult struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Dropped  int `json:"dropped"`
}

func (s *Server) handleProgressEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if s.cfg.InternalHMACSecret != "" {
		now := time.Now().UTC()
		timestamp := r.Header.Get("X-Redata-Timestamp")
		signature := r.Header.Get("X-Redata-Signature")
		if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, now, s.cfg.InternalMaxSkew); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if !s.markInternalReplaySeen(timestamp, signature, now) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
			return
		}
	}
	if s.channel == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event channel not configured", correlationID)
		return
	}
	frames, err := splitFrames(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}

	var result pushResult
	var lastInvalid error
	for _, frame := range frames {
		err := s.channel.Ingest(r.Context(), frame)
		switch {
		case err == nil:
			result.Accepted++
		case errors.Is(err, eventstream.ErrInvalidFrame):
			result.Rejected++
			lastInvalid = err
		case errors.Is(err, eventstream.ErrQueueFull):
			result.Dropped++
		case errors.Is(err, eventstream.ErrChannelClosed):
			writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
			return
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
			return
		}
	}
	switch {
	case result.Accepted == 0 && result.Dropped > 0:
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", eventstream.ErrQueueFull.Error(), correlationID)
	case len(frames) == 1 && lastInvalid != nil:
		writeError(w, http.StatusBadRequest, "invalid_frame", lastInvalid.Error(), correlationID)
	default:
		writeJSON(w, http.StatusAccepted, result)
	}
}

// splitFrames accepts one frame object or an array of them.
func splitFrames(body []byte) ([][]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}
	if trimmed[0] == '{' {
		return [][]byte{trimmed}, nil
	}
	if trimmed[0] != '[' {
		return nil, errors.New("invalid json body")
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, errors.New("invalid json body")
	}
	if len(raw) == 0 {
		return nil, errors.New("no frames in body")
	}
	frames := make([][]byte, len(raw))
	for i, item := range raw {
		frames[i] = item
	}
	return frames, nil
}

func (s *Server) writeBackendError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, progress.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, progress.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, progress.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	default:
		s.logf("backend call failed (%s): %v", correlationID, err)
		writeError(w, http.StatusBadGateway, "backend_error", err.Error(), correlationID)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "redata_" + uuid.NewString()
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("out of range")
	}
	return parsed, nil
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, err
	}
	return parsed, nil
}
