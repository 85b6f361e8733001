package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/redata/internal/eventstream"
	"github.com/agentworkforce/redata/internal/progress"
)

type stubBackend struct {
	mu        sync.Mutex
	nextID    int
	records   []progress.TaskRecord
	snapshots map[string]progress.FullProgress
	cmdErr    error
	resets    []string
}

func (b *stubBackend) GetStatus(context.Context, string) (progress.StatusSummary, error) {
	return progress.StatusSummary{}, nil
}

func (b *stubBackend) ListTasks(context.Context, int64) ([]progress.TaskRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]progress.TaskRecord(nil), b.records...), nil
}

func (b *stubBackend) GetFullProgress(_ context.Context, taskID string) (progress.FullProgress, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshots[taskID], nil
}

func (b *stubBackend) StartProcessing(_ context.Context, projectID int64, filePaths []string) (progress.StartResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return progress.StartResponse{
		TaskID:      fmt.Sprintf("task_%d", b.nextID),
		ProjectID:   projectID,
		Status:      "pending",
		BatchNumber: fmt.Sprintf("BATCH_20240501_%03d", b.nextID),
	}, nil
}

func (b *stubBackend) Pause(context.Context, string) error  { return b.cmdErr }
func (b *stubBackend) Resume(context.Context, string) error { return b.cmdErr }
func (b *stubBackend) Cancel(context.Context, string) error { return b.cmdErr }

func (b *stubBackend) Reset(_ context.Context, taskID string, deleteRecords bool) (progress.TaskRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmdErr != nil {
		return progress.TaskRecord{}, b.cmdErr
	}
	b.resets = append(b.resets, fmt.Sprintf("%s:%t", taskID, deleteRecords))
	return progress.TaskRecord{TaskID: taskID, Status: "pending"}, nil
}

type testEnv struct {
	store   *progress.Store
	backend *stubBackend
	channel *eventstream.Channel
	server  *Server
}

func newTestEnv(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	store := progress.NewStore()
	backend := &stubBackend{snapshots: map[string]progress.FullProgress{}}
	channel, err := eventstream.NewChannel(store, eventstream.ChannelOptions{})
	if err != nil {
		t.Fatalf("new channel failed: %v", err)
	}
	channel.Start(context.Background())
	t.Cleanup(func() { _ = channel.Close() })
	server := NewServerWithConfig(Components{
		Store:      store,
		Controller: progress.NewController(store, backend, nil),
		Rehydrator: progress.NewRehydrator(store, backend, progress.RehydratorOptions{}),
		Channel:    channel,
	}, cfg)
	return &testEnv{store: store, backend: backend, channel: channel, server: server}
}

func (e *testEnv) startTask(t *testing.T, projectID int64, paths ...string) progress.Task {
	t.Helper()
	resp := doRequest(t, e.server, request{
		method: http.MethodPost,
		path:   fmt.Sprintf("/v1/projects/%d/tasks", projectID),
		body:   map[string]any{"filePaths": paths},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 on start, got %d (%s)", resp.Code, resp.Body.String())
	}
	var task progress.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	return task
}

func TestHealth(t *testing.T) {
	server := NewServer(Components{})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected generated correlation id header")
	}
}

func TestStartListAndBuckets(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	first := env.startTask(t, 7, "/in/a.xlsx", `C:\in\b.xlsx`)
	if first.Phase != progress.TaskProcessing || len(first.Files) != 2 || first.Files[1].Name != "b.xlsx" {
		t.Fatalf("unexpected started task %+v", first)
	}
	second := env.startTask(t, 7, "/in/c.xlsx")
	env.startTask(t, 8, "/in/other.xlsx")

	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/projects/7/tasks"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on list, got %d (%s)", resp.Code, resp.Body.String())
	}
	var list taskListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Bucket != "all" || len(list.Tasks) != 2 || list.Tasks[0].ID != second.ID {
		t.Fatalf("expected project 7 tasks newest first, got %+v", list)
	}
	if !list.HasActiveTasks {
		t.Fatalf("expected active tasks")
	}

	cancel := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/tasks/" + first.ID + "/cancel"})
	if cancel.Code != http.StatusOK {
		t.Fatalf("expected 200 on cancel, got %d (%s)", cancel.Code, cancel.Body.String())
	}

	cases := map[string]int{"active": 1, "completed": 1, "pending": 0}
	for bucket, want := range cases {
		resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/projects/7/tasks?bucket=" + bucket})
		var got taskListResponse
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode %s bucket: %v", bucket, err)
		}
		if len(got.Tasks) != want {
			t.Fatalf("bucket %s: expected %d tasks, got %d", bucket, want, len(got.Tasks))
		}
	}

	bad := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/projects/7/tasks?bucket=weird"})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown bucket, got %d", bad.Code)
	}
	badProject := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/projects/abc/tasks"})
	if badProject.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid project id, got %d", badProject.Code)
	}
}

func TestStartRejectsEmptyPaths(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   "/v1/projects/1/tasks",
		body:   map[string]any{"filePaths": []string{" "}},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty paths, got %d (%s)", resp.Code, resp.Body.String())
	}
	raw := doRawRequest(t, env.server, rawRequest{method: http.MethodPost, path: "/v1/projects/1/tasks", body: []byte("{")})
	if raw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", raw.Code)
	}
}

func TestCommandsAndReset(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	task := env.startTask(t, 1, "/in/a.xlsx")

	pause := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/tasks/" + task.ID + "/pause"})
	var cmd commandResponse
	if err := json.NewDecoder(pause.Body).Decode(&cmd); err != nil {
		t.Fatalf("decode pause: %v", err)
	}
	if cmd.Task == nil || cmd.Task.Phase != progress.TaskPaused {
		t.Fatalf("expected paused task, got %+v", cmd)
	}
	resume := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/tasks/" + task.ID + "/resume"})
	if resume.Code != http.StatusOK {
		t.Fatalf("expected 200 on resume, got %d", resume.Code)
	}

	reset := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/tasks/" + task.ID + "/reset?deleteRecords=true"})
	if reset.Code != http.StatusOK {
		t.Fatalf("expected 200 on reset, got %d (%s)", reset.Code, reset.Body.String())
	}
	cmd = commandResponse{}
	if err := json.NewDecoder(reset.Body).Decode(&cmd); err != nil {
		t.Fatalf("decode reset: %v", err)
	}
	if cmd.Record == nil || cmd.Record.Status != "pending" || cmd.Task == nil || cmd.Task.Phase != progress.TaskStarting {
		t.Fatalf("unexpected reset response %+v", cmd)
	}
	if len(env.backend.resets) != 1 || env.backend.resets[0] != task.ID+":true" {
		t.Fatalf("expected deleteRecords forwarded, got %v", env.backend.resets)
	}

	badFlag := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/tasks/" + task.ID + "/reset?deleteRecords=maybe"})
	if badFlag.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid deleteRecords, got %d", badFlag.Code)
	}
}

func TestCommandFailureMapsStatus(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	task := env.startTask(t, 1, "/in/a.xlsx")

	env.backend.cmdErr = fmt.Errorf("%w: task gone", progress.ErrNotFound)
	notFound := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/tasks/" + task.ID + "/pause"})
	if notFound.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from backend not found, got %d", notFound.Code)
	}

	env.backend.cmdErr = errors.New("connection refused")
	failed := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/tasks/" + task.ID + "/cancel",
		headers: map[string]string{"X-Correlation-Id": "corr_fail"},
	})
	if failed.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 from backend failure, got %d", failed.Code)
	}
	var payload map[string]any
	if err := json.NewDecoder(failed.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload["code"] != "backend_error" || payload["correlationId"] != "corr_fail" {
		t.Fatalf("unexpected error payload %+v", payload)
	}

	got, _ := env.store.Task(task.ID)
	if got.Phase != progress.TaskProcessing {
		t.Fatalf("expected phase unchanged after failures, got %s", got.Phase)
	}
	list := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/projects/1/tasks"})
	var resp taskListResponse
	if err := json.NewDecoder(list.Body).Decode(&resp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if resp.Error == "" {
		t.Fatalf("expected error slot surfaced in list")
	}
}

func TestTaskDetailSelectAndRemove(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	first := env.startTask(t, 1, "/in/a.xlsx")
	second := env.startTask(t, 1, "/in/b.xlsx")

	detail := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/tasks/" + first.ID})
	var resp taskDetailResponse
	if err := json.NewDecoder(detail.Body).Decode(&resp); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if resp.Task.ID != first.ID || resp.Selected {
		t.Fatalf("expected unselected first task, got %+v", resp)
	}

	sel := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/tasks/" + first.ID + "/select"})
	if sel.Code != http.StatusOK || env.store.SelectedTaskID() != first.ID {
		t.Fatalf("expected first task selected, got %d / %s", sel.Code, env.store.SelectedTaskID())
	}
	missingSel := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/tasks/nope/select"})
	if missingSel.Code != http.StatusNotFound {
		t.Fatalf("expected 404 selecting unknown task, got %d", missingSel.Code)
	}

	del := doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/tasks/" + second.ID})
	if del.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", del.Code)
	}
	if _, ok := env.store.Task(second.ID); ok {
		t.Fatalf("expected task removed")
	}
	again := doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/tasks/" + second.ID})
	if again.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", again.Code)
	}
	missing := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/tasks/" + second.ID})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on removed task, got %d", missing.Code)
	}
}

func TestReloadRehydratesProject(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	env.backend.records = []progress.TaskRecord{
		{TaskID: "r2", ProjectID: 5, Status: "processing", SourceFiles: []string{"a.xlsx"}, CreatedAt: "2024-05-01T10:00:00Z"},
		{TaskID: "r1", ProjectID: 5, Status: "completed", SourceFiles: []string{"b.xlsx"}, CreatedAt: "2024-04-30T10:00:00Z"},
	}
	env.backend.snapshots["r2"] = progress.FullProgress{TaskID: "r2", Files: []progress.FileProgress{
		{FileName: "a.xlsx", FilePhase: "processing", Sheets: []progress.SheetProgress{{SheetName: "S1", SheetPhase: "importing"}}},
	}}

	resp := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/projects/5/tasks/reload"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on reload, got %d (%s)", resp.Code, resp.Body.String())
	}
	var list taskListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode reload: %v", err)
	}
	if len(list.Tasks) != 2 || list.Tasks[0].ID != "r2" {
		t.Fatalf("unexpected reloaded tasks %+v", list.Tasks)
	}
	if len(list.Tasks[0].Files[0].Sheets) != 1 || list.Tasks[1].Files[0].Phase != progress.FileDone {
		t.Fatalf("expected snapshot and placeholder files, got %+v", list.Tasks)
	}
}

func TestPushIngressAppliesEvents(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	task := env.startTask(t, 1, "/in/a.xlsx")

	frames := fmt.Sprintf(`[
		{"event":"file_start","task_id":%q,"current_file":"a.xlsx"},
		{"event":"ai_request","task_id":%q,"current_sheet":"S1","message":"map these columns"},
		{"event":"file_start","task_id":%q},
		{"event":"row_processed","task_id":%q,"processed_rows":3,"success_count":3,"error_count":0}
	]`, task.ID, task.ID, task.ID, task.ID)
	resp := doRawRequest(t, env.server, rawRequest{method: http.MethodPost, path: "/v1/internal/progress-events", body: []byte(frames)})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on push, got %d (%s)", resp.Code, resp.Body.String())
	}
	var result pushResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode push result: %v", err)
	}
	if result.Accepted != 3 || result.Rejected != 1 {
		t.Fatalf("unexpected push result %+v", result)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.channel.Stats().Delivered < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("pushed events not delivered: %+v", env.channel.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := env.store.Task(task.ID)
	if got.SuccessCount != 3 || got.Files[0].Phase != progress.FileProcessing {
		t.Fatalf("expected pushed events applied, got %+v", got)
	}

	transcript := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/tasks/" + task.ID + "/transcript?limit=5"})
	var tr transcriptResponse
	if err := json.NewDecoder(transcript.Body).Decode(&tr); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if len(tr.Entries) != 1 || tr.Entries[0].Message != "map these columns" {
		t.Fatalf("unexpected transcript %+v", tr)
	}
	badLimit := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/tasks/" + task.ID + "/transcript?limit=0"})
	if badLimit.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for limit=0, got %d", badLimit.Code)
	}

	single := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/internal/progress-events",
		body:   []byte(`{"event":"sheet_start","task_id":"x"}`),
	})
	if single.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid single frame, got %d", single.Code)
	}
	empty := doRawRequest(t, env.server, rawRequest{method: http.MethodPost, path: "/v1/internal/progress-events", body: []byte(`[]`)})
	if empty.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty array, got %d", empty.Code)
	}

	stats := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/channel/stats"})
	var s eventstream.Stats
	if err := json.NewDecoder(stats.Body).Decode(&s); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if s.Accepted != 3 || s.Invalid != 2 {
		t.Fatalf("unexpected channel stats %+v", s)
	}
}

func TestPushIngressHMAC(t *testing.T) {
	env := newTestEnv(t, ServerConfig{InternalHMACSecret: "push-secret"})
	body := []byte(`{"event":"completed","task_id":"t1"}`)
	ts := time.Now().UTC().Format(time.RFC3339)
	sig := mustHMAC("push-secret", ts+"\n"+string(body))

	okResp := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/internal/progress-events",
		headers: map[string]string{
			"X-Redata-Timestamp": ts,
			"X-Redata-Signature": sig,
		},
		body: body,
	})
	if okResp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for signed push, got %d (%s)", okResp.Code, okResp.Body.String())
	}

	replay := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/internal/progress-events",
		headers: map[string]string{
			"X-Redata-Timestamp": ts,
			"X-Redata-Signature": sig,
		},
		body: body,
	})
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for replayed push, got %d", replay.Code)
	}

	bad := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/internal/progress-events",
		headers: map[string]string{
			"X-Redata-Timestamp": ts,
			"X-Redata-Signature": "bad_signature",
		},
		body: body,
	})
	if bad.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid signature, got %d", bad.Code)
	}

	staleTs := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339)
	stale := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/internal/progress-events",
		headers: map[string]string{
			"X-Redata-Timestamp": staleTs,
			"X-Redata-Signature": mustHMAC("push-secret", staleTs+"\n"+string(body)),
		},
		body: body,
	})
	if stale.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for stale timestamp, got %d", stale.Code)
	}

	unsigned := doRawRequest(t, env.server, rawRequest{method: http.MethodPost, path: "/v1/internal/progress-events", body: body})
	if unsigned.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned push, got %d", unsigned.Code)
	}
}

func TestPushIngressQueueFull(t *testing.T) {
	store := progress.NewStore()
	channel, err := eventstream.NewChannel(store, eventstream.ChannelOptions{Queue: eventstream.NewInMemoryQueue(1)})
	if err != nil {
		t.Fatalf("new channel failed: %v", err)
	}
	defer channel.Close()
	server := NewServer(Components{Store: store, Channel: channel})

	first := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/v1/internal/progress-events", body: []byte(`{"event":"completed","task_id":"t1"}`)})
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for first frame, got %d", first.Code)
	}
	second := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/v1/internal/progress-events", body: []byte(`{"event":"completed","task_id":"t2"}`)})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 when queue is full, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header, got %q", second.Header().Get("Retry-After"))
	}
}

func TestMissingComponentsAnswerUnavailable(t *testing.T) {
	server := NewServer(Components{})
	cases := []request{
		{method: http.MethodPost, path: "/v1/projects/1/tasks", body: map[string]any{"filePaths": []string{"a.xlsx"}}},
		{method: http.MethodPost, path: "/v1/projects/1/tasks/reload"},
		{method: http.MethodPost, path: "/v1/tasks/t1/pause"},
		{method: http.MethodGet, path: "/v1/channel/stats"},
		{method: http.MethodPost, path: "/v1/internal/progress-events", body: map[string]any{"event": "completed", "task_id": "t1"}},
	}
	for _, tc := range cases {
		resp := doRequest(t, server, tc)
		if resp.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s %s: expected 503, got %d", tc.method, tc.path, resp.Code)
		}
	}
	unknown := doRequest(t, server, request{method: http.MethodGet, path: "/v1/nothing/here"})
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown route, got %d", unknown.Code)
	}
}

func TestBearerAuthEnforcesScopesAndProject(t *testing.T) {
	env := newTestEnv(t, ServerConfig{JWTSecret: "jwt-secret"})
	writer := mustTestJWT(t, "jwt-secret", "desktop", nil, []string{scopeTasksRead, scopeTasksWrite}, time.Now().Add(time.Hour))
	reader := mustTestJWT(t, "jwt-secret", "viewer", nil, []string{scopeTasksRead}, time.Now().Add(time.Hour))
	project := int64(2)
	scoped := mustTestJWT(t, "jwt-secret", "scoped", &project, []string{scopeTasksRead}, time.Now().Add(time.Hour))
	expired := mustTestJWT(t, "jwt-secret", "late", nil, []string{scopeTasksRead}, time.Now().Add(-time.Minute))

	missing := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/projects/1/tasks"})
	if missing.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", missing.Code)
	}
	lapsed := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/projects/1/tasks", headers: map[string]string{"Authorization": "Bearer " + expired}})
	if lapsed.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", lapsed.Code)
	}

	start := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/projects/1/tasks",
		headers: map[string]string{"Authorization": "Bearer " + writer},
		body:    map[string]any{"filePaths": []string{"/in/a.xlsx"}},
	})
	if start.Code != http.StatusCreated {
		t.Fatalf("expected 201 for writer, got %d (%s)", start.Code, start.Body.String())
	}
	var task progress.Task
	if err := json.NewDecoder(start.Body).Decode(&task); err != nil {
		t.Fatalf("decode start: %v", err)
	}

	denied := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/tasks/" + task.ID + "/pause", headers: map[string]string{"Authorization": "Bearer " + reader}})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for read-only token, got %d", denied.Code)
	}
	stats := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/channel/stats", headers: map[string]string{"Authorization": "Bearer " + reader}})
	if stats.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without channel scope, got %d", stats.Code)
	}

	otherProject := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/projects/1/tasks", headers: map[string]string{"Authorization": "Bearer " + scoped}})
	if otherProject.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for project mismatch, got %d", otherProject.Code)
	}
	otherTask := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/tasks/" + task.ID, headers: map[string]string{"Authorization": "Bearer " + scoped}})
	if otherTask.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for task in another project, got %d", otherTask.Code)
	}
	ownProject := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/projects/2/tasks", headers: map[string]string{"Authorization": "Bearer " + scoped}})
	if ownProject.Code != http.StatusOK {
		t.Fatalf("expected 200 for own project, got %d", ownProject.Code)
	}

	health := doRequest(t, env.server, request{method: http.MethodGet, path: "/health"})
	if health.Code != http.StatusOK {
		t.Fatalf("expected health to stay open, got %d", health.Code)
	}
}

func TestRateLimitingCommands(t *testing.T) {
	env := newTestEnv(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	task := env.startTask(t, 1, "/in/a.xlsx")

	allowed := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/tasks/" + task.ID + "/pause"})
	if allowed.Code != http.StatusOK {
		t.Fatalf("expected second write to be allowed, got %d (%s)", allowed.Code, allowed.Body.String())
	}
	denied := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/tasks/" + task.ID + "/resume"})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d (%s)", denied.Code, denied.Body.String())
	}
	if denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", denied.Header().Get("Retry-After"))
	}
	read := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/tasks/" + task.ID})
	if read.Code != http.StatusOK {
		t.Fatalf("expected reads to bypass the limiter, got %d", read.Code)
	}
}

func TestRequestBodyLimit(t *testing.T) {
	env := newTestEnv(t, ServerConfig{MaxBodyBytes: 16})
	resp := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/internal/progress-events",
		body:   []byte(`{"event":"completed","task_id":"a-rather-long-task-id"}`),
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, subject string, projectID *int64, scopes []string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	claims := map[string]any{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    tokenAudience,
	}
	if projectID != nil {
		claims["project_id"] = *projectID
	}
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	h := base64.RawURLEncoding.EncodeToString(headerBytes)
	p := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signingInput := h + "." + p
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func mustHMAC(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return fmt.Sprintf("%x", mac.Sum(nil))
}
