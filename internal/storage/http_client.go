package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/redata/internal/progress"
	"github.com/google/uuid"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == progress.ErrNotFound && e.StatusCode == http.StatusNotFound
}

// HTTPClient talks to the processing API of the import backend.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var _ progress.Backend = (*HTTPClient)(nil)

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) GetStatus(ctx context.Context, taskID string) (progress.StatusSummary, error) {
	var out progress.TaskRecord
	err := c.doJSON(ctx, http.MethodGet, "/api/processing/status/"+url.PathEscape(taskID), nil, &out)
	return out.Summary(), err
}

func (c *HTTPClient) GetFullProgress(ctx context.Context, taskID string) (progress.FullProgress, error) {
	var out progress.FullProgress
	err := c.doJSON(ctx, http.MethodGet, "/api/processing/progress/"+url.PathEscape(taskID), nil, &out)
	return out, err
}

type listTasksResponse struct {
	Tasks []progress.TaskRecord `json:"tasks"`
	Total int                   `json:"total"`
}

func (c *HTTPClient) ListTasks(ctx context.Context, projectID int64) ([]progress.TaskRecord, error) {
	var out listTasksResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/processing/list/"+strconv.FormatInt(projectID, 10), nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

type startRequest struct {
	ProjectID int64    `json:"project_id"`
	FilePaths []string `json:"file_paths"`
}

func (c *HTTPClient) StartProcessing(ctx context.Context, projectID int64, filePaths []string) (progress.StartResponse, error) {
	var out progress.StartResponse
	body := startRequest{ProjectID: projectID, FilePaths: filePaths}
	err := c.doJSONOnce(ctx, http.MethodPost, "/api/processing/start", body, &out)
	return out, err
}

func (c *HTTPClient) Pause(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/processing/pause/"+url.PathEscape(taskID), nil, nil)
}

func (c *HTTPClient) Resume(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/processing/resume/"+url.PathEscape(taskID), nil, nil)
}

func (c *HTTPClient) Cancel(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/processing/cancel/"+url.PathEscape(taskID), nil, nil)
}

func (c *HTTPClient) Reset(ctx context.Context, taskID string, deleteRecords bool) (progress.TaskRecord, error) {
	q := url.Values{}
	q.Set("delete_records", strconv.FormatBool(deleteRecords))
	resetPath := fmt.Sprintf("/api/processing/reset/%s?%s", url.PathEscape(taskID), q.Encode())
	var out progress.TaskRecord
	if deleteRecords {
		err := c.doJSONOnce(ctx, http.MethodPost, resetPath, nil, &out)
		return out, err
	}
	err := c.doJSON(ctx, http.MethodPost, resetPath, nil, &out)
	return out, err
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	return c.send(ctx, method, requestPath, body, out, c.maxRetries)
}

// doJSONOnce is for requests that are not safe to repeat, such as starting
// an import. Failures go straight back to the caller.
func (c *HTTPClient) doJSONOnce(ctx context.Context, method, requestPath string, body any, out any) error {
	return c.send(ctx, method, requestPath, body, out, 0)
}

func (c *HTTPClient) send(ctx context.Context, method, requestPath string, body any, out any, maxRetries int) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodeHTTPError(resp.StatusCode, payloadBytes)
	}
}

// decodeHTTPError accepts both {code,message} bodies and the {detail}
// bodies of the Python backend.
func decodeHTTPError(status int, payload []byte) error {
	var errPayload struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	message := errPayload.Message
	if message == "" && len(errPayload.Detail) > 0 {
		var detail string
		if err := json.Unmarshal(errPayload.Detail, &detail); err == nil {
			message = detail
		} else {
			message = string(errPayload.Detail)
		}
	}
	if message == "" {
		message = strings.TrimSpace(string(payload))
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &HTTPError{StatusCode: status, Code: errPayload.Code, Message: message}
}

func correlationID() string {
	return "redata_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
