// Package client is the thin wrapper the marathon CLI (and any other Go
// caller) uses to talk to the orchestrator's HTTP gateway: one method per
// RPC, a context timeout per call, bearer-JWT carried on every request
// after login.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/marathon/pkg/types"
)

// DefaultTimeout bounds every non-streaming call.
const DefaultTimeout = 10 * time.Second

// Client wraps the Marathon HTTP gateway for CLI and programmatic use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New constructs a Client against baseURL (e.g. "http://127.0.0.1:8080").
// Call Login or set a token directly with SetToken before any authenticated
// call.
func New(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{}}
}

// SetToken installs a previously-obtained bearer token (e.g. loaded from a
// CLI config file), skipping a fresh Login round trip.
func (c *Client) SetToken(token string) {
	c.token = token
}

type authResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	APIKey  string `json:"api_key"`
	Message string `json:"message"`
}

// Register creates a new account and stores the issued token on the client.
func (c *Client) Register(ctx context.Context, username, password string) (*authResponse, error) {
	return c.authRequest(ctx, "/auth/register", username, password)
}

// Login authenticates an existing account and stores the issued token.
func (c *Client) Login(ctx context.Context, username, password string) (*authResponse, error) {
	return c.authRequest(ctx, "/auth/login", username, password)
}

func (c *Client) authRequest(ctx context.Context, path, username, password string) (*authResponse, error) {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	var resp authResponse
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	c.token = resp.Token
	return &resp, nil
}

// SubmitTask submits a new task and returns its initial record.
func (c *Client) SubmitTask(ctx context.Context, req types.SubmitTaskRequest) (*types.Task, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("client: failed to encode submit request: %w", err)
	}
	var task types.Task
	if err := c.do(ctx, http.MethodPost, "/tasks", body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask fetches one task by ID.
func (c *Client) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	var task types.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+taskID, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks lists the caller's tasks, optionally filtered by state.
func (c *Client) ListTasks(ctx context.Context, state string) ([]*types.Task, error) {
	path := "/tasks"
	if state != "" {
		path += "?state=" + state
	}
	var tasks []*types.Task
	if err := c.do(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CancelTask requests cancellation of a task. Idempotent: cancelling an
// already-cancelled or terminal task is a no-op, not an error.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+taskID, nil, nil)
}

// GetUsage fetches the caller's rolling usage totals.
func (c *Client) GetUsage(ctx context.Context) (*types.UsageRecord, error) {
	var usage types.UsageRecord
	if err := c.do(ctx, http.MethodGet, "/usage", nil, &usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

// StreamEvents opens a server-sent-event stream on taskID starting from
// fromSequence, delivering decoded events on the returned channel until ctx
// is cancelled or the task reaches a terminal state (the channel is then
// closed). The caller owns ctx's cancellation.
func (c *Client) StreamEvents(ctx context.Context, taskID string, fromSequence uint64) (<-chan types.TaskEvent, error) {
	path := fmt.Sprintf("/tasks/%s/events?from_sequence=%d", taskID, fromSequence)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("client: failed to build stream request: %w", err)
	}
	c.authorize(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("client: failed to open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.errorFromBody(resp)
	}

	out := make(chan types.TaskEvent, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var event types.TaskEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// do performs one JSON request/response round trip against the gateway.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("client: failed to build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("client: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.errorFromBody(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: failed to decode response: %w", err)
	}
	return nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) errorFromBody(resp *http.Response) error {
	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	if eb.Message != "" {
		return fmt.Errorf("client: %s: %s", eb.Code, eb.Message)
	}
	return fmt.Errorf("client: request failed with status %d", resp.StatusCode)
}
