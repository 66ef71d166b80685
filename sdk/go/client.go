package followupssdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"followups/internal/domain"
)

// Client is a minimal Followups HTTP API client. It satisfies board.Store so a
// board can run against a remote server.
type Client struct {
	BaseURL string
	// BasePath is the API prefix; empty means /v1.
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// APIError wraps non-2xx responses. Message is the server's "error" field when
// the body carried one.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTaskInput is the create-task request body.
type CreateTaskInput struct {
	ApplicationID string `json:"application_id"`
	TaskType      string `json:"task_type"`
	DueAt         string `json:"due_at"`
}

// CreateTask creates a follow-up task and returns its id.
func (c *Client) CreateTask(ctx context.Context, in CreateTaskInput) (string, error) {
	var resp struct {
		Success bool   `json:"success"`
		TaskID  string `json:"task_id"`
	}
	if err := c.do(ctx, http.MethodPost, "create-task", in, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// ListToday returns the open tasks due on now's calendar day, where the day is
// taken in now's offset.
func (c *Client) ListToday(ctx context.Context, now time.Time) ([]domain.Task, error) {
	q := url.Values{}
	q.Set("at", now.Format(time.RFC3339Nano))
	var resp struct {
		Items []domain.Task `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "tasks/today?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Items == nil {
		resp.Items = []domain.Task{}
	}
	return resp.Items, nil
}

// MarkComplete completes task id.
func (c *Client) MarkComplete(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("tasks/%s/complete", url.PathEscape(id))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// Health reports whether the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "health", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("unexpected health status %q", resp.Status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Message = envelope.Error
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
