package opslinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"opsline/internal/domain"
)

// ErrNoCredentials is returned by Ready when neither an API key nor a bearer token is set.
var ErrNoCredentials = errors.New("no credentials configured")

// Client is a minimal opsline HTTP API client. BaseURL includes the API base path, e.g. http://host:8080/v0.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// BatchResult reports one automation run.
type BatchResult struct {
	Skipped    bool `json:"skipped"`
	Considered int  `json:"considered"`
	Triggered  int  `json:"triggered"`
	Created    int  `json:"created"`
}

// Ready reports whether the API is reachable with credentials.
func (c *Client) Ready(ctx context.Context) error {
	if c.APIKey == "" && c.BearerToken == "" {
		return ErrNoCredentials
	}
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// UploadPhoto stores photo bytes under id and returns the remote reference.
func (c *Client) UploadPhoto(ctx context.Context, id, taskID, contentType string, data []byte) (string, error) {
	endpoint := fmt.Sprintf("photos/%s?task_id=%s", url.PathEscape(id), url.QueryEscape(taskID))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var resp struct {
		Ref string `json:"ref"`
	}
	err := c.send(ctx, http.MethodPut, endpoint, contentType, bytes.NewReader(data), &resp)
	return resp.Ref, err
}

// CreateExecution records a finished checklist. Created is false when the id was already known.
func (c *Client) CreateExecution(ctx context.Context, exec domain.ChecklistExecution) (bool, error) {
	body := map[string]any{
		"id":          exec.ID,
		"task_id":     exec.TaskID,
		"responses":   exec.Responses,
		"executed_by": exec.ExecutedBy,
		"executed_at": exec.ExecutedAt,
	}
	var resp struct {
		Created bool `json:"created"`
	}
	err := c.do(ctx, http.MethodPost, "executions", body, &resp)
	return resp.Created, err
}

// CompleteWorkUnit force-completes a work unit. Completing an already completed unit succeeds.
func (c *Client) CompleteWorkUnit(ctx context.Context, taskID string) (domain.WorkUnit, error) {
	var resp domain.WorkUnit
	endpoint := fmt.Sprintf("tasks/%s/complete", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"force": true}, &resp)
	return resp, err
}

// GetTask fetches a work unit.
func (c *Client) GetTask(ctx context.Context, taskID string) (domain.WorkUnit, error) {
	var resp domain.WorkUnit
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// CreateNote registers an upstream note.
func (c *Client) CreateNote(ctx context.Context, n domain.Note) (domain.Note, error) {
	body := map[string]any{"number": n.Number, "status": n.Status}
	for k, v := range map[string]string{
		"id": n.ID, "type": n.Type, "priority": n.Priority, "destination_work_front_id": n.DestinationWorkFrontID,
	} {
		if v != "" {
			body[k] = v
		}
	}
	var resp domain.Note
	err := c.do(ctx, http.MethodPost, "notes", body, &resp)
	return resp, err
}

// SetNoteStatus changes the status of a note.
func (c *Client) SetNoteStatus(ctx context.Context, noteID, status string) (domain.Note, error) {
	var resp domain.Note
	endpoint := fmt.Sprintf("notes/%s/status", url.PathEscape(noteID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"status": status}, &resp)
	return resp, err
}

// RunAutomation runs an automation batch over noteIDs, or over every triggering note when empty.
func (c *Client) RunAutomation(ctx context.Context, noteIDs ...string) (BatchResult, error) {
	var resp BatchResult
	body := map[string]any{}
	if len(noteIDs) > 0 {
		body["note_ids"] = noteIDs
	}
	err := c.do(ctx, http.MethodPost, "automation/run", body, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.send(ctx, method, endpoint, "application/json", &buf, out)
}

func (c *Client) send(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
