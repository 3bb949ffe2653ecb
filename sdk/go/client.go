package cleosdk

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

	"github.com/kryptobaseddev/cleo/internal/cleoerr"
	"github.com/kryptobaseddev/cleo/internal/retry"
)

// Client is a minimal Cleo HTTP API client. Retryable failures
// (lock timeouts, concurrent modification) are retried with the same
// backoff schedule the engine documents; structural errors surface
// immediately as *cleoerr.Error.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	ParentID    *string  `json:"parent_id,omitempty"`
	Title       string   `json:"title"`
	Type        string   `json:"type"`
	Status      string   `json:"status"`
	Priority    int      `json:"priority"`
	Depends     []string `json:"depends,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
}

// Session represents the API session model (partial).
type Session struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
	Scope  struct {
		Type    string   `json:"type"`
		RootID  string   `json:"root_id,omitempty"`
		Members []string `json:"members,omitempty"`
	} `json:"scope"`
	Focus struct {
		TaskID     string `json:"task_id,omitempty"`
		Note       string `json:"note,omitempty"`
		NextAction string `json:"next_action,omitempty"`
	} `json:"focus"`
	TasksDone int `json:"tasks_done"`
}

// GateCheck reports whether a stage gate blocks dispatch.
type GateCheck struct {
	EpicID  string   `json:"epic_id"`
	Target  string   `json:"target"`
	Missing []string `json:"missing,omitempty"`
	Mode    string   `json:"mode"`
	Blocked bool     `json:"blocked"`
}

// Wave is one parallel execution layer of the dependency graph.
type Wave struct {
	Index int      `json:"index"`
	Tasks []string `json:"tasks"`
}

// Waves is the full wave layering result.
type Waves struct {
	Waves       []Wave   `json:"waves"`
	Unplaceable []string `json:"unplaceable,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// Outcome is the dedicated non-error result of an idempotent no-op.
type Outcome struct {
	Code   string `json:"code"`
	Exit   int    `json:"exit_code"`
	Reason string `json:"reason"`
}

type envelope struct {
	Success bool            `json:"success"`
	Outcome *Outcome        `json:"outcome,omitempty"`
	Data    json.RawMessage `json:"data"`
	Err     *cleoerr.Error  `json:"error,omitempty"`
}

// APIError wraps non-2xx responses that carry no structured error body.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, title, taskType string) (Task, error) {
	body := map[string]any{
		"title": title,
		"type":  taskType,
	}
	var resp Task
	_, err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// GetTask fetches a task and its fingerprint.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	_, err := c.do(ctx, http.MethodGet, "v1/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateTask applies a partial mutation. Pass ifFingerprint from a
// prior read for optimistic concurrency; fingerprint mismatches are
// retried per policy but each retry replays the same request, so
// callers who want read-modify-write semantics should re-read first.
func (c *Client) UpdateTask(ctx context.Context, id string, fields map[string]any) (Task, error) {
	var resp Task
	_, err := c.do(ctx, http.MethodPatch, "v1/tasks/"+url.PathEscape(id), fields, &resp)
	return resp, err
}

// CompleteTask marks a task done. A second call is a no-op: the
// returned outcome reports NO_CHANGE and the task is unchanged.
func (c *Client) CompleteTask(ctx context.Context, id, sessionID, ifFingerprint string) (Task, *Outcome, error) {
	body := map[string]any{}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	if ifFingerprint != "" {
		body["if_fingerprint"] = ifFingerprint
	}
	var resp Task
	outcome, err := c.do(ctx, http.MethodPost, "v1/tasks/"+url.PathEscape(id)+"/complete", body, &resp)
	return resp, outcome, err
}

// Ready returns tasks whose dependencies are all satisfied.
func (c *Client) Ready(ctx context.Context) ([]Task, error) {
	var resp []Task
	_, err := c.do(ctx, http.MethodGet, c.projectPath("dependencies/ready"), nil, &resp)
	return resp, err
}

// ExecutionWaves returns the parallel wave layering.
func (c *Client) ExecutionWaves(ctx context.Context) (Waves, error) {
	var resp Waves
	_, err := c.do(ctx, http.MethodGet, c.projectPath("dependencies/waves"), nil, &resp)
	return resp, err
}

// StartSession opens a session over a scope.
func (c *Client) StartSession(ctx context.Context, name, scopeType, rootID string) (Session, error) {
	body := map[string]any{
		"name":  name,
		"scope": map[string]any{"type": scopeType, "root_id": rootID},
	}
	var resp Session
	_, err := c.do(ctx, http.MethodPost, c.projectPath("sessions"), body, &resp)
	return resp, err
}

// SetFocus points a session at a task.
func (c *Client) SetFocus(ctx context.Context, sessionID, taskID string) (Session, *Outcome, error) {
	body := map[string]any{"task_id": taskID}
	var resp Session
	outcome, err := c.do(ctx, http.MethodPost, "v1/sessions/"+url.PathEscape(sessionID)+"/focus", body, &resp)
	return resp, outcome, err
}

// EndSession closes a session.
func (c *Client) EndSession(ctx context.Context, sessionID, note string) (Session, error) {
	body := map[string]any{"note": note}
	var resp Session
	_, err := c.do(ctx, http.MethodPost, "v1/sessions/"+url.PathEscape(sessionID)+"/end", body, &resp)
	return resp, err
}

// CheckDispatch asks whether protocol work may be dispatched under an
// epic. A blocked gate comes back as a *cleoerr.Error carrying the
// missing stages in its details.
func (c *Client) CheckDispatch(ctx context.Context, epicID, protocolType string) (GateCheck, error) {
	var resp GateCheck
	endpoint := fmt.Sprintf("v1/epics/%s/dispatch-check?protocol_type=%s", url.PathEscape(epicID), url.QueryEscape(protocolType))
	_, err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitManifest files a manifest entry for a completed unit of work.
func (c *Client) SubmitManifest(ctx context.Context, entry map[string]any) (map[string]any, error) {
	var resp map[string]any
	_, err := c.do(ctx, http.MethodPost, c.projectPath("manifests"), entry, &resp)
	return resp, err
}

// ValidateReturnMessage checks a message against the canonical set.
func (c *Client) ValidateReturnMessage(ctx context.Context, message string) error {
	body := map[string]any{"message": message}
	_, err := c.do(ctx, http.MethodPost, "v1/protocol/return-message/validate", body, nil)
	return err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?n=%d", endpoint, limit)
	}
	var resp []Event
	_, err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) (*Outcome, error) {
	var outcome *Outcome
	err := retry.Do(ctx, func() error {
		var err error
		outcome, err = c.doOnce(ctx, method, endpoint, body, out)
		return err
	})
	return outcome, err
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, body any, out any) (*Outcome, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
		}
		return nil, err
	}
	if resp.StatusCode >= 300 {
		if env.Err != nil {
			return nil, env.Err
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, err
		}
	}
	return env.Outcome, nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v1/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
