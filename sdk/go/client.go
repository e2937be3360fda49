package intakelinesdk

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
)

// Client is a minimal Intakeline HTTP API client.
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

// Project represents the API project model (partial).
type Project struct {
	ID           int64    `json:"id"`
	ClientID     int64    `json:"client_id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Category     string   `json:"category,omitempty"`
	Complexity   string   `json:"complexity,omitempty"`
	TechStack    []string `json:"tech_stack,omitempty"`
	CurrentState string   `json:"current_state"`
	IsScam       bool     `json:"is_scam"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

// Transition represents one project state change.
type Transition struct {
	ID        int64          `json:"id"`
	ProjectID int64          `json:"project_id"`
	FromState *string        `json:"from_state,omitempty"`
	ToState   string         `json:"to_state"`
	ChangedBy string         `json:"changed_by"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// Message represents one client communication entry.
type Message struct {
	ID          int64  `json:"id"`
	ProjectID   int64  `json:"project_id"`
	Direction   string `json:"direction"`
	SenderEmail string `json:"sender_email,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Body        string `json:"body,omitempty"`
	IsProcessed bool   `json:"is_processed"`
	CreatedAt   string `json:"created_at"`
}

// AgentLog represents one agent execution record.
type AgentLog struct {
	ID           int64          `json:"id"`
	AgentName    string         `json:"agent_name"`
	ProjectID    *int64         `json:"project_id,omitempty"`
	Action       string         `json:"action"`
	Output       map[string]any `json:"output,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

// Setting represents a typed configuration entry.
type Setting struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	ValueType string `json:"value_type"`
	UpdatedAt string `json:"updated_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedProjects wraps project list responses with cursors.
type PaginatedProjects struct {
	Items      []Project `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// CreateProject creates a project for a client.
func (c *Client) CreateProject(ctx context.Context, clientID int64, title, description, channel string) (Project, error) {
	body := map[string]any{
		"client_id":      clientID,
		"title":          title,
		"description":    description,
		"source_channel": channel,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, id int64) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/projects/%d", id), nil, &resp)
	return resp, err
}

// Projects returns recent projects.
func (c *Client) Projects(ctx context.Context, state string, limit int) ([]Project, error) {
	page, err := c.ProjectsPage(ctx, state, limit, "")
	return page.Items, err
}

// ProjectsPage returns a paginated project listing.
func (c *Client) ProjectsPage(ctx context.Context, state string, limit int, cursor string) (PaginatedProjects, error) {
	endpoint := "v0/projects"
	params := url.Values{}
	if state != "" {
		params.Set("state", state)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedProjects
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition moves a project to a new state.
func (c *Client) Transition(ctx context.Context, projectID int64, toState, reason string, metadata map[string]any) (Project, error) {
	body := map[string]any{
		"to_state": toState,
		"reason":   reason,
		"metadata": metadata,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/projects/%d/transition", projectID), body, &resp)
	return resp, err
}

// History returns a project's state transitions.
func (c *Client) History(ctx context.Context, projectID int64) ([]Transition, error) {
	var resp []Transition
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/projects/%d/history", projectID), nil, &resp)
	return resp, err
}

// AppendMessage records a message on a project's communication log.
func (c *Client) AppendMessage(ctx context.Context, projectID int64, direction, sender, subject, body string) (Message, error) {
	payload := map[string]any{
		"direction":    direction,
		"sender_email": sender,
		"subject":      subject,
		"body":         body,
	}
	var resp Message
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/projects/%d/messages", projectID), payload, &resp)
	return resp, err
}

// LogAgentAction records an agent execution.
func (c *Client) LogAgentAction(ctx context.Context, agentName string, projectID *int64, action string, success bool, output map[string]any) (AgentLog, error) {
	body := map[string]any{
		"agent_name": agentName,
		"project_id": projectID,
		"action":     action,
		"success":    success,
		"output":     output,
	}
	var resp AgentLog
	err := c.do(ctx, http.MethodPost, "v0/agent-logs", body, &resp)
	return resp, err
}

// GetSetting fetches a setting by key.
func (c *Client) GetSetting(ctx context.Context, key string) (Setting, error) {
	var resp Setting
	err := c.do(ctx, http.MethodGet, "v0/settings/"+url.PathEscape(key), nil, &resp)
	return resp, err
}

// SetSetting creates or updates a setting.
func (c *Client) SetSetting(ctx context.Context, key, value, valueType string) (Setting, error) {
	body := map[string]any{
		"value":      value,
		"value_type": valueType,
	}
	var resp Setting
	err := c.do(ctx, http.MethodPut, "v0/settings/"+url.PathEscape(key), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
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
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
