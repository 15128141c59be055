package fablinesdk

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

// Client is a minimal Fabline HTTP API client.
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

// Unit represents the API unit model.
type Unit struct {
	ID                string  `json:"id"`
	SerialNumber      string  `json:"serial_number"`
	MachineType       string  `json:"machine_type,omitempty"`
	ClientName        string  `json:"client_name,omitempty"`
	ClientSociety     string  `json:"client_society,omitempty"`
	Status            string  `json:"status"`
	CurrentStage      *string `json:"current_stage,omitempty"`
	CurrentStageLabel string  `json:"current_stage_label"`
	AssigneeUserID    *string `json:"assignee_user_id,omitempty"`
	AssigneeUsername  *string `json:"assignee_username,omitempty"`
	Remarks           string  `json:"remarks,omitempty"`
	CreatedAt         string  `json:"created_at"`
	CompletedAt       *string `json:"completed_at,omitempty"`
}

// HistoryEntry is one row of a unit's ledger.
type HistoryEntry struct {
	ID               string `json:"id"`
	UnitID           string `json:"unit_id"`
	StageName        string `json:"stage_name"`
	StageLabel       string `json:"stage_label"`
	Status           string `json:"status"`
	AssigneeUserID   string `json:"assignee_user_id"`
	AssigneeUsername string `json:"assignee_username"`
	StartedAt        string `json:"started_at"`
	CompletedAt      string `json:"completed_at"`
	Remarks          string `json:"remarks,omitempty"`
}

// UnitDetail bundles a unit with its history.
type UnitDetail struct {
	Unit    Unit           `json:"unit"`
	History []HistoryEntry `json:"history"`
}

// Transition reports the outcome of a stage completion.
type Transition struct {
	UnitID          string       `json:"unit_id"`
	FromStage       string       `json:"from_stage"`
	FromStageLabel  string       `json:"from_stage_label"`
	NewStage        *string      `json:"new_stage,omitempty"`
	NewStageLabel   string       `json:"new_stage_label"`
	NewAssigneeID   *string      `json:"new_assignee_id,omitempty"`
	NewAssigneeName *string      `json:"new_assignee_username,omitempty"`
	Completed       bool         `json:"completed"`
	HistoryEntry    HistoryEntry `json:"history_entry"`
}

// Dashboard summarizes unit counts.
type Dashboard struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateUnit registers a machine at the first pipeline stage.
func (c *Client) CreateUnit(ctx context.Context, serialNumber, machineType, clientName string) (Unit, error) {
	body := map[string]any{
		"serial_number": serialNumber,
	}
	if machineType != "" {
		body["machine_type"] = machineType
	}
	if clientName != "" {
		body["client_name"] = clientName
	}
	var resp Unit
	err := c.do(ctx, http.MethodPost, "v0/units", body, &resp)
	return resp, err
}

// Units lists units visible to the caller.
func (c *Client) Units(ctx context.Context, status, stage string) ([]Unit, error) {
	endpoint := "v0/units"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if stage != "" {
		q.Set("stage", stage)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Unit
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Unit fetches a unit with its history.
func (c *Client) Unit(ctx context.Context, id string) (UnitDetail, error) {
	var resp UnitDetail
	endpoint := fmt.Sprintf("v0/units/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CompleteStage marks the unit's current stage as done.
func (c *Client) CompleteStage(ctx context.Context, id, remarks string) (Transition, error) {
	body := map[string]any{}
	if remarks != "" {
		body["remarks"] = remarks
	}
	var resp Transition
	endpoint := fmt.Sprintf("v0/units/%s/complete", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// MyTasks lists active units assigned to the caller.
func (c *Client) MyTasks(ctx context.Context) ([]Unit, error) {
	var resp []Unit
	err := c.do(ctx, http.MethodGet, "v0/tasks", nil, &resp)
	return resp, err
}

// Dashboard returns unit counts in the caller's scope.
func (c *Client) Dashboard(ctx context.Context) (Dashboard, error) {
	var resp Dashboard
	err := c.do(ctx, http.MethodGet, "v0/dashboard", nil, &resp)
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
