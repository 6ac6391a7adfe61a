package coordlinesdk

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

// Client is a minimal Coordline HTTP API client.
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

// ServiceRequest represents the API request model (partial).
type ServiceRequest struct {
	ID                      string  `json:"id"`
	RequestNumber           string  `json:"request_number"`
	ClientID                string  `json:"client_id"`
	ServiceType             string  `json:"service_type"`
	Priority                string  `json:"priority"`
	Status                  string  `json:"status"`
	CoordinationStatus      string  `json:"coordination_status"`
	EscalationLevel         int     `json:"escalation_level"`
	SLAStage                string  `json:"sla_stage"`
	SLADeadline             string  `json:"sla_deadline"`
	CompletionVerified      bool    `json:"completion_verified"`
	TotalAssignmentAttempts int     `json:"total_assignment_attempts"`
	Version                 int64   `json:"version"`
	CreatedAt               string  `json:"created_at"`
	CompletedAt             *string `json:"completed_at,omitempty"`
}

// Assignment is one provider attempt on a request.
type Assignment struct {
	ID               string  `json:"id"`
	RequestID        string  `json:"request_id"`
	ProviderID       string  `json:"provider_id"`
	AssignedAt       string  `json:"assigned_at"`
	SLADeadline      string  `json:"sla_deadline"`
	ProviderResponse string  `json:"provider_response"`
	DeclineReason    *string `json:"decline_reason,omitempty"`
	IsActive         bool    `json:"is_active"`
	SLAStatus        string  `json:"sla_status"`
}

type AssignmentResult struct {
	Request    ServiceRequest `json:"request"`
	Assignment Assignment     `json:"assignment"`
}

// Event represents a timeline entry.
type Event struct {
	ID        int64          `json:"id"`
	RequestID string         `json:"request_id"`
	EventType string         `json:"event_type"`
	ActorID   string         `json:"actor_id"`
	ActorRole string         `json:"actor_role"`
	Notes     *string        `json:"notes,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"created_at"`
}

type Provider struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	ServiceTypes []string `json:"service_types"`
	Verified     bool     `json:"verified"`
	Active       bool     `json:"active"`
}

type ProviderMetrics struct {
	ProviderID       string `json:"provider_id"`
	TotalAssigned    int    `json:"total_assigned"`
	TotalAccepted    int    `json:"total_accepted"`
	TotalCompleted   int    `json:"total_completed"`
	StreakCompleted  int    `json:"streak_completed"`
	ReliabilityScore int    `json:"reliability_score"`
}

type Candidate struct {
	Provider Provider        `json:"provider"`
	Metrics  ProviderMetrics `json:"metrics"`
}

// RequestDetail bundles a request with its history.
type RequestDetail struct {
	Request      ServiceRequest `json:"request"`
	EffectiveSLA string         `json:"effective_sla"`
	Assignments  []Assignment   `json:"assignments"`
	Timeline     []Event        `json:"timeline"`
	Candidates   []Candidate    `json:"candidates"`
}

type PipelineItem struct {
	Request          ServiceRequest `json:"request"`
	ActiveAssignment *Assignment    `json:"active_assignment,omitempty"`
	EffectiveSLA     string         `json:"effective_sla"`
}

// Pipeline wraps list responses with cursors.
type Pipeline struct {
	Items      []PipelineItem `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

type LeaderboardEntry struct {
	Rank int `json:"rank"`
	ProviderMetrics
}

type Dashboard struct {
	StatusCounts    map[string]int `json:"status_counts"`
	TotalRequests   int            `json:"total_requests"`
	CompletionRate  float64        `json:"completion_rate"`
	SLABreachCount  int            `json:"sla_breach_count"`
	OpenEscalations int            `json:"open_escalations"`
	GeneratedAt     string         `json:"generated_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRequestInput is the intake payload. ClientID is ignored when the caller is a client.
type CreateRequestInput struct {
	ClientID    string `json:"client_id,omitempty"`
	ServiceType string `json:"service_type"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// ListFilter narrows the pipeline listing.
type ListFilter struct {
	Statuses  []string
	Priority  string
	Escalated bool
	Limit     int
	Cursor    string
}

// CreateRequest submits a service request.
func (c *Client) CreateRequest(ctx context.Context, in CreateRequestInput) (ServiceRequest, error) {
	var resp ServiceRequest
	err := c.do(ctx, http.MethodPost, "v1/requests", in, &resp)
	return resp, err
}

// GetRequest returns the request detail.
func (c *Client) GetRequest(ctx context.Context, id string) (RequestDetail, error) {
	var resp RequestDetail
	err := c.do(ctx, http.MethodGet, requestPath(id, ""), nil, &resp)
	return resp, err
}

// ListRequests returns one pipeline page.
func (c *Client) ListRequests(ctx context.Context, f ListFilter) (Pipeline, error) {
	q := url.Values{}
	if len(f.Statuses) > 0 {
		q.Set("status", strings.Join(f.Statuses, ","))
	}
	if f.Priority != "" {
		q.Set("priority", f.Priority)
	}
	if f.Escalated {
		q.Set("escalated", "true")
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	endpoint := "v1/requests"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp Pipeline
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Confirm(ctx context.Context, id string) (ServiceRequest, error) {
	return c.transition(ctx, id, "confirm", nil)
}

// Assign attaches providerID to the request.
func (c *Client) Assign(ctx context.Context, id, providerID string) (AssignmentResult, error) {
	var resp AssignmentResult
	err := c.do(ctx, http.MethodPost, requestPath(id, "assign"), map[string]any{"provider_id": providerID}, &resp)
	return resp, err
}

// Respond records accepted, declined or no_response on an assignment.
func (c *Client) Respond(ctx context.Context, assignmentID, response, declineReason string) (AssignmentResult, error) {
	body := map[string]any{"response": response}
	if declineReason != "" {
		body["decline_reason"] = declineReason
	}
	var resp AssignmentResult
	endpoint := fmt.Sprintf("v1/assignments/%s/response", url.PathEscape(assignmentID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) Start(ctx context.Context, id string) (ServiceRequest, error) {
	return c.transition(ctx, id, "start", nil)
}

func (c *Client) Complete(ctx context.Context, id, notes string, qualityScore int) (ServiceRequest, error) {
	return c.transition(ctx, id, "complete", map[string]any{"notes": notes, "quality_score": qualityScore})
}

func (c *Client) Verify(ctx context.Context, id string, satisfactionScore int) (ServiceRequest, error) {
	return c.transition(ctx, id, "verify", map[string]any{"satisfaction_score": satisfactionScore})
}

func (c *Client) Escalate(ctx context.Context, id, reason string) (ServiceRequest, error) {
	return c.transition(ctx, id, "escalate", map[string]any{"reason": reason})
}

func (c *Client) Cancel(ctx context.Context, id, reason string) (ServiceRequest, error) {
	return c.transition(ctx, id, "cancel", map[string]any{"reason": reason})
}

func (c *Client) SetPriority(ctx context.Context, id, priority string) (ServiceRequest, error) {
	return c.transition(ctx, id, "priority", map[string]any{"priority": priority})
}

// AddNote appends a note to the request timeline.
func (c *Client) AddNote(ctx context.Context, id, text string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, requestPath(id, "notes"), map[string]any{"text": text}, &resp)
	return resp, err
}

// Dashboard returns the coordination desk overview.
func (c *Client) Dashboard(ctx context.Context) (Dashboard, error) {
	var resp Dashboard
	err := c.do(ctx, http.MethodGet, "v1/dashboard", nil, &resp)
	return resp, err
}

// Leaderboard ranks providers; windowDays 0 uses cumulative metrics.
func (c *Client) Leaderboard(ctx context.Context, windowDays int) ([]LeaderboardEntry, error) {
	var resp struct {
		Items []LeaderboardEntry `json:"items"`
	}
	endpoint := "v1/providers/leaderboard"
	if windowDays > 0 {
		endpoint = fmt.Sprintf("%s?window_days=%d", endpoint, windowDays)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// UpsertProvider replicates a provider directory entry.
func (c *Client) UpsertProvider(ctx context.Context, p Provider) (Provider, error) {
	body := map[string]any{
		"name":          p.Name,
		"service_types": p.ServiceTypes,
		"verified":      p.Verified,
		"active":        p.Active,
	}
	var resp Provider
	err := c.do(ctx, http.MethodPut, "v1/providers/"+url.PathEscape(p.ID), body, &resp)
	return resp, err
}

func (c *Client) transition(ctx context.Context, id, action string, body any) (ServiceRequest, error) {
	var resp ServiceRequest
	err := c.do(ctx, http.MethodPost, requestPath(id, action), body, &resp)
	return resp, err
}

func requestPath(id, action string) string {
	p := "v1/requests/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
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
