package grantlinesdk

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

// Client is a minimal Grantline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set. Servers only honour it
	// when started with --allow-actor-header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g. http://host:8080/v1.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Grant represents the API grant model (partial). Amounts are decimal strings.
type Grant struct {
	ID         string   `json:"id"`
	Requester  string   `json:"requester"`
	Title      string   `json:"title"`
	Amount     string   `json:"amount"`
	Currency   string   `json:"currency"`
	Status     string   `json:"status"`
	Score      *float64 `json:"score,omitempty"`
	PaidAmount string   `json:"paid_amount"`
	PaymentRef string   `json:"payment_ref,omitempty"`
}

// Workflow is the orchestration state of a grant.
type Workflow struct {
	GrantID       string `json:"grant_id"`
	Stage         string `json:"stage"`
	Progress      int    `json:"progress"`
	Paused        bool   `json:"paused"`
	FailedStage   string `json:"failed_stage,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

type GrantDetail struct {
	Grant    Grant    `json:"grant"`
	Workflow Workflow `json:"workflow"`
}

type BudgetItem struct {
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
	Amount      string `json:"amount"`
}

type MilestonePlan struct {
	Title        string   `json:"title"`
	Deliverables []string `json:"deliverables,omitempty"`
	Amount       string   `json:"amount"`
}

// GrantRequest is the submission payload. Proposal carries the free-form evaluator fields
// (description, tech_stack, team_members, impact and so on).
type GrantRequest struct {
	ID         string          `json:"id,omitempty"`
	Title      string          `json:"title"`
	Amount     string          `json:"amount"`
	Currency   string          `json:"currency,omitempty"`
	ContentRef string          `json:"content_ref,omitempty"`
	Proposal   map[string]any  `json:"proposal,omitempty"`
	Milestones []MilestonePlan `json:"milestones,omitempty"`
}

type Evaluation struct {
	ID         string   `json:"id"`
	GrantID    string   `json:"grant_id"`
	AgentID    string   `json:"agent_id"`
	AgentType  string   `json:"agent_type"`
	Score      float64  `json:"score"`
	VoteScore  int      `json:"vote_score"`
	Confidence float64  `json:"confidence"`
	Decision   string   `json:"decision"`
	Reasoning  string   `json:"reasoning"`
	Strengths  []string `json:"strengths,omitempty"`
	Weaknesses []string `json:"weaknesses,omitempty"`
}

type Milestone struct {
	ID       string `json:"id"`
	GrantID  string `json:"grant_id"`
	Ordinal  int    `json:"ordinal"`
	Title    string `json:"title"`
	Amount   string `json:"amount"`
	Status   string `json:"status"`
	ProofRef string `json:"proof_ref,omitempty"`
}

type Treasury struct {
	Paused        bool   `json:"paused"`
	EmergencyStop bool   `json:"emergency_stop"`
	Balance       string `json:"balance"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	GrantID    string         `json:"grant_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when present.
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

// PaginatedGrants wraps list responses with cursors.
type PaginatedGrants struct {
	Items      []Grant `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// SubmitGrant submits a grant; the server starts its workflow immediately.
func (c *Client) SubmitGrant(ctx context.Context, req GrantRequest) (GrantDetail, error) {
	var resp GrantDetail
	err := c.do(ctx, http.MethodPost, "grants", req, &resp)
	return resp, err
}

// Grant fetches a grant with its workflow state.
func (c *Client) Grant(ctx context.Context, id string) (GrantDetail, error) {
	var resp GrantDetail
	err := c.do(ctx, http.MethodGet, "grants/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// GrantsPage lists grants, optionally filtered by status.
func (c *Client) GrantsPage(ctx context.Context, status string, limit int, cursor string) (PaginatedGrants, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedGrants
	err := c.do(ctx, http.MethodGet, withQuery("grants", q), nil, &resp)
	return resp, err
}

// Evaluations returns the evaluator opinions recorded for a grant.
func (c *Client) Evaluations(ctx context.Context, grantID string) ([]Evaluation, error) {
	var resp []Evaluation
	err := c.do(ctx, http.MethodGet, "grants/"+url.PathEscape(grantID)+"/evaluations", nil, &resp)
	return resp, err
}

// CancelGrant withdraws a grant that has not been paid out.
func (c *Client) CancelGrant(ctx context.Context, grantID, reason string) (Grant, error) {
	var resp Grant
	err := c.do(ctx, http.MethodPost, "grants/"+url.PathEscape(grantID)+"/cancel", map[string]string{"reason": reason}, &resp)
	return resp, err
}

// WaitForStage polls the workflow until it reaches one of stages or ctx ends.
func (c *Client) WaitForStage(ctx context.Context, grantID string, interval time.Duration, stages ...string) (Workflow, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var ws Workflow
		if err := c.do(ctx, http.MethodGet, "grants/"+url.PathEscape(grantID)+"/workflow", nil, &ws); err != nil {
			return ws, err
		}
		for _, s := range stages {
			if ws.Stage == s {
				return ws, nil
			}
		}
		select {
		case <-ctx.Done():
			return ws, ctx.Err()
		case <-ticker.C:
		}
	}
}

type Vote struct {
	SessionID  string `json:"session_id"`
	AgentID    string `json:"agent_id"`
	Score      int    `json:"score"`
	Weight     int    `json:"weight"`
	Reputation int    `json:"reputation"`
	Rationale  string `json:"rationale"`
	LedgerTx   string `json:"ledger_tx,omitempty"`
}

// CastVote records an agent's vote in an open voting session. Requires an admin token.
func (c *Client) CastVote(ctx context.Context, sessionID, agentID string, score int, rationale string) (Vote, error) {
	body := map[string]any{"agent_id": agentID, "score": score, "rationale": rationale}
	var resp Vote
	err := c.do(ctx, http.MethodPost, "sessions/"+url.PathEscape(sessionID)+"/votes", body, &resp)
	return resp, err
}

// Milestones lists a grant's milestones in order.
func (c *Client) Milestones(ctx context.Context, grantID string) ([]Milestone, error) {
	var resp []Milestone
	err := c.do(ctx, http.MethodGet, "grants/"+url.PathEscape(grantID)+"/milestones", nil, &resp)
	return resp, err
}

// SubmitMilestone attaches completion proof to the active milestone.
func (c *Client) SubmitMilestone(ctx context.Context, id, proofRef, notes string) (Milestone, error) {
	body := map[string]string{"proof_ref": proofRef, "notes": notes}
	var resp Milestone
	err := c.do(ctx, http.MethodPost, "milestones/"+url.PathEscape(id)+"/submit", body, &resp)
	return resp, err
}

// Treasury returns the balance and safety switch state.
func (c *Client) Treasury(ctx context.Context) (Treasury, error) {
	var resp Treasury
	err := c.do(ctx, http.MethodGet, "treasury", nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, grantID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if grantID != "" {
		q.Set("grant_id", grantID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
