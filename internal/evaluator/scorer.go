package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"grantline/internal/domain"
)

// Request is what an external scorer receives for one agent type.
type Request struct {
	GrantID   string           `json:"grant_id"`
	AgentType domain.AgentType `json:"agent_type"`
	Fields    map[string]any   `json:"fields"`
}

// Scale values for scorer output. A scorer's scale is configuration, never inferred from the value.
const (
	ScaleVote    = "vote"
	ScalePercent = "percent"
)

// Response is the scorer's verdict before normalization.
type Response struct {
	Score           float64  `json:"score"`
	Scale           string   `json:"scale,omitempty"`
	Confidence      float64  `json:"confidence"`
	Reasoning       string   `json:"reasoning"`
	Strengths       []string `json:"strengths,omitempty"`
	Weaknesses      []string `json:"weaknesses,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	RedFlags        []string `json:"red_flags,omitempty"`
}

// Scorer calls the external evaluation service.
type Scorer interface {
	Score(ctx context.Context, req Request) (Response, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, req Request) (Response, error)

func (f ScorerFunc) Score(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// HTTPScorer posts requests to {Endpoint}/evaluate/{agent_type}. Every response is read on Scale.
type HTTPScorer struct {
	Endpoint string
	Scale    string
	Client   *http.Client
	Limiter  *rate.Limiter
}

func NewHTTPScorer(endpoint, scale string, timeout time.Duration, perSecond float64, burst int) *HTTPScorer {
	var limiter *rate.Limiter
	if perSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &HTTPScorer{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Scale:    scale,
		Client:   &http.Client{Timeout: timeout},
		Limiter:  limiter,
	}
}

func (s *HTTPScorer) Score(ctx context.Context, req Request) (Response, error) {
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return Response{}, classify(ctx, err)
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint+"/evaluate/"+string(req.AgentType), bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, classify(ctx, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Response{}, fmt.Errorf("%w: scorer returned %d: %s", domain.ErrExternalService, resp.StatusCode, snippet(data))
	case resp.StatusCode >= 400:
		return Response{}, fmt.Errorf("%w: scorer rejected request with %d: %s", domain.ErrValidation, resp.StatusCode, snippet(data))
	}
	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return Response{}, fmt.Errorf("%w: decode scorer response: %v", domain.ErrExternalService, err)
	}
	out.Scale = s.Scale
	return out, nil
}

// classify maps transport errors onto the timeout and external service kinds.
func classify(ctx context.Context, err error) error {
	var netErr interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrExternalService, err)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
