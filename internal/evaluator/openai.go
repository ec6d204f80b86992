package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"grantline/internal/domain"
)

const scoringPrompt = `You review grant proposals as the %s evaluator.
Reply with a JSON object: {"score": number 0-100, "confidence": number 0-1, "reasoning": string,
"strengths": [string], "weaknesses": [string], "recommendations": [string], "red_flags": [string]}.
Judge only the fields provided; do not invent facts.`

// OpenAIScorer scores proposals with an OpenAI-compatible chat completion endpoint.
type OpenAIScorer struct {
	Client  *openai.Client
	Model   string
	Limiter *rate.Limiter
}

func NewOpenAIScorer(apiKey, baseURL, model string, perSecond float64, burst int) *OpenAIScorer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	s := &OpenAIScorer{Client: openai.NewClientWithConfig(cfg), Model: model}
	if perSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		s.Limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return s
}

func (s *OpenAIScorer) Score(ctx context.Context, req Request) (Response, error) {
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return Response{}, classify(ctx, err)
		}
	}
	fields, err := json.Marshal(req.Fields)
	if err != nil {
		return Response{}, err
	}
	resp, err := s.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(scoringPrompt, strings.ReplaceAll(string(req.AgentType), "_", " "))},
			{Role: openai.ChatMessageRoleUser, Content: string(fields)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0.2,
	})
	if err != nil {
		return Response{}, classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("%w: empty completion", domain.ErrExternalService)
	}
	var out Response
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		return Response{}, fmt.Errorf("%w: decode completion: %v", domain.ErrExternalService, err)
	}
	out.Scale = ScalePercent
	return out, nil
}
