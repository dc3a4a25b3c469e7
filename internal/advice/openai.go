package advice

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/PratikDhanave/call-advice-service/internal/models"
)

const systemPrompt = `You watch a live phone call on behalf of the "caller" and warn them about scams, fraud and manipulation.
Reply with a single JSON object and nothing else, using exactly these keys:
{"risk_score": 0-100, "risk_level": "low"|"medium"|"high", "feedback": string,
 "what_to_say": string, "what_to_do": string, "next_steps": [string], "confidence": 0-1}
Keep every string short enough to read during a call.`

// OpenAIGenerator asks a chat completion model for advice.
type OpenAIGenerator struct {
	client oai.Client
	model  string
	now    func() time.Time
}

type openAIConfig struct {
	baseURL string
	timeout time.Duration
}

// OpenAIOption configures [NewOpenAIGenerator].
type OpenAIOption func(*openAIConfig)

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

// WithHTTPTimeout sets the HTTP client timeout. The scheduler bounds each
// attempt separately; this only guards against stuck connections.
func WithHTTPTimeout(d time.Duration) OpenAIOption {
	return func(c *openAIConfig) { c.timeout = d }
}

// NewOpenAIGenerator builds a generator for model. Retries are left to the
// scheduler, so the client's own retry loop is disabled.
func NewOpenAIGenerator(apiKey, model string, opts ...OpenAIOption) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("advice: openai api key must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("advice: openai model must not be empty")
	}

	cfg := &openAIConfig{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &OpenAIGenerator{
		client: oai.NewClient(reqOpts...),
		model:  model,
		now:    time.Now,
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, window []models.TranscriptChunk) (models.Advice, error) {
	transcript := renderWindow(window)
	if transcript == "" {
		return models.Advice{}, ErrNoContent
	}

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(g.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage("Transcript so far, oldest first:\n" + transcript),
		},
		Temperature:         param.NewOpt(0.2),
		MaxCompletionTokens: param.NewOpt(int64(600)),
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return models.Advice{}, fmt.Errorf("advice: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return models.Advice{}, fmt.Errorf("advice: empty choices: %w", ErrNoContent)
	}

	adv, err := parseAdvice(resp.Choices[0].Message.Content)
	if err != nil {
		return models.Advice{}, err
	}
	return Sanitize(adv, g.now()), nil
}

// modelAdvice mirrors the JSON the prompt asks for. Numbers are floats
// because models are loose about "72" versus "72.0".
type modelAdvice struct {
	RiskScore  float64  `json:"risk_score"`
	RiskLevel  string   `json:"risk_level"`
	Feedback   string   `json:"feedback"`
	WhatToSay  string   `json:"what_to_say"`
	WhatToDo   string   `json:"what_to_do"`
	NextSteps  []string `json:"next_steps"`
	Confidence float64  `json:"confidence"`
}

// parseAdvice extracts the outermost JSON object from content, tolerating
// code fences and prose around it.
func parseAdvice(content string) (models.Advice, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return models.Advice{}, fmt.Errorf("advice: no json object in response: %w", ErrNoContent)
	}

	var m modelAdvice
	if err := json.Unmarshal([]byte(content[start:end+1]), &m); err != nil {
		return models.Advice{}, fmt.Errorf("advice: decode response: %w", err)
	}
	if m.Feedback == "" && m.WhatToSay == "" && m.WhatToDo == "" && m.RiskLevel == "" {
		return models.Advice{}, fmt.Errorf("advice: response has no advice fields: %w", ErrNoContent)
	}

	return models.Advice{
		RiskScore:  int(math.Round(m.RiskScore)),
		RiskLevel:  models.RiskLevel(m.RiskLevel),
		Feedback:   m.Feedback,
		WhatToSay:  m.WhatToSay,
		WhatToDo:   m.WhatToDo,
		NextSteps:  m.NextSteps,
		Confidence: m.Confidence,
	}, nil
}
