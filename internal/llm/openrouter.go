package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterConfig configures the OpenRouter client.
type OpenRouterConfig struct {
	APIKey  string
	BaseURL string
	// AppName and AppURL are sent as the X-Title and HTTP-Referer attribution headers.
	AppName string
	AppURL  string
	// DefaultModel is used when a request leaves Model empty.
	DefaultModel string
}

// OpenRouter is a Model backed by the OpenRouter chat completions API.
type OpenRouter struct {
	client       *openai.Client
	defaultModel string
	logger       *slog.Logger
}

// NewOpenRouter creates an OpenRouter client.
func NewOpenRouter(cfg OpenRouterConfig, logger *slog.Logger) (*OpenRouter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("new openrouter client: api key is empty")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = &http.Client{Transport: &headerTransport{
		base: http.DefaultTransport,
		headers: map[string]string{
			"HTTP-Referer": cfg.AppURL,
			"X-Title":      cfg.AppName,
		},
	}}

	logger.Info("Initializing OpenRouter client", "base_url", oc.BaseURL, "default_model", cfg.DefaultModel)
	return &OpenRouter{
		client:       openai.NewClientWithConfig(oc),
		defaultModel: cfg.DefaultModel,
		logger:       logger,
	}, nil
}

// Complete implements Model.
func (o *OpenRouter) Complete(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	// go-openai drops a zero temperature from the payload, which providers
	// read as their default; send the smallest positive value instead.
	temp := req.Temperature
	if temp == 0 {
		temp = math.SmallestNonzeroFloat32
	}

	creq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temp,
	}
	if req.JSON {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	o.logger.Debug("Calling OpenRouter", "role", req.Role, "model", model)
	resp, err := o.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return "", classifyOpenAIError(req.Role, err)
	}
	if len(resp.Choices) == 0 {
		return "", Malformed(req.Role, errors.New("no choices returned"))
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", Malformed(req.Role, fmt.Errorf("empty completion (finish_reason %s)", resp.Choices[0].FinishReason))
	}
	o.logger.Debug("OpenRouter call finished", "role", req.Role, "model", model,
		"finish_reason", resp.Choices[0].FinishReason, "total_tokens", resp.Usage.TotalTokens)
	return content, nil
}

func classifyOpenAIError(role string, err error) error {
	ce := Classify(role, err).(*CallError)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		ce.StatusCode = apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && ce.StatusCode == 0 {
		ce.StatusCode = reqErr.HTTPStatusCode
	}
	return ce
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}
