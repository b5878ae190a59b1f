// Package genai provides the AI response adapter used by ai flow nodes.
//
// It routes between two upstreams: the platform-managed multi-model gateway
// (OpenAI-compatible chat completions) and, when the flow owner supplies their
// own key, a direct single-provider endpoint in its native wire format. Both
// paths degrade to a fixed apology string on any upstream error so the
// interpreter loop never sees a failure from this boundary.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ApologyMessage is sent to the contact when every attempt against the
// upstream fails.
const ApologyMessage = "Desculpe, estou com dificuldades técnicas no momento. Por favor, tente novamente em alguns instantes."

// Constants for adapter configuration
const (
	// DefaultRequestTimeout bounds a single upstream call.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultDirectBaseURL is the direct single-provider endpoint.
	DefaultDirectBaseURL = "https://generativelanguage.googleapis.com"
	// maxAttempts is one initial try plus one retry.
	maxAttempts = 2
)

// Turn roles in conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single prior exchange in the conversation history, oldest-first.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries everything needed to produce one AI reply.
type Request struct {
	SystemPrompt  string
	UserMessage   string
	Model         string
	Temperature   float64
	MaxTokens     int64
	KnowledgeBase string
	UseOwnKey     bool
	OwnKey        string
	History       []Turn
}

// ClientInterface is the adapter surface consumed by the flow interpreter.
// Respond never fails: upstream errors degrade to ApologyMessage.
type ClientInterface interface {
	Respond(ctx context.Context, req Request) string
}

// Opts holds configuration options for the adapter.
type Opts struct {
	APIKey         string
	GatewayBaseURL string
	DirectBaseURL  string
	Timeout        time.Duration
}

// Option defines a configuration option for the adapter.
type Option func(*Opts)

// WithAPIKey sets the platform gateway API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithGatewayBaseURL overrides the gateway endpoint (for testing).
func WithGatewayBaseURL(url string) Option {
	return func(o *Opts) { o.GatewayBaseURL = url }
}

// WithDirectBaseURL overrides the direct provider endpoint (for testing).
func WithDirectBaseURL(url string) Option {
	return func(o *Opts) { o.DirectBaseURL = url }
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client implements ClientInterface over both upstream contracts.
type Client struct {
	gateway       openai.Client
	httpClient    *http.Client
	directBaseURL string
	timeout       time.Duration
}

// NewClient initializes the adapter. The gateway key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gateway API key not set")
	}
	if cfg.DirectBaseURL == "" {
		cfg.DirectBaseURL = DefaultDirectBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	slog.Debug("GenAI NewClient configured", "gateway_base_set", cfg.GatewayBaseURL != "", "timeout", cfg.Timeout)

	gatewayOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.GatewayBaseURL != "" {
		gatewayOpts = append(gatewayOpts, option.WithBaseURL(cfg.GatewayBaseURL))
	}

	return &Client{
		gateway:       openai.NewClient(gatewayOpts...),
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		directBaseURL: cfg.DirectBaseURL,
		timeout:       cfg.Timeout,
	}, nil
}

// Respond produces the AI reply for one conversation turn. It routes to the
// direct provider when the request carries its own key, otherwise to the
// platform gateway, and returns ApologyMessage on any upstream failure.
func (c *Client) Respond(ctx context.Context, req Request) string {
	var reply string
	var err error
	if req.UseOwnKey && req.OwnKey != "" {
		reply, err = c.respondDirect(ctx, req)
	} else {
		reply, err = c.respondGateway(ctx, req)
	}
	if err != nil {
		slog.Error("GenAI Respond degraded to apology", "error", err, "own_key", req.UseOwnKey, "model", req.Model)
		return ApologyMessage
	}
	return reply
}

// fullSystemPrompt appends the knowledge base as a trailing block of the
// system prompt when present.
func fullSystemPrompt(req Request) string {
	if req.KnowledgeBase == "" {
		return req.SystemPrompt
	}
	if req.SystemPrompt == "" {
		return "Base de conhecimento:\n" + req.KnowledgeBase
	}
	return req.SystemPrompt + "\n\nBase de conhecimento:\n" + req.KnowledgeBase
}

// respondGateway calls the platform multi-model gateway using a role-tagged
// chat-messages array.
func (c *Client) respondGateway(ctx context.Context, req Request) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if sys := fullSystemPrompt(req); sys != "" {
		messages = append(messages, openai.SystemMessage(sys))
	}
	for _, turn := range req.History {
		if turn.Role == RoleUser {
			messages = append(messages, openai.UserMessage(turn.Content))
		} else {
			messages = append(messages, openai.AssistantMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.UserMessage))

	model := openai.ChatModel(req.Model)
	if req.Model == "" {
		model = openai.ChatModelGPT4oMini
	}
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.MaxTokens)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := c.gateway.Chat.Completions.New(callCtx, params)
		cancel()
		if err != nil {
			lastErr = err
			slog.Warn("GenAI gateway call failed", "error", err, "attempt", attempt+1)
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("no choices returned")
			continue
		}
		return resp.Choices[0].Message.Content, nil
	}
	return "", fmt.Errorf("gateway call failed after %d attempts: %w", maxAttempts, lastErr)
}

// Direct provider wire types: role-tagged contents, a separate
// system-instruction field and a generation-config object.

type directPart struct {
	Text string `json:"text"`
}

type directContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []directPart `json:"parts"`
}

type directGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int64   `json:"maxOutputTokens,omitempty"`
}

type directRequest struct {
	Contents          []directContent         `json:"contents"`
	SystemInstruction *directContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *directGenerationConfig `json:"generationConfig,omitempty"`
}

type directResponse struct {
	Candidates []struct {
		Content directContent `json:"content"`
	} `json:"candidates"`
}

// respondDirect calls the user-keyed single-provider endpoint in its native
// turn format.
func (c *Client) respondDirect(ctx context.Context, req Request) (string, error) {
	var contents []directContent
	for _, turn := range req.History {
		role := "model"
		if turn.Role == RoleUser {
			role = "user"
		}
		contents = append(contents, directContent{Role: role, Parts: []directPart{{Text: turn.Content}}})
	}
	contents = append(contents, directContent{Role: "user", Parts: []directPart{{Text: req.UserMessage}}})

	payload := directRequest{Contents: contents}
	if sys := fullSystemPrompt(req); sys != "" {
		payload.SystemInstruction = &directContent{Parts: []directPart{{Text: sys}}}
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		payload.GenerationConfig = &directGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling direct request: %w", err)
	}

	model := req.Model
	if model == "" {
		model = "gemini-1.5-flash"
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.directBaseURL, model)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		reply, err := c.doDirect(ctx, url, req.OwnKey, body)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		slog.Warn("GenAI direct call failed", "error", err, "attempt", attempt+1)
	}
	return "", fmt.Errorf("direct call failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) doDirect(ctx context.Context, url, key string, body []byte) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", key)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed directResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no candidates returned")
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}
