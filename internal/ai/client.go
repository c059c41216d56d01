package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ErrQuotaExceeded reports that the provider refused the request for rate or
// billing reasons. Callers treat it as recoverable.
var ErrQuotaExceeded = errors.New("llm quota exceeded")

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatStream yields response fragments in order. Recv returns io.EOF once the
// model has finished.
type ChatStream interface {
	Recv() (string, error)
	Close() error
}

type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	EmbeddingModel    string
	Tokenizer         string
	RequestsPerMinute int
	Timeout           time.Duration
}

// Client talks to any OpenAI-compatible chat and embedding endpoint.
type Client struct {
	api            *openai.Client
	model          string
	embeddingModel string
	limiter        *rate.Limiter
	counter        TokenCounter
}

func NewClient(cfg Config) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	apiCfg.HTTPClient = &http.Client{Timeout: timeout}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}

	return &Client{
		api:            openai.NewClientWithConfig(apiCfg),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		limiter:        limiter,
		counter:        NewTokenCounter(cfg.Tokenizer, cfg.Model),
	}
}

func (c *Client) Model() string {
	return c.model
}

// Invoke returns the whole completion in one call.
func (c *Client) Invoke(ctx context.Context, messages []ChatMessage) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	resp, err := c.api.CreateChatCompletion(ctx, c.chatRequest(messages, false))
	if err != nil {
		return "", classifyError("llm request failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty llm choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) Stream(ctx context.Context, messages []ChatMessage) (ChatStream, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	stream, err := c.api.CreateChatCompletionStream(ctx, c.chatRequest(messages, true))
	if err != nil {
		return nil, classifyError("llm stream request failed", err)
	}
	return &chatStream{stream: stream}, nil
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, classifyError("embedding request failed", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding response index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if len(v) == 0 {
			return nil, fmt.Errorf("empty embedding for input %d", i)
		}
	}
	return out, nil
}

func (c *Client) CountTokens(msg ChatMessage) int {
	return c.counter.CountTokens(msg)
}

func (c *Client) chatRequest(messages []ChatMessage, stream bool) openai.ChatCompletionRequest {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: out,
		Stream:   stream,
	}
}

type chatStream struct {
	stream *openai.ChatCompletionStream
}

// Recv skips keep-alive deltas that carry no content.
func (s *chatStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", classifyError("llm stream failed", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if text := resp.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
	}
}

func (s *chatStream) Close() error {
	return s.stream.Close()
}

func classifyError(op string, err error) error {
	if isQuotaError(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrQuotaExceeded, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isQuotaError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return true
		}
		if strings.Contains(strings.ToLower(apiErr.Type), "quota") {
			return true
		}
		if code, ok := apiErr.Code.(string); ok && strings.Contains(strings.ToLower(code), "quota") {
			return true
		}
		return strings.Contains(strings.ToUpper(apiErr.Message), "RESOURCE_EXHAUSTED")
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}
