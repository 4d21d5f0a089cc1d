package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/verbata/codeframe-backend/internal/logger"
)

// OpenAIClient is the reasoning + embedding surface the pipeline consumes.
// Core logic only ever sees this interface; tests swap in fakes.
type OpenAIClient interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	GenerateJSON(ctx context.Context, system string, user string, schemaName string, schema map[string]any) (map[string]any, error)
}

type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	EmbedModel string
	Timeout    time.Duration
	MaxRetries int
}

type openAIClient struct {
	log        *logger.Logger
	cfg        OpenAIConfig
	httpClient *http.Client
}

func NewOpenAIClient(log *logger.Logger, cfg OpenAIConfig) (OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("missing OpenAI API key")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "text-embedding-3-small"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &openAIClient{
		log:        log.With("service", "OpenAIClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type openAIHTTPError struct {
	StatusCode int
	Body       string
}

func (e *openAIHTTPError) Error() string {
	return fmt.Sprintf("openai http %d: %s", e.StatusCode, e.Body)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var httpErr *openAIHTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 408 || httpErr.StatusCode == 429 {
			return true
		}
		return httpErr.StatusCode >= 500 && httpErr.StatusCode <= 599
	}
	return false
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	// +/- 20%
	f := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(base) * f)
}

func (c *openAIClient) doOnce(ctx context.Context, path string, body any) ([]byte, *http.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, resp, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp, &openAIHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, resp, nil
}

func (c *openAIClient) do(ctx context.Context, path string, body any, out any) error {
	backoff := 1 * time.Second
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		raw, resp, err := c.doOnce(ctx, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("openai decode: %w", uErr)
			}
			return nil
		}
		if !isRetryable(err) || attempt == c.cfg.MaxRetries {
			return err
		}

		sleepFor := backoff
		if resp != nil {
			if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
				if secs, pErr := strconv.Atoi(ra); pErr == nil && secs > 0 {
					sleepFor = time.Duration(secs) * time.Second
				}
			}
		}
		if sleepFor > 10*time.Second {
			sleepFor = 10 * time.Second
		}
		sleepFor = jitter(sleepFor)

		c.log.Warn("OpenAI request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.cfg.MaxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepFor):
		}
		backoff *= 2
	}
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (c *openAIClient) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	var resp embeddingsResponse
	if err := c.do(ctx, "/v1/embeddings", embeddingsRequest{Model: c.cfg.EmbedModel, Input: inputs}, &resp); err != nil {
		return nil, err
	}
	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			continue
		}
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[d.Index] = vec
	}
	for i := range out {
		if out[i] == nil {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
	}
	return out, nil
}

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	ResponseFormat map[string]any `json:"response_format"`
	Temperature    float64        `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal,omitempty"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *openAIClient) GenerateJSON(ctx context.Context, system string, user string, schemaName string, schema map[string]any) (map[string]any, error) {
	if schemaName == "" {
		return nil, errors.New("schemaName required")
	}
	if schema == nil {
		return nil, errors.New("schema required")
	}

	req := chatRequest{
		Model: c.cfg.Model,
		Messages: []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	}
	req.ResponseFormat = map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name":   schemaName,
			"schema": schema,
			"strict": true,
		},
	}

	var resp chatResponse
	if err := c.do(ctx, "/v1/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	msg := resp.Choices[0].Message
	if msg.Refusal != "" {
		return nil, fmt.Errorf("model refused: %s", msg.Refusal)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil, fmt.Errorf("empty model output")
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(msg.Content), &obj); err != nil {
		return nil, fmt.Errorf("parse model JSON: %w; text=%s", err, msg.Content)
	}
	return obj, nil
}
