// Package ollama implements the llm.Client gateway against a local Ollama
// server. Every inference in the system funnels through this client.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	xerrors "github.com/Ashish9059/MedGuardian-Edge/internal/errors"
	"github.com/Ashish9059/MedGuardian-Edge/internal/llm"
	"github.com/Ashish9059/MedGuardian-Edge/pkg/logger"
)

const (
	defaultBaseURL       = "http://localhost:11434"
	defaultModelName     = "medgemma"
	defaultTimeout       = 300 * time.Second
	defaultHealthTimeout = 5 * time.Second
)

// Inference options requested on every call. Low temperature keeps the
// JSON-contract output as deterministic as the backend allows.
var requestOptions = map[string]any{
	"temperature": 0.1,
	"top_p":       0.9,
	"num_predict": 2048,
}

// Config describes how to reach the Ollama server.
type Config struct {
	BaseURL       string
	Model         string
	Timeout       time.Duration
	HealthTimeout time.Duration
}

// Client talks to Ollama over HTTP.
type Client struct {
	baseURL       string
	model         string
	timeout       time.Duration
	healthTimeout time.Duration
	httpClient    *http.Client
}

// NewClient creates an Ollama gateway from the configuration, applying
// defaults for anything unset.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	healthTimeout := cfg.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}
	return &Client{
		baseURL:       baseURL,
		model:         model,
		timeout:       timeout,
		healthTimeout: healthTimeout,
		httpClient:    &http.Client{},
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// chatMessage is Ollama's native message shape: flattened text plus a
// separate list of raw base64 images.
type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// Complete sends the messages to /api/chat and returns the raw completion
// text. Transport failures are classified into the gateway taxonomy.
func (c *Client) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	payload := map[string]any{
		"model":    c.model,
		"messages": flatten(messages),
		"stream":   false,
		"format":   "json",
		"options":  requestOptions,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "encode chat request")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(encoded))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", c.classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", xerrors.New(llm.CodeBackendError,
			fmt.Sprintf("ollama returned status %d", resp.StatusCode),
			xerrors.WithMetadata("status", fmt.Sprintf("%d", resp.StatusCode)),
			xerrors.WithMetadata("body", llm.Snippet(string(body))))
	}

	var decoded struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", xerrors.Wrap(llm.CodeBackendError, err, "decode ollama response")
	}

	content := decoded.Message.Content
	logger.L().Info("ollama chat inference completed",
		slog.String("model", c.model),
		slog.Duration("elapsed", time.Since(started)),
	)
	logger.L().Debug("ollama raw response", slog.String("content", llm.Snippet(content)))
	return content, nil
}

// CompleteJSON runs Complete and extracts a JSON object from the result.
func (c *Client) CompleteJSON(ctx context.Context, messages []llm.Message) (map[string]any, error) {
	raw, err := c.Complete(ctx, messages)
	if err != nil {
		return nil, err
	}
	return llm.ExtractObject(raw)
}

// HealthCheck queries /api/tags and reports whether the server is reachable
// and the configured model is installed. It never returns an error.
func (c *Client) HealthCheck(ctx context.Context) llm.HealthStatus {
	status := llm.HealthStatus{
		BackendStatus: "online",
		OllamaStatus:  "offline",
		ModelLoaded:   false,
		ModelName:     c.model,
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return status
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		logger.L().Warn("ollama health check failed", slog.Any("error", err))
		return status
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.L().Warn("ollama health check failed", slog.Int("status", resp.StatusCode))
		return status
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		logger.L().Warn("ollama health check failed", slog.Any("error", err))
		return status
	}

	status.OllamaStatus = "online"
	for _, model := range tags.Models {
		if strings.Contains(model.Name, c.model) {
			status.ModelLoaded = true
			break
		}
	}
	return status
}

// classifyTransport maps a failed round trip onto the gateway taxonomy: a
// deadline becomes REQUEST_TIMEOUT, everything else BACKEND_UNAVAILABLE.
func (c *Client) classifyTransport(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(llm.CodeRequestTimeout, err,
			fmt.Sprintf("ollama request timed out after %s", c.timeout))
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) && netErr.Timeout() {
		return xerrors.Wrap(llm.CodeRequestTimeout, err,
			fmt.Sprintf("ollama request timed out after %s", c.timeout))
	}
	return xerrors.Wrap(llm.CodeBackendUnavailable, err,
		fmt.Sprintf("ollama is not reachable at %s", c.baseURL))
}

// flatten rewrites structured multimodal content into Ollama's native shape:
// text segments joined by newline, inline images reduced to raw base64 with
// the data-URI prefix stripped.
func flatten(messages []llm.Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, msg := range messages {
		native := chatMessage{Role: msg.Role, Content: msg.Text}
		if len(msg.Parts) > 0 {
			textParts := make([]string, 0, len(msg.Parts))
			for _, part := range msg.Parts {
				switch part.Type {
				case llm.PartText:
					textParts = append(textParts, part.Text)
				case llm.PartImage:
					native.Images = append(native.Images, stripDataURI(part.ImageURL))
				}
			}
			native.Content = strings.Join(textParts, "\n")
		}
		out = append(out, native)
	}
	return out
}

// stripDataURI drops everything up to and including the first comma of a
// data URI, leaving the raw base64 payload.
func stripDataURI(url string) string {
	if idx := strings.Index(url, ","); idx >= 0 {
		return url[idx+1:]
	}
	return url
}
