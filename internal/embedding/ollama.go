package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/iammorganparry/clive/apps/engram/internal/apperrors"
)

// OllamaClient embeds text with a local Ollama server.
//
// Transport failures and 5xx responses come back as BackendUnavailableError
// so callers can queue repairs. Any other non-200 status is wrapped with
// backoff.Permanent: a missing model will not appear on retry.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	data, err := json.Marshal(embedRequest{Model: c.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	body, err := c.call(ctx, http.MethodPost, "/api/embed", data)
	if err != nil {
		return nil, err
	}

	var out embedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("ollama returned no embedding for model %s", c.model))
	}
	return out.Embeddings[0], nil
}

// HealthCheck lists local models to confirm the server answers.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodGet, "/api/tags", nil)
	return err
}

func (c *OllamaClient) Model() string { return c.model }

func (c *OllamaClient) call(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Unavailable("ollama", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Unavailable("ollama", fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, apperrors.Unavailable("ollama", fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, body))
	default:
		return nil, backoff.Permanent(fmt.Errorf("ollama %s: status %d: %s", path, resp.StatusCode, body))
	}
}
