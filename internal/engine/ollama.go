package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hybridexec/internal/logging"
	"hybridexec/internal/types"
)

// =============================================================================
// OLLAMA ENGINE
// =============================================================================

// OllamaEngine streams completions from a local Ollama server.
type OllamaEngine struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaEngine creates a new Ollama engine.
func NewOllamaEngine(endpoint, model string, timeout time.Duration) (*OllamaEngine, error) {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		return nil, fmt.Errorf("ollama model is required")
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &OllamaEngine{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Name returns the engine name.
func (e *OllamaEngine) Name() string {
	return fmt.Sprintf("ollama:%s", e.model)
}

// Backend reports BackendLocal.
func (e *OllamaEngine) Backend() types.Backend {
	return types.BackendLocal
}

// Generate posts to /api/generate and relays each NDJSON chunk.
func (e *OllamaEngine) Generate(ctx context.Context, prompt string, emit func(string) error) error {
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  e.model,
		Prompt: prompt,
		Stream: true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Fault(e.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Fault(e.Name(), fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes))))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	chunks := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaGenerateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return Fault(e.Name(), fmt.Errorf("malformed chunk: %w", err))
		}
		if chunk.Error != "" {
			return Fault(e.Name(), errors.New(chunk.Error))
		}
		if chunk.Response != "" {
			chunks++
			if err := emit(chunk.Response); err != nil {
				return err
			}
		}
		if chunk.Done {
			logging.EngineDebug("%s finished: %d chunks, reason=%s", e.Name(), chunks, chunk.DoneReason)
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return Fault(e.Name(), err)
	}
	return Fault(e.Name(), errors.New("stream ended without done marker"))
}

// HealthCheck verifies the Ollama server is reachable.
func (e *OllamaEngine) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Close releases idle connections.
func (e *OllamaEngine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

// =============================================================================
// OLLAMA API TYPES
// =============================================================================

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateChunk struct {
	Response   string `json:"response"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`
	Error      string `json:"error,omitempty"`
}
