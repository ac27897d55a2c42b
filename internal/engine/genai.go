package engine

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"hybridexec/internal/logging"
	"hybridexec/internal/types"
)

// =============================================================================
// GOOGLE GENAI ENGINE
// =============================================================================

// GenAIEngine streams completions from Google's Gemini API.
type GenAIEngine struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGenAIEngine creates a new GenAI engine.
func NewGenAIEngine(apiKey, model string, timeout time.Duration) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIEngine{
		client:  client,
		model:   model,
		timeout: timeout,
	}, nil
}

// Name returns the engine name.
func (e *GenAIEngine) Name() string {
	return fmt.Sprintf("genai:%s", e.model)
}

// Backend reports BackendRemote.
func (e *GenAIEngine) Backend() types.Backend {
	return types.BackendRemote
}

// Generate streams the completion. The whole call is bounded by the engine
// timeout; hitting it is an execution fault, not a cancellation.
func (e *GenAIEngine) Generate(ctx context.Context, prompt string, emit func(string) error) error {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	chunks := 0
	for resp, err := range e.client.Models.GenerateContentStream(callCtx, e.model, genai.Text(prompt), nil) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return Fault(e.Name(), err)
		}
		text := resp.Text()
		if text == "" {
			continue
		}
		chunks++
		if err := emit(text); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if callCtx.Err() != nil {
		return Fault(e.Name(), fmt.Errorf("remote timeout after %v", e.timeout))
	}
	logging.EngineDebug("%s finished: %d chunks", e.Name(), chunks)
	return nil
}

// Close drops the client reference.
func (e *GenAIEngine) Close() error {
	e.client = nil
	return nil
}
