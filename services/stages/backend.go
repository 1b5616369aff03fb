// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/inletlabs/inlet/services/pipeline/config"
	"github.com/inletlabs/inlet/services/pipeline/engine"
	"github.com/inletlabs/inlet/services/pipeline/manifest"
)

// Completion is one backend response with its accounting.
type Completion struct {
	Text  string
	Usage manifest.Usage
}

// Client abstracts the LLM backend behind the stages.
type Client interface {
	// Identity names the backend and model for manifest records.
	Identity() (backend, model string)

	// Complete runs one chat completion.
	Complete(ctx context.Context, system, user string) (*Completion, error)

	// CostCents estimates the cost of a call with roughly inTokens of
	// input, without performing it.
	CostCents(inTokens int64) float64
}

// NewClient builds a client from the backend config.
func NewClient(cfg config.BackendConfig, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Type {
	case "openai":
		return newOpenAIClient(cfg, logger)
	case "fake":
		return &FakeClient{Model: cfg.Model}, nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}

// modelCostCentsPerMTok maps model → [input, output] cents per million
// tokens, for dry-run estimates only. Unknown models use a conservative
// default.
var modelCostCentsPerMTok = map[string][2]float64{
	"gpt-4o-mini": {15, 60},
	"gpt-4o":      {250, 1000},
}

const defaultCostCentsPerMTok = 300

// openAIClient calls the chat-completions API with client-side rate
// limiting and transient-error classification.
type openAIClient struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newOpenAIClient(cfg config.BackendConfig, logger *slog.Logger) (*openAIClient, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	apiKey := strings.TrimSpace(os.Getenv(keyEnv))
	if apiKey == "" {
		return nil, fmt.Errorf("backend api key: environment variable %s not set", keyEnv)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}

	logger.Info("initializing backend client",
		slog.String("backend", "openai"),
		slog.String("model", cfg.Model),
		slog.Int("requests_per_minute", cfg.RequestsPerMinute),
	)
	return &openAIClient{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		limiter: limiter,
		logger:  logger,
	}, nil
}

func (c *openAIClient) Identity() (string, string) {
	return "openai", c.model
}

func (c *openAIClient) Complete(ctx context.Context, system, user string) (*Completion, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return nil, classifyBackendError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, engine.Transient(errors.New("backend returned no choices"))
	}

	usage := manifest.Usage{
		Calls:        1,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}
	usage.EstimatedCostCents = c.costCents(usage.InputTokens, usage.OutputTokens)

	return &Completion{Text: resp.Choices[0].Message.Content, Usage: usage}, nil
}

func (c *openAIClient) CostCents(inTokens int64) float64 {
	// Assume output roughly a third of input for estimation.
	return c.costCents(inTokens, inTokens/3)
}

func (c *openAIClient) costCents(in, out int64) float64 {
	costs, ok := modelCostCentsPerMTok[c.model]
	if !ok {
		costs = [2]float64{defaultCostCentsPerMTok, defaultCostCentsPerMTok}
	}
	return float64(in)*costs[0]/1e6 + float64(out)*costs[1]/1e6
}

// classifyBackendError separates retry-worthy failures (rate limits,
// server errors, network blips) from permanent ones (bad key, bad
// request), which fail the item on the first attempt.
func classifyBackendError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return engine.Transient(err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return engine.Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.Transient(err)
	}
	return err
}

// EstimateOnlyClient prices calls without being able to make them. It
// lets plan previews run with no API key configured.
type EstimateOnlyClient struct {
	BackendType string
	Model       string
}

func (c *EstimateOnlyClient) Identity() (string, string) {
	return c.BackendType, c.Model
}

func (c *EstimateOnlyClient) Complete(ctx context.Context, system, user string) (*Completion, error) {
	return nil, errors.New("estimate-only client cannot complete")
}

func (c *EstimateOnlyClient) CostCents(inTokens int64) float64 {
	costs, ok := modelCostCentsPerMTok[c.Model]
	if !ok {
		costs = [2]float64{defaultCostCentsPerMTok, defaultCostCentsPerMTok}
	}
	outTokens := inTokens / 3
	return float64(inTokens)*costs[0]/1e6 + float64(outTokens)*costs[1]/1e6
}

// FakeClient is a deterministic offline backend for tests and smoke
// runs: output depends only on input, so reruns stay idempotent.
type FakeClient struct {
	Model string
}

func (c *FakeClient) Identity() (string, string) {
	return "fake", c.Model
}

func (c *FakeClient) Complete(ctx context.Context, system, user string) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(system + "\x00" + user))
	text := fmt.Sprintf(`{"summary": "fake analysis %s", "input_chars": %d}`,
		hex.EncodeToString(sum[:6]), len(user))
	return &Completion{
		Text: text,
		Usage: manifest.Usage{
			Calls:       1,
			InputTokens: int64(len(user) / 4),
		},
	}, nil
}

func (c *FakeClient) CostCents(inTokens int64) float64 {
	return 0
}
