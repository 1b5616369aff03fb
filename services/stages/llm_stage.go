// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/inletlabs/inlet/services/pipeline/config"
	"github.com/inletlabs/inlet/services/pipeline/engine"
)

const systemPrompt = "You are a qualitative research assistant. " +
	"Respond with a single JSON object and nothing else."

// defaultPrompt is used when the stage config omits one.
const defaultPrompt = "Analyze the following interview material and " +
	"return your findings as JSON."

// estimateTokens approximates token count from byte length. Four bytes
// per token is the usual English-text rule of thumb.
func estimateTokens(nbytes int64) int64 {
	return nbytes / 4
}

// ItemLLMStage runs one chat completion per item.
type ItemLLMStage struct {
	name   string
	prompt string
	client Client
}

// NewItemStage creates a per-item LLM stage.
func NewItemStage(name, prompt string, client Client) *ItemLLMStage {
	if prompt == "" {
		prompt = defaultPrompt
	}
	return &ItemLLMStage{name: name, prompt: prompt, client: client}
}

func (s *ItemLLMStage) Name() string { return s.name }

func (s *ItemLLMStage) Backend() (string, string) { return s.client.Identity() }

func (s *ItemLLMStage) Process(ctx context.Context, item engine.Item) (*engine.Output, error) {
	content, err := os.ReadFile(item.Path)
	if err != nil {
		return nil, fmt.Errorf("read input %s: %w", item.Path, err)
	}

	comp, err := s.client.Complete(ctx, systemPrompt, s.prompt+"\n\n"+string(content))
	if err != nil {
		return nil, err
	}

	data, err := extractJSON(comp.Text)
	if err != nil {
		return nil, &engine.ContractError{Stage: s.name, Item: item.ID, Err: err}
	}
	return &engine.Output{Data: data, Usage: comp.Usage}, nil
}

func (s *ItemLLMStage) EstimateItem(item engine.Item) engine.Estimate {
	tokens := estimateTokens(item.InputHash.Size) + estimateTokens(int64(len(s.prompt)))
	return engine.Estimate{
		Calls:              1,
		InputTokens:        tokens,
		EstimatedCostCents: s.client.CostCents(tokens),
	}
}

// PoolLLMStage runs one chat completion over the entire item pool.
type PoolLLMStage struct {
	name   string
	prompt string
	client Client
}

// NewPoolStage creates a whole-pool LLM stage.
func NewPoolStage(name, prompt string, client Client) *PoolLLMStage {
	if prompt == "" {
		prompt = defaultPrompt
	}
	return &PoolLLMStage{name: name, prompt: prompt, client: client}
}

func (s *PoolLLMStage) Name() string { return s.name }

func (s *PoolLLMStage) Backend() (string, string) { return s.client.Identity() }

func (s *PoolLLMStage) ProcessPool(ctx context.Context, items []engine.Item) (*engine.Output, error) {
	var sb strings.Builder
	sb.WriteString(s.prompt)
	for _, item := range items {
		content, err := os.ReadFile(item.Path)
		if err != nil {
			return nil, fmt.Errorf("read input %s: %w", item.Path, err)
		}
		fmt.Fprintf(&sb, "\n\n--- %s ---\n", item.ID)
		sb.Write(content)
	}

	comp, err := s.client.Complete(ctx, systemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	data, err := extractJSON(comp.Text)
	if err != nil {
		return nil, &engine.ContractError{Stage: s.name, Err: err}
	}
	return &engine.Output{Data: data, Usage: comp.Usage}, nil
}

func (s *PoolLLMStage) EstimatePool(items []engine.Item) engine.Estimate {
	tokens := estimateTokens(int64(len(s.prompt)))
	for _, item := range items {
		tokens += estimateTokens(item.InputHash.Size)
	}
	return engine.Estimate{
		Calls:              1,
		InputTokens:        tokens,
		EstimatedCostCents: s.client.CostCents(tokens),
	}
}

// extractJSON validates the model's reply, tolerating markdown fences
// around an otherwise well-formed object.
func extractJSON(text string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("response is not valid JSON (starts %q)", head(trimmed, 40))
	}
	return []byte(trimmed), nil
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// FromConfig builds the stage order declared by the project config.
func FromConfig(cfg *config.Config, client Client) []engine.Stage {
	built := make([]engine.Stage, 0, len(cfg.Stages))
	for _, sc := range cfg.Stages {
		if sc.Kind == "pool" {
			built = append(built, NewPoolStage(sc.Name, sc.Prompt, client))
		} else {
			built = append(built, NewItemStage(sc.Name, sc.Prompt, client))
		}
	}
	return built
}
