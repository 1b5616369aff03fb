// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the project config file, looked up in the project root.
const FileName = "inlet.yaml"

// Config is the project configuration loaded from inlet.yaml.
type Config struct {
	// Project names the study; it keys the manifest identity.
	Project string `yaml:"project" validate:"required"`

	// Source: where interview material comes from
	Source SourceConfig `yaml:"source"`

	// Backend: which LLM backend processes the stages
	Backend BackendConfig `yaml:"backend"`

	// Workers bounds per-item parallelism within a stage.
	Workers int `yaml:"workers" validate:"gte=1,lte=64"`

	// Retry: backoff policy for transient backend failures
	Retry RetryConfig `yaml:"retry"`

	// Stages: the fixed pipeline order
	Stages []StageConfig `yaml:"stages" validate:"min=1,dive"`
}

type SourceConfig struct {
	Dir  string `yaml:"dir" validate:"required"` // e.g. ./interviews
	Glob string `yaml:"glob"`                    // e.g. *.txt
}

type BackendConfig struct {
	// Type can be "openai" or "fake" (offline testing).
	Type      string `yaml:"type" validate:"required,oneof=openai fake"`
	Model     string `yaml:"model" validate:"required"`
	BaseURL   string `yaml:"base_url,omitempty"`
	APIKeyEnv string `yaml:"api_key_env"` // env var holding the key, never the key itself

	// RequestsPerMinute caps client-side request rate. 0 disables.
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"gte=0"`
}

type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts" validate:"gte=1,lte=10"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	BackoffFactor  float64  `yaml:"backoff_factor" validate:"gte=1"`
}

type StageConfig struct {
	Name string `yaml:"name" validate:"required"`
	// Kind is "per_item" or "pool".
	Kind   string `yaml:"kind" validate:"required,oneof=per_item pool"`
	Prompt string `yaml:"prompt"`
}

// Duration wraps time.Duration so YAML can carry "30s" style values.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// DefaultConfig returns the configuration a fresh project starts from.
func DefaultConfig() Config {
	return Config{
		Project: "",
		Source: SourceConfig{
			Dir:  "interviews",
			Glob: "*.txt",
		},
		Backend: BackendConfig{
			Type:              "openai",
			Model:             "gpt-4o-mini",
			APIKeyEnv:         "OPENAI_API_KEY",
			RequestsPerMinute: 60,
		},
		Workers: 4,
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: Duration(1 * time.Second),
			MaxBackoff:     Duration(30 * time.Second),
			BackoffFactor:  2.0,
		},
		Stages: []StageConfig{
			{Name: "transcribe", Kind: "per_item"},
			{Name: "quotes", Kind: "per_item"},
			{Name: "themes", Kind: "pool"},
		},
	}
}
