// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the project file (inlet.yaml).
// Unknown keys are rejected so typos fail loudly instead of silently
// falling back to defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrNotFound indicates the project has no inlet.yaml.
var ErrNotFound = errors.New("project config not found")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads <projectRoot>/inlet.yaml, fills defaults for omitted
// sections, and validates the result.
func Load(projectRoot string) (*Config, error) {
	path := filepath.Join(projectRoot, FileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates raw config YAML.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Stages = nil // declared stages replace, never append to, defaults

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = DefaultConfig().Stages
	}

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, fmt.Errorf("invalid config: field %s failed %q", fe.Namespace(), fe.Tag())
		}
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	names := make(map[string]bool, len(cfg.Stages))
	for _, st := range cfg.Stages {
		if names[st.Name] {
			return nil, fmt.Errorf("invalid config: duplicate stage %q", st.Name)
		}
		names[st.Name] = true
	}

	return &cfg, nil
}

// WriteDefault creates a starter inlet.yaml for a new project. Fails if
// one already exists.
func WriteDefault(projectRoot, project string) error {
	path := filepath.Join(projectRoot, FileName)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists: %s", path)
	}

	cfg := DefaultConfig()
	cfg.Project = project
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
