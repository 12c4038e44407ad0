// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reviewer

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/analysis"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/jobs"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/llm"
)

// Config is the full service configuration. Zero values use defaults,
// so an empty file (or none at all) yields a runnable service.
type Config struct {
	// Port is the HTTP/websocket listen port. Default: 8082.
	Port int `yaml:"port"`

	// GinMode sets the Gin framework mode: "debug", "release", "test".
	// Default: uses GIN_MODE env var or "release".
	GinMode string `yaml:"gin_mode"`

	// OTelEndpoint is the OTLP collector address. Empty disables
	// tracing.
	OTelEndpoint string `yaml:"otel_endpoint"`

	// DataDir holds durable result records. Default: ./data/results.
	DataDir string `yaml:"data_dir"`

	// LogLevel is debug/info/warn/error. Default: info.
	LogLevel string `yaml:"log_level"`

	// LogDir receives the service log file; empty logs to stderr only.
	LogDir string `yaml:"log_dir"`

	// Limits sizes the admission pools.
	Limits LimitsConfig `yaml:"limits"`

	// Storage tunes the result store.
	Storage StorageConfig `yaml:"storage"`

	// Resources sets the admission ceilings.
	Resources ResourcesConfig `yaml:"resources"`

	// LLM selects and parameterizes the model backend.
	LLM llm.Config `yaml:"llm"`

	// AI tunes the AI analyzer. DisableAI removes the analyzer
	// entirely; jobs then run without the AI stage.
	AI        analysis.AIConfig `yaml:"ai"`
	DisableAI bool              `yaml:"disable_ai"`

	// Analysis tunes the fan-out.
	Analysis analysis.OrchestratorConfig `yaml:"analysis"`

	// Jobs tunes the lifecycle manager.
	Jobs jobs.Config `yaml:"jobs"`

	// ToolTimeout bounds one external tool invocation. Default: 30s.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
}

// LimitsConfig sizes the three admission pools.
type LimitsConfig struct {
	MaxConcurrentJobs         int `yaml:"max_concurrent_jobs"`
	MaxConcurrentInference    int `yaml:"max_concurrent_inference"`
	MaxConcurrentSubprocesses int `yaml:"max_concurrent_subprocesses"`
}

// StorageConfig tunes the result store.
type StorageConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxRetrievals int           `yaml:"max_retrievals"`
	CapBytes      int64         `yaml:"cap_bytes"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ResourcesConfig sets the hard admission ceilings.
type ResourcesConfig struct {
	MaxCPUPercent float64 `yaml:"max_cpu_percent"`
	MaxRSSBytes   uint64  `yaml:"max_rss_bytes"`
}

// LoadConfig reads a YAML config file and applies environment
// overrides. A missing path is not an error; env and defaults apply.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides layers environment variables over the file values.
// Env wins over file; flags (wired in cmd) win over env.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REVIEWER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("REVIEWER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REVIEWER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("REVIEWER_OTEL_ENDPOINT"); v != "" {
		cfg.OTelEndpoint = v
	}
	if v := os.Getenv("REVIEWER_LLM_BACKEND"); v != "" {
		cfg.LLM.Backend = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("REVIEWER_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8082
	}
	if cfg.GinMode == "" {
		cfg.GinMode = os.Getenv("GIN_MODE")
		if cfg.GinMode == "" {
			cfg.GinMode = "release"
		}
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/results"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	return cfg
}
