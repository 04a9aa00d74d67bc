package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Providers  ProvidersConfig  `koanf:"providers"`
	Context    ContextConfig    `koanf:"context"`
	Rpc        RpcConfig        `koanf:"rpc"`
	Loop       LoopConfig       `koanf:"loop"`
	Tasks      TasksConfig      `koanf:"tasks"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Governance GovernanceConfig `koanf:"governance"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	TurnTimeout     string `koanf:"turn_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type ProvidersConfig struct {
	Default  string             `koanf:"default"`
	Registry []ProviderRegistry `koanf:"registry"`
}

type ProviderRegistry struct {
	Name     string `koanf:"name"`
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   string `koanf:"api_key"`
}

type ContextConfig struct {
	MaxToolInputChars  int      `koanf:"max_tool_input_chars"`
	MaxToolOutputChars int      `koanf:"max_tool_output_chars"`
	MaxInlineChars     int      `koanf:"max_inline_chars"`
	PreviewChars       int      `koanf:"preview_chars"`
	PreserveTools      []string `koanf:"preserve_tools"`
	TruncateInputTools []string `koanf:"truncate_input_tools"`
	AlwaysKeepTools    []string `koanf:"always_keep_tools"`
	TriggerInputTokens int      `koanf:"trigger_input_tokens"`
	KeepRecentToolUses int      `koanf:"keep_recent_tool_uses"`
	OverflowDir        string   `koanf:"overflow_dir"`
}

type RpcConfig struct {
	ProviderPath     string `koanf:"provider_path"`
	HandshakeTimeout string `koanf:"handshake_timeout"`
	CallTimeout      string `koanf:"call_timeout"`
}

type LoopConfig struct {
	MaxToolCalls int    `koanf:"max_tool_calls"`
	TurnTimeout  string `koanf:"turn_timeout"`
	GatewayURL   string `koanf:"gateway_url"`
}

type TasksConfig struct {
	GCInterval       string `koanf:"gc_interval"`
	CompletedTTL     string `koanf:"completed_ttl"`
	BackgroundGrace  string `koanf:"background_grace"`
	MaxBufferBytes   int    `koanf:"max_buffer_bytes"`
	HealthTailBytes  int    `koanf:"health_tail_bytes"`
	DefaultTimeout   string `koanf:"default_timeout"`
	TerminationGrace string `koanf:"termination_grace"`
}

type TelemetryConfig struct {
	BatchSize     int    `koanf:"batch_size"`
	FlushInterval string `koanf:"flush_interval"`
	AuditDir      string `koanf:"audit_dir"`
	Enabled       bool   `koanf:"enabled"`
}

type GovernanceConfig struct {
	RequireApproval []string `koanf:"require_approval"`
	RedactPatterns  []string `koanf:"redact_patterns"`
}

const (
	DefaultServerPort            = 8080
	DefaultServerLogLevel        = "info"
	DefaultServerReadTimeout     = "10s"
	DefaultServerTurnTimeout     = "120s"
	DefaultServerShutdownTimeout = "5s"

	DefaultProviderName     = "claude"
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
	DefaultOpenAIBaseURL    = "https://api.openai.com/v1"

	DefaultContextMaxToolInputChars  = 10000
	DefaultContextMaxToolOutputChars = 30000
	DefaultContextMaxInlineChars     = 5000
	DefaultContextPreviewChars       = 5000
	DefaultContextTriggerInputTokens = 100000
	DefaultContextKeepRecentToolUses = 3

	DefaultRpcHandshakeTimeout = "5s"
	DefaultRpcCallTimeout      = "60s"

	DefaultLoopMaxToolCalls = 40
	DefaultLoopTurnTimeout  = "120s"
	DefaultLoopGatewayURL   = "http://localhost:8080"

	DefaultTasksGCInterval       = "1m"
	DefaultTasksCompletedTTL     = "5m"
	DefaultTasksBackgroundGrace  = "200ms"
	DefaultTasksMaxBufferBytes   = 1 << 20
	DefaultTasksHealthTailBytes  = 4096
	DefaultTasksDefaultTimeout   = "2m"
	DefaultTasksTerminationGrace = "3s"

	DefaultTelemetryBatchSize     = 20
	DefaultTelemetryFlushInterval = "5s"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.port":             DefaultServerPort,
		"server.log_level":        DefaultServerLogLevel,
		"server.read_timeout":     DefaultServerReadTimeout,
		"server.turn_timeout":     DefaultServerTurnTimeout,
		"server.shutdown_timeout": DefaultServerShutdownTimeout,
		"providers.default":       DefaultProviderName,
		"providers.registry": []ProviderRegistry{
			{Name: "claude", Provider: "anthropic", Model: "claude-sonnet-4-5"},
			{Name: "gpt", Provider: "openai", Model: "gpt-4.1"},
			{Name: "gemini", Provider: "gemini", Model: "gemini-2.5-pro"},
		},
		"context.max_tool_input_chars":  DefaultContextMaxToolInputChars,
		"context.max_tool_output_chars": DefaultContextMaxToolOutputChars,
		"context.max_inline_chars":      DefaultContextMaxInlineChars,
		"context.preview_chars":         DefaultContextPreviewChars,
		"context.preserve_tools":        []string{"read_file", "grep", "list_dir"},
		"context.truncate_input_tools":  []string{"write_file", "apply_patch"},
		"context.always_keep_tools":     []string{"task_status"},
		"context.trigger_input_tokens":  DefaultContextTriggerInputTokens,
		"context.keep_recent_tool_uses": DefaultContextKeepRecentToolUses,
		"context.overflow_dir":          "",
		"rpc.provider_path":             "",
		"rpc.handshake_timeout":         DefaultRpcHandshakeTimeout,
		"rpc.call_timeout":              DefaultRpcCallTimeout,
		"loop.max_tool_calls":           DefaultLoopMaxToolCalls,
		"loop.turn_timeout":             DefaultLoopTurnTimeout,
		"loop.gateway_url":              DefaultLoopGatewayURL,
		"tasks.gc_interval":             DefaultTasksGCInterval,
		"tasks.completed_ttl":           DefaultTasksCompletedTTL,
		"tasks.background_grace":        DefaultTasksBackgroundGrace,
		"tasks.max_buffer_bytes":        DefaultTasksMaxBufferBytes,
		"tasks.health_tail_bytes":       DefaultTasksHealthTailBytes,
		"tasks.default_timeout":         DefaultTasksDefaultTimeout,
		"tasks.termination_grace":       DefaultTasksTerminationGrace,
		"telemetry.batch_size":          DefaultTelemetryBatchSize,
		"telemetry.flush_interval":      DefaultTelemetryFlushInterval,
		"telemetry.audit_dir":           "",
		"telemetry.enabled":             true,
		"governance.require_approval":   []string{"exec_command"},
		"governance.redact_patterns":    []string{},
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".genji", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider("GENJI_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GENJI_")), "_", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for i, p := range cfg.Providers.Registry {
		if p.Provider == "" {
			cfg.Providers.Registry[i].Provider = "anthropic"
		}
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	// Post-Process: Inject standard Env Vars if missing
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		for i, p := range cfg.Providers.Registry {
			if p.Provider == "anthropic" && p.APIKey == "" {
				cfg.Providers.Registry[i].APIKey = key
			}
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		for i, p := range cfg.Providers.Registry {
			if p.Provider == "openai" && p.APIKey == "" {
				cfg.Providers.Registry[i].APIKey = key
			}
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		for i, p := range cfg.Providers.Registry {
			if p.Provider == "gemini" && p.APIKey == "" {
				cfg.Providers.Registry[i].APIKey = key
			}
		}
	}
	if path := os.Getenv("GENJI_TOOL_PROVIDER"); path != "" && cfg.Rpc.ProviderPath == "" {
		cfg.Rpc.ProviderPath = path
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	overflowDir, err := expandConfiguredPath(cfg.Context.OverflowDir)
	if err != nil {
		return err
	}
	if overflowDir != "" {
		cfg.Context.OverflowDir = overflowDir
	}

	auditDir, err := expandConfiguredPath(cfg.Telemetry.AuditDir)
	if err != nil {
		return err
	}
	if auditDir != "" {
		cfg.Telemetry.AuditDir = auditDir
	}

	providerPath, err := expandConfiguredPath(cfg.Rpc.ProviderPath)
	if err != nil {
		return err
	}
	if providerPath != "" {
		cfg.Rpc.ProviderPath = providerPath
	}

	return nil
}

func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}

	expanded := os.ExpandEnv(trimmed)
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if expanded == "~" {
			expanded = home
		} else {
			expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~/"))
		}
	}

	return filepath.Clean(expanded), nil
}
