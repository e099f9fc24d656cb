package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TRACEDCHAT_HOST", "TRACEDCHAT_PORT",
		EnvOpenAIAPIKey, "OPENAI_BASE_URL",
		EnvLangfusePublicKey, EnvLangfuseSecretKey, "LANGFUSE_HOST",
		"TRACEDCHAT_MODEL", "TRACEDCHAT_TEMPERATURE", "TRACEDCHAT_MAX_TOKENS",
		"TRACEDCHAT_SYSTEM_PROMPT", "TRACEDCHAT_TELEMETRY_BUFFER",
		"OTEL_SDK_DISABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
		"OTEL_SERVICE_NAME", "OTEL_TRACES_EXPORTER", "OTEL_METRICS_EXPORTER",
		"OTEL_TRACES_SAMPLER_ARG", "OTEL_EXPORTER_OTLP_TIMEOUT", "OTEL_METRIC_EXPORT_INTERVAL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Langfuse.Host != "http://localhost:3000" {
		t.Fatalf("langfuse.host=%q, want http://localhost:3000", cfg.Langfuse.Host)
	}
	if cfg.Model.Name != "gpt-3.5-turbo" || cfg.Model.MaxTokens != 500 {
		t.Fatalf("model defaults=%+v", cfg.Model)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("server.port=%d, want default 8080", cfg.Server.Port)
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	clearEnv(t)

	path := writeConfigFile(t, `
server:
  host: 127.0.0.1
  port: 9090
langfuse:
  host: https://cloud.langfuse.example
model:
  name: gpt-4o-mini
  temperature: 0.2
  max_tokens: 128
telemetry:
  buffer_size: 32
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address() != "127.0.0.1:9090" {
		t.Fatalf("address=%q", cfg.Server.Address())
	}
	if cfg.Langfuse.Host != "https://cloud.langfuse.example" {
		t.Fatalf("langfuse.host=%q", cfg.Langfuse.Host)
	}
	if cfg.Model.Name != "gpt-4o-mini" || cfg.Model.MaxTokens != 128 {
		t.Fatalf("model=%+v", cfg.Model)
	}
	if cfg.Telemetry.BufferSize != 32 {
		t.Fatalf("telemetry.buffer_size=%d", cfg.Telemetry.BufferSize)
	}
	if cfg.Model.SystemPrompt == "" {
		t.Fatal("unset yaml fields should keep their defaults")
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	clearEnv(t)

	path := writeConfigFile(t, `
server:
  port: 9090
langfuse:
  host: https://yaml.langfuse.example
`)
	t.Setenv("TRACEDCHAT_PORT", "7070")
	t.Setenv("LANGFUSE_HOST", "https://env.langfuse.example")
	t.Setenv(EnvOpenAIAPIKey, "sk-test")
	t.Setenv(EnvLangfusePublicKey, "pk-test")
	t.Setenv(EnvLangfuseSecretKey, "sk-lf-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("server.port=%d, env must win over yaml", cfg.Server.Port)
	}
	if cfg.Langfuse.Host != "https://env.langfuse.example" {
		t.Fatalf("langfuse.host=%q, env must win over yaml", cfg.Langfuse.Host)
	}
	if cfg.OpenAI.APIKey != "sk-test" || cfg.Langfuse.PublicKey != "pk-test" || cfg.Langfuse.SecretKey != "sk-lf-test" {
		t.Fatal("credentials should be read from the environment")
	}
	if missing := cfg.MissingCredentials(); len(missing) != 0 {
		t.Fatalf("missing=%v, want none", missing)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	clearEnv(t)

	path := writeConfigFile(t, "bogus_section:\n  key: value\n")
	if _, err := Load(path); err == nil {
		t.Fatal("unknown yaml fields should be rejected")
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	clearEnv(t)

	path := writeConfigFile(t, "server:\n  port: 9090\n---\nserver:\n  port: 9091\n")
	if _, err := Load(path); err == nil {
		t.Fatal("multi-document yaml should be rejected")
	}
}

func TestLoadInvalidEnvValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "TRACEDCHAT_PORT", "not-a-port"},
		{"bad temperature", "TRACEDCHAT_TEMPERATURE", "warm"},
		{"bad max tokens", "TRACEDCHAT_MAX_TOKENS", "many"},
		{"bad buffer", "TRACEDCHAT_TELEMETRY_BUFFER", "big"},
		{"bad otel disabled", "OTEL_SDK_DISABLED", "maybe"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(""); err == nil {
				t.Fatalf("%s=%q should fail to load", tc.key, tc.value)
			}
		})
	}
}

func TestMissingCredentialsReportsAllNames(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	missing := cfg.MissingCredentials()
	want := []string{EnvOpenAIAPIKey, EnvLangfusePublicKey, EnvLangfuseSecretKey}
	if len(missing) != len(want) {
		t.Fatalf("missing=%v, want %v", missing, want)
	}
	for i, name := range want {
		if missing[i] != name {
			t.Fatalf("missing=%v, want %v", missing, want)
		}
	}
}

func TestMissingCredentialsPartial(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvOpenAIAPIKey, "sk-test")
	t.Setenv(EnvLangfuseSecretKey, "sk-lf-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	missing := cfg.MissingCredentials()
	if len(missing) != 1 || missing[0] != EnvLangfusePublicKey {
		t.Fatalf("missing=%v, want [%s]", missing, EnvLangfusePublicKey)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"bad port", func(cfg *Config) { cfg.Server.Port = 0 }, "server.port"},
		{"bad langfuse host", func(cfg *Config) { cfg.Langfuse.Host = "not a url" }, "langfuse.host"},
		{"negative retries", func(cfg *Config) { cfg.Langfuse.MaxRetries = -1 }, "langfuse.max_retries"},
		{"bad request timeout", func(cfg *Config) { cfg.Langfuse.RequestTimeoutMS = 0 }, "langfuse.request_timeout_ms"},
		{"bad openai base url", func(cfg *Config) { cfg.OpenAI.BaseURL = "::" }, "openai.base_url"},
		{"empty model", func(cfg *Config) { cfg.Model.Name = " " }, "model.name"},
		{"bad temperature", func(cfg *Config) { cfg.Model.Temperature = 3 }, "model.temperature"},
		{"bad max tokens", func(cfg *Config) { cfg.Model.MaxTokens = 0 }, "model.max_tokens"},
		{"bad buffer", func(cfg *Config) { cfg.Telemetry.BufferSize = 0 }, "telemetry.buffer_size"},
		{"bad shutdown timeout", func(cfg *Config) { cfg.Telemetry.ShutdownTimeoutMS = 0 }, "telemetry.shutdown_timeout_ms"},
		{"otel without endpoint", func(cfg *Config) {
			cfg.Observability.OTel.Enabled = true
			cfg.Observability.OTel.Endpoint = " "
		}, "observability.otel.endpoint"},
		{"otel bad sampling", func(cfg *Config) {
			cfg.Observability.OTel.Enabled = true
			cfg.Observability.OTel.SamplingRatio = 1.5
		}, "sampling_ratio"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("want validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("err=%q, want substring %q", err, tc.wantSub)
			}
		})
	}
}
