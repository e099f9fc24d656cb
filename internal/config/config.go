package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	OpenAI        OpenAIConfig        `yaml:"openai"`
	Langfuse      LangfuseConfig      `yaml:"langfuse"`
	Model         ModelConfig         `yaml:"model"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// OpenAIConfig configures the upstream inference provider. The API key is
// only ever read from the environment.
type OpenAIConfig struct {
	APIKey  string `yaml:"-"`
	BaseURL string `yaml:"base_url"`
}

// LangfuseConfig configures the telemetry sink. Keys are only ever read
// from the environment.
type LangfuseConfig struct {
	Host             string `yaml:"host"`
	PublicKey        string `yaml:"-"`
	SecretKey        string `yaml:"-"`
	MaxRetries       int    `yaml:"max_retries"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

// ModelConfig holds the completion parameters applied to every request.
type ModelConfig struct {
	Name         string  `yaml:"name"`
	Temperature  float32 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	SystemPrompt string  `yaml:"system_prompt"`
}

// TelemetryConfig tunes the async delivery queue.
type TelemetryConfig struct {
	BufferSize        int `yaml:"buffer_size"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	// EnvOpenAIAPIKey and the Langfuse key variables are the required
	// credentials; the process refuses to serve without all three.
	EnvOpenAIAPIKey      = "OPENAI_API_KEY"
	EnvLangfusePublicKey = "LANGFUSE_PUBLIC_KEY"
	EnvLangfuseSecretKey = "LANGFUSE_SECRET_KEY"
)

const (
	defaultLangfuseHost               = "http://localhost:3000"
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "tracedchat"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Langfuse: LangfuseConfig{
			Host:             defaultLangfuseHost,
			MaxRetries:       3,
			RequestTimeoutMS: 10000,
		},
		Model: ModelConfig{
			Name:         "gpt-3.5-turbo",
			Temperature:  0.7,
			MaxTokens:    500,
			SystemPrompt: "You are a helpful assistant that explains things simply.",
		},
		Telemetry: TelemetryConfig{
			BufferSize:        256,
			ShutdownTimeoutMS: 5000,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// MissingCredentials returns the environment variable names of required
// credentials that are absent. Callers report every name at once so a
// misconfigured deployment is fixed in one pass.
func (cfg Config) MissingCredentials() []string {
	var missing []string
	if strings.TrimSpace(cfg.OpenAI.APIKey) == "" {
		missing = append(missing, EnvOpenAIAPIKey)
	}
	if strings.TrimSpace(cfg.Langfuse.PublicKey) == "" {
		missing = append(missing, EnvLangfusePublicKey)
	}
	if strings.TrimSpace(cfg.Langfuse.SecretKey) == "" {
		missing = append(missing, EnvLangfuseSecretKey)
	}
	return missing
}

// Validate checks configuration invariants required at runtime. Credential
// presence is checked separately via MissingCredentials.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	if err := validateBaseURL("langfuse.host", cfg.Langfuse.Host); err != nil {
		return err
	}
	if cfg.Langfuse.MaxRetries < 0 {
		return fmt.Errorf("langfuse.max_retries must be >= 0 (got %d)", cfg.Langfuse.MaxRetries)
	}
	if cfg.Langfuse.RequestTimeoutMS <= 0 {
		return fmt.Errorf("langfuse.request_timeout_ms must be > 0 (got %d)", cfg.Langfuse.RequestTimeoutMS)
	}

	if baseURL := strings.TrimSpace(cfg.OpenAI.BaseURL); baseURL != "" {
		if err := validateBaseURL("openai.base_url", baseURL); err != nil {
			return err
		}
	}

	if strings.TrimSpace(cfg.Model.Name) == "" {
		return errors.New("model.name is required")
	}
	if cfg.Model.Temperature < 0 || cfg.Model.Temperature > 2 {
		return fmt.Errorf("model.temperature must be between 0 and 2 (got %f)", cfg.Model.Temperature)
	}
	if cfg.Model.MaxTokens <= 0 {
		return fmt.Errorf("model.max_tokens must be > 0 (got %d)", cfg.Model.MaxTokens)
	}

	if cfg.Telemetry.BufferSize <= 0 {
		return fmt.Errorf("telemetry.buffer_size must be > 0 (got %d)", cfg.Telemetry.BufferSize)
	}
	if cfg.Telemetry.ShutdownTimeoutMS <= 0 {
		return fmt.Errorf("telemetry.shutdown_timeout_ms must be > 0 (got %d)", cfg.Telemetry.ShutdownTimeoutMS)
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateBaseURL(name, raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s must include scheme and host (got %q)", name, raw)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("TRACEDCHAT_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("TRACEDCHAT_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid TRACEDCHAT_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	cfg.OpenAI.APIKey = os.Getenv(EnvOpenAIAPIKey)
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.OpenAI.BaseURL = baseURL
	}

	cfg.Langfuse.PublicKey = os.Getenv(EnvLangfusePublicKey)
	cfg.Langfuse.SecretKey = os.Getenv(EnvLangfuseSecretKey)
	if host := os.Getenv("LANGFUSE_HOST"); host != "" {
		cfg.Langfuse.Host = host
	}

	if model := os.Getenv("TRACEDCHAT_MODEL"); model != "" {
		cfg.Model.Name = model
	}
	if temperature := os.Getenv("TRACEDCHAT_TEMPERATURE"); temperature != "" {
		v, err := strconv.ParseFloat(temperature, 32)
		if err != nil {
			return fmt.Errorf("invalid TRACEDCHAT_TEMPERATURE: %w", err)
		}
		cfg.Model.Temperature = float32(v)
	}
	if maxTokens := os.Getenv("TRACEDCHAT_MAX_TOKENS"); maxTokens != "" {
		v, err := strconv.Atoi(maxTokens)
		if err != nil {
			return fmt.Errorf("invalid TRACEDCHAT_MAX_TOKENS: %w", err)
		}
		cfg.Model.MaxTokens = v
	}
	if systemPrompt := os.Getenv("TRACEDCHAT_SYSTEM_PROMPT"); systemPrompt != "" {
		cfg.Model.SystemPrompt = systemPrompt
	}

	if bufferSize := os.Getenv("TRACEDCHAT_TELEMETRY_BUFFER"); bufferSize != "" {
		v, err := strconv.Atoi(bufferSize)
		if err != nil {
			return fmt.Errorf("invalid TRACEDCHAT_TELEMETRY_BUFFER: %w", err)
		}
		cfg.Telemetry.BufferSize = v
	}

	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
