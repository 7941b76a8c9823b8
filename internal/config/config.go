package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// StdoutTraces enables the pretty-printing stdout exporter when no OTLP
	// endpoint is configured.
	StdoutTraces bool `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Media       MediaConfig      `yaml:"media"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// MediaConfig selects where captured audio comes from.
type MediaConfig struct {
	Mode            string `yaml:"mode"` // client, device, mock
	Video           bool   `yaml:"video"`
	Audio           bool   `yaml:"audio"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
}

type STTConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Mode             string `yaml:"mode"` // mock, exec
	Command          string `yaml:"command"`
	ModelPath        string `yaml:"model_path"`
	Language         string `yaml:"language"`
	Continuous       bool   `yaml:"continuous"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	SegmentMS        int    `yaml:"segment_ms"`
	SilenceTimeoutMS int    `yaml:"silence_timeout_ms"`
}

type LLMConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, openai, exec
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	// RequestTimeoutMS bounds a single extraction call. Zero leaves the call
	// unbounded.
	RequestTimeoutMS int `yaml:"request_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-intake",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/intake-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Media: MediaConfig{
			Mode:            "client",
			Video:           true,
			Audio:           true,
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
		},
		STT: STTConfig{
			Enabled:          true,
			Mode:             "mock",
			Language:         "en-US",
			Continuous:       true,
			SampleRate:       16000,
			Channels:         1,
			SegmentMS:        3000,
			SilenceTimeoutMS: 8000,
		},
		LLM: LLMConfig{
			Enabled:     true,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.2,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "INTAKE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "INTAKE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "INTAKE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "INTAKE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "INTAKE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "INTAKE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "INTAKE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "INTAKE_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Embedded, "INTAKE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "INTAKE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "INTAKE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "INTAKE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "INTAKE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "INTAKE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "INTAKE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "INTAKE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "INTAKE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "INTAKE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "INTAKE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "INTAKE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "INTAKE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "INTAKE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Media.Mode, "INTAKE_MEDIA_MODE")
	overrideBool(&cfg.Media.Video, "INTAKE_MEDIA_VIDEO")
	overrideBool(&cfg.Media.Audio, "INTAKE_MEDIA_AUDIO")
	overrideInt(&cfg.Media.SampleRate, "INTAKE_MEDIA_SAMPLE_RATE")
	overrideInt(&cfg.Media.Channels, "INTAKE_MEDIA_CHANNELS")
	overrideInt(&cfg.Media.FrameDurationMS, "INTAKE_MEDIA_FRAME_DURATION_MS")
	overrideBool(&cfg.STT.Enabled, "INTAKE_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "INTAKE_STT_MODE")
	overrideString(&cfg.STT.Command, "INTAKE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "INTAKE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "INTAKE_STT_LANGUAGE")
	overrideBool(&cfg.STT.Continuous, "INTAKE_STT_CONTINUOUS")
	overrideInt(&cfg.STT.SampleRate, "INTAKE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "INTAKE_STT_CHANNELS")
	overrideInt(&cfg.STT.SegmentMS, "INTAKE_STT_SEGMENT_MS")
	overrideInt(&cfg.STT.SilenceTimeoutMS, "INTAKE_STT_SILENCE_TIMEOUT_MS")
	overrideBool(&cfg.LLM.Enabled, "INTAKE_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "INTAKE_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "INTAKE_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "INTAKE_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "INTAKE_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "INTAKE_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "INTAKE_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "INTAKE_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.RequestTimeoutMS, "INTAKE_LLM_REQUEST_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Media.Mode {
	case "client", "device", "mock":
	default:
		return errors.New("media.mode must be one of client|device|mock")
	}
	if !cfg.Media.Audio {
		return errors.New("media.audio must be enabled; speech capture needs a microphone")
	}
	if cfg.Media.SampleRate <= 0 || cfg.Media.Channels <= 0 {
		return errors.New("media.sample_rate and media.channels must be positive")
	}
	if cfg.Media.FrameDurationMS <= 0 {
		return errors.New("media.frame_duration_ms must be positive")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.SegmentMS < 0 || cfg.STT.SilenceTimeoutMS < 0 {
			return errors.New("stt.segment_ms and stt.silence_timeout_ms must be >= 0")
		}
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "openai", "exec":
		default:
			return errors.New("llm.mode must be one of mock|ollama|openai|exec")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
		if cfg.LLM.RequestTimeoutMS < 0 {
			return errors.New("llm.request_timeout_ms must be >= 0")
		}
	}
	return nil
}
