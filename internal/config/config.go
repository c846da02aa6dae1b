package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	ContextDepth  int    `yaml:"context_depth"`
}

type STTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	SampleRate     int    `yaml:"sample_rate"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	PublishInterim bool   `yaml:"publish_interim"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Mode            string `yaml:"mode"` // mock, exec
	Command         string `yaml:"command"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
}

type CharacterConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Persona    string `yaml:"persona"`
}

type ChatConfig struct {
	Characters       []CharacterConfig `yaml:"characters"`
	DefaultCharacter string            `yaml:"default_character"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	History     HistoryConfig   `yaml:"history"`
	STT         STTConfig       `yaml:"stt"`
	LLM         LLMConfig       `yaml:"llm"`
	TTS         TTSConfig       `yaml:"tts"`
	Chat        ChatConfig      `yaml:"chat"`
}

func Default() Config {
	return Config{
		RuntimeName: "ensemble-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		History: HistoryConfig{
			Path:          "./data/ensemble-history.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxSessions:   10000,
			ContextDepth:  12,
		},
		STT: STTConfig{
			Enabled:        false,
			Mode:           "mock",
			SampleRate:     16000,
			PartialEveryMS: 800,
			PublishInterim: true,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.7,
		},
		TTS: TTSConfig{
			Mode:            "mock",
			ChunkDurationMS: 200,
		},
		Chat: ChatConfig{
			Characters: []CharacterConfig{
				{ID: "nova", Name: "Nova", Voice: "en-US-nova", SampleRate: 24000},
			},
			DefaultCharacter: "nova",
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
	overrideString(&cfg.RuntimeName, "ENSEMBLE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "ENSEMBLE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ENSEMBLE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ENSEMBLE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "ENSEMBLE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ENSEMBLE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ENSEMBLE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "ENSEMBLE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "ENSEMBLE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ENSEMBLE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "ENSEMBLE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ENSEMBLE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ENSEMBLE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ENSEMBLE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ENSEMBLE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ENSEMBLE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "ENSEMBLE_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "ENSEMBLE_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "ENSEMBLE_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "ENSEMBLE_HISTORY_MAX_SESSIONS")
	overrideInt(&cfg.History.ContextDepth, "ENSEMBLE_HISTORY_CONTEXT_DEPTH")
	overrideBool(&cfg.STT.Enabled, "ENSEMBLE_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "ENSEMBLE_STT_MODE")
	overrideString(&cfg.STT.Command, "ENSEMBLE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "ENSEMBLE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "ENSEMBLE_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "ENSEMBLE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.PartialEveryMS, "ENSEMBLE_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "ENSEMBLE_STT_PUBLISH_INTERIM")
	overrideString(&cfg.LLM.Mode, "ENSEMBLE_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "ENSEMBLE_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "ENSEMBLE_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "ENSEMBLE_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "ENSEMBLE_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "ENSEMBLE_LLM_TEMPERATURE")
	overrideString(&cfg.TTS.Mode, "ENSEMBLE_TTS_MODE")
	overrideString(&cfg.TTS.Command, "ENSEMBLE_TTS_COMMAND")
	overrideInt(&cfg.TTS.ChunkDurationMS, "ENSEMBLE_TTS_CHUNK_DURATION_MS")
	overrideString(&cfg.Chat.DefaultCharacter, "ENSEMBLE_CHAT_DEFAULT_CHARACTER")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if len(cfg.Chat.Characters) == 0 {
		return errors.New("chat.characters must list at least one character")
	}
	seen := make(map[string]bool)
	for _, ch := range cfg.Chat.Characters {
		if ch.ID == "" || ch.Name == "" {
			return errors.New("every character needs an id and a name")
		}
		if seen[ch.ID] {
			return fmt.Errorf("duplicate character id %q", ch.ID)
		}
		seen[ch.ID] = true
	}
	if cfg.Chat.DefaultCharacter != "" && !seen[cfg.Chat.DefaultCharacter] {
		return fmt.Errorf("chat.default_character %q is not in chat.characters", cfg.Chat.DefaultCharacter)
	}
	return nil
}
