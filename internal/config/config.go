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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	StdoutTraces   bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Audio         AudioConfig         `yaml:"audio"`
	STT           STTConfig           `yaml:"stt"`
	Session       SessionConfig       `yaml:"session"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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

// AuthorizationConfig stands in for the platform speech permission prompt.
type AuthorizationConfig struct {
	Status string `yaml:"status"` // authorized, denied, restricted, not_determined
}

type AudioConfig struct {
	Mode             string `yaml:"mode"` // synth, wav
	WAVPath          string `yaml:"wav_path"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	BufferSize       int    `yaml:"buffer_size"`
	Realtime         bool   `yaml:"realtime"`
	ActivationPolicy string `yaml:"activation_policy"` // lenient, strict
}

type STTConfig struct {
	Mode             string   `yaml:"mode"` // mock, exec
	Command          string   `yaml:"command"`
	ModelPath        string   `yaml:"model_path"`
	Language         string   `yaml:"language"`
	SupportedLocales []string `yaml:"supported_locales"`
	PartialEveryMS   int      `yaml:"partial_every_ms"`
	TimeoutMS        int      `yaml:"timeout_ms"`
	MockPhrase       string   `yaml:"mock_phrase"`
	MockWordMS       int      `yaml:"mock_word_ms"`
}

type SessionConfig struct {
	SilenceTimeoutMS       int    `yaml:"silence_timeout_ms"`
	StopSettleMS           int    `yaml:"stop_settle_ms"`
	RecognitionErrorPolicy string `yaml:"recognition_error_policy"` // continue, stop
	EventQueueSize         int    `yaml:"event_queue_size"`
}

func Default() Config {
	return Config{
		RuntimeName: "voicesearch",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicesearch.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Authorization: AuthorizationConfig{
			Status: "authorized",
		},
		Audio: AudioConfig{
			Mode:             "synth",
			SampleRate:       16000,
			Channels:         1,
			BufferSize:       1024,
			Realtime:         true,
			ActivationPolicy: "lenient",
		},
		STT: STTConfig{
			Mode:           "mock",
			Language:       "en-US",
			PartialEveryMS: 800,
			TimeoutMS:      45000,
			MockPhrase:     "coffee shops near me",
			MockWordMS:     400,
		},
		Session: SessionConfig{
			SilenceTimeoutMS:       1500,
			StopSettleMS:           0,
			RecognitionErrorPolicy: "continue",
			EventQueueSize:         256,
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
	overrideString(&cfg.RuntimeName, "VOICESEARCH_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICESEARCH_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICESEARCH_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICESEARCH_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICESEARCH_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICESEARCH_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICESEARCH_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICESEARCH_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.StdoutTraces, "VOICESEARCH_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "VOICESEARCH_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICESEARCH_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICESEARCH_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICESEARCH_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICESEARCH_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICESEARCH_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICESEARCH_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICESEARCH_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICESEARCH_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICESEARCH_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "VOICESEARCH_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOICESEARCH_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOICESEARCH_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "VOICESEARCH_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOICESEARCH_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Authorization.Status, "VOICESEARCH_AUTHORIZATION_STATUS")
	overrideString(&cfg.Audio.Mode, "VOICESEARCH_AUDIO_MODE")
	overrideString(&cfg.Audio.WAVPath, "VOICESEARCH_AUDIO_WAV_PATH")
	overrideInt(&cfg.Audio.SampleRate, "VOICESEARCH_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "VOICESEARCH_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.BufferSize, "VOICESEARCH_AUDIO_BUFFER_SIZE")
	overrideBool(&cfg.Audio.Realtime, "VOICESEARCH_AUDIO_REALTIME")
	overrideString(&cfg.Audio.ActivationPolicy, "VOICESEARCH_AUDIO_ACTIVATION_POLICY")
	overrideString(&cfg.STT.Mode, "VOICESEARCH_STT_MODE")
	overrideString(&cfg.STT.Command, "VOICESEARCH_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "VOICESEARCH_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "VOICESEARCH_STT_LANGUAGE")
	overrideStringSlice(&cfg.STT.SupportedLocales, "VOICESEARCH_STT_SUPPORTED_LOCALES")
	overrideInt(&cfg.STT.PartialEveryMS, "VOICESEARCH_STT_PARTIAL_EVERY_MS")
	overrideInt(&cfg.STT.TimeoutMS, "VOICESEARCH_STT_TIMEOUT_MS")
	overrideString(&cfg.STT.MockPhrase, "VOICESEARCH_STT_MOCK_PHRASE")
	overrideInt(&cfg.STT.MockWordMS, "VOICESEARCH_STT_MOCK_WORD_MS")
	overrideInt(&cfg.Session.SilenceTimeoutMS, "VOICESEARCH_SESSION_SILENCE_TIMEOUT_MS")
	overrideInt(&cfg.Session.StopSettleMS, "VOICESEARCH_SESSION_STOP_SETTLE_MS")
	overrideString(&cfg.Session.RecognitionErrorPolicy, "VOICESEARCH_SESSION_RECOGNITION_ERROR_POLICY")
	overrideInt(&cfg.Session.EventQueueSize, "VOICESEARCH_SESSION_EVENT_QUEUE_SIZE")
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
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Authorization.Status {
	case "authorized", "denied", "restricted", "not_determined":
	default:
		return errors.New("authorization.status must be one of authorized|denied|restricted|not_determined")
	}
	switch cfg.Audio.Mode {
	case "synth":
	case "wav":
		if cfg.Audio.WAVPath == "" {
			return errors.New("audio.wav_path must be set when mode=wav")
		}
	default:
		return errors.New("audio.mode must be one of synth|wav")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.BufferSize <= 0 {
		return errors.New("audio.buffer_size must be positive")
	}
	switch cfg.Audio.ActivationPolicy {
	case "lenient", "strict":
	default:
		return errors.New("audio.activation_policy must be one of lenient|strict")
	}
	switch cfg.STT.Mode {
	case "mock":
		if cfg.STT.MockWordMS <= 0 {
			return errors.New("stt.mock_word_ms must be positive")
		}
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.PartialEveryMS < 0 {
		return errors.New("stt.partial_every_ms must be >= 0")
	}
	if cfg.Session.SilenceTimeoutMS <= 0 {
		return errors.New("session.silence_timeout_ms must be positive")
	}
	if cfg.Session.StopSettleMS < 0 {
		return errors.New("session.stop_settle_ms must be >= 0")
	}
	switch cfg.Session.RecognitionErrorPolicy {
	case "continue", "stop":
	default:
		return errors.New("session.recognition_error_policy must be one of continue|stop")
	}
	if cfg.Session.EventQueueSize <= 0 {
		return errors.New("session.event_queue_size must be >= 1")
	}
	return nil
}
