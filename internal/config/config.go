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
	MetricsPath  string `yaml:"metrics_path"`
}

type HTTPConfig struct {
	Bind              string   `yaml:"bind"`
	Port              int      `yaml:"port"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	ReadBufferBytes   int      `yaml:"read_buffer_bytes"`
	WriteBufferBytes  int      `yaml:"write_buffer_bytes"`
	MaxMessageBytes   int64    `yaml:"max_message_bytes"`
	PingIntervalMS    int      `yaml:"ping_interval_ms"`
	WriteTimeoutMS    int      `yaml:"write_timeout_ms"`
	OutboundQueueSize int      `yaml:"outbound_queue_size"`
	// InspectSessions mounts GET /sessions/{id}, which returns recorded
	// transcripts. Keep it off on untrusted networks.
	InspectSessions bool `yaml:"inspect_sessions"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Auth        AuthConfig       `yaml:"auth"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	TTS         TTSConfig        `yaml:"tts"`
	Breaker     BreakerConfig    `yaml:"breaker"`
}

// AuthConfig selects how bearer tokens presented by clients are validated.
type AuthConfig struct {
	Mode      string            `yaml:"mode"` // jwks, hmac, static, disabled
	IssuerURL string            `yaml:"issuer_url"`
	Realm     string            `yaml:"realm"`
	JWKSURL   string            `yaml:"jwks_url"`
	Audience  string            `yaml:"audience"`
	Secret    string            `yaml:"secret"`
	Tokens    map[string]string `yaml:"tokens"`
	CacheTTL  int               `yaml:"jwks_cache_ttl_ms"`
	TimeoutMS int               `yaml:"timeout_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
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
	Path            string `yaml:"path"`
	RetentionMode   string `yaml:"retention_mode"`
	RetentionDays   int    `yaml:"retention_days"`
	MaxSessions     int    `yaml:"max_sessions"`
	VacuumOnStart   bool   `yaml:"vacuum_on_start"`
	PruneIntervalMS int    `yaml:"prune_interval_ms"`
}

// STTConfig covers the transcription engine and the segmentation of inbound audio.
type STTConfig struct {
	Enabled          bool    `yaml:"enabled"`
	Mode             string  `yaml:"mode"` // mock, exec, http
	Command          string  `yaml:"command"`
	Endpoint         string  `yaml:"endpoint"`
	ModelPath        string  `yaml:"model_path"`
	Language         string  `yaml:"language"`
	SampleRate       int     `yaml:"sample_rate"`
	EnergyThreshold  float64 `yaml:"energy_threshold"`
	FrameDurationMS  int     `yaml:"frame_duration_ms"`
	SilenceMS        int     `yaml:"silence_ms"`
	MinSpeechMS      int     `yaml:"min_speech_ms"`
	MaxSegmentMS     int     `yaml:"max_segment_ms"`
	OverlapMS        int     `yaml:"overlap_ms"`
	TimeoutMS        int     `yaml:"timeout_ms"`
	QueueSize        int     `yaml:"queue_size"`
	ContextHintChars int     `yaml:"context_hint_chars"`
	MaxConcurrent    int     `yaml:"max_concurrent"` // exec mode; 0 is unbounded
}

type TTSConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Mode            string  `yaml:"mode"` // mock, exec
	Command         string  `yaml:"command"`
	Voice           string  `yaml:"voice"`
	Speed           float64 `yaml:"speed"`
	SampleRate      int     `yaml:"sample_rate"`
	ChunkDurationMS int     `yaml:"chunk_duration_ms"`
	FramePacingMS   int     `yaml:"frame_pacing_ms"`
	TimeoutMS       int     `yaml:"timeout_ms"`
	OnSentenceError string  `yaml:"on_sentence_error"` // continue, abort
	MaxConcurrent   int     `yaml:"max_concurrent"`    // exec mode; 0 is unbounded
}

// BreakerConfig tunes the circuit breakers wrapped around engine calls.
type BreakerConfig struct {
	Enabled             bool `yaml:"enabled"`
	ConsecutiveFailures int  `yaml:"consecutive_failures"`
	OpenTimeoutMS       int  `yaml:"open_timeout_ms"`
	HalfOpenRequests    int  `yaml:"half_open_requests"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-speech",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:              "0.0.0.0",
			Port:              3000,
			ReadBufferBytes:   16384,
			WriteBufferBytes:  16384,
			MaxMessageBytes:   4 << 20,
			PingIntervalMS:    20000,
			WriteTimeoutMS:    10000,
			OutboundQueueSize: 256,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			MetricsPath:  "/metrics",
		},
		Auth: AuthConfig{
			Mode:      "jwks",
			IssuerURL: "http://keycloak.keycloak.svc.cluster.local",
			Realm:     "homekube",
			Audience:  "speech",
			CacheTTL:  3600000,
			TimeoutMS: 10000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:            "./data/loqa-speech.db",
			RetentionMode:   "session",
			RetentionDays:   7,
			MaxSessions:     10000,
			PruneIntervalMS: 3600000,
		},
		STT: STTConfig{
			Enabled:          true,
			Mode:             "mock",
			Language:         "en",
			SampleRate:       16000,
			EnergyThreshold:  0.01,
			FrameDurationMS:  30,
			SilenceMS:        500,
			MinSpeechMS:      250,
			MaxSegmentMS:     10000,
			OverlapMS:        500,
			TimeoutMS:        45000,
			QueueSize:        16,
			ContextHintChars: 200,
		},
		TTS: TTSConfig{
			Enabled:         true,
			Mode:            "mock",
			Voice:           "af_heart",
			Speed:           1.0,
			SampleRate:      24000,
			ChunkDurationMS: 100,
			FramePacingMS:   10,
			TimeoutMS:       45000,
			OnSentenceError: "continue",
		},
		Breaker: BreakerConfig{
			Enabled:             true,
			ConsecutiveFailures: 5,
			OpenTimeoutMS:       30000,
			HalfOpenRequests:    1,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "LOQA_HTTP_ALLOWED_ORIGINS")
	overrideInt(&cfg.HTTP.PingIntervalMS, "LOQA_HTTP_PING_INTERVAL_MS")
	overrideBool(&cfg.HTTP.InspectSessions, "LOQA_HTTP_INSPECT_SESSIONS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.MetricsPath, "LOQA_TELEMETRY_METRICS_PATH")
	overrideString(&cfg.Auth.Mode, "LOQA_AUTH_MODE")
	overrideString(&cfg.Auth.IssuerURL, "LOQA_AUTH_ISSUER_URL")
	overrideString(&cfg.Auth.Realm, "LOQA_AUTH_REALM")
	overrideString(&cfg.Auth.JWKSURL, "LOQA_AUTH_JWKS_URL")
	overrideString(&cfg.Auth.Audience, "LOQA_AUTH_AUDIENCE")
	overrideString(&cfg.Auth.Secret, "LOQA_AUTH_SECRET")
	overrideInt(&cfg.Auth.TimeoutMS, "LOQA_AUTH_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.EventStore.PruneIntervalMS, "LOQA_EVENT_STORE_PRUNE_INTERVAL_MS")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideFloat(&cfg.STT.EnergyThreshold, "LOQA_STT_ENERGY_THRESHOLD")
	overrideInt(&cfg.STT.FrameDurationMS, "LOQA_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.SilenceMS, "LOQA_STT_SILENCE_MS")
	overrideInt(&cfg.STT.MinSpeechMS, "LOQA_STT_MIN_SPEECH_MS")
	overrideInt(&cfg.STT.MaxSegmentMS, "LOQA_STT_MAX_SEGMENT_MS")
	overrideInt(&cfg.STT.OverlapMS, "LOQA_STT_OVERLAP_MS")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideInt(&cfg.STT.ContextHintChars, "LOQA_STT_CONTEXT_HINT_CHARS")
	overrideInt(&cfg.STT.MaxConcurrent, "LOQA_STT_MAX_CONCURRENT")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideFloat(&cfg.TTS.Speed, "LOQA_TTS_SPEED")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.TTS.FramePacingMS, "LOQA_TTS_FRAME_PACING_MS")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideString(&cfg.TTS.OnSentenceError, "LOQA_TTS_ON_SENTENCE_ERROR")
	overrideInt(&cfg.TTS.MaxConcurrent, "LOQA_TTS_MAX_CONCURRENT")
	overrideBool(&cfg.Breaker.Enabled, "LOQA_BREAKER_ENABLED")
	overrideInt(&cfg.Breaker.ConsecutiveFailures, "LOQA_BREAKER_CONSECUTIVE_FAILURES")
	overrideInt(&cfg.Breaker.OpenTimeoutMS, "LOQA_BREAKER_OPEN_TIMEOUT_MS")
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
	if cfg.HTTP.OutboundQueueSize <= 0 {
		return errors.New("http.outbound_queue_size must be positive")
	}
	if cfg.HTTP.MaxMessageBytes <= 0 {
		return errors.New("http.max_message_bytes must be positive")
	}
	if !strings.HasPrefix(cfg.Telemetry.MetricsPath, "/") {
		return errors.New("telemetry.metrics_path must start with /")
	}
	switch cfg.Auth.Mode {
	case "jwks":
		if cfg.Auth.JWKSURL == "" && (cfg.Auth.IssuerURL == "" || cfg.Auth.Realm == "") {
			return errors.New("auth.jwks_url or auth.issuer_url and auth.realm must be set when mode=jwks")
		}
	case "hmac":
		if cfg.Auth.Secret == "" {
			return errors.New("auth.secret must be set when mode=hmac")
		}
	case "static":
		if len(cfg.Auth.Tokens) == 0 {
			return errors.New("auth.tokens must not be empty when mode=static")
		}
	case "disabled":
	default:
		return errors.New("auth.mode must be one of jwks|hmac|static|disabled")
	}
	if cfg.Auth.TimeoutMS <= 0 {
		return errors.New("auth.timeout_ms must be positive")
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
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec", "http":
		default:
			return errors.New("stt.mode must be one of mock|exec|http")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.Mode == "http" && cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=http")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.FrameDurationMS <= 0 {
			return errors.New("stt.frame_duration_ms must be positive")
		}
		if cfg.STT.EnergyThreshold <= 0 || cfg.STT.EnergyThreshold >= 1 {
			return errors.New("stt.energy_threshold must be between 0 and 1")
		}
		if cfg.STT.MaxSegmentMS <= cfg.STT.MinSpeechMS {
			return errors.New("stt.max_segment_ms must be greater than min_speech_ms")
		}
		if cfg.STT.OverlapMS < 0 || cfg.STT.OverlapMS >= cfg.STT.MaxSegmentMS {
			return errors.New("stt.overlap_ms must be >= 0 and below max_segment_ms")
		}
		if cfg.STT.TimeoutMS <= 0 {
			return errors.New("stt.timeout_ms must be positive")
		}
		if cfg.STT.QueueSize <= 0 {
			return errors.New("stt.queue_size must be positive")
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.ChunkDurationMS <= 0 {
			return errors.New("tts.chunk_duration_ms must be positive")
		}
		if cfg.TTS.Speed <= 0 {
			return errors.New("tts.speed must be positive")
		}
		if cfg.TTS.TimeoutMS <= 0 {
			return errors.New("tts.timeout_ms must be positive")
		}
		switch cfg.TTS.OnSentenceError {
		case "continue", "abort":
		default:
			return errors.New("tts.on_sentence_error must be one of continue|abort")
		}
	}
	if cfg.Breaker.Enabled {
		if cfg.Breaker.ConsecutiveFailures <= 0 {
			return errors.New("breaker.consecutive_failures must be positive")
		}
		if cfg.Breaker.OpenTimeoutMS <= 0 {
			return errors.New("breaker.open_timeout_ms must be positive")
		}
	}
	return nil
}
