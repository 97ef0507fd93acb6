package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	RoleAuthority = "authority"
	RoleMirror    = "mirror"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Node         NodeConfig         `yaml:"node"`
	Session      SessionConfig      `yaml:"session"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	Narration    NarrationConfig    `yaml:"narration"`
	Presentation PresentationConfig `yaml:"presentation"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"` // authority, mirror
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

// SessionConfig describes the lecture this node takes part in.
type SessionConfig struct {
	ID                string `yaml:"id"`
	DeckPath          string `yaml:"deck_path"`
	RequestTimeoutMS  int    `yaml:"request_timeout_ms"`
	SnapshotTimeoutMS int    `yaml:"snapshot_timeout_ms"`
	QueueSize         int    `yaml:"queue_size"`
	MinParticipants   int    `yaml:"min_participants"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type NarrationConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Mode                string `yaml:"mode"` // mock, exec, http
	Command             string `yaml:"command"`
	Endpoint            string `yaml:"endpoint"`
	Authorization       string `yaml:"authorization"`
	Voice               string `yaml:"voice"`
	SampleRate          int    `yaml:"sample_rate"`
	Channels            int    `yaml:"channels"`
	TimeoutMS           int    `yaml:"timeout_ms"`
	InterruptOnNewSpeak bool   `yaml:"interrupt_on_new_speak"`
	PublishAudio        bool   `yaml:"publish_audio"`
}

type PresentationConfig struct {
	WebsocketEnabled bool `yaml:"websocket_enabled"`
	WriteTimeoutMS   int  `yaml:"write_timeout_ms"`
	ViewerBuffer     int  `yaml:"viewer_buffer"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-lecture",
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
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "lecture-node-1",
			Role:              RoleAuthority,
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Session: SessionConfig{
			ID:                "lecture",
			DeckPath:          "./deck.yaml",
			RequestTimeoutMS:  2000,
			SnapshotTimeoutMS: 3000,
			QueueSize:         64,
			MinParticipants:   0,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/lecture-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Narration: NarrationConfig{
			Enabled:             false,
			Mode:                "mock",
			Endpoint:            "http://127.0.0.1:5005/tts",
			SampleRate:          22050,
			Channels:            1,
			TimeoutMS:           30000,
			InterruptOnNewSpeak: true,
			PublishAudio:        true,
		},
		Presentation: PresentationConfig{
			WebsocketEnabled: true,
			WriteTimeoutMS:   5000,
			ViewerBuffer:     8,
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

// IsAuthority reports whether this node owns the session index.
func (c Config) IsAuthority() bool {
	return c.Node.Role == RoleAuthority
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LECTURE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LECTURE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LECTURE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LECTURE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LECTURE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LECTURE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LECTURE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LECTURE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LECTURE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LECTURE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LECTURE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LECTURE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LECTURE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LECTURE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LECTURE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LECTURE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LECTURE_NODE_ID")
	overrideString(&cfg.Node.Role, "LECTURE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LECTURE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LECTURE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Session.ID, "LECTURE_SESSION_ID")
	overrideString(&cfg.Session.DeckPath, "LECTURE_SESSION_DECK_PATH")
	overrideInt(&cfg.Session.RequestTimeoutMS, "LECTURE_SESSION_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Session.SnapshotTimeoutMS, "LECTURE_SESSION_SNAPSHOT_TIMEOUT_MS")
	overrideInt(&cfg.Session.QueueSize, "LECTURE_SESSION_QUEUE_SIZE")
	overrideInt(&cfg.Session.MinParticipants, "LECTURE_SESSION_MIN_PARTICIPANTS")
	overrideString(&cfg.EventStore.Path, "LECTURE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LECTURE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LECTURE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LECTURE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LECTURE_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Narration.Enabled, "LECTURE_NARRATION_ENABLED")
	overrideString(&cfg.Narration.Mode, "LECTURE_NARRATION_MODE")
	overrideString(&cfg.Narration.Command, "LECTURE_NARRATION_COMMAND")
	overrideString(&cfg.Narration.Endpoint, "LECTURE_NARRATION_ENDPOINT")
	overrideString(&cfg.Narration.Authorization, "LECTURE_NARRATION_AUTHORIZATION")
	overrideString(&cfg.Narration.Voice, "LECTURE_NARRATION_VOICE")
	overrideInt(&cfg.Narration.SampleRate, "LECTURE_NARRATION_SAMPLE_RATE")
	overrideInt(&cfg.Narration.Channels, "LECTURE_NARRATION_CHANNELS")
	overrideInt(&cfg.Narration.TimeoutMS, "LECTURE_NARRATION_TIMEOUT_MS")
	overrideBool(&cfg.Narration.InterruptOnNewSpeak, "LECTURE_NARRATION_INTERRUPT_ON_NEW_SPEAK")
	overrideBool(&cfg.Narration.PublishAudio, "LECTURE_NARRATION_PUBLISH_AUDIO")
	overrideBool(&cfg.Presentation.WebsocketEnabled, "LECTURE_PRESENTATION_WEBSOCKET_ENABLED")
	overrideInt(&cfg.Presentation.WriteTimeoutMS, "LECTURE_PRESENTATION_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Presentation.ViewerBuffer, "LECTURE_PRESENTATION_VIEWER_BUFFER")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	switch cfg.Node.Role {
	case RoleAuthority, RoleMirror:
	default:
		return errors.New("node.role must be one of authority|mirror")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.Session.ID == "" {
		return errors.New("session.id must not be empty")
	}
	if strings.ContainsAny(cfg.Session.ID, ".*> \t") {
		return errors.New("session.id must not contain subject tokens (. * >) or whitespace")
	}
	if cfg.Session.DeckPath == "" {
		return errors.New("session.deck_path must not be empty")
	}
	if cfg.Session.RequestTimeoutMS <= 0 {
		return errors.New("session.request_timeout_ms must be positive")
	}
	if cfg.Session.SnapshotTimeoutMS <= 0 {
		return errors.New("session.snapshot_timeout_ms must be positive")
	}
	if cfg.Session.QueueSize <= 0 {
		return errors.New("session.queue_size must be >= 1")
	}
	if cfg.Session.MinParticipants < 0 {
		return errors.New("session.min_participants must be >= 0")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Narration.Enabled {
		switch cfg.Narration.Mode {
		case "mock", "exec", "http":
		default:
			return errors.New("narration.mode must be one of mock|exec|http")
		}
		if cfg.Narration.Mode == "exec" && cfg.Narration.Command == "" {
			return errors.New("narration.command must be set when mode=exec")
		}
		if cfg.Narration.Mode == "http" && cfg.Narration.Endpoint == "" {
			return errors.New("narration.endpoint must be set when mode=http")
		}
		if cfg.Narration.SampleRate <= 0 {
			return errors.New("narration.sample_rate must be positive")
		}
		if cfg.Narration.Channels <= 0 {
			return errors.New("narration.channels must be positive")
		}
		if cfg.Narration.TimeoutMS < 0 {
			return errors.New("narration.timeout_ms must be >= 0")
		}
	}
	if cfg.Presentation.WebsocketEnabled && cfg.Presentation.ViewerBuffer <= 0 {
		return errors.New("presentation.viewer_buffer must be >= 1 when websocket is enabled")
	}
	return nil
}
