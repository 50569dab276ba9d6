package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	TraceStdout    bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	DataDir     string           `yaml:"data_dir"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Jobs        JobsConfig       `yaml:"jobs"`
	Engines     EnginesConfig    `yaml:"engines"`
	Output      OutputConfig     `yaml:"output"`
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
	MirrorEvents   bool     `yaml:"mirror_events"`
}

type EventStoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// JobsConfig controls job scheduling, retention and chunking defaults.
type JobsConfig struct {
	Retention        time.Duration `yaml:"retention"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	LogCap           int           `yaml:"log_cap"`
	MaxWords         int           `yaml:"max_words"`
	GapSeconds       float64       `yaml:"gap_seconds"`
	NormalizeUnicode bool          `yaml:"normalize_unicode"`
}

type EnginesConfig struct {
	Default  string         `yaml:"default"`
	Device   string         `yaml:"device"`
	PoolSize int            `yaml:"pool_size"`
	Backends []EngineConfig `yaml:"backends"`
}

// EngineConfig declares one backend. Mode "mock" renders tones in-process,
// mode "exec" drives an external synthesizer over stdin/stdout.
type EngineConfig struct {
	Name                   string   `yaml:"name"`
	DisplayName            string   `yaml:"display_name"`
	Description            string   `yaml:"description"`
	Mode                   string   `yaml:"mode"`
	Command                string   `yaml:"command"`
	Voices                 []string `yaml:"voices"`
	SupportsVoiceMixing    bool     `yaml:"supports_voice_mixing"`
	RequiresReferenceAudio bool     `yaml:"requires_reference_audio"`
	DefaultReferenceAudio  string   `yaml:"default_reference_audio"`
	SampleRate             int      `yaml:"sample_rate"`
}

type OutputConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Dir            string `yaml:"dir"`
	SubtitleFormat string `yaml:"subtitle_format"`
	Granularity    string `yaml:"granularity"`
	WordsPerCue    int    `yaml:"words_per_cue"`
}

func Default() Config {
	return Config{
		RuntimeName: "abogen",
		Environment: "development",
		DataDir:     "./data",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			MirrorEvents:   true,
		},
		EventStore: EventStoreConfig{
			Enabled:       true,
			Path:          "./data/abogen-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		Jobs: JobsConfig{
			Retention:        time.Hour,
			ReapInterval:     time.Minute,
			MaxConcurrent:    2,
			LogCap:           1000,
			MaxWords:         200,
			GapSeconds:       0.5,
			NormalizeUnicode: true,
		},
		Engines: EnginesConfig{
			Default:  "mock",
			Device:   "cpu",
			PoolSize: 4,
			Backends: []EngineConfig{
				{
					Name:                "mock",
					DisplayName:         "Mock tone engine",
					Description:         "Deterministic sine-tone renderer for development and tests",
					Mode:                "mock",
					Voices:              []string{"af_heart", "af_bella", "am_adam", "bf_emma"},
					SupportsVoiceMixing: true,
					SampleRate:          24000,
				},
			},
		},
		Output: OutputConfig{
			Enabled:        true,
			Dir:            "./data/output",
			SubtitleFormat: "srt",
			Granularity:    "sentence",
			WordsPerCue:    10,
		},
	}
}

// LoadDotEnv reads KEY=VALUE pairs from path into the process environment
// without replacing variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
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

// Engine returns the backend declaration for name.
func (c Config) Engine(name string) (EngineConfig, bool) {
	for _, e := range c.Engines.Backends {
		if e.Name == name {
			return e, true
		}
	}
	return EngineConfig{}, false
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "ABOGEN_RUNTIME_NAME")
	overrideString(&cfg.Environment, "ABOGEN_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.DataDir, "ABOGEN_DATA_DIR")
	overrideString(&cfg.HTTP.Bind, "ABOGEN_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ABOGEN_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "ABOGEN_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ABOGEN_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ABOGEN_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "ABOGEN_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.TraceStdout, "ABOGEN_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Enabled, "ABOGEN_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "ABOGEN_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ABOGEN_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "ABOGEN_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ABOGEN_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ABOGEN_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ABOGEN_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ABOGEN_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ABOGEN_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.MirrorEvents, "ABOGEN_BUS_MIRROR_EVENTS")
	overrideBool(&cfg.EventStore.Enabled, "ABOGEN_EVENT_STORE_ENABLED")
	overrideString(&cfg.EventStore.Path, "ABOGEN_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "ABOGEN_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "ABOGEN_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "ABOGEN_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "ABOGEN_EVENT_STORE_VACUUM_ON_START")
	overrideDuration(&cfg.Jobs.Retention, "ABOGEN_JOBS_RETENTION")
	overrideDuration(&cfg.Jobs.ReapInterval, "ABOGEN_JOBS_REAP_INTERVAL")
	overrideInt(&cfg.Jobs.MaxConcurrent, "ABOGEN_JOBS_MAX_CONCURRENT")
	overrideInt(&cfg.Jobs.LogCap, "ABOGEN_JOBS_LOG_CAP")
	overrideInt(&cfg.Jobs.MaxWords, "ABOGEN_JOBS_MAX_WORDS")
	overrideFloat(&cfg.Jobs.GapSeconds, "ABOGEN_JOBS_GAP_SECONDS")
	overrideBool(&cfg.Jobs.NormalizeUnicode, "ABOGEN_JOBS_NORMALIZE_UNICODE")
	overrideString(&cfg.Engines.Default, "ABOGEN_ENGINES_DEFAULT")
	overrideString(&cfg.Engines.Device, "ABOGEN_ENGINES_DEVICE")
	overrideInt(&cfg.Engines.PoolSize, "ABOGEN_ENGINES_POOL_SIZE")
	overrideBool(&cfg.Output.Enabled, "ABOGEN_OUTPUT_ENABLED")
	overrideString(&cfg.Output.Dir, "ABOGEN_OUTPUT_DIR")
	overrideString(&cfg.Output.SubtitleFormat, "ABOGEN_OUTPUT_SUBTITLE_FORMAT")
	overrideString(&cfg.Output.Granularity, "ABOGEN_OUTPUT_GRANULARITY")
	overrideInt(&cfg.Output.WordsPerCue, "ABOGEN_OUTPUT_WORDS_PER_CUE")
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

func overrideDuration(target *time.Duration, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.DataDir == "" {
		return errors.New("data_dir must not be empty")
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
	if cfg.EventStore.Enabled {
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
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Jobs.Retention < 0 {
		return errors.New("jobs.retention must be >= 0")
	}
	if cfg.Jobs.ReapInterval <= 0 {
		return errors.New("jobs.reap_interval must be positive")
	}
	if cfg.Jobs.MaxConcurrent < 0 {
		return errors.New("jobs.max_concurrent must be >= 0")
	}
	if cfg.Jobs.MaxWords <= 0 {
		return errors.New("jobs.max_words must be positive")
	}
	if cfg.Jobs.GapSeconds < 0 {
		return errors.New("jobs.gap_seconds must be >= 0")
	}
	if len(cfg.Engines.Backends) == 0 {
		return errors.New("engines.backends must not be empty")
	}
	if cfg.Engines.PoolSize <= 0 {
		return errors.New("engines.pool_size must be >= 1")
	}
	seen := make(map[string]bool, len(cfg.Engines.Backends))
	for _, e := range cfg.Engines.Backends {
		if e.Name == "" {
			return errors.New("engines.backends[].name must not be empty")
		}
		if seen[e.Name] {
			return fmt.Errorf("engines.backends: duplicate engine %q", e.Name)
		}
		seen[e.Name] = true
		switch e.Mode {
		case "mock":
		case "exec":
			if e.Command == "" {
				return fmt.Errorf("engines.backends[%s].command must be set when mode=exec", e.Name)
			}
		default:
			return fmt.Errorf("engines.backends[%s].mode must be one of mock|exec", e.Name)
		}
		if e.SampleRate < 0 {
			return fmt.Errorf("engines.backends[%s].sample_rate must be >= 0", e.Name)
		}
	}
	if !seen[cfg.Engines.Default] {
		return fmt.Errorf("engines.default %q is not a configured backend", cfg.Engines.Default)
	}
	if cfg.Output.Enabled && cfg.Output.Dir == "" {
		return errors.New("output.dir must not be empty when output is enabled")
	}
	switch strings.ToLower(cfg.Output.SubtitleFormat) {
	case "srt", "vtt", "ass":
	default:
		return errors.New("output.subtitle_format must be one of srt|vtt|ass")
	}
	switch strings.ToLower(cfg.Output.Granularity) {
	case "", "line", "sentence", "words":
	default:
		return errors.New("output.granularity must be one of line|sentence|words")
	}
	if cfg.Output.WordsPerCue < 0 {
		return errors.New("output.words_per_cue must be >= 0")
	}
	return nil
}
