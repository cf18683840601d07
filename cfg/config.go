package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// SourceConfiguration locates the change stream source.
type SourceConfiguration struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
	// Namespaces are glob patterns selecting which collections to
	// capture. Empty means all.
	Namespaces []string `toml:"namespaces"`
}

// SinkConfiguration controls the downstream and dead-letter topics.
type SinkConfiguration struct {
	Type             string   `toml:"type"` // "nats" or "kafka"
	Topic            string   `toml:"topic"`
	DeadLetterTopic  string   `toml:"dead_letter_topic"`
	NatsURL          string   `toml:"nats_url"`
	Brokers          []string `toml:"brokers"`
	Workers          int      `toml:"workers"`
	PublishTimeoutMS int      `toml:"publish_timeout_ms"`
	RetryAttempts    int      `toml:"retry_attempts"`
	RetryInitialMS   int      `toml:"retry_initial_ms"`
	RetryMaxMS       int      `toml:"retry_max_ms"`
}

// QueueConfiguration controls the consumer/publisher handoff buffer.
type QueueConfiguration struct {
	Capacity      int     `toml:"capacity"`
	HighWaterMark float64 `toml:"high_water_mark"` // fraction of capacity
}

// CheckpointConfiguration controls checkpoint persistence and resume.
type CheckpointConfiguration struct {
	Store               string `toml:"store"` // "pebble", "mongo" or "memory"
	Path                string `toml:"path"`  // pebble directory
	Collection          string `toml:"collection"`
	DocumentID          string `toml:"document_id"`
	Events              int    `toml:"events"`  // count threshold
	Seconds             int    `toml:"seconds"` // time threshold
	ReplayWindowHours   int    `toml:"replay_window_hours"`
	ResumeBufferMinutes int    `toml:"resume_buffer_minutes"`
	SafeLookbackHours   int    `toml:"safe_lookback_hours"`
}

// BreakerConfiguration controls the dead-letter circuit breaker.
type BreakerConfiguration struct {
	Threshold     int `toml:"threshold"`
	WindowSeconds int `toml:"window_seconds"`
	CooldownMS    int `toml:"cooldown_ms"`
}

// ConsumerConfiguration controls stream consumer behavior.
type ConsumerConfiguration struct {
	IdlePollMS             int `toml:"idle_poll_ms"`
	BackpressurePauseMS    int `toml:"backpressure_pause_ms"`
	ReconnectInitialMS     int `toml:"reconnect_initial_ms"`
	ReconnectMaxMS         int `toml:"reconnect_max_ms"`
	MaxConsecutiveFailures int `toml:"max_consecutive_failures"`
	CooldownSeconds        int `toml:"cooldown_seconds"`
}

// HTTPConfiguration controls the health/status surface.
type HTTPConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// LoggingConfiguration controls logging behavior.
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics.
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure.
type Configuration struct {
	InstanceID           uint64 `toml:"instance_id"`
	ShutdownGraceSeconds int    `toml:"shutdown_grace_seconds"`

	Source     SourceConfiguration     `toml:"source"`
	Sink       SinkConfiguration       `toml:"sink"`
	Queue      QueueConfiguration      `toml:"queue"`
	Checkpoint CheckpointConfiguration `toml:"checkpoint"`
	Breaker    BreakerConfiguration    `toml:"breaker"`
	Consumer   ConsumerConfiguration   `toml:"consumer"`
	HTTP       HTTPConfiguration       `toml:"http"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	HTTPPortFlag   = flag.Int("http-port", 0, "Health/status HTTP port (overrides config)")
	InstanceIDFlag = flag.Uint64("instance-id", 0, "Instance ID (overrides config, 0=auto)")
)

// Default configuration
var Config = &Configuration{
	InstanceID:           0, // Auto-generate
	ShutdownGraceSeconds: 30,

	Source: SourceConfiguration{},

	Sink: SinkConfiguration{
		Type:             "nats",
		NatsURL:          "nats://localhost:4222",
		Workers:          10,
		PublishTimeoutMS: 5000,
		RetryAttempts:    3,
		RetryInitialMS:   100,
		RetryMaxMS:       5000,
	},

	Queue: QueueConfiguration{
		Capacity:      10000,
		HighWaterMark: 0.8,
	},

	Checkpoint: CheckpointConfiguration{
		Store:               "pebble",
		Path:                "./tributary-data/checkpoint",
		Collection:          "resume_tokens",
		DocumentID:          "change_stream",
		Events:              1000,
		Seconds:             30,
		ReplayWindowHours:   24,
		ResumeBufferMinutes: 5,
		SafeLookbackHours:   2,
	},

	Breaker: BreakerConfiguration{
		Threshold:     100,
		WindowSeconds: 300,
		CooldownMS:    1000,
	},

	Consumer: ConsumerConfiguration{
		IdlePollMS:             500,
		BackpressurePauseMS:    250,
		ReconnectInitialMS:     1000,
		ReconnectMaxMS:         30000,
		MaxConsecutiveFailures: 10,
		CooldownSeconds:        60,
	},

	HTTP: HTTPConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    8080,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies environment and CLI
// overrides, in that order.
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	applyEnvOverrides()

	if *HTTPPortFlag != 0 {
		Config.HTTP.Port = *HTTPPortFlag
	}
	if *InstanceIDFlag != 0 {
		Config.InstanceID = *InstanceIDFlag
	}

	if Config.InstanceID == 0 {
		var err error
		Config.InstanceID, err = generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		log.Info().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	return nil
}

// applyEnvOverrides maps the environment-style configuration surface
// onto the loaded configuration. Environment always wins over the file
// so connection strings can stay out of it.
func applyEnvOverrides() {
	envString("TRIBUTARY_MONGO_URI", &Config.Source.URI)
	envString("TRIBUTARY_MONGO_DB_NAME", &Config.Source.Database)
	envStrings("TRIBUTARY_NAMESPACES", &Config.Source.Namespaces)

	envString("TRIBUTARY_SINK_TYPE", &Config.Sink.Type)
	envString("TRIBUTARY_TOPIC", &Config.Sink.Topic)
	envString("TRIBUTARY_DEAD_LETTER_TOPIC", &Config.Sink.DeadLetterTopic)
	envString("TRIBUTARY_NATS_URL", &Config.Sink.NatsURL)
	envStrings("TRIBUTARY_KAFKA_BROKERS", &Config.Sink.Brokers)
	envInt("TRIBUTARY_PUBLISHER_WORKERS", &Config.Sink.Workers)
	envInt("TRIBUTARY_PUBLISH_TIMEOUT_MS", &Config.Sink.PublishTimeoutMS)
	envInt("TRIBUTARY_PUBLISH_RETRY_ATTEMPTS", &Config.Sink.RetryAttempts)

	envInt("TRIBUTARY_QUEUE_CAPACITY", &Config.Queue.Capacity)
	envFloat("TRIBUTARY_QUEUE_HIGH_WATER_MARK", &Config.Queue.HighWaterMark)

	envString("TRIBUTARY_CHECKPOINT_STORE", &Config.Checkpoint.Store)
	envString("TRIBUTARY_CHECKPOINT_PATH", &Config.Checkpoint.Path)
	envInt("TRIBUTARY_CHECKPOINT_EVENTS", &Config.Checkpoint.Events)
	envInt("TRIBUTARY_CHECKPOINT_SECONDS", &Config.Checkpoint.Seconds)
	envInt("TRIBUTARY_OPLOG_WINDOW_HOURS", &Config.Checkpoint.ReplayWindowHours)
	envInt("TRIBUTARY_RESUME_BUFFER_MINUTES", &Config.Checkpoint.ResumeBufferMinutes)
	envInt("TRIBUTARY_SAFE_LOOKBACK_HOURS", &Config.Checkpoint.SafeLookbackHours)

	envInt("TRIBUTARY_CIRCUIT_BREAKER_THRESHOLD", &Config.Breaker.Threshold)
	envInt("TRIBUTARY_CIRCUIT_BREAKER_WINDOW_SECONDS", &Config.Breaker.WindowSeconds)

	envInt("TRIBUTARY_SHUTDOWN_GRACE_PERIOD", &Config.ShutdownGraceSeconds)
}

func envString(name string, target *string) {
	if v := os.Getenv(name); v != "" {
		*target = v
	}
}

func envStrings(name string, target *[]string) {
	if v := os.Getenv(name); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*target = out
	}
}

func envInt(name string, target *int) {
	if v := os.Getenv(name); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Warn().Str("var", name).Str("value", v).Msg("Ignoring non-integer environment override")
			return
		}
		*target = n
	}
}

func envFloat(name string, target *float64) {
	if v := os.Getenv(name); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Warn().Str("var", name).Str("value", v).Msg("Ignoring non-numeric environment override")
			return
		}
		*target = f
	}
}

// generateInstanceID creates a stable instance ID based on machine ID.
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("tributary")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors. Failures here are fatal at
// startup; the process refuses to start on a bad configuration.
func Validate() error {
	if Config.Source.URI == "" {
		return fmt.Errorf("source.uri is required (or TRIBUTARY_MONGO_URI)")
	}
	if Config.Source.Database == "" {
		return fmt.Errorf("source.database is required (or TRIBUTARY_MONGO_DB_NAME)")
	}
	if Config.Sink.Topic == "" {
		return fmt.Errorf("sink.topic is required (or TRIBUTARY_TOPIC)")
	}

	switch Config.Sink.Type {
	case "nats":
		if Config.Sink.NatsURL == "" {
			return fmt.Errorf("sink.nats_url is required for the nats sink")
		}
	case "kafka":
		if len(Config.Sink.Brokers) == 0 {
			return fmt.Errorf("sink.brokers is required for the kafka sink")
		}
	default:
		return fmt.Errorf("unknown sink type: %s", Config.Sink.Type)
	}

	if Config.Sink.Workers < 1 {
		return fmt.Errorf("sink.workers must be >= 1")
	}
	if Config.Sink.RetryAttempts < 1 {
		return fmt.Errorf("sink.retry_attempts must be >= 1")
	}
	if Config.Sink.PublishTimeoutMS < 1 {
		return fmt.Errorf("sink.publish_timeout_ms must be >= 1")
	}

	if Config.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be >= 1")
	}
	if Config.Queue.HighWaterMark <= 0 || Config.Queue.HighWaterMark > 1 {
		return fmt.Errorf("queue.high_water_mark must be in (0, 1]")
	}

	if Config.Checkpoint.Events < 1 {
		return fmt.Errorf("checkpoint.events must be >= 1")
	}
	if Config.Checkpoint.Seconds < 1 {
		return fmt.Errorf("checkpoint.seconds must be >= 1")
	}
	if Config.Checkpoint.ReplayWindowHours < 1 {
		return fmt.Errorf("checkpoint.replay_window_hours must be >= 1")
	}
	if Config.Checkpoint.Store == "pebble" && Config.Checkpoint.Path == "" {
		return fmt.Errorf("checkpoint.path is required for the pebble store")
	}

	if Config.Breaker.Threshold < 1 {
		return fmt.Errorf("breaker.threshold must be >= 1")
	}
	if Config.Breaker.WindowSeconds < 1 {
		return fmt.Errorf("breaker.window_seconds must be >= 1")
	}

	if Config.HTTP.Enabled && (Config.HTTP.Port < 1 || Config.HTTP.Port > 65535) {
		return fmt.Errorf("invalid HTTP port: %d", Config.HTTP.Port)
	}

	if Config.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("shutdown_grace_seconds must be >= 0")
	}

	return nil
}
