package cfg

import (
	"testing"
)

func validConfig() *Configuration {
	return &Configuration{
		InstanceID:           1,
		ShutdownGraceSeconds: 30,
		Source: SourceConfiguration{
			URI:      "mongodb://localhost:27017",
			Database: "app",
		},
		Sink: SinkConfiguration{
			Type:             "nats",
			Topic:            "app.events",
			NatsURL:          "nats://localhost:4222",
			Workers:          10,
			PublishTimeoutMS: 5000,
			RetryAttempts:    3,
		},
		Queue: QueueConfiguration{
			Capacity:      10000,
			HighWaterMark: 0.8,
		},
		Checkpoint: CheckpointConfiguration{
			Store:             "pebble",
			Path:              "./data/checkpoint",
			Events:            1000,
			Seconds:           30,
			ReplayWindowHours: 24,
		},
		Breaker: BreakerConfiguration{
			Threshold:     100,
			WindowSeconds: 300,
		},
		HTTP: HTTPConfiguration{
			Enabled: true,
			Port:    8080,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	if err := Validate(); err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"missing source URI", func(c *Configuration) { c.Source.URI = "" }},
		{"missing source database", func(c *Configuration) { c.Source.Database = "" }},
		{"missing topic", func(c *Configuration) { c.Sink.Topic = "" }},
		{"unknown sink type", func(c *Configuration) { c.Sink.Type = "pulsar" }},
		{"nats without URL", func(c *Configuration) { c.Sink.NatsURL = "" }},
		{"kafka without brokers", func(c *Configuration) { c.Sink.Type = "kafka"; c.Sink.Brokers = nil }},
		{"zero workers", func(c *Configuration) { c.Sink.Workers = 0 }},
		{"zero retry attempts", func(c *Configuration) { c.Sink.RetryAttempts = 0 }},
		{"zero queue capacity", func(c *Configuration) { c.Queue.Capacity = 0 }},
		{"high water mark over 1", func(c *Configuration) { c.Queue.HighWaterMark = 1.5 }},
		{"high water mark zero", func(c *Configuration) { c.Queue.HighWaterMark = 0 }},
		{"zero checkpoint events", func(c *Configuration) { c.Checkpoint.Events = 0 }},
		{"zero checkpoint seconds", func(c *Configuration) { c.Checkpoint.Seconds = 0 }},
		{"pebble without path", func(c *Configuration) { c.Checkpoint.Path = "" }},
		{"zero breaker threshold", func(c *Configuration) { c.Breaker.Threshold = 0 }},
		{"invalid HTTP port", func(c *Configuration) { c.HTTP.Port = 70000 }},
		{"negative grace period", func(c *Configuration) { c.ShutdownGraceSeconds = -1 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			Config = validConfig()
			tc.mutate(Config)
			if err := Validate(); err == nil {
				t.Errorf("Expected validation error for %s", tc.name)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()
	Config = validConfig()

	t.Setenv("TRIBUTARY_MONGO_URI", "mongodb://prod:27017")
	t.Setenv("TRIBUTARY_TOPIC", "prod.events")
	t.Setenv("TRIBUTARY_PUBLISHER_WORKERS", "20")
	t.Setenv("TRIBUTARY_CHECKPOINT_EVENTS", "500")
	t.Setenv("TRIBUTARY_QUEUE_HIGH_WATER_MARK", "0.9")
	t.Setenv("TRIBUTARY_NAMESPACES", "orders, users ,sessions")

	applyEnvOverrides()

	if Config.Source.URI != "mongodb://prod:27017" {
		t.Errorf("URI = %q", Config.Source.URI)
	}
	if Config.Sink.Topic != "prod.events" {
		t.Errorf("Topic = %q", Config.Sink.Topic)
	}
	if Config.Sink.Workers != 20 {
		t.Errorf("Workers = %d", Config.Sink.Workers)
	}
	if Config.Checkpoint.Events != 500 {
		t.Errorf("Checkpoint events = %d", Config.Checkpoint.Events)
	}
	if Config.Queue.HighWaterMark != 0.9 {
		t.Errorf("High water mark = %f", Config.Queue.HighWaterMark)
	}
	want := []string{"orders", "users", "sessions"}
	if len(Config.Source.Namespaces) != len(want) {
		t.Fatalf("Namespaces = %v", Config.Source.Namespaces)
	}
	for i, ns := range want {
		if Config.Source.Namespaces[i] != ns {
			t.Errorf("Namespaces[%d] = %q, want %q", i, Config.Source.Namespaces[i], ns)
		}
	}
}

func TestEnvOverrides_IgnoresMalformedNumbers(t *testing.T) {
	original := Config
	defer func() { Config = original }()
	Config = validConfig()

	t.Setenv("TRIBUTARY_PUBLISHER_WORKERS", "lots")
	applyEnvOverrides()

	if Config.Sink.Workers != 10 {
		t.Errorf("Workers = %d, malformed override should be ignored", Config.Sink.Workers)
	}
}

func TestGenerateInstanceID_Stable(t *testing.T) {
	a, err := generateInstanceID()
	if err != nil {
		t.Skipf("machine ID unavailable: %v", err)
	}
	b, err := generateInstanceID()
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("Instance ID not stable: %d vs %d", a, b)
	}
	if a == 0 {
		t.Error("Instance ID should be non-zero")
	}
}
