package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pithecene-io/splice/archive"
	"github.com/pithecene-io/splice/dispatch"
	"github.com/pithecene-io/splice/reassembly"
)

// Config represents a splice.yaml configuration file.
// All values are optional. SPLICE_* environment variables override file
// values and CLI flags override both.
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server" envPrefix:"SERVER_"`
	Reassembly ReassemblyConfig `yaml:"reassembly" toml:"reassembly" envPrefix:"REASSEMBLY_"`
	Dispatch   DispatchConfig   `yaml:"dispatch" toml:"dispatch" envPrefix:"DISPATCH_"`
	Archive    ArchiveConfig    `yaml:"archive" toml:"archive" envPrefix:"ARCHIVE_"`
	Log        LogConfig        `yaml:"log" toml:"log" envPrefix:"LOG_"`
}

// ServerConfig holds listener and connection settings.
type ServerConfig struct {
	Addr            string   `yaml:"addr" toml:"addr" env:"ADDR"`
	InstanceID      string   `yaml:"instance_id" toml:"instance_id" env:"INSTANCE_ID"`
	AllowedOrigins  []string `yaml:"allowed_origins" toml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	WriteWait       Duration `yaml:"write_wait" toml:"write_wait" env:"WRITE_WAIT"`
	PongWait        Duration `yaml:"pong_wait" toml:"pong_wait" env:"PONG_WAIT"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// FrameRate caps frames per second per connection; 0 is unlimited.
	FrameRate  float64 `yaml:"frame_rate" toml:"frame_rate" env:"FRAME_RATE"`
	FrameBurst int     `yaml:"frame_burst" toml:"frame_burst" env:"FRAME_BURST"`
}

// ReassemblyConfig holds coordinator and store settings.
type ReassemblyConfig struct {
	// LengthPolicy is "report", "off" or "reject".
	LengthPolicy      string   `yaml:"length_policy" toml:"length_policy" env:"LENGTH_POLICY"`
	EvictOnDisconnect bool     `yaml:"evict_on_disconnect" toml:"evict_on_disconnect" env:"EVICT_ON_DISCONNECT"`
	IdleTTL           Duration `yaml:"idle_ttl" toml:"idle_ttl" env:"IDLE_TTL"`
	SweepInterval     Duration `yaml:"sweep_interval" toml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// MaxMessageBytes caps one reassembled message. Zero means unlimited.
	MaxMessageBytes int `yaml:"max_message_bytes" toml:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
}

// DispatchConfig selects where completed messages are published.
type DispatchConfig struct {
	// Type is "none", "redis" or "webhook".
	Type           string            `yaml:"type" toml:"type" env:"TYPE"`
	URL            string            `yaml:"url" toml:"url" env:"URL"`
	Channel        string            `yaml:"channel,omitempty" toml:"channel" env:"CHANNEL"`
	Encoding       string            `yaml:"encoding,omitempty" toml:"encoding" env:"ENCODING"`
	Headers        map[string]string `yaml:"headers,omitempty" toml:"headers" env:"HEADERS"`
	Timeout        Duration          `yaml:"timeout,omitempty" toml:"timeout" env:"TIMEOUT"`
	Retries        *int              `yaml:"retries,omitempty" toml:"retries" env:"RETRIES"`
	Backoff        Duration          `yaml:"backoff,omitempty" toml:"backoff" env:"BACKOFF"`
	IncludePayload bool              `yaml:"include_payload" toml:"include_payload" env:"INCLUDE_PAYLOAD"`
	Delivery       Duration          `yaml:"delivery_timeout,omitempty" toml:"delivery_timeout" env:"DELIVERY_TIMEOUT"`
}

// ArchiveConfig selects the lode archive backend.
type ArchiveConfig struct {
	// Backend is "" (disabled), "fs" or "s3".
	Backend        string `yaml:"backend" toml:"backend" env:"BACKEND"`
	Dataset        string `yaml:"dataset" toml:"dataset" env:"DATASET"`
	Path           string `yaml:"path" toml:"path" env:"PATH"`
	Region         string `yaml:"region" toml:"region" env:"REGION"`
	Endpoint       string `yaml:"endpoint" toml:"endpoint" env:"ENDPOINT"`
	S3PathStyle    bool   `yaml:"s3_path_style" toml:"s3_path_style" env:"S3_PATH_STYLE"`
	IncludePayload bool   `yaml:"include_payload" toml:"include_payload" env:"INCLUDE_PAYLOAD"`

	// BufferRecords batches this many messages per snapshot. Zero writes
	// each message as it completes.
	BufferRecords int      `yaml:"buffer_records" toml:"buffer_records" env:"BUFFER_RECORDS"`
	FlushInterval Duration `yaml:"flush_interval" toml:"flush_interval" env:"FLUSH_INTERVAL"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level" toml:"level" env:"LEVEL"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Reassembly: ReassemblyConfig{
			LengthPolicy:  reassembly.LengthReport.String(),
			IdleTTL:       Duration{5 * time.Minute},
			SweepInterval: Duration{30 * time.Second},
		},
		Dispatch: DispatchConfig{
			Type:     "none",
			Encoding: string(dispatch.EncodingJSON),
		},
		Archive: ArchiveConfig{
			Dataset: archive.DefaultDataset,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks enumerated values and required combinations.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.FrameRate < 0 || c.Server.FrameBurst < 0 {
		errs = append(errs, errors.New("server.frame_rate and server.frame_burst must be >= 0"))
	}
	if _, err := reassembly.ParseLengthPolicy(c.Reassembly.LengthPolicy); err != nil {
		errs = append(errs, fmt.Errorf("reassembly.length_policy: %w", err))
	}
	if c.Reassembly.MaxMessageBytes < 0 {
		errs = append(errs, errors.New("reassembly.max_message_bytes must be >= 0"))
	}

	switch c.Dispatch.Type {
	case "", "none":
	case "redis", "webhook":
		if c.Dispatch.URL == "" {
			errs = append(errs, fmt.Errorf("dispatch.url is required for %s dispatch", c.Dispatch.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("dispatch.type %q: must be none, redis or webhook", c.Dispatch.Type))
	}
	if c.Dispatch.Encoding != "" {
		if _, err := dispatch.ParseEncoding(c.Dispatch.Encoding); err != nil {
			errs = append(errs, fmt.Errorf("dispatch.encoding: %w", err))
		}
	}
	if c.Dispatch.Retries != nil && *c.Dispatch.Retries < 0 {
		errs = append(errs, errors.New("dispatch.retries must be >= 0"))
	}

	if c.Archive.BufferRecords < 0 {
		errs = append(errs, errors.New("archive.buffer_records must be >= 0"))
	}
	switch c.Archive.Backend {
	case "":
	case "fs":
		if c.Archive.Path == "" {
			errs = append(errs, errors.New("archive.path is required for fs backend"))
		}
	case "s3":
		if bucket, _ := archive.ParseS3Path(c.Archive.Path); bucket == "" {
			errs = append(errs, errors.New("archive.path must name a bucket for s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.backend %q: must be fs or s3", c.Archive.Backend))
	}

	return errors.Join(errs...)
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText parses a duration from TOML or an environment variable.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
