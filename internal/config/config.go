package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service    ServiceConfig             `koanf:"service"`
	Kafka      KafkaConfig               `koanf:"kafka"`
	Postgres   PostgresConfig            `koanf:"postgres"`
	Audit      AuditConfig               `koanf:"audit"`
	Retention  RetentionConfig           `koanf:"retention"`
	Interfaces map[string]InterfaceMeta  `koanf:"interfaces"`
	Scripts    ScriptConfig              `koanf:"scripts"`
}

// InterfaceMeta names one NHRP-enabled interface and its holding-time
// defaults, the config-file analogue of the teacher's per-router metadata.
type InterfaceMeta struct {
	Name               string `koanf:"name"`
	NBMAAddress        string `koanf:"nbma_address"`
	HoldingTimeSeconds int    `koanf:"holding_time_seconds"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type KafkaConfig struct {
	Brokers       []string       `koanf:"brokers"`
	ClientID      string         `koanf:"client_id"`
	TLS           TLSConfig      `koanf:"tls"`
	SASL          SASLConfig     `koanf:"sasl"`
	Events        ProducerConfig `koanf:"events"`
	FetchMaxBytes int32          `koanf:"fetch_max_bytes"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

// ProducerConfig names the topic the Event Publisher produces peer lifecycle
// events to, the producer-side mirror of the teacher's ConsumerConfig.
type ProducerConfig struct {
	Topic string `koanf:"topic"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

// AuditConfig controls the Audit Sink's batching and raw-payload handling.
type AuditConfig struct {
	BatchSize         int  `koanf:"batch_size"`
	FlushIntervalMs   int  `koanf:"flush_interval_ms"`
	ChannelBufferSize int  `koanf:"channel_buffer_size"`
	StoreRaw          bool `koanf:"store_raw"`
	CompressRaw       bool `koanf:"compress_raw"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

// ScriptConfig names the hook script paths and the timeout applied to
// every script run. Only PeerRegisterPath is used by the daemon (for
// Registration Requests); PeerUpPath and PeerDownPath are loaded but no
// component runs a peer-up or peer-down script.
type ScriptConfig struct {
	PeerUpPath       string `koanf:"peer_up_path"`
	PeerDownPath     string `koanf:"peer_down_path"`
	PeerRegisterPath string `koanf:"peer_register_path"`
	TimeoutSeconds   int    `koanf:"timeout_seconds"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: NHRPD_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider("NHRPD_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "NHRPD_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "nhrpd-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Kafka: KafkaConfig{
			ClientID:      "nhrpd",
			FetchMaxBytes: 52428800,
			Events: ProducerConfig{
				Topic: "nhrp.peer-events",
			},
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Audit: AuditConfig{
			BatchSize:         500,
			FlushIntervalMs:   200,
			ChannelBufferSize: 256,
			CompressRaw:       true,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
		Scripts: ScriptConfig{
			TimeoutSeconds: 30,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Kafka.Events.Topic == "" {
		return fmt.Errorf("config: kafka.events.topic is required")
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if len(c.Interfaces) == 0 {
		return fmt.Errorf("config: at least one entry in interfaces is required")
	}
	if c.Audit.FlushIntervalMs <= 0 {
		return fmt.Errorf("config: audit.flush_interval_ms must be > 0 (got %d)", c.Audit.FlushIntervalMs)
	}
	if c.Audit.BatchSize <= 0 {
		return fmt.Errorf("config: audit.batch_size must be > 0 (got %d)", c.Audit.BatchSize)
	}
	if c.Audit.ChannelBufferSize <= 0 {
		return fmt.Errorf("config: audit.channel_buffer_size must be > 0 (got %d)", c.Audit.ChannelBufferSize)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if c.Kafka.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Scripts.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: scripts.timeout_seconds must be > 0 (got %d)", c.Scripts.TimeoutSeconds)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	for name, iface := range c.Interfaces {
		if iface.HoldingTimeSeconds <= 0 {
			return fmt.Errorf("config: interfaces.%s.holding_time_seconds must be > 0 (got %d)", name, iface.HoldingTimeSeconds)
		}
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
