package config

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-json"
)

type DatabaseConfig struct {
	// Enabled selects the MongoDB trust store. The in-memory store is used
	// otherwise.
	Enabled            bool   `json:"enabled"`
	Host               string `json:"host"`
	Port               uint64 `json:"port"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	Database           string `json:"database"`
	UseTLS             bool   `json:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout"`
	Heartbeat          string `json:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size"`
	CacheTTL           string `json:"cache_ttl"`
}

type ClientConfig struct {
	ApplicationName     string `json:"application_name"`
	ApplicationURI      string `json:"application_uri"`
	CertFile            string `json:"cert_file"`
	KeyFile             string `json:"key_file"`
	AutoAcceptUntrusted bool   `json:"auto_accept_untrusted"`
	KeepAliveInterval   string `json:"keep_alive_interval"`
	SessionTimeout      string `json:"session_timeout"`
	RequestTimeout      string `json:"request_timeout"`
	DiscoveryTimeout    string `json:"discovery_timeout"`
	SweepInterval       string `json:"sweep_interval"`
}

type EncoderConfig struct {
	UseStandardsCompliantEncoding bool   `json:"use_standards_compliant_encoding"`
	DefaultMaxMessagesPerPublish  uint32 `json:"default_max_messages_per_publish"`
	DefaultMaxMessageSize         int    `json:"default_max_message_size"`
	DefaultQueueName              string `json:"default_queue_name"`
	DefaultMetaDataQueueName      string `json:"default_metadata_queue_name"`
}

type MQTTConfig struct {
	Broker   string `json:"broker"`
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
	QoS      byte   `json:"qos"`
}

type NATSConfig struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

type TransportConfig struct {
	// Kind is one of "mqtt", "nats" or "log".
	Kind string     `json:"kind"`
	MQTT MQTTConfig `json:"mqtt"`
	NATS NATSConfig `json:"nats"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

type HostConfig struct {
	QueueCapacity int `json:"queue_capacity"`
}

type Config struct {
	Database     DatabaseConfig      `json:"database"`
	Client       ClientConfig        `json:"client"`
	Encoder      EncoderConfig       `json:"encoder"`
	Transport    TransportConfig     `json:"transport"`
	Metrics      MetricsConfig       `json:"metrics"`
	Host         HostConfig          `json:"host"`
	PublisherID  string              `json:"publisher_id"`
	DebugMode    bool                `json:"debug_mode"`
	AppName      string              `json:"app_name"`
	LogPath      string              `json:"log_path"`
	WriterGroups []WriterGroupConfig `json:"writer_groups"`
}

func DefaultConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Host:               "localhost",
			Port:               27017,
			Database:           "opcua_publisher",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        10,
			CacheTTL:           "10m",
		},
		Client: ClientConfig{
			ApplicationName:   "opcua-publisher",
			ApplicationURI:    "urn:opcua-publisher",
			KeepAliveInterval: "10s",
			SessionTimeout:    "2m",
			RequestTimeout:    "30s",
			DiscoveryTimeout:  "30s",
			SweepInterval:     "5s",
		},
		Encoder: EncoderConfig{
			DefaultMaxMessageSize:    256 * 1024,
			DefaultQueueName:         "opcua/telemetry",
			DefaultMetaDataQueueName: "opcua/metadata",
		},
		Transport: TransportConfig{
			Kind: "log",
			MQTT: MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "opcua-publisher", QoS: 1},
			NATS: NATSConfig{URL: "nats://localhost:4222", Name: "opcua-publisher"},
		},
		Metrics: MetricsConfig{Listen: ":9464"},
		Host:    HostConfig{QueueCapacity: 1024},
		AppName: "opcua-publisher",
		LogPath: "logs",
	}
}

var (
	mu          sync.RWMutex
	config      Config
	initialized = false
)

// ReadConfig loads the configuration file at path. A missing file is
// created with the default configuration and reported as an error.
func ReadConfig(path string) (Config, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to read configuration file: %w", err)
		}
		data, _ := json.MarshalIndent(DefaultConfig(), "", "\t")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return Config{}, fmt.Errorf("failed to create configuration file: %w", err)
		}
		return DefaultConfig(), errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(bytes, &cfg); err != nil {
		return cfg, fmt.Errorf("the configuration file does not contain valid JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	mu.Lock()
	config = cfg
	initialized = true
	mu.Unlock()
	return cfg, nil
}

// GetConfig returns the configuration loaded by the last successful
// ReadConfig.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if initialized {
		return config, nil
	}
	return Config{}, errors.New("configuration has not been loaded")
}

func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "mqtt", "nats", "log":
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	if c.Host.QueueCapacity < 0 {
		return errors.New("host queue capacity must not be negative")
	}
	seen := make(map[string]struct{}, len(c.WriterGroups))
	for i := range c.WriterGroups {
		id := c.WriterGroups[i].WriterGroupID
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate writer group id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
