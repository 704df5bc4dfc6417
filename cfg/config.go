package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Role selects which halves of the relay a process runs
type Role string

const (
	RoleAll    Role = "all"    // Stream consumer and relay endpoint in one process
	RoleWeb    Role = "web"    // Relay endpoint and heartbeat only
	RoleWorker Role = "worker" // Stream consumer only
)

// StoreBackend selects the durable store implementation
type StoreBackend string

const (
	StoreMemory StoreBackend = "memory" // In-process, lost on restart (tests, demos)
	StorePebble StoreBackend = "pebble" // Local Pebble database under data_dir
	StoreNATS   StoreBackend = "nats"   // NATS core pub/sub + JetStream KV, shared between processes
)

// DefaultAPIVersion is the Force.com API version used when none is configured
const DefaultAPIVersion = "45.0"

// SourceConfiguration holds the upstream CDC credentials and topics.
// Exactly one credential set must be satisfiable, checked in field order.
type SourceConfiguration struct {
	URL         string `toml:"url"`          // force://clientId:clientSecret:refreshToken@host
	InstanceURL string `toml:"instance_url"` // Used with AccessToken
	AccessToken string `toml:"access_token"`
	Username    string `toml:"username"` // Used with Password
	Password    string `toml:"password"`
	LoginURL    string `toml:"login_url"` // Optional login host override

	APIVersion          string   `toml:"api_version"`
	Topics              []string `toml:"topics"`
	ReplayID            string   `toml:"replay_id"` // Optional override for every topic, e.g. "-2"
	LongPollTimeoutSecs int      `toml:"long_poll_timeout_seconds"`
	RequestTimeoutSecs  int      `toml:"request_timeout_seconds"`
}

// StoreConfiguration controls the durable key-value / pub-sub store
type StoreConfiguration struct {
	Backend       StoreBackend `toml:"backend"`
	NatsURL       string       `toml:"nats_url"`
	KVBucket      string       `toml:"kv_bucket"`
	SubjectPrefix string       `toml:"subject_prefix"`
	SubBufferSize int          `toml:"subscription_buffer"`
}

// CacheConfiguration controls the enrichment name cache
type CacheConfiguration struct {
	TTLSeconds int `toml:"ttl_seconds"`
	LocalSize  int `toml:"local_size"`
}

// BusConfiguration controls the event bus and its backfill buffer
type BusConfiguration struct {
	RecentCapacity int `toml:"recent_capacity"`
}

// StatusConfiguration controls status and heartbeat publishing
type StatusConfiguration struct {
	HeartbeatSeconds     int `toml:"heartbeat_seconds"`
	ShutdownGraceSeconds int `toml:"shutdown_grace_seconds"`
}

// RelayConfiguration for the SSE endpoint
type RelayConfiguration struct {
	BindAddress      string `toml:"bind_address"`
	Port             int    `toml:"port"`
	KeepAliveSeconds int    `toml:"keep_alive_seconds"`
	ForceTLS         bool   `toml:"force_tls"`
}

// MirrorConfiguration configures one optional downstream copy of enriched events
type MirrorConfiguration struct {
	Name              string   `toml:"name"`
	Type              string   `toml:"type"` // "kafka" or "nats"
	Brokers           []string `toml:"brokers"`
	NatsURL           string   `toml:"nats_url"`
	TopicPrefix       string   `toml:"topic_prefix"`
	FilterEntities    []string `toml:"filter_entities"`
	FilterChangeTypes []string `toml:"filter_change_types"`
	MaxRetries        int      `toml:"max_retries"`
	RetryInitialMS    int      `toml:"retry_initial_ms"`
	RetryMaxMS        int      `toml:"retry_max_ms"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID string `toml:"instance_id"`
	Role       Role   `toml:"role"`
	DataDir    string `toml:"data_dir"`

	Source     SourceConfiguration     `toml:"source"`
	Store      StoreConfiguration      `toml:"store"`
	Cache      CacheConfiguration      `toml:"cache"`
	Bus        BusConfiguration        `toml:"bus"`
	Status     StatusConfiguration     `toml:"status"`
	Relay      RelayConfiguration      `toml:"relay"`
	Mirrors    []MirrorConfiguration   `toml:"mirrors"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	RoleFlag       = flag.String("role", "", "Process role: all, web or worker (overrides config)")
	PortFlag       = flag.Int("port", 0, "Relay HTTP port (overrides config)")
	ReplayIDFlag   = flag.String("replay-id", "", "Replay position override for every topic (overrides config)")
)

// Default configuration
var Config = Default()

// Default returns a configuration populated with default values
func Default() *Configuration {
	return &Configuration{
		Role:    RoleAll,
		DataDir: "./changerelay-data",

		Source: SourceConfiguration{
			APIVersion:          DefaultAPIVersion,
			Topics:              []string{},
			LongPollTimeoutSecs: 110,
			RequestTimeoutSecs:  30,
		},

		Store: StoreConfiguration{
			Backend:       StorePebble,
			KVBucket:      "changerelay",
			SubjectPrefix: "changerelay",
			SubBufferSize: 256,
		},

		Cache: CacheConfiguration{
			TTLSeconds: 86400, // 24 hours
			LocalSize:  4096,
		},

		Bus: BusConfiguration{
			RecentCapacity: 100,
		},

		Status: StatusConfiguration{
			HeartbeatSeconds:     5,
			ShutdownGraceSeconds: 3,
		},

		Relay: RelayConfiguration{
			BindAddress:      "0.0.0.0",
			Port:             3000,
			KeepAliveSeconds: 50, // Below common router idle timeouts
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

var topicSeparator = regexp.MustCompile(`[,\s]+`)

// Load loads configuration from file and applies CLI and environment overrides
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

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *RoleFlag != "" {
		Config.Role = Role(*RoleFlag)
	}
	if *PortFlag != 0 {
		Config.Relay.Port = *PortFlag
	}
	if *ReplayIDFlag != "" {
		Config.Source.ReplayID = *ReplayIDFlag
	}

	if err := ApplyEnv(Config, os.LookupEnv); err != nil {
		return err
	}

	if Config.InstanceID == "" {
		id, err := generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		Config.InstanceID = id
		log.Info().Str("instance_id", id).Msg("Auto-generated instance ID")
	}

	if Config.Store.Backend == StorePebble {
		if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return nil
}

// ApplyEnv overlays the environment variables used by the original
// deployments onto c. lookup is usually os.LookupEnv.
func ApplyEnv(c *Configuration, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	str("SALESFORCE_URL", &c.Source.URL)
	str("SALESFORCE_INSTANCE_URL", &c.Source.InstanceURL)
	str("SALESFORCE_ACCESS_TOKEN", &c.Source.AccessToken)
	str("SALESFORCE_USERNAME", &c.Source.Username)
	str("SALESFORCE_PASSWORD", &c.Source.Password)
	str("SALESFORCE_LOGIN_URL", &c.Source.LoginURL)
	str("FORCE_API_VERSION", &c.Source.APIVersion)
	str("REPLAY_ID", &c.Source.ReplayID)
	str("NATS_URL", &c.Store.NatsURL)

	if v, ok := lookup("OBSERVE_SALESFORCE_TOPIC_NAMES"); ok && strings.TrimSpace(v) != "" {
		c.Source.Topics = SplitTopics(v)
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Relay.Port = port
	}

	if v, ok := lookup("VERBOSE"); ok {
		c.Logging.Verbose = v == "true" || v == "1"
	}

	return nil
}

// SplitTopics splits a comma or whitespace separated list of topic names
func SplitTopics(s string) []string {
	parts := topicSeparator.Split(strings.TrimSpace(s), -1)
	topics := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			topics = append(topics, p)
		}
	}
	return topics
}

// ReplayOverride parses the configured replay override.
// ok is false when no override is configured.
func (s SourceConfiguration) ReplayOverride() (id int64, ok bool, err error) {
	if strings.TrimSpace(s.ReplayID) == "" {
		return 0, false, nil
	}
	id, err = strconv.ParseInt(strings.TrimSpace(s.ReplayID), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid replay id %q: %w", s.ReplayID, err)
	}
	return id, true, nil
}

// RunsWorker reports whether the role consumes the upstream stream
func (r Role) RunsWorker() bool { return r == RoleAll || r == RoleWorker }

// RunsWeb reports whether the role serves the relay endpoint
func (r Role) RunsWeb() bool { return r == RoleAll || r == RoleWeb }

// generateInstanceID creates a stable instance ID based on machine ID
func generateInstanceID() (string, error) {
	id, err := machineid.ProtectedID("changerelay")
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// Validate checks the global configuration for errors
func Validate() error {
	return Config.Validate()
}

// Validate checks configuration for errors
func (c *Configuration) Validate() error {
	switch c.Role {
	case RoleAll, RoleWeb, RoleWorker:
	default:
		return fmt.Errorf("invalid role: %q", c.Role)
	}

	switch c.Store.Backend {
	case StoreMemory, StorePebble:
		if c.Role != RoleAll {
			return fmt.Errorf("role %q requires a shared store, backend %q is process-local", c.Role, c.Store.Backend)
		}
	case StoreNATS:
		if c.Store.NatsURL == "" {
			return fmt.Errorf("nats store requires nats_url")
		}
		if c.Store.KVBucket == "" {
			return fmt.Errorf("nats store requires kv_bucket")
		}
	default:
		return fmt.Errorf("invalid store backend: %q", c.Store.Backend)
	}

	if c.Role.RunsWorker() {
		if len(c.Source.Topics) == 0 {
			return fmt.Errorf("at least one source topic is required")
		}
		if !c.Source.HasCredentials() {
			return fmt.Errorf("source requires url, instance_url+access_token or username+password")
		}
		if _, _, err := c.Source.ReplayOverride(); err != nil {
			return err
		}
		if c.Source.APIVersion == "" {
			return fmt.Errorf("source api_version is required")
		}
	}

	if c.Role.RunsWeb() && (c.Relay.Port < 1 || c.Relay.Port > 65535) {
		return fmt.Errorf("invalid relay port: %d", c.Relay.Port)
	}

	if c.Cache.TTLSeconds < 1 {
		return fmt.Errorf("cache ttl must be >= 1 second")
	}
	if c.Cache.LocalSize < 0 {
		return fmt.Errorf("cache local size must be >= 0")
	}
	if c.Bus.RecentCapacity < 1 {
		return fmt.Errorf("recent capacity must be >= 1")
	}
	if c.Status.HeartbeatSeconds < 1 {
		return fmt.Errorf("heartbeat period must be >= 1 second")
	}
	if c.Status.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("shutdown grace must be >= 0")
	}
	if c.Relay.KeepAliveSeconds < 1 {
		return fmt.Errorf("relay keep-alive must be >= 1 second")
	}

	seen := make(map[string]bool, len(c.Mirrors))
	for _, m := range c.Mirrors {
		if m.Name == "" {
			return fmt.Errorf("mirror name is required")
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate mirror name: %s", m.Name)
		}
		seen[m.Name] = true
	}

	return nil
}

// HasCredentials reports whether any of the credential sets is complete
func (s SourceConfiguration) HasCredentials() bool {
	return s.URL != "" ||
		(s.InstanceURL != "" && s.AccessToken != "") ||
		(s.Username != "" && s.Password != "")
}
