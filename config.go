package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full node configuration envelope. Every knob has a
// default; a YAML file and a handful of env vars override them.
type Config struct {
	// Transport / swarm
	ListenAddrs     []string      `yaml:"listen_addrs"`
	BootstrapPeers  []string      `yaml:"bootstrap_peers"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxConnections  int           `yaml:"max_connections"`
	ObfuscationKey  string        `yaml:"obfuscation_key"` // base64url(32B); generated when empty
	OnionKey        string        `yaml:"onion_key"`       // base64url(32B); generated when empty
	EnableMDNS      bool          `yaml:"enable_mdns"`
	EnableRelay     bool          `yaml:"enable_relay"`
	EnableQUIC      bool          `yaml:"enable_quic"`
	EnableWebSocket bool          `yaml:"enable_websocket"`

	Gossipsub GossipsubConfig `yaml:"gossipsub"`

	// DHT
	KadReplicationFactor int                 `yaml:"kad_replication_factor"`
	Bootstrap            BootstrapConfig     `yaml:"bootstrap"`
	ContentRouting       ContentRoutingConfig `yaml:"content_routing"`
	PeerScoring          PeerScoringConfig   `yaml:"peer_scoring"`

	// Router
	Routing        RouteOptimizationConfig `yaml:"routing"`
	DarkAddressing DarkAddressingConfig    `yaml:"dark_addressing"`
	MaxMessageSize int                     `yaml:"max_message_size"`

	// Onion / mix
	Onion OnionConfig `yaml:"onion"`
	Mix   MixConfig   `yaml:"mix"`

	// Protocol state machine
	StateMachine StateMachineConfig `yaml:"state_machine"`

	// Persistence
	DataDir          string        `yaml:"data_dir"`
	StoreBackend     string        `yaml:"store_backend"` // "file" | "memory" | "sqlite"
	AtomicWrites     bool          `yaml:"atomic_writes"`
	AutoSave         bool          `yaml:"auto_save"`
	AutoSaveInterval time.Duration `yaml:"auto_save_interval"`

	// Connection manager
	HealthTimeout time.Duration `yaml:"health_timeout"`

	// Shadow addresses
	ShadowNetwork string         `yaml:"shadow_network"` // mainnet|testnet|devnet
	Rotation      RotationConfig `yaml:"rotation"`

	IdentityFile string `yaml:"identity_file"`
	LogLevel     string `yaml:"log_level"`
}

// GossipsubConfig mirrors the subset of pubsub options we expose.
type GossipsubConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StrictValidation  bool          `yaml:"strict_validation"`
}

// BootstrapConfig controls the DHT bootstrap state machine.
type BootstrapConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	MinConnections    int           `yaml:"min_connections"`
	PeriodicBootstrap bool          `yaml:"periodic_bootstrap"`
	BootstrapInterval time.Duration `yaml:"bootstrap_interval"`
}

// ContentRoutingConfig controls value/provider record handling.
type ContentRoutingConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ProviderTTL       time.Duration `yaml:"provider_ttl"`
	ReplicationFactor int           `yaml:"replication_factor"`
	AutoRepublish     bool          `yaml:"auto_republish"`
	RepublishInterval time.Duration `yaml:"republish_interval"`
	MaxContentSize    int           `yaml:"max_content_size"`
}

// PeerScoringConfig parameterises the reputation system.
type PeerScoringConfig struct {
	MinScore                 float64       `yaml:"min_score"`
	MaxScore                 float64       `yaml:"max_score"`
	ConnectionSuccessBonus   float64       `yaml:"connection_success_bonus"`
	ConnectionFailurePenalty float64       `yaml:"connection_failure_penalty"`
	LatencyPenaltyFactor     float64       `yaml:"latency_penalty_factor"`
	ScoreDecayRate           float64       `yaml:"score_decay_rate"` // points per idle hour
	BlacklistThreshold       float64       `yaml:"blacklist_threshold"`
	BlacklistDuration        time.Duration `yaml:"blacklist_duration"`
}

// RouteOptimizationConfig controls the router's cache and scoring.
type RouteOptimizationConfig struct {
	Enable               bool               `yaml:"enable"`
	Interval             time.Duration      `yaml:"interval"`
	CacheSize            int                `yaml:"cache_size"`
	CacheTTL             time.Duration      `yaml:"cache_ttl"`
	PreferShorterPaths   bool               `yaml:"prefer_shorter_paths"`
	WeightFactors        RouteWeightFactors `yaml:"weight_factors"`
	EnableAdaptiveRouting bool              `yaml:"enable_adaptive_routing"`
}

// RouteWeightFactors weights the path cost terms.
type RouteWeightFactors struct {
	Latency     float64 `yaml:"latency"`
	Reliability float64 `yaml:"reliability"`
	Load        float64 `yaml:"load"`
	Security    float64 `yaml:"security"`
	Diversity   float64 `yaml:"diversity"`
}

// DarkAddressingConfig controls shadow-address resolution via the DHT.
type DarkAddressingConfig struct {
	Enabled               bool          `yaml:"enabled"`
	ResolutionTimeout     time.Duration `yaml:"resolution_timeout"`
	MaxResolutionAttempts int           `yaml:"max_resolution_attempts"`
	EnableCaching         bool          `yaml:"enable_caching"`
	CacheTTL              time.Duration `yaml:"cache_ttl"`
}

// OnionConfig shapes metadata protection around onion payloads.
type OnionConfig struct {
	PaddingSize        int           `yaml:"padding_size"`
	TimingVariance     time.Duration `yaml:"timing_variance"`
	DummyTrafficRate   float64       `yaml:"dummy_traffic_rate"` // msgs/sec (Poisson)
	MinSize            int           `yaml:"min_size"`
	MaxSize            int           `yaml:"max_size"`
	PaddingProbability float64       `yaml:"padding_probability"`
}

// MixConfig shapes the batch-and-shuffle stage.
type MixConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// StateMachineConfig bounds sessions and protocol timers.
type StateMachineConfig struct {
	MaxSessions      int           `yaml:"max_sessions"`
	SessionTimeout   time.Duration `yaml:"session_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	SyncTimeout      time.Duration `yaml:"sync_timeout"`
	MaxHistorySize   int           `yaml:"max_history_size"`
}

// RotationConfig drives shadow address pool rotation.
type RotationConfig struct {
	RotateAfterUses     uint32        `yaml:"rotate_after_uses"`
	RotateAfterDuration time.Duration `yaml:"rotate_after_duration"`
	MinPoolSize         int           `yaml:"min_pool_size"`
	MaxPoolSize         int           `yaml:"max_pool_size"`
}

func defaultConfig() *Config {
	return &Config{
		ListenAddrs:     []string{"/ip4/0.0.0.0/tcp/0", "/ip6/::/tcp/0"},
		Timeout:         20 * time.Second,
		MaxConnections:  50,
		EnableMDNS:      true,
		EnableRelay:     true,
		EnableWebSocket: true,
		Gossipsub: GossipsubConfig{
			HeartbeatInterval: 10 * time.Second,
			StrictValidation:  true,
		},
		KadReplicationFactor: 20,
		Bootstrap: BootstrapConfig{
			Timeout:           30 * time.Second,
			MinConnections:    3,
			PeriodicBootstrap: true,
			BootstrapInterval: time.Hour,
		},
		ContentRouting: ContentRoutingConfig{
			Enabled:           true,
			ProviderTTL:       24 * time.Hour,
			ReplicationFactor: 20,
			AutoRepublish:     true,
			RepublishInterval: 12 * time.Hour,
			MaxContentSize:    maxRecordSize,
		},
		PeerScoring: PeerScoringConfig{
			MinScore:                 -100,
			MaxScore:                 100,
			ConnectionSuccessBonus:   1.0,
			ConnectionFailurePenalty: 2.0,
			LatencyPenaltyFactor:     0.01,
			ScoreDecayRate:           0.5,
			BlacklistThreshold:       -100,
			BlacklistDuration:        time.Hour,
		},
		Routing: RouteOptimizationConfig{
			Enable:             true,
			Interval:           time.Minute,
			CacheSize:          1000,
			CacheTTL:           300 * time.Second,
			PreferShorterPaths: true,
			WeightFactors: RouteWeightFactors{
				Latency:     0.3,
				Reliability: 0.3,
				Load:        0.2,
				Security:    0.1,
				Diversity:   0.1,
			},
			EnableAdaptiveRouting: true,
		},
		DarkAddressing: DarkAddressingConfig{
			Enabled:               true,
			ResolutionTimeout:     10 * time.Second,
			MaxResolutionAttempts: 3,
			EnableCaching:         true,
			CacheTTL:              10 * time.Minute,
		},
		MaxMessageSize: 16 << 20,
		Onion: OnionConfig{
			PaddingSize:        1024,
			TimingVariance:     500 * time.Millisecond,
			DummyTrafficRate:   0.1,
			MinSize:            512,
			MaxSize:            64 << 10,
			PaddingProbability: 0.1,
		},
		Mix: MixConfig{
			BatchSize:    8,
			BatchTimeout: 2 * time.Second,
		},
		StateMachine: StateMachineConfig{
			MaxSessions:      1000,
			SessionTimeout:   5 * time.Minute,
			HandshakeTimeout: 30 * time.Second,
			SyncTimeout:      time.Minute,
			MaxHistorySize:   1000,
		},
		StoreBackend:     "file",
		AtomicWrites:     true,
		AutoSave:         true,
		AutoSaveInterval: 5 * time.Minute,
		HealthTimeout:    2 * time.Minute,
		ShadowNetwork:    "mainnet",
		Rotation: RotationConfig{
			RotateAfterUses:     100,
			RotateAfterDuration: time.Hour,
			MinPoolSize:         5,
			MaxPoolSize:         50,
		},
		IdentityFile: "identity.seed",
		LogLevel:     "info",
	}
}

// loadConfig layers a YAML file (if present) over the defaults. An empty
// path means defaults only.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.KadReplicationFactor <= 0 {
		return errors.New("kad_replication_factor must be > 0")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max_connections must be > 0")
	}
	if c.Mix.BatchSize < 1 {
		return errors.New("mix batch_size must be >= 1")
	}
	switch c.StoreBackend {
	case "file", "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store_backend %q", c.StoreBackend)
	}
	if _, err := c.shadowNetwork(); err != nil {
		return err
	}
	if c.ObfuscationKey != "" {
		if _, err := c.obfuscationKey(); err != nil {
			return err
		}
	}
	return nil
}

// obfuscationKey decodes the configured key or returns an error on a bad
// encoding. Callers generate a random key when the option is unset.
func (c *Config) obfuscationKey() ([]byte, error) {
	k, err := base64.RawURLEncoding.DecodeString(c.ObfuscationKey)
	if err != nil || len(k) != 32 {
		return nil, errors.New("obfuscation_key must be base64url(32 bytes)")
	}
	return k, nil
}

func (c *Config) shadowNetwork() (NetworkType, error) {
	switch strings.ToLower(c.ShadowNetwork) {
	case "mainnet", "":
		return NetworkMainnet, nil
	case "testnet":
		return NetworkTestnet, nil
	case "devnet":
		return NetworkDevnet, nil
	}
	return 0, fmt.Errorf("unknown shadow_network %q", c.ShadowNetwork)
}
