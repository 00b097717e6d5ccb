package domain

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which storage and transport backends are used
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Core components
	Vault       VaultConfig       `json:"vault"`
	Risk        RiskConfig        `json:"risk"`
	Contactless ContactlessConfig `json:"contactless"`
	Audit       AuditConfig       `json:"audit"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// Supported vault ciphers. Both are AEADs.
const (
	CipherXChaCha20Poly1305 = "xchacha20-poly1305"
	CipherAES256GCM         = "aes-256-gcm"
)

// VaultConfig holds tokenization settings.
type VaultConfig struct {
	// Store selects the vault backend: "repository" or "cache"
	Store string `json:"store"`

	// MasterKey is the secret the encryption and fingerprint keys are
	// derived from. Must be at least 32 bytes.
	MasterKey string `json:"-"`
	KeyID     string `json:"keyId"`
	Cipher    string `json:"cipher"`

	TokenTTL time.Duration `json:"tokenTtl"`

	// Access control
	ApprovedRoles   []string `json:"approvedRoles"`
	MaxInactiveDays int      `json:"maxInactiveDays"`

	// Network security; empty means no allowlist check
	AllowedIPs []string `json:"allowedIps,omitempty"`
}

// RiskConfig holds risk engine settings.
type RiskConfig struct {
	VelocityWindow    time.Duration `json:"velocityWindow"`
	VelocityThreshold int           `json:"velocityThreshold"`
	VelocityCapacity  int           `json:"velocityCapacity"`
	MaxTrackedDevices int           `json:"maxTrackedDevices"`

	TrustCacheSize int           `json:"trustCacheSize"`
	TrustTTL       time.Duration `json:"trustTtl"`

	// Rules are optional CEL rules applied after the built-in signals
	Rules []RiskRule `json:"rules,omitempty"`
}

// ContactlessConfig holds reader and EMV parameters.
type ContactlessConfig struct {
	// Reader selects the driver: "none" or "simulated"
	Reader   string `json:"reader"`
	DeviceID string `json:"deviceId"`
	Currency string `json:"currency"`

	// MaxAmount is the device ceiling; requests above it never reach the reader
	MaxAmount        float64 `json:"maxAmount"`
	CVMRequiredLimit float64 `json:"cvmRequiredLimit"`
	FloorLimit       float64 `json:"floorLimit"`

	ReadTimeout   time.Duration `json:"readTimeout"`
	SupportedAIDs []string      `json:"supportedAids"`

	EnableHCE      bool   `json:"enableHce"`
	HCEServiceName string `json:"hceServiceName,omitempty"`
}

// AuditConfig holds audit log settings.
type AuditConfig struct {
	// Sink is "repository", "bus" or "log"
	Sink               string  `json:"sink"`
	HashSalt           string  `json:"-"`
	HashLength         int     `json:"hashLength"`
	HighValueThreshold float64 `json:"highValueThreshold"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + in-memory cache + channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// Well-known payment application identifiers.
const (
	AIDVisa       = "A0000000031010"
	AIDMastercard = "A0000000041010"
	AIDAmex       = "A00000002501"
	AIDDiscover   = "A0000001523010"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Vault: VaultConfig{
			Store:           "repository",
			KeyID:           "k1",
			Cipher:          CipherXChaCha20Poly1305,
			TokenTTL:        365 * 24 * time.Hour,
			ApprovedRoles:   []string{"admin", "payment_processor", "compliance_officer"},
			MaxInactiveDays: 90,
		},
		Risk: RiskConfig{
			VelocityWindow:    5 * time.Minute,
			VelocityThreshold: 5,
			VelocityCapacity:  20,
			MaxTrackedDevices: 100000,
			TrustCacheSize:    50000,
			TrustTTL:          30 * 24 * time.Hour,
		},
		Contactless: ContactlessConfig{
			Reader:           "none",
			DeviceID:         "terminal-001",
			Currency:         "USD",
			MaxAmount:        250,
			CVMRequiredLimit: 100,
			FloorLimit:       0,
			ReadTimeout:      30 * time.Second,
			SupportedAIDs:    []string{AIDVisa, AIDMastercard, AIDAmex, AIDDiscover},
		},
		Audit: AuditConfig{
			Sink:               "repository",
			HashLength:         16,
			HighValueThreshold: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Vault.Store = "cache"
	cfg.Audit.Sink = "bus"
	cfg.Tracing.Enabled = true
	return cfg
}

// ApplyEnv overrides cfg from KESTREL_* environment variables.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid KESTREL_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_VAULT_MASTER_KEY"); v != "" {
		cfg.Vault.MasterKey = v
	}
	if v := os.Getenv("KESTREL_VAULT_KEY_ID"); v != "" {
		cfg.Vault.KeyID = v
	}
	if v := os.Getenv("KESTREL_VAULT_CIPHER"); v != "" {
		cfg.Vault.Cipher = v
	}
	if v := os.Getenv("KESTREL_VAULT_ALLOWED_IPS"); v != "" {
		cfg.Vault.AllowedIPs = splitList(v)
	}
	if v := os.Getenv("KESTREL_AUDIT_SALT"); v != "" {
		cfg.Audit.HashSalt = v
	}
	if v := os.Getenv("KESTREL_AUDIT_SINK"); v != "" {
		cfg.Audit.Sink = v
	}
	if v := os.Getenv("KESTREL_READER"); v != "" {
		cfg.Contactless.Reader = v
	}
	if v := os.Getenv("KESTREL_DEVICE_ID"); v != "" {
		cfg.Contactless.DeviceID = v
	}
	if v := os.Getenv("KESTREL_DEVICE_MAX_AMOUNT"); v != "" {
		amount, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid KESTREL_DEVICE_MAX_AMOUNT: %w", err)
		}
		cfg.Contactless.MaxAmount = amount
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
