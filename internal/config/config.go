package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// AuditMirrorDatabaseURL points at the compliance database. Empty
	// disables the FHIR AuditEvent mirror.
	AuditMirrorDatabaseURL string        `mapstructure:"AUDIT_MIRROR_DATABASE_URL"`
	AuditTimeout           time.Duration `mapstructure:"AUDIT_TIMEOUT"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`

	ConsentSigningKey   string `mapstructure:"CONSENT_SIGNING_KEY"`
	ConsentSigningKeyID string `mapstructure:"CONSENT_SIGNING_KEY_ID"`
	// ConsentLegacyKeys is "kid:hex,kid:hex"; verify only.
	ConsentLegacyKeys  string `mapstructure:"CONSENT_LEGACY_KEYS"`
	ConsentTokenIssuer string `mapstructure:"CONSENT_TOKEN_ISSUER"`

	LookupTimeout       time.Duration `mapstructure:"LOOKUP_TIMEOUT"`
	EmergencyMaxPerHour int           `mapstructure:"EMERGENCY_MAX_PER_HOUR"`
	ClinicalStoreURL    string        `mapstructure:"CLINICAL_STORE_URL"`

	NotificationWebhookURL string `mapstructure:"NOTIFICATION_WEBHOOK_URL"`

	RateLimitRequests int           `mapstructure:"RATE_LIMIT_REQUESTS"`
	RateLimitWindow   time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	BodyLimit         string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	OTLPInsecure    bool    `mapstructure:"OTLP_INSECURE"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "CORS_ORIGINS",
	"AUDIT_MIRROR_DATABASE_URL", "AUDIT_TIMEOUT",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER",
	"CONSENT_SIGNING_KEY", "CONSENT_SIGNING_KEY_ID", "CONSENT_LEGACY_KEYS", "CONSENT_TOKEN_ISSUER",
	"LOOKUP_TIMEOUT", "EMERGENCY_MAX_PER_HOUR", "CLINICAL_STORE_URL",
	"NOTIFICATION_WEBHOOK_URL",
	"RATE_LIMIT_REQUESTS", "RATE_LIMIT_WINDOW", "BODY_LIMIT", "REQUEST_TIMEOUT",
	"OTLP_ENDPOINT", "OTLP_INSECURE", "TRACE_SAMPLE_RATE",
}

// Load reads the environment and an optional .env file. It does not
// validate; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("AUDIT_TIMEOUT", "5s")
	v.SetDefault("AUTH_ISSUER", "consent-gateway-auth")
	v.SetDefault("CONSENT_SIGNING_KEY_ID", "k1")
	v.SetDefault("CONSENT_TOKEN_ISSUER", "consent-gateway")
	v.SetDefault("LOOKUP_TIMEOUT", "2s")
	v.SetDefault("EMERGENCY_MAX_PER_HOUR", 10)
	v.SetDefault("RATE_LIMIT_REQUESTS", 600)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)

	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to serve with. Signing keys
// may be omitted only in development, where ephemeral keys are generated.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	if !c.IsDev() {
		if c.ConsentSigningKey == "" {
			return fmt.Errorf("CONSENT_SIGNING_KEY is required outside development")
		}
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required outside development")
		}
	}
	if c.ConsentSigningKey != "" {
		if _, err := decodeKey("CONSENT_SIGNING_KEY", c.ConsentSigningKey); err != nil {
			return err
		}
	}
	if c.AuthSigningKey != "" {
		if _, err := decodeKey("AUTH_SIGNING_KEY", c.AuthSigningKey); err != nil {
			return err
		}
	}
	if c.ConsentSigningKeyID == "" {
		return fmt.Errorf("CONSENT_SIGNING_KEY_ID must not be empty")
	}
	if _, err := c.LegacyConsentKeys(); err != nil {
		return err
	}

	if c.LookupTimeout <= 0 {
		return fmt.Errorf("LOOKUP_TIMEOUT must be positive, got %s", c.LookupTimeout)
	}
	if c.AuditTimeout <= 0 {
		return fmt.Errorf("AUDIT_TIMEOUT must be positive, got %s", c.AuditTimeout)
	}
	if c.EmergencyMaxPerHour < 0 {
		return fmt.Errorf("EMERGENCY_MAX_PER_HOUR must not be negative")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be between 0 and 1, got %v", c.TraceSampleRate)
	}
	return nil
}

// minKeyBytes matches the consent token keyring minimum.
const minKeyBytes = 32

func decodeKey(name, value string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%s is not valid hex: %w", name, err)
	}
	if len(key) < minKeyBytes {
		return nil, fmt.Errorf("%s must be at least %d bytes (%d hex chars), got %d bytes", name, minKeyBytes, 2*minKeyBytes, len(key))
	}
	return key, nil
}

// ConsentKey returns the active consent signing key. In development an
// unset key yields a random one and generated is true.
func (c *Config) ConsentKey() (key []byte, generated bool, err error) {
	return c.keyOrRandom("CONSENT_SIGNING_KEY", c.ConsentSigningKey)
}

// AuthKey returns the session JWT key, with the same development fallback.
func (c *Config) AuthKey() (key []byte, generated bool, err error) {
	return c.keyOrRandom("AUTH_SIGNING_KEY", c.AuthSigningKey)
}

func (c *Config) keyOrRandom(name, value string) ([]byte, bool, error) {
	if value != "" {
		key, err := decodeKey(name, value)
		return key, false, err
	}
	if !c.IsDev() {
		return nil, false, fmt.Errorf("%s is required outside development", name)
	}
	key := make([]byte, minKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("generate %s: %w", name, err)
	}
	return key, true, nil
}

// LegacyConsentKeys parses CONSENT_LEGACY_KEYS.
func (c *Config) LegacyConsentKeys() (map[string][]byte, error) {
	out := make(map[string][]byte)
	if strings.TrimSpace(c.ConsentLegacyKeys) == "" {
		return out, nil
	}
	for _, entry := range strings.Split(c.ConsentLegacyKeys, ",") {
		kid, value, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || kid == "" {
			return nil, fmt.Errorf("CONSENT_LEGACY_KEYS entry %q must be kid:hex", entry)
		}
		if kid == c.ConsentSigningKeyID {
			return nil, fmt.Errorf("CONSENT_LEGACY_KEYS reuses the active key id %q", kid)
		}
		if _, dup := out[kid]; dup {
			return nil, fmt.Errorf("CONSENT_LEGACY_KEYS lists key id %q twice", kid)
		}
		key, err := decodeKey("CONSENT_LEGACY_KEYS["+kid+"]", value)
		if err != nil {
			return nil, err
		}
		out[kid] = key
	}
	return out, nil
}
