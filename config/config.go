package config

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/berkmancenter/linkage-point/fieldenc"
	"github.com/berkmancenter/linkage-point/logging"
	"github.com/berkmancenter/linkage-point/pseudonym"
)

type Config struct {
	Server  Server  `mapstructure:"server" yaml:"server"`
	Linkage Linkage `mapstructure:"linkage" yaml:"linkage"`
	Auth    Auth    `mapstructure:"auth" yaml:"auth"`
	Redis   Redis   `mapstructure:"redis" yaml:"redis"`
	Log     Log     `mapstructure:"log" yaml:"log"`

	// MasterSecret derives the key of every party without an explicit key.
	MasterSecret string  `mapstructure:"master_secret" yaml:"master_secret,omitempty"`
	Parties      []Party `mapstructure:"parties" yaml:"parties"`

	Algorithm fieldenc.AlgorithmConfig `mapstructure:"algorithm" yaml:"algorithm"`
	Fields    []fieldenc.FieldSpec     `mapstructure:"fields" yaml:"fields,omitempty"`
}

type Server struct {
	Listen          string        `mapstructure:"listen" yaml:"listen"`
	BodyLimit       string        `mapstructure:"body_limit" yaml:"body_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type Linkage struct {
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

type Auth struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	CredentialTTL time.Duration `mapstructure:"credential_ttl" yaml:"credential_ttl"`
	// RDAP records the registrant of the client address in credentials.
	RDAP bool `mapstructure:"rdap" yaml:"rdap"`
}

// Redis holds the counter store. An empty URL keeps counters in memory.
type Redis struct {
	URL       string `mapstructure:"url" yaml:"url,omitempty"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`
}

type Log struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Party is one linkage participant and its pseudonym issuer.
type Party struct {
	ID           string `mapstructure:"id" yaml:"id"`
	Key          string `mapstructure:"key" yaml:"key,omitempty"`
	Pad          int    `mapstructure:"pad" yaml:"pad"`
	Scheme       string `mapstructure:"scheme" yaml:"scheme,omitempty"`
	AcceptLegacy bool   `mapstructure:"accept_legacy" yaml:"accept_legacy,omitempty"`
	PublicKey    string `mapstructure:"public_key" yaml:"public_key,omitempty"`
}

// Defaults reproduces the two-party demo setup.
func Defaults() map[string]any {
	algo := fieldenc.DefaultAlgorithm()
	return map[string]any{
		"server.listen":            ":8080",
		"server.body_limit":        "64K",
		"server.shutdown_timeout":  "10s",
		"linkage.timeout":          "20s",
		"linkage.sweep_interval":   "5s",
		"auth.enabled":             false,
		"auth.credential_ttl":      "48h",
		"auth.rdap":                false,
		"redis.url":                "",
		"redis.key_prefix":         "linkpoint:counter:",
		"log.level":                "info",
		"master_secret":            "",
		"algorithm.ngram_length":   algo.NGramLength,
		"algorithm.hash_functions": algo.HashFunctions,
		"algorithm.bloom_length":   algo.BloomLength,
		"algorithm.byte_order":     string(algo.ByteOrder),
		"parties": []map[string]any{
			{"id": "TUDA1", "pad": 15},
			{"id": "TUDA2", "pad": 13},
		},
	}
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"listen":    "server.listen",
	"log-level": "log.level",
	"redis-url": "redis.url",
	"timeout":   "linkage.timeout",
	"auth":      "auth.enabled",
}

// getConfigPath returns the full path for the configuration file.
func getConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "linkpoint")
		default:
			configDir = "/etc/linkpoint"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "linkpoint")
	}

	return filepath.Join(configDir, "linkpoint.yaml"), nil
}

// LoadConfig reads defaults, then linkpoint.yaml (or configFile), then
// LINKPOINT_* environment variables, then flags set on cmd.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, configFile string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("linkpoint")
	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	if userConfigPath, err := getConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := getConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// a missing file is fine, a broken one is not
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return c, err
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("linkpoint")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		for name, key := range flagKeys {
			if f := cmd.Flags().Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return c, err
				}
			}
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}
	return c, nil
}

// Load reads the linkpoint configuration and validates it.
func Load(cmd *cobra.Command, configFile string) (Config, error) {
	c, err := LoadConfig[Config](cmd, Defaults(), configFile)
	if err != nil {
		return c, err
	}
	return c, c.Validate()
}

// Validate reports configuration errors. They are fatal at startup.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Parties) == 0 {
		errs = append(errs, errors.New("no parties configured"))
	}
	seen := map[string]bool{}
	for k, p := range c.Parties {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("parties[%d]: missing id", k))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("party %s: duplicate id", p.ID))
		}
		seen[p.ID] = true
		if p.Pad < 1 {
			errs = append(errs, fmt.Errorf("party %s: %w", p.ID, pseudonym.ErrPadLength))
		}
		if _, err := pseudonym.ParseScheme(p.Scheme); err != nil {
			errs = append(errs, fmt.Errorf("party %s: %w", p.ID, err))
		}
		if p.Key != "" {
			if _, err := pseudonym.ParseKey(p.Key); err != nil {
				errs = append(errs, fmt.Errorf("party %s: %w", p.ID, err))
			}
		}
		if c.Auth.Enabled {
			if _, err := decodePublicKey(p.PublicKey); err != nil {
				errs = append(errs, fmt.Errorf("party %s: public_key: %w", p.ID, err))
			}
		}
	}

	if c.Linkage.Timeout <= 0 {
		errs = append(errs, errors.New("linkage.timeout must be positive"))
	}
	if c.Linkage.SweepInterval <= 0 {
		errs = append(errs, errors.New("linkage.sweep_interval must be positive"))
	}
	if _, err := logLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	if err := c.Algorithm.Validate(); err != nil {
		errs = append(errs, err)
	} else {
		names := map[string]bool{}
		for _, f := range c.Fields {
			if names[f.Name] {
				errs = append(errs, fmt.Errorf("field %s: duplicate name", f.Name))
			}
			names[f.Name] = true
			if err := f.Validate(c.Algorithm); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

func logLevel(level string) (string, error) {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return strings.ToLower(level), nil
	}
	return "", fmt.Errorf("log.level: unknown level %q", level)
}

func decodePublicKey(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("missing")
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid encoding: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Key resolves a party's issuer key: the configured key, else one derived
// from the master secret, else a random key that only lives as long as the
// process.
func (c *Config) Key(p Party) ([]byte, error) {
	switch {
	case p.Key != "":
		return pseudonym.ParseKey(p.Key)
	case c.MasterSecret != "":
		return pseudonym.DeriveKey([]byte(c.MasterSecret), p.ID)
	}
	logging.Warnf("party %s has no key configured, using a random key; its pseudonyms will not survive a restart", p.ID)
	return pseudonym.RandomKey()
}

// Issuers builds one issuer per party. counter may be nil for in-memory
// counters.
func (c *Config) Issuers(counter pseudonym.CounterStore) ([]*pseudonym.Issuer, error) {
	issuers := make([]*pseudonym.Issuer, 0, len(c.Parties))
	for _, p := range c.Parties {
		key, err := c.Key(p)
		if err != nil {
			return nil, fmt.Errorf("party %s: %w", p.ID, err)
		}
		scheme, err := pseudonym.ParseScheme(p.Scheme)
		if err != nil {
			return nil, fmt.Errorf("party %s: %w", p.ID, err)
		}
		opts := []pseudonym.Option{pseudonym.WithScheme(scheme), pseudonym.WithCounter(counter)}
		if p.AcceptLegacy {
			opts = append(opts, pseudonym.WithLegacyFallback())
		}
		iss, err := pseudonym.New(p.ID, key, p.Pad, opts...)
		if err != nil {
			return nil, err
		}
		issuers = append(issuers, iss)
	}
	return issuers, nil
}

// CounterStore returns the Redis counter store when redis.url is set, or nil.
func (c *Config) CounterStore(ctx context.Context) (pseudonym.CounterStore, error) {
	if c.Redis.URL == "" {
		return nil, nil
	}
	client, err := pseudonym.DialRedis(ctx, c.Redis.URL)
	if err != nil {
		return nil, err
	}
	return pseudonym.NewRedisCounter(client, pseudonym.WithKeyPrefix(c.Redis.KeyPrefix)), nil
}

// PartyKeys returns the X25519 public keys parties authenticate with.
func (c *Config) PartyKeys() (map[string][]byte, error) {
	keys := make(map[string][]byte, len(c.Parties))
	for _, p := range c.Parties {
		key, err := decodePublicKey(p.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("party %s: public_key: %w", p.ID, err)
		}
		keys[p.ID] = key
	}
	return keys, nil
}

// MarshalParties renders a parties block for linkpoint.yaml.
func MarshalParties(parties ...Party) ([]byte, error) {
	return yaml.Marshal(struct {
		Parties []Party `yaml:"parties"`
	}{parties})
}
