// Package config loads runtime configuration for the call advice service.
//
// Values are layered: built-in defaults, then an optional YAML file named by
// CONFIG_PATH, then environment variables. The merged result is validated
// once and every problem is reported together.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PratikDhanave/call-advice-service/internal/transcript"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config contains runtime configuration required by the service.
type Config struct {
	Server  ServerConfig       `yaml:"server"`
	Storage StorageConfig      `yaml:"storage"`
	Webhook WebhookConfig      `yaml:"webhook"`
	Advice  AdviceConfig       `yaml:"advice"`
	Merge   transcript.Options `yaml:"merge"`

	// APIKeys maps apiKey -> tenant slug for the call read API. Only set from
	// the environment so keys never live in a checked-in file.
	APIKeys map[string]string `yaml:"-"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	ListenAddr string   `yaml:"listen_addr"`
	LogLevel   LogLevel `yaml:"log_level"`

	// PublicBaseURL is the scheme://host the provider calls. It is added as a
	// signature candidate when proxies strip forwarding headers.
	PublicBaseURL string `yaml:"public_base_url"`
}

// StorageConfig selects the storage backend. An empty DBURL selects the
// in-memory store.
type StorageConfig struct {
	DBURL string `yaml:"db_url"`
}

// WebhookConfig holds provider webhook authentication settings.
type WebhookConfig struct {
	AuthToken     string `yaml:"auth_token"`
	SkipSignature bool   `yaml:"skip_signature"`
}

// AdviceConfig tunes advice generation and its scheduler.
type AdviceConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	MinInterval time.Duration `yaml:"min_interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Window      int           `yaml:"window"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Advice: AdviceConfig{
			Model:       "gpt-4o-mini",
			MinInterval: 900 * time.Millisecond,
			Timeout:     12 * time.Second,
			Window:      40,
			MaxAttempts: 2,
		},
		Merge: transcript.DefaultOptions,
	}
}

// Load reads configuration from CONFIG_PATH (optional) and the environment.
// API_KEYS format: "tenant1:key1,tenant2:key2"
func Load() (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("CONFIG_PATH")); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML over the defaults, applies env from getenv and
// validates. Tests pass a map-backed getenv.
func LoadFromReader(r io.Reader, getenv func(string) string) (Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	setString := func(dst *string, key string) {
		if v := env(key); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.Server.PublicBaseURL, "PUBLIC_BASE_URL")
	setString(&cfg.Storage.DBURL, "DB_URL")
	setString(&cfg.Webhook.AuthToken, "PROVIDER_AUTH_TOKEN")
	setString(&cfg.Advice.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Advice.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Advice.Model, "ADVICE_MODEL")
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v := env("WEBHOOK_SKIP_SIGNATURE"); v != "" {
		skip, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: WEBHOOK_SKIP_SIGNATURE %q is not a boolean", v)
		}
		cfg.Webhook.SkipSignature = skip
	}

	apiKeys, err := parseAPIKeys(env("API_KEYS"))
	if err != nil {
		return err
	}
	// Local dev fallback so the read API works out-of-the-box.
	if len(apiKeys) == 0 {
		apiKeys["tenant-key-123"] = "default"
	}
	cfg.APIKeys = apiKeys
	return nil
}

func parseAPIKeys(raw string) (map[string]string, error) {
	apiKeys := map[string]string{}
	if raw == "" {
		return apiKeys, nil
	}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, errors.New(`API_KEYS must be "tenant:key,tenant:key"`)
		}
		tenant := strings.ToLower(strings.TrimSpace(parts[0]))
		key := strings.TrimSpace(parts[1])
		if tenant == "" || key == "" {
			return nil, errors.New(`API_KEYS must be "tenant:key,tenant:key"`)
		}
		apiKeys[key] = tenant
	}
	return apiKeys, nil
}

// Validate checks that cfg contains a coherent set of values and returns a
// joined error listing every failure.
func Validate(cfg Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicBaseURL != "" {
		u, err := url.Parse(cfg.Server.PublicBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.public_base_url %q must be an absolute URL", cfg.Server.PublicBaseURL))
		}
	}

	if cfg.Advice.MinInterval <= 0 {
		errs = append(errs, errors.New("advice.min_interval must be positive"))
	}
	if cfg.Advice.Timeout <= 0 {
		errs = append(errs, errors.New("advice.timeout must be positive"))
	}
	if cfg.Advice.Window <= 0 {
		errs = append(errs, errors.New("advice.window must be positive"))
	}
	if cfg.Advice.MaxAttempts < 1 {
		errs = append(errs, errors.New("advice.max_attempts must be at least 1"))
	}
	if cfg.Advice.APIKey != "" && cfg.Advice.Model == "" {
		errs = append(errs, errors.New("advice.model is required when an API key is set"))
	}

	if r := cfg.Merge.RestartLengthRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("merge.restart_length_ratio %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}
