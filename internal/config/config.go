package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/reportsink/internal/auth"
	"github.com/loykin/reportsink/internal/logger"
	"github.com/loykin/reportsink/internal/store"
	tlsutil "github.com/loykin/reportsink/internal/tls"
)

// EnvPrefix prefixes every environment override, e.g. REPORTSINK_AUTH_TOKEN.
const EnvPrefix = "REPORTSINK"

// Config represents the top-level TOML structure.
//
//	[server]
//	listen = ":8080"
//	domain = "reports.example.com"
//
//	[auth]
//	token_hash = "$2a$10$..."
//
//	[store]
//	dsn = "sqlite:///var/lib/reportsink/reports.db"
//	retention = 150
//
//	[hooks]
//	sinks = ["logfile:///var/log/reportsink/successful_reports.log"]
type Config struct {
	EnvFiles    []string          `toml:"env_files" mapstructure:"env_files"`
	Server      ServerConfig      `toml:"server" mapstructure:"server"`
	Auth        auth.Config       `toml:"auth" mapstructure:"auth"`
	Store       store.Config      `toml:"store" mapstructure:"store"`
	Hooks       HooksConfig       `toml:"hooks" mapstructure:"hooks"`
	Log         logger.Config     `toml:"log" mapstructure:"log"`
	ActivityLog logger.FileConfig `toml:"activity_log" mapstructure:"activity_log"`
	Metrics     MetricsConfig     `toml:"metrics" mapstructure:"metrics"`
}

type ServerConfig struct {
	Listen          string         `toml:"listen" mapstructure:"listen"`
	BasePath        string         `toml:"base_path" mapstructure:"base_path"`
	Domain          string         `toml:"domain" mapstructure:"domain"`
	MaxBodyBytes    int64          `toml:"max_body_bytes" mapstructure:"max_body_bytes"`
	ProtectReads    bool           `toml:"protect_reads" mapstructure:"protect_reads"`
	Dashboard       bool           `toml:"dashboard" mapstructure:"dashboard"`
	CORSOrigin      string         `toml:"cors_origin" mapstructure:"cors_origin"`
	ReadTimeout     time.Duration  `toml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration  `toml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration  `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	TLS             tlsutil.Config `toml:"tls" mapstructure:"tls"`
}

// HooksConfig lists completed-report sinks by DSN.
type HooksConfig struct {
	Sinks   []string      `toml:"sinks" mapstructure:"sinks"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled      bool          `toml:"enabled" mapstructure:"enabled"`
	Self         bool          `toml:"self" mapstructure:"self"`
	SelfInterval time.Duration `toml:"self_interval" mapstructure:"self_interval"`
}

var defaults = map[string]any{
	"server.listen":           ":8080",
	"server.base_path":        "",
	"server.domain":           "localhost",
	"server.max_body_bytes":   int64(1 << 20),
	"server.protect_reads":    false,
	"server.dashboard":        true,
	"server.cors_origin":      "*",
	"server.read_timeout":     10 * time.Second,
	"server.write_timeout":    10 * time.Second,
	"server.shutdown_timeout": 10 * time.Second,

	"server.tls.enabled":               false,
	"server.tls.cert_file":             "",
	"server.tls.key_file":              "",
	"server.tls.dir":                   "",
	"server.tls.auto_generate":         false,
	"server.tls.min_version":           "",
	"server.tls.max_version":           "",
	"server.tls.auto_gen.common_name":  "",
	"server.tls.auto_gen.organization": "",
	"server.tls.auto_gen.dns_names":    []string{},
	"server.tls.auto_gen.ip_addresses": []string{},
	"server.tls.auto_gen.valid_days":   365,

	"auth.token":      "",
	"auth.token_hash": "",
	"auth.header":     auth.DefaultHeader,

	"store.dsn":            "agent_reports.json",
	"store.retention":      store.DefaultRetention,
	"store.max_open_conns": 0,
	"store.max_idle_conns": 0,
	"store.conn_max_age":   time.Duration(0),

	"hooks.sinks":   []string{},
	"hooks.timeout": 5 * time.Second,

	"log.level":             "info",
	"log.format":            "text",
	"log.file.path":         "",
	"log.file.max_size_mb":  logger.DefaultMaxSizeMB,
	"log.file.max_backups":  logger.DefaultMaxBackups,
	"log.file.max_age_days": logger.DefaultMaxAgeDays,
	"log.file.compress":     false,

	"activity_log.path":         "agent_activity.log",
	"activity_log.max_size_mb":  logger.DefaultMaxSizeMB,
	"activity_log.max_backups":  logger.DefaultMaxBackups,
	"activity_log.max_age_days": logger.DefaultMaxAgeDays,
	"activity_log.compress":     false,

	"metrics.enabled":       true,
	"metrics.self":          false,
	"metrics.self_interval": 15 * time.Second,

	"env_files": []string{},
}

// New returns a viper instance carrying defaults and env overrides. When path
// is not empty the TOML file is read as well.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := applyEnvFiles(v, path); err != nil {
		return nil, err
	}
	return v, nil
}

// Load reads path (may be empty), applies env overrides and validates.
func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// Decode unmarshals and validates the current state of v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Server.BasePath = normalizeBasePath(cfg.Server.BasePath)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first problem found in c.
func (c *Config) Validate() error {
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return errors.New("store.dsn is required")
	}
	if c.Store.Retention < 0 {
		return fmt.Errorf("store.retention must be positive, got %d", c.Store.Retention)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive, got %d", c.Server.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Server.Domain) == "" {
		return errors.New("server.domain is required")
	}
	if c.Hooks.Timeout < 0 {
		return errors.New("hooks.timeout must not be negative")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "color":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// normalizeBasePath yields "" or a path with a leading and no trailing slash.
func normalizeBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

// applyEnvFiles fills keys from env_files (KEY=VALUE lines). Real environment
// variables take precedence over file values. Relative paths resolve against
// the config file's directory.
func applyEnvFiles(v *viper.Viper, cfgPath string) error {
	files := v.GetStringSlice("env_files")
	if len(files) == 0 {
		return nil
	}
	merged := make(map[string]string)
	for _, p := range files {
		if !filepath.IsAbs(p) && cfgPath != "" {
			p = filepath.Join(filepath.Dir(cfgPath), p)
		}
		pairs, err := loadEnvFile(p)
		if err != nil {
			return fmt.Errorf("env file %s: %w", p, err)
		}
		for k, val := range pairs {
			merged[k] = val
		}
	}
	for _, key := range v.AllKeys() {
		name := EnvName(key)
		val, ok := merged[name]
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(name); set {
			continue
		}
		v.Set(key, val)
	}
	return nil
}

// EnvName maps a config key such as "auth.token" to REPORTSINK_AUTH_TOKEN.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			val := strings.TrimSpace(line[i+1:])
			m[k] = val
		}
	}
	return m, nil
}
