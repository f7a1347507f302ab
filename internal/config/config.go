// Package config loads the runtime configuration: store connection, unit of
// work behavior, bulk statement policy and the compiled-statement cache.
//
// Values come from entityctx.yaml, overridden by ENTITYCTX_* environment
// variables (ENTITYCTX_STORE_DRIVER, ENTITYCTX_BULK_AUTO_CLEAR, ...). A
// missing file is not an error: every key has a default.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"

	"github.com/roach88/entityctx/internal/audit"
	"github.com/roach88/entityctx/internal/querysql"
	"github.com/roach88/entityctx/internal/repository"
	"github.com/roach88/entityctx/internal/session"
	"github.com/roach88/entityctx/internal/store"
)

const (
	fileName  = "entityctx"
	fileType  = "yaml"
	envPrefix = "ENTITYCTX"
)

// Flush modes accepted by session.flush_mode.
const (
	FlushAuto   = "auto"
	FlushCommit = "commit"
)

// Config is the complete runtime configuration.
type Config struct {
	Store   Store   `mapstructure:"store"`
	Session Session `mapstructure:"session"`
	Bulk    Bulk    `mapstructure:"bulk"`
	Cache   Cache   `mapstructure:"cache"`
}

// Store configures the database connection.
type Store struct {
	Driver string `mapstructure:"driver"`

	// DSN is used as is when set. Otherwise mysql builds one from MySQL and
	// the sqlite drivers use a private in-memory database.
	DSN   string `mapstructure:"dsn"`
	MySQL MySQL  `mapstructure:"mysql"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// MySQL holds the discrete connection settings of the mysql driver.
type MySQL struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// Session configures units of work.
type Session struct {
	FlushMode   string `mapstructure:"flush_mode"`
	AuditStrict bool   `mapstructure:"audit_strict"`
}

// Bulk configures bulk update and delete statements.
type Bulk struct {
	AutoClear bool `mapstructure:"auto_clear"`
}

// Cache configures the compiled-statement cache. A zero capacity disables it.
type Cache struct {
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Load reads the configuration. path names a config file; when empty,
// entityctx.yaml is looked up in dirs (the working directory if none).
func Load(path string, dirs ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(fileName)
		v.SetConfigType(fileType)
		if len(dirs) == 0 {
			dirs = []string{"."}
		}
		for _, d := range dirs {
			v.AddConfigPath(d)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.mysql.host", "localhost")
	v.SetDefault("store.mysql.port", 3306)
	v.SetDefault("store.mysql.user", "")
	v.SetDefault("store.mysql.password", "")
	v.SetDefault("store.mysql.database", "")
	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("store.query_timeout", 30*time.Second)
	v.SetDefault("session.flush_mode", FlushAuto)
	v.SetDefault("session.audit_strict", false)
	v.SetDefault("bulk.auto_clear", false)
	v.SetDefault("cache.capacity", 1024)
	v.SetDefault("cache.ttl", time.Hour)
}

// Validate checks every section.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Store),
		validation.Field(&c.Session),
		validation.Field(&c.Cache),
	)
}

// Validate checks the store section. mysql needs a database unless a DSN
// is given.
func (s Store) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Driver, validation.Required, validation.In("sqlite3", "sqlite", "mysql", "postgres")),
		validation.Field(&s.DSN, validation.When(s.Driver == "postgres", validation.Required)),
		validation.Field(&s.MySQL, validation.Skip.When(s.Driver != "mysql" || s.DSN != "")),
		validation.Field(&s.MaxOpenConns, validation.Min(0)),
		validation.Field(&s.MaxIdleConns, validation.Min(0)),
		validation.Field(&s.QueryTimeout, validation.Min(time.Duration(0))),
	)
}

// Validate checks the mysql settings.
func (m MySQL) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Host, validation.Required),
		validation.Field(&m.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&m.Database, validation.Required),
	)
}

// Validate checks the session section.
func (s Session) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.FlushMode, validation.Required, validation.In(FlushAuto, FlushCommit)),
	)
}

// Validate checks the cache section.
func (c Cache) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Capacity, validation.Min(0)),
		validation.Field(&c.TTL, validation.When(c.Capacity > 0, validation.Required)),
	)
}

// StoreConfig returns the store connection settings. name distinguishes
// in-memory SQLite databases when no DSN is configured.
func (c *Config) StoreConfig(name string) store.Config {
	s := c.Store
	dsn := s.DSN
	if dsn == "" {
		switch s.Driver {
		case "mysql":
			dsn = store.MySQLConfig{
				Host:     s.MySQL.Host,
				Port:     s.MySQL.Port,
				User:     s.MySQL.User,
				Password: s.MySQL.Password,
				Database: s.MySQL.Database,
				Timeout:  s.QueryTimeout,
			}.DSN()
		case "sqlite3", "sqlite":
			dsn = store.MemoryDSN(name)
		}
	}
	return store.Config{
		Driver:          s.Driver,
		DSN:             dsn,
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: s.ConnMaxLifetime,
		QueryTimeout:    s.QueryTimeout,
	}
}

// SessionOptions returns the unit of work options for the configured flush
// mode and audit strictness. The audit hook reads the system clock.
func (c *Config) SessionOptions() []session.Option {
	mode := session.FlushAuto
	if c.Session.FlushMode == FlushCommit {
		mode = session.FlushCommit
	}
	return []session.Option{
		session.WithFlushMode(mode),
		session.WithAuditHook(audit.NewHook(audit.SystemClock{}, c.Session.AuditStrict)),
	}
}

// CompilerOptions returns the statement compiler options.
func (c *Config) CompilerOptions() []querysql.Option {
	if c.Cache.Capacity <= 0 {
		return nil
	}
	return []querysql.Option{querysql.WithCache(c.Cache.Capacity, c.Cache.TTL)}
}

// RepositoryOptions returns the query registry options, except the compiler
// which NewRegistry builds from the dialect.
func (c *Config) RepositoryOptions() []repository.Option {
	return []repository.Option{repository.WithAutoClear(c.Bulk.AutoClear)}
}
