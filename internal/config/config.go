// Package config loads the webverify YAML configuration.
//
// A file is decoded strictly (unknown keys are errors), checked against the
// embedded CUE schema, then defaulted. Durations are strings ("30s").
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/webverify/internal/backend"
	"github.com/roach88/webverify/internal/pagecache"
	"github.com/roach88/webverify/internal/pool"
	"github.com/roach88/webverify/internal/session"
	"github.com/roach88/webverify/internal/verify"
)

//go:embed schema.cue
var schemaSource string

// Duration is a time.Duration written as a string in YAML.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the whole configuration file.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Pool     PoolConfig     `yaml:"pool"`
	Session  SessionConfig  `yaml:"session"`
	Cache    CacheConfig    `yaml:"cache"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig locates the engine database.
type DatabaseConfig struct {
	// Path is the SQLite file.
	Path string `yaml:"path"`

	// Server and Database name the engine identity handles connect as.
	Server   string `yaml:"server"`
	Database string `yaml:"database"`
}

// PoolConfig sizes the handle pool.
type PoolConfig struct {
	Size           int      `yaml:"size"`
	MaxSize        int      `yaml:"max_size"`
	AcquireTimeout Duration `yaml:"acquire_timeout"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
	SweepInterval  Duration `yaml:"sweep_interval"`
}

// SessionConfig names the engine objects documents are verified in.
type SessionConfig struct {
	Action             string   `yaml:"action"`
	Workflow           string   `yaml:"workflow"`
	TaskTag            string   `yaml:"task_tag"`
	AttributeSet       string   `yaml:"attribute_set"`
	PostCompleteAction string   `yaml:"post_complete_action"`
	PostDeleteAction   string   `yaml:"post_delete_action"`
	QueueRetries       int      `yaml:"queue_retries"`
	QueueRetryDelay    Duration `yaml:"queue_retry_delay"`
}

// CacheConfig tunes the page cache.
type CacheConfig struct {
	// Prefetch is a pointer so an explicit false survives defaulting.
	Prefetch        *bool    `yaml:"prefetch"`
	PrefetchTimeout Duration `yaml:"prefetch_timeout"`
	SeedConcurrency int      `yaml:"seed_concurrency"`
	FailureBuffer   int      `yaml:"failure_buffer"`
	MaxAge          Duration `yaml:"max_age"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	setString(&c.Database.Path, "webverify.db")
	setString(&c.Database.Server, "local")
	setString(&c.Database.Database, "webverify")

	setInt(&c.Pool.Size, 2)
	setInt(&c.Pool.MaxSize, 8)
	setDuration(&c.Pool.AcquireTimeout, 30*time.Second)
	setDuration(&c.Pool.IdleTimeout, 30*time.Minute)
	setDuration(&c.Pool.SweepInterval, time.Minute)

	setString(&c.Session.Action, "Verify")
	setString(&c.Session.Workflow, "Default")
	setString(&c.Session.TaskTag, "webverify")
	setString(&c.Session.AttributeSet, "DataFoundByRules")
	setInt(&c.Session.QueueRetries, session.DefaultQueueRetries)
	setDuration(&c.Session.QueueRetryDelay, 100*time.Millisecond)

	if c.Cache.Prefetch == nil {
		on := true
		c.Cache.Prefetch = &on
	}
	setDuration(&c.Cache.PrefetchTimeout, 30*time.Second)
	setInt(&c.Cache.SeedConcurrency, 4)
	setInt(&c.Cache.FailureBuffer, 64)
	setDuration(&c.Cache.MaxAge, 24*time.Hour)

	setString(&c.Log.Level, "info")
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *Duration, def time.Duration) {
	if *v == 0 {
		*v = Duration(def)
	}
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes, validates and defaults a configuration document.
func Parse(data []byte) (*Config, error) {
	if err := checkSchema(data); err != nil {
		return nil, err
	}

	var c Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}

// checkSchema unifies the document with the CUE #Config definition.
func checkSchema(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def.Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config does not match schema: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

// Validate checks constraints that span fields.
func (c *Config) Validate() error {
	if c.Pool.MaxSize < c.Pool.Size {
		return fmt.Errorf("pool.max_size %d is below pool.size %d", c.Pool.MaxSize, c.Pool.Size)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns the configured slog level.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// Identity is the engine identity handles connect as.
func (c *Config) Identity() backend.Identity {
	return backend.Identity{Server: c.Database.Server, Database: c.Database.Database}
}

// Service maps the file onto the service's settings.
func (c *Config) Service() verify.Config {
	return verify.Config{
		Pool: pool.Options{
			Identity:       c.Identity(),
			Size:           c.Pool.Size,
			MaxSize:        c.Pool.MaxSize,
			AcquireTimeout: c.Pool.AcquireTimeout.Std(),
			IdleTimeout:    c.Pool.IdleTimeout.Std(),
			SweepInterval:  c.Pool.SweepInterval.Std(),
		},
		Session: session.Config{
			Action:             c.Session.Action,
			Workflow:           c.Session.Workflow,
			TaskTag:            c.Session.TaskTag,
			PostCompleteAction: c.Session.PostCompleteAction,
			PostDeleteAction:   c.Session.PostDeleteAction,
			QueueRetries:       c.Session.QueueRetries,
			QueueRetryDelay:    c.Session.QueueRetryDelay.Std(),
		},
		Cache: pagecache.Options{
			AttributeSet:    c.Session.AttributeSet,
			Prefetch:        *c.Cache.Prefetch,
			PrefetchTimeout: c.Cache.PrefetchTimeout.Std(),
			SeedConcurrency: c.Cache.SeedConcurrency,
			FailureBuffer:   c.Cache.FailureBuffer,
			MaxAge:          c.Cache.MaxAge.Std(),
		},
	}
}
