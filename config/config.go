// This package defines a common config struct which can be used by any subsystem within the client.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Debug   bool
	RootDir string
	// Grace period subtracted from the last-accepted config timestamp when
	// deciding whether an unsynced change can still be applied.
	ConfigChangeBufferMs uint64
	// Number of commands which can be queued for the group manager before
	// enqueueing blocks.
	GroupManagerQueueSize int
	// Upper bound on reactor rows persisted per emoji during a community
	// reaction merge.
	MaxReactorsPerEmoji int
	LoggingPrefix       string
	writer              io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithConfigChangeBufferMs(n uint64) Option {
	return func(c *Config) {
		c.ConfigChangeBufferMs = n
	}
}

func WithGroupManagerQueueSize(n int) Option {
	return func(c *Config) {
		c.GroupManagerQueueSize = n
	}
}

func WithMaxReactorsPerEmoji(n int) Option {
	return func(c *Config) {
		c.MaxReactorsPerEmoji = n
	}
}

type fileConfig struct {
	Debug                 *bool   `yaml:"debug"`
	RootDir               *string `yaml:"root_dir"`
	ConfigChangeBufferMs  *uint64 `yaml:"config_change_buffer_ms"`
	GroupManagerQueueSize *int    `yaml:"group_manager_queue_size"`
	MaxReactorsPerEmoji   *int    `yaml:"max_reactors_per_emoji"`
	LoggingPrefix         *string `yaml:"logging_prefix"`
}

// Build a config from a YAML file. Options passed here are applied after the
// file values, so callers can override them.
func FromFile(path string, opts ...Option) (*Config, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	fc := &fileConfig{}
	if err := yaml.Unmarshal(b, fc); err != nil {
		return nil, fmt.Errorf("config: error parsing %s: %w", path, err)
	}
	fileOpts := make([]Option, 0, 6)
	if fc.Debug != nil {
		fileOpts = append(fileOpts, WithDebug(*fc.Debug))
	}
	if fc.RootDir != nil {
		fileOpts = append(fileOpts, WithRootDir(*fc.RootDir))
	}
	if fc.ConfigChangeBufferMs != nil {
		fileOpts = append(fileOpts, WithConfigChangeBufferMs(*fc.ConfigChangeBufferMs))
	}
	if fc.GroupManagerQueueSize != nil {
		fileOpts = append(fileOpts, WithGroupManagerQueueSize(*fc.GroupManagerQueueSize))
	}
	if fc.MaxReactorsPerEmoji != nil {
		fileOpts = append(fileOpts, WithMaxReactorsPerEmoji(*fc.MaxReactorsPerEmoji))
	}
	if fc.LoggingPrefix != nil {
		fileOpts = append(fileOpts, WithLoggingPrefix(*fc.LoggingPrefix))
	}
	return NewConfig(append(fileOpts, opts...)...), nil
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                 os.Getenv("DEBUG") == "1",
		ConfigChangeBufferMs:  2 * 60 * 1000,
		GroupManagerQueueSize: 64,
		MaxReactorsPerEmoji:   5,
		LoggingPrefix:         "",
		RootDir:               ".",

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
