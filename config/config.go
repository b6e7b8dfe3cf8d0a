// This package defines a common config struct which can be used by any subsystem within go-e2ee.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/meow-io/go-e2ee/event"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug                    bool
	RootDir                  string
	LoggingPrefix            string
	KeyQueryTimeoutMs        int64
	BackupBatchSize          int
	ImportProgressInterval   int
	ToDeviceBatchSize        int
	RoomKeyCacheSize         int
	TrustRequirement         event.TrustRequirement
	RoomKeyRequestsEnabled   bool
	RoomKeyForwardingEnabled bool
	EncryptionDisabled       bool
	MetricsRegisterer        prometheus.Registerer
	writer                   io.Writer
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
	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(de), zapcore.AddSync(os.Stdout), level)
	if c.writer == nil {
		return zap.New(consoleCore, opts...).Sugar()
	}
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(de), zapcore.AddSync(c.writer), level),
		consoleCore,
	)
	return zap.New(core, opts...).Sugar()
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

func WithKeyQueryTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.KeyQueryTimeoutMs = n
	}
}

func WithBackupBatchSize(n int) Option {
	return func(c *Config) {
		c.BackupBatchSize = n
	}
}

func WithImportProgressInterval(n int) Option {
	return func(c *Config) {
		c.ImportProgressInterval = n
	}
}

func WithToDeviceBatchSize(n int) Option {
	return func(c *Config) {
		c.ToDeviceBatchSize = n
	}
}

func WithRoomKeyCacheSize(n int) Option {
	return func(c *Config) {
		c.RoomKeyCacheSize = n
	}
}

func WithTrustRequirement(t event.TrustRequirement) Option {
	return func(c *Config) {
		c.TrustRequirement = t
	}
}

func WithRoomKeyRequests(enabled bool) Option {
	return func(c *Config) {
		c.RoomKeyRequestsEnabled = enabled
	}
}

func WithRoomKeyForwarding(enabled bool) Option {
	return func(c *Config) {
		c.RoomKeyForwardingEnabled = enabled
	}
}

func WithEncryptionDisabled(disabled bool) Option {
	return func(c *Config) {
		c.EncryptionDisabled = disabled
	}
}

func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(c *Config) {
		c.MetricsRegisterer = r
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                    os.Getenv("DEBUG") == "1",
		RootDir:                  ".",
		LoggingPrefix:            "",
		KeyQueryTimeoutMs:        10000,
		BackupBatchSize:          200,
		ImportProgressInterval:   100,
		ToDeviceBatchSize:        250,
		RoomKeyCacheSize:         1024,
		TrustRequirement:         event.TrustUntrusted,
		RoomKeyRequestsEnabled:   true,
		RoomKeyForwardingEnabled: true,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	c.writer = &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	return c
}
