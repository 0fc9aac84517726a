package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config mirrors the [log] manifest table.
type Config struct {
	Dir     string
	Level   string
	Console bool
	// MaxSizeMB, MaxBackups and MaxAgeDays tune lumberjack rotation.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func (c Config) withDefaults() Config {
	if c.Dir == "" {
		c.Dir = "log"
	}
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = 50
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = 3
	}
	if c.MaxAgeDays == 0 {
		c.MaxAgeDays = 7
	}
	return c
}

func (c Config) level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return zap.InfoLevel
	}
	return lvl
}

// NewLog writes JSON lines to <Dir>/<name> with rotation, teed to stdout
// when Console is set.
func NewLog(cfg Config, name string) *zap.Logger {
	cfg = cfg.withDefaults()
	_ = os.MkdirAll(cfg.Dir, 0o755)

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, name),
		MaxSize:    cfg.MaxSizeMB, // MB
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays, // days
	})

	lvl := cfg.level()
	cores := []zapcore.Core{zapcore.NewCore(zapcore.NewJSONEncoder(enc), w, lvl)}
	if cfg.Console {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(os.Stdout), lvl))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

// System and Access are the two process logs.
type System struct{ *zap.Logger }
type Access struct{ *zap.Logger }

func NewSystem(cfg Config) System { return System{NewLog(cfg, "system.log")} }
func NewAccess(cfg Config) Access { return Access{NewLog(cfg, "http-access.log")} }
