// Package logging constructs the component loggers used across the engine.
// Interactive commands log to stderr; the daemon logs to a size-rotated
// file so long-running installs do not fill the disk.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/taskvault/taskvault/internal/config"
)

// New returns a stderr logger with the given component prefix, e.g.
// "[backup] ".
func New(prefix string) *log.Logger {
	return log.New(os.Stderr, prefix, log.LstdFlags)
}

// Rotated returns a writer that appends to the configured log file with
// size-based rotation. The caller owns closing it.
func Rotated(cfg config.LogConfig) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
}

// NewDaemon returns a component logger writing to both stderr and the
// rotated daemon log.
func NewDaemon(prefix string, w io.Writer) *log.Logger {
	return log.New(io.MultiWriter(os.Stderr, w), prefix, log.LstdFlags)
}
