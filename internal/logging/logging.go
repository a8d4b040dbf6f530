// Package logging routes the standard logger through a level filter. Log
// lines carry a "[LEVEL]" prefix; lines below the configured level are
// dropped.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/hashicorp/logutils"

	"lime-streamer/internal/config"
)

// Levels in increasing severity
var Levels = []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR"}

// ParseLevel maps a configured level name onto a filter level
func ParseLevel(name string) (logutils.LogLevel, error) {
	level := logutils.LogLevel(strings.ToUpper(strings.TrimSpace(name)))
	if level == "WARNING" {
		level = "WARN"
	}
	for _, l := range Levels {
		if l == level {
			return level, nil
		}
	}
	return "", fmt.Errorf("unknown log level %q (must be debug, info, warn or error)", name)
}

// NewFilter builds a level filter writing to w
func NewFilter(level logutils.LogLevel, w io.Writer) *logutils.LevelFilter {
	return &logutils.LevelFilter{
		Levels:   Levels,
		MinLevel: level,
		Writer:   w,
	}
}

// Setup points the standard logger at stderr and, when cfg.File is set, at
// that file too. verbose lowers the level to DEBUG. The returned closer
// releases the log file.
func Setup(cfg config.LoggingConfig, verbose bool) (io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = "DEBUG"
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closer = f
	}

	log.SetOutput(NewFilter(level, out))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[DEBUG] logging at %s", level)
	return closer, nil
}
