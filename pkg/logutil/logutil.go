package logutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
)

var (
	mu     sync.Mutex
	output io.Writer = os.Stderr
)

// Configure installs a charmbracelet logger as both the package-level charm
// logger and the slog default handler.
func Configure(levelRaw, formatRaw string) error {
	level, err := ParseLevel(levelRaw)
	if err != nil {
		return err
	}
	formatter, err := parseFormatter(formatRaw)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	logger := log.NewWithOptions(output, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
	log.SetDefault(logger)
	slog.SetDefault(slog.New(logger))
	return nil
}

// SetOutput redirects subsequent Configure calls; tests use it to capture logs.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
}

func ParseLevel(levelRaw string) (log.Level, error) {
	levelRaw = strings.ToLower(strings.TrimSpace(levelRaw))
	switch levelRaw {
	case "":
		return log.InfoLevel, nil
	case "trace", "trac":
		// no trace level in charm log
		return log.DebugLevel, nil
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return 0, fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	return level, nil
}

func parseFormatter(formatRaw string) (log.Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(formatRaw)) {
	case "", "text":
		return log.TextFormatter, nil
	case "json":
		return log.JSONFormatter, nil
	case "logfmt":
		return log.LogfmtFormatter, nil
	default:
		return 0, fmt.Errorf("invalid log format %q", formatRaw)
	}
}
