// Package logging sets up the subsystem loggers shared by every package.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adrg/xdg"
	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

const maxLogFiles = 10

type Config struct {
	LogFile    string `dialsdesc:"Log file path (empty disables file logging)"`
	DebugLevel string `dialsdesc:"Log level, either a single level or a comma-separated list of subsys=level"`
	TailSize   int    `dialsdesc:"Bytes of recent log output kept in memory (0 disables)"`
}

func DefaultConfig() *Config {
	return &Config{
		LogFile:    DefaultLogFile(),
		DebugLevel: "info",
		TailSize:   64 * 1024,
	}
}

// DefaultLogFile returns the log path under the XDG state directory, or ""
// if it cannot be determined.
func DefaultLogFile() string {
	path, err := xdg.StateFile("pamanager/pamanager.log")
	if err != nil {
		return ""
	}
	return path
}

// Backend fans log output out to stdout, a rotated file and the in-memory
// tail, and hands out leveled subsystem loggers.
type Backend struct {
	stdOut     io.Writer
	logRotator *rotator.Rotator
	tail       *Tail
	bknd       *slog.Backend

	defaultLogLevel slog.Level
	logLevels       map[string]slog.Level

	mtx     sync.Mutex
	loggers map[string]slog.Logger
}

// NewBackend creates the log backend described by cfg. stdOut may be nil.
func NewBackend(cfg *Config, stdOut io.Writer) (*Backend, error) {
	var logRotator *rotator.Rotator
	if cfg.LogFile != "" {
		logDir, _ := filepath.Split(cfg.LogFile)
		if logDir != "" {
			if err := os.MkdirAll(logDir, 0700); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %v", err)
			}
		}
		var err error
		logRotator, err = rotator.New(cfg.LogFile, 1024, false, maxLogFiles)
		if err != nil {
			return nil, fmt.Errorf("failed to create file rotator: %v", err)
		}
	}

	b := &Backend{
		stdOut:          stdOut,
		logRotator:      logRotator,
		defaultLogLevel: slog.LevelInfo,
		logLevels:       make(map[string]slog.Level),
		loggers:         make(map[string]slog.Logger),
	}
	if cfg.TailSize > 0 {
		b.tail = NewTail(cfg.TailSize)
	}
	b.bknd = slog.NewBackend(b)

	if err := b.parseLevels(cfg.DebugLevel); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// parseLevels parses "level" or "level,SUBSYS=level,..." strings.
func (b *Backend) parseLevels(debugLevel string) error {
	if debugLevel == "" {
		return nil
	}
	for _, v := range strings.Split(debugLevel, ",") {
		fields := strings.Split(strings.TrimSpace(v), "=")
		switch len(fields) {
		case 1:
			level, ok := slog.LevelFromString(fields[0])
			if !ok {
				return fmt.Errorf("unknown log level %q", fields[0])
			}
			b.defaultLogLevel = level
		case 2:
			level, ok := slog.LevelFromString(fields[1])
			if !ok {
				return fmt.Errorf("unknown log level %q for %s", fields[1], fields[0])
			}
			b.logLevels[fields[0]] = level
		default:
			return fmt.Errorf("unable to parse %q as subsys=level "+
				"debuglevel string", v)
		}
	}
	return nil
}

func (b *Backend) Write(p []byte) (int, error) {
	if b.stdOut != nil {
		b.stdOut.Write(p)
	}
	if b.logRotator != nil {
		b.logRotator.Write(p)
	}
	if b.tail != nil {
		b.tail.Write(p)
	}
	return len(p), nil
}

// Logger returns the logger for subsys, creating it on first use.
func (b *Backend) Logger(subsys string) slog.Logger {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if l, ok := b.loggers[subsys]; ok {
		return l
	}

	l := b.bknd.Logger(subsys)
	if level, ok := b.logLevels[subsys]; ok {
		l.SetLevel(level)
	} else {
		l.SetLevel(b.defaultLogLevel)
	}
	b.loggers[subsys] = l
	return l
}

// Recent returns the most recent log output kept in memory.
func (b *Backend) Recent() []byte {
	if b.tail == nil {
		return nil
	}
	return b.tail.Snapshot()
}

// WriteRecent writes the in-memory log tail to w, if there is one.
func (b *Backend) WriteRecent(w io.Writer) error {
	recent := b.Recent()
	if len(recent) == 0 {
		return nil
	}
	if _, err := fmt.Fprintf(w, "--- last %d bytes of log output ---\n", len(recent)); err != nil {
		return err
	}
	_, err := w.Write(recent)
	return err
}

// Close flushes and closes the log file.
func (b *Backend) Close() error {
	if b.logRotator != nil {
		return b.logRotator.Close()
	}
	return nil
}
