// Package applog configures structured logging for the server and CLI.
package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	filePrefix = "setupwatch-"
	fileSuffix = ".log"
	dayLayout  = "2006-01-02"

	DefaultRetainDays = 7
)

// DailyRotator writes to setupwatch-YYYY-MM-DD.log in dir, switching files
// when the local date changes. Files dated more than retainDays-1 days before
// the current one are removed on each switch; other files in dir are left
// alone.
type DailyRotator struct {
	dir        string
	retainDays int

	mu   sync.Mutex
	day  string
	file *os.File
	now  func() time.Time
}

func NewDailyRotator(dir string, retainDays int) *DailyRotator {
	if retainDays < 1 {
		retainDays = DefaultRetainDays
	}
	return &DailyRotator{dir: dir, retainDays: retainDays, now: time.Now}
}

// SetNow replaces the time source. Used in tests only.
func (r *DailyRotator) SetNow(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = fn
}

// Path is the file the next write goes to.
func (r *DailyRotator) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pathFor(r.now().Format(dayLayout))
}

func (r *DailyRotator) pathFor(day string) string {
	return filepath.Join(r.dir, filePrefix+day+fileSuffix)
}

func (r *DailyRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if day := now.Format(dayLayout); day != r.day || r.file == nil {
		if err := r.switchTo(day); err != nil {
			return 0, fmt.Errorf("applog: open %s: %w", r.pathFor(day), err)
		}
		r.removeExpired(now)
	}
	return r.file.Write(p)
}

func (r *DailyRotator) switchTo(day string) error {
	f, err := os.OpenFile(r.pathFor(day), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if r.file != nil {
		r.file.Close()
	}
	r.file, r.day = f, day
	return nil
}

func (r *DailyRotator) removeExpired(now time.Time) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return
	}
	today, _ := time.Parse(dayLayout, now.Format(dayLayout))
	cutoff := today.AddDate(0, 0, -(r.retainDays - 1))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		day, err := time.Parse(dayLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			os.Remove(filepath.Join(r.dir, name))
		}
	}
}

func (r *DailyRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file, r.day = nil, ""
	return err
}

type InitConfig struct {
	LogDir     string
	LogLevel   string
	RetainDays int
	// Format is "text" (default) or "json".
	Format string
	// Output receives records when LogDir is empty. Defaults to os.Stderr.
	Output io.Writer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Init installs the process logger as slog.Default and points the stdlib log
// package at the same destination: a DailyRotator under LogDir, or Output
// when no directory is configured. The caller closes the returned io.Closer.
func Init(cfg InitConfig) (*slog.Logger, io.Closer, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	var closer io.Closer = nopCloser{}
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		rotator := NewDailyRotator(cfg.LogDir, cfg.RetainDays)
		out, closer = rotator, rotator
	}
	logger := slog.New(NewHandler(out, cfg.Format, ParseLevel(cfg.LogLevel)))
	slog.SetDefault(logger)
	log.SetOutput(out)
	log.SetFlags(0)
	return logger, closer, nil
}

// NewHandler returns a JSON handler for format "json" and a text handler
// otherwise.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps debug, info, warn and error case-insensitively; anything
// else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
