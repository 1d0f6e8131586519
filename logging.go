package main

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"killcard/config"
	"killcard/strutil"
)

const (
	logTimestampLayout = "2006/01/02 15:04:05"
	logFileDateLayout  = "02-Jan-2006"
	maxLogBufferBytes  = 16 * 1024
)

type dailyFileSink struct {
	dir           string
	retentionDays int
	currentDate   string
	currentPath   string
	file          *os.File
	lastErrorAt   time.Time
	rotateHook    logRotateHook
	mu            sync.Mutex
}

// Purpose: Initialize a daily file sink with directory creation and cleanup.
// Key aspects: Ensures directory exists and bounds retention by date-based cleanup.
// Upstream: setupLogging.
// Downstream: os.MkdirAll and cleanupOldLogs.
func newDailyFileSink(dir string, retentionDays int) (*dailyFileSink, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("log directory is empty")
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if err := os.MkdirAll(trimmed, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", trimmed, err)
	}
	if err := cleanupOldLogs(trimmed, time.Now().UTC(), retentionDays); err != nil {
		fmt.Fprintf(os.Stderr, "Logging: cleanup failed for %s: %v\n", trimmed, err)
	}
	return &dailyFileSink{
		dir:           trimmed,
		retentionDays: retentionDays,
	}, nil
}

// Purpose: Append one JSON log line to the current daily file.
// Key aspects: Rotates on UTC day change; file errors go to stderr at most
// once a minute. The rotate hook runs after the lock is released.
// Upstream: logFanout.Write.
// Downstream: os.OpenFile and file.WriteString.
func (s *dailyFileSink) WriteLine(line string, now time.Time) {
	if s == nil {
		return
	}
	now = now.UTC()
	date := now.Format(logFileDateLayout)

	var hook logRotateHook
	var prevDate time.Time
	var prevPath, newPath string

	s.mu.Lock()
	if s.file == nil || s.currentDate != date {
		hook, prevDate, prevPath, newPath = s.rotateLocked(date, now)
	}
	if s.file == nil {
		s.mu.Unlock()
		return
	}
	if _, err := s.file.WriteString(line + "\n"); err != nil {
		s.reportErrorLocked(now, fmt.Errorf("write failed: %w", err))
	}
	s.mu.Unlock()

	if hook != nil && !prevDate.IsZero() {
		hook(prevDate, prevPath, newPath)
	}
}

// Close is safe for repeated calls and nil receivers.
func (s *dailyFileSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.currentDate = ""
	s.currentPath = ""
	return err
}

type logRotateHook func(prevDate time.Time, prevPath, newPath string)

func (s *dailyFileSink) SetRotateHook(hook logRotateHook) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.rotateHook = hook
	s.mu.Unlock()
}

func (s *dailyFileSink) rotateLocked(date string, now time.Time) (logRotateHook, time.Time, string, string) {
	var hook logRotateHook
	var prevDate time.Time
	var prevPath string
	if s.currentDate != "" && s.currentDate != date {
		if parsed, err := time.ParseInLocation(logFileDateLayout, s.currentDate, time.UTC); err == nil {
			prevDate = parsed
		}
		prevPath = s.currentPath
		hook = s.rotateHook
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.reportErrorLocked(now, fmt.Errorf("failed to create log directory %q: %w", s.dir, err))
		return nil, time.Time{}, "", ""
	}
	path := filepath.Join(s.dir, logFileNameForDate(now))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.reportErrorLocked(now, fmt.Errorf("open failed for %s: %w", path, err))
		return nil, time.Time{}, "", ""
	}
	s.file = file
	s.currentDate = date
	s.currentPath = path
	if err := cleanupOldLogs(s.dir, now, s.retentionDays); err != nil {
		s.reportErrorLocked(now, fmt.Errorf("cleanup failed: %w", err))
	}
	return hook, prevDate, prevPath, path
}

func (s *dailyFileSink) reportErrorLocked(now time.Time, err error) {
	if err == nil {
		return
	}
	if !s.lastErrorAt.IsZero() && now.Sub(s.lastErrorAt) < time.Minute {
		return
	}
	s.lastErrorAt = now
	fmt.Fprintf(os.Stderr, "Logging: %v\n", err)
}

// logFanout splits zerolog output into lines for the file sink. zerolog
// writes whole events, but redirected stdlib output may arrive in pieces.
type logFanout struct {
	mu   sync.Mutex
	buf  []byte
	file *dailyFileSink
}

func newLogFanout(file *dailyFileSink) *logFanout {
	return &logFanout{file: file}
}

// Purpose: Line-buffer bytes and forward complete lines to the file sink.
// Key aspects: Bounded internal buffer; oversize partial lines are flushed.
// Upstream: zerolog writer.
// Downstream: dailyFileSink.WriteLine.
func (f *logFanout) Write(p []byte) (int, error) {
	if f == nil {
		return len(p), nil
	}
	f.mu.Lock()
	f.buf = append(f.buf, p...)
	data := f.buf
	var lines []string
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(data[:idx], "\r")))
		data = data[idx+1:]
	}
	if len(data) > maxLogBufferBytes {
		if trimmed := string(bytes.TrimRight(data, "\r")); trimmed != "" {
			lines = append(lines, trimmed)
		}
		data = data[:0]
	}
	f.buf = data
	file := f.file
	f.mu.Unlock()

	now := time.Now().UTC()
	for _, line := range lines {
		file.WriteLine(line, now)
	}
	return len(p), nil
}

// SetRotateHook is a no-op when file logging is disabled.
func (f *logFanout) SetRotateHook(hook logRotateHook) {
	if f == nil {
		return
	}
	f.file.SetRotateHook(hook)
}

func (f *logFanout) Close() error {
	if f == nil {
		return nil
	}
	return f.file.Close()
}

// Purpose: Build the process logger from config.
// Key aspects: Console output is human-readable on a TTY and JSON otherwise;
// the daily file always gets JSON. The stdlib logger is redirected so library
// output lands in the same sinks. A file sink failure still returns a usable
// console logger.
// Upstream: main startup.
// Downstream: zerolog, term.IsTerminal, newDailyFileSink.
func setupLogging(cfg config.LoggingConfig, console *os.File) (zerolog.Logger, *logFanout, error) {
	level, err := zerolog.ParseLevel(strutil.NormalizeLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if cfg.Console && console != nil {
		if term.IsTerminal(int(console.Fd())) {
			writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: logTimestampLayout})
		} else {
			writers = append(writers, console)
		}
	}

	var fanout *logFanout
	var sinkErr error
	if cfg.Enabled {
		sink, err := newDailyFileSink(cfg.Dir, cfg.RetentionDays)
		if err != nil {
			sinkErr = err
		} else {
			fanout = newLogFanout(sink)
			writers = append(writers, fanout)
		}
	}

	var out io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()

	log.SetFlags(0)
	log.SetOutput(logger.With().Str("component", "stdlog").Logger())
	return logger, fanout, sinkErr
}

func logFileNameForDate(now time.Time) string {
	return now.UTC().Format(logFileDateLayout) + ".log"
}

func parseLogFileDate(name string) (time.Time, bool) {
	if filepath.Ext(name) != ".log" {
		return time.Time{}, false
	}
	base := strings.TrimSuffix(name, ".log")
	parsed, err := time.ParseInLocation(logFileDateLayout, base, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func cleanupOldLogs(dir string, now time.Time, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	cutoff := dateOnly(now.UTC()).AddDate(0, 0, -(retentionDays - 1))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		date, ok := parseLogFileDate(entry.Name())
		if !ok {
			continue
		}
		if date.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}

func dateOnly(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
