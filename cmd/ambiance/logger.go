package main

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/ambiance/internal/config"
)

// logSink is the process logger plus the handles needed to retune it.
type logSink struct {
	*slog.Logger
	level *slog.LevelVar
	file  *lumberjack.Logger
}

// newLogger writes text logs to stderr and, when file is set, to a rotating
// log file as well.
func newLogger(level config.LogLevel, file string) *logSink {
	s := &logSink{level: new(slog.LevelVar)}
	s.SetLevel(level)

	var w io.Writer = os.Stderr
	if file != "" {
		s.file = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
		}
		w = io.MultiWriter(os.Stderr, s.file)
	}
	s.Logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: s.level}))
	return s
}

// SetLevel changes the verbosity of every logger derived from s.
func (s *logSink) SetLevel(level config.LogLevel) {
	switch level {
	case config.LogDebug:
		s.level.Set(slog.LevelDebug)
	case config.LogWarn:
		s.level.Set(slog.LevelWarn)
	case config.LogError:
		s.level.Set(slog.LevelError)
	default:
		s.level.Set(slog.LevelInfo)
	}
}

// Close releases the log file.
func (s *logSink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
