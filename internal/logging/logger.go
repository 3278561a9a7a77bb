package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

type Logger struct {
	logger *log.Logger
	config *LoggingConfig
	level  LogLevel
	closer io.Closer
}

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
	silent
)

var levelMap = map[string]LogLevel{
	"debug": DEBUG,
	"info":  INFO,
	"warn":  WARN,
	"error": ERROR,
	"fatal": FATAL,
}

// ParseLevel maps a level name to a LogLevel, falling back to INFO.
func ParseLevel(name string) LogLevel {
	if level, ok := levelMap[strings.ToLower(strings.TrimSpace(name))]; ok {
		return level
	}
	return INFO
}

func NewLogger(config *LoggingConfig) (*Logger, error) {
	if config == nil {
		config = &LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		}
	}

	var (
		output io.Writer
		closer io.Closer
	)
	switch config.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		closer = file
	}

	l := New(output, ParseLevel(config.Level), config)
	l.closer = closer
	return l, nil
}

// New builds a logger writing to w. Used directly by tests.
func New(w io.Writer, level LogLevel, config *LoggingConfig) *Logger {
	flags := log.LstdFlags
	if config != nil && config.Format == "plain" {
		flags = 0
	}
	return &Logger{
		logger: log.New(w, "", flags),
		config: config,
		level:  level,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: log.New(io.Discard, "", 0), level: silent}
}

func (l *Logger) enabled(level LogLevel) bool {
	if l == nil {
		return false
	}
	return l.level <= level
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.enabled(DEBUG) {
		l.logger.Printf("[DEBUG] "+format, args...)
	}
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l.enabled(INFO) {
		l.logger.Printf("[INFO] "+format, args...)
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l.enabled(WARN) {
		l.logger.Printf("[WARN] "+format, args...)
	}
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l.enabled(ERROR) {
		l.logger.Printf("[ERROR] "+format, args...)
	}
}

func (l *Logger) Fatal(format string, args ...interface{}) {
	if l != nil {
		l.logger.Printf("[FATAL] "+format, args...)
	}
	os.Exit(1)
}

func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
