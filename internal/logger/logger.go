/**
 * Logger for the tgfiles download engine
 *
 * Structured logging on zerolog. Every engine component gets a child logger
 * tagged with its component name; scan and queue paths attach the automation
 * key so a single chat can be followed through the log.
 *
 * Author: tgfiles maintainers
 * Created: 2025-03-02
 * Update History:
 * - 2025-03-14: Automation loggers, size-rotated log file
 */

package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with key/value helpers.
type Logger struct {
	logger zerolog.Logger
	config *Config
}

// Config configures the logger behavior.
type Config struct {
	Output io.Writer

	// Fields are attached to every line
	Fields map[string]interface{}

	Level      string
	TimeFormat string

	// Pretty switches to zerolog's console writer
	Pretty        bool
	IncludeCaller bool
}

func defaultConfig() *Config {
	return &Config{
		Level:      "info",
		Output:     os.Stdout,
		TimeFormat: time.RFC3339,
	}
}

// New creates a new logger instance.
func New(config *Config) *Logger {
	if config == nil {
		config = defaultConfig()
	}
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.TimeFormat == "" {
		config.TimeFormat = time.RFC3339
	}

	zerolog.TimeFieldFormat = config.TimeFormat

	output := config.Output
	if config.Pretty {
		output = zerolog.ConsoleWriter{Out: config.Output, TimeFormat: "15:04:05"}
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}

	ctx := zerolog.New(output).Level(level).With().Timestamp()
	for k, v := range config.Fields {
		ctx = ctx.Interface(k, v)
	}
	if config.IncludeCaller {
		ctx = ctx.CallerWithSkipFrameCount(3)
	}

	return &Logger{logger: ctx.Logger(), config: config}
}

// Nop returns a logger that discards everything. Used by tests and by
// components constructed without a logger.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop(), config: &Config{Level: "disabled"}}
}

// With creates a child logger with additional key/value fields. A trailing
// key without a value is dropped.
func (l *Logger) With(fields ...interface{}) *Logger {
	child := l.logger.With()
	for i := 0; i < len(fields)-1; i += 2 {
		if key, ok := fields[i].(string); ok {
			child = child.Interface(key, fields[i+1])
		}
	}
	return &Logger{logger: child.Logger(), config: l.config}
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Automation returns a child logger for one automation.
func (l *Logger) Automation(key string, accountID, chatID int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("automation", key).
			Int64("account", accountID).
			Int64("chat", chatID).
			Logger(),
		config: l.config,
	}
}

// Enabled reports whether lines at level would be written.
func (l *Logger) Enabled(level string) bool {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	return parsed >= l.logger.GetLevel()
}

func (l *Logger) Trace(msg string, fields ...interface{}) {
	l.logEvent(l.logger.Trace(), msg, fields...)
}

func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.logEvent(l.logger.Debug(), msg, fields...)
}

func (l *Logger) Info(msg string, fields ...interface{}) {
	l.logEvent(l.logger.Info(), msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.logEvent(l.logger.Warn(), msg, fields...)
}

// Error logs msg at error level with err attached.
func (l *Logger) Error(err error, msg string, fields ...interface{}) {
	event := l.logger.Error()
	if err != nil {
		event = event.Err(err)
	}
	l.logEvent(event, msg, fields...)
}

func (l *Logger) logEvent(event *zerolog.Event, msg string, fields ...interface{}) {
	if event == nil {
		return
	}
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		switch v := fields[i+1].(type) {
		case time.Duration:
			event = event.Dur(key, v)
		case error:
			event = event.AnErr(key, v)
		default:
			event = event.Interface(key, v)
		}
	}
	event.Msg(msg)
}

// FileWriter appends to a log file and rotates it once it would grow past
// maxSize bytes, keeping maxBackups numbered copies.
type FileWriter struct {
	mu         sync.Mutex
	file       *os.File
	size       int64
	filename   string
	maxSize    int64
	maxBackups int
}

// NewFileWriter opens filename for appending, creating its directory.
func NewFileWriter(filename string, maxSize int64, maxBackups int) (*FileWriter, error) {
	fw := &FileWriter{
		filename:   filename,
		maxSize:    maxSize,
		maxBackups: maxBackups,
	}
	if err := fw.open(); err != nil {
		return nil, err
	}
	return fw, nil
}

// Write implements io.Writer. Safe for concurrent use.
func (fw *FileWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.file == nil {
		return 0, os.ErrClosed
	}
	if fw.maxSize > 0 && fw.size > 0 && fw.size+int64(len(p)) > fw.maxSize {
		if err := fw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := fw.file.Write(p)
	fw.size += int64(n)
	return n, err
}

func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.file == nil {
		return nil
	}
	err := fw.file.Close()
	fw.file = nil
	return err
}

func (fw *FileWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(fw.filename), 0750); err != nil {
		return err
	}

	file, err := os.OpenFile(fw.filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}

	fw.file = file
	fw.size = info.Size()
	return nil
}

func (fw *FileWriter) rotate() error {
	if err := fw.file.Close(); err != nil {
		return err
	}

	if fw.maxBackups > 0 {
		for i := fw.maxBackups - 1; i > 0; i-- {
			_ = os.Rename(fmt.Sprintf("%s.%d", fw.filename, i), fmt.Sprintf("%s.%d", fw.filename, i+1))
		}
		if err := os.Rename(fw.filename, fw.filename+".1"); err != nil {
			return err
		}
	} else if err := os.Remove(fw.filename); err != nil {
		return err
	}

	return fw.open()
}
