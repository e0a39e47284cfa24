package tangguh

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Logger is the minimal structured logging surface used across all
// components. Pass any implementation (zap/slog adapters fit trivially);
// NewSimpleLogger provides a console default.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// SimpleLogger writes levelled key=value lines to stderr.
type SimpleLogger struct {
	logger *log.Logger
}

// NewSimpleLogger returns a console logger suitable for development.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{
		logger: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *SimpleLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logf("DEBUG", msg, keysAndValues...)
}

func (l *SimpleLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logf("INFO", msg, keysAndValues...)
}

func (l *SimpleLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logf("WARN", msg, keysAndValues...)
}

func (l *SimpleLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logf("ERROR", msg, keysAndValues...)
}

func (l *SimpleLogger) logf(level, msg string, keysAndValues ...interface{}) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	if len(keysAndValues)%2 == 1 {
		fmt.Fprintf(&b, " %v=?", keysAndValues[len(keysAndValues)-1])
	}
	l.logger.Print(b.String())
}

// DebugConfig selectively enables verbose logging per concern without
// drowning callers in noise. All flags default to off.
type DebugConfig struct {
	Enabled     bool
	LogAcquire  bool
	LogHealth   bool
	LogRetries  bool
	LogCircuit  bool
	LogCache    bool
	LogPrefetch bool
	LogEviction bool
}

// DefaultDebugConfig enables every concern once Enabled is flipped on.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		LogAcquire:  true,
		LogHealth:   true,
		LogRetries:  true,
		LogCircuit:  true,
		LogCache:    true,
		LogPrefetch: true,
		LogEviction: true,
	}
}
