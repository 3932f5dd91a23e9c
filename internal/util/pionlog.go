package util

import (
	"fmt"

	"github.com/pion/logging"
)

// pionLogger routes pion's leveled logger into the pterm helpers so engine
// output shares one sink with ours. Every line is prefixed with the scope.
type pionLogger struct {
	scope string
}

// NewPionLoggerFactory returns a logging.LoggerFactory for webrtc.SettingEngine.
func NewPionLoggerFactory() logging.LoggerFactory {
	return pionLoggerFactory{}
}

type pionLoggerFactory struct{}

func (pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{scope: scope}
}

func (l *pionLogger) line(msg string) string {
	return fmt.Sprintf("[pion/%s] %s", l.scope, msg)
}

func (l *pionLogger) Trace(msg string) { LogTrace("%s", l.line(msg)) }
func (l *pionLogger) Tracef(format string, args ...interface{}) {
	LogTrace("%s", l.line(fmt.Sprintf(format, args...)))
}

func (l *pionLogger) Debug(msg string) { LogTrace("%s", l.line(msg)) }
func (l *pionLogger) Debugf(format string, args ...interface{}) {
	LogTrace("%s", l.line(fmt.Sprintf(format, args...)))
}

func (l *pionLogger) Info(msg string) { LogDebug("%s", l.line(msg)) }
func (l *pionLogger) Infof(format string, args ...interface{}) {
	LogDebug("%s", l.line(fmt.Sprintf(format, args...)))
}

func (l *pionLogger) Warn(msg string) { LogWarning("%s", l.line(msg)) }
func (l *pionLogger) Warnf(format string, args ...interface{}) {
	LogWarning("%s", l.line(fmt.Sprintf(format, args...)))
}

func (l *pionLogger) Error(msg string) { LogError("%s", l.line(msg)) }
func (l *pionLogger) Errorf(format string, args ...interface{}) {
	LogError("%s", l.line(fmt.Sprintf(format, args...)))
}
