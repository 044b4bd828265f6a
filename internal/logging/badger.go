package logging

import (
	"strings"

	"go.uber.org/zap"
)

// BadgerLogger routes badger's printf-style logging into zap. It satisfies
// badger.Logger.
type BadgerLogger struct {
	s *zap.SugaredLogger
}

// NewBadgerLogger returns a BadgerLogger writing through logger.
func NewBadgerLogger(logger *zap.Logger) *BadgerLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BadgerLogger{s: logger.Named("badger").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// badger terminates most messages with a newline.
func trim(format string) string { return strings.TrimSuffix(format, "\n") }

// Errorf logs at error level.
func (l *BadgerLogger) Errorf(format string, args ...any) { l.s.Errorf(trim(format), args...) }

// Warningf logs at warn level.
func (l *BadgerLogger) Warningf(format string, args ...any) { l.s.Warnf(trim(format), args...) }

// Infof logs at info level.
func (l *BadgerLogger) Infof(format string, args ...any) { l.s.Infof(trim(format), args...) }

// Debugf logs at debug level.
func (l *BadgerLogger) Debugf(format string, args ...any) { l.s.Debugf(trim(format), args...) }
