package sensorhub

import (
	"log"
	"os"

	"github.com/sagernet/sing/common/logger"
)

// Severity mirrors the severity_level configuration option (§6).
type Severity int

const (
	SeverityTrace Severity = iota
	SeverityDebug
	SeverityInfo
	SeverityWarn
	SeverityError
)

func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "trace":
		return SeverityTrace, nil
	case "debug":
		return SeverityDebug, nil
	case "info":
		return SeverityInfo, nil
	case "warn":
		return SeverityWarn, nil
	case "error":
		return SeverityError, nil
	default:
		return 0, newStatus(StatusInvalidParameter, "unknown severity_level "+s)
	}
}

// stdLogger adapts the standard library's log.Logger to sing's
// logger.Logger interface, the way a host embedding sing-style
// components is expected to plug in its own sink.
type stdLogger struct {
	min    Severity
	plain  *log.Logger
}

var _ logger.Logger = (*stdLogger)(nil)

// NewStdLogger returns a Logger writing to stderr, filtering anything
// below min.
func NewStdLogger(min Severity) logger.Logger {
	return &stdLogger{min: min, plain: log.New(os.Stderr, "", log.LstdFlags)}
}

func (l *stdLogger) log(level Severity, tag string, args ...any) {
	if level < l.min {
		return
	}
	l.plain.Println(append([]any{tag}, args...)...)
}

func (l *stdLogger) Trace(args ...any) { l.log(SeverityTrace, "[trace]", args...) }
func (l *stdLogger) Debug(args ...any) { l.log(SeverityDebug, "[debug]", args...) }
func (l *stdLogger) Info(args ...any)  { l.log(SeverityInfo, "[info]", args...) }
func (l *stdLogger) Warn(args ...any)  { l.log(SeverityWarn, "[warn]", args...) }
func (l *stdLogger) Error(args ...any) { l.log(SeverityError, "[error]", args...) }
func (l *stdLogger) Fatal(args ...any) {
	l.log(SeverityError, "[fatal]", args...)
	os.Exit(1)
}
func (l *stdLogger) Panic(args ...any) {
	l.log(SeverityError, "[panic]", args...)
	panic(args)
}
