package coap

import (
	"github.com/astaxie/beego/logs"
)

// Logger is the pluggable sink every endpoint logs through (spec §6).
// The library never assumes a concrete sink; nothing here blocks on
// I/O longer than the sink implementation chooses to.
type Logger interface {
	Info(format string, args ...interface{})
	Debug(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// beeLogger adapts the teacher's original logging backend,
// github.com/astaxie/beego/logs, to the Logger interface.
type beeLogger struct {
	l *logs.BeeLogger
}

func (b *beeLogger) Info(format string, args ...interface{})  { b.l.Info(format, args...) }
func (b *beeLogger) Debug(format string, args ...interface{}) { b.l.Debug(format, args...) }
func (b *beeLogger) Warn(format string, args ...interface{})  { b.l.Warn(format, args...) }
func (b *beeLogger) Error(format string, args ...interface{}) { b.l.Error(format, args...) }

// noopLogger discards everything; it is the installed default so the
// library never requires a caller to wire up logging.
type noopLogger struct{}

func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

// GLog is the package's beego/logs logger, wired exactly as the
// teacher's debug.go did, at the same verbosity and call depth.
// Endpoints log through it only after Debug(true) or SetLogger.
var GLog *logs.BeeLogger

// defaultLogger is what endpoints use unless constructed with
// WithLogger.
var defaultLogger Logger = noopLogger{}

func init() {
	GLog = logs.NewLogger(10000)
	GLog.SetLogger("console", `{"level":7}`)
	GLog.EnableFuncCallDepth(true)
	GLog.SetLogFuncCallDepth(3)
}

// Debug toggles the package-default beego/logs-backed sink on or off.
// Endpoints constructed with an explicit WithLogger are unaffected.
func Debug(enable bool) {
	if enable {
		defaultLogger = &beeLogger{l: GLog}
	} else {
		defaultLogger = noopLogger{}
	}
}

// SetLogger installs a replacement beego BeeLogger as the package
// default sink (kept from the teacher's debug.go for callers already
// depending on beego/logs directly).
func SetLogger(l *logs.BeeLogger) {
	if l != nil {
		GLog = l
		defaultLogger = &beeLogger{l: GLog}
	}
}
