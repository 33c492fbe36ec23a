// Package observability provides the relay's logging facade: human-readable
// messages for connect, close, admission-refusal, and plugin-load events
// (spec §7). It is deliberately thin — there is no metrics or tracing layer
// here, only the teacher's own structured-logging stack (logiface, backed by
// stumpy's JSON writer) pointed at a handful of event kinds.
package observability

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the minimal surface every other package depends on, so that
// swapping the backend never touches call sites.
type Logger interface {
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// stumpyLogger adapts a logiface.Logger[*stumpy.Event] to Logger.
type stumpyLogger struct {
	l *logiface.Logger[*stumpy.Event]
}

// New builds a Logger that writes newline-delimited JSON records (one per
// event) via stumpy, the teacher's own logiface backend. opts tune the
// underlying writer/field names; by default records go to os.Stderr.
func New(opts ...stumpy.Option) Logger {
	return &stumpyLogger{l: logiface.New[*stumpy.Event](stumpy.WithStumpy(opts...))}
}

func (lg *stumpyLogger) Info(msg string, kv ...any) {
	logKV(lg.l.Info(), msg, kv)
}

func (lg *stumpyLogger) Warn(msg string, kv ...any) {
	logKV(lg.l.Warning(), msg, kv)
}

func (lg *stumpyLogger) Error(msg string, kv ...any) {
	logKV(lg.l.Err(), msg, kv)
}

// logKV applies alternating key/value pairs to a builder and logs msg. An
// error value is routed to the dedicated error field regardless of its key,
// matching the convention every call site here uses ("err", someErr).
func logKV(b *logiface.Builder[*stumpy.Event], msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		if err, ok := kv[i+1].(error); ok {
			b = b.Err(err)
			continue
		}
		b = b.Any(key, kv[i+1])
	}
	b.Log(msg)
}
