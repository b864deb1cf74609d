// Package cdclog gives the producer core a ctx-first logging call shape
// (log.Infof(ctx, fmt, args...), log.Warningf(ctx, ...)) backed by a real
// structured logger (go.uber.org/zap) instead of cockroach's own
// pkg/util/log, which is not importable outside the cockroach monorepo.
package cdclog

import (
	"context"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
	"go.uber.org/zap"
)

var base = func() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}()

type ctxKey struct{}

// WithLogger attaches a logger to ctx, overriding the package default for
// everything derived from it. Tests use this to capture output.
func WithLogger(ctx context.Context, l *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

func from(ctx context.Context) *zap.SugaredLogger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.SugaredLogger); ok && l != nil {
		return l
	}
	return base
}

// WithTags attaches name/value pairs to ctx via logtags.AddTag, so every
// call logged from a per-tablet or per-stream context carries that
// identity without it being threaded through every format string by hand.
func WithTags(ctx context.Context, pairs ...any) context.Context {
	for i := 0; i+1 < len(pairs); i += 2 {
		name, _ := pairs[i].(string)
		ctx = logtags.AddTag(ctx, name, pairs[i+1])
	}
	return ctx
}

func tagPrefix(ctx context.Context) string {
	buf := logtags.FromContext(ctx)
	if buf == nil {
		return ""
	}
	tags := buf.Get()
	if len(tags) == 0 {
		return ""
	}
	prefix := ""
	for _, t := range tags {
		prefix += "[" + t.Key() + "=" + t.ValueStr() + "]"
	}
	return prefix + " "
}

// Infof logs at info severity.
func Infof(ctx context.Context, format string, args ...any) {
	from(ctx).Infof(tagPrefix(ctx)+format, args...)
}

// Warningf logs at warn severity.
func Warningf(ctx context.Context, format string, args ...any) {
	from(ctx).Warnf(tagPrefix(ctx)+format, args...)
}

// VEventf logs at debug severity, standing in for verbose VLOG(n)-gated
// tracing.
func VEventf(ctx context.Context, level int, format string, args ...any) {
	from(ctx).Debugf(tagPrefix(ctx)+format, args...)
}

// DFatalf logs at error severity without terminating the process: a
// DFATAL crashes debug builds but is a no-op-except-log in production,
// and the caller must continue rather than fail on an unexpected entry.
func DFatalf(ctx context.Context, format string, args ...any) {
	from(ctx).Errorf(tagPrefix(ctx)+format, args...)
}

// RedactedKey renders a row key for logging without exposing its raw
// bytes: only the length is safe to disclose. Table/column identifiers
// are safe to log plainly; row-derived key and value bytes are not.
func RedactedKey(key []byte) redact.RedactableString {
	return redact.Sprintf("<key, %d bytes>", redact.Safe(len(key)))
}
