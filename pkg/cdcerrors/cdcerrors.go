// Package cdcerrors defines the producer core's error kinds as markers
// rather than bespoke types, the way changefeedccl distinguishes retryable
// from terminal failures by wrapping with a sentinel and testing with
// errors.Is instead of a type switch.
package cdcerrors

import "github.com/cockroachdb/errors"

var (
	// Corruption marks codec/sub-doc-key decode failures and tablet-runtime
	// state inconsistencies. Fatal to the call, non-retryable.
	Corruption = errors.New("cdcsdk: corruption")

	// InvalidArgument marks a malformed WAL message. Fatal.
	InvalidArgument = errors.New("cdcsdk: invalid argument")

	// InternalError marks an internal inconsistency such as the intent
	// retention guard's already-GCed-intents condition.
	InternalError = errors.New("cdcsdk: internal error")

	// ServiceUnavailable marks a transient, retryable failure (the
	// test-forced snapshot failure knob).
	ServiceUnavailable = errors.New("cdcsdk: service unavailable")

	// TabletSplit marks confirmed parent-tablet closure; the caller must
	// switch to the child tablets.
	TabletSplit = errors.New("cdcsdk: tablet split")
)

// Mark builds a new error from msg and marks it with kind.
func Mark(kind error, msg string) error {
	return errors.Mark(errors.New(msg), kind)
}

// Wrap wraps an existing error with kind, preserving its message.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, kind)
}

// Is reports whether err carries kind.
func Is(err, kind error) bool { return errors.Is(err, kind) }
