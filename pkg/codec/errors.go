package codec

import "github.com/cockroachdb/errors"

// ErrCorruption marks codec or sub-doc-key decode failures. It is fatal
// to the call and non-retryable.
var ErrCorruption = errors.New("cdcsdk: corruption")
