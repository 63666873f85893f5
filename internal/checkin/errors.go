package checkin

import "errors"

// Error taxonomy. Every submitted intent resolves to exactly one of these
// (or a clean Accepted): validation failures are final, duplicates are
// informational, transient store errors mean the outcome is unknown and the
// intent must be retried, capacity means the retry budget is spent.
var (
	ErrValidation = errors.New("validation failed")
	ErrDuplicate  = errors.New("already checked in")
	ErrTransient  = errors.New("store unavailable")
	ErrCapacity   = errors.New("retry cap reached")
	ErrNotFound   = errors.New("not found")
)
