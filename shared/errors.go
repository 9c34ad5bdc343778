package shared

import "errors"

// ErrCorruptRecord marks a persisted record that failed validated
// decoding. Callers surface it as a hard error rather than skipping
// the entry.
var ErrCorruptRecord = errors.New("corrupt record")
