package sink

import "errors"

// ErrWriteFailed indicates a line-protocol POST failed. Never returned to
// a caller — surfaced only via the error Client.logError logs.
var ErrWriteFailed = errors.New("sink: write failed")
