package control

import "errors"

// ErrMalformedCommand wraps a parsing failure in set/get's hand-rolled
// --key=value argument parsing, so callers can distinguish a malformed
// command line from a registry-level failure with errors.Is.
var ErrMalformedCommand = errors.New("control: malformed command")
