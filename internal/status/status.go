// Package status defines the D-FTL result taxonomy.
//
// It mirrors the kvs_result enum and the broader error taxonomy described
// for the original conv_ftl: most internal conditions are not exceptional
// (a cache miss, a hash-fingerprint collision, a deferred request) and are
// represented as ordinary Code values rather than Go errors; only conditions
// that are genuinely unexpected (corrupt invariants) are surfaced as wrapped
// errors further up the stack.
package status

import "fmt"

// Code is the result of a D-FTL operation.
type Code int

const (
	// OK indicates success.
	OK Code = iota
	// NotFound indicates a retrieve/delete exhausted max_try probes.
	NotFound
	// Inflight indicates the request was deferred pending an I/O completion.
	Inflight
	// Retry indicates an internal, bounded hash-collision or fingerprint
	// mismatch retry. Never observed outside the FTL dispatcher.
	Retry
	// Corrupt indicates a violated invariant (double-free grain, an
	// over-assigned segment, a write pointer that cannot advance). Fatal.
	Corrupt
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case NotFound:
		return "NotFound"
	case Inflight:
		return "Inflight"
	case Retry:
		return "Retry"
	case Corrupt:
		return "Corrupt"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error adapts a Code to the error interface, carrying an optional message
// for Corrupt conditions where the cause matters to the caller.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// New builds a status Error for Code c with a formatted message.
func New(c Code, format string, args ...interface{}) *Error {
	return &Error{Code: c, Msg: fmt.Sprintf(format, args...)}
}

// Is reports whether err is a *Error carrying Code c.
func Is(err error, c Code) bool {
	se, ok := err.(*Error)
	return ok && se.Code == c
}

// KVNotExist is the NVMe KV status code for a missing key (0x310), retained
// from the original command-level taxonomy for callers that need the wire
// value rather than the internal Code.
const KVNotExist = 0x310
