package service

import (
	"encoding/json"
	"fmt"

	"github.com/chrisburr/DIRAC/pkg/security"
)

// Request is the per-call state. One is allocated at connection accept and
// released at finalize; it is owned by that connection's goroutine and never
// shared, so handlers can read it without synchronization.
type Request struct {
	ID         string
	Service    string
	Method     string
	Args       []any
	Identity   *security.Identity
	RemoteAddr string

	rawContent bool
	status     int
}

// SetStatus overrides the HTTP status the response will carry. Handlers use
// it for the rare non-200 success or non-500 failure.
func (r *Request) SetStatus(code int) {
	r.status = code
}

// Status returns the handler-set override, 0 when unset.
func (r *Request) Status() int {
	return r.status
}

// RawContent reports whether the caller asked for the binary response mode.
func (r *Request) RawContent() bool {
	return r.rawContent
}

// Arg returns the i-th positional argument, nil when absent.
func (r *Request) Arg(i int) any {
	if i < 0 || i >= len(r.Args) {
		return nil
	}
	return r.Args[i]
}

// StringArg returns the i-th argument as a string, erroring on absence or a
// different type. Handlers use it for the common case.
func (r *Request) StringArg(i int) (string, error) {
	v := r.Arg(i)
	if v == nil {
		return "", fmt.Errorf("missing argument %d", i)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %d: expected string, got %T", i, v)
	}
	return s, nil
}

// decodeArgs parses the wire "args" field, a JSON array of positional
// arguments shared with the legacy transport. An empty field is an empty
// argument list.
func decodeArgs(raw string) ([]any, error) {
	if raw == "" {
		return nil, nil
	}
	var args []any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	return args, nil
}
