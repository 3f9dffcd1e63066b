package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error numbers shared with the legacy transport. Clients match on these, so
// the values are part of the wire contract.
const (
	ENOAUTH = 1113
	ENOMETH = 1114
	EEXCEPT = 1115
	ENOINIT = 1116
	ENOARGS = 1117
	ELIMIT  = 1118
)

const (
	ContentTypeJSON  = "application/json"
	ContentTypeOctet = "application/octet-stream"
)

// Result is the structured success/error wrapper carried by every RPC
// response. CallStack is server-side diagnostic state and is never
// serialized to the wire.
type Result struct {
	OK        bool
	Value     any
	Message   string
	Errno     int
	CallStack []string
}

func OK(value any) Result {
	return Result{OK: true, Value: value}
}

func Error(errno int, message string) Result {
	return Result{Message: message, Errno: errno}
}

// Errorf formats like fmt.Errorf and tags the result with errno.
func Errorf(errno int, format string, args ...any) Result {
	return Result{Message: fmt.Sprintf(format, args...), Errno: errno}
}

type wireSuccess struct {
	OK    bool `json:"OK"`
	Value any  `json:"Value"`
}

type wireError struct {
	OK      bool   `json:"OK"`
	Message string `json:"Message"`
	Errno   int    `json:"Errno,omitempty"`
}

// Encode serializes res and picks the content type and HTTP status for the
// response. status is the handler-set override; pass 0 for the defaults
// (200 on success, 500 on error). An error status below 400 is forced up to
// 500 so a failure can never masquerade as a success on the status line.
//
// rawContent bypasses the structured encoding and writes the success value's
// bytes verbatim with an octet-stream content type. It only applies to
// success: an error under rawContent degrades to the structured encoding so
// the client still gets a diagnosable body.
func Encode(res Result, rawContent bool, status int) ([]byte, string, int) {
	if res.OK {
		if status == 0 {
			status = http.StatusOK
		}
		if rawContent {
			return rawBytes(res.Value), ContentTypeOctet, status
		}
		body, err := json.Marshal(wireSuccess{OK: true, Value: res.Value})
		if err != nil {
			return Encode(Errorf(EEXCEPT, "unserializable return value: %v", err), false, http.StatusInternalServerError)
		}
		return body, ContentTypeJSON, status
	}
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	// CallStack is dropped here by construction: the wire struct has no
	// field for it.
	body, _ := json.Marshal(wireError{Message: res.Message, Errno: res.Errno})
	return body, ContentTypeJSON, status
}

func rawBytes(value any) []byte {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return v
	case string:
		return []byte(v)
	case json.RawMessage:
		return v
	default:
		b, _ := json.Marshal(v)
		return b
	}
}

// Decode parses a structured response body back into a Result. Used by
// clients and tests; raw octet-stream bodies are not self-describing and do
// not pass through here.
func Decode(body []byte) (Result, error) {
	var probe struct {
		OK      *bool           `json:"OK"`
		Value   json.RawMessage `json:"Value"`
		Message string          `json:"Message"`
		Errno   int             `json:"Errno"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return Result{}, fmt.Errorf("decode envelope: %w", err)
	}
	if probe.OK == nil {
		return Result{}, errors.New("decode envelope: missing OK field")
	}
	if !*probe.OK {
		return Error(probe.Errno, probe.Message), nil
	}
	var value any
	if len(probe.Value) > 0 {
		if err := json.Unmarshal(probe.Value, &value); err != nil {
			return Result{}, fmt.Errorf("decode envelope value: %w", err)
		}
	}
	return OK(value), nil
}
