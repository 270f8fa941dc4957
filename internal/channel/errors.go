package channel

import "fmt"

// ErrorKind classifies adapter failures so callers can treat them uniformly.
type ErrorKind string

const (
	// ErrKindParse marks provider payloads or responses the adapter could
	// not decode.
	ErrKindParse ErrorKind = "parse"
	// ErrKindSend marks delivery failures, including non-2xx HTTP responses.
	ErrKindSend ErrorKind = "send"
	// ErrKindConfig marks missing or invalid adapter configuration.
	ErrKindConfig ErrorKind = "config"
)

// AdapterError is the error type adapters return for parse, send and
// configuration failures.
type AdapterError struct {
	Kind    ErrorKind
	Message string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// ParseErrorf builds a parse-kind AdapterError.
func ParseErrorf(format string, args ...any) *AdapterError {
	return &AdapterError{Kind: ErrKindParse, Message: fmt.Sprintf(format, args...)}
}

// SendErrorf builds a send-kind AdapterError.
func SendErrorf(format string, args ...any) *AdapterError {
	return &AdapterError{Kind: ErrKindSend, Message: fmt.Sprintf(format, args...)}
}

// ConfigErrorf builds a config-kind AdapterError.
func ConfigErrorf(format string, args ...any) *AdapterError {
	return &AdapterError{Kind: ErrKindConfig, Message: fmt.Sprintf(format, args...)}
}

// HTTPSendError builds the canonical send error for a non-2xx response.
func HTTPSendError(status int, body []byte) *AdapterError {
	return SendErrorf("HTTP %d: %s", status, body)
}
