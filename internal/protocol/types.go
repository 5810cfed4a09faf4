package protocol

import (
	"errors"
	"fmt"
)

const (
	CodeValidation  = "VALIDATION"
	CodeArbitration = "ARBITRATION"
	CodeRouting     = "ROUTING"
	CodeAttach      = "ATTACH"
	CodeRecording   = "RECORDING"
	CodeTransport   = "TRANSPORT"
	CodeTimeout     = "TIMEOUT"
	CodeProtocol    = "PROTOCOL"
	CodeUpstream    = "UPSTREAM"
)

// WebSocket close codes sent by the hub to an agent.
const (
	CloseReplaced uint16 = 4001
	CloseInUse    uint16 = 4002

	CloseReasonReplaced = "replaced"
	CloseReasonInUse    = "in use"
)

// TokenHeader carries the optional shared secret on WebSocket upgrades.
const TokenHeader = "x-relay-token"

// cdpServerError is the JSON-RPC style code CDP uses for command failures.
const cdpServerError = -32000

// CodedError is a typed error used for stable wire and API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a CodedError.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// Errorf builds a CodedError with a formatted message and no cause.
func Errorf(code, format string, args ...any) error {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first CodedError in err's chain, or "".
func CodeOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// ErrorBody is the error member of a response. Code mirrors CDP's numeric code so
// CDP clients can parse it; Data carries the relay error code.
type ErrorBody struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// ErrorBodyFrom converts err to its wire form.
func ErrorBodyFrom(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	body := &ErrorBody{Code: cdpServerError, Message: err.Error()}
	var coded *CodedError
	if errors.As(err, &coded) {
		body.Data = coded.Code
		body.Message = coded.Message
		if coded.Cause != nil {
			body.Message += ": " + coded.Cause.Error()
		}
	}
	return body
}

// Err converts a wire error back into a CodedError. Errors without a relay code
// are treated as upstream browser errors.
func (b *ErrorBody) Err() error {
	if b == nil {
		return nil
	}
	code := b.Data
	if code == "" {
		code = CodeUpstream
	}
	return &CodedError{Code: code, Message: b.Message}
}
