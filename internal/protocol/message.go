package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
)

// Relay-specific method names.
const (
	MethodNamePing               = "ping"
	MethodNamePong               = "pong"
	MethodNameCreateInitialTab   = "createInitialTab"
	MethodNameStartRecording     = "startRecording"
	MethodNameStopRecording      = "stopRecording"
	MethodNameIsRecording        = "isRecording"
	MethodNameCancelRecording    = "cancelRecording"
	MethodNameGhostBrowser       = "ghost-browser"
	MethodNameForwardCDPCommand  = "forwardCDPCommand"
	MethodNameForwardCDPEvent    = "forwardCDPEvent"
	MethodNameRecordingData      = "recordingData"
	MethodNameRecordingCancelled = "recordingCancelled"
	MethodNameLog                = "log"
)

// CDP event names the relay inspects.
var (
	EventAttachedToTarget   = string(cdproto.EventTargetAttachedToTarget)
	EventDetachedFromTarget = string(cdproto.EventTargetDetachedFromTarget)
	EventTargetCreated      = string(cdproto.EventTargetTargetCreated)
	EventScreencastFrame    = string(cdproto.EventPageScreencastFrame)
)

// Method is the decoded kind of a message. Every method the relay handles has
// its own value; anything else is Passthrough and is forwarded opaquely.
type Method int

const (
	Passthrough Method = iota
	Ping
	Pong
	CreateInitialTab
	StartRecording
	StopRecording
	IsRecording
	CancelRecording
	GhostBrowser
	ForwardCDPCommand
	ForwardCDPEvent
	RecordingData
	RecordingCancelled
	Log
	SetAutoAttach
	CreateTarget
	CloseTarget
	GetVersion
	GetTargets
	GetTargetInfo
	AttachToTarget
	SetDiscoverTargets
)

var methodsByName = map[string]Method{
	MethodNamePing:                   Ping,
	MethodNamePong:                   Pong,
	MethodNameCreateInitialTab:       CreateInitialTab,
	MethodNameStartRecording:         StartRecording,
	MethodNameStopRecording:          StopRecording,
	MethodNameIsRecording:            IsRecording,
	MethodNameCancelRecording:        CancelRecording,
	MethodNameGhostBrowser:           GhostBrowser,
	MethodNameForwardCDPCommand:      ForwardCDPCommand,
	MethodNameForwardCDPEvent:        ForwardCDPEvent,
	MethodNameRecordingData:          RecordingData,
	MethodNameRecordingCancelled:     RecordingCancelled,
	MethodNameLog:                    Log,
	target.CommandSetAutoAttach:      SetAutoAttach,
	target.CommandCreateTarget:       CreateTarget,
	target.CommandCloseTarget:        CloseTarget,
	browser.CommandGetVersion:        GetVersion,
	target.CommandGetTargets:         GetTargets,
	target.CommandGetTargetInfo:      GetTargetInfo,
	target.CommandAttachToTarget:     AttachToTarget,
	target.CommandSetDiscoverTargets: SetDiscoverTargets,
}

// ParseMethod maps a method string to its kind.
func ParseMethod(name string) Method {
	if m, ok := methodsByName[name]; ok {
		return m
	}
	return Passthrough
}

// Message is the single envelope used on every relay socket.
type Message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`

	Kind Method `json:"-"`

	zeroID bool
}

// HasZeroID reports whether m was decoded from a frame carrying "id":0.
func (m *Message) HasZeroID() bool { return m.zeroID }

// IsResponse reports whether m answers an earlier request.
func (m *Message) IsResponse() bool { return m.ID != 0 && m.Method == "" }

// IsRequest reports whether m expects a response.
func (m *Message) IsRequest() bool { return m.ID != 0 && m.Method != "" }

// IsNotification reports whether m is fire-and-forget.
func (m *Message) IsNotification() bool { return m.ID == 0 && m.Method != "" }

// UnmarshalJSON decodes m and keeps track of whether an id was present, so a
// literal zero id can be told apart from a missing one.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		ID *int64 `json:"id"`
		*plain
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.ID = 0
	if aux.ID != nil {
		m.ID = *aux.ID
	}
	m.zeroID = aux.ID != nil && m.ID == 0
	return nil
}

// Decode parses a text frame and tags it with its method kind. An explicit
// id of zero is rejected; the returned message still carries the method and
// session so the caller can answer it.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, NewError(CodeProtocol, "malformed message", err)
	}
	if msg.zeroID {
		msg.Kind = ParseMethod(msg.Method)
		return msg, Errorf(CodeValidation, "message id 0 is reserved")
	}
	if msg.ID == 0 && msg.Method == "" {
		return msg, Errorf(CodeProtocol, "message has neither id nor method")
	}
	msg.Kind = ParseMethod(msg.Method)
	return msg, nil
}

// DecodeParams unmarshals m.Params into v; empty params leave v untouched.
func (m *Message) DecodeParams(v any) error {
	if len(m.Params) == 0 || string(m.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return NewError(CodeValidation, fmt.Sprintf("invalid params for %s", m.Method), err)
	}
	return nil
}

// Encode marshals a message.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Request builds a request envelope.
func Request(id int64, method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, Method: method, Params: raw}, nil
}

// Notification builds an id-less message.
func Notification(method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{Method: method, Params: raw}, nil
}

// Response builds a successful response. A nil result is sent as {}.
func Response(id int64, sessionID string, result any) (Message, error) {
	var raw json.RawMessage
	switch v := result.(type) {
	case nil:
		raw = json.RawMessage(`{}`)
	case json.RawMessage:
		raw = v
		if len(raw) == 0 {
			raw = json.RawMessage(`{}`)
		}
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return Message{}, NewError(CodeProtocol, "marshal result", err)
		}
		raw = b
	}
	return Message{ID: id, SessionID: sessionID, Result: raw}, nil
}

// ErrorResponse builds a failed response.
func ErrorResponse(id int64, sessionID string, err error) Message {
	return Message{ID: id, SessionID: sessionID, Error: ErrorBodyFrom(err)}
}

// EncodeErrorResponse marshals an error response that always carries its id,
// including zero, which the Message encoding would omit.
func EncodeErrorResponse(id int64, sessionID string, err error) ([]byte, error) {
	return json.Marshal(struct {
		ID        int64      `json:"id"`
		SessionID string     `json:"sessionId,omitempty"`
		Error     *ErrorBody `json:"error"`
	}{id, sessionID, ErrorBodyFrom(err)})
}

func marshalParams(params any) (json.RawMessage, error) {
	switch v := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, NewError(CodeProtocol, "marshal params", err)
		}
		return b, nil
	}
}
