package transport

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version accepted.
const Version = "2.0"

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Message is any JSON-RPC 2.0 message: request, notification or response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func hasID(id json.RawMessage) bool {
	return len(id) > 0 && string(id) != "null"
}

// IsRequest reports whether m expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && hasID(m.ID)
}

// IsNotification reports whether m is a request without id.
func (m *Message) IsNotification() bool {
	return m.Method != "" && !hasID(m.ID)
}

// IsResponse reports whether m answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && hasID(m.ID)
}

// IDString returns the id as a string. String ids are unquoted; numeric
// ids keep their literal form.
func (m *Message) IDString() string {
	if !hasID(m.ID) {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(m.ID)
}

// DecodeParams unmarshals the params into v.
func (m *Message) DecodeParams(v interface{}) error {
	if len(m.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return &Error{Code: InvalidParams, Message: "Invalid params", Data: quote(err.Error())}
	}
	return nil
}

// DecodeResult unmarshals the result into v.
func (m *Message) DecodeResult(v interface{}) error {
	if len(m.Result) == 0 || v == nil {
		return nil
	}
	return json.Unmarshal(m.Result, v)
}

// NewRequest builds a request with a string id.
func NewRequest(id, method string, params interface{}) (*Message, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: quote(id), Method: method, Params: raw}, nil
}

// NewNotification builds a notification.
func NewNotification(method string, params interface{}) (*Message, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a success response for id.
func NewResult(id json.RawMessage, result interface{}) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for id.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) *Message {
	if !hasID(id) {
		id = json.RawMessage("null")
	}
	return &Message{JSONRPC: Version, ID: id, Error: rpcErr}
}

// Parse decodes and validates one message.
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &Error{Code: ParseError, Message: "Parse error", Data: quote(err.Error())}
	}
	if m.JSONRPC != Version {
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: quote("jsonrpc must be 2.0")}
	}
	if m.Method == "" && !hasID(m.ID) && m.Error == nil {
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: quote("message has neither method nor id")}
	}
	return &m, nil
}

func marshalOptional(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func quote(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
