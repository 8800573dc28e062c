package gostratum

import (
	"fmt"

	"github.com/pkg/errors"
)

type StratumMethod string

const (
	StratumMethodSubscribe           StratumMethod = "mining.subscribe"
	StratumMethodExtranonceSubscribe StratumMethod = "mining.extranonce.subscribe"
	StratumMethodAuthorize           StratumMethod = "mining.authorize"
	StratumMethodSubmit              StratumMethod = "mining.submit"
	StratumMethodNotify              StratumMethod = "mining.notify"
	StratumMethodSetDifficulty       StratumMethod = "mining.set_difficulty"
	StratumMethodSetExtranonce       StratumMethod = "mining.set_extranonce"
	StratumMethodReconnect           StratumMethod = "client.reconnect"
	StratumMethodShowMessage         StratumMethod = "client.show_message"
)

// MessageKind is the classification of an inbound line.
type MessageKind int

const (
	KindRequest MessageKind = iota
	KindResponse
	KindNotification
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	}
	return "unknown"
}

// JsonRpcEvent represents a JSON-RPC request or notification
type JsonRpcEvent struct {
	Id      any           `json:"id"` // id can be nil, a string, or an int
	Version string        `json:"jsonrpc,omitempty"`
	Method  StratumMethod `json:"method"`
	Params  []any         `json:"params"`
}

// JsonRpcResponse represents a JSON-RPC response
type JsonRpcResponse struct {
	Id     any           `json:"id"`
	Result any           `json:"result"`
	Error  *StratumError `json:"error"`
}

// JsonRpcMessage is the union of everything that can arrive on a line. Which
// fields are set decides the kind, see Kind.
type JsonRpcMessage struct {
	Id     any           `json:"id"`
	Method StratumMethod `json:"method,omitempty"`
	Params []any         `json:"params,omitempty"`
	Result any           `json:"result,omitempty"`
	Error  *StratumError `json:"error,omitempty"`
}

// Kind classifies the message: a non-null id with a method is a request, a
// non-null id without one is a response and a null id is a notification.
func (m JsonRpcMessage) Kind() MessageKind {
	if m.Id == nil {
		return KindNotification
	}
	if m.Method == "" {
		return KindResponse
	}
	return KindRequest
}

func (m JsonRpcMessage) Event() JsonRpcEvent {
	return JsonRpcEvent{Id: m.Id, Method: m.Method, Params: m.Params}
}

func (m JsonRpcMessage) Response() JsonRpcResponse {
	return JsonRpcResponse{Id: m.Id, Result: m.Result, Error: m.Error}
}

// NewEvent creates a new JSON-RPC event with a given ID, method, and parameters
func NewEvent(id any, method StratumMethod, params []any) JsonRpcEvent {
	if s, ok := id.(string); ok && len(s) == 0 {
		id = nil
	}
	if params == nil {
		params = []any{}
	}
	return JsonRpcEvent{
		Id:     id,
		Method: method,
		Params: params,
	}
}

// NewNotification creates an event with a null id
func NewNotification(method StratumMethod, params []any) JsonRpcEvent {
	return NewEvent(nil, method, params)
}

// NewResponse creates a new JSON-RPC response based on an incoming event
func NewResponse(event JsonRpcEvent, results any, err *StratumError) JsonRpcResponse {
	return JsonRpcResponse{
		Id:     event.Id,
		Result: results,
		Error:  err,
	}
}

// UnmarshalMessage parses one line into a JsonRpcMessage
func UnmarshalMessage(in []byte) (JsonRpcMessage, error) {
	msg := JsonRpcMessage{}
	if err := fastJSONUnmarshal(in, &msg); err != nil {
		return JsonRpcMessage{}, errors.Wrap(err, "failed to parse JSON-RPC message")
	}
	return msg, nil
}

// UnmarshalEvent parses a JSON string into a JsonRpcEvent
func UnmarshalEvent(in string) (JsonRpcEvent, error) {
	msg, err := UnmarshalMessage([]byte(in))
	if err != nil {
		return JsonRpcEvent{}, err
	}
	return msg.Event(), nil
}

// UnmarshalResponse parses a JSON string into a JsonRpcResponse
func UnmarshalResponse(in string) (JsonRpcResponse, error) {
	msg, err := UnmarshalMessage([]byte(in))
	if err != nil {
		return JsonRpcResponse{}, err
	}
	return msg.Response(), nil
}

// IdKey normalizes a request id so that ids we generated as integers match
// the float64 values the decoder hands back.
func IdKey(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprint(v)
	}
}
