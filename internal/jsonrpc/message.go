package jsonrpc

import (
	"bytes"
	"encoding/json"
)

// Version is the only protocol version spoken on either side of the bridge.
const Version = "2.0"

// Envelope holds the routing fields shared by requests, responses and
// notifications. Params and Result are left undecoded.
type Envelope struct {
	JSONRPC string `json:"jsonrpc"`
	// ID is absent for notifications. Numbers decode as json.Number.
	ID     interface{}     `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Peek decodes only the envelope of payload. ok is false for anything that
// is not a single JSON object, including batches.
func Peek(payload []byte) (env Envelope, ok bool) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, false
	}
	return env, true
}

// IsRequest reports whether the envelope carries a method and an id.
func (e Envelope) IsRequest() bool {
	return e.Method != "" && e.ID != nil
}

// IsNotification reports whether the envelope carries a method but no id.
func (e Envelope) IsNotification() bool {
	return e.Method != "" && e.ID == nil
}

// IsResponse reports whether the envelope answers a request.
func (e Envelope) IsResponse() bool {
	return e.Method == "" && (len(e.Result) > 0 || len(e.Error) > 0)
}

// Kind names the message type for logs.
func (e Envelope) Kind() string {
	switch {
	case e.IsRequest():
		return "request"
	case e.IsNotification():
		return "notification"
	case e.IsResponse():
		return "response"
	default:
		return "unknown"
	}
}
