package mcp

import "encoding/json"

const (
	MethodInitialize = "initialize"
	MethodToolsCall  = "tools/call"
)

// Request is a tools/call request as sent by the client.
type Request struct {
	ID     interface{} `json:"id"`
	Method string      `json:"method"`
	Params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments,omitempty"`
	} `json:"params"`
}

// ParseToolCall decodes payload as a tools/call request. ok is false for
// any other message or for malformed JSON.
func ParseToolCall(payload []byte) (req Request, ok bool) {
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, false
	}
	if req.Method != MethodToolsCall {
		return Request{}, false
	}
	return req, true
}
