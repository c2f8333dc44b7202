// Package stratum implements the Stratum-like JSON-RPC dialect spoken by
// browser miners over the WebSocket leg.
package stratum

import (
	"strconv"
	"time"

	"github.com/webxla/cnrelay/internal/jsonx"
)

// Method names recognized on the client leg.
const (
	MethodSubscribe = "mining.subscribe"
	MethodAuthorize = "mining.authorize"
	MethodSubmit    = "mining.submit"
	MethodGetJob    = "mining.get_job"
	MethodGetJobAlt = "getjob"
	MethodNotify    = "mining.notify"
)

// JSON-RPC error codes sent back to clients.
const (
	ErrCodeTranslation = -1 // request-scoped translation or validation failure
	ErrCodePool        = -2 // unknown pool key or upstream transport failure
	ErrCodeSend        = -3 // forward/send failure on the upstream leg
)

// Message is an inbound client frame.
type Message struct {
	ID     *int64 `json:"id,omitempty"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response echoes a client request id with a result or an error. The result
// and error fields are always serialized, null included, because browser
// miners key their dispatch on their presence.
type Response struct {
	ID     *int64 `json:"id"`
	Result any    `json:"result"`
	Error  *Error `json:"error"`
}

// Notify is a server-initiated notification; the id is always null on the wire.
type Notify struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Status is an asynchronous proxy_status notification describing the state of
// the upstream leg. Clients that do not understand it ignore it.
type Status struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Pool      string `json:"pool,omitempty"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
}

// IsNotification returns true if the message carries no request id.
func (m *Message) IsNotification() bool {
	return m.ID == nil
}

// IsRequest returns true if the message is a request (has ID and Method).
func (m *Message) IsRequest() bool {
	return m.ID != nil && m.Method != ""
}

// Unmarshal parses a client frame into m.
func (m *Message) Unmarshal(data []byte) error {
	return jsonx.Unmarshal(data, m)
}

// CopyID creates a deep copy of an int64 pointer.
func CopyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	dup := new(int64)
	*dup = *id
	return dup
}

// NewSuccessResponse creates a success response echoing id.
func NewSuccessResponse(id *int64, result any) Response {
	return Response{ID: id, Result: result}
}

// NewErrorResponse creates an error response echoing id.
func NewErrorResponse(id *int64, code int, message string) Response {
	return Response{ID: id, Error: &Error{Code: code, Message: message}}
}

// NewSubscribeResult builds the subscribe-success payload: a synthesized
// subscription descriptor, the upstream session id standing in for
// extranonce1, and a fixed extranonce2 size of 4.
func NewSubscribeResult(loginID string) []any {
	return []any{
		[]any{[]any{MethodNotify, loginID}},
		loginID,
		4,
	}
}

// NewJobNotify builds a mining.notify for a translated upstream job. The
// coinbase and merkle slots stay empty: the upstream dialect carries a whole
// block template blob instead.
func NewJobNotify(jobID, blob, algo, target string, now time.Time) Notify {
	return Notify{
		Method: MethodNotify,
		Params: []any{
			jobID,
			blob,
			"",
			"",
			[]any{},
			algo,
			target,
			strconv.FormatInt(now.Unix(), 16),
			true,
		},
	}
}
