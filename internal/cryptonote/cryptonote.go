// Package cryptonote implements the line-delimited JSON-RPC dialect spoken by
// CryptoNote mining pools over the TCP leg.
package cryptonote

import (
	"encoding/json"

	"github.com/webxla/cnrelay/internal/jsonx"
)

// Method names the relay sends upstream.
const (
	MethodLogin  = "login"
	MethodSubmit = "submit"
	MethodGetJob = "getjob"
)

// MethodJob is the unsolicited job notification pushed by pools.
const MethodJob = "job"

// StatusOK marks an accepted share or a successful login in pool results.
const StatusOK = "OK"

// Request is an upstream-bound JSON-RPC line. The id is assigned by the
// owning session just before the request is sent or queued.
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// LoginParams carries the CryptoNote login handshake. Rigid duplicates the
// worker name; some pools honor it, others ignore it.
type LoginParams struct {
	Login string `json:"login"`
	Pass  string `json:"pass"`
	Agent string `json:"agent"`
	Rigid string `json:"rigid,omitempty"`
}

// SubmitParams carries a share. ID is the session id returned by login.
type SubmitParams struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Nonce  string `json:"nonce"`
	Result string `json:"result"`
}

// GetJobParams requests a job refresh; doubles as the keepalive payload.
type GetJobParams struct {
	ID string `json:"id"`
}

// Error is a pool-supplied error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Job is a unit of work pushed by the pool, either as an unsolicited "job"
// notification or embedded in a login/getjob result.
type Job struct {
	JobID  string `json:"job_id"`
	Blob   string `json:"blob"`
	Target string `json:"target"`
	Height int64  `json:"height,omitempty"`
	Algo   string `json:"algo,omitempty"`
}

// LoginResult is the payload of a successful login response.
type LoginResult struct {
	ID     string `json:"id"`
	Job    *Job   `json:"job,omitempty"`
	Status string `json:"status,omitempty"`
}

// SubmitResult is the payload of a submit response.
type SubmitResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Message is one parsed upstream line. Params and Result stay raw until the
// correlation entry tells us which shape to expect.
type Message struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// IsResponse returns true if the message answers a request we sent.
func (m *Message) IsResponse() bool {
	return m.ID != nil && (len(m.Result) > 0 || m.Error != nil)
}

// Unmarshal parses one upstream line into m.
func (m *Message) Unmarshal(data []byte) error {
	return jsonx.Unmarshal(data, m)
}

// JobParams decodes the params of an unsolicited job notification.
func (m *Message) JobParams() (*Job, error) {
	var job Job
	if err := jsonx.Unmarshal(m.Params, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// LoginResult decodes the result of a login response.
func (m *Message) LoginResult() (*LoginResult, error) {
	var res LoginResult
	if err := jsonx.Unmarshal(m.Result, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubmitResult decodes the result of a submit response. A nil result (error
// responses) yields an empty status.
func (m *Message) SubmitResult() (*SubmitResult, error) {
	if len(m.Result) == 0 || string(m.Result) == "null" {
		return &SubmitResult{}, nil
	}
	var res SubmitResult
	if err := jsonx.Unmarshal(m.Result, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// JobResult decodes a getjob response. Keepalive acknowledgments carry a
// result without a job_id; those return (nil, nil).
func (m *Message) JobResult() (*Job, error) {
	if len(m.Result) == 0 || string(m.Result) == "null" {
		return nil, nil
	}
	var job Job
	if err := jsonx.Unmarshal(m.Result, &job); err != nil {
		return nil, err
	}
	if job.JobID == "" {
		return nil, nil
	}
	return &job, nil
}

// Marshal serializes a request as one newline-terminated upstream line.
func (r *Request) Marshal() ([]byte, error) {
	data, err := jsonx.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
