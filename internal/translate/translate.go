// Package translate maps messages between the client-facing Stratum-like
// dialect and the upstream CryptoNote dialect. Translation is pure: functions
// read a snapshot of session state and return typed results describing what
// to send where; the owning session performs all I/O and state mutation.
package translate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/webxla/cnrelay/internal/cryptonote"
	"github.com/webxla/cnrelay/internal/stratum"
)

// DefaultWorker names workers that subscribe with a bare wallet address.
const DefaultWorker = "web"

const (
	defaultAlgo   = "panthera"
	defaultTarget = "ffffffffffffffff"
)

// Context is the slice of session state translation depends on.
type Context struct {
	LoginID      string // upstream session id; empty until logged in
	Agent        string // user agent reported in the upstream login
	Algo         string // pool algorithm tag, used when jobs omit theirs
	StrictTarget bool   // reject jobs whose target does not parse
}

// Pending is one correlation-map entry: the upstream request id it is keyed
// by links an in-flight upstream request back to the client request it was
// translated from.
type Pending struct {
	Method     string // upstream method sent
	OrigMethod string // client method it was translated from
	OrigID     *int64 // client request id to echo; nil for relay-initiated requests
	Sent       time.Time
}

// ClientResult describes the effects of translating one inbound client message.
type ClientResult struct {
	Forward *cryptonote.Request // upstream-bound request, nil when nothing is forwarded
	Replies []stratum.Response  // immediate client-facing replies

	Wallet      string // wallet address extracted from subscribe
	Worker      string // worker name extracted from subscribe
	LoggingIn   bool   // the forwarded request is the login handshake
	CountSubmit bool   // increment the submitted-share counter
	Warn        string // non-empty for best-effort passthrough of unknown methods
}

// FromClient translates one client message into its upstream form. The
// returned request carries no id; the session assigns one when it records the
// correlation entry.
func FromClient(ctx Context, msg stratum.Message) ClientResult {
	switch msg.Method {
	case stratum.MethodSubscribe:
		return translateSubscribe(ctx, msg)

	case stratum.MethodAuthorize:
		// The upstream dialect has no separate authorization step.
		return ClientResult{Replies: []stratum.Response{
			stratum.NewSuccessResponse(msg.ID, true),
		}}

	case stratum.MethodSubmit:
		return translateSubmit(ctx, msg)

	case stratum.MethodGetJob, stratum.MethodGetJobAlt:
		if ctx.LoginID == "" {
			return errorResult(msg.ID, stratum.ErrCodeTranslation, "Not logged in to pool")
		}
		return ClientResult{Forward: &cryptonote.Request{
			Method: cryptonote.MethodGetJob,
			Params: cryptonote.GetJobParams{ID: ctx.LoginID},
		}}

	default:
		// Best-effort passthrough, not a correctness guarantee.
		return ClientResult{
			Forward: &cryptonote.Request{Method: msg.Method, Params: msg.Params},
			Warn:    fmt.Sprintf("unknown client method %q, passing through", msg.Method),
		}
	}
}

func translateSubscribe(ctx Context, msg stratum.Message) ClientResult {
	var address string
	if len(msg.Params) > 0 {
		address, _ = msg.Params[0].(string)
	}
	if address == "" {
		return errorResult(msg.ID, stratum.ErrCodeTranslation, "Wallet address required for login")
	}

	wallet, worker := SplitWorker(address)
	return ClientResult{
		Forward: &cryptonote.Request{
			Method: cryptonote.MethodLogin,
			Params: cryptonote.LoginParams{
				Login: wallet,
				Pass:  worker,
				Agent: ctx.Agent,
				Rigid: worker,
			},
		},
		Wallet:    wallet,
		Worker:    worker,
		LoggingIn: true,
	}
}

func translateSubmit(ctx Context, msg stratum.Message) ClientResult {
	if len(msg.Params) < 4 {
		return errorResult(msg.ID, stratum.ErrCodeTranslation,
			"Invalid submit parameters - expected [worker, job_id, nonce, result]")
	}
	if ctx.LoginID == "" {
		return errorResult(msg.ID, stratum.ErrCodeTranslation, "Not logged in to pool")
	}

	jobID, _ := msg.Params[1].(string)
	nonce, _ := msg.Params[2].(string)
	result, _ := msg.Params[3].(string)
	if jobID == "" || nonce == "" || result == "" {
		return errorResult(msg.ID, stratum.ErrCodeTranslation, "Missing submit parameters")
	}

	return ClientResult{
		Forward: &cryptonote.Request{
			Method: cryptonote.MethodSubmit,
			Params: cryptonote.SubmitParams{
				ID:     ctx.LoginID,
				JobID:  jobID,
				Nonce:  nonce,
				Result: result,
			},
		},
		CountSubmit: true,
	}
}

// SplitWorker splits an "address.worker" subscribe parameter. A missing
// worker suffix falls back to DefaultWorker.
func SplitWorker(address string) (wallet, worker string) {
	parts := strings.SplitN(address, ".", 2)
	wallet = parts[0]
	worker = DefaultWorker
	if len(parts) > 1 && parts[1] != "" {
		worker = parts[1]
	}
	return wallet, worker
}

func errorResult(id *int64, code int, message string) ClientResult {
	return ClientResult{Replies: []stratum.Response{
		stratum.NewErrorResponse(id, code, message),
	}}
}

// UpstreamResult describes the effects of translating one upstream message.
type UpstreamResult struct {
	Job        *cryptonote.Job // new current job to store on the session
	Difficulty uint64          // difficulty annotation for Job

	Notify  *stratum.Notify    // job notification for the client
	Replies []stratum.Response // client-facing response echoes

	LoginID     string // session id to store; state moves to logged_in
	LoginFailed bool   // login rejected; state moves to error

	ShareAccepted bool
	ShareRejected bool

	Passthrough bool // forward the raw upstream line to the client verbatim
	Warn        string
}

// FromUpstream translates one upstream message. pending is the correlation
// entry matching the message id, already removed from the map by the caller,
// or nil for notifications and unsolicited messages.
func FromUpstream(ctx Context, msg cryptonote.Message, pending *Pending, now time.Time) UpstreamResult {
	if msg.Method == cryptonote.MethodJob {
		job, err := msg.JobParams()
		if err != nil {
			return UpstreamResult{Warn: fmt.Sprintf("malformed job notification: %v", err)}
		}
		var res UpstreamResult
		applyJob(ctx, job, now, &res)
		return res
	}

	if pending != nil {
		switch pending.Method {
		case cryptonote.MethodLogin:
			return translateLoginResponse(ctx, msg, pending, now)
		case cryptonote.MethodSubmit:
			return translateSubmitResponse(msg, pending)
		case cryptonote.MethodGetJob:
			return translateJobResponse(ctx, msg, now)
		default:
			return translateGenericResponse(msg, pending)
		}
	}

	if msg.Error != nil {
		// Unsolicited pool error with no matching request.
		return UpstreamResult{
			Replies: []stratum.Response{
				stratum.NewErrorResponse(msg.ID, msg.Error.Code, msg.Error.Message),
			},
			Warn: fmt.Sprintf("unsolicited pool error: %s", msg.Error.Message),
		}
	}

	return UpstreamResult{Passthrough: true}
}

func translateLoginResponse(ctx Context, msg cryptonote.Message, pending *Pending, now time.Time) UpstreamResult {
	res, err := msg.LoginResult()
	if err != nil || res.ID == "" || msg.Error != nil {
		code := stratum.ErrCodeTranslation
		reason := "Login failed - no session ID"
		if msg.Error != nil {
			reason = msg.Error.Message
			if msg.Error.Code != 0 {
				code = msg.Error.Code
			}
		}
		return UpstreamResult{
			LoginFailed: true,
			Replies: []stratum.Response{
				stratum.NewErrorResponse(pending.OrigID, code, reason),
			},
		}
	}

	out := UpstreamResult{LoginID: res.ID}
	// A login result may embed the first job; process it before the echo so
	// the session already holds the job when the client acknowledges.
	if res.Job != nil {
		applyJob(ctx, res.Job, now, &out)
	}
	out.Replies = []stratum.Response{
		stratum.NewSuccessResponse(pending.OrigID, stratum.NewSubscribeResult(res.ID)),
	}
	return out
}

func translateSubmitResponse(msg cryptonote.Message, pending *Pending) UpstreamResult {
	res, err := msg.SubmitResult()
	if err == nil && res.Status == cryptonote.StatusOK {
		return UpstreamResult{
			ShareAccepted: true,
			Replies: []stratum.Response{
				stratum.NewSuccessResponse(pending.OrigID, true),
			},
		}
	}

	reason := "Share rejected by pool"
	switch {
	case res != nil && res.Error != "":
		reason = res.Error
	case msg.Error != nil && msg.Error.Message != "":
		reason = msg.Error.Message
	}
	return UpstreamResult{
		ShareRejected: true,
		Replies: []stratum.Response{
			stratum.NewErrorResponse(pending.OrigID, stratum.ErrCodeTranslation, reason),
		},
	}
}

func translateJobResponse(ctx Context, msg cryptonote.Message, now time.Time) UpstreamResult {
	job, err := msg.JobResult()
	if err != nil {
		return UpstreamResult{Warn: fmt.Sprintf("malformed getjob response: %v", err)}
	}
	if job == nil {
		// Keepalive acknowledgment; nothing reaches the client.
		return UpstreamResult{}
	}
	var out UpstreamResult
	applyJob(ctx, job, now, &out)
	return out
}

func translateGenericResponse(msg cryptonote.Message, pending *Pending) UpstreamResult {
	var stratumErr *stratum.Error
	if msg.Error != nil {
		stratumErr = &stratum.Error{Code: msg.Error.Code, Message: msg.Error.Message}
	}
	return UpstreamResult{Replies: []stratum.Response{{
		ID:     pending.OrigID,
		Result: json.RawMessage(msg.Result),
		Error:  stratumErr,
	}}}
}

// applyJob fills the job-update and notify effects for one upstream job.
func applyJob(ctx Context, job *cryptonote.Job, now time.Time, out *UpstreamResult) {
	diff, err := cryptonote.TargetToDifficultyStrict(job.Target)
	if err != nil {
		if ctx.StrictTarget {
			out.Replies = append(out.Replies, stratum.NewErrorResponse(nil,
				stratum.ErrCodePool, fmt.Sprintf("invalid job target: %v", err)))
			out.Warn = fmt.Sprintf("rejecting job %s: %v", job.JobID, err)
			return
		}
		diff = 1
	}

	algo := job.Algo
	if algo == "" {
		algo = ctx.Algo
	}
	if algo == "" {
		algo = defaultAlgo
	}
	target := job.Target
	if target == "" {
		target = defaultTarget
	}

	out.Job = job
	out.Difficulty = diff
	notify := stratum.NewJobNotify(job.JobID, job.Blob, algo, target, now)
	out.Notify = &notify
}
