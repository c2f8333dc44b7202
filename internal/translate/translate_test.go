package translate

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webxla/cnrelay/internal/cryptonote"
	"github.com/webxla/cnrelay/internal/stratum"
)

func msgID(v int64) *int64 { return &v }

func loggedIn() Context {
	return Context{LoginID: "sess-1", Agent: "agent/1.0", Algo: "panthera"}
}

func TestFromClientSubscribe(t *testing.T) {
	tests := []struct {
		name       string
		address    string
		wantWallet string
		wantWorker string
	}{
		{
			name:       "wallet with worker suffix",
			address:    "Ssy1abc.rig01",
			wantWallet: "Ssy1abc",
			wantWorker: "rig01",
		},
		{
			name:       "bare wallet gets default worker",
			address:    "Ssy1abc",
			wantWallet: "Ssy1abc",
			wantWorker: DefaultWorker,
		},
		{
			name:       "empty worker suffix gets default",
			address:    "Ssy1abc.",
			wantWallet: "Ssy1abc",
			wantWorker: DefaultWorker,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := FromClient(Context{Agent: "agent/1.0"}, stratum.Message{
				ID:     msgID(1),
				Method: stratum.MethodSubscribe,
				Params: []any{tt.address, "MinerClient/2.0"},
			})

			require.NotNil(t, res.Forward)
			assert.Equal(t, cryptonote.MethodLogin, res.Forward.Method)
			assert.True(t, res.LoggingIn)
			assert.Equal(t, tt.wantWallet, res.Wallet)
			assert.Equal(t, tt.wantWorker, res.Worker)

			params, ok := res.Forward.Params.(cryptonote.LoginParams)
			require.True(t, ok)
			assert.Equal(t, tt.wantWallet, params.Login)
			assert.Equal(t, tt.wantWorker, params.Pass)
			assert.Equal(t, tt.wantWorker, params.Rigid)
			assert.Equal(t, "agent/1.0", params.Agent)
		})
	}
}

func TestFromClientSubscribeWithoutAddress(t *testing.T) {
	res := FromClient(Context{}, stratum.Message{ID: msgID(1), Method: stratum.MethodSubscribe})

	assert.Nil(t, res.Forward)
	require.Len(t, res.Replies, 1)
	require.NotNil(t, res.Replies[0].Error)
	assert.Equal(t, stratum.ErrCodeTranslation, res.Replies[0].Error.Code)
}

func TestFromClientAuthorize(t *testing.T) {
	res := FromClient(Context{}, stratum.Message{
		ID:     msgID(2),
		Method: stratum.MethodAuthorize,
		Params: []any{"worker", "pass"},
	})

	assert.Nil(t, res.Forward, "authorize must not reach the pool")
	require.Len(t, res.Replies, 1)
	assert.Equal(t, true, res.Replies[0].Result)
	assert.Nil(t, res.Replies[0].Error)
	assert.Equal(t, int64(2), *res.Replies[0].ID)
}

func TestFromClientSubmit(t *testing.T) {
	res := FromClient(loggedIn(), stratum.Message{
		ID:     msgID(3),
		Method: stratum.MethodSubmit,
		Params: []any{"worker", "job-1", "a1b2c3d4", "deadbeef"},
	})

	require.NotNil(t, res.Forward)
	assert.Equal(t, cryptonote.MethodSubmit, res.Forward.Method)
	assert.True(t, res.CountSubmit)
	assert.Empty(t, res.Replies)

	params, ok := res.Forward.Params.(cryptonote.SubmitParams)
	require.True(t, ok)
	assert.Equal(t, "sess-1", params.ID)
	assert.Equal(t, "job-1", params.JobID)
	assert.Equal(t, "a1b2c3d4", params.Nonce)
	assert.Equal(t, "deadbeef", params.Result)
}

func TestFromClientSubmitValidation(t *testing.T) {
	tests := []struct {
		name   string
		ctx    Context
		params []any
	}{
		{
			name:   "too few parameters",
			ctx:    loggedIn(),
			params: []any{"worker", "job-1"},
		},
		{
			name:   "not logged in",
			ctx:    Context{},
			params: []any{"worker", "job-1", "a1b2c3d4", "deadbeef"},
		},
		{
			name:   "empty nonce",
			ctx:    loggedIn(),
			params: []any{"worker", "job-1", "", "deadbeef"},
		},
		{
			name:   "wrong parameter types",
			ctx:    loggedIn(),
			params: []any{"worker", 1.0, 2.0, 3.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := FromClient(tt.ctx, stratum.Message{
				ID:     msgID(3),
				Method: stratum.MethodSubmit,
				Params: tt.params,
			})

			assert.Nil(t, res.Forward)
			assert.False(t, res.CountSubmit)
			require.Len(t, res.Replies, 1)
			require.NotNil(t, res.Replies[0].Error)
			assert.Equal(t, stratum.ErrCodeTranslation, res.Replies[0].Error.Code)
		})
	}
}

func TestFromClientGetJob(t *testing.T) {
	for _, method := range []string{stratum.MethodGetJob, stratum.MethodGetJobAlt} {
		t.Run(method, func(t *testing.T) {
			res := FromClient(loggedIn(), stratum.Message{ID: msgID(4), Method: method})

			require.NotNil(t, res.Forward)
			assert.Equal(t, cryptonote.MethodGetJob, res.Forward.Method)
			params, ok := res.Forward.Params.(cryptonote.GetJobParams)
			require.True(t, ok)
			assert.Equal(t, "sess-1", params.ID)
		})
	}
}

func TestFromClientGetJobBeforeLogin(t *testing.T) {
	res := FromClient(Context{}, stratum.Message{ID: msgID(4), Method: stratum.MethodGetJob})

	assert.Nil(t, res.Forward)
	require.Len(t, res.Replies, 1)
	require.NotNil(t, res.Replies[0].Error)
}

func TestFromClientUnknownMethodPassesThrough(t *testing.T) {
	res := FromClient(loggedIn(), stratum.Message{
		ID:     msgID(5),
		Method: "mining.extranonce.subscribe",
	})

	require.NotNil(t, res.Forward)
	assert.Equal(t, "mining.extranonce.subscribe", res.Forward.Method)
	assert.NotEmpty(t, res.Warn)
}

func upstreamLine(t *testing.T, line string) cryptonote.Message {
	t.Helper()
	var msg cryptonote.Message
	require.NoError(t, msg.Unmarshal([]byte(line)))
	return msg
}

func TestFromUpstreamJobNotification(t *testing.T) {
	msg := upstreamLine(t, `{"jsonrpc":"2.0","method":"job","params":{"job_id":"j9","blob":"ab01","target":"`+strings.Repeat("f", 64)+`"}}`)

	res := FromUpstream(loggedIn(), msg, nil, time.Unix(1700000000, 0))

	require.NotNil(t, res.Job)
	assert.Equal(t, "j9", res.Job.JobID)
	assert.Equal(t, uint64(1), res.Difficulty)
	require.NotNil(t, res.Notify)
	assert.Equal(t, stratum.MethodNotify, res.Notify.Method)
	assert.Equal(t, "j9", res.Notify.Params[0])
	assert.False(t, res.Passthrough)
}

func TestFromUpstreamJobDefaults(t *testing.T) {
	msg := upstreamLine(t, `{"method":"job","params":{"job_id":"j9","blob":"ab01"}}`)

	res := FromUpstream(Context{}, msg, nil, time.Now())

	require.NotNil(t, res.Notify)
	assert.Equal(t, "panthera", res.Notify.Params[5], "missing algo falls back to default")
	assert.Equal(t, "ffffffffffffffff", res.Notify.Params[6], "missing target falls back to default")
	assert.Equal(t, uint64(1), res.Difficulty, "unparseable target means difficulty one")
}

func TestFromUpstreamJobStrictTarget(t *testing.T) {
	msg := upstreamLine(t, `{"method":"job","params":{"job_id":"j9","blob":"ab01","target":"zz"}}`)

	res := FromUpstream(Context{StrictTarget: true}, msg, nil, time.Now())

	assert.Nil(t, res.Job, "strict mode drops the bad job")
	assert.Nil(t, res.Notify)
	assert.NotEmpty(t, res.Warn)
	require.Len(t, res.Replies, 1)
	require.NotNil(t, res.Replies[0].Error)
	assert.Equal(t, stratum.ErrCodePool, res.Replies[0].Error.Code)
	assert.Nil(t, res.Replies[0].ID)
}

func TestFromUpstreamLoginSuccess(t *testing.T) {
	msg := upstreamLine(t, `{"id":1,"result":{"id":"sess-9","status":"OK","job":{"job_id":"j1","blob":"ab","target":"`+strings.Repeat("f", 64)+`"}}}`)
	pending := &Pending{Method: cryptonote.MethodLogin, OrigMethod: stratum.MethodSubscribe, OrigID: msgID(1), Sent: time.Now()}

	res := FromUpstream(Context{}, msg, pending, time.Now())

	assert.Equal(t, "sess-9", res.LoginID)
	assert.False(t, res.LoginFailed)

	require.Len(t, res.Replies, 1)
	echo := res.Replies[0]
	assert.Equal(t, int64(1), *echo.ID)
	require.Nil(t, echo.Error)
	result, ok := echo.Result.([]any)
	require.True(t, ok)
	require.Len(t, result, 3)
	assert.Equal(t, "sess-9", result[1])

	// The embedded job becomes the first notify.
	require.NotNil(t, res.Job)
	require.NotNil(t, res.Notify)
	assert.Equal(t, "j1", res.Notify.Params[0])
}

func TestFromUpstreamLoginFailure(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantCode int
		wantMsg  string
	}{
		{
			name:     "pool error object",
			line:     `{"id":1,"result":null,"error":{"code":-32500,"message":"Invalid address"}}`,
			wantCode: -32500,
			wantMsg:  "Invalid address",
		},
		{
			name:     "missing session id",
			line:     `{"id":1,"result":{"status":"OK"}}`,
			wantCode: stratum.ErrCodeTranslation,
			wantMsg:  "Login failed - no session ID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pending := &Pending{Method: cryptonote.MethodLogin, OrigID: msgID(1), Sent: time.Now()}
			res := FromUpstream(Context{}, upstreamLine(t, tt.line), pending, time.Now())

			assert.True(t, res.LoginFailed)
			assert.Empty(t, res.LoginID)
			require.Len(t, res.Replies, 1)
			require.NotNil(t, res.Replies[0].Error)
			assert.Equal(t, tt.wantCode, res.Replies[0].Error.Code)
			assert.Equal(t, tt.wantMsg, res.Replies[0].Error.Message)
		})
	}
}

func TestFromUpstreamSubmitAccepted(t *testing.T) {
	pending := &Pending{Method: cryptonote.MethodSubmit, OrigID: msgID(7), Sent: time.Now()}
	res := FromUpstream(loggedIn(), upstreamLine(t, `{"id":2,"result":{"status":"OK"}}`), pending, time.Now())

	assert.True(t, res.ShareAccepted)
	assert.False(t, res.ShareRejected)
	require.Len(t, res.Replies, 1)
	assert.Equal(t, int64(7), *res.Replies[0].ID)
	assert.Equal(t, true, res.Replies[0].Result)
	assert.Nil(t, res.Replies[0].Error)
}

func TestFromUpstreamSubmitRejected(t *testing.T) {
	pending := &Pending{Method: cryptonote.MethodSubmit, OrigID: msgID(7), Sent: time.Now()}
	res := FromUpstream(loggedIn(), upstreamLine(t, `{"id":2,"result":null,"error":{"code":-1,"message":"Low difficulty share"}}`), pending, time.Now())

	assert.True(t, res.ShareRejected)
	assert.False(t, res.ShareAccepted)
	require.Len(t, res.Replies, 1)
	require.NotNil(t, res.Replies[0].Error)
	assert.Equal(t, "Low difficulty share", res.Replies[0].Error.Message)
}

func TestFromUpstreamGetJobResponse(t *testing.T) {
	pending := &Pending{Method: cryptonote.MethodGetJob, Sent: time.Now()}
	res := FromUpstream(loggedIn(), upstreamLine(t, `{"id":3,"result":{"job_id":"j5","blob":"cd","target":"`+strings.Repeat("f", 64)+`"}}`), pending, time.Now())

	require.NotNil(t, res.Job)
	assert.Equal(t, "j5", res.Job.JobID)
	require.NotNil(t, res.Notify)
}

func TestFromUpstreamKeepaliveSwallowed(t *testing.T) {
	pending := &Pending{Method: cryptonote.MethodGetJob, Sent: time.Now()}
	res := FromUpstream(loggedIn(), upstreamLine(t, `{"id":3,"result":{"status":"KEEPALIVED"}}`), pending, time.Now())

	assert.Nil(t, res.Job)
	assert.Nil(t, res.Notify)
	assert.Empty(t, res.Replies)
	assert.False(t, res.Passthrough)
}

func TestFromUpstreamGenericResponse(t *testing.T) {
	pending := &Pending{Method: "custom_call", OrigID: msgID(9), Sent: time.Now()}
	res := FromUpstream(loggedIn(), upstreamLine(t, `{"id":4,"result":{"foo":"bar"}}`), pending, time.Now())

	require.Len(t, res.Replies, 1)
	assert.Equal(t, int64(9), *res.Replies[0].ID)
	raw, ok := res.Replies[0].Result.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"foo":"bar"}`, string(raw))
}

func TestFromUpstreamUnsolicitedError(t *testing.T) {
	res := FromUpstream(loggedIn(), upstreamLine(t, `{"id":99,"error":{"code":-5,"message":"banned"}}`), nil, time.Now())

	require.Len(t, res.Replies, 1)
	require.NotNil(t, res.Replies[0].Error)
	assert.Equal(t, -5, res.Replies[0].Error.Code)
	assert.NotEmpty(t, res.Warn)
}

func TestFromUpstreamUnknownNotificationPassesThrough(t *testing.T) {
	res := FromUpstream(loggedIn(), upstreamLine(t, `{"method":"pool_notice","params":{"text":"maintenance"}}`), nil, time.Now())

	assert.True(t, res.Passthrough)
	assert.Empty(t, res.Replies)
}

func TestSplitWorker(t *testing.T) {
	tests := []struct {
		address    string
		wantWallet string
		wantWorker string
	}{
		{"wallet.rig", "wallet", "rig"},
		{"wallet", "wallet", DefaultWorker},
		{"wallet.", "wallet", DefaultWorker},
		{"wallet.rig.gpu0", "wallet", "rig.gpu0"},
	}
	for _, tt := range tests {
		wallet, worker := SplitWorker(tt.address)
		assert.Equal(t, tt.wantWallet, wallet, tt.address)
		assert.Equal(t, tt.wantWorker, worker, tt.address)
	}
}
