// Package session holds the stateful unit of the relay: one browser miner on
// the WebSocket leg, one pool connection on the TCP leg, and the translation
// state binding them together.
package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webxla/cnrelay/internal/backoff"
	"github.com/webxla/cnrelay/internal/config"
	"github.com/webxla/cnrelay/internal/cryptonote"
	"github.com/webxla/cnrelay/internal/jsonx"
	"github.com/webxla/cnrelay/internal/metrics"
	"github.com/webxla/cnrelay/internal/stratum"
	"github.com/webxla/cnrelay/internal/translate"
	"github.com/webxla/cnrelay/pkg/logger"
)

const (
	writeTimeout   = 10 * time.Second
	tcpKeepAlive   = 30 * time.Second
	statusProtocol = "cryptonote"
)

// ClientConn is the subset of *websocket.Conn the session writes to. Tests
// substitute a recording fake.
type ClientConn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens the upstream pool leg.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config tunes one session's upstream leg.
type Config struct {
	Agent             string
	StrictTarget      bool
	KeepaliveInterval time.Duration
	ReadIdleTimeout   time.Duration
	Backoff           backoff.Config
}

// Session is one client connection and its supervised pool leg. All protocol
// state is guarded by mu; the client write path is serialized by wsMu.
type Session struct {
	id         int64
	poolKey    string
	pool       config.PoolDescriptor
	clientAddr string
	cfg        Config

	client  ClientConn
	dialer  Dialer
	mx      *metrics.Collector
	onClose func(*Session)

	ctx    context.Context
	cancel context.CancelFunc
	sched  *backoff.Scheduler

	mu            sync.Mutex
	state         State
	stateSince    time.Time
	up            net.Conn // nil unless the pool leg is live
	upGen         int      // invalidates read loops of replaced legs
	loginID       string
	wallet        string
	worker        string
	currentJob    *cryptonote.Job
	difficulty    uint64
	reqID         int64
	pending       map[int64]translate.Pending
	queue         []*cryptonote.Request
	keepaliveStop chan struct{}

	wsMu sync.Mutex

	lastActivity atomic.Int64 // unix millis
	closed       atomic.Bool

	submitted atomic.Uint64
	accepted  atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a session for an accepted client connection. onClose runs
// exactly once, after teardown, and is where the registry removes the session.
func New(id int64, poolKey string, pool config.PoolDescriptor, client ClientConn, clientAddr string,
	dialer Dialer, cfg Config, mx *metrics.Collector, onClose func(*Session)) *Session {

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		poolKey:    poolKey,
		pool:       pool,
		clientAddr: clientAddr,
		cfg:        cfg,
		client:     client,
		dialer:     dialer,
		mx:         mx,
		onClose:    onClose,
		ctx:        ctx,
		cancel:     cancel,
		sched:      backoff.NewScheduler(cfg.Backoff),
		state:      StateInitializing,
		stateSince: time.Now(),
		pending:    make(map[int64]translate.Pending),
	}
	s.touch()
	return s
}

// Start announces the session to the client and opens the pool leg.
func (s *Session) Start() {
	s.sendStatus(stratum.Status{
		Status:    "initializing",
		Pool:      s.poolKey,
		Host:      s.pool.Host,
		Port:      s.pool.Port,
		Algorithm: s.pool.Algorithm,
		Protocol:  statusProtocol,
	})
	go s.connect(false)
}

func (s *Session) connect(isReconnect bool) {
	if s.closed.Load() {
		return
	}
	if isReconnect {
		s.mx.UpstreamReconnect()
		logger.Info("session %d: reconnect attempt %d to pool %s", s.id, s.sched.Attempts(), s.poolKey)
	}

	s.setState(StateConnecting)
	s.sendStatus(stratum.Status{
		Status:   "connecting",
		Pool:     s.poolKey,
		Host:     s.pool.Host,
		Port:     s.pool.Port,
		Attempt:  s.sched.Attempts(),
		Protocol: statusProtocol,
	})

	conn, err := s.dialer.DialContext(s.ctx, "tcp", s.pool.Addr())
	if err != nil {
		logger.Error("session %d: pool dial %s: %v", s.id, s.pool.Addr(), err)
		s.setState(StateError)
		s.sendStatus(stratum.Status{Status: "error", Pool: s.poolKey, Error: err.Error()})
		s.setState(StateDisconnected)
		s.scheduleReconnect()
		return
	}
	if s.closed.Load() {
		_ = conn.Close()
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(tcpKeepAlive)
	}

	s.mu.Lock()
	s.upGen++
	gen := s.upGen
	s.setStateLocked(StateConnected)
	s.mu.Unlock()
	s.sched.Reset()

	logger.Info("session %d: connected to pool %s (%s)", s.id, s.poolKey, s.pool.Addr())
	s.sendStatus(stratum.Status{
		Status:    "connected",
		Pool:      s.poolKey,
		Host:      s.pool.Host,
		Port:      s.pool.Port,
		Algorithm: s.pool.Algorithm,
		Protocol:  statusProtocol,
	})

	// A failed flush leaves the conn closed; readUpstream exits at once
	// and the disconnect path retries the remainder.
	s.flushQueue(conn)
	s.startKeepalive()
	go s.readUpstream(conn, gen)
}

// HandleClientMessage translates and routes one frame from the client leg.
func (s *Session) HandleClientMessage(data []byte) {
	s.touch()

	var msg stratum.Message
	if err := msg.Unmarshal(data); err != nil {
		logger.Error("session %d: bad client frame: %v", s.id, err)
		s.sendClient(stratum.NewErrorResponse(nil, stratum.ErrCodeTranslation, "Invalid JSON: "+err.Error()))
		return
	}

	res := translate.FromClient(s.translateCtx(), msg)
	if res.Warn != "" {
		logger.Info("session %d: %s", s.id, res.Warn)
	}
	for _, r := range res.Replies {
		s.sendClient(r)
	}
	if res.Forward == nil {
		return
	}

	s.mu.Lock()
	if res.Wallet != "" {
		s.wallet = res.Wallet
		s.worker = res.Worker
	}
	s.reqID++
	res.Forward.ID = s.reqID
	s.pending[s.reqID] = translate.Pending{
		Method:     res.Forward.Method,
		OrigMethod: msg.Method,
		OrigID:     stratum.CopyID(msg.ID),
		Sent:       time.Now(),
	}
	conn := s.up
	// Earlier requests still waiting in the queue must reach the pool
	// first, so new forwards join the queue until it drains.
	if conn == nil || len(s.queue) > 0 {
		s.queue = append(s.queue, res.Forward)
		qlen := len(s.queue)
		s.mu.Unlock()
		if res.CountSubmit {
			s.countSubmit()
		}
		logger.Info("session %d: pool leg not ready, queued %s (%d waiting)", s.id, res.Forward.Method, qlen)
		s.sendStatus(stratum.Status{
			Status:    "queued",
			Message:   "Queued message: " + res.Forward.Method,
			QueueSize: qlen,
		})
		return
	}
	s.mu.Unlock()

	if res.CountSubmit {
		s.countSubmit()
	}
	if err := s.writeUpstream(conn, res.Forward); err != nil {
		s.mu.Lock()
		delete(s.pending, res.Forward.ID)
		s.mu.Unlock()
		s.sendClient(stratum.NewErrorResponse(msg.ID, stratum.ErrCodeSend, "Failed to forward message to pool"))
		return
	}
	s.noteSent(res.Forward)
}

func (s *Session) countSubmit() {
	s.submitted.Add(1)
	s.mx.ShareSubmitted()
}

// noteSent applies the state transition tied to a request actually reaching
// the wire: the first login moves the session toward logging_in.
func (s *Session) noteSent(req *cryptonote.Request) {
	if req.Method != cryptonote.MethodLogin {
		return
	}
	s.mu.Lock()
	if s.state == StateConnected {
		s.setStateLocked(StateLoggingIn)
	}
	s.mu.Unlock()
}

// flushQueue drains requests queued during an outage, in enqueue order,
// then publishes conn as the live pool leg. Direct sends only start once
// the queue is empty, so nothing overtakes a queued request. Returns
// false when a write failed; the conn is closed by then and the read
// loop drives recovery.
func (s *Session) flushQueue(conn net.Conn) bool {
	for {
		s.mu.Lock()
		q := s.queue
		if len(q) == 0 {
			s.up = conn
			s.mu.Unlock()
			return true
		}
		s.queue = nil
		s.mu.Unlock()

		logger.Info("session %d: flushing %d queued messages to pool", s.id, len(q))
		for i, req := range q {
			if err := s.writeUpstream(conn, req); err != nil {
				// The undelivered tail goes back ahead of anything
				// queued since the drain started; the next reconnect
				// retries it.
				s.mu.Lock()
				rest := make([]*cryptonote.Request, 0, len(q)-i+len(s.queue))
				rest = append(rest, q[i:]...)
				rest = append(rest, s.queue...)
				s.queue = rest
				qlen := len(s.queue)
				s.mu.Unlock()
				logger.Info("session %d: flush interrupted, %d messages re-queued", s.id, qlen)
				return false
			}
			s.noteSent(req)
		}
	}
}

func (s *Session) writeUpstream(conn net.Conn, req *cryptonote.Request) error {
	data, err := req.Marshal()
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(data); err != nil {
		logger.Error("session %d: pool write: %v", s.id, err)
		// A failed send means the leg is gone; the read loop drives recovery.
		_ = conn.Close()
		return err
	}
	logger.Debug("session %d: -> pool %s", s.id, req.Method)
	return nil
}

func (s *Session) readUpstream(conn net.Conn, gen int) {
	r := bufio.NewReader(conn)
	var readErr error
	for {
		// The idle deadline guards the handshake; once logged in the
		// keepalive traffic covers liveness.
		if s.cfg.ReadIdleTimeout > 0 && s.State() != StateLoggedIn {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadIdleTimeout))
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}

		line, err := r.ReadString('\n')
		if err != nil {
			readErr = err
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.touch()
		s.handleUpstreamLine(line)
		if s.closed.Load() {
			return
		}
	}
	s.upstreamDown(conn, gen, readErr)
}

func (s *Session) handleUpstreamLine(line string) {
	var msg cryptonote.Message
	if err := msg.Unmarshal([]byte(line)); err != nil {
		logger.Error("session %d: bad pool line: %v (%q)", s.id, err, line)
		return
	}

	// One-shot correlation: the entry is removed the moment its response
	// arrives, matched or not.
	var pending *translate.Pending
	if msg.ID != nil {
		s.mu.Lock()
		if p, ok := s.pending[*msg.ID]; ok {
			delete(s.pending, *msg.ID)
			pending = &p
		}
		s.mu.Unlock()
	}

	res := translate.FromUpstream(s.translateCtx(), msg, pending, time.Now())
	if res.Warn != "" {
		logger.Info("session %d: %s", s.id, res.Warn)
	}

	if res.Job != nil {
		s.mu.Lock()
		s.currentJob = res.Job
		s.difficulty = res.Difficulty
		s.mu.Unlock()
		s.mx.JobReceived(time.Now())
		logger.Debug("session %d: job %s target=%s diff=%d", s.id, res.Job.JobID, res.Job.Target, res.Difficulty)
	}
	if res.LoginID != "" {
		s.mu.Lock()
		s.loginID = res.LoginID
		s.setStateLocked(StateLoggedIn)
		s.mu.Unlock()
		logger.Info("session %d: logged in to pool %s, session id %s", s.id, s.poolKey, res.LoginID)
	}
	if res.LoginFailed {
		s.setState(StateError)
		logger.Error("session %d: pool login failed", s.id)
	}

	for _, r := range res.Replies {
		s.sendClient(r)
	}
	if res.Notify != nil {
		s.sendClient(res.Notify)
	}
	if res.Passthrough {
		s.sendClientRaw([]byte(line))
	}

	if res.ShareAccepted {
		s.accepted.Add(1)
		s.mx.ShareAccepted()
		logger.Info("session %d: share accepted (%d/%d)", s.id, s.accepted.Load(), s.submitted.Load())
	}
	if res.ShareRejected {
		s.rejected.Add(1)
		s.mx.ShareRejected()
		logger.Info("session %d: share rejected (%d/%d)", s.id, s.rejected.Load(), s.submitted.Load())
	}
}

func (s *Session) upstreamDown(conn net.Conn, gen int, err error) {
	_ = conn.Close()
	if s.closed.Load() {
		return
	}

	s.mu.Lock()
	if gen != s.upGen {
		// A newer leg replaced this one; nothing to do.
		s.mu.Unlock()
		return
	}
	s.up = nil
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	s.stopKeepalive()
	if err != nil && !isNetClosed(err) {
		logger.Error("session %d: pool leg down: %v", s.id, err)
	} else {
		logger.Info("session %d: pool leg closed", s.id)
	}
	s.sendStatus(stratum.Status{Status: "disconnected", Pool: s.poolKey, Reason: "Pool connection closed"})
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	if s.closed.Load() {
		return
	}
	delay, ok := s.sched.Schedule(func() { s.connect(true) })
	if !ok {
		logger.Error("session %d: max reconnection attempts reached", s.id)
		s.Close("max reconnection attempts reached")
		return
	}
	logger.Info("session %d: reconnecting to pool %s in %s", s.id, s.poolKey, delay.Round(time.Millisecond))
}

// ForceReconnect tears down the current pool leg so the normal disconnect
// path re-establishes it. The heartbeat sweep uses it for stuck sessions.
func (s *Session) ForceReconnect() {
	s.mu.Lock()
	conn := s.up
	s.mu.Unlock()
	if conn != nil {
		logger.Info("session %d: forcing pool reconnect", s.id)
		_ = conn.Close()
	}
}

func (s *Session) startKeepalive() {
	if s.cfg.KeepaliveInterval <= 0 {
		return
	}
	s.mu.Lock()
	if s.keepaliveStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.keepaliveStop = stop
	s.mu.Unlock()

	go func() {
		t := time.NewTicker(s.cfg.KeepaliveInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.keepalive()
			}
		}
	}()
}

func (s *Session) stopKeepalive() {
	s.mu.Lock()
	if s.keepaliveStop != nil {
		close(s.keepaliveStop)
		s.keepaliveStop = nil
	}
	s.mu.Unlock()
}

// keepalive issues a relay-initiated getjob so the far end does not idle the
// TCP leg out. Responses without a job are swallowed by translation.
func (s *Session) keepalive() {
	s.mu.Lock()
	if s.state != StateLoggedIn || s.up == nil {
		s.mu.Unlock()
		return
	}
	s.reqID++
	req := &cryptonote.Request{
		ID:     s.reqID,
		Method: cryptonote.MethodGetJob,
		Params: cryptonote.GetJobParams{ID: s.loginID},
	}
	s.pending[s.reqID] = translate.Pending{Method: cryptonote.MethodGetJob, Sent: time.Now()}
	conn := s.up
	s.mu.Unlock()

	logger.Debug("session %d: keepalive", s.id)
	_ = s.writeUpstream(conn, req)
}

// Ping sends a transport-level ping on the client leg.
func (s *Session) Ping() error {
	return s.client.WriteControl(websocket.PingMessage, []byte("heartbeat"), time.Now().Add(writeTimeout))
}

// ExpirePending drops correlation entries older than ttl and returns how many
// were removed. The heartbeat sweep calls this to bound the map when upstream
// responses never arrive.
func (s *Session) ExpirePending(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.pending {
		if p.Sent.Before(cutoff) {
			delete(s.pending, id)
			n++
		}
	}
	return n
}

// Close tears the session down. It is idempotent: whichever event fires
// first (client close, pool fatal error, heartbeat eviction) wins, later
// calls return immediately.
func (s *Session) Close(reason string) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	logger.Info("session %d: closed: %s (shares %d submitted, %d accepted, %d rejected)",
		s.id, reason, s.submitted.Load(), s.accepted.Load(), s.rejected.Load())

	s.cancel()
	s.sched.Cancel()
	s.stopKeepalive()

	s.mu.Lock()
	conn := s.up
	s.up = nil
	s.pending = make(map[int64]translate.Pending)
	s.queue = nil
	s.setStateLocked(StateClosed)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	_ = s.client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeTimeout))
	_ = s.client.Close()

	if s.onClose != nil {
		s.onClose(s)
	}
}

func (s *Session) translateCtx() translate.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return translate.Context{
		LoginID:      s.loginID,
		Agent:        s.cfg.Agent,
		Algo:         s.pool.Algorithm,
		StrictTarget: s.cfg.StrictTarget,
	}
}

func (s *Session) sendClient(v any) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		logger.Error("session %d: marshal client message: %v", s.id, err)
		return
	}
	s.sendClientRaw(data)
}

func (s *Session) sendClientRaw(data []byte) {
	s.wsMu.Lock()
	err := s.client.WriteMessage(websocket.TextMessage, data)
	s.wsMu.Unlock()
	if err != nil && !s.closed.Load() {
		logger.Error("session %d: client write: %v", s.id, err)
		s.Close("client write failed")
	}
}

func (s *Session) sendStatus(st stratum.Status) {
	st.Type = "proxy_status"
	s.sendClient(st)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.setStateLocked(st)
	s.mu.Unlock()
}

func (s *Session) setStateLocked(st State) {
	if s.state == StateClosed {
		return
	}
	s.state = st
	s.stateSince = time.Now()
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixMilli())
}

// ID returns the process-lifetime connection id.
func (s *Session) ID() int64 { return s.id }

// PoolKey returns the pool selection key from the client handshake.
func (s *Session) PoolKey() string { return s.poolKey }

// ClientAddr returns the client network address.
func (s *Session) ClientAddr() string { return s.clientAddr }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StateAge returns how long the session has been in its current state.
func (s *Session) StateAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.stateSince)
}

// LastActivity returns the time of the last inbound event on either leg.
func (s *Session) LastActivity() time.Time {
	return time.UnixMilli(s.lastActivity.Load())
}

// Counters returns the share counters: submitted, accepted, rejected.
func (s *Session) Counters() (uint64, uint64, uint64) {
	return s.submitted.Load(), s.accepted.Load(), s.rejected.Load()
}

// LoginID returns the upstream session id, empty unless logged in.
func (s *Session) LoginID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginID
}

// CurrentJob returns the latest job and its difficulty annotation.
func (s *Session) CurrentJob() (*cryptonote.Job, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentJob, s.difficulty
}

// Worker returns the wallet and worker split out of the subscribe handshake.
func (s *Session) Worker() (wallet, worker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallet, s.worker
}

// PendingCount returns the current size of the correlation map.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func isNetClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET)
}
