// Package server exposes the WebSocket endpoint clients mine against plus the
// HTTP status, health, and metrics surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/webxla/cnrelay/internal/config"
	"github.com/webxla/cnrelay/internal/jsonx"
	"github.com/webxla/cnrelay/internal/metrics"
	"github.com/webxla/cnrelay/internal/registry"
	"github.com/webxla/cnrelay/internal/session"
	"github.com/webxla/cnrelay/pkg/logger"
)

// Browser miners connect from arbitrary origins.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires the client-facing endpoints to the session machinery.
type Server struct {
	cfg        *config.Config
	reg        *registry.Registry
	mx         *metrics.Collector
	dialer     session.Dialer
	instanceID string
	started    time.Time
	version    string
}

// New creates a server. dialer is shared by every session's pool leg.
func New(cfg *config.Config, reg *registry.Registry, mx *metrics.Collector, dialer session.Dialer, version string) *Server {
	return &Server{
		cfg:        cfg,
		reg:        reg,
		mx:         mx,
		dialer:     dialer,
		instanceID: uuid.New().String(),
		started:    time.Now(),
		version:    version,
	}
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", s.HandleWS)

	srv := &http.Server{Addr: s.cfg.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info("listening on %s (default pool %s)", s.cfg.Listen, s.cfg.DefaultPool)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// HandleWS upgrades a client connection and runs its read loop. The pool is
// chosen with the ?pool= query parameter, falling back to the default.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("pool")
	if key == "" {
		key = s.cfg.DefaultPool
	}
	pool, known := s.cfg.Pools[key]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("ws upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	if !known {
		logger.Info("rejecting %s: unknown pool %q", r.RemoteAddr, key)
		msg := fmt.Sprintf("unknown pool %q, available: %v", key, s.cfg.PoolKeys())
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg),
			time.Now().Add(5*time.Second))
		_ = conn.Close()
		return
	}

	id := s.reg.NextID()
	sess := session.New(id, key, pool, conn, r.RemoteAddr, s.dialer, session.Config{
		Agent:             s.cfg.Agent,
		StrictTarget:      s.cfg.StrictTarget,
		KeepaliveInterval: s.cfg.Upstream.KeepaliveInterval,
		ReadIdleTimeout:   s.cfg.Upstream.ReadIdleTimeout,
		Backoff:           s.cfg.Upstream.BackoffConfig(),
	}, s.mx, func(closed *session.Session) {
		s.reg.Remove(closed.ID())
		s.mx.SessionClosed()
	})

	s.reg.Add(sess)
	s.mx.SessionOpened()
	logger.Info("session %d: client %s connected, pool %s (%s)", id, r.RemoteAddr, key, pool.Addr())
	sess.Start()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				logger.Debug("session %d: client read: %v", id, err)
			}
			break
		}
		sess.HandleClientMessage(data)
	}
	sess.Close("client disconnected")
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.reg.Stats()
	out := map[string]any{
		"instance":       s.instanceID,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"default_pool":   s.cfg.DefaultPool,
		"pools":          s.cfg.PoolKeys(),
		"sessions":       st.Sessions,
		"sessions_total": s.mx.SessionsTotal.Load(),
		"by_state":       st.ByState,
		"by_pool":        st.ByPool,
		"shares":         st.Shares,
		"reconnects":     s.mx.UpstreamReconnects.Load(),
		"last_job_unix":  s.mx.LastJobUnix.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	data, err := jsonx.Marshal(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}

// ReportLoop logs a periodic share summary across all sessions.
func (s *Server) ReportLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	start := time.Now()
	var lastSub, lastAcc, lastRej uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sub := s.mx.SharesSubmitted.Load()
			acc := s.mx.SharesAccepted.Load()
			rej := s.mx.SharesRejected.Load()
			var accPct float64
			if done := acc + rej; done > 0 {
				accPct = float64(acc) / float64(done) * 100
			}
			logger.Info("report uptime=%s sessions=%d | shares %d submitted, +%d | accepted %d (+%d, %.1f%%) | rejected %d (+%d)",
				time.Since(start).Round(time.Second), s.reg.Len(),
				sub, sub-lastSub, acc, acc-lastAcc, accPct, rej, rej-lastRej)
			lastSub, lastAcc, lastRej = sub, acc, rej
		}
	}
}
