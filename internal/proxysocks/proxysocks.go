// Package proxysocks dials the upstream pool leg, either directly or through
// a SOCKS5 tunnel when the relay operator fronts pool traffic with one.
package proxysocks

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

const dialTimeout = 10 * time.Second

// Config holds SOCKS tunnel configuration for the pool leg.
type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Dialer opens TCP connections to pools, through the configured tunnel when
// one is enabled.
type Dialer struct {
	cfg    Config
	dialer proxy.Dialer
}

// NewDialer builds a pool dialer from cfg. With the tunnel disabled it
// degrades to a plain net.Dialer with a bounded timeout.
func NewDialer(cfg Config) (*Dialer, error) {
	if !cfg.Enabled {
		return &Dialer{cfg: cfg, dialer: &net.Dialer{Timeout: dialTimeout}}, nil
	}

	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("socks host and port are required when the tunnel is enabled")
	}

	u := &url.URL{
		Scheme: "socks5",
		Host:   net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}

	d, err := proxy.FromURL(u, &net.Dialer{Timeout: dialTimeout})
	if err != nil {
		return nil, fmt.Errorf("building socks dialer: %w", err)
	}
	return &Dialer{cfg: cfg, dialer: d}, nil
}

// DialContext opens a connection to address honoring ctx cancellation.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if cd, ok := d.dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, address)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := d.dialer.Dial(network, address)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Enabled reports whether pool traffic goes through the tunnel.
func (d *Dialer) Enabled() bool {
	return d.cfg.Enabled
}
