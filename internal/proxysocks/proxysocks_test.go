package proxysocks

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func TestNewDialerDisabled(t *testing.T) {
	d, err := NewDialer(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	if d.Enabled() {
		t.Error("dialer should report disabled")
	}
}

func TestNewDialerEnabledRequiresEndpoint(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing host", cfg: Config{Enabled: true, Port: 1080}},
		{name: "missing port", cfg: Config{Enabled: true, Host: "127.0.0.1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDialer(tt.cfg); err == nil {
				t.Error("expected configuration error")
			}
		})
	}
}

func TestNewDialerSocks5(t *testing.T) {
	d, err := NewDialer(Config{
		Enabled:  true,
		Host:     "127.0.0.1",
		Port:     1080,
		Username: "user",
		Password: "pass",
	})
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	if !d.Enabled() {
		t.Error("dialer should report enabled")
	}
}

func TestDialContextDirect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("hello\n"))
		_ = conn.Close()
	}()

	d, err := NewDialer(Config{})
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("DialContext failed: %v", err)
	}
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != "hello" {
		t.Errorf("read %q, want hello", line)
	}
}

func TestDialContextCancelled(t *testing.T) {
	d, err := NewDialer(Config{})
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// An unroutable address; cancellation must win before any timeout.
	if _, err := d.DialContext(ctx, "tcp", "10.255.255.1:3333"); err == nil {
		t.Fatal("expected error from cancelled dial")
	}
}
