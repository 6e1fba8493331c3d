package socks5

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/postalsys/nerite/internal/rawproxy"
	"github.com/postalsys/nerite/internal/socksaddr"
)

func TestActiveConnectorTunnelsThroughServer(t *testing.T) {
	echoListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	defer echoListener.Close()
	go func() {
		for {
			conn, err := echoListener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	s := NewServer(cfg)
	if err := s.Start(context.Background(), rawproxy.NewActiveConnector()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	echoAddr := echoListener.Addr().(*net.TCPAddr)
	dest := socksaddr.NewIP(echoAddr.IP, uint16(echoAddr.Port))

	connector := NewActiveConnector(s.Address().String())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, w, err := connector.Open(ctx, dest)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	payload := []byte("tunnel this")
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestActiveConnectorRefusedByUpstream(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	s := NewServer(cfg)
	// No listener behind the proxy: rawproxy dial will fail, server replies
	// with a non-success code.
	if err := s.Start(context.Background(), rawproxy.NewActiveConnector()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	unreachable, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := unreachable.Addr().(*net.TCPAddr)
	unreachable.Close() // nothing is listening now

	dest := socksaddr.NewIP(addr.IP, uint16(addr.Port))
	connector := NewActiveConnector(s.Address().String())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, _, err := connector.Open(ctx, dest); err == nil {
		t.Fatal("expected an error dialing an unreachable destination")
	}
}
