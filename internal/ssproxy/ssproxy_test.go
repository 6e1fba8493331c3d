package ssproxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/postalsys/nerite/internal/aead"
	"github.com/postalsys/nerite/internal/rawproxy"
	"github.com/postalsys/nerite/internal/socksaddr"
)

func TestServerTunnelsToEchoBackend(t *testing.T) {
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
	cfg.Password = "correct horse battery staple"
	s := NewServer(cfg)
	if err := s.Start(context.Background(), rawproxy.NewActiveConnector()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	echoAddr := echoListener.Addr().(*net.TCPAddr)
	dest := socksaddr.NewIP(echoAddr.IP, uint16(echoAddr.Port))

	connector := NewActiveConnector(s.Address().String(), cfg.Kind, cfg.Password)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, w, err := connector.Open(ctx, dest)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	payload := []byte("over the shadowsocks tunnel")
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

func TestServerRejectsWrongPassword(t *testing.T) {
	echoListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	defer echoListener.Close()
	go func() {
		conn, err := echoListener.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Password = "right password"
	cfg.Kind = aead.AES256GCM
	s := NewServer(cfg)
	if err := s.Start(context.Background(), rawproxy.NewActiveConnector()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	echoAddr := echoListener.Addr().(*net.TCPAddr)
	dest := socksaddr.NewIP(echoAddr.IP, uint16(echoAddr.Port))

	connector := NewActiveConnector(s.Address().String(), cfg.Kind, "wrong password")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	r, w, err := connector.Open(ctx, dest)
	if err != nil {
		// Acceptable: failure surfaced at dial time.
		return
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		return
	}
	buf := make([]byte, 16)
	if _, err := r.Read(buf); err == nil {
		t.Fatal("expected decrypt failure with the wrong password")
	}
}
