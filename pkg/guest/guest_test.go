package guest

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zeon-infra/vm-refiller/pkg/domain"
)

func listenAndClose(t *testing.T, delay time.Duration) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		time.Sleep(delay)
		conn.Close()
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestBootstrapSucceedsWhenPeerCloses(t *testing.T) {
	addr := listenAndClose(t, 10*time.Millisecond)
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	p := New(Config{BootstrapPort: port, DialTimeout: time.Second}, logrus.NewEntry(logrus.New()))
	if err := p.Bootstrap(context.Background(), host); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestBootstrapDialTimeoutIsInstallTimeout(t *testing.T) {
	p := New(Config{BootstrapPort: 1, DialTimeout: 5 * time.Millisecond}, logrus.NewEntry(logrus.New()))
	err := p.Bootstrap(context.Background(), "192.0.2.1") // TEST-NET-1, non-routable
	if err != domain.ErrInstallTimeout {
		t.Fatalf("expected ErrInstallTimeout, got %v", err)
	}
}
