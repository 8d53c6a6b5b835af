package relay

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

func TestHTTPChannelRewritesKeepAliveRequestLine(t *testing.T) {
	clientSide, clientRemote := net.Pipe()
	remoteSide, remoteRemote := net.Pipe()

	ch := NewHTTP(clientRemote, remoteRemote, Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	go func() {
		clientSide.Write([]byte("GET http://example.com/index.html HTTP/1.1\r\nHost: example.com\r\nProxy-Connection: keep-alive\r\n\r\n"))
	}()

	r := bufio.NewReader(remoteSide)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read rewritten request line: %v", err)
	}
	if line != "GET /index.html HTTP/1.1\r\n" {
		t.Fatalf("unexpected rewritten request line: %q", line)
	}
	host, err := r.ReadString('\n')
	if err != nil || host != "Host: example.com\r\n" {
		t.Fatalf("unexpected header line: %q err=%v", host, err)
	}
	blank, err := r.ReadString('\n')
	if err != nil || blank != "\r\n" {
		t.Fatalf("expected blank terminator, got %q err=%v", blank, err)
	}

	clientSide.Close()
	remoteSide.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
