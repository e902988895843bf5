package transport

import (
	"context"
	"net"
	"testing"

	"golang.org/x/net/nettest"
)

// loopbackPair dials a real TCP loopback connection through
// nettest.NewLocalListener, the ecosystem-standard way to get a live
// net.Conn pair in tests rather than hand-rolling one.
func loopbackPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("nettest.NewLocalListener: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	serverCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			serverCh <- c
		}
	}()

	client, err = net.Dial(ln.Addr().Network(), ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	server = <-serverCh
	t.Cleanup(func() { server.Close() })
	return client, server
}

func TestStreamRoundTrip(t *testing.T) {
	c1, c2 := loopbackPair(t)
	client := NewStream(c1, nil)

	echoDone := make(chan struct{})
	go func() {
		defer close(echoDone)
		buf := make([]byte, 4)
		if err := readFull(c2, buf); err != nil {
			return
		}
		// Echo back a well-formed 16-byte OutHeader-shaped reply.
		reply := []byte{16, 0, 0, 0, 0, 0, 0, 0, 7, 0, 0, 0, 0, 0, 0, 0}
		c2.Write(reply)
	}()

	reply, err := client.RoundTrip(context.Background(), []byte{16, 0, 0, 0, 26, 0, 0, 0})
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if len(reply) != 16 {
		t.Fatalf("expected 16-byte reply, got %d", len(reply))
	}
	<-echoDone
}

func TestStreamShortReadAtEOF(t *testing.T) {
	c1, c2 := loopbackPair(t)
	client := NewStream(c1, nil)

	go func() {
		buf := make([]byte, 4)
		readFull(c2, buf)
		c2.Write([]byte{1, 2}) // only half of the 4-byte length prefix, then close
		c2.Close()
	}()

	if _, err := client.RoundTrip(context.Background(), []byte{16, 0, 0, 0}); err == nil {
		t.Fatalf("expected an unexpected-EOF error on short reply")
	}
}
