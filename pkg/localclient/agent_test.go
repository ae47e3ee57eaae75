package localclient

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pg9182/pb-mapper/internal/netutil"
	"github.com/pg9182/pb-mapper/pkg/localserver"
	"github.com/pg9182/pb-mapper/pkg/rendezvous"
	"github.com/pg9182/pb-mapper/pkg/wire"
	"github.com/rs/zerolog"
)

func rawEchoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()
	return ln
}

// TestEndToEndTunnel wires a real rendezvous, a real localserver.Agent
// fronting a raw echo service, and a real localclient.Agent exposing a
// local listener, then drives spec.md E1 (plain TCP echo) against the
// exposed listener.
func TestEndToEndTunnel(t *testing.T) {
	echoLn := rawEchoListener(t)
	defer echoLn.Close()

	srv := rendezvous.NewServer(zerolog.Nop())
	rendezvousLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer rendezvousLn.Close()
	go srv.Serve(rendezvousLn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := &localserver.Agent{
		Log:        zerolog.Nop(),
		Key:        "tunnel",
		RemoteAddr: rendezvousLn.Addr().String(),
		LocalAddr:  echoLn.Addr().String(),
		Provider:   netutil.TCPProvider{},
	}
	go server.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	userLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	userLn.Close() // just reserving a free port string; re-listen below via the client agent

	client := &Agent{
		Log:        zerolog.Nop(),
		Key:        "tunnel",
		RemoteAddr: rendezvousLn.Addr().String(),
		ListenAddr: userLn.Addr().String(),
		Provider:   netutil.TCPProvider{},
	}
	go client.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	conn, err := net.Dial("tcp", userLn.Addr().String())
	if err != nil {
		t.Fatalf("dial local listener: %v", err)
	}
	defer conn.Close()

	codec := wire.NewCodec(nil)
	if err := codec.WriteMessage(conn, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	got, err := codec.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}
