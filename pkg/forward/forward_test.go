package forward

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/pg9182/pb-mapper/pkg/wire"
	"golang.org/x/net/nettest"
)

func TestSpliceForwardsClientToServer(t *testing.T) {
	clientA, clientB := net.Pipe()
	serverA, serverB := net.Pipe()

	client := Endpoint{Conn: clientA, Codec: wire.NewCodec(nil)}
	server := Endpoint{Conn: serverA, Codec: wire.NewCodec(nil)}

	done := make(chan Result, 1)
	go func() { done <- Splice(client, server) }()

	// clientB writes to the splice's client side; serverB should see it.
	cw := wire.NewCodec(nil)
	sr := wire.NewCodec(nil)

	payload := []byte("hello from client")
	go cw.WriteMessage(clientB, payload)

	got, err := sr.ReadMessage(serverB)
	if err != nil {
		t.Fatalf("read from server side: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}

	// now the server side closes, which should end the splice.
	serverB.Close()
	clientB.Close()

	select {
	case res := <-done:
		if res.ServerToClient != 0 {
			t.Fatalf("expected no server->client bytes, got %d", res.ServerToClient)
		}
		if res.ClientToServer != int64(len(payload)) {
			t.Fatalf("got %d client->server bytes, want %d", res.ClientToServer, len(payload))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("splice did not terminate")
	}
}

func TestSpliceCancelsLoserPromptly(t *testing.T) {
	clientA, clientB := net.Pipe()
	serverA, serverB := net.Pipe()
	defer clientB.Close()
	defer serverB.Close()

	client := Endpoint{Conn: clientA, Codec: wire.NewCodec(nil)}
	server := Endpoint{Conn: serverA, Codec: wire.NewCodec(nil)}

	done := make(chan Result, 1)
	go func() { done <- Splice(client, server) }()

	// client side closes immediately; server side never sends anything, so
	// if cancellation wasn't prompt this test would hang until the timeout.
	clientB.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("splice did not cancel the other direction promptly")
	}
}

// TestSpliceWithCodecOverLoopbackTCP uses real loopback TCP sockets (rather
// than net.Pipe) on both legs, standing in for the local-service leg and the
// rendezvous leg of a real splice worker.
func TestSpliceWithCodecOverLoopbackTCP(t *testing.T) {
	echoLn, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer echoLn.Close()
	go func() {
		conn, err := echoLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	relayLn, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer relayLn.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := relayLn.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	local, err := net.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatalf("dial echo: %v", err)
	}
	remote, err := net.Dial("tcp", relayLn.Addr().String())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	peer := <-accepted
	defer peer.Close()

	key, err := wire.NewSessionKey()
	if err != nil {
		t.Fatalf("new session key: %v", err)
	}

	done := make(chan Result, 1)
	go func() { done <- SpliceWithCodec(local, remote, &key) }()

	codec := wire.NewCodec(&key)
	payload := []byte("loopback tcp payload")
	if err := codec.WriteMessage(peer, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := codec.ReadMessage(peer)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}

	peer.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("splice did not terminate")
	}
}
