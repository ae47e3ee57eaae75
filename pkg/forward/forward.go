// Package forward implements the duplex byte forwarder that splices a
// client-side framed connection to a server-side framed connection, copying
// one message at a time in each direction until either side closes or
// errors.
package forward

import (
	"net"

	"github.com/pg9182/pb-mapper/pkg/wire"
)

// Endpoint pairs a Codec with the underlying net.Conn it frames, so that the
// loser of a Splice's two directions can have its connection closed to
// unblock the outstanding read/write immediately. Go has no equivalent to
// dropping a future mid-poll, so this Close is the explicit stand-in for
// that cancellation.
type Endpoint struct {
	Conn  net.Conn
	Codec wire.Codec
}

// Result reports which direction finished a Splice first and how many bytes
// each direction forwarded before stopping.
type Result struct {
	// Reason is "client->server" or "server->client", naming the direction
	// that terminated the splice.
	Reason         string
	Err            error
	ClientToServer int64
	ServerToClient int64
}

// Copy reads one message at a time from src and writes it to dst until a
// zero-length message (clean close) is read or an error occurs in either
// direction. It returns the total payload bytes forwarded.
func Copy(dst Endpoint, src Endpoint) (int64, error) {
	var total int64
	for {
		msg, err := src.Codec.ReadMessage(src.Conn)
		if err != nil {
			return total, err
		}
		if len(msg) == 0 {
			return total, nil
		}
		if err := dst.Codec.WriteMessage(dst.Conn, msg); err != nil {
			return total, err
		}
		total += int64(len(msg))
	}
}

// Splice copies bytes in both directions between client and server,
// returning as soon as either direction finishes (cleanly or with an
// error), and closing both connections so that the other, still-running
// direction unblocks immediately rather than waiting on its own next read.
//
// This is the only legitimate way a splice terminates absent an independent
// close by the caller.
func Splice(client, server Endpoint) Result {
	type done struct {
		reason string
		n      int64
		err    error
	}
	ch := make(chan done, 2)

	go func() {
		n, err := Copy(server, client)
		ch <- done{"client->server", n, err}
	}()
	go func() {
		n, err := Copy(client, server)
		ch <- done{"server->client", n, err}
	}()

	first := <-ch
	client.Conn.Close()
	server.Conn.Close()
	second := <-ch // drain the loser so its goroutine doesn't leak

	res := Result{Reason: first.reason, Err: first.err}
	if first.reason == "client->server" {
		res.ClientToServer, res.ServerToClient = first.n, second.n
	} else {
		res.ClientToServer, res.ServerToClient = second.n, first.n
	}
	return res
}

// SpliceWithCodec wires the common agent-side shape for a splice: a local
// endpoint (the private service, or the user-facing listener) always framed
// with PlainCodec per spec.md §4.4/§4.5 ("flags on the local-service/
// user-facing endpoints are plaintext unconditionally"), against a
// rendezvous-facing endpoint framed with PlainCodec or CipherCodec
// depending on whether a session codec key was negotiated.
func SpliceWithCodec(local, remote net.Conn, codecKey *wire.SessionKey) Result {
	return Splice(
		Endpoint{Conn: local, Codec: wire.NewCodec(nil)},
		Endpoint{Conn: remote, Codec: wire.NewCodec(codecKey)},
	)
}
