package rendezvous

import (
	"net"
	"time"

	"github.com/pg9182/pb-mapper/pkg/connid"
	"github.com/pg9182/pb-mapper/pkg/forward"
	"github.com/pg9182/pb-mapper/pkg/registry"
	"github.com/pg9182/pb-mapper/pkg/wire"
	"github.com/rs/zerolog"
)

// handleSubscribe runs the client side of the rendezvous handshake for one
// connection: Subscribe, relay the codec key and ids back to the client,
// wait for the matching data leg, unblock it, and splice the two. It always
// deregisters its subscription on return, mirroring the guaranteed-cleanup
// guard the original client handler relies on Drop for.
func (s *Server) handleSubscribe(conn net.Conn, codec wire.Codec, req wire.ConnRequest) {
	clientID := s.conns.Next()
	log := s.Log.With().Str("key", req.Key).Uint32("client_id", uint32(clientID)).Logger()

	defer func() {
		conn.Close()
		if !s.Manager.DeregisterClient(req.Key, clientID) {
			log.Warn().Msg("failed to enqueue client deregistration; task queue saturated")
		}
	}()

	ch := s.Manager.Subscribe(req.Key, clientID)

	sub, ok := s.awaitClientResult(conn, ch, log)
	if !ok {
		return
	}
	if sub.Kind != registry.SubscribeOK {
		s.metrics.subscriptions_total.rejected.Inc()
		resp := wire.ConnResponse{Kind: wire.ConnResponseSubscribeFailed, Reason: "unknown key"}
		codec.WriteMessage(conn, resp.Encode())
		return
	}
	s.metrics.subscriptions_total.success.Inc()

	var codecKey *wire.SessionKey
	if sub.NeedCodec {
		k, err := wire.NewSessionKey()
		if err != nil {
			log.Error().Err(err).Msg("failed to generate session key")
			return
		}
		codecKey = &k
	}

	resp := wire.ConnResponse{
		Kind:     wire.ConnResponseSubscribe,
		CodecKey: codecKey,
		ClientID: uint32(clientID),
		ServerID: uint32(sub.ServerID),
	}
	if err := codec.WriteMessage(conn, resp.Encode()); err != nil {
		log.Info().Err(err).Msg("failed to write subscribe response")
		return
	}

	// Once the subscribe response is written, conn may already be carrying
	// real application data: the local-client agent starts splicing the
	// instant it sees ConnResponseSubscribe (pkg/localclient/agent.go), well
	// before the server agent's data leg exists. So unlike the wait above,
	// this one must not race a watcher read against conn — spec.md §3
	// requires forwarded bytes stay opaque to the rendezvous. Block on the
	// channel alone; if the client has already gone, the deferred
	// DeregisterClient above still runs, and the write below (or the splice
	// itself) fails promptly against the closed connection, exactly as the
	// original client handler relies on Drop producing an I/O error rather
	// than proactively watching for it.
	stream := <-ch
	if stream.Kind != registry.StreamReady {
		return
	}
	defer stream.Stream.Close()

	// unblock the server agent's forwarder, which is blocked reading this
	// response on the data leg it just opened.
	streamResp := wire.ConnResponse{Kind: wire.ConnResponseStream, CodecKey: codecKey}
	handshakeCodec := wire.NewCodec(nil)
	if err := handshakeCodec.WriteMessage(stream.Stream, streamResp.Encode()); err != nil {
		log.Warn().Err(err).Msg("failed to unblock server data leg")
		return
	}

	s.metrics.splices_total.Inc()
	s.metrics.splicesForKey(req.Key).Inc()
	res := forward.Splice(
		forward.Endpoint{Conn: conn, Codec: wire.NewCodec(codecKey)},
		forward.Endpoint{Conn: stream.Stream, Codec: wire.NewCodec(codecKey)},
	)
	s.metrics.splice_bytes_total.Add(int(res.ClientToServer + res.ServerToClient))
	log.Info().
		Str("reason", res.Reason).
		Int64("client_to_server", res.ClientToServer).
		Int64("server_to_client", res.ServerToClient).
		Msg("splice finished")
}

// handleStreamLeg hands a newly arrived data-leg connection to the registry
// so the matching client handler, blocked waiting on its registry channel
// for StreamReady, can pick it up.
func (s *Server) handleStreamLeg(conn net.Conn, req wire.ConnRequest) {
	s.Manager.StreamReady(connid.ID(req.ServerID), conn)
}

// awaitClientResult waits for either a result on ch or conn being closed by
// the peer, whichever comes first. Detecting the latter requires reading
// conn, so the watcher's read is synchronously stopped (via a forced, then
// cleared, read deadline) before returning, to avoid racing with any later
// legitimate reader of conn.
func (s *Server) awaitClientResult(conn net.Conn, ch <-chan registry.ClientResult, log zerolog.Logger) (registry.ClientResult, bool) {
	abort, stop := watchConnClosed(conn)
	select {
	case res := <-ch:
		stop()
		return res, true
	case <-abort:
		stop()
		return registry.ClientResult{}, false
	}
}

// watchConnClosed spawns a goroutine that blocks reading conn until it is
// closed by the peer or the returned stop func forces the read to return.
// abort is closed only in the former case.
func watchConnClosed(conn net.Conn) (abort <-chan struct{}, stop func()) {
	abortCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		var buf [1]byte
		_, err := conn.Read(buf[:])
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		close(abortCh)
	}()
	stop = func() {
		conn.SetReadDeadline(time.Now())
		<-done
		conn.SetReadDeadline(time.Time{})
	}
	return abortCh, stop
}
