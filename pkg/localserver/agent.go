// Package localserver implements the local-server agent: the process that
// runs beside a privately-hosted service and exposes it through the
// rendezvous, per spec.md §4.4.
package localserver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pg9182/pb-mapper/internal/netutil"
	"github.com/pg9182/pb-mapper/pkg/forward"
	"github.com/pg9182/pb-mapper/pkg/wire"
	"github.com/rs/zerolog"
)

// PingInterval is how often the control connection sends a liveness Ping
// while idle.
const PingInterval = 10 * time.Second

// ControlTimeout is the deadline the control connection resets on every
// received message; its expiry is treated as a retriable failure.
const ControlTimeout = 30 * time.Second

// RetryTimes bounds how many dial-register-serve attempts Run makes in
// total; every attempt after the first follows a retriable failure.
const RetryTimes = 5

// Agent registers Key with a rendezvous server and serves stream requests
// for it by dialing LocalAddr through Provider.
type Agent struct {
	Log zerolog.Logger

	Key        string
	RemoteAddr string // rendezvous address
	LocalAddr  string // private service address
	Provider   netutil.StreamProvider
	NeedCodec  bool
	KeepAlive  bool
}

// Run drives the DIAL_RENDEZVOUS -> REGISTERING -> READY cycle, making up
// to RetryTimes attempts while they end in a retriable failure (a failed
// dial or register exchange, or a lost or timed-out control connection). It
// returns when ctx is cancelled, when the attempts are exhausted, or at once
// when the registration is rejected or its response is malformed.
func (a *Agent) Run(ctx context.Context) error {
	attempts := RetryTimes
	for attempts > 0 {
		err := a.runOnce(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errTimeout(err) {
			return err
		}
		attempts--
		a.Log.Info().Err(err).Int("attempts_left", attempts).Msg("control connection lost, retrying")
	}
	return fmt.Errorf("localserver: gave up after %d attempts", RetryTimes)
}

type timeoutError struct{ error }

func errTimeout(err error) bool {
	_, ok := err.(timeoutError)
	return ok
}

// runOnce performs one full dial/register/serve attempt. A nil return only
// happens if ctx is cancelled while idle; any other return is either a
// timeoutError (retriable by Run: a failed dial or register exchange, or a
// lost or timed-out control connection) or a fatal error (a rejected or
// malformed registration).
func (a *Agent) runOnce(ctx context.Context) error {
	conn, err := net.Dial("tcp", a.RemoteAddr)
	if err != nil {
		return timeoutError{fmt.Errorf("dial rendezvous: %w", err)}
	}
	defer conn.Close()
	netutil.SetTCPKeepAlive(conn, true)

	codec := wire.NewCodec(nil)
	req := wire.ConnRequest{Kind: wire.ConnRequestRegister, Key: a.Key, NeedCodec: a.NeedCodec}
	if err := codec.WriteMessage(conn, req.Encode()); err != nil {
		return timeoutError{fmt.Errorf("send register: %w", err)}
	}
	buf, err := codec.ReadMessage(conn)
	if err != nil {
		return timeoutError{fmt.Errorf("read register response: %w", err)}
	}
	resp, err := wire.DecodeConnResponse(buf)
	if err != nil {
		return fmt.Errorf("decode register response: %w", err)
	}
	switch resp.Kind {
	case wire.ConnResponseRegister:
	case wire.ConnResponseRegisterFailed:
		return fmt.Errorf("register rejected: %s", resp.Reason)
	default:
		return fmt.Errorf("unexpected register response kind %d", resp.Kind)
	}
	connID := resp.ConnID
	log := a.Log.With().Str("key", a.Key).Uint32("conn_id", connID).Logger()
	log.Info().Msg("registered with rendezvous")

	return a.serve(ctx, conn, codec, connID, log)
}

// serve is the READY state: a select loop over inbound control messages,
// the ping interval, and the control-connection deadline.
func (a *Agent) serve(ctx context.Context, conn net.Conn, codec wire.Codec, connID uint32, log zerolog.Logger) error {
	type readResult struct {
		msg wire.LocalServerMessage
		err error
	}
	reads := make(chan readResult, 1)
	go func() {
		for {
			buf, err := codec.ReadMessage(conn)
			if err != nil {
				reads <- readResult{err: err}
				return
			}
			msg, err := wire.DecodeLocalServerMessage(buf)
			reads <- readResult{msg: msg, err: err}
			if err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(PingInterval)
	defer ping.Stop()
	deadline := time.NewTimer(ControlTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-reads:
			if r.err != nil {
				return timeoutError{fmt.Errorf("control connection closed: %w", r.err)}
			}
			switch r.msg.Kind {
			case wire.LocalServerStream:
				go a.handleStream(ctx, connID, r.msg.ClientID, log)
			case wire.LocalServerPong:
			}
			resetTimer(deadline, ControlTimeout)
		case <-ping.C:
			pingReq := wire.ServerRequest{Kind: wire.ServerRequestPing}
			if err := codec.WriteMessage(conn, pingReq.Encode()); err != nil {
				return timeoutError{fmt.Errorf("write ping: %w", err)}
			}
		case <-deadline.C:
			return timeoutError{fmt.Errorf("control connection timed out")}
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// handleStream is the splice worker: it dials the local private service and
// a fresh data leg to the rendezvous, then forwards between them.
func (a *Agent) handleStream(ctx context.Context, connID, clientID uint32, log zerolog.Logger) {
	log = log.With().Uint32("client_id", clientID).Logger()

	localConn, err := a.Provider.Dial(ctx, a.LocalAddr)
	if err != nil {
		log.Warn().Err(err).Msg("failed to dial local service")
		return
	}
	defer localConn.Close()
	if a.KeepAlive {
		netutil.SetTCPKeepAlive(localConn, true)
	}

	remoteConn, err := net.Dial("tcp", a.RemoteAddr)
	if err != nil {
		log.Warn().Err(err).Msg("failed to dial rendezvous data leg")
		return
	}
	defer remoteConn.Close()

	handshake := wire.NewCodec(nil)
	streamReq := wire.ConnRequest{Kind: wire.ConnRequestStream, Key: a.Key, ServerID: connID}
	if err := handshake.WriteMessage(remoteConn, streamReq.Encode()); err != nil {
		log.Warn().Err(err).Msg("failed to send stream request")
		return
	}
	buf, err := handshake.ReadMessage(remoteConn)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read stream response")
		return
	}
	streamResp, err := wire.DecodeConnResponse(buf)
	if err != nil || streamResp.Kind != wire.ConnResponseStream {
		log.Warn().Err(err).Msg("unexpected stream response")
		return
	}

	res := forward.SpliceWithCodec(localConn, remoteConn, streamResp.CodecKey)
	log.Info().
		Str("reason", res.Reason).
		Int64("local_to_remote", res.ClientToServer).
		Int64("remote_to_local", res.ServerToClient).
		Msg("splice finished")
}
