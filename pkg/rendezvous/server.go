// Package rendezvous implements the registry-mediated acceptor: the single
// listener that registers local-server agents, subscribes clients to a
// registered key, and accepts the resulting data legs, handing each pair off
// to pkg/forward once both sides of a stream request have arrived.
package rendezvous

import (
	"net"
	"time"

	"github.com/pg9182/pb-mapper/pkg/connid"
	"github.com/pg9182/pb-mapper/pkg/registry"
	"github.com/pg9182/pb-mapper/pkg/wire"
	"github.com/rs/zerolog"
)

// DefaultControlTimeout is how long a registered agent's control connection
// may go without delivering a message before the rendezvous gives up on it.
const DefaultControlTimeout = 30 * time.Second

// Server accepts connections for one rendezvous endpoint (a TCP listener,
// and optionally a UDP-over-stream listener sharing the same registry).
type Server struct {
	Log            zerolog.Logger
	Manager        *registry.Manager
	ControlTimeout time.Duration

	metrics *serverMetrics
	conns   connid.Counter
}

// NewServer creates a Server with its own registry actor already running.
func NewServer(log zerolog.Logger) *Server {
	mgr := registry.NewManager(log.With().Str("component", "registry").Logger())
	go mgr.Run()
	return &Server{
		Log:            log,
		Manager:        mgr,
		ControlTimeout: DefaultControlTimeout,
		metrics:        newServerMetrics(),
	}
}

// Metrics returns the server's metrics; its Set method gives the
// metrics.Set for wiring into an HTTP handler.
func (s *Server) Metrics() *serverMetrics {
	return s.metrics
}

// Serve accepts connections from ln until it returns an error.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// handleConn reads the first framed message off a new connection and
// dispatches it to the Register, Subscribe, Stream, or Status handler
// according to its kind, matching the four roles a connection to the
// rendezvous port can take.
func (s *Server) handleConn(conn net.Conn) {
	codec := wire.NewCodec(nil)

	buf, err := codec.ReadMessage(conn)
	if err != nil {
		s.Log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("failed to read initial request")
		conn.Close()
		return
	}
	req, err := wire.DecodeConnRequest(buf)
	if err != nil {
		s.Log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("malformed initial request")
		conn.Close()
		return
	}

	switch req.Kind {
	case wire.ConnRequestRegister:
		s.handleRegister(conn, codec, req)
	case wire.ConnRequestSubscribe:
		s.handleSubscribe(conn, codec, req)
	case wire.ConnRequestStream:
		s.handleStreamLeg(conn, req)
	case wire.ConnRequestStatus:
		s.handleStatusQuery(conn, codec, req)
	default:
		conn.Close()
	}
}

// handleRegister claims key for conn and, on success, runs its control loop
// until the connection is closed, times out, or a write to it fails.
func (s *Server) handleRegister(conn net.Conn, codec wire.Codec, req wire.ConnRequest) {
	connID := s.conns.Next()
	log := s.Log.With().Str("key", req.Key).Uint32("conn_id", uint32(connID)).Logger()

	ctl := make(chan registry.ControlEvent, registry.DefaultMailboxSize)
	if err := s.Manager.Register(req.Key, req.NeedCodec, connID, ctl); err != nil {
		s.metrics.registrations_total.rejected.Inc()
		resp := wire.ConnResponse{Kind: wire.ConnResponseRegisterFailed, Reason: err.Error()}
		codec.WriteMessage(conn, resp.Encode())
		conn.Close()
		return
	}
	s.metrics.registrations_total.success.Inc()

	resp := wire.ConnResponse{Kind: wire.ConnResponseRegister, ConnID: uint32(connID)}
	if err := codec.WriteMessage(conn, resp.Encode()); err != nil {
		log.Info().Err(err).Msg("failed to acknowledge registration")
		s.Manager.DeregisterServer(req.Key)
		conn.Close()
		return
	}

	s.runControlLoop(conn, codec, req.Key, ctl, log)
}

// runControlLoop owns conn for the lifetime of a registration: it forwards
// ControlEvents as Stream messages, answers Ping with Pong, and enforces
// ControlTimeout. It always deregisters the key and closes conn on return.
func (s *Server) runControlLoop(conn net.Conn, codec wire.Codec, key string, ctl <-chan registry.ControlEvent, log zerolog.Logger) {
	defer func() {
		s.Manager.DeregisterServer(key)
		conn.Close()
		s.metrics.deregistrations_total.Inc()
	}()

	type readResult struct {
		msg wire.ServerRequest
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
			msg, err := wire.DecodeServerRequest(buf)
			reads <- readResult{msg: msg, err: err}
			if err != nil {
				return
			}
		}
	}()

	deadline := time.NewTimer(s.ControlTimeout)
	defer deadline.Stop()

	for {
		select {
		case ev := <-ctl:
			lsm := wire.LocalServerMessage{Kind: wire.LocalServerStream, ClientID: uint32(ev.ClientID)}
			if err := codec.WriteMessage(conn, lsm.Encode()); err != nil {
				log.Info().Err(err).Msg("failed to deliver stream request to agent")
				return
			}
		case r := <-reads:
			if r.err != nil {
				log.Debug().Err(r.err).Msg("control connection closed")
				return
			}
			switch r.msg.Kind {
			case wire.ServerRequestPing:
				pong := wire.LocalServerMessage{Kind: wire.LocalServerPong}
				if err := codec.WriteMessage(conn, pong.Encode()); err != nil {
					log.Info().Err(err).Msg("failed to reply to ping")
					return
				}
			}
			if !deadline.Stop() {
				<-deadline.C
			}
			deadline.Reset(s.ControlTimeout)
		case <-deadline.C:
			s.metrics.control_timeouts_total.Inc()
			log.Warn().Msg("control connection timed out")
			return
		}
	}
}
