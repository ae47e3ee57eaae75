// Package localclient implements the local-client agent: a listener that
// turns each accepted connection into a Subscribe against the rendezvous
// and splices it to the remote private service, per spec.md §4.5.
package localclient

import (
	"context"
	"fmt"
	"net"

	"github.com/pg9182/pb-mapper/internal/netutil"
	"github.com/pg9182/pb-mapper/pkg/forward"
	"github.com/pg9182/pb-mapper/pkg/wire"
	"github.com/rs/zerolog"
)

// Agent exposes ListenAddr (TCP or UDP-via-adapter, per Provider) and
// subscribes each accepted connection to Key on RemoteAddr.
type Agent struct {
	Log zerolog.Logger

	Key        string
	RemoteAddr string // rendezvous address
	ListenAddr string
	Provider   netutil.StreamProvider
}

// Run listens on ListenAddr until ctx is cancelled or the listener errors.
func (a *Agent) Run(ctx context.Context) error {
	ln, err := a.Provider.Listen(a.ListenAddr)
	if err != nil {
		return fmt.Errorf("localclient: listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("localclient: accept: %w", err)
		}
		go a.handleConn(conn)
	}
}

// handleConn subscribes one accepted user connection and splices it to the
// remote private service once the rendezvous pairs it with a data leg.
func (a *Agent) handleConn(conn net.Conn) {
	defer conn.Close()
	log := a.Log.With().Str("key", a.Key).Str("remote", conn.RemoteAddr().String()).Logger()

	remote, err := net.Dial("tcp", a.RemoteAddr)
	if err != nil {
		log.Warn().Err(err).Msg("failed to dial rendezvous")
		return
	}
	defer remote.Close()

	codec := wire.NewCodec(nil)
	req := wire.ConnRequest{Kind: wire.ConnRequestSubscribe, Key: a.Key}
	if err := codec.WriteMessage(remote, req.Encode()); err != nil {
		log.Warn().Err(err).Msg("failed to send subscribe")
		return
	}
	buf, err := codec.ReadMessage(remote)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read subscribe response")
		return
	}
	resp, err := wire.DecodeConnResponse(buf)
	if err != nil {
		log.Warn().Err(err).Msg("failed to decode subscribe response")
		return
	}
	switch resp.Kind {
	case wire.ConnResponseSubscribe:
	case wire.ConnResponseSubscribeFailed:
		log.Info().Str("reason", resp.Reason).Msg("subscribe rejected")
		return
	default:
		log.Warn().Msg("unexpected subscribe response kind")
		return
	}

	res := forward.SpliceWithCodec(conn, remote, resp.CodecKey)
	log.Info().
		Str("reason", res.Reason).
		Int64("user_to_remote", res.ClientToServer).
		Int64("remote_to_user", res.ServerToClient).
		Msg("splice finished")
}
