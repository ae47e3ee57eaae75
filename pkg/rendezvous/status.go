package rendezvous

import (
	"net"

	"github.com/pg9182/pb-mapper/pkg/registry"
	"github.com/pg9182/pb-mapper/pkg/wire"
)

// handleStatusQuery answers the status CLI's short-lived connection: one
// ConnRequestStatus in, one ConnResponseStatus out, then close. It reads
// straight off the actor loop via Manager.Status, so no separate lock is
// needed.
func (s *Server) handleStatusQuery(conn net.Conn, codec wire.Codec, req wire.ConnRequest) {
	defer conn.Close()

	var op registry.StatusOp
	switch req.StatusOp {
	case wire.StatusOpRemoteIDs:
		op = registry.StatusRemoteIDs
	case wire.StatusOpKeys:
		op = registry.StatusKeys
	}

	result := s.Manager.Status(op)

	resp := wire.ConnResponse{Kind: wire.ConnResponseStatus, Keys: result.Keys}
	for _, id := range result.RemoteIDs {
		resp.RemoteIDs = append(resp.RemoteIDs, uint32(id))
	}

	if err := codec.WriteMessage(conn, resp.Encode()); err != nil {
		s.Log.Debug().Err(err).Msg("failed to write status response")
	}
}
