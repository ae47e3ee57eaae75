package localclient

import (
	"fmt"
	"net"

	"github.com/pg9182/pb-mapper/pkg/wire"
)

// QueryStatus opens a short-lived connection to remoteAddr and returns the
// rendezvous's answer to op, mirroring the original's handle_status_cli.
func QueryStatus(remoteAddr string, op wire.StatusOp) (wire.ConnResponse, error) {
	conn, err := net.Dial("tcp", remoteAddr)
	if err != nil {
		return wire.ConnResponse{}, fmt.Errorf("dial rendezvous: %w", err)
	}
	defer conn.Close()

	codec := wire.NewCodec(nil)
	req := wire.ConnRequest{Kind: wire.ConnRequestStatus, StatusOp: op}
	if err := codec.WriteMessage(conn, req.Encode()); err != nil {
		return wire.ConnResponse{}, fmt.Errorf("send status request: %w", err)
	}
	buf, err := codec.ReadMessage(conn)
	if err != nil {
		return wire.ConnResponse{}, fmt.Errorf("read status response: %w", err)
	}
	resp, err := wire.DecodeConnResponse(buf)
	if err != nil {
		return wire.ConnResponse{}, fmt.Errorf("decode status response: %w", err)
	}
	if resp.Kind != wire.ConnResponseStatus {
		return wire.ConnResponse{}, fmt.Errorf("unexpected response kind %d", resp.Kind)
	}
	return resp, nil
}
