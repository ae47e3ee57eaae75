package rendezvous

import (
	"net"
	"testing"
	"time"

	"github.com/pg9182/pb-mapper/pkg/wire"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T) (*Server, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := NewServer(zerolog.Nop())
	s.ControlTimeout = 2 * time.Second
	go s.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return s, ln
}

func dial(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

// TestEndToEndPlainEcho registers a key, subscribes a client, accepts the
// resulting data leg as the simulated server agent would, and checks bytes
// flow both ways over the spliced connection.
func TestEndToEndPlainEcho(t *testing.T) {
	_, ln := newTestServer(t)
	plain := wire.NewCodec(nil)

	agent := dial(t, ln)
	defer agent.Close()
	regReq := wire.ConnRequest{Kind: wire.ConnRequestRegister, Key: "echo", NeedCodec: false}
	if err := plain.WriteMessage(agent, regReq.Encode()); err != nil {
		t.Fatalf("write register: %v", err)
	}
	buf, err := plain.ReadMessage(agent)
	if err != nil {
		t.Fatalf("read register response: %v", err)
	}
	regResp, err := wire.DecodeConnResponse(buf)
	if err != nil || regResp.Kind != wire.ConnResponseRegister {
		t.Fatalf("unexpected register response: %+v, err=%v", regResp, err)
	}
	serverID := regResp.ConnID

	client := dial(t, ln)
	defer client.Close()
	subReq := wire.ConnRequest{Kind: wire.ConnRequestSubscribe, Key: "echo"}
	if err := plain.WriteMessage(client, subReq.Encode()); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	// the agent's control connection should now see a Stream request.
	buf, err = plain.ReadMessage(agent)
	if err != nil {
		t.Fatalf("read control message: %v", err)
	}
	ctlMsg, err := wire.DecodeLocalServerMessage(buf)
	if err != nil || ctlMsg.Kind != wire.LocalServerStream {
		t.Fatalf("unexpected control message: %+v, err=%v", ctlMsg, err)
	}

	buf, err = plain.ReadMessage(client)
	if err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	subResp, err := wire.DecodeConnResponse(buf)
	if err != nil || subResp.Kind != wire.ConnResponseSubscribe || subResp.ServerID != serverID {
		t.Fatalf("unexpected subscribe response: %+v, err=%v", subResp, err)
	}

	// agent opens the data leg.
	dataLeg := dial(t, ln)
	defer dataLeg.Close()
	streamReq := wire.ConnRequest{Kind: wire.ConnRequestStream, Key: "echo", ServerID: serverID}
	if err := plain.WriteMessage(dataLeg, streamReq.Encode()); err != nil {
		t.Fatalf("write stream request: %v", err)
	}
	buf, err = plain.ReadMessage(dataLeg)
	if err != nil {
		t.Fatalf("read stream response: %v", err)
	}
	streamResp, err := wire.DecodeConnResponse(buf)
	if err != nil || streamResp.Kind != wire.ConnResponseStream {
		t.Fatalf("unexpected stream response: %+v, err=%v", streamResp, err)
	}

	// now client<->dataLeg should be spliced; send a payload each way.
	payload := []byte("ping")
	if err := plain.WriteMessage(client, payload); err != nil {
		t.Fatalf("write client payload: %v", err)
	}
	got, err := plain.ReadMessage(dataLeg)
	if err != nil || string(got) != string(payload) {
		t.Fatalf("data leg did not receive payload: %q, err=%v", got, err)
	}

	reply := []byte("pong")
	if err := plain.WriteMessage(dataLeg, reply); err != nil {
		t.Fatalf("write data leg reply: %v", err)
	}
	got, err = plain.ReadMessage(client)
	if err != nil || string(got) != string(reply) {
		t.Fatalf("client did not receive reply: %q, err=%v", got, err)
	}
}

// TestDuplicateRegistrationRejected checks that a second Register for a key
// already held is answered with RegisterFailed.
func TestDuplicateRegistrationRejected(t *testing.T) {
	_, ln := newTestServer(t)
	plain := wire.NewCodec(nil)

	first := dial(t, ln)
	defer first.Close()
	req := wire.ConnRequest{Kind: wire.ConnRequestRegister, Key: "dup"}
	if err := plain.WriteMessage(first, req.Encode()); err != nil {
		t.Fatalf("write first register: %v", err)
	}
	buf, err := plain.ReadMessage(first)
	if err != nil {
		t.Fatalf("read first register response: %v", err)
	}
	resp, _ := wire.DecodeConnResponse(buf)
	if resp.Kind != wire.ConnResponseRegister {
		t.Fatalf("expected first register to succeed, got %+v", resp)
	}

	second := dial(t, ln)
	defer second.Close()
	if err := plain.WriteMessage(second, req.Encode()); err != nil {
		t.Fatalf("write second register: %v", err)
	}
	buf, err = plain.ReadMessage(second)
	if err != nil {
		t.Fatalf("read second register response: %v", err)
	}
	resp, _ = wire.DecodeConnResponse(buf)
	if resp.Kind != wire.ConnResponseRegisterFailed {
		t.Fatalf("expected second register to fail, got %+v", resp)
	}
}

// TestClientAbortDuringHandshake checks that a client closing its connection
// right after Subscribe, before any data leg arrives, does not hang the
// agent's control connection: the stream request issued for that client
// still arrives, and reading it completes within the deadline.
func TestClientAbortDuringHandshake(t *testing.T) {
	_, ln := newTestServer(t)
	plain := wire.NewCodec(nil)

	agent := dial(t, ln)
	defer agent.Close()
	reg := wire.ConnRequest{Kind: wire.ConnRequestRegister, Key: "abort"}
	plain.WriteMessage(agent, reg.Encode())
	plain.ReadMessage(agent)

	client := dial(t, ln)
	sub := wire.ConnRequest{Kind: wire.ConnRequestSubscribe, Key: "abort"}
	plain.WriteMessage(client, sub.Encode())
	client.Close()

	// the agent should still see the stream request (it was sent before the
	// abort could have been observed), but nothing after that should hang.
	agent.SetReadDeadline(time.Now().Add(2 * time.Second))
	plain.ReadMessage(agent)
}
