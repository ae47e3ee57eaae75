package wire

import (
	"encoding/binary"
	"fmt"
)

// Each message family below is encoded as a one-byte tag followed by its
// variant's fields. Strings are length-prefixed with a big-endian uint16;
// the strings carried (server keys, reasons) are short, so 16 bits is
// ample.

// ConnRequest is sent by agents to the rendezvous as the first message of
// any new connection.
//
// NeedCodec is carried on Register (not listed among spec.md section 6.1's
// fields, which only shows the request's discriminating fields) because it
// is how a local-server agent tells the rendezvous, which is a separate
// process, that it wants session encryption for this key.
//
// StatusOp carries the status CLI's query (ConnRequestStatus only); it has
// no spec.md §6.1 analogue either, since that section only documents the
// three agent-facing request kinds, but the status subcommand (spec.md
// §4.3's ManagerTask.Status, surfaced on the CLI in §6.2) needs some way to
// reach the manager, and a short-lived fourth request kind is the smallest
// extension of the existing framing that does it.
type ConnRequest struct {
	Kind      ConnRequestKind
	Key       string
	NeedCodec bool     // only for ConnRequestRegister
	ServerID  uint32   // only for ConnRequestStream
	StatusOp  StatusOp // only for ConnRequestStatus
}

type ConnRequestKind byte

const (
	ConnRequestRegister ConnRequestKind = 1 + iota
	ConnRequestSubscribe
	ConnRequestStream
	ConnRequestStatus
)

// StatusOp selects what a ConnRequestStatus query reports.
type StatusOp byte

const (
	StatusOpRemoteIDs StatusOp = iota
	StatusOpKeys
)

func (m ConnRequest) Encode() []byte {
	var b buffer
	b.writeByte(byte(m.Kind))
	switch m.Kind {
	case ConnRequestStatus:
		b.writeByte(byte(m.StatusOp))
	default:
		b.writeString(m.Key)
		switch m.Kind {
		case ConnRequestRegister:
			if m.NeedCodec {
				b.writeByte(1)
			} else {
				b.writeByte(0)
			}
		case ConnRequestStream:
			b.writeUint32(m.ServerID)
		}
	}
	return b.Bytes()
}

func DecodeConnRequest(buf []byte) (ConnRequest, error) {
	var m ConnRequest
	r := reader{buf: buf}
	kind, err := r.readByte()
	if err != nil {
		return m, fmt.Errorf("wire: decode ConnRequest: %w", err)
	}
	m.Kind = ConnRequestKind(kind)
	switch m.Kind {
	case ConnRequestStatus:
		op, err := r.readByte()
		if err != nil {
			return m, fmt.Errorf("wire: decode ConnRequest: %w", err)
		}
		m.StatusOp = StatusOp(op)
		return m, r.finish()
	case ConnRequestRegister, ConnRequestSubscribe, ConnRequestStream:
	default:
		return m, fmt.Errorf("wire: decode ConnRequest: unknown kind %d", kind)
	}
	if m.Key, err = r.readString(); err != nil {
		return m, fmt.Errorf("wire: decode ConnRequest: %w", err)
	}
	switch m.Kind {
	case ConnRequestRegister:
		codec, err := r.readByte()
		if err != nil {
			return m, fmt.Errorf("wire: decode ConnRequest: %w", err)
		}
		m.NeedCodec = codec != 0
	case ConnRequestStream:
		if m.ServerID, err = r.readUint32(); err != nil {
			return m, fmt.Errorf("wire: decode ConnRequest: %w", err)
		}
	}
	return m, r.finish()
}

// ConnResponse is sent by the rendezvous back on the same connection.
type ConnResponse struct {
	Kind      ConnResponseKind
	ConnID    uint32 // Register
	Reason    string // RegisterFailed, SubscribeFailed
	CodecKey  *SessionKey
	ClientID  uint32 // Subscribe
	ServerID  uint32 // Subscribe
	RemoteIDs []uint32 // Status{op: StatusOpRemoteIDs}
	Keys      []string // Status{op: StatusOpKeys}
}

type ConnResponseKind byte

const (
	ConnResponseRegister ConnResponseKind = 1 + iota
	ConnResponseRegisterFailed
	ConnResponseSubscribe
	ConnResponseSubscribeFailed
	ConnResponseStream
	ConnResponseStatus
)

func (m ConnResponse) Encode() []byte {
	var b buffer
	b.writeByte(byte(m.Kind))
	switch m.Kind {
	case ConnResponseRegister:
		b.writeUint32(m.ConnID)
	case ConnResponseRegisterFailed:
		b.writeString(m.Reason)
	case ConnResponseSubscribe:
		b.writeOptionalKey(m.CodecKey)
		b.writeUint32(m.ClientID)
		b.writeUint32(m.ServerID)
	case ConnResponseSubscribeFailed:
		b.writeString(m.Reason)
	case ConnResponseStream:
		b.writeOptionalKey(m.CodecKey)
	case ConnResponseStatus:
		b.writeUint32(uint32(len(m.RemoteIDs)))
		for _, id := range m.RemoteIDs {
			b.writeUint32(id)
		}
		b.writeUint32(uint32(len(m.Keys)))
		for _, k := range m.Keys {
			b.writeString(k)
		}
	}
	return b.Bytes()
}

func DecodeConnResponse(buf []byte) (ConnResponse, error) {
	var m ConnResponse
	r := reader{buf: buf}
	kind, err := r.readByte()
	if err != nil {
		return m, fmt.Errorf("wire: decode ConnResponse: %w", err)
	}
	m.Kind = ConnResponseKind(kind)
	switch m.Kind {
	case ConnResponseRegister:
		if m.ConnID, err = r.readUint32(); err != nil {
			return m, fmt.Errorf("wire: decode ConnResponse: %w", err)
		}
	case ConnResponseRegisterFailed:
		if m.Reason, err = r.readString(); err != nil {
			return m, fmt.Errorf("wire: decode ConnResponse: %w", err)
		}
	case ConnResponseSubscribe:
		if m.CodecKey, err = r.readOptionalKey(); err != nil {
			return m, fmt.Errorf("wire: decode ConnResponse: %w", err)
		}
		if m.ClientID, err = r.readUint32(); err != nil {
			return m, fmt.Errorf("wire: decode ConnResponse: %w", err)
		}
		if m.ServerID, err = r.readUint32(); err != nil {
			return m, fmt.Errorf("wire: decode ConnResponse: %w", err)
		}
	case ConnResponseSubscribeFailed:
		if m.Reason, err = r.readString(); err != nil {
			return m, fmt.Errorf("wire: decode ConnResponse: %w", err)
		}
	case ConnResponseStream:
		if m.CodecKey, err = r.readOptionalKey(); err != nil {
			return m, fmt.Errorf("wire: decode ConnResponse: %w", err)
		}
	case ConnResponseStatus:
		n, err := r.readUint32()
		if err != nil {
			return m, fmt.Errorf("wire: decode ConnResponse: %w", err)
		}
		m.RemoteIDs = make([]uint32, n)
		for i := range m.RemoteIDs {
			if m.RemoteIDs[i], err = r.readUint32(); err != nil {
				return m, fmt.Errorf("wire: decode ConnResponse: %w", err)
			}
		}
		n, err = r.readUint32()
		if err != nil {
			return m, fmt.Errorf("wire: decode ConnResponse: %w", err)
		}
		m.Keys = make([]string, n)
		for i := range m.Keys {
			if m.Keys[i], err = r.readString(); err != nil {
				return m, fmt.Errorf("wire: decode ConnResponse: %w", err)
			}
		}
	default:
		return m, fmt.Errorf("wire: decode ConnResponse: unknown kind %d", kind)
	}
	return m, r.finish()
}

// LocalServerMessage is sent by the rendezvous to the control connection of
// a registered local-server agent.
type LocalServerMessage struct {
	Kind     LocalServerKind
	ClientID uint32 // only for LocalServerStream
}

type LocalServerKind byte

const (
	LocalServerStream LocalServerKind = 1 + iota
	LocalServerPong
)

func (m LocalServerMessage) Encode() []byte {
	var b buffer
	b.writeByte(byte(m.Kind))
	if m.Kind == LocalServerStream {
		b.writeUint32(m.ClientID)
	}
	return b.Bytes()
}

func DecodeLocalServerMessage(buf []byte) (LocalServerMessage, error) {
	var m LocalServerMessage
	r := reader{buf: buf}
	kind, err := r.readByte()
	if err != nil {
		return m, fmt.Errorf("wire: decode LocalServerMessage: %w", err)
	}
	m.Kind = LocalServerKind(kind)
	switch m.Kind {
	case LocalServerStream:
		if m.ClientID, err = r.readUint32(); err != nil {
			return m, fmt.Errorf("wire: decode LocalServerMessage: %w", err)
		}
	case LocalServerPong:
	default:
		return m, fmt.Errorf("wire: decode LocalServerMessage: unknown kind %d", kind)
	}
	return m, r.finish()
}

// ServerRequest is sent by the local-server agent on its control connection.
type ServerRequest struct {
	Kind ServerRequestKind
}

type ServerRequestKind byte

const (
	ServerRequestPing ServerRequestKind = 1 + iota
)

func (m ServerRequest) Encode() []byte {
	return []byte{byte(m.Kind)}
}

func DecodeServerRequest(buf []byte) (ServerRequest, error) {
	var m ServerRequest
	r := reader{buf: buf}
	kind, err := r.readByte()
	if err != nil {
		return m, fmt.Errorf("wire: decode ServerRequest: %w", err)
	}
	m.Kind = ServerRequestKind(kind)
	switch m.Kind {
	case ServerRequestPing:
	default:
		return m, fmt.Errorf("wire: decode ServerRequest: unknown kind %d", kind)
	}
	return m, r.finish()
}

// buffer is a minimal append-only byte writer for the encodings above.
type buffer struct {
	buf []byte
}

func (b *buffer) Bytes() []byte { return b.buf }

func (b *buffer) writeByte(v byte) { b.buf = append(b.buf, v) }

func (b *buffer) writeUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *buffer) writeString(s string) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(s)))
	b.buf = append(b.buf, tmp[:]...)
	b.buf = append(b.buf, s...)
}

func (b *buffer) writeOptionalKey(k *SessionKey) {
	if k == nil {
		b.writeByte(0)
		return
	}
	b.writeByte(1)
	b.buf = append(b.buf, k[:]...)
}

// reader is a minimal sequential byte reader for the decodings above. It
// reports an error rather than panicking on short input.
type reader struct {
	buf []byte
	off int
}

func (r *reader) readByte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, fmt.Errorf("unexpected end of message")
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) readUint32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, fmt.Errorf("unexpected end of message")
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) readString() (string, error) {
	if r.off+2 > len(r.buf) {
		return "", fmt.Errorf("unexpected end of message")
	}
	n := int(binary.BigEndian.Uint16(r.buf[r.off:]))
	r.off += 2
	if r.off+n > len(r.buf) {
		return "", fmt.Errorf("unexpected end of message")
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return s, nil
}

func (r *reader) readOptionalKey() (*SessionKey, error) {
	present, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	if r.off+32 > len(r.buf) {
		return nil, fmt.Errorf("unexpected end of message")
	}
	var k SessionKey
	copy(k[:], r.buf[r.off:r.off+32])
	r.off += 32
	return &k, nil
}

func (r *reader) finish() error {
	if r.off != len(r.buf) {
		return fmt.Errorf("wire: %d trailing bytes in message", len(r.buf)-r.off)
	}
	return nil
}
