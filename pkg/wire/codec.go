package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// SessionKey is a per-splice AES-256 key generated by the rendezvous and
// handed to both endpoints of a splice. It is never derived independently by
// either endpoint, and rotating it requires tearing down the splice.
type SessionKey [32]byte

// NewSessionKey generates a fresh random session key.
func NewSessionKey() (SessionKey, error) {
	var k SessionKey
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, fmt.Errorf("wire: generate session key: %w", err)
	}
	return k, nil
}

// Codec reads and writes one message at a time over a byte-oriented stream.
// A Codec is not safe for concurrent use by multiple goroutines on the same
// direction (read and write halves may be used concurrently with each
// other).
type Codec interface {
	ReadMessage(r io.Reader) ([]byte, error)
	WriteMessage(w io.Writer, payload []byte) error
}

// NewCodec is the header tool factory described by the wire protocol: it
// returns a PlainCodec if key is nil, or a CipherCodec bound to *key
// otherwise.
func NewCodec(key *SessionKey) Codec {
	if key == nil {
		return PlainCodec{}
	}
	return CipherCodec{key: *key}
}

// PlainCodec frames messages with no encryption.
type PlainCodec struct{}

func (PlainCodec) ReadMessage(r io.Reader) ([]byte, error) { return ReadFrame(r) }

func (PlainCodec) WriteMessage(w io.Writer, payload []byte) error { return WriteFrame(w, payload) }

// cipherIVSize is the AES-CTR IV size (one block).
const cipherIVSize = aes.BlockSize

// CipherCodec frames messages encrypted with AES-CTR under a per-session
// key. Each frame carries its own random IV ahead of the ciphertext, so the
// wire shape is identical to PlainCodec's except the payload is
// iv || ciphertext.
type CipherCodec struct {
	key SessionKey
}

func (c CipherCodec) ReadMessage(r io.Reader) ([]byte, error) {
	buf, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return buf, nil
	}
	if len(buf) < cipherIVSize {
		return nil, fmt.Errorf("wire: cipher frame shorter than iv")
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("wire: new cipher: %w", err)
	}
	iv, ct := buf[:cipherIVSize], buf[cipherIVSize:]
	pt := make([]byte, len(ct))
	cipher.NewCTR(block, iv).XORKeyStream(pt, ct)
	return pt, nil
}

func (c CipherCodec) WriteMessage(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return WriteFrame(w, nil)
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return fmt.Errorf("wire: new cipher: %w", err)
	}
	buf := make([]byte, cipherIVSize+len(payload))
	iv := buf[:cipherIVSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return fmt.Errorf("wire: generate iv: %w", err)
	}
	cipher.NewCTR(block, iv).XORKeyStream(buf[cipherIVSize:], payload)
	return WriteFrame(w, buf)
}
