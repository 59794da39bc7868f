package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

const (
	// MessageLenSize is the size of the frame length header.
	MessageLenSize = 4

	// MaxMessageLen bounds the body of a single frame, a corrupt or hostile
	// peer cannot make us allocate more than this.
	MaxMessageLen = 128 << 20
)

var (
	ErrTransport = errors.New("transport failure")
	ErrDecode    = errors.New("malformed message")

	ErrMessageTooLarge = fmt.Errorf("%w: message exceeds %d bytes", ErrDecode, MaxMessageLen)
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 24,
		MaxMapPairs:      1 << 24,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes an envelope body without the frame header.
func Marshal(e *Envelope) ([]byte, error) {
	w, err := toWire(e)
	if err != nil {
		return nil, err
	}

	return encMode.Marshal(w)
}

// Unmarshal decodes an envelope body. An empty body is an empty envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return &Envelope{}, nil
	}

	var w wireEnvelope
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return fromWire(&w)
}

// WriteMessage frames env into buf and writes the frame to w with a single
// Write. buf is scratch space reused across calls. Flushing w is up to the
// caller.
func WriteMessage(w io.Writer, buf *bytes.Buffer, env *Envelope) error {
	wire, err := toWire(env)
	if err != nil {
		return err
	}

	buf.Reset()
	buf.Write([]byte{0, 0, 0, 0})

	if err := encMode.NewEncoder(buf).Encode(wire); err != nil {
		return fmt.Errorf("encoding envelope %d: %w", env.ID, err)
	}

	frame := buf.Bytes()
	bodyLen := len(frame) - MessageLenSize
	if bodyLen > MaxMessageLen {
		return ErrMessageTooLarge
	}
	binary.LittleEndian.PutUint32(frame[:MessageLenSize], uint32(bodyLen))

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	return nil
}

// ReadMessage reads one frame from r. buf is scratch space reused across
// calls, its contents are only valid until the next call.
func ReadMessage(r io.Reader, buf *[]byte) (*Envelope, error) {
	if cap(*buf) < MessageLenSize {
		*buf = make([]byte, MessageLenSize, 1024)
	}

	header := (*buf)[:MessageLenSize]
	if n, err := io.ReadFull(r, header); err != nil {
		if n > 0 {
			return nil, fmt.Errorf("%w: truncated length header: %w", ErrDecode, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	msgLen := binary.LittleEndian.Uint32(header)
	if msgLen > MaxMessageLen {
		return nil, ErrMessageTooLarge
	}

	return ReadMessageWithLen(r, buf, msgLen)
}

// ReadMessageWithLen reads a frame body whose length header has already been
// consumed.
func ReadMessageWithLen(r io.Reader, buf *[]byte, msgLen uint32) (*Envelope, error) {
	if msgLen > MaxMessageLen {
		return nil, ErrMessageTooLarge
	}

	if uint32(cap(*buf)) < msgLen {
		*buf = make([]byte, msgLen)
	}
	body := (*buf)[:msgLen]

	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated body: %w", ErrDecode, io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	return Unmarshal(body)
}
