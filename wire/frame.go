// Package wire implements the length-prefixed frame protocol spoken on every
// relay connection.
//
// A plain frame is a 4 byte little-endian unsigned length N followed by N
// bytes of payload. An extended frame, used only toward subscribers, appends
// a 4 byte little-endian signed correlation id.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/influxdata/queryrelay"
	"github.com/pkg/errors"
)

// DefaultMaxFrameSize is the largest payload accepted by the default codec.
const DefaultMaxFrameSize = 256 << 20

// Codec reads and writes frames. The zero value accepts frames of any size.
type Codec struct {
	// MaxFrameSize rejects length prefixes above it. Zero disables the check.
	MaxFrameSize uint32
}

// DefaultCodec is used by the package level functions.
var DefaultCodec = Codec{MaxFrameSize: DefaultMaxFrameSize}

// ReadFrame reads one plain frame using DefaultCodec.
func ReadFrame(r io.Reader) (*queryrelay.Message, error) {
	return DefaultCodec.ReadFrame(r)
}

// WriteFrame writes one plain frame using DefaultCodec.
func WriteFrame(w io.Writer, m *queryrelay.Message) error {
	return DefaultCodec.WriteFrame(w, m)
}

// ReadExtendedFrame reads one extended frame using DefaultCodec.
func ReadExtendedFrame(r io.Reader) (*queryrelay.Message, error) {
	return DefaultCodec.ReadExtendedFrame(r)
}

// WriteExtendedFrame writes one extended frame using DefaultCodec.
func WriteExtendedFrame(w io.Writer, m *queryrelay.Message) error {
	return DefaultCodec.WriteExtendedFrame(w, m)
}

// ReadFrame reads exactly four length bytes then exactly that many payload
// bytes. A zero length yields an empty payload.
func (c Codec) ReadFrame(r io.Reader) (*queryrelay.Message, error) {
	const op = "wire.ReadFrame"

	m := &queryrelay.Message{ID: queryrelay.NoID, Origin: queryrelay.NoOrigin}
	if _, err := io.ReadFull(r, m.Size[:]); err != nil {
		return nil, queryrelay.ConnectionError(op, errors.Wrap(err, "read length prefix"))
	}

	n := m.Len()
	if c.MaxFrameSize > 0 && n > c.MaxFrameSize {
		return nil, queryrelay.ProtocolErrorf(op, "frame of %s exceeds limit of %s",
			humanize.IBytes(uint64(n)), humanize.IBytes(uint64(c.MaxFrameSize)))
	}

	m.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, m.Payload); err != nil {
		return nil, queryrelay.ConnectionError(op, errors.Wrapf(err, "read %d byte payload", n))
	}
	return m, nil
}

// WriteFrame writes the message's length prefix, as transmitted, followed by
// its payload.
func (c Codec) WriteFrame(w io.Writer, m *queryrelay.Message) error {
	const op = "wire.WriteFrame"

	if c.MaxFrameSize > 0 && uint32(len(m.Payload)) > c.MaxFrameSize {
		return queryrelay.ProtocolErrorf(op, "frame of %s exceeds limit of %s",
			humanize.IBytes(uint64(len(m.Payload))), humanize.IBytes(uint64(c.MaxFrameSize)))
	}

	buf := make([]byte, 4+len(m.Payload))
	copy(buf, m.Size[:])
	copy(buf[4:], m.Payload)
	if _, err := w.Write(buf); err != nil {
		return queryrelay.ConnectionError(op, errors.Wrap(err, "write frame"))
	}
	return nil
}

// WriteExtendedFrame writes a plain frame followed by the correlation id.
func (c Codec) WriteExtendedFrame(w io.Writer, m *queryrelay.Message) error {
	if err := c.WriteFrame(w, m); err != nil {
		return err
	}
	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], uint32(m.ID))
	if _, err := w.Write(id[:]); err != nil {
		return queryrelay.ConnectionError("wire.WriteExtendedFrame", errors.Wrap(err, "write correlation id"))
	}
	return nil
}

// ReadExtendedFrame reads a plain frame followed by a correlation id, which
// is attached to the returned message.
func (c Codec) ReadExtendedFrame(r io.Reader) (*queryrelay.Message, error) {
	m, err := c.ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var id [4]byte
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return nil, queryrelay.ConnectionError("wire.ReadExtendedFrame", errors.Wrap(err, "read correlation id"))
	}
	m.ID = int32(binary.LittleEndian.Uint32(id[:]))
	return m, nil
}

// WriteInit sends the one-shot greeting configured for a connection. A nil
// init message writes nothing.
func (c Codec) WriteInit(w io.Writer, init *queryrelay.Message) error {
	if init == nil {
		return nil
	}
	// The greeting is configuration supplied and is not checked against
	// MaxFrameSize.
	return Codec{}.WriteFrame(w, init)
}
