// Package wire implements the framed request/response protocol: a fixed
// 12-byte big-endian header (correlation tag, operation or status code,
// payload length) followed by the payload, plus the primitive payload
// encodings shared by the protocol, the day files and the state files.
package wire

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Operation codes (request frames).
const (
	OpRegister      int32 = 1
	OpLogin         int32 = 2
	OpAddEvent      int32 = 3
	OpNewDay        int32 = 4
	OpAggrQty       int32 = 5
	OpAggrVol       int32 = 6
	OpAggrAvg       int32 = 7
	OpAggrMax       int32 = 8
	OpFilter        int32 = 9
	OpWaitSimul     int32 = 10
	OpWaitConsec    int32 = 11
	OpGetCurrentDay int32 = 12
)

// Status codes (response frames).
const (
	StatusOK  int32 = 200
	StatusErr int32 = 500
)

const (
	headerSize = 12

	// MaxPayload bounds a single frame payload. The protocol itself has no
	// limit; a frame larger than this indicates a corrupt or hostile peer.
	MaxPayload = 64 << 20
)

// ErrFrameTooLarge is returned when a frame header announces a payload
// outside [0, MaxPayload]. It is a terminal stream error: the reader cannot
// resynchronize after it.
var ErrFrameTooLarge = errors.New("wire: frame length out of range")

// Frame is one message on the wire. Tag correlates a response with its
// request; Type carries an operation code on requests and a status code on
// responses. A nil or empty payload encodes as length zero.
type Frame struct {
	Tag     int32
	Type    int32
	Payload []byte
}

// ReadFrame reads exactly one frame from r, blocking until the header and
// full payload have arrived. io.EOF before the first header byte means a
// clean close; a partial frame is reported as io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, errors.Wrap(err, "wire: read frame header")
	}

	f := Frame{
		Tag:  int32(binary.BigEndian.Uint32(hdr[0:4])),
		Type: int32(binary.BigEndian.Uint32(hdr[4:8])),
	}
	length := int32(binary.BigEndian.Uint32(hdr[8:12]))
	if length < 0 || length > MaxPayload {
		return Frame{}, ErrFrameTooLarge
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, errors.Wrap(err, "wire: read frame payload")
		}
	}
	return f, nil
}

// WriteFrame writes f to w as a single Write call so that concurrent writers
// serialized by a mutex cannot interleave header and payload bytes.
func WriteFrame(w io.Writer, f Frame) error {
	buf := make([]byte, headerSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(f.Tag))
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.Type))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(f.Payload)))
	copy(buf[headerSize:], f.Payload)
	_, err := w.Write(buf)
	return errors.Wrap(err, "wire: write frame")
}

// maxUTFLen is the largest string the 2-byte length prefix can carry.
const maxUTFLen = math.MaxUint16

// WriteUTF writes s as a 2-byte big-endian length prefix followed by its
// UTF-8 bytes.
func WriteUTF(w io.Writer, s string) error {
	if len(s) > maxUTFLen {
		return errors.Errorf("wire: string of %d bytes exceeds UTF limit", len(s))
	}
	var pre [2]byte
	binary.BigEndian.PutUint16(pre[:], uint16(len(s)))
	if _, err := w.Write(pre[:]); err != nil {
		return errors.Wrap(err, "wire: write string length")
	}
	_, err := io.WriteString(w, s)
	return errors.Wrap(err, "wire: write string bytes")
}

// ReadUTF reads one length-prefixed UTF-8 string. io.EOF is returned
// unwrapped when the stream ends cleanly before the length prefix, so that
// record scanners can detect end-of-file.
func ReadUTF(r io.Reader) (string, error) {
	var pre [2]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		if err == io.EOF {
			return "", io.EOF
		}
		return "", errors.Wrap(err, "wire: read string length")
	}
	n := binary.BigEndian.Uint16(pre[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Wrap(err, "wire: read string bytes")
	}
	return string(buf), nil
}

// WriteInt32 writes v big-endian.
func WriteInt32(w io.Writer, v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return errors.Wrap(err, "wire: write int32")
}

// ReadInt32 reads one big-endian int32. io.EOF is returned unwrapped when
// the stream ends cleanly before the first byte.
func ReadInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, errors.Wrap(err, "wire: read int32")
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// WriteFloat64 writes v as IEEE-754 big-endian.
func WriteFloat64(w io.Writer, v float64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	_, err := w.Write(buf[:])
	return errors.Wrap(err, "wire: write float64")
}

// ReadFloat64 reads one IEEE-754 big-endian double.
func ReadFloat64(r io.Reader) (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, errors.Wrap(err, "wire: read float64")
	}
	return math.Float64frombits(binary.BigEndian.Uint64(buf[:])), nil
}
