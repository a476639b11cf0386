package wire

import (
	"bytes"

	"github.com/pkg/errors"
)

// PayloadWriter builds a frame payload from the protocol's primitive
// encodings. Writes into the backing buffer cannot fail, so the build is
// error-free until Bytes.
type PayloadWriter struct {
	buf bytes.Buffer
}

// WriteUTF appends a length-prefixed UTF-8 string. Panics if s exceeds the
// 2-byte length prefix; callers validate sizes before encoding.
func (w *PayloadWriter) WriteUTF(s string) *PayloadWriter {
	if err := WriteUTF(&w.buf, s); err != nil {
		panic(err)
	}
	return w
}

// WriteInt32 appends a big-endian int32.
func (w *PayloadWriter) WriteInt32(v int32) *PayloadWriter {
	_ = WriteInt32(&w.buf, v)
	return w
}

// WriteFloat64 appends a big-endian IEEE-754 double.
func (w *PayloadWriter) WriteFloat64(v float64) *PayloadWriter {
	_ = WriteFloat64(&w.buf, v)
	return w
}

// WriteBool appends a single byte, 1 for true and 0 for false.
func (w *PayloadWriter) WriteBool(v bool) *PayloadWriter {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
	return w
}

// Bytes returns the encoded payload.
func (w *PayloadWriter) Bytes() []byte {
	return w.buf.Bytes()
}

// PayloadReader decodes a frame payload. A short or truncated payload
// surfaces as an error from the individual Read calls.
type PayloadReader struct {
	r *bytes.Reader
}

// NewPayloadReader wraps p for decoding.
func NewPayloadReader(p []byte) *PayloadReader {
	return &PayloadReader{r: bytes.NewReader(p)}
}

// ReadUTF reads one length-prefixed UTF-8 string.
func (r *PayloadReader) ReadUTF() (string, error) {
	s, err := ReadUTF(r.r)
	if err != nil {
		return "", errors.Wrap(err, "payload")
	}
	return s, nil
}

// ReadInt32 reads one big-endian int32.
func (r *PayloadReader) ReadInt32() (int32, error) {
	v, err := ReadInt32(r.r)
	if err != nil {
		return 0, errors.Wrap(err, "payload")
	}
	return v, nil
}

// ReadFloat64 reads one big-endian IEEE-754 double.
func (r *PayloadReader) ReadFloat64() (float64, error) {
	v, err := ReadFloat64(r.r)
	if err != nil {
		return 0, errors.Wrap(err, "payload")
	}
	return v, nil
}

// ReadBool reads one byte and reports whether it is non-zero.
func (r *PayloadReader) ReadBool() (bool, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return false, errors.Wrap(err, "payload: read bool")
	}
	return b != 0, nil
}

// Remaining reports how many undecoded bytes are left.
func (r *PayloadReader) Remaining() int {
	return r.r.Len()
}
