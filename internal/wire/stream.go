package wire

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrStreamClosed is the sticky error reported after Close or after a
// terminal I/O failure on either direction of the stream.
var ErrStreamClosed = errors.New("wire: stream closed")

// Stream is a framed stream over one TCP connection. Send is safe for
// concurrent use (a write mutex serializes whole frames); Receive must be
// driven by a single reader. Once either direction hits a terminal error the
// stream is poisoned: every subsequent Send and Receive fails with the same
// error rather than silently losing data.
type Stream struct {
	conn net.Conn

	writeMu sync.Mutex
	readMu  sync.Mutex

	errMu sync.Mutex
	err   error
}

// NewStream wraps conn. The caller keeps ownership of socket options.
func NewStream(conn net.Conn) *Stream {
	return &Stream{conn: conn}
}

// Send atomically writes one complete frame. A failed write poisons the
// stream for all future senders.
func (s *Stream) Send(f Frame) error {
	if err := s.terminalErr(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := WriteFrame(s.conn, f); err != nil {
		s.poison(err)
		return err
	}
	return nil
}

// Receive blocks until one complete frame arrives or the connection fails.
// A read deadline expiry is returned to the caller but does not poison the
// stream; the caller decides whether the peer is dead. io.EOF before a
// header byte is a clean close and poisons the stream with ErrStreamClosed.
func (s *Stream) Receive() (Frame, error) {
	if err := s.terminalErr(); err != nil {
		return Frame{}, err
	}
	s.readMu.Lock()
	defer s.readMu.Unlock()
	f, err := ReadFrame(s.conn)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return Frame{}, err
		}
		if err == io.EOF {
			s.poison(ErrStreamClosed)
			return Frame{}, io.EOF
		}
		s.poison(err)
		return Frame{}, err
	}
	return f, nil
}

// SetReadDeadline sets the deadline for the next Receive.
func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// Close releases the connection and poisons the stream. Safe to call more
// than once and concurrently with Send and Receive; a blocked Receive is
// unblocked by the socket close.
func (s *Stream) Close() error {
	s.poison(ErrStreamClosed)
	return s.conn.Close()
}

// RemoteAddr reports the peer address for logging.
func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Stream) poison(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *Stream) terminalErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}
