package server

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"salesd/internal/monitoring"
	"salesd/internal/store"
	"salesd/internal/wire"
)

// Error message on the wire for requests issued before LOGIN. Clients match
// on this string.
const msgNotAuthenticated = "not authenticated"

const (
	maxFilterProducts = 10000
	maxConsecutive    = 100000
)

// session is the per-connection state machine: UNAUTH → AUTH → CLOSED. The
// authenticated flag is atomic because worker tasks race-read it while the
// LOGIN task writes it; the transition is one-shot, so a stale read only
// delays visibility of a fresh login.
type session struct {
	stream *wire.Stream
	remote string

	authenticated atomic.Bool
	userMu        sync.Mutex
	user          string

	// Set after a failed response write. Remaining work for this
	// connection is dropped instead of writing into a broken socket.
	writeFailed atomic.Bool

	readTimeout time.Duration
	closeOnce   sync.Once
}

func newSession(conn net.Conn, readTimeout time.Duration) *session {
	return &session{
		stream:      wire.NewStream(conn),
		remote:      conn.RemoteAddr().String(),
		readTimeout: readTimeout,
	}
}

func (sess *session) close() {
	sess.closeOnce.Do(func() {
		sess.stream.Close()
	})
}

func (sess *session) setUser(user string) {
	sess.userMu.Lock()
	sess.user = user
	sess.userMu.Unlock()
}

func (sess *session) currentUser() string {
	sess.userMu.Lock()
	defer sess.userMu.Unlock()
	return sess.user
}

// serveConn is the per-connection reader: frames are read serially in
// arrival order and each one becomes a pool task, so operations from one
// connection execute in parallel and may complete out of order. The
// response carries the request tag, so the client correlates them.
func (s *Server) serveConn(sess *session) {
	defer func() {
		s.sessions.Delete(sess)
		sess.close()
		if s.connSem != nil {
			<-s.connSem
		}
		monitoring.ConnectionClosed()
		s.wg.Done()
	}()

	s.logger.Debug().Str("remote", sess.remote).Msg("Connection opened")

	for {
		sess.stream.SetReadDeadline(time.Now().Add(sess.readTimeout))
		f, err := sess.stream.Receive()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Dead-peer probe expired without shutdown: keep reading.
				if s.shuttingDown.Load() {
					return
				}
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, wire.ErrStreamClosed) {
				s.logger.Debug().
					Str("remote", sess.remote).
					Str("user", sess.currentUser()).
					Msg("Connection closed by peer")
			} else if !s.shuttingDown.Load() {
				s.logger.Warn().Err(err).Str("remote", sess.remote).Msg("Connection read failed")
			}
			return
		}

		frame := f
		s.pool.Submit(func() { s.handleFrame(sess, frame) })
		monitoring.SetWorkerQueueDepth(s.pool.QueueDepth())
	}
}

// handleFrame runs on a pool worker: decode, validate, execute, respond.
func (s *Server) handleFrame(sess *session, f wire.Frame) {
	if sess.writeFailed.Load() {
		return
	}

	start := time.Now()
	status, payload := s.dispatch(sess, f)
	monitoring.RequestHandled(f.Type, status, time.Since(start))

	resp := wire.Frame{Tag: f.Tag, Type: status, Payload: payload}
	if err := sess.stream.Send(resp); err != nil {
		sess.writeFailed.Store(true)
		s.logger.Warn().Err(err).Str("remote", sess.remote).Msg("Response write failed, terminating connection")
		sess.close()
	}
}

// dispatch decodes and executes one request. Every failure path returns
// status 500 with a human-readable message payload; the handler continues
// serving the connection.
func (s *Server) dispatch(sess *session, f wire.Frame) (int32, []byte) {
	if !sess.authenticated.Load() && f.Type != wire.OpRegister && f.Type != wire.OpLogin {
		return wire.StatusErr, []byte(msgNotAuthenticated)
	}

	r := wire.NewPayloadReader(f.Payload)

	var payload []byte
	var err error
	switch f.Type {
	case wire.OpRegister:
		payload, err = s.handleRegister(r)
	case wire.OpLogin:
		payload, err = s.handleLogin(sess, r)
	case wire.OpAddEvent:
		payload, err = s.handleAddEvent(r)
	case wire.OpNewDay:
		payload, err = s.handleNewDay()
	case wire.OpAggrQty, wire.OpAggrVol, wire.OpAggrAvg, wire.OpAggrMax:
		payload, err = s.handleAggregate(f.Type, r)
	case wire.OpFilter:
		payload, err = s.handleFilter(r)
	case wire.OpWaitSimul:
		payload, err = s.handleWaitSimultaneous(r)
	case wire.OpWaitConsec:
		payload, err = s.handleWaitConsecutive(r)
	case wire.OpGetCurrentDay:
		payload, err = s.handleGetCurrentDay()
	default:
		err = errors.Errorf("unknown operation code %d", f.Type)
	}
	if err != nil {
		return wire.StatusErr, []byte(err.Error())
	}
	return wire.StatusOK, payload
}

func (s *Server) handleRegister(r *wire.PayloadReader) ([]byte, error) {
	user, err := r.ReadUTF()
	if err != nil {
		return nil, err
	}
	pass, err := r.ReadUTF()
	if err != nil {
		return nil, err
	}
	created, err := s.creds.Register(user, pass)
	if err != nil {
		return nil, err
	}
	var w wire.PayloadWriter
	return w.WriteBool(created).Bytes(), nil
}

func (s *Server) handleLogin(sess *session, r *wire.PayloadReader) ([]byte, error) {
	user, err := r.ReadUTF()
	if err != nil {
		return nil, err
	}
	pass, err := r.ReadUTF()
	if err != nil {
		return nil, err
	}
	ok := s.creds.Authenticate(user, pass)
	if ok {
		sess.setUser(user)
		sess.authenticated.Store(true)
		s.logger.Debug().Str("user", user).Str("remote", sess.remote).Msg("Login succeeded")
	}
	var w wire.PayloadWriter
	return w.WriteBool(ok).Bytes(), nil
}

// handleAddEvent records the sale in storage first and in the notifier
// second, always in that order, so waiters observe a strictly conservative
// view of storage.
func (s *Server) handleAddEvent(r *wire.PayloadReader) ([]byte, error) {
	product, err := r.ReadUTF()
	if err != nil {
		return nil, err
	}
	qty, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	price, err := r.ReadFloat64()
	if err != nil {
		return nil, err
	}
	s.engine.AddEvent(product, qty, price)
	s.notifier.RegisterSale(product)
	return nil, nil
}

// handleNewDay persists the open day, then cancels the notifier's day. The
// notifier is not advanced when persistence fails: the day did not close.
func (s *Server) handleNewDay() ([]byte, error) {
	if err := s.engine.PersistDay(); err != nil {
		s.logger.Error().Err(err).Msg("Day close failed")
		return nil, err
	}
	s.notifier.NewDay()
	s.logger.Info().Int("current_day", s.engine.CurrentDay()).Msg("Day closed")
	return nil, nil
}

func (s *Server) handleAggregate(op int32, r *wire.PayloadReader) ([]byte, error) {
	product, err := r.ReadUTF()
	if err != nil {
		return nil, err
	}
	days, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if days < 1 || int(days) > s.cfg.RetentionDays {
		return nil, errors.Errorf("days must be in [1, %d], got %d", s.cfg.RetentionDays, days)
	}

	var kind store.AggKind
	switch op {
	case wire.OpAggrQty:
		kind = store.AggQuantity
	case wire.OpAggrVol:
		kind = store.AggVolume
	case wire.OpAggrAvg:
		kind = store.AggAverage
	case wire.OpAggrMax:
		kind = store.AggMax
	}

	result, err := s.engine.Aggregate(kind, product, int(days))
	if err != nil {
		return nil, err
	}
	var w wire.PayloadWriter
	return w.WriteFloat64(result).Bytes(), nil
}

// handleFilter validates the day against the retention window, loads the
// closed day and returns the matching events dictionary-encoded: each
// distinct product written once, in first-seen order, then events as
// (dictIndex, qty, price) triples.
func (s *Server) handleFilter(r *wire.PayloadReader) ([]byte, error) {
	day, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	n, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 || n > maxFilterProducts {
		return nil, errors.Errorf("filter size must be in [0, %d], got %d", maxFilterProducts, n)
	}

	currentDay := s.engine.CurrentDay()
	oldest := currentDay - s.cfg.RetentionDays
	if oldest < 0 {
		oldest = 0
	}
	if day < 0 || int(day) >= currentDay || int(day) < oldest {
		return nil, errors.Errorf("day %d is outside the retention window [%d, %d)", day, oldest, currentDay)
	}

	filter := make(map[string]struct{}, n)
	for i := int32(0); i < n; i++ {
		product, err := r.ReadUTF()
		if err != nil {
			return nil, err
		}
		filter[product] = struct{}{}
	}

	events, err := s.engine.EventsForDay(int(day), filter)
	if err != nil {
		return nil, err
	}

	var w wire.PayloadWriter
	index := make(map[string]int32, len(filter))
	var order []string
	for _, ev := range events {
		if _, ok := index[ev.Product]; !ok {
			index[ev.Product] = int32(len(order))
			order = append(order, ev.Product)
		}
	}
	w.WriteInt32(int32(len(order)))
	for _, product := range order {
		w.WriteUTF(product)
	}
	w.WriteInt32(int32(len(events)))
	for _, ev := range events {
		w.WriteInt32(index[ev.Product]).WriteInt32(ev.Quantity).WriteFloat64(ev.Price)
	}
	return w.Bytes(), nil
}

func (s *Server) handleWaitSimultaneous(r *wire.PayloadReader) ([]byte, error) {
	p1, err := r.ReadUTF()
	if err != nil {
		return nil, err
	}
	p2, err := r.ReadUTF()
	if err != nil {
		return nil, err
	}
	if p1 == "" || p2 == "" {
		return nil, errors.New("product names must not be empty")
	}

	ok := s.notifier.WaitSimultaneous(p1, p2)
	var w wire.PayloadWriter
	return w.WriteBool(ok).Bytes(), nil
}

func (s *Server) handleWaitConsecutive(r *wire.PayloadReader) ([]byte, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 1 || n > maxConsecutive {
		return nil, errors.Errorf("streak length must be in [1, %d], got %d", maxConsecutive, n)
	}

	product, ok := s.notifier.WaitConsecutive(int(n))
	if !ok {
		// Day ended before the streak: empty payload.
		return nil, nil
	}
	var w wire.PayloadWriter
	return w.WriteUTF(product).Bytes(), nil
}

func (s *Server) handleGetCurrentDay() ([]byte, error) {
	var w wire.PayloadWriter
	return w.WriteInt32(int32(s.engine.CurrentDay())).Bytes(), nil
}
