// Package client is the client-side library: one TCP connection, one reader
// goroutine, and a correlation-tag table that lets many callers keep
// requests outstanding concurrently — including the long-blocking WAIT
// operations — without head-of-line blocking.
package client

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"salesd/internal/store"
	"salesd/internal/wire"
)

// Default per-call timeouts. Normal operations fail fast; WAIT operations
// legitimately block until day turnover.
const (
	DefaultTimeout = 30 * time.Second
	WaitTimeout    = 24 * time.Hour
)

// ErrTimeout is returned when a response does not arrive within the
// caller's timeout. The server-side operation is not cancelled; a late
// response is dropped by the reader.
var ErrTimeout = errors.New("client: request timed out")

// ErrClosed is returned for calls made after Close or after the reader hit
// a terminal stream error.
var ErrClosed = errors.New("client: connection closed")

// ServerError carries a 500 response's message.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}

// Sale mirrors the engine's sale record as decoded from FILTER responses.
type Sale = store.Sale

type response struct {
	typ     int32
	payload []byte
}

// Client is a connection to the server. All methods are safe for concurrent
// use; each call allocates a fresh correlation tag, registers it, sends the
// request and waits on its one-shot slot.
type Client struct {
	stream *wire.Stream

	mu      sync.Mutex
	nextTag int32
	pending map[int32]chan response
	err     error
}

// Dial connects to addr and starts the reader goroutine.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "client: dial")
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	c := &Client{
		stream:  wire.NewStream(conn),
		pending: make(map[int32]chan response),
	}
	go c.readLoop()
	return c, nil
}

// readLoop is the single reader: every received frame is matched against
// the pending table by tag and deposited into the waiter's slot. Frames
// with no registered tag (the waiter timed out) are dropped. A terminal
// stream error fails every waiter and every future registration.
func (c *Client) readLoop() {
	for {
		f, err := c.stream.Receive()
		if err != nil {
			c.fail(err)
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[f.Tag]
		if ok {
			delete(c.pending, f.Tag)
		}
		c.mu.Unlock()

		if ok {
			ch <- response{typ: f.Type, payload: f.Payload}
		}
	}
}

// fail records the terminal error and wakes every waiter by closing its
// slot; waiters translate the closed slot into the recorded error.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	for tag, ch := range c.pending {
		delete(c.pending, tag)
		close(ch)
	}
	c.mu.Unlock()
}

// Close shuts the connection down. In-flight calls fail with ErrClosed.
func (c *Client) Close() error {
	err := c.stream.Close()
	c.fail(ErrClosed)
	return err
}

// call performs one request/response exchange: register the tag, send, wait
// until the response, the timeout, or a terminal error. Register-then-send
// ordering guarantees a response arriving before the caller blocks is still
// delivered.
func (c *Client) call(op int32, payload []byte, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	tag := c.nextTag
	c.nextTag++
	ch := make(chan response, 1)
	c.pending[tag] = ch
	c.mu.Unlock()

	if err := c.stream.Send(wire.Frame{Tag: tag, Type: op, Payload: payload}); err != nil {
		c.mu.Lock()
		delete(c.pending, tag)
		c.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			if err == nil {
				err = ErrClosed
			}
			return nil, err
		}
		if resp.typ == wire.StatusErr {
			return nil, &ServerError{Message: string(resp.payload)}
		}
		return resp.payload, nil
	case <-timer.C:
		// Remove the tag so a late server response is dropped; the
		// server-side operation itself is not cancelled.
		c.mu.Lock()
		delete(c.pending, tag)
		c.mu.Unlock()
		return nil, ErrTimeout
	}
}

// Register creates a user. Returns false when the name is taken.
func (c *Client) Register(user, pass string) (bool, error) {
	var w wire.PayloadWriter
	payload, err := c.call(wire.OpRegister, w.WriteUTF(user).WriteUTF(pass).Bytes(), DefaultTimeout)
	if err != nil {
		return false, err
	}
	return wire.NewPayloadReader(payload).ReadBool()
}

// Login authenticates this connection. Returns false on bad credentials.
func (c *Client) Login(user, pass string) (bool, error) {
	var w wire.PayloadWriter
	payload, err := c.call(wire.OpLogin, w.WriteUTF(user).WriteUTF(pass).Bytes(), DefaultTimeout)
	if err != nil {
		return false, err
	}
	return wire.NewPayloadReader(payload).ReadBool()
}

// AddEvent appends a sale to the open day.
func (c *Client) AddEvent(product string, qty int32, price float64) error {
	var w wire.PayloadWriter
	_, err := c.call(wire.OpAddEvent, w.WriteUTF(product).WriteInt32(qty).WriteFloat64(price).Bytes(), DefaultTimeout)
	return err
}

// NewDay closes and persists the open day.
func (c *Client) NewDay() error {
	_, err := c.call(wire.OpNewDay, nil, DefaultTimeout)
	return err
}

func (c *Client) aggregate(op int32, product string, days int) (float64, error) {
	var w wire.PayloadWriter
	payload, err := c.call(op, w.WriteUTF(product).WriteInt32(int32(days)).Bytes(), DefaultTimeout)
	if err != nil {
		return 0, err
	}
	return wire.NewPayloadReader(payload).ReadFloat64()
}

// AggregateQuantity sums quantities of product over the last days closed days.
func (c *Client) AggregateQuantity(product string, days int) (float64, error) {
	return c.aggregate(wire.OpAggrQty, product, days)
}

// AggregateVolume sums quantity×price of product over the window.
func (c *Client) AggregateVolume(product string, days int) (float64, error) {
	return c.aggregate(wire.OpAggrVol, product, days)
}

// AggregateAverage returns volume/quantity over the window, 0 when empty.
func (c *Client) AggregateAverage(product string, days int) (float64, error) {
	return c.aggregate(wire.OpAggrAvg, product, days)
}

// AggregateMax returns the maximum unit price over the window, 0 when empty.
func (c *Client) AggregateMax(product string, days int) (float64, error) {
	return c.aggregate(wire.OpAggrMax, product, days)
}

// Filter returns the sales of one closed day whose product is in products,
// decoded from the dictionary-compressed response.
func (c *Client) Filter(day int, products []string) ([]Sale, error) {
	var w wire.PayloadWriter
	w.WriteInt32(int32(day)).WriteInt32(int32(len(products)))
	for _, p := range products {
		w.WriteUTF(p)
	}
	payload, err := c.call(wire.OpFilter, w.Bytes(), DefaultTimeout)
	if err != nil {
		return nil, err
	}

	r := wire.NewPayloadReader(payload)
	dictSize, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	dict := make([]string, dictSize)
	for i := range dict {
		if dict[i], err = r.ReadUTF(); err != nil {
			return nil, err
		}
	}
	numEvents, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	sales := make([]Sale, 0, numEvents)
	for i := int32(0); i < numEvents; i++ {
		idx, err := r.ReadInt32()
		if err != nil {
			return nil, err
		}
		if idx < 0 || int(idx) >= len(dict) {
			return nil, errors.Errorf("client: dictionary index %d out of range", idx)
		}
		qty, err := r.ReadInt32()
		if err != nil {
			return nil, err
		}
		price, err := r.ReadFloat64()
		if err != nil {
			return nil, err
		}
		sales = append(sales, Sale{Product: dict[idx], Quantity: qty, Price: price})
	}
	return sales, nil
}

// WaitSimultaneous blocks until both products sell in the current day.
// Returns false when the day ended first.
func (c *Client) WaitSimultaneous(p1, p2 string) (bool, error) {
	var w wire.PayloadWriter
	payload, err := c.call(wire.OpWaitSimul, w.WriteUTF(p1).WriteUTF(p2).Bytes(), WaitTimeout)
	if err != nil {
		return false, err
	}
	return wire.NewPayloadReader(payload).ReadBool()
}

// WaitConsecutive blocks until some product reaches a streak of n sales in
// the current day. Returns ("", false, nil) when the day ended first.
func (c *Client) WaitConsecutive(n int) (string, bool, error) {
	var w wire.PayloadWriter
	payload, err := c.call(wire.OpWaitConsec, w.WriteInt32(int32(n)).Bytes(), WaitTimeout)
	if err != nil {
		return "", false, err
	}
	if len(payload) == 0 {
		return "", false, nil
	}
	product, err := wire.NewPayloadReader(payload).ReadUTF()
	if err != nil {
		return "", false, err
	}
	return product, true, nil
}

// CurrentDay returns the server's open day number.
func (c *Client) CurrentDay() (int, error) {
	payload, err := c.call(wire.OpGetCurrentDay, nil, DefaultTimeout)
	if err != nil {
		return 0, err
	}
	day, err := wire.NewPayloadReader(payload).ReadInt32()
	return int(day), err
}
