package client

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesd/internal/config"
	"salesd/internal/server"
)

func startServer(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	cfg := &config.Config{
		Addr:          "127.0.0.1:0",
		CacheSize:     10,
		RetentionDays: 365,
		Workers:       16,
		DataDir:       t.TempDir(),
		ReadTimeout:   time.Minute,
		LogLevel:      "info",
		LogFormat:     "json",
	}
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := server.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Shutdown() })
	return srv.Addr().String()
}

func dialAndLogin(t *testing.T, addr, user string) *Client {
	t.Helper()
	c, err := Dial(addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	created, err := c.Register(user, "pw")
	require.NoError(t, err)
	_ = created // may already exist when several clients share a user

	ok, err := c.Login(user, "pw")
	require.NoError(t, err)
	require.True(t, ok)
	return c
}

func TestRegisterAndLoginScenario(t *testing.T) {
	addr := startServer(t, nil)
	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	created, err := c.Register("alice", "pw")
	require.NoError(t, err)
	assert.True(t, created)

	ok, err := c.Login("alice", "pw")
	require.NoError(t, err)
	assert.True(t, ok)

	created, err = c.Register("alice", "other")
	require.NoError(t, err)
	assert.False(t, created)

	ok, err = c.Login("alice", "bad")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnauthenticatedCallSurfacesServerError(t *testing.T) {
	addr := startServer(t, nil)
	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.CurrentDay()
	require.Error(t, err)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "not authenticated", se.Message)
}

func TestAggregationScenario(t *testing.T) {
	addr := startServer(t, nil)
	c := dialAndLogin(t, addr, "alice")

	require.NoError(t, c.AddEvent("A", 10, 5.0))
	require.NoError(t, c.AddEvent("A", 5, 10.0))
	require.NoError(t, c.NewDay())

	qty, err := c.AggregateQuantity("A", 1)
	require.NoError(t, err)
	assert.Equal(t, 15.0, qty)

	vol, err := c.AggregateVolume("A", 1)
	require.NoError(t, err)
	assert.Equal(t, 100.0, vol)

	max, err := c.AggregateMax("A", 1)
	require.NoError(t, err)
	assert.Equal(t, 10.0, max)

	avg, err := c.AggregateAverage("A", 1)
	require.NoError(t, err)
	assert.Equal(t, 100.0/15.0, avg)

	// Second day on top.
	require.NoError(t, c.AddEvent("A", 20, 8.0))
	require.NoError(t, c.NewDay())

	qty, err = c.AggregateQuantity("A", 2)
	require.NoError(t, err)
	assert.Equal(t, 35.0, qty)

	vol, err = c.AggregateVolume("A", 2)
	require.NoError(t, err)
	assert.Equal(t, 260.0, vol)

	max, err = c.AggregateMax("A", 2)
	require.NoError(t, err)
	assert.Equal(t, 10.0, max)

	day, err := c.CurrentDay()
	require.NoError(t, err)
	assert.Equal(t, 2, day)
}

func TestAggregateValidation(t *testing.T) {
	addr := startServer(t, func(cfg *config.Config) { cfg.RetentionDays = 10 })
	c := dialAndLogin(t, addr, "alice")

	_, err := c.AggregateQuantity("A", 0)
	var se *ServerError
	require.ErrorAs(t, err, &se)

	_, err = c.AggregateQuantity("A", 11)
	require.ErrorAs(t, err, &se)

	_, err = c.AggregateQuantity("A", 10)
	require.NoError(t, err)
}

func TestFilterRoundTrip(t *testing.T) {
	addr := startServer(t, nil)
	c := dialAndLogin(t, addr, "alice")

	require.NoError(t, c.AddEvent("A", 1, 1.5))
	require.NoError(t, c.AddEvent("B", 2, 2.5))
	require.NoError(t, c.AddEvent("A", 3, 3.5))
	require.NoError(t, c.AddEvent("C", 4, 4.5))
	require.NoError(t, c.NewDay())

	sales, err := c.Filter(0, []string{"A", "C"})
	require.NoError(t, err)
	assert.Equal(t, []Sale{
		{Product: "A", Quantity: 1, Price: 1.5},
		{Product: "A", Quantity: 3, Price: 3.5},
		{Product: "C", Quantity: 4, Price: 4.5},
	}, sales)

	// Empty filter: a valid request with an empty result.
	sales, err = c.Filter(0, nil)
	require.NoError(t, err)
	assert.Empty(t, sales)
}

func TestFilterWindowValidation(t *testing.T) {
	addr := startServer(t, func(cfg *config.Config) { cfg.RetentionDays = 2 })
	c := dialAndLogin(t, addr, "alice")

	for i := 0; i < 4; i++ {
		require.NoError(t, c.AddEvent("P", 1, 1.0))
		require.NoError(t, c.NewDay())
	}

	var se *ServerError
	_, err := c.Filter(4, []string{"P"}) // the open day
	require.ErrorAs(t, err, &se)

	_, err = c.Filter(1, []string{"P"}) // below currentDay - D
	require.ErrorAs(t, err, &se)

	_, err = c.Filter(-1, []string{"P"})
	require.ErrorAs(t, err, &se)

	sales, err := c.Filter(3, []string{"P"})
	require.NoError(t, err)
	assert.Len(t, sales, 1)
}

func TestWaitSimultaneousAcrossConnections(t *testing.T) {
	addr := startServer(t, nil)
	waiter := dialAndLogin(t, addr, "alice")
	seller := dialAndLogin(t, addr, "bob")

	result := make(chan bool, 1)
	errCh := make(chan error, 1)
	go func() {
		ok, err := waiter.WaitSimultaneous("Banana", "Apple")
		errCh <- err
		result <- ok
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, seller.AddEvent("Banana", 1, 1.0))
	require.NoError(t, seller.AddEvent("Apple", 1, 1.0))

	select {
	case err := <-errCh:
		require.NoError(t, err)
		assert.True(t, <-result)
	case <-time.After(10 * time.Second):
		t.Fatal("wait did not complete")
	}
}

func TestWaitConsecutiveLateSubscriber(t *testing.T) {
	addr := startServer(t, nil)
	seller := dialAndLogin(t, addr, "alice")
	waiter := dialAndLogin(t, addr, "bob")

	for i := 0; i < 3; i++ {
		require.NoError(t, seller.AddEvent("Orange", 1, 0.5))
	}

	product, ok, err := waiter.WaitConsecutive(3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Orange", product)
}

func TestWaitConsecutiveEndedByNewDay(t *testing.T) {
	addr := startServer(t, nil)
	waiter := dialAndLogin(t, addr, "alice")
	closer := dialAndLogin(t, addr, "bob")

	type result struct {
		product string
		ok      bool
		err     error
	}
	done := make(chan result, 1)
	go func() {
		p, ok, err := waiter.WaitConsecutive(50)
		done <- result{p, ok, err}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, closer.NewDay())

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.False(t, r.ok)
		assert.Empty(t, r.product)
	case <-time.After(10 * time.Second):
		t.Fatal("wait did not observe day turnover")
	}
}

// Many outstanding requests on one connection, completing out of order,
// must all land on their own callers.
func TestConcurrentRequestsOnOneConnection(t *testing.T) {
	addr := startServer(t, nil)
	c := dialAndLogin(t, addr, "alice")

	// A long-blocking wait sits in flight while short requests stream past.
	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		_, _, err := c.WaitConsecutive(2)
		assert.NoError(t, err)
	}()

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 50; i++ {
		require.NoError(t, c.AddEvent("X", 1, 1.0))
		day, err := c.CurrentDay()
		require.NoError(t, err)
		require.Equal(t, 0, day)
	}

	select {
	case <-waitDone:
	case <-time.After(10 * time.Second):
		t.Fatal("in-flight wait never resolved despite the streak")
	}
}

func TestCallsFailAfterClose(t *testing.T) {
	addr := startServer(t, nil)
	c := dialAndLogin(t, addr, "alice")

	require.NoError(t, c.Close())

	_, err := c.CurrentDay()
	require.Error(t, err)
}
