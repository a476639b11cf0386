// Package notify implements the blocking-notification coordinator: waits on
// "both products sold today" and "n consecutive sales of one product",
// cancelled only by day turnover.
//
// One mutex and one broadcast condition variable serve every waiter.
// Waiters watch disjoint predicates (any product pair, any streak length),
// so per-predicate condition variables are unbounded; instead every state
// change broadcasts and each waiter re-checks its own predicate in a loop,
// which also absorbs spurious wakeups.
package notify

import "sync"

// Coordinator holds the notification state of the current day. Its day
// counter is local: it only needs to move in the same direction as the
// storage engine's, not agree in value.
type Coordinator struct {
	mu   sync.Mutex
	cond *sync.Cond

	day              int64
	soldToday        map[string]struct{}
	lastProduct      string
	hasLast          bool
	consecutiveCount int

	// streak length → products that reached exactly that length today.
	// Keeping the whole history makes a subscriber that arrives after the
	// streak happened still succeed.
	streaksReached map[int]map[string]struct{}

	closed bool
}

// New returns a coordinator with day-zero state.
func New() *Coordinator {
	c := &Coordinator{
		soldToday:      make(map[string]struct{}),
		streaksReached: make(map[int]map[string]struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// RegisterSale records one sale of product and wakes every waiter.
func (c *Coordinator) RegisterSale(product string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.soldToday[product] = struct{}{}

	if c.hasLast && c.lastProduct == product {
		c.consecutiveCount++
	} else {
		c.lastProduct = product
		c.hasLast = true
		c.consecutiveCount = 1
	}

	reached := c.streaksReached[c.consecutiveCount]
	if reached == nil {
		reached = make(map[string]struct{})
		c.streaksReached[c.consecutiveCount] = reached
	}
	reached[product] = struct{}{}

	c.cond.Broadcast()
}

// NewDay clears all per-day state, advances the local day counter and wakes
// every waiter so day-scoped waits can observe the turnover.
func (c *Coordinator) NewDay() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.day++
	c.soldToday = make(map[string]struct{})
	c.streaksReached = make(map[int]map[string]struct{})
	c.lastProduct = ""
	c.hasLast = false
	c.consecutiveCount = 0

	c.cond.Broadcast()
}

// WaitSimultaneous blocks until both products have sold at least once in
// the current day, or the day ends. Returns true iff both were seen before
// the turnover.
func (c *Coordinator) WaitSimultaneous(p1, p2 string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	startDay := c.day
	for !c.closed && c.day == startDay && !c.bothSoldLocked(p1, p2) {
		c.cond.Wait()
	}
	return !c.closed && c.day == startDay
}

func (c *Coordinator) bothSoldLocked(p1, p2 string) bool {
	_, ok1 := c.soldToday[p1]
	_, ok2 := c.soldToday[p2]
	return ok1 && ok2
}

// WaitConsecutive blocks until some product reaches a streak of exactly n
// sales in the current day, or the day ends. On success it returns one such
// product and true; the tie-break among products that reached n is
// unspecified. A streak reached before the call still satisfies it.
func (c *Coordinator) WaitConsecutive(n int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	startDay := c.day
	for !c.closed && c.day == startDay && len(c.streaksReached[n]) == 0 {
		c.cond.Wait()
	}
	if c.closed || c.day != startDay {
		return "", false
	}
	for product := range c.streaksReached[n] {
		return product, true
	}
	return "", false // unreachable; the loop exits with a non-empty set
}

// Close releases every waiter as if its day had ended. Used only during
// server shutdown; day turnover remains the sole in-protocol cancellation.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}
