package server

import "golang.org/x/time/rate"

// RateLimits configures the per-connection token buckets by event kind.
type RateLimits struct {
	JoinsPerMinute      int
	CursorsPerSecond    int
	OperationsPerMinute int
}

// DefaultRateLimits are the recommended per-connection limits.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		JoinsPerMinute:      10,
		CursorsPerSecond:    50,
		OperationsPerMinute: 200,
	}
}

// connLimiter holds one connection's token buckets. Excess cursor updates
// are dropped silently (cursors are best-effort); excess joins and
// operation batches surface RateLimited to the client.
type connLimiter struct {
	joins      *rate.Limiter
	cursors    *rate.Limiter
	operations *rate.Limiter
}

func newConnLimiter(l RateLimits) *connLimiter {
	return &connLimiter{
		joins:      rate.NewLimiter(rate.Limit(float64(l.JoinsPerMinute)/60.0), l.JoinsPerMinute),
		cursors:    rate.NewLimiter(rate.Limit(l.CursorsPerSecond), l.CursorsPerSecond),
		operations: rate.NewLimiter(rate.Limit(float64(l.OperationsPerMinute)/60.0), l.OperationsPerMinute),
	}
}

func (c *connLimiter) allowJoin() bool      { return c.joins.Allow() }
func (c *connLimiter) allowCursor() bool    { return c.cursors.Allow() }
func (c *connLimiter) allowOperation() bool { return c.operations.Allow() }
