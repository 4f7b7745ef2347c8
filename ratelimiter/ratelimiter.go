package ratelimiter

import (
	"net/netip"
	"sync"
	"time"
)

const (
	defaultPacketsPerSecond = 20
	defaultPacketsBurstable = 5
	garbageCollectTime      = time.Second
)

// entry is one source address's token bucket.
type entry struct {
	mu       sync.Mutex
	lastTime time.Time
	tokens   int64
}

// Ratelimiter is a per-source-address token bucket, used by a server-role
// Connection to throttle decode attempts from an address it hasn't yet
// attached to (see transport.Connection.SetRatelimiter). The decode/
// direction/sequence checks themselves are unconditional; this only bounds
// how often an unattached server even calls into the AEAD for a given
// source before those checks run.
type Ratelimiter struct {
	mu      sync.RWMutex
	timeNow func() time.Time

	stopReset  chan struct{}
	table      map[netip.Addr]*entry
	packetCost int64
	maxTokens  int64
}

// New returns a Ratelimiter ready to use, at pps allowed packets per second
// per source address with the given burst allowance. A non-positive pps or
// burst falls back to the package defaults.
func New(pps, burst int) *Ratelimiter {
	r := &Ratelimiter{}
	r.Init(pps, burst)
	return r
}

func (rate *Ratelimiter) Close() {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	if rate.stopReset != nil {
		close(rate.stopReset)
		rate.stopReset = nil
	}
	rate.table = nil
}

func (rate *Ratelimiter) Init(pps, burst int) {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	if pps <= 0 {
		pps = defaultPacketsPerSecond
	}
	if burst <= 0 {
		burst = defaultPacketsBurstable
	}

	rate.packetCost = int64(time.Second / time.Duration(pps))
	rate.maxTokens = rate.packetCost * int64(burst)

	if rate.timeNow == nil {
		rate.timeNow = time.Now
	}
	if rate.stopReset != nil {
		close(rate.stopReset)
	}

	rate.stopReset = make(chan struct{})
	rate.table = make(map[netip.Addr]*entry)

	stopReset := rate.stopReset
	go func() {
		ticker := time.NewTicker(time.Second)
		ticker.Stop()
		for {
			select {
			case _, ok := <-stopReset:
				ticker.Stop()
				if !ok {
					return
				}
				ticker = time.NewTicker(time.Second)
			case <-ticker.C:
				if rate.cleanup() {
					ticker.Stop()
				}
			}
		}
	}()
}

func (rate *Ratelimiter) cleanup() (empty bool) {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	for key, e := range rate.table {
		e.mu.Lock()
		if rate.timeNow().Sub(e.lastTime) > garbageCollectTime {
			delete(rate.table, key)
		}
		e.mu.Unlock()
	}

	return len(rate.table) == 0
}

// TableSize reports how many source addresses currently hold a bucket.
// Exposed for metrics and tests; not used in the rate-limiting decision.
func (rate *Ratelimiter) TableSize() int {
	rate.mu.RLock()
	defer rate.mu.RUnlock()
	return len(rate.table)
}

func (rate *Ratelimiter) Allow(ip netip.Addr) bool {
	rate.mu.RLock()
	if rate.stopReset == nil {
		rate.mu.RUnlock()
		return true
	}
	e := rate.table[ip]
	rate.mu.RUnlock()

	if e == nil {
		e = new(entry)
		e.tokens = rate.maxTokens - rate.packetCost
		e.lastTime = rate.timeNow()
		rate.mu.Lock()
		rate.table[ip] = e
		stopReset := rate.stopReset
		if len(rate.table) == 1 && stopReset != nil {
			stopReset <- struct{}{}
		}
		rate.mu.Unlock()
		return true
	}

	e.mu.Lock()
	now := rate.timeNow()
	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > rate.maxTokens {
		e.tokens = rate.maxTokens
	}
	if e.tokens > rate.packetCost {
		e.tokens -= rate.packetCost
		e.mu.Unlock()
		return true
	}
	e.mu.Unlock()
	return false
}
