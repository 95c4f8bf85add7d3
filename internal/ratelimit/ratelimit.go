// Package ratelimit provides a per-API-key token bucket rate limiter
// with a bounded per-key waiter count, used by the dispatcher's admission
// check (§4.5). Queued callers each poll for a token, so they are not
// served in arrival order. Each key's bucket is a golang.org/x/time/rate.Limiter;
// this package supplies the multi-tenant bookkeeping (LRU eviction,
// custom per-call overrides, a bounded wait queue) x/time/rate doesn't
// do on its own.
package ratelimit

import (
	"container/list"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// ErrQueueFull is returned by Wait when a key's bucket is empty and its
// waiter queue is already at QueueLimit.
var ErrQueueFull = errors.New("ratelimit: waiter queue full")

// Limiter is a per-key token bucket rate limiter with an optional
// bounded waiting queue for callers willing to block briefly instead
// of failing immediately.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*list.Element // key -> list element (whose Value is *entry)
	lru        *list.List               // front = most recently used, back = least recently used
	rate       int                      // tokens added per interval
	burst      int                      // max tokens (bucket capacity)
	interval   time.Duration            // refill interval
	maxKeys    int                      // max entries before evicting LRU
	queueLimit int                      // max waiters queued per key once the bucket is empty
	stop       chan struct{}
	counter    prometheus.Counter // optional: incremented on each denial
}

// entry is stored in each list element, pairing the key with its
// limiter. customRL is a lazily created, independently rated limiter
// for AllowCustom calls against the same key.
type entry struct {
	key        string
	rl         *rate.Limiter
	customRL   *rate.Limiter
	customRate int
	customBurst int
	waiters    int
	lastUsed   time.Time
}

// New creates a rate limiter. rate is tokens added per interval; burst is
// the bucket capacity. An optional Prometheus counter is incremented on
// each denial (pass nil to disable).
func New(rate_, burst int, interval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:    make(map[string]*list.Element),
		lru:        list.New(),
		rate:       rate_,
		burst:      burst,
		interval:   interval,
		maxKeys:    100000,
		queueLimit: 0, // default: no queuing, fail fast
		stop:       make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup()
	return l
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets a Prometheus counter that is incremented on each denial.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) {
		l.counter = c
	}
}

// WithMaxKeys sets the maximum number of tracked keys before LRU eviction.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) {
		l.maxKeys = n
	}
}

// WithQueueLimit sets how many callers may block in Wait per key once its
// bucket is empty. Additional callers get ErrQueueFull immediately.
func WithQueueLimit(n int) Option {
	return func(l *Limiter) {
		l.queueLimit = n
	}
}

// perSecond converts the rate/interval pair into x/time/rate's
// continuous tokens-per-second Limit.
func (l *Limiter) perSecond(tokens int) rate.Limit {
	if l.interval <= 0 {
		return rate.Limit(tokens)
	}
	return rate.Limit(float64(tokens) / l.interval.Seconds())
}

// Allow reports whether the given key has a token available right now,
// consuming one if so. It never blocks.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.tryAcquire(key)
	return ok
}

// Wait blocks until a token is available for key, the context is
// canceled, or the waiter queue for key is full. On denial it returns
// the error and a Retry-After hint for the caller to surface to the
// client.
func (l *Limiter) Wait(ctx context.Context, key string) (retryAfter time.Duration, err error) {
	if ok, hint := l.tryAcquire(key); ok {
		return 0, nil
	} else if l.queueLimit <= 0 {
		if l.counter != nil {
			l.counter.Inc()
		}
		return hint, ErrQueueFull
	}

	l.mu.Lock()
	elem := l.bucketElem(key)
	e := elem.Value.(*entry)
	if e.waiters >= l.queueLimit {
		l.mu.Unlock()
		if l.counter != nil {
			l.counter.Inc()
		}
		return l.interval, ErrQueueFull
	}
	e.waiters++
	l.mu.Unlock()

	ticker := time.NewTicker(l.interval / 10)
	defer ticker.Stop()
	defer func() {
		l.mu.Lock()
		e.waiters--
		l.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
			if ok, _ := l.tryAcquire(key); ok {
				return 0, nil
			}
		}
	}
}

// tryAcquire attempts to consume one token for key without blocking. On
// denial it returns a suggested Retry-After duration.
func (l *Limiter) tryAcquire(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem := l.bucketElem(key)
	e := elem.Value.(*entry)
	e.lastUsed = time.Now()

	res := e.rl.ReserveN(e.lastUsed, 1)
	if !res.OK() {
		return false, l.interval
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// bucketElem returns the LRU element for key, creating it if absent.
// Caller must hold l.mu.
func (l *Limiter) bucketElem(key string) *list.Element {
	elem, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.evictOldest()
		}
		e := &entry{key: key, rl: rate.NewLimiter(l.perSecond(l.rate), l.burst), lastUsed: time.Now()}
		elem = l.lru.PushFront(e)
		l.buckets[key] = elem
		return elem
	}
	l.lru.MoveToFront(elem)
	return elem
}

// AllowCustom reports whether key is within a custom rate limit, overriding
// the limiter's global rate/burst for this call only. rate<=0 means unlimited.
func (l *Limiter) AllowCustom(key string, customRate, burst int) bool {
	if customRate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	elem := l.bucketElem(key)
	e := elem.Value.(*entry)
	if e.customRL == nil || e.customRate != customRate || e.customBurst != burst {
		e.customRL = rate.NewLimiter(l.perSecond(customRate), burst)
		e.customRate, e.customBurst = customRate, burst
	}
	e.lastUsed = time.Now()
	return e.customRL.AllowN(e.lastUsed, 1)
}

// Middleware returns an http.Handler middleware that enforces the rate
// limit keyed by keyFn(r) — typically the authenticated API key ID.
func (l *Limiter) Middleware(keyFn func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := keyFn(r)
		if ok, hint := l.tryAcquire(key); !ok {
			if l.counter != nil {
				l.counter.Inc()
			}
			w.Header().Set("Retry-After", hint.Round(time.Second).String())
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// evictOldest removes the least recently used bucket (back of the list).
// Must be called with l.mu held.
func (l *Limiter) evictOldest() {
	back := l.lru.Back()
	if back == nil {
		return
	}
	e := back.Value.(*entry)
	delete(l.buckets, e.key)
	l.lru.Remove(back)
}

// UpdateLimits changes the rate and burst parameters at runtime.
// Existing buckets adopt the new limit/burst immediately via
// x/time/rate's SetLimit/SetBurst rather than waiting for their next
// refill.
func (l *Limiter) UpdateLimits(rate_, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = rate_
	l.burst = burst
	limit := l.perSecond(rate_)
	now := time.Now()
	for elem := l.lru.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		e.rl.SetLimitAt(now, limit)
		e.rl.SetBurstAt(now, burst)
	}
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for elem := l.lru.Back(); elem != nil; {
				e := elem.Value.(*entry)
				prev := elem.Prev()
				if e.lastUsed.Before(cutoff) && e.waiters == 0 {
					delete(l.buckets, e.key)
					l.lru.Remove(elem)
				}
				elem = prev
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}
