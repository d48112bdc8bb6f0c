package syncer

import (
	"context"
	"sync"
	"time"

	"go.sia.tech/core/types"
)

// ThrottleDelay is the delay before a job that exceeded its rate limit is
// checked again.
const ThrottleDelay = 100 * time.Millisecond

type throttleJob struct {
	ctx   context.Context
	ip    string
	route types.Specifier
	ready chan struct{}
}

// A Throttle paces outbound requests. Jobs are served in FIFO order; a job
// whose key is over budget is moved to the back of the queue after
// ThrottleDelay instead of being rejected.
type Throttle struct {
	rl    *RateLimiter
	delay time.Duration

	mu      sync.Mutex
	queue   []*throttleJob
	running bool
}

func (t *Throttle) push(job *throttleJob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, job)
	if !t.running {
		t.running = true
		go t.drain()
	}
}

func (t *Throttle) pop() *throttleJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		t.running = false
		return nil
	}
	job := t.queue[0]
	t.queue[0] = nil
	t.queue = t.queue[1:]
	return job
}

func (t *Throttle) drain() {
	for job := t.pop(); job != nil; job = t.pop() {
		if job.ctx.Err() != nil {
			continue
		} else if t.rl.HasExceededRateLimit(job.ip, job.route) {
			time.AfterFunc(t.delay, func() { t.push(job) })
			continue
		}
		close(job.ready)
	}
}

// Wait blocks until the request identified by ip and route is admitted by
// the rate limiter, or ctx is done.
func (t *Throttle) Wait(ctx context.Context, ip string, route types.Specifier) error {
	job := &throttleJob{
		ctx:   ctx,
		ip:    ip,
		route: route,
		ready: make(chan struct{}),
	}
	t.push(job)
	select {
	case <-job.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued jobs.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// NewThrottle returns a Throttle backed by rl.
func NewThrottle(rl *RateLimiter) *Throttle {
	return &Throttle{
		rl:    rl,
		delay: ThrottleDelay,
	}
}
