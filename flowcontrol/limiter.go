package flowcontrol

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Limiter paces foreground writes at a mutable bytes-per-second limit. A
// speed of +Inf admits everything immediately. Reservations are serialized:
// each Consume extends the time at which the bucket frees up, so concurrent
// callers queue behind each other in FIFO order of their reservations.
type Limiter struct {
	// speed limit in bytes/sec, stored as float bits so readers never lock
	speedBits atomic.Uint64
	// bytes consumed since the last ResetStatistics
	consumed atomic.Uint64

	mu      sync.Mutex
	readyAt time.Time // when the bucket frees up for the next reservation
	now     func() time.Time
}

// NewLimiter creates a limiter with the given speed limit in bytes/sec.
func NewLimiter(speed float64) *Limiter {
	l := &Limiter{now: time.Now}
	l.speedBits.Store(math.Float64bits(speed))
	return l
}

// SpeedLimit returns the current limit in bytes/sec (+Inf when unlimited).
func (l *Limiter) SpeedLimit() float64 {
	return math.Float64frombits(l.speedBits.Load())
}

// SetSpeedLimit installs a new limit in bytes/sec. Takes effect for
// reservations made after the call.
func (l *Limiter) SetSpeedLimit(bps float64) {
	l.speedBits.Store(math.Float64bits(bps))
}

// TotalBytesConsumed returns the bytes consumed since the last reset.
func (l *Limiter) TotalBytesConsumed() uint64 {
	return l.consumed.Load()
}

// ResetStatistics zeroes the consumed-bytes counter.
func (l *Limiter) ResetStatistics() {
	l.consumed.Store(0)
}

// Consume reserves n bytes of budget and returns a scoped acquisition. The
// caller waits on the acquisition before issuing the write; at an unlimited
// speed the acquisition completes immediately.
func (l *Limiter) Consume(n uint64) *Acquisition {
	l.consumed.Add(n)
	speed := l.SpeedLimit()
	if math.IsInf(speed, 1) || n == 0 {
		return &Acquisition{}
	}
	need := time.Duration(float64(n) / speed * float64(time.Second))

	l.mu.Lock()
	start := l.readyAt
	if now := l.now(); start.Before(now) {
		start = now
	}
	l.readyAt = start.Add(need)
	until := l.readyAt
	l.mu.Unlock()

	return &Acquisition{limiter: l, until: until}
}

// Acquisition is a scoped reservation of limiter budget. Wait blocks until
// the reserved time arrives; Release refunds the unserved remainder when the
// caller abandons the write early.
type Acquisition struct {
	limiter *Limiter
	until   time.Time
	done    bool
}

// Wait blocks until the reservation is served or ctx is canceled. On
// cancellation the remaining budget is released back to the limiter.
func (a *Acquisition) Wait(ctx context.Context) error {
	if a.limiter == nil || a.done {
		return nil
	}
	d := a.until.Sub(a.limiter.now())
	if d <= 0 {
		a.done = true
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		a.done = true
		return nil
	case <-ctx.Done():
		a.Release()
		return ctx.Err()
	}
}

// Release returns any unserved budget to the limiter. Safe to call on any
// exit path; a served or empty acquisition is a no-op.
func (a *Acquisition) Release() {
	if a.limiter == nil || a.done {
		return
	}
	a.done = true
	a.limiter.mu.Lock()
	if rem := a.until.Sub(a.limiter.now()); rem > 0 {
		a.limiter.readyAt = a.limiter.readyAt.Add(-rem)
	}
	a.limiter.mu.Unlock()
}
