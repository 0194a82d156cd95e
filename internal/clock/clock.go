// Package clock provides the time source shared by the control loop. The system clock
// carries an NTP-derived offset; the fake clock drives tests deterministically.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

type Clock interface {
	// Now is the corrected wall time used for timestamps and certificate checks.
	Now() time.Time
	// Monotonic ignores the NTP offset. Pulses, backoffs and retry gates measure against it.
	Monotonic() time.Time
	Sleep(d time.Duration)
}

// Adjustable is a clock whose wall time can be corrected after an NTP query.
type Adjustable interface {
	Clock
	SetOffset(d time.Duration)
}

type System struct {
	offset atomic.Int64
}

func NewSystem() *System {
	return &System{}
}

func (s *System) Now() time.Time {
	return time.Now().Add(time.Duration(s.offset.Load())).Round(0)
}

func (s *System) Monotonic() time.Time {
	return time.Now()
}

func (s *System) Sleep(d time.Duration) {
	time.Sleep(d)
}

func (s *System) SetOffset(d time.Duration) {
	s.offset.Store(int64(d))
}

// Fake only moves when Advance or Sleep is called. SetOffset shifts Now but not Monotonic.
type Fake struct {
	mu     sync.Mutex
	mono   time.Time
	offset time.Duration
}

func NewFake(start time.Time) *Fake {
	return &Fake{mono: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mono.Add(f.offset)
}

func (f *Fake) Monotonic() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mono
}

func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.mono = f.mono.Add(d)
	f.mu.Unlock()
}

func (f *Fake) SetOffset(d time.Duration) {
	f.mu.Lock()
	f.offset = d
	f.mu.Unlock()
}
