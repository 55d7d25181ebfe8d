package test

import (
	"sync/atomic"
	"time"
)

// FixedClock reports a settable time for deterministic tests.
type FixedClock struct {
	micro atomic.Uint64
}

func NewFixedClock(ms uint64) *FixedClock {
	c := &FixedClock{}
	c.micro.Store(ms * 1000)
	return c
}

func (c *FixedClock) SetMs(ms uint64)          { c.micro.Store(ms * 1000) }
func (c *FixedClock) AdvanceMs(ms uint64)      { c.micro.Add(ms * 1000) }
func (c *FixedClock) CurrentTimeMicro() uint64 { return c.micro.Load() }
func (c *FixedClock) CurrentTimeMs() uint64    { return c.micro.Load() / 1000 }
func (c *FixedClock) CurrentTimeSec() uint64   { return c.micro.Load() / 1000000 }
func (c *FixedClock) Now() time.Time {
	return time.UnixMicro(int64(c.micro.Load()))
}
