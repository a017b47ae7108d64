package core

import (
	"time"
)

// NewTime creates a new time service
func NewTime(cfg TimeConfiguration) *Time {
	var interval time.Duration
	if cfg.FramesPerSecond == 0 {
		interval = time.Nanosecond
	} else {
		interval = time.Second / (time.Duration)(cfg.FramesPerSecond)
	}

	t := &Time{
		fps:       cfg.FramesPerSecond,
		fpsTicker: time.NewTicker(interval),
		start:     time.Now(),
	}
	if cfg.StatsInterval > 0 {
		t.statsTicker = time.NewTicker(cfg.StatsInterval)
	}
	return t
}

// Time contains all the time services and tickers
type Time struct {
	fps       int
	fpsTicker *time.Ticker

	statsTicker *time.Ticker

	start  time.Time
	frames uint64
}

// Fps gets the set frames per second
func (t *Time) Fps() int {
	return t.fps
}

// FpsTicker gets the initialized fps ticker
func (t *Time) FpsTicker() *time.Ticker {
	return t.fpsTicker
}

// StatsTick fires when statistics are due, it never fires
// when reports are disabled.
func (t *Time) StatsTick() <-chan time.Time {
	if t.statsTicker == nil {
		return nil
	}
	return t.statsTicker.C
}

// Frame marks the start of a new frame and returns its number.
func (t *Time) Frame() uint64 {
	t.frames++
	return t.frames
}

// Elapsed returns the time since the service was created.
func (t *Time) Elapsed() time.Duration {
	return time.Since(t.start)
}

// Stop stops all tickers.
func (t *Time) Stop() {
	t.fpsTicker.Stop()
	if t.statsTicker != nil {
		t.statsTicker.Stop()
	}
}
