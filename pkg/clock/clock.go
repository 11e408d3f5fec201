// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package clock provides the time source used by the link and bus loops, so
// deadline logic can be driven by tests without real sleeping.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is a source of time that can also block for a duration.
// SleepContext returns ctx.Err() if ctx ends first.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	SleepContext(ctx context.Context, d time.Duration) error
}

// System is the wall clock.
type System struct{}

func (System) Now() time.Time        { return time.Now() }
func (System) Sleep(d time.Duration) { time.Sleep(d) }

func (System) SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Manual is a clock that only moves when told to. Sleep advances it
// immediately instead of blocking.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	onSleep func(time.Duration)
}

// NewManual creates a manual clock starting at t
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

// Now returns the current manual time
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Sleep advances the clock by d and then runs the OnSleep hook, if any.
func (m *Manual) Sleep(d time.Duration) {
	m.Advance(d)

	m.mu.Lock()
	hook := m.onSleep
	m.mu.Unlock()
	if hook != nil {
		hook(d)
	}
}

// SleepContext is Sleep, except that a done ctx leaves the clock untouched
func (m *Manual) SleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Sleep(d)
	return ctx.Err()
}

// Advance moves the clock forward by d
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set jumps the clock to t
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// OnSleep installs a hook called after every Sleep. Tests use it to let a
// simulated peer act while the code under test waits.
func (m *Manual) OnSleep(fn func(time.Duration)) {
	m.mu.Lock()
	m.onSleep = fn
	m.mu.Unlock()
}
