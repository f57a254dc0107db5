/*
Copyright 2024 Gateway Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package keepalive watches a Session's liveness on two independent
// clocks (§4.3, §6's Defaults): a ping/pong round trip that must complete
// within PingTimeout of each PingInterval tick, and an idle timer that
// resets on any inbound frame and fires after SessionIdleTimeout of
// complete silence. Either firing ends the session.
package keepalive

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/browserssh/gateway"
)

// Watchdog tracks liveness for one Session.
type Watchdog struct {
	pingInterval time.Duration
	pingTimeout  time.Duration
	idleTimeout  time.Duration
	clock        clockwork.Clock

	mu           sync.Mutex
	lastActivity time.Time
	pingInFlight bool
	pongDeadline time.Time
}

// Options configures a Watchdog; zero values fall back to gateway's
// documented defaults.
type Options struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	IdleTimeout  time.Duration
	Clock        clockwork.Clock
}

// New constructs a Watchdog, marking the current instant as the first
// activity timestamp.
func New(opts Options) *Watchdog {
	if opts.PingInterval <= 0 {
		opts.PingInterval = gateway.DefaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = gateway.DefaultPingTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = gateway.DefaultSessionIdleTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Watchdog{
		pingInterval: opts.PingInterval,
		pingTimeout:  opts.PingTimeout,
		idleTimeout:  opts.IdleTimeout,
		clock:        opts.Clock,
		lastActivity: opts.Clock.Now(),
	}
}

// Touch records inbound activity, resetting the idle timer. It also
// clears any outstanding ping (an inbound frame of any kind counts as a
// liveness signal, not just a pong).
func (w *Watchdog) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastActivity = w.clock.Now()
	w.pingInFlight = false
}

// OnPingSent records that a ping was just sent and starts its timeout
// clock.
func (w *Watchdog) OnPingSent() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pingInFlight = true
	w.pongDeadline = w.clock.Now().Add(w.pingTimeout)
}

// OnPong clears the outstanding ping, equivalent to Touch.
func (w *Watchdog) OnPong() {
	w.Touch()
}

// Run ticks on PingInterval, invoking sendPing each time, and returns
// (with an error describing the cause) the moment either the idle timeout
// or a ping timeout is detected.
func (w *Watchdog) Run(ctx context.Context, sendPing func() error) error {
	ticker := w.clock.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if expired, reason := w.checkExpiry(); expired {
				return reason
			}
			if err := sendPing(); err != nil {
				return err
			}
			w.OnPingSent()
		}
	}
}

// checkExpiry reports whether the idle timeout or an outstanding ping's
// timeout has elapsed as of now.
func (w *Watchdog) checkExpiry() (bool, idleOrPingError) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	if now.Sub(w.lastActivity) >= w.idleTimeout {
		return true, idleOrPingError{idle: true}
	}
	if w.pingInFlight && now.After(w.pongDeadline) {
		return true, idleOrPingError{idle: false}
	}
	return false, idleOrPingError{}
}

// idleOrPingError distinguishes the two ways a Watchdog can end a
// session, both of which are fatal to the session but not to the process.
type idleOrPingError struct {
	idle bool
}

func (e idleOrPingError) Error() string {
	if e.idle {
		return "session idle timeout exceeded"
	}
	return "ping timeout exceeded: peer stopped responding"
}

// IsIdleTimeout reports whether err (as returned by Run) was an idle
// timeout rather than a ping timeout.
func IsIdleTimeout(err error) bool {
	e, ok := err.(idleOrPingError)
	return ok && e.idle
}
