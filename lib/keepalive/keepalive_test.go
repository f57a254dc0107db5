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

package keepalive

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestWatchdogFiresOnIdleTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := New(Options{
		PingInterval: time.Second,
		PingTimeout:  time.Second,
		IdleTimeout:  5 * time.Second,
		Clock:        clock,
	})

	errCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { errCh <- w.Run(ctx, func() error { return nil }) }()

	clock.BlockUntil(1)
	clock.Advance(6 * time.Second)

	select {
	case err := <-errCh:
		require.True(t, IsIdleTimeout(err))
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire on idle timeout")
	}
}

func TestWatchdogResetsOnTouch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := New(Options{
		PingInterval: time.Second,
		PingTimeout:  time.Second,
		IdleTimeout:  5 * time.Second,
		Clock:        clock,
	})

	var pings int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func() error { atomic.AddInt32(&pings, 1); return nil })

	for i := 0; i < 4; i++ {
		clock.BlockUntil(1)
		w.Touch()
		clock.Advance(time.Second)
		time.Sleep(10 * time.Millisecond)
	}

	require.True(t, atomic.LoadInt32(&pings) > 0)
}

func TestWatchdogFiresOnPingTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := New(Options{
		PingInterval: time.Second,
		PingTimeout:  500 * time.Millisecond,
		IdleTimeout:  time.Hour,
		Clock:        clock,
	})

	errCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { errCh <- w.Run(ctx, func() error { return nil }) }()

	// First tick: sends a ping, starts its timeout. Peer never responds.
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	// Second tick: ping timeout has elapsed without a Touch/OnPong.
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	select {
	case err := <-errCh:
		require.False(t, IsIdleTimeout(err))
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire on ping timeout")
	}
}
