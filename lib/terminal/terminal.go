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

// Package terminal owns the single interactive PTY channel of a Session
// (§4.3): it requests a PTY and shell over the dialed SSH connection,
// relays PTY output to the browser as binary SSH_DATA frames, relays
// browser keystrokes to the PTY, answers resize requests, and paces
// outbound data against the transport hub's backpressure signal.
package terminal

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/browserssh/gateway"
	"github.com/browserssh/gateway/lib/frame"
	"github.com/browserssh/gateway/lib/transporthub"
)

// Options configures a Channel's geometry clamp and pacing.
type Options struct {
	Term              string
	Cols, Rows        int
	HighWaterBytes    int
	LowWaterBytes     int
	CoalesceWindow    time.Duration
	CoalesceMaxBytes  int
}

// DefaultOptions mirrors gateway's documented defaults (§6's Defaults).
func DefaultOptions() Options {
	return Options{
		Term:             gateway.DefaultTerm,
		Cols:             80,
		Rows:             24,
		HighWaterBytes:   gateway.DefaultTermHighWaterBytes,
		LowWaterBytes:    gateway.DefaultTermLowWaterBytes,
		CoalesceWindow:   gateway.DefaultTermCoalesceWindow,
		CoalesceMaxBytes: gateway.DefaultTermCoalesceBytes,
	}
}

// Channel binds one PTY-backed shell to the browser's terminal frames.
type Channel struct {
	opts    Options
	hub     *transporthub.Hub
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	paused int32 // atomic bool: true once high water mark is hit

	log log.FieldLogger
}

// Open requests a PTY and starts a shell on sshClient, returning a bound
// Channel. Cols/Rows are clamped to [1, gateway.DefaultMaxCols/Rows].
func Open(sshClient *ssh.Client, hub *transporthub.Hub, opts Options) (*Channel, error) {
	opts.Cols = clamp(opts.Cols, 1, gateway.DefaultMaxCols)
	opts.Rows = clamp(opts.Rows, 1, gateway.DefaultMaxRows)
	if opts.Term == "" {
		opts.Term = gateway.DefaultTerm
	}
	def := DefaultOptions()
	if opts.HighWaterBytes <= 0 {
		opts.HighWaterBytes = def.HighWaterBytes
	}
	if opts.LowWaterBytes <= 0 {
		opts.LowWaterBytes = def.LowWaterBytes
	}
	if opts.CoalesceMaxBytes <= 0 {
		opts.CoalesceMaxBytes = def.CoalesceMaxBytes
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(opts.Term, opts.Rows, opts.Cols, modes); err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}
	session.Stderr = session.Stdout // merge stderr into the same PTY stream

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}

	return &Channel{
		opts:    opts,
		hub:     hub,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		log:     log.WithField(trace.Component, gateway.ComponentTerminal),
	}, nil
}

// Close terminates the PTY and underlying SSH session.
func (c *Channel) Close() error {
	return trace.Wrap(c.session.Close())
}

// Wait blocks until the remote shell exits, translating it into the
// terminal.exit control frame fields.
func (c *Channel) Wait() (code *int, signal *string) {
	err := c.session.Wait()
	if err == nil {
		zero := 0
		return &zero, nil
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		if exitErr.Signal() != "" {
			s := exitErr.Signal()
			return nil, &s
		}
		code := exitErr.ExitStatus()
		return &code, nil
	}
	return nil, nil
}

// RelayOutput copies PTY output to the hub as binary SSH_DATA frames until
// ctx is cancelled or the PTY closes. It pauses sends once the hub's
// terminal-priority queue exceeds HighWaterBytes worth of messages and
// resumes once it drains back under LowWaterBytes — the queue is measured
// in message count as a proxy, since the hub doesn't track byte totals
// per queue.
func (c *Channel) RelayOutput(ctx context.Context) error {
	buf := make([]byte, c.opts.CoalesceMaxBytes)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := c.stdout.Read(buf)
		if n > 0 {
			c.waitForLowWater()
			data, encErr := frame.EncodeBinary(frame.BinaryFrame{
				Type:    gateway.FrameSSHData,
				Payload: append([]byte(nil), buf[:n]...),
			})
			if encErr != nil {
				return trace.Wrap(encErr)
			}
			if sendErr := c.hub.SendBinary(transporthub.PriorityTerminal, data); sendErr != nil {
				return trace.Wrap(sendErr)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return trace.Wrap(err)
		}
	}
}

// waitForLowWater blocks sends while the hub's terminal queue is above the
// configured high-water depth, polling until it falls back under the low
// water mark. The poll interval is small and bounded so a slow browser
// peer doesn't stall indefinitely if the queue never fully drains.
func (c *Channel) waitForLowWater() {
	highDepth := c.opts.HighWaterBytes / max(c.opts.CoalesceMaxBytes, 1)
	lowDepth := c.opts.LowWaterBytes / max(c.opts.CoalesceMaxBytes, 1)
	if c.hub.QueueDepth(transporthub.PriorityTerminal) < highDepth {
		atomic.StoreInt32(&c.paused, 0)
		return
	}
	atomic.StoreInt32(&c.paused, 1)
	for c.hub.QueueDepth(transporthub.PriorityTerminal) > lowDepth {
		time.Sleep(5 * time.Millisecond)
	}
	atomic.StoreInt32(&c.paused, 0)
}

// Paused reports whether the channel is currently withholding sends for
// backpressure.
func (c *Channel) Paused() bool {
	return atomic.LoadInt32(&c.paused) == 1
}

// Write sends browser keystrokes to the PTY.
func (c *Channel) Write(p []byte) (int, error) {
	return c.stdin.Write(p)
}

// Resize applies a terminal.resize request, clamping in-range values to the
// configured maximums. Unlike Open's Cols/Rows, a zero dimension here is
// rejected rather than clamped up to 1: it signals a malformed client
// rather than an oversized one.
func (c *Channel) Resize(cols, rows int) error {
	if cols == 0 || rows == 0 {
		return trace.BadParameter("resize requires non-zero cols and rows, got cols=%d rows=%d", cols, rows)
	}
	cols = clamp(cols, 1, gateway.DefaultMaxCols)
	rows = clamp(rows, 1, gateway.DefaultMaxRows)
	return trace.Wrap(c.session.WindowChange(rows, cols))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
