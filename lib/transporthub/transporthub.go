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

// Package transporthub owns the single browser-facing websocket connection
// of a Session (§4.1, §4.6). gorilla/websocket permits at most one
// concurrent writer; the Hub enforces that by funneling every outbound
// frame, from whichever channel produced it, through one writer goroutine
// and a priority queue (control > terminal output > SFTP responses >
// telemetry), and by handing every inbound message to a single reader
// goroutine that demultiplexes on frame kind before dispatching.
package transporthub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/browserssh/gateway"
	"github.com/browserssh/gateway/lib/frame"
)

// Priority orders the outbound write queue; lower values drain first.
type Priority int

const (
	PriorityControl Priority = iota
	PriorityTerminal
	PrioritySFTP
	PriorityTelemetry
)

// outboundMessage is one queued write: either a text frame or a binary one.
type outboundMessage struct {
	priority Priority
	isText   bool
	data     []byte
}

// InboundHandler receives demultiplexed inbound frames. Each frame is
// delivered to exactly one of the two methods, by websocket message type.
type InboundHandler interface {
	HandleText(frame.TextFrame) error
	HandleBinary(frame.BinaryFrame) error
}

// Hub wraps one *websocket.Conn and arbitrates all reads/writes on it.
type Hub struct {
	conn       *websocket.Conn
	maxPayload int

	mu      sync.Mutex
	queues  [PriorityTelemetry + 1][]outboundMessage
	notify  chan struct{}
	closed  bool
	closeCh chan struct{}

	log log.FieldLogger
}

// New wraps conn. maxPayload bounds a single binary frame's payload, per
// gwconfig.Config.MaxUploadBytes-derived limits the caller computes.
func New(conn *websocket.Conn, maxPayload int) *Hub {
	return &Hub{
		conn:       conn,
		maxPayload: maxPayload,
		notify:     make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
		log:        log.WithField(trace.Component, gateway.ComponentTransportHub),
	}
}

// Run starts the single reader and single writer goroutines and blocks
// until either fails or ctx is cancelled. The first error cancels the
// other side by closing the underlying connection.
func (h *Hub) Run(ctx context.Context, handler InboundHandler) error {
	errCh := make(chan error, 2)

	go func() { errCh <- h.readLoop(ctx, handler) }()
	go func() { errCh <- h.writeLoop(ctx) }()

	select {
	case <-ctx.Done():
		h.conn.Close()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		h.conn.Close()
		close(h.closeCh)
		<-errCh
		return trace.Wrap(err)
	}
}

func (h *Hub) readLoop(ctx context.Context, handler InboundHandler) error {
	for {
		msgType, data, err := h.conn.ReadMessage()
		if err != nil {
			return trace.Wrap(err)
		}

		switch msgType {
		case websocket.TextMessage:
			f, err := frame.DecodeText(data)
			if err != nil {
				h.log.WithError(err).Warn("dropping malformed text frame")
				continue
			}
			if err := handler.HandleText(f); err != nil {
				return trace.Wrap(err)
			}
		case websocket.BinaryMessage:
			f, err := frame.DecodeBinary(data, h.maxPayload)
			if err != nil {
				h.log.WithError(err).Warn("dropping malformed binary frame")
				continue
			}
			if err := handler.HandleBinary(f); err != nil {
				return trace.Wrap(err)
			}
		default:
			// ping/pong/close control messages are handled by gorilla's
			// default handlers; anything else is simply ignored.
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.closeCh:
			return trace.Errorf("transport hub closed")
		case <-h.notify:
		}

		for {
			msg, ok := h.dequeue()
			if !ok {
				break
			}
			wsType := websocket.BinaryMessage
			if msg.isText {
				wsType = websocket.TextMessage
			}
			if err := h.conn.WriteMessage(wsType, msg.data); err != nil {
				return trace.Wrap(err)
			}
		}
	}
}

func (h *Hub) dequeue() (outboundMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.queues {
		if len(h.queues[p]) > 0 {
			msg := h.queues[p][0]
			h.queues[p] = h.queues[p][1:]
			return msg, true
		}
	}
	return outboundMessage{}, false
}

// SendText enqueues a pre-encoded text frame at priority p.
func (h *Hub) SendText(p Priority, data []byte) error {
	return h.enqueue(outboundMessage{priority: p, isText: true, data: data})
}

// SendBinary enqueues a pre-encoded binary frame at priority p.
func (h *Hub) SendBinary(p Priority, data []byte) error {
	return h.enqueue(outboundMessage{priority: p, isText: false, data: data})
}

func (h *Hub) enqueue(msg outboundMessage) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return trace.Errorf("transport hub is closed")
	}
	h.queues[msg.priority] = append(h.queues[msg.priority], msg)
	h.mu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
	return nil
}

// QueueDepth reports pending writes of priority p, used by callers
// implementing backpressure (e.g. the terminal channel's pacing).
func (h *Hub) QueueDepth(p Priority) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queues[p])
}

// Close marks the Hub closed; further Send calls fail.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return h.conn.Close()
}

// SendHandshake emits the gateway's HANDSHAKE binary frame immediately
// after upgrade (SPEC_FULL §new binary frame), advertising the wire
// version, payload cap, and expected heartbeat cadence.
func (h *Hub) SendHandshake(maxFrameBytes int, heartbeat time.Duration) error {
	header, err := frame.EncodeHeader(struct {
		GatewayVersion int   `json:"gatewayVersion"`
		MaxFrameBytes  int   `json:"maxFrameBytes"`
		HeartbeatMS    int64 `json:"heartbeatMs"`
	}{
		GatewayVersion: int(gateway.WireVersion),
		MaxFrameBytes:  maxFrameBytes,
		HeartbeatMS:    heartbeat.Milliseconds(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	data, err := frame.EncodeBinary(frame.BinaryFrame{Type: gateway.FrameHandshake, Header: header})
	if err != nil {
		return trace.Wrap(err)
	}
	return h.SendBinary(PriorityControl, data)
}
