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

// Package session implements the Session state machine of spec.md §4.1:
// one Session per browser connection, composing the Transport Hub,
// Terminal Channel, SFTP Operation Manager, Telemetry Collector, SSH
// Dialer and Keepalive Watchdog behind a single supervisor goroutine. A
// Session is the transporthub.InboundHandler that demultiplexes every
// decoded frame onto the right sub-component, the same role the teacher's
// lib/srv.SessionTracker plays for its own set of cooperating tasks.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/browserssh/gateway"
	"github.com/browserssh/gateway/lib/frame"
	"github.com/browserssh/gateway/lib/gwerrors"
	"github.com/browserssh/gateway/lib/keepalive"
	"github.com/browserssh/gateway/lib/sftpmgr"
	"github.com/browserssh/gateway/lib/sshdial"
	"github.com/browserssh/gateway/lib/telemetry"
	"github.com/browserssh/gateway/lib/terminal"
	"github.com/browserssh/gateway/lib/transporthub"
)

// state is the Session's position in §4.1's transition table.
type state int32

const (
	stateAccepted state = iota
	stateAuthenticating
	stateReady
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateAuthenticating:
		return "authenticating"
	case stateReady:
		return "ready"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CredentialResolver resolves a connect frame's credentialRef into usable
// auth material. storeadapter.Adapter satisfies this; sessions created
// without a Store (credentialRef unused, inline password only)
// pass nil.
type CredentialResolver interface {
	ResolveCredential(id string) (sshdial.Credential, error)
}

// SessionLogger records a completed session for the external Store
// collaborator (§6.5). storeadapter.Adapter satisfies this.
type SessionLogger interface {
	LogSession(sessionID, principal string, target sshdial.Target, startedAt, endedAt time.Time, reason string) error
}

// Options configures a Session's sub-components. Zero-value fields fall
// back to each package's own defaults.
type Options struct {
	Principal string

	MaxPayloadBytes int

	TerminalOptions terminal.Options
	SFTPOptions     sftpmgr.Options

	TelemetryInterval time.Duration

	PingInterval time.Duration
	PingTimeout  time.Duration
	IdleTimeout  time.Duration

	Dialer     *sshdial.Dialer
	Credential CredentialResolver
	Logger     SessionLogger
	Metrics    sftpmgr.Metrics
}

// Session binds one browser WebSocket connection to one outbound SSH
// connection, per spec.md §3's Session entity.
type Session struct {
	id        string
	principal string
	opts      Options

	hub      *transporthub.Hub
	watchdog *keepalive.Watchdog

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu        sync.Mutex
	state     state
	sshClient *ssh.Client
	term      *terminal.Channel
	sftp      *sftpmgr.Manager
	telemetry *telemetry.Collector
	target    sshdial.Target
	startedAt time.Time

	uploads    map[string]*pendingUpload
	uploadJobs map[string]chan uploadChunk

	closeOnce sync.Once
	log       log.FieldLogger
}

// pendingUpload tracks the destination path and strict in-order sequence
// number of one in-flight `sftp.upload` operation between its announcing
// text frame and the binary chunk frames that follow it.
type pendingUpload struct {
	dstPath string
	nextSeq uint64
}

// uploadChunk is one binary chunk handed off to an upload's worker
// goroutine, queued rather than written inline from the hub's read loop.
type uploadChunk struct {
	seq   uint64
	data  []byte
	final bool
}

// New constructs a Session bound to hub, in the Accepted state. The
// caller is responsible for calling Serve to run it to completion.
func New(hub *transporthub.Hub, opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	id := uuid.NewString()
	s := &Session{
		id:         id,
		principal:  opts.Principal,
		opts:       opts,
		hub:        hub,
		ctx:        ctx,
		cancel:     cancel,
		g:          g,
		state:      stateAccepted,
		uploads:    make(map[string]*pendingUpload),
		uploadJobs: make(map[string]chan uploadChunk),
		log:       log.WithField(trace.Component, gateway.ComponentSession).WithField("session", id),
	}
	s.watchdog = keepalive.New(keepalive.Options{
		PingInterval: opts.PingInterval,
		PingTimeout:  opts.PingTimeout,
		IdleTimeout:  opts.IdleTimeout,
	})
	return s
}

// ID satisfies registry.Entry.
func (s *Session) ID() string { return s.id }

// Principal satisfies registry.Entry.
func (s *Session) Principal() string { return s.principal }

// Serve runs the Session to completion: the transport hub's read/write
// loop, the keepalive watchdog, and (once Ready) the terminal and
// telemetry tasks, all under one errgroup so the first failure cancels
// every other task (SPEC_FULL §5).
func (s *Session) Serve() error {
	maxFrame := s.opts.MaxPayloadBytes
	if maxFrame <= 0 {
		maxFrame = gateway.DefaultMaxFrameBytes
	}
	if err := s.hub.SendHandshake(maxFrame, s.effectivePingInterval()); err != nil {
		return trace.Wrap(err)
	}

	s.g.Go(func() error {
		return trace.Wrap(s.hub.Run(s.ctx, s))
	})
	s.g.Go(func() error {
		err := s.watchdog.Run(s.ctx, s.sendPing)
		if err != nil {
			s.log.WithError(err).Info("keepalive watchdog closing session")
			s.cancel()
		}
		return nil
	})

	err := s.g.Wait()
	s.closeInternal("session ended")
	if err != nil && !isShutdownErr(err) {
		return trace.Wrap(err)
	}
	return nil
}

func (s *Session) effectivePingInterval() time.Duration {
	if s.opts.PingInterval > 0 {
		return s.opts.PingInterval
	}
	return gateway.DefaultPingInterval
}

func isShutdownErr(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Close tears the Session down from the outside (e.g. the registry's
// CloseAll on process shutdown), satisfying registry.Entry.
func (s *Session) Close() error {
	s.cancel()
	return nil
}

func (s *Session) sendPing() error {
	body := frame.PingBody{Type: frame.TextPing, T: time.Now().UnixMilli()}
	data, err := frame.EncodeText(frame.TextPing, body)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.hub.SendText(transporthub.PriorityControl, data))
}

// HandleText implements transporthub.InboundHandler.
func (s *Session) HandleText(f frame.TextFrame) error {
	s.watchdog.Touch()

	st := s.getState()
	switch f.Type {
	case frame.TextPing:
		return s.handlePing(f)
	case frame.TextPong:
		s.watchdog.OnPong()
		return nil
	case frame.TextConnect:
		if st != stateAccepted {
			return s.protocolError("connect received outside Accepted state")
		}
		return s.handleConnect(f)
	case frame.TextDisconnect:
		s.closeInternal("client disconnect")
		return trace.Errorf("session closed by client")
	}

	if st != stateReady {
		return s.protocolError(fmt.Sprintf("frame %q received outside Ready state", f.Type))
	}

	switch f.Type {
	case frame.TextTerminalOpen:
		return s.handleTerminalOpen(f)
	case frame.TextTerminalResize:
		return s.handleTerminalResize(f)
	case frame.TextSFTPList, frame.TextSFTPMkdir, frame.TextSFTPRename,
		frame.TextSFTPChmod, frame.TextSFTPDelete, frame.TextSFTPDownload,
		frame.TextSFTPDownloadFolder:
		return s.handleSFTPRequest(f)
	case frame.TextSFTPUpload:
		return s.handleUploadRequest(f)
	case frame.TextSFTPCancel:
		return s.handleSFTPCancel(f)
	default:
		return s.protocolError(fmt.Sprintf("unrecognized text frame type %q", f.Type))
	}
}

// HandleBinary implements transporthub.InboundHandler.
func (s *Session) HandleBinary(f frame.BinaryFrame) error {
	s.watchdog.Touch()

	if s.getState() != stateReady {
		return s.protocolError(fmt.Sprintf("binary frame type 0x%02x received outside Ready state", f.Type))
	}

	switch f.Type {
	case gateway.FrameSSHData:
		return s.handleTerminalData(f)
	case gateway.FrameSFTPUpload:
		return s.handleUploadChunk(f)
	default:
		return s.protocolError(fmt.Sprintf("unrecognized binary frame type 0x%02x", f.Type))
	}
}

func (s *Session) handlePing(f frame.TextFrame) error {
	var body frame.PingBody
	if err := f.Decode(&body); err != nil {
		return s.protocolError(err.Error())
	}
	pong := frame.PongBody{Type: frame.TextPong, T: body.T, TServer: time.Now().UnixMilli()}
	data, err := frame.EncodeText(frame.TextPong, pong)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.hub.SendText(transporthub.PriorityControl, data))
}

func (s *Session) handleConnect(f frame.TextFrame) error {
	var body frame.ConnectBody
	if err := f.Decode(&body); err != nil {
		return s.protocolError(err.Error())
	}

	s.setState(stateAuthenticating)
	target := sshdial.Target{Host: body.Host, Port: body.Port, User: body.User}

	cred, err := s.resolveCredential(body)
	if err != nil {
		return s.authFailed(err)
	}

	client, err := s.opts.Dialer.Dial(s.ctx, target, cred)
	if err != nil {
		return s.authFailed(err)
	}

	s.mu.Lock()
	s.sshClient = client
	s.target = target
	s.startedAt = time.Now()
	s.mu.Unlock()

	sftpMgr, err := sftpmgr.New(client, s.hub, s.opts.SFTPOptions)
	if err != nil {
		client.Close()
		return s.authFailed(err)
	}
	if s.opts.Metrics != nil {
		sftpMgr.SetMetrics(s.opts.Metrics)
	}

	s.mu.Lock()
	s.sftp = sftpMgr
	s.mu.Unlock()

	s.setState(stateReady)

	connected := frame.ConnectedBody{Type: frame.TextConnected, ServerVersion: "gateway/1"}
	data, err := frame.EncodeText(frame.TextConnected, connected)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.hub.SendText(transporthub.PriorityControl, data); err != nil {
		return trace.Wrap(err)
	}

	s.startTelemetry()
	return nil
}

func (s *Session) resolveCredential(body frame.ConnectBody) (sshdial.Credential, error) {
	if body.Auth.CredentialRef != "" {
		if s.opts.Credential == nil {
			return sshdial.Credential{}, gwerrors.New(gwerrors.CodeAuth, false, "no credential store configured for credentialRef")
		}
		return s.opts.Credential.ResolveCredential(body.Auth.CredentialRef)
	}
	switch body.Auth.Mode {
	case "password":
		return sshdial.Credential{Mode: "password", Password: body.Auth.Password}, nil
	default:
		return sshdial.Credential{}, gwerrors.New(gwerrors.CodeProtocol, false, "connect requires either auth.password or auth.credentialRef")
	}
}

func (s *Session) authFailed(err error) error {
	s.setState(stateClosed)
	s.sendError(err)
	s.cancel()
	return trace.Errorf("authentication failed: %v", err)
}

func (s *Session) startTelemetry() {
	interval := s.opts.TelemetryInterval
	if interval <= 0 {
		interval = gateway.DefaultTelemetryInterval
	}
	s.mu.Lock()
	client := s.sshClient
	s.telemetry = telemetry.New(client, s.hub, interval, nil)
	collector := s.telemetry
	s.mu.Unlock()

	s.g.Go(func() error {
		err := collector.Run(s.ctx)
		if err != nil && err != context.Canceled {
			s.log.WithError(err).Warn("telemetry collector stopped")
		}
		return nil
	})
}

func (s *Session) handleTerminalOpen(f frame.TextFrame) error {
	var body frame.TerminalOpenBody
	if err := f.Decode(&body); err != nil {
		return s.protocolError(err.Error())
	}

	opts := s.opts.TerminalOptions
	opts.Cols, opts.Rows = body.Cols, body.Rows
	if body.Term != "" {
		opts.Term = body.Term
	}

	s.mu.Lock()
	client := s.sshClient
	s.mu.Unlock()

	ch, err := terminal.Open(client, s.hub, opts)
	if err != nil {
		s.sendError(err)
		return nil
	}

	s.mu.Lock()
	s.term = ch
	s.mu.Unlock()

	s.g.Go(func() error {
		err := ch.RelayOutput(s.ctx)
		if err != nil && err != context.Canceled {
			s.log.WithError(err).Debug("terminal output relay stopped")
		}
		return nil
	})
	s.g.Go(func() error {
		code, signal := ch.Wait()
		exit := frame.TerminalExitBody{Type: frame.TextTerminalExit, Code: code, Signal: signal}
		data, err := frame.EncodeText(frame.TextTerminalExit, exit)
		if err == nil {
			s.hub.SendText(transporthub.PriorityControl, data)
		}
		return nil
	})
	return nil
}

func (s *Session) handleTerminalResize(f frame.TextFrame) error {
	var body frame.TerminalResizeBody
	if err := f.Decode(&body); err != nil {
		return s.protocolError(err.Error())
	}
	s.mu.Lock()
	ch := s.term
	s.mu.Unlock()
	if ch == nil {
		return nil
	}
	if err := ch.Resize(body.Cols, body.Rows); err != nil {
		if trace.IsBadParameter(err) {
			return s.protocolError(err.Error())
		}
		s.log.WithError(err).Debug("terminal resize failed")
	}
	return nil
}

func (s *Session) handleTerminalData(f frame.BinaryFrame) error {
	s.mu.Lock()
	ch := s.term
	s.mu.Unlock()
	if ch == nil {
		return nil
	}
	_, err := ch.Write(f.Payload)
	return trace.Wrap(err)
}

func (s *Session) handleSFTPRequest(f frame.TextFrame) error {
	var body frame.SFTPRequestBody
	if err := f.Decode(&body); err != nil {
		return s.protocolError(err.Error())
	}

	s.mu.Lock()
	mgr := s.sftp
	s.mu.Unlock()
	if mgr == nil {
		return s.protocolError("sftp request received before connect completed")
	}

	switch f.Type {
	case frame.TextSFTPList:
		s.g.Go(func() error { mgr.List(s.ctx, body.OperationID, body.Path); return nil })
	case frame.TextSFTPMkdir:
		mode := os.FileMode(0)
		if body.Mode != nil {
			mode = os.FileMode(*body.Mode)
		}
		recursive := body.Recursive
		s.g.Go(func() error { mgr.Mkdir(s.ctx, body.OperationID, body.Path, mode, recursive); return nil })
	case frame.TextSFTPRename:
		s.g.Go(func() error { mgr.Rename(s.ctx, body.OperationID, body.From, body.To); return nil })
	case frame.TextSFTPChmod:
		mode := uint32(0644)
		if body.Mode != nil {
			mode = *body.Mode
		}
		s.g.Go(func() error { mgr.Chmod(s.ctx, body.OperationID, body.Path, os.FileMode(mode)); return nil })
	case frame.TextSFTPDelete:
		s.g.Go(func() error { mgr.Delete(s.ctx, body.OperationID, body.Path, body.Recursive); return nil })
	case frame.TextSFTPDownload:
		s.g.Go(func() error { mgr.Download(s.ctx, body.OperationID, body.Path); return nil })
	case frame.TextSFTPDownloadFolder:
		ready := frame.SFTPDownloadFolderReadyBody{Type: frame.TextSFTPDownloadFolderReady, OperationID: body.OperationID, Format: "zip"}
		data, err := frame.EncodeText(frame.TextSFTPDownloadFolderReady, ready)
		if err == nil {
			s.hub.SendText(transporthub.PrioritySFTP, data)
		}
		s.g.Go(func() error { mgr.DownloadFolder(s.ctx, body.OperationID, body.Path); return nil })
	}
	return nil
}

func (s *Session) handleSFTPCancel(f frame.TextFrame) error {
	var body frame.SFTPCancelBody
	if err := f.Decode(&body); err != nil {
		return s.protocolError(err.Error())
	}
	s.mu.Lock()
	mgr := s.sftp
	delete(s.uploads, body.OperationID)
	if ch, ok := s.uploadJobs[body.OperationID]; ok {
		close(ch)
		delete(s.uploadJobs, body.OperationID)
	}
	s.mu.Unlock()
	if mgr != nil {
		mgr.Cancel(body.OperationID)
	}
	return nil
}

func (s *Session) handleUploadRequest(f frame.TextFrame) error {
	var body frame.SFTPRequestBody
	if err := f.Decode(&body); err != nil {
		return s.protocolError(err.Error())
	}

	if max := s.opts.SFTPOptions.MaxUploadBytes; max > 0 && body.Size > max {
		s.sendSFTPFailed(body.OperationID, gwerrors.New(gwerrors.CodeQuota, false,
			"upload of %d bytes exceeds the %d byte limit", body.Size, max))
		return nil
	}

	chunkSize := s.opts.SFTPOptions.ChunkSizeBytes
	if chunkSize <= 0 {
		chunkSize = gateway.DefaultChunkSizeBytes
	}
	window := s.opts.SFTPOptions.UploadWindow
	if window <= 0 {
		window = gateway.DefaultUploadWindow
	}

	s.mu.Lock()
	mgr := s.sftp
	s.uploads[body.OperationID] = &pendingUpload{dstPath: body.Path}
	ch := make(chan uploadChunk, window)
	s.uploadJobs[body.OperationID] = ch
	s.mu.Unlock()

	// Chunks are written to the SFTP connection from this dedicated worker,
	// never from HandleBinary itself, so a slow network write never stalls
	// the hub's single inbound read loop (§4.2).
	s.g.Go(func() error {
		s.runUploadWorker(mgr, body.OperationID, body.Path, ch)
		return nil
	})

	ready := frame.SFTPUploadReadyBody{Type: frame.TextSFTPUploadReady, OperationID: body.OperationID, ChunkSize: chunkSize, Window: window}
	data, err := frame.EncodeText(frame.TextSFTPUploadReady, ready)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.hub.SendText(transporthub.PrioritySFTP, data))
}

// runUploadWorker drains one upload's chunk queue in order, issuing the
// blocking sftpmgr.Upload write per chunk off of the hub's read goroutine.
// It returns once its queue is closed, by a final chunk, a cancel, or
// session teardown.
func (s *Session) runUploadWorker(mgr *sftpmgr.Manager, operationID, dstPath string, ch chan uploadChunk) {
	for job := range ch {
		if err := mgr.Upload(s.ctx, operationID, dstPath, job.seq, job.data, job.final); err != nil {
			s.log.WithError(err).WithField("operation", operationID).Debug("upload chunk failed")
		}
	}
}

func (s *Session) sendSFTPFailed(operationID string, err error) {
	we := gwerrors.Classify(err)
	body := frame.SFTPFailedBody{Type: frame.TextSFTPFailed, OperationID: operationID, Code: string(we.Code), Message: we.Message, Retryable: we.Retryable}
	data, encErr := frame.EncodeText(frame.TextSFTPFailed, body)
	if encErr != nil {
		return
	}
	s.hub.SendText(transporthub.PrioritySFTP, data)
}

// uploadChunkHeader is the binary FrameSFTPUpload frame's header JSON.
type uploadChunkHeader struct {
	OperationID string `json:"operationId"`
	Seq         uint64 `json:"seq"`
	Final       bool   `json:"final"`
}

func (s *Session) handleUploadChunk(f frame.BinaryFrame) error {
	var hdr uploadChunkHeader
	if err := decodeHeader(f.Header, &hdr); err != nil {
		return s.protocolError(err.Error())
	}

	s.mu.Lock()
	pending, ok := s.uploads[hdr.OperationID]
	if !ok {
		s.mu.Unlock()
		return s.protocolError(fmt.Sprintf("upload chunk for unknown operation %q", hdr.OperationID))
	}
	if hdr.Seq != pending.nextSeq {
		s.mu.Unlock()
		return s.protocolError(fmt.Sprintf("upload %q: out-of-order chunk seq %d, expected %d", hdr.OperationID, hdr.Seq, pending.nextSeq))
	}
	pending.nextSeq++
	ch := s.uploadJobs[hdr.OperationID]
	if hdr.Final {
		delete(s.uploads, hdr.OperationID)
		delete(s.uploadJobs, hdr.OperationID)
	}
	s.mu.Unlock()

	if ch == nil {
		return s.protocolError(fmt.Sprintf("upload chunk for operation %q has no worker queue", hdr.OperationID))
	}

	// Hand the chunk to the operation's own worker instead of writing it
	// here: this call runs inline from the hub's single read loop, and
	// mgr.Upload's network write must never block it directly.
	job := uploadChunk{seq: hdr.Seq, data: append([]byte(nil), f.Payload...), final: hdr.Final}
	select {
	case ch <- job:
	case <-s.ctx.Done():
		return trace.Wrap(s.ctx.Err())
	}
	if hdr.Final {
		close(ch)
	}
	return nil
}

func (s *Session) sendError(err error) {
	we := gwerrors.Classify(err)
	body := frame.ErrorBody{Type: frame.TextError, Code: string(we.Code), Message: we.Message, Retryable: we.Retryable}
	data, encErr := frame.EncodeText(frame.TextError, body)
	if encErr != nil {
		return
	}
	s.hub.SendText(transporthub.PriorityControl, data)
}

func (s *Session) protocolError(reason string) error {
	s.setState(stateClosed)
	s.sendError(gwerrors.New(gwerrors.CodeProtocol, false, "%s", reason))
	s.cancel()
	return trace.Errorf("protocol error: %s", reason)
}

func (s *Session) getState() state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st state) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Debugf("state %s -> %s", s.state, st)
	s.state = st
}

// closeInternal tears down every owned sub-resource exactly once (e.g. the
// disconnect path in HandleText and Serve's final cleanup both call this;
// sync.Once keeps the Store's LogSession call, in particular, from firing
// twice for the same session).
func (s *Session) closeInternal(reason string) {
	s.closeOnce.Do(func() { s.closeOnceLocked(reason) })
}

func (s *Session) closeOnceLocked(reason string) {
	s.setState(stateClosed)

	s.mu.Lock()
	term := s.term
	mgr := s.sftp
	client := s.sshClient
	target := s.target
	startedAt := s.startedAt
	for id, ch := range s.uploadJobs {
		close(ch)
		delete(s.uploadJobs, id)
	}
	s.mu.Unlock()

	if term != nil {
		term.Close()
	}
	if mgr != nil {
		mgr.Close()
	}
	if client != nil {
		client.Close()
	}

	if s.opts.Logger != nil && !startedAt.IsZero() {
		if err := s.opts.Logger.LogSession(s.id, s.principal, target, startedAt, time.Now(), reason); err != nil {
			s.log.WithError(err).Warn("failed to log session to store")
		}
	}
}

func decodeHeader(raw []byte, dst any) error {
	if len(raw) == 0 {
		return trace.BadParameter("missing binary frame header")
	}
	return trace.Wrap(json.Unmarshal(raw, dst))
}
