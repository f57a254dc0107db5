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

// Package sftpmgr implements the SFTP Operation Manager of §4.4/§4.5: a
// registry of in-flight operations keyed by operationId, each running in
// its own goroutine against a shared *sftp.Client, reporting progress and
// a single terminal frame (done/failed/cancelled) back through the
// transport hub. Cancellation follows the teacher's cancelWriter pattern
// (lib/sshutils/sftp.cancelWriter): each operation's context is checked
// between chunks, so a cancel stops the transfer at the next chunk
// boundary; a read or write already in progress runs to completion.
package sftpmgr

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/browserssh/gateway"
	"github.com/browserssh/gateway/lib/frame"
	"github.com/browserssh/gateway/lib/gwerrors"
	"github.com/browserssh/gateway/lib/transporthub"
)

// Options bounds the manager's concurrency and pacing.
type Options struct {
	MaxConcurrentOps  int
	ChunkSizeBytes    int
	UploadWindow      int
	ProgressInterval  time.Duration
	ProgressBytes     int64
	HighWaterBytes    int
	LowWaterBytes     int

	// MaxUploadBytes and MaxFolderBytes cap a single sftp.upload transfer
	// and the aggregate size walked by sftp.downloadFolder, respectively.
	// Zero means unbounded.
	MaxUploadBytes int64
	MaxFolderBytes int64
}

// DefaultOptions mirrors gateway's documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentOps: gateway.DefaultMaxConcurrentOps,
		ChunkSizeBytes:   gateway.DefaultChunkSizeBytes,
		UploadWindow:     gateway.DefaultUploadWindow,
		ProgressInterval: gateway.DefaultProgressInterval,
		ProgressBytes:    gateway.DefaultProgressBytes,
		HighWaterBytes:   gateway.DefaultSFTPHighWaterBytes,
		LowWaterBytes:    gateway.DefaultSFTPLowWaterBytes,
	}
}

// Metrics receives per-operation outcome and byte-transfer counts for the
// Registry's gateway_sftp_operations_total / gateway_sftp_bytes_transferred_total
// collectors. A Manager with no Metrics attached simply skips recording.
type Metrics interface {
	RecordOperation(kind, outcome string)
	RecordBytes(direction string, n int64)
}

// Manager owns the *sftp.Client for one Session and tracks its in-flight
// operations.
type Manager struct {
	client  *sftp.Client
	hub     *transporthub.Hub
	opts    Options
	metrics Metrics

	sem chan struct{} // bounds MaxConcurrentOps

	mu          sync.Mutex
	ops         map[string]*operation
	uploadFiles map[string]*uploadState

	log log.FieldLogger
}

type operation struct {
	cancel context.CancelFunc
	kind   string
}

// New wraps an established SSH client in an SFTP client and a Manager.
func New(sshClient *ssh.Client, hub *transporthub.Hub, opts Options) (*Manager, error) {
	if opts.MaxConcurrentOps <= 0 {
		opts = DefaultOptions()
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = gateway.DefaultProgressInterval
	}
	if opts.ProgressBytes <= 0 {
		opts.ProgressBytes = gateway.DefaultProgressBytes
	}
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, trace.Wrap(err, "open sftp subsystem")
	}
	return &Manager{
		client:      client,
		hub:         hub,
		opts:        opts,
		sem:         make(chan struct{}, opts.MaxConcurrentOps),
		ops:         make(map[string]*operation),
		uploadFiles: make(map[string]*uploadState),
		log:         log.WithField(trace.Component, gateway.ComponentSFTP),
	}, nil
}

// SetMetrics attaches the Registry (or any Metrics implementation) to
// record operation outcomes and byte counts. Must be called before
// dispatching any operation; nil is safe and simply disables recording.
func (m *Manager) SetMetrics(metrics Metrics) {
	m.metrics = metrics
}

func (m *Manager) recordOperation(operationID, outcome string) {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	op, ok := m.ops[operationID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.metrics.RecordOperation(op.kind, outcome)
}

func (m *Manager) recordBytes(direction string, n int64) {
	if m.metrics == nil || n <= 0 {
		return
	}
	m.metrics.RecordBytes(direction, n)
}

// Close releases the underlying SFTP client.
func (m *Manager) Close() error {
	m.mu.Lock()
	for _, op := range m.ops {
		op.cancel()
	}
	m.mu.Unlock()
	return trace.Wrap(m.client.Close())
}

// Cancel requests cancellation of an in-flight operation. Unknown or
// already-finished operation IDs are a no-op (§4.4's "cancel is always
// admitted" edge case), since the browser may race a cancel against a
// just-finished done/failed frame.
func (m *Manager) Cancel(operationID string) {
	m.mu.Lock()
	op, ok := m.ops[operationID]
	m.mu.Unlock()
	if ok {
		op.cancel()
	}
}

func (m *Manager) register(operationID, kind string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.ops[operationID] = &operation{cancel: cancel, kind: kind}
	m.mu.Unlock()
	return ctx, func() {
		m.mu.Lock()
		delete(m.ops, operationID)
		m.mu.Unlock()
	}
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() { <-m.sem }

// List handles `sftp.list`, returning entries for one directory.
func (m *Manager) List(ctx context.Context, operationID, dirPath string) {
	ctx, done := m.register(operationID, "list")
	defer done()
	if err := m.acquire(ctx); err != nil {
		m.sendCancelledOrFailed(operationID, err)
		return
	}
	defer m.release()

	infos, err := m.client.ReadDir(dirPath)
	if err != nil {
		m.sendFailed(operationID, err)
		return
	}

	entries := make([]frame.SFTPEntry, 0, len(infos))
	for _, fi := range infos {
		entry := frame.SFTPEntry{
			Name:  fi.Name(),
			Size:  fi.Size(),
			Mode:  uint32(fi.Mode().Perm()),
			MTime: fi.ModTime().Unix(),
			IsDir: fi.IsDir(),
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			entry.IsSymlink = true
			if target, err := m.client.ReadLink(path.Join(dirPath, fi.Name())); err == nil {
				entry.Target = target
			}
		}
		entries = append(entries, entry)
	}

	// §4.4: entries sorted by name, directories first. pkg/sftp.ReadDir
	// returns server order, which makes no such promise.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	m.sendDone(operationID, 0, entries, nil)
}

// Mkdir handles `sftp.mkdir`. With recursive set it behaves like mkdir -p;
// otherwise a pre-existing target at dirPath is reported as EXISTS instead
// of silently succeeding, per §4.4's error table.
func (m *Manager) Mkdir(ctx context.Context, operationID, dirPath string, mode os.FileMode, recursive bool) {
	ctx, done := m.register(operationID, "mkdir")
	defer done()
	if err := m.acquire(ctx); err != nil {
		m.sendCancelledOrFailed(operationID, err)
		return
	}
	defer m.release()

	if recursive {
		if err := m.client.MkdirAll(dirPath); err != nil {
			m.sendFailed(operationID, err)
			return
		}
	} else {
		if _, err := m.client.Stat(dirPath); err == nil {
			m.sendFailed(operationID, trace.AlreadyExists("%q already exists", dirPath))
			return
		} else if !os.IsNotExist(err) {
			m.sendFailed(operationID, err)
			return
		}
		if err := m.client.Mkdir(dirPath); err != nil {
			m.sendFailed(operationID, err)
			return
		}
	}

	if mode != 0 {
		if err := m.client.Chmod(dirPath, mode); err != nil {
			m.sendFailed(operationID, err)
			return
		}
	}
	m.sendDone(operationID, 0, nil, nil)
}

// Delete handles `sftp.delete`, recursing for directories.
func (m *Manager) Delete(ctx context.Context, operationID, targetPath string, recursive bool) {
	ctx, done := m.register(operationID, "delete")
	defer done()
	if err := m.acquire(ctx); err != nil {
		m.sendCancelledOrFailed(operationID, err)
		return
	}
	defer m.release()

	fi, err := m.client.Stat(targetPath)
	if err != nil {
		m.sendFailed(operationID, err)
		return
	}

	var delErr error
	if fi.IsDir() {
		if !recursive {
			delErr = gwerrors.New(gwerrors.CodePermission, false, "%q is a directory; recursive delete was not requested", targetPath)
		} else {
			delErr = m.removeRecursive(ctx, targetPath)
		}
	} else {
		delErr = m.client.Remove(targetPath)
	}
	if delErr != nil {
		m.sendFailed(operationID, delErr)
		return
	}
	m.sendDone(operationID, 0, nil, nil)
}

func (m *Manager) removeRecursive(ctx context.Context, dirPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	infos, err := m.client.ReadDir(dirPath)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, fi := range infos {
		childPath := path.Join(dirPath, fi.Name())
		if fi.IsDir() {
			if err := m.removeRecursive(ctx, childPath); err != nil {
				return err
			}
		} else if err := m.client.Remove(childPath); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(m.client.RemoveDirectory(dirPath))
}

// Rename handles `sftp.rename`.
func (m *Manager) Rename(ctx context.Context, operationID, from, to string) {
	ctx, done := m.register(operationID, "rename")
	defer done()
	if err := m.acquire(ctx); err != nil {
		m.sendCancelledOrFailed(operationID, err)
		return
	}
	defer m.release()

	if err := m.client.Rename(from, to); err != nil {
		m.sendFailed(operationID, err)
		return
	}
	m.sendDone(operationID, 0, nil, nil)
}

// Chmod handles `sftp.chmod`.
func (m *Manager) Chmod(ctx context.Context, operationID, targetPath string, mode os.FileMode) {
	ctx, done := m.register(operationID, "chmod")
	defer done()
	if err := m.acquire(ctx); err != nil {
		m.sendCancelledOrFailed(operationID, err)
		return
	}
	defer m.release()

	if err := m.client.Chmod(targetPath, mode); err != nil {
		m.sendFailed(operationID, err)
		return
	}
	m.sendDone(operationID, 0, nil, nil)
}

// Download handles `sftp.download`: streams one remote file to the browser
// as a sequence of SFTP_FILE_DATA binary frames, pacing against the hub's
// SFTP-priority queue depth the same way the terminal channel paces on
// its own queue.
func (m *Manager) Download(ctx context.Context, operationID, srcPath string) {
	ctx, done := m.register(operationID, "download")
	defer done()
	if err := m.acquire(ctx); err != nil {
		m.sendCancelledOrFailed(operationID, err)
		return
	}
	defer m.release()

	f, err := m.client.Open(srcPath)
	if err != nil {
		m.sendFailed(operationID, err)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		m.sendFailed(operationID, err)
		return
	}

	written, err := m.streamFile(ctx, operationID, f, fi.Size())
	if err != nil {
		if ctx.Err() != nil {
			m.sendCancelled(operationID)
			return
		}
		m.sendFailed(operationID, err)
		return
	}
	m.sendDone(operationID, written, nil, nil)
}

// streamFile copies src to the hub in ChunkSizeBytes pieces, honoring
// ctx cancellation between chunks (the cancelWriter idiom, applied to a
// reader loop instead of io.Copy since each chunk must become its own
// framed message).
func (m *Manager) streamFile(ctx context.Context, operationID string, src io.Reader, total int64) (int64, error) {
	chunkSize := m.opts.ChunkSizeBytes
	if chunkSize <= 0 {
		chunkSize = gateway.DefaultChunkSizeBytes
	}
	buf := make([]byte, chunkSize)

	var written int64
	var sinceProgress int64
	lastProgress := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			m.pace()
			header, _ := frame.EncodeHeader(struct {
				OperationID string `json:"operationId"`
			}{operationID})
			data, encErr := frame.EncodeBinary(frame.BinaryFrame{
				Type:    gateway.FrameSFTPFileData,
				Header:  header,
				Payload: append([]byte(nil), buf[:n]...),
			})
			if encErr != nil {
				return written, trace.Wrap(encErr)
			}
			if sendErr := m.hub.SendBinary(transporthub.PrioritySFTP, data); sendErr != nil {
				return written, trace.Wrap(sendErr)
			}
			written += int64(n)
			sinceProgress += int64(n)
			m.recordBytes("download", int64(n))

			if sinceProgress >= m.opts.ProgressBytes || time.Since(lastProgress) >= m.opts.ProgressInterval {
				m.sendProgress(operationID, written, total)
				sinceProgress = 0
				lastProgress = time.Now()
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, trace.Wrap(err)
		}
	}
}

// pace blocks while the hub's SFTP-priority queue is above HighWaterBytes
// worth of chunk messages, resuming once it drains under LowWaterBytes.
func (m *Manager) pace() {
	chunk := m.opts.ChunkSizeBytes
	if chunk <= 0 {
		chunk = gateway.DefaultChunkSizeBytes
	}
	highDepth := m.opts.HighWaterBytes / chunk
	if m.hub.QueueDepth(transporthub.PrioritySFTP) < highDepth {
		return
	}
	lowDepth := m.opts.LowWaterBytes / chunk
	for m.hub.QueueDepth(transporthub.PrioritySFTP) > lowDepth {
		time.Sleep(5 * time.Millisecond)
	}
}

// Upload handles one chunk of `sftp.upload`'s streamed payload, writing it
// to dstPath (creating it on the first chunk) and acknowledging the
// sequence number so the browser's sliding window can advance.
func (m *Manager) Upload(ctx context.Context, operationID, dstPath string, seq uint64, chunk []byte, final bool) error {
	f, opCtx, err := m.openUploadFile(operationID, dstPath)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := opCtx.Err(); err != nil {
		m.sendCancelled(operationID)
		m.closeUpload(operationID)
		return trace.Wrap(err)
	}

	if _, err := f.Write(chunk); err != nil {
		m.sendFailed(operationID, err)
		m.closeUpload(operationID)
		return trace.Wrap(err)
	}
	m.recordBytes("upload", int64(len(chunk)))

	ackHeader, _ := frame.EncodeText(frame.TextSFTPUploadAck, frame.SFTPUploadAckBody{
		Type: frame.TextSFTPUploadAck, OperationID: operationID, Seq: seq,
	})
	if err := m.hub.SendText(transporthub.PrioritySFTP, ackHeader); err != nil {
		return trace.Wrap(err)
	}

	if final {
		m.sendDone(operationID, 0, nil, nil)
		m.closeUpload(operationID)
	}
	return nil
}

// uploadState tracks the destination file handle across chunked writes of
// one upload operation, plus the per-operation cancellation context
// registered alongside it so Cancel reaches in-flight uploads the same
// way it reaches every other operation kind.
type uploadState struct {
	file *sftp.File
	ctx  context.Context
}

// openUploadFile returns the (lazily created, on first chunk) destination
// file and the operation's cancellation context.
func (m *Manager) openUploadFile(operationID, dstPath string) (*sftp.File, context.Context, error) {
	m.mu.Lock()
	if st, ok := m.uploadFiles[operationID]; ok {
		m.mu.Unlock()
		return st.file, st.ctx, nil
	}
	m.mu.Unlock()

	f, err := m.client.Create(dstPath)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	// register's own cleanup closure is unused: closeUpload removes the
	// op entry itself once the upload (not just this chunk) is done.
	opCtx, _ := m.register(operationID, "upload")
	m.mu.Lock()
	m.uploadFiles[operationID] = &uploadState{file: f, ctx: opCtx}
	m.mu.Unlock()
	return f, opCtx, nil
}

func (m *Manager) closeUpload(operationID string) {
	m.mu.Lock()
	st, ok := m.uploadFiles[operationID]
	if ok {
		st.file.Close()
		delete(m.uploadFiles, operationID)
	}
	delete(m.ops, operationID)
	m.mu.Unlock()
}

func (m *Manager) sendProgress(operationID string, done int64, total int64) {
	body := frame.SFTPProgressBody{Type: frame.TextSFTPProgress, OperationID: operationID, BytesDone: done}
	if total > 0 {
		body.BytesTotal = &total
	}
	data, err := frame.EncodeText(frame.TextSFTPProgress, body)
	if err != nil {
		return
	}
	m.hub.SendText(transporthub.PrioritySFTP, data)
}

func (m *Manager) sendDone(operationID string, bytes int64, entries []frame.SFTPEntry, manifest []frame.SkipNote) {
	m.recordOperation(operationID, "ok")
	data, err := frame.EncodeText(frame.TextSFTPDone, frame.SFTPDoneBody{
		Type: frame.TextSFTPDone, OperationID: operationID, Bytes: bytes, Entries: entries, Manifest: manifest,
	})
	if err != nil {
		return
	}
	m.hub.SendText(transporthub.PrioritySFTP, data)
}

// translateSFTPError classifies a raw pkg/sftp/os-level error into the
// trace constructor gwerrors.Classify expects, the way the teacher's
// lib/sshutils/sftp.Config.transfer distinguishes os.ErrNotExist before
// picking a trace constructor. pkg/sftp's StatusError satisfies
// errors.Is against os.ErrNotExist/os.ErrExist/os.ErrPermission for the
// matching SSH_FX_* codes, so the stdlib os.Is* helpers see through it.
func translateSFTPError(err error) error {
	if err == nil {
		return nil
	}
	var we *gwerrors.WireError
	if errors.As(err, &we) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case os.IsNotExist(err):
		return trace.NotFound("%v", err)
	case os.IsExist(err):
		return trace.AlreadyExists("%v", err)
	case os.IsPermission(err):
		return trace.AccessDenied("%v", err)
	default:
		return trace.Wrap(err)
	}
}

func (m *Manager) sendFailed(operationID string, err error) {
	m.recordOperation(operationID, "failed")
	we := gwerrors.Classify(translateSFTPError(err))
	data, encErr := frame.EncodeText(frame.TextSFTPFailed, frame.SFTPFailedBody{
		Type: frame.TextSFTPFailed, OperationID: operationID, Code: string(we.Code), Message: we.Message, Retryable: we.Retryable,
	})
	if encErr != nil {
		return
	}
	m.hub.SendText(transporthub.PrioritySFTP, data)
}

func (m *Manager) sendCancelled(operationID string) {
	m.recordOperation(operationID, "cancelled")
	data, err := frame.EncodeText(frame.TextSFTPCancelled, frame.SFTPCancelledBody{Type: frame.TextSFTPCancelled, OperationID: operationID})
	if err != nil {
		return
	}
	m.hub.SendText(transporthub.PrioritySFTP, data)
}

func (m *Manager) sendCancelledOrFailed(operationID string, err error) {
	if gwerrors.IsCancelled(err) || err == context.Canceled {
		m.sendCancelled(operationID)
		return
	}
	m.sendFailed(operationID, err)
}
