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

// Package registry holds the process-wide mapping of sessionId to Session,
// enforces the MAX_SESSIONS global cap, and owns the gateway's Prometheus
// collectors (§6.6). It is the one piece of shared global state the core
// carries, together with the Store adapter.
package registry

import (
	"sync"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
)

// Entry is the subset of Session state the Registry needs: enough to
// enumerate and close sessions without importing the session package
// (lib/gwapi, which imports both, performs admission).
type Entry interface {
	ID() string
	Principal() string
	Close() error
}

// Registry tracks live sessions and enforces the global concurrency cap.
// One Registry exists per process.
type Registry struct {
	maxSessions int

	mu       sync.RWMutex
	sessions map[string]Entry

	registry *prometheus.Registry

	sessionsActive        prometheus.Gauge
	sessionsRejectedTotal *prometheus.CounterVec
	sftpOperationsTotal   *prometheus.CounterVec
	sftpBytesTransferred  *prometheus.CounterVec
}

// RejectReason labels the gateway_sessions_rejected_total counter.
type RejectReason string

const (
	RejectMaxSessions RejectReason = "max_sessions"
	RejectAuthFailed  RejectReason = "auth_failed"
)

// SFTPOutcome labels the gateway_sftp_operations_total counter.
type SFTPOutcome string

const (
	OutcomeOK        SFTPOutcome = "ok"
	OutcomeFailed    SFTPOutcome = "failed"
	OutcomeCancelled SFTPOutcome = "cancelled"
)

// TransferDirection labels the gateway_sftp_bytes_transferred_total counter.
type TransferDirection string

const (
	DirectionUpload   TransferDirection = "upload"
	DirectionDownload TransferDirection = "download"
)

// New constructs a Registry with the given MAX_SESSIONS cap (0 means
// unbounded). It owns a private prometheus.Registry (rather than
// registering against prometheus.DefaultRegisterer) so that gwapi's
// /metrics handler has a single Gatherer to serve and multiple Registries
// can coexist in tests without a duplicate-registration panic.
func New(maxSessions int) *Registry {
	r := &Registry{
		maxSessions: maxSessions,
		sessions:    make(map[string]Entry),
		registry:    prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sessions_active",
			Help: "Number of browser sessions currently open.",
		}),
		sessionsRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_sessions_rejected_total",
			Help: "Number of sessions rejected before reaching the Ready state, by reason.",
		}, []string{"reason"}),
		sftpOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_sftp_operations_total",
			Help: "Number of completed SFTP operations, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		sftpBytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_sftp_bytes_transferred_total",
			Help: "Bytes transferred over SFTP operations, by direction.",
		}, []string{"direction"}),
	}
	r.registry.MustRegister(
		r.sessionsActive,
		r.sessionsRejectedTotal,
		r.sftpOperationsTotal,
		r.sftpBytesTransferred,
	)
	return r
}

// Gatherer exposes the Registry's Prometheus collectors for a /metrics
// handler (§4.10) to serve via promhttp.HandlerFor.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Admit registers a new session if the global cap allows it. Callers must
// call Remove when the session closes, whether or not admission
// succeeded for some other session with the same id (Admit itself never
// partially registers).
func (r *Registry) Admit(s Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID()]; exists {
		return trace.AlreadyExists("session %q already registered", s.ID())
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.sessionsRejectedTotal.WithLabelValues(string(RejectMaxSessions)).Inc()
		return trace.LimitExceeded("maximum concurrent sessions (%d) reached", r.maxSessions)
	}

	r.sessions[s.ID()] = s
	r.sessionsActive.Set(float64(len(r.sessions)))
	return nil
}

// RejectAuthFailed records a session whose authentication to the target
// host failed during the Authenticating state.
func (r *Registry) RejectAuthFailed() {
	r.sessionsRejectedTotal.WithLabelValues(string(RejectAuthFailed)).Inc()
}

// Remove unregisters a session by id. It is a no-op if the id is unknown,
// mirroring the SFTP Cancel's always-admitted idempotence elsewhere in
// this codebase.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	r.sessionsActive.Set(float64(len(r.sessions)))
}

// Get returns the session registered under id, if any.
func (r *Registry) Get(sessionID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// List enumerates all currently registered sessions, for admin/
// introspection endpoints.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of currently registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every registered session, for graceful shutdown. It
// returns the first error encountered, if any, but attempts to close
// every session regardless.
func (r *Registry) CloseAll() error {
	r.mu.RLock()
	sessions := make([]Entry, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RecordSFTPOperation increments gateway_sftp_operations_total for a
// completed operation of the given kind (e.g. "upload", "list", "mkdir")
// and outcome.
func (r *Registry) RecordSFTPOperation(kind string, outcome SFTPOutcome) {
	r.sftpOperationsTotal.WithLabelValues(kind, string(outcome)).Inc()
}

// RecordSFTPBytes adds n bytes to the gateway_sftp_bytes_transferred_total
// counter for the given direction.
func (r *Registry) RecordSFTPBytes(direction TransferDirection, n int64) {
	if n <= 0 {
		return
	}
	r.sftpBytesTransferred.WithLabelValues(string(direction)).Add(float64(n))
}

// RecordOperation and RecordBytes give *Registry the exact method shapes
// sftpmgr.Metrics expects, so a Session can pass a Registry straight into
// Manager.SetMetrics without either package importing the other.
func (r *Registry) RecordOperation(kind, outcome string) {
	r.RecordSFTPOperation(kind, SFTPOutcome(outcome))
}

func (r *Registry) RecordBytes(direction string, n int64) {
	r.RecordSFTPBytes(TransferDirection(direction), n)
}
