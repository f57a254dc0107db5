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

// Package gwapi is the gateway's HTTP front door (SPEC_FULL §4.10): it
// upgrades `/ws/session` to a WebSocket and hands the connection to a new
// session.Session, serves `/healthz` for liveness, and exposes `/metrics`
// for the Registry's Prometheus collectors. Routing follows the teacher's
// lib/web package, which builds its mux on julienschmidt/httprouter
// throughout (files.go, conn_upgrade.go).
package gwapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/browserssh/gateway"
	"github.com/browserssh/gateway/lib/registry"
	"github.com/browserssh/gateway/lib/session"
	"github.com/browserssh/gateway/lib/sftpmgr"
	"github.com/browserssh/gateway/lib/sshdial"
	"github.com/browserssh/gateway/lib/terminal"
	"github.com/browserssh/gateway/lib/transporthub"
)

// PrincipalHeader is the header the out-of-scope auth layer in front of
// this service is documented to set with the caller's verified identity.
const PrincipalHeader = "X-Gateway-Principal"

// SessionDefaults carries the per-session knobs gwconfig.Config resolves,
// so gwapi never reads the environment directly.
type SessionDefaults struct {
	MaxPayloadBytes   int
	TerminalOptions   terminal.Options
	SFTPOptions       sftpmgr.Options
	TelemetryInterval time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration
	IdleTimeout       time.Duration
}

// Options configures a Handler.
type Options struct {
	Registry   *registry.Registry
	Dialer     *sshdial.Dialer
	Credential session.CredentialResolver
	Logger     session.SessionLogger
	Defaults   SessionDefaults

	// AllowedOrigins is the CheckOrigin allow-list; "*" or an empty list
	// permits any origin. It is operator-configurable; gwconfig's default
	// is "*".
	AllowedOrigins []string
}

// Handler serves the gateway's three HTTP endpoints behind one
// httprouter.Router.
type Handler struct {
	opts     Options
	router   *httprouter.Router
	upgrader websocket.Upgrader
	log      log.FieldLogger
}

// New constructs a Handler and wires its routes.
func New(opts Options) *Handler {
	h := &Handler{
		opts: opts,
		log:  log.WithField(trace.Component, gateway.ComponentAPI),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	h.router = httprouter.New()
	h.router.GET("/ws/session", h.wsSession)
	h.router.GET("/healthz", h.healthz)
	h.router.GET("/metrics", h.metrics())
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if strings.EqualFold(allowed, r.Header.Get("Origin")) {
			return true
		}
	}
	return len(h.opts.AllowedOrigins) == 0
}

func (h *Handler) wsSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	principal := r.Header.Get(PrincipalHeader)
	if principal == "" {
		http.Error(w, "missing "+PrincipalHeader, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	hub := transporthub.New(conn, h.opts.Defaults.MaxPayloadBytes)
	sess := session.New(hub, session.Options{
		Principal:         principal,
		MaxPayloadBytes:   h.opts.Defaults.MaxPayloadBytes,
		TerminalOptions:   h.opts.Defaults.TerminalOptions,
		SFTPOptions:       h.opts.Defaults.SFTPOptions,
		TelemetryInterval: h.opts.Defaults.TelemetryInterval,
		PingInterval:      h.opts.Defaults.PingInterval,
		PingTimeout:       h.opts.Defaults.PingTimeout,
		IdleTimeout:       h.opts.Defaults.IdleTimeout,
		Dialer:            h.opts.Dialer,
		Credential:        h.opts.Credential,
		Logger:            h.opts.Logger,
		Metrics:           h.opts.Registry,
	})

	if err := h.opts.Registry.Admit(sess); err != nil {
		h.log.WithError(err).Info("session rejected")
		sess.Close()
		conn.Close()
		return
	}

	go func() {
		defer h.opts.Registry.Remove(sess.ID())
		if err := sess.Serve(); err != nil {
			h.log.WithError(err).WithField("session", sess.ID()).Info("session ended with error")
		}
	}()
}

// healthz reports liveness: it always answers 200 "ok". The response does
// not reflect whether the Registry is full or shutting down.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) metrics() httprouter.Handle {
	promHandler := promhttp.HandlerFor(h.opts.Registry.Gatherer(), promhttp.HandlerOpts{})
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		promHandler.ServeHTTP(w, r)
	}
}
