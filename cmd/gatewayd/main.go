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

// Command gatewayd runs the browser SSH/SFTP gateway's HTTP front door: it
// loads configuration from the environment, wires the Registry, SSH
// Dialer and HTTP handler, and serves until terminated.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/browserssh/gateway"
	"github.com/browserssh/gateway/lib/gwapi"
	"github.com/browserssh/gateway/lib/gwconfig"
	"github.com/browserssh/gateway/lib/registry"
	"github.com/browserssh/gateway/lib/sftpmgr"
	"github.com/browserssh/gateway/lib/sshdial"
	"github.com/browserssh/gateway/lib/terminal"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := run(); err != nil {
		log.WithError(err).Error("gatewayd exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := gwconfig.Load()
	if err != nil {
		return trace.Wrap(err, "failed to load configuration")
	}

	hostKeys, err := sshdial.NewVerifier(cfg.HostKeyPolicy, cfg.KnownHostsPath, 0)
	if err != nil {
		return trace.Wrap(err, "failed to build host key policy")
	}
	dialer := sshdial.New(hostKeys, gateway.DefaultSSHConnectTimeout)

	reg := registry.New(cfg.MaxSessions)

	handler := gwapi.New(gwapi.Options{
		Registry:       reg,
		Dialer:         dialer,
		AllowedOrigins: parseOrigins(cfg.AllowedOrigins),
		Defaults: gwapi.SessionDefaults{
			MaxPayloadBytes: maxFrameBytes(cfg),
			TerminalOptions: terminal.Options{
				HighWaterBytes: cfg.TerminalHighWaterBytes,
				LowWaterBytes:  cfg.TerminalLowWaterBytes,
			},
			SFTPOptions: sftpmgr.Options{
				ChunkSizeBytes:   cfg.ChunkSizeBytes,
				UploadWindow:     cfg.UploadWindow,
				MaxConcurrentOps: cfg.MaxConcurrentOps,
				HighWaterBytes:   cfg.SFTPHighWaterBytes,
				LowWaterBytes:    cfg.SFTPLowWaterBytes,
				MaxUploadBytes:   cfg.MaxUploadBytes,
				MaxFolderBytes:   cfg.MaxFolderBytes,
			},
			PingInterval: time.Duration(cfg.PingIntervalMS) * time.Millisecond,
			PingTimeout:  time.Duration(cfg.PingTimeoutMS) * time.Millisecond,
			IdleTimeout:  time.Duration(cfg.SessionIdleTimeoutMS) * time.Millisecond,
		},
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("gatewayd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- trace.Wrap(err)
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return trace.Wrap(err)
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("gatewayd shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown timed out, forcing close")
		srv.Close()
	}
	if err := reg.CloseAll(); err != nil {
		log.WithError(err).Warn("error closing active sessions")
	}
	return nil
}

func maxFrameBytes(cfg *gwconfig.Config) int {
	if cfg.MaxUploadBytes > 0 && cfg.MaxUploadBytes < int64(gateway.DefaultMaxFrameBytes) {
		return int(cfg.MaxUploadBytes)
	}
	return gateway.DefaultMaxFrameBytes
}

func parseOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
