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

// Package gwconfig loads the gateway's process configuration from the
// environment, per spec.md §6.3. A single Config struct is parsed once at
// startup; every component reads its knobs from the resulting value rather
// than calling os.Getenv itself.
package gwconfig

import (
	"github.com/gravitational/configure"
	"github.com/gravitational/trace"
)

// Config is the complete set of environment variables the gateway core
// consumes.
type Config struct {
	ListenAddr           string `env:"LISTEN_ADDR"`
	DeploymentSecret     string `env:"DEPLOYMENT_SECRET"`
	MaxUploadBytes       int64  `env:"MAX_UPLOAD_BYTES"`
	MaxFolderBytes       int64  `env:"MAX_FOLDER_BYTES"`
	MaxSessions          int    `env:"MAX_SESSIONS"`
	PingIntervalMS       int64  `env:"PING_INTERVAL_MS"`
	PingTimeoutMS        int64  `env:"PING_TIMEOUT_MS"`
	SessionIdleTimeoutMS int64  `env:"SESSION_IDLE_TIMEOUT_MS"`
	HostKeyPolicy        string `env:"HOST_KEY_POLICY"`

	// AllowedOrigins is a comma-separated list of origins the `/ws/session`
	// upgrader accepts; "*" allows any origin (dev only).
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`

	// Additions beyond spec.md's §6.3 list (SPEC_FULL's Config data model).
	ArchiveFormat          string `env:"ARCHIVE_FORMAT"`
	ChunkSizeBytes         int    `env:"CHUNK_SIZE_BYTES"`
	UploadWindow           int    `env:"UPLOAD_WINDOW"`
	MaxConcurrentOps       int    `env:"MAX_CONCURRENT_OPS"`
	SFTPHighWaterBytes     int    `env:"SFTP_HIGH_WATER_BYTES"`
	SFTPLowWaterBytes      int    `env:"SFTP_LOW_WATER_BYTES"`
	TerminalHighWaterBytes int    `env:"TERMINAL_HIGH_WATER_BYTES"`
	TerminalLowWaterBytes  int    `env:"TERMINAL_LOW_WATER_BYTES"`
	KnownHostsPath         string `env:"KNOWN_HOSTS_PATH"`
}

// Load parses the process environment into a Config and fills in any
// unset numeric/string fields with spec.md's documented defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := configure.ParseEnv(&cfg); err != nil {
		return nil, trace.Wrap(err, "failed to parse environment configuration")
	}
	cfg.applyDefaults()
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:8080"
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = 100 * 1024 * 1024
	}
	if c.MaxFolderBytes == 0 {
		c.MaxFolderBytes = 500 * 1024 * 1024
	}
	if c.PingIntervalMS == 0 {
		c.PingIntervalMS = 25000
	}
	if c.PingTimeoutMS == 0 {
		c.PingTimeoutMS = 60000
	}
	if c.SessionIdleTimeoutMS == 0 {
		c.SessionIdleTimeoutMS = 30 * 60 * 1000
	}
	if c.HostKeyPolicy == "" {
		c.HostKeyPolicy = "tofu"
	}
	if c.ArchiveFormat == "" {
		c.ArchiveFormat = "zip"
	}
	if c.ChunkSizeBytes == 0 {
		c.ChunkSizeBytes = 256 * 1024
	}
	if c.UploadWindow == 0 {
		c.UploadWindow = 4
	}
	if c.MaxConcurrentOps == 0 {
		c.MaxConcurrentOps = 4
	}
	if c.SFTPHighWaterBytes == 0 {
		c.SFTPHighWaterBytes = 1024 * 1024
	}
	if c.SFTPLowWaterBytes == 0 {
		c.SFTPLowWaterBytes = 256 * 1024
	}
	if c.TerminalHighWaterBytes == 0 {
		c.TerminalHighWaterBytes = 1024 * 1024
	}
	if c.TerminalLowWaterBytes == 0 {
		c.TerminalLowWaterBytes = 256 * 1024
	}
	if c.KnownHostsPath == "" {
		c.KnownHostsPath = "known_hosts"
	}
	if c.AllowedOrigins == "" {
		c.AllowedOrigins = "*"
	}
}

// checkAndSetDefaults validates the enumerated fields, following the
// CheckAndSetDefaults naming convention the teacher uses throughout
// (e.g. lib/srv.SessionControllerConfig.CheckAndSetDefaults).
func (c *Config) checkAndSetDefaults() error {
	switch c.HostKeyPolicy {
	case "strict", "tofu", "insecure":
	default:
		return trace.BadParameter("invalid HOST_KEY_POLICY %q", c.HostKeyPolicy)
	}
	switch c.ArchiveFormat {
	case "zip":
	default:
		return trace.BadParameter("invalid ARCHIVE_FORMAT %q", c.ArchiveFormat)
	}
	if c.DeploymentSecret == "" {
		return trace.BadParameter("DEPLOYMENT_SECRET must be set")
	}
	if c.MaxConcurrentOps <= 0 {
		return trace.BadParameter("MAX_CONCURRENT_OPS must be positive")
	}
	return nil
}
