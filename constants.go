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

// Package gateway holds constants shared across the whole browser SSH/SFTP
// gateway: the wire protocol version, binary frame type codes, component
// names used for structured log fields, and process-wide defaults.
package gateway

import "time"

// WireVersion is the only defined binary frame format version.
const WireVersion uint8 = 1

// FrameType is the single-byte discriminant carried by every binary frame.
type FrameType uint8

// Binary frame type codes, as specified by the wire protocol (§6.1).
const (
	FrameHandshake FrameType = 0x00
	FrameHeartbeat FrameType = 0x01
	FrameError     FrameType = 0x02
	FramePing      FrameType = 0x03
	FramePong      FrameType = 0x04
	FrameConnect   FrameType = 0x05
	FrameAuth      FrameType = 0x06
	FrameDisconn   FrameType = 0x07
	FrameReg       FrameType = 0x08
	FrameConnected FrameType = 0x09
	FrameLatency   FrameType = 0x0A
	FrameStatus    FrameType = 0x0B

	FrameSSHData   FrameType = 0x10
	FrameSSHResize FrameType = 0x11
	FrameSSHCmd    FrameType = 0x12
	FrameSSHAck    FrameType = 0x13

	FrameSFTPInit           FrameType = 0x20
	FrameSFTPList           FrameType = 0x21
	FrameSFTPUpload         FrameType = 0x22
	FrameSFTPDownload       FrameType = 0x23
	FrameSFTPMkdir          FrameType = 0x24
	FrameSFTPDelete         FrameType = 0x25
	FrameSFTPRename         FrameType = 0x26
	FrameSFTPChmod          FrameType = 0x27
	FrameSFTPDownloadFolder FrameType = 0x28
	FrameSFTPClose          FrameType = 0x29
	FrameSFTPCancel         FrameType = 0x2A

	FrameSFTPOK         FrameType = 0x80
	FrameSFTPErr        FrameType = 0x81
	FrameSFTPProgress   FrameType = 0x82
	FrameSFTPFileData   FrameType = 0x83
	FrameSFTPFolderData FrameType = 0x84
)

// Component names used as the `trace.Component` logrus field.
const (
	ComponentCodec        = "codec"
	ComponentVault        = "vault"
	ComponentDialer       = "dialer"
	ComponentTransportHub = "transport"
	ComponentTerminal     = "terminal"
	ComponentSFTP         = "sftp"
	ComponentArchive      = "archive"
	ComponentSession      = "session"
	ComponentTelemetry    = "telemetry"
	ComponentKeepalive    = "keepalive"
	ComponentRegistry     = "registry"
	ComponentStore        = "store"
	ComponentAPI          = "api"
)

// Defaults mirrors the numeric defaults named throughout spec.md; gwconfig
// overrides any of these from the environment.
const (
	DefaultChunkSizeBytes       = 256 * 1024
	DefaultUploadWindow         = 4
	DefaultMaxConcurrentOps     = 4
	DefaultMaxUploadBytes       = 100 * 1024 * 1024
	DefaultMaxFolderBytes       = 500 * 1024 * 1024
	DefaultMaxFrameBytes        = 4 * 1024 * 1024
	DefaultSFTPHighWaterBytes   = 1024 * 1024
	DefaultSFTPLowWaterBytes    = 256 * 1024
	DefaultTermHighWaterBytes   = 1024 * 1024
	DefaultTermLowWaterBytes    = 256 * 1024
	DefaultPingInterval         = 25 * time.Second
	DefaultPingTimeout          = 60 * time.Second
	DefaultSessionIdleTimeout   = 30 * time.Minute
	DefaultSSHConnectTimeout    = 10 * time.Second
	DefaultSSHOpTimeout         = 30 * time.Second
	DefaultSSHKeepaliveInterval = 10 * time.Second
	DefaultSSHKeepaliveMisses   = 3
	DefaultTelemetryInterval    = 1 * time.Second
	DefaultProgressInterval     = 100 * time.Millisecond
	DefaultProgressBytes        = 1024 * 1024
	DefaultTermCoalesceBytes    = 64 * 1024
	DefaultTermCoalesceWindow   = 5 * time.Millisecond
	DefaultMaxCols              = 500
	DefaultMaxRows              = 500
	DefaultTerm                 = "xterm-256color"
)
