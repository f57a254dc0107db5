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

// Package sshdial dials the single outbound SSH connection a Session needs
// (§4.2), classifying failures into the wire taxonomy and applying one of
// three host-key policies (§6.4): strict (known_hosts only), tofu (trust
// on first use, persisted), or insecure (accept anything, dev only).
package sshdial

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/browserssh/gateway"
	"github.com/browserssh/gateway/lib/gwerrors"
)

// Credential is the decrypted auth material for one dial attempt. Exactly
// one of Password or PrivateKey should be set per Mode.
type Credential struct {
	Mode       string // password|publicKey|agent
	Password   string
	PrivateKey []byte
}

// Target identifies the remote host a Session connects to.
type Target struct {
	Host string
	Port int
	User string
}

func (t Target) addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Dialer opens outbound SSH connections on behalf of sessions.
type Dialer struct {
	connectTimeout time.Duration
	hostKeys       HostKeyVerifier
	log            log.FieldLogger
}

// HostKeyVerifier implements one of the three host-key policies. It wraps
// ssh.HostKeyCallback so sshdial never has to know which policy is active.
type HostKeyVerifier interface {
	Callback(target Target) ssh.HostKeyCallback
}

// New constructs a Dialer. connectTimeout defaults to
// gateway.DefaultSSHConnectTimeout when zero.
func New(hostKeys HostKeyVerifier, connectTimeout time.Duration) *Dialer {
	if connectTimeout <= 0 {
		connectTimeout = gateway.DefaultSSHConnectTimeout
	}
	return &Dialer{
		connectTimeout: connectTimeout,
		hostKeys:       hostKeys,
		log:            log.WithField(trace.Component, gateway.ComponentDialer),
	}
}

// Dial opens an *ssh.Client to target, authenticating with cred. Errors
// are classified so the caller can forward a meaningful wire error code
// (DNS/unreachable -> NETWORK, auth failure -> AUTH, host key rejection ->
// PERMISSION, timeout -> TIMEOUT) without sshdial itself knowing about
// frames.
func (d *Dialer) Dial(ctx context.Context, target Target, cred Credential) (*ssh.Client, error) {
	authMethod, err := authMethodFor(cred)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: d.hostKeys.Callback(target),
		Timeout:         d.connectTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.connectTimeout)
	defer cancel()

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, err := net.DialTimeout("tcp", target.addr(), d.connectTimeout)
		if err != nil {
			resultCh <- dialResult{err: classifyDialErr(err)}
			return
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, target.addr(), cfg)
		if err != nil {
			conn.Close()
			resultCh <- dialResult{err: classifyHandshakeErr(err)}
			return
		}
		resultCh <- dialResult{client: ssh.NewClient(sshConn, chans, reqs)}
	}()

	select {
	case <-dialCtx.Done():
		return nil, gwerrors.New(gwerrors.CodeTimeout, true, "dial %s timed out", target.addr())
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		d.log.WithField("target", target.addr()).Debug("ssh dial succeeded")
		return res.client, nil
	}
}

func authMethodFor(cred Credential) (ssh.AuthMethod, error) {
	switch cred.Mode {
	case "password":
		return ssh.Password(cred.Password), nil
	case "publicKey":
		signer, err := ssh.ParsePrivateKey(cred.PrivateKey)
		if err != nil {
			return nil, gwerrors.New(gwerrors.CodeAuth, false, "parse private key: %v", err)
		}
		return ssh.PublicKeys(signer), nil
	default:
		return nil, gwerrors.New(gwerrors.CodeProtocol, false, "unsupported auth mode %q", cred.Mode)
	}
}

func classifyDialErr(err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return gwerrors.New(gwerrors.CodeTimeout, true, "connect: %v", err)
	}
	return gwerrors.New(gwerrors.CodeNetwork, true, "connect: %v", err)
}

func classifyHandshakeErr(err error) error {
	if _, ok := err.(*ssh.ExitError); ok {
		return gwerrors.New(gwerrors.CodeNetwork, true, "handshake: %v", err)
	}
	// golang.org/x/crypto/ssh returns a plain *fmt.wrapError/string for
	// auth failures and a distinct message for rejected host keys; neither
	// carries a typed sentinel, so classify by substring the way the
	// teacher's own ssh utilities do for legacy error strings.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"):
		return gwerrors.New(gwerrors.CodeAuth, false, "authentication failed: %v", err)
	case strings.Contains(msg, "host key"), strings.Contains(msg, "knownhosts:"):
		return gwerrors.New(gwerrors.CodePermission, false, "host key rejected: %v", err)
	default:
		return gwerrors.New(gwerrors.CodeNetwork, true, "handshake failed: %v", err)
	}
}

// DescribeTarget is a small helper for log fields and error messages.
func DescribeTarget(t Target) string {
	return fmt.Sprintf("%s@%s", t.User, t.addr())
}
