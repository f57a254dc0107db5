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

// Package sshdtest spins up a minimal, real SSH server for tests: it
// accepts password auth, serves a genuine PTY-backed shell via creack/pty
// (not a fake in-memory echo), and registers an SFTP subsystem backed by
// pkg/sftp's Server over the host filesystem. Session
// and SFTP manager tests dial this server instead of mocking the ssh.Client
// boundary.
package sshdtest

import (
	"crypto/rand"
	"crypto/rsa"
	"io"
	"net"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Server is a throwaway SSH+SFTP server for tests.
type Server struct {
	Addr     string
	Password string
	User     string

	listener net.Listener
	signer   ssh.Signer
}

// Start listens on 127.0.0.1:0 and begins serving in the background. The
// caller must call Close when done.
func Start(user, password string) (*Server, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		Addr:     ln.Addr().String(),
		Password: password,
		User:     user,
		listener: ln,
		signer:   signer,
	}
	go s.serve()
	return s, nil
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) serve() {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == s.User && string(password) == s.Password {
				return nil, nil
			}
			return nil, &accessDeniedError{}
		},
	}
	cfg.AddHostKey(s.signer)

	for {
		nConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(nConn, cfg)
	}
}

type accessDeniedError struct{}

func (*accessDeniedError) Error() string { return "password rejected" }

func (s *Server) handleConn(nConn net.Conn, cfg *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(nConn, cfg)
	if err != nil {
		nConn.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		switch newCh.ChannelType() {
		case "session":
			go s.handleSession(newCh)
		default:
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

func (s *Server) handleSession(newCh ssh.NewChannel) {
	ch, requests, err := newCh.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	var ptmx *os.File
	var cmd *exec.Cmd

	for req := range requests {
		switch req.Type {
		case "pty-req":
			req.Reply(true, nil)
		case "shell":
			cmd = exec.Command(shellPath())
			var startErr error
			ptmx, startErr = pty.Start(cmd)
			req.Reply(startErr == nil, nil)
			if startErr == nil {
				go func() {
					io.Copy(ch, ptmx)
					ch.Close()
				}()
				go func() {
					io.Copy(ptmx, ch)
				}()
			}
		case "subsystem":
			if string(req.Payload[4:]) == "sftp" {
				req.Reply(true, nil)
				go serveSFTP(ch)
			} else {
				req.Reply(false, nil)
			}
		case "exec":
			command := string(req.Payload[4:])
			req.Reply(true, nil)
			go runExec(ch, command)
		default:
			req.Reply(false, nil)
		}
	}

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	if ptmx != nil {
		ptmx.Close()
	}
}

func runExec(ch ssh.Channel, command string) {
	defer ch.Close()
	cmd := exec.Command(shellPath(), "-c", command)
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()
	exitCode := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(exitCode)}))
}

func serveSFTP(ch ssh.Channel) {
	server, err := sftp.NewServer(ch)
	if err != nil {
		return
	}
	defer server.Close()
	server.Serve()
}

func shellPath() string {
	if p := os.Getenv("SHELL"); p != "" {
		return p
	}
	return "/bin/sh"
}
