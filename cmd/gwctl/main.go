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

// Command gwctl is a terminal client for exercising a running gatewayd
// instance directly, without a browser: it puts the local terminal into
// raw mode, dials the `/ws/session` endpoint, issues a `connect` frame for
// the given target, and relays stdin/stdout through the resulting PTY.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"golang.org/x/term"

	"github.com/browserssh/gateway"
	"github.com/browserssh/gateway/lib/frame"
	"github.com/browserssh/gateway/lib/gwapi"
)

func main() {
	app := kingpin.New("gwctl", "Dev terminal client for the browser SSH/SFTP gateway.")

	url := app.Flag("url", "WebSocket URL of the gateway's /ws/session endpoint.").
		Default("ws://localhost:8080/ws/session").String()
	principal := app.Flag("principal", "Verified principal to present via "+gwapi.PrincipalHeader).
		Short('u').Required().String()
	host := app.Arg("host", "Target SSH host.").Required().String()
	port := app.Flag("port", "Target SSH port.").Short('p').Default("22").Int()
	user := app.Flag("login", "Remote SSH username.").Short('l').Required().String()
	password := app.Flag("password", "Password for the remote SSH login.").String()

	if _, err := app.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, trace.DebugReport(err))
		os.Exit(1)
	}

	if err := run(*url, *principal, *host, *port, *user, *password); err != nil {
		fmt.Fprintln(os.Stderr, trace.DebugReport(err))
		os.Exit(1)
	}
}

func run(wsURL, principal, host string, port int, user, password string) error {
	header := http.Header{}
	header.Set(gwapi.PrincipalHeader, principal)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return trace.Wrap(err, "failed to dial %s", wsURL)
	}
	defer conn.Close()

	// Drain the HANDSHAKE frame the gateway sends immediately after upgrade.
	if _, _, err := conn.ReadMessage(); err != nil {
		return trace.Wrap(err, "failed to read handshake")
	}

	connectBody := frame.ConnectBody{Type: frame.TextConnect, Host: host, Port: port, User: user}
	connectBody.Auth.Mode = "password"
	connectBody.Auth.Password = password
	data, err := frame.EncodeText(frame.TextConnect, connectBody)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return trace.Wrap(err)
	}

	if err := waitForConnected(conn); err != nil {
		return trace.Wrap(err)
	}

	fd := int(os.Stdin.Fd())
	cols, rows := 80, 24
	if w, h, err := term.GetSize(fd); err == nil {
		cols, rows = w, h
	}
	openBody := frame.TerminalOpenBody{Type: frame.TextTerminalOpen, Cols: cols, Rows: rows}
	data, err = frame.EncodeText(frame.TextTerminalOpen, openBody)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return trace.Wrap(err)
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return trace.Wrap(err, "failed to enter raw mode")
	}
	defer term.Restore(fd, oldState)

	watchResize(conn, fd)

	done := make(chan error, 2)
	go func() { done <- relayStdinToSocket(conn) }()
	go func() { done <- relaySocketToStdout(conn) }()

	return trace.Wrap(<-done)
}

func waitForConnected(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return trace.Wrap(err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		f, err := frame.DecodeText(data)
		if err != nil {
			continue
		}
		switch f.Type {
		case frame.TextConnected:
			return nil
		case frame.TextError:
			var body frame.ErrorBody
			f.Decode(&body)
			return trace.Errorf("connect failed: %s: %s", body.Code, body.Message)
		}
	}
}

func relayStdinToSocket(conn *websocket.Conn) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			data, encErr := frame.EncodeBinary(frame.BinaryFrame{
				Type:    gateway.FrameSSHData,
				Payload: append([]byte(nil), buf[:n]...),
			})
			if encErr != nil {
				return trace.Wrap(encErr)
			}
			if wErr := conn.WriteMessage(websocket.BinaryMessage, data); wErr != nil {
				return trace.Wrap(wErr)
			}
		}
		if err != nil {
			return trace.Wrap(err)
		}
	}
}

func relaySocketToStdout(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return trace.Wrap(err)
		}
		switch msgType {
		case websocket.BinaryMessage:
			f, err := frame.DecodeBinary(data, 0)
			if err != nil {
				continue
			}
			if f.Type == gateway.FrameSSHData {
				os.Stdout.Write(f.Payload)
			}
		case websocket.TextMessage:
			f, err := frame.DecodeText(data)
			if err != nil {
				continue
			}
			if f.Type == frame.TextError {
				var body frame.ErrorBody
				f.Decode(&body)
				return trace.Errorf("%s: %s", body.Code, body.Message)
			}
			if f.Type == frame.TextTerminalExit {
				return nil
			}
		}
	}
}

// watchResize forwards local terminal resizes (SIGWINCH) to the gateway as
// terminal.resize frames, the way a real browser tab would on a window
// resize event.
func watchResize(conn *websocket.Conn, fd int) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	go func() {
		for range sigCh {
			cols, rows, err := term.GetSize(fd)
			if err != nil {
				continue
			}
			data, err := frame.EncodeText(frame.TextTerminalResize, frame.TerminalResizeBody{
				Type: frame.TextTerminalResize, Cols: cols, Rows: rows,
			})
			if err != nil {
				continue
			}
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}()
}
