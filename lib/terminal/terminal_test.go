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

package terminal

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/browserssh/gateway/lib/frame"
	"github.com/browserssh/gateway/lib/sshdial"
	"github.com/browserssh/gateway/lib/sshdial/sshdtest"
	"github.com/browserssh/gateway/lib/transporthub"
)

type nullHandler struct{}

func (nullHandler) HandleText(frame.TextFrame) error     { return nil }
func (nullHandler) HandleBinary(frame.BinaryFrame) error { return nil }

func newTestHub(t *testing.T) (*transporthub.Hub, *websocket.Conn) {
	t.Helper()
	var serverHub *transporthub.Hub
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverHub = transporthub.New(conn, 0)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	require.Eventually(t, func() bool { return serverHub != nil }, time.Second, 5*time.Millisecond)
	return serverHub, clientConn
}

func TestTerminalRelaysOutput(t *testing.T) {
	fixture, err := sshdtest.Start("tester", "s3cret")
	require.NoError(t, err)
	defer fixture.Close()

	d := sshdial.New(sshdial.InsecureVerifier{}, 2*time.Second)
	target := parseSSHDTestAddr(t, fixture.Addr)
	client, err := d.Dial(context.Background(), target, sshdial.Credential{Mode: "password", Password: "s3cret"})
	require.NoError(t, err)
	defer client.Close()

	hub, clientConn := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx, nullHandler{})

	ch, err := Open(client, hub, DefaultOptions())
	require.NoError(t, err)
	defer ch.Close()

	go ch.RelayOutput(ctx)

	_, err = ch.Write([]byte("echo hello-terminal\n"))
	require.NoError(t, err)

	clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	found := false
	for i := 0; i < 20 && !found; i++ {
		_, data, err := clientConn.ReadMessage()
		require.NoError(t, err)
		bf, err := frame.DecodeBinary(data, 0)
		require.NoError(t, err)
		if strings.Contains(string(bf.Payload), "hello-terminal") {
			found = true
		}
	}
	require.True(t, found, "expected to see echoed output relayed over the hub")
}

func TestResizeClampsToMaximum(t *testing.T) {
	fixture, err := sshdtest.Start("tester", "s3cret")
	require.NoError(t, err)
	defer fixture.Close()

	d := sshdial.New(sshdial.InsecureVerifier{}, 2*time.Second)
	target := parseSSHDTestAddr(t, fixture.Addr)
	client, err := d.Dial(context.Background(), target, sshdial.Credential{Mode: "password", Password: "s3cret"})
	require.NoError(t, err)
	defer client.Close()

	hub, _ := newTestHub(t)
	ch, err := Open(client, hub, DefaultOptions())
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Resize(100000, 100000))
}

func TestResizeRejectsZeroDimensions(t *testing.T) {
	fixture, err := sshdtest.Start("tester", "s3cret")
	require.NoError(t, err)
	defer fixture.Close()

	d := sshdial.New(sshdial.InsecureVerifier{}, 2*time.Second)
	target := parseSSHDTestAddr(t, fixture.Addr)
	client, err := d.Dial(context.Background(), target, sshdial.Credential{Mode: "password", Password: "s3cret"})
	require.NoError(t, err)
	defer client.Close()

	hub, _ := newTestHub(t)
	ch, err := Open(client, hub, DefaultOptions())
	require.NoError(t, err)
	defer ch.Close()

	require.Error(t, ch.Resize(0, 24))
	require.Error(t, ch.Resize(80, 0))
	require.True(t, trace.IsBadParameter(ch.Resize(0, 0)))
}

func parseSSHDTestAddr(t *testing.T, addr string) sshdial.Target {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return sshdial.Target{Host: host, Port: port, User: "tester"}
}
