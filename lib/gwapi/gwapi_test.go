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

package gwapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/browserssh/gateway/lib/frame"
	"github.com/browserssh/gateway/lib/registry"
	"github.com/browserssh/gateway/lib/sshdial"
)

func newTestHandler(t *testing.T, maxSessions int) (*Handler, *httptest.Server) {
	t.Helper()
	reg := registry.New(maxSessions)
	d := sshdial.New(sshdial.InsecureVerifier{}, time.Second)
	h := New(Options{
		Registry:       reg,
		Dialer:         d,
		AllowedOrigins: []string{"*"},
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, srv
}

func TestHealthzReportsOK(t *testing.T) {
	_, srv := newTestHandler(t, 0)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
}

func TestMetricsExposesRegistryCounters(t *testing.T) {
	_, srv := newTestHandler(t, 0)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "gateway_sessions_active")
}

func TestWSSessionRequiresPrincipalHeader(t *testing.T) {
	_, srv := newTestHandler(t, 0)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSSessionUpgradesAndSendsHandshake(t *testing.T) {
	_, srv := newTestHandler(t, 0)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session"

	header := http.Header{}
	header.Set(PrincipalHeader, "alice")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)

	f, err := frame.DecodeBinary(data, 0)
	require.NoError(t, err)
	require.EqualValues(t, 0x00, f.Type)
}

func TestWSSessionRejectedWhenRegistryFull(t *testing.T) {
	_, srv := newTestHandler(t, 1)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session"

	header := http.Header{}
	header.Set(PrincipalHeader, "alice")

	first, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer first.Close()
	// Drain the handshake frame so the admitted session stays open.
	_, _, err = first.ReadMessage()
	require.NoError(t, err)

	second, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer second.Close()

	// A rejected session's connection is closed by the server right
	// after admission fails, without ever sending a handshake frame.
	_, _, err = second.ReadMessage()
	require.Error(t, err)
}
