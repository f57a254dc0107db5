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

package sshdial

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/browserssh/gateway/lib/gwerrors"
	"github.com/browserssh/gateway/lib/sshdial/sshdtest"
)

func parseTarget(t *testing.T, addr string) Target {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Target{Host: host, Port: port, User: "tester"}
}

func TestDialSucceedsWithInsecurePolicy(t *testing.T) {
	srv, err := sshdtest.Start("tester", "s3cret")
	require.NoError(t, err)
	defer srv.Close()

	d := New(InsecureVerifier{}, 2*time.Second)
	client, err := d.Dial(context.Background(), parseTarget(t, srv.Addr), Credential{Mode: "password", Password: "s3cret"})
	require.NoError(t, err)
	defer client.Close()
}

func TestDialFailsWithWrongPassword(t *testing.T) {
	srv, err := sshdtest.Start("tester", "s3cret")
	require.NoError(t, err)
	defer srv.Close()

	d := New(InsecureVerifier{}, 2*time.Second)
	_, err = d.Dial(context.Background(), parseTarget(t, srv.Addr), Credential{Mode: "password", Password: "wrong"})
	require.Error(t, err)

	we := gwerrors.Classify(err)
	require.Equal(t, gwerrors.CodeAuth, we.Code)
}

func TestDialFailsForUnreachableHost(t *testing.T) {
	d := New(InsecureVerifier{}, 300*time.Millisecond)
	_, err := d.Dial(context.Background(), Target{Host: "127.0.0.1", Port: 1, User: "tester"}, Credential{Mode: "password", Password: "x"})
	require.Error(t, err)
}

func TestDialRejectsUnsupportedAuthMode(t *testing.T) {
	srv, err := sshdtest.Start("tester", "s3cret")
	require.NoError(t, err)
	defer srv.Close()

	d := New(InsecureVerifier{}, 2*time.Second)
	_, err = d.Dial(context.Background(), parseTarget(t, srv.Addr), Credential{Mode: "bogus"})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err) || strings.Contains(err.Error(), "PROTOCOL"))
}

func TestStrictVerifierRejectsUnknownHost(t *testing.T) {
	srv, err := sshdtest.Start("tester", "s3cret")
	require.NoError(t, err)
	defer srv.Close()

	dir := t.TempDir()
	path := dir + "/known_hosts"
	f, err := os.Create(path)
	require.NoError(t, err)
	f.Close()

	v, err := NewStrictVerifier(path)
	require.NoError(t, err)

	d := New(v, 2*time.Second)
	_, err = d.Dial(context.Background(), parseTarget(t, srv.Addr), Credential{Mode: "password", Password: "s3cret"})
	require.Error(t, err)
}

func TestTOFUVerifierTrustsThenPersists(t *testing.T) {
	srv, err := sshdtest.Start("tester", "s3cret")
	require.NoError(t, err)
	defer srv.Close()

	dir := t.TempDir()
	path := dir + "/known_hosts"

	v, err := NewTOFUVerifier(path, 16)
	require.NoError(t, err)

	d := New(v, 2*time.Second)
	client, err := d.Dial(context.Background(), parseTarget(t, srv.Addr), Credential{Mode: "password", Password: "s3cret"})
	require.NoError(t, err)
	client.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	// Second dial against the now-persisted entry should also succeed
	// (hits the in-memory hint cache or falls through to knownhosts.New).
	client2, err := d.Dial(context.Background(), parseTarget(t, srv.Addr), Credential{Mode: "password", Password: "s3cret"})
	require.NoError(t, err)
	client2.Close()
}
