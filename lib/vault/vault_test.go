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

package vault

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	v, err := New("deployment-secret")
	require.NoError(t, err)

	plaintext := []byte("s3cr3t-password")
	clone := append([]byte(nil), plaintext...)

	sealed, err := v.Seal(clone)
	require.NoError(t, err)
	require.NotEmpty(t, sealed)

	// Seal must have zeroed the caller's buffer.
	for _, b := range clone {
		require.Equal(t, byte(0), b)
	}

	got, err := v.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestOpenRejectsTamperedRecord(t *testing.T) {
	v, err := New("deployment-secret")
	require.NoError(t, err)

	sealed, err := v.Seal([]byte("hunter2"))
	require.NoError(t, err)

	tampered := string(sealed)[:len(sealed)-2] + "aa"
	_, err = v.Open(Sealed(tampered))
	require.Error(t, err)
	require.True(t, trace.IsAccessDenied(err))
}

func TestNewRejectsEmptySecret(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestRingStoreResolveForget(t *testing.T) {
	v, err := New("deployment-secret")
	require.NoError(t, err)
	ring := NewRing(v)

	require.NoError(t, ring.Store("ref-1", []byte("p@ss")))

	got, err := ring.Resolve("ref-1")
	require.NoError(t, err)
	require.Equal(t, []byte("p@ss"), got)
	Zero(got)

	ring.Forget("ref-1")
	_, err = ring.Resolve("ref-1")
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err))
}
