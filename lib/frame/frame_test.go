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

package frame

import (
	"encoding/binary"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/browserssh/gateway"
)

func TestTextFrameRoundTrip(t *testing.T) {
	body := PingBody{Type: TextPing, T: 1234}
	data, err := EncodeText(TextPing, body)
	require.NoError(t, err)

	f, err := DecodeText(data)
	require.NoError(t, err)
	require.Equal(t, TextPing, f.Type)

	var got PingBody
	require.NoError(t, f.Decode(&got))
	require.Equal(t, body, got)
}

func TestEncodeTextRejectsMismatchedDiscriminant(t *testing.T) {
	_, err := EncodeText(TextPing, PongBody{Type: TextPong, T: 1})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestDecodeTextRejectsMissingType(t *testing.T) {
	_, err := DecodeText([]byte(`{"t":1}`))
	require.Error(t, err)
}

func TestBinaryFrameRoundTrip(t *testing.T) {
	header, err := EncodeHeader(struct {
		OperationID string `json:"operationId"`
	}{OperationID: "op-1"})
	require.NoError(t, err)

	orig := BinaryFrame{
		Type:    gateway.FrameSFTPFileData,
		Header:  header,
		Payload: []byte("hello world"),
	}
	data, err := EncodeBinary(orig)
	require.NoError(t, err)

	got, err := DecodeBinary(data, 0)
	require.NoError(t, err)
	require.Equal(t, gateway.WireVersion, got.Version)
	require.Equal(t, orig.Type, got.Type)
	require.Equal(t, orig.Payload, got.Payload)

	opID, ok := got.OperationID()
	require.True(t, ok)
	require.Equal(t, "op-1", opID)
}

func TestDecodeBinaryEmptyHeaderDefaultsToObject(t *testing.T) {
	data, err := EncodeBinary(BinaryFrame{Type: gateway.FrameHeartbeat})
	require.NoError(t, err)

	got, err := DecodeBinary(data, 0)
	require.NoError(t, err)
	require.Equal(t, "{}", string(got.Header))
	_, ok := got.OperationID()
	require.False(t, ok)
}

// TestDecodeBinaryRejectsOversizedPayloadWithoutAllocating exercises
// testable property #10: a declared payloadLen beyond the cap must be
// rejected by inspecting the header alone, before the payload bytes
// (which in this test don't even exist in the buffer) are ever sliced.
func TestDecodeBinaryRejectsOversizedPayloadWithoutAllocating(t *testing.T) {
	const declaredPayload = 1 << 30 // 1 GiB, never actually present

	header := []byte("{}")
	buf := make([]byte, fixedHeaderSz+len(header)) // no payload bytes appended
	buf[offVersion] = gateway.WireVersion
	buf[offType] = byte(gateway.FrameSFTPFileData)
	binary.BigEndian.PutUint16(buf[offHeaderLen:], uint16(len(header)))
	binary.BigEndian.PutUint32(buf[offPayloadLen:], uint32(declaredPayload))
	copy(buf[fixedHeaderSz:], header)

	_, err := DecodeBinary(buf, 4096)
	require.Error(t, err)
	require.True(t, trace.IsLimitExceeded(err))
}

func TestDecodeBinaryRejectsTruncatedFrame(t *testing.T) {
	data, err := EncodeBinary(BinaryFrame{Type: gateway.FrameSFTPFileData, Payload: []byte("0123456789")})
	require.NoError(t, err)

	_, err = DecodeBinary(data[:len(data)-5], 0)
	require.Error(t, err)
}

func TestDecodeBinaryRejectsBadVersion(t *testing.T) {
	data, err := EncodeBinary(BinaryFrame{Type: gateway.FrameHeartbeat})
	require.NoError(t, err)
	data[offVersion] = gateway.WireVersion + 1

	_, err = DecodeBinary(data, 0)
	require.Error(t, err)
}

func TestDecodeBinaryRejectsHeaderLenBelowMinimum(t *testing.T) {
	buf := make([]byte, fixedHeaderSz)
	buf[offVersion] = gateway.WireVersion
	binary.BigEndian.PutUint16(buf[offHeaderLen:], 1)

	_, err := DecodeBinary(buf, 0)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestDecodeBinaryRejectsInvalidHeaderJSON(t *testing.T) {
	header := []byte("not-json")
	buf := make([]byte, fixedHeaderSz+len(header))
	buf[offVersion] = gateway.WireVersion
	binary.BigEndian.PutUint16(buf[offHeaderLen:], uint16(len(header)))
	copy(buf[fixedHeaderSz:], header)

	_, err := DecodeBinary(buf, 0)
	require.Error(t, err)
}
