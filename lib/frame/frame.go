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

// Package frame implements the dual text-JSON + binary-framed wire codec
// of spec.md §6.1. Decoding never returns a bag of optional properties:
// a Text frame decodes to an explicit TextType discriminant plus its
// still-encoded body (decoded on demand into the caller's expected shape),
// and a Binary frame decodes to a fixed header/payload pair. Dispatch on
// either is meant to be exhaustive at the call site (a switch over every
// known TextType/gateway.FrameType), per spec.md §9's design note.
package frame

import (
	"encoding/binary"
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/browserssh/gateway"
)

// TextType is the `type` discriminant of a text (JSON) control frame.
type TextType string

// Control frame type names (§6.1).
const (
	TextConnect         TextType = "connect"
	TextConnected       TextType = "connected"
	TextDisconnect      TextType = "disconnect"
	TextError           TextType = "error"
	TextPing            TextType = "ping"
	TextPong            TextType = "pong"
	TextTerminalOpen    TextType = "terminal.open"
	TextTerminalResize  TextType = "terminal.resize"
	TextTerminalExit    TextType = "terminal.exit"
	TextSFTPList        TextType = "sftp.list"
	TextSFTPMkdir       TextType = "sftp.mkdir"
	TextSFTPRename      TextType = "sftp.rename"
	TextSFTPChmod       TextType = "sftp.chmod"
	TextSFTPDelete      TextType = "sftp.delete"
	TextSFTPUpload      TextType = "sftp.upload"
	TextSFTPUploadReady TextType = "sftp.upload-ready"
	TextSFTPUploadAck   TextType = "upload-ack"
	TextSFTPDownload    TextType = "sftp.download"
	TextSFTPDownloadFolder        TextType = "sftp.downloadFolder"
	TextSFTPDownloadFolderReady   TextType = "downloadFolder-ready"
	TextSFTPCancel      TextType = "sftp.cancel"
	TextSFTPProgress    TextType = "progress"
	TextSFTPDone        TextType = "done"
	TextSFTPFailed      TextType = "failed"
	TextSFTPCancelled   TextType = "cancelled"
	TextTelemetrySample TextType = "telemetry.sample"
	TextTelemetryError  TextType = "telemetry.error"
)

// TextFrame is the envelope every text frame decodes to: the discriminant,
// plus the still-raw body for a typed second decode.
type TextFrame struct {
	Type TextType        `json:"type"`
	Body json.RawMessage `json:"-"`
}

// envelope mirrors TextFrame for JSON purposes; json.RawMessage can't embed
// the remaining object fields directly, so decode twice: once for `type`,
// once into the caller's destination struct (which itself carries `type`
// so it round-trips through encode/decode as a single object, not a
// type+body pair on the wire).
type envelope struct {
	Type TextType `json:"type"`
}

// DecodeText decodes a text message into its envelope. The full object
// (including `type`) is kept in Body so a second, typed Unmarshal against
// a caller-supplied struct recovers the rest of the fields.
func DecodeText(data []byte) (TextFrame, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return TextFrame{}, trace.Wrap(gwProtocolError(err))
	}
	if e.Type == "" {
		return TextFrame{}, trace.BadParameter("text frame missing \"type\"")
	}
	return TextFrame{Type: e.Type, Body: json.RawMessage(data)}, nil
}

// Decode unmarshals the frame's body into dst, which must itself declare a
// `Type TextType `json:"type"`` field (or embed one) matching f.Type.
func (f TextFrame) Decode(dst any) error {
	if err := json.Unmarshal(f.Body, dst); err != nil {
		return trace.Wrap(gwProtocolError(err))
	}
	return nil
}

// EncodeText marshals a typed body (which must set its own `type` field to
// match typ) into wire bytes.
func EncodeText(typ TextType, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// Defensively confirm the caller's struct actually serialized the
	// expected discriminant; this catches a missing `json:"type"` tag at
	// encode time instead of producing a frame the peer can't route.
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, trace.Wrap(err)
	}
	if e.Type != typ {
		return nil, trace.BadParameter("encode text frame: body type %q does not match %q", e.Type, typ)
	}
	return data, nil
}

// BinaryFrame is the decoded form of a binary frame (§6.1's header/payload
// layout). Header is kept as raw JSON; OperationID is a convenience reader
// for it since nearly every binary frame type carries one.
type BinaryFrame struct {
	Version uint8
	Type    gateway.FrameType
	Header  json.RawMessage
	Payload []byte
}

// header layout constants, spelled out for clarity rather than folded into
// one magic number.
const (
	offVersion    = 0
	offType       = 1
	offHeaderLen  = 2 // u16 BE
	offPayloadLen = 4 // u32 BE
	fixedHeaderSz = 8 // bytes before headerJSON begins
)

// EncodeBinary serializes a BinaryFrame to wire bytes. An empty Header
// encodes as the JSON empty object, satisfying the headerLen>=2 invariant.
func EncodeBinary(f BinaryFrame) ([]byte, error) {
	header := f.Header
	if len(header) == 0 {
		header = json.RawMessage("{}")
	}
	if len(header) > 0xFFFF {
		return nil, trace.BadParameter("binary frame header too large: %d bytes", len(header))
	}

	buf := make([]byte, fixedHeaderSz+len(header)+len(f.Payload))
	buf[offVersion] = gateway.WireVersion
	buf[offType] = byte(f.Type)
	binary.BigEndian.PutUint16(buf[offHeaderLen:], uint16(len(header)))
	binary.BigEndian.PutUint32(buf[offPayloadLen:], uint32(len(f.Payload)))
	copy(buf[fixedHeaderSz:], header)
	copy(buf[fixedHeaderSz+len(header):], f.Payload)
	return buf, nil
}

// DecodeBinary parses wire bytes into a BinaryFrame. maxPayload enforces
// the configured per-frame payload cap (§6.1) and is checked against the
// declared payloadLen *before* any payload bytes are copied out, so an
// oversized frame is rejected without allocating for its payload
// (testable property #10).
func DecodeBinary(data []byte, maxPayload int) (BinaryFrame, error) {
	if len(data) < fixedHeaderSz {
		return BinaryFrame{}, trace.BadParameter("binary frame shorter than fixed header (%d bytes)", len(data))
	}

	version := data[offVersion]
	if version != gateway.WireVersion {
		return BinaryFrame{}, trace.BadParameter("unsupported binary frame version %d", version)
	}

	typ := gateway.FrameType(data[offType])
	headerLen := int(binary.BigEndian.Uint16(data[offHeaderLen:]))
	payloadLen := int(binary.BigEndian.Uint32(data[offPayloadLen:]))

	if headerLen < 2 {
		return BinaryFrame{}, trace.BadParameter("binary frame headerLen %d below minimum 2", headerLen)
	}
	if maxPayload > 0 && payloadLen > maxPayload {
		return BinaryFrame{}, trace.LimitExceeded("binary frame payload %d exceeds cap %d", payloadLen, maxPayload)
	}
	if len(data) < fixedHeaderSz+headerLen+payloadLen {
		return BinaryFrame{}, trace.BadParameter("binary frame truncated: declared %d header + %d payload bytes, got %d total",
			headerLen, payloadLen, len(data)-fixedHeaderSz)
	}

	header := data[fixedHeaderSz : fixedHeaderSz+headerLen]
	if !json.Valid(header) {
		return BinaryFrame{}, trace.BadParameter("binary frame header is not valid JSON")
	}
	payload := data[fixedHeaderSz+headerLen : fixedHeaderSz+headerLen+payloadLen]

	return BinaryFrame{Version: version, Type: typ, Header: append(json.RawMessage(nil), header...), Payload: payload}, nil
}

// OperationID extracts `operationId` from the frame header, if present.
func (f BinaryFrame) OperationID() (string, bool) {
	var h struct {
		OperationID string `json:"operationId"`
	}
	if err := json.Unmarshal(f.Header, &h); err != nil || h.OperationID == "" {
		return "", false
	}
	return h.OperationID, true
}

// EncodeHeader is a small helper so call sites building a header from a
// struct don't each repeat the json.Marshal/trace.Wrap dance.
func EncodeHeader(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

func gwProtocolError(err error) error {
	return trace.BadParameter("malformed frame: %v", err)
}
