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

// Package gwerrors maps internal errors, classified the way
// github.com/gravitational/trace classifies them, onto the wire error
// taxonomy of spec.md §6.2.
package gwerrors

import (
	"context"
	"errors"

	"github.com/gravitational/trace"
)

// Code is a wire-level error code understood by the browser peer.
type Code string

// Wire error codes (§6.2).
const (
	CodeProtocol   Code = "PROTOCOL"
	CodeAuth       Code = "AUTH"
	CodeNetwork    Code = "NETWORK"
	CodeNotFound   Code = "NOT_FOUND"
	CodePermission Code = "PERMISSION"
	CodeExists     Code = "EXISTS"
	CodeQuota      Code = "QUOTA"
	CodeCancelled  Code = "CANCELLED"
	CodeInternal   Code = "INTERNAL"
	CodeTimeout    Code = "TIMEOUT"
)

// WireError pairs a wire code with a human message and a retryable hint,
// matching the `error{code, message, retryable}` shape on the wire.
type WireError struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *WireError) Error() string { return string(e.Code) + ": " + e.Message }

// New constructs a WireError directly, for call sites that already know
// the wire code (e.g. a protocol-level violation with no underlying err).
func New(code Code, retryable bool, format string, args ...any) *WireError {
	return &WireError{Code: code, Message: trace.Errorf(format, args...).Error(), Retryable: retryable}
}

// Classify maps an arbitrary error — expected to have been produced with
// trace.Wrap/trace.BadParameter/etc. somewhere upstream, per this module's
// ambient-stack convention — onto a WireError. Unrecognized errors become
// CodeInternal, never retryable: an uncategorized error is, by definition,
// not one the client can be told how to retry.
func Classify(err error) *WireError {
	if err == nil {
		return nil
	}
	var we *WireError
	if errors.As(err, &we) {
		return we
	}

	switch {
	case errors.Is(err, context.Canceled):
		return &WireError{Code: CodeCancelled, Message: "operation cancelled", Retryable: false}
	case errors.Is(err, context.DeadlineExceeded):
		return &WireError{Code: CodeTimeout, Message: err.Error(), Retryable: true}
	case trace.IsNotFound(err):
		return &WireError{Code: CodeNotFound, Message: err.Error(), Retryable: false}
	case trace.IsAlreadyExists(err):
		return &WireError{Code: CodeExists, Message: err.Error(), Retryable: false}
	case trace.IsAccessDenied(err):
		return &WireError{Code: CodePermission, Message: err.Error(), Retryable: false}
	case trace.IsLimitExceeded(err):
		return &WireError{Code: CodeQuota, Message: err.Error(), Retryable: false}
	case trace.IsBadParameter(err), trace.IsCompareFailed(err):
		return &WireError{Code: CodeProtocol, Message: err.Error(), Retryable: false}
	case trace.IsConnectionProblem(err):
		return &WireError{Code: CodeNetwork, Message: err.Error(), Retryable: true}
	default:
		return &WireError{Code: CodeInternal, Message: err.Error(), Retryable: false}
	}
}

// IsCancelled reports whether err classifies as CodeCancelled.
func IsCancelled(err error) bool {
	return Classify(err).Code == CodeCancelled
}
