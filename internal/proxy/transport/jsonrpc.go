// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport moves JSON-RPC 2.0 messages between the proxy and one
// upstream MCP server.
//
// Three transports are provided on top of mcp-go's client transports: Pipe
// (a subprocess speaking newline delimited JSON on stdin/stdout), HTTP
// (streamable HTTP, one POST per call), and SSE (a long lived event stream
// plus a POST endpoint). All of them report failures as *Error and upstream
// JSON-RPC error objects as *RPCError. Results are relayed as raw JSON.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"

	perrors "github.com/tombee/mcproxy/pkg/errors"
)

// Version is the JSON-RPC protocol version string.
const Version = "2.0"

// Standard and proxy-specific JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeNoUpstream   = -32001
	CodeRateLimited  = -32002
	CodeCapacity     = -32003
	CodeUnauthorized = -32004
)

// Request is a JSON-RPC request or, when ID is empty, a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object. Returned from Call it means the
// upstream answered with an application-level error.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Kind classifies transport failures.
type Kind string

const (
	KindConnect  Kind = "connect"
	KindIO       Kind = "io"
	KindTimeout  Kind = "timeout"
	KindProtocol Kind = "protocol"
	KindAuth     Kind = "auth"
)

// Error is a transport-level failure. It is a health signal and makes the
// router try another upstream.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorType implements errors.ErrorClassifier.
func (e *Error) ErrorType() string { return "transport_" + string(e.Kind) }

// IsRetryable implements errors.ErrorClassifier.
func (e *Error) IsRetryable() bool { return e.Kind != KindProtocol }

// IsFailure reports whether err is a transport failure rather than an
// application error or a caller cancellation.
func IsFailure(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

// IsKind reports whether err is a transport failure of the given kind.
func IsKind(err error, kind Kind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == kind
}

// ErrClosed is returned by calls on a transport that has been closed or
// whose underlying process or stream has ended.
var ErrClosed = errors.New("transport closed")

// ErrNotConnected is returned by calls made before Connect.
var ErrNotConnected = errors.New("transport not connected")

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// fromContext converts a finished context into the error a caller sees.
// Deadlines become timeout failures; cancellation is returned as-is since
// it says nothing about the upstream.
func fromContext(ctx context.Context, op string) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, op, err)
	}
	return err
}

// classify converts an error from an mcp-go transport into the error a
// caller sees. kind is used for failures that carry no better signal.
func classify(ctx context.Context, kind Kind, op string, err error) error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	var authErr *perrors.AuthError
	if errors.As(err, &authErr) || errors.Is(err, mcptransport.ErrOAuthAuthorizationRequired) {
		return newError(KindAuth, op, err)
	}
	if ctx.Err() != nil {
		return fromContext(ctx, op)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, op, err)
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return newError(KindProtocol, op, err)
	}
	return newError(kind, op, err)
}

func marshalParams(params any) (json.RawMessage, error) {
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// SameID compares two JSON-RPC ids, treating 7 and "7" as equal.
func SameID(a, b json.RawMessage) bool {
	return bytes.Equal(normalizeID(a), normalizeID(b))
}

func normalizeID(id json.RawMessage) []byte {
	id = bytes.TrimSpace(id)
	if len(id) >= 2 && id[0] == '"' && id[len(id)-1] == '"' {
		return id[1 : len(id)-1]
	}
	return id
}
