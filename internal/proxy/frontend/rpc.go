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

package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/mcproxy/internal/log"
	"github.com/tombee/mcproxy/internal/proxy/router"
	"github.com/tombee/mcproxy/internal/proxy/security"
	"github.com/tombee/mcproxy/internal/proxy/transport"
	perrors "github.com/tombee/mcproxy/pkg/errors"
)

// AnonymousAgent is used when nothing identifies the caller.
const AnonymousAgent = "anonymous"

// supportedVersions lists the protocol revisions the proxy speaks.
var supportedVersions = []string{
	mcp.LATEST_PROTOCOL_VERSION,
	"2025-03-26",
	"2024-11-05",
}

// caller carries what the frontend knows about the agent for one message.
type caller struct {
	// agent is the authenticated id or the X-Agent-ID header.
	agent string

	// client reports and records the initialize clientInfo.name.
	client *clientInfo
}

func (c caller) identity() string {
	if c.agent != "" {
		return c.agent
	}
	if c.client != nil {
		if name := c.client.Name(); name != "" {
			return name
		}
	}
	return AnonymousAgent
}

// handle answers one decoded message. It returns nil for notifications.
func (s *Server) handle(ctx context.Context, c caller, req *transport.Request) *transport.Response {
	if req.JSONRPC != transport.Version || req.Method == "" {
		return errorResponse(req.ID, transport.CodeInvalidRequest, "invalid JSON-RPC request", nil)
	}
	if req.IsNotification() {
		// notifications/initialized, notifications/cancelled, and the rest
		// carry nothing the proxy acts on.
		log.Trace(s.logger, "notification ignored", "method", req.Method)
		return nil
	}

	var (
		result any
		err    error
	)
	switch req.Method {
	case "initialize":
		result, err = s.initialize(c, req.Params)
	case "ping":
		result = struct{}{}
	case "tools/list":
		result = s.listTools()
	case "tools/call":
		return s.callTool(ctx, c, req)
	default:
		return errorResponse(req.ID, transport.CodeMethodNotFound, "method not found: "+req.Method, nil)
	}
	if err != nil {
		return toErrorResponse(req.ID, err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, transport.CodeInternalError, err.Error(), nil)
	}
	return &transport.Response{JSONRPC: transport.Version, ID: req.ID, Result: raw}
}

func (s *Server) initialize(c caller, params json.RawMessage) (any, error) {
	var p struct {
		ProtocolVersion string             `json:"protocolVersion"`
		ClientInfo      mcp.Implementation `json:"clientInfo"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &transport.RPCError{Code: transport.CodeInvalidParams, Message: "invalid initialize params: " + err.Error()}
		}
	}
	if c.client != nil {
		c.client.Set(p.ClientInfo.Name)
	}

	version := mcp.LATEST_PROTOCOL_VERSION
	if slices.Contains(supportedVersions, p.ProtocolVersion) {
		version = p.ProtocolVersion
	}

	s.logger.Debug("agent initialized",
		"client", p.ClientInfo.Name,
		"client_version", p.ClientInfo.Version,
		"protocol_version", version)

	return map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools": map[string]bool{"listChanged": false},
		},
		"serverInfo": mcp.Implementation{Name: s.cfg.ServerName, Version: s.cfg.Version},
	}, nil
}

func (s *Server) listTools() mcp.ListToolsResult {
	descriptors := s.backend.Tools()
	res := mcp.ListToolsResult{Tools: make([]mcp.Tool, 0, len(descriptors))}
	for _, d := range descriptors {
		res.Tools = append(res.Tools, mcp.NewToolWithRawSchema(d.Name, d.Description, d.InputSchema))
	}
	return res
}

func (s *Server) callTool(ctx context.Context, c caller, req *transport.Request) *transport.Response {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
		return errorResponse(req.ID, transport.CodeInvalidParams, "tools/call requires a tool name", nil)
	}

	agent := c.identity()
	ctx, span := s.tracer.Start(ctx, "mcp.tools/call",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("mcp.tool", p.Name),
			attribute.String("mcp.agent", agent),
		))
	defer span.End()

	start := time.Now()
	res, err := s.backend.CallTool(ctx, security.Call{
		ID:    string(req.ID),
		Agent: agent,
		Tool:  p.Name,
		Args:  p.Arguments,
	})

	logger := s.logger.With(log.ToolKey, p.Name, log.AgentKey, agent)
	if res.Upstream != "" {
		span.SetAttributes(attribute.String("mcp.upstream", res.Upstream))
		logger = logger.With(log.UpstreamKey, res.Upstream)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug("tool call failed", "error", err, log.DurationKey, time.Since(start).Milliseconds())
		return toErrorResponse(req.ID, err)
	}
	logger.Debug("tool call completed", log.DurationKey, time.Since(start).Milliseconds())
	return &transport.Response{JSONRPC: transport.Version, ID: req.ID, Result: res.Raw}
}

func errorResponse(id json.RawMessage, code int, message string, data any) *transport.Response {
	rpcErr := &transport.RPCError{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			rpcErr.Data = raw
		}
	}
	return &transport.Response{JSONRPC: transport.Version, ID: id, Error: rpcErr}
}

// toErrorResponse maps dispatch errors onto JSON-RPC error objects.
// Upstream application errors pass through unchanged.
func toErrorResponse(id json.RawMessage, err error) *transport.Response {
	var (
		rpcErr  *transport.RPCError
		nf      *perrors.NotFoundError
		ue      *perrors.UnavailableError
		rl      *perrors.RateLimitError
		authErr *perrors.AuthError
	)
	switch {
	case errors.As(err, &rpcErr):
		return &transport.Response{JSONRPC: transport.Version, ID: id, Error: rpcErr}
	case router.IsUnknownTool(err) && errors.As(err, &nf):
		return errorResponse(id, transport.CodeInvalidParams, "unknown tool: "+nf.ID, nil)
	case errors.As(err, &ue):
		return errorResponse(id, transport.CodeNoUpstream, ue.Error(), map[string]any{
			"tool":     ue.Tool,
			"attempts": ue.Attempts,
		})
	case errors.As(err, &rl):
		return errorResponse(id, transport.CodeRateLimited, rl.Error(), map[string]any{
			"key":      rl.Key,
			"limit":    rl.Limit,
			"reset_at": rl.ResetAt.UTC().Format(time.RFC3339),
		})
	case errors.As(err, &authErr):
		return errorResponse(id, transport.CodeUnauthorized, authErr.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errorResponse(id, transport.CodeInternalError, "request cancelled: "+err.Error(), nil)
	default:
		return errorResponse(id, transport.CodeInternalError, fmt.Sprintf("internal error: %v", err), nil)
	}
}
