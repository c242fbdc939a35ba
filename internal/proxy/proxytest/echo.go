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

// Package proxytest provides upstream servers and transports for tests.
//
// The echo server is a real MCP server that test binaries run as a
// subprocess of themselves:
//
//	func TestMain(m *testing.M) {
//		proxytest.RunEchoServerIfRequested()
//		os.Exit(m.Run())
//	}
//
// EchoCommand returns the command, args, and environment that start it.
package proxytest

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// EchoServerEnv names the variable that turns a test binary into an echo
// server. Its value becomes the server name.
const EchoServerEnv = "MCPROXY_ECHO_SERVER"

// NewEchoServer builds an MCP server exposing test tools:
//
//   - echo: returns its "message" argument as text
//   - whoami: returns the server name
//   - fail: returns a tool error result
//   - sleep: sleeps for "ms" milliseconds, then returns "slept"
func NewEchoServer(name string) *server.MCPServer {
	s := server.NewMCPServer(name, "test", server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Echo the message back"),
		mcp.WithString("message", mcp.Required(), mcp.Description("Text to echo")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		msg, err := request.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError("message is required"), nil
		}
		return mcp.NewToolResultText(msg), nil
	})

	s.AddTool(mcp.NewTool("whoami",
		mcp.WithDescription("Report which server answered"),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(name), nil
	})

	s.AddTool(mcp.NewTool("fail",
		mcp.WithDescription("Always fail"),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("tool failed on purpose"), nil
	})

	s.AddTool(mcp.NewTool("sleep",
		mcp.WithDescription("Sleep before answering"),
		mcp.WithNumber("ms", mcp.Description("Milliseconds to sleep")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ms := request.GetFloat("ms", 0)
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return mcp.NewToolResultText("slept"), nil
	})

	return s
}

// RunEchoServerIfRequested serves the echo server on stdio and exits when
// EchoServerEnv is set. It returns immediately otherwise.
func RunEchoServerIfRequested() {
	name := os.Getenv(EchoServerEnv)
	if name == "" {
		return
	}
	if err := server.ServeStdio(NewEchoServer(name)); err != nil {
		fmt.Fprintln(os.Stderr, "echo server:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// EchoCommand returns how to start the current test binary as an echo
// server called name.
func EchoCommand(name string) (command string, args []string, env map[string]string) {
	return os.Args[0], []string{"-test.run=^$"}, map[string]string{EchoServerEnv: name}
}
