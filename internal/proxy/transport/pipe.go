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

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"golang.org/x/time/rate"
)

const (
	defaultCallTimeout  = 30 * time.Second
	defaultDrainTimeout = 5 * time.Second
)

// PipeConfig configures a subprocess transport.
type PipeConfig struct {
	Command string
	Args    []string
	Env     map[string]string

	// CallTimeout bounds exchanges that outlive their caller. Default: 30s
	CallTimeout time.Duration

	// DrainTimeout is how long Close waits for the process to exit before
	// killing it. Default: 5s
	DrainTimeout time.Duration

	// StderrRate limits forwarded stderr lines per second. Default: 20
	StderrRate rate.Limit

	Logger *slog.Logger
}

// Pipe runs an upstream as a subprocess and exchanges newline-delimited
// JSON-RPC over its stdin and stdout. One call is in flight at a time.
type Pipe struct {
	cfg    PipeConfig
	logger *slog.Logger

	stdio *mcptransport.Stdio
	cmd   *exec.Cmd
	rpc   session

	// life ends when the process exits or the pipe is closed
	life context.Context
	end  context.CancelFunc

	// slot serializes exchanges; holding it means owning the process
	slot chan struct{}

	connected atomic.Bool
	alive     atomic.Bool
	closeOnce sync.Once
}

// NewPipe creates an unconnected subprocess transport.
func NewPipe(cfg PipeConfig) *Pipe {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.StderrRate <= 0 {
		cfg.StderrRate = 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	life, end := context.WithCancel(context.Background())
	return &Pipe{
		cfg:    cfg,
		logger: logger,
		life:   life,
		end:    end,
		slot:   make(chan struct{}, 1),
	}
}

// Connect starts the subprocess.
func (p *Pipe) Connect(ctx context.Context) error {
	if !p.connected.CompareAndSwap(false, true) {
		return newError(KindConnect, "start", errors.New("already connected"))
	}
	if err := ctx.Err(); err != nil {
		return fromContext(ctx, "start")
	}
	if p.cfg.Command == "" {
		return newError(KindConnect, "start", errors.New("no command configured"))
	}

	env := make([]string, 0, len(p.cfg.Env))
	for k, v := range p.cfg.Env {
		env = append(env, k+"="+v)
	}
	slices.Sort(env)

	p.stdio = mcptransport.NewStdioWithOptions(p.cfg.Command, env, p.cfg.Args,
		mcptransport.WithCommandFunc(p.command),
		mcptransport.WithCommandLogger(logAdapter{p.logger}),
	)
	// The process must outlive ctx, which only bounds the connect step.
	if err := p.stdio.Start(p.life); err != nil {
		return newError(KindConnect, "start", fmt.Errorf("%s: %w", p.cfg.Command, err))
	}
	p.rpc.conn = p.stdio
	p.alive.Store(true)

	p.logger.Debug("upstream process started", "command", p.cfg.Command, "pid", p.cmd.Process.Pid)

	go p.watch(p.stdio.Stderr())
	return nil
}

// command builds the subprocess without tying it to a context; Close owns
// its shutdown.
func (p *Pipe) command(_ context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), env...)
	p.cmd = cmd
	return cmd, nil
}

// watch forwards stderr until the process closes it on exit.
func (p *Pipe) watch(stderr io.Reader) {
	limiter := rate.NewLimiter(p.cfg.StderrRate, int(p.cfg.StderrRate)*2+1)
	dropped := 0

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4096), 64*1024)
	for scanner.Scan() {
		if !limiter.Allow() {
			dropped++
			continue
		}
		if dropped > 0 {
			p.logger.Warn("suppressed upstream stderr lines", "count", dropped)
			dropped = 0
		}
		p.logger.Info("upstream stderr", "line", scanner.Text())
	}
	if dropped > 0 {
		p.logger.Warn("suppressed upstream stderr lines", "count", dropped)
	}

	p.alive.Store(false)
	p.end()
	p.logger.Debug("upstream process exited")
}

// Call writes one request and waits for the response with the same id.
//
// Once the slot is held, cancelling ctx detaches the caller but the
// exchange keeps the slot until its response arrives or the call timeout
// elapses; its result is discarded.
func (p *Pipe) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !p.alive.Load() {
		return nil, p.deadError(method)
	}

	select {
	case p.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fromContext(ctx, method)
	case <-p.life.Done():
		return nil, p.deadError(method)
	}

	deadline := time.Now().Add(p.cfg.CallTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	xctx, cancel := context.WithDeadline(p.life, deadline)

	type result struct {
		raw json.RawMessage
		err error
	}
	out := make(chan result, 1)
	go func() {
		defer func() { <-p.slot }()
		defer cancel()
		raw, err := p.rpc.call(xctx, KindIO, method, params)
		if err != nil && p.life.Err() != nil {
			err = p.deadError(method)
		}
		out <- result{raw, err}
	}()

	select {
	case r := <-out:
		return r.raw, r.err
	case <-ctx.Done():
		p.logger.Debug("caller went away, detaching in-flight call", "method", method)
		return nil, fromContext(ctx, method)
	}
}

// Notify writes a notification to the subprocess.
func (p *Pipe) Notify(ctx context.Context, method string, params any) error {
	if !p.alive.Load() {
		return p.deadError(method)
	}
	select {
	case p.slot <- struct{}{}:
		defer func() { <-p.slot }()
	case <-ctx.Done():
		return fromContext(ctx, method)
	case <-p.life.Done():
		return p.deadError(method)
	}
	return p.rpc.notify(ctx, method, params)
}

func (p *Pipe) deadError(op string) error {
	if !p.connected.Load() || p.rpc.conn == nil {
		return newError(KindConnect, op, ErrNotConnected)
	}
	return newError(KindIO, op, ErrClosed)
}

// Close closes stdin, signals the process, and waits up to the drain
// timeout for it to exit before killing it.
func (p *Pipe) Close() error {
	if p.stdio == nil {
		return nil
	}
	p.closeOnce.Do(func() {
		exited := make(chan struct{})
		go func() {
			defer close(exited)
			_ = p.stdio.Close()
		}()

		var proc *os.Process
		if p.cmd != nil {
			proc = p.cmd.Process
		}
		if proc != nil {
			_ = proc.Signal(os.Interrupt)
		}

		select {
		case <-exited:
		case <-time.After(p.cfg.DrainTimeout):
			if proc != nil {
				p.logger.Warn("upstream process did not exit, killing", "pid", proc.Pid)
				_ = proc.Kill()
			}
			select {
			case <-exited:
			case <-time.After(time.Second):
			}
		}
		p.alive.Store(false)
		p.end()
	})
	return nil
}

// Alive reports whether the subprocess is still running.
func (p *Pipe) Alive() bool { return p.alive.Load() }

// Concurrent is false: calls are serialized per process.
func (p *Pipe) Concurrent() bool { return false }
