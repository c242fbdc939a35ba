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

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/mcproxy/internal/config"
	"github.com/tombee/mcproxy/internal/log"
	"github.com/tombee/mcproxy/internal/proxy/transport"
)

const (
	defaultBackoffInitial = time.Second
	defaultBackoffMax     = 60 * time.Second

	// maxToolPages bounds tools/list pagination.
	maxToolPages = 20

	liveSignalBuffer = 16
)

// ErrNotConnected is returned by calls on a connection without a session.
var ErrNotConnected = errors.New("upstream not connected")

// errTransportDead is recorded when the process or stream went away.
var errTransportDead = errors.New("transport is no longer alive")

// Factory builds a fresh transport for each connection attempt.
type Factory func(cfg config.UpstreamConfig) (transport.Transport, error)

// Options configures a Connection.
type Options struct {
	// Factory creates transports. Required.
	Factory Factory

	// Events receives state changes. Optional.
	Events chan<- Event

	// CallTimeout bounds each call and the connect handshake. Default: 30s
	CallTimeout time.Duration

	// HealthCheckTimeout bounds each health check. Default: 5s
	HealthCheckTimeout time.Duration

	// Interval overrides the configured health check interval.
	Interval time.Duration

	// BackoffInitial and BackoffMax bound reconnect delays. Defaults: 1s, 60s
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// ClientName and ClientVersion are sent in initialize.
	ClientName    string
	ClientVersion string

	Logger *slog.Logger
}

// Connection is one supervised session with an upstream.
type Connection struct {
	cfg    config.UpstreamConfig
	opts   Options
	logger *slog.Logger

	// snap is the published view of cur
	snap atomic.Pointer[Snapshot]
	tr   atomic.Pointer[transportBox]

	// cur is owned by the supervisor goroutine
	cur Snapshot

	live      chan error
	reconnect chan struct{}
	checks    chan chan struct{}
	ready     chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

type transportBox struct {
	t transport.Transport
}

// New creates a connection in the Disconnected state. Start begins
// supervision.
func New(cfg config.UpstreamConfig, opts Options) *Connection {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = time.Duration(config.DefaultCallTimeout) * time.Second
	}
	if opts.HealthCheckTimeout <= 0 {
		opts.HealthCheckTimeout = time.Duration(config.DefaultHealthCheckTimeout) * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = defaultBackoffInitial
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcproxy"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "dev"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		cfg:       cfg,
		opts:      opts,
		logger:    log.WithUpstream(logger, cfg.Name),
		live:      make(chan error, liveSignalBuffer),
		reconnect: make(chan struct{}, 1),
		checks:    make(chan chan struct{}),
		ready:     make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.cur.State = StateDisconnected
	c.commit()
	return c
}

// Name returns the upstream name.
func (c *Connection) Name() string { return c.cfg.Name }

// Config returns the upstream configuration.
func (c *Connection) Config() config.UpstreamConfig { return c.cfg }

// Priority returns the configured priority; lower is preferred.
func (c *Connection) Priority() int { return c.cfg.Priority }

// Snapshot returns the current health view.
func (c *Connection) Snapshot() Snapshot { return *c.snap.Load() }

// State returns the current health state.
func (c *Connection) State() State { return c.snap.Load().State }

// Tools returns the last discovered tool set.
func (c *Connection) Tools() []Tool { return c.snap.Load().Tools }

// Start launches the supervisor, which connects immediately.
func (c *Connection) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.supervise()
}

// Ready is closed once the first connect attempt has finished, whether it
// succeeded or not.
func (c *Connection) Ready() <-chan struct{} { return c.ready }

// Reconnect asks the supervisor to drop the current session, reset the
// attempt counter, and connect again. It is the only way out of
// Disconnected.
func (c *Connection) Reconnect() {
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// CheckNow runs the scheduled health check immediately on the supervisor
// goroutine and waits for it to finish.
func (c *Connection) CheckNow(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case c.checks <- done:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrNotConnected
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops supervision and closes the session. The connection ends
// Disconnected and cannot be restarted.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.wg.Wait()

	var err error
	if box := c.tr.Swap(nil); box != nil {
		err = box.t.Close()
	}
	c.cur.State = StateDisconnected
	c.cur.Degraded = false
	c.commit()
	c.logger.Debug("upstream connection closed")
	return err
}

// CallTool invokes tools/call on the upstream with the raw tool name.
// Transport failures are reported to the supervisor; application errors
// and isError results are returned untouched.
func (c *Connection) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	box := c.tr.Load()
	if box == nil {
		return nil, &transport.Error{Kind: transport.KindConnect, Op: "tools/call", Err: ErrNotConnected}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	params := struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}{Name: name, Arguments: args}

	raw, err := box.t.Call(ctx, "tools/call", params)
	switch {
	case transport.IsFailure(err):
		c.signal(err)
	case err == nil && c.snap.Load().Degraded:
		c.signal(nil)
	}
	return raw, err
}

func (c *Connection) signal(err error) {
	select {
	case c.live <- err:
	default:
		// Supervisor is behind; the outcome is already reflected.
	}
}

func (c *Connection) commit() {
	s := c.cur
	c.snap.Store(&s)
}

func (c *Connection) session() transport.Transport {
	if box := c.tr.Load(); box != nil {
		return box.t
	}
	return nil
}

func (c *Connection) setTransport(t transport.Transport) {
	var next *transportBox
	if t != nil {
		next = &transportBox{t: t}
	}
	if prev := c.tr.Swap(next); prev != nil && prev.t != t {
		_ = prev.t.Close()
	}
}

// supervise is the per-connection control loop.
func (c *Connection) supervise() {
	defer c.wg.Done()

	c.connect()
	close(c.ready)

	timer := time.NewTimer(c.nextDelay())
	defer timer.Stop()
	timerC := c.timerChan(timer)

	for {
		select {
		case <-c.ctx.Done():
			return

		case err := <-c.live:
			c.handleLive(err)

		case <-c.reconnect:
			c.logger.Info("explicit reconnect requested")
			c.setTransport(nil)
			c.cur.ReconnectAttempts = 0
			c.connect()
			timerC = c.resetTimer(timer)

		case done := <-c.checks:
			c.check()
			close(done)
			timerC = c.resetTimer(timer)

		case <-timerC:
			c.check()
			timerC = c.resetTimer(timer)
		}
	}
}

func (c *Connection) timerChan(timer *time.Timer) <-chan time.Time {
	if c.cur.State == StateDisconnected {
		return nil
	}
	return timer.C
}

func (c *Connection) resetTimer(timer *time.Timer) <-chan time.Time {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(c.nextDelay())
	return c.timerChan(timer)
}

// nextDelay is the health check interval while a session exists, and the backoff
// delay while reconnecting.
func (c *Connection) nextDelay() time.Duration {
	if c.session() == nil && c.cur.ReconnectAttempts > 0 {
		return c.backoff(c.cur.ReconnectAttempts)
	}
	if c.opts.Interval > 0 {
		return c.opts.Interval
	}
	return c.cfg.HealthCheckDuration()
}

// backoff doubles from BackoffInitial per failed attempt, capped at BackoffMax.
func (c *Connection) backoff(attempts int) time.Duration {
	d := c.opts.BackoffInitial
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= c.opts.BackoffMax {
			return c.opts.BackoffMax
		}
	}
	if d > c.opts.BackoffMax {
		return c.opts.BackoffMax
	}
	return d
}

// check is the scheduled health check: reconnect when there is no live
// session, otherwise ping it.
func (c *Connection) check() {
	switch t := c.session(); {
	case c.cur.State == StateDisconnected:
		return
	case t == nil:
		c.connect()
	case !t.Alive():
		c.logger.Warn("upstream session ended", "error", errTransportDead)
		c.cur.LastError = errTransportDead.Error()
		c.setTransport(nil)
		c.transition(StateUnhealthy, errTransportDead)
		c.commit()
		c.connect()
	default:
		c.ping(t)
	}
}

// connect opens a new session and runs the handshake and discovery.
func (c *Connection) connect() {
	prev := c.cur.State
	c.cur.State = StateConnecting
	c.commit()

	t, tools, err := c.open()
	c.cur.LastChecked = time.Now()
	if err != nil {
		c.cur.ReconnectAttempts++
		c.cur.ConsecutiveFailures++
		c.cur.ConsecutiveSuccesses = 0
		c.cur.LastError = err.Error()
		c.cur.State = prev

		limit := c.cfg.MaxReconnectAttempts
		if limit > 0 && c.cur.ReconnectAttempts >= limit {
			c.logger.Error("giving up on upstream",
				"attempts", c.cur.ReconnectAttempts, "error", err)
			c.transition(StateDisconnected, err)
		} else {
			c.logger.Warn("upstream connect failed",
				"attempt", c.cur.ReconnectAttempts,
				"retry_in", c.backoff(c.cur.ReconnectAttempts),
				"error", err)
			c.transition(StateUnhealthy, err)
		}
		c.commit()
		return
	}

	c.setTransport(t)
	c.cur.ReconnectAttempts = 0
	c.cur.ConsecutiveFailures = 0
	c.cur.ConsecutiveSuccesses++
	c.cur.Degraded = false
	c.cur.LastError = ""
	c.cur.Tools = tools
	c.emit(EventConnected, nil)
	c.transition(StateHealthy, nil)
	c.commit()
}

func (c *Connection) open() (transport.Transport, []Tool, error) {
	t, err := c.opts.Factory(c.cfg)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.CallTimeout)
	defer cancel()

	fail := func(step string, err error) (transport.Transport, []Tool, error) {
		_ = t.Close()
		return nil, nil, fmt.Errorf("%s: %w", step, err)
	}

	if err := t.Connect(ctx); err != nil {
		return fail("connect", err)
	}

	_, err = t.Call(ctx, "initialize", mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo: mcp.Implementation{
			Name:    c.opts.ClientName,
			Version: c.opts.ClientVersion,
		},
	})
	if err != nil {
		return fail("initialize", err)
	}
	if err := t.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fail("initialized notification", err)
	}

	tools, err := c.discover(ctx, t)
	if err != nil {
		return fail("tools/list", err)
	}
	return t, tools, nil
}

// discover lists the upstream's tools, following pagination and applying
// the allow-list.
func (c *Connection) discover(ctx context.Context, t transport.Transport) ([]Tool, error) {
	var (
		tools  []Tool
		cursor string
	)
	for page := 0; page < maxToolPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		raw, err := t.Call(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}

		var res struct {
			Tools      []Tool `json:"tools"`
			NextCursor string `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, &transport.Error{Kind: transport.KindProtocol, Op: "tools/list", Err: err}
		}
		for _, tool := range res.Tools {
			if tool.Name == "" || !c.allowed(tool.Name) {
				continue
			}
			if len(tool.InputSchema) == 0 {
				tool.InputSchema = json.RawMessage(`{"type":"object"}`)
			}
			tools = append(tools, tool)
		}

		if res.NextCursor == "" {
			return tools, nil
		}
		cursor = res.NextCursor
	}
	c.logger.Warn("tools/list pagination truncated", "pages", maxToolPages)
	return tools, nil
}

func (c *Connection) allowed(name string) bool {
	if len(c.cfg.Tools) == 0 {
		return true
	}
	for _, pattern := range c.cfg.Tools {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// ping runs one scheduled health check against a live session.
func (c *Connection) ping(t transport.Transport) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.HealthCheckTimeout)
	defer cancel()

	_, err := t.Call(ctx, "ping", nil)
	var rpcErr *transport.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == transport.CodeMethodNotFound {
		_, err = t.Call(ctx, "tools/list", nil)
	}
	if c.ctx.Err() != nil {
		return
	}
	// An application error still proves the upstream is answering.
	if !transport.IsFailure(err) && !errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	c.cur.LastChecked = time.Now()
	if err != nil {
		c.checkFailed(err)
	} else {
		c.checkSucceeded(ctx, t)
	}
	c.commit()
}

func (c *Connection) checkFailed(err error) {
	c.cur.ConsecutiveFailures++
	c.cur.ConsecutiveSuccesses = 0
	c.cur.LastError = err.Error()

	if c.cur.State != StateHealthy {
		c.logger.Debug("health check failed", "error", err)
		return
	}
	if c.cur.Degraded {
		c.transition(StateUnhealthy, err)
		return
	}
	c.cur.Degraded = true
	c.logger.Warn("health check failed, upstream degraded", "error", err)
}

func (c *Connection) checkSucceeded(ctx context.Context, t transport.Transport) {
	c.cur.ConsecutiveSuccesses++
	c.cur.ConsecutiveFailures = 0

	if c.cur.State != StateUnhealthy {
		c.cur.Degraded = false
		return
	}

	// Recovery re-runs discovery so the registry sees the current tools.
	tools, err := c.discover(ctx, t)
	if err != nil {
		c.checkFailed(err)
		return
	}
	changed := !sameTools(c.cur.Tools, tools)
	c.cur.Tools = tools
	c.cur.Degraded = false
	c.cur.LastError = ""
	c.transition(StateHealthy, nil)
	if changed {
		c.emit(EventToolsChanged, nil)
	}
}

// handleLive records the outcome of a routed call. Failures mark the
// connection degraded; the next failed scheduled check makes it Unhealthy.
func (c *Connection) handleLive(err error) {
	if err == nil {
		if c.cur.Degraded && c.cur.State == StateHealthy {
			c.cur.Degraded = false
			c.cur.ConsecutiveFailures = 0
			c.commit()
		}
		return
	}

	c.cur.ConsecutiveFailures++
	c.cur.ConsecutiveSuccesses = 0
	c.cur.LastError = err.Error()
	if c.cur.State == StateHealthy && !c.cur.Degraded {
		c.cur.Degraded = true
		c.logger.Warn("live call failed, upstream degraded", "error", err)
	}
	c.commit()
}

// transition moves to state and emits the matching event when it changed.
func (c *Connection) transition(state State, err error) {
	if c.cur.State == state {
		return
	}
	c.cur.State = state
	if state != StateHealthy {
		c.cur.Degraded = false
	}

	switch state {
	case StateHealthy:
		c.emit(EventHealthy, nil)
	case StateUnhealthy:
		c.emit(EventUnhealthy, err)
	case StateDisconnected:
		c.emit(EventDisconnected, err)
	}
}

func (c *Connection) emit(typ EventType, err error) {
	ev := Event{
		Type:      typ,
		Upstream:  c.cfg.Name,
		State:     c.cur.State,
		Tools:     len(c.cur.Tools),
		Err:       err,
		Timestamp: time.Now(),
	}

	attrs := []any{log.EventKey, string(typ), "state", ev.State.String(), "tools", ev.Tools}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	switch typ {
	case EventUnhealthy, EventDisconnected:
		c.logger.Warn("upstream event", attrs...)
	default:
		c.logger.Info("upstream event", attrs...)
	}

	if c.opts.Events == nil {
		return
	}
	// The subscriber sees state through Snapshot, so publish it first.
	c.commit()
	select {
	case c.opts.Events <- ev:
	case <-c.ctx.Done():
	}
}

func sameTools(a, b []Tool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Description != b[i].Description ||
			string(a[i].InputSchema) != string(b[i].InputSchema) {
			return false
		}
	}
	return true
}
