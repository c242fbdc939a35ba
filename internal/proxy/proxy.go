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

// Package proxy assembles the upstream connections, tool registry, router,
// security guard and agent-facing frontend into one running proxy.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/mcproxy/internal/config"
	"github.com/tombee/mcproxy/internal/log"
	"github.com/tombee/mcproxy/internal/proxy/auth"
	"github.com/tombee/mcproxy/internal/proxy/frontend"
	"github.com/tombee/mcproxy/internal/proxy/registry"
	"github.com/tombee/mcproxy/internal/proxy/router"
	"github.com/tombee/mcproxy/internal/proxy/security"
	"github.com/tombee/mcproxy/internal/proxy/transport"
	"github.com/tombee/mcproxy/internal/proxy/upstream"
	"github.com/tombee/mcproxy/internal/telemetry"
	"github.com/tombee/mcproxy/pkg/httpclient"
	perrors "github.com/tombee/mcproxy/pkg/errors"
)

const (
	eventBuffer   = 256
	pruneInterval = time.Minute

	sigv4LoadTimeout = 10 * time.Second
)

// Options configures a Proxy.
type Options struct {
	// Version is reported in initialize and /status.
	Version string

	// ConfigPath is watched for changes when the config enables watch.
	ConfigPath string

	// Factory overrides how upstream transports are built. Tests use it to
	// inject fakes.
	Factory upstream.Factory

	// HTTPClient overrides the client used for upstream and token traffic.
	HTTPClient *http.Client

	// Reconnect backoff overrides, mostly for tests. Zero values use the
	// upstream's backoff_initial and backoff_max.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	Logger *slog.Logger
}

var (
	_ frontend.Backend = (*Proxy)(nil)
	_ router.Pool      = (*Proxy)(nil)
)

// Proxy is a configured MCP proxy.
type Proxy struct {
	opts      Options
	logger    *slog.Logger
	client    *http.Client
	telemetry *telemetry.Provider

	registry *registry.Registry
	router   *router.Router
	guard    *security.Guard
	frontend *frontend.Server
	events   chan upstream.Event
	watcher  *config.Watcher

	mu    sync.RWMutex
	cfg   config.ProxyConfig
	conns map[string]*upstream.Connection

	// catalogMu serializes registry rebuilds.
	catalogMu sync.Mutex

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a proxy for the [mcp.proxy] section of cfg. Nothing is
// started until Start.
func New(ctx context.Context, cfg *config.File, opts Options) (*Proxy, error) {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pc := *cfg.Proxy()
	pc.ApplyDefaults()

	tel, err := telemetry.New(ctx, pc.Telemetry, opts.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	client := opts.HTTPClient
	if client == nil {
		hc := httpclient.DefaultConfig()
		hc.UserAgent = "mcproxy/" + opts.Version
		client, err = httpclient.New(hc)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, fmt.Errorf("failed to build http client: %w", err)
		}
	}

	p := &Proxy{
		opts:      opts,
		logger:    log.WithComponent(logger, "proxy"),
		client:    client,
		telemetry: tel,
		registry:  registry.New(),
		events:    make(chan upstream.Event, eventBuffer),
		cfg:       pc,
		conns:     make(map[string]*upstream.Connection),
	}

	p.guard, err = security.NewGuard(pc.Security, pc.Agents, security.Options{
		Metrics: tel.Metrics(),
		Logger:  logger,
	})
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}

	p.router = router.New(p.registry, p, router.Options{
		Metrics: tel.Metrics(),
		Tracer:  tel.Tracer(),
		Logger:  logger,
	})

	p.frontend = frontend.New(frontend.Config{
		Transport:      pc.Transport,
		MaxConnections: pc.MaxConnections,
		ServerName:     "mcproxy",
		Version:        opts.Version,
		MetricsHandler: tel.Handler(),
		Metrics:        tel.Metrics(),
		Tracer:         tel.Tracer(),
		Logger:         logger,
	}, p, p.guard)

	return p, nil
}

// Handler returns the frontend handler without binding a listener.
func (p *Proxy) Handler() http.Handler { return p.frontend.Handler() }

// Addr returns the frontend's bound address after Start.
func (p *Proxy) Addr() string { return p.frontend.Addr() }

// Start connects every upstream in parallel, waits for the first round of
// attempts to settle, then begins serving agents. Upstreams that fail to
// connect keep retrying in the background.
func (p *Proxy) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.startedAt = time.Now()

	p.wg.Add(2)
	go p.consumeEvents()
	go p.pruneLoop()

	if err := p.telemetry.Metrics().ObserveUpstreams(p.upstreamStates); err != nil {
		p.logger.Warn("failed to register upstream state gauge", log.Error(err))
	}

	p.mu.Lock()
	cfg := p.cfg
	for _, u := range cfg.Upstreams {
		p.conns[u.Name] = p.newConnection(u, &cfg)
	}
	conns := p.connections()
	p.mu.Unlock()

	if err := p.connectAll(ctx, conns); err != nil {
		p.closeAll(conns)
		p.stopBackground()
		return err
	}
	p.refresh()

	if err := p.frontend.Start(cfg.Addr()); err != nil {
		p.closeAll(conns)
		p.stopBackground()
		return err
	}

	if cfg.Watch && p.opts.ConfigPath != "" {
		w, err := config.NewWatcher(config.WatcherConfig{
			Path:     p.opts.ConfigPath,
			OnChange: func(f *config.File) { _ = p.Reload(f) },
			Logger:   p.logger,
		})
		if err != nil {
			p.logger.Warn("config hot reload disabled", log.Error(err))
		} else {
			p.watcher = w
		}
	}

	snap := p.registry.Load()
	p.logger.Info("proxy started",
		"listen_addr", p.frontend.Addr(),
		"upstreams", len(conns),
		"tools", snap.Len())
	return nil
}

// connectAll starts each connection and waits for its first attempt.
func (p *Proxy) connectAll(ctx context.Context, conns []*upstream.Connection) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range conns {
		c.Start()
		g.Go(func() error {
			select {
			case <-c.Ready():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("waiting for upstreams: %w", err)
	}
	return nil
}

func (p *Proxy) newConnection(u config.UpstreamConfig, cfg *config.ProxyConfig) *upstream.Connection {
	initial, maxDelay := p.backoff(u)
	return upstream.New(u, upstream.Options{
		Factory:            p.factory(u, cfg),
		Events:             p.events,
		CallTimeout:        cfg.CallTimeoutDuration(),
		HealthCheckTimeout: cfg.HealthCheckTimeoutDuration(),
		BackoffInitial:     initial,
		BackoffMax:         maxDelay,
		ClientName:         "mcproxy",
		ClientVersion:      p.opts.Version,
		Logger:             p.logger,
	})
}

func (p *Proxy) backoff(u config.UpstreamConfig) (initial, maxDelay time.Duration) {
	initial, maxDelay = u.BackoffInitialDuration(), u.BackoffMaxDuration()
	if p.opts.BackoffInitial > 0 {
		initial = p.opts.BackoffInitial
	}
	if p.opts.BackoffMax > 0 {
		maxDelay = p.opts.BackoffMax
	}
	return initial, maxDelay
}

// factory builds transports for one upstream. Authenticators are shared
// across reconnects so a valid token survives a dropped session.
func (p *Proxy) factory(u config.UpstreamConfig, cfg *config.ProxyConfig) upstream.Factory {
	if p.opts.Factory != nil {
		return p.opts.Factory
	}
	opts := transport.Options{
		Client:      p.client,
		CallTimeout: cfg.CallTimeoutDuration(),
		Logger:      log.WithUpstream(p.logger, u.Name),
	}
	if u.Auth == nil {
		return func(u config.UpstreamConfig) (transport.Transport, error) {
			return transport.New(u, opts)
		}
	}

	switch u.Auth.AuthType {
	case config.AuthAWSSigV4:
		ctx, cancel := context.WithTimeout(p.ctx, sigv4LoadTimeout)
		signer, err := auth.NewSigner(ctx, auth.SigV4FromConfig(u.Name, u.Auth, p.logger))
		cancel()
		if err != nil {
			return func(config.UpstreamConfig) (transport.Transport, error) { return nil, err }
		}
		opts.Client = signer.Client(p.client)
		return func(u config.UpstreamConfig) (transport.Transport, error) {
			ctx, cancel := context.WithTimeout(p.ctx, cfg.HealthCheckTimeoutDuration())
			defer cancel()
			if _, err := signer.Verify(ctx); err != nil {
				return nil, err
			}
			return transport.New(u, opts)
		}
	default:
		opts.Tokens = auth.FromConfig(u.Name, u.Auth, p.client, p.logger)
		return func(u config.UpstreamConfig) (transport.Transport, error) {
			return transport.New(u, opts)
		}
	}
}

// connections returns the current connections. Callers hold p.mu.
func (p *Proxy) connections() []*upstream.Connection {
	out := make([]*upstream.Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *upstream.Connection) int {
		if a.Priority() != b.Priority() {
			return a.Priority() - b.Priority()
		}
		if a.Name() < b.Name() {
			return -1
		}
		if a.Name() > b.Name() {
			return 1
		}
		return 0
	})
	return out
}

// consumeEvents rebuilds the catalog whenever a connection changes state.
func (p *Proxy) consumeEvents() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-p.events:
			p.logger.Debug("upstream event",
				log.EventKey, string(ev.Type),
				log.UpstreamKey, ev.Upstream,
				"state", ev.State.String())
			p.refresh()
		}
	}
}

func (p *Proxy) pruneLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if n := p.guard.Prune(); n > 0 {
				log.Trace(p.logger, "pruned rate limit buckets", "count", n)
			}
		}
	}
}

// refresh rebuilds the registry from the connections' current snapshots.
func (p *Proxy) refresh() {
	p.catalogMu.Lock()
	defer p.catalogMu.Unlock()

	p.mu.RLock()
	strategy := p.cfg.ConflictStrategy
	conns := p.connections()
	p.mu.RUnlock()

	sources := make([]registry.Source, 0, len(conns))
	for _, c := range conns {
		snap := c.Snapshot()
		sources = append(sources, registry.Source{
			Upstream: c.Name(),
			Priority: c.Priority(),
			State:    snap.State,
			Tools:    snap.Tools,
		})
	}
	snap, changed := p.registry.Rebuild(sources, strategy)
	if changed {
		p.logger.Info("tool catalog updated", "tools", snap.Len())
		for _, sh := range snap.Shadowed() {
			p.logger.Warn("tool hidden by a qualified name", "tool", sh.Name, "upstream", sh.Upstream)
		}
	}
}

func (p *Proxy) upstreamStates() map[string]int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]int64, len(p.conns))
	for name, c := range p.conns {
		out[name] = int64(c.State())
	}
	return out
}

// Upstream implements router.Pool.
func (p *Proxy) Upstream(name string) (router.Upstream, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[name]
	if !ok {
		return nil, false
	}
	return c, true
}

// Tools implements frontend.Backend.
func (p *Proxy) Tools() []registry.Descriptor { return p.registry.Load().Tools() }

// CallTool implements frontend.Backend. The guard applies rate limits,
// logging and redaction around routing.
func (p *Proxy) CallTool(ctx context.Context, call security.Call) (router.Result, error) {
	return p.guard.Do(ctx, call, p.router.Route)
}

// Reconnect implements frontend.Backend.
func (p *Proxy) Reconnect(name string) error {
	p.mu.RLock()
	c, ok := p.conns[name]
	p.mu.RUnlock()
	if !ok {
		return &perrors.NotFoundError{Resource: "upstream", ID: name}
	}
	c.Reconnect()
	return nil
}

// Status implements frontend.Backend.
func (p *Proxy) Status() frontend.Status {
	p.mu.RLock()
	conns := p.connections()
	p.mu.RUnlock()

	st := frontend.Status{
		Version:   p.opts.Version,
		StartedAt: p.startedAt,
		Tools:     p.registry.Load().Len(),
		Upstreams: make([]frontend.UpstreamStatus, 0, len(conns)),
	}
	for _, c := range conns {
		snap := c.Snapshot()
		cfg := c.Config()
		st.Upstreams = append(st.Upstreams, frontend.UpstreamStatus{
			Name:                c.Name(),
			Transport:           string(cfg.Transport),
			Priority:            cfg.Priority,
			State:               snap.State.String(),
			Degraded:            snap.Degraded,
			Tools:               len(snap.Tools),
			ConsecutiveFailures: snap.ConsecutiveFailures,
			ReconnectAttempts:   snap.ReconnectAttempts,
			LastChecked:         snap.LastChecked,
			LastError:           snap.LastError,
		})
	}
	return st
}

// Reload applies a new configuration. Upstream changes take effect at once:
// removed upstreams are closed, added ones connected, and changed ones
// replaced. Listener settings need a restart.
func (p *Proxy) Reload(next *config.File) error {
	np := *next.Proxy()
	np.ApplyDefaults()

	p.mu.RLock()
	prev := p.cfg
	p.mu.RUnlock()

	if config.ListenChanged(&prev, &np) || prev.MaxConnections != np.MaxConnections {
		p.logger.Warn("listener settings changed; restart the proxy to apply them",
			"host", np.Host, "port", np.Port, "transport", np.Transport)
	}

	if err := p.guard.Update(np.Security, np.Agents); err != nil {
		p.logger.Error("config reload rejected", log.Error(err))
		return fmt.Errorf("reload security settings: %w", err)
	}

	diff := config.DiffUpstreams(prev.Upstreams, np.Upstreams)

	var stale []*upstream.Connection
	var fresh []*upstream.Connection
	p.mu.Lock()
	p.cfg = np
	for _, u := range diff.Removed {
		if c, ok := p.conns[u.Name]; ok {
			stale = append(stale, c)
			delete(p.conns, u.Name)
		}
	}
	for _, u := range diff.Changed {
		if c, ok := p.conns[u.Name]; ok {
			stale = append(stale, c)
		}
		c := p.newConnection(u, &np)
		p.conns[u.Name] = c
		fresh = append(fresh, c)
	}
	for _, u := range diff.Added {
		c := p.newConnection(u, &np)
		p.conns[u.Name] = c
		fresh = append(fresh, c)
	}
	p.mu.Unlock()

	p.closeAll(stale)
	for _, c := range fresh {
		c.Start()
	}
	p.refresh()

	p.logger.Info("configuration reloaded",
		"added", len(diff.Added),
		"removed", len(diff.Removed),
		"changed", len(diff.Changed))
	return nil
}

// closeAll closes connections in parallel.
func (p *Proxy) closeAll(conns []*upstream.Connection) {
	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			if err := c.Close(); err != nil {
				p.logger.Debug("upstream close error", log.UpstreamKey, c.Name(), log.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Proxy) stopBackground() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Shutdown stops the watcher, drains agent calls for up to shutdown_grace,
// force-closes every upstream, and flushes telemetry.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.RLock()
	grace := p.cfg.ShutdownGraceDuration()
	p.mu.RUnlock()

	var errs []error
	if p.watcher != nil {
		if err := p.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := p.frontend.Shutdown(graceCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		errs = append(errs, fmt.Errorf("frontend shutdown: %w", err))
	}

	p.mu.Lock()
	conns := p.connections()
	p.conns = make(map[string]*upstream.Connection)
	p.mu.Unlock()
	p.closeAll(conns)

	p.stopBackground()

	if err := p.guard.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	p.logger.Info("proxy stopped")
	return errors.Join(errs...)
}

// Run starts the proxy and blocks until ctx is canceled, then shuts down.
func (p *Proxy) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return p.Shutdown(context.WithoutCancel(ctx))
}
