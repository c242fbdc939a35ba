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
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/mcproxy/internal/log"
	"github.com/tombee/mcproxy/internal/proxy/transport"
)

const streamBuffer = 64

// stream is one open GET /sse session.
type stream struct {
	id     string
	agent  string
	client clientInfo
	out    chan []byte
	ctx    context.Context
}

func (st *stream) send(resp *transport.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	select {
	case st.out <- data:
		return nil
	case <-st.ctx.Done():
		return st.ctx.Err()
	}
}

// handleSSE serves GET /sse. The first event names the endpoint for
// POSTing messages; responses follow as "message" events.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	agent, err := s.resolveAgent(r)
	if err != nil {
		s.unauthorized(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	st := &stream{
		id:    newID(),
		agent: agent,
		out:   make(chan []byte, streamBuffer),
		ctx:   ctx,
	}
	s.streams.Store(st.id, st)
	defer s.streams.Delete(st.id)

	logger := s.logger.With(log.SessionKey, st.id)
	logger.Debug("sse session opened", log.AgentKey, agent)
	defer logger.Debug("sse session closed")

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "event: endpoint\ndata: /message?sessionId=%s\n\n", st.id); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case data := <-st.out:
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		}
	}
}

// handleMessage serves POST /message?sessionId=. It answers 202 and
// delivers the response on the session's stream.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	v, ok := s.streams.Load(r.URL.Query().Get("sessionId"))
	if !ok {
		writeRPC(w, http.StatusNotFound,
			errorResponse(nil, transport.CodeInvalidRequest, "unknown session", nil))
		return
	}
	st := v.(*stream)

	req, errResp := decodeRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if errResp != nil {
		writeRPC(w, http.StatusBadRequest, errResp)
		return
	}

	if !s.calls.begin() {
		writeRPC(w, http.StatusServiceUnavailable,
			errorResponse(req.ID, transport.CodeCapacity, "proxy is shutting down", nil))
		return
	}

	c := caller{agent: st.agent, client: &st.client}
	if s.auth == nil || !s.auth.AuthRequired() {
		if agent := r.Header.Get(AgentHeader); agent != "" {
			c.agent = agent
		}
	}

	w.WriteHeader(http.StatusAccepted)

	go func() {
		defer s.calls.end()
		resp := s.handle(st.ctx, c, req)
		if resp == nil {
			return
		}
		if err := st.send(resp); err != nil {
			s.logger.Debug("response dropped, session closed",
				log.SessionKey, st.id, "method", req.Method, "error", err)
		}
	}()
}

// clientInfo records the initialize clientInfo.name for a session.
type clientInfo struct {
	mu   sync.Mutex
	name string
	seen time.Time
}

func (c *clientInfo) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *clientInfo) Set(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
}

func (c *clientInfo) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = time.Now()
}

func (c *clientInfo) lastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen
}

func newID() string { return uuid.NewString() }
