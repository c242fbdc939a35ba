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
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	perrors "github.com/tombee/mcproxy/pkg/errors"
)

// Status is the live state served on /status.
type Status struct {
	Version     string           `json:"version"`
	StartedAt   time.Time        `json:"started_at"`
	Listen      string           `json:"listen"`
	Transport   string           `json:"transport"`
	Connections int              `json:"connections"`
	Tools       int              `json:"tools"`
	Upstreams   []UpstreamStatus `json:"upstreams"`
}

// UpstreamStatus is one upstream's health.
type UpstreamStatus struct {
	Name                string    `json:"name"`
	Transport           string    `json:"transport"`
	Priority            int       `json:"priority"`
	State               string    `json:"state"`
	Degraded            bool      `json:"degraded"`
	Tools               int       `json:"tools"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ReconnectAttempts   int       `json:"reconnect_attempts"`
	LastChecked         time.Time `json:"last_checked,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
}

// Healthy counts upstreams in the healthy state.
func (s Status) Healthy() int {
	n := 0
	for _, u := range s.Upstreams {
		if u.State == "healthy" {
			n++
		}
	}
	return n
}

func (s *Server) status() Status {
	st := s.backend.Status()
	st.Connections = s.Connections()
	st.Transport = string(s.cfg.Transport)
	if addr := s.Addr(); addr != "" {
		st.Listen = addr
	}
	return st
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"upstreams":         len(st.Upstreams),
		"upstreams_healthy": st.Healthy(),
		"tools":             st.Tools,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.backend.Reconnect(name)
	var nf *perrors.NotFoundError
	switch {
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		s.logger.Info("reconnect requested", "upstream", name)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting", "upstream": name})
	}
}
