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

package registry

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/mcproxy/internal/config"
	"github.com/tombee/mcproxy/internal/proxy/upstream"
)

func tools(upstreamName string, names ...string) []upstream.Tool {
	out := make([]upstream.Tool, 0, len(names))
	for _, n := range names {
		out = append(out, upstream.Tool{
			Name:        n,
			Description: n + " via " + upstreamName,
			InputSchema: json.RawMessage(`{"type":"object"}`),
		})
	}
	return out
}

func source(name string, priority int, state upstream.State, names ...string) Source {
	return Source{Upstream: name, Priority: priority, State: state, Tools: tools(name, names...)}
}

func exposed(s *Snapshot) []string {
	var names []string
	for _, d := range s.Tools() {
		names = append(names, d.Name)
	}
	return names
}

func upstreams(c []Candidate) []string {
	var names []string
	for _, x := range c {
		names = append(names, x.Upstream)
	}
	return names
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name     string
		sources  []Source
		strategy string
		want     []string
		check    func(t *testing.T, s *Snapshot)
	}{
		{
			name: "unique names are bare only",
			sources: []Source{
				source("a", 1, upstream.StateHealthy, "read"),
				source("b", 1, upstream.StateHealthy, "write"),
			},
			want: []string{"read", "write"},
		},
		{
			name: "conflicts expose bare and qualified",
			sources: []Source{
				source("b", 2, upstream.StateHealthy, "x"),
				source("a", 1, upstream.StateHealthy, "x", "y"),
			},
			want: []string{"a:x", "b:x", "x", "y"},
			check: func(t *testing.T, s *Snapshot) {
				c, ok := s.Lookup("x")
				require.True(t, ok)
				assert.Equal(t, []string{"a", "b"}, upstreams(c))
				assert.Equal(t, "x", c[1].Tool)

				primary, ok := s.Primary("x")
				require.True(t, ok)
				assert.Equal(t, "a", primary)

				q, ok := s.Lookup("b:x")
				require.True(t, ok)
				require.Len(t, q, 1)
				assert.Equal(t, Candidate{Upstream: "b", Priority: 2, Tool: "x"}, q[0])
			},
		},
		{
			name: "equal priority orders by upstream name",
			sources: []Source{
				source("zeta", 1, upstream.StateHealthy, "x"),
				source("alpha", 1, upstream.StateHealthy, "x"),
			},
			want: []string{"alpha:x", "x", "zeta:x"},
			check: func(t *testing.T, s *Snapshot) {
				c, _ := s.Lookup("x")
				assert.Equal(t, []string{"alpha", "zeta"}, upstreams(c))
			},
		},
		{
			name: "qualified only drops the bare name",
			sources: []Source{
				source("a", 1, upstream.StateHealthy, "x", "solo"),
				source("b", 2, upstream.StateHealthy, "x"),
			},
			strategy: config.ConflictQualifiedOnly,
			want:     []string{"a:x", "b:x", "solo"},
		},
		{
			name: "disconnected upstreams are removed and the next offering promoted",
			sources: []Source{
				source("a", 1, upstream.StateDisconnected, "x"),
				source("b", 2, upstream.StateHealthy, "x"),
			},
			want: []string{"x"},
			check: func(t *testing.T, s *Snapshot) {
				primary, _ := s.Primary("x")
				assert.Equal(t, "b", primary)
				_, ok := s.Lookup("a:x")
				assert.False(t, ok)
			},
		},
		{
			name: "unhealthy upstreams keep their tools",
			sources: []Source{
				source("a", 1, upstream.StateUnhealthy, "x"),
				source("b", 2, upstream.StateHealthy, "x"),
			},
			want: []string{"a:x", "b:x", "x"},
		},
		{
			name: "duplicate tools from one upstream count once",
			sources: []Source{
				source("a", 1, upstream.StateHealthy, "x", "x"),
			},
			want: []string{"x"},
		},
		{
			name: "empty",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strategy := tt.strategy
			if strategy == "" {
				strategy = config.ConflictPrefixAndBare
			}
			s := Build(tt.sources, strategy)
			assert.Equal(t, tt.want, exposed(s))
			assert.Equal(t, len(tt.want), s.Len())
			if tt.check != nil {
				tt.check(t, s)
			}
		})
	}
}

func TestBuild_UniqueExposedNames(t *testing.T) {
	s := Build([]Source{
		source("a", 1, upstream.StateHealthy, "x", "y", "z"),
		source("b", 1, upstream.StateHealthy, "x", "y"),
		source("c", 3, upstream.StateUnhealthy, "x"),
	}, config.ConflictPrefixAndBare)

	seen := map[string]bool{}
	for _, d := range s.Tools() {
		assert.False(t, seen[d.Name], "duplicate exposed name %q", d.Name)
		seen[d.Name] = true

		c, ok := s.Lookup(d.Name)
		require.True(t, ok)
		require.NotEmpty(t, c)
	}
	for _, name := range []string{"a:x", "b:x", "c:x", "a:y", "b:y"} {
		c, ok := s.Lookup(name)
		require.True(t, ok, name)
		assert.Len(t, c, 1, name)
	}
}

func TestBuild_QualifiedNameBeatsRawTool(t *testing.T) {
	sources := []Source{
		source("a", 1, upstream.StateHealthy, "search"),
		source("b", 2, upstream.StateHealthy, "search"),
		source("c", 3, upstream.StateHealthy, "a:search"),
	}

	r := New()
	for i := 0; i < 100; i++ {
		// Rotate the input so map order and source order both vary.
		rotated := append(slices.Clone(sources[i%3:]), sources[:i%3]...)
		snap, changed := r.Rebuild(rotated, config.ConflictPrefixAndBare)
		if i > 0 {
			require.False(t, changed, "iteration %d", i)
		}

		c, ok := snap.Lookup("a:search")
		require.True(t, ok)
		require.Len(t, c, 1)
		assert.Equal(t, Candidate{Upstream: "a", Priority: 1, Tool: "search"}, c[0])
		assert.Equal(t, []Shadowed{{Name: "a:search", Upstream: "c"}}, snap.Shadowed())
		assert.Equal(t, []string{"a:search", "b:search", "search"}, exposed(snap))
	}
}

func TestBuild_QualifiedDescriptions(t *testing.T) {
	s := Build([]Source{
		source("a", 1, upstream.StateHealthy, "x"),
		source("b", 2, upstream.StateHealthy, "x"),
	}, config.ConflictPrefixAndBare)

	byName := map[string]Descriptor{}
	for _, d := range s.Tools() {
		byName[d.Name] = d
	}
	assert.Equal(t, "x via a", byName["x"].Description)
	assert.Equal(t, "[a] x via a", byName["a:x"].Description)
	assert.Equal(t, "[b] x via b", byName["b:x"].Description)
	assert.JSONEq(t, `{"type":"object"}`, string(byName["b:x"].InputSchema))
}

func TestRegistry_Rebuild(t *testing.T) {
	r := New()
	assert.Zero(t, r.Load().Len())

	sources := []Source{
		source("a", 1, upstream.StateHealthy, "x"),
		source("b", 2, upstream.StateHealthy, "x"),
	}
	snap, changed := r.Rebuild(sources, config.ConflictPrefixAndBare)
	assert.True(t, changed)
	assert.Same(t, snap, r.Load())

	_, changed = r.Rebuild(sources, config.ConflictPrefixAndBare)
	assert.False(t, changed, "identical sources leave the catalog unchanged")

	// A disconnects: x moves to b and the qualified names disappear.
	sources[0].State = upstream.StateDisconnected
	snap, changed = r.Rebuild(sources, config.ConflictPrefixAndBare)
	assert.True(t, changed)
	assert.Equal(t, []string{"x"}, exposed(snap))
	primary, _ := snap.Primary("x")
	assert.Equal(t, "b", primary)

	r.Store(nil)
	assert.Zero(t, r.Load().Len())
}
