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

// Package registry aggregates the tools discovered on every upstream into
// one catalog of exposed names.
//
// A Snapshot is immutable. The Registry swaps whole snapshots so readers
// never take a lock and never observe a half-built catalog.
package registry

import (
	"cmp"
	"encoding/json"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/tombee/mcproxy/internal/config"
	"github.com/tombee/mcproxy/internal/proxy/upstream"
)

// QualifiedSeparator joins an upstream name and a raw tool name.
const QualifiedSeparator = ":"

// Descriptor is one exposed tool.
type Descriptor struct {
	// Name is the exposed name: the raw tool name or "upstream:tool".
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Candidate is one upstream able to serve an exposed name.
type Candidate struct {
	Upstream string
	Priority int

	// Tool is the raw name the upstream knows the tool by.
	Tool string
}

// Source is the discovered tool set of one upstream.
type Source struct {
	Upstream string
	Priority int
	State    upstream.State
	Tools    []upstream.Tool
}

// Shadowed is a raw tool hidden by a qualified name it collides with.
type Shadowed struct {
	Name     string
	Upstream string
}

// Snapshot maps exposed names to their candidates.
type Snapshot struct {
	entries  map[string][]Candidate
	tools    []Descriptor
	shadowed []Shadowed
}

var empty = &Snapshot{entries: map[string][]Candidate{}}

// Build aggregates sources into a snapshot. Disconnected upstreams are left
// out. Unhealthy ones stay listed so that agents keep a stable catalog; the
// router decides whether they can serve.
func Build(sources []Source, strategy string) *Snapshot {
	type offering struct {
		src  *Source
		tool upstream.Tool
	}

	byName := make(map[string][]offering)
	for i := range sources {
		src := &sources[i]
		if src.State == upstream.StateDisconnected {
			continue
		}
		seen := make(map[string]bool, len(src.Tools))
		for _, tool := range src.Tools {
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			byName[tool.Name] = append(byName[tool.Name], offering{src: src, tool: tool})
		}
	}

	names := slices.Sorted(maps.Keys(byName))
	for _, name := range names {
		slices.SortFunc(byName[name], func(a, b offering) int {
			return cmp.Or(
				cmp.Compare(a.src.Priority, b.src.Priority),
				cmp.Compare(a.src.Upstream, b.src.Upstream),
			)
		})
	}

	snap := &Snapshot{entries: make(map[string][]Candidate, len(byName))}

	// Qualified names go in first so every conflicting offering stays
	// reachable even when another upstream has a raw tool of the same name.
	for _, name := range names {
		offers := byName[name]
		if len(offers) == 1 {
			continue
		}
		for _, o := range offers {
			qualified := o.src.Upstream + QualifiedSeparator + name
			desc := "[" + o.src.Upstream + "] " + o.tool.Description
			snap.add(qualified, []Candidate{{Upstream: o.src.Upstream, Priority: o.src.Priority, Tool: name}},
				desc, o.tool.InputSchema)
		}
	}

	for _, name := range names {
		offers := byName[name]
		if len(offers) > 1 && strategy == config.ConflictQualifiedOnly {
			continue
		}
		if _, taken := snap.entries[name]; taken {
			for _, o := range offers {
				snap.shadowed = append(snap.shadowed, Shadowed{Name: name, Upstream: o.src.Upstream})
			}
			continue
		}
		candidates := make([]Candidate, 0, len(offers))
		for _, o := range offers {
			candidates = append(candidates, Candidate{Upstream: o.src.Upstream, Priority: o.src.Priority, Tool: name})
		}
		snap.add(name, candidates, offers[0].tool.Description, offers[0].tool.InputSchema)
	}

	slices.SortFunc(snap.tools, func(a, b Descriptor) int { return cmp.Compare(a.Name, b.Name) })
	return snap
}

func (s *Snapshot) add(name string, candidates []Candidate, desc string, schema json.RawMessage) {
	s.entries[name] = candidates
	s.tools = append(s.tools, Descriptor{Name: name, Description: desc, InputSchema: schema})
}

// Shadowed lists raw tools left out because their name is taken by a
// qualified name.
func (s *Snapshot) Shadowed() []Shadowed { return s.shadowed }

// Lookup returns the candidates for an exposed name, best first.
func (s *Snapshot) Lookup(name string) ([]Candidate, bool) {
	c, ok := s.entries[name]
	return c, ok
}

// Primary returns the preferred upstream for an exposed name.
func (s *Snapshot) Primary(name string) (string, bool) {
	c, ok := s.entries[name]
	if !ok || len(c) == 0 {
		return "", false
	}
	return c[0].Upstream, true
}

// Tools lists the exposed tools sorted by name. The slice must not be
// modified.
func (s *Snapshot) Tools() []Descriptor { return s.tools }

// Len returns the number of exposed names.
func (s *Snapshot) Len() int { return len(s.entries) }

// Registry holds the current snapshot.
type Registry struct {
	snap atomic.Pointer[Snapshot]
}

// New returns a registry with an empty catalog.
func New() *Registry {
	r := &Registry{}
	r.snap.Store(empty)
	return r
}

// Load returns the current snapshot.
func (r *Registry) Load() *Snapshot { return r.snap.Load() }

// Store replaces the current snapshot.
func (r *Registry) Store(s *Snapshot) {
	if s == nil {
		s = empty
	}
	r.snap.Store(s)
}

// Rebuild builds a snapshot from sources and swaps it in. It reports
// whether the exposed catalog changed.
func (r *Registry) Rebuild(sources []Source, strategy string) (*Snapshot, bool) {
	next := Build(sources, strategy)
	prev := r.snap.Swap(next)
	return next, !sameCatalog(prev, next)
}

func sameCatalog(a, b *Snapshot) bool {
	if len(a.tools) != len(b.tools) {
		return false
	}
	for i := range a.tools {
		x, y := a.tools[i], b.tools[i]
		if x.Name != y.Name || x.Description != y.Description || string(x.InputSchema) != string(y.InputSchema) {
			return false
		}
	}
	for name, ca := range a.entries {
		if !slices.Equal(ca, b.entries[name]) {
			return false
		}
	}
	return true
}
