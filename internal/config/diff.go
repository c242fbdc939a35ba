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

package config

import "reflect"

// UpstreamDiff describes how the upstream set changed between two configs.
type UpstreamDiff struct {
	Added   []UpstreamConfig
	Removed []UpstreamConfig
	Changed []UpstreamConfig // new version of each changed upstream
}

// Empty reports whether nothing changed.
func (d UpstreamDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffUpstreams compares upstreams by name. Any field change counts as a
// change; the caller replaces the connection rather than patching it.
func DiffUpstreams(prev, next []UpstreamConfig) UpstreamDiff {
	var d UpstreamDiff

	old := make(map[string]UpstreamConfig, len(prev))
	for _, u := range prev {
		old[u.Name] = u
	}
	seen := make(map[string]bool, len(next))
	for _, u := range next {
		seen[u.Name] = true
		o, ok := old[u.Name]
		switch {
		case !ok:
			d.Added = append(d.Added, u)
		case !reflect.DeepEqual(o, u):
			d.Changed = append(d.Changed, u)
		}
	}
	for _, u := range prev {
		if !seen[u.Name] {
			d.Removed = append(d.Removed, u)
		}
	}
	return d
}

// ListenChanged reports whether the frontend listener settings differ.
// Those need a restart to take effect.
func ListenChanged(prev, next *ProxyConfig) bool {
	return prev.Host != next.Host || prev.Port != next.Port || prev.Transport != next.Transport
}
