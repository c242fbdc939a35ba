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

package jq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter(t *testing.T) {
	status := map[string]any{
		"tools": float64(3),
		"upstreams": []any{
			map[string]any{"name": "a", "state": "healthy"},
			map[string]any{"name": "b", "state": "unhealthy"},
		},
	}

	tests := []struct {
		name    string
		expr    string
		want    []any
		wantErr bool
	}{
		{name: "identity", expr: ".", want: []any{status}},
		{name: "field", expr: ".tools", want: []any{float64(3)}},
		{name: "stream", expr: ".upstreams[].name", want: []any{"a", "b"}},
		{name: "select", expr: `[.upstreams[] | select(.state != "healthy") | .name]`, want: []any{[]any{"b"}}},
		{name: "empty", expr: "empty"},
		{name: "parse error", expr: ".[", wantErr: true},
		{name: "runtime error", expr: ".tools | keys", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Filter(context.Background(), tt.expr, status)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize(t *testing.T) {
	type upstream struct {
		Name  string `json:"name"`
		Tools int    `json:"tools"`
	}
	got, err := Normalize([]upstream{{Name: "a", Tools: 2}})
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"name": "a", "tools": float64(2)}}, got)
}
