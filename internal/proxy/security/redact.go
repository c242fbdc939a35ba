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

package security

import (
	"fmt"
	"regexp"
)

// Redacted replaces every match.
const Redacted = "[REDACTED]"

// assignment extends a pattern over a following key=value or "key":"value"
// assignment so the value is removed with the key.
const assignment = `(?:\s*["']?\s*[:=]\s*["']?[^\s"',}&]*)?`

// Redactor masks configured patterns in serialized text.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor compiles patterns case-insensitively.
func NewRedactor(patterns []string) (*Redactor, error) {
	r := &Redactor{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		// Wrapping can balance a broken pattern, so check it alone first.
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("invalid redact pattern %q: %w", p, err)
		}
		re, err := regexp.Compile(`(?i)(?:` + p + `)` + assignment)
		if err != nil {
			return nil, fmt.Errorf("invalid redact pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// Redact returns s with every match replaced.
func (r *Redactor) Redact(s string) string {
	if r == nil {
		return s
	}
	for _, re := range r.patterns {
		s = re.ReplaceAllLiteralString(s, Redacted)
	}
	return s
}
