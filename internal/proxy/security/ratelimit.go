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
	"sync"
	"sync/atomic"
	"time"

	perrors "github.com/tombee/mcproxy/pkg/errors"
)

// Window is the rate limit window.
const Window = time.Minute

// RateLimiter enforces a fixed-window call budget per (agent, tool).
// Buckets are created on first use and updated with atomics only.
type RateLimiter struct {
	limit   int64
	window  time.Duration
	now     func() time.Time
	buckets sync.Map // "agent:tool" -> *bucket
}

// bucket holds the current window. A rollover swaps in a fresh span, so
// a window's start and count always change together.
type bucket struct {
	cur atomic.Pointer[span]
}

type span struct {
	start int64 // unix nanoseconds
	count atomic.Int64
}

// NewRateLimiter returns a limiter allowing limit calls per window. A limit
// of 0 disables limiting. now defaults to time.Now.
func NewRateLimiter(limit int, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{limit: int64(limit), window: Window, now: now}
}

// Limit returns the configured calls per window.
func (l *RateLimiter) Limit() int { return int(l.limit) }

// Key formats the bucket key for an agent and tool.
func Key(agent, tool string) string { return agent + ":" + tool }

// Reservation is one counted call. Releasing it returns the unit to the
// bucket if the window has not rolled over since.
type Reservation struct {
	b        *bucket
	span     *span
	released atomic.Bool
}

// Release gives the unit back. It is safe on a nil Reservation and
// idempotent.
func (r *Reservation) Release() {
	if r == nil || !r.released.CompareAndSwap(false, true) {
		return
	}
	if r.b.cur.Load() == r.span {
		r.span.count.Add(-1)
	}
}

// Acquire counts one call for (agent, tool). It returns a
// *perrors.RateLimitError when the window budget is spent.
func (l *RateLimiter) Acquire(agent, tool string) (*Reservation, error) {
	if l.limit <= 0 {
		return nil, nil
	}

	key := Key(agent, tool)
	now := l.now().UnixNano()
	window := int64(l.window)

	v, ok := l.buckets.Load(key)
	if !ok {
		fresh := &bucket{}
		fresh.cur.Store(&span{start: now})
		v, _ = l.buckets.LoadOrStore(key, fresh)
	}
	b := v.(*bucket)

	for {
		w := b.cur.Load()
		if now-w.start >= window {
			next := &span{start: now}
			if !b.cur.CompareAndSwap(w, next) {
				continue
			}
			w = next
		}

		n := w.count.Add(1)
		if b.cur.Load() != w {
			// Rolled over underneath us; count in the new window.
			w.count.Add(-1)
			continue
		}
		if n > l.limit {
			w.count.Add(-1)
			return nil, &perrors.RateLimitError{
				Key:     key,
				Limit:   int(l.limit),
				ResetAt: time.Unix(0, w.start+window),
			}
		}
		return &Reservation{b: b, span: w}, nil
	}
}

// Prune drops buckets whose window ended more than one window ago.
func (l *RateLimiter) Prune() int {
	cutoff := l.now().UnixNano() - 2*int64(l.window)
	removed := 0
	l.buckets.Range(func(k, v any) bool {
		if v.(*bucket).cur.Load().start < cutoff {
			l.buckets.Delete(k)
			removed++
		}
		return true
	})
	return removed
}
