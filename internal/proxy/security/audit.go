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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tombee/mcproxy/internal/log"
)

// Kind distinguishes request and response records.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindRejected Kind = "rejected"
)

// Record is one audit entry. Payload and Error are already redacted.
type Record struct {
	Time       time.Time `json:"time"`
	Kind       Kind      `json:"kind"`
	ID         string    `json:"id,omitempty"`
	Agent      string    `json:"agent"`
	Tool       string    `json:"tool"`
	Upstream   string    `json:"upstream,omitempty"`
	Payload    string    `json:"payload,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// Sink receives audit records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// LoggerSink writes records through slog at info level.
type LoggerSink struct {
	logger *slog.Logger
}

// NewLoggerSink creates a sink on logger.
func NewLoggerSink(logger *slog.Logger) *LoggerSink {
	return &LoggerSink{logger: log.WithComponent(logger, "audit")}
}

func (s *LoggerSink) Write(ctx context.Context, rec Record) error {
	attrs := []slog.Attr{
		slog.String(log.EventKey, "audit."+string(rec.Kind)),
		slog.String("id", rec.ID),
		slog.String(log.AgentKey, rec.Agent),
		slog.String(log.ToolKey, rec.Tool),
	}
	if rec.Upstream != "" {
		attrs = append(attrs, slog.String(log.UpstreamKey, rec.Upstream))
	}
	if rec.Payload != "" {
		attrs = append(attrs, slog.String("payload", rec.Payload))
	}
	if rec.Error != "" {
		attrs = append(attrs, slog.String("error", rec.Error))
	}
	if rec.Kind == KindResponse {
		attrs = append(attrs, slog.Int64(log.DurationKey, rec.DurationMS))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "tool call "+string(rec.Kind), attrs...)
	return nil
}

func (s *LoggerSink) Close() error { return nil }

// FileSink appends records to a file as JSON lines.
type FileSink struct {
	mu     sync.Mutex
	writer io.WriteCloser
}

// NewFileSink opens path for appending, creating it with mode 0600.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &FileSink{writer: f}, nil
}

func (s *FileSink) Write(_ context.Context, rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return os.ErrClosed
	}
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}

// MultiSink fans records out to several sinks.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// NewSink builds the configured sinks: always the logger, plus a file when
// auditLog is set.
func NewSink(logger *slog.Logger, auditLog string) (Sink, error) {
	sink := NewLoggerSink(logger)
	if auditLog == "" {
		return sink, nil
	}
	file, err := NewFileSink(auditLog)
	if err != nil {
		return nil, err
	}
	return MultiSink{sink, file}, nil
}
