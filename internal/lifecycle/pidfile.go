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

package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var (
	// ErrPIDFileLocked is returned when another process holds the pid file lock.
	ErrPIDFileLocked = errors.New("pid file is locked by another process")

	// ErrInvalidPID is returned when the pid file contains invalid data.
	ErrInvalidPID = errors.New("invalid pid in file")

	// ErrUnsafeDirectory is returned when the pid file parent is world-writable.
	ErrUnsafeDirectory = errors.New("pid file directory is world-writable")
)

// AlreadyRunningError reports a live proxy owning the pid file.
type AlreadyRunningError struct {
	PID  int
	Path string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("mcproxy is already running (pid %d, %s)", e.PID, e.Path)
}

// PIDFile marks a running proxy instance.
type PIDFile struct {
	path string
	lock *os.File
}

// NewPIDFile returns a pid file at path. Nothing is touched until Acquire.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the file location.
func (p *PIDFile) Path() string { return p.path }

// Acquire writes pid to the file and holds an exclusive lock on it. A file
// whose process is gone, or is not a proxy, is treated as stale and
// replaced. A live owner yields *AlreadyRunningError.
func (p *PIDFile) Acquire(pid int) error {
	dir := filepath.Dir(p.path)
	if err := verifyDirectorySafety(dir); err != nil {
		return fmt.Errorf("unsafe pid file location: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create pid file directory: %w", err)
	}

	err := p.create(pid)
	if !errors.Is(err, os.ErrExist) {
		return err
	}

	owner, ok := p.Running()
	if ok {
		return &AlreadyRunningError{PID: owner, Path: p.path}
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale pid file: %w", err)
	}
	return p.create(pid)
}

func (p *PIDFile) create(pid int) error {
	// O_EXCL refuses symlinks and races with a concurrent start.
	f, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return os.ErrExist
		}
		return fmt.Errorf("failed to create pid file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		os.Remove(p.path)
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return ErrPIDFileLocked
		}
		return fmt.Errorf("failed to lock pid file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		f.Close()
		os.Remove(p.path)
		return fmt.Errorf("failed to write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(p.path)
		return fmt.Errorf("failed to sync pid file: %w", err)
	}

	p.lock = f
	return nil
}

// Read returns the pid recorded in the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to read pid file: %w", err)
	}

	raw := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPID, raw)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("%w: pid must be positive, got %d", ErrInvalidPID, pid)
	}
	return pid, nil
}

// Running returns the recorded pid when that process is alive and is a
// proxy.
func (p *PIDFile) Running() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	if !IsRunning(pid) || !IsProxyProcess(pid) {
		return pid, false
	}
	return pid, true
}

// Release drops the lock and removes the file.
func (p *PIDFile) Release() error {
	if p.lock != nil {
		_ = syscall.Flock(int(p.lock.Fd()), syscall.LOCK_UN)
		p.lock.Close()
		p.lock = nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pid file: %w", err)
	}
	return nil
}

// RemoveStale deletes the file when its process is gone. It reports
// whether a stale file was removed.
func (p *PIDFile) RemoveStale() (bool, error) {
	if _, err := os.Stat(p.path); os.IsNotExist(err) {
		return false, nil
	}
	if _, ok := p.Running(); ok {
		return false, nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to remove stale pid file: %w", err)
	}
	return true, nil
}

// verifyDirectorySafety rejects world-writable parents, where another user
// could plant a symlink at the pid file path.
func verifyDirectorySafety(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if mode := info.Mode(); mode&0002 != 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrUnsafeDirectory, dir, mode&os.ModePerm)
	}
	return nil
}
