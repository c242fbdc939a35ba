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

// Package shared holds state and helpers common to the CLI commands.
package shared

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tombee/mcproxy/internal/config"
	"github.com/tombee/mcproxy/internal/log"
)

// Global flag values, set by the root command.
var (
	verboseFlag bool
	configFlag  string

	// Build-time version information
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterFlagPointers returns pointers to the persistent flag variables.
func RegisterFlagPointers() (verbose *bool, configPath *string) {
	return &verboseFlag, &configFlag
}

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verboseFlag
}

// GetConfigPath returns the config file path, defaulting to
// .mcproxy/proxy.toml under the working directory.
func GetConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if env := os.Getenv("MCPROXY_CONFIG"); env != "" {
		return env
	}
	return config.DefaultPath(".")
}

// SetConfigPathForTest sets the config path for testing purposes
func SetConfigPathForTest(path string) {
	configFlag = path
}

// StateDir is where the pid and log files live: the directory holding the
// config file.
func StateDir() string {
	return filepath.Dir(GetConfigPath())
}

// PIDPath returns the pid file location.
func PIDPath() string {
	return filepath.Join(StateDir(), "mcproxy.pid")
}

// LogPath returns where a detached proxy writes its output.
func LogPath() string {
	return filepath.Join(StateDir(), "mcproxy.log")
}

// SetupLogging installs the process logger. --verbose forces debug level;
// otherwise LOG_LEVEL, LOG_FORMAT and MCPROXY_DEBUG apply.
func SetupLogging() *slog.Logger {
	cfg := log.FromEnv()
	if verboseFlag {
		cfg.Level = "debug"
	}
	logger := log.New(cfg)
	slog.SetDefault(logger)
	return logger
}
