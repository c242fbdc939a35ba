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

/*
Package cli provides the root command for mcproxy.

The command tree is:

	mcproxy
	├── init        Write a default configuration
	├── start       Run the proxy (foreground or --detach)
	├── stop        Stop a running proxy
	├── status      Show upstream health and tool count
	├── reconnect   Reconnect one upstream
	├── hash-key    Hash an agent API key for the config
	└── version     Show version

Commands live in internal/commands; this package wires global flags and
logging.
*/
package cli
