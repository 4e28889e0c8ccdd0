// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package botvisor supervises many small, unrelated "bot" workloads on a
// single host.  Each bot is fetched from a source repository, has its
// dependencies installed on a best-effort basis, and is then run as its own
// child process with a private port (exported as $PORT) and its own
// environment overrides.
//
// The Supervisor is the heart of the package.  It owns the process handles,
// and it is the only writer of lifecycle state in the StatusTracker.  The
// ConfigStore holds the human supplied settings for each bot.  Both stores
// are safe for concurrent use, and operations on a single bot are serialized
// so that a bot can never have two live processes at once.
//
// Bots frequently offer a small web interface of their own.  The companion
// proxy package exposes those interfaces under a single public endpoint,
// beneath the /view/{id}/ prefix, and the rest package offers the JSON
// control API used by dashboards and by the botctl utility.
//
// State is deliberately transient.  Only the fetched source trees survive a
// restart of the supervisor.
package botvisor
