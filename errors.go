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

package botvisor

import (
	"errors"
)

var (
	ErrNotFound         = errors.New("Bot not found")
	ErrAlreadyRunning   = errors.New("Bot is already running")
	ErrMissingRepo      = errors.New("Missing repository link")
	ErrBadBotID         = errors.New("Bad bot identifier")
	ErrBadPort          = errors.New("Bad port number")
	ErrPortInUse        = errors.New("Port already in use")
	ErrNoPorts          = errors.New("No free ports available")
	ErrQueueFull        = errors.New("Task queue is full")
	ErrPoolClosed       = errors.New("Task pool is closed")
	ErrStartFileMissing = errors.New("start file missing")
)

// ErrorKind classifies lifecycle failures, so that callers can decide how
// a failure is surfaced without having to inspect error strings.
type ErrorKind int

const (
	AcquisitionError   ErrorKind = iota // source fetch failed
	DependencyError                     // package install failed, non-fatal
	StartupError                        // no usable entry file, or exec failed
	RuntimeCrash                        // process exited within grace window
	ProxyUpstreamError                  // bot's local port unreachable
	ConfigError                         // malformed deploy request
)

func (k ErrorKind) String() string {
	switch k {
	case AcquisitionError:
		return "acquisition"
	case DependencyError:
		return "dependency"
	case StartupError:
		return "startup"
	case RuntimeCrash:
		return "crash"
	case ProxyUpstreamError:
		return "upstream"
	case ConfigError:
		return "config"
	}
	return "unknown"
}

// BotError is an error tied to a specific bot and failure kind.
type BotError struct {
	Kind ErrorKind
	Bot  string
	Err  error
}

func (e *BotError) Error() string {
	return e.Kind.String() + " error for " + e.Bot + ": " + e.Err.Error()
}

func (e *BotError) Unwrap() error {
	return e.Err
}

func newBotError(kind ErrorKind, bot string, err error) *BotError {
	return &BotError{Kind: kind, Bot: bot, Err: err}
}

// IsKind reports whether err is, or wraps, a BotError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var be *BotError
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}
