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
	"sync"
	"time"
)

// State is the lifecycle state of a bot.
//
//	Queued -> Fetching -> ResolvingDependencies -> Starting -> Running
//	                                                  |           |
//	                                                  +-> Crashed <+
//
// Stopped, Crashed and Error end a session.  A new deploy or start
// re-enters Queued from any of them.
type State int

const (
	Unknown State = iota
	Queued
	Fetching
	ResolvingDependencies
	Starting
	Running
	Crashed
	Stopped
	Error
)

func (s State) String() string {
	switch s {
	case Queued:
		return "Queued"
	case Fetching:
		return "Fetching"
	case ResolvingDependencies:
		return "ResolvingDependencies"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Crashed:
		return "Crashed"
	case Stopped:
		return "Stopped"
	case Error:
		return "Error"
	}
	return "unknown"
}

// StatusRecord is the most recent lifecycle state of a bot, with optional
// detail text (the error message for Error, the port for Running).
type StatusRecord struct {
	State  State
	Detail string
	Time   time.Time
}

// StatusTracker holds a StatusRecord per bot.  Every change bumps a serial
// number, which watchers can block on.
type StatusTracker struct {
	records map[string]StatusRecord
	serial  int64
	cvs     map[*sync.Cond]bool
	mx      sync.Mutex
}

func NewStatusTracker() *StatusTracker {
	// Seeding the serial with the clock lets clients that cache an old
	// serial notice a restarted supervisor.
	return &StatusTracker{
		records: make(map[string]StatusRecord),
		serial:  time.Now().UnixNano(),
		cvs:     make(map[*sync.Cond]bool),
	}
}

// bumpSerial must be called with the lock held.
func (st *StatusTracker) bumpSerial() {
	st.serial++
	for cv := range st.cvs {
		cv.Broadcast()
	}
}

// Set records a new state for id.
func (st *StatusTracker) Set(id string, state State, detail string) {
	st.mx.Lock()
	st.records[id] = StatusRecord{State: state, Detail: detail, Time: time.Now()}
	st.bumpSerial()
	st.mx.Unlock()
	stateTransitions.WithLabelValues(state.String()).Inc()
}

// Get returns the record for id.  Bots never seen report Unknown.
func (st *StatusTracker) Get(id string) StatusRecord {
	st.mx.Lock()
	defer st.mx.Unlock()
	if r, ok := st.records[id]; ok {
		return r
	}
	return StatusRecord{State: Unknown}
}

func (st *StatusTracker) Delete(id string) {
	st.mx.Lock()
	if _, ok := st.records[id]; ok {
		delete(st.records, id)
		st.bumpSerial()
	}
	st.mx.Unlock()
}

// Serial returns the change serial.
func (st *StatusTracker) Serial() int64 {
	st.mx.Lock()
	defer st.mx.Unlock()
	return st.serial
}

// Watch waits for the serial to move away from old, or for expire to pass.
// It returns the current serial either way.  An expire of zero polls.
func (st *StatusTracker) Watch(old int64, expire time.Duration) int64 {
	expired := false
	cv := sync.NewCond(&st.mx)
	var timer *time.Timer

	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			st.mx.Lock()
			expired = true
			cv.Broadcast()
			st.mx.Unlock()
		})
	} else {
		expired = true
	}

	st.mx.Lock()
	st.cvs[cv] = true
	for st.serial == old && !expired {
		cv.Wait()
	}
	delete(st.cvs, cv)
	rv := st.serial
	st.mx.Unlock()
	if timer != nil {
		timer.Stop()
	}
	return rv
}
