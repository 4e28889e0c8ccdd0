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
	"math/rand"
	"net"
	"strconv"
	"sync"
)

const (
	DefaultPortMin = 5001
	DefaultPortMax = 9999

	maxPortAttempts = 64
)

// PortAllocator hands out ports to bots.  A port belongs to at most one
// bot, and a port is only handed out if it can currently be bound on the
// loopback interface.
type PortAllocator struct {
	min    int
	max    int
	owners map[int]string
	ports  map[string]int
	probe  func(port int) bool
	mx     sync.Mutex
}

// NewPortAllocator returns an allocator drawing from [min, max].
func NewPortAllocator(min, max int) *PortAllocator {
	if min <= 0 || max < min {
		min, max = DefaultPortMin, DefaultPortMax
	}
	return &PortAllocator{
		min:    min,
		max:    max,
		owners: make(map[int]string),
		ports:  make(map[string]int),
		probe:  canBind,
	}
}

func canBind(port int) bool {
	l, e := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if e != nil {
		return false
	}
	l.Close()
	return true
}

// SetProbe replaces the bind check.  Mostly useful for tests.
func (pa *PortAllocator) SetProbe(fn func(int) bool) {
	pa.mx.Lock()
	pa.probe = fn
	pa.mx.Unlock()
}

// Reserve assigns a port to id.  An explicit port (non-zero) is used if it
// is valid, not owned by another bot, and bindable.  Otherwise ports are
// drawn at random from the range.  Any port previously held by id is
// released once the new reservation succeeds.
func (pa *PortAllocator) Reserve(id string, explicit int) (int, error) {
	pa.mx.Lock()
	defer pa.mx.Unlock()

	old, had := pa.ports[id]

	if explicit != 0 {
		if explicit < 1 || explicit > 65535 {
			return 0, ErrBadPort
		}
		if owner, ok := pa.owners[explicit]; ok && owner != id {
			return 0, ErrPortInUse
		}
		// Our own port is still held by a process we are about to
		// replace, so there is no point probing it.
		if !(had && old == explicit) && !pa.probe(explicit) {
			return 0, ErrPortInUse
		}
		pa.assign(id, explicit)
		return explicit, nil
	}

	if had {
		// Keep a stable port across redeploys when possible.
		return old, nil
	}
	span := pa.max - pa.min + 1
	for i := 0; i < maxPortAttempts; i++ {
		port := pa.min + rand.Intn(span)
		if _, taken := pa.owners[port]; taken {
			continue
		}
		if !pa.probe(port) {
			continue
		}
		pa.assign(id, port)
		return port, nil
	}
	return 0, ErrNoPorts
}

// assign must be called with the lock held.
func (pa *PortAllocator) assign(id string, port int) {
	if old, ok := pa.ports[id]; ok {
		delete(pa.owners, old)
	}
	pa.ports[id] = port
	pa.owners[port] = id
}

// Release gives back the port held by id, if any.
func (pa *PortAllocator) Release(id string) {
	pa.mx.Lock()
	if port, ok := pa.ports[id]; ok {
		delete(pa.owners, port)
		delete(pa.ports, id)
	}
	pa.mx.Unlock()
}

// Owner returns the bot holding port.
func (pa *PortAllocator) Owner(port int) (string, bool) {
	pa.mx.Lock()
	defer pa.mx.Unlock()
	id, ok := pa.owners[port]
	return id, ok
}
