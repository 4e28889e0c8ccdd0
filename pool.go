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
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 64
)

// Pool runs tasks on a fixed set of workers.  Submission never blocks: a
// full queue is reported to the caller instead, so that a burst of deploy
// requests cannot pile up unbounded work.
type Pool struct {
	tasks  chan func()
	closed bool
	wg     sync.WaitGroup
	mx     sync.Mutex
}

// NewPool starts workers goroutines serving a queue of the given depth.
func NewPool(workers int, depth int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if depth <= 0 {
		depth = DefaultQueueSize
	}
	p := &Pool{tasks: make(chan func(), depth)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		queuedTasks.Dec()
		task()
	}
}

// Submit queues task.
func (p *Pool) Submit(task func()) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	queuedTasks.Inc()
	select {
	case p.tasks <- task:
		return nil
	default:
		queuedTasks.Dec()
		return ErrQueueFull
	}
}

// Close stops accepting tasks, and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mx.Lock()
	if p.closed {
		p.mx.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mx.Unlock()
	p.wg.Wait()
}
