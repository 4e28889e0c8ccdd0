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
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// How long Wait may keep draining output after the child itself exited.
// Grandchildren that inherited stdout would otherwise hold Wait forever.
const outputDrainDelay = time.Second

// Process is a single running instance of a bot.  The Supervisor owns it;
// nothing else starts or stops it.
type Process struct {
	name    string
	cmd     *exec.Cmd
	logger  *logrus.Entry
	out     *BotLog
	stdout  *lineWriter
	stderr  *lineWriter
	started time.Time
	done    chan struct{}
	err     error
	mx      sync.Mutex
}

// NewProcess prepares, but does not start, a child running argv in dir
// with exactly the environment env.
func NewProcess(name string, dir string, argv []string, env []string,
	out *BotLog, logger *logrus.Entry) *Process {

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.WaitDelay = outputDrainDelay
	setProcessGroup(cmd)

	p := &Process{
		name:   name,
		cmd:    cmd,
		logger: logger,
		out:    out,
		done:   make(chan struct{}),
	}
	p.stdout = newLineWriter(p.sinks("stdout")...)
	p.stderr = newLineWriter(p.sinks("stderr")...)
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	return p
}

func (p *Process) sinks(stream string) []lineSink {
	rv := []lineSink{func(line string) {
		p.logger.WithField("stream", stream).Debug(line)
	}}
	if p.out != nil {
		rv = append(rv, func(line string) {
			p.out.Append(stream, line)
		})
	}
	return rv
}

// Start launches the child.  The returned error is only about launching;
// later failures show up through Done and ExitErr.
func (p *Process) Start() error {
	p.mx.Lock()
	defer p.mx.Unlock()

	if e := p.cmd.Start(); e != nil {
		return e
	}
	p.started = time.Now()
	processStarts.Inc()
	botsRunning.Inc()
	go p.doWait()
	return nil
}

func (p *Process) doWait() {
	e := p.cmd.Wait()
	p.stdout.Flush()
	p.stderr.Flush()
	p.mx.Lock()
	p.err = e
	p.mx.Unlock()
	botsRunning.Dec()
	close(p.done)
}

// Done is closed once the child has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Alive is a non-blocking liveness probe.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitErr returns how the child exited.  A child that exited with status
// zero reports ErrUnexpectedExit, as bots are expected to run until stopped.
func (p *Process) ExitErr() error {
	if p.Alive() {
		return nil
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.err == nil {
		return ErrUnexpectedExit
	}
	return p.err
}

var ErrUnexpectedExit = errors.New("Unexpected termination")

func (p *Process) Pid() int {
	if proc := p.cmd.Process; proc != nil {
		return proc.Pid
	}
	return -1
}

func (p *Process) StartTime() time.Time {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.started
}

// Stop asks the child to exit with SIGTERM, delivered to its whole process
// group.  If it is still around after timeout, the group gets SIGKILL.  A
// timeout of zero waits forever.  Stop returns once the child is gone.
func (p *Process) Stop(timeout time.Duration) {
	if p.cmd.Process == nil || !p.Alive() {
		return
	}
	if e := terminate(p.cmd.Process); e != nil {
		p.logger.Warnf("Failed sending SIGTERM: %v", e)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-p.done:
		return
	case <-expired:
	}

	p.logger.Warnf("Graceful shutdown timed out after %v", timeout)
	processKills.Inc()
	if e := kill(p.cmd.Process); e != nil {
		p.logger.Warnf("Failed killing: %v", e)
	}
	<-p.done
}
