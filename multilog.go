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
	"bytes"
	"sync"
)

// Lines longer than this are delivered in pieces.
const maxLineLength = 64 * 1024

type lineSink func(line string)

// lineWriter is an io.Writer that breaks a child's output stream into
// lines and fans each line out to every sink.  Unlike the line oriented
// writers behind log.Logger, it must cope with arbitrary chunking, so a
// trailing partial line is held until its newline arrives.
type lineWriter struct {
	sinks []lineSink
	buf   []byte
	lock  sync.Mutex
}

func newLineWriter(sinks ...lineSink) *lineWriter {
	return &lineWriter{sinks: sinks}
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.deliver(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLineLength {
		w.deliver(w.buf)
		w.buf = nil
	}
	return len(b), nil
}

// Flush delivers any partial line.
func (w *lineWriter) Flush() {
	w.lock.Lock()
	if len(w.buf) > 0 {
		w.deliver(w.buf)
		w.buf = nil
	}
	w.lock.Unlock()
}

func (w *lineWriter) deliver(b []byte) {
	line := string(bytes.TrimRight(b, "\r"))
	for _, sink := range w.sinks {
		sink(line)
	}
}
