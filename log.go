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
	"strings"
	"sync"
	"time"
)

const (
	MaxLogRecords = 1000
)

type LogRecord struct {
	Id     int64     `json:"id,string"`
	Time   time.Time `json:"time"`
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
}

// BotLog keeps the most recent lines a bot wrote to stdout and stderr.
// Supervisor messages about the bot (starts, stops, crashes) go here too,
// on the "botvisor" stream, so the log tells the whole story.
type BotLog struct {
	records    []LogRecord
	numRecords int
	maxRecords int
	id         int64
	mx         sync.Mutex
}

// NewBotLog returns an empty log holding up to max lines.  A max of zero
// selects MaxLogRecords.
func NewBotLog(max int) *BotLog {
	if max <= 0 {
		max = MaxLogRecords
	}
	return &BotLog{
		records:    make([]LogRecord, max),
		maxRecords: max,
		// Ids start at the clock so that they stay unique across a
		// redeploy that replaces the log, and are usable as an Etag.
		id: time.Now().UnixNano(),
	}
}

// Append adds lines of text on the named stream.
func (l *BotLog) Append(stream string, text string) {
	text = strings.Trim(text, "\n")
	now := time.Now()
	l.mx.Lock()
	for _, line := range strings.Split(text, "\n") {
		idx := l.numRecords % l.maxRecords
		l.id++
		l.records[idx] = LogRecord{
			Id:     l.id,
			Time:   now,
			Stream: stream,
			Text:   line,
		}
		// NB: numRecords may exceed maxRecords once we wrap; it is
		// really the next write position.
		l.numRecords++
	}
	l.mx.Unlock()
}

// Records returns the stored records written after the one with id last,
// oldest first, along with the id of the newest record.  A last of zero
// returns everything retained.  If last matches the current id, nothing
// has been written since, and nil is returned.
func (l *BotLog) Records(last int64) ([]LogRecord, int64) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.id == last {
		return nil, last
	}
	cnt := l.numRecords
	if cnt > l.maxRecords {
		cnt = l.maxRecords
	}
	recs := make([]LogRecord, 0, cnt)
	index := l.numRecords - cnt
	for j := 0; j < cnt; j++ {
		r := l.records[index%l.maxRecords]
		index++
		if r.Id > last {
			recs = append(recs, r)
		}
	}
	return recs, l.id
}
