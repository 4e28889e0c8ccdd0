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
	"fmt"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestBotLog(t *testing.T) {
	Convey("Given a small log", t, func() {
		l := NewBotLog(3)
		recs, id := l.Records(0)
		So(recs, ShouldBeEmpty)

		Convey("Nothing new reports nil", func() {
			recs, id2 := l.Records(id)
			So(recs, ShouldBeNil)
			So(id2, ShouldEqual, id)
		})

		Convey("Multi-line text becomes several records", func() {
			l.Append("stdout", "one\ntwo\n")
			recs, _ := l.Records(0)
			So(len(recs), ShouldEqual, 2)
			So(recs[0].Text, ShouldEqual, "one")
			So(recs[1].Text, ShouldEqual, "two")
			So(recs[1].Stream, ShouldEqual, "stdout")
			So(recs[1].Id, ShouldBeGreaterThan, recs[0].Id)
		})

		Convey("Old records are dropped", func() {
			for i := 0; i < 5; i++ {
				l.Append("stderr", fmt.Sprint(i))
			}
			recs, _ := l.Records(0)
			So(len(recs), ShouldEqual, 3)
			So(recs[0].Text, ShouldEqual, "2")
			So(recs[2].Text, ShouldEqual, "4")
		})

		Convey("Since returns only newer records", func() {
			l.Append("stdout", "a")
			_, mark := l.Records(0)
			l.Append("stdout", "b")
			recs, last := l.Records(mark)
			So(len(recs), ShouldEqual, 1)
			So(recs[0].Text, ShouldEqual, "b")
			So(last, ShouldEqual, recs[0].Id)
		})

	})
}
