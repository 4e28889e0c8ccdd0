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
	"net"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestPortAllocator(t *testing.T) {
	Convey("Given an allocator with a permissive probe", t, func() {
		pa := NewPortAllocator(7000, 7009)
		pa.SetProbe(func(int) bool { return true })

		Convey("Random ports fall inside the range", func() {
			p, e := pa.Reserve("a", 0)
			So(e, ShouldBeNil)
			So(p, ShouldBeBetweenOrEqual, 7000, 7009)
			id, ok := pa.Owner(p)
			So(ok, ShouldBeTrue)
			So(id, ShouldEqual, "a")
		})

		Convey("A bot keeps its port across reservations", func() {
			p1, _ := pa.Reserve("a", 0)
			p2, e := pa.Reserve("a", 0)
			So(e, ShouldBeNil)
			So(p2, ShouldEqual, p1)
		})

		Convey("Explicit ports are exclusive", func() {
			p, e := pa.Reserve("a", 6001)
			So(e, ShouldBeNil)
			So(p, ShouldEqual, 6001)
			_, e = pa.Reserve("b", 6001)
			So(e, ShouldEqual, ErrPortInUse)
			p, e = pa.Reserve("a", 6001)
			So(e, ShouldBeNil)
			So(p, ShouldEqual, 6001)
		})

		Convey("Moving to a new port frees the old one", func() {
			pa.Reserve("a", 6001)
			pa.Reserve("a", 6002)
			_, ok := pa.Owner(6001)
			So(ok, ShouldBeFalse)
			p, e := pa.Reserve("b", 6001)
			So(e, ShouldBeNil)
			So(p, ShouldEqual, 6001)
		})

		Convey("Invalid ports are refused", func() {
			_, e := pa.Reserve("a", -1)
			So(e, ShouldEqual, ErrBadPort)
			_, e = pa.Reserve("a", 70000)
			So(e, ShouldEqual, ErrBadPort)
		})

		Convey("Release returns the port", func() {
			pa.Reserve("a", 6001)
			pa.Release("a")
			pa.Release("a")
			_, ok := pa.Owner(6001)
			So(ok, ShouldBeFalse)
		})

		Convey("A full range is reported", func() {
			for i := 0; i < 10; i++ {
				_, e := pa.Reserve(string(rune('a'+i)), 7000+i)
				So(e, ShouldBeNil)
			}
			_, e := pa.Reserve("z", 0)
			So(e, ShouldEqual, ErrNoPorts)
		})
	})

	Convey("Ports that cannot be bound are skipped", t, func() {
		l, e := net.Listen("tcp", "127.0.0.1:0")
		So(e, ShouldBeNil)
		defer l.Close()
		busy := l.Addr().(*net.TCPAddr).Port

		pa := NewPortAllocator(busy, busy)
		_, e = pa.Reserve("a", busy)
		So(e, ShouldEqual, ErrPortInUse)
		_, e = pa.Reserve("a", 0)
		So(e, ShouldEqual, ErrNoPorts)
	})

	Convey("Bad ranges select the defaults", t, func() {
		pa := NewPortAllocator(0, 0)
		pa.SetProbe(func(int) bool { return true })
		p, e := pa.Reserve("a", 0)
		So(e, ShouldBeNil)
		So(p, ShouldBeBetweenOrEqual, DefaultPortMin, DefaultPortMax)
	})
}
