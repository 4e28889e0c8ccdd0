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
	"fmt"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestBotError(t *testing.T) {
	Convey("Bot errors carry their kind through wrapping", t, func() {
		be := newBotError(StartupError, "echo", ErrStartFileMissing)
		So(be.Error(), ShouldEqual, "startup error for echo: start file missing")
		So(errors.Is(be, ErrStartFileMissing), ShouldBeTrue)

		wrapped := fmt.Errorf("launch: %w", be)
		So(IsKind(wrapped, StartupError), ShouldBeTrue)
		So(IsKind(wrapped, RuntimeCrash), ShouldBeFalse)
		So(IsKind(ErrNotFound, StartupError), ShouldBeFalse)
		So(IsKind(nil, StartupError), ShouldBeFalse)
	})
}
