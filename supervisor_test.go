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

//go:build unix

package botvisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	. "github.com/smartystreets/goconvey/convey"
)

// testLog sends log output to the test log, until the test is over.
type testLog struct {
	t    *testing.T
	done bool
	mx   sync.Mutex
}

func (tl *testLog) Write(p []byte) (n int, err error) {
	tl.mx.Lock()
	defer tl.mx.Unlock()
	if !tl.done {
		tl.t.Log(strings.Trim(string(p), "\n"))
	}
	return len(p), nil
}

func testLogger(t *testing.T) *logrus.Logger {
	tl := &testLog{t: t}
	t.Cleanup(func() {
		tl.mx.Lock()
		tl.done = true
		tl.mx.Unlock()
	})
	l := logrus.New()
	l.SetOutput(tl)
	l.SetLevel(logrus.DebugLevel)
	return l
}

// fakeFetcher "clones" by writing a fixed set of files.
type fakeFetcher struct {
	files map[string]string
	err   error
	block bool
	calls int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, repo string, dir string) error {
	atomic.AddInt32(&f.calls, 1)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	if e := os.MkdirAll(dir, 0o755); e != nil {
		return e
	}
	for name, body := range f.files {
		if e := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); e != nil {
			return e
		}
	}
	return nil
}

const sleeper = "exec sleep 3600\n"

func newTestSupervisor(t *testing.T, f Fetcher) *Supervisor {
	s, e := NewSupervisor(Options{
		Dir:         t.TempDir(),
		Interpreter: []string{"/bin/sh"},
		GraceWindow: 200 * time.Millisecond,
		StopTimeout: 2 * time.Second,
		Env:         []string{"PATH=" + os.Getenv("PATH")},
		Fetcher:     f,
		Logger:      testLogger(t),
	})
	if e != nil {
		t.Fatalf("NewSupervisor: %v", e)
	}
	s.Ports().SetProbe(func(int) bool { return true })
	return s
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func waitState(s *Supervisor, id string, state State) bool {
	return waitFor(func() bool { return s.Status(id).State == state })
}

func logText(s *Supervisor, id string) string {
	l, ok := s.Log(id)
	if !ok {
		return ""
	}
	recs, _ := l.Records(0)
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, r.Text)
	}
	return strings.Join(lines, "\n")
}

func TestSupervisorEchoBot(t *testing.T) {
	Convey("Given a deployed echo bot", t, func() {
		f := &fakeFetcher{files: map[string]string{
			"main.py": "echo \"port=$PORT greeting=$GREETING\"\n" + sleeper,
		}}
		s := newTestSupervisor(t, f)
		Reset(s.Shutdown)

		cfg, e := s.Deploy(DeployRequest{
			Repo:      "https://github.com/u/echo-bot.git",
			StartFile: "main.py",
			Port:      6001,
			Env:       map[string]string{"GREETING": "hi"},
		})
		So(e, ShouldBeNil)
		So(cfg.ID, ShouldEqual, "echo-bot")
		So(cfg.Port, ShouldEqual, 6001)
		So(waitState(s, "echo-bot", Running), ShouldBeTrue)

		Convey("It runs with its port and environment", func() {
			So(s.Status("echo-bot").Detail, ShouldEqual, "port 6001")
			So(s.Running("echo-bot"), ShouldBeTrue)
			port, ok := s.Backend("echo-bot")
			So(ok, ShouldBeTrue)
			So(port, ShouldEqual, 6001)
			So(waitFor(func() bool {
				return strings.Contains(logText(s, "echo-bot"), "port=6001 greeting=hi")
			}), ShouldBeTrue)

			l := s.List()
			So(len(l), ShouldEqual, 1)
			So(l[0].Name, ShouldEqual, "echo-bot")
			So(l[0].Status, ShouldEqual, "Running")
			So(l[0].Detail, ShouldEqual, "port 6001")
			So(l[0].Running, ShouldBeTrue)
			So(l[0].Port, ShouldEqual, 6001)
			So(l[0].Started, ShouldNotBeNil)
			So(l[0].Since.IsZero(), ShouldBeFalse)
			So(l[0].Since, ShouldHappenOnOrAfter, *l[0].Started)
		})

		Convey("A second instance is refused", func() {
			_, e := s.Deploy(DeployRequest{Repo: "https://github.com/u/echo-bot"})
			So(e, ShouldEqual, ErrAlreadyRunning)
			So(s.Start("echo-bot"), ShouldEqual, ErrAlreadyRunning)
		})

		Convey("Concurrent deploys start one process", func() {
			s.Stop("echo-bot")
			var wg sync.WaitGroup
			var ok int32
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, e := s.Deploy(DeployRequest{
						Repo: "https://github.com/u/echo-bot",
						Port: 6001,
					}); e == nil {
						atomic.AddInt32(&ok, 1)
					}
				}()
			}
			wg.Wait()
			So(atomic.LoadInt32(&ok), ShouldEqual, 1)
			So(waitState(s, "echo-bot", Running), ShouldBeTrue)
		})

		Convey("Stop is idempotent", func() {
			s.Stop("echo-bot")
			So(s.Status("echo-bot").State, ShouldEqual, Stopped)
			So(s.Running("echo-bot"), ShouldBeFalse)
			_, ok := s.Backend("echo-bot")
			So(ok, ShouldBeFalse)
			s.Stop("echo-bot")
			So(s.Status("echo-bot").State, ShouldEqual, Stopped)
			So(strings.Contains(logText(s, "echo-bot"), "Stopped"), ShouldBeTrue)
		})

		Convey("Start reuses the source tree and picks up new settings", func() {
			s.Stop("echo-bot")
			So(s.UpdateEnv("echo-bot", map[string]string{"GREETING": "bye"}), ShouldBeNil)
			So(s.Start("echo-bot"), ShouldBeNil)
			So(waitState(s, "echo-bot", Running), ShouldBeTrue)
			So(atomic.LoadInt32(&f.calls), ShouldEqual, 1)
			So(waitFor(func() bool {
				return strings.Contains(logText(s, "echo-bot"), "greeting=bye")
			}), ShouldBeTrue)
		})

		Convey("Another bot cannot take its port", func() {
			_, e := s.Deploy(DeployRequest{Repo: "https://github.com/u/other", Port: 6001})
			So(errors.Is(e, ErrPortInUse), ShouldBeTrue)
			So(IsKind(e, ConfigError), ShouldBeTrue)
		})

		Convey("Delete removes every trace", func() {
			So(s.Delete("echo-bot"), ShouldBeNil)
			So(s.Running("echo-bot"), ShouldBeFalse)
			So(s.Statuses().Get("echo-bot").State, ShouldEqual, Unknown)
			So(s.Status("echo-bot").State, ShouldEqual, Stopped)
			So(s.List(), ShouldBeEmpty)
			_, ok := s.Configs().Get("echo-bot")
			So(ok, ShouldBeFalse)
			_, ok = s.Ports().Owner(6001)
			So(ok, ShouldBeFalse)
			_, e := os.Stat(s.Dir("echo-bot"))
			So(os.IsNotExist(e), ShouldBeTrue)
			So(s.Start("echo-bot"), ShouldEqual, ErrNotFound)
		})

		Convey("Shutdown stops it", func() {
			s.Shutdown()
			So(s.Running("echo-bot"), ShouldBeFalse)
			So(s.Status("echo-bot").State, ShouldEqual, Stopped)
		})
	})
}

func TestSupervisorStartFile(t *testing.T) {
	Convey("A missing start file falls back to a known one", t, func() {
		s := newTestSupervisor(t, &fakeFetcher{files: map[string]string{
			"bot.py": sleeper,
		}})
		Reset(s.Shutdown)

		_, e := s.Deploy(DeployRequest{
			Repo:      "https://example.com/fallback",
			StartFile: "worker.py",
		})
		So(e, ShouldBeNil)
		So(waitState(s, "fallback", Running), ShouldBeTrue)
		cfg, _ := s.Configs().Get("fallback")
		So(cfg.StartFile, ShouldEqual, "bot.py")
	})

	Convey("No start file at all is an error", t, func() {
		s := newTestSupervisor(t, &fakeFetcher{files: map[string]string{
			"README.md": "nothing to run",
		}})
		Reset(s.Shutdown)

		_, e := s.Deploy(DeployRequest{Repo: "https://example.com/empty"})
		So(e, ShouldBeNil)
		So(waitState(s, "empty", Error), ShouldBeTrue)
		So(s.Status("empty").Detail, ShouldEqual, "start file missing")
		So(s.Running("empty"), ShouldBeFalse)
	})

	Convey("Start files may not escape the source tree", t, func() {
		So(filepath.IsLocal("../x.py"), ShouldBeFalse)
		dir := t.TempDir()
		So(os.WriteFile(filepath.Join(dir, "bot.py"), nil, 0o644), ShouldBeNil)
		name, e := resolveStartFile(dir, "../bot.py")
		So(e, ShouldBeNil)
		So(name, ShouldEqual, "bot.py")
	})
}

func TestSupervisorFailures(t *testing.T) {
	Convey("A bot that exits during the grace window crashed", t, func() {
		s := newTestSupervisor(t, &fakeFetcher{files: map[string]string{
			"main.py": "echo boom >&2\nexit 1\n",
		}})
		Reset(s.Shutdown)

		_, e := s.Deploy(DeployRequest{Repo: "https://example.com/crasher"})
		So(e, ShouldBeNil)
		So(waitState(s, "crasher", Crashed), ShouldBeTrue)
		So(s.Status("crasher").Detail, ShouldContainSubstring, "exit status 1")
		So(s.Running("crasher"), ShouldBeFalse)
		So(logText(s, "crasher"), ShouldContainSubstring, "boom")

		// Once the pipeline has wound down a new start is allowed.
		So(waitFor(func() bool { return s.Start("crasher") == nil }), ShouldBeTrue)
		So(waitState(s, "crasher", Crashed), ShouldBeTrue)
	})

	Convey("A fetch failure is an error", t, func() {
		s := newTestSupervisor(t, &fakeFetcher{err: errors.New("repository not found")})
		Reset(s.Shutdown)

		_, e := s.Deploy(DeployRequest{Repo: "https://example.com/nope"})
		So(e, ShouldBeNil)
		So(waitState(s, "nope", Error), ShouldBeTrue)
		So(s.Status("nope").Detail, ShouldContainSubstring, "repository not found")
		So(s.Running("nope"), ShouldBeFalse)
	})

	Convey("Bad deploy requests are refused up front", t, func() {
		s := newTestSupervisor(t, &fakeFetcher{})
		Reset(s.Shutdown)

		_, e := s.Deploy(DeployRequest{Repo: "  "})
		So(errors.Is(e, ErrMissingRepo), ShouldBeTrue)
		So(IsKind(e, ConfigError), ShouldBeTrue)
		_, e = s.Deploy(DeployRequest{Repo: "https://example.com/x", Port: 99999})
		So(errors.Is(e, ErrBadPort), ShouldBeTrue)
		So(s.Start("ghost"), ShouldEqual, ErrNotFound)
		So(s.Delete("ghost"), ShouldBeNil)
		So(s.Delete(".."), ShouldEqual, ErrBadBotID)
		So(s.UpdateEnv("ghost", nil), ShouldEqual, ErrNotFound)
	})
}

func TestSupervisorStopPipeline(t *testing.T) {
	Convey("Stopping a bot cancels its pipeline", t, func() {
		f := &fakeFetcher{block: true}
		s := newTestSupervisor(t, f)
		Reset(s.Shutdown)

		_, e := s.Deploy(DeployRequest{Repo: "https://example.com/slow"})
		So(e, ShouldBeNil)
		So(waitState(s, "slow", Fetching), ShouldBeTrue)

		s.Stop("slow")
		So(s.Status("slow").State, ShouldEqual, Stopped)
		time.Sleep(100 * time.Millisecond)
		So(s.Status("slow").State, ShouldEqual, Stopped)
		So(s.Running("slow"), ShouldBeFalse)
	})

	Convey("Stopping an unknown bot still reports Stopped", t, func() {
		s := newTestSupervisor(t, &fakeFetcher{})
		Reset(s.Shutdown)

		serial := s.Statuses().Serial()
		for i := 0; i < 100; i++ {
			s.Stop(fmt.Sprintf("ghost-%d", i))
		}
		So(s.Status("ghost-7").State, ShouldEqual, Stopped)
		So(s.Statuses().Get("ghost-7").State, ShouldEqual, Unknown)
		So(s.Statuses().Serial(), ShouldEqual, serial)
		So(s.List(), ShouldBeEmpty)
	})

	Convey("Liveness does not wait behind a slow stop", t, func() {
		s := newTestSupervisor(t, &fakeFetcher{files: map[string]string{
			"main.py": "trap '' TERM\nwhile true; do sleep 1; done\n",
		}})
		Reset(s.Shutdown)

		_, e := s.Deploy(DeployRequest{Repo: "https://example.com/stubborn"})
		So(e, ShouldBeNil)
		So(waitState(s, "stubborn", Running), ShouldBeTrue)

		done := make(chan struct{})
		go func() {
			s.Stop("stubborn")
			close(done)
		}()
		// the stop now sits out the kill timeout holding the bot lock
		time.Sleep(200 * time.Millisecond)

		start := time.Now()
		s.Running("stubborn")
		l := s.List()
		So(time.Since(start), ShouldBeLessThan, 500*time.Millisecond)
		So(len(l), ShouldEqual, 1)

		select {
		case <-done:
		case <-time.After(10 * time.Second):
		}
		So(s.Running("stubborn"), ShouldBeFalse)
		So(s.Status("stubborn").State, ShouldEqual, Stopped)
	})
}

func TestSupervisorEnviron(t *testing.T) {
	Convey("PORT always wins over other settings", t, func() {
		s := newTestSupervisor(t, &fakeFetcher{})
		Reset(s.Shutdown)

		env := s.environ(&BotConfig{
			Port: 6001,
			Env:  map[string]string{"PORT": "1", "PATH": "/custom", "A": "b"},
		})
		So(env, ShouldContain, "PORT=6001")
		So(env, ShouldContain, "PATH=/custom")
		So(env, ShouldContain, "A=b")
		So(env, ShouldNotContain, "PORT=1")
	})
}
