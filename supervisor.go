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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultGraceWindow = 5 * time.Second
	DefaultStopTimeout = 10 * time.Second

	// Name of the log stream used for the supervisor's own notes.
	supervisorStream = "botvisor"

	shutdownParallelism = 8
)

// FallbackStartFiles are tried, in order, when a bot's configured entry
// file does not exist.
var FallbackStartFiles = []string{
	"main.py",
	"bot.py",
	"app.py",
	"run.py",
	"start.py",
	"index.py",
	"server.py",
}

// Options configure a Supervisor.  Zero values select the defaults.
type Options struct {
	// Dir holds one source tree per bot.
	Dir string

	// Interpreter runs the entry file, e.g. ["python3", "-u"].
	Interpreter []string

	GraceWindow time.Duration
	StopTimeout time.Duration

	Workers   int
	QueueSize int

	PortMin int
	PortMax int

	// Env is the base environment handed to bots.  Nil means the
	// supervisor's own environment.
	Env []string

	Fetcher  Fetcher
	Resolver Resolver
	Logger   *logrus.Logger
}

// DeployRequest describes a bot to deploy.  Port zero asks for a port to
// be allocated.
type DeployRequest struct {
	Repo      string
	StartFile string
	Port      int
	Env       map[string]string
}

// BotStatus is a row of the supervisor's status listing.
type BotStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
	Running bool   `json:"running"`
	Port    int    `json:"port"`

	// Since is when the bot entered its current state.
	Since time.Time `json:"since"`
	// Started is when the live process was launched, if there is one.
	Started *time.Time `json:"started,omitempty"`
}

// bot is the supervisor's private per-bot state.  Its lock serializes every
// lifecycle decision for the bot, which is what guarantees a single live
// process per identifier.  proc is only written with the lock held, but may
// be read without it, so liveness checks never wait behind a slow stop.
type bot struct {
	proc   atomic.Pointer[Process]
	cancel context.CancelFunc // non-nil while a pipeline is in flight
	gen    uint64
	log    *BotLog
	mx     sync.Mutex
}

// busy must be called with the bot lock held.
func (b *bot) busy() bool {
	return b.cancel != nil || b.alive()
}

func (b *bot) alive() bool {
	p := b.proc.Load()
	return p != nil && p.Alive()
}

// Supervisor manages the lifecycle of every bot.
type Supervisor struct {
	opts    Options
	configs *ConfigStore
	status  *StatusTracker
	ports   *PortAllocator
	pool    *Pool
	logger  *logrus.Logger
	bots    map[string]*bot
	ctx     context.Context
	cancel  context.CancelFunc
	mx      sync.Mutex
}

// NewSupervisor returns a Supervisor, creating the source directory if
// needed.
func NewSupervisor(opts Options) (*Supervisor, error) {
	if opts.Dir == "" {
		opts.Dir = "cloned_repos"
	}
	if len(opts.Interpreter) == 0 {
		opts.Interpreter = []string{"python3"}
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = DefaultGraceWindow
	}
	if opts.StopTimeout < 0 {
		opts.StopTimeout = 0
	} else if opts.StopTimeout == 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Fetcher == nil {
		opts.Fetcher = &GitFetcher{Depth: 1}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if e := os.MkdirAll(opts.Dir, 0o755); e != nil {
		return nil, e
	}

	s := &Supervisor{
		opts:    opts,
		configs: NewConfigStore(),
		status:  NewStatusTracker(),
		ports:   NewPortAllocator(opts.PortMin, opts.PortMax),
		pool:    NewPool(opts.Workers, opts.QueueSize),
		logger:  opts.Logger,
		bots:    make(map[string]*bot),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Supervisor) Configs() *ConfigStore   { return s.configs }
func (s *Supervisor) Statuses() *StatusTracker { return s.status }
func (s *Supervisor) Ports() *PortAllocator    { return s.ports }

// Dir returns the source directory of a bot.
func (s *Supervisor) Dir(id string) string {
	return filepath.Join(s.opts.Dir, id)
}

func (s *Supervisor) log(id string) *logrus.Entry {
	return s.logger.WithField("bot", id)
}

func (s *Supervisor) lookup(id string) *bot {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.bots[id]
}

// lockBot returns the bot for id, creating it if needed, with its lock
// held.  A bot deleted while we waited for its lock is not returned.
func (s *Supervisor) lockBot(id string) *bot {
	for {
		s.mx.Lock()
		b, ok := s.bots[id]
		if !ok {
			b = &bot{log: NewBotLog(0)}
			s.bots[id] = b
		}
		s.mx.Unlock()

		b.mx.Lock()
		s.mx.Lock()
		cur := s.bots[id]
		s.mx.Unlock()
		if cur == b {
			return b
		}
		b.mx.Unlock()
	}
}

// Deploy records the configuration for a bot and queues the full fetch,
// install and start pipeline.  It returns as soon as the work is queued.
func (s *Supervisor) Deploy(req DeployRequest) (*BotConfig, error) {
	id, e := BotID(req.Repo)
	if e != nil {
		return nil, newBotError(ConfigError, req.Repo, e)
	}
	b := s.lockBot(id)
	defer b.mx.Unlock()

	if b.busy() {
		return nil, ErrAlreadyRunning
	}
	port, e := s.ports.Reserve(id, req.Port)
	if e != nil {
		if _, ok := s.configs.Get(id); !ok {
			s.forget(id, b)
		}
		return nil, newBotError(ConfigError, id, e)
	}
	cfg := &BotConfig{
		ID:        id,
		Repo:      CleanRepo(req.Repo),
		StartFile: req.StartFile,
		Port:      port,
		Env:       req.Env,
	}
	if cfg.StartFile == "" {
		cfg.StartFile = DefaultStartFile
	}
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}
	s.configs.Put(cfg)
	s.status.Set(id, Queued, "")
	s.log(id).WithField("port", port).Info("Deploy queued")

	if e := s.schedule(b, id, s.runDeploy); e != nil {
		return nil, e
	}
	rv, _ := s.configs.Get(id)
	return rv, nil
}

// Start queues a (re)start of an already deployed bot.
func (s *Supervisor) Start(id string) error {
	if _, ok := s.configs.Get(id); !ok {
		return ErrNotFound
	}
	b := s.lockBot(id)
	defer b.mx.Unlock()

	if _, ok := s.configs.Get(id); !ok {
		s.forget(id, b)
		return ErrNotFound
	}
	if b.busy() {
		return ErrAlreadyRunning
	}
	s.status.Set(id, Queued, "")
	s.log(id).Info("Start queued")
	return s.schedule(b, id, s.launch)
}

// schedule hands a pipeline to the pool.  Call with the bot lock held.
func (s *Supervisor) schedule(b *bot, id string, fn func(context.Context, string)) error {
	ctx, cancel := context.WithCancel(s.ctx)
	b.gen++
	gen := b.gen
	b.cancel = cancel

	e := s.pool.Submit(func() {
		defer s.finish(b, gen)
		fn(ctx, id)
	})
	if e != nil {
		cancel()
		b.cancel = nil
		s.status.Set(id, Error, e.Error())
		s.log(id).Warnf("Cannot schedule: %v", e)
	}
	return e
}

func (s *Supervisor) finish(b *bot, gen uint64) {
	b.mx.Lock()
	if b.gen == gen && b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.mx.Unlock()
}

// phase records a state for a pipeline, unless the pipeline was cancelled
// (by stop or delete) in the meantime.
func (s *Supervisor) phase(ctx context.Context, b *bot, id string, state State, detail string) bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	if ctx.Err() != nil {
		return false
	}
	s.status.Set(id, state, detail)
	return true
}

func (s *Supervisor) runDeploy(ctx context.Context, id string) {
	if s.FetchAndInstall(ctx, id) == nil {
		s.launch(ctx, id)
	}
}

// FetchAndInstall makes sure the bot's source tree is present, then
// installs its dependencies.  A fetch failure moves the bot to Error and is
// returned; dependency failures are only logged.
func (s *Supervisor) FetchAndInstall(ctx context.Context, id string) error {
	cfg, ok := s.configs.Get(id)
	if !ok {
		return ErrNotFound
	}
	b := s.lookup(id)
	if b == nil {
		return ErrNotFound
	}
	if !s.phase(ctx, b, id, Fetching, "") {
		return ctx.Err()
	}
	dir := s.Dir(id)
	if e := s.opts.Fetcher.Fetch(ctx, cfg.Repo, dir); e != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		be := newBotError(AcquisitionError, id, e)
		s.log(id).WithError(e).Error("Fetch failed")
		b.log.Append(supervisorStream, "Fetch failed: "+e.Error())
		s.phase(ctx, b, id, Error, e.Error())
		return be
	}

	if !s.phase(ctx, b, id, ResolvingDependencies, "") {
		return ctx.Err()
	}
	if r := s.opts.Resolver; r != nil {
		if e := r.Resolve(ctx, dir); e != nil && ctx.Err() == nil {
			be := newBotError(DependencyError, id, e)
			s.log(id).WithError(e).Warn("Dependency install failed, continuing")
			b.log.Append(supervisorStream, be.Error())
		}
	}
	return ctx.Err()
}

// resolveStartFile finds the entry file to run inside dir.
func resolveStartFile(dir string, want string) (string, error) {
	exists := func(name string) bool {
		if !filepath.IsLocal(name) {
			return false
		}
		fi, e := os.Stat(filepath.Join(dir, name))
		return e == nil && fi.Mode().IsRegular()
	}
	if want != "" && exists(want) {
		return want, nil
	}
	for _, name := range FallbackStartFiles {
		if exists(name) {
			return name, nil
		}
	}
	return "", ErrStartFileMissing
}

// environ composes the child environment: the base environment, then the
// bot's overrides, then PORT, which always wins.
func (s *Supervisor) environ(cfg *BotConfig) []string {
	base := s.opts.Env
	if base == nil {
		base = os.Environ()
	}
	env := make(map[string]string, len(base)+len(cfg.Env)+1)
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	for k, v := range cfg.Env {
		env[k] = v
	}
	env["PORT"] = strconv.Itoa(cfg.Port)

	rv := make([]string, 0, len(env))
	for k, v := range env {
		rv = append(rv, k+"="+v)
	}
	sort.Strings(rv)
	return rv
}

// launch starts the bot's process, then waits out the grace window to
// decide between Running and Crashed.
func (s *Supervisor) launch(ctx context.Context, id string) {
	b := s.lookup(id)
	if b == nil {
		return
	}
	b.mx.Lock()
	if ctx.Err() != nil {
		b.mx.Unlock()
		return
	}
	if b.alive() {
		b.mx.Unlock()
		s.log(id).Warn("Already running, not starting again")
		return
	}
	cfg, ok := s.configs.Get(id)
	if !ok {
		b.mx.Unlock()
		return
	}

	dir := s.Dir(id)
	file, e := resolveStartFile(dir, cfg.StartFile)
	if e != nil {
		s.status.Set(id, Error, e.Error())
		s.log(id).WithField("start_file", cfg.StartFile).Error("No usable start file")
		b.log.Append(supervisorStream, newBotError(StartupError, id, e).Error())
		b.mx.Unlock()
		return
	}
	if file != cfg.StartFile {
		s.log(id).Infof("Start file %q not found, using %q", cfg.StartFile, file)
		s.configs.SetStartFile(id, file)
		cfg.StartFile = file
	}

	argv := append(append([]string{}, s.opts.Interpreter...), file)
	p := NewProcess(id, dir, argv, s.environ(cfg), b.log, s.log(id))
	if e := p.Start(); e != nil {
		s.status.Set(id, Error, e.Error())
		s.log(id).WithError(e).Error("Failed to launch")
		b.log.Append(supervisorStream, newBotError(StartupError, id, e).Error())
		b.mx.Unlock()
		return
	}
	b.proc.Store(p)
	s.status.Set(id, Starting, "")
	s.log(id).WithFields(logrus.Fields{"pid": p.Pid(), "port": cfg.Port}).Info("Started")
	b.log.Append(supervisorStream, fmt.Sprintf("Started pid %d on port %d", p.Pid(), cfg.Port))
	go s.watch(id, b, p)
	b.mx.Unlock()

	timer := time.NewTimer(s.opts.GraceWindow)
	defer timer.Stop()
	select {
	case <-p.Done():
		// watch reports it
		return
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	b.mx.Lock()
	if b.proc.Load() == p && p.Alive() && ctx.Err() == nil {
		s.status.Set(id, Running, "port "+strconv.Itoa(cfg.Port))
	}
	b.mx.Unlock()
}

// watch waits for a process to exit.  If the bot still owns it, nobody
// asked for the exit, so it is reported as a crash.  There is no automatic
// restart.
func (s *Supervisor) watch(id string, b *bot, p *Process) {
	<-p.Done()
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.proc.Load() != p {
		return
	}
	b.proc.Store(nil)
	e := p.ExitErr()
	s.status.Set(id, Crashed, e.Error())
	s.log(id).WithError(e).Warn("Process exited")
	b.log.Append(supervisorStream, newBotError(RuntimeCrash, id, e).Error())
}

// stopLocked must be called with the bot lock held.
func (s *Supervisor) stopLocked(b *bot, id string) {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if p := b.proc.Load(); p != nil {
		p.Stop(s.opts.StopTimeout)
		b.proc.Store(nil)
		s.log(id).WithField("pid", p.Pid()).Info("Stopped")
		b.log.Append(supervisorStream, "Stopped")
	}
	s.status.Set(id, Stopped, "")
}

// Stop terminates the bot's process, if any, and cancels any queued or
// in-flight pipeline.  The bot always ends up Stopped.
func (s *Supervisor) Stop(id string) {
	if s.lookup(id) == nil {
		// Never deployed.  Status reports it Stopped without a record.
		return
	}
	b := s.lockBot(id)
	defer b.mx.Unlock()
	s.stopLocked(b, id)
	if _, ok := s.configs.Get(id); !ok {
		s.status.Delete(id)
		s.forget(id, b)
	}
}

// forget drops an unconfigured bot from the table.  Call with the bot lock
// held; anyone waiting in lockBot will notice and retry.
func (s *Supervisor) forget(id string, b *bot) {
	s.mx.Lock()
	if s.bots[id] == b {
		delete(s.bots, id)
	}
	s.mx.Unlock()
}

// Delete stops a bot and removes every trace of it, including its source
// tree.  Deleting an unknown bot is not an error.
func (s *Supervisor) Delete(id string) error {
	if !ValidID(id) {
		return ErrBadBotID
	}
	b := s.lockBot(id)
	defer b.mx.Unlock()

	s.stopLocked(b, id)
	s.configs.Delete(id)
	s.status.Delete(id)
	s.ports.Release(id)
	s.forget(id, b)

	s.log(id).Info("Deleted")
	if e := os.RemoveAll(s.Dir(id)); e != nil {
		s.log(id).WithError(e).Error("Failed removing source tree")
		return e
	}
	return nil
}

// UpdateEnv replaces the environment overrides of a bot.  They apply from
// the next start.
func (s *Supervisor) UpdateEnv(id string, env map[string]string) error {
	return s.configs.UpdateEnv(id, env)
}

// Running is a non-blocking liveness check.  It does not take the bot
// lock, so it answers even while the bot is being stopped.
func (s *Supervisor) Running(id string) bool {
	b := s.lookup(id)
	return b != nil && b.alive()
}

// started returns when the bot's live process was launched.
func (s *Supervisor) started(id string) *time.Time {
	b := s.lookup(id)
	if b == nil {
		return nil
	}
	p := b.proc.Load()
	if p == nil || !p.Alive() {
		return nil
	}
	t := p.StartTime()
	return &t
}

// Backend returns the local port of a running bot.
func (s *Supervisor) Backend(id string) (int, bool) {
	cfg, ok := s.configs.Get(id)
	if !ok || !s.Running(id) {
		return 0, false
	}
	return cfg.Port, true
}

// Status returns the current status record of a bot.  Identifiers that
// were never deployed report Stopped, as there is nothing running for them.
func (s *Supervisor) Status(id string) StatusRecord {
	r := s.status.Get(id)
	if r.State == Unknown {
		if _, ok := s.configs.Get(id); !ok {
			r.State = Stopped
		}
	}
	return r
}

// Log returns the output log of a bot.
func (s *Supervisor) Log(id string) (*BotLog, bool) {
	if _, ok := s.configs.Get(id); !ok {
		return nil, false
	}
	b := s.lookup(id)
	if b == nil {
		return nil, false
	}
	return b.log, true
}

// List reports every configured bot, sorted by name.
func (s *Supervisor) List() []BotStatus {
	cfgs := s.configs.List()
	rv := make([]BotStatus, 0, len(cfgs))
	for _, c := range cfgs {
		r := s.status.Get(c.ID)
		rv = append(rv, BotStatus{
			Name:    c.ID,
			Status:  r.State.String(),
			Detail:  r.Detail,
			Running: s.Running(c.ID),
			Port:    c.Port,
			Since:   r.Time,
			Started: s.started(c.ID),
		})
	}
	return rv
}

// Shutdown stops every bot and the worker pool.  The supervisor cannot be
// used afterwards.
func (s *Supervisor) Shutdown() {
	s.cancel()

	s.mx.Lock()
	ids := make([]string, 0, len(s.bots))
	for id := range s.bots {
		ids = append(ids, id)
	}
	s.mx.Unlock()

	var g errgroup.Group
	g.SetLimit(shutdownParallelism)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			s.Stop(id)
			return nil
		})
	}
	g.Wait()
	s.pool.Close()
	s.logger.Info("Supervisor shut down")
}
