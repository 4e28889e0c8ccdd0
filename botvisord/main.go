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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gdamore/botvisor"
	"github.com/gdamore/botvisor/rest"
	"github.com/joho/godotenv"
)

func main() {
	var (
		cfgFile  string
		envFile  string
		addr     string
		dir      string
		workers  int
		grace    time.Duration
		logLevel string
	)
	flag.StringVar(&cfgFile, "c", "", "configuration file (YAML)")
	flag.StringVar(&envFile, "env", ".env", "environment file passed on to bots")
	flag.StringVar(&addr, "a", "", "listen address")
	flag.StringVar(&dir, "d", "", "directory for bot source trees")
	flag.IntVar(&workers, "w", 0, "deploy worker count")
	flag.DurationVar(&grace, "g", 0, "grace window before a bot counts as running")
	flag.StringVar(&logLevel, "l", "", "log level")
	flag.Parse()

	cfg, e := loadConfig(cfgFile)
	if e != nil {
		fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", cfgFile, e)
		os.Exit(1)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if dir != "" {
		cfg.Dir = dir
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	if grace > 0 {
		cfg.GraceWindow = grace
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, e := newLogger(cfg.Log)
	if e != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", e)
		os.Exit(1)
	}

	// Values from .env become part of the environment every bot
	// inherits.  Real environment variables take precedence.
	if e := godotenv.Load(envFile); e != nil && !errors.Is(e, os.ErrNotExist) {
		logger.WithError(e).Warnf("Failed to load %s", envFile)
	}

	s, e := botvisor.NewSupervisor(botvisor.Options{
		Dir:         cfg.Dir,
		Interpreter: cfg.Interpreter,
		GraceWindow: cfg.GraceWindow,
		StopTimeout: cfg.StopTimeout,
		Workers:     cfg.Workers,
		QueueSize:   cfg.QueueSize,
		PortMin:     cfg.PortMin,
		PortMax:     cfg.PortMax,
		Fetcher:     &botvisor.GitFetcher{Depth: cfg.CloneDepth},
		Resolver:    &botvisor.PipResolver{Pip: cfg.Pip},
		Logger:      logger,
	})
	if e != nil {
		logger.WithError(e).Fatal("Failed to create supervisor")
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: rest.NewHandler(s, rest.Options{
			Logger:          logger,
			MaxInFlight:     cfg.MaxInFlight,
			ProxyTimeout:    cfg.ProxyTimeout,
			ProxyMaxRewrite: cfg.MaxRewrite,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		logger.WithField("addr", cfg.Addr).Info("Listening")
		if e := srv.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
			logger.WithError(e).Fatal("Server failed")
		}
	}()

	// Wait for a termination signal, and shutdown cleanly if we get it.
	sig := <-sigs
	logger.WithField("signal", sig.String()).Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	s.Shutdown()
}
