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
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gdamore/botvisor"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, as read from YAML.  Command line
// flags override whatever the file says.
type Config struct {
	Addr         string        `yaml:"addr"`
	Dir          string        `yaml:"dir"`
	Interpreter  []string      `yaml:"interpreter"`
	Pip          []string      `yaml:"pip"`
	GraceWindow  time.Duration `yaml:"grace_window"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
	ProxyTimeout time.Duration `yaml:"proxy_timeout"`
	MaxRewrite   int64         `yaml:"proxy_max_rewrite"` // bytes
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	MaxInFlight  int64         `yaml:"max_in_flight"`
	PortMin      int           `yaml:"port_min"`
	PortMax      int           `yaml:"port_max"`
	CloneDepth   int           `yaml:"clone_depth"`
	Log          LogConfig     `yaml:"log"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"` // megabytes
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Compress   bool   `yaml:"compress"`
	JSON       bool   `yaml:"json"`
}

func defaultConfig() *Config {
	return &Config{
		Addr:        "0.0.0.0:5000",
		Dir:         "cloned_repos",
		Interpreter: []string{"python3", "-u"},
		Pip:         []string{"python3", "-m", "pip"},
		GraceWindow: botvisor.DefaultGraceWindow,
		StopTimeout: botvisor.DefaultStopTimeout,
		Workers:     botvisor.DefaultWorkers,
		QueueSize:   botvisor.DefaultQueueSize,
		PortMin:     botvisor.DefaultPortMin,
		PortMax:     botvisor.DefaultPortMax,
		CloneDepth:  1,
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

// loadConfig reads a YAML file over the defaults.  An empty path yields
// the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, e := os.ReadFile(path)
	if e != nil {
		return nil, e
	}
	if e := yaml.Unmarshal(b, cfg); e != nil {
		return nil, e
	}
	return cfg, nil
}

// newLogger builds the daemon logger.  With a log file configured, output
// goes to both stderr and a rotating file.
func newLogger(lc LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	level, e := logrus.ParseLevel(lc.Level)
	if e != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if lc.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	out := []io.Writer{os.Stderr}
	if lc.File != "" {
		if e := os.MkdirAll(filepath.Dir(lc.File), 0o755); e != nil {
			return nil, e
		}
		out = append(out, &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSize,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAge,
			Compress:   lc.Compress,
		})
	}
	logger.SetOutput(io.MultiWriter(out...))
	return logger, nil
}
