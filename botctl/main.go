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

// Command botctl is a client for botvisord.  It uses subcommands.
//
// The flags are
//
//	-a <address>	- server address, default is http://127.0.0.1:5000
//
// Subcommands are
//
//	status [<bot> ...]             - show status for the named bots (or all)
//	watch                          - print the bot list whenever it changes
//	deploy <repo> [flags]          - deploy a repository
//	start <bot>                    - start a deployed bot
//	stop <bot>                     - stop a bot
//	delete <bot>                   - stop a bot and remove its files
//	config <bot>                   - print the environment of a bot
//	setconfig <bot> <file|->       - replace the environment of a bot
//	log <bot>                      - print the captured output of a bot
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/gdamore/botvisor/rest"
)

var addr string = "http://127.0.0.1:5000"

func usage() {
	log.Fatalf("Usage: %s [-a <address>] <subcommand> [args...]", os.Args[0])
}

func showStatus(b rest.BotInfo) {
	port := "-"
	if b.Port != 0 {
		port = fmt.Sprint(b.Port)
	}
	// uptime for running bots, otherwise time in the current state
	since := b.Since
	if b.Started != nil {
		since = *b.Started
	}
	d := "-"
	if !since.IsZero() {
		t := time.Since(since)
		// for printing second resolution is sufficient
		t -= t % time.Second
		d = t.String()
	}
	fmt.Printf("%-20s %-22s %6s %10s %s\n", b.Name, b.Status, port, d, b.Detail)
}

type sorted []rest.BotInfo

func (s sorted) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sorted) Len() int {
	return len(s)
}

func (s sorted) Less(i, j int) bool {
	a := s[i]
	b := s[j]
	if a.Running != b.Running {
		// running bots at the front
		return a.Running
	}
	return a.Name < b.Name
}

func need(args []string, n int) {
	if len(args) != n {
		usage()
	}
}

func main() {
	flag.StringVar(&addr, "a", addr, "botvisord address")
	flag.Parse()

	client := rest.NewClient(nil, addr)
	ctx := context.Background()

	args := flag.Args()
	if len(args) == 0 {
		args = []string{"status"}
	}

	var e error
	switch args[0] {
	case "status":
		var bots []rest.BotInfo
		if bots, e = client.Status(ctx); e != nil {
			break
		}
		if len(args) > 1 {
			want := map[string]bool{}
			for _, n := range args[1:] {
				want[n] = true
			}
			picked := bots[:0]
			for _, b := range bots {
				if want[b.Name] {
					picked = append(picked, b)
				}
			}
			bots = picked
		}
		sort.Sort(sorted(bots))
		for _, b := range bots {
			showStatus(b)
		}

	case "watch":
		need(args, 1)
		etag := ""
		for {
			var bots []rest.BotInfo
			bots, etag, e = client.WatchStatus(ctx, etag, time.Minute)
			if e != nil {
				break
			}
			if bots == nil {
				continue
			}
			fmt.Printf("--- %s\n", time.Now().Format(time.TimeOnly))
			sort.Sort(sorted(bots))
			for _, b := range bots {
				showStatus(b)
			}
		}

	case "deploy":
		fs := flag.NewFlagSet("deploy", flag.ExitOnError)
		start := fs.String("f", "", "start file")
		port := fs.Int("p", 0, "port")
		envFile := fs.String("e", "", "file of KEY=VALUE lines")
		if len(args) < 2 {
			usage()
		}
		fs.Parse(args[2:])
		env := ""
		if *envFile != "" {
			if env, e = readText(*envFile); e != nil {
				break
			}
		}
		var info *rest.DeployInfo
		if info, e = client.Deploy(ctx, args[1], *start, *port, env); e == nil {
			fmt.Printf("Name:      %s\n", info.Name)
			fmt.Printf("Port:      %d\n", info.Port)
			fmt.Printf("StartFile: %s\n", info.StartFile)
			fmt.Printf("Status:    %s\n", info.Status)
		}

	case "start":
		need(args, 2)
		e = client.Start(ctx, args[1])

	case "stop":
		need(args, 2)
		e = client.Stop(ctx, args[1])

	case "delete":
		need(args, 2)
		e = client.Delete(ctx, args[1])

	case "config":
		need(args, 2)
		var env string
		if env, e = client.GetConfig(ctx, args[1]); e == nil && env != "" {
			fmt.Println(env)
		}

	case "setconfig":
		need(args, 3)
		var env string
		if env, e = readText(args[2]); e == nil {
			e = client.UpdateConfig(ctx, args[1], env)
		}

	case "log":
		need(args, 2)
		var info *rest.LogInfo
		if info, e = client.GetLog(ctx, args[1], 0); e == nil {
			for _, r := range info.Records {
				fmt.Printf("%s %s %s\n",
					r.Time.Format(time.DateTime), r.Stream, r.Text)
			}
		}

	default:
		usage()
	}
	if e != nil {
		log.Fatalf("Failed: %v", e)
	}
}

// readText reads a whole file, or stdin when name is "-".
func readText(name string) (string, error) {
	var b []byte
	var e error
	if name == "-" {
		b, e = io.ReadAll(os.Stdin)
	} else {
		b, e = os.ReadFile(name)
	}
	return string(b), e
}
