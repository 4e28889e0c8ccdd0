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

package rest

import (
	"github.com/gdamore/botvisor"
)

const (
	mimeJson = "application/json; charset=UTF-8"
)

// Form fields accepted by /deploy and /update_config.
const (
	FieldRepoLink  = "repo_link"
	FieldStartFile = "start_file"
	FieldPort      = "custom_port"
	FieldEnv       = "env_vars"
)

// BotInfo is one row of GET /status.
type BotInfo = botvisor.BotStatus

// DeployInfo is returned by POST /deploy.
type DeployInfo struct {
	Name      string `json:"name"`
	Port      int    `json:"port"`
	StartFile string `json:"start_file"`
	Status    string `json:"status"`
}

// ConfigInfo is returned by GET /get_config/{id}.
type ConfigInfo struct {
	Env string `json:"env"`
}

// LogInfo is returned by GET /logs/{id}.
type LogInfo struct {
	Id      int64                `json:"id,string"`
	Records []botvisor.LogRecord `json:"records"`
}

// Result acknowledges a request.
type Result struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}
