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
	"sort"
	"strings"
	"sync"
)

// DefaultStartFile is used when a deploy request names no entry file.
const DefaultStartFile = "main.py"

// BotConfig is the deployment configuration of a single bot.
type BotConfig struct {
	ID        string            `json:"id"`
	Repo      string            `json:"repo"`
	StartFile string            `json:"start_file"`
	Port      int               `json:"port"`
	Env       map[string]string `json:"env"`
}

func (c *BotConfig) clone() *BotConfig {
	n := &BotConfig{}
	*n = *c
	n.Env = copyEnv(c.Env)
	return n
}

func copyEnv(src map[string]string) map[string]string {
	rv := make(map[string]string, len(src))
	for k, v := range src {
		rv[k] = v
	}
	return rv
}

// CleanRepo trims whitespace and trailing slashes from a repository link.
func CleanRepo(repo string) string {
	return strings.TrimRight(strings.TrimSpace(repo), "/")
}

// BotID derives the stable bot identifier from a repository link.  This is
// the last path segment, with any ".git" suffix removed.  Identifiers are
// used as directory names, so anything that could escape the base directory
// is rejected.
func BotID(repo string) (string, error) {
	repo = CleanRepo(repo)
	if repo == "" {
		return "", ErrMissingRepo
	}
	id := repo
	if i := strings.LastIndexAny(id, "/:"); i >= 0 {
		id = id[i+1:]
	}
	id = strings.TrimSuffix(id, ".git")
	if !ValidID(id) {
		return "", ErrBadBotID
	}
	return id, nil
}

// ValidID reports whether id is usable as a bot identifier.
func ValidID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\\x00")
}

// ParseEnv parses environment text.  Each non-empty line that does not
// start with '#' and contains '=' is split on the first '='; key and value
// are trimmed.  Anything else is skipped silently.
func ParseEnv(text string) map[string]string {
	env := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		env[k] = strings.TrimSpace(v)
	}
	return env
}

// FormatEnv renders env as "KEY=VALUE" lines, sorted by key.
func FormatEnv(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(env[k])
	}
	return sb.String()
}

// ConfigStore holds the BotConfig for every known bot.  Callers always
// receive copies, so a returned config may be inspected without locking.
type ConfigStore struct {
	configs map[string]*BotConfig
	mx      sync.RWMutex
}

func NewConfigStore() *ConfigStore {
	return &ConfigStore{configs: make(map[string]*BotConfig)}
}

// Put creates or replaces the configuration for c.ID.
func (cs *ConfigStore) Put(c *BotConfig) {
	cs.mx.Lock()
	cs.configs[c.ID] = c.clone()
	cs.mx.Unlock()
}

func (cs *ConfigStore) Get(id string) (*BotConfig, bool) {
	cs.mx.RLock()
	defer cs.mx.RUnlock()
	if c, ok := cs.configs[id]; ok {
		return c.clone(), true
	}
	return nil, false
}

// UpdateEnv replaces the environment overrides, leaving the other fields
// alone.
func (cs *ConfigStore) UpdateEnv(id string, env map[string]string) error {
	cs.mx.Lock()
	defer cs.mx.Unlock()
	c, ok := cs.configs[id]
	if !ok {
		return ErrNotFound
	}
	c.Env = copyEnv(env)
	return nil
}

// SetStartFile records a corrected entry file.
func (cs *ConfigStore) SetStartFile(id string, file string) error {
	cs.mx.Lock()
	defer cs.mx.Unlock()
	c, ok := cs.configs[id]
	if !ok {
		return ErrNotFound
	}
	c.StartFile = file
	return nil
}

func (cs *ConfigStore) Delete(id string) {
	cs.mx.Lock()
	delete(cs.configs, id)
	cs.mx.Unlock()
}

// List returns copies of all configurations, sorted by ID.
func (cs *ConfigStore) List() []*BotConfig {
	cs.mx.RLock()
	rv := make([]*BotConfig, 0, len(cs.configs))
	for _, c := range cs.configs {
		rv = append(rv, c.clone())
	}
	cs.mx.RUnlock()
	sort.Slice(rv, func(i, j int) bool { return rv[i].ID < rv[j].ID })
	return rv
}
