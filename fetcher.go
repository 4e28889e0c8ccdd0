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
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/pkg/errors"
)

// Fetcher makes sure the source tree for repo exists in dir.
type Fetcher interface {
	Fetch(ctx context.Context, repo string, dir string) error
}

// GitFetcher clones repositories with go-git, so no git binary is needed.
// A directory that already holds files is reused as is; delete the bot to
// force a fresh clone.
type GitFetcher struct {
	// Depth limits history; zero means a full clone.
	Depth int
}

func (f *GitFetcher) Fetch(ctx context.Context, repo string, dir string) error {
	if present, e := hasFiles(dir); e != nil {
		return errors.Wrapf(e, "inspect %s", dir)
	} else if present {
		return nil
	}
	_, e := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:          repo,
		Depth:        f.Depth,
		SingleBranch: true,
	})
	if e != nil {
		// Don't leave a half-written checkout behind, or the next
		// attempt would mistake it for a good one.
		os.RemoveAll(dir)
		return errors.Wrapf(e, "clone %s", repo)
	}
	return nil
}

func hasFiles(dir string) (bool, error) {
	ents, e := os.ReadDir(dir)
	if os.IsNotExist(e) {
		return false, nil
	}
	if e != nil {
		return false, e
	}
	return len(ents) > 0, nil
}
