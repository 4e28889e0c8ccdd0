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
	"bufio"
	"context"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Resolver installs whatever third-party packages a source tree needs.
// It is best effort: errors are reported, but a bot is started anyway.
type Resolver interface {
	Resolve(ctx context.Context, dir string) error
}

// PipResolver installs Python packages.  If the tree has a
// requirements.txt it is used; otherwise the sources are scanned for
// imports that are neither standard library nor local modules.
type PipResolver struct {
	// Pip is the installer command, e.g. ["python3", "-m", "pip"].
	Pip []string
}

const requirementsFile = "requirements.txt"

func (r *PipResolver) pip() []string {
	if len(r.Pip) == 0 {
		return []string{"pip"}
	}
	return r.Pip
}

func (r *PipResolver) Resolve(ctx context.Context, dir string) error {
	if _, e := os.Stat(filepath.Join(dir, requirementsFile)); e == nil {
		return r.install(ctx, dir, "-r", requirementsFile)
	}
	pkgs, e := ScanImports(dir)
	if e != nil {
		return errors.Wrap(e, "scan imports")
	}
	if len(pkgs) == 0 {
		return nil
	}
	return r.install(ctx, dir, pkgs...)
}

func (r *PipResolver) install(ctx context.Context, dir string, args ...string) error {
	argv := append(append([]string{}, r.pip()...), "install")
	argv = append(argv, args...)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	out, e := cmd.CombinedOutput()
	if e != nil {
		return errors.Wrapf(e, "%s: %s", strings.Join(argv, " "), lastLine(out))
	}
	return nil
}

func lastLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}

var importRe = regexp.MustCompile(
	`^\s*(?:from\s+([A-Za-z_]\w*)[\w.]*\s+import\b|import\s+([A-Za-z_][\w.]*(?:\s*,\s*[A-Za-z_][\w.]*)*))`)

// Import names whose distribution is called something else.
var pipNames = map[string]string{
	"PIL":      "Pillow",
	"bs4":      "beautifulsoup4",
	"cv2":      "opencv-python",
	"dotenv":   "python-dotenv",
	"sklearn":  "scikit-learn",
	"telegram": "python-telegram-bot",
	"yaml":     "PyYAML",
	"discord":  "discord.py",
	"dateutil": "python-dateutil",
	"jwt":      "PyJWT",
}

var pythonStdlib = map[string]bool{}

func init() {
	for _, m := range strings.Fields(`__future__ abc argparse array ast asyncio
		base64 binascii bisect builtins calendar collections concurrent
		configparser contextlib copy csv ctypes dataclasses datetime decimal
		difflib email enum errno fnmatch fractions functools gc getpass glob
		gzip hashlib heapq hmac html http importlib inspect io ipaddress
		itertools json logging math mimetypes multiprocessing operator os
		pathlib pickle platform pprint queue random re secrets select shlex
		shutil signal socket sqlite3 ssl stat statistics string struct
		subprocess sys tempfile textwrap threading time timeit tkinter
		traceback types typing unicodedata unittest urllib uuid warnings
		weakref xml zipfile zlib zoneinfo`) {
		pythonStdlib[m] = true
	}
}

// ScanImports returns the pip package names a Python tree appears to need.
func ScanImports(dir string) ([]string, error) {
	local := map[string]bool{}
	var files []string
	e := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != dir && (strings.HasPrefix(name, ".") ||
				name == "venv" || name == "__pycache__" || name == "node_modules") {
				return filepath.SkipDir
			}
			local[name] = true
			return nil
		}
		if strings.HasSuffix(name, ".py") {
			local[strings.TrimSuffix(name, ".py")] = true
			files = append(files, path)
		}
		return nil
	})
	if e != nil {
		return nil, e
	}

	found := map[string]bool{}
	for _, path := range files {
		if e := scanFile(path, found); e != nil {
			return nil, e
		}
	}
	var pkgs []string
	for mod := range found {
		if pythonStdlib[mod] || local[mod] {
			continue
		}
		if alt, ok := pipNames[mod]; ok {
			mod = alt
		}
		pkgs = append(pkgs, mod)
	}
	sort.Strings(pkgs)
	return pkgs, nil
}

func scanFile(path string, found map[string]bool) error {
	f, e := os.Open(path)
	if e != nil {
		return e
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		m := importRe.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		if m[1] != "" {
			found[m[1]] = true
			continue
		}
		for _, part := range strings.Split(m[2], ",") {
			part = strings.TrimSpace(part)
			if i := strings.IndexByte(part, '.'); i >= 0 {
				part = part[:i]
			}
			if part != "" {
				found[part] = true
			}
		}
	}
	return sc.Err()
}
