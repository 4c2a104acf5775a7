// Configuration: the .gittoprepo.toml schema, the location search driven by
// `git config toprepo.config`, URL-to-RepoKey resolution, and the
// last-effective side file with suggestions for unconfigured submodules.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the decoded and normalized TOML document.
type Config struct {
	Repo map[string]*RepoTable `toml:"repo"`
	Log  LogTable              `toml:"log"`

	// TopFetchURL is remote.origin.url of the monorepo clone; relative
	// submodule URLs resolve against it. Not part of the TOML document.
	TopFetchURL string `toml:"-"`
	// topPushURL overrides where split top commits are pushed,
	// remote.top.pushUrl in git config.
	topPushURL string
}

// TopPushURL is the push destination for split top commits:
// remote.top.pushUrl when set, the fetch URL otherwise.
func (c *Config) TopPushURL() string {
	if c.topPushURL != "" {
		return c.topPushURL
	}
	return c.TopFetchURL
}

type RepoTable struct {
	URLs           []string   `toml:"urls"`
	Enabled        *bool      `toml:"enabled,omitempty"`
	MissingCommits []string   `toml:"missing_commits,omitempty"`
	Fetch          FetchTable `toml:"fetch"`
	Push           PushTable  `toml:"push"`
}

type FetchTable struct {
	URL   string `toml:"url,omitempty"`
	Prune *bool  `toml:"prune,omitempty"`
	Depth int    `toml:"depth,omitempty"`
}

type PushTable struct {
	URL  string   `toml:"url,omitempty"`
	Args []string `toml:"args,omitempty"`
}

type LogTable struct {
	IgnoredWarnings []string `toml:"ignored_warnings,omitempty"`
}

func (t *RepoTable) enabled() bool {
	return t.Enabled == nil || *t.Enabled
}

func (t *RepoTable) prune() bool {
	return t.Fetch.Prune == nil || *t.Fetch.Prune
}

// configLocation is one parsed value of `git config toprepo.config`:
// a requirement level and a source.
type configLocation struct {
	level  string // must, should or may
	kind   string // repo, local or worktree
	ref    string // for repo
	path   string
}

func parseConfigLocation(spec string) (configLocation, error) {
	var loc configLocation
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return loc, errors.Errorf("bad toprepo.config value %q, expected <level>:<source>", spec)
	}
	loc.level = parts[0]
	switch loc.level {
	case "must", "should", "may":
	default:
		return loc, errors.Errorf("bad toprepo.config level %q in %q", loc.level, spec)
	}
	source := parts[1]
	switch {
	case strings.HasPrefix(source, "repo:"):
		rest := strings.TrimPrefix(source, "repo:")
		idx := strings.LastIndexByte(rest, ':')
		if idx < 0 {
			return loc, errors.Errorf("bad repo config source %q, expected repo:<ref>:<path>", spec)
		}
		loc.kind = "repo"
		loc.ref = rest[:idx]
		loc.path = rest[idx+1:]
	case strings.HasPrefix(source, "local:"):
		loc.kind = "local"
		loc.path = strings.TrimPrefix(source, "local:")
	case strings.HasPrefix(source, "worktree:"):
		loc.kind = "worktree"
		loc.path = strings.TrimPrefix(source, "worktree:")
	default:
		return loc, errors.Errorf("bad toprepo.config source in %q", spec)
	}
	if loc.path == "" {
		return loc, errors.Errorf("empty path in toprepo.config value %q", spec)
	}
	return loc, nil
}

// read fetches the document bytes, returning found=false when the source
// does not exist.
func (loc configLocation) read(git *gitRunner) (data []byte, found bool, err error) {
	switch loc.kind {
	case "repo":
		out, err := git.run("show", loc.ref+":"+loc.path)
		if err != nil {
			return nil, false, nil
		}
		return []byte(out), true, nil
	case "local":
		data, err := os.ReadFile(loc.path)
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return data, err == nil, err
	case "worktree":
		top, err := git.topLevel()
		if err != nil {
			return nil, false, err
		}
		data, err := os.ReadFile(filepath.Join(top, loc.path))
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return data, err == nil, err
	}
	return nil, false, errors.Errorf("unknown config source kind %q", loc.kind)
}

var defaultConfigLocations = []string{
	"should:repo:refs/namespaces/top/HEAD:.gittoprepo.toml",
	"may:worktree:.gittoprepo.toml",
}

// loadConfig locates and parses the configuration document. The first
// existing should/must location wins; a missing must location is fatal and
// stops the search; may locations are tolerated as absent.
func loadConfig(git *gitRunner) (*Config, error) {
	specs, err := git.configValues("toprepo.config")
	if err != nil {
		return nil, &configError{err}
	}
	if len(specs) == 0 {
		specs = defaultConfigLocations
	}
	var document []byte
	located := false
	for _, spec := range specs {
		loc, err := parseConfigLocation(spec)
		if err != nil {
			return nil, &configError{err}
		}
		data, found, err := loc.read(git)
		if err != nil {
			return nil, &configError{errors.Wrapf(err, "reading %s", spec)}
		}
		if found {
			document = data
			located = true
			break
		}
		if loc.level == "must" {
			return nil, &configError{errors.Errorf("required configuration %s does not exist", spec)}
		}
	}
	if !located {
		// An absent configuration is an empty one; every submodule will be
		// reported as unknown with a suggested table.
		document = nil
	}
	config, err := parseConfig(document)
	if err != nil {
		return nil, err
	}
	urls, err := git.configValues("remote.origin.url")
	if err != nil {
		return nil, &configError{err}
	}
	if len(urls) > 0 {
		config.TopFetchURL = urls[len(urls)-1]
	}
	pushURLs, err := git.configValues("remote.top.pushUrl")
	if err != nil {
		return nil, &configError{err}
	}
	if len(pushURLs) > 0 {
		config.topPushURL = pushURLs[len(pushURLs)-1]
	}
	return config, nil
}

func parseConfig(document []byte) (*Config, error) {
	config := &Config{Repo: make(map[string]*RepoTable)}
	if len(document) > 0 {
		if err := toml.Unmarshal(document, config); err != nil {
			return nil, &configError{errors.Wrap(err, "parsing TOML")}
		}
	}
	if config.Repo == nil {
		config.Repo = make(map[string]*RepoTable)
	}
	if err := config.normalize(); err != nil {
		return nil, err
	}
	return config, nil
}

// normalize fills in defaulted fields and rejects inconsistent documents.
func (c *Config) normalize() error {
	seenURL := make(map[string]string)
	for key, table := range c.Repo {
		if key == string(topRepoKey) {
			return &configError{errors.Errorf("the repo key %q is reserved", key)}
		}
		if strings.ContainsAny(key, "/\\") {
			return &configError{errors.Errorf("repo key %q must not contain path separators", key)}
		}
		if len(table.URLs) == 0 {
			return &configError{errors.Errorf("repo.%s.urls is empty", key)}
		}
		for _, url := range table.URLs {
			if prev, dup := seenURL[url]; dup {
				return &configError{errors.Errorf("url %q is claimed by both repo.%s and repo.%s", url, prev, key)}
			}
			seenURL[url] = key
		}
		if table.Fetch.URL == "" {
			table.Fetch.URL = table.URLs[0]
		}
		if table.Push.URL == "" {
			table.Push.URL = table.Fetch.URL
		}
		if table.Fetch.Depth < 0 {
			return &configError{errors.Errorf("repo.%s.fetch.depth must not be negative", key)}
		}
		for _, hex := range table.MissingCommits {
			if !isHexId(hex) {
				return &configError{errors.Errorf("repo.%s.missing_commits entry %q is not a hex commit id", key, hex)}
			}
		}
	}
	return nil
}

func isHexId(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

// resolveURL maps a .gitmodules URL (already joined against the top fetch
// URL) to a RepoKey. Matching is exact and case-sensitive: only a configured
// URL equal to url resolves; prefixes and suffixes are not matched. When
// several keys list the same URL, the lexicographically first key wins.
func (c *Config) resolveURL(url string) (RepoKey, pointerStatus) {
	bestKey := RepoKey("")
	bestLen := -1
	for key, table := range c.Repo {
		for _, candidate := range table.URLs {
			if candidate != url {
				continue
			}
			if len(candidate) > bestLen || (len(candidate) == bestLen && key < string(bestKey)) {
				bestKey = RepoKey(key)
				bestLen = len(candidate)
			}
		}
	}
	if bestLen < 0 {
		return "", statusUnknown
	}
	if !c.Repo[string(bestKey)].enabled() {
		return bestKey, statusUnassimilated
	}
	return bestKey, statusAssimilated
}

func (c *Config) isMissingCommit(key RepoKey, id CommitId) bool {
	table, ok := c.Repo[string(key)]
	if !ok {
		return false
	}
	for _, hex := range table.MissingCommits {
		if CommitId(hex) == id {
			return true
		}
	}
	return false
}

func (c *Config) ignoredWarningPatterns() []*regexp.Regexp {
	var patterns []*regexp.Regexp
	for _, expr := range c.Log.IgnoredWarnings {
		pattern, err := regexp.Compile(expr)
		if err != nil {
			warn("bad log.ignored_warnings pattern %q: %v", expr, err)
			continue
		}
		patterns = append(patterns, pattern)
	}
	return patterns
}

// writeEffective emits the fully resolved configuration, followed by
// suggested [repo.*] tables for submodule URLs seen during the run but not
// configured.
func (c *Config) writeEffective(w io.Writer, suggestions map[RepoKey][]string) error {
	var buf bytes.Buffer
	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(c); err != nil {
		return errors.Wrap(err, "encoding effective configuration")
	}
	if len(suggestions) > 0 {
		keys := make([]RepoKey, 0, len(suggestions))
		for key := range suggestions {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		fmt.Fprintf(&buf, "\n# Submodules seen during the last run but not configured.\n")
		fmt.Fprintf(&buf, "# Adopt these tables to assimilate them:\n")
		for _, key := range keys {
			urls := suggestions[key]
			sort.Strings(urls)
			fmt.Fprintf(&buf, "\n[repo.%s]\n", key)
			fmt.Fprintf(&buf, "urls = [")
			for i, url := range urls {
				if i > 0 {
					fmt.Fprintf(&buf, ", ")
				}
				fmt.Fprintf(&buf, "%q", url)
			}
			fmt.Fprintf(&buf, "]\n")
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// writeSideFile records the effective configuration next to the cache after
// a successful run.
func (c *Config) writeSideFile(path string, suggestions map[RepoKey][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return errors.Wrap(err, "creating side file directory")
	}
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "creating side file")
	}
	if err := c.writeEffective(file, suggestions); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
