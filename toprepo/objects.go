// Core object model: commit identifiers, repository keys, submodule
// pointers, and the per-repository DAG records that the loader builds and
// the expander consumes.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"fmt"
	"sort"
	"strings"

	orderedset "github.com/emirpasic/gods/sets/linkedhashset"
)

// CommitId is the hex form of a git commit hash, 40 or 64 digits. It is
// opaque to the engine; only equality and lexicographic order are used.
type CommitId string

// TreeId and BlobId are hex object hashes of the respective git types.
type TreeId string
type BlobId string

func (c CommitId) short() string {
	if len(c) > 12 {
		return string(c[:12])
	}
	return string(c)
}

// RepoKey names an assimilated subrepository as configured in a [repo.<key>]
// table. The top repository uses the reserved key "top". Keys are
// path-insensitive; two submodule paths sharing a URL share a key.
type RepoKey string

const topRepoKey RepoKey = "top"

func (k RepoKey) isTop() bool { return k == topRepoKey }

// refPrefix returns the ref namespace holding this repository's imported
// refs, e.g. "refs/namespaces/subx/".
func (k RepoKey) refPrefix() string {
	return "refs/namespaces/" + string(k) + "/"
}

// pointerStatus classifies a gitlink found in a top or sub commit.
type pointerStatus int

const (
	// The submodule is configured and enabled; its history is combined.
	statusAssimilated pointerStatus = iota
	// The submodule is configured with enabled = false; the gitlink is kept.
	statusUnassimilated
	// No configured URL matches; the gitlink is kept verbatim.
	statusUnknown
	// The commit is listed in missing_commits; never expanded.
	statusMissing
)

func (s pointerStatus) String() string {
	switch s {
	case statusAssimilated:
		return "assimilated"
	case statusUnassimilated:
		return "unassimilated"
	case statusUnknown:
		return "unknown"
	case statusMissing:
		return "missing"
	}
	return fmt.Sprintf("pointerStatus(%d)", int(s))
}

// SubmodulePointer is a gitlink entry resolved against .gitmodules and the
// configuration: the path it sits at, the repository it refers to, and the
// commit it pins.
type SubmodulePointer struct {
	Path   string
	Key    RepoKey
	Commit CommitId
	Status pointerStatus
}

func (p SubmodulePointer) expandable() bool {
	return p.Status == statusAssimilated
}

// graphCommit is the DAG record shared by top and sub commits: identity,
// parent links, tree, first-parent depth, and the gitlinks the commit's tree
// declares. The loader keeps the full pointer map per commit so that the
// expander never needs to re-derive it.
type graphCommit struct {
	Id      CommitId
	Parents []CommitId
	Tree    TreeId
	// Depth is the number of first-parent steps down to the root that ends
	// the commit's first-parent chain. Used for
	// deterministic traversal order and for directing the submodule
	// injection search.
	Depth int
	// Submods maps path to the resolved gitlink at that path.
	Submods map[string]SubmodulePointer
	// Gitmodules is the blob id of the commit's .gitmodules file, empty if
	// the file is absent.
	Gitmodules BlobId
}

func (c *graphCommit) firstParent() (CommitId, bool) {
	if len(c.Parents) == 0 {
		return "", false
	}
	return c.Parents[0], true
}

// pointerAt returns the submodule pointer at path, if any.
func (c *graphCommit) pointerAt(path string) (SubmodulePointer, bool) {
	p, ok := c.Submods[path]
	return p, ok
}

// sortedSubmodPaths returns the pointer paths in lexicographic order. All
// iteration that reaches output goes through here to keep runs bit-identical.
func (c *graphCommit) sortedSubmodPaths() []string {
	paths := make([]string, 0, len(c.Submods))
	for path := range c.Submods {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// repoGraph is one repository's loaded DAG plus the ref tips it was
// discovered from.
type repoGraph struct {
	Key     RepoKey
	Commits map[CommitId]*graphCommit
	Tips    map[string]CommitId
}

func newRepoGraph(key RepoKey) *repoGraph {
	return &repoGraph{
		Key:     key,
		Commits: make(map[CommitId]*graphCommit),
		Tips:    make(map[string]CommitId),
	}
}

func (g *repoGraph) get(id CommitId) (*graphCommit, bool) {
	c, ok := g.Commits[id]
	return c, ok
}

// isDescendant reports whether descendant can reach ancestor through parent
// links. Both commits must be loaded; unknown parents terminate the search.
func (g *repoGraph) isDescendant(descendant, ancestor CommitId) bool {
	if descendant == ancestor {
		return true
	}
	seen := map[CommitId]bool{}
	stack := []CommitId{descendant}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		c, ok := g.Commits[id]
		if !ok {
			continue
		}
		for _, parent := range c.Parents {
			if parent == ancestor {
				return true
			}
			stack = append(stack, parent)
		}
	}
	return false
}

// bumpKey addresses one subrepo commit for the BumpToMono map.
type bumpKey struct {
	Key    RepoKey
	Commit CommitId
}

// monoMaps holds the four commit translation maps of the engine. The
// BumpToMono sets are insertion ordered so that "first materialization wins"
// survives serialization.
type monoMaps struct {
	TopToMono  map[CommitId]CommitId
	BumpToMono map[bumpKey]*orderedset.Set
	MonoToTop  map[CommitId]CommitId
	// MonoToSub maps (mono commit, submodule path) to the subrepo commit
	// whose tree occupies that path.
	MonoToSub map[CommitId]map[string]CommitId
}

func newMonoMaps() *monoMaps {
	return &monoMaps{
		TopToMono:  make(map[CommitId]CommitId),
		BumpToMono: make(map[bumpKey]*orderedset.Set),
		MonoToTop:  make(map[CommitId]CommitId),
		MonoToSub:  make(map[CommitId]map[string]CommitId),
	}
}

func (m *monoMaps) addBump(key RepoKey, sub, mono CommitId) {
	bk := bumpKey{key, sub}
	set, ok := m.BumpToMono[bk]
	if !ok {
		set = orderedset.New()
		m.BumpToMono[bk] = set
	}
	set.Add(string(mono))
}

// bumpMonos returns the mono commits representing the given subrepo commit,
// oldest insertion first.
func (m *monoMaps) bumpMonos(key RepoKey, sub CommitId) []CommitId {
	set, ok := m.BumpToMono[bumpKey{key, sub}]
	if !ok {
		return nil
	}
	ids := make([]CommitId, 0, set.Size())
	set.Each(func(_ int, value interface{}) {
		ids = append(ids, CommitId(value.(string)))
	})
	return ids
}

func (m *monoMaps) addMonoSub(mono CommitId, path string, sub CommitId) {
	subs, ok := m.MonoToSub[mono]
	if !ok {
		subs = make(map[string]CommitId)
		m.MonoToSub[mono] = subs
	}
	subs[path] = sub
}

// splitPath returns the "/"-separated components of a git path.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func joinPath(elems ...string) string {
	parts := make([]string, 0, len(elems))
	for _, e := range elems {
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, "/")
}
