// Loader: discovers every commit reachable from the imported ref
// namespaces, derives each commit's submodule pointer map by diffing its
// tree against its first parent, and reports referenced submodule commits
// that are not present locally.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// missingEntry identifies a referenced submodule commit absent from the
// object store. The fetch coordinator turns these into transport calls.
type missingEntry struct {
	Key    RepoKey
	Commit CommitId
}

type loader struct {
	eng   *engine
	mutex sync.Mutex
	// wanted accumulates the (repo, commit) pairs referenced by gitlinks in
	// loaded commits.
	wanted map[RepoKey]map[CommitId]bool
	// gitmodulesCache holds parsed .gitmodules documents keyed by blob id.
	gitmodulesCache map[BlobId]map[string]gitmoduleEntry
	// suggestions collects unknown submodule URLs keyed by their derived
	// default repo key.
	suggestions map[RepoKey][]string
}

func newLoader(eng *engine) *loader {
	return &loader{
		eng:             eng,
		wanted:          make(map[RepoKey]map[CommitId]bool),
		gitmodulesCache: make(map[BlobId]map[string]gitmoduleEntry),
		suggestions:     make(map[RepoKey][]string),
	}
}

func (l *loader) want(key RepoKey, id CommitId) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	set, ok := l.wanted[key]
	if !ok {
		set = make(map[CommitId]bool)
		l.wanted[key] = set
	}
	set[id] = true
}

// suggest records an unconfigured submodule URL under a derived key,
// reusing an existing key that differs only by case.
func (l *loader) suggest(url string) {
	key := defaultRepoKey(url)
	if key == "" {
		return
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	for existing := range l.suggestions {
		if strings.EqualFold(string(existing), string(key)) {
			key = existing
			break
		}
	}
	for existing := range l.eng.config.Repo {
		if strings.EqualFold(existing, string(key)) {
			key = RepoKey(existing)
			break
		}
	}
	for _, seen := range l.suggestions[key] {
		if seen == url {
			return
		}
	}
	l.suggestions[key] = append(l.suggestions[key], url)
}

// discover loads the top namespace and every submodule namespace it
// references, looping until no locally satisfiable reference remains. The
// returned entries are the ones that need fetching.
func (l *loader) discover() ([]missingEntry, error) {
	control.baton.begin("loading commits")
	defer control.baton.end()
	if err := l.loadRepo(topRepoKey); err != nil {
		return nil, err
	}
	loaded := map[RepoKey]bool{topRepoKey: true}
	for {
		todo := l.unloadedRepos(loaded)
		if len(todo) == 0 {
			break
		}
		if err := l.loadReposParallel(todo); err != nil {
			return nil, err
		}
		for _, key := range todo {
			loaded[key] = true
		}
	}
	return l.missing(), nil
}

// reloadAfterFetch re-walks repositories whose namespaces gained refs,
// restricted by the commit existence checks to the newly imported history.
func (l *loader) reloadAfterFetch(keys []RepoKey) ([]missingEntry, error) {
	if err := l.loadReposParallel(keys); err != nil {
		return nil, err
	}
	// New commits can reference repositories never seen before.
	loaded := make(map[RepoKey]bool, len(l.eng.graphs))
	for key := range l.eng.graphs {
		loaded[key] = true
	}
	for {
		todo := l.unloadedRepos(loaded)
		if len(todo) == 0 {
			break
		}
		if err := l.loadReposParallel(todo); err != nil {
			return nil, err
		}
		for _, key := range todo {
			loaded[key] = true
		}
	}
	return l.missing(), nil
}

func (l *loader) unloadedRepos(loaded map[RepoKey]bool) []RepoKey {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	var todo []RepoKey
	for key := range l.wanted {
		if !loaded[key] {
			todo = append(todo, key)
		}
	}
	sort.Slice(todo, func(i, j int) bool { return todo[i] < todo[j] })
	return todo
}

// missing returns the wanted commits that are still absent, in a
// deterministic order.
func (l *loader) missing() []missingEntry {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	var entries []missingEntry
	for key, ids := range l.wanted {
		graph, ok := l.eng.graphs[key]
		for id := range ids {
			if ok {
				if _, have := graph.Commits[id]; have {
					continue
				}
			}
			entries = append(entries, missingEntry{key, id})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Key != entries[j].Key {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].Commit < entries[j].Commit
	})
	return entries
}

// loadReposParallel walks several submodule DAGs concurrently. The graphs
// never overlap between repositories, so workers only share the wanted and
// suggestion maps, which are mutex guarded.
func (l *loader) loadReposParallel(keys []RepoKey) error {
	workers := len(keys)
	if workers > maxWorkers {
		workers = maxWorkers
	}
	semaphore := make(chan struct{}, workers)
	errs := make(chan error, len(keys))
	var wg sync.WaitGroup
	for _, key := range keys {
		if l.eng.cancelled() {
			break
		}
		wg.Add(1)
		semaphore <- struct{}{}
		go func(key RepoKey) {
			defer wg.Done()
			defer func() { <-semaphore }()
			errs <- l.loadRepo(key)
		}(key)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	if l.eng.cancelled() {
		return errors.New("interrupted while loading")
	}
	return nil
}

// loadRepo walks one repository's namespace: every tip ref plus every
// wanted commit, depth-first through parents, processing parents before
// children so pointer maps can be derived incrementally.
func (l *loader) loadRepo(key RepoKey) error {
	store := l.eng.store
	refs, err := store.ListRefs(key.refPrefix())
	if err != nil {
		return err
	}
	l.mutex.Lock()
	graph := l.eng.graph(key)
	var roots []CommitId
	for name, id := range refs {
		graph.Tips[strings.TrimPrefix(name, key.refPrefix())] = id
		roots = append(roots, id)
	}
	for id := range l.wanted[key] {
		roots = append(roots, id)
	}
	l.mutex.Unlock()
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })

	// Postorder DFS so parents are processed first. Commits whose record is
	// absent are skipped here and reported by missing().
	var order []CommitId
	type frame struct {
		id       CommitId
		rec      *CommitRecord
		expanded bool
	}
	visited := map[CommitId]bool{}
	var stack []frame
	push := func(id CommitId) error {
		if visited[id] {
			return nil
		}
		l.mutex.Lock()
		_, known := graph.Commits[id]
		l.mutex.Unlock()
		if known {
			visited[id] = true
			return nil
		}
		rec, err := store.ReadCommit(id)
		if isNotFound(err) {
			visited[id] = true
			return nil
		}
		if err != nil {
			return err
		}
		visited[id] = true
		stack = append(stack, frame{id: id, rec: rec})
		return nil
	}
	records := map[CommitId]*CommitRecord{}
	for _, root := range roots {
		if err := push(root); err != nil {
			return err
		}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if !top.expanded {
				top.expanded = true
				for _, parent := range top.rec.Parents {
					if err := push(parent); err != nil {
						return err
					}
				}
				continue
			}
			order = append(order, top.id)
			records[top.id] = top.rec
			stack = stack[:len(stack)-1]
		}
	}
	if logEnable(logTOPOLOGY) && len(order) > 0 {
		logit("%s: %d new commits discovered", key, len(order))
	}
	for _, id := range order {
		if l.eng.cancelled() {
			return errors.New("interrupted while loading")
		}
		if err := l.ingestCommit(graph, id, records[id]); err != nil {
			return errors.Wrapf(err, "loading commit %s in %s", id, key)
		}
		control.baton.twirl()
	}
	return nil
}

// ingestCommit derives the graphCommit record for one commit: depth, the
// .gitmodules blob in force, and the submodule pointer map.
func (l *loader) ingestCommit(graph *repoGraph, id CommitId, rec *CommitRecord) error {
	store := l.eng.store
	commit := &graphCommit{
		Id:      id,
		Parents: rec.Parents,
		Tree:    rec.Tree,
	}
	var firstParent *graphCommit
	l.mutex.Lock()
	if len(rec.Parents) > 0 {
		firstParent = graph.Commits[rec.Parents[0]]
	}
	l.mutex.Unlock()
	if firstParent != nil {
		commit.Depth = firstParent.Depth + 1
	}

	// Locate the .gitmodules blob in force at this commit.
	entry, found, err := readTreeEntry(store, rec.Tree, ".gitmodules")
	if err != nil {
		return err
	}
	if found && !entry.isTree() {
		commit.Gitmodules = BlobId(entry.Id)
	}
	gitmodulesChanged := firstParent == nil || commit.Gitmodules != firstParent.Gitmodules

	// Derive the pointer map from the first parent's map plus the tree
	// delta. Root commits diff against the empty tree.
	var parentTree TreeId
	parentSubmods := map[string]SubmodulePointer{}
	if firstParent != nil {
		parentTree = firstParent.Tree
		parentSubmods = firstParent.Submods
	}
	changed := map[string]*TreeEntry{}
	err = diffTrees(store, parentTree, rec.Tree, "", func(path string, oldEntry, newEntry *TreeEntry) error {
		switch {
		case newEntry != nil && newEntry.isGitlink():
			changed[path] = newEntry
		case oldEntry != nil && oldEntry.isGitlink():
			// Removed, or replaced by a non-gitlink.
			changed[path] = nil
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(changed) == 0 && !gitmodulesChanged {
		commit.Submods = parentSubmods
	} else {
		commit.Submods = make(map[string]SubmodulePointer, len(parentSubmods)+len(changed))
		for path, pointer := range parentSubmods {
			if _, touched := changed[path]; touched {
				continue
			}
			if gitmodulesChanged {
				// URLs may have moved between keys; re-resolve.
				pointer = l.resolvePointer(graph, commit, path, pointer.Commit)
			}
			commit.Submods[path] = pointer
		}
		for path, entry := range changed {
			if entry != nil {
				commit.Submods[path] = l.resolvePointer(graph, commit, path, CommitId(entry.Id))
			}
		}
	}

	for _, pointer := range commit.Submods {
		if pointer.expandable() {
			l.want(pointer.Key, pointer.Commit)
		}
	}
	l.mutex.Lock()
	graph.Commits[id] = commit
	l.mutex.Unlock()
	return nil
}

// resolvePointer maps the gitlink at path to a RepoKey via the commit's
// .gitmodules and the configuration.
func (l *loader) resolvePointer(graph *repoGraph, commit *graphCommit, path string, id CommitId) SubmodulePointer {
	pointer := SubmodulePointer{Path: path, Commit: id, Status: statusUnknown}
	entry, ok := l.gitmodulesEntry(commit.Gitmodules, path)
	if !ok {
		warn("commit %s in %s: gitlink at %q has no .gitmodules entry", commit.Id.short(), graph.Key, path)
		return pointer
	}
	url := joinSubmoduleURL(l.parentURL(graph.Key), entry.URL)
	key, status := l.eng.config.resolveURL(url)
	if status == statusUnknown {
		l.suggest(url)
		warn("commit %s in %s: no configured repo matches URL %q at %q", commit.Id.short(), graph.Key, url, path)
		return pointer
	}
	pointer.Key = key
	pointer.Status = status
	if status == statusAssimilated && l.eng.config.isMissingCommit(key, id) {
		pointer.Status = statusMissing
	}
	return pointer
}

// parentURL is the base for resolving relative submodule URLs found inside
// the given repository.
func (l *loader) parentURL(key RepoKey) string {
	if key.isTop() {
		return l.eng.config.TopFetchURL
	}
	if table, ok := l.eng.config.Repo[string(key)]; ok {
		return joinSubmoduleURL(l.eng.config.TopFetchURL, table.Fetch.URL)
	}
	return l.eng.config.TopFetchURL
}

func (l *loader) gitmodulesEntry(blob BlobId, path string) (gitmoduleEntry, bool) {
	if blob == "" {
		return gitmoduleEntry{}, false
	}
	l.mutex.Lock()
	parsed, ok := l.gitmodulesCache[blob]
	l.mutex.Unlock()
	if !ok {
		data, err := l.eng.store.ReadBlob(blob)
		if err != nil {
			warn("cannot read .gitmodules blob %s: %v", blob, err)
			data = nil
		}
		parsed, err = parseGitmodules(data)
		if err != nil {
			warn("%v", err)
			parsed = map[string]gitmoduleEntry{}
		}
		l.mutex.Lock()
		l.gitmodulesCache[blob] = parsed
		l.mutex.Unlock()
	}
	entry, ok := parsed[path]
	return entry, ok
}
