// Fetch coordinator and transport capability: brings the top repository and
// every assimilated submodule into the local ref namespaces, looping fetch
// and rediscovery until every referenced submodule commit is present or
// known to be unfetchable.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// maxWorkers bounds concurrent transport subprocesses and loader walks.
const maxWorkers = 8

// Transport is the remote capability: it moves objects between the local
// object store and the per-repository remotes. Implementations must be safe
// for concurrent calls on distinct repositories.
type Transport interface {
	// FetchTop imports the superrepository into refs/namespaces/top/.
	FetchTop() error
	// FetchRepo imports a submodule's refs into its namespace. When wanted
	// ids are given and the default refspec has already been imported, the
	// ids are requested directly.
	FetchRepo(key RepoKey, wanted []CommitId) error
	// Push sends one commit to a remote ref on the given URL.
	Push(url string, id CommitId, remoteRef string, extraArgs []string) error
}

type gitTransport struct {
	git    *gitRunner
	config *Config
	mutex  sync.Mutex
	// defaultFetched remembers repositories whose full refspec fetch has
	// completed, so later rounds fetch explicit commit ids instead.
	defaultFetched map[RepoKey]bool
}

func newGitTransport(git *gitRunner, config *Config) Transport {
	return &gitTransport{git: git, config: config, defaultFetched: make(map[RepoKey]bool)}
}

func (t *gitTransport) fetchArgs() []string {
	args := []string{
		"fetch",
		"--no-tags",
		"--no-recurse-submodules",
		"--no-write-fetch-head",
	}
	extra, err := t.git.extraFetchArgs()
	if err != nil {
		warn("%v", err)
	}
	return append(args, extra...)
}

func (t *gitTransport) FetchTop() error {
	args := append(t.fetchArgs(),
		"origin",
		"+refs/heads/*:refs/namespaces/top/refs/remotes/origin/*",
	)
	return t.git.runLoud(args...)
}

func (t *gitTransport) FetchRepo(key RepoKey, wanted []CommitId) error {
	table, ok := t.config.Repo[string(key)]
	if !ok {
		return errors.Errorf("repo %s is not configured", key)
	}
	url := joinSubmoduleURL(t.config.TopFetchURL, table.Fetch.URL)
	t.mutex.Lock()
	fetchedBefore := t.defaultFetched[key]
	t.defaultFetched[key] = true
	t.mutex.Unlock()

	args := t.fetchArgs()
	args = append(args, "--negotiation-tip="+key.refPrefix()+"*")
	if table.prune() {
		args = append(args, "--prune")
	}
	if table.Fetch.Depth > 0 {
		args = append(args, fmt.Sprintf("--depth=%d", table.Fetch.Depth))
	}
	args = append(args, url)
	if fetchedBefore && len(wanted) > 0 {
		// The branch and tag tips are already here; ask for the dangling
		// commits themselves.
		for _, id := range wanted {
			args = append(args, fmt.Sprintf("%s:%swanted/%s", id, key.refPrefix(), id))
		}
	} else {
		args = append(args,
			"+refs/heads/*:"+key.refPrefix()+"heads/*",
			"+refs/tags/*:"+key.refPrefix()+"tags/*",
		)
	}
	return t.git.runLoud(args...)
}

func (t *gitTransport) Push(url string, id CommitId, remoteRef string, extraArgs []string) error {
	args := []string{"push", url}
	args = append(args, extraArgs...)
	args = append(args, fmt.Sprintf("%s:%s", id, remoteRef))
	return t.git.runLoud(args...)
}

/*
 * The fetch coordinator.
 */

// fetchMissing drives the transport until the missing set closes or stops
// shrinking. Transport failures are fatal per repository, not per run. The
// survivors are returned as permanently missing.
func (eng *engine) fetchMissing(ld *loader, missing []missingEntry) ([]missingEntry, error) {
	failed := map[RepoKey]bool{}
	for len(missing) > 0 {
		if eng.cancelled() {
			return missing, errors.New("interrupted during fetch")
		}
		byKey := map[RepoKey][]CommitId{}
		for _, entry := range missing {
			if !failed[entry.Key] {
				byKey[entry.Key] = append(byKey[entry.Key], entry.Commit)
			}
		}
		if len(byKey) == 0 {
			break
		}
		keys := make([]RepoKey, 0, len(byKey))
		for key := range byKey {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		if logEnable(logFETCH) {
			logit("fetch round over %d repositories", len(keys))
		}

		var wg sync.WaitGroup
		semaphore := make(chan struct{}, maxWorkers)
		var mutex sync.Mutex
		fetched := keys[:0:0]
		for _, key := range keys {
			wg.Add(1)
			semaphore <- struct{}{}
			go func(key RepoKey) {
				defer wg.Done()
				defer func() { <-semaphore }()
				err := eng.transport.FetchRepo(key, byKey[key])
				mutex.Lock()
				defer mutex.Unlock()
				if err != nil {
					failed[key] = true
					warn("%v", &transportError{key, err})
					return
				}
				fetched = append(fetched, key)
			}(key)
		}
		wg.Wait()

		stillMissing, err := ld.reloadAfterFetch(fetched)
		if err != nil {
			return nil, err
		}
		if !missingShrank(missing, stillMissing, failed) {
			missing = stillMissing
			break
		}
		missing = stillMissing
	}
	return missing, nil
}

// missingShrank reports whether another fetch round can help: some
// non-failed entry disappeared since the previous round.
func missingShrank(before, after []missingEntry, failed map[RepoKey]bool) bool {
	remaining := map[missingEntry]bool{}
	for _, entry := range after {
		remaining[entry] = true
	}
	for _, entry := range before {
		if failed[entry.Key] {
			continue
		}
		if !remaining[entry] {
			return true
		}
	}
	return false
}

// runFetch is the full fetch pipeline: transport, discovery, the fetch
// loop, expansion, tip placement, ref publication and state persistence.
func (eng *engine) runFetch() error {
	if err := eng.transport.FetchTop(); err != nil {
		return &transportError{topRepoKey, err}
	}
	if err := eng.loadCache(); err != nil {
		warn("ignoring unusable state cache: %v", err)
	}

	ld := newLoader(eng)
	missing, err := ld.discover()
	if err != nil {
		return err
	}
	missing, err = eng.fetchMissing(ld, missing)
	if err != nil {
		return err
	}
	permanent := map[bumpKey]bool{}
	for _, entry := range missing {
		permanent[bumpKey{entry.Key, entry.Commit}] = true
		warn("commit %s in %s is not fetchable; keeping the gitlink", entry.Commit.short(), entry.Key)
		announce("suggested configuration: [repo.%s] missing_commits += %q", entry.Key, entry.Commit)
	}

	ex := newExpander(eng)
	ex.permanentlyMissing = permanent
	topGraph := eng.graph(topRepoKey)
	tips := sortedTipCommits(topGraph)
	if err := ex.expandTips(tips); err != nil {
		return err
	}
	if err := eng.placeSubrepoTips(ex); err != nil {
		return err
	}
	if err := eng.publishRefs(); err != nil {
		return err
	}
	if err := eng.saveCache(); err != nil {
		warn("could not persist state cache: %v", err)
	}
	if err := eng.config.writeSideFile(eng.sideFilePath(), ld.suggestions); err != nil {
		warn("could not write effective configuration: %v", err)
	}
	announce("fetch complete: %d repositories, %d mono commits known",
		len(eng.graphs), len(eng.maps.MonoToTop))
	return nil
}

// sortedTipCommits returns the distinct tip commits of a graph in
// deterministic order.
func sortedTipCommits(graph *repoGraph) []CommitId {
	seen := map[CommitId]bool{}
	var tips []CommitId
	for _, id := range graph.Tips {
		if !seen[id] {
			seen[id] = true
			tips = append(tips, id)
		}
	}
	sort.Slice(tips, func(i, j int) bool { return tips[i] < tips[j] })
	return tips
}

// publishRefs mirrors the imported top refs as user-visible refs pointing
// at the corresponding mono commits. This is the only serialized ref write
// phase of a run.
func (eng *engine) publishRefs() error {
	topGraph := eng.graph(topRepoKey)
	names := make([]string, 0, len(topGraph.Tips))
	for name := range topGraph.Tips {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		id := topGraph.Tips[name]
		mono, ok := eng.maps.TopToMono[id]
		if !ok {
			warn("top ref %s was not expanded; skipping", name)
			continue
		}
		if !strings.HasPrefix(name, "refs/") {
			// HEAD and friends are symbolic; leave them to git.
			continue
		}
		target := strings.TrimPrefix(name, "refs/")
		if err := eng.store.UpdateRef("refs/"+target, mono); err != nil {
			return err
		}
		if logEnable(logFETCH) {
			logit("ref refs/%s -> %s", target, mono.short())
		}
	}
	return nil
}
