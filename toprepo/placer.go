// Mono-ref placer: hangs fetched submodule branch tips that are not yet
// merged into the top repository onto the mono commit graph, so that
// remote-tracking refs exist for rebase and merge. New commits attach at
// the earliest legal ancestor, which keeps rebases short.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"sort"
	"strings"
)

// placeSubrepoTips grafts every unmerged submodule branch tip onto the
// mono history and publishes refs/remotes/origin/<key>/<branch> for each.
func (eng *engine) placeSubrepoTips(ex *expander) error {
	control.baton.begin("placing submodule tips")
	defer control.baton.end()
	ex.atOldest = true
	defer func() { ex.atOldest = false }()

	monoTips := eng.topMonoTips()
	if len(monoTips) == 0 {
		return nil
	}

	keys := make([]RepoKey, 0, len(eng.graphs))
	for key := range eng.graphs {
		if !key.isTop() {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, key := range keys {
		graph := eng.graphs[key]
		path, ok := eng.pathOfSubrepo(key)
		if !ok {
			// The submodule is not present in any top tip; there is no
			// place in the mono tree where its branches could hang.
			continue
		}
		names := make([]string, 0, len(graph.Tips))
		for name := range graph.Tips {
			if strings.HasPrefix(name, "heads/") || strings.HasPrefix(name, "refs/heads/") {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			tip := graph.Tips[name]
			if len(eng.maps.bumpMonos(key, tip)) > 0 {
				// Already represented in the mono history.
				continue
			}
			memo := map[CommitId]CommitId{}
			mono, found, err := ex.inject(monoTips, path, key, tip, memo)
			if err != nil {
				return err
			}
			if !found {
				warn("submodule %s tip %s shares no history with the expanded monorepo", key, tip.short())
				continue
			}
			branch := strings.TrimPrefix(strings.TrimPrefix(name, "refs/"), "heads/")
			refName := "refs/remotes/origin/" + string(key) + "/" + branch
			if err := eng.store.UpdateRef(refName, mono); err != nil {
				return err
			}
			if logEnable(logFETCH) {
				logit("placed %s tip %s as %s -> %s", key, tip.short(), refName, mono.short())
			}
			control.baton.twirl()
		}
	}
	return nil
}

// topMonoTips returns the mono commits of the expanded top tips, in
// deterministic order with the tip of HEAD first when known.
func (eng *engine) topMonoTips() []CommitId {
	graph := eng.graph(topRepoKey)
	var headMono CommitId
	if head, ok := graph.Tips["HEAD"]; ok {
		headMono = eng.maps.TopToMono[head]
	}
	var tips []CommitId
	if headMono != "" {
		tips = append(tips, headMono)
	}
	for _, top := range sortedTipCommits(graph) {
		if mono, ok := eng.maps.TopToMono[top]; ok && mono != headMono {
			tips = append(tips, mono)
		}
	}
	return dedupCommitIds(tips)
}

// pathOfSubrepo finds the submodule path where a repository is mounted in
// any top tip. The key is not derived from the path; several paths (in one
// tip or across tips) may carry the same repository, in which case the
// lexicographically first is used regardless of which tip declares it.
func (eng *engine) pathOfSubrepo(key RepoKey) (string, bool) {
	graph := eng.graph(topRepoKey)
	var paths []string
	for _, tip := range sortedTipCommits(graph) {
		tc, ok := graph.Commits[tip]
		if !ok {
			continue
		}
		for path, pointer := range tc.Submods {
			if pointer.Key == key && pointer.expandable() {
				paths = append(paths, path)
			}
		}
	}
	if len(paths) == 0 {
		return "", false
	}
	sort.Strings(paths)
	return paths[0], true
}
