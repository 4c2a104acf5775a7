// Expander: the history combination engine. Transforms top-repository
// commits into mono commits by splicing assimilated submodule trees into
// the top tree and grafting submodule history in as extra parents, keeping
// the result a pure function of the input object graphs so that every
// client derives identical mono commit ids.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
	"sync"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/pkg/errors"
)

// subPtr is the value of a submodule path inside a mono commit: which
// repository and which commit occupy it.
type subPtr struct {
	Key    RepoKey
	Commit CommitId
}

// monoInfo is the expander's working record for one mono commit. Subs is
// the full submodule pointer map; sibling commits share the map when
// nothing changed.
type monoInfo struct {
	Parents []CommitId
	Tree    TreeId
	Subs    map[string]subPtr
}

type expander struct {
	eng *engine
	// permanentlyMissing marks submodule commits that all fetch rounds
	// failed to obtain; their gitlinks are preserved.
	permanentlyMissing map[bumpKey]bool
	// atOldest directs submodule injection to hang new commits off the
	// oldest legal mono ancestor instead of the newest. The mono-ref
	// placer uses this to make rebase pleasant.
	atOldest bool

	mutex sync.Mutex
	info  map[CommitId]*monoInfo
	// lastBumps caches, per (mono commit, path), the nearest mono commits
	// in the ancestry where that path changed.
	lastBumps map[string][]CommitId
	// treeMemo holds expanded submodule trees keyed by repo and commit.
	// Values are futures so concurrent requests materialize at most once.
	treeMemo cmap.ConcurrentMap
}

type treeFuture struct {
	done chan struct{}
	tree TreeId
	err  error
}

func newExpander(eng *engine) *expander {
	return &expander{
		eng:                eng,
		permanentlyMissing: make(map[bumpKey]bool),
		info:               make(map[CommitId]*monoInfo),
		lastBumps:          make(map[string][]CommitId),
		treeMemo:           cmap.New(),
	}
}

const emptyTreeMessage = "Initial empty commit\n"

/*
 * Deterministic topological traversal.
 *
 * Commits become ready when all parents are expanded; ties break on
 * first-parent depth, then on commit id. A heap keeps the pick O(log n).
 */

type readyCommit struct {
	depth int
	id    CommitId
}

type readyHeap []readyCommit

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].depth != h[j].depth {
		return h[i].depth < h[j].depth
	}
	return h[i].id < h[j].id
}
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(readyCommit)) }
func (h *readyHeap) Pop() interface{} {
	old := *h
	last := old[len(old)-1]
	*h = old[:len(old)-1]
	return last
}

// expandTips expands every not yet expanded top commit reachable from the
// given tips, parents first.
func (ex *expander) expandTips(tips []CommitId) error {
	control.baton.begin("expanding commits")
	defer control.baton.end()
	graph := ex.eng.graph(topRepoKey)

	// Collect the unexpanded region.
	pending := map[CommitId]int{} // commit -> unexpanded parent count
	var stack []CommitId
	for _, tip := range tips {
		stack = append(stack, tip)
	}
	seen := map[CommitId]bool{}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, done := ex.eng.maps.TopToMono[id]; done {
			continue
		}
		commit, ok := graph.Commits[id]
		if !ok {
			return &invariantViolation{errors.Errorf("top commit %s was referenced but never loaded", id)}
		}
		count := 0
		for _, parent := range commit.Parents {
			if _, done := ex.eng.maps.TopToMono[parent]; !done {
				count++
				stack = append(stack, parent)
			}
		}
		pending[id] = count
	}

	ready := &readyHeap{}
	heap.Init(ready)
	for id, count := range pending {
		if count == 0 {
			heap.Push(ready, readyCommit{graph.Commits[id].Depth, id})
		}
	}
	children := map[CommitId][]CommitId{}
	for id := range pending {
		for _, parent := range graph.Commits[id].Parents {
			if _, waits := pending[parent]; waits {
				children[parent] = append(children[parent], id)
			}
		}
	}
	expanded := 0
	for ready.Len() > 0 {
		if ex.eng.cancelled() {
			return errors.New("interrupted during expansion")
		}
		next := heap.Pop(ready).(readyCommit)
		if err := ex.expandTop(next.id); err != nil {
			return err
		}
		expanded++
		control.baton.twirl()
		for _, child := range children[next.id] {
			pending[child]--
			if pending[child] == 0 {
				heap.Push(ready, readyCommit{graph.Commits[child].Depth, child})
			}
		}
		delete(pending, next.id)
	}
	for id, count := range pending {
		if count > 0 {
			return &invariantViolation{errors.Errorf("commit %s never became ready; the top DAG is inconsistent", id)}
		}
	}
	if logEnable(logEXPAND) {
		logit("expanded %d top commits", expanded)
	}
	return nil
}

// expandTop turns one top commit into a mono commit.
func (ex *expander) expandTop(topId CommitId) error {
	eng := ex.eng
	graph := eng.graph(topRepoKey)
	tc := graph.Commits[topId]
	rec, err := eng.store.ReadCommit(topId)
	if err != nil {
		return errors.Wrapf(err, "reading top commit %s", topId)
	}

	spine := make([]CommitId, 0, len(tc.Parents))
	for _, parent := range tc.Parents {
		mono, ok := eng.maps.TopToMono[parent]
		if !ok {
			return &invariantViolation{errors.Errorf("parent %s of %s expanded out of order", parent, topId)}
		}
		spine = append(spine, mono)
	}

	bumps := ex.collectBumps(tc, spine)

	// Compute graft parents for every changed submodule.
	var bumpParents []CommitId
	var resetParents []CommitId
	var contributions []contribution
	paths := make([]string, 0, len(bumps))
	for path := range bumps {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		pointer := bumps[path]
		if pointer == nil {
			continue // removal contributes no parent
		}
		contrib, grafts, resets, err := ex.expandBump(tc, spine, path, *pointer)
		if err != nil {
			return err
		}
		contributions = append(contributions, contrib)
		bumpParents = append(bumpParents, grafts...)
		resetParents = append(resetParents, resets...)
	}

	// A root commit whose only parents would be submodule grafts gets a
	// synthesized empty first parent so the first-parent line stays in the
	// top repository.
	if len(spine) == 0 && len(bumpParents)+len(resetParents) > 0 {
		emptyTree, err := eng.store.WriteTree(nil)
		if err != nil {
			return err
		}
		emptyId, err := eng.store.WriteCommit(&CommitRecord{
			Tree:      emptyTree,
			Author:    rec.Author,
			Committer: rec.Committer,
			Message:   []byte(emptyTreeMessage),
		})
		if err != nil {
			return err
		}
		ex.remember(emptyId, &monoInfo{Tree: emptyTree, Subs: map[string]subPtr{}})
		spine = append(spine, emptyId)
	}

	monoTree, err := ex.rewriteTree(tc)
	if err != nil {
		return err
	}

	// Empty-edge suppression: a sole-parent commit whose rewrite changes
	// nothing collapses onto its parent.
	if len(spine) == 1 && len(bumpParents) == 0 && len(resetParents) == 0 && len(bumps) == 0 {
		parentInfo, err := ex.infoFor(spine[0])
		if err == nil && parentInfo.Tree == monoTree {
			eng.maps.TopToMono[topId] = spine[0]
			if logEnable(logEXPAND) {
				logit("suppressing empty edge at top commit %s", topId.short())
			}
			return nil
		}
	}

	parents := dedupCommitIds(append(append(append([]CommitId{}, spine...), bumpParents...), resetParents...))
	message, encoding := composeMonoMessage(rec, contributions)
	monoId, err := eng.store.WriteCommit(&CommitRecord{
		Parents:   parents,
		Tree:      monoTree,
		Author:    rec.Author,
		Committer: rec.Committer,
		Encoding:  encoding,
		Message:   message,
	})
	if err != nil {
		return err
	}

	subs := ex.monoSubsFor(tc)
	ex.remember(monoId, &monoInfo{Parents: parents, Tree: monoTree, Subs: subs})
	eng.maps.TopToMono[topId] = monoId
	eng.maps.MonoToTop[monoId] = topId
	for _, path := range paths {
		pointer := bumps[path]
		if pointer == nil {
			eng.maps.addMonoSub(monoId, path, "")
			continue
		}
		eng.maps.addMonoSub(monoId, path, pointer.Commit)
		if pointer.expandable() {
			eng.maps.addBump(pointer.Key, pointer.Commit, monoId)
		}
	}
	if logEnable(logEXPAND) {
		logit("top %s -> mono %s (%d parents)", topId.short(), monoId.short(), len(parents))
	}
	return nil
}

// collectBumps finds the submodule changes a top commit introduces: every
// path whose pointer differs from the first parent, plus paths where any
// other merge parent disagrees, so branch histories join even when the
// first parent already carried the new pointer.
func (ex *expander) collectBumps(tc *graphCommit, spine []CommitId) map[string]*SubmodulePointer {
	graph := ex.eng.graph(topRepoKey)
	bumps := map[string]*SubmodulePointer{}
	var firstParent *graphCommit
	if len(tc.Parents) > 0 {
		firstParent = graph.Commits[tc.Parents[0]]
	}
	for path, pointer := range tc.Submods {
		pointer := pointer
		if firstParent == nil {
			bumps[path] = &pointer
			continue
		}
		old, had := firstParent.Submods[path]
		if !had || old.Commit != pointer.Commit || old.Key != pointer.Key || old.Status != pointer.Status {
			bumps[path] = &pointer
			continue
		}
		for _, parent := range tc.Parents[1:] {
			pc := graph.Commits[parent]
			if pc == nil {
				continue
			}
			other, has := pc.Submods[path]
			if !has || other.Commit != pointer.Commit {
				bumps[path] = &pointer
				break
			}
		}
	}
	if firstParent != nil {
		for path := range firstParent.Submods {
			if _, still := tc.Submods[path]; !still {
				bumps[path] = nil
			}
		}
	}
	return bumps
}

// expandBump computes the graft parents for one changed submodule pointer
// and the message contribution it makes to the mono commit.
func (ex *expander) expandBump(tc *graphCommit, spine []CommitId, path string, pointer SubmodulePointer) (contribution, []CommitId, []CommitId, error) {
	contrib := contribution{Path: path, Commit: pointer.Commit}
	switch pointer.Status {
	case statusUnknown, statusUnassimilated, statusMissing:
		// The gitlink stays in the tree; nothing merges and no footer is
		// written.
		return contrib, nil, nil, nil
	}
	if ex.permanentlyMissing[bumpKey{pointer.Key, pointer.Commit}] {
		return contrib, nil, nil, nil
	}
	subGraph := ex.eng.graph(pointer.Key)
	subCommit, loaded := subGraph.get(pointer.Commit)
	if !loaded {
		return contrib, nil, nil, nil
	}

	contrib.Expanded = true
	if subRec, err := ex.eng.store.ReadCommit(pointer.Commit); err == nil {
		contrib.Message = subRec.Message
		contrib.Encoding = subRec.Encoding
	}

	if ex.uptodateForAnyParent(spine, path, pointer.Commit) {
		// No pointer motion relative to some parent: no graft, no merge.
		return contrib, nil, nil, nil
	}

	// A pointer moving to a non-descendant is a regression; represent it
	// with an explicit reset commit instead of inventing a merge.
	nonDescendants := ex.nonDescendantsForParents(spine, path, subGraph, subCommit)
	if len(nonDescendants) > 0 {
		resetId, err := ex.emitResetCommit(spine, path, pointer, subCommit, nonDescendants)
		if err != nil {
			return contrib, nil, nil, err
		}
		// The reset commit carries its own message and footer.
		contrib.Expanded = false
		return contrib, nil, []CommitId{resetId}, nil
	}

	var grafts []CommitId
	foundAnyParent := false
	memo := map[CommitId]CommitId{}
	for _, subParent := range subCommit.Parents {
		if ex.uptodateForAnyParent(spine, path, subParent) {
			foundAnyParent = true
			continue
		}
		graft, found, err := ex.inject(spine, path, pointer.Key, subParent, memo)
		if err != nil {
			return contrib, nil, nil, err
		}
		if found {
			foundAnyParent = true
			grafts = append(grafts, graft)
		}
	}
	if !foundAnyParent && len(grafts) == 0 {
		// The submodule has no history in any mono parent. Parent the mono
		// commit on the original submodule commit so log --follow can
		// cross into the pre-assimilation history.
		grafts = append(grafts, subCommit.Id)
	}
	return contrib, grafts, nil, nil
}

// uptodateForAnyParent reports whether any mono parent already has the
// submodule at path pointing at the given commit.
func (ex *expander) uptodateForAnyParent(spine []CommitId, path string, sub CommitId) bool {
	for _, mono := range spine {
		if current, ok := ex.pointerAtMono(mono, path); ok && current == sub {
			return true
		}
	}
	return false
}

func (ex *expander) nonDescendantsForParents(spine []CommitId, path string, subGraph *repoGraph, subCommit *graphCommit) []CommitId {
	var nonDescendants []CommitId
	for _, mono := range spine {
		current, ok := ex.pointerAtMono(mono, path)
		if !ok {
			continue
		}
		if _, loaded := subGraph.get(current); !loaded {
			// Unknown parent pointer; assume it is an ancestor.
			continue
		}
		if !subGraph.isDescendant(subCommit.Id, current) {
			nonDescendants = append(nonDescendants, current)
		}
	}
	sort.Slice(nonDescendants, func(i, j int) bool { return nonDescendants[i] < nonDescendants[j] })
	return dedupCommitIds(nonDescendants)
}

// emitResetCommit writes the mono commit representing a submodule pointer
// regression, parented on the mono parents whose gitlinks disagree.
func (ex *expander) emitResetCommit(spine []CommitId, path string, pointer SubmodulePointer, subCommit *graphCommit, nonDescendants []CommitId) (CommitId, error) {
	subRec, err := ex.eng.store.ReadCommit(subCommit.Id)
	if err != nil {
		return "", errors.Wrapf(err, "reading submodule commit %s", subCommit.Id)
	}
	var parents []CommitId
	for _, mono := range spine {
		if current, ok := ex.pointerAtMono(mono, path); ok && current != subCommit.Id {
			parents = append(parents, mono)
		}
	}
	parents = dedupCommitIds(parents)
	if len(parents) == 0 {
		parents = append(parents, spine...)
	}
	base, err := ex.infoFor(parents[0])
	if err != nil {
		return "", err
	}
	expandedSub, err := ex.expandSubTree(pointer.Key, subCommit)
	if err != nil {
		return "", err
	}
	tree, err := patchTree(ex.eng.store, base.Tree, path, &TreeEntry{Mode: modeTree, Id: string(expandedSub)})
	if err != nil {
		return "", err
	}

	var message strings.Builder
	fmt.Fprintf(&message, "Resetting submodule %s to %s\n\n", path, subCommit.Id.short())
	if len(nonDescendants) == 1 {
		fmt.Fprintf(&message, "The gitlinks of the parents to this commit reference the commit:\n")
	} else {
		fmt.Fprintf(&message, "The gitlinks of the parents to this commit reference the commits:\n")
	}
	for _, id := range nonDescendants {
		fmt.Fprintf(&message, "- %s\n", id)
	}
	fmt.Fprintf(&message, "\n%s", decodeToUTF8(subRec.Message, subRec.Encoding))
	fmt.Fprintf(&message, "\nGit-Toprepo-Ref: %s %s\n", path, subCommit.Id)

	monoId, err := ex.eng.store.WriteCommit(&CommitRecord{
		Parents:   parents,
		Tree:      tree,
		Author:    subRec.Author,
		Committer: subRec.Committer,
		Message:   []byte(message.String()),
	})
	if err != nil {
		return "", err
	}
	subs := copySubs(base.Subs)
	subs[path] = subPtr{pointer.Key, subCommit.Id}
	ex.remember(monoId, &monoInfo{Parents: parents, Tree: tree, Subs: subs})
	ex.eng.maps.addMonoSub(monoId, path, subCommit.Id)
	ex.eng.maps.addBump(pointer.Key, subCommit.Id, monoId)
	return monoId, nil
}

// inject grafts one submodule commit (and transitively the reachable part
// of its history that is missing) onto the mono commit graph at path. It
// returns the mono commit representing wantedSub, or found=false when the
// submodule history shares nothing with the given mono parents.
func (ex *expander) inject(possibleParents []CommitId, path string, key RepoKey, wantedId CommitId, memo map[CommitId]CommitId) (CommitId, bool, error) {
	if mono, ok := memo[wantedId]; ok {
		return mono, mono != "", nil
	}
	subGraph := ex.eng.graph(key)
	wantedSub, loaded := subGraph.get(wantedId)
	if !loaded {
		memo[wantedId] = ""
		return "", false, nil
	}

	// Depth-first over the mono history at path, preferring the first
	// suggested parent, looking for the wanted commit or for ancestors
	// shallow enough to graft onto.
	var candidates []CommitId
	visited := map[CommitId]bool{}
	stack := make([]CommitId, len(possibleParents))
	for i, parent := range possibleParents {
		stack[len(possibleParents)-1-i] = parent
	}
	for len(stack) > 0 {
		mono := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[mono] {
			continue
		}
		visited[mono] = true
		current, ok := ex.pointerAtMono(mono, path)
		if !ok {
			// The submodule does not exist here; do not traverse further.
			continue
		}
		if current == wantedId {
			result := mono
			if ex.atOldest {
				if oldest := ex.eng.maps.bumpMonos(key, wantedId); len(oldest) > 0 {
					result = oldest[0]
				}
			}
			memo[wantedId] = result
			return result, true, nil
		}
		if currentSub, known := subGraph.get(current); known {
			if currentSub.Depth < wantedSub.Depth {
				// This branch of mono history is behind the wanted commit;
				// it is a candidate base for grafting.
				candidates = append(candidates, mono)
				continue
			}
		}
		last := ex.parentsOfLastBumps(mono, path)
		for i := len(last) - 1; i >= 0; i-- {
			stack = append(stack, last[i])
		}
	}
	if len(candidates) == 0 {
		memo[wantedId] = ""
		return "", false, nil
	}
	candidates = dedupCommitIds(candidates)

	// Dig into the submodule history: materialize the wanted commit's
	// parents first, then the commit itself.
	var parents []CommitId
	var expandedParents []CommitId
	someParentFound := false
	for _, subParent := range wantedSub.Parents {
		graft, found, err := ex.inject(candidates, path, key, subParent, memo)
		if err != nil {
			return "", false, err
		}
		if found {
			someParentFound = true
			expandedParents = append(expandedParents, graft)
			parents = append(parents, graft)
		} else {
			// Keep the original submodule commit as a parent so partial
			// histories stay connected.
			parents = append(parents, subParent)
		}
	}
	if !someParentFound {
		memo[wantedId] = ""
		return "", false, nil
	}

	base, err := ex.infoFor(expandedParents[0])
	if err != nil {
		return "", false, err
	}
	expandedSub, err := ex.expandSubTree(key, wantedSub)
	if err != nil {
		return "", false, err
	}
	tree, err := patchTree(ex.eng.store, base.Tree, path, &TreeEntry{Mode: modeTree, Id: string(expandedSub)})
	if err != nil {
		return "", false, err
	}
	subRec, err := ex.eng.store.ReadCommit(wantedId)
	if err != nil {
		return "", false, errors.Wrapf(err, "reading submodule commit %s", wantedId)
	}
	message, encoding := composeMonoMessage(subRec, []contribution{{
		Path:     path,
		Commit:   wantedId,
		Expanded: true,
	}})
	monoId, err := ex.eng.store.WriteCommit(&CommitRecord{
		Parents:   dedupCommitIds(parents),
		Tree:      tree,
		Author:    subRec.Author,
		Committer: subRec.Committer,
		Encoding:  encoding,
		Message:   message,
	})
	if err != nil {
		return "", false, err
	}
	subs := copySubs(base.Subs)
	subs[path] = subPtr{key, wantedId}
	ex.remember(monoId, &monoInfo{Parents: dedupCommitIds(parents), Tree: tree, Subs: subs})
	ex.eng.maps.addMonoSub(monoId, path, wantedId)
	ex.eng.maps.addBump(key, wantedId, monoId)
	memo[wantedId] = monoId
	if logEnable(logEXPAND) {
		logit("grafted %s commit %s as mono %s at %s", key, wantedId.short(), monoId.short(), path)
	}
	return monoId, true, nil
}

// parentsOfLastBumps returns the mono parents of the nearest ancestors of
// mono where path changed, the step the injection DFS takes to move
// backwards through a submodule's mono history.
func (ex *expander) parentsOfLastBumps(mono CommitId, path string) []CommitId {
	bumpCommits := ex.bumpsAt(mono, path)
	var parents []CommitId
	for _, bump := range bumpCommits {
		info, err := ex.infoFor(bump)
		if err != nil {
			continue
		}
		for _, parent := range info.Parents {
			if ex.isMonoCommit(parent) {
				parents = append(parents, parent)
			}
		}
	}
	return dedupCommitIds(parents)
}

// bumpsAt finds the nearest mono commits at or above mono where path was
// changed, crossing merges. Results are memoized; the walk is iterative
// because submodule histories can be deep.
func (ex *expander) bumpsAt(mono CommitId, path string) []CommitId {
	cacheKey := string(mono) + "\x00" + path
	ex.mutex.Lock()
	if cached, ok := ex.lastBumps[cacheKey]; ok {
		ex.mutex.Unlock()
		return cached
	}
	ex.mutex.Unlock()

	var result []CommitId
	visited := map[CommitId]bool{}
	stack := []CommitId{mono}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[current] {
			continue
		}
		visited[current] = true
		if subs, ok := ex.eng.maps.MonoToSub[current]; ok {
			if _, changed := subs[path]; changed {
				result = append(result, current)
				continue
			}
		}
		info, err := ex.infoFor(current)
		if err != nil {
			continue
		}
		if _, exists := info.Subs[path]; !exists {
			continue
		}
		for _, parent := range info.Parents {
			if ex.isMonoCommit(parent) {
				stack = append(stack, parent)
			}
		}
	}
	result = dedupCommitIds(result)
	ex.mutex.Lock()
	ex.lastBumps[cacheKey] = result
	ex.mutex.Unlock()
	return result
}

// pointerAtMono resolves the submodule commit occupying path in a mono
// commit, walking first parents until a recorded change or a top-sourced
// commit settles the answer.
func (ex *expander) pointerAtMono(mono CommitId, path string) (CommitId, bool) {
	current := mono
	for {
		ex.mutex.Lock()
		info, ok := ex.info[current]
		ex.mutex.Unlock()
		if ok {
			ptr, exists := info.Subs[path]
			return ptr.Commit, exists && ptr.Commit != ""
		}
		if subs, changed := ex.eng.maps.MonoToSub[current]; changed {
			if sub, hit := subs[path]; hit {
				return sub, sub != ""
			}
		}
		if top, isTop := ex.eng.maps.MonoToTop[current]; isTop {
			if tc, ok := ex.eng.graph(topRepoKey).Commits[top]; ok {
				ptr, exists := tc.Submods[path]
				return ptr.Commit, exists
			}
			return "", false
		}
		rec, err := ex.eng.store.ReadCommit(current)
		if err != nil || len(rec.Parents) == 0 {
			return "", false
		}
		if !ex.isMonoCommit(rec.Parents[0]) {
			return "", false
		}
		current = rec.Parents[0]
	}
}

// isMonoCommit distinguishes mono commits from original submodule commits
// appearing as graft parents.
func (ex *expander) isMonoCommit(id CommitId) bool {
	ex.mutex.Lock()
	_, known := ex.info[id]
	ex.mutex.Unlock()
	if known {
		return true
	}
	if _, ok := ex.eng.maps.MonoToTop[id]; ok {
		return true
	}
	if _, ok := ex.eng.maps.MonoToSub[id]; ok {
		return true
	}
	return false
}

// infoFor returns the working record for a mono commit, reconstructing it
// from the maps and the object store for commits created in earlier runs.
func (ex *expander) infoFor(mono CommitId) (*monoInfo, error) {
	ex.mutex.Lock()
	info, ok := ex.info[mono]
	ex.mutex.Unlock()
	if ok {
		return info, nil
	}
	rec, err := ex.eng.store.ReadCommit(mono)
	if err != nil {
		return nil, errors.Wrapf(err, "reading mono commit %s", mono)
	}
	info = &monoInfo{Parents: rec.Parents, Tree: rec.Tree}
	if top, isTop := ex.eng.maps.MonoToTop[mono]; isTop {
		if tc, ok := ex.eng.graph(topRepoKey).Commits[top]; ok {
			info.Subs = ex.monoSubsFor(tc)
		}
	}
	if info.Subs == nil {
		// Reconstruct from the first mono parent plus the recorded
		// changes at this commit.
		info.Subs = map[string]subPtr{}
		if len(rec.Parents) > 0 && ex.isMonoCommit(rec.Parents[0]) {
			parentInfo, err := ex.infoFor(rec.Parents[0])
			if err == nil {
				info.Subs = copySubs(parentInfo.Subs)
			}
		}
		for path, sub := range ex.eng.maps.MonoToSub[mono] {
			if sub == "" {
				delete(info.Subs, path)
			} else {
				info.Subs[path] = subPtr{Commit: sub}
			}
		}
	}
	ex.remember(mono, info)
	return info, nil
}

func (ex *expander) remember(mono CommitId, info *monoInfo) {
	ex.mutex.Lock()
	ex.info[mono] = info
	ex.mutex.Unlock()
}

// monoSubsFor projects a top commit's pointer map onto the expander's
// representation, keeping only paths that exist in the mono tree as
// expanded submodules.
func (ex *expander) monoSubsFor(tc *graphCommit) map[string]subPtr {
	subs := make(map[string]subPtr, len(tc.Submods))
	for path, pointer := range tc.Submods {
		if pointer.expandable() {
			subs[path] = subPtr{pointer.Key, pointer.Commit}
		}
	}
	return subs
}

// rewriteTree replaces every assimilated gitlink in a top commit's tree
// with the expanded tree of the referenced submodule commit. Submodule
// subtree materialization is memoized and parallelized across paths; the
// future in the memo map guarantees at most one materialization per key.
func (ex *expander) rewriteTree(tc *graphCommit) (TreeId, error) {
	type job struct {
		path    string
		pointer SubmodulePointer
	}
	var jobs []job
	for _, path := range tc.sortedSubmodPaths() {
		pointer := tc.Submods[path]
		if !pointer.expandable() {
			continue
		}
		if ex.permanentlyMissing[bumpKey{pointer.Key, pointer.Commit}] {
			continue
		}
		if _, loaded := ex.eng.graph(pointer.Key).get(pointer.Commit); !loaded {
			warn("top commit %s: submodule commit %s at %q is unavailable; keeping the gitlink",
				tc.Id.short(), pointer.Commit.short(), path)
			continue
		}
		jobs = append(jobs, job{path, pointer})
	}

	expanded := make([]TreeId, len(jobs))
	errs := make([]error, len(jobs))
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, maxWorkers)
	for i := range jobs {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-semaphore }()
			sub, _ := ex.eng.graph(jobs[i].pointer.Key).get(jobs[i].pointer.Commit)
			expanded[i], errs[i] = ex.expandSubTree(jobs[i].pointer.Key, sub)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return "", err
		}
	}

	tree := tc.Tree
	for i, j := range jobs {
		var err error
		tree, err = patchTree(ex.eng.store, tree, j.path, &TreeEntry{Mode: modeTree, Id: string(expanded[i])})
		if err != nil {
			return "", errors.Wrapf(err, "splicing %s into %q", j.pointer.Commit.short(), j.path)
		}
	}
	return tree, nil
}

// expandSubTree materializes the tree of a submodule commit with its own
// assimilated nested gitlinks replaced recursively. Pure on its inputs, so
// the result is shared through the memo map; concurrent callers wait on
// the in-flight future instead of duplicating work.
func (ex *expander) expandSubTree(key RepoKey, sub *graphCommit) (TreeId, error) {
	memoKey := string(key) + "\x00" + string(sub.Id)
	if cached, ok := ex.treeMemo.Get(memoKey); ok {
		future := cached.(*treeFuture)
		<-future.done
		return future.tree, future.err
	}
	future := &treeFuture{done: make(chan struct{})}
	if !ex.treeMemo.SetIfAbsent(memoKey, future) {
		raced, _ := ex.treeMemo.Get(memoKey)
		winner := raced.(*treeFuture)
		<-winner.done
		return winner.tree, winner.err
	}
	future.tree, future.err = ex.expandSubTreeUncached(key, sub)
	close(future.done)
	return future.tree, future.err
}

func (ex *expander) expandSubTreeUncached(key RepoKey, sub *graphCommit) (TreeId, error) {
	tree := sub.Tree
	for _, path := range sub.sortedSubmodPaths() {
		pointer := sub.Submods[path]
		if !pointer.expandable() {
			continue
		}
		if ex.permanentlyMissing[bumpKey{pointer.Key, pointer.Commit}] {
			continue
		}
		nested, loaded := ex.eng.graph(pointer.Key).get(pointer.Commit)
		if !loaded {
			warn("submodule %s commit %s: nested commit %s at %q is unavailable; keeping the gitlink",
				key, sub.Id.short(), pointer.Commit.short(), path)
			continue
		}
		nestedTree, err := ex.expandSubTree(pointer.Key, nested)
		if err != nil {
			return "", err
		}
		tree, err = patchTree(ex.eng.store, tree, path, &TreeEntry{Mode: modeTree, Id: string(nestedTree)})
		if err != nil {
			return "", err
		}
	}
	return tree, nil
}

func dedupCommitIds(ids []CommitId) []CommitId {
	seen := map[CommitId]bool{}
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func copySubs(subs map[string]subPtr) map[string]subPtr {
	out := make(map[string]subPtr, len(subs))
	for path, ptr := range subs {
		out[path] = ptr
	}
	return out
}
