// Splitter: decomposes monorepo commits back into per-repository commits
// for pushing. Each mono commit reachable from the pushed ref but not yet
// known upstream becomes one commit per touched repository plus a top
// commit whose gitlinks pin the emitted submodule commits; re-expanding
// the result reproduces the mono commit bit for bit.
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

// pushRefspec is the single <local>:<remote> pair a push operates on.
type pushRefspec struct {
	Local  string
	Remote string
}

// parsePushRefspec accepts "branch", "refs/x/y" or "local:remote"; a bare
// name is qualified as a branch and pushed to the same ref it came from.
func parsePushRefspec(spec string) (pushRefspec, error) {
	if strings.Count(spec, ":") == 0 {
		if !strings.HasPrefix(spec, "refs/") {
			spec = "refs/heads/" + spec
		}
		return pushRefspec{Local: spec, Remote: spec}, nil
	}
	if strings.Count(spec, ":") != 1 {
		return pushRefspec{}, errors.Errorf("multiple ':' in refspec %q", spec)
	}
	parts := strings.SplitN(spec, ":", 2)
	if parts[0] == "" || parts[1] == "" {
		return pushRefspec{}, errors.Errorf("empty side in refspec %q", spec)
	}
	return pushRefspec{Local: parts[0], Remote: parts[1]}, nil
}

// subHead tracks, per submodule path, the repository mounted there and the
// commits a child split commit should use as parents. When a mono commit
// does not touch the path, the parent list is forwarded unchanged, so the
// next commit that does touch it inherits the grandparents.
type subHead struct {
	Key     RepoKey
	Parents []CommitId
}

// splitHeads is the splitter's per-mono-commit state: the top parent
// candidates and one subHead per known submodule mount.
type splitHeads struct {
	Top []CommitId
	Sub map[string]subHead
}

// pushInstruction is one commit that must reach a remote.
type pushInstruction struct {
	Key       RepoKey
	URL       string
	Commit    CommitId
	RemoteRef string
	ExtraArgs []string
}

type splitter struct {
	eng   *engine
	heads map[CommitId]*splitHeads
}

func newSplitter(eng *engine) *splitter {
	return &splitter{eng: eng, heads: make(map[CommitId]*splitHeads)}
}

// runPush is the full push pipeline: load local state, split the mono
// commits behind the refspec, and push the results per repository.
func (eng *engine) runPush(refspec pushRefspec) error {
	if err := eng.loadCache(); err != nil {
		warn("ignoring unusable state cache: %v", err)
	}
	ld := newLoader(eng)
	if _, err := ld.discover(); err != nil {
		return err
	}

	refs, err := eng.store.ListRefs(refspec.Local)
	if err != nil {
		return err
	}
	tip, ok := refs[refspec.Local]
	if !ok {
		return &configError{errors.Errorf("local ref %s does not exist", refspec.Local)}
	}

	sp := newSplitter(eng)
	instructions, err := sp.split(tip, refspec.Remote)
	if err != nil {
		return err
	}
	if len(instructions) == 0 {
		announce("everything up to date, nothing to push")
		return nil
	}
	if err := eng.pushInstructions(instructions); err != nil {
		return err
	}
	if err := eng.saveCache(); err != nil {
		warn("could not persist state cache: %v", err)
	}
	return nil
}

// split walks the mono commits from tip back to the already-expanded
// frontier and splits them oldest first, so parents are always resolved
// before their children.
func (sp *splitter) split(tip CommitId, remoteRef string) ([]pushInstruction, error) {
	control.baton.begin("splitting commits")
	defer control.baton.end()

	order, err := sp.unpushedCommits(tip)
	if err != nil {
		return nil, err
	}
	if logEnable(logSPLIT) {
		logit("%d mono commits to split", len(order))
	}

	var instructions []pushInstruction
	for _, mono := range order {
		if sp.eng.cancelled() {
			return nil, errors.New("interrupted during split")
		}
		batch, err := sp.splitCommit(mono, remoteRef)
		if err != nil {
			return nil, errors.Wrapf(err, "splitting mono commit %s", mono)
		}
		instructions = append(instructions, batch...)
		control.baton.twirl()
	}
	return lastInstructionPerRepo(instructions), nil
}

// unpushedCommits returns the mono commits reachable from tip that are not
// part of the expanded upstream history, parents before children.
func (sp *splitter) unpushedCommits(tip CommitId) ([]CommitId, error) {
	var order []CommitId
	type frame struct {
		id       CommitId
		parents  []CommitId
		expanded bool
	}
	visited := map[CommitId]bool{}
	var stack []frame
	push := func(id CommitId) error {
		if visited[id] {
			return nil
		}
		visited[id] = true
		if sp.isKnownMono(id) {
			return nil
		}
		rec, err := sp.eng.store.ReadCommit(id)
		if err != nil {
			return errors.Wrapf(err, "reading commit %s behind the push ref", id)
		}
		stack = append(stack, frame{id: id, parents: rec.Parents})
		return nil
	}
	if err := push(tip); err != nil {
		return nil, err
	}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if !top.expanded {
			top.expanded = true
			for _, parent := range top.parents {
				if err := push(parent); err != nil {
					return nil, err
				}
			}
			continue
		}
		order = append(order, top.id)
		stack = stack[:len(stack)-1]
	}
	return order, nil
}

// isKnownMono reports whether a commit is part of the expanded upstream
// history and therefore needs no splitting.
func (sp *splitter) isKnownMono(id CommitId) bool {
	if _, ok := sp.eng.maps.MonoToTop[id]; ok {
		return true
	}
	if _, ok := sp.eng.maps.MonoToSub[id]; ok {
		return true
	}
	return false
}

// splitCommit decomposes one mono commit. The returned instructions carry
// every commit written for it; callers collapse them to one push per repo.
func (sp *splitter) splitCommit(mono CommitId, remoteRef string) ([]pushInstruction, error) {
	eng := sp.eng
	rec, err := eng.store.ReadCommit(mono)
	if err != nil {
		return nil, err
	}

	// Merge the parent states: top parents concatenate, and each submodule
	// mount unions the parent lists of every mono parent that knows it.
	merged := &splitHeads{Sub: map[string]subHead{}}
	for _, parent := range rec.Parents {
		heads, err := sp.headsFor(parent)
		if err != nil {
			return nil, err
		}
		merged.Top = uniqueAppendIds(merged.Top, heads.Top...)
		for path, head := range heads.Sub {
			prev := merged.Sub[path]
			prev.Key = head.Key
			prev.Parents = uniqueAppendIds(prev.Parents, head.Parents...)
			merged.Sub[path] = prev
		}
	}

	// Partition the tree delta against the first parent by submodule mount.
	var parentTree TreeId
	if len(rec.Parents) > 0 {
		parentRec, err := eng.store.ReadCommit(rec.Parents[0])
		if err != nil {
			return nil, err
		}
		parentTree = parentRec.Tree
	}
	touched := map[string]bool{} // mount path, "" for the top repository
	err = diffTrees(eng.store, parentTree, rec.Tree, "", func(path string, oldEntry, newEntry *TreeEntry) error {
		mount := ""
		for candidate := range merged.Sub {
			if path == candidate || strings.HasPrefix(path, candidate+"/") {
				mount = candidate
				break
			}
		}
		if mount != "" {
			if inner, nested := sp.nestedMountOf(merged.Sub[mount], mount, path); nested {
				return errors.Errorf(
					"the change at %q is inside the nested submodule at %q; push it from that repository first",
					path, inner)
			}
		}
		touched[mount] = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	message, err := trimPushCarryovers(decodeToUTF8(rec.Message, rec.Encoding))
	if err != nil {
		return nil, err
	}
	pm := splitPushMessage(message)
	if len(touched) > 1 && pm.Topic == "" {
		return nil, errors.Errorf(
			"a commit spread over multiple repositories needs a 'Topic: <name>' footer, which is missing in:\n%s",
			indentBlock(message))
	}
	var extraArgs []string
	if pm.Topic != "" {
		extraArgs = append(extraArgs, "-o", "topic="+pm.Topic)
	}

	var instructions []pushInstruction
	state := &splitHeads{Top: merged.Top, Sub: map[string]subHead{}}
	for path, head := range merged.Sub {
		state.Sub[path] = head
	}

	mounts := make([]string, 0, len(touched))
	for mount := range touched {
		if mount != "" {
			mounts = append(mounts, mount)
		}
	}
	sort.Strings(mounts)
	for _, mount := range mounts {
		head := merged.Sub[mount]
		entry, found, err := readTreeEntry(eng.store, rec.Tree, mount)
		if err != nil {
			return nil, err
		}
		if !found {
			// The submodule was removed; only the top tree changes. The
			// parent list keeps forwarding so a later re-add connects.
			delete(state.Sub, mount)
			continue
		}
		if !entry.isTree() {
			// The expanded directory became a plain gitlink again; adopt it.
			state.Sub[mount] = subHead{Key: head.Key, Parents: []CommitId{CommitId(entry.Id)}}
			continue
		}
		subTree, err := sp.restoreNestedGitlinks(head, mount, TreeId(entry.Id))
		if err != nil {
			return nil, err
		}
		subRec := &CommitRecord{
			Parents:   head.Parents,
			Tree:      subTree,
			Author:    rec.Author,
			Committer: rec.Committer,
			Message:   []byte(pm.Body),
		}
		subId, reused, err := sp.writeDeduplicated(subRec)
		if err != nil {
			return nil, err
		}
		state.Sub[mount] = subHead{Key: head.Key, Parents: []CommitId{subId}}
		eng.maps.addBump(head.Key, subId, mono)
		if !reused {
			url, args, err := sp.pushTargetFor(head.Key)
			if err != nil {
				return nil, err
			}
			instructions = append(instructions, pushInstruction{
				Key:       head.Key,
				URL:       url,
				Commit:    subId,
				RemoteRef: remoteRef,
				ExtraArgs: append(append([]string{}, args...), extraArgs...),
			})
		}
		if logEnable(logSPLIT) {
			logit("mono %s: %s commit %s at %q", mono.short(), head.Key, subId.short(), mount)
		}
	}

	// The top commit: the mono tree with every known mount collapsed back
	// to a gitlink, parented on the top counterparts of the mono parents.
	topTree := rec.Tree
	allMounts := make([]string, 0, len(state.Sub))
	for mount := range state.Sub {
		allMounts = append(allMounts, mount)
	}
	sort.Strings(allMounts)
	for _, mount := range allMounts {
		head := state.Sub[mount]
		if len(head.Parents) == 0 {
			continue
		}
		if _, found, err := readTreeEntry(eng.store, topTree, mount); err != nil {
			return nil, err
		} else if !found {
			continue
		}
		topTree, err = patchTree(eng.store, topTree, mount,
			&TreeEntry{Mode: modeGitlink, Id: string(head.Parents[0])})
		if err != nil {
			return nil, err
		}
	}
	topRec := &CommitRecord{
		Parents:   merged.Top,
		Tree:      topTree,
		Author:    rec.Author,
		Committer: rec.Committer,
		Message:   []byte(pm.Body),
	}
	topId, reused, err := sp.writeDeduplicated(topRec)
	if err != nil {
		return nil, err
	}
	state.Top = []CommitId{topId}
	eng.maps.MonoToTop[mono] = topId
	eng.maps.TopToMono[topId] = mono
	if !reused {
		url := sp.eng.config.TopPushURL()
		instructions = append(instructions, pushInstruction{
			Key:       topRepoKey,
			URL:       url,
			Commit:    topId,
			RemoteRef: remoteRef,
			ExtraArgs: extraArgs,
		})
	}
	if logEnable(logSPLIT) {
		logit("mono %s: top commit %s", mono.short(), topId.short())
	}
	sp.heads[mono] = state
	return instructions, nil
}

// headsFor resolves the split state of a mono parent. Commits processed by
// this run carry their recorded state. For upstream history the state is
// seeded from the nearest top-sourced ancestor; bump commits in between
// (a branch based on a placed submodule tip) contribute their recorded
// pointer overrides along the way.
func (sp *splitter) headsFor(mono CommitId) (*splitHeads, error) {
	if heads, ok := sp.heads[mono]; ok {
		return heads, nil
	}
	overrides := map[string]CommitId{}
	current := mono
	for {
		if top, ok := sp.eng.maps.MonoToTop[current]; ok {
			tc, ok := sp.eng.graph(topRepoKey).Commits[top]
			if !ok {
				return nil, &invariantViolation{errors.Errorf(
					"top commit %s behind mono %s is not loaded", top, mono)}
			}
			heads := &splitHeads{Top: []CommitId{top}, Sub: map[string]subHead{}}
			for path, pointer := range tc.Submods {
				if pointer.expandable() {
					heads.Sub[path] = subHead{Key: pointer.Key, Parents: []CommitId{pointer.Commit}}
				}
			}
			for path, sub := range overrides {
				base, known := heads.Sub[path]
				if !known {
					warn("mono commit %s: pointer override at unknown path %q ignored", mono.short(), path)
					continue
				}
				if sub == "" {
					delete(heads.Sub, path)
				} else {
					heads.Sub[path] = subHead{Key: base.Key, Parents: []CommitId{sub}}
				}
			}
			sp.heads[mono] = heads
			return heads, nil
		}
		if subs, ok := sp.eng.maps.MonoToSub[current]; ok {
			// The override nearest to mono wins.
			for path, sub := range subs {
				if _, seen := overrides[path]; !seen {
					overrides[path] = sub
				}
			}
		} else if current != mono {
			return nil, &invariantViolation{errors.Errorf(
				"mono commit %s is neither split nor part of the expanded history", mono)}
		}
		rec, err := sp.eng.store.ReadCommit(current)
		if err != nil {
			return nil, errors.Wrapf(err, "reading mono commit %s", current)
		}
		if len(rec.Parents) == 0 {
			return nil, &invariantViolation{errors.Errorf(
				"mono commit %s has no top-sourced ancestry to split against", mono)}
		}
		current = rec.Parents[0]
	}
}

// nestedMountOf reports whether a changed path lies inside a submodule
// nested within the mounted repository, which a top-level push cannot
// represent.
func (sp *splitter) nestedMountOf(head subHead, mount, path string) (string, bool) {
	if len(head.Parents) == 0 {
		return "", false
	}
	sub, ok := sp.eng.graph(head.Key).get(head.Parents[0])
	if !ok {
		return "", false
	}
	rel := strings.TrimPrefix(path, mount+"/")
	for inner, pointer := range sub.Submods {
		if !pointer.expandable() {
			continue
		}
		if rel == inner || strings.HasPrefix(rel, inner+"/") {
			return joinPath(mount, inner), true
		}
	}
	return "", false
}

// restoreNestedGitlinks puts back the gitlink entries for submodules nested
// inside the repository mounted at mount. Their content is unchanged, the
// partitioning above rejects edits under them, so the parent's pointers are
// exact.
func (sp *splitter) restoreNestedGitlinks(head subHead, mount string, tree TreeId) (TreeId, error) {
	if len(head.Parents) == 0 {
		return tree, nil
	}
	sub, ok := sp.eng.graph(head.Key).get(head.Parents[0])
	if !ok {
		return tree, nil
	}
	for _, inner := range sub.sortedSubmodPaths() {
		pointer := sub.Submods[inner]
		if !pointer.expandable() {
			continue
		}
		var err error
		tree, err = patchTree(sp.eng.store, tree, inner,
			&TreeEntry{Mode: modeGitlink, Id: string(pointer.Commit)})
		if err != nil {
			return "", errors.Wrapf(err, "restoring nested gitlink at %q under %q", inner, mount)
		}
	}
	return tree, nil
}

// writeDeduplicated writes a commit unless one with the same tree, parents,
// author and message was pushed before; committer date drift alone does not
// make a new commit.
func (sp *splitter) writeDeduplicated(rec *CommitRecord) (CommitId, bool, error) {
	identity := rec.identityHash()
	if id, ok := sp.eng.pushedByIdentity[identity]; ok {
		return id, true, nil
	}
	id, err := sp.eng.store.WriteCommit(rec)
	if err != nil {
		return "", false, err
	}
	sp.eng.pushedByIdentity[identity] = id
	return id, false, nil
}

func (sp *splitter) pushTargetFor(key RepoKey) (string, []string, error) {
	table, ok := sp.eng.config.Repo[string(key)]
	if !ok {
		return "", nil, errors.Errorf("repo %s is not configured for pushing", key)
	}
	url := joinSubmoduleURL(sp.eng.config.TopFetchURL, table.Push.URL)
	return url, table.Push.Args, nil
}

// trimPushCarryovers removes a single trailing "^-- " annotation left by an
// upstream cherry-pick; a message with more of them already exists upstream
// and must not be pushed again.
func trimPushCarryovers(message string) (string, error) {
	if idx := strings.LastIndex(message, "\n^-- "); idx != -1 {
		message = message[:idx+1]
	}
	if strings.Contains(message, "\n^-- ") || strings.HasPrefix(message, "^-- ") {
		return "", errors.Errorf(
			"'^-- ' found in this commit message; the commit seems to exist upstream already:\n%s",
			indentBlock(message))
	}
	return message, nil
}

func indentBlock(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "  " + line
	}
	return strings.Join(lines, "\n")
}

func uniqueAppendIds(dest []CommitId, ids ...CommitId) []CommitId {
	for _, id := range ids {
		found := false
		for _, have := range dest {
			if have == id {
				found = true
				break
			}
		}
		if !found {
			dest = append(dest, id)
		}
	}
	return dest
}

// lastInstructionPerRepo keeps only the newest commit per repository and
// argument set; pushing a tip pushes its ancestry.
func lastInstructionPerRepo(instructions []pushInstruction) []pushInstruction {
	type target struct {
		key  RepoKey
		url  string
		ref  string
		args string
	}
	index := map[target]int{}
	var out []pushInstruction
	for _, instr := range instructions {
		t := target{instr.Key, instr.URL, instr.RemoteRef, strings.Join(instr.ExtraArgs, "\x00")}
		if at, ok := index[t]; ok {
			out[at] = instr
			continue
		}
		index[t] = len(out)
		out = append(out, instr)
	}
	return out
}

// pushInstructions sends the split commits to their remotes, one worker per
// repository. Failures are reported per repository and do not stop pushes
// to the others.
func (eng *engine) pushInstructions(instructions []pushInstruction) error {
	sort.SliceStable(instructions, func(i, j int) bool {
		return instructions[i].Key < instructions[j].Key
	})
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, maxWorkers)
	errs := make([]error, len(instructions))
	for i := range instructions {
		if eng.cancelled() {
			return errors.New("interrupted before pushing")
		}
		wg.Add(1)
		semaphore <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-semaphore }()
			instr := instructions[i]
			err := eng.transport.Push(instr.URL, instr.Commit, instr.RemoteRef, instr.ExtraArgs)
			if err != nil {
				errs[i] = &transportError{instr.Key, err}
			}
		}(i)
	}
	wg.Wait()
	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			warn("%v", err)
		}
	}
	if failures > 0 {
		return errors.Errorf("%d of %d pushes failed", failures, len(instructions))
	}
	announce("pushed %s", summarizePushes(instructions))
	return nil
}

func summarizePushes(instructions []pushInstruction) string {
	parts := make([]string, 0, len(instructions))
	for _, instr := range instructions {
		parts = append(parts, fmt.Sprintf("%s (%s)", instr.Key, instr.Commit.short()))
	}
	return strings.Join(parts, ", ")
}
