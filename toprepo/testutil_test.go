// Shared test fixtures: an engine over the in-memory object store and a
// small builder for multi-repository commit histories. The store computes
// real git hashes, so the expectations here hold against a plumbing-backed
// run too.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"testing"

	"github.com/ianbruene/go-difflib/difflib"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	control.init()
	control.baton.disable()
	// Warnings about fixture oddities are part of several expectations;
	// keep them counted but off the terminal.
	control.logmask = logSHOUT
	os.Exit(m.Run())
}

const (
	testAuthor    = "A U Thor <author@example.com> 1112911993 +0200"
	testCommitter = "C O Mitter <committer@example.com> 1112912053 +0200"
	testTopURL    = "https://example.com/top.git"
)

type fixture struct {
	t   *testing.T
	eng *engine
}

func newFixture(t *testing.T, configDoc string) *fixture {
	t.Helper()
	config, err := parseConfig([]byte(configDoc))
	require.NoError(t, err)
	config.TopFetchURL = testTopURL
	eng := newEngine(context.Background(), config, nil, newMemoryOdb(), nil)
	eng.gitDir = t.TempDir()
	return &fixture{t: t, eng: eng}
}

// commit writes a commit whose tree holds the given blob contents and
// gitlinks, both keyed by slash-separated path.
func (f *fixture) commit(message string, parents []CommitId, files map[string]string, gitlinks map[string]CommitId) CommitId {
	f.t.Helper()
	store := f.eng.store
	tree, err := store.WriteTree(nil)
	require.NoError(f.t, err)
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		blob, err := store.WriteBlob([]byte(files[path]))
		require.NoError(f.t, err)
		tree, err = patchTree(store, tree, path, &TreeEntry{Mode: modeBlob, Id: string(blob)})
		require.NoError(f.t, err)
	}
	paths = paths[:0]
	for path := range gitlinks {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		tree, err = patchTree(store, tree, path, &TreeEntry{Mode: modeGitlink, Id: string(gitlinks[path])})
		require.NoError(f.t, err)
	}
	id, err := store.WriteCommit(&CommitRecord{
		Parents:   parents,
		Tree:      tree,
		Author:    testAuthor,
		Committer: testCommitter,
		Message:   []byte(message),
	})
	require.NoError(f.t, err)
	return id
}

// setTip registers a ref tip inside a repository's namespace, the way a
// fetch would have imported it.
func (f *fixture) setTip(key RepoKey, name string, id CommitId) {
	f.t.Helper()
	require.NoError(f.t, f.eng.store.UpdateRef(key.refPrefix()+name, id))
}

// gitmodules renders a .gitmodules document for the given path -> URL map.
func gitmodules(entries map[string]string) string {
	paths := make([]string, 0, len(entries))
	for path := range entries {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	var doc strings.Builder
	for _, path := range paths {
		fmt.Fprintf(&doc, "[submodule %q]\n\tpath = %s\n\turl = %s\n", path, path, entries[path])
	}
	return doc.String()
}

// discover runs the loader and requires that nothing needs fetching.
func (f *fixture) discover() *loader {
	f.t.Helper()
	ld := newLoader(f.eng)
	missing, err := ld.discover()
	require.NoError(f.t, err)
	require.Empty(f.t, missing, "fixture history references commits it never wrote")
	return ld
}

// expand runs the loader and the expander over every top tip.
func (f *fixture) expand() *expander {
	f.t.Helper()
	f.discover()
	ex := newExpander(f.eng)
	tips := sortedTipCommits(f.eng.graph(topRepoKey))
	require.NoError(f.t, ex.expandTips(tips))
	return ex
}

func (f *fixture) monoOf(top CommitId) CommitId {
	f.t.Helper()
	mono, ok := f.eng.maps.TopToMono[top]
	require.True(f.t, ok, "top commit %s was not expanded", top)
	return mono
}

// treeContents flattens a tree to path -> "blob:<content>" or
// "gitlink:<id>" for comparison against expectations.
func (f *fixture) treeContents(tree TreeId) map[string]string {
	f.t.Helper()
	out := map[string]string{}
	var walk func(tree TreeId, prefix string)
	walk = func(tree TreeId, prefix string) {
		entries, err := f.eng.store.ReadTree(tree)
		require.NoError(f.t, err)
		for _, entry := range entries {
			path := joinPath(prefix, entry.Name)
			switch {
			case entry.isTree():
				walk(TreeId(entry.Id), path)
			case entry.isGitlink():
				out[path] = "gitlink:" + entry.Id
			default:
				data, err := f.eng.store.ReadBlob(BlobId(entry.Id))
				require.NoError(f.t, err)
				out[path] = "blob:" + string(data)
			}
		}
	}
	walk(tree, "")
	return out
}

func (f *fixture) monoTreeContents(top CommitId) map[string]string {
	f.t.Helper()
	rec, err := f.eng.store.ReadCommit(f.monoOf(top))
	require.NoError(f.t, err)
	return f.treeContents(rec.Tree)
}

func (f *fixture) readCommit(id CommitId) *CommitRecord {
	f.t.Helper()
	rec, err := f.eng.store.ReadCommit(id)
	require.NoError(f.t, err)
	return rec
}

// historyDump renders the ancestry of a commit as stable text: subject
// lines with parent back-references, oldest first. Used with a unified
// diff so a mismatch shows the whole divergent region at once.
func (f *fixture) historyDump(tip CommitId) string {
	f.t.Helper()
	var order []CommitId
	seen := map[CommitId]bool{}
	var visit func(id CommitId)
	visit = func(id CommitId) {
		if seen[id] {
			return
		}
		seen[id] = true
		rec, err := f.eng.store.ReadCommit(id)
		if err != nil {
			order = append(order, id)
			return
		}
		for _, parent := range rec.Parents {
			visit(parent)
		}
		order = append(order, id)
	}
	visit(tip)
	index := map[CommitId]int{}
	for i, id := range order {
		index[id] = i
	}
	var dump strings.Builder
	for i, id := range order {
		rec, err := f.eng.store.ReadCommit(id)
		if err != nil {
			fmt.Fprintf(&dump, "%d: <unreadable %s>\n", i, id.short())
			continue
		}
		subject := strings.SplitN(decodeToUTF8(rec.Message, rec.Encoding), "\n", 2)[0]
		refs := make([]string, 0, len(rec.Parents))
		for _, parent := range rec.Parents {
			refs = append(refs, fmt.Sprintf("%d", index[parent]))
		}
		fmt.Fprintf(&dump, "%d: %s <- [%s]\n", i, subject, strings.Join(refs, " "))
	}
	return dump.String()
}

// requireSameHistory diffs two history dumps and fails with a unified diff
// on mismatch.
func requireSameHistory(t *testing.T, expected, actual string) {
	t.Helper()
	if expected == actual {
		return
	}
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(expected),
		B:        difflib.SplitLines(actual),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  3,
	})
	t.Fatalf("histories differ:\n%s", diff)
}
