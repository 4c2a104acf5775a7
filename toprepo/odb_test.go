// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hashes below are what git itself produces; the store must agree with
// them byte for byte or two clients diverge.

func TestHashObjectMatchesGit(t *testing.T) {
	// git hash-object -t blob --stdin </dev/null
	assert.Equal(t, "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391", hashObject("blob", nil))
	// printf 'hello\n' | git hash-object -t blob --stdin
	assert.Equal(t, "ce013625030ba8dba906f756967f9e9ca394464a", hashObject("blob", []byte("hello\n")))
	// git mktree </dev/null
	assert.Equal(t, "4b825dc642cb6eb9a060e54bf8d69288fbee4904", hashObject("tree", nil))
}

func TestTreeSortOrder(t *testing.T) {
	// Directories collate as if their name had a trailing slash, so
	// "a.txt" < "a" (dir) contents-wise becomes "a.txt" < "a/".
	entries := []TreeEntry{
		{Mode: modeTree, Name: "a", Id: "4b825dc642cb6eb9a060e54bf8d69288fbee4904"},
		{Mode: modeBlob, Name: "a.txt", Id: "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"},
		{Mode: modeBlob, Name: "a0", Id: "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"},
	}
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sortTreeEntries(sorted)
	assert.Equal(t, []string{"a.txt", "a", "a0"},
		[]string{sorted[0].Name, sorted[1].Name, sorted[2].Name})
}

func TestCommitRoundTrip(t *testing.T) {
	store := newMemoryOdb()
	tree, err := store.WriteTree(nil)
	require.NoError(t, err)
	rec := &CommitRecord{
		Parents:   []CommitId{"1111111111111111111111111111111111111111"},
		Tree:      tree,
		Author:    testAuthor,
		Committer: testCommitter,
		Encoding:  "ISO-8859-1",
		Message:   []byte("subject\n\nbody caf\xe9\n"),
	}
	id, err := store.WriteCommit(rec)
	require.NoError(t, err)
	back, err := store.ReadCommit(id)
	require.NoError(t, err)
	assert.Equal(t, rec.Parents, back.Parents)
	assert.Equal(t, rec.Tree, back.Tree)
	assert.Equal(t, rec.Author, back.Author)
	assert.Equal(t, rec.Committer, back.Committer)
	assert.Equal(t, rec.Encoding, back.Encoding)
	assert.Equal(t, rec.Message, back.Message)

	// Writing the identical record is idempotent on the id.
	again, err := store.WriteCommit(rec)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestTreeRoundTrip(t *testing.T) {
	store := newMemoryOdb()
	blob, err := store.WriteBlob([]byte("content\n"))
	require.NoError(t, err)
	entries := []TreeEntry{
		{Mode: modeBlob, Name: "file.txt", Id: string(blob)},
		{Mode: modeGitlink, Name: "sub", Id: "1111111111111111111111111111111111111111"},
	}
	tree, err := store.WriteTree(entries)
	require.NoError(t, err)
	back, err := store.ReadTree(tree)
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, "file.txt", back[0].Name)
	assert.True(t, back[1].isGitlink())
}

func TestMemoryOdbNotFound(t *testing.T) {
	store := newMemoryOdb()
	_, err := store.ReadCommit("1111111111111111111111111111111111111111")
	assert.True(t, isNotFound(err))
	// A blob is not a commit.
	blob, err := store.WriteBlob([]byte("x"))
	require.NoError(t, err)
	_, err = store.ReadCommit(CommitId(blob))
	require.Error(t, err)
	assert.False(t, isNotFound(err))
}

func TestReadTreeEntry(t *testing.T) {
	f := newFixture(t, "")
	top := f.commit("c\n", nil, map[string]string{
		"a/b/c.txt": "deep\n",
		"root.txt":  "shallow\n",
	}, map[string]CommitId{"a/sub": "1111111111111111111111111111111111111111"})
	rec := f.readCommit(top)

	entry, found, err := readTreeEntry(f.eng.store, rec.Tree, "a/b/c.txt")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, modeBlob, entry.Mode)

	entry, found, err = readTreeEntry(f.eng.store, rec.Tree, "a/sub")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, entry.isGitlink())

	_, found, err = readTreeEntry(f.eng.store, rec.Tree, "a/b/missing.txt")
	require.NoError(t, err)
	assert.False(t, found)

	// Descending through a blob finds nothing rather than erroring.
	_, found, err = readTreeEntry(f.eng.store, rec.Tree, "root.txt/under")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPatchTree(t *testing.T) {
	f := newFixture(t, "")
	store := f.eng.store
	top := f.commit("c\n", nil, map[string]string{
		"dir/file.txt": "old\n",
		"other.txt":    "keep\n",
	}, nil)
	base := f.readCommit(top).Tree

	blob, err := store.WriteBlob([]byte("new\n"))
	require.NoError(t, err)
	patched, err := patchTree(store, base, "dir/file.txt", &TreeEntry{Mode: modeBlob, Id: string(blob)})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"dir/file.txt": "blob:new\n",
		"other.txt":    "blob:keep\n",
	}, f.treeContents(patched))

	// Deleting the only entry of a directory removes the directory.
	deleted, err := patchTree(store, base, "dir/file.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"other.txt": "blob:keep\n"}, f.treeContents(deleted))

	// Intermediate directories appear as needed.
	created, err := patchTree(store, base, "new/deep/leaf.txt", &TreeEntry{Mode: modeBlob, Id: string(blob)})
	require.NoError(t, err)
	assert.Equal(t, "blob:new\n", f.treeContents(created)["new/deep/leaf.txt"])

	// The original tree is untouched throughout.
	assert.Equal(t, "blob:old\n", f.treeContents(base)["dir/file.txt"])
}

func TestDiffTrees(t *testing.T) {
	f := newFixture(t, "")
	before := f.readCommit(f.commit("before\n", nil, map[string]string{
		"same.txt":      "same\n",
		"changed.txt":   "old\n",
		"removed.txt":   "gone\n",
		"dir/inner.txt": "old\n",
	}, map[string]CommitId{"sub": "1111111111111111111111111111111111111111"})).Tree
	after := f.readCommit(f.commit("after\n", nil, map[string]string{
		"same.txt":      "same\n",
		"changed.txt":   "new\n",
		"added.txt":     "new\n",
		"dir/inner.txt": "new\n",
	}, map[string]CommitId{"sub": "2222222222222222222222222222222222222222"})).Tree

	visited := map[string]string{}
	err := diffTrees(f.eng.store, before, after, "", func(path string, oldEntry, newEntry *TreeEntry) error {
		kind := "changed"
		if oldEntry == nil {
			kind = "added"
		} else if newEntry == nil {
			kind = "removed"
		}
		visited[path] = kind
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"changed.txt":   "changed",
		"added.txt":     "added",
		"removed.txt":   "removed",
		"dir/inner.txt": "changed",
		"sub":           "changed",
	}, visited)
}

func TestIdentityHashIgnoresCommitter(t *testing.T) {
	base := &CommitRecord{
		Parents: []CommitId{"1111111111111111111111111111111111111111"},
		Tree:    "4b825dc642cb6eb9a060e54bf8d69288fbee4904",
		Author:  testAuthor,
		Message: []byte("message\n"),
	}
	later := *base
	later.Committer = "C O Mitter <committer@example.com> 1199999999 +0000"
	assert.Equal(t, base.identityHash(), later.identityHash())

	edited := *base
	edited.Message = []byte("different\n")
	assert.NotEqual(t, base.identityHash(), edited.identityHash())
}
