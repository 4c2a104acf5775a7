// Fetch-coordinator tests: a fake transport copies objects from a
// "remote" store into the engine's store on demand, so the fetch loop can
// be driven to its fixpoint without subprocesses.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is called from the coordinator's workers, so its own
// bookkeeping is mutex guarded like the real transport's.
type fakeTransport struct {
	t       *testing.T
	remote  ObjectStore
	local   ObjectStore
	mutex   sync.Mutex
	fetched map[RepoKey][][]CommitId
	broken  map[RepoKey]bool
	pushed  []pushInstruction
}

func newFakeTransport(t *testing.T, remote, local ObjectStore) *fakeTransport {
	return &fakeTransport{
		t:       t,
		remote:  remote,
		local:   local,
		fetched: map[RepoKey][][]CommitId{},
		broken:  map[RepoKey]bool{},
	}
}

func (ft *fakeTransport) FetchTop() error { return nil }

func (ft *fakeTransport) FetchRepo(key RepoKey, wanted []CommitId) error {
	ft.mutex.Lock()
	ft.fetched[key] = append(ft.fetched[key], wanted)
	broken := ft.broken[key]
	ft.mutex.Unlock()
	if broken {
		return errors.New("remote hung up")
	}
	for _, id := range wanted {
		ft.copyHistory(id)
	}
	return nil
}

func (ft *fakeTransport) Push(url string, id CommitId, remoteRef string, extraArgs []string) error {
	ft.mutex.Lock()
	ft.pushed = append(ft.pushed, pushInstruction{URL: url, Commit: id, RemoteRef: remoteRef, ExtraArgs: extraArgs})
	ft.mutex.Unlock()
	return nil
}

// copyHistory moves a commit with its trees, blobs and ancestry from the
// remote store into the local one.
func (ft *fakeTransport) copyHistory(id CommitId) {
	rec, err := ft.remote.ReadCommit(id)
	if isNotFound(err) {
		return
	}
	require.NoError(ft.t, err)
	ft.copyTree(rec.Tree)
	written, err := ft.local.WriteCommit(rec)
	require.NoError(ft.t, err)
	require.Equal(ft.t, id, written)
	for _, parent := range rec.Parents {
		ft.copyHistory(parent)
	}
}

func (ft *fakeTransport) copyTree(tree TreeId) {
	entries, err := ft.remote.ReadTree(tree)
	require.NoError(ft.t, err)
	for _, entry := range entries {
		switch {
		case entry.isTree():
			ft.copyTree(TreeId(entry.Id))
		case entry.isGitlink():
			// Gitlinks stay pointers; nothing to copy.
		default:
			data, err := ft.remote.ReadBlob(BlobId(entry.Id))
			require.NoError(ft.t, err)
			_, err = ft.local.WriteBlob(data)
			require.NoError(ft.t, err)
		}
	}
	_, err = ft.local.WriteTree(entries)
	require.NoError(ft.t, err)
}

// remoteFixture builds commits in a second store the engine cannot see
// until the transport copies them.
func remoteCommit(t *testing.T, store ObjectStore, message string, parents []CommitId, files map[string]string) CommitId {
	t.Helper()
	tree, err := store.WriteTree(nil)
	require.NoError(t, err)
	for path, content := range files {
		blob, err := store.WriteBlob([]byte(content))
		require.NoError(t, err)
		tree, err = patchTree(store, tree, path, &TreeEntry{Mode: modeBlob, Id: string(blob)})
		require.NoError(t, err)
	}
	id, err := store.WriteCommit(&CommitRecord{
		Parents:   parents,
		Tree:      tree,
		Author:    testAuthor,
		Committer: testCommitter,
		Message:   []byte(message),
	})
	require.NoError(t, err)
	return id
}

func TestFetchLoopReachesFixpoint(t *testing.T) {
	f := newFixture(t, scenarioConfig)
	remote := newMemoryOdb()
	transport := newFakeTransport(t, remote, f.eng.store)
	f.eng.transport = transport

	x1 := remoteCommit(t, remote, "x1\n", nil, map[string]string{"xfile.txt": "1\n"})
	x2 := remoteCommit(t, remote, "x2\n", []CommitId{x1}, map[string]string{"xfile.txt": "2\n"})
	a := f.commit("A\n", nil,
		map[string]string{".gitmodules": topModulesXOnly, "top.txt": "A\n"},
		map[string]CommitId{"subx": x2})
	f.setTip(topRepoKey, "refs/remotes/origin/main", a)

	ld := newLoader(f.eng)
	missing, err := ld.discover()
	require.NoError(t, err)
	require.Equal(t, []missingEntry{{"namex", x2}}, missing)

	missing, err = f.eng.fetchMissing(ld, missing)
	require.NoError(t, err)
	assert.Empty(t, missing)
	require.Len(t, transport.fetched["namex"], 1)
	assert.Equal(t, []CommitId{x2}, transport.fetched["namex"][0])

	// The fetched history is fully discovered.
	graph := f.eng.graph(RepoKey("namex"))
	_, ok := graph.Commits[x1]
	assert.True(t, ok)
	_, ok = graph.Commits[x2]
	assert.True(t, ok)
}

func TestFetchLoopIsolatesBrokenRepos(t *testing.T) {
	f := newFixture(t, scenarioConfig)
	remote := newMemoryOdb()
	transport := newFakeTransport(t, remote, f.eng.store)
	transport.broken["namey"] = true
	f.eng.transport = transport

	x1 := remoteCommit(t, remote, "x1\n", nil, map[string]string{"xfile.txt": "1\n"})
	y1 := remoteCommit(t, remote, "y1\n", nil, map[string]string{"yfile.txt": "1\n"})
	a := f.commit("A\n", nil,
		map[string]string{".gitmodules": topModules, "top.txt": "A\n"},
		map[string]CommitId{"subx": x1, "suby": y1})
	f.setTip(topRepoKey, "refs/remotes/origin/main", a)

	ld := newLoader(f.eng)
	missing, err := ld.discover()
	require.NoError(t, err)
	require.Len(t, missing, 2)

	missing, err = f.eng.fetchMissing(ld, missing)
	require.NoError(t, err)
	// The healthy repository arrived, the broken one is reported missing.
	assert.Equal(t, []missingEntry{{"namey", y1}}, missing)
	_, ok := f.eng.graph(RepoKey("namex")).Commits[x1]
	assert.True(t, ok)
}

func TestFetchLoopStopsWithoutProgress(t *testing.T) {
	f := newFixture(t, scenarioConfig)
	remote := newMemoryOdb()
	// The transport succeeds but the remote never has the commit.
	transport := newFakeTransport(t, remote, f.eng.store)
	f.eng.transport = transport

	ghost := CommitId("9999999999999999999999999999999999999999")
	a := f.commit("A\n", nil,
		map[string]string{".gitmodules": topModulesXOnly, "top.txt": "A\n"},
		map[string]CommitId{"subx": ghost})
	f.setTip(topRepoKey, "refs/remotes/origin/main", a)

	ld := newLoader(f.eng)
	missing, err := ld.discover()
	require.NoError(t, err)

	missing, err = f.eng.fetchMissing(ld, missing)
	require.NoError(t, err)
	assert.Equal(t, []missingEntry{{"namex", ghost}}, missing)
	// Exactly one round: no progress means no retry.
	assert.Len(t, transport.fetched["namex"], 1)
}

func TestPublishRefs(t *testing.T) {
	f := newFixture(t, scenarioConfig)
	x1 := f.commit("x1\n", nil, map[string]string{"xfile.txt": "1\n"}, nil)
	a := f.commit("A\n", nil,
		map[string]string{".gitmodules": topModulesXOnly, "top.txt": "A\n"},
		map[string]CommitId{"subx": x1})
	f.setTip(topRepoKey, "refs/remotes/origin/main", a)
	f.setTip(topRepoKey, "HEAD", a)
	f.expand()
	require.NoError(t, f.eng.publishRefs())

	refs, err := f.eng.store.ListRefs("refs/remotes/origin/")
	require.NoError(t, err)
	assert.Equal(t, f.monoOf(a), refs["refs/remotes/origin/main"])
}
