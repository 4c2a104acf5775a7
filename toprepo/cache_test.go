// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheRoundTrip(t *testing.T) {
	f := newFixture(t, scenarioConfig)
	x1 := f.commit("x1\n", nil, map[string]string{"xfile.txt": "1\n"}, nil)
	x2 := f.commit("x2\n", []CommitId{x1}, map[string]string{"xfile.txt": "2\n"}, nil)
	a := f.commit("A\n", nil,
		map[string]string{".gitmodules": topModulesXOnly, "top.txt": "A\n"},
		map[string]CommitId{"subx": x1})
	b := f.commit("B\n", []CommitId{a},
		map[string]string{".gitmodules": topModulesXOnly, "top.txt": "B\n"},
		map[string]CommitId{"subx": x2})
	f.setTip(topRepoKey, "refs/remotes/origin/main", b)
	f.expand()
	f.eng.pushedByIdentity["deadbeef"] = x1

	require.NoError(t, f.eng.saveCache())

	// A second engine over the same store resumes from the file.
	other := newEngine(context.Background(), f.eng.config, nil, f.eng.store, nil)
	other.gitDir = f.eng.gitDir
	require.NoError(t, other.loadCache())
	assert.Equal(t, f.eng.maps.TopToMono, other.maps.TopToMono)
	assert.Equal(t, f.eng.maps.MonoToTop, other.maps.MonoToTop)
	assert.Equal(t, f.eng.maps.MonoToSub, other.maps.MonoToSub)
	assert.Equal(t, f.eng.pushedByIdentity, other.pushedByIdentity)
	for bk := range f.eng.maps.BumpToMono {
		assert.Equal(t,
			f.eng.maps.bumpMonos(bk.Key, bk.Commit),
			other.maps.bumpMonos(bk.Key, bk.Commit), "%v", bk)
	}

	// Saving again from the reloaded engine is byte-identical.
	var first, second bytes.Buffer
	require.NoError(t, f.eng.writeCache(&first))
	require.NoError(t, other.writeCache(&second))
	assert.Equal(t, first.String(), second.String())
}

func TestCacheDropsEntriesWithAbsentSources(t *testing.T) {
	f := newFixture(t, scenarioConfig)
	x1 := f.commit("x1\n", nil, map[string]string{"xfile.txt": "1\n"}, nil)
	ghost := strings.Repeat("9", 40)
	doc := cacheMagic + "\n" +
		"top " + ghost + " " + string(x1) + "\n" +
		"top " + string(x1) + " " + string(x1) + "\n" +
		"bump namex " + ghost + " " + string(x1) + "\n" +
		"sub " + string(x1) + " \"subx\" " + ghost + "\n" +
		"sub " + string(x1) + " \"sub x\" -\n" +
		"pushed cafecafe " + ghost + "\n"
	require.NoError(t, f.eng.readCache(strings.NewReader(doc)))

	// Only records whose commits exist in the store survive.
	assert.Equal(t, map[CommitId]CommitId{x1: x1}, f.eng.maps.TopToMono)
	assert.Empty(t, f.eng.maps.BumpToMono)
	assert.Empty(t, f.eng.pushedByIdentity)
	assert.Equal(t, map[string]CommitId{"sub x": ""}, f.eng.maps.MonoToSub[x1])
}

func TestCacheRejectsForeignFiles(t *testing.T) {
	f := newFixture(t, scenarioConfig)
	assert.Error(t, f.eng.readCache(strings.NewReader("some other format\n")))
	assert.Error(t, f.eng.readCache(strings.NewReader(cacheMagic+"\nnonsense record here\n")))
}

func TestCacheMissingFileIsEmpty(t *testing.T) {
	f := newFixture(t, scenarioConfig)
	require.NoError(t, f.eng.loadCache())
	assert.Empty(t, f.eng.maps.TopToMono)
}

func TestParseSubRecordQuotedPath(t *testing.T) {
	mono, path, sub, err := parseSubRecord(`sub 1111111111111111111111111111111111111111 "dir with space/sub" 2222222222222222222222222222222222222222`)
	require.NoError(t, err)
	assert.Equal(t, CommitId("1111111111111111111111111111111111111111"), mono)
	assert.Equal(t, "dir with space/sub", path)
	assert.Equal(t, CommitId("2222222222222222222222222222222222222222"), sub)

	_, _, sub, err = parseSubRecord(`sub 1111111111111111111111111111111111111111 "gone" -`)
	require.NoError(t, err)
	assert.Equal(t, CommitId(""), sub)
}
