// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[repo.namex]
urls = ["https://example.com/subx.git", "ssh://git@example.com/subx.git"]

[repo.namex.fetch]
depth = 7

[repo.namey]
urls = ["https://example.com/suby.git"]
enabled = false

[repo.namey.push]
url = "https://push.example.com/suby.git"
args = ["-o", "skip-validation"]

[log]
ignored_warnings = ["harmless.*noise"]
`

func TestParseConfigDefaults(t *testing.T) {
	config, err := parseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	x := config.Repo["namex"]
	require.NotNil(t, x)
	assert.Equal(t, "https://example.com/subx.git", x.Fetch.URL, "fetch URL defaults to the first url")
	assert.Equal(t, x.Fetch.URL, x.Push.URL, "push URL defaults to the fetch URL")
	assert.True(t, x.enabled())
	assert.True(t, x.prune())
	assert.Equal(t, 7, x.Fetch.Depth)

	y := config.Repo["namey"]
	require.NotNil(t, y)
	assert.False(t, y.enabled())
	assert.Equal(t, "https://push.example.com/suby.git", y.Push.URL)
	assert.Equal(t, []string{"-o", "skip-validation"}, y.Push.Args)
}

func TestParseConfigRejections(t *testing.T) {
	for name, doc := range map[string]string{
		"reserved key":  "[repo.top]\nurls = [\"https://example.com/x.git\"]\n",
		"separator key": "[repo.\"a/b\"]\nurls = [\"https://example.com/x.git\"]\n",
		"no urls":       "[repo.x]\nurls = []\n",
		"duplicate url": "[repo.a]\nurls = [\"u\"]\n[repo.b]\nurls = [\"u\"]\n",
		"bad depth":     "[repo.x]\nurls = [\"u\"]\n[repo.x.fetch]\ndepth = -1\n",
		"bad missing":   "[repo.x]\nurls = [\"u\"]\nmissing_commits = [\"nothex\"]\n",
		"bad toml":      "not even = [ toml\n",
	} {
		_, err := parseConfig([]byte(doc))
		assert.Error(t, err, name)
		var ce *configError
		assert.ErrorAs(t, err, &ce, name)
	}
}

func TestResolveURL(t *testing.T) {
	config, err := parseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	key, status := config.resolveURL("https://example.com/subx.git")
	assert.Equal(t, RepoKey("namex"), key)
	assert.Equal(t, statusAssimilated, status)

	// A second configured URL for the same repository.
	key, status = config.resolveURL("ssh://git@example.com/subx.git")
	assert.Equal(t, RepoKey("namex"), key)
	assert.Equal(t, statusAssimilated, status)

	// Disabled repositories resolve but stay regular submodules.
	key, status = config.resolveURL("https://example.com/suby.git")
	assert.Equal(t, RepoKey("namey"), key)
	assert.Equal(t, statusUnassimilated, status)

	// Matching is case-sensitive and exact.
	_, status = config.resolveURL("https://example.com/SUBX.git")
	assert.Equal(t, statusUnknown, status)
	_, status = config.resolveURL("https://example.com/unrelated.git")
	assert.Equal(t, statusUnknown, status)
}

func TestIsMissingCommit(t *testing.T) {
	doc := "[repo.x]\nurls = [\"u\"]\nmissing_commits = [\"" + strings.Repeat("1", 40) + "\"]\n"
	config, err := parseConfig([]byte(doc))
	require.NoError(t, err)
	assert.True(t, config.isMissingCommit("x", CommitId(strings.Repeat("1", 40))))
	assert.False(t, config.isMissingCommit("x", CommitId(strings.Repeat("2", 40))))
	assert.False(t, config.isMissingCommit("other", CommitId(strings.Repeat("1", 40))))
}

func TestParseConfigLocation(t *testing.T) {
	loc, err := parseConfigLocation("should:repo:refs/meta/config:toprepo.toml")
	require.NoError(t, err)
	assert.Equal(t, configLocation{level: "should", kind: "repo", ref: "refs/meta/config", path: "toprepo.toml"}, loc)

	loc, err = parseConfigLocation("must:local:/etc/toprepo.toml")
	require.NoError(t, err)
	assert.Equal(t, configLocation{level: "must", kind: "local", path: "/etc/toprepo.toml"}, loc)

	loc, err = parseConfigLocation("may:worktree:.gittoprepo.toml")
	require.NoError(t, err)
	assert.Equal(t, configLocation{level: "may", kind: "worktree", path: ".gittoprepo.toml"}, loc)

	for _, bad := range []string{
		"sometimes:local:x",
		"must:ftp:x",
		"must",
		"may:local:",
		"should:repo:norefpath",
	} {
		_, err := parseConfigLocation(bad)
		assert.Error(t, err, bad)
	}
}

func TestWriteEffectiveWithSuggestions(t *testing.T) {
	config, err := parseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	var buf bytes.Buffer
	err = config.writeEffective(&buf, map[RepoKey][]string{
		"group_subz": {"https://example.com/group/subz.git"},
	})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "[repo.namex]")
	assert.Contains(t, out, "[repo.group_subz]")
	assert.Contains(t, out, `urls = ["https://example.com/group/subz.git"]`)
}

func TestIgnoredWarningPatterns(t *testing.T) {
	config, err := parseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	patterns := config.ignoredWarningPatterns()
	require.Len(t, patterns, 1)
	assert.True(t, patterns[0].MatchString("harmless background noise"))
	assert.False(t, patterns[0].MatchString("serious problem"))
}
