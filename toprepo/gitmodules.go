// Parsing of .gitmodules blobs and the URL arithmetic that resolves a
// submodule's relative URL against its parent repository.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"strings"

	"github.com/pkg/errors"
)

// gitmoduleEntry is one [submodule "name"] section of a .gitmodules file.
type gitmoduleEntry struct {
	Name   string
	Path   string
	URL    string // as written, possibly relative
	Branch string
}

// parseGitmodules reads the on-disk .gitmodules syntax: INI sections with
// whitespace-indented key = value lines. Only the subset git itself writes
// is accepted; anything stranger is reported, not guessed at.
func parseGitmodules(data []byte) (map[string]gitmoduleEntry, error) {
	byPath := make(map[string]gitmoduleEntry)
	var current *gitmoduleEntry
	flush := func() {
		if current != nil && current.Path != "" {
			byPath[current.Path] = *current
		}
		current = nil
	}
	for lineno, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			flush()
			if !strings.HasSuffix(line, "]") {
				return nil, errors.Errorf(".gitmodules line %d: unterminated section %q", lineno+1, line)
			}
			section := line[1 : len(line)-1]
			if !strings.HasPrefix(section, "submodule ") {
				// Foreign sections are legal in the file; skip them.
				continue
			}
			name := strings.TrimPrefix(section, "submodule ")
			name = strings.Trim(name, `"`)
			current = &gitmoduleEntry{Name: name}
			continue
		}
		if current == nil {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, errors.Errorf(".gitmodules line %d: expected key = value, got %q", lineno+1, line)
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		switch key {
		case "path":
			current.Path = value
		case "url":
			current.URL = value
		case "branch":
			current.Branch = value
		}
	}
	flush()
	return byPath, nil
}

// joinSubmoduleURL resolves a possibly relative submodule URL against the
// parent repository's URL, following git's own rules: only URLs starting
// with "./" or "../" (or equal to ".") are relative, and each "../" strips
// one path component off the parent.
func joinSubmoduleURL(parent, other string) string {
	if other != "." && !strings.HasPrefix(other, "./") && !strings.HasPrefix(other, "../") {
		return other
	}
	scheme := ""
	rest := parent
	if idx := strings.Index(parent, "://"); idx != -1 {
		scheme = parent[:idx+3]
		rest = parent[idx+3:]
	}
	rest = strings.TrimRight(rest, "/")
	for {
		switch {
		case strings.HasPrefix(other, "/"):
			other = other[1:]
		case strings.HasPrefix(other, "./"):
			other = other[2:]
		case strings.HasPrefix(other, "../"):
			if idx := strings.LastIndexByte(rest, '/'); idx != -1 && rest[idx+1:] != ".." {
				rest = rest[:idx]
			} else {
				// More "../" than the parent has components; keep the
				// excess visible rather than silently dropping it.
				rest += "/.."
			}
			other = other[3:]
		default:
			goto done
		}
	}
done:
	if other == "" || other == "." {
		return scheme + rest
	}
	return scheme + rest + "/" + other
}

// defaultRepoKey derives a configuration key from a submodule URL when no
// [repo.*] table matches: the URL path with .git stripped and separators
// flattened. The result is only a suggestion; the run still treats the
// submodule as unknown until the user adopts it.
func defaultRepoKey(url string) RepoKey {
	name := url
	if idx := strings.Index(name, "://"); idx != -1 {
		name = name[idx+3:]
		// Drop the host part.
		if slash := strings.IndexByte(name, '/'); slash != -1 {
			name = name[slash+1:]
		}
	}
	name = strings.TrimSuffix(name, ".git")
	name = strings.TrimSuffix(name, "/")
	for {
		switch {
		case strings.HasPrefix(name, "../"):
			name = name[3:]
		case strings.HasPrefix(name, "./"):
			name = name[2:]
		case strings.HasPrefix(name, "/"):
			name = name[1:]
		default:
			goto done
		}
	}
done:
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, ":", "_")
	if name == "" || name == string(topRepoKey) {
		return ""
	}
	return RepoKey(name)
}
