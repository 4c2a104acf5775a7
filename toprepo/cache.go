// State cache: persists the commit translation maps between runs so that
// expansion and splitting resume incrementally. Entries are keyed by the
// source commit ids, so records whose sources have been pruned from the
// object store are dropped silently on load; the cache is a derived index
// and a rebuild is always safe.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// cacheMagic guards against reading a foreign or incompatible file. Any
// mismatch means a full rebuild, which loses nothing but time.
const cacheMagic = "# git-toprepo state cache v1"

// loadCache reads the persisted maps. Nothing is an error except a present
// but unreadable file; a missing cache or a stale entry is just absent.
func (eng *engine) loadCache() error {
	file, err := os.Open(eng.cachePath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "opening state cache")
	}
	defer file.Close()
	return eng.readCache(file)
}

func (eng *engine) readCache(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !scanner.Scan() || scanner.Text() != cacheMagic {
		return errors.New("unrecognized state cache header")
	}
	// Object existence checks are memoized; the same source id appears in
	// several map directions.
	known := map[CommitId]bool{}
	exists := func(id CommitId) bool {
		have, checked := known[id]
		if !checked {
			_, err := eng.store.ReadCommit(id)
			have = err == nil
			known[id] = have
		}
		return have
	}
	lineno := 1
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "sub ") {
			// The path field is quoted and may contain spaces.
			mono, path, sub, err := parseSubRecord(line)
			if err != nil {
				return errors.Wrapf(err, "state cache line %d", lineno)
			}
			if exists(mono) && (sub == "" || exists(sub)) {
				eng.maps.addMonoSub(mono, path, sub)
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch {
		case fields[0] == "top" && len(fields) == 3:
			top, mono := CommitId(fields[1]), CommitId(fields[2])
			if exists(top) && exists(mono) {
				eng.maps.TopToMono[top] = mono
				eng.maps.MonoToTop[mono] = top
			}
		case fields[0] == "bump" && len(fields) == 4:
			key, sub, mono := RepoKey(fields[1]), CommitId(fields[2]), CommitId(fields[3])
			if exists(sub) && exists(mono) {
				eng.maps.addBump(key, sub, mono)
			}
		case fields[0] == "pushed" && len(fields) == 3:
			if id := CommitId(fields[2]); exists(id) {
				eng.pushedByIdentity[fields[1]] = id
			}
		default:
			return errors.Errorf("state cache line %d: unparseable record %q", lineno, line)
		}
	}
	return errors.Wrap(scanner.Err(), "reading state cache")
}

func parseSubRecord(line string) (CommitId, string, CommitId, error) {
	rest := strings.TrimPrefix(line, "sub ")
	sp := strings.IndexByte(rest, ' ')
	if sp < 0 {
		return "", "", "", errors.Errorf("unparseable record %q", line)
	}
	mono := CommitId(rest[:sp])
	rest = rest[sp+1:]
	quoted, err := strconv.QuotedPrefix(rest)
	if err != nil {
		return "", "", "", errors.Errorf("unparseable record %q", line)
	}
	path, err := strconv.Unquote(quoted)
	if err != nil {
		return "", "", "", errors.Errorf("unparseable record %q", line)
	}
	rest = strings.TrimPrefix(rest[len(quoted):], " ")
	sub := CommitId(rest)
	if sub == "-" {
		sub = ""
	}
	return mono, path, sub, nil
}

// saveCache writes the maps atomically. Record order is sorted so that two
// runs over the same state produce identical files.
func (eng *engine) saveCache() error {
	path := eng.cachePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return errors.Wrap(err, "creating state cache directory")
	}
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "creating state cache")
	}
	if err := eng.writeCache(file); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		return errors.Wrap(err, "writing state cache")
	}
	return os.Rename(tmp, path)
}

func (eng *engine) writeCache(w io.Writer) error {
	out := bufio.NewWriter(w)
	fmt.Fprintln(out, cacheMagic)

	tops := make([]CommitId, 0, len(eng.maps.TopToMono))
	for top := range eng.maps.TopToMono {
		tops = append(tops, top)
	}
	sortIds(tops)
	for _, top := range tops {
		fmt.Fprintf(out, "top %s %s\n", top, eng.maps.TopToMono[top])
	}

	bumps := make([]bumpKey, 0, len(eng.maps.BumpToMono))
	for bk := range eng.maps.BumpToMono {
		bumps = append(bumps, bk)
	}
	sort.Slice(bumps, func(i, j int) bool {
		if bumps[i].Key != bumps[j].Key {
			return bumps[i].Key < bumps[j].Key
		}
		return bumps[i].Commit < bumps[j].Commit
	})
	for _, bk := range bumps {
		// Insertion order inside each set is part of the state; it decides
		// which mono commit an already-seen subrepo commit resolves to.
		for _, mono := range eng.maps.bumpMonos(bk.Key, bk.Commit) {
			fmt.Fprintf(out, "bump %s %s %s\n", bk.Key, bk.Commit, mono)
		}
	}

	monos := make([]CommitId, 0, len(eng.maps.MonoToSub))
	for mono := range eng.maps.MonoToSub {
		monos = append(monos, mono)
	}
	sortIds(monos)
	for _, mono := range monos {
		subs := eng.maps.MonoToSub[mono]
		paths := make([]string, 0, len(subs))
		for path := range subs {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			sub := subs[path]
			if sub == "" {
				fmt.Fprintf(out, "sub %s %s -\n", mono, strconv.Quote(path))
			} else {
				fmt.Fprintf(out, "sub %s %s %s\n", mono, strconv.Quote(path), sub)
			}
		}
	}

	identities := make([]string, 0, len(eng.pushedByIdentity))
	for identity := range eng.pushedByIdentity {
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	for _, identity := range identities {
		fmt.Fprintf(out, "pushed %s %s\n", identity, eng.pushedByIdentity[identity])
	}
	return errors.Wrap(out.Flush(), "writing state cache")
}

func sortIds(ids []CommitId) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
