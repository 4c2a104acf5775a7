// Object store adapter: the capability surface the engine uses to read and
// write git objects and refs. Two implementations live here, one speaking
// git plumbing over a cat-file batch stream and one fully in memory for
// tests and dry runs. Both hash with git's own content addressing so that
// synthesized commit ids are identical everywhere.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// CommitRecord is the decoded form of a commit object.
type CommitRecord struct {
	Parents   []CommitId
	Tree      TreeId
	Author    string // raw ident line: "Name <mail> epoch zone"
	Committer string
	Encoding  string // empty means UTF-8
	Message   []byte // raw bytes, possibly not valid UTF-8
}

// TreeEntry is one row of a tree object. Mode uses git's canonical spelling:
// "40000" for trees, "160000" for gitlinks.
type TreeEntry struct {
	Mode string
	Name string
	Id   string // hex hash of a blob, tree, or (for gitlinks) commit
}

const (
	modeTree    = "40000"
	modeGitlink = "160000"
	modeBlob    = "100644"
)

func (e TreeEntry) isTree() bool    { return e.Mode == modeTree }
func (e TreeEntry) isGitlink() bool { return e.Mode == modeGitlink }

// errNotFound is the recoverable miss signal. The fetch coordinator turns it
// into fetch requests; everything else treats it as an error.
var errNotFound = errors.New("object not found")

func isNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}

// ObjectStore is capability C1. All engine reads and writes of git data go
// through this interface; no component below main ever touches a repository
// directly.
type ObjectStore interface {
	ReadCommit(id CommitId) (*CommitRecord, error)
	WriteCommit(rec *CommitRecord) (CommitId, error)
	ReadTree(id TreeId) ([]TreeEntry, error)
	WriteTree(entries []TreeEntry) (TreeId, error)
	ReadBlob(id BlobId) ([]byte, error)
	WriteBlob(data []byte) (BlobId, error)
	// ListRefs returns all refs with the given prefix, mapped to the commit
	// they peel to.
	ListRefs(prefix string) (map[string]CommitId, error)
	UpdateRef(name string, id CommitId) error
	DeleteRef(name string) error
}

/*
 * Canonical object serialization.
 *
 * The byte-exact forms matter: two clients must derive identical commit ids
 * from identical inputs, so the encoders below follow the git object format
 * to the letter, including the tree sort order quirk where directory names
 * collate with a trailing slash.
 */

func hashObject(objType string, body []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", objType, len(body))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func sortTreeEntries(entries []TreeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Name, entries[j].Name
		if entries[i].isTree() {
			a += "/"
		}
		if entries[j].isTree() {
			b += "/"
		}
		return a < b
	})
}

func encodeTree(entries []TreeEntry) ([]byte, error) {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sortTreeEntries(sorted)
	var buf bytes.Buffer
	for _, e := range sorted {
		raw, err := hex.DecodeString(e.Id)
		if err != nil {
			return nil, errors.Wrapf(err, "bad hash in tree entry %q", e.Name)
		}
		fmt.Fprintf(&buf, "%s %s\x00", e.Mode, e.Name)
		buf.Write(raw)
	}
	return buf.Bytes(), nil
}

func decodeTree(body []byte) ([]TreeEntry, error) {
	var entries []TreeEntry
	for len(body) > 0 {
		nul := bytes.IndexByte(body, 0)
		if nul < 0 || len(body) < nul+1+sha1.Size {
			return nil, errors.New("truncated tree object")
		}
		head := string(body[:nul])
		sp := strings.IndexByte(head, ' ')
		if sp < 0 {
			return nil, errors.New("malformed tree entry header")
		}
		entries = append(entries, TreeEntry{
			Mode: head[:sp],
			Name: head[sp+1:],
			Id:   hex.EncodeToString(body[nul+1 : nul+1+sha1.Size]),
		})
		body = body[nul+1+sha1.Size:]
	}
	return entries, nil
}

func encodeCommit(rec *CommitRecord) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", rec.Tree)
	for _, parent := range rec.Parents {
		fmt.Fprintf(&buf, "parent %s\n", parent)
	}
	fmt.Fprintf(&buf, "author %s\n", rec.Author)
	fmt.Fprintf(&buf, "committer %s\n", rec.Committer)
	if rec.Encoding != "" {
		fmt.Fprintf(&buf, "encoding %s\n", rec.Encoding)
	}
	buf.WriteByte('\n')
	buf.Write(rec.Message)
	return buf.Bytes()
}

func decodeCommit(body []byte) (*CommitRecord, error) {
	rec := &CommitRecord{}
	for len(body) > 0 {
		eol := bytes.IndexByte(body, '\n')
		if eol < 0 {
			return nil, errors.New("truncated commit header")
		}
		line := string(body[:eol])
		body = body[eol+1:]
		if line == "" {
			rec.Message = body
			return rec, nil
		}
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			// Continuation lines (e.g. gpgsig) carry no information the
			// engine needs.
			continue
		}
		key, value := line[:sp], line[sp+1:]
		switch key {
		case "tree":
			rec.Tree = TreeId(value)
		case "parent":
			rec.Parents = append(rec.Parents, CommitId(value))
		case "author":
			rec.Author = value
		case "committer":
			rec.Committer = value
		case "encoding":
			rec.Encoding = value
		}
	}
	return rec, nil
}

// identityHash is the committer-independent content hash used to reuse
// already pushed commits whose committer date drifted.
func (rec *CommitRecord) identityHash() string {
	h := sha1.New()
	fmt.Fprintf(h, "tree %s\n", rec.Tree)
	for _, parent := range rec.Parents {
		fmt.Fprintf(h, "parent %s\n", parent)
	}
	fmt.Fprintf(h, "author %s\n\n", rec.Author)
	h.Write(rec.Message)
	return hex.EncodeToString(h.Sum(nil))
}

/*
 * Tree walking helpers shared by the loader, expander and splitter.
 */

// readTreeEntry resolves path inside tree, descending through subtrees.
func readTreeEntry(store ObjectStore, tree TreeId, path string) (TreeEntry, bool, error) {
	parts := splitPath(path)
	current := tree
	for i, part := range parts {
		entries, err := store.ReadTree(current)
		if err != nil {
			return TreeEntry{}, false, err
		}
		var found *TreeEntry
		for j := range entries {
			if entries[j].Name == part {
				found = &entries[j]
				break
			}
		}
		if found == nil {
			return TreeEntry{}, false, nil
		}
		if i == len(parts)-1 {
			return *found, true, nil
		}
		if !found.isTree() {
			return TreeEntry{}, false, nil
		}
		current = TreeId(found.Id)
	}
	return TreeEntry{Mode: modeTree, Id: string(tree)}, true, nil
}

// patchTree returns a new tree equal to base except that path now holds
// replace. A nil replace deletes the entry. Intermediate directories are
// created as needed.
func patchTree(store ObjectStore, base TreeId, path string, replace *TreeEntry) (TreeId, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "", errors.New("cannot patch the tree root")
	}
	return patchTreeParts(store, base, parts, replace)
}

func patchTreeParts(store ObjectStore, base TreeId, parts []string, replace *TreeEntry) (TreeId, error) {
	var entries []TreeEntry
	if base != "" {
		var err error
		entries, err = store.ReadTree(base)
		if err != nil {
			return "", err
		}
	}
	name := parts[0]
	idx := -1
	for i := range entries {
		if entries[i].Name == name {
			idx = i
			break
		}
	}
	if len(parts) == 1 {
		switch {
		case replace == nil && idx >= 0:
			entries = append(entries[:idx], entries[idx+1:]...)
		case replace == nil:
			// Deleting a missing entry is a no-op.
		case idx >= 0:
			e := *replace
			e.Name = name
			entries[idx] = e
		default:
			e := *replace
			e.Name = name
			entries = append(entries, e)
		}
	} else {
		var sub TreeId
		if idx >= 0 && entries[idx].isTree() {
			sub = TreeId(entries[idx].Id)
		}
		newSub, err := patchTreeParts(store, sub, parts[1:], replace)
		if err != nil {
			return "", err
		}
		subEntries, err := store.ReadTree(newSub)
		if err != nil {
			return "", err
		}
		if len(subEntries) == 0 {
			// Git does not track empty directories.
			if idx >= 0 {
				entries = append(entries[:idx], entries[idx+1:]...)
			}
		} else if idx >= 0 {
			entries[idx] = TreeEntry{Mode: modeTree, Name: name, Id: string(newSub)}
		} else {
			entries = append(entries, TreeEntry{Mode: modeTree, Name: name, Id: string(newSub)})
		}
	}
	return store.WriteTree(entries)
}

// diffTrees walks the differences between two trees, invoking visit with the
// full path and the old and new entries (nil when absent on one side).
// Identical subtree ids are skipped without descending, which is what makes
// loading incremental discovery cheap.
func diffTrees(store ObjectStore, oldTree, newTree TreeId, prefix string, visit func(path string, oldEntry, newEntry *TreeEntry) error) error {
	if oldTree == newTree {
		return nil
	}
	oldEntries := map[string]TreeEntry{}
	if oldTree != "" {
		list, err := store.ReadTree(oldTree)
		if err != nil {
			return err
		}
		for _, e := range list {
			oldEntries[e.Name] = e
		}
	}
	var newList []TreeEntry
	if newTree != "" {
		var err error
		newList, err = store.ReadTree(newTree)
		if err != nil {
			return err
		}
	}
	seen := map[string]bool{}
	for _, newEntry := range newList {
		newEntry := newEntry
		seen[newEntry.Name] = true
		path := joinPath(prefix, newEntry.Name)
		oldEntry, had := oldEntries[newEntry.Name]
		if had && oldEntry == newEntry {
			continue
		}
		var oldPtr *TreeEntry
		if had {
			oldPtr = &oldEntry
		}
		if newEntry.isTree() && (!had || oldEntry.isTree()) {
			var oldSub TreeId
			if had {
				oldSub = TreeId(oldEntry.Id)
			}
			if err := diffTrees(store, oldSub, TreeId(newEntry.Id), path, visit); err != nil {
				return err
			}
			continue
		}
		if err := visit(path, oldPtr, &newEntry); err != nil {
			return err
		}
		if had && oldEntry.isTree() {
			// The directory became a file or gitlink; report the removals
			// underneath it.
			if err := diffTrees(store, TreeId(oldEntry.Id), "", path, visit); err != nil {
				return err
			}
		}
	}
	for name, oldEntry := range oldEntries {
		if seen[name] {
			continue
		}
		oldEntry := oldEntry
		path := joinPath(prefix, name)
		if oldEntry.isTree() {
			if err := diffTrees(store, TreeId(oldEntry.Id), "", path, visit); err != nil {
				return err
			}
			continue
		}
		if err := visit(path, &oldEntry, nil); err != nil {
			return err
		}
	}
	return nil
}

/*
 * In-memory store.
 *
 * Computes real git hashes, so expansion over it produces the same commit
 * ids a plumbing-backed run would. Used by the test scenarios; the
 * commands always run over the plumbing-backed store.
 */

type memoryOdb struct {
	mutex   sync.RWMutex
	objects map[string]memoryObject
	refs    map[string]CommitId
}

type memoryObject struct {
	objType string
	body    []byte
}

func newMemoryOdb() *memoryOdb {
	return &memoryOdb{
		objects: make(map[string]memoryObject),
		refs:    make(map[string]CommitId),
	}
}

func (m *memoryOdb) put(objType string, body []byte) string {
	id := hashObject(objType, body)
	m.mutex.Lock()
	m.objects[id] = memoryObject{objType, body}
	m.mutex.Unlock()
	return id
}

func (m *memoryOdb) get(objType, id string) ([]byte, error) {
	m.mutex.RLock()
	obj, ok := m.objects[id]
	m.mutex.RUnlock()
	if !ok {
		return nil, errors.Wrapf(errNotFound, "%s %s", objType, id)
	}
	if obj.objType != objType {
		return nil, errors.Errorf("object %s is a %s, expected %s", id, obj.objType, objType)
	}
	return obj.body, nil
}

func (m *memoryOdb) ReadCommit(id CommitId) (*CommitRecord, error) {
	body, err := m.get("commit", string(id))
	if err != nil {
		return nil, err
	}
	return decodeCommit(body)
}

func (m *memoryOdb) WriteCommit(rec *CommitRecord) (CommitId, error) {
	return CommitId(m.put("commit", encodeCommit(rec))), nil
}

func (m *memoryOdb) ReadTree(id TreeId) ([]TreeEntry, error) {
	if id == "" {
		return nil, nil
	}
	body, err := m.get("tree", string(id))
	if err != nil {
		return nil, err
	}
	return decodeTree(body)
}

func (m *memoryOdb) WriteTree(entries []TreeEntry) (TreeId, error) {
	body, err := encodeTree(entries)
	if err != nil {
		return "", err
	}
	return TreeId(m.put("tree", body)), nil
}

func (m *memoryOdb) ReadBlob(id BlobId) ([]byte, error) {
	return m.get("blob", string(id))
}

func (m *memoryOdb) WriteBlob(data []byte) (BlobId, error) {
	return BlobId(m.put("blob", data)), nil
}

func (m *memoryOdb) ListRefs(prefix string) (map[string]CommitId, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	refs := make(map[string]CommitId)
	for name, id := range m.refs {
		if strings.HasPrefix(name, prefix) {
			refs[name] = id
		}
	}
	return refs, nil
}

func (m *memoryOdb) UpdateRef(name string, id CommitId) error {
	m.mutex.Lock()
	m.refs[name] = id
	m.mutex.Unlock()
	return nil
}

func (m *memoryOdb) DeleteRef(name string) error {
	m.mutex.Lock()
	delete(m.refs, name)
	m.mutex.Unlock()
	return nil
}

/*
 * Plumbing-backed store.
 *
 * Reads ride a single long-lived "git cat-file --batch" subprocess; the
 * protocol is a header line followed by the raw object payload, the same
 * stream-with-length-headers shape as an SVN dump, and is parsed the same
 * way with a buffered reader. Writes go through hash-object, which tolerates
 * duplicate writes by construction.
 */

type gitOdb struct {
	git       *gitRunner
	mutex     sync.Mutex
	batchIn   io.WriteCloser
	batchOut  *bufio.Reader
	batchStop func() error
}

func newGitOdb(git *gitRunner) *gitOdb {
	return &gitOdb{git: git}
}

func (g *gitOdb) batch() (io.Writer, *bufio.Reader, error) {
	if g.batchIn == nil {
		in, out, stop, err := g.git.startPipeline("cat-file", "--batch")
		if err != nil {
			return nil, nil, err
		}
		g.batchIn = in
		g.batchOut = bufio.NewReader(out)
		g.batchStop = stop
	}
	return g.batchIn, g.batchOut, nil
}

func (g *gitOdb) Close() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.batchIn == nil {
		return nil
	}
	g.batchIn.Close()
	err := g.batchStop()
	g.batchIn = nil
	g.batchOut = nil
	g.batchStop = nil
	return err
}

// readObject fetches one raw object through the batch stream.
func (g *gitOdb) readObject(wantType, id string) ([]byte, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	in, out, err := g.batch()
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(in, "%s\n", id); err != nil {
		return nil, errors.Wrap(err, "writing to cat-file")
	}
	header, err := out.ReadString('\n')
	if err != nil {
		return nil, errors.Wrap(err, "reading cat-file header")
	}
	fields := strings.Fields(strings.TrimSuffix(header, "\n"))
	if len(fields) == 2 && fields[1] == "missing" {
		return nil, errors.Wrapf(errNotFound, "%s %s", wantType, id)
	}
	if len(fields) != 3 {
		return nil, errors.Errorf("unparseable cat-file header %q", header)
	}
	if fields[1] != wantType {
		// Drain the payload to keep the stream in sync.
		size, _ := strconv.Atoi(fields[2])
		io.CopyN(io.Discard, out, int64(size)+1)
		return nil, errors.Errorf("object %s is a %s, expected %s", id, fields[1], wantType)
	}
	size, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, errors.Wrapf(err, "bad size in cat-file header %q", header)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(out, body); err != nil {
		return nil, errors.Wrap(err, "reading cat-file payload")
	}
	// Trailing LF after the payload.
	if _, err := out.Discard(1); err != nil {
		return nil, errors.Wrap(err, "reading cat-file separator")
	}
	if hashObject(wantType, body) != fields[0] {
		return nil, &corruptionError{errors.Errorf("%s hashes to a different id", id)}
	}
	return body, nil
}

func (g *gitOdb) writeObject(objType string, body []byte) (string, error) {
	out, err := g.git.runInput(body, "hash-object", "-t", objType, "-w", "--stdin")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *gitOdb) ReadCommit(id CommitId) (*CommitRecord, error) {
	body, err := g.readObject("commit", string(id))
	if err != nil {
		return nil, err
	}
	return decodeCommit(body)
}

func (g *gitOdb) WriteCommit(rec *CommitRecord) (CommitId, error) {
	id, err := g.writeObject("commit", encodeCommit(rec))
	return CommitId(id), err
}

func (g *gitOdb) ReadTree(id TreeId) ([]TreeEntry, error) {
	if id == "" {
		return nil, nil
	}
	body, err := g.readObject("tree", string(id))
	if err != nil {
		return nil, err
	}
	return decodeTree(body)
}

func (g *gitOdb) WriteTree(entries []TreeEntry) (TreeId, error) {
	body, err := encodeTree(entries)
	if err != nil {
		return "", err
	}
	id, err := g.writeObject("tree", body)
	return TreeId(id), err
}

func (g *gitOdb) ReadBlob(id BlobId) ([]byte, error) {
	return g.readObject("blob", string(id))
}

func (g *gitOdb) WriteBlob(data []byte) (BlobId, error) {
	id, err := g.writeObject("blob", data)
	return BlobId(id), err
}

func (g *gitOdb) ListRefs(prefix string) (map[string]CommitId, error) {
	out, err := g.git.run("for-each-ref", "--format=%(objectname) %(refname)", prefix)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]CommitId)
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return nil, errors.Errorf("unparseable for-each-ref line %q", line)
		}
		refs[line[sp+1:]] = CommitId(line[:sp])
	}
	return refs, nil
}

func (g *gitOdb) UpdateRef(name string, id CommitId) error {
	_, err := g.git.run("update-ref", name, string(id))
	return err
}

func (g *gitOdb) DeleteRef(name string) error {
	_, err := g.git.run("update-ref", "-d", name)
	return err
}
