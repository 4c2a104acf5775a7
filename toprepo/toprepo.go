// git-toprepo emulates a monorepo on top of a superrepository and its
// submodules: fetches expand the combined history in place, pushes are
// decomposed into per-repository pushes.
//
// This file holds the program main, the global control state, logging, and
// the error taxonomy.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/pkg/errors"
)

var version string // Set at link time with -ldflags -X; empty otherwise

var doc = `git-toprepo - superrepo and submodules presented as one monorepo
general usage: git-toprepo [-q] [-v] [-n] SUBCOMMAND [ARGS]

Available subcommands:
   fetch     fetch the top repository and all assimilated submodules,
             then expand the combined history into local refs
   push      split monorepo commits reachable from a refspec and push
             them to the repositories they belong to
   config    print the fully resolved effective configuration
   version   report the version of this tool

The -q option suppresses progress and warnings, -v raises verbosity and may
be repeated, -n shows the transport commands without running them.
`

// Log message classification bits. The logmask is the set of enabled
// classes.
const (
	logSHOUT    uint = 1 << iota // Errors the run cannot recover from
	logWARN                      // Recoverable oddities in the input
	logCOMMANDS                  // Subprocess command lines
	logFETCH                     // Fetch-loop progress
	logEXPAND                    // Expansion decisions
	logSPLIT                     // Push splitting decisions
	logTOPOLOGY                  // DAG traversal details
	logBATON                     // Progress baton messages
)

// Control is the global context of a run.
type Control struct {
	logmask      uint
	logmutex     sync.Mutex
	warnCount    int
	ignoredWarns []*regexp.Regexp
	dryRun       bool
	baton        *Baton
	signals      chan os.Signal
}

var control Control

func (ctl *Control) init() {
	ctl.logmask = (logWARN << 1) - 1
	ctl.signals = make(chan os.Signal, 1)
	ctl.baton = newBaton(os.Stderr)
}

func logEnable(logbits uint) bool {
	return (control.logmask & logbits) != 0
}

func logit(format string, args ...interface{}) {
	control.logmutex.Lock()
	defer control.logmutex.Unlock()
	log.Printf(format, args...)
}

// announce always reaches the user, interleaving cleanly with the baton.
func announce(format string, args ...interface{}) {
	control.baton.suspend()
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	control.baton.resume()
}

// warn reports a recoverable oddity unless the configuration filters it.
// Warnings are counted so the run summary can point at them.
func warn(format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	for _, pattern := range control.ignoredWarns {
		if pattern.MatchString(message) {
			return
		}
	}
	control.warnCount++
	if logEnable(logWARN) {
		announce("warning: %s", message)
	}
}

/*
 * Error taxonomy. Configuration and transport problems are the user's to
 * act on (exit 1); invariant violations and corruption are ours (exit 2).
 */

type configError struct{ err error }
type transportError struct {
	key RepoKey
	err error
}
type invariantViolation struct{ err error }
type corruptionError struct{ err error }

func (e *configError) Error() string    { return "configuration: " + e.err.Error() }
func (e *configError) Unwrap() error    { return e.err }
func (e *transportError) Error() string { return fmt.Sprintf("transport (%s): %v", e.key, e.err) }
func (e *transportError) Unwrap() error { return e.err }
func (e *invariantViolation) Error() string {
	return "internal invariant violated: " + e.err.Error()
}
func (e *invariantViolation) Unwrap() error { return e.err }
func (e *corruptionError) Error() string    { return "object store corruption: " + e.err.Error() }
func (e *corruptionError) Unwrap() error    { return e.err }

func exitCodeFor(err error) int {
	var inv *invariantViolation
	var corrupt *corruptionError
	if errors.As(err, &inv) || errors.As(err, &corrupt) {
		return 2
	}
	return 1
}

// croak reports a fatal error and exits with the taxonomy code.
func croak(err error) {
	control.baton.suspend()
	fmt.Fprintf(os.Stderr, "git-toprepo: %v\n", err)
	os.Exit(exitCodeFor(err))
}

/*
 * The engine bundle. One of these exists per run and holds everything the
 * pipeline stages share.
 */

type engine struct {
	ctx       context.Context
	config    *Config
	git       *gitRunner
	store     ObjectStore
	transport Transport
	graphs    map[RepoKey]*repoGraph
	maps      *monoMaps
	// identity hashes of already written subrepo commits, for push dedup
	pushedByIdentity map[string]CommitId
	gitDir           string
}

func newEngine(ctx context.Context, config *Config, git *gitRunner, store ObjectStore, transport Transport) *engine {
	return &engine{
		ctx:              ctx,
		config:           config,
		git:              git,
		store:            store,
		transport:        transport,
		graphs:           make(map[RepoKey]*repoGraph),
		maps:             newMonoMaps(),
		pushedByIdentity: make(map[string]CommitId),
	}
}

func (eng *engine) graph(key RepoKey) *repoGraph {
	g, ok := eng.graphs[key]
	if !ok {
		g = newRepoGraph(key)
		eng.graphs[key] = g
	}
	return g
}

// cancelled reports whether the run has been interrupted. Consulted at
// every suspension point.
func (eng *engine) cancelled() bool {
	select {
	case <-eng.ctx.Done():
		return true
	default:
		return false
	}
}

func (eng *engine) cachePath() string {
	return filepath.Join(eng.gitDir, "toprepo", "cache")
}

func (eng *engine) sideFilePath() string {
	return filepath.Join(eng.gitDir, "toprepo", "last-effective-git-toprepo.toml")
}

func main() {
	control.init()
	log.SetFlags(0)
	log.SetOutput(os.Stderr)
	log.SetPrefix("git-toprepo: ")

	quiet := flag.Bool("q", false, "suppress progress and warnings")
	dryRun := flag.Bool("n", false, "show transport commands without running them")
	var verbose int
	flag.BoolFunc("v", "raise verbosity (repeatable)", func(string) error {
		verbose++
		return nil
	})
	flag.Usage = func() { fmt.Fprint(os.Stderr, doc) }
	flag.Parse()
	if *quiet {
		control.logmask = logSHOUT
		control.baton.disable()
	}
	for i := 0; i < verbose; i++ {
		control.logmask = (control.logmask << 1) | 1
	}
	control.dryRun = *dryRun

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	signal.Notify(control.signals, os.Interrupt)
	go func() {
		<-control.signals
		announce("interrupted, draining...")
		cancel()
	}()

	subcommand := flag.Arg(0)
	args := flag.Args()[1:]
	var err error
	switch subcommand {
	case "fetch":
		err = fetchCommand(ctx, args)
	case "push":
		err = pushCommand(ctx, args)
	case "config":
		err = configCommand(ctx, args)
	case "version":
		fmt.Printf("git-toprepo %s\n", version)
	case "help":
		fmt.Print(doc)
	default:
		err = &configError{errors.Errorf("unknown subcommand %q", subcommand)}
	}
	control.baton.suspend()
	if err != nil {
		croak(err)
	}
	if control.warnCount > 0 {
		announce("%d warning(s) issued", control.warnCount)
	}
}

// setupEngine wires the standard plumbing-backed capabilities for a command
// running inside the user's monorepo clone.
func setupEngine(ctx context.Context) (*engine, error) {
	git := newGitRunner(ctx, "")
	git.dryRun = control.dryRun
	gitDir, err := git.gitDir()
	if err != nil {
		return nil, &configError{errors.Wrap(err, "not inside a git repository")}
	}
	config, err := loadConfig(git)
	if err != nil {
		return nil, err
	}
	control.ignoredWarns = config.ignoredWarningPatterns()
	store := newGitOdb(git)
	eng := newEngine(ctx, config, git, store, newGitTransport(git, config))
	eng.gitDir = gitDir
	return eng, nil
}

func fetchCommand(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return &configError{errors.New("fetch takes no arguments")}
	}
	eng, err := setupEngine(ctx)
	if err != nil {
		return err
	}
	defer closeStore(eng.store)
	return eng.runFetch()
}

func pushCommand(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return &configError{errors.New("push takes exactly one refspec argument")}
	}
	refspec, err := parsePushRefspec(args[0])
	if err != nil {
		return &configError{err}
	}
	eng, err := setupEngine(ctx)
	if err != nil {
		return err
	}
	defer closeStore(eng.store)
	return eng.runPush(refspec)
}

func configCommand(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return &configError{errors.New("config takes no arguments")}
	}
	git := newGitRunner(ctx, "")
	config, err := loadConfig(git)
	if err != nil {
		return err
	}
	return config.writeEffective(os.Stdout, nil)
}

func closeStore(store ObjectStore) {
	if closer, ok := store.(interface{ Close() error }); ok {
		closer.Close()
	}
}
