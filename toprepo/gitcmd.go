// Git subprocess runner. Every external git invocation in the program goes
// through here so command logging, dry-run behavior and cancellation are
// uniform.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	shlex "github.com/anmitsu/go-shlex"
	shellquote "github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
)

type gitRunner struct {
	ctx    context.Context
	dir    string // repository to operate on, "" for the process cwd
	dryRun bool
}

func newGitRunner(ctx context.Context, dir string) *gitRunner {
	return &gitRunner{ctx: ctx, dir: dir}
}

func (g *gitRunner) argv(args []string) []string {
	full := []string{"git"}
	if g.dir != "" {
		full = append(full, "-C", g.dir)
	}
	return append(full, args...)
}

func (g *gitRunner) command(args []string) *exec.Cmd {
	argv := g.argv(args)
	cmd := exec.CommandContext(g.ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	return cmd
}

// run executes git with the given arguments and returns stdout. Stderr is
// passed through to the user on failure.
func (g *gitRunner) run(args ...string) (string, error) {
	return g.runInput(nil, args...)
}

func (g *gitRunner) runInput(input []byte, args ...string) (string, error) {
	cmdline := shellquote.Join(g.argv(args)...)
	if logEnable(logCOMMANDS) {
		logit("running %s", cmdline)
	}
	cmd := g.command(args)
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", errors.Wrapf(err, "%s failed: %s", cmdline, detail)
		}
		return "", errors.Wrapf(err, "%s failed", cmdline)
	}
	return stdout.String(), nil
}

// runLoud executes git letting stderr flow to the terminal, for transport
// commands whose progress output the user wants to see. In dry-run mode the
// command line is announced and nothing runs.
func (g *gitRunner) runLoud(args ...string) error {
	cmdline := shellquote.Join(g.argv(args)...)
	if g.dryRun {
		announce("would run  %s", cmdline)
		return nil
	}
	announce("running    %s", cmdline)
	cmd := g.command(args)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "%s failed", cmdline)
	}
	return nil
}

// startPipeline spawns a long-lived git subprocess with both ends piped,
// returning its stdin, stdout and a stop function that reaps it.
func (g *gitRunner) startPipeline(args ...string) (io.WriteCloser, io.Reader, func() error, error) {
	cmdline := shellquote.Join(g.argv(args)...)
	if logEnable(logCOMMANDS) {
		logit("starting %s", cmdline)
	}
	cmd := g.command(args)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "piping stdin of %s", cmdline)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "piping stdout of %s", cmdline)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "starting %s", cmdline)
	}
	stop := func() error {
		if err := cmd.Wait(); err != nil {
			return errors.Wrapf(err, "%s exited abnormally", cmdline)
		}
		return nil
	}
	return stdin, stdout, stop, nil
}

// configValues returns every value recorded for a git config key, oldest
// first, and an empty slice when unset.
func (g *gitRunner) configValues(key string) ([]string, error) {
	out, err := g.run("config", "--get-all", key)
	if err != nil {
		// Exit status 1 means the key is unset; config lookups treat that
		// as empty rather than an error.
		var exit *exec.ExitError
		if errors.As(errors.Cause(err), &exit) && exit.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}
	var values []string
	for _, line := range strings.Split(out, "\n") {
		if line != "" {
			values = append(values, line)
		}
	}
	return values, nil
}

// extraFetchArgs reads user-supplied git-fetch arguments from the
// toprepo.fetchArgs config value, split with shell rules so quoting works
// the same as on a command line.
func (g *gitRunner) extraFetchArgs() ([]string, error) {
	values, err := g.configValues("toprepo.fetchArgs")
	if err != nil {
		return nil, err
	}
	var args []string
	for _, value := range values {
		parsed, err := shlex.Split(value, true)
		if err != nil {
			return nil, errors.Wrapf(err, "bad toprepo.fetchArgs value %q", value)
		}
		args = append(args, parsed...)
	}
	return args, nil
}

// gitDir resolves the repository's .git directory.
func (g *gitRunner) gitDir() (string, error) {
	out, err := g.run("rev-parse", "--git-common-dir")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// topLevel resolves the working tree root.
func (g *gitRunner) topLevel() (string, error) {
	out, err := g.run("rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
