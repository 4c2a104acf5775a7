// Progress baton: a twirling indicator with a counter, shown only when
// stderr is a terminal that can erase lines. Silent under -q and in logs.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	terminfo "github.com/xo/terminfo"
	term "golang.org/x/term"
)

type Baton struct {
	mutex     sync.Mutex
	stream    *os.File
	enabled   bool
	suspended int
	prefix    string
	count     int64
	lastSpin  time.Time
	spinIdx   int
}

var batonGlyphs = []byte{'-', '\\', '|', '/'}

func newBaton(stream *os.File) *Baton {
	b := &Baton{stream: stream}
	if !term.IsTerminal(int(stream.Fd())) {
		return b
	}
	// No baton on terminals that cannot erase a line.
	if _, err := terminfo.LoadFromEnv(); err != nil {
		return b
	}
	b.enabled = true
	return b
}

func (b *Baton) disable() {
	b.mutex.Lock()
	b.enabled = false
	b.mutex.Unlock()
}

// begin starts a named progress phase with a zeroed counter.
func (b *Baton) begin(prefix string) {
	b.mutex.Lock()
	b.prefix = prefix
	b.count = 0
	b.mutex.Unlock()
	if logEnable(logBATON) {
		logit("%s...", prefix)
	}
}

// twirl advances the counter and repaints at most 30 times a second.
func (b *Baton) twirl() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.count++
	if !b.enabled || b.suspended > 0 {
		return
	}
	now := time.Now()
	if now.Sub(b.lastSpin) < time.Second/30 {
		return
	}
	b.lastSpin = now
	b.spinIdx = (b.spinIdx + 1) % len(batonGlyphs)
	fmt.Fprintf(b.stream, "\r\x1b[K%s %c %s", b.prefix,
		batonGlyphs[b.spinIdx], humanize.Comma(b.count))
}

// end finishes the phase with a permanent summary line.
func (b *Baton) end() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.prefix == "" {
		return
	}
	if b.enabled && b.suspended == 0 {
		fmt.Fprintf(b.stream, "\r\x1b[K")
	}
	if logEnable(logBATON) {
		logit("%s: %s done", b.prefix, humanize.Comma(b.count))
	}
	b.prefix = ""
}

// suspend clears the baton line so other output interleaves cleanly.
func (b *Baton) suspend() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.enabled && b.suspended == 0 && b.prefix != "" {
		fmt.Fprintf(b.stream, "\r\x1b[K")
	}
	b.suspended++
}

func (b *Baton) resume() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.suspended > 0 {
		b.suspended--
	}
}
