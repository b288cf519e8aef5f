/*
 * Copyright 2024 Andrew B. Hastings. All rights reserved.
 *
 * This program is free software; you can redistribute it and/or
 * modify it under the terms of the GNU General Public License
 * version 2, as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 */

// Package translate drives a compiled parsetab.Table at runtime: the
// output translation engine. It walks the emulated terminal's output byte
// by byte, collecting %-format arguments across possibly several read()s,
// and emits the corresponding xterm/ANSI sequence once a capability's full
// byte sequence has been recognized.
package translate

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/AndrewHastings/emuterm/internal/parsetab"
)

// InternalError reports a state the parse-table builder was supposed to
// have made impossible: an argument count mismatch, an impossible step
// state, or a dispatch on an entry nothing ever installed.
type InternalError struct {
	Msg string
}

func (e *InternalError) Error() string {
	return "translator invariant violated: " + e.Msg
}

// Translator holds the per-session runtime state: the current table, the
// in-progress entry and step, and the parsed argument values. It is not
// safe for concurrent use; the event loop drives it from a single
// goroutine.
type Translator struct {
	// Root is the compiled parse table; never mutated after setup.
	Root *parsetab.Table
	// Out receives translated (or, when Enabled is false, passed-through) output.
	Out io.Writer
	// Record, if non-nil, receives a raw copy of every byte read, pre-translation.
	Record io.Writer
	// Enabled selects parser mode; false means identity passthrough (no -t given).
	Enabled bool

	TermLines int
	TermCols  int
	Hazeltine bool // hz glitch: reduce FMT2 args modulo 32/96 before clamping

	// ODelay is applied once per source byte, including passthrough bytes,
	// to model the original baud-rate feel.
	ODelay time.Duration
	// Sleep defaults to time.Sleep; tests override it to avoid real delays.
	Sleep func(time.Duration)
	// Debug makes internal invariant violations panic (with the table
	// dumped to stderr) instead of returning an *InternalError.
	Debug bool

	pt         *parsetab.Table
	pp         *parsetab.Entry
	stepIdx    int
	args       [2]int
	nargs      int
	digitAccum int
	digitsLeft int
}

// New builds a Translator over the given compiled table. Enabled defaults
// to true; callers doing passthrough-only (-t not given) should set it false.
func New(root *parsetab.Table) *Translator {
	return &Translator{
		Root:    root,
		Enabled: true,
		Sleep:   time.Sleep,
		pt:      root,
	}
}

func (t *Translator) resetCursor() {
	t.pt = t.Root
	t.pp = nil
	t.stepIdx = 0
	t.nargs = 0
	t.digitAccum = 0
	t.digitsLeft = 0
}

// HandleOutput processes one read()'s worth of child-pty output. It is the
// hot path of the whole program.
func (t *Translator) HandleOutput(data []byte) error {
	if t.Record != nil {
		_, _ = t.Record.Write(data) // best-effort; recording failure is not fatal
	}

	if !t.Enabled {
		// Identity passthrough: no parity stripping, no parsing, only the
		// output throttle applies.
		for _, b := range data {
			if t.ODelay > 0 {
				t.Sleep(t.ODelay)
			}
			if err := t.write([]byte{b}); err != nil {
				return err
			}
		}
		return nil
	}

	for _, raw := range data {
		if t.ODelay > 0 {
			t.Sleep(t.ODelay)
		}
		b := raw &^ 0x80 // strip parity (legacy high bit)
		if err := t.step(b); err != nil {
			return err
		}
	}
	return nil
}

// step processes a single byte against the current trie position.
func (t *Translator) step(b byte) error {
	if t.pp == nil {
		entry := &t.pt[b]
		if entry.NSteps > 0 {
			t.pp = entry
			t.stepIdx = 0
			t.beginStep(entry.Steps[0])
			return nil
		}
		return t.dispatch(entry, b)
	}

	st := t.pp.Steps[t.stepIdx]
	switch st.State {
	case parsetab.StateGet1C:
		v := int(b) - st.Inc
		if v < 0 {
			v = 0
		}
		t.pushArg(v)
		return t.advance()

	case parsetab.StateGetDigits:
		if b >= '0' && b <= '9' {
			t.digitAccum = t.digitAccum*10 + int(b-'0')
			return nil
		}
		v := t.digitAccum - st.Inc
		if v < 0 {
			v = 0
		}
		t.pushArg(v)
		entry := t.pp
		t.pt = entry.Child
		t.pp = nil
		t.digitAccum = 0
		if t.pt == nil {
			return t.internalError(fmt.Sprintf("cap %q: NEXT entry has no child table", entry.Cap2))
		}
		// The non-digit byte was never consumed as a digit; it is the key
		// for the child table this capability's terminator descends into.
		return t.step(b)

	case parsetab.StateGet3D, parsetab.StateGet2D, parsetab.StateGet1D:
		d := 0
		if b >= '0' && b <= '9' {
			d = int(b - '0')
		}
		t.digitAccum = t.digitAccum*10 + d
		t.digitsLeft--
		if t.digitsLeft > 0 {
			return nil
		}
		v := t.digitAccum - st.Inc
		if v < 0 {
			v = 0
		}
		t.pushArg(v)
		return t.advance()

	default:
		return t.internalError(fmt.Sprintf("impossible argument state %v mid-sequence", st.State))
	}
}

func (t *Translator) beginStep(st parsetab.Step) {
	switch st.State {
	case parsetab.StateGet3D:
		t.digitsLeft = 3
		t.digitAccum = 0
	case parsetab.StateGet2D:
		t.digitsLeft = 2
		t.digitAccum = 0
	case parsetab.StateGet1D:
		t.digitsLeft = 1
		t.digitAccum = 0
	case parsetab.StateGetDigits:
		t.digitAccum = 0
	}
}

func (t *Translator) pushArg(v int) {
	if t.nargs < len(t.args) {
		t.args[t.nargs] = v
	}
	t.nargs++
}

// advance moves to the next argument step of the current entry, or
// performs its action once the final step has completed.
func (t *Translator) advance() error {
	t.stepIdx++
	if t.stepIdx < t.pp.NSteps {
		t.beginStep(t.pp.Steps[t.stepIdx])
		return nil
	}
	entry := t.pp
	t.pp = nil
	return t.dispatch(entry, 0)
}

// dispatch performs entry's action. b is the triggering byte, meaningful
// only for ActionPrint and the initial ActionNext descent.
func (t *Translator) dispatch(entry *parsetab.Entry, b byte) error {
	switch entry.Action {
	case parsetab.ActionIgnore:
		t.resetCursor()
		return nil

	case parsetab.ActionPrint:
		t.resetCursor()
		return t.write([]byte{b})

	case parsetab.ActionNext:
		if entry.Child == nil {
			return t.internalError(fmt.Sprintf("cap %q: NEXT entry has a nil child table", entry.Cap2))
		}
		t.pt = entry.Child
		t.pp = nil
		return nil

	case parsetab.ActionFmt, parsetab.ActionSTLine:
		t.resetCursor()
		return t.write([]byte(entry.Repl))

	case parsetab.ActionFmt1:
		if t.nargs != 1 {
			return t.internalError(fmt.Sprintf("cap %q: FMT1 dispatched with %d args", entry.Cap2, t.nargs))
		}
		out := fmt.Sprintf(entry.Repl, t.args[0])
		t.resetCursor()
		return t.write([]byte(out))

	case parsetab.ActionLL:
		out := fmt.Sprintf(entry.Repl, t.TermLines)
		t.resetCursor()
		return t.write([]byte(out))

	case parsetab.ActionFmt2, parsetab.ActionFmt2Rev:
		if t.nargs != 2 {
			return t.internalError(fmt.Sprintf("cap %q: FMT2 dispatched with %d args", entry.Cap2, t.nargs))
		}
		row, col := t.args[0], t.args[1]
		if t.Hazeltine {
			row %= 32
			col %= 96
		}
		row = clamp(row, 0, t.TermLines-1)
		col = clamp(col, 0, t.TermCols-1)
		row++
		col++
		if entry.Action == parsetab.ActionFmt2Rev {
			row, col = col, row
		}
		out := fmt.Sprintf(entry.Repl, row, col)
		t.resetCursor()
		return t.write([]byte(out))

	default:
		return t.internalError(fmt.Sprintf("dispatch on entry with action %v", entry.Action))
	}
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (t *Translator) write(p []byte) error {
	n, err := t.Out.Write(p)
	if err != nil {
		return err
	}
	if n < len(p) {
		return io.ErrShortWrite
	}
	return nil
}

func (t *Translator) internalError(msg string) error {
	if t.Debug {
		dumpStderr(t.Root)
		panic("translator invariant violated: " + msg)
	}
	return &InternalError{Msg: msg}
}

// dumpStderr writes the compiled table to stderr for postmortem inspection.
func dumpStderr(root *parsetab.Table) {
	parsetab.Dump(root, os.Stderr)
}
