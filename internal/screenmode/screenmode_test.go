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

package screenmode

import (
	"bytes"
	"testing"

	"github.com/creack/pty"
)

// Enter/Leave need a real tty fd for term.MakeRaw/Restore, so these tests
// exercise the parts of Manager that don't: idempotent Leave, and the
// SIGWINCH resize sequences.

func TestLeaveBeforeEnterIsNoop(t *testing.T) {
	var buf bytes.Buffer
	m := &Manager{Out: &buf, TermActive: true, Lines: 24, Cols: 80}
	if err := m.Leave(); err != nil {
		t.Fatalf("Leave before Enter: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("output = %q, want none (never entered)", buf.String())
	}
}

func TestHandleResizeNoopWhenTermInactive(t *testing.T) {
	var buf bytes.Buffer
	m := &Manager{Out: &buf, TermActive: false, Lines: 24, Cols: 80}
	m.HandleResize(132, 43)
	if buf.Len() != 0 {
		t.Errorf("output = %q, want none", buf.String())
	}
}

func TestHandleResizeWindowVariant(t *testing.T) {
	var buf bytes.Buffer
	m := &Manager{Out: &buf, TermActive: true, ResizeWin: true, Lines: 24, Cols: 80}
	m.HandleResize(132, 43)
	if got := buf.String(); got != "\x1b[8;24;80t" {
		t.Errorf("output = %q, want %q", got, "\x1b[8;24;80t")
	}
}

func TestHandleResizeScrollRegionVariant(t *testing.T) {
	var buf bytes.Buffer
	m := &Manager{Out: &buf, TermActive: true, ResizeWin: false, Lines: 24, Cols: 80}
	m.HandleResize(132, 43)
	want := "\x1b[;24r\x1b[1;80s"
	if got := buf.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestSetAndGetWinsizeRoundTrip(t *testing.T) {
	master, slave, err := pty.Open()
	if err != nil {
		t.Skipf("pty.Open unavailable in this environment: %v", err)
	}
	defer master.Close()
	defer slave.Close()

	if err := SetWinsize(int(master.Fd()), 100, 40); err != nil {
		t.Fatalf("SetWinsize: %v", err)
	}
	cols, rows, err := GetWinsize(int(slave.Fd()))
	if err != nil {
		t.Fatalf("GetWinsize: %v", err)
	}
	if cols != 100 || rows != 40 {
		t.Errorf("GetWinsize = (%d, %d), want (100, 40)", cols, rows)
	}
}
