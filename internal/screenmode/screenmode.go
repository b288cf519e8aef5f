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

// Package screenmode implements entering and leaving raw mode on the host
// terminal, constraining the visible screen region to the emulated
// terminal's geometry, and restoring everything on exit. It is built on
// golang.org/x/term for raw-mode enter/restore.
package screenmode

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Manager owns the host terminal's raw-mode and scroll-region state for one
// session. It must be safe to call Leave more than once (idempotent), since
// both normal shutdown and signal-driven cleanup may invoke it.
type Manager struct {
	Fd   int       // host stdin file descriptor
	Out  io.Writer // host stdout, where ANSI setup/teardown sequences are written

	// TermActive mirrors term_set: whether a terminal type was loaded,
	// gating whether to touch the scroll region/margins at all.
	TermActive bool
	ResizeWin  bool // resize_win: use resize-window instead of scroll-region
	Lines      int
	Cols       int
	AutoWrap   bool // term_am

	// HostCols is the host terminal's own column count at the time Enter is
	// called. The DEC margin sequences are only worth sending when this
	// differs from Cols; when the host is already the emulated width, a
	// left/right margin of 1..Cols is a no-op and can be skipped.
	HostCols int

	oldState *term.State
	entered  bool
}

// Enter performs omode(true): capture current termios, switch stdin to raw
// mode, and (if a terminal type is active) constrain the host's visible
// region to the emulated terminal's geometry.
func (m *Manager) Enter() error {
	state, err := term.MakeRaw(m.Fd)
	if err != nil {
		return fmt.Errorf("screenmode: enter raw mode: %w", err)
	}
	m.oldState = state
	m.entered = true

	if !m.TermActive {
		return nil
	}

	if m.ResizeWin {
		fmt.Fprintf(m.Out, "\x1b[8;%d;%dt", m.Lines, m.Cols)
	} else {
		fmt.Fprintf(m.Out, "\x1b[;%dr", m.Lines)
		fmt.Fprint(m.Out, "\x1b[2J\x1b[H")
		if m.HostCols != m.Cols {
			fmt.Fprint(m.Out, "\x1b[?69h")
			fmt.Fprintf(m.Out, "\x1b[1;%ds", m.Cols)
		}
	}

	if !m.AutoWrap {
		fmt.Fprint(m.Out, "\x1b[?7l")
	}

	return nil
}

// Leave performs omode(false): restore the scroll region, position the
// cursor at the emulated bottom line, clear margins, re-enable auto-wrap,
// and restore the saved termios. Safe to call more than once; the second
// and subsequent calls are no-ops.
func (m *Manager) Leave() error {
	if !m.entered {
		return nil
	}

	if m.TermActive {
		fmt.Fprint(m.Out, "\x1b[r")
		fmt.Fprintf(m.Out, "\x1b[%dH", m.Lines)
		if !m.ResizeWin && m.HostCols != m.Cols {
			fmt.Fprint(m.Out, "\x1b[?69l")
		}
		if !m.AutoWrap {
			fmt.Fprint(m.Out, "\x1b[?7h")
		}
	}

	err := term.Restore(m.Fd, m.oldState)
	m.entered = false
	if err != nil {
		return fmt.Errorf("screenmode: restore termios: %w", err)
	}
	return nil
}

// HandleResize re-applies the scroll-region/resize-window setup after a
// host SIGWINCH: re-query the host window size and re-issue the same
// sequences Enter used at startup. hostCols/hostLines are the host's *new*
// dimensions; the emulated geometry (m.Lines/m.Cols) does not change.
func (m *Manager) HandleResize(hostCols, hostLines int) {
	if !m.TermActive {
		return
	}
	if m.ResizeWin {
		fmt.Fprintf(m.Out, "\x1b[8;%d;%dt", m.Lines, m.Cols)
		return
	}
	fmt.Fprintf(m.Out, "\x1b[;%dr", m.Lines)
	if hostCols != m.Cols {
		fmt.Fprintf(m.Out, "\x1b[1;%ds", m.Cols)
	}
	m.HostCols = hostCols
}

// GetWinsize queries the host window size via TIOCGWINSZ, for use by a
// SIGWINCH handler that needs the new host geometry before calling
// HandleResize.
func GetWinsize(fd int) (cols, rows int, err error) {
	ws, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
	if err != nil {
		return 0, 0, fmt.Errorf("screenmode: get window size: %w", err)
	}
	return int(ws.Col), int(ws.Row), nil
}

// SetWinsize applies rows/cols to fd via TIOCSWINSZ, used to propagate the
// emulated terminal's geometry onto the pty so the child process's own
// ioctls and SIGWINCH-driven reflows see the emulated size rather than the
// host's.
func SetWinsize(fd int, cols, rows int) error {
	ws := &unix.Winsize{Col: uint16(cols), Row: uint16(rows)}
	if err := unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, ws); err != nil {
		return fmt.Errorf("screenmode: set window size: %w", err)
	}
	return nil
}
