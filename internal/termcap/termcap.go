// +build linux darwin

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

// Package termcap wraps the host's termcap(3) library: tgetent, tgetstr,
// tgetnum, and tgetflag. It is the one place in the module that talks to C,
// in the same narrow-wrapper spirit as a small cgo package wrapping a single
// system header.
package termcap

/*
#include <stdlib.h>
#include <curses.h>
#include <term.h>

// tgetent's second argument is a caller-supplied 2048-byte buffer on most
// implementations; we give it one here so cgo doesn't need to reach into
// termcap's internal static storage.
static int emuterm_tgetent(char *bp, const char *name) {
	return tgetent(bp, name);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// Entry is a successfully looked-up termcap entry, bound to one terminal
// type name for the lifetime of the process (termcap's own C globals make
// it unsafe to look up a second entry from the same process once this one
// is in use).
type Entry struct {
	name string
	buf  [2048]C.char
}

// Lookup performs tgetent(3) for name. A nil *Entry with a non-nil error
// means the terminal type is unknown or the termcap database could not be
// read, and the caller should surface that as a diagnostic rather than
// guessing a fallback entry.
func Lookup(name string) (*Entry, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	e := &Entry{name: name}
	rc := C.emuterm_tgetent((*C.char)(unsafe.Pointer(&e.buf[0])), cname)
	switch rc {
	case 1:
		return e, nil
	case 0:
		return nil, fmt.Errorf("termcap: terminal type %q not found", name)
	default:
		return nil, fmt.Errorf("termcap: could not open termcap database (tgetent rc=%d)", int(rc))
	}
}

// Name returns the terminal type name this entry was looked up under.
func (e *Entry) Name() string { return e.name }

// String fetches a string capability, stripping any leading padding
// specifier (digits, optional '.' and one fractional digit, optional '*').
// The bool reports whether the capability is present at all; a
// present-but-empty value is distinct from absent (both im/ei may
// legitimately be empty strings).
func (e *Entry) String(cap string) (string, bool) {
	ccap := C.CString(cap)
	defer C.free(unsafe.Pointer(ccap))

	// tgetstr wants a work buffer it can advance; we don't care where it
	// ends up writing within area, only about the returned pointer.
	var area *C.char
	areaBuf := make([]C.char, 1024)
	area = &areaBuf[0]

	p := C.tgetstr(ccap, &area)
	if p == nil {
		return "", false
	}
	return stripPadding(C.GoString(p)), true
}

// Number fetches a numeric capability. The bool reports presence; absent
// numerics should be treated per-capability (e.g. co is required, while an
// absent li falls back to the host's row count).
func (e *Entry) Number(cap string) (int, bool) {
	ccap := C.CString(cap)
	defer C.free(unsafe.Pointer(ccap))

	n := C.tgetnum(ccap)
	if n < 0 {
		return 0, false
	}
	return int(n), true
}

// Flag fetches a boolean capability.
func (e *Entry) Flag(cap string) bool {
	ccap := C.CString(cap)
	defer C.free(unsafe.Pointer(ccap))
	return C.tgetflag(ccap) > 0
}

// stripPadding removes a termcap padding prefix: optional decimal digits,
// an optional '.' plus one fractional digit, and an optional trailing '*'
// (per-line multiplier).
func stripPadding(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i < len(s) && s[i] == '.' {
		i++
		if i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
	}
	if i < len(s) && s[i] == '*' {
		i++
	}
	// A bare '*' or digits with nothing following isn't a real padding
	// prefix unless something padding-worthy actually preceded content;
	// termcap delay prefixes are always followed by more of the value, so
	// an all-consumed string means there was no prefix to strip at all.
	if i == len(s) {
		return s
	}
	return s[i:]
}
