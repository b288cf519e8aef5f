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

// Package termtype builds a parsetab.Table and a set of terminal globals
// from a termcap entry.
package termtype

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/AndrewHastings/emuterm/internal/parsetab"
	"github.com/AndrewHastings/emuterm/internal/termcap"
)

// Bindings is everything loading a terminal type produces: the compiled
// parse table plus the terminal geometry/behavior globals, minus the ones
// that are purely session/CLI concerns (resize-window mode comes from the
// -r flag, not the termcap entry).
type Bindings struct {
	Table     *parsetab.Table
	Cols      int
	Lines     int
	AutoWrap  bool   // am
	Hazeltine bool   // hz
	Arrows    [4]string // up, down, right, left: ku, kd, kr, kl
}

// capLookup is the subset of *termcap.Entry that the binding logic needs.
// Separating it out lets tests exercise set_termtype's rules against a fake
// entry, without a real termcap database or a cgo build.
type capLookup interface {
	Name() string
	String(cap string) (string, bool)
	Number(cap string) (int, bool)
	Flag(cap string) bool
}

// Load runs set_termtype for term. hostRows is the host terminal's current
// row count, used as li's default when the termcap entry omits it.
func Load(term string, hostRows int, log zerolog.Logger) (*Bindings, error) {
	entry, err := termcap.Lookup(term)
	if err != nil {
		return nil, err
	}
	return load(entry, hostRows, log)
}

func load(entry capLookup, hostRows int, log zerolog.Logger) (*Bindings, error) {
	table := parsetab.NewTable()
	for b := 0x20; b <= 0x7e; b++ {
		table[b] = parsetab.Entry{Action: parsetab.ActionPrint}
	}
	table['\n'] = parsetab.Entry{Action: parsetab.ActionPrint}
	table['\r'] = parsetab.Entry{Action: parsetab.ActionPrint}

	b := &Bindings{Table: table}

	if entry.Flag("cs") {
		return nil, fmt.Errorf("termtype %q: unsupported capability cs (color/graphics mode switch)", entry.Name())
	}

	if err := bindBooleans(entry, table, b, log); err != nil {
		return nil, err
	}
	if err := bindNumerics(entry, table, b, hostRows, log); err != nil {
		return nil, err
	}
	sg, err := sgGlitch(entry)
	if err != nil {
		return nil, err
	}
	if err := bindStringTable(entry, table, sg, log); err != nil {
		return nil, err
	}
	if err := bindDerived(entry, table, sg, log); err != nil {
		return nil, err
	}
	bindArrows(entry, b)

	return b, nil
}

func bindBooleans(entry capLookup, table *parsetab.Table, b *Bindings, log zerolog.Logger) error {
	b.AutoWrap = entry.Flag("am")

	if entry.Flag("hz") {
		b.Hazeltine = true
		table['~'] = parsetab.Entry{} // drop the default PRINT binding so IGNORE can be installed
		if err := parsetab.AddParse(table, "hz", "~", parsetab.ActionIgnore, ""); err != nil {
			return err
		}
		log.Debug().Msg("hz glitch: ~ bound to IGNORE")
	}

	if entry.Flag("bs") {
		if err := parsetab.AddParse(table, "bs", "\b", parsetab.ActionFmt, "\b"); err != nil {
			return err
		}
	}

	if entry.Flag("os") {
		return fmt.Errorf("termtype %q: unsupported capability os (overstrike)", entry.Name())
	}

	if entry.Flag("pt") {
		if err := parsetab.AddParse(table, "pt", "\t", parsetab.ActionFmt, "\t"); err != nil {
			return err
		}
	}

	if entry.Flag("x7") {
		if err := parsetab.AddParse(table, "x7", "\x03", parsetab.ActionFmt, "\u25b2"); err != nil {
			return err
		}
		if err := parsetab.AddParse(table, "x7", "\x7f", parsetab.ActionFmt, "\u25a0"); err != nil {
			return err
		}
		log.Debug().Msg("x7 glitch: ETX/DEL bound to glyph substitutes")
	}

	return nil
}

func bindNumerics(entry capLookup, table *parsetab.Table, b *Bindings, hostRows int, log zerolog.Logger) error {
	cols, ok := entry.Number("co")
	if !ok || cols <= 0 {
		return fmt.Errorf("termtype %q: co (columns) missing or not positive", entry.Name())
	}
	b.Cols = cols

	lines, ok := entry.Number("li")
	if !ok || lines <= 0 {
		lines = hostRows
		log.Debug().Int("li", lines).Msg("li absent or non-positive, defaulting to host row count")
	}
	b.Lines = lines

	return nil
}

func sgGlitch(entry capLookup) (int, error) {
	sg, ok := entry.Number("sg")
	if !ok {
		sg = 0
	}
	if sg > 1 {
		return 0, fmt.Errorf("termtype %q: unsupported sg value %d (only 0 or 1 supported)", entry.Name(), sg)
	}
	if sg == 0 {
		if ug, ok := entry.Number("ug"); ok && ug > 0 {
			return 0, fmt.Errorf("termtype %q: sg=0 with ug=%d is unsupported", entry.Name(), ug)
		}
	}
	return sg, nil
}

// capSpec names one row of the standard replacement table. repl0 is used
// when sg==0, repl1 when sg==1; for capabilities with no magic-cookie
// variant the two are identical.
type capSpec struct {
	cap    string
	action parsetab.Action
	repl0  string
	repl1  string
}

// ho, le, sf, md, and so are deliberately absent here: bindDerived handles
// them as derived bindings, conditional on what else was installed.
var standardCaps = []capSpec{
	{"al", parsetab.ActionFmt, "\x1b[L", "\x1b[L"},
	{"dl", parsetab.ActionFmt, "\x1b[M", "\x1b[M"},
	{"ic", parsetab.ActionFmt, "\x1b[@", "\x1b[@"},
	{"dc", parsetab.ActionFmt, "\x1b[P", "\x1b[P"},
	{"cd", parsetab.ActionFmt, "\x1b[J", "\x1b[J"},
	{"ce", parsetab.ActionFmt, "\x1b[K", "\x1b[K"},
	{"cl", parsetab.ActionFmt, "\x1b[H\x1b[2J", "\x1b[H\x1b[2J"},
	{"cr", parsetab.ActionFmt, "\r", "\r"},
	{"do", parsetab.ActionFmt, "\n", "\n"},
	{"ta", parsetab.ActionFmt, "\t", "\t"},
	{"bl", parsetab.ActionFmt, "\a", "\a"},
	{"bc", parsetab.ActionFmt, "\b", "\b"},
	{"nd", parsetab.ActionFmt, "\x1b[C", "\x1b[C"},
	{"up", parsetab.ActionFmt, "\x1b[A", "\x1b[A"},
	{"ll", parsetab.ActionLL, "\x1b[%dH", "\x1b[%dH"},
	{"me", parsetab.ActionFmt, "\x1b[0m", "\u00bb\x1b[0m"},
	{"se", parsetab.ActionFmt, "\x1b[0m", "\u00bb\x1b[0m"},
	{"ue", parsetab.ActionFmt, "\x1b[0m", "\u00bb\x1b[0m"},
	{"mr", parsetab.ActionFmt, "\x1b[7m", "\x1b[7m\u00ab"},
	{"us", parsetab.ActionFmt, "\x1b[4m", "\x1b[4m\u00ab"},
	{"mb", parsetab.ActionFmt, "\x1b[5m", "\x1b[5m"},
	{"mh", parsetab.ActionFmt, "\x1b[2m", "\x1b[2m"},
	{"bt", parsetab.ActionFmt, "\x1b[Z", "\x1b[Z"},
	{"rc", parsetab.ActionFmt, "\x1b8", "\x1b8"},
	{"sc", parsetab.ActionFmt, "\x1b7", "\x1b7"},
	{"im", parsetab.ActionFmt, "\x1b[4h", "\x1b[4h"},
	{"ei", parsetab.ActionFmt, "\x1b[4l", "\x1b[4l"},
	{"fs", parsetab.ActionFmt, "\x1b\\", "\x1b\\"},
	{"ts", parsetab.ActionSTLine, "\x1b]0;", "\x1b]0;"},
	{"ke", parsetab.ActionFmt, "", ""},
	{"ks", parsetab.ActionFmt, "", ""},
	{"ds", parsetab.ActionFmt, "", ""},
	{"ve", parsetab.ActionFmt, "", ""},
	{"vi", parsetab.ActionFmt, "", ""},
	{"vs", parsetab.ActionFmt, "", ""},
	{"cm", parsetab.ActionFmt2, "\x1b[%d;%dH", "\x1b[%d;%dH"},
}

func bindStringTable(entry capLookup, table *parsetab.Table, sg int, log zerolog.Logger) error {
	for _, c := range standardCaps {
		val, ok := entry.String(c.cap)
		if !ok {
			continue
		}
		repl := c.repl0
		if sg == 1 {
			repl = c.repl1
		}
		if err := parsetab.AddParse(table, c.cap, val, c.action, repl); err != nil {
			return fmt.Errorf("termtype %q: %w", entry.Name(), err)
		}
	}
	return nil
}

// bindDerived runs the composition checks: ho, le, sf, md, and so are
// added only when they genuinely differ from bindings
// the table pass (or another derived binding) already installed, so two
// capabilities that happen to share one underlying byte sequence in a
// particular termcap entry don't produce a spurious conflict.
func bindDerived(entry capLookup, table *parsetab.Table, sg int, log zerolog.Logger) error {
	cmVal, ok := entry.String("cm")
	if !ok {
		return fmt.Errorf("termtype %q: cm (cursor motion) capability is required", entry.Name())
	}
	home, err := tgoto(cmVal, 0, 0)
	if err != nil {
		return fmt.Errorf("termtype %q: cm: %w", entry.Name(), err)
	}

	if hoVal, ok := entry.String("ho"); ok {
		if hoVal != string(home) {
			if err := parsetab.AddParse(table, "ho", hoVal, parsetab.ActionFmt, "\x1b[H"); err != nil {
				return fmt.Errorf("termtype %q: %w", entry.Name(), err)
			}
		} else {
			log.Debug().Msg("ho matches cm(0,0); skipping separate binding")
		}
	}

	if leVal, ok := entry.String("le"); ok {
		bcVal, bcOK := entry.String("bc")
		coveredByBS := entry.Flag("bs") && leVal == "\b"
		coveredByBC := bcOK && bcVal == leVal
		if !coveredByBS && !coveredByBC {
			if err := parsetab.AddParse(table, "le", leVal, parsetab.ActionFmt, "\x1b[D"); err != nil {
				return fmt.Errorf("termtype %q: %w", entry.Name(), err)
			}
		} else {
			log.Debug().Msg("le already covered by bs/bc; skipping separate binding")
		}
	}

	if sfVal, ok := entry.String("sf"); ok {
		doVal, _ := entry.String("do")
		if sfVal != "\n" && sfVal != doVal {
			if err := parsetab.AddParse(table, "sf", sfVal, parsetab.ActionFmt, "\n"); err != nil {
				return fmt.Errorf("termtype %q: %w", entry.Name(), err)
			}
		} else {
			log.Debug().Msg("sf matches \\n/do; skipping separate binding")
		}
	}

	mrVal, _ := entry.String("mr")
	if mdVal, ok := entry.String("md"); ok {
		if mdVal != mrVal {
			repl := "\x1b[1m"
			if sg == 1 {
				repl = "\x1b[1m\u00ab"
			}
			if err := parsetab.AddParse(table, "md", mdVal, parsetab.ActionFmt, repl); err != nil {
				return fmt.Errorf("termtype %q: %w", entry.Name(), err)
			}
		} else {
			log.Debug().Msg("md matches mr; skipping separate binding")
		}
	}
	if soVal, ok := entry.String("so"); ok {
		if soVal != mrVal {
			repl := "\x1b[7m"
			if sg == 1 {
				repl = "\x1b[7m\u00ab"
			}
			if err := parsetab.AddParse(table, "so", soVal, parsetab.ActionFmt, repl); err != nil {
				return fmt.Errorf("termtype %q: %w", entry.Name(), err)
			}
		} else {
			log.Debug().Msg("so matches mr; skipping separate binding")
		}
	}

	return nil
}

func bindArrows(entry capLookup, b *Bindings) {
	if v, ok := entry.String("ku"); ok {
		b.Arrows[0] = v
	}
	if v, ok := entry.String("kd"); ok {
		b.Arrows[1] = v
	}
	if v, ok := entry.String("kr"); ok {
		b.Arrows[2] = v
	}
	if v, ok := entry.String("kl"); ok {
		b.Arrows[3] = v
	}
}

// tgoto is a small local reimplementation of the termcap tgoto(3) function:
// it renders a parameterized capability string (such as cm) for concrete
// argument values, used by the ho composition check in bindDerived. \200
// (0x80) stands in for a NUL argument byte so it survives as a real byte
// rather than terminating a C string, mirroring the original's convention.
func tgoto(value string, row, col int) ([]byte, error) {
	args := [2]int{row, col}
	if strings.Contains(value, "%r") {
		args[0], args[1] = args[1], args[0]
	}

	var out []byte
	idx := 0
	pinc := 0 // %i's increment, once seen, applies to every remaining argument
	i := 0
	for i < len(value) {
		b := value[i]
		if b == '%' && !(i+1 < len(value) && value[i+1] == '%') {
			i++
			if i >= len(value) {
				return nil, fmt.Errorf("tgoto: truncated %%-format")
			}
			switch value[i] {
			case 'i':
				pinc++
				i++
				continue
			case 'r':
				i++ // already handled by the pre-swap above
				continue
			case 'd':
				if idx >= len(args) {
					return nil, fmt.Errorf("tgoto: too many arguments")
				}
				out = append(out, []byte(strconv.Itoa(args[idx]+pinc))...)
				idx++
				i++
				continue
			case '2':
				if idx >= len(args) {
					return nil, fmt.Errorf("tgoto: too many arguments")
				}
				out = append(out, []byte(fmt.Sprintf("%02d", args[idx]+pinc))...)
				idx++
				i++
				continue
			case '3':
				if idx >= len(args) {
					return nil, fmt.Errorf("tgoto: too many arguments")
				}
				out = append(out, []byte(fmt.Sprintf("%03d", args[idx]+pinc))...)
				idx++
				i++
				continue
			case '.':
				if idx >= len(args) {
					return nil, fmt.Errorf("tgoto: too many arguments")
				}
				v := args[idx] + pinc
				out = append(out, nulSafeByte(v))
				idx++
				i++
				continue
			case '+':
				i++
				if i >= len(value) {
					return nil, fmt.Errorf("tgoto: truncated %%+X")
				}
				if idx >= len(args) {
					return nil, fmt.Errorf("tgoto: too many arguments")
				}
				v := args[idx] + pinc + int(value[i])
				out = append(out, nulSafeByte(v))
				idx++
				i++
				continue
			default:
				return nil, fmt.Errorf("tgoto: unsupported %%-format %%%c", value[i])
			}
		}
		if b == '%' {
			out = append(out, '%')
			i += 2
			continue
		}
		out = append(out, b)
		i++
	}
	return out, nil
}

func nulSafeByte(v int) byte {
	if v == 0 {
		return 0x80
	}
	return byte(v)
}
