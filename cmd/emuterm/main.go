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

// emuterm spawns a child process on a pty and translates its legacy
// termcap-targeted output into ANSI/xterm escape sequences for the host
// terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/AndrewHastings/emuterm/internal/inputline"
	"github.com/AndrewHastings/emuterm/internal/screenmode"
	"github.com/AndrewHastings/emuterm/internal/session"
	"github.com/AndrewHastings/emuterm/internal/termtype"
	"github.com/AndrewHastings/emuterm/internal/translate"
)

// version is the "-v" banner value; it has no relationship to the termcap
// entry's own version notion.
const version = "emuterm 1.0"

// baudTable holds the {baud, cps} pairs -c's snap-up-to-next-rate behavior
// is based on (characters/sec for each classic serial rate).
var baudTable = []struct {
	baud, cps int
}{
	{50, 5}, {75, 8}, {110, 10}, {134, 13}, {150, 15}, {200, 20},
	{300, 30}, {600, 60}, {1200, 120}, {1800, 180}, {2400, 240},
	{4800, 480}, {9600, 960}, {19200, 1920}, {38400, 3840},
	{57600, 5760}, {115200, 11520},
}

// snapRate rounds a requested characters-per-second rate up to the next
// baud-equivalent cps in baudTable (minimum 5).
func snapRate(requested int) int {
	if requested < 5 {
		requested = 5
	}
	for _, b := range baudTable {
		if b.cps >= requested {
			return b.cps
		}
	}
	return baudTable[len(baudTable)-1].cps
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cps       int
		resizeWin bool
		termType  string
		verbose   bool
		debug     bool
	)
	flag.IntVar(&cps, "c", 0, "Output rate in characters/sec (0: unthrottled; snapped up to the next baud-equivalent rate, minimum 5)")
	flag.BoolVar(&resizeWin, "r", false, "Use resize-window (DECSLPP) instead of a scroll region for the emulated screen size")
	flag.StringVar(&termType, "t", "", "Emulate termcap entry `TYPE` (sets the child's TERM and enables translation)")
	flag.BoolVar(&verbose, "v", false, "Print version and exit")
	flag.BoolVar(&debug, "debug", false, "Write a session diagnostic trail to stderr")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-c cps] [-r] [-t termtype] [-v] [cmd args...]\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "-c rates snap up to the next of: %s\n", baudRatesBanner())
	}
	flag.Parse()

	if verbose {
		fmt.Println(version)
		return 0
	}

	var log zerolog.Logger
	if debug {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		log = zerolog.Nop()
	}

	child := []string{"bash"}
	if flag.NArg() > 0 {
		child = flag.Args()
	}

	cols, rows, err := screenmode.GetWinsize(int(os.Stdin.Fd()))
	if err != nil {
		log.Error().Err(err).Msg("querying host window size, defaulting to 80x24")
		cols, rows = 80, 24
	}

	var bindings *termtype.Bindings
	if termType != "" {
		bindings, err = termtype.Load(termType, rows, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "emuterm: %v\n", err)
			return 1
		}
	}

	cmd := buildChildCmd(child, termType)
	ptyMaster, err := pty.Start(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "emuterm: starting child: %v\n", err)
		return 1
	}
	defer ptyMaster.Close()
	defer cmd.Wait()

	termActive := bindings != nil
	lines, tcols := rows, cols
	autoWrap := true
	var arrows [4]string
	var table *translate.Translator
	if termActive {
		lines, tcols = bindings.Lines, boundedCols(bindings.Cols, cols)
		autoWrap = bindings.AutoWrap
		arrows = bindings.Arrows
		table = translate.New(bindings.Table)
		table.Hazeltine = bindings.Hazeltine
	} else {
		table = translate.New(nil)
		table.Enabled = false
	}
	table.Out = os.Stdout
	table.TermLines = lines
	table.TermCols = tcols
	if cps > 0 {
		table.ODelay = time.Duration(1e9 / snapRate(cps))
	}

	pty.Setsize(ptyMaster, &pty.Winsize{Rows: uint16(lines), Cols: uint16(tcols)})

	screen := &screenmode.Manager{
		Fd:         int(os.Stdin.Fd()),
		Out:        os.Stdout,
		TermActive: termActive,
		ResizeWin:  resizeWin,
		Lines:      lines,
		Cols:       tcols,
		AutoWrap:   autoWrap,
		HostCols:   cols,
	}
	if err := screen.Enter(); err != nil {
		fmt.Fprintf(os.Stderr, "emuterm: %v\n", err)
		return 1
	}
	defer screen.Leave()

	input := inputline.NewHandler()
	input.TermActive = termActive
	input.Arrows = arrows

	sess := &session.Session{
		PTY:        ptyMaster,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Translator: table,
		Input:      input,
		Log:        log,
		Suspend: func() error {
			return suspendSelf(screen)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 4)
	signal.Notify(sig, unix.SIGWINCH, unix.SIGTERM, unix.SIGINT, unix.SIGCHLD)
	defer signal.Stop(sig)
	go watchSignals(sig, cancel, screen, int(os.Stdin.Fd()))

	if err := sess.Run(ctx); err != nil {
		screen.Leave()
		fmt.Fprintf(os.Stderr, "emuterm: %v\n", err)
		return 1
	}

	screen.Leave()
	return 0
}

// buildChildCmd constructs the child command with TERM set to termType when
// emulation is active, so tools the child runs (editors, pagers) agree with
// what this process is translating for.
func buildChildCmd(argv []string, termType string) *exec.Cmd {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	if termType != "" {
		cmd.Env = append(cmd.Env, "TERM="+termType)
	}
	return cmd
}

// boundedCols keeps the emulated terminal no wider than the host's current
// window, since drawing past it would wrap unpredictably on the host side.
func boundedCols(termCols, hostCols int) int {
	if hostCols > 0 && termCols > hostCols {
		return hostCols
	}
	return termCols
}

// watchSignals services SIGWINCH by re-querying the host window size and
// re-issuing the scroll-region/resize-window setup, and cancels ctx on
// SIGTERM/SIGINT/SIGCHLD so the event loop unwinds and cleanup runs.
func watchSignals(sig <-chan os.Signal, cancel context.CancelFunc, screen *screenmode.Manager, hostFd int) {
	for s := range sig {
		switch s {
		case unix.SIGWINCH:
			if cols, rows, err := screenmode.GetWinsize(hostFd); err == nil {
				screen.HandleResize(cols, rows)
			}
		case unix.SIGTERM, unix.SIGINT, unix.SIGCHLD:
			cancel()
			return
		}
	}
}

// suspendSelf implements "~^Z": restore the host termios, raise SIGTSTP on
// our own process group so the shell job-control stack suspends us
// normally, and re-enter raw mode on resume.
func suspendSelf(screen *screenmode.Manager) error {
	if err := screen.Leave(); err != nil {
		return err
	}
	if err := unix.Kill(0, unix.SIGTSTP); err != nil { // pid 0: our own process group
		return err
	}
	return screen.Enter()
}

// sortedBaudRates is exposed only for the -h usage text and tests; it is not
// on the runtime dispatch path.
func sortedBaudRates() []int {
	rates := make([]int, len(baudTable))
	for i, b := range baudTable {
		rates[i] = b.baud
	}
	sort.Ints(rates)
	return rates
}

// baudRatesBanner formats sortedBaudRates for flag.Usage's -c help text.
func baudRatesBanner() string {
	rates := sortedBaudRates()
	parts := make([]string, len(rates))
	for i, r := range rates {
		parts[i] = fmt.Sprintf("%d", r)
	}
	return strings.Join(parts, ",")
}
