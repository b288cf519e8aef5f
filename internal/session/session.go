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

// Package session implements the event loop and file sender: the
// single-threaded-from-the-user's-perspective pump that shuttles bytes
// between the host terminal and the child's pty, drives the output
// translator and input line discipline, and services the "~r FILE" file
// sender and "~w FILE" recorder side channels.
//
// The child-output and host-input directions run as two goroutines
// supervised by golang.org/x/sync/errgroup: either side finishing (child
// exit, stdin EOF, a quit command, an I/O error) cancels the group's
// context and unwinds both.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/AndrewHastings/emuterm/internal/inputline"
	"github.com/AndrewHastings/emuterm/internal/translate"
)

// errQuit is returned internally by the stdin pump when the user issues a
// "~." or "~q" command, so Run's errgroup unwinds cleanly without logging a
// spurious error.
var errQuit = errors.New("session: quit requested")

// ptyReadSize and fileSendChunk are the read-size constants: modest reads
// off the pty/stdin, and the 256-byte cap on each file-sender write so a
// large "~r FILE" can't starve the interactive path.
const (
	ptyReadSize   = 128
	fileSendChunk = 256
)

// Session holds every piece of mutable state a running emuterm session
// needs, gathered into one struct rather than package-level globals:
// terminal geometry and behavior fields (TermActive, AutoWrap, and so on)
// live on the Translator/Input/Screen sub-objects they govern, alongside
// the child pty and the optional recording/suspend hooks.
type Session struct {
	PTY    *os.File  // child's pty master
	Stdin  io.Reader // host stdin
	Stdout io.Writer // host stdout

	Translator *translate.Translator
	Input      *inputline.Handler

	// Suspend, if set, is invoked for a "~^Z" command. The session package
	// has no notion of process groups or job control signals itself; the
	// caller wires this to whatever that requires (leave raw mode, raise
	// SIGTSTP on the foreground process group, re-enter raw mode on
	// resume).
	Suspend func() error

	Log zerolog.Logger

	mu         sync.Mutex
	recordFile *os.File
	sendAbort  chan struct{} // non-nil while a "~r FILE" send is in flight
}

// Run drives the event loop until the child exits, stdin reaches EOF, a
// quit command is issued, or ctx is canceled. It returns nil for any of the
// ordinary termination paths and a non-nil error only for an unexpected I/O
// failure.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	// errgroup cancels ctx only on an error; a pump that ends cleanly (child
	// exit, stdin EOF) cancels it here so the other pump unwinds too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.Go(func() error { defer cancel(); return s.pumpChild(ctx) })
	g.Go(func() error { defer cancel(); return s.pumpStdin(ctx) })

	err := g.Wait()
	s.stopRecording()
	s.cancelSend()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

// asyncRead is the read half of a one-shot read dispatched to a goroutine,
// used so pumpChild/pumpStdin can select between a blocking Read and
// ctx.Done() instead of blocking past cancellation.
type asyncRead struct {
	n   int
	buf []byte
	err error
}

func startRead(r io.Reader, size int) <-chan asyncRead {
	ch := make(chan asyncRead, 1)
	go func() {
		buf := make([]byte, size)
		n, err := r.Read(buf)
		ch <- asyncRead{n: n, buf: buf[:n], err: err}
	}()
	return ch
}

// pumpChild reads child output off the pty, feeds it through the output
// translator (which writes the translated ANSI to s.Stdout), and mirrors
// raw bytes into any active recording file.
func (s *Session) pumpChild(ctx context.Context) error {
	for {
		ch := startRead(s.PTY, ptyReadSize)
		select {
		case <-ctx.Done():
			return nil
		case res := <-ch:
			s.syncRecordTarget() // Translator.Record is only ever touched from this goroutine
			if res.n > 0 {
				if err := s.Translator.HandleOutput(res.buf); err != nil {
					return fmt.Errorf("session: output translation: %w", err)
				}
			}
			if res.err != nil {
				if res.err == io.EOF {
					return nil // child exited
				}
				return fmt.Errorf("session: pty read: %w", res.err)
			}
		}
	}
}

// pumpStdin reads host keystrokes, runs them through the input line
// discipline, forwards the resulting child bytes and local echo, and
// dispatches any escape commands it produces.
func (s *Session) pumpStdin(ctx context.Context) error {
	for {
		ch := startRead(s.Stdin, ptyReadSize)
		select {
		case <-ctx.Done():
			return nil
		case res := <-ch:
			if res.n > 0 {
				s.cancelSend() // any keystroke aborts an in-flight file send
				wbuf, obuf, cmds, err := s.Input.HandleInput(res.buf)
				if err != nil {
					return fmt.Errorf("session: input handling: %w", err)
				}
				if len(wbuf) > 0 {
					if _, werr := s.PTY.Write(wbuf); werr != nil {
						return fmt.Errorf("session: pty write: %w", werr)
					}
				}
				if len(obuf) > 0 {
					if _, werr := s.Stdout.Write(obuf); werr != nil {
						return fmt.Errorf("session: stdout write: %w", werr)
					}
				}
				for _, cmd := range cmds {
					if err := s.dispatch(cmd); err != nil {
						return err
					}
				}
			}
			if res.err != nil {
				if res.err == io.EOF {
					return nil
				}
				return fmt.Errorf("session: stdin read: %w", res.err)
			}
		}
	}
}

// dispatch acts on one escape command produced by the input handler.
func (s *Session) dispatch(cmd inputline.Command) error {
	switch {
	case cmd.Help:
		_, err := io.WriteString(s.Stdout, inputline.HelpText)
		return err

	case cmd.Quit:
		return errQuit

	case cmd.Suspend:
		if s.Suspend != nil {
			if err := s.Suspend(); err != nil {
				s.Log.Error().Err(err).Msg("suspend failed")
			}
		}
		return nil

	case cmd.SendFile != "":
		s.startSend(cmd.SendFile)
		return nil

	case cmd.Record != "":
		if err := s.startRecording(cmd.Record); err != nil {
			fmt.Fprintf(s.Stdout, "emuterm: %v\r\n", err)
		}
		return nil

	case cmd.StopRecord:
		s.stopRecording()
		return nil

	default:
		if cmd.Bad != "" {
			io.WriteString(s.Stdout, inputline.UnrecognizedMessage(cmd.Bad))
		}
		return nil
	}
}

// syncRecordTarget applies any pending "~w" change onto the translator's
// Record field. It must only be called from pumpChild's goroutine, the
// same one that owns every other field of s.Translator, so this is the
// sole writer of Translator.Record and no locking is needed on that side.
func (s *Session) syncRecordTarget() {
	s.mu.Lock()
	f := s.recordFile
	s.mu.Unlock()
	if f == nil {
		s.Translator.Record = nil
	} else {
		s.Translator.Record = f
	}
}

// startRecording opens (or replaces) the active recording file for "~w
// FILE".
func (s *Session) startRecording(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open recording file: %w", err)
	}
	s.mu.Lock()
	old := s.recordFile
	s.recordFile = f
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// stopRecording closes the active recording file, if any, for a bare "~w".
func (s *Session) stopRecording() {
	s.mu.Lock()
	f := s.recordFile
	s.recordFile = nil
	s.mu.Unlock()
	if f != nil {
		f.Close()
	}
}

// startSend begins a "~r FILE" background send: read the file in
// fileSendChunk-sized pieces and write each straight to the child's pty,
// until EOF, a read/write error, or cancelSend aborts it.
func (s *Session) startSend(path string) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(s.Stdout, "emuterm: %v\r\n", err)
		return
	}

	abort := make(chan struct{})
	s.mu.Lock()
	if s.sendAbort != nil {
		close(s.sendAbort) // a prior send was still running; cut it off
	}
	s.sendAbort = abort
	s.mu.Unlock()

	go func() {
		defer f.Close()
		buf := make([]byte, fileSendChunk)
		for {
			select {
			case <-abort:
				io.WriteString(s.Stdout, "\r\nemuterm: file send aborted by keystroke\r\n")
				return
			default:
			}
			n, err := f.Read(buf)
			if n > 0 {
				if _, werr := s.PTY.Write(buf[:n]); werr != nil {
					s.Log.Error().Err(werr).Msg("file send: pty write failed")
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					s.Log.Error().Err(err).Msg("file send: read failed")
				}
				s.mu.Lock()
				if s.sendAbort == abort {
					s.sendAbort = nil
				}
				s.mu.Unlock()
				return
			}
		}
	}()
}

// cancelSend stops an in-flight file send, if any. Called on every stdin
// chunk, since any user keystroke aborts an in-progress send, and again at
// Run's exit so a lingering sender doesn't outlive the session.
func (s *Session) cancelSend() {
	s.mu.Lock()
	abort := s.sendAbort
	s.sendAbort = nil
	s.mu.Unlock()
	if abort != nil {
		close(abort)
	}
}
