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

package session

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/AndrewHastings/emuterm/internal/inputline"
	"github.com/AndrewHastings/emuterm/internal/translate"
)

// newTestSession wires a Session with a socketpair standing in for the pty
// master: unlike os.Pipe, a socketpair is bidirectional, matching a real
// pty master fd (so Session.PTY's concrete *os.File type needs no faking).
// stdin/stdout are in-memory, and the translator runs in passthrough mode
// so no compiled parse table is needed.
func newTestSession(t *testing.T, stdin io.Reader) (*Session, *os.File, *bytes.Buffer) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)
	ptyChild := os.NewFile(uintptr(fds[0]), "pty-child-side")
	ptySession := os.NewFile(uintptr(fds[1]), "pty-session-side")
	t.Cleanup(func() { ptyChild.Close(); ptySession.Close() })

	var stdout bytes.Buffer
	s := &Session{
		PTY:        ptySession,
		Stdin:      stdin,
		Stdout:     &stdout,
		Translator: &translate.Translator{Root: nil, Out: &stdout, Sleep: func(time.Duration) {}},
		Input:      inputline.NewHandler(),
	}
	return s, ptyChild, &stdout
}

func TestRunForwardsStdinToPTYAndQuitsOnEOF(t *testing.T) {
	stdin := bytes.NewBufferString("ls -l\r")
	s, ptyChild, _ := newTestSession(t, stdin)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	got := make([]byte, 6)
	if _, err := io.ReadFull(ptyChild, got); err != nil {
		t.Fatalf("read from pty child side: %v", err)
	}
	if string(got) != "ls -l\r" {
		t.Errorf("pty received %q, want %q", got, "ls -l\r")
	}

	// Closing the child side of the socketpair makes the session side's next
	// Read return EOF, which ends pumpChild; stdin EOF (the buffer is now
	// drained and bytes.Buffer.Read returns io.EOF) ends pumpStdin. Either
	// pump ending unwinds the other, so Run should return promptly.
	ptyChild.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after pty EOF")
	}
}

func TestRunQuitCommandStopsTheLoop(t *testing.T) {
	stdin, stdinWriter := io.Pipe()
	s, ptyChild, stdout := newTestSession(t, stdin)
	defer ptyChild.Close()

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	go func() {
		io.WriteString(stdinWriter, "\r~q\r")
		stdinWriter.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after a ~q command")
	}
	if !bytes.Contains(stdout.Bytes(), []byte("~")) {
		t.Errorf("stdout = %q, want the tilde echo", stdout.Bytes())
	}
}

func TestHelpCommandWritesHelpText(t *testing.T) {
	s, ptyChild, stdout := newTestSession(t, bytes.NewBuffer(nil))
	defer ptyChild.Close()

	if err := s.dispatch(inputline.Command{Help: true}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !bytes.Contains(stdout.Bytes(), []byte("quit")) {
		t.Errorf("stdout = %q, want help text", stdout.Bytes())
	}
}

func TestQuitCommandReturnsErrQuit(t *testing.T) {
	s, ptyChild, _ := newTestSession(t, bytes.NewBuffer(nil))
	defer ptyChild.Close()

	if err := s.dispatch(inputline.Command{Quit: true}); err != errQuit {
		t.Errorf("dispatch(Quit) = %v, want errQuit", err)
	}
}

func TestUnrecognizedCommandWritesDiagnostic(t *testing.T) {
	s, ptyChild, stdout := newTestSession(t, bytes.NewBuffer(nil))
	defer ptyChild.Close()

	if err := s.dispatch(inputline.Command{Bad: "Z"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	want := "emuterm: unrecognized command ~Z\n"
	if stdout.String() != want {
		t.Errorf("stdout = %q, want %q", stdout.String(), want)
	}
}

func TestRecordingCapturesRawChildOutput(t *testing.T) {
	s, ptyChild, _ := newTestSession(t, bytes.NewBuffer(nil))
	defer ptyChild.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "session.log")
	if err := s.startRecording(path); err != nil {
		t.Fatalf("startRecording: %v", err)
	}
	s.syncRecordTarget()

	if err := s.Translator.HandleOutput([]byte("hello")); err != nil {
		t.Fatalf("HandleOutput: %v", err)
	}
	s.stopRecording()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("recorded = %q, want %q", got, "hello")
	}
}

func TestStopRecordingStopsFurtherCapture(t *testing.T) {
	s, ptyChild, _ := newTestSession(t, bytes.NewBuffer(nil))
	defer ptyChild.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "session.log")
	if err := s.startRecording(path); err != nil {
		t.Fatalf("startRecording: %v", err)
	}
	s.syncRecordTarget()
	s.stopRecording()
	s.syncRecordTarget()

	if err := s.Translator.HandleOutput([]byte("after stop")); err != nil {
		t.Fatalf("HandleOutput: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("recorded = %q, want empty (recording had stopped)", got)
	}
}

func TestSendFileStreamsContentsToPTY(t *testing.T) {
	s, ptyChild, _ := newTestSession(t, bytes.NewBuffer(nil))
	defer ptyChild.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "payload.txt")
	if err := os.WriteFile(path, []byte("payload contents"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s.startSend(path)

	got := make([]byte, len("payload contents"))
	ptyChild.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(ptyChild, got); err != nil {
		t.Fatalf("read sent file from pty: %v", err)
	}
	if string(got) != "payload contents" {
		t.Errorf("pty received %q, want %q", got, "payload contents")
	}
}

// TestCancelSendClosesTheAbortChannel exercises cancelSend's contract
// directly, rather than racing a real file send against a goroutine
// schedule: closing s.sendAbort and clearing the field are what actually
// signals an in-flight sender to stop (see startSend's select on abort).
func TestCancelSendClosesTheAbortChannel(t *testing.T) {
	s, ptyChild, _ := newTestSession(t, bytes.NewBuffer(nil))
	defer ptyChild.Close()

	abort := make(chan struct{})
	s.mu.Lock()
	s.sendAbort = abort
	s.mu.Unlock()

	s.cancelSend()

	select {
	case <-abort:
	default:
		t.Error("cancelSend did not close the abort channel")
	}
	s.mu.Lock()
	got := s.sendAbort
	s.mu.Unlock()
	if got != nil {
		t.Error("cancelSend left sendAbort non-nil")
	}
}

// TestStartSendCutsOffAPriorSend exercises the "~r FILE" while a previous
// "~r FILE" is still in flight case: the prior send's abort channel must be
// closed so its goroutine stops. The prior abort channel is set directly
// (rather than via a real startSend) so the assertion doesn't race a real
// sender goroutine's own completion.
func TestStartSendCutsOffAPriorSend(t *testing.T) {
	s, ptyChild, _ := newTestSession(t, bytes.NewBuffer(nil))
	defer ptyChild.Close()

	priorAbort := make(chan struct{})
	s.mu.Lock()
	s.sendAbort = priorAbort
	s.mu.Unlock()

	dir := t.TempDir()
	path := filepath.Join(dir, "b.txt")
	if err := os.WriteFile(path, []byte("bbb"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s.startSend(path)

	select {
	case <-priorAbort:
	default:
		t.Error("starting a new send did not close the prior send's abort channel")
	}
}
