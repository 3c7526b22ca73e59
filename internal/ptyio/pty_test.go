//go:build unix

package ptyio

import (
	"bytes"
	"os"
	"testing"
	"time"
)

func TestSpawnEchoAndExit(t *testing.T) {
	h, err := Spawn("/bin/sh", []string{"-c", "read line; echo \"got: $line\"; exit 3"}, ".", os.Environ(), nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Close()

	if h.ProcessID() <= 0 {
		t.Fatalf("expected positive pid, got %d", h.ProcessID())
	}

	reader, err := h.StartReader()
	if err != nil {
		t.Fatalf("start reader: %v", err)
	}

	if err := h.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got []byte
	deadline := time.After(5 * time.Second)
	for !bytes.Contains(got, []byte("got: hello")) {
		select {
		case chunk, ok := <-reader:
			if !ok {
				t.Fatalf("reader closed before seeing echo, got %q", got)
			}
			got = append(got, chunk...)
		case <-deadline:
			t.Fatalf("timed out waiting for echo, got %q", got)
		}
	}

	deadline = time.After(5 * time.Second)
	for {
		status := h.TryWait()
		if status.Exited {
			// sh -c "... exit 3" is a failure exit, mapped coarsely upstream.
			if status.Success {
				t.Fatalf("expected non-zero exit to be reported as failure")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for child exit")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartReaderOnlyOnce(t *testing.T) {
	h, err := Spawn("/bin/sh", []string{"-c", "sleep 1"}, ".", os.Environ(), nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Close()

	if _, err := h.StartReader(); err != nil {
		t.Fatalf("first StartReader: %v", err)
	}
	if _, err := h.StartReader(); err == nil {
		t.Fatal("expected second StartReader to fail")
	}
}
