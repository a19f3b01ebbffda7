package logging

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestRotatingWriterRollsOverToBackups(t *testing.T) {
	path := t.TempDir() + "/app.log"
	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	rw.maxSize = 16

	for _, line := range []string{"first-line-0001\n", "second-line-002\n", "third-line-0003\n"} {
		if _, err := rw.Write([]byte(line)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if !strings.HasPrefix(string(current), "third") {
		t.Fatalf("current file = %q, want third line", current)
	}

	backup1, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("read .1: %v", err)
	}
	if !strings.HasPrefix(string(backup1), "second") {
		t.Fatalf(".1 = %q, want second line", backup1)
	}

	backup2, err := os.ReadFile(path + ".2")
	if err != nil {
		t.Fatalf("read .2: %v", err)
	}
	if !strings.HasPrefix(string(backup2), "first") {
		t.Fatalf(".2 = %q, want first line", backup2)
	}
}

func TestRotatingWriterWriteAfterClose(t *testing.T) {
	rw, err := NewRotatingWriter(t.TempDir()+"/closed.log", 0, 0)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := rw.Write([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("Write after Close = %v, want os.ErrClosed", err)
	}
}
