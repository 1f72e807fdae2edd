package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRunFormatsImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.minix")
	var out, errOut bytes.Buffer

	code := run([]string{"-b", "256", "-i", "64", path}, &out, &errOut)
	if code != 0 {
		t.Fatalf("run: exit %d, stderr %q", code, errOut.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) != 256*1024 {
		t.Fatalf("image size = %d, want %d", len(data), 256*1024)
	}
}

func TestRunRequiresPathArgument(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"-b", "256"}, &out, &errOut)
	if code != 2 {
		t.Fatalf("run: exit %d, want 2", code)
	}
}

func TestRunRejectsUndersizedDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.minix")
	var out, errOut bytes.Buffer
	code := run([]string{"-b", "4", path}, &out, &errOut)
	if code != 1 {
		t.Fatalf("run: exit %d, want 1", code)
	}
}
