package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/minix012/kernel/fsimage"
)

func writeTestImage(t *testing.T) string {
	t.Helper()
	image, _, err := fsimage.Format(256, 64)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	path := filepath.Join(t.TempDir(), "image.minix")
	if err := os.WriteFile(path, image, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestRunListsRootDirectory(t *testing.T) {
	path := writeTestImage(t)
	var out, errOut bytes.Buffer

	code := run([]string{path}, &out, &errOut)
	if code != 0 {
		t.Fatalf("run: exit %d, stderr %q", code, errOut.String())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || lines[0] != "." || lines[1] != ".." {
		t.Fatalf("run: got %q, want [. ..]", lines)
	}
}

func TestRunLongFormatIncludesMode(t *testing.T) {
	path := writeTestImage(t)
	var out, errOut bytes.Buffer

	code := run([]string{"-l", path}, &out, &errOut)
	if code != 0 {
		t.Fatalf("run: exit %d, stderr %q", code, errOut.String())
	}
	if !strings.Contains(out.String(), "40755") {
		t.Fatalf("run -l: output missing root directory mode: %q", out.String())
	}
}

func TestRunRequiresPathArgument(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(nil, &out, &errOut); code != 2 {
		t.Fatalf("run: exit %d, want 2", code)
	}
}

func TestRunRejectsMissingFile(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"/nonexistent/image.minix"}, &out, &errOut); code != 1 {
		t.Fatalf("run: exit %d, want 1", code)
	}
}
