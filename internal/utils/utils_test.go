package utils

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var testLog = slog.New(slog.DiscardHandler)

func TestSplitAbs(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		expDir  string
		expBase string
	}{
		{name: "1", in: "", expDir: "", expBase: ""},
		{name: "2", in: "/", expDir: "/", expBase: ""},
		{name: "3", in: "//", expDir: "/", expBase: ""},
		{name: "4", in: "/one", expDir: "/", expBase: "one"},
		{name: "5", in: "/one/two", expDir: "/one", expBase: "two"},
		{name: "6", in: "/one/two/", expDir: "/one", expBase: "two"},
		{name: "7", in: "/one//two", expDir: "/one", expBase: "two"},
		{name: "8", in: "one/two", expDir: "one", expBase: "two"},
		{name: "9", in: "one", expDir: "/", expBase: "one"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, got1 := SplitAbs(tt.in)
			if got != tt.expDir {
				t.Errorf("SplitAbs() got = %v, want %v", got, tt.expDir)
			}
			if got1 != tt.expBase {
				t.Errorf("SplitAbs() got1 = %v, want %v", got1, tt.expBase)
			}
		})
	}
}

func Test_reCreate(t *testing.T) {
	tempRoot := t.TempDir()

	// create files
	dir := filepath.Join(tempRoot, "files")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatalf("failed to make a temp subdir: %v", err)
	}
	for _, file := range []string{"a", "b", "c"} {
		path := filepath.Join(dir, file)
		if err := os.WriteFile(path, []byte{}, 0755); err != nil {
			t.Fatalf("failed to write a file: %v", err)
		}
	}

	if err := ReCreate(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// validate by making sure new dir is empty
	if empty, err := DirIsEmpty(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	} else if !empty {
		t.Errorf("expected %q to be deemed empty", tempRoot)
	}
}

func TestRunCommand(t *testing.T) {
	out, err := RunCommand(t.Context(), testLog, nil, "", "echo", "hello", "world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hello world" {
		t.Errorf("RunCommand() got = %q, want %q", out, "hello world")
	}

	_, err = RunCommand(t.Context(), testLog, nil, "", "false")
	if err == nil {
		t.Fatalf("expected error for failed command")
	}
	if !strings.HasPrefix(err.Error(), "Run(false ): err:") {
		t.Errorf("unexpected error format: %v", err)
	}
}

func TestRunCommandWithInput(t *testing.T) {
	out, err := RunCommandWithInput(t.Context(), testLog, nil, "", "line1\nline2\n", "cat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "line1\nline2" {
		t.Errorf("RunCommandWithInput() got = %q", out)
	}
}

func TestRunCommandStream(t *testing.T) {
	var lines []string
	_, err := RunCommandStream(t.Context(), testLog, nil, "",
		func(line string) { lines = append(lines, line) },
		"sh", "-c", `printf 'Receiving objects:  50%% (1/2)\rReceiving objects: 100%% (2/2), done.\nremote: hi\n' 1>&2; printf tail 1>&2`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"Receiving objects:  50% (1/2)",
		"Receiving objects: 100% (2/2), done.",
		"remote: hi",
		"tail",
	}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("RunCommandStream() lines mismatch (-want +got):\n%s", diff)
	}
}
