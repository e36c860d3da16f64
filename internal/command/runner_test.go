package command

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestExecRunner_CapturesOutputAndExitCode(t *testing.T) {
	r := NewExecRunner(zerolog.Nop(), time.Second)

	result, err := r.Run(context.Background(), New("sh", "-c", "echo out; echo err >&2; exit 3"))
	if err != nil {
		t.Fatalf("non-zero exit must not be an error, got %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
	if strings.TrimSpace(string(result.Stdout)) != "out" {
		t.Fatalf("unexpected stdout: %q", result.Stdout)
	}
	if strings.TrimSpace(string(result.Stderr)) != "err" {
		t.Fatalf("unexpected stderr: %q", result.Stderr)
	}
	if result.OK() {
		t.Fatalf("expected OK() to be false")
	}
}

func TestExecRunner_Timeout(t *testing.T) {
	r := NewExecRunner(zerolog.Nop(), time.Minute)

	cmd := New("sleep", "5")
	cmd.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := r.Run(context.Background(), cmd)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
}

func TestExecRunner_MissingBinary(t *testing.T) {
	r := NewExecRunner(zerolog.Nop(), time.Second)

	_, err := r.Run(context.Background(), New("hostkeeper-no-such-binary"))
	if err == nil {
		t.Fatal("expected start error")
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("start failure must not look like a timeout: %v", err)
	}
}

func TestExecRunner_WorkingDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	r := NewExecRunner(zerolog.Nop(), time.Second)

	cmd := New("sh", "-c", "pwd; echo $HK_TEST_VALUE")
	cmd.Dir = dir
	cmd.Env = []string{"HK_TEST_VALUE=present"}

	out, err := Output(context.Background(), r, cmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("unexpected output: %q", out)
	}
	if !strings.HasSuffix(lines[0], strings.TrimPrefix(dir, "/private")) {
		t.Fatalf("expected working dir %s, got %s", dir, lines[0])
	}
	if lines[1] != "present" {
		t.Fatalf("expected env value, got %q", lines[1])
	}
}

func TestMustSucceed_ConvertsExitCode(t *testing.T) {
	r := NewExecRunner(zerolog.Nop(), time.Second)

	_, err := MustSucceed(context.Background(), r, New("sh", "-c", "echo broken >&2; exit 4"))

	var failed *CommandFailed
	if !errors.As(err, &failed) {
		t.Fatalf("expected CommandFailed, got %v", err)
	}
	if failed.ExitCode != 4 {
		t.Fatalf("expected exit code 4, got %d", failed.ExitCode)
	}
	if failed.Stderr != "broken" {
		t.Fatalf("expected stderr to be captured, got %q", failed.Stderr)
	}
	if !strings.Contains(failed.Command, "sh -c") {
		t.Fatalf("expected command line in error, got %q", failed.Command)
	}
}

func TestCmdString(t *testing.T) {
	tests := []struct {
		cmd  Cmd
		want string
	}{
		{New("lsblk"), "lsblk"},
		{New("git", "-C", "/opt/app", "fetch"), "git -C /opt/app fetch"},
	}
	for _, tt := range tests {
		if got := tt.cmd.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
