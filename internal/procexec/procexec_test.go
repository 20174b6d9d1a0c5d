package procexec

import (
	"context"
	"testing"
	"time"
)

func TestRunSuccess(t *testing.T) {
	res, err := Run(context.Background(), Spec{Argv: []string{"echo", "hello"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if res.Stdout != "hello\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), Spec{Argv: []string{"sh", "-c", "exit 7"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", res.ExitCode)
	}
}

func TestRunCapturesStderr(t *testing.T) {
	res, err := Run(context.Background(), Spec{Argv: []string{"sh", "-c", "echo error >&2"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stderr != "error\n" {
		t.Fatalf("stderr = %q", res.Stderr)
	}
}

func TestRunTimeout(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Argv:         []string{"sleep", "5"},
		Timeout:      50 * time.Millisecond,
		GraceTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("expected TimedOut, got %+v", res)
	}
}

func TestRunEmptyArgv(t *testing.T) {
	if _, err := Run(context.Background(), Spec{}); err == nil {
		t.Fatal("expected error for empty argv")
	}
}
