package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "recon-engine/internal/platform/errors"
)

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunCapturesOutput(t *testing.T) {
	script := writeScript(t, "ok.sh", "echo hola\necho fallo >&2\n")

	res, err := Run(context.Background(), Spec{Tool: "ok", Argv: []string{script}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "hola\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.Stderr != "fallo\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
}

func TestRunNonZeroExitIsExecError(t *testing.T) {
	script := writeScript(t, "fail.sh", "echo boom >&2\nexit 3\n")

	res, err := Run(context.Background(), Spec{Tool: "fail", Argv: []string{script}})
	if err == nil {
		t.Fatal("expected error")
	}
	var execErr *apperrors.ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecError, got %T: %v", err, err)
	}
	if execErr.ExitCode != 3 || res.ExitCode != 3 {
		t.Errorf("exit code = %d / %d, want 3", execErr.ExitCode, res.ExitCode)
	}
	if execErr.Stderr != "boom" {
		t.Errorf("stderr snippet = %q", execErr.Stderr)
	}
}

func TestRunMissingBinary(t *testing.T) {
	_, err := Run(context.Background(), Spec{Argv: []string{"definitely-not-a-binary-xyz"}})
	if !apperrors.IsToolNotFound(err) {
		t.Fatalf("expected ToolNotFound, got %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	script := writeScript(t, "slow.sh", "sleep 5\n")

	start := time.Now()
	_, err := Run(context.Background(), Spec{Tool: "slow", Argv: []string{script}, Timeout: 200 * time.Millisecond})
	if !apperrors.IsTimeout(err) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestRunTimeoutKillsGrandchildren(t *testing.T) {
	// El nieto hereda los pipes de stdout/stderr; si sobrevive al kill del
	// hijo directo, Wait quedaría bloqueado hasta que suelte el pipe.
	script := writeScript(t, "spawn.sh", "sleep 5 &\nwait\n")

	start := time.Now()
	_, err := Run(context.Background(), Spec{Tool: "spawn", Argv: []string{script}, Timeout: 200 * time.Millisecond})
	if !apperrors.IsTimeout(err) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestRunStdin(t *testing.T) {
	script := writeScript(t, "cat.sh", "cat\n")

	res, err := Run(context.Background(), Spec{Tool: "cat", Argv: []string{script}, Stdin: "a.example.com\nb.example.com\n"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "a.example.com\nb.example.com\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRunRejectsMissingDir(t *testing.T) {
	script := writeScript(t, "ok.sh", "true\n")

	_, err := Run(context.Background(), Spec{Argv: []string{script}, Dir: filepath.Join(t.TempDir(), "nope")})
	if !apperrors.IsInvalidArgument(err) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestStreamForwardsLines(t *testing.T) {
	script := writeScript(t, "emit.sh", "echo uno\necho dos\n")

	out := make(chan string, 4)
	if err := Stream(context.Background(), Spec{Tool: "emit", Argv: []string{script}}, out); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	close(out)

	var got []string
	for line := range out {
		got = append(got, line)
	}
	if len(got) != 2 || got[0] != "uno" || got[1] != "dos" {
		t.Errorf("lines = %v", got)
	}
}

func TestStreamCancellation(t *testing.T) {
	script := writeScript(t, "block.sh", "echo ready\nwhile true; do sleep 1; done\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- Stream(ctx, Spec{Tool: "block", Argv: []string{script}}, out)
	}()

	select {
	case <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first line")
	}
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}
