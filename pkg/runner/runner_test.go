package runner

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecRunSuccess(t *testing.T) {
	r := NewExec()
	res, err := r.Run(context.Background(), Request{Argv: []string{"echo", "hello"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "hello\n" {
		t.Fatalf("unexpected stdout: %q", res.Stdout)
	}
}

func TestExecRunFailureCapturesStderr(t *testing.T) {
	r := NewExec()
	_, err := r.Run(context.Background(), Request{Argv: []string{"sh", "-c", "echo boom >&2; exit 3"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !contains(err.Error(), "boom") {
		t.Fatalf("expected stderr in error, got: %v", err)
	}
}

func TestExecRunTimeout(t *testing.T) {
	r := NewExec()
	_, err := r.Run(context.Background(), Request{Argv: []string{"sleep", "5"}, Timeout: 10 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestExecRunEmptyArgv(t *testing.T) {
	r := NewExec()
	if _, err := r.Run(context.Background(), Request{}); !errors.Is(err, ErrEmptyArgv) {
		t.Fatalf("expected ErrEmptyArgv, got %v", err)
	}
}

func TestFakeRunRecordsCallsAndReturnsResponse(t *testing.T) {
	f := NewFake()
	f.On(FakeResponse{Result: Result{Stdout: "1024\n"}}, "zfs", "get", "-Hp", "-o", "value", "available", "tank")

	res, err := f.Run(context.Background(), Request{Argv: []string{"zfs", "get", "-Hp", "-o", "value", "available", "tank"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "1024\n" {
		t.Fatalf("unexpected stdout: %q", res.Stdout)
	}
	if len(f.Calls()) != 1 {
		t.Fatalf("expected 1 recorded call, got %d", len(f.Calls()))
	}
}

func TestFakeRunUnregisteredArgvFails(t *testing.T) {
	f := NewFake()
	if _, err := f.Run(context.Background(), Request{Argv: []string{"zfs", "list"}}); err == nil {
		t.Fatal("expected error for unregistered argv")
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
