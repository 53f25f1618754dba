package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestLocalRunnerCapturesOutput(t *testing.T) {
	r := NewLocalRunner(zerolog.Nop())

	result, err := r.Run(context.Background(), "sh", "-c", "echo out; echo err >&2")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", result.ExitCode)
	}
	if result.Stdout != "out" {
		t.Errorf("expected stdout %q, got %q", "out", result.Stdout)
	}
	if result.Stderr != "err" {
		t.Errorf("expected stderr %q, got %q", "err", result.Stderr)
	}
}

func TestLocalRunnerNonZeroExit(t *testing.T) {
	r := NewLocalRunner(zerolog.Nop())

	result, err := r.Run(context.Background(), "sh", "-c", "exit 3")
	if err != nil {
		t.Fatalf("non-zero exit must not be a transport error, got: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", result.ExitCode)
	}
}

func TestLocalRunnerMissingBinary(t *testing.T) {
	r := NewLocalRunner(zerolog.Nop())

	if _, err := r.Run(context.Background(), "phoenix-does-not-exist-zz"); err == nil {
		t.Fatal("expected transport error for missing binary")
	}
}

func TestLocalRunnerWriteAndRemoveFile(t *testing.T) {
	r := NewLocalRunner(zerolog.Nop())
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "nested", "spec.json")
	if err := r.WriteFile(ctx, path, []byte(`{"id":950}`), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if string(data) != `{"id":950}` {
		t.Errorf("unexpected content: %s", data)
	}

	if err := r.RemoveFile(ctx, path); err != nil {
		t.Fatalf("RemoveFile failed: %v", err)
	}
	// Removing again must be a no-op.
	if err := r.RemoveFile(ctx, path); err != nil {
		t.Fatalf("RemoveFile on missing path failed: %v", err)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"", "''"},
		{"two words", "'two words'"},
		{"it's", `'it'\''s'`},
		{"$HOME", "'$HOME'"},
	}

	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
