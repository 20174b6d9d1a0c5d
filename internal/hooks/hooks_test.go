package hooks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeHook(t *testing.T, dir, name, header, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := "#!/bin/sh\n" +
		"# ---\n" +
		header +
		"# ---\n" +
		body
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseHeader(t *testing.T) {
	dir := t.TempDir()
	path := writeHook(t, dir, "pre-submit", "# type: issue\n# event: pre-submit\n# priority: 5\n", "exit 0\n")

	h, err := ParseHeader(path)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Type != TypeIssue || h.Event != "pre-submit" || h.Priority != 5 {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestDiscoverFiltersByEvent(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "a", "# type: issue\n# event: pre-submit\n", "exit 0\n")
	writeHook(t, dir, "b", "# type: issue\n# event: pre-close\n", "exit 0\n")

	found, err := Discover([]string{dir}, "pre-submit")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("got %d hooks, want 1", len(found))
	}
}

func TestDiscoverPrioritySorted(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "low", "# type: issue\n# event: pre-submit\n# priority: 1\n", "exit 0\n")
	writeHook(t, dir, "high", "# type: issue\n# event: pre-submit\n# priority: 9\n", "exit 0\n")

	found, err := Discover([]string{dir}, "pre-submit")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(found) != 2 || found[0].Header.Priority != 9 {
		t.Fatalf("expected high priority first: %+v", found)
	}
}

func TestRunAllowDecision(t *testing.T) {
	dir := t.TempDir()
	path := writeHook(t, dir, "allow", "# type: issue\n# event: pre-close\n",
		`echo '{"decision":"allow"}'`+"\n")

	dec, err := Run(context.Background(), Hook{Header: Header{Event: "pre-close"}, Path: path}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dec.Decision != "allow" {
		t.Fatalf("decision = %q, want allow", dec.Decision)
	}
}

func TestRunDenyViaExitCode(t *testing.T) {
	dir := t.TempDir()
	path := writeHook(t, dir, "deny", "# type: issue\n# event: pre-close\n", "exit 2\n")

	dec, err := Run(context.Background(), Hook{Header: Header{Event: "pre-close"}, Path: path}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dec.Decision != "deny" {
		t.Fatalf("decision = %q, want deny", dec.Decision)
	}
}

func TestEngineDispatchAskDegradesToDeny(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "ask", "# type: issue\n# event: pre-close\n# priority: 5\n",
		`echo '{"decision":"ask","reason":"needs a human"}'`+"\n")
	// A lower-priority allow hook must never be reached: ask is
	// terminal, not a fall-through.
	writeHook(t, dir, "allow-after", "# type: issue\n# event: pre-close\n# priority: 1\n",
		`echo '{"decision":"allow"}'`+"\n")

	e := New([]string{dir})
	dec, err := e.Dispatch(context.Background(), "pre-close", "", "", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if dec.Decision != "deny" {
		t.Fatalf("decision = %q, want deny (ask degrades without a prompt)", dec.Decision)
	}
	if dec.Reason == "" {
		t.Error("degraded ask carries no explanatory reason")
	}
}

func TestAskIsTerminal(t *testing.T) {
	if !(Decision{Decision: "ask"}).IsTerminal() {
		t.Error("ask must be terminal so it cannot fall through to later hooks")
	}
}

func TestEngineDispatchNoHooksAllows(t *testing.T) {
	e := New([]string{t.TempDir()})
	dec, err := e.Dispatch(context.Background(), "pre-close", "", "", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if dec.Decision != "allow" {
		t.Fatalf("decision = %q, want allow", dec.Decision)
	}
}

func TestACLTranslation(t *testing.T) {
	if ToUnified(ProviderClaude, "PreToolUse") != BeforeTool {
		t.Errorf("claude PreToolUse should map to BeforeTool")
	}
	if ToUnified(ProviderGemini, "post-tool-call-failure") != AfterToolFailure {
		t.Errorf("gemini post-tool-call-failure should map to AfterToolFailure")
	}
	if ToUnified(ProviderClaude, "PostToolUseFailure") != AfterToolFailure {
		t.Errorf("claude PostToolUseFailure should map to AfterToolFailure")
	}
	if ToNative(ProviderClaude, AfterToolFailure) != "PostToolUseFailure" {
		t.Errorf("unified AfterToolFailure should map back to claude's PostToolUseFailure")
	}
}
