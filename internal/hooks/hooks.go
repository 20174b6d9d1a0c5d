// Package hooks implements the lifecycle hook engine: a declarative
// pre/post interception layer for agent tool calls, issue transitions,
// and git lifecycle events. A hook is a file whose first comment block
// carries a YAML header between "---" fences, so the script itself
// remains directly executable.
package hooks

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Type is the hook category, matching one header field `type`.
type Type string

const (
	TypeGit   Type = "git"
	TypeIDE   Type = "ide"
	TypeAgent Type = "agent"
	TypeIssue Type = "issue"
)

// Header is a hook file's typed preamble.
type Header struct {
	Type     Type   `yaml:"type"`
	Event    string `yaml:"event"`
	Matcher  string `yaml:"matcher,omitempty"`
	Provider string `yaml:"provider,omitempty"`
	Priority int    `yaml:"priority"`
	Async    bool   `yaml:"async"`
	Timeout  int    `yaml:"timeout,omitempty"` // seconds; 0 = default 30s sync
}

// Hook is a discovered hook file: its parsed header plus the path to its
// executable body.
type Hook struct {
	Header Header
	Path   string
}

// Decision is the unified decision protocol result shared by every
// hook call site.
type Decision struct {
	Decision string         `json:"decision"` // allow | deny | ask
	Reason   string         `json:"reason,omitempty"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Allow is a terminal allow decision with no mutation.
func Allow() Decision { return Decision{Decision: "allow"} }

// Deny builds a terminal deny decision carrying a remediation reason.
func Deny(reason string) Decision { return Decision{Decision: "deny", Reason: reason} }

// IsTerminal reports whether d ends hook dispatch for its event: deny
// and ask always terminal (ask must escalate, never fall through to a
// later hook); allow terminal once mutations, if any, have been
// applied — the engine treats every allow as terminal since mutation
// application happens inline in Dispatch.
func (d Decision) IsTerminal() bool {
	return d.Decision == "deny" || d.Decision == "allow" || d.Decision == "ask"
}

// headerFence matches the "---"-delimited YAML block embedded in a hook
// script's leading comment lines (each comment line may or may not carry
// a leading `#` or `//`; both conventions are stripped before parsing).
const headerFence = "---"

// ParseHeader extracts and decodes a hook file's header from its first
// comment block.
func ParseHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	inBlock := false
	fenceCount := 0
	for scanner.Scan() {
		raw := scanner.Text()
		line := stripCommentPrefix(raw)
		trimmed := strings.TrimSpace(line)
		if trimmed == headerFence {
			fenceCount++
			inBlock = fenceCount == 1
			if fenceCount == 2 {
				break
			}
			continue
		}
		if inBlock {
			lines = append(lines, line)
		} else if fenceCount == 0 && trimmed != "" && !strings.HasPrefix(raw, "#") && !strings.HasPrefix(raw, "//") && !strings.HasPrefix(raw, "#!") {
			// Non-comment, non-shebang content before any fence: no
			// header present.
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Header{}, err
	}
	if fenceCount < 2 {
		return Header{}, fmt.Errorf("hooks: %s: no header block found", path)
	}

	var h Header
	if err := yaml.Unmarshal([]byte(strings.Join(lines, "\n")), &h); err != nil {
		return Header{}, fmt.Errorf("hooks: %s: parse header: %w", path, err)
	}
	return h, nil
}

func stripCommentPrefix(line string) string {
	trimmed := strings.TrimLeft(line, " \t")
	switch {
	case strings.HasPrefix(trimmed, "#!"):
		return ""
	case strings.HasPrefix(trimmed, "# "):
		return strings.TrimPrefix(trimmed, "# ")
	case strings.HasPrefix(trimmed, "#"):
		return strings.TrimPrefix(trimmed, "#")
	case strings.HasPrefix(trimmed, "// "):
		return strings.TrimPrefix(trimmed, "// ")
	case strings.HasPrefix(trimmed, "//"):
		return strings.TrimPrefix(trimmed, "//")
	default:
		return line
	}
}

// Discover scans dirs (in order: project-local, user-global, built-in)
// for hook files matching event. Matcher and provider are not filtered
// here; Matches applies them.
// Results are priority-sorted, highest first; ties preserve discovery
// order (project-local wins over user-global wins over built-in).
func Discover(dirs []string, event string) ([]Hook, error) {
	var found []Hook
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("hooks: scan %s: %w", dir, err)
		}
		for _, ent := range entries {
			if ent.IsDir() {
				continue
			}
			path := filepath.Join(dir, ent.Name())
			h, err := ParseHeader(path)
			if err != nil {
				continue // not a hook file; skip silently
			}
			if h.Event != event {
				continue
			}
			found = append(found, Hook{Header: h, Path: path})
		}
	}
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].Header.Priority > found[j].Header.Priority
	})
	return found, nil
}

// Matches reports whether hook h applies to the given matcher (tool name
// or glob) and provider. Empty matcher/provider fields in the header
// mean "matches anything".
func Matches(h Hook, matcher, provider string) bool {
	if h.Header.Provider != "" && provider != "" && h.Header.Provider != provider {
		return false
	}
	if h.Header.Matcher == "" {
		return true
	}
	ok, err := filepath.Match(h.Header.Matcher, matcher)
	return err == nil && ok
}

// Run executes a hook script, feeding payload as JSON on stdin and
// parsing stdout as a Decision. Exit-code convention: 0 = allow or
// unchanged, 2 = deny; the decision JSON on stdout overrides the exit
// code when present and well-formed.
func Run(ctx context.Context, h Hook, payload map[string]any) (Decision, error) {
	timeout := 30 * time.Second
	if h.Header.Timeout > 0 {
		timeout = time.Duration(h.Header.Timeout) * time.Second
	}
	if h.Header.Async {
		go func() {
			runCtx, cancel := context.WithTimeout(context.Background(), time.Hour)
			defer cancel()
			_, _, _ = execHook(runCtx, h.Path, payload)
		}()
		return Allow(), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stdout, exitCode, err := execHook(runCtx, h.Path, payload)
	if runCtx.Err() != nil {
		return Deny("hook timeout"), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("hooks: run %s: %w", h.Path, err)
	}

	var dec Decision
	if json.Unmarshal([]byte(strings.TrimSpace(stdout)), &dec) == nil && dec.Decision != "" {
		return dec, nil
	}
	if exitCode == 2 {
		return Deny("hook exited with deny status"), nil
	}
	return Allow(), nil
}

func execHook(ctx context.Context, path string, payload map[string]any) (stdout string, exitCode int, err error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", 0, err
	}
	cmd := exec.CommandContext(ctx, path)
	cmd.Stdin = strings.NewReader(string(body))
	out, runErr := cmd.Output()
	stdout = string(out)
	if runErr == nil {
		return stdout, 0, nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return stdout, exitErr.ExitCode(), nil
	}
	return stdout, -1, runErr
}
