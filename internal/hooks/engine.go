package hooks

import (
	"context"
	"fmt"
	"time"
)

// Engine is the Hook Engine facade used by the three call sites: agent
// tool calls, issue transitions, and git lifecycle scripts. It owns the
// discovery directory list and performs ACL translation between
// provider-native event names and the daemon's unified names so that
// callers never consume a provider's native schema directly.
type Engine struct {
	// Dirs lists directories searched in order: project-local
	// (.monoco/hooks/), user-global (~/.config/agents/hooks/), then
	// built-in hooks bundled with the distribution.
	Dirs []string
	// DefaultTimeout applies to synchronous hooks whose header carries
	// no timeout of its own. Zero means the 30s protocol default.
	DefaultTimeout time.Duration
}

// New constructs an Engine over the given discovery directories, in
// search order.
func New(dirs []string) *Engine {
	return &Engine{Dirs: dirs}
}

// Dispatch runs every hook registered for (event, matcher, provider),
// priority-sorted, stopping at the first terminal decision. If no hook
// applies, the default decision is Allow.
func (e *Engine) Dispatch(ctx context.Context, event, matcher, provider string, payload map[string]any) (Decision, error) {
	applicable, err := Discover(e.Dirs, event)
	if err != nil {
		return Decision{}, fmt.Errorf("hooks: discover %s: %w", event, err)
	}
	for _, h := range applicable {
		if !Matches(h, matcher, provider) {
			continue
		}
		if h.Header.Timeout == 0 && e.DefaultTimeout > 0 {
			h.Header.Timeout = int(e.DefaultTimeout / time.Second)
		}
		dec, err := Run(ctx, h, payload)
		if err != nil {
			return Decision{}, err
		}
		if h.Header.Async {
			continue // async hooks never gate flow
		}
		if dec.Decision == "ask" {
			// The daemon has no interactive prompt path; ask degrades
			// to deny with an explanatory reason.
			return Deny("hook escalated to interactive prompt; no prompt available"), nil
		}
		if dec.IsTerminal() {
			return dec, nil
		}
	}
	return Allow(), nil
}

// UnifiedEvent names the provider-agnostic tool/agent lifecycle events
// the engine ACL-translates to and from each provider's native schema.
type UnifiedEvent string

const (
	BeforeTool           UnifiedEvent = "before-tool"
	AfterTool            UnifiedEvent = "after-tool"
	AfterToolFailure     UnifiedEvent = "PostToolUseFailure"
	BeforeAgent          UnifiedEvent = "before-agent"
	AfterAgent           UnifiedEvent = "after-agent"
	SessionStart         UnifiedEvent = "session-start"
	SessionEnd           UnifiedEvent = "session-end"
)

// Provider identifies an agent CLI whose native hook event names the ACL
// translates.
type Provider string

const (
	ProviderClaude Provider = "claude-code"
	ProviderGemini Provider = "gemini-cli"
)

// nativeToUnified maps each Provider's native event name to the
// unified name, built once at package init.
var nativeToUnified = map[Provider]map[string]UnifiedEvent{
	ProviderClaude: {
		"PreToolUse":          BeforeTool,
		"PostToolUse":         AfterTool,
		"PostToolUseFailure":  AfterToolFailure,
		"UserPromptSubmit":    BeforeAgent,
		"Stop":                AfterAgent,
		"SessionStart":        SessionStart,
		"SessionEnd":          SessionEnd,
	},
	ProviderGemini: {
		"BeforeTool":             BeforeTool,
		"AfterTool":              AfterTool,
		"post-tool-call-failure": AfterToolFailure,
		"BeforeAgent":            BeforeAgent,
		"AfterAgent":             AfterAgent,
		"SessionStart":           SessionStart,
		"SessionEnd":             SessionEnd,
	},
}

var unifiedToNative = buildInverse()

func buildInverse() map[Provider]map[UnifiedEvent]string {
	inv := make(map[Provider]map[UnifiedEvent]string, len(nativeToUnified))
	for provider, m := range nativeToUnified {
		rev := make(map[UnifiedEvent]string, len(m))
		for native, unified := range m {
			rev[unified] = native
		}
		inv[provider] = rev
	}
	return inv
}

// ToUnified translates a provider's native event name to the daemon's
// unified name. Unknown native names pass through unchanged as a
// UnifiedEvent, so a provider adapter bug surfaces as an unmatched hook
// rather than a silent drop.
func ToUnified(provider Provider, native string) UnifiedEvent {
	if m, ok := nativeToUnified[provider]; ok {
		if u, ok := m[native]; ok {
			return u
		}
	}
	return UnifiedEvent(native)
}

// ToNative translates a unified event name back to the given provider's
// native name, for constructing that provider's hook-registration
// manifest.
func ToNative(provider Provider, unified UnifiedEvent) string {
	if m, ok := unifiedToNative[provider]; ok {
		if n, ok := m[unified]; ok {
			return n
		}
	}
	return string(unified)
}
