package action

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/monocod/internal/events"
)

// Action is a pluggable effect the Router invokes when a binding's
// condition matches. CanExecute is checked before Execute so the router
// can short-circuit actions that are structurally inapplicable to a
// payload (e.g. SpawnAgentAction with no Scheduler, or RunCommandAction
// with no argv) without counting them as a taken action in the audit log.
type Action interface {
	Name() string
	CanExecute(payload map[string]any) bool
	Execute(ctx context.Context, payload map[string]any) (Result, error)
}

// Result is what an Action reports back to the Router after executing.
type Result struct {
	Declined bool   // true if the action chose not to act (e.g. quota exhausted -> task rejected)
	Detail   string
}

// Binding pairs a Condition with the Action to invoke when it matches.
type Binding struct {
	Condition Condition
	Action    Action
}

// Decision records one binding evaluation for the audit trail.
type Decision struct {
	EventType     events.EventType
	RulesEvaluated int
	RulesMatched   int
	ActionTaken    string
	Timestamp      time.Time
}

// Router maps event_type to its registered bindings and evaluates them
// against every event bus event it receives.
type Router struct {
	mu       sync.RWMutex
	bindings map[events.EventType][]Binding
	audit    []Decision
	maxAudit int
}

// New constructs an empty Router. maxAudit bounds the in-memory audit
// log retained for GetAuditLog/Explain; 0 means a default of 512.
func New(maxAudit int) *Router {
	if maxAudit <= 0 {
		maxAudit = 512
	}
	return &Router{bindings: make(map[events.EventType][]Binding), maxAudit: maxAudit}
}

// Register adds a binding for an event type. Bindings for the same
// event type are evaluated in registration order.
func (r *Router) Register(eventType events.EventType, cond Condition, act Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[eventType] = append(r.bindings[eventType], Binding{Condition: cond, Action: act})
}

// Handle evaluates every binding registered for e.Type and invokes the
// action of each whose condition matches and which reports itself as
// executable. It is the Router's subscriber callback — wire it to
// events.Bus.Subscribe's channel in a read loop.
func (r *Router) Handle(ctx context.Context, e events.Event) {
	r.mu.RLock()
	bindings := append([]Binding(nil), r.bindings[e.Type]...)
	r.mu.RUnlock()

	dec := Decision{EventType: e.Type, Timestamp: time.Now()}
	for _, b := range bindings {
		dec.RulesEvaluated++
		if !b.Condition.Evaluate(e.Payload) {
			continue
		}
		if !b.Action.CanExecute(e.Payload) {
			continue
		}
		dec.RulesMatched++
		res, err := b.Action.Execute(ctx, e.Payload)
		if err != nil || res.Declined {
			dec.ActionTaken = "declined:" + b.Action.Name()
		} else {
			dec.ActionTaken = b.Action.Name()
		}
	}
	r.recordDecision(dec)
}

func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, d)
	if len(r.audit) > r.maxAudit {
		r.audit = r.audit[len(r.audit)-r.maxAudit:]
	}
}

// GetAuditLog returns a copy of the retained decision history.
func (r *Router) GetAuditLog() []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Decision, len(r.audit))
	copy(out, r.audit)
	return out
}

// Explain returns the most recent decision for an event type, or the
// zero Decision if none has been recorded yet.
func (r *Router) Explain(eventType events.EventType) (Decision, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.audit) - 1; i >= 0; i-- {
		if r.audit[i].EventType == eventType {
			return r.audit[i], true
		}
	}
	return Decision{}, false
}

// Run subscribes to bus and dispatches every event to Handle until ctx
// is cancelled.
func (r *Router) Run(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(128)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.Handle(ctx, e)
		}
	}
}
